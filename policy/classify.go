package policy

import "strings"

// Classifier maps a (gear, action) pair to an ActionType. Production
// callers supply one backed by the Gear registry's manifest
// (manifest.Actions[i].Type); DefaultClassifier is a best-effort fallback
// used when no registry-backed classifier is wired, and in tests.
type Classifier func(gearID, action string) ActionType

// DefaultClassifier recognizes the literal ActionType strings as action
// names (the common case for first-party Gears) and falls back to a
// keyword heuristic, else ActionUnknown. Keyword order matters: more
// specific/destructive keywords are checked first so e.g. "delete_object"
// classifies as delete_files rather than write_files.
func DefaultClassifier(_ string, action string) ActionType {
	a := strings.ToLower(action)
	switch ActionType(a) {
	case ActionReadFiles, ActionWriteFiles, ActionDeleteFiles, ActionNetworkGet, ActionNetworkMutate,
		ActionShellExecute, ActionCredentialUsage, ActionFinancialTransact, ActionSendMessage, ActionSystemConfig:
		return ActionType(a)
	}
	switch {
	case containsAny(a, "delete", "remove", "rm_", "unlink", "purge"):
		return ActionDeleteFiles
	case containsAny(a, "write", "create_file", "append", "save"):
		return ActionWriteFiles
	case containsAny(a, "read", "list_dir", "stat", "get_file"):
		return ActionReadFiles
	case containsAny(a, "shell", "exec", "spawn", "run_command"):
		return ActionShellExecute
	case containsAny(a, "transfer", "payment", "charge", "transaction", "pay_"):
		return ActionFinancialTransact
	case containsAny(a, "credential", "secret", "token", "apikey", "api_key"):
		return ActionCredentialUsage
	case containsAny(a, "post", "put_", "patch", "send_request", "webhook"):
		return ActionNetworkMutate
	case containsAny(a, "http_get", "fetch", "download", "request"):
		return ActionNetworkGet
	case containsAny(a, "message", "email", "notify", "sms"):
		return ActionSendMessage
	case containsAny(a, "config", "setting", "env_set", "install"):
		return ActionSystemConfig
	default:
		return ActionUnknown
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
