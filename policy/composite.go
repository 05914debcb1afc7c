package policy

// compositePattern names a cross-step risk pattern detected over the
// multiset of a plan's per-step ActionTypes, per §4.3 "Composite
// risk".
type compositePattern string

const (
	patternCredentialExfiltration compositePattern = "credential_exfiltration"
	patternDataLeak               compositePattern = "data_leak"
	patternFileExfiltration       compositePattern = "file_exfiltration"
	patternMassDeletion           compositePattern = "mass_deletion"
)

// detectComposites inspects the multiset of classified action types and
// returns every composite-risk pattern it fires. Detection rules:
//   - credential_usage combined with any network_* action:    credential_exfiltration
//   - read_files combined with send_message:                  data_leak
//   - read_files combined with any network_* action:           file_exfiltration
//   - three or more delete_files actions:                      mass_deletion
func detectComposites(actionTypes []ActionType) []compositePattern {
	var counts struct {
		credentialUsage, readFiles, sendMessage, deleteFiles int
		network                                              int
	}
	for _, t := range actionTypes {
		switch t {
		case ActionCredentialUsage:
			counts.credentialUsage++
		case ActionReadFiles:
			counts.readFiles++
		case ActionSendMessage:
			counts.sendMessage++
		case ActionDeleteFiles:
			counts.deleteFiles++
		case ActionNetworkGet, ActionNetworkMutate:
			counts.network++
		}
	}

	var patterns []compositePattern
	if counts.credentialUsage > 0 && counts.network > 0 {
		patterns = append(patterns, patternCredentialExfiltration)
	}
	if counts.readFiles > 0 && counts.sendMessage > 0 {
		patterns = append(patterns, patternDataLeak)
	}
	if counts.readFiles > 0 && counts.network > 0 {
		patterns = append(patterns, patternFileExfiltration)
	}
	if counts.deleteFiles >= 3 {
		patterns = append(patterns, patternMassDeletion)
	}
	return patterns
}
