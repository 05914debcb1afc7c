package policy

import "path/filepath"

// pathsParam extracts a "path" or "paths" parameter as a list of strings.
// Gears are free to name the parameter either way; both are accepted so a
// single-file and a multi-file Gear can share the same classification path.
func pathsParam(params map[string]any) []string {
	if v, ok := params["path"]; ok {
		if s, ok := v.(string); ok {
			return []string{s}
		}
	}
	if v, ok := params["paths"]; ok {
		if list, ok := v.([]any); ok {
			out := make([]string, 0, len(list))
			for _, e := range list {
				if s, ok := e.(string); ok {
					out = append(out, s)
				}
			}
			return out
		}
		if list, ok := v.([]string); ok {
			return list
		}
	}
	return nil
}

// pathsWithinWorkspace reports whether every path, after lexical
// `..`/`.` normalization, resolves to a location inside root. Relative
// paths are rejected outright (§4.3: "absolute paths only; relative
// paths fail-safe").
func pathsWithinWorkspace(paths []string, root string) bool {
	if root == "" {
		return false
	}
	cleanRoot := filepath.Clean(root)
	for _, p := range paths {
		if !filepath.IsAbs(p) {
			return false
		}
		cleaned := filepath.Clean(p)
		rel, err := filepath.Rel(cleanRoot, cleaned)
		if err != nil || hasParentEscape(rel) {
			return false
		}
	}
	return true
}

// hasParentEscape reports whether rel (a filepath.Rel result) climbs above
// its base, i.e. root is not an ancestor of the original path.
func hasParentEscape(rel string) bool {
	return rel == ".." || (len(rel) >= 3 && rel[:3] == "../")
}

// hostParam extracts a "host" or "url" parameter's host component.
func hostParam(params map[string]any) string {
	if v, ok := params["host"]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	if v, ok := params["url"]; ok {
		if s, ok := v.(string); ok {
			return hostFromURL(s)
		}
	}
	return ""
}

func hostFromURL(raw string) string {
	// Minimal scheme-stripping host extraction; full URL parsing is
	// unnecessary here since only the host is ever compared against the
	// allowlist.
	s := raw
	if i := indexOf(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	if i := indexOf(s, "/"); i >= 0 {
		s = s[:i]
	}
	if i := indexOf(s, "@"); i >= 0 {
		s = s[i+1:]
	}
	if i := indexOf(s, ":"); i >= 0 {
		s = s[:i]
	}
	return s
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

// hostAllowed reports whether host matches the allowlist, either exactly or
// via a "*.domain" wildcard entry.
func hostAllowed(host string, allowlist []string) bool {
	if host == "" {
		return false
	}
	for _, entry := range allowlist {
		if entry == host {
			return true
		}
		if len(entry) > 2 && entry[:2] == "*." {
			suffix := entry[1:] // ".domain"
			if len(host) > len(suffix) && host[len(host)-len(suffix):] == suffix {
				return true
			}
		}
	}
	return false
}
