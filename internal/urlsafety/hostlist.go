package urlsafety

import "strings"

// hostPatternList stores exact hosts and suffix wildcards ("*.internal") derived from a Policy.
type hostPatternList struct {
	exact    map[string]struct{}
	suffixes []string
}

func newHostPatternList(patterns []string) *hostPatternList {
	list := &hostPatternList{
		exact: make(map[string]struct{}),
	}
	for _, raw := range patterns {
		value := strings.TrimSuffix(strings.TrimSpace(strings.ToLower(raw)), ".")
		if value == "" {
			continue
		}
		switch {
		case strings.HasPrefix(value, "*."):
			list.addSuffix(strings.TrimPrefix(value, "*."))
		case strings.HasPrefix(value, "."):
			list.addSuffix(strings.TrimPrefix(value, "."))
		default:
			list.exact[value] = struct{}{}
		}
	}
	return list
}

func (l *hostPatternList) addSuffix(suffix string) {
	if suffix == "" {
		return
	}
	for _, existing := range l.suffixes {
		if existing == suffix {
			return
		}
	}
	l.suffixes = append(l.suffixes, suffix)
}

// matches reports whether host equals an exact entry or sits at/below a suffix entry.
// host must already be lowercased.
func (l *hostPatternList) matches(host string) bool {
	if l == nil || host == "" {
		return false
	}
	if _, ok := l.exact[host]; ok {
		return true
	}
	for _, suffix := range l.suffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}
