package gateway

import "strings"

// hostBlocklist rejects submissions whose target host matches a configured
// pattern. Patterns are exact hosts ("tracker.example.com") or suffix
// wildcards ("*.example.com", ".example.com"); a suffix also matches the
// bare apex.
type hostBlocklist struct {
	exact    map[string]struct{}
	suffixes []string
}

// newHostBlocklist returns nil when no usable pattern is configured. A nil
// blocklist blocks nothing.
func newHostBlocklist(patterns []string) *hostBlocklist {
	bl := &hostBlocklist{exact: make(map[string]struct{})}
	for _, raw := range patterns {
		bl.add(raw)
	}
	if len(bl.exact) == 0 && len(bl.suffixes) == 0 {
		return nil
	}
	return bl
}

func (b *hostBlocklist) add(raw string) {
	pattern := strings.TrimSpace(strings.ToLower(raw))
	switch {
	case pattern == "":
	case strings.HasPrefix(pattern, "*."), strings.HasPrefix(pattern, "."):
		suffix := strings.TrimLeft(pattern, "*.")
		if suffix != "" && !b.hasSuffix(suffix) {
			b.suffixes = append(b.suffixes, suffix)
		}
	default:
		b.exact[pattern] = struct{}{}
	}
}

func (b *hostBlocklist) hasSuffix(suffix string) bool {
	for _, existing := range b.suffixes {
		if existing == suffix {
			return true
		}
	}
	return false
}

// IsBlocked reports whether host matches any pattern. Safe on a nil receiver.
func (b *hostBlocklist) IsBlocked(host string) bool {
	if b == nil {
		return false
	}
	host = strings.TrimSpace(strings.ToLower(host))
	if host == "" {
		return false
	}
	if _, ok := b.exact[host]; ok {
		return true
	}
	for _, suffix := range b.suffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}
