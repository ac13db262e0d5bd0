package scan

import (
	"net/url"
	"strings"
)

// NormalizeImpact maps free-form detector severity strings onto the known
// impact levels. Anything unrecognized, including an absent impact, becomes
// ImpactUnknown.
func NormalizeImpact(raw string) Impact {
	switch Impact(strings.ToLower(strings.TrimSpace(raw))) {
	case ImpactCritical:
		return ImpactCritical
	case ImpactSerious:
		return ImpactSerious
	case ImpactModerate:
		return ImpactModerate
	case ImpactMinor:
		return ImpactMinor
	default:
		return ImpactUnknown
	}
}

// NormalizeViolations converts raw detector output into the canonical
// violation shape, preserving detector order.
func NormalizeViolations(raw []RawViolation) []Violation {
	out := make([]Violation, 0, len(raw))
	for _, rv := range raw {
		nodes := rv.Nodes
		if n := len(rv.Targets); n > nodes {
			nodes = n
		}
		out = append(out, Violation{
			RuleID:      strings.TrimSpace(rv.RuleID),
			Impact:      NormalizeImpact(rv.Impact),
			Description: strings.TrimSpace(rv.Description),
			Help:        strings.TrimSpace(rv.Help),
			HelpURL:     strings.TrimSpace(rv.HelpURL),
			Nodes:       nodes,
		})
	}
	return out
}

// ImpactRank orders impacts from most severe (0) to least. Unknown impacts
// rank after every named level.
func ImpactRank(i Impact) int {
	switch i {
	case ImpactCritical:
		return 0
	case ImpactSerious:
		return 1
	case ImpactModerate:
		return 2
	case ImpactMinor:
		return 3
	default:
		return 4
	}
}

// Summarize tallies violations into severity buckets. Unknown impacts count
// toward Total only, so Total can exceed the sum of the named buckets.
func Summarize(violations []Violation) Summary {
	s := Summary{Total: len(violations)}
	for _, v := range violations {
		switch v.Impact {
		case ImpactCritical:
			s.Critical++
		case ImpactSerious:
			s.Serious++
		case ImpactModerate:
			s.Moderate++
		case ImpactMinor:
			s.Minor++
		}
	}
	return s
}

// ValidateTarget checks a submitted target before it is enqueued. Only
// emptiness is rejected here: malformed or unreachable targets surface later
// as fetch failures on the job itself, which keeps submission cheap and the
// failure visible through the status endpoint.
func ValidateTarget(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return &ValidationError{Field: "url", Msg: "must not be empty"}
	}
	return nil
}

// HostOf extracts the hostname from a target URL on a best-effort basis,
// defaulting the scheme when the submitter omitted one. It returns "" when
// no host can be derived.
func HostOf(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
