package scan

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeImpact(t *testing.T) {
	t.Parallel()

	cases := map[string]Impact{
		"critical":  ImpactCritical,
		"Serious":   ImpactSerious,
		" moderate": ImpactModerate,
		"MINOR":     ImpactMinor,
		"":          ImpactUnknown,
		"blocker":   ImpactUnknown,
	}
	for raw, want := range cases {
		require.Equal(t, want, NormalizeImpact(raw), "raw=%q", raw)
	}
}

func TestNormalizeViolationsPreservesOrder(t *testing.T) {
	t.Parallel()

	raw := []RawViolation{
		{RuleID: "image-alt", Impact: "critical", Targets: []string{"img.hero", "img.logo"}},
		{RuleID: "html-has-lang", Impact: ""},
		{RuleID: "link-name", Impact: "SERIOUS", Nodes: 3},
	}

	got := NormalizeViolations(raw)
	require.Len(t, got, 3)
	require.Equal(t, "image-alt", got[0].RuleID)
	require.Equal(t, ImpactCritical, got[0].Impact)
	require.Equal(t, 2, got[0].Nodes)
	require.Equal(t, ImpactUnknown, got[1].Impact)
	require.Equal(t, "link-name", got[2].RuleID)
	require.Equal(t, 3, got[2].Nodes)
}

func TestImpactRankOrdersMostSevereFirst(t *testing.T) {
	t.Parallel()

	ordered := []Impact{ImpactCritical, ImpactSerious, ImpactModerate, ImpactMinor, ImpactUnknown}
	for i := 1; i < len(ordered); i++ {
		require.Less(t, ImpactRank(ordered[i-1]), ImpactRank(ordered[i]))
	}
	require.Equal(t, ImpactRank(ImpactUnknown), ImpactRank(Impact("blocker")))
}

func TestSummarizeCountsUnknownInTotalOnly(t *testing.T) {
	t.Parallel()

	violations := []Violation{
		{RuleID: "a", Impact: ImpactCritical},
		{RuleID: "b", Impact: ImpactSerious},
		{RuleID: "c", Impact: ImpactSerious},
		{RuleID: "d", Impact: ImpactUnknown},
	}

	s := Summarize(violations)
	require.Equal(t, 4, s.Total)
	require.Equal(t, 1, s.Critical)
	require.Equal(t, 2, s.Serious)
	require.Equal(t, 0, s.Moderate)
	require.Equal(t, 0, s.Minor)
	require.GreaterOrEqual(t, s.Total, s.Critical+s.Serious+s.Moderate+s.Minor)
}

func TestSummarizeEmpty(t *testing.T) {
	t.Parallel()

	require.Equal(t, Summary{}, Summarize(nil))
}

func TestValidateTarget(t *testing.T) {
	t.Parallel()

	require.NoError(t, ValidateTarget("https://example.com/page"))
	require.NoError(t, ValidateTarget("http://example.com"))
	// Scheme-less and odd targets are accepted at submission; they fail later
	// as fetch errors on the job itself.
	require.NoError(t, ValidateTarget("example.com"))
	require.NoError(t, ValidateTarget("ftp://example.com"))

	for _, raw := range []string{"", "   ", "\t\n"} {
		err := ValidateTarget(raw)
		require.Error(t, err, "raw=%q", raw)
		var ve *ValidationError
		require.ErrorAs(t, err, &ve)
		require.Equal(t, "url", ve.Field)
	}
}

func TestHostOf(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"https://Example.COM/page":  "example.com",
		"http://sub.example.com:80": "sub.example.com",
		"example.com/path":          "example.com",
		"":                          "",
		"   ":                       "",
		"http://":                   "",
	}
	for raw, want := range cases {
		require.Equal(t, want, HostOf(raw), "raw=%q", raw)
	}
}

// Fuzz test for HostOf.
func FuzzHostOf(f *testing.F) {
	testcases := []string{"http://example.com", "https://google.com", "ftp://example.com", "not a url", ""}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		host := HostOf(orig)
		if host != strings.ToLower(host) {
			t.Errorf("HostOf(%q) = %q; hosts must be lowercase", orig, host)
		}
	})
}
