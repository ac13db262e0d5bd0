package report

import (
	"fmt"
	"io"
	"strings"

	"github.com/accessprobe/scand/internal/scan"
)

// MarkdownFormatter renders the result as a Markdown table suitable for
// pasting into docs, issues, or pull-request descriptions.
type MarkdownFormatter struct{}

func (f *MarkdownFormatter) Format(w io.Writer, res *scan.Result) error {
	fmt.Fprintf(w, "## Accessibility scan — %s\n\n", res.URL)

	if len(res.Violations) == 0 {
		fmt.Fprintln(w, "_No violations found._")
		return nil
	}

	fmt.Fprintln(w, "| Impact | Rule | Nodes | Description |")
	fmt.Fprintln(w, "|--------|------|-------|-------------|")

	for _, v := range bySeverity(res.Violations) {
		rule := escapePipes(v.RuleID)
		if v.HelpURL != "" {
			rule = fmt.Sprintf("[%s](%s)", rule, v.HelpURL)
		}
		fmt.Fprintf(w, "| **%s** | %s | %d | %s |\n",
			strings.ToUpper(string(v.Impact)), rule, v.Nodes, escapePipes(v.Description))
	}

	fmt.Fprintf(w, "\n**Summary:** %s\n", summaryLine(res.Summary))

	if res.FixSuggestions != "" {
		fmt.Fprintf(w, "\n### Suggested fixes\n\n%s\n", res.FixSuggestions)
	}
	return nil
}

// escapePipes escapes pipe characters that would break Markdown tables.
func escapePipes(s string) string {
	return strings.ReplaceAll(s, "|", "\\|")
}
