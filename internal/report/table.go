package report

import (
	"fmt"
	"io"
	"strconv"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"

	"github.com/accessprobe/scand/internal/scan"
)

// TableFormatter renders the result as a colored terminal table.
type TableFormatter struct{}

func (f *TableFormatter) Format(w io.Writer, res *scan.Result) error {
	fmt.Fprintf(w, "\n%s — ", res.URL)
	if res.Rendered {
		fmt.Fprint(w, "rendered page, ")
	}
	fmt.Fprintf(w, "%d violations\n", res.Summary.Total)

	if len(res.Violations) == 0 {
		fmt.Fprintln(w, "  No violations found.")
		return nil
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Impact", "Rule", "Nodes", "Description"})
	table.SetAutoWrapText(false)
	table.SetBorder(false)
	table.SetColumnSeparator("│")

	for _, v := range bySeverity(res.Violations) {
		table.Append([]string{
			colorImpact(v.Impact),
			v.RuleID,
			strconv.Itoa(v.Nodes),
			v.Description,
		})
	}
	table.Render()

	fmt.Fprintf(w, "  Summary: %s\n", summaryLine(res.Summary))

	if res.FixSuggestions != "" {
		fmt.Fprintf(w, "\nSuggested fixes:\n%s\n", res.FixSuggestions)
	}
	if res.SnapshotURI != "" {
		fmt.Fprintf(w, "\nSnapshot: %s\n", res.SnapshotURI)
	}
	return nil
}

func colorImpact(i scan.Impact) string {
	switch i {
	case scan.ImpactCritical:
		return color.RedString("CRITICAL")
	case scan.ImpactSerious:
		return color.RedString("SERIOUS")
	case scan.ImpactModerate:
		return color.YellowString("MODERATE")
	case scan.ImpactMinor:
		return color.CyanString("MINOR")
	default:
		return string(i)
	}
}
