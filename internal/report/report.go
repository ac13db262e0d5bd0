// Package report renders completed scan results for terminals and files.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/accessprobe/scand/internal/scan"
)

// Formatter renders one scan result to a writer.
type Formatter interface {
	Format(w io.Writer, res *scan.Result) error
}

// GetFormatter returns the formatter registered for the given name.
func GetFormatter(format string) (Formatter, error) {
	switch format {
	case "table":
		return &TableFormatter{}, nil
	case "json":
		return &JSONFormatter{}, nil
	case "markdown":
		return &MarkdownFormatter{}, nil
	default:
		return nil, fmt.Errorf("unknown output format %q (supported: table, json, markdown)", format)
	}
}

// JSONFormatter renders the result as indented JSON.
type JSONFormatter struct{}

func (f *JSONFormatter) Format(w io.Writer, res *scan.Result) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(res)
}

// bySeverity returns the violations reordered most severe first without
// touching the result itself.
func bySeverity(violations []scan.Violation) []scan.Violation {
	out := make([]scan.Violation, len(violations))
	copy(out, violations)
	sort.SliceStable(out, func(i, j int) bool {
		return scan.ImpactRank(out[i].Impact) < scan.ImpactRank(out[j].Impact)
	})
	return out
}

func summaryLine(s scan.Summary) string {
	return fmt.Sprintf("%d violations (%d critical, %d serious, %d moderate, %d minor)",
		s.Total, s.Critical, s.Serious, s.Moderate, s.Minor)
}
