// Package wcag implements an accessibility rule engine over parsed HTML.
// Rules approximate a WCAG 2.1 A/AA subset: each rule inspects the document
// and reports the elements that fail it. The engine is stateless between
// runs, so one instance is safe for concurrent use by multiple workers.
package wcag

import (
	"bytes"
	"context"
	"fmt"

	"github.com/PuerkitoBio/goquery"

	"github.com/accessprobe/scand/internal/scan"
)

// Engine evaluates a fixed rule set against fetched pages.
type Engine struct {
	rules []Rule
}

// New returns an Engine loaded with the default rule set.
func New() *Engine {
	return &Engine{rules: defaultRules()}
}

// NewWithRules returns an Engine evaluating only the given rules, in order.
func NewWithRules(rules []Rule) *Engine {
	return &Engine{rules: rules}
}

// RuleIDs lists the engine's rules in evaluation order.
func (e *Engine) RuleIDs() []string {
	ids := make([]string, 0, len(e.rules))
	for _, r := range e.rules {
		ids = append(ids, r.ID)
	}
	return ids
}

// Detect parses the page body and runs every rule against it. Rules run in
// registration order and findings keep that order, so repeated scans of the
// same markup produce identical output.
func (e *Engine) Detect(ctx context.Context, page scan.FetchResponse) ([]scan.RawViolation, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}

	out := make([]scan.RawViolation, 0, 8)
	for _, rule := range e.rules {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("detect canceled: %w", err)
		}
		targets := rule.Check(doc)
		if len(targets) == 0 {
			continue
		}
		out = append(out, scan.RawViolation{
			RuleID:      rule.ID,
			Impact:      string(rule.Impact),
			Description: rule.Description,
			Help:        rule.Help,
			HelpURL:     helpURLPrefix + rule.ID,
			Targets:     targets,
		})
	}
	return out, nil
}
