// Package render decides when a probe fetch must be redone in a headless
// browser before the page is scanned. Client-rendered apps ship a nearly
// empty HTML shell; scanning that shell would report the mount node instead
// of the page users see.
package render

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/accessprobe/scand/internal/scan"
)

// DefaultMinHTMLBytes is the body size below which heavy script coverage
// marks a page as client-rendered.
const DefaultMinHTMLBytes = 2048

var spaMarkers = []struct {
	marker   []byte
	selector string
}{
	{[]byte(`id="__next"`), "#__next"},
	{[]byte(`id="root"`), "#root"},
	{[]byte(`id="app"`), "#app"},
	{[]byte("data-reactroot"), "[data-reactroot]"},
}

// Heuristic implements rule-based render promotion.
type Heuristic struct {
	minHTMLBytes int
}

// NewHeuristic creates a Heuristic; minHTMLBytes <= 0 selects the default.
func NewHeuristic(minHTMLBytes int) *Heuristic {
	if minHTMLBytes <= 0 {
		minHTMLBytes = DefaultMinHTMLBytes
	}
	return &Heuristic{minHTMLBytes: minHTMLBytes}
}

// ShouldRender reports whether the probe response looks JS-dependent enough
// to justify a headless refetch. Responses that already went through a
// renderer and non-200 responses never promote.
func (h *Heuristic) ShouldRender(resp scan.FetchResponse) bool {
	if resp.Rendered || resp.StatusCode != http.StatusOK {
		return false
	}
	body := resp.Body
	if len(body) == 0 {
		return true
	}
	if len(body) < h.minHTMLBytes && scriptDensityHigh(body) {
		return true
	}
	return emptyMountNode(body)
}

// emptyMountNode checks for single-page-app markers whose mount element has
// no rendered text, the signature of a client-rendered shell.
func emptyMountNode(body []byte) bool {
	hit := false
	for _, m := range spaMarkers {
		if bytes.Contains(body, m.marker) {
			hit = true
			break
		}
	}
	if !hit {
		return false
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return true
	}
	for _, m := range spaMarkers {
		sel := doc.Find(m.selector)
		if sel.Length() > 0 && strings.TrimSpace(sel.Text()) == "" {
			return true
		}
	}
	return false
}

func scriptDensityHigh(body []byte) bool {
	lower := strings.ToLower(string(body))
	total := len(lower)
	if total == 0 {
		return false
	}

	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	scriptCoverage := 0
	searchPos := 0

	for {
		relativeStart := strings.Index(lower[searchPos:], openTag)
		if relativeStart == -1 {
			break
		}
		start := searchPos + relativeStart

		tagClose := strings.IndexByte(lower[start:], '>')
		if tagClose == -1 {
			// Treat the rest of the document as part of the malformed script.
			scriptCoverage += total - start
			break
		}
		contentStart := start + tagClose + 1

		relativeEnd := strings.Index(lower[contentStart:], closeTag)
		var nextSearch int
		if relativeEnd == -1 {
			// Script tag never closes; count the rest.
			nextSearch = total
		} else {
			nextSearch = contentStart + relativeEnd + len(closeTag)
		}

		scriptCoverage += nextSearch - start
		searchPos = nextSearch
	}

	if scriptCoverage == 0 {
		return false
	}
	return scriptCoverage*100/total >= 25
}
