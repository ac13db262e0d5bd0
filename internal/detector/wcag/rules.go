package wcag

import (
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/accessprobe/scand/internal/scan"
)

const helpURLPrefix = "https://dequeuniversity.com/rules/axe/4.7/"

// Rule is one accessibility check. Check returns a selector per failing
// element; an empty slice means the document passes.
type Rule struct {
	ID          string
	Impact      scan.Impact
	Description string
	Help        string
	Check       func(doc *goquery.Document) []string
}

func defaultRules() []Rule {
	return []Rule{
		{
			ID:          "document-title",
			Impact:      scan.ImpactSerious,
			Description: "Documents must have a title element to aid in navigation",
			Help:        "Ensure each page has a non-empty <title> in the <head>",
			Check:       checkDocumentTitle,
		},
		{
			ID:          "html-has-lang",
			Impact:      scan.ImpactSerious,
			Description: "The html element must have a lang attribute",
			Help:        "Ensure every HTML document has a lang attribute",
			Check:       checkHTMLHasLang,
		},
		{
			ID:          "image-alt",
			Impact:      scan.ImpactCritical,
			Description: "Images must have alternate text",
			Help:        "Ensure <img> elements have an alt attribute or a role of none or presentation",
			Check:       checkImageAlt,
		},
		{
			ID:          "input-image-alt",
			Impact:      scan.ImpactCritical,
			Description: "Image buttons must have alternate text",
			Help:        "Ensure <input type=\"image\"> elements have alternate text",
			Check:       checkInputImageAlt,
		},
		{
			ID:          "area-alt",
			Impact:      scan.ImpactCritical,
			Description: "Active area elements must have alternate text",
			Help:        "Ensure <area> elements of image maps have alternate text",
			Check:       checkAreaAlt,
		},
		{
			ID:          "link-name",
			Impact:      scan.ImpactSerious,
			Description: "Links must have discernible text",
			Help:        "Ensure links have text visible to assistive technology",
			Check:       checkLinkName,
		},
		{
			ID:          "button-name",
			Impact:      scan.ImpactCritical,
			Description: "Buttons must have discernible text",
			Help:        "Ensure buttons have text visible to assistive technology",
			Check:       checkButtonName,
		},
		{
			ID:          "label",
			Impact:      scan.ImpactCritical,
			Description: "Form elements must have labels",
			Help:        "Ensure every form element has a label",
			Check:       checkLabel,
		},
		{
			ID:          "frame-title",
			Impact:      scan.ImpactSerious,
			Description: "Frames must have an accessible name",
			Help:        "Ensure <iframe> and <frame> elements have a title attribute",
			Check:       checkFrameTitle,
		},
		{
			ID:          "meta-viewport",
			Impact:      scan.ImpactCritical,
			Description: "Zooming and scaling must not be disabled",
			Help:        "Ensure the viewport meta tag does not disable text scaling",
			Check:       checkMetaViewport,
		},
		{
			ID:          "tabindex",
			Impact:      scan.ImpactSerious,
			Description: "Elements should not have tabindex greater than zero",
			Help:        "Ensure tabindex attribute values are not greater than 0",
			Check:       checkTabindex,
		},
		{
			ID:          "list",
			Impact:      scan.ImpactSerious,
			Description: "Lists must be structured correctly",
			Help:        "Ensure ul and ol elements only directly contain li, script or template elements",
			Check:       checkListStructure,
		},
		{
			ID:          "heading-order",
			Impact:      scan.ImpactModerate,
			Description: "Heading levels should only increase by one",
			Help:        "Ensure the order of headings is semantically correct",
			Check:       checkHeadingOrder,
		},
		{
			ID:          "empty-heading",
			Impact:      scan.ImpactMinor,
			Description: "Headings should not be empty",
			Help:        "Ensure headings have discernible text",
			Check:       checkEmptyHeading,
		},
		{
			ID:          "duplicate-id",
			Impact:      scan.ImpactMinor,
			Description: "id attribute values must be unique",
			Help:        "Ensure every id attribute value is unique",
			Check:       checkDuplicateID,
		},
		{
			ID:          "blink",
			Impact:      scan.ImpactSerious,
			Description: "Blink elements are deprecated and must not be used",
			Help:        "Ensure <blink> elements are not used",
			Check:       checkDeprecated("blink"),
		},
		{
			ID:          "marquee",
			Impact:      scan.ImpactSerious,
			Description: "Marquee elements are deprecated and must not be used",
			Help:        "Ensure <marquee> elements are not used",
			Check:       checkDeprecated("marquee"),
		},
	}
}

func checkDocumentTitle(doc *goquery.Document) []string {
	if strings.TrimSpace(doc.Find("head > title").First().Text()) != "" {
		return nil
	}
	return []string{"html"}
}

func checkHTMLHasLang(doc *goquery.Document) []string {
	root := doc.Find("html").First()
	if root.Length() == 0 {
		return nil
	}
	if strings.TrimSpace(attrOr(root, "lang", "")) != "" {
		return nil
	}
	if strings.TrimSpace(attrOr(root, "xml:lang", "")) != "" {
		return nil
	}
	return []string{"html"}
}

func checkImageAlt(doc *goquery.Document) []string {
	var targets []string
	doc.Find("img").Each(func(_ int, s *goquery.Selection) {
		if _, ok := s.Attr("alt"); ok {
			return // empty alt marks a decorative image and passes
		}
		if ariaHidden(s) || hasAccessibleAttr(s) {
			return
		}
		if role := attrOr(s, "role", ""); role == "presentation" || role == "none" {
			return
		}
		targets = append(targets, selectorFor(s))
	})
	return targets
}

func checkInputImageAlt(doc *goquery.Document) []string {
	var targets []string
	doc.Find(`input[type="image"]`).Each(func(_ int, s *goquery.Selection) {
		if strings.TrimSpace(attrOr(s, "alt", "")) != "" || hasAccessibleAttr(s) || attrOr(s, "title", "") != "" {
			return
		}
		targets = append(targets, selectorFor(s))
	})
	return targets
}

func checkAreaAlt(doc *goquery.Document) []string {
	var targets []string
	doc.Find("area[href]").Each(func(_ int, s *goquery.Selection) {
		if strings.TrimSpace(attrOr(s, "alt", "")) != "" || hasAccessibleAttr(s) || attrOr(s, "title", "") != "" {
			return
		}
		targets = append(targets, selectorFor(s))
	})
	return targets
}

func checkLinkName(doc *goquery.Document) []string {
	var targets []string
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		if ariaHidden(s) {
			return
		}
		if accessibleName(s) != "" {
			return
		}
		targets = append(targets, selectorFor(s))
	})
	return targets
}

func checkButtonName(doc *goquery.Document) []string {
	var targets []string
	doc.Find("button").Each(func(_ int, s *goquery.Selection) {
		if ariaHidden(s) {
			return
		}
		if accessibleName(s) != "" || attrOr(s, "value", "") != "" {
			return
		}
		targets = append(targets, selectorFor(s))
	})
	return targets
}

func checkLabel(doc *goquery.Document) []string {
	labeledIDs := make(map[string]bool)
	doc.Find("label[for]").Each(func(_ int, s *goquery.Selection) {
		if id := attrOr(s, "for", ""); id != "" {
			labeledIDs[id] = true
		}
	})

	var targets []string
	doc.Find("input, select, textarea").Each(func(_ int, s *goquery.Selection) {
		if goquery.NodeName(s) == "input" {
			switch strings.ToLower(attrOr(s, "type", "text")) {
			case "hidden", "submit", "reset", "button", "image":
				return
			}
		}
		if ariaHidden(s) || hasAccessibleAttr(s) || attrOr(s, "title", "") != "" {
			return
		}
		if id := attrOr(s, "id", ""); id != "" && labeledIDs[id] {
			return
		}
		if s.ParentsFiltered("label").Length() > 0 {
			return
		}
		targets = append(targets, selectorFor(s))
	})
	return targets
}

func checkFrameTitle(doc *goquery.Document) []string {
	var targets []string
	doc.Find("iframe, frame").Each(func(_ int, s *goquery.Selection) {
		if strings.TrimSpace(attrOr(s, "title", "")) != "" || hasAccessibleAttr(s) {
			return
		}
		targets = append(targets, selectorFor(s))
	})
	return targets
}

func checkMetaViewport(doc *goquery.Document) []string {
	var targets []string
	doc.Find(`meta[name="viewport"]`).Each(func(_ int, s *goquery.Selection) {
		content := strings.ToLower(strings.ReplaceAll(attrOr(s, "content", ""), " ", ""))
		if content == "" {
			return
		}
		if strings.Contains(content, "user-scalable=no") || strings.Contains(content, "user-scalable=0") {
			targets = append(targets, selectorFor(s))
			return
		}
		for _, part := range strings.FieldsFunc(content, func(r rune) bool { return r == ',' || r == ';' }) {
			if v, ok := strings.CutPrefix(part, "maximum-scale="); ok {
				if scale, err := strconv.ParseFloat(v, 64); err == nil && scale < 2 {
					targets = append(targets, selectorFor(s))
					return
				}
			}
		}
	})
	return targets
}

func checkTabindex(doc *goquery.Document) []string {
	var targets []string
	doc.Find("[tabindex]").Each(func(_ int, s *goquery.Selection) {
		v, err := strconv.Atoi(strings.TrimSpace(attrOr(s, "tabindex", "")))
		if err != nil || v <= 0 {
			return
		}
		targets = append(targets, selectorFor(s))
	})
	return targets
}

func checkListStructure(doc *goquery.Document) []string {
	var targets []string
	doc.Find("ul, ol").Each(func(_ int, s *goquery.Selection) {
		bad := false
		s.Children().Each(func(_ int, c *goquery.Selection) {
			switch goquery.NodeName(c) {
			case "li", "script", "template":
			default:
				bad = true
			}
		})
		if bad {
			targets = append(targets, selectorFor(s))
		}
	})
	return targets
}

func checkHeadingOrder(doc *goquery.Document) []string {
	var targets []string
	prev := 0
	doc.Find("h1, h2, h3, h4, h5, h6").Each(func(_ int, s *goquery.Selection) {
		level := int(goquery.NodeName(s)[1] - '0')
		if prev > 0 && level > prev+1 {
			targets = append(targets, selectorFor(s))
		}
		prev = level
	})
	return targets
}

func checkEmptyHeading(doc *goquery.Document) []string {
	var targets []string
	doc.Find("h1, h2, h3, h4, h5, h6").Each(func(_ int, s *goquery.Selection) {
		if ariaHidden(s) {
			return
		}
		if accessibleName(s) != "" {
			return
		}
		targets = append(targets, selectorFor(s))
	})
	return targets
}

func checkDuplicateID(doc *goquery.Document) []string {
	seen := make(map[string]int)
	var targets []string
	doc.Find("[id]").Each(func(_ int, s *goquery.Selection) {
		id := attrOr(s, "id", "")
		if id == "" {
			return
		}
		seen[id]++
		if seen[id] > 1 {
			targets = append(targets, selectorFor(s))
		}
	})
	return targets
}

func checkDeprecated(tag string) func(doc *goquery.Document) []string {
	return func(doc *goquery.Document) []string {
		var targets []string
		doc.Find(tag).Each(func(_ int, s *goquery.Selection) {
			targets = append(targets, selectorFor(s))
		})
		return targets
	}
}

// accessibleName approximates the accessible name computation: visible text,
// then aria attributes, then title, then alt text of embedded images.
func accessibleName(s *goquery.Selection) string {
	if text := strings.TrimSpace(s.Text()); text != "" {
		return text
	}
	if label := strings.TrimSpace(attrOr(s, "aria-label", "")); label != "" {
		return label
	}
	if ref := strings.TrimSpace(attrOr(s, "aria-labelledby", "")); ref != "" {
		return ref
	}
	if title := strings.TrimSpace(attrOr(s, "title", "")); title != "" {
		return title
	}
	name := ""
	s.Find("img[alt]").EachWithBreak(func(_ int, img *goquery.Selection) bool {
		if alt := strings.TrimSpace(attrOr(img, "alt", "")); alt != "" {
			name = alt
			return false
		}
		return true
	})
	return name
}

func hasAccessibleAttr(s *goquery.Selection) bool {
	return strings.TrimSpace(attrOr(s, "aria-label", "")) != "" ||
		strings.TrimSpace(attrOr(s, "aria-labelledby", "")) != ""
}

func ariaHidden(s *goquery.Selection) bool {
	return attrOr(s, "aria-hidden", "") == "true"
}

func attrOr(s *goquery.Selection, name, fallback string) string {
	if v, ok := s.Attr(name); ok {
		return v
	}
	return fallback
}
