package wcag

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// selectorFor derives a short CSS-style selector for the first node in the
// selection, good enough to point a reader at the failing element.
func selectorFor(s *goquery.Selection) string {
	if len(s.Nodes) == 0 {
		return ""
	}
	return nodePath(s.Nodes[0])
}

func nodePath(n *html.Node) string {
	if n == nil || n.Type != html.ElementNode {
		return ""
	}
	var parts []string
	for cur := n; cur != nil && cur.Type == html.ElementNode; cur = cur.Parent {
		if id := nodeAttr(cur, "id"); id != "" {
			parts = append(parts, cur.Data+"#"+id)
			break
		}
		part := cur.Data
		if idx, ambiguous := tagSiblingIndex(cur); ambiguous {
			part = fmt.Sprintf("%s:nth-of-type(%d)", cur.Data, idx)
		}
		parts = append(parts, part)
		if cur.Data == "body" || cur.Data == "head" || cur.Data == "html" {
			break
		}
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, " > ")
}

// tagSiblingIndex returns the 1-based position of n among same-tag element
// siblings, and whether that position is needed to disambiguate.
func tagSiblingIndex(n *html.Node) (int, bool) {
	if n.Parent == nil {
		return 1, false
	}
	idx, count := 0, 0
	for c := n.Parent.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.ElementNode || c.Data != n.Data {
			continue
		}
		count++
		if c == n {
			idx = count
		}
	}
	return idx, count > 1
}

func nodeAttr(n *html.Node, name string) string {
	for _, a := range n.Attr {
		if a.Key == name {
			return a.Val
		}
	}
	return ""
}
