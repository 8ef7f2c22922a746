package dom

import (
	"strconv"
	"strings"

	"golang.org/x/net/html"
)

// Locator returns a CSS-like path for n, joined parent to child with
// " > ". The walk stops below <html>, or at the first ancestor carrying an
// id, which is emitted as tag#id. Same-tag siblings are disambiguated with
// :nth-child, counted over all element children of the parent.
func Locator(n *html.Node) string {
	if n == nil || n.Type != html.ElementNode {
		return ""
	}

	var parts []string
	for el := n; el != nil && el.Type == html.ElementNode && el.Data != "html"; {
		p := strings.ToLower(el.Data)
		if id := Attr(el, "id"); id != "" {
			parts = append(parts, p+"#"+id)
			break
		}
		if classes := strings.Fields(Attr(el, "class")); len(classes) > 0 {
			p += "." + strings.Join(classes, ".")
		}

		parent := parentElement(el)
		if parent == nil {
			parts = append(parts, p)
			break
		}
		if idx, same := siblingPosition(parent, el); same > 1 {
			p += ":nth-child(" + strconv.Itoa(idx) + ")"
		}
		parts = append(parts, p)
		el = parent
	}

	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, " > ")
}

// FirstSegment is the leading space-separated token of a locator.
func FirstSegment(locator string) string {
	if i := strings.IndexByte(locator, ' '); i >= 0 {
		return locator[:i]
	}
	return locator
}

// Attr returns the value of attribute key, or "".
func Attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			return a.Val
		}
	}
	return ""
}

// TagName mirrors Element.tagName: upper-case for HTML elements.
func TagName(n *html.Node) string {
	if n == nil || n.Type != html.ElementNode {
		return ""
	}
	return strings.ToUpper(n.Data)
}

func parentElement(n *html.Node) *html.Node {
	if n.Parent != nil && n.Parent.Type == html.ElementNode {
		return n.Parent
	}
	return nil
}

// siblingPosition returns the 1-based index of el among parent's element
// children and how many of them share el's tag.
func siblingPosition(parent, el *html.Node) (idx, same int) {
	pos := 0
	for c := parent.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.ElementNode {
			continue
		}
		pos++
		if c == el {
			idx = pos
		}
		if c.Data == el.Data {
			same++
		}
	}
	return idx, same
}
