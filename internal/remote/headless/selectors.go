// internal/remote/headless/selectors.go
package headless

import (
	"strings"

	"github.com/andybalholm/cascadia"
	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"
)

// matchCSS returns the descendants of scope matching selector, in document order.
// The scope itself never matches, as with Element.querySelectorAll.
func matchCSS(scope *html.Node, selector string) ([]*html.Node, error) {
	sel, err := cascadia.Compile(selector)
	if err != nil {
		return nil, err
	}
	var out []*html.Node
	for _, n := range sel.MatchAll(scope) {
		if n != scope {
			out = append(out, n)
		}
	}
	return out, nil
}

// matchXPath evaluates expr with scope as the context node.
func matchXPath(scope *html.Node, expr string) ([]*html.Node, error) {
	return htmlquery.QueryAll(scope, expr)
}

// walk visits the element descendants of n in document order until fn returns false.
func walk(n *html.Node, fn func(*html.Node) bool) bool {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && !fn(c) {
			return false
		}
		if !walk(c, fn) {
			return false
		}
	}
	return true
}

func collect(n *html.Node, keep func(*html.Node) bool) []*html.Node {
	var out []*html.Node
	walk(n, func(c *html.Node) bool {
		if keep(c) {
			out = append(out, c)
		}
		return true
	})
	return out
}

func byTagName(n *html.Node, tag string) []*html.Node {
	tag = strings.ToLower(tag)
	return collect(n, func(c *html.Node) bool {
		return tag == "*" || c.Data == tag
	})
}

func byClassName(n *html.Node, names string) []*html.Node {
	want := strings.Fields(names)
	if len(want) == 0 {
		return nil
	}
	return collect(n, func(c *html.Node) bool {
		have := strings.Fields(attrOr(c, "class", ""))
		for _, w := range want {
			found := false
			for _, h := range have {
				if h == w {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
		return true
	})
}

func byID(n *html.Node, id string) *html.Node {
	var found *html.Node
	walk(n, func(c *html.Node) bool {
		if v, ok := attr(c, "id"); ok && v == id {
			found = c
			return false
		}
		return true
	})
	return found
}

// -- Attribute helpers --

func attr(n *html.Node, key string) (string, bool) {
	if n == nil || n.Type != html.ElementNode {
		return "", false
	}
	for _, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

func attrOr(n *html.Node, key, fallback string) string {
	if v, ok := attr(n, key); ok {
		return v
	}
	return fallback
}

func hasAttr(n *html.Node, key string) bool {
	_, ok := attr(n, key)
	return ok
}

func setAttr(n *html.Node, key, val string) {
	key = strings.ToLower(key)
	for i, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
}

func removeAttr(n *html.Node, key string) {
	key = strings.ToLower(key)
	for i, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			n.Attr = append(n.Attr[:i], n.Attr[i+1:]...)
			return
		}
	}
}

func isElement(n *html.Node, tag string) bool {
	return n != nil && n.Type == html.ElementNode && n.Data == tag
}

func clearChildren(n *html.Node) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		n.RemoveChild(c)
		c = next
	}
}

func render(n *html.Node) string {
	var sb strings.Builder
	_ = html.Render(&sb, n)
	return sb.String()
}

func renderChildren(n *html.Node) string {
	var sb strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		_ = html.Render(&sb, c)
	}
	return sb.String()
}

// textContent concatenates every descendant text node, scripts included.
func textContent(n *html.Node) string {
	if n.Type == html.TextNode || n.Type == html.CommentNode {
		return n.Data
	}
	return htmlquery.InnerText(n)
}
