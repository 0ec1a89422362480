// internal/remote/headless/forms.go
package headless

import (
	"net/url"
	"strings"

	"golang.org/x/net/html"
)

var formAssociated = map[string]bool{
	"button": true, "fieldset": true, "input": true, "label": true,
	"object": true, "output": true, "select": true, "textarea": true,
}

// controlType mirrors the DOM "type" property of form controls.
func controlType(n *html.Node) string {
	switch n.Data {
	case "input":
		t := strings.ToLower(strings.TrimSpace(attrOr(n, "type", "")))
		if t == "" {
			return "text"
		}
		return t
	case "button":
		t := strings.ToLower(strings.TrimSpace(attrOr(n, "type", "")))
		if t == "button" || t == "reset" {
			return t
		}
		return "submit"
	case "select":
		if hasAttr(n, "multiple") {
			return "select-multiple"
		}
		return "select-one"
	case "textarea":
		return "textarea"
	}
	return attrOr(n, "type", "")
}

func formOf(n *html.Node) *html.Node {
	for p := n.Parent; p != nil; p = p.Parent {
		if isElement(p, "form") {
			return p
		}
	}
	return nil
}

func isSubmitter(n *html.Node) bool {
	switch n.Data {
	case "button":
		return controlType(n) == "submit"
	case "input":
		t := controlType(n)
		return t == "submit" || t == "image"
	}
	return false
}

func optionValue(n *html.Node) string {
	if v, ok := attr(n, "value"); ok {
		return v
	}
	return strings.TrimSpace(textContent(n))
}

func selectedOptions(sel *html.Node) []*html.Node {
	options := byTagName(sel, "option")
	var out []*html.Node
	for _, o := range options {
		if hasAttr(o, "selected") {
			out = append(out, o)
		}
	}
	if len(out) == 0 && len(options) > 0 && !hasAttr(sel, "multiple") {
		out = options[:1]
	}
	return out
}

// controlValue reports the "value" property; ok is false for elements without one.
func controlValue(n *html.Node) (string, bool) {
	switch n.Data {
	case "input":
		switch controlType(n) {
		case "checkbox", "radio":
			return attrOr(n, "value", "on"), true
		}
		return attrOr(n, "value", ""), true
	case "textarea":
		return textContent(n), true
	case "select":
		if opts := selectedOptions(n); len(opts) > 0 {
			return optionValue(opts[0]), true
		}
		return "", true
	case "option":
		return optionValue(n), true
	case "button", "output", "li", "param", "data", "meter", "progress":
		return attrOr(n, "value", ""), true
	}
	return "", false
}

// setControlValue writes through to the tree, so serialized markup reflects the new state.
func setControlValue(n *html.Node, v string) {
	switch n.Data {
	case "textarea":
		clearChildren(n)
		n.AppendChild(&html.Node{Type: html.TextNode, Data: v})
	case "select":
		matched := false
		for _, o := range byTagName(n, "option") {
			removeAttr(o, "selected")
			if !matched && optionValue(o) == v {
				setAttr(o, "selected", "selected")
				matched = true
			}
		}
	default:
		setAttr(n, "value", v)
	}
}

func setChecked(n *html.Node, on bool) {
	if !on {
		removeAttr(n, "checked")
		return
	}
	if controlType(n) == "radio" {
		if name, ok := attr(n, "name"); ok {
			scope := formOf(n)
			if scope == nil {
				scope = root(n)
			}
			walk(scope, func(c *html.Node) bool {
				if c != n && isElement(c, "input") && controlType(c) == "radio" && attrOr(c, "name", "") == name {
					removeAttr(c, "checked")
				}
				return true
			})
		}
	}
	setAttr(n, "checked", "checked")
}

func root(n *html.Node) *html.Node {
	for n.Parent != nil {
		n = n.Parent
	}
	return n
}

// formValues builds the form data set the way a browser does for
// application/x-www-form-urlencoded submission.
func formValues(form, submitter *html.Node) url.Values {
	values := url.Values{}
	walk(form, func(n *html.Node) bool {
		name, ok := attr(n, "name")
		if !ok || name == "" || hasAttr(n, "disabled") {
			return true
		}
		switch n.Data {
		case "input":
			switch t := controlType(n); t {
			case "checkbox", "radio":
				if hasAttr(n, "checked") {
					values.Add(name, attrOr(n, "value", "on"))
				}
			case "submit", "image", "button", "reset":
				if n == submitter {
					values.Add(name, attrOr(n, "value", ""))
				}
			case "file":
			default:
				values.Add(name, attrOr(n, "value", ""))
			}
		case "textarea":
			values.Add(name, textContent(n))
		case "select":
			for _, o := range selectedOptions(n) {
				values.Add(name, optionValue(o))
			}
		case "button":
			if n == submitter {
				values.Add(name, attrOr(n, "value", ""))
			}
		}
		return true
	})
	return values
}

// navigable reports whether following href leaves the current document.
func navigable(href string) bool {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return false
	}
	return !strings.HasPrefix(strings.ToLower(href), "javascript:")
}
