// internal/remote/headless/dom.go
package headless

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/dop251/goja"
	"go.uber.org/zap"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// nodeKey holds the *html.Node behind every wrapper object.
const nodeKey = "__ghoul_node__"

// accessor defines a non-enumerable property, so JSON.stringify of a node
// yields {} as it does in a browser.
func (p *page) accessor(obj *goja.Object, name string, get func() interface{}, set func(goja.Value)) {
	getter, setter := goja.Undefined(), goja.Undefined()
	if get != nil {
		getter = p.vm.ToValue(func(goja.FunctionCall) goja.Value { return p.vm.ToValue(get()) })
	}
	if set != nil {
		setter = p.vm.ToValue(func(call goja.FunctionCall) goja.Value {
			set(call.Argument(0))
			return goja.Undefined()
		})
	}
	_ = obj.DefineAccessorProperty(name, getter, setter, goja.FLAG_TRUE, goja.FLAG_FALSE)
}

func (p *page) method(obj *goja.Object, name string, fn func(goja.FunctionCall) goja.Value) {
	_ = obj.DefineDataProperty(name, p.vm.ToValue(fn), goja.FLAG_TRUE, goja.FLAG_TRUE, goja.FLAG_FALSE)
}

func (p *page) constant(obj *goja.Object, name string, v interface{}) {
	_ = obj.DefineDataProperty(name, p.vm.ToValue(v), goja.FLAG_FALSE, goja.FLAG_TRUE, goja.FLAG_FALSE)
}

// unwrap returns the node behind a wrapper, or nil for anything else.
func (p *page) unwrap(v goja.Value) *html.Node {
	if v == nil || goja.IsNull(v) || goja.IsUndefined(v) {
		return nil
	}
	obj, ok := v.(*goja.Object)
	if !ok {
		return nil
	}
	held := obj.Get(nodeKey)
	if held == nil {
		return nil
	}
	n, _ := held.Export().(*html.Node)
	return n
}

func (p *page) mustUnwrap(v goja.Value, op string) *html.Node {
	n := p.unwrap(v)
	if n == nil {
		panic(p.vm.NewTypeError("%s: argument is not a Node", op))
	}
	return n
}

func (p *page) list(nodes []*html.Node) goja.Value {
	items := make([]interface{}, len(nodes))
	for i, n := range nodes {
		items[i] = p.wrap(n)
	}
	return p.vm.NewArray(items...)
}

// wrap returns the one wrapper object of n, creating it on first use, so a node
// keeps its identity across lookups.
func (p *page) wrap(n *html.Node) goja.Value {
	if n == nil {
		return goja.Null()
	}
	if obj, ok := p.nodes[n]; ok {
		return obj
	}
	obj := p.vm.NewObject()
	p.nodes[n] = obj
	_ = obj.DefineDataProperty(nodeKey, p.vm.ToValue(n), goja.FLAG_FALSE, goja.FLAG_FALSE, goja.FLAG_FALSE)

	p.defineNode(obj, n)
	switch n.Type {
	case html.ElementNode:
		p.defineContainer(obj, n)
		p.defineElement(obj, n)
	case html.DocumentNode:
		p.defineContainer(obj, n)
		p.defineDocument(obj, n)
	}
	return obj
}

// -- Node --

func (p *page) defineNode(obj *goja.Object, n *html.Node) {
	p.constant(obj, "nodeType", nodeType(n))
	p.constant(obj, "nodeName", nodeName(n))

	p.accessor(obj, "parentNode", func() interface{} { return p.wrap(n.Parent) }, nil)
	p.accessor(obj, "parentElement", func() interface{} {
		if n.Parent != nil && n.Parent.Type == html.ElementNode {
			return p.wrap(n.Parent)
		}
		return goja.Null()
	}, nil)
	p.accessor(obj, "childNodes", func() interface{} {
		var kids []*html.Node
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			kids = append(kids, c)
		}
		return p.list(kids)
	}, nil)
	p.accessor(obj, "firstChild", func() interface{} { return p.wrap(n.FirstChild) }, nil)
	p.accessor(obj, "lastChild", func() interface{} { return p.wrap(n.LastChild) }, nil)
	p.accessor(obj, "nextSibling", func() interface{} { return p.wrap(n.NextSibling) }, nil)
	p.accessor(obj, "previousSibling", func() interface{} { return p.wrap(n.PrevSibling) }, nil)
	p.accessor(obj, "ownerDocument", func() interface{} {
		if n.Type == html.DocumentNode {
			return goja.Null()
		}
		return p.document
	}, nil)

	switch n.Type {
	case html.TextNode, html.CommentNode:
		get := func() interface{} { return n.Data }
		set := func(v goja.Value) { n.Data = v.String() }
		p.accessor(obj, "textContent", get, set)
		p.accessor(obj, "nodeValue", get, set)
		p.accessor(obj, "data", get, set)
	case html.ElementNode:
		p.accessor(obj, "textContent", func() interface{} { return textContent(n) }, func(v goja.Value) {
			clearChildren(n)
			n.AppendChild(&html.Node{Type: html.TextNode, Data: v.String()})
		})
	}

	p.method(obj, "appendChild", func(call goja.FunctionCall) goja.Value {
		child := p.mustUnwrap(call.Argument(0), "appendChild")
		detach(child)
		n.AppendChild(child)
		return call.Argument(0)
	})
	p.method(obj, "removeChild", func(call goja.FunctionCall) goja.Value {
		child := p.mustUnwrap(call.Argument(0), "removeChild")
		if child.Parent != n {
			panic(p.vm.NewTypeError("removeChild: node is not a child of this node"))
		}
		n.RemoveChild(child)
		return call.Argument(0)
	})
	p.method(obj, "insertBefore", func(call goja.FunctionCall) goja.Value {
		child := p.mustUnwrap(call.Argument(0), "insertBefore")
		ref := p.unwrap(call.Argument(1))
		if ref != nil && ref.Parent != n {
			panic(p.vm.NewTypeError("insertBefore: reference is not a child of this node"))
		}
		detach(child)
		n.InsertBefore(child, ref)
		return call.Argument(0)
	})
	p.method(obj, "hasChildNodes", func(goja.FunctionCall) goja.Value {
		return p.vm.ToValue(n.FirstChild != nil)
	})

	p.method(obj, "addEventListener", func(call goja.FunctionCall) goja.Value {
		typ := call.Argument(0).String()
		if _, ok := goja.AssertFunction(call.Argument(1)); !ok {
			return goja.Undefined()
		}
		if p.listeners[n] == nil {
			p.listeners[n] = make(map[string][]goja.Value)
		}
		p.listeners[n][typ] = append(p.listeners[n][typ], call.Argument(1))
		return goja.Undefined()
	})
	p.method(obj, "removeEventListener", func(call goja.FunctionCall) goja.Value {
		typ := call.Argument(0).String()
		fns := p.listeners[n][typ]
		for i, fn := range fns {
			if fn.SameAs(call.Argument(1)) {
				p.listeners[n][typ] = append(fns[:i], fns[i+1:]...)
				break
			}
		}
		return goja.Undefined()
	})
	p.method(obj, "dispatchEvent", func(call goja.FunctionCall) goja.Value {
		ev, ok := call.Argument(0).(*goja.Object)
		if !ok {
			panic(p.vm.NewTypeError("dispatchEvent: argument is not an Event"))
		}
		return p.vm.ToValue(p.dispatch(n, ev))
	})
}

// defineContainer adds the query methods shared by elements and the document.
func (p *page) defineContainer(obj *goja.Object, n *html.Node) {
	p.method(obj, "querySelectorAll", func(call goja.FunctionCall) goja.Value {
		return p.list(p.css(n, call.Argument(0).String()))
	})
	p.method(obj, "querySelector", func(call goja.FunctionCall) goja.Value {
		if found := p.css(n, call.Argument(0).String()); len(found) > 0 {
			return p.wrap(found[0])
		}
		return goja.Null()
	})
	p.method(obj, "getElementsByTagName", func(call goja.FunctionCall) goja.Value {
		return p.list(byTagName(n, call.Argument(0).String()))
	})
	p.method(obj, "getElementsByClassName", func(call goja.FunctionCall) goja.Value {
		return p.list(byClassName(n, call.Argument(0).String()))
	})
	p.accessor(obj, "children", func() interface{} {
		var kids []*html.Node
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.ElementNode {
				kids = append(kids, c)
			}
		}
		return p.list(kids)
	}, nil)
}

func (p *page) css(scope *html.Node, selector string) []*html.Node {
	found, err := matchCSS(scope, selector)
	if err != nil {
		panic(p.vm.NewGoError(fmt.Errorf("SyntaxError: %q is not a valid selector: %w", selector, err)))
	}
	return found
}

// -- Element --

func (p *page) defineElement(obj *goja.Object, n *html.Node) {
	p.constant(obj, "tagName", strings.ToUpper(n.Data))
	p.constant(obj, "localName", n.Data)

	reflect := func(prop, name string) {
		p.accessor(obj, prop, func() interface{} { return attrOr(n, name, "") }, func(v goja.Value) {
			setAttr(n, name, v.String())
		})
	}
	reflect("id", "id")
	reflect("className", "class")
	reflect("name", "name")
	reflect("title", "title")

	flag := func(prop string) {
		p.accessor(obj, prop, func() interface{} { return hasAttr(n, prop) }, func(v goja.Value) {
			if v.ToBoolean() {
				setAttr(n, prop, prop)
			} else {
				removeAttr(n, prop)
			}
		})
	}
	flag("disabled")
	flag("selected")
	flag("readOnly")

	p.accessor(obj, "checked", func() interface{} { return hasAttr(n, "checked") }, func(v goja.Value) {
		setChecked(n, v.ToBoolean())
	})
	p.accessor(obj, "value", func() interface{} {
		if v, ok := controlValue(n); ok {
			return v
		}
		return goja.Undefined()
	}, func(v goja.Value) {
		setControlValue(n, v.String())
	})
	p.accessor(obj, "type", func() interface{} { return controlType(n) }, func(v goja.Value) {
		setAttr(n, "type", v.String())
	})
	p.accessor(obj, "href", func() interface{} {
		raw, ok := attr(n, "href")
		if !ok {
			return ""
		}
		u, err := p.url.Parse(strings.TrimSpace(raw))
		if err != nil {
			return raw
		}
		return u.String()
	}, func(v goja.Value) {
		setAttr(n, "href", v.String())
	})
	p.accessor(obj, "form", func() interface{} {
		if !formAssociated[n.Data] {
			return goja.Undefined()
		}
		return p.wrap(formOf(n))
	}, nil)
	if isElement(n, "select") {
		p.accessor(obj, "options", func() interface{} { return p.list(byTagName(n, "option")) }, nil)
		p.accessor(obj, "selectedIndex", func() interface{} {
			for i, o := range byTagName(n, "option") {
				if sel := selectedOptions(n); len(sel) > 0 && sel[0] == o {
					return i
				}
			}
			return -1
		}, nil)
	}

	p.accessor(obj, "innerHTML", func() interface{} { return renderChildren(n) }, func(v goja.Value) {
		nodes, err := html.ParseFragment(strings.NewReader(v.String()), n)
		if err != nil {
			panic(p.vm.NewGoError(fmt.Errorf("failed to parse HTML: %w", err)))
		}
		clearChildren(n)
		for _, c := range nodes {
			n.AppendChild(c)
		}
	})
	p.accessor(obj, "outerHTML", func() interface{} { return render(n) }, nil)

	p.method(obj, "getAttribute", func(call goja.FunctionCall) goja.Value {
		if v, ok := attr(n, strings.ToLower(call.Argument(0).String())); ok {
			return p.vm.ToValue(v)
		}
		return goja.Null()
	})
	p.method(obj, "setAttribute", func(call goja.FunctionCall) goja.Value {
		setAttr(n, call.Argument(0).String(), call.Argument(1).String())
		return goja.Undefined()
	})
	p.method(obj, "removeAttribute", func(call goja.FunctionCall) goja.Value {
		removeAttr(n, call.Argument(0).String())
		return goja.Undefined()
	})
	p.method(obj, "hasAttribute", func(call goja.FunctionCall) goja.Value {
		return p.vm.ToValue(hasAttr(n, strings.ToLower(call.Argument(0).String())))
	})

	p.method(obj, "click", func(goja.FunctionCall) goja.Value {
		p.dispatch(n, p.newEvent("click", true, true))
		return goja.Undefined()
	})
	p.method(obj, "focus", func(goja.FunctionCall) goja.Value { return goja.Undefined() })
	p.method(obj, "blur", func(goja.FunctionCall) goja.Value { return goja.Undefined() })
	if isElement(n, "form") {
		p.method(obj, "submit", func(goja.FunctionCall) goja.Value {
			p.submit(n, nil)
			return goja.Undefined()
		})
	}
}

// -- Document --

func (p *page) defineDocument(obj *goja.Object, n *html.Node) {
	first := func(tag string) func() interface{} {
		return func() interface{} {
			if found := byTagName(n, tag); len(found) > 0 {
				return p.wrap(found[0])
			}
			return goja.Null()
		}
	}
	p.accessor(obj, "documentElement", first("html"), nil)
	p.accessor(obj, "head", first("head"), nil)
	p.accessor(obj, "body", first("body"), nil)
	p.accessor(obj, "title", func() interface{} {
		if found := byTagName(n, "title"); len(found) > 0 {
			return strings.TrimSpace(textContent(found[0]))
		}
		return ""
	}, nil)
	p.accessor(obj, "location", func() interface{} { return p.location }, func(v goja.Value) {
		p.assign(v.String())
	})
	p.accessor(obj, "URL", func() interface{} { return p.url.String() }, nil)
	p.accessor(obj, "readyState", func() interface{} { return "complete" }, nil)
	p.accessor(obj, "cookie", func() interface{} { return p.owner.cookies(p.url) }, func(v goja.Value) {
		p.owner.setCookie(p.url, v.String())
	})

	p.method(obj, "getElementById", func(call goja.FunctionCall) goja.Value {
		return p.wrap(byID(n, call.Argument(0).String()))
	})
	p.method(obj, "createElement", func(call goja.FunctionCall) goja.Value {
		tag := strings.ToLower(call.Argument(0).String())
		return p.wrap(&html.Node{Type: html.ElementNode, Data: tag, DataAtom: atom.Lookup([]byte(tag))})
	})
	p.method(obj, "createTextNode", func(call goja.FunctionCall) goja.Value {
		return p.wrap(&html.Node{Type: html.TextNode, Data: call.Argument(0).String()})
	})
	p.method(obj, "createEvent", func(call goja.FunctionCall) goja.Value {
		return p.newEvent("", false, false)
	})
	p.method(obj, "evaluate", func(call goja.FunctionCall) goja.Value {
		scope := p.unwrap(call.Argument(1))
		if scope == nil {
			scope = n
		}
		return p.snapshot(call.Argument(0).String(), scope)
	})
}

// snapshot evaluates an XPath expression into an ordered-snapshot result object.
func (p *page) snapshot(expr string, scope *html.Node) goja.Value {
	found, err := matchXPath(scope, expr)
	if err != nil {
		panic(p.vm.NewGoError(fmt.Errorf("SyntaxError: %q is not a valid XPath expression: %w", expr, err)))
	}
	res := p.vm.NewObject()
	p.constant(res, "resultType", 7)
	p.constant(res, "snapshotLength", len(found))
	p.method(res, "snapshotItem", func(call goja.FunctionCall) goja.Value {
		i := call.Argument(0).ToInteger()
		if i < 0 || i >= int64(len(found)) {
			return goja.Null()
		}
		return p.wrap(found[i])
	})
	return res
}

// -- Events --

func (p *page) newEvent(typ string, bubbles, cancelable bool) *goja.Object {
	ev := p.vm.NewObject()
	_ = ev.Set("type", typ)
	_ = ev.Set("bubbles", bubbles)
	_ = ev.Set("cancelable", cancelable)
	_ = ev.Set("defaultPrevented", false)
	_ = ev.DefineDataProperty("__stopped", p.vm.ToValue(false), goja.FLAG_TRUE, goja.FLAG_TRUE, goja.FLAG_FALSE)
	p.method(ev, "initEvent", func(call goja.FunctionCall) goja.Value {
		_ = ev.Set("type", call.Argument(0).String())
		_ = ev.Set("bubbles", call.Argument(1).ToBoolean())
		_ = ev.Set("cancelable", call.Argument(2).ToBoolean())
		return goja.Undefined()
	})
	p.method(ev, "preventDefault", func(goja.FunctionCall) goja.Value {
		if truthy(ev, "cancelable") {
			_ = ev.Set("defaultPrevented", true)
		}
		return goja.Undefined()
	})
	p.method(ev, "stopPropagation", func(goja.FunctionCall) goja.Value {
		_ = ev.Set("__stopped", true)
		return goja.Undefined()
	})
	return ev
}

// dispatch delivers ev to target and its ancestors, running inline on<type>
// handlers and registered listeners, then performs the default action.
// It reports whether the default action was allowed.
func (p *page) dispatch(target *html.Node, ev *goja.Object) bool {
	typ := ""
	if v := ev.Get("type"); v != nil {
		typ = v.String()
	}
	_ = ev.Set("target", p.wrap(target))
	for n := target; n != nil; n = n.Parent {
		_ = ev.Set("currentTarget", p.wrap(n))
		p.runInline(n, typ, ev)
		for _, l := range append([]goja.Value(nil), p.listeners[n][typ]...) {
			if fn, ok := goja.AssertFunction(l); ok {
				if _, err := fn(p.wrap(n), ev); err != nil {
					p.logger.Debug("Event listener failed.", zapEvent(typ, err)...)
				}
			}
		}
		if !truthy(ev, "bubbles") || truthy(ev, "__stopped") {
			break
		}
	}
	if truthy(ev, "defaultPrevented") {
		return false
	}
	if typ == "click" {
		p.activate(target)
	}
	return true
}

func (p *page) runInline(n *html.Node, typ string, ev *goja.Object) {
	code, ok := attr(n, "on"+typ)
	if !ok || strings.TrimSpace(code) == "" {
		return
	}
	fv, err := p.vm.RunString("(function (event) {\n" + code + "\n})")
	if err != nil {
		p.logger.Debug("Inline handler does not compile.", zapEvent(typ, err)...)
		return
	}
	fn, _ := goja.AssertFunction(fv)
	res, err := fn(p.wrap(n), ev)
	if err != nil {
		p.logger.Debug("Inline handler failed.", zapEvent(typ, err)...)
		return
	}
	if res != nil && res.StrictEquals(p.vm.ToValue(false)) {
		_ = ev.Set("defaultPrevented", true)
	}
}

// activate performs the default click behavior of n or its nearest activatable ancestor.
func (p *page) activate(n *html.Node) {
	for ; n != nil; n = n.Parent {
		switch {
		case isElement(n, "a"):
			href, ok := attr(n, "href")
			if !ok || !navigable(href) {
				return
			}
			p.assign(href)
			return
		case isElement(n, "input"):
			switch controlType(n) {
			case "checkbox":
				setChecked(n, !hasAttr(n, "checked"))
			case "radio":
				setChecked(n, true)
			case "submit", "image":
				if f := formOf(n); f != nil {
					p.submit(f, n)
				}
			}
			return
		case isElement(n, "button"):
			if controlType(n) == "submit" {
				if f := formOf(n); f != nil {
					p.submit(f, n)
				}
			}
			return
		}
	}
}

// submit navigates to the form action with its current data set.
func (p *page) submit(form, submitter *html.Node) {
	values := formValues(form, submitter)
	action, err := p.url.Parse(strings.TrimSpace(attrOr(form, "action", "")))
	if err != nil {
		panic(p.vm.NewTypeError("invalid form action: %v", err))
	}
	if strings.EqualFold(strings.TrimSpace(attrOr(form, "method", "get")), "post") {
		p.owner.navigate(navRequest{Method: http.MethodPost, URL: action, Form: values})
		return
	}
	u := *action
	u.RawQuery = values.Encode()
	u.Fragment = ""
	p.owner.navigate(navRequest{Method: http.MethodGet, URL: &u})
}

func truthy(obj *goja.Object, key string) bool {
	v := obj.Get(key)
	return v != nil && v.ToBoolean()
}

func zapEvent(typ string, err error) []zap.Field {
	return []zap.Field{zap.String("event", typ), zap.Error(err)}
}

func detach(n *html.Node) {
	if n.Parent != nil {
		n.Parent.RemoveChild(n)
	}
}

func nodeType(n *html.Node) int {
	switch n.Type {
	case html.ElementNode:
		return 1
	case html.TextNode:
		return 3
	case html.CommentNode:
		return 8
	case html.DocumentNode:
		return 9
	case html.DoctypeNode:
		return 10
	}
	return 0
}

func nodeName(n *html.Node) string {
	switch n.Type {
	case html.ElementNode:
		return strings.ToUpper(n.Data)
	case html.TextNode:
		return "#text"
	case html.CommentNode:
		return "#comment"
	case html.DocumentNode:
		return "#document"
	}
	return n.Data
}
