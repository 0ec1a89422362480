// internal/remote/headless/page.go
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/net/html"
	"golang.org/x/sync/errgroup"
)

var errScriptTimeout = errors.New("script exceeded its time budget")

// navRequest describes a navigation started from inside the page.
type navRequest struct {
	Method string
	URL    *url.URL
	Form   url.Values
}

// navigator is what a page needs from the context that owns it.
type navigator interface {
	navigate(req navRequest)
	cookies(u *url.URL) string
	setCookie(u *url.URL, raw string)
	userAgent() string
}

type pageScript struct {
	name   string
	source string
}

type timer struct {
	id int64
	fn goja.Callable
}

// page is one loaded document and the goja runtime bound to it. It is not
// safe for concurrent use; the owning Context serializes access.
type page struct {
	owner  navigator
	logger *zap.Logger

	url  *url.URL
	root *html.Node
	vm   *goja.Runtime

	nodes     map[*html.Node]*goja.Object
	listeners map[*html.Node]map[string][]goja.Value
	location  *goja.Object
	document  *goja.Object

	scripts []pageScript
	timers  []timer
	timerID int64
}

func newPage(owner navigator, logger *zap.Logger, u *url.URL, root *html.Node) *page {
	p := &page{
		owner:     owner,
		logger:    logger,
		url:       u,
		root:      root,
		vm:        goja.New(),
		nodes:     make(map[*html.Node]*goja.Object),
		listeners: make(map[*html.Node]map[string][]goja.Value),
	}
	p.initGlobals()
	return p
}

func blankPage(owner navigator, logger *zap.Logger) *page {
	u, _ := url.Parse("about:blank")
	root, _ := html.Parse(strings.NewReader("<html><head></head><body></body></html>"))
	return newPage(owner, logger, u, root)
}

// initGlobals makes the global object double as window, as in a browser.
func (p *page) initGlobals() {
	vm := p.vm
	global := vm.GlobalObject()
	p.location = p.newLocation()
	p.document = p.wrap(p.root).(*goja.Object)

	_ = global.Set("window", global)
	_ = global.Set("self", global)
	_ = global.Set("document", p.document)
	p.accessor(global, "location", func() interface{} { return p.location }, func(v goja.Value) {
		p.assign(v.String())
	})

	nav := vm.NewObject()
	_ = nav.Set("userAgent", p.owner.userAgent())
	_ = nav.Set("language", "en-US")
	_ = nav.Set("cookieEnabled", true)
	_ = global.Set("navigator", nav)

	_ = global.Set("alert", func(call goja.FunctionCall) goja.Value {
		p.logger.Info("[JS Alert]", zap.String("message", call.Argument(0).String()))
		return goja.Undefined()
	})
	_ = global.Set("confirm", func(call goja.FunctionCall) goja.Value {
		p.logger.Info("[JS Confirm]", zap.String("message", call.Argument(0).String()))
		return vm.ToValue(true)
	})
	_ = global.Set("prompt", func(call goja.FunctionCall) goja.Value {
		p.logger.Info("[JS Prompt]", zap.String("message", call.Argument(0).String()))
		return goja.Null()
	})

	p.initConsole()
	p.initTimers()
}

func (p *page) initConsole() {
	console := p.vm.NewObject()
	logFunc := func(level zapcore.Level) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			args := make([]string, len(call.Arguments))
			for i, arg := range call.Arguments {
				args[i] = arg.String()
			}
			if ce := p.logger.Check(level, "[JS Console]"); ce != nil {
				ce.Write(zap.String("message", strings.Join(args, " ")), zap.String("url", p.url.String()))
			}
			return goja.Undefined()
		}
	}
	_ = console.Set("log", logFunc(zap.InfoLevel))
	_ = console.Set("info", logFunc(zap.InfoLevel))
	_ = console.Set("warn", logFunc(zap.WarnLevel))
	_ = console.Set("error", logFunc(zap.ErrorLevel))
	_ = console.Set("debug", logFunc(zap.DebugLevel))
	_ = p.vm.GlobalObject().Set("console", console)
}

// initTimers queues callbacks instead of scheduling them. The queue is drained
// once after the page scripts have run; intervals never repeat.
func (p *page) initTimers() {
	schedule := func(call goja.FunctionCall) goja.Value {
		p.timerID++
		if fn, ok := goja.AssertFunction(call.Argument(0)); ok {
			p.timers = append(p.timers, timer{id: p.timerID, fn: fn})
		}
		return p.vm.ToValue(p.timerID)
	}
	cancel := func(call goja.FunctionCall) goja.Value {
		id := call.Argument(0).ToInteger()
		for i, t := range p.timers {
			if t.id == id {
				p.timers = append(p.timers[:i], p.timers[i+1:]...)
				break
			}
		}
		return goja.Undefined()
	}
	global := p.vm.GlobalObject()
	_ = global.Set("setTimeout", schedule)
	_ = global.Set("setInterval", schedule)
	_ = global.Set("clearTimeout", cancel)
	_ = global.Set("clearInterval", cancel)
}

// -- Location --

func (p *page) newLocation() *goja.Object {
	loc := p.vm.NewObject()
	part := func(get func(u *url.URL) string) func() interface{} {
		return func() interface{} { return get(p.url) }
	}
	p.accessor(loc, "href", part(func(u *url.URL) string { return u.String() }), func(v goja.Value) {
		p.assign(v.String())
	})
	p.accessor(loc, "protocol", part(func(u *url.URL) string { return u.Scheme + ":" }), nil)
	p.accessor(loc, "host", part(func(u *url.URL) string { return u.Host }), nil)
	p.accessor(loc, "hostname", part(func(u *url.URL) string { return u.Hostname() }), nil)
	p.accessor(loc, "port", part(func(u *url.URL) string { return u.Port() }), nil)
	p.accessor(loc, "pathname", part(func(u *url.URL) string { return u.EscapedPath() }), nil)
	p.accessor(loc, "search", part(func(u *url.URL) string {
		if u.RawQuery == "" {
			return ""
		}
		return "?" + u.RawQuery
	}), nil)
	p.accessor(loc, "hash", part(func(u *url.URL) string {
		if u.Fragment == "" {
			return ""
		}
		return "#" + u.EscapedFragment()
	}), nil)
	p.accessor(loc, "origin", part(func(u *url.URL) string { return u.Scheme + "://" + u.Host }), nil)

	p.method(loc, "assign", func(call goja.FunctionCall) goja.Value {
		p.assign(call.Argument(0).String())
		return goja.Undefined()
	})
	p.method(loc, "replace", func(call goja.FunctionCall) goja.Value {
		p.assign(call.Argument(0).String())
		return goja.Undefined()
	})
	p.method(loc, "reload", func(call goja.FunctionCall) goja.Value {
		p.owner.navigate(navRequest{Method: http.MethodGet, URL: p.url})
		return goja.Undefined()
	})
	p.method(loc, "toString", func(call goja.FunctionCall) goja.Value {
		return p.vm.ToValue(p.url.String())
	})
	return loc
}

// assign follows ref like location.assign. A change of fragment alone stays in the document.
func (p *page) assign(ref string) {
	target, err := p.url.Parse(strings.TrimSpace(ref))
	if err != nil {
		panic(p.vm.NewTypeError("invalid URL %q: %v", ref, err))
	}
	if sameDocument(p.url, target) && target.Fragment != "" {
		p.url = target
		return
	}
	p.owner.navigate(navRequest{Method: http.MethodGet, URL: target})
}

func sameDocument(a, b *url.URL) bool {
	x, y := *a, *b
	x.Fragment, y.Fragment = "", ""
	x.RawFragment, y.RawFragment = "", ""
	return x.String() == y.String()
}

// -- Script execution --

// exec runs a classic script, interrupting it after timeout.
func (p *page) exec(name, source string, timeout time.Duration) error {
	t := time.AfterFunc(timeout, func() { p.vm.Interrupt(errScriptTimeout) })
	defer func() {
		t.Stop()
		p.vm.ClearInterrupt()
	}()
	_, err := p.vm.RunScript(name, source)
	return err
}

// boot runs the page scripts in document order, then the queued timers.
// Failures are logged and do not stop the load.
func (p *page) boot(timeout time.Duration) {
	for _, s := range p.scripts {
		if err := p.exec(s.name, s.source, timeout); err != nil {
			p.logger.Debug("Page script failed.", zap.String("script", s.name), zap.Error(err))
		}
	}
	pending := p.timers
	p.timers = nil
	for _, t := range pending {
		if err := p.callWithTimeout(t.fn, timeout); err != nil {
			p.logger.Debug("Timer callback failed.", zap.Error(err))
		}
	}
}

func (p *page) callWithTimeout(fn goja.Callable, timeout time.Duration) error {
	t := time.AfterFunc(timeout, func() { p.vm.Interrupt(errScriptTimeout) })
	defer func() {
		t.Stop()
		p.vm.ClearInterrupt()
	}()
	_, err := fn(goja.Undefined())
	return err
}

// call invokes the function expression fn with the JSON document payload and
// returns its result as JSON. Promises are unwrapped once settled.
func (p *page) call(ctx context.Context, fn string, payload []byte) ([]byte, error) {
	stop := context.AfterFunc(ctx, func() { p.vm.Interrupt(ctx.Err()) })
	defer func() {
		stop()
		p.vm.ClearInterrupt()
	}()

	fv, err := p.vm.RunString("(" + fn + "\n)")
	if err != nil {
		return nil, scriptError(err)
	}
	callable, ok := goja.AssertFunction(fv)
	if !ok {
		return nil, fmt.Errorf("expression does not evaluate to a function")
	}
	arg, err := p.parseJSON(string(payload))
	if err != nil {
		return nil, scriptError(err)
	}
	res, err := callable(goja.Undefined(), arg)
	if err != nil {
		return nil, scriptError(err)
	}
	if prom, ok := res.Export().(*goja.Promise); ok {
		switch prom.State() {
		case goja.PromiseStateFulfilled:
			res = prom.Result()
		case goja.PromiseStateRejected:
			return nil, fmt.Errorf("promise rejected: %s", prom.Result().String())
		default:
			return nil, fmt.Errorf("promise did not settle")
		}
	}
	out, err := p.stringify(res)
	if err != nil {
		return nil, scriptError(err)
	}
	return []byte(out), nil
}

func (p *page) parseJSON(text string) (goja.Value, error) {
	parse, ok := goja.AssertFunction(p.vm.Get("JSON").ToObject(p.vm).Get("parse"))
	if !ok {
		return nil, fmt.Errorf("JSON.parse is not available")
	}
	return parse(goja.Undefined(), p.vm.ToValue(text))
}

// stringify serializes v as the browser would; values JSON cannot express become null.
func (p *page) stringify(v goja.Value) (string, error) {
	fn, ok := goja.AssertFunction(p.vm.Get("JSON").ToObject(p.vm).Get("stringify"))
	if !ok {
		return "", fmt.Errorf("JSON.stringify is not available")
	}
	out, err := fn(goja.Undefined(), v)
	if err != nil {
		return "", err
	}
	if out == nil || goja.IsUndefined(out) {
		return "null", nil
	}
	return out.String(), nil
}

// scriptError flattens goja failures into plain errors carrying the script message.
func scriptError(err error) error {
	var ex *goja.Exception
	if errors.As(err, &ex) {
		if v := ex.Value(); v != nil {
			return errors.New(v.String())
		}
		return errors.New(ex.Error())
	}
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if cause, ok := interrupted.Value().(error); ok {
			return fmt.Errorf("script interrupted: %w", cause)
		}
		return fmt.Errorf("script interrupted: %v", interrupted.Value())
	}
	return err
}

// collectScripts lists the classic scripts of the document in order. External
// sources are fetched concurrently through fetch; a source that cannot be
// fetched is skipped.
func (p *page) collectScripts(fetch func(u *url.URL) (string, error)) {
	var nodes []*html.Node
	for _, n := range byTagName(p.root, "script") {
		t := strings.ToLower(strings.TrimSpace(attrOr(n, "type", "")))
		if t == "" || t == "text/javascript" || t == "application/javascript" {
			nodes = append(nodes, n)
		}
	}

	slots := make([]*pageScript, len(nodes))
	var g errgroup.Group
	g.SetLimit(scriptFetchLimit)
	for i, n := range nodes {
		src, ok := attr(n, "src")
		if !ok {
			slots[i] = &pageScript{name: p.url.String(), source: textContent(n)}
			continue
		}
		u, err := p.url.Parse(src)
		if err != nil {
			continue
		}
		g.Go(func() error {
			source, err := fetch(u)
			if err != nil {
				p.logger.Debug("Could not fetch page script.", zap.String("src", u.String()), zap.Error(err))
				return nil
			}
			slots[i] = &pageScript{name: u.String(), source: source}
			return nil
		})
	}
	_ = g.Wait()

	for _, s := range slots {
		if s != nil {
			p.scripts = append(p.scripts, *s)
		}
	}
}
