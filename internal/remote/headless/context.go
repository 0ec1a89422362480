// internal/remote/headless/context.go
package headless

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/xkilldash9x/ghoul/api/schemas"
	"github.com/xkilldash9x/ghoul/internal/remote"
)

var errTerminated = errors.New("context has been terminated")

// Context is one headless document. Evaluate, IncludeScript and the page
// swap performed by a finished navigation are serialized on mu.
type Context struct {
	opts   Options
	client *http.Client
	logger *zap.Logger

	mu   sync.Mutex
	page *page

	lmu      sync.RWMutex
	listener remote.LoadListener

	// navSeq identifies the latest navigation; older ones are discarded when they land.
	navSeq   atomic.Uint64
	closed   atomic.Bool
	lifetime context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

var (
	_ remote.Context = (*Context)(nil)
	_ navigator      = (*Context)(nil)
)

func newContext(opts Options, client *http.Client, logger *zap.Logger) *Context {
	lifetime, cancel := context.WithCancel(context.Background())
	c := &Context{
		opts:     opts,
		client:   client,
		logger:   logger,
		lifetime: lifetime,
		cancel:   cancel,
	}
	c.page = blankPage(c, logger)
	return c
}

// Listen implements remote.Context.
func (c *Context) Listen(l remote.LoadListener) {
	c.lmu.Lock()
	defer c.lmu.Unlock()
	c.listener = l
}

func (c *Context) started() {
	c.lmu.RLock()
	l := c.listener
	c.lmu.RUnlock()
	if l != nil {
		l.LoadStarted()
	}
}

func (c *Context) finished() {
	c.lmu.RLock()
	l := c.listener
	c.lmu.RUnlock()
	if l != nil {
		l.LoadFinished()
	}
}

// Open loads rawURL and returns once the new document is in place and its
// scripts have run. It supersedes any navigation still in flight.
func (c *Context) Open(ctx context.Context, rawURL string) error {
	if c.closed.Load() {
		return schemas.NewError(schemas.KindNavigation, "open", errTerminated)
	}
	c.mu.Lock()
	target, err := c.page.url.Parse(strings.TrimSpace(rawURL))
	c.mu.Unlock()
	if err != nil {
		return schemas.NewError(schemas.KindNavigation, "open", err)
	}

	seq := c.navSeq.Add(1)
	c.started()
	defer c.finished()

	ctx, cancel := c.bind(ctx)
	defer cancel()
	pg, err := c.load(ctx, navRequest{Method: http.MethodGet, URL: target})
	if err != nil {
		return schemas.NewError(schemas.KindNavigation, "open", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return schemas.NewError(schemas.KindNavigation, "open", errTerminated)
	}
	if c.navSeq.Load() == seq {
		c.install(pg)
	}
	return nil
}

// navigate starts an asynchronous navigation on behalf of the page. It is
// called from inside the runtime, with mu held.
func (c *Context) navigate(req navRequest) {
	if c.closed.Load() {
		return
	}
	seq := c.navSeq.Add(1)
	c.logger.Debug("Page started a navigation.", zap.String("method", req.Method), zap.Stringer("url", req.URL))
	c.started()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.finished()

		if d := c.opts.NavigationDelay; d > 0 {
			t := time.NewTimer(d)
			select {
			case <-t.C:
			case <-c.lifetime.Done():
				t.Stop()
				return
			}
		}
		pg, err := c.load(c.lifetime, req)
		if err != nil {
			c.logger.Warn("Navigation failed.", zap.Stringer("url", req.URL), zap.Error(err))
			return
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		if c.closed.Load() || c.navSeq.Load() != seq {
			return
		}
		c.install(pg)
	}()
}

// install makes pg current and runs its scripts. Caller holds mu.
func (c *Context) install(pg *page) {
	c.page = pg
	pg.boot(c.opts.ScriptTimeout)
}

// load fetches and parses a document, including its external scripts. It
// does not touch the current page.
func (c *Context) load(ctx context.Context, req navRequest) (*page, error) {
	body, final, err := c.fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	root, err := html.Parse(strings.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to parse document: %w", err)
	}
	pg := newPage(c, c.logger, final, root)
	pg.collectScripts(func(u *url.URL) (string, error) {
		src, _, err := c.fetch(ctx, navRequest{Method: http.MethodGet, URL: u})
		return src, err
	})
	return pg, nil
}

func (c *Context) fetch(ctx context.Context, nr navRequest) (string, *url.URL, error) {
	var body io.Reader
	if nr.Method == http.MethodPost {
		body = strings.NewReader(nr.Form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, nr.Method, nr.URL.String(), body)
	if err != nil {
		return "", nil, err
	}
	if nr.Method == http.MethodPost {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if ua := c.opts.UserAgent; ua != "" {
		req.Header.Set("User-Agent", ua)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml,*/*;q=0.8")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize))
	if err != nil {
		return "", nil, fmt.Errorf("failed to read response from %s: %w", nr.URL, err)
	}
	c.logger.Debug("Fetched resource.",
		zap.String("method", nr.Method),
		zap.Stringer("url", resp.Request.URL),
		zap.Int("status", resp.StatusCode),
		zap.Int("bytes", len(data)),
	)
	return string(data), resp.Request.URL, nil
}

// bind derives a context that also ends when the Context is terminated.
func (c *Context) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(c.lifetime, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// IncludeScript fetches url relative to the current document and runs it there.
func (c *Context) IncludeScript(ctx context.Context, rawURL string) error {
	if c.closed.Load() {
		return schemas.NewError(schemas.KindInjection, "include_script", errTerminated)
	}
	ctx, cancel := c.bind(ctx)
	defer cancel()

	c.mu.Lock()
	target, err := c.page.url.Parse(strings.TrimSpace(rawURL))
	c.mu.Unlock()
	if err != nil {
		return schemas.NewError(schemas.KindInjection, "include_script", err)
	}
	source, _, err := c.fetch(ctx, navRequest{Method: http.MethodGet, URL: target})
	if err != nil {
		return schemas.NewError(schemas.KindInjection, "include_script", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.page.exec(target.String(), source, c.opts.ScriptTimeout); err != nil {
		return schemas.NewError(schemas.KindInjection, "include_script", scriptError(err))
	}
	return nil
}

// Evaluate implements remote.Context.
func (c *Context) Evaluate(ctx context.Context, fn string, args any) (jsoniter.RawMessage, error) {
	payload, err := remote.Marshal(args)
	if err != nil {
		return nil, schemas.NewError(schemas.KindEvaluation, "evaluate", err)
	}
	ctx, cancel := c.bind(ctx)
	defer cancel()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return nil, schemas.NewError(schemas.KindEvaluation, "evaluate", errTerminated)
	}
	out, err := c.page.call(ctx, fn, payload)
	if err != nil {
		return nil, schemas.NewError(schemas.KindEvaluation, "evaluate", err)
	}
	return out, nil
}

// URL implements remote.Context.
func (c *Context) URL(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.page.url.String(), nil
}

// Terminate cancels in-flight navigations and waits for them to unwind.
func (c *Context) Terminate() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.cancel()
	// Evaluations in progress cannot start new navigations once they see closed.
	c.mu.Lock()
	c.mu.Unlock()
	c.wg.Wait()
	c.client.CloseIdleConnections()
}

func (c *Context) cookies(u *url.URL) string {
	if c.client.Jar == nil {
		return ""
	}
	var parts []string
	for _, ck := range c.client.Jar.Cookies(u) {
		parts = append(parts, ck.Name+"="+ck.Value)
	}
	return strings.Join(parts, "; ")
}

func (c *Context) setCookie(u *url.URL, raw string) {
	if c.client.Jar == nil {
		return
	}
	ck, err := http.ParseSetCookie(raw)
	if err != nil {
		c.logger.Debug("Ignoring malformed cookie.", zap.Error(err))
		return
	}
	c.client.Jar.SetCookies(u, []*http.Cookie{ck})
}

func (c *Context) userAgent() string {
	if c.opts.UserAgent != "" {
		return c.opts.UserAgent
	}
	return "Mozilla/5.0 (compatible; ghoul)"
}
