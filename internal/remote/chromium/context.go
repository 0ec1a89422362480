// internal/remote/chromium/context.go
package chromium

import (
	"context"
	"errors"
	"sync"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/ghoul/api/schemas"
	"github.com/xkilldash9x/ghoul/internal/remote"
)

// includeScript loads a.url through a script element and settles once it ran.
const includeScript = `function (a) {
  return new Promise(function (resolve, reject) {
    var s = document.createElement('script');
    s.src = a.url;
    s.onload = function () { resolve(true); };
    s.onerror = function () { reject(new Error('failed to load ' + a.url)); };
    (document.head || document.documentElement).appendChild(s);
  });
}`

// Context is one browser tab.
type Context struct {
	tabCtx      context.Context
	tabCancel   context.CancelFunc
	allocCancel context.CancelFunc
	mainFrame   cdp.FrameID
	logger      *zap.Logger

	lmu      sync.RWMutex
	listener remote.LoadListener

	closeOnce sync.Once
}

var _ remote.Context = (*Context)(nil)

// Listen implements remote.Context.
func (c *Context) Listen(l remote.LoadListener) {
	c.lmu.Lock()
	defer c.lmu.Unlock()
	c.listener = l
}

// onEvent runs on the chromedp event goroutine and must not block.
func (c *Context) onEvent(ev interface{}) {
	c.lmu.RLock()
	l := c.listener
	c.lmu.RUnlock()
	if l == nil {
		return
	}
	switch e := ev.(type) {
	case *page.EventFrameStartedLoading:
		if e.FrameID == c.mainFrame {
			l.LoadStarted()
		}
	case *page.EventLoadEventFired:
		l.LoadFinished()
	}
}

// run executes actions on the tab, bounded by ctx as well as the tab lifetime.
func (c *Context) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(c.tabCtx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return chromedp.Run(runCtx, actions...)
}

// Open implements remote.Context. chromedp.Navigate returns after the load event.
func (c *Context) Open(ctx context.Context, url string) error {
	if err := c.run(ctx, chromedp.Navigate(url)); err != nil {
		return schemas.NewError(schemas.KindNavigation, "open", err)
	}
	return nil
}

// IncludeScript implements remote.Context.
func (c *Context) IncludeScript(ctx context.Context, url string) error {
	if _, err := c.evaluate(ctx, includeScript, map[string]string{"url": url}); err != nil {
		return schemas.NewError(schemas.KindInjection, "include_script", err)
	}
	return nil
}

// Evaluate implements remote.Context.
func (c *Context) Evaluate(ctx context.Context, fn string, args any) (jsoniter.RawMessage, error) {
	raw, err := c.evaluate(ctx, fn, args)
	if err != nil {
		return nil, schemas.NewError(schemas.KindEvaluation, "evaluate", err)
	}
	return raw, nil
}

func (c *Context) evaluate(ctx context.Context, fn string, args any) (jsoniter.RawMessage, error) {
	payload, err := remote.Marshal(args)
	if err != nil {
		return nil, err
	}
	expr := "(" + fn + "\n)(" + string(payload) + ")"
	var raw []byte
	err = c.run(ctx, chromedp.Evaluate(expr, &raw, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
		return p.WithReturnByValue(true).WithAwaitPromise(true)
	}))
	if errors.Is(err, chromedp.ErrJSUndefined) || errors.Is(err, chromedp.ErrJSNull) {
		return jsoniter.RawMessage("null"), nil
	}
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// URL implements remote.Context.
func (c *Context) URL(ctx context.Context) (string, error) {
	var u string
	if err := c.run(ctx, chromedp.Location(&u)); err != nil {
		return "", schemas.NewError(schemas.KindEvaluation, "url", err)
	}
	return u, nil
}

// Terminate closes the tab and shuts the browser down.
func (c *Context) Terminate() {
	c.closeOnce.Do(func() {
		c.logger.Debug("Terminating browser.")
		if err := chromedp.Cancel(c.tabCtx); err != nil {
			c.logger.Debug("Graceful tab close failed.", zap.Error(err))
		}
		c.tabCancel()
		c.allocCancel()
	})
}
