// internal/remote/chromium/engine.go
// Package chromium drives a Chromium browser over the DevTools protocol.
package chromium

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/ghoul/api/schemas"
	"github.com/xkilldash9x/ghoul/internal/remote"
)

const defaultLaunchTimeout = 30 * time.Second

// Engine launches one browser process per context.
type Engine struct {
	opts   Options
	logger *zap.Logger
}

var _ remote.Engine = (*Engine)(nil)

// New returns a chromium engine.
func New(opts Options, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.LaunchTimeout <= 0 {
		opts.LaunchTimeout = defaultLaunchTimeout
	}
	return &Engine{opts: opts, logger: logger.Named("chromium")}
}

// Create starts the browser and opens a tab on about:blank. Parameters are
// passed to the browser as command line flags.
func (e *Engine) Create(ctx context.Context, params map[string]string) (remote.Context, error) {
	e.logger.Info("Launching browser.", zap.Bool("headless", e.opts.Headless), zap.String("exec_path", e.opts.ExecPath))

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocatorOptions(e.opts, params)...)
	sugar := e.logger.Sugar()
	tabCtx, tabCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(sugar.Debugf),
		chromedp.WithErrorf(sugar.Debugf),
	)
	c := &Context{
		tabCtx:      tabCtx,
		tabCancel:   tabCancel,
		allocCancel: allocCancel,
		logger:      e.logger,
	}

	// The first Run allocates the browser. It must not run on a context that
	// is cancelled afterwards, or the browser goes with it.
	var mainFrame cdp.FrameID
	launched := make(chan error, 1)
	go func() {
		launched <- chromedp.Run(tabCtx,
			page.Enable(),
			chromedp.ActionFunc(func(ctx context.Context) error {
				tree, err := page.GetFrameTree().Do(ctx)
				if err != nil {
					return err
				}
				mainFrame = tree.Frame.ID
				return nil
			}),
		)
	}()

	var err error
	select {
	case err = <-launched:
	case <-time.After(e.opts.LaunchTimeout):
		err = fmt.Errorf("browser did not respond within %s", e.opts.LaunchTimeout)
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		c.Terminate()
		return nil, schemas.NewError(schemas.KindCreation, "create", fmt.Errorf("browser failed to start or respond: %w", err))
	}

	c.mainFrame = mainFrame
	chromedp.ListenTarget(tabCtx, c.onEvent)
	e.logger.Info("Browser launched successfully and is responsive.")
	return c, nil
}
