// internal/remote/headless/engine.go
package headless

import (
	"context"
	"net/http"
	"net/http/cookiejar"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/ghoul/api/schemas"
	"github.com/xkilldash9x/ghoul/internal/remote"
)

const (
	// ParamNavigationDelay delays every asynchronous navigation, in milliseconds.
	ParamNavigationDelay = "navigation_delay_ms"
	// ParamScriptTimeout bounds each page script run at load time, in milliseconds.
	ParamScriptTimeout = "script_timeout_ms"
	// ParamRequestRate caps outgoing requests per second; 0 disables the cap.
	ParamRequestRate = "requests_per_second"

	defaultScriptTimeout = 5 * time.Second
	maxDocumentSize      = 16 << 20
	scriptFetchLimit     = 4
)

// Options configures the in-process engine.
type Options struct {
	UserAgent       string
	RequestTimeout  time.Duration
	NavigationDelay time.Duration
	ScriptTimeout   time.Duration
	// RequestsPerSecond throttles every fetch of a context when positive.
	RequestsPerSecond float64
	// Transport replaces the default network transport. Tests use it to route requests.
	Transport http.RoundTripper
}

// Engine renders pages in-process: x/net/html for the tree, goja for scripts.
type Engine struct {
	opts   Options
	logger *zap.Logger
}

var _ remote.Engine = (*Engine)(nil)

// New returns a headless engine.
func New(opts Options, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.ScriptTimeout <= 0 {
		opts.ScriptTimeout = defaultScriptTimeout
	}
	return &Engine{opts: opts, logger: logger.Named("headless")}
}

// Create starts a fresh context with its own cookie jar. Parameters override
// the engine options for this context only.
func (e *Engine) Create(ctx context.Context, params map[string]string) (remote.Context, error) {
	if err := ctx.Err(); err != nil {
		return nil, schemas.NewError(schemas.KindCreation, "create", err)
	}
	opts := e.opts
	if err := applyParams(&opts, params); err != nil {
		return nil, schemas.NewError(schemas.KindCreation, "create", err)
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, schemas.NewError(schemas.KindCreation, "create", err)
	}
	base := opts.Transport
	if base == nil {
		base = http.DefaultTransport.(*http.Transport).Clone()
	}
	client := &http.Client{
		Jar:       jar,
		Timeout:   opts.RequestTimeout,
		Transport: newThrottledTransport(newDecompressingTransport(base), opts.RequestsPerSecond),
	}
	return newContext(opts, client, e.logger), nil
}

func applyParams(opts *Options, params map[string]string) error {
	for key, raw := range params {
		switch key {
		case ParamNavigationDelay:
			ms, err := strconv.Atoi(raw)
			if err != nil || ms < 0 {
				return schemas.Errorf(schemas.KindCreation, "create", "invalid %s: %q", key, raw)
			}
			opts.NavigationDelay = time.Duration(ms) * time.Millisecond
		case ParamScriptTimeout:
			ms, err := strconv.Atoi(raw)
			if err != nil || ms <= 0 {
				return schemas.Errorf(schemas.KindCreation, "create", "invalid %s: %q", key, raw)
			}
			opts.ScriptTimeout = time.Duration(ms) * time.Millisecond
		case ParamRequestRate:
			n, err := strconv.ParseFloat(raw, 64)
			if err != nil || n < 0 {
				return schemas.Errorf(schemas.KindCreation, "create", "invalid %s: %q", key, raw)
			}
			opts.RequestsPerSecond = n
		case "user_agent":
			opts.UserAgent = raw
		}
	}
	return nil
}
