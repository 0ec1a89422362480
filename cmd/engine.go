// File: cmd/engine.go
package cmd

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/ghoul/internal/config"
	"github.com/xkilldash9x/ghoul/internal/remote"
	"github.com/xkilldash9x/ghoul/internal/remote/chromium"
	"github.com/xkilldash9x/ghoul/internal/remote/headless"
	"github.com/xkilldash9x/ghoul/internal/session"
)

// newEngine builds the rendering engine selected by cfg.Kind.
func newEngine(cfg config.EngineConfig, logger *zap.Logger) (remote.Engine, error) {
	switch cfg.Kind {
	case config.EngineChromium:
		return chromium.New(chromium.Options{
			ExecPath:        cfg.ExecPath,
			Headless:        cfg.Headless,
			UserAgent:       cfg.UserAgent,
			IgnoreTLSErrors: cfg.IgnoreTLSErrors,
			Args:            cfg.Args,
			LaunchTimeout:   cfg.LaunchTimeout,
		}, logger), nil
	case config.EngineHeadless:
		return headless.New(headless.Options{
			UserAgent:      cfg.UserAgent,
			RequestTimeout: cfg.RequestTimeout,
		}, logger), nil
	default:
		return nil, fmt.Errorf("unknown engine kind %q", cfg.Kind)
	}
}

// newSession wires a session to the configured engine. baseURL, when not
// empty, replaces the configured base URL.
func newSession(cfg *config.Config, baseURL string, logger *zap.Logger) (*session.Session, error) {
	eng, err := newEngine(cfg.Engine, logger)
	if err != nil {
		return nil, err
	}
	opts := session.OptionsFromConfig(cfg)
	if baseURL != "" {
		opts.BaseURL = baseURL
	}
	return session.New(opts, eng, logger), nil
}
