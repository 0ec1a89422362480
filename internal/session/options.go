// internal/session/options.go
package session

import (
	"strings"
	"time"

	"github.com/xkilldash9x/ghoul/internal/config"
	"github.com/xkilldash9x/ghoul/internal/loadstate"
)

const (
	DefaultNavigationTimeout = 30 * time.Second
	DefaultOperationTimeout  = 30 * time.Second
)

// Options are the recognized session options.
type Options struct {
	// BaseURL is prepended verbatim to every visited path.
	BaseURL             string
	InjectHelperLibrary bool
	HelperLibraryURL    string
	// EngineParameters are handed to the engine when the remote context is created.
	EngineParameters  map[string]string
	PollInterval      time.Duration
	NavigationTimeout time.Duration
	OperationTimeout  time.Duration
}

// OptionsFromConfig maps the bridge and engine configuration onto session options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		BaseURL:             cfg.Bridge.BaseURL,
		InjectHelperLibrary: cfg.Bridge.InjectHelperLibrary,
		HelperLibraryURL:    cfg.Bridge.HelperLibraryURL,
		EngineParameters:    cfg.Engine.Parameters,
		PollInterval:        cfg.Bridge.PollInterval,
		NavigationTimeout:   cfg.Bridge.NavigationTimeout,
		OperationTimeout:    cfg.Bridge.OperationTimeout,
	}
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = loadstate.DefaultPollInterval
	}
	if o.NavigationTimeout <= 0 {
		o.NavigationTimeout = DefaultNavigationTimeout
	}
	if o.OperationTimeout <= 0 {
		o.OperationTimeout = DefaultOperationTimeout
	}
	if o.InjectHelperLibrary && strings.TrimSpace(o.HelperLibraryURL) == "" {
		o.HelperLibraryURL = config.DefaultHelperLibraryURL
	}
	return o
}

// helperURL is the script included into every document, or "" when disabled.
func (o Options) helperURL() string {
	if !o.InjectHelperLibrary {
		return ""
	}
	return o.HelperLibraryURL
}
