// internal/remote/remote.go
// Package remote defines the contract between a session and the rendering
// engine that owns the live document.
package remote

import (
	"context"

	jsoniter "github.com/json-iterator/go"
)

// json is the codec used for every value that crosses the engine boundary.
var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Engine creates isolated script-execution contexts bound to a navigable document.
type Engine interface {
	// Create starts whatever the engine needs (a browser process, a runtime)
	// and returns a context showing about:blank.
	Create(ctx context.Context, params map[string]string) (Context, error)
}

// Context is one navigable document plus the script environment inside it.
// Implementations must tolerate calls from one goroutine at a time plus load
// signals delivered from their own goroutines.
type Context interface {
	// Open navigates to url and returns once the engine reports the load finished.
	Open(ctx context.Context, url string) error
	// IncludeScript loads and runs an external script in the current document.
	IncludeScript(ctx context.Context, url string) error
	// Evaluate calls the function expression fn with a JSON copy of args as its
	// only argument and returns the JSON encoding of its result.
	Evaluate(ctx context.Context, fn string, args any) (jsoniter.RawMessage, error)
	// URL reports the address of the current document.
	URL(ctx context.Context) (string, error)
	// Listen registers l for load-started/load-finished signals. Only one
	// listener is kept; a later call replaces the earlier one.
	Listen(l LoadListener)
	// Terminate releases the engine resources. It is best effort and idempotent.
	Terminate()
}

// LoadListener receives navigation signals from an engine. The calls may come
// from any goroutine.
type LoadListener interface {
	LoadStarted()
	LoadFinished()
}

// LoadFuncs adapts two functions to LoadListener.
type LoadFuncs struct {
	Started  func()
	Finished func()
}

func (f LoadFuncs) LoadStarted() {
	if f.Started != nil {
		f.Started()
	}
}

func (f LoadFuncs) LoadFinished() {
	if f.Finished != nil {
		f.Finished()
	}
}
