// internal/session/context.go
package session

import "context"

// combineContext returns a context that inherits values and cancellation from
// parent and is additionally cancelled when secondary is done.
func combineContext(parent, secondary context.Context) (context.Context, context.CancelFunc) {
	combined, cancel := context.WithCancel(parent)
	go func() {
		select {
		case <-secondary.Done():
			cancel()
		case <-combined.Done():
		}
	}()
	return combined, cancel
}
