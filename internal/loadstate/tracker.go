// internal/loadstate/tracker.go
// Package loadstate tracks whether the document behind a session is mid-navigation.
package loadstate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/ghoul/api/schemas"
)

// DefaultPollInterval is how often Wait re-checks the flag when no finish signal arrives.
const DefaultPollInterval = 100 * time.Millisecond

// Tracker is the Idle -> Loading -> Idle state machine fed by engine load signals.
// It implements remote.LoadListener.
type Tracker struct {
	logger       *zap.Logger
	pollInterval time.Duration

	mu      sync.Mutex
	loading bool
	// generation counts completed navigations.
	generation uint64
	// done is closed when the current loading period ends. It is nil while idle.
	done chan struct{}
}

// New returns an idle tracker.
func New(logger *zap.Logger, pollInterval time.Duration) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &Tracker{
		logger:       logger.Named("loadstate"),
		pollInterval: pollInterval,
	}
}

// LoadStarted moves the tracker to Loading.
func (t *Tracker) LoadStarted() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.startLocked()
}

// LoadFinished moves the tracker to Idle and releases every waiter.
func (t *Tracker) LoadFinished() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.generation++
	if !t.loading {
		return
	}
	t.loading = false
	close(t.done)
	t.done = nil
	t.logger.Debug("Navigation finished.", zap.Uint64("generation", t.generation))
}

func (t *Tracker) startLocked() {
	if t.loading {
		return
	}
	t.loading = true
	t.done = make(chan struct{})
	t.logger.Debug("Navigation started.", zap.Uint64("generation", t.generation))
}

// Expect marks the tracker as loading on behalf of an action that is known to
// navigate, unless a navigation has already completed since since was read.
// It closes the gap between firing the action and the engine's first signal.
func (t *Tracker) Expect(since uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.generation != since {
		return
	}
	t.startLocked()
}

// Settle forces the tracker back to Idle without counting a navigation. It is
// used when a navigation failed and the engine will not send a finish signal.
func (t *Tracker) Settle() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.loading {
		return
	}
	t.loading = false
	close(t.done)
	t.done = nil
}

// Loading reports the current state.
func (t *Tracker) Loading() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.loading
}

// Generation returns the number of navigations that have finished so far.
func (t *Tracker) Generation() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.generation
}

// Wait blocks until the tracker is idle. A non-positive timeout waits as long
// as ctx allows. Exhausting the timeout is a NavigationError.
func (t *Tracker) Wait(ctx context.Context, timeout time.Duration) error {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	ticker := time.NewTicker(t.pollInterval)
	defer ticker.Stop()

	for {
		t.mu.Lock()
		if !t.loading {
			t.mu.Unlock()
			return nil
		}
		done := t.done
		t.mu.Unlock()

		select {
		case <-done:
		case <-ticker.C:
		case <-deadline:
			return schemas.Errorf(schemas.KindNavigation, "wait", "page still loading after %s", timeout)
		case <-ctx.Done():
			return fmt.Errorf("wait for page load interrupted: %w", ctx.Err())
		}
	}
}
