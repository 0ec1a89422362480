// internal/loadstate/tracker_test.go
package loadstate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/ghoul/api/schemas"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestTracker(t *testing.T) *Tracker {
	t.Helper()
	return New(zaptest.NewLogger(t), 10*time.Millisecond)
}

func TestTrackerStateMachine(t *testing.T) {
	tr := newTestTracker(t)
	assert.False(t, tr.Loading(), "a new tracker is idle")
	assert.Zero(t, tr.Generation())

	tr.LoadStarted()
	assert.True(t, tr.Loading())
	// A repeated start signal does not reset anything.
	tr.LoadStarted()
	assert.True(t, tr.Loading())

	tr.LoadFinished()
	assert.False(t, tr.Loading())
	assert.Equal(t, uint64(1), tr.Generation())

	// A stray finish still counts as a navigation.
	tr.LoadFinished()
	assert.False(t, tr.Loading())
	assert.Equal(t, uint64(2), tr.Generation())
}

func TestWaitReturnsImmediatelyWhenIdle(t *testing.T) {
	tr := newTestTracker(t)
	start := time.Now()
	require.NoError(t, tr.Wait(context.Background(), time.Second))
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestWaitReleasesAllWaitersOnFinish(t *testing.T) {
	tr := newTestTracker(t)
	tr.LoadStarted()

	const waiters = 5
	var wg sync.WaitGroup
	errs := make(chan error, waiters)
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- tr.Wait(context.Background(), 5*time.Second)
		}()
	}

	time.Sleep(30 * time.Millisecond)
	tr.LoadFinished()
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
}

func TestWaitTimeoutIsNavigationError(t *testing.T) {
	tr := newTestTracker(t)
	tr.LoadStarted()

	err := tr.Wait(context.Background(), 40*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, schemas.ErrNavigation))
	assert.True(t, tr.Loading(), "a timed out wait does not change state")
}

func TestWaitHonoursContext(t *testing.T) {
	tr := newTestTracker(t)
	tr.LoadStarted()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := tr.Wait(ctx, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExpect(t *testing.T) {
	t.Run("marks loading when no navigation finished since the snapshot", func(t *testing.T) {
		tr := newTestTracker(t)
		gen := tr.Generation()
		tr.Expect(gen)
		assert.True(t, tr.Loading())

		tr.LoadFinished()
		assert.False(t, tr.Loading())
	})

	t.Run("does nothing when the navigation already finished", func(t *testing.T) {
		tr := newTestTracker(t)
		gen := tr.Generation()
		tr.LoadStarted()
		tr.LoadFinished()

		tr.Expect(gen)
		assert.False(t, tr.Loading(), "expecting a navigation that already completed must not block")
		require.NoError(t, tr.Wait(context.Background(), 50*time.Millisecond))
	})
}

func TestSettle(t *testing.T) {
	tr := newTestTracker(t)
	tr.LoadStarted()

	done := make(chan error, 1)
	go func() { done <- tr.Wait(context.Background(), time.Second) }()

	time.Sleep(20 * time.Millisecond)
	tr.Settle()

	require.NoError(t, <-done)
	assert.False(t, tr.Loading())
	assert.Zero(t, tr.Generation(), "settling is not a completed navigation")
}
