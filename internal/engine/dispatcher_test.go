package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/webforge/internal/store"
	"github.com/rendis/webforge/pkg/schema"
)

// fakeExecutor serves pending runs newest first, like the store, and blocks
// each execution until release is closed.
type fakeExecutor struct {
	mu       sync.Mutex
	pending  []string // oldest first
	executed []string
	release  chan struct{}

	active    atomic.Int32
	maxActive atomic.Int32
}

func newFakeExecutor(ids ...string) *fakeExecutor {
	return &fakeExecutor{pending: ids, release: make(chan struct{})}
}

func (f *fakeExecutor) ListRuns(_ context.Context, filter store.RunFilter) ([]*store.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*store.Run, 0, len(f.pending))
	for i := len(f.pending) - 1; i >= 0; i-- {
		out = append(out, &store.Run{ID: f.pending[i], Status: *filter.Status})
	}
	return out, nil
}

func (f *fakeExecutor) ExecuteRun(_ context.Context, id string) (*store.Run, error) {
	n := f.active.Add(1)
	for {
		m := f.maxActive.Load()
		if n <= m || f.maxActive.CompareAndSwap(m, n) {
			break
		}
	}
	f.mu.Lock()
	f.executed = append(f.executed, id)
	f.mu.Unlock()

	<-f.release

	f.mu.Lock()
	for i, p := range f.pending {
		if p == id {
			f.pending = append(f.pending[:i], f.pending[i+1:]...)
			break
		}
	}
	f.mu.Unlock()
	f.active.Add(-1)
	return &store.Run{ID: id, Status: schema.RunStatusCompleted}, nil
}

func (f *fakeExecutor) executedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.executed...)
}

func TestDispatcher_BoundsConcurrencyOldestFirst(t *testing.T) {
	exec := newFakeExecutor("r1", "r2", "r3", "r4", "r5")
	d := NewDispatcher(exec, 2, time.Hour, nil)
	ctx := context.Background()

	n, err := d.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.Eventually(t, func() bool { return len(exec.executedIDs()) == 2 }, time.Second, 5*time.Millisecond)
	assert.ElementsMatch(t, []string{"r1", "r2"}, exec.executedIDs())

	n, err = d.Drain(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "pool is full")

	close(exec.release)
	d.Wait()
	for len(exec.executedIDs()) < 5 {
		_, err := d.Drain(ctx)
		require.NoError(t, err)
		d.Wait()
	}

	assert.ElementsMatch(t, []string{"r1", "r2", "r3", "r4", "r5"}, exec.executedIDs())
	assert.LessOrEqual(t, exec.maxActive.Load(), int32(2))
	assert.Equal(t, int64(5), d.Metrics().Completed)
}

func TestDispatcher_DoesNotResubmitInflight(t *testing.T) {
	exec := newFakeExecutor("r1")
	d := NewDispatcher(exec, 4, time.Hour, nil)
	ctx := context.Background()

	n, err := d.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = d.Drain(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	close(exec.release)
	d.Wait()
	assert.Equal(t, []string{"r1"}, exec.executedIDs())
}

func TestDispatcher_RunStopsOnCancel(t *testing.T) {
	exec := newFakeExecutor("r1")
	close(exec.release)
	d := NewDispatcher(exec, 1, 10*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return len(exec.executedIDs()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop")
	}
	assert.Equal(t, []string{"r1"}, exec.executedIDs())
}
