package engine

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/webforge/internal/store"
	"github.com/rendis/webforge/pkg/schema"
)

// mockAppender records appended events for assertions.
type mockAppender struct {
	mu     sync.Mutex
	events []*store.Event
}

func (m *mockAppender) AppendEvent(_ context.Context, event *store.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *mockAppender) Events() []*store.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]*store.Event, len(m.events))
	copy(cp, m.events)
	return cp
}

// failAppender always returns an error.
type failAppender struct{}

func (f *failAppender) AppendEvent(_ context.Context, _ *store.Event) error {
	return errors.New("store unavailable")
}

func TestRunFSM_ValidTransitions(t *testing.T) {
	app := &mockAppender{}
	fsm := NewRunFSM(app)
	ctx := context.Background()

	require.NoError(t, fsm.Transition(ctx, "run-1", schema.RunStatusPending, schema.RunStatusRunning, nil, nil))
	require.NoError(t, fsm.Transition(ctx, "run-1", schema.RunStatusRunning, schema.RunStatusCompleted, map[string]any{"outputs": 1}, nil))
	require.NoError(t, fsm.Transition(ctx, "run-2", schema.RunStatusPending, schema.RunStatusFailed, nil, nil))

	events := app.Events()
	require.Len(t, events, 3)
	assert.Equal(t, schema.EventRunStarted, events[0].Type)
	assert.Equal(t, schema.EventRunCompleted, events[1].Type)
	assert.JSONEq(t, `{"outputs":1}`, string(events[1].Payload))
	assert.Equal(t, schema.EventRunFailed, events[2].Type)
	assert.Equal(t, schema.EntityRun, events[2].EntityType)
	assert.Equal(t, "run-2", events[2].EntityID)
}

func TestRunFSM_TerminalIsImmutable(t *testing.T) {
	app := &mockAppender{}
	fsm := NewRunFSM(app)
	ctx := context.Background()

	for _, from := range []schema.RunStatus{schema.RunStatusCompleted, schema.RunStatusFailed} {
		for _, to := range []schema.RunStatus{schema.RunStatusPending, schema.RunStatusRunning, schema.RunStatusCompleted, schema.RunStatusFailed} {
			err := fsm.Transition(ctx, "run-1", from, to, nil, nil)
			require.Error(t, err, "%s -> %s", from, to)
			assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidTransition))
		}
	}
	err := fsm.Transition(ctx, "run-1", schema.RunStatusPending, schema.RunStatusCompleted, nil, nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidTransition))
	assert.Empty(t, app.Events())
}

func TestRunFSM_PersistErrorAbortsWithoutEvent(t *testing.T) {
	app := &mockAppender{}
	fsm := NewRunFSM(app)
	lost := schema.NewError(schema.ErrCodeConflict, "run is no longer pending")

	err := fsm.Transition(context.Background(), "run-1", schema.RunStatusPending, schema.RunStatusRunning, nil, func() error {
		return lost
	})
	assert.ErrorIs(t, err, lost)
	assert.Empty(t, app.Events())
}

func TestRunFSM_PersistBeforeEvent(t *testing.T) {
	app := &mockAppender{}
	fsm := NewRunFSM(app)
	var seenEvents int
	err := fsm.Transition(context.Background(), "run-1", schema.RunStatusPending, schema.RunStatusRunning, nil, func() error {
		seenEvents = len(app.Events())
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 0, seenEvents)
	assert.Len(t, app.Events(), 1)
}

func TestRunFSM_AppenderFailure(t *testing.T) {
	fsm := NewRunFSM(&failAppender{})
	err := fsm.Transition(context.Background(), "run-1", schema.RunStatusPending, schema.RunStatusRunning, nil, nil)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeStore))
}

func TestRunFSM_AfterHooks(t *testing.T) {
	fsm := NewRunFSM(&mockAppender{})
	var calls []string
	fsm.OnAfter(schema.RunStatusRunning, schema.RunStatusFailed, func(_ context.Context, runID string, from, to schema.RunStatus) {
		calls = append(calls, runID+":"+string(from)+"->"+string(to))
	})

	ctx := context.Background()
	require.NoError(t, fsm.Transition(ctx, "a", schema.RunStatusPending, schema.RunStatusRunning, nil, nil))
	require.NoError(t, fsm.Transition(ctx, "a", schema.RunStatusRunning, schema.RunStatusFailed, nil, nil))
	assert.Equal(t, []string{"a:running->failed"}, calls)
}
