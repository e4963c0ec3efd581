package engine

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rendis/webforge/internal/store"
	"github.com/rendis/webforge/pkg/schema"
)

// TransitionHook is called after a run transition has been persisted.
type TransitionHook func(ctx context.Context, runID string, from, to schema.RunStatus)

type runHookKey struct {
	from, to schema.RunStatus
}

// RunFSM validates run status transitions, persists them through a caller
// supplied function and emits the matching audit event.
type RunFSM struct {
	mu       sync.Mutex
	appender store.EventAppender
	after    map[runHookKey][]TransitionHook
	now      func() time.Time
}

// NewRunFSM creates a RunFSM that emits events via the given appender.
func NewRunFSM(appender store.EventAppender) *RunFSM {
	return &RunFSM{
		appender: appender,
		after:    make(map[runHookKey][]TransitionHook),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// OnAfter registers a hook called after a successful transition.
func (f *RunFSM) OnAfter(from, to schema.RunStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := runHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition checks from → to against the transition table, calls persist
// and, once persisted, emits the run event. A persist error aborts the
// transition without an event.
func (f *RunFSM) Transition(ctx context.Context, runID string, from, to schema.RunStatus, payload map[string]any, persist func() error) error {
	if !CanTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid run transition: %s -> %s", from, to).
			WithDetails(map[string]any{"run_id": runID, "from": string(from), "to": string(to)})
	}
	if persist != nil {
		if err := persist(); err != nil {
			return err
		}
	}

	if eventType := runEventType(to); eventType != "" {
		var raw json.RawMessage
		if payload != nil {
			raw, _ = json.Marshal(payload)
		}
		if err := f.appender.AppendEvent(ctx, &store.Event{
			EntityType: schema.EntityRun,
			EntityID:   runID,
			Type:       eventType,
			Payload:    raw,
			Timestamp:  f.now(),
		}); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit run event: %s", err.Error()).WithCause(err)
		}
	}

	f.mu.Lock()
	hooks := append([]TransitionHook(nil), f.after[runHookKey{from, to}]...)
	f.mu.Unlock()
	for _, hook := range hooks {
		hook(ctx, runID, from, to)
	}
	return nil
}

// CanTransition reports whether the table allows from → to.
func CanTransition(from, to schema.RunStatus) bool {
	for _, a := range ValidRunTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

func runEventType(to schema.RunStatus) string {
	switch to {
	case schema.RunStatusRunning:
		return schema.EventRunStarted
	case schema.RunStatusCompleted:
		return schema.EventRunCompleted
	case schema.RunStatusFailed:
		return schema.EventRunFailed
	default:
		return ""
	}
}

// ValidRunTransitions defines the allowed run status transitions.
// pending → failed is reserved for cancellation before start.
var ValidRunTransitions = map[schema.RunStatus][]schema.RunStatus{
	schema.RunStatusPending:   {schema.RunStatusRunning, schema.RunStatusFailed},
	schema.RunStatusRunning:   {schema.RunStatusCompleted, schema.RunStatusFailed},
	schema.RunStatusCompleted: {},
	schema.RunStatusFailed:    {},
}
