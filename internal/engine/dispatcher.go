package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/rendis/webforge/internal/logging"
	"github.com/rendis/webforge/internal/store"
	"github.com/rendis/webforge/pkg/schema"
)

const defaultPollInterval = 5 * time.Second

// Executor runs one pending run. Satisfied by *Orchestrator.
type Executor interface {
	ExecuteRun(ctx context.Context, id string) (*store.Run, error)
	ListRuns(ctx context.Context, filter store.RunFilter) ([]*store.Run, error)
}

// Dispatcher drains pending runs into a bounded WorkerPool, oldest first.
// The pool size is the number of builds allowed to run at once.
type Dispatcher struct {
	exec     Executor
	pool     *WorkerPool
	interval time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
}

// NewDispatcher creates a Dispatcher running at most maxConcurrent builds.
func NewDispatcher(exec Executor, maxConcurrent int, interval time.Duration, logger *slog.Logger) *Dispatcher {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Dispatcher{
		exec:     exec,
		pool:     NewWorkerPool(maxConcurrent, logger),
		interval: interval,
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
}

// Run polls for pending runs until ctx is cancelled, then waits for the
// builds it started.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info("dispatcher started", "interval", d.interval)
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		if _, err := d.Drain(ctx); err != nil && ctx.Err() == nil {
			d.logger.Warn("pending runs not listed", "error", err)
		}
		select {
		case <-ctx.Done():
			d.pool.Shutdown()
			d.logger.Info("dispatcher stopped")
			return
		case <-ticker.C:
		}
	}
}

// Drain submits pending runs while the pool has free slots and returns how
// many were submitted.
func (d *Dispatcher) Drain(ctx context.Context) (int, error) {
	pending := schema.RunStatusPending
	runs, err := d.exec.ListRuns(ctx, store.RunFilter{Status: &pending})
	if err != nil {
		return 0, err
	}

	submitted := 0
	for _, run := range lo.Reverse(runs) {
		if !d.pool.Available() {
			break
		}
		if !d.claim(run.ID) {
			continue
		}
		id := run.ID
		err := d.pool.Submit(ctx, "run "+shortID(id), func(ctx context.Context) error {
			defer d.release(id)
			_, err := d.exec.ExecuteRun(ctx, id)
			return err
		})
		if err != nil {
			d.release(id)
			return submitted, err
		}
		submitted++
	}
	return submitted, nil
}

// Wait blocks until every submitted build has finished.
func (d *Dispatcher) Wait() { d.pool.Wait() }

// Metrics reports the pool counters.
func (d *Dispatcher) Metrics() PoolMetrics { return d.pool.Metrics() }

func (d *Dispatcher) claim(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.inflight[id]; ok {
		return false
	}
	d.inflight[id] = struct{}{}
	return true
}

func (d *Dispatcher) release(id string) {
	d.mu.Lock()
	delete(d.inflight, id)
	d.mu.Unlock()
}
