package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/webforge/internal/logging"
	"github.com/rendis/webforge/pkg/schema"
)

const defaultTick = 60 * time.Second

// Job names of the built-in maintenance jobs.
const (
	JobCleanupOutputs    = "cleanup-outputs"
	JobExpireCredentials = "expire-credentials"
)

// Task is the work of a job. The returned summary is logged.
type Task func(ctx context.Context) (string, error)

// JobStatus is a snapshot of a registered job.
type JobStatus struct {
	Name          string     `json:"name"`
	Spec          string     `json:"spec"`
	NextRunAt     time.Time  `json:"next_run_at"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
	LastSummary   string     `json:"last_summary,omitempty"`
}

type job struct {
	name     string
	spec     string
	schedule cron.Schedule
	task     Task
	status   JobStatus
}

// Scheduler runs in-process maintenance jobs on cron schedules.
type Scheduler struct {
	parser cron.Parser
	tick   time.Duration
	logger *slog.Logger
	now    func() time.Time
	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex
	jobs   map[string]*job

	inflightMu sync.Mutex
	inflight   map[string]struct{} // job names currently executing (dedup)
}

// New creates a Scheduler that checks for due jobs every tick (60s when
// tick <= 0).
func New(tick time.Duration, logger *slog.Logger) *Scheduler {
	if tick <= 0 {
		tick = defaultTick
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Scheduler{
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		tick:     tick,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		jobs:     make(map[string]*job),
		inflight: make(map[string]struct{}),
	}
}

// Register adds a job. spec is a five-field cron expression or a descriptor
// such as "@hourly". When runOnStart is set the job is due immediately.
func (s *Scheduler) Register(name, spec string, runOnStart bool, task Task) error {
	schedule, err := s.parser.Parse(spec)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "job %s: parse cron expression %q: %v", name, spec, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[name]; ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "job %s is already registered", name)
	}
	now := s.now()
	next := schedule.Next(now)
	if runOnStart {
		next = now
	}
	s.jobs[name] = &job{
		name:     name,
		spec:     spec,
		schedule: schedule,
		task:     task,
		status:   JobStatus{Name: name, Spec: spec, NextRunAt: next},
	}
	return nil
}

// Start launches the background scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", "jobs", len(s.Jobs()))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	s.runDue(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runDue(ctx)
		}
	}
}

// runDue runs every job whose next run time has passed.
func (s *Scheduler) runDue(ctx context.Context) {
	now := s.now()
	s.mu.Lock()
	var due []*job
	for _, j := range s.jobs {
		if !j.status.NextRunAt.After(now) {
			due = append(due, j)
		}
	}
	s.mu.Unlock()

	for _, j := range due {
		if !s.tryAcquire(j.name) {
			continue
		}
		s.runJob(ctx, j)
		s.releaseJob(j.name)
	}
}

// RunNow runs the named job immediately, outside its schedule. A job that
// is already running is a CONFLICT.
func (s *Scheduler) RunNow(ctx context.Context, name string) (string, error) {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return "", schema.NewErrorf(schema.ErrCodeNotFound, "job %s is not registered", name)
	}
	if !s.tryAcquire(name) {
		return "", schema.NewErrorf(schema.ErrCodeConflict, "job %s is already running", name)
	}
	defer s.releaseJob(name)
	return s.runJob(ctx, j)
}

// runJob executes a job and records its outcome and next run time.
func (s *Scheduler) runJob(ctx context.Context, j *job) (string, error) {
	s.logger.Info("running scheduled job", slog.String("job", j.name))

	start := s.now()
	summary, err := j.task(ctx)
	status := "success"
	if err != nil {
		status = "error"
		s.logger.Error("scheduled job failed",
			slog.String("job", j.name),
			slog.String("error", err.Error()),
		)
	} else {
		s.logger.Info("scheduled job finished",
			slog.String("job", j.name),
			slog.String("summary", summary),
			slog.Duration("duration", s.now().Sub(start)),
		)
	}

	s.mu.Lock()
	j.status.LastRunAt = &start
	j.status.LastRunStatus = status
	j.status.LastSummary = summary
	j.status.NextRunAt = j.schedule.Next(start)
	s.mu.Unlock()
	return summary, err
}

// Jobs returns a snapshot of every registered job, sorted by name.
func (s *Scheduler) Jobs() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobStatus, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.status)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}

// tryAcquire returns true and marks the job as in-flight if it is not already running.
func (s *Scheduler) tryAcquire(name string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[name]; ok {
		return false
	}
	s.inflight[name] = struct{}{}
	return true
}

// releaseJob removes the job from the in-flight set.
func (s *Scheduler) releaseJob(name string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, name)
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the scheduler, waiting for a running job.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if s.cancel == nil {
		s.mu.Unlock()
		return nil
	}
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()

	cancel()
	<-done

	s.mu.Lock()
	s.done = nil
	s.mu.Unlock()
	s.logger.Info("scheduler stopped")
	return nil
}
