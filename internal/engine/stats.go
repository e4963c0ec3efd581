package engine

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/samber/lo"

	"github.com/rendis/webforge/internal/store"
	"github.com/rendis/webforge/pkg/schema"
)

const (
	defaultStatsDays = 30
	recentUsageDays  = 30
)

// StepCount is how many runs included a step.
type StepCount struct {
	Step  string `json:"step"`
	Count int    `json:"count"`
}

// Statistics summarizes the runs created in a time window.
type Statistics struct {
	Days         int         `json:"days"`
	From         time.Time   `json:"from"`
	To           time.Time   `json:"to"`
	Total        int         `json:"total"`
	Completed    int         `json:"completed"`
	Failed       int         `json:"failed"`
	Pending      int         `json:"pending"`
	Running      int         `json:"running"`
	SuccessRate  float64     `json:"success_rate"` // percent of all runs, 2 decimals
	PopularSteps []StepCount `json:"popular_steps"`
}

// OutputUsage counts a repository's registered outputs.
type OutputUsage struct {
	Total    int `json:"total"`
	Archives int `json:"archives"`
	Images   int `json:"images"`
}

// RepositoryUsage summarizes how often a repository has been built.
type RepositoryUsage struct {
	RepositoryID string      `json:"repository_id"`
	Name         string      `json:"name"`
	URL          string      `json:"url"`
	Verified     bool        `json:"verified"`
	TotalRuns    int         `json:"total_runs"`
	Completed    int         `json:"completed_runs"`
	Failed       int         `json:"failed_runs"`
	RecentRuns   int         `json:"recent_runs"` // created in the last 30 days
	Outputs      OutputUsage `json:"outputs"`
	LastUsed     *time.Time  `json:"last_used,omitempty"`
}

// Statistics reports run counts for the last days days (30 when days <= 0).
func (o *Orchestrator) Statistics(ctx context.Context, days int) (*Statistics, error) {
	if days <= 0 {
		days = defaultStatsDays
	}
	to := o.now()
	from := to.AddDate(0, 0, -days)
	runs, err := o.store.ListRuns(ctx, store.RunFilter{Since: &from})
	if err != nil {
		return nil, err
	}

	stats := &Statistics{
		Days:      days,
		From:      from,
		To:        to,
		Total:     len(runs),
		Completed: countStatus(runs, schema.RunStatusCompleted),
		Failed:    countStatus(runs, schema.RunStatusFailed),
		Pending:   countStatus(runs, schema.RunStatusPending),
		Running:   countStatus(runs, schema.RunStatusRunning),
	}
	if stats.Total > 0 {
		stats.SuccessRate = math.Round(float64(stats.Completed)/float64(stats.Total)*10000) / 100
	}

	counts := lo.CountValues(lo.FlatMap(runs, func(r *store.Run, _ int) []string { return r.Steps }))
	stats.PopularSteps = lo.MapToSlice(counts, func(step string, n int) StepCount {
		return StepCount{Step: step, Count: n}
	})
	sort.Slice(stats.PopularSteps, func(i, j int) bool {
		a, b := stats.PopularSteps[i], stats.PopularSteps[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return catalog[Step(a.Step)].Order < catalog[Step(b.Step)].Order
	})
	return stats, nil
}

// RepositoryUsage reports run and output counts for one repository.
func (o *Orchestrator) RepositoryUsage(ctx context.Context, repoID string) (*RepositoryUsage, error) {
	repo, err := o.store.GetRepository(ctx, repoID)
	if err != nil {
		return nil, err
	}
	runs, err := o.store.ListRuns(ctx, store.RunFilter{RepositoryID: repoID})
	if err != nil {
		return nil, err
	}
	outs, err := o.outputs.List(ctx, store.OutputFilter{RepositoryID: repoID})
	if err != nil {
		return nil, err
	}

	since := o.now().AddDate(0, 0, -recentUsageDays)
	usage := &RepositoryUsage{
		RepositoryID: repo.ID,
		Name:         repo.Name,
		URL:          repo.URL,
		Verified:     repo.Verification == schema.VerificationVerified,
		TotalRuns:    len(runs),
		Completed:    countStatus(runs, schema.RunStatusCompleted),
		Failed:       countStatus(runs, schema.RunStatusFailed),
		RecentRuns:   lo.CountBy(runs, func(r *store.Run) bool { return !r.CreatedAt.Before(since) }),
		Outputs: OutputUsage{
			Total:    len(outs),
			Archives: lo.CountBy(outs, func(out *store.Output) bool { return out.Kind == schema.ArtifactArchive }),
			Images:   lo.CountBy(outs, func(out *store.Output) bool { return out.Kind == schema.ArtifactImage }),
		},
	}
	if len(runs) > 0 {
		latest := lo.MaxBy(runs, func(a, b *store.Run) bool { return a.CreatedAt.After(b.CreatedAt) })
		t := latest.CreatedAt
		usage.LastUsed = &t
	}
	return usage, nil
}

func countStatus(runs []*store.Run, status schema.RunStatus) int {
	return lo.CountBy(runs, func(r *store.Run) bool { return r.Status == status })
}
