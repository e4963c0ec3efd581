package scheduler

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"

	"github.com/rendis/webforge/internal/outputs"
)

// OutputCleaner is satisfied by *outputs.Registry.
type OutputCleaner interface {
	CleanupExpired(ctx context.Context) (outputs.CleanupReport, error)
}

// CredentialExpirer is satisfied by *vault.Vault.
type CredentialExpirer interface {
	DeactivateExpired(ctx context.Context) (int, error)
}

// Maintenance holds the schedules of the built-in jobs.
type Maintenance struct {
	CleanupOutputs    string // default "@hourly"
	ExpireCredentials string // default "0 3 * * *"
}

// RegisterMaintenance registers the expired-output cleanup and the
// credential expiry jobs. Both also run once at start.
func (s *Scheduler) RegisterMaintenance(m Maintenance, outs OutputCleaner, creds CredentialExpirer) error {
	if m.CleanupOutputs == "" {
		m.CleanupOutputs = "@hourly"
	}
	if m.ExpireCredentials == "" {
		m.ExpireCredentials = "0 3 * * *"
	}

	if err := s.Register(JobCleanupOutputs, m.CleanupOutputs, true, func(ctx context.Context) (string, error) {
		report, err := outs.CleanupExpired(ctx)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%d outputs cleaned, %d failed, %s freed",
			report.Cleaned, report.Failed, humanize.Bytes(uint64(report.FreedBytes))), nil
	}); err != nil {
		return err
	}

	return s.Register(JobExpireCredentials, m.ExpireCredentials, true, func(ctx context.Context) (string, error) {
		n, err := creds.DeactivateExpired(ctx)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%d credentials deactivated", n), nil
	})
}
