package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rendis/webforge/pkg/schema"
)

// --- Runs ---

const runColumns = `id, status, phase, steps, repository_id, registry_id, template_id, configuration_id, output_kind, branch, commit_hash, image_ref, current_step, progress, error, log, cancel_requested, created_at, started_at, completed_at`

func (s *LibSQLStore) CreateRun(ctx context.Context, run *Run) error {
	steps, err := marshalOrDefault(run.Steps, "[]")
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}
	if run.Status == "" {
		run.Status = schema.RunStatusPending
	}
	run.CreatedAt = timeOrNow(run.CreatedAt)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO pipeline_runs (`+runColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, string(run.Status), nullStr(string(run.Phase)), string(steps),
		nullStr(run.RepositoryID), nullStr(run.RegistryID), nullStr(run.TemplateID), nullStr(run.ConfigurationID),
		string(run.OutputKind), nullStr(run.Branch), nullStr(run.CommitHash), nullStr(run.ImageRef),
		nullStr(run.CurrentStep), run.Progress, nullStr(run.Error), run.Log, run.CancelRequested,
		run.CreatedAt, nullTime(run.StartedAt), nullTime(run.CompletedAt),
	)
	return storeErr("run", run.ID, err)
}

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM pipeline_runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run", id)
	}
	return run, storeErr("run", id, err)
}

func (s *LibSQLStore) UpdateRun(ctx context.Context, id string, update RunUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Phase != nil {
		sets = append(sets, "phase = ?")
		args = append(args, nullStr(string(*update.Phase)))
	}
	if update.CurrentStep != nil {
		sets = append(sets, "current_step = ?")
		args = append(args, nullStr(*update.CurrentStep))
	}
	if update.Progress != nil {
		sets = append(sets, "progress = ?")
		args = append(args, *update.Progress)
	}
	if update.CommitHash != nil {
		sets = append(sets, "commit_hash = ?")
		args = append(args, nullStr(*update.CommitHash))
	}
	if update.ImageRef != nil {
		sets = append(sets, "image_ref = ?")
		args = append(args, nullStr(*update.ImageRef))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, nullStr(*update.Error))
	}
	if update.CancelRequested != nil {
		sets = append(sets, "cancel_requested = ?")
		args = append(args, *update.CancelRequested)
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}

	query := fmt.Sprintf("UPDATE pipeline_runs SET %s WHERE id = ?", strings.Join(sets, ", "))
	args = append(args, id)
	if update.Expect != nil {
		query += " AND status = ?"
		args = append(args, string(*update.Expect))
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return storeErr("run", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("run", id, err)
	}
	if n > 0 {
		return nil
	}
	if update.Expect == nil {
		return storeNotFound("run", id)
	}
	// Distinguish a missing run from a lost status race.
	if _, err := s.GetRun(ctx, id); err != nil {
		return err
	}
	return schema.NewErrorf(schema.ErrCodeConflict, "run %q is no longer %s", id, *update.Expect)
}

func (s *LibSQLStore) AppendRunLog(ctx context.Context, id string, lines string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE pipeline_runs SET log = log || ? WHERE id = ?`, lines, id)
	if err != nil {
		return storeErr("run", id, err)
	}
	return checkRowsAffected(res, "run", id)
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	var where []string
	var args []any

	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.RepositoryID != "" {
		where = append(where, "repository_id = ?")
		args = append(args, filter.RepositoryID)
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT ` + runColumns + ` FROM pipeline_runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("runs", "", err)
	}
	defer rows.Close()

	var out []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// DeleteRun removes the run; its outputs go with it via ON DELETE CASCADE.
func (s *LibSQLStore) DeleteRun(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM pipeline_runs WHERE id = ?`, id)
	if err != nil {
		return storeErr("run", id, err)
	}
	return checkRowsAffected(res, "run", id)
}

func scanRun(sc scanner) (*Run, error) {
	run := &Run{}
	var (
		status, steps, outputKind                       string
		phase, repoID, registryID, templateID, configID sql.NullString
		branch, commit, imageRef, currentStep, errMsg   sql.NullString
		startedAt, completedAt                          sql.NullTime
	)
	if err := sc.Scan(&run.ID, &status, &phase, &steps, &repoID, &registryID, &templateID, &configID,
		&outputKind, &branch, &commit, &imageRef, &currentStep, &run.Progress, &errMsg, &run.Log,
		&run.CancelRequested, &run.CreatedAt, &startedAt, &completedAt); err != nil {
		return nil, err
	}
	run.Status = schema.RunStatus(status)
	run.Phase = schema.RunPhase(phase.String)
	run.OutputKind = schema.OutputKind(outputKind)
	if err := json.Unmarshal([]byte(steps), &run.Steps); err != nil {
		return nil, fmt.Errorf("unmarshal steps: %w", err)
	}
	run.RepositoryID = repoID.String
	run.RegistryID = registryID.String
	run.TemplateID = templateID.String
	run.ConfigurationID = configID.String
	run.Branch = branch.String
	run.CommitHash = commit.String
	run.ImageRef = imageRef.String
	run.CurrentStep = currentStep.String
	run.Error = errMsg.String
	run.StartedAt = timePtr(startedAt)
	run.CompletedAt = timePtr(completedAt)
	return run, nil
}

// --- Outputs ---

const outputColumns = `o.id, o.run_id, o.kind, o.location, o.image_ref, o.size_bytes, o.checksum, o.downloads, o.status, o.expires_at, o.created_at`

func (s *LibSQLStore) CreateOutput(ctx context.Context, o *Output) error {
	if o.Status == "" {
		o.Status = schema.OutputStatusAvailable
	}
	o.CreatedAt = timeOrNow(o.CreatedAt)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO build_outputs (id, run_id, kind, location, image_ref, size_bytes, checksum, downloads, status, expires_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.RunID, string(o.Kind), nullStr(o.Location), nullStr(o.ImageRef), o.SizeBytes,
		nullStr(o.Checksum), o.Downloads, string(o.Status), nullTime(o.ExpiresAt), o.CreatedAt,
	)
	return storeErr("output", o.RunID+"/"+string(o.Kind), err)
}

func (s *LibSQLStore) GetOutput(ctx context.Context, id string) (*Output, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+outputColumns+` FROM build_outputs o WHERE o.id = ?`, id)
	o, err := scanOutput(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("output", id)
	}
	return o, storeErr("output", id, err)
}

func (s *LibSQLStore) ListOutputs(ctx context.Context, filter OutputFilter) ([]*Output, error) {
	var where []string
	var args []any

	query := `SELECT ` + outputColumns + ` FROM build_outputs o`
	if filter.RepositoryID != "" {
		query += ` JOIN pipeline_runs r ON r.id = o.run_id`
		where = append(where, "r.repository_id = ?")
		args = append(args, filter.RepositoryID)
	}
	if filter.RunID != "" {
		where = append(where, "o.run_id = ?")
		args = append(args, filter.RunID)
	}
	if filter.Kind != nil {
		where = append(where, "o.kind = ?")
		args = append(args, string(*filter.Kind))
	}
	if filter.Status != nil {
		where = append(where, "o.status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.ExpiredBefore != nil {
		where = append(where, "o.expires_at IS NOT NULL AND o.expires_at < ?")
		args = append(args, *filter.ExpiredBefore)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY o.created_at ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("outputs", "", err)
	}
	defer rows.Close()

	var out []*Output
	for rows.Next() {
		o, err := scanOutput(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) IncrementDownloads(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE build_outputs SET downloads = downloads + 1 WHERE id = ?`, id)
	if err != nil {
		return storeErr("output", id, err)
	}
	return checkRowsAffected(res, "output", id)
}

func (s *LibSQLStore) SetOutputStatus(ctx context.Context, id string, from, to schema.OutputStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE build_outputs SET status = ? WHERE id = ? AND status = ?`, string(to), id, string(from))
	if err != nil {
		return false, storeErr("output", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storeErr("output", id, err)
	}
	return n > 0, nil
}

func (s *LibSQLStore) DeleteOutput(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM build_outputs WHERE id = ?`, id)
	if err != nil {
		return storeErr("output", id, err)
	}
	return checkRowsAffected(res, "output", id)
}

func scanOutput(sc scanner) (*Output, error) {
	o := &Output{}
	var (
		kind, status                 string
		location, imageRef, checksum sql.NullString
		expiresAt                    sql.NullTime
	)
	if err := sc.Scan(&o.ID, &o.RunID, &kind, &location, &imageRef, &o.SizeBytes, &checksum,
		&o.Downloads, &status, &expiresAt, &o.CreatedAt); err != nil {
		return nil, err
	}
	o.Kind = schema.ArtifactKind(kind)
	o.Status = schema.OutputStatus(status)
	o.Location = location.String
	o.ImageRef = imageRef.String
	o.Checksum = checksum.String
	o.ExpiresAt = timePtr(expiresAt)
	return o, nil
}
