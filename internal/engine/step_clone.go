package engine

import (
	"context"

	"github.com/rendis/webforge/internal/source"
	"github.com/rendis/webforge/internal/store"
	"github.com/rendis/webforge/pkg/schema"
)

// stepClone populates the workspace from the run's repository, or from the
// built-in upstream when the run names none.
func (o *Orchestrator) stepClone(ctx context.Context, st *buildState) error {
	var (
		res *source.CloneResult
		err error
		url string
	)
	if st.run.RepositoryID != "" {
		res, err = o.cloner.Clone(ctx, st.run.RepositoryID, st.repoDir, st.run.Branch, o.cfg.CloneDepth)
	} else {
		url = o.cfg.DefaultSource.URL
		res, err = o.cloner.CloneSource(ctx, o.cfg.DefaultSource, st.repoDir, st.run.Branch, o.cfg.CloneDepth)
	}
	if err != nil {
		return err
	}
	if !res.OK {
		return schema.NewError(schema.ErrCodeExternalTool, "Failed to clone repository: "+res.Message)
	}

	update := store.RunUpdate{CommitHash: &res.Commit}
	if err := o.store.UpdateRun(ctx, st.run.ID, update); err != nil {
		return err
	}
	st.run.CommitHash = res.Commit
	if st.run.Branch == "" {
		st.run.Branch = res.Branch
	}

	msg := res.Message
	if url != "" {
		msg += " from " + url
	}
	o.appendLog(ctx, st.run.ID, msg)
	return nil
}
