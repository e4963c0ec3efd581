package engine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"

	"github.com/rendis/webforge/internal/store"
	"github.com/rendis/webforge/pkg/schema"
)

// skipDirs are never searched by replacement rules.
var skipDirs = map[string]bool{".git": true, "node_modules": true}

type rewriteRule struct {
	store.ReplacementRule
	re *regexp.Regexp
}

type rewriteStats struct {
	files        int
	replacements int
}

// stepCustomize applies the run's template: text replacement rules over the
// source tree, then asset copies.
func (o *Orchestrator) stepCustomize(ctx context.Context, st *buildState) error {
	tmpl, err := o.store.GetTemplate(ctx, st.run.TemplateID)
	if err != nil {
		return err
	}
	rules, err := o.compileRules(tmpl.Rules)
	if err != nil {
		return err
	}

	stats, err := o.rewriteTree(ctx, st, rules)
	if err != nil {
		return err
	}
	for _, a := range tmpl.Assets {
		if err := o.copyAsset(st.repoDir, a); err != nil {
			return err
		}
	}

	o.appendLog(ctx, st.run.ID, fmt.Sprintf("Applied template %s: %d replacements in %d files, %d assets",
		tmpl.Name, stats.replacements, stats.files, len(tmpl.Assets)))
	return nil
}

func (o *Orchestrator) compileRules(rules []store.ReplacementRule) ([]rewriteRule, error) {
	out := make([]rewriteRule, 0, len(rules))
	for i, r := range rules {
		if r.Pattern == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "rule %d has an empty pattern", i+1)
		}
		rr := rewriteRule{ReplacementRule: r}
		if r.Regex {
			re, err := regexp.Compile(r.Pattern)
			if err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "rule %d has an invalid pattern: %v", i+1, err)
			}
			rr.re = re
		}
		if r.When != "" {
			if err := o.cel.Check(r.When); err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "rule %d has an invalid condition: %s", i+1, describe(err))
			}
		}
		out = append(out, rr)
	}
	return out, nil
}

func (o *Orchestrator) rewriteTree(ctx context.Context, st *buildState, rules []rewriteRule) (rewriteStats, error) {
	var stats rewriteStats
	if len(rules) == 0 {
		return stats, nil
	}
	run := runData(st.run)

	err := filepath.WalkDir(st.repoDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.Size() == 0 || info.Size() > o.cfg.MaxRewrite {
			return nil
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if bytes.IndexByte(content[:min(len(content), 8000)], 0) >= 0 {
			return nil
		}

		rel, _ := filepath.Rel(st.repoDir, path)
		file := map[string]any{
			"path": filepath.ToSlash(rel),
			"name": d.Name(),
			"ext":  strings.TrimPrefix(filepath.Ext(d.Name()), "."),
			"size": info.Size(),
		}
		text := string(content)
		n := 0
		for _, r := range rules {
			if r.When != "" {
				ok, err := o.cel.Match(ctx, r.When, map[string]any{"file": file, "run": run})
				if err != nil {
					return err
				}
				if !ok {
					continue
				}
			}
			var c int
			text, c = r.apply(text)
			n += c
		}
		if n == 0 {
			return nil
		}
		if err := os.WriteFile(path, []byte(text), info.Mode().Perm()); err != nil {
			return err
		}
		stats.files++
		stats.replacements += n
		return nil
	})
	if err != nil {
		if schema.CodeOf(err) != "" {
			return stats, err
		}
		return stats, schema.NewErrorf(schema.ErrCodeStepFailed, "rewrite source tree: %v", err).WithCause(err)
	}
	return stats, nil
}

func (r rewriteRule) apply(text string) (string, int) {
	if r.re == nil {
		n := strings.Count(text, r.Pattern)
		if n == 0 {
			return text, 0
		}
		return strings.ReplaceAll(text, r.Pattern, r.Replacement), n
	}
	n := len(r.re.FindAllStringIndex(text, -1))
	if n == 0 {
		return text, 0
	}
	return r.re.ReplaceAllString(text, r.Replacement), n
}

// copyAsset copies a template asset into the source tree. Both paths are
// resolved with securejoin so neither can escape its root.
func (o *Orchestrator) copyAsset(repoDir string, a store.Asset) error {
	if o.cfg.AssetRoot == "" {
		return schema.NewError(schema.ErrCodeValidation, "template has assets but no asset root is configured")
	}
	src, err := securejoin.SecureJoin(o.cfg.AssetRoot, a.Path)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodePathDenied, "asset %s: %v", a.Path, err)
	}
	target := a.Target
	if target == "" {
		target = filepath.Join("static", filepath.Base(a.Path))
	}
	dst, err := securejoin.SecureJoin(repoDir, target)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodePathDenied, "asset target %s: %v", target, err)
	}

	in, err := os.Open(src)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeNotFound, "asset %s cannot be read", a.Path).WithCause(err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return schema.NewErrorf(schema.ErrCodeStepFailed, "create asset directory: %v", err).WithCause(err)
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStepFailed, "write asset %s: %v", target, err).WithCause(err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return schema.NewErrorf(schema.ErrCodeStepFailed, "write asset %s: %v", target, err).WithCause(err)
	}
	return out.Close()
}

// runData is the `run` variable seen by rule conditions and tag templates.
func runData(run *store.Run) map[string]any {
	return map[string]any{
		"id":          run.ID,
		"short_id":    shortID(run.ID),
		"branch":      run.Branch,
		"commit":      run.CommitHash,
		"output_kind": string(run.OutputKind),
	}
}
