package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"

	"github.com/rendis/webforge/internal/store"
	"github.com/rendis/webforge/pkg/schema"
)

const (
	envFile        = ".env"
	maxEnvLineSize = 1 << 20
)

var envKeyRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// stepConfigure injects the run's configuration: plain entries are merged
// into the .env file at the repository root, entries naming a JSON file and
// a jq path are written into that document.
func (o *Orchestrator) stepConfigure(ctx context.Context, st *buildState) error {
	cfg, err := o.store.GetConfiguration(ctx, st.run.ConfigurationID)
	if err != nil {
		if schema.IsCode(err, schema.ErrCodeNotFound) {
			return schema.NewErrorf(schema.ErrCodeNotFound, "configuration %s is missing", st.run.ConfigurationID)
		}
		return err
	}

	env, docs, err := splitEntries(cfg.Entries)
	if err != nil {
		return err
	}

	if len(env) > 0 {
		if err := mergeEnvFile(st.repoDir, env); err != nil {
			return err
		}
	}
	files := make([]string, 0, len(docs))
	for f := range docs {
		files = append(files, f)
	}
	sort.Strings(files)
	for _, f := range files {
		if err := o.patchJSON(ctx, st.repoDir, f, docs[f]); err != nil {
			return err
		}
	}

	o.appendLog(ctx, st.run.ID, fmt.Sprintf("Applied configuration %s: %d environment values, %d JSON files",
		cfg.Name, len(env), len(files)))
	return nil
}

// splitEntries separates .env values from JSON document patches, grouped by
// target file.
func splitEntries(entries []store.ConfigEntry) (map[string]string, map[string][]store.ConfigEntry, error) {
	env := map[string]string{}
	docs := map[string][]store.ConfigEntry{}
	for i, e := range entries {
		if e.File != "" {
			if e.Path == "" {
				return nil, nil, schema.NewErrorf(schema.ErrCodeValidation, "entry %d targets %s without a path", i+1, e.File)
			}
			docs[e.File] = append(docs[e.File], e)
			continue
		}
		if !envKeyRe.MatchString(e.Key) {
			return nil, nil, schema.NewErrorf(schema.ErrCodeValidation, "entry %d has an invalid key %q", i+1, e.Key)
		}
		if strings.ContainsAny(e.Value, "\r\n") {
			return nil, nil, schema.NewErrorf(schema.ErrCodeValidation, "entry %s has a multi-line value", e.Key)
		}
		env[e.Key] = e.Value
	}
	return env, docs, nil
}

// mergeEnvFile rewrites existing keys of the .env file at the repository
// root in place and appends new ones in sorted order. Comments and unrelated
// lines are kept. A symlinked .env resolves inside repoDir.
func mergeEnvFile(repoDir string, values map[string]string) error {
	path, err := securejoin.SecureJoin(repoDir, envFile)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodePathDenied, "%s: %v", envFile, err)
	}

	var lines []string
	if f, err := os.Open(path); err == nil {
		sc := bufio.NewScanner(f)
		sc.Buffer(make([]byte, 0, 64*1024), maxEnvLineSize)
		for sc.Scan() {
			lines = append(lines, sc.Text())
		}
		f.Close()
		if err := sc.Err(); err != nil {
			return schema.NewErrorf(schema.ErrCodeStepFailed, "read %s: %v", envFile, err).WithCause(err)
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return schema.NewErrorf(schema.ErrCodeStepFailed, "read %s: %v", envFile, err).WithCause(err)
	}

	seen := map[string]bool{}
	for i, line := range lines {
		key, _, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(key), "export "))
		if !ok || strings.HasPrefix(key, "#") {
			continue
		}
		if v, set := values[key]; set {
			lines[i] = key + "=" + quoteEnv(v)
			seen[key] = true
		}
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		if !seen[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		lines = append(lines, k+"="+quoteEnv(values[k]))
	}

	content := strings.Join(lines, "\n") + "\n"
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return schema.NewErrorf(schema.ErrCodeStepFailed, "write %s: %v", envFile, err).WithCause(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return schema.NewErrorf(schema.ErrCodeStepFailed, "write %s: %v", envFile, err).WithCause(err)
	}
	return nil
}

func quoteEnv(v string) string {
	if v == "" || strings.ContainsAny(v, " \t#\"'$") {
		return fmt.Sprintf("%q", v)
	}
	return v
}

// patchJSON applies `<path> = $value` for each entry to the JSON document
// at file, creating it when absent.
func (o *Orchestrator) patchJSON(ctx context.Context, repoDir, file string, entries []store.ConfigEntry) error {
	path, err := securejoin.SecureJoin(repoDir, file)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodePathDenied, "config file %s: %v", file, err)
	}

	var doc any = map[string]any{}
	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(raw, &doc); err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "%s is not valid JSON: %v", file, err)
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return schema.NewErrorf(schema.ErrCodeStepFailed, "read %s: %v", file, err).WithCause(err)
	}

	for _, e := range entries {
		doc, err = o.jq.Transform(ctx, e.Path+" = $value", doc, entryValue(e.Value))
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "%s: cannot set %s: %s", file, e.Path, describe(err))
		}
	}

	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStepFailed, "encode %s: %v", file, err).WithCause(err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return schema.NewErrorf(schema.ErrCodeStepFailed, "create %s: %v", filepath.Dir(file), err).WithCause(err)
	}
	if err := os.WriteFile(path, append(out, '\n'), 0o644); err != nil {
		return schema.NewErrorf(schema.ErrCodeStepFailed, "write %s: %v", file, err).WithCause(err)
	}
	return nil
}

// entryValue decodes JSON literals (numbers, booleans, objects) and keeps
// everything else as a string.
func entryValue(v string) any {
	var decoded any
	if err := json.Unmarshal([]byte(v), &decoded); err == nil {
		return decoded
	}
	return v
}
