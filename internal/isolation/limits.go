package isolation

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/rendis/webforge/pkg/schema"
)

// DefaultKillGrace is how long Wait keeps draining pipes after a kill.
const DefaultKillGrace = 5 * time.Second

// Limits constrains one external command.
type Limits struct {
	Timeout   time.Duration `json:"timeout,omitempty"`
	Root      string        `json:"root,omitempty"` // working directories must resolve under Root
	DenyPaths []string      `json:"deny_paths,omitempty"`
	KillGrace time.Duration `json:"kill_grace,omitempty"`
}

// ValidateDir checks that dir may be used as a working directory.
// An empty Root means any directory not denied is accepted. DenyPaths always
// take precedence.
func (l Limits) ValidateDir(dir string) error {
	clean, err := resolveCleanPath(dir)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodePathDenied, "invalid path %q: %v", dir, err)
	}

	// Fail closed: an unreadable deny rule denies.
	for _, deny := range l.DenyPaths {
		base, err := resolveCleanPath(deny)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodePathDenied,
				"path %q denied: invalid deny rule %q: %v", dir, deny, err)
		}
		if isUnderPath(clean, base) {
			return schema.NewErrorf(schema.ErrCodePathDenied, "path %q is denied", dir)
		}
	}

	if l.Root == "" {
		return nil
	}
	root, err := resolveCleanPath(l.Root)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodePathDenied, "invalid work root %q: %v", l.Root, err)
	}
	if !isUnderPath(clean, root) {
		return schema.NewErrorf(schema.ErrCodePathDenied, "path %q is outside the work root", dir)
	}
	return nil
}

func (l Limits) killGrace() time.Duration {
	if l.KillGrace > 0 {
		return l.KillGrace
	}
	return DefaultKillGrace
}

// resolveCleanPath makes path absolute and resolves symlinks on its longest
// existing prefix, so paths that do not exist yet compare consistently.
func resolveCleanPath(path string) (string, error) {
	if strings.ContainsRune(path, 0) {
		return "", fmt.Errorf("path contains null byte")
	}

	abs, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", err
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}
	return resolveAncestor(abs), nil
}

func resolveAncestor(path string) string {
	dir := path
	for range 256 {
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		if resolved, err := filepath.EvalSymlinks(parent); err == nil {
			rel, err := filepath.Rel(parent, path)
			if err != nil {
				return path
			}
			return filepath.Join(resolved, rel)
		}
		dir = parent
	}
	return path
}

// isUnderPath compares with filepath.Rel so /tmp does not match /tmpevil.
func isUnderPath(path, base string) bool {
	if path == base {
		return true
	}
	rel, err := filepath.Rel(base, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
