// Package access decides which filesystem paths task executors may read and write.
package access

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/morezero/taskrunner/pkg/taskerr"
)

const (
	logPrefix = "access:policy"
	stage     = "access"
)

// Defaults for NewPolicy.
var (
	DefaultDirs       = []string{"data", "logs", "temp"}
	DefaultExtensions = []string{".txt", ".json", ".csv", ".md", ".py", ".jpg", ".jpeg", ".png", ".gif", ".log"}
)

// Policy is an allow-list of directories under a root plus an extension whitelist.
// It is read-only after construction.
type Policy struct {
	root       string
	roots      []string
	extensions map[string]struct{}
}

// NewPolicy creates a Policy rooted at rootDir. Empty dirs or extensions fall back to the defaults.
func NewPolicy(rootDir string, dirs, extensions []string) (*Policy, error) {
	if strings.TrimSpace(rootDir) == "" {
		rootDir = "."
	}
	root, err := filepath.Abs(rootDir)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to resolve root %q: %w", logPrefix, rootDir, err)
	}
	if target, err := realPath(root); err == nil {
		root = target
	}
	if len(dirs) == 0 {
		dirs = DefaultDirs
	}
	if len(extensions) == 0 {
		extensions = DefaultExtensions
	}

	p := &Policy{root: root, extensions: make(map[string]struct{}, len(extensions))}
	for _, d := range dirs {
		d = strings.Trim(strings.TrimSpace(d), `/\`)
		if d == "" {
			continue
		}
		dir := filepath.Join(root, filepath.FromSlash(d))
		if target, err := realPath(dir); err == nil {
			dir = target
		}
		p.roots = append(p.roots, dir)
	}
	for _, ext := range extensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		p.extensions[ext] = struct{}{}
	}
	return p, nil
}

// Root returns the absolute root directory.
func (p *Policy) Root() string { return p.root }

// Dir returns the absolute path of a named directory under the root.
func (p *Policy) Dir(name string) string {
	return filepath.Join(p.root, filepath.FromSlash(name))
}

// AllowedRoots returns the absolute allowed directories.
func (p *Policy) AllowedRoots() []string {
	out := make([]string, len(p.roots))
	copy(out, p.roots)
	return out
}

// EnsureDirs creates every allowed directory.
func (p *Policy) EnsureDirs() error {
	for _, r := range p.roots {
		if err := os.MkdirAll(r, 0o755); err != nil {
			return fmt.Errorf("%s - failed to create %s: %w", logPrefix, r, err)
		}
	}
	return nil
}

// Resolve maps a task path onto the filesystem. Surrounding quotes are removed; a path
// already inside the root is kept, any other leading separator is stripped and the rest
// is joined under the root, so "/data/x" and "data/x" both name ROOT/data/x.
func (p *Policy) Resolve(path string) (string, error) {
	cleaned := strings.Trim(strings.TrimSpace(path), `"'`)
	if cleaned == "" {
		return "", taskerr.New(taskerr.CodeValidation, stage, "path is empty")
	}
	native := filepath.FromSlash(cleaned)
	if filepath.IsAbs(native) && within(p.root, filepath.Clean(native)) {
		return filepath.Clean(native), nil
	}
	rel := strings.TrimLeft(native, `/\`)
	if vol := filepath.VolumeName(rel); vol != "" {
		rel = strings.TrimLeft(rel[len(vol):], `/\`)
	}
	return filepath.Join(p.root, rel), nil
}

// IsAllowed reports whether an absolute path, with symlinks resolved, lies under an
// allowed directory and, unless it is an existing directory, carries a whitelisted extension.
func (p *Policy) IsAllowed(abs string) bool {
	_, ok := p.allowed(abs)
	return ok
}

// allowed returns the symlink-free form of abs when it passes IsAllowed.
func (p *Policy) allowed(abs string) (string, bool) {
	target, err := realPath(filepath.Clean(abs))
	if err != nil {
		slog.Debug(fmt.Sprintf("%s - Cannot resolve %s: %v", logPrefix, abs, err))
		return "", false
	}
	if !p.underRoots(target) {
		return "", false
	}
	if info, err := os.Stat(target); err == nil && info.IsDir() {
		return target, true
	}
	_, ok := p.extensions[strings.ToLower(filepath.Ext(target))]
	return target, ok
}

func (p *Policy) underRoots(target string) bool {
	for _, r := range p.roots {
		if within(r, target) {
			return true
		}
	}
	return false
}

// Check resolves path and returns its symlink-free form when allowed, or an ACCESS_DENIED error.
func (p *Policy) Check(path string) (string, error) {
	abs, err := p.Resolve(path)
	if err != nil {
		return "", err
	}
	target, ok := p.allowed(abs)
	if !ok {
		slog.Warn(fmt.Sprintf("%s - Access denied: %s", logPrefix, path))
		return "", taskerr.Newf(taskerr.CodeAccessDenied, stage, "access denied: %s", path)
	}
	return target, nil
}

// CheckDir resolves a directory path, which only has to lie under an allowed directory
// once symlinks are followed.
func (p *Policy) CheckDir(path string) (string, error) {
	abs, err := p.Resolve(path)
	if err != nil {
		return "", err
	}
	if target, err := realPath(abs); err == nil && p.underRoots(target) {
		return target, nil
	}
	slog.Warn(fmt.Sprintf("%s - Access denied: %s", logPrefix, path))
	return "", taskerr.Newf(taskerr.CodeAccessDenied, stage, "access denied: %s", path)
}

// ReadFile reads an allowed file. A missing file is a NOT_FOUND error.
func (p *Policy) ReadFile(path string) ([]byte, error) {
	abs, err := p.Check(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, taskerr.Newf(taskerr.CodeNotFound, stage, "file not found: %s", path)
		}
		return nil, taskerr.Wrap(taskerr.CodeExecution, stage, fmt.Sprintf("failed to read %s", path), err)
	}
	return data, nil
}

// WriteFile writes an allowed file, creating parent directories.
func (p *Policy) WriteFile(path string, data []byte, perm fs.FileMode) error {
	abs, err := p.Check(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return taskerr.Wrap(taskerr.CodeExecution, stage, fmt.Sprintf("failed to create directory for %s", path), err)
	}
	if err := os.WriteFile(abs, data, perm); err != nil {
		return taskerr.Wrap(taskerr.CodeExecution, stage, fmt.Sprintf("failed to write %s", path), err)
	}
	slog.Debug(fmt.Sprintf("%s - Wrote %d bytes to %s", logPrefix, len(data), abs))
	return nil
}

var errDanglingLink = errors.New("dangling symlink")

// realPath follows every symlink in abs. Components that do not exist yet are resolved
// through their nearest existing ancestor and re-joined as is. A symlink whose target is
// missing is an error.
func realPath(abs string) (string, error) {
	path := abs
	var rest []string
	for {
		resolved, err := filepath.EvalSymlinks(path)
		if err == nil {
			for i := len(rest) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, rest[i])
			}
			return resolved, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		if _, lerr := os.Lstat(path); lerr == nil {
			return "", fmt.Errorf("%s: %w", path, errDanglingLink)
		}
		parent := filepath.Dir(path)
		if parent == path {
			return abs, nil
		}
		rest = append(rest, filepath.Base(path))
		path = parent
	}
}

// within reports whether path equals dir or lies below it.
func within(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
