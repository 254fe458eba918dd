package datasource

import (
	"cmp"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/vanderheijden86/arbor/pkg/debug"
)

// DirOptions configures a directory source.
type DirOptions struct {
	// ShowHidden includes dot files and directories
	ShowHidden bool
	// DirsFirst lists directories before files
	DirsFirst bool
	// CollapseByDefault makes loaded directories start collapsed
	CollapseByDefault bool
}

// DirSource serves a directory tree. Elements are absolute paths.
type DirSource struct {
	root string
	opts DirOptions
}

var _ Source = (*DirSource)(nil)

// NewDirSource returns a source rooted at the directory root.
func NewDirSource(root string, opts DirOptions) (*DirSource, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve %s: %w", root, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("cannot stat %s: %w", abs, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s: %w", abs, ErrNotDirectory)
	}
	return &DirSource{root: abs, opts: opts}, nil
}

// Type returns SourceTypeDir.
func (s *DirSource) Type() SourceType { return SourceTypeDir }

// Root returns the absolute root path.
func (s *DirSource) Root() string { return s.root }

// Label returns the base name of path.
func (s *DirSource) Label(path string) string { return filepath.Base(path) }

// Close is a no-op.
func (s *DirSource) Close() error { return nil }

// HasChildren reports whether path is a directory.
func (s *DirSource) HasChildren(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// CollapseByDefault reports the configured policy for every directory.
func (s *DirSource) CollapseByDefault(string) bool {
	return s.opts.CollapseByDefault
}

// GetChildren lists path, sorted by name with directories first if
// configured.
func (s *DirSource) GetChildren(ctx context.Context, path string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read directory: %w", err)
	}

	type child struct {
		path string
		dir  bool
	}
	children := make([]child, 0, len(entries))
	for _, e := range entries {
		if !s.opts.ShowHidden && strings.HasPrefix(e.Name(), ".") {
			continue
		}
		full := filepath.Join(path, e.Name())
		dir := e.IsDir()
		if e.Type()&os.ModeSymlink != 0 {
			dir = s.HasChildren(full)
		}
		children = append(children, child{path: full, dir: dir})
	}
	if s.opts.DirsFirst {
		slices.SortStableFunc(children, func(a, b child) int {
			switch {
			case a.dir == b.dir:
				return cmp.Compare(filepath.Base(a.path), filepath.Base(b.path))
			case a.dir:
				return -1
			default:
				return 1
			}
		})
	}

	out := make([]string, len(children))
	for i, c := range children {
		out[i] = c.path
	}
	debug.Log("datasource: %s has %d children (%d entries)", path, len(out), len(entries))
	return out, nil
}
