// Package datasource provides the children providers arbor trees are loaded
// from: a directory hierarchy on disk and a hierarchy table in a SQLite
// database.
package datasource

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/vanderheijden86/arbor/pkg/tree"
)

// SourceType identifies the type of data source
type SourceType string

const (
	// SourceTypeDir is a directory tree on disk
	SourceTypeDir SourceType = "dir"
	// SourceTypeSQLite is a SQLite database holding a nodes table
	SourceTypeSQLite SourceType = "sqlite"
)

var (
	// ErrUnknownSource indicates a path that is neither a directory nor a
	// SQLite database.
	ErrUnknownSource = errors.New("unknown data source")

	// ErrNotDirectory indicates a directory source rooted at a file.
	ErrNotDirectory = errors.New("not a directory")
)

// Source is a children provider over string ids, with the metadata a tree
// view needs to render them.
type Source interface {
	tree.DataSource[string]
	tree.CollapsePolicy[string]

	// Type identifies the source type
	Type() SourceType
	// Root returns the id of the root element
	Root() string
	// Label returns the display name of id
	Label(id string) string
	// Close releases resources held by the source
	Close() error
}

var sqliteMagic = []byte("SQLite format 3\x00")

// Detect reports the type of the source at path.
func Detect(path string) (SourceType, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("cannot stat source: %w", err)
	}
	if info.IsDir() {
		return SourceTypeDir, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("cannot open source: %w", err)
	}
	defer f.Close()

	header := make([]byte, len(sqliteMagic))
	if _, err := io.ReadFull(f, header); err != nil {
		return "", fmt.Errorf("%s: %w", path, ErrUnknownSource)
	}
	if !bytes.Equal(header, sqliteMagic) {
		return "", fmt.Errorf("%s: %w", path, ErrUnknownSource)
	}
	return SourceTypeSQLite, nil
}

// Open detects the source at path and opens it. opts applies to directory
// sources only.
func Open(path string, opts DirOptions) (Source, error) {
	typ, err := Detect(path)
	if err != nil {
		return nil, err
	}
	switch typ {
	case SourceTypeDir:
		return NewDirSource(path, opts)
	case SourceTypeSQLite:
		return OpenSQLite(path)
	default:
		return nil, fmt.Errorf("%s: %w", typ, ErrUnknownSource)
	}
}
