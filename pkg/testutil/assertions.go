package testutil

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	json "github.com/goccy/go-json"
)

// AssertRows verifies a flattened row sequence.
func AssertRows(t *testing.T, got, want []string) {
	t.Helper()
	if !slices.Equal(got, want) {
		t.Errorf("rows mismatch:\ngot:  %v\nwant: %v", got, want)
	}
}

// AssertNoDuplicates verifies that no row appears twice.
func AssertNoDuplicates(t *testing.T, rows []string) {
	t.Helper()
	seen := make(map[string]bool)
	for _, r := range rows {
		if seen[r] {
			t.Errorf("row %q appears more than once", r)
		}
		seen[r] = true
	}
}

// AssertJSONEqual compares two values after JSON round-tripping.
func AssertJSONEqual(t *testing.T, expected, actual any) {
	t.Helper()

	expectedJSON, err := json.Marshal(expected)
	if err != nil {
		t.Fatalf("failed to marshal expected: %v", err)
	}
	actualJSON, err := json.Marshal(actual)
	if err != nil {
		t.Fatalf("failed to marshal actual: %v", err)
	}
	if string(expectedJSON) != string(actualJSON) {
		t.Errorf("JSON mismatch:\nexpected: %s\nactual:   %s", expectedJSON, actualJSON)
	}
}

// GoldenFile handles golden file comparisons.
type GoldenFile struct {
	t      *testing.T
	dir    string
	name   string
	update bool
}

// NewGoldenFile creates a golden file helper.
// If GENERATE_GOLDEN env var is set, golden files will be updated.
func NewGoldenFile(t *testing.T, dir, name string) *GoldenFile {
	t.Helper()
	return &GoldenFile{
		t:      t,
		dir:    dir,
		name:   name,
		update: os.Getenv("GENERATE_GOLDEN") != "",
	}
}

// Path returns the full path to the golden file.
func (g *GoldenFile) Path() string {
	return filepath.Join(g.dir, g.name)
}

// Assert compares actual content against the golden file.
// If GENERATE_GOLDEN is set, updates the golden file instead.
func (g *GoldenFile) Assert(actual string) {
	g.t.Helper()

	path := g.Path()
	if g.update {
		if err := os.MkdirAll(g.dir, 0755); err != nil {
			g.t.Fatalf("failed to create golden dir: %v", err)
		}
		if err := os.WriteFile(path, []byte(actual), 0644); err != nil {
			g.t.Fatalf("failed to write golden file: %v", err)
		}
		g.t.Logf("updated golden file: %s", path)
		return
	}

	expected, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			g.t.Fatalf("golden file does not exist: %s\nRun with GENERATE_GOLDEN=1 to create it", path)
		}
		g.t.Fatalf("failed to read golden file: %v", err)
	}

	if string(expected) != actual {
		expectedLines := strings.Split(string(expected), "\n")
		actualLines := strings.Split(actual, "\n")
		for i := 0; i < len(expectedLines) || i < len(actualLines); i++ {
			var expLine, actLine string
			if i < len(expectedLines) {
				expLine = expectedLines[i]
			}
			if i < len(actualLines) {
				actLine = actualLines[i]
			}
			if expLine != actLine {
				g.t.Errorf("golden file mismatch at line %d:\nexpected: %s\nactual:   %s", i+1, expLine, actLine)
				return
			}
		}
	}
}

// WriteDirTree materializes f under dir: inner nodes become directories,
// leaves become small files. It returns the path of the root directory.
func WriteDirTree(t *testing.T, dir string, f Fixture) string {
	t.Helper()

	root := filepath.Join(dir, f.Root)
	if err := os.MkdirAll(root, 0755); err != nil {
		t.Fatalf("failed to create root dir: %v", err)
	}
	var write func(path, node string)
	write = func(path, node string) {
		for _, c := range f.Children[node] {
			child := filepath.Join(path, c)
			if _, inner := f.Children[c]; inner {
				if err := os.Mkdir(child, 0755); err != nil {
					t.Fatalf("failed to create dir %s: %v", child, err)
				}
				write(child, c)
				continue
			}
			if err := os.WriteFile(child, []byte(c+"\n"), 0644); err != nil {
				t.Fatalf("failed to write file %s: %v", child, err)
			}
		}
	}
	write(root, f.Root)
	return root
}
