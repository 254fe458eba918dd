package ui

import (
	"crypto/sha256"
	"encoding/hex"
	"log"
	"os"
	"path/filepath"

	json "github.com/goccy/go-json"
)

// ViewState is the persisted state of one explorer session, saved per
// source under the XDG state directory.
//
// File format (JSON):
//
//	{
//	  "version": 1,
//	  "source": "/home/me/src",
//	  "expanded": {
//	    "/home/me/src/pkg": true,   // expanded against the source default
//	    "/home/me/src/docs": false  // collapsed against the source default
//	  },
//	  "cursor": "/home/me/src/pkg/tree"
//	}
//
// Only nodes whose state differs from the source's default are stored.
// Unknown elements are ignored on load; a corrupted file means defaults.
type ViewState struct {
	Version  int             `json:"version"`
	Source   string          `json:"source"`
	Expanded map[string]bool `json:"expanded"`
	Cursor   string          `json:"cursor,omitempty"`
}

// ViewStateVersion is the current schema version.
const ViewStateVersion = 1

// NewViewState returns an empty state for source.
func NewViewState(source string) *ViewState {
	return &ViewState{
		Version:  ViewStateVersion,
		Source:   source,
		Expanded: make(map[string]bool),
	}
}

// ViewStatePath returns the state file for source inside stateDir, or ""
// when stateDir is empty.
func ViewStatePath(stateDir, source string) string {
	if stateDir == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(source))
	return filepath.Join(stateDir, "views", hex.EncodeToString(sum[:8])+".json")
}

// LoadViewState reads the state at path. Missing, corrupted or foreign
// files yield nil.
func LoadViewState(path, source string) *ViewState {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var state ViewState
	if err := json.Unmarshal(data, &state); err != nil {
		log.Printf("warning: invalid view state file, using defaults: %v", err)
		return nil
	}
	if state.Version != ViewStateVersion || state.Source != source {
		return nil
	}
	if state.Expanded == nil {
		state.Expanded = make(map[string]bool)
	}
	return &state
}

// SaveViewState writes state to path. Errors are logged, not returned, so
// quitting never fails on them.
func SaveViewState(path string, state *ViewState) {
	if path == "" || state == nil {
		return
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		log.Printf("warning: failed to marshal view state: %v", err)
		return
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Printf("warning: failed to create state directory %s: %v", dir, err)
		return
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		log.Printf("warning: failed to write view state to %s: %v", path, err)
	}
}
