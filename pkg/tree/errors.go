package tree

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidLocation indicates a location that does not address a node
	// (or, for Splice, a valid insertion point).
	ErrInvalidLocation = errors.New("invalid tree location")

	// ErrNodeNotFound indicates an element that was never inserted into an
	// async tree or has been superseded by a refresh.
	ErrNodeNotFound = errors.New("tree node not found")

	// ErrNoInput is returned by async operations before SetInput.
	ErrNoInput = errors.New("async tree has no input")
)

// TreeError reports a programmer error against a tree model, such as an
// out-of-range location. The model is left untouched when one is returned.
type TreeError struct {
	Op       string
	Location Location
	Err      error
}

func (e *TreeError) Error() string {
	return fmt.Sprintf("tree %s %v: %v", e.Op, e.Location, e.Err)
}

func (e *TreeError) Unwrap() error {
	return e.Err
}

// ProviderError wraps a failure returned by a DataSource while fetching the
// children of Element.
type ProviderError struct {
	Element any
	Err     error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("fetching children of %v: %v", e.Element, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}
