package tree

import "slices"

// SpliceableList is the backing store a tree model mirrors its flattened
// order into. It is the only mutation contract the model needs from
// whatever owns the rendered rows.
type SpliceableList[E any] interface {
	Splice(start, deleteCount int, elements []E)
}

// SliceList is a SpliceableList over a plain slice.
type SliceList[E any] struct {
	Items []E
}

// Splice replaces deleteCount items at start with elements.
func (l *SliceList[E]) Splice(start, deleteCount int, elements []E) {
	l.Items = slices.Replace(l.Items, start, start+deleteCount, elements...)
}

// Len returns the number of items.
func (l *SliceList[E]) Len() int {
	return len(l.Items)
}
