package tree

import (
	"context"
	"fmt"
	"sync/atomic"
)

// DataSource supplies the children of elements of an AsyncTreeModel.
// GetChildren may block; it is always called without the model's lock held.
type DataSource[T any] interface {
	HasChildren(element T) bool
	GetChildren(ctx context.Context, element T) ([]T, error)
}

// CollapsePolicy is implemented by data sources that decide per element
// whether a freshly loaded node starts collapsed.
type CollapsePolicy[T any] interface {
	CollapseByDefault(element T) bool
}

// AsyncNode wraps one element of an AsyncTreeModel. A wrapper lives as long
// as its element stays in the tree.
type AsyncNode[T comparable] struct {
	id      uint64
	element atomic.Pointer[T]

	hasChildren atomic.Bool
	stale       atomic.Bool
	slow        atomic.Bool

	// Guarded by the owning model's mutex.
	node     *Node[*AsyncNode[T]]
	fetching bool
}

func newAsyncNode[T comparable](id uint64, element T) *AsyncNode[T] {
	an := &AsyncNode[T]{id: id}
	an.element.Store(&element)
	return an
}

// Element returns the client data.
func (n *AsyncNode[T]) Element() T {
	return *n.element.Load()
}

// HasChildren reports the provider's answer from the last refresh.
func (n *AsyncNode[T]) HasChildren() bool {
	return n.hasChildren.Load()
}

// Stale reports whether the children have not been loaded since the node
// was inserted, or the last load failed.
func (n *AsyncNode[T]) Stale() bool {
	return n.stale.Load()
}

// Slow reports whether a children fetch for the node is in flight and has
// exceeded the model's slow threshold.
func (n *AsyncNode[T]) Slow() bool {
	return n.slow.Load()
}

func (n *AsyncNode[T]) String() string {
	return fmt.Sprint(n.Element())
}

// refreshTask marks a node with a refresh in flight. done is closed when
// the refresh settles.
type refreshTask struct {
	done chan struct{}
}

func newRefreshTask() *refreshTask {
	return &refreshTask{done: make(chan struct{})}
}

// childInfo is what a refresh learns about one fetched child before taking
// the model lock.
type childInfo[T comparable] struct {
	element     T
	hasChildren bool
	collapsed   bool
}
