// Package tree flattens a mutable hierarchy into the linear order a list
// renders, and refreshes subtrees of it from an asynchronous data source.
//
// IndexTreeModel owns the hierarchy and mirrors every structural change into
// a SpliceableList with exactly one Splice per operation. AsyncTreeModel
// layers lazy loading on top, coordinating overlapping refreshes so that no
// two of them mutate intersecting subtrees at once.
//
// Row counts follow one convention throughout: a node's VisibleCount is 1
// when it is collapsed and 1 plus the sum of its children's counts when it
// is expanded. The implicit root counts itself too, so the backing list
// always holds Root().VisibleCount()-1 entries.
package tree

import (
	"fmt"
	"slices"
)

// Location addresses a node by the child index at each level, starting
// below the implicit root. The empty location is the root.
type Location []int

func (l Location) String() string {
	return fmt.Sprint([]int(l))
}

// TreeElement is the input form of a subtree passed to Splice.
type TreeElement[T any] struct {
	Element  T
	Children []TreeElement[T]
	// Collapsible marks a node that can be expanded even without children
	// yet. Nodes with children are always collapsible.
	Collapsible bool
	Collapsed   bool
}

// Node is one node of an IndexTreeModel. Its fields are maintained by the
// model; callers read them through the accessors.
type Node[T any] struct {
	element  T
	parent   *Node[T] // non-owning; nil for the root
	children []*Node[T]

	depth        int
	visible      bool
	collapsible  bool
	collapsed    bool
	visibleCount int
}

// Element returns the client data of the node.
func (n *Node[T]) Element() T { return n.element }

// Parent returns the parent node, or nil for the root.
func (n *Node[T]) Parent() *Node[T] { return n.parent }

// Children returns a copy of the node's children.
func (n *Node[T]) Children() []*Node[T] { return slices.Clone(n.children) }

// ChildCount returns the number of children.
func (n *Node[T]) ChildCount() int { return len(n.children) }

// Depth returns the node depth; top-level nodes have depth 1.
func (n *Node[T]) Depth() int { return n.depth }

// Visible reports whether every ancestor is expanded, i.e. the node is in
// the backing list.
func (n *Node[T]) Visible() bool { return n.visible }

// Collapsible reports whether the node can be collapsed.
func (n *Node[T]) Collapsible() bool { return n.collapsible }

// Collapsed reports whether the node is collapsed.
func (n *Node[T]) Collapsed() bool { return n.collapsed }

// VisibleCount returns the number of rows the node occupies when rendered:
// 1 when collapsed, otherwise 1 plus its children's counts.
func (n *Node[T]) VisibleCount() int { return n.visibleCount }

func (n *Node[T]) String() string {
	return fmt.Sprintf("%v(depth=%d collapsed=%v count=%d)", n.element, n.depth, n.collapsed, n.visibleCount)
}

// revealsChildren reports whether the node's children are in the list.
func (n *Node[T]) revealsChildren() bool {
	return n.visible && !n.collapsed
}

// dfs visits n and its descendants in pre-order.
func dfs[T any](n *Node[T], fn func(*Node[T])) {
	fn(n)
	for _, child := range n.children {
		dfs(child, fn)
	}
}

// toElement converts a subtree back into its input form.
func toElement[T any](n *Node[T]) TreeElement[T] {
	el := TreeElement[T]{
		Element:     n.element,
		Collapsible: n.collapsible,
		Collapsed:   n.collapsed,
	}
	if len(n.children) > 0 {
		el.Children = make([]TreeElement[T], len(n.children))
		for i, child := range n.children {
			el.Children[i] = toElement(child)
		}
	}
	return el
}
