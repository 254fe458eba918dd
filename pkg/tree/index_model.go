package tree

import (
	"slices"

	"github.com/vanderheijden86/arbor/pkg/debug"
	"github.com/vanderheijden86/arbor/pkg/metrics"
)

// SpliceEvent describes one structural change applied by Splice.
type SpliceEvent[T any] struct {
	Location Location
	Inserted []*Node[T]
	Deleted  []*Node[T]
}

// CollapseStateChange describes a node whose collapsed flag flipped.
type CollapseStateChange[T any] struct {
	Node      *Node[T]
	Recursive bool
}

// SpliceOptions carries per-call hooks for SpliceWith. OnCreateNode runs for
// every node built from the inserted subtrees in pre-order, OnDeleteNode for
// every node of the deleted subtrees.
type SpliceOptions[T any] struct {
	OnCreateNode func(*Node[T])
	OnDeleteNode func(*Node[T])
}

type indexTreeOptions struct {
	autoExpandSingleChildren bool
}

// IndexTreeOption configures an IndexTreeModel.
type IndexTreeOption func(*indexTreeOptions)

// WithAutoExpandSingleChildren makes a non-recursive expand also expand a
// lone collapsed child, repeatedly, in the same backing splice.
func WithAutoExpandSingleChildren() IndexTreeOption {
	return func(o *indexTreeOptions) {
		o.autoExpandSingleChildren = true
	}
}

// IndexTreeModel keeps a linear list in sync with a mutable hierarchy. The
// list holds the nodes of every expanded path in pre-order and is changed
// only through its Splice method.
//
// IndexTreeModel is not safe for concurrent use.
type IndexTreeModel[T any] struct {
	list SpliceableList[*Node[T]]
	root *Node[T]
	opts indexTreeOptions

	// length tracks the backing list length for invariant checks.
	length int

	spliceListeners   []func(SpliceEvent[T])
	collapseListeners []func(CollapseStateChange[T])
}

// NewIndexTreeModel returns an empty model mirroring into list. rootElement
// is the data of the implicit root, which never appears in the list.
func NewIndexTreeModel[T any](list SpliceableList[*Node[T]], rootElement T, opts ...IndexTreeOption) *IndexTreeModel[T] {
	m := &IndexTreeModel[T]{
		list: list,
		root: &Node[T]{
			element:      rootElement,
			visible:      true,
			collapsible:  true,
			visibleCount: 1,
		},
	}
	for _, opt := range opts {
		opt(&m.opts)
	}
	return m
}

// Root returns the implicit root node.
func (m *IndexTreeModel[T]) Root() *Node[T] {
	return m.root
}

// Len returns the number of nodes in the backing list.
func (m *IndexTreeModel[T]) Len() int {
	return m.root.visibleCount - 1
}

// OnDidSplice registers fn to run after every Splice. The returned function
// unregisters it.
func (m *IndexTreeModel[T]) OnDidSplice(fn func(SpliceEvent[T])) func() {
	m.spliceListeners = append(m.spliceListeners, fn)
	i := len(m.spliceListeners) - 1
	return func() { m.spliceListeners[i] = nil }
}

// OnDidChangeCollapseState registers fn to run for every node whose
// collapsed state changes. The returned function unregisters it.
func (m *IndexTreeModel[T]) OnDidChangeCollapseState(fn func(CollapseStateChange[T])) func() {
	m.collapseListeners = append(m.collapseListeners, fn)
	i := len(m.collapseListeners) - 1
	return func() { m.collapseListeners[i] = nil }
}

// Splice removes deleteCount children starting at the last component of
// location and inserts toInsert in their place, under the parent addressed
// by the rest of location. It returns the deleted subtrees.
func (m *IndexTreeModel[T]) Splice(location Location, deleteCount int, toInsert []TreeElement[T]) ([]TreeElement[T], error) {
	return m.SpliceWith(location, deleteCount, toInsert, SpliceOptions[T]{})
}

// SpliceWith is Splice with per-call hooks.
func (m *IndexTreeModel[T]) SpliceWith(location Location, deleteCount int, toInsert []TreeElement[T], opts SpliceOptions[T]) ([]TreeElement[T], error) {
	if len(location) == 0 || deleteCount < 0 {
		return nil, &TreeError{Op: "splice", Location: location, Err: ErrInvalidLocation}
	}
	parent, parentIndex, err := m.lookup("splice", location[:len(location)-1])
	if err != nil {
		return nil, err
	}
	start := location[len(location)-1]
	if start < 0 || start > len(parent.children) {
		return nil, &TreeError{Op: "splice", Location: location, Err: ErrInvalidLocation}
	}
	defer metrics.Timer(metrics.TreeSplice)()

	deleteCount = min(deleteCount, len(parent.children)-start)
	revealed := parent.revealsChildren()

	listIndex := parentIndex + 1
	for _, sibling := range parent.children[:start] {
		listIndex += sibling.visibleCount
	}

	var rows []*Node[T]
	inserted := make([]*Node[T], len(toInsert))
	insertedCount := 0
	for i, el := range toInsert {
		inserted[i] = m.createNode(el, parent, revealed, &rows, opts.OnCreateNode)
		insertedCount += inserted[i].visibleCount
	}

	deleted := slices.Clone(parent.children[start : start+deleteCount])
	deletedCount := 0
	for _, n := range deleted {
		deletedCount += n.visibleCount
	}
	parent.children = slices.Replace(parent.children, start, start+deleteCount, inserted...)
	if len(parent.children) > 0 {
		parent.collapsible = true
	}

	if revealed {
		m.spliceList(listIndex, deletedCount, rows)
	}
	if !parent.collapsed {
		parent.visibleCount += insertedCount - deletedCount
		m.propagate(parent, insertedCount-deletedCount)
	}

	result := make([]TreeElement[T], len(deleted))
	for i, n := range deleted {
		result[i] = toElement(n)
		dfs(n, func(d *Node[T]) {
			d.visible = false
			if opts.OnDeleteNode != nil {
				opts.OnDeleteNode(d)
			}
		})
		n.parent = nil
	}

	debug.Log("tree: splice %v delete=%d insert=%d rows -%d +%d", location, deleteCount, len(toInsert), deletedCount, len(rows))
	m.checkLength()

	ev := SpliceEvent[T]{Location: slices.Clone(location), Inserted: inserted, Deleted: deleted}
	for _, fn := range m.spliceListeners {
		if fn != nil {
			fn(ev)
		}
	}
	return result, nil
}

func (m *IndexTreeModel[T]) createNode(el TreeElement[T], parent *Node[T], visible bool, rows *[]*Node[T], onCreate func(*Node[T])) *Node[T] {
	collapsible := el.Collapsible || len(el.Children) > 0
	n := &Node[T]{
		element:      el.Element,
		parent:       parent,
		depth:        parent.depth + 1,
		visible:      visible,
		collapsible:  collapsible,
		collapsed:    collapsible && el.Collapsed,
		visibleCount: 1,
	}
	if visible {
		*rows = append(*rows, n)
	}
	if onCreate != nil {
		onCreate(n)
	}

	childVisible := visible && !n.collapsed
	n.children = make([]*Node[T], 0, len(el.Children))
	for _, childEl := range el.Children {
		child := m.createNode(childEl, n, childVisible, rows, onCreate)
		n.children = append(n.children, child)
	}
	n.visibleCount = countOf(n)
	return n
}

// propagate adds delta to every ancestor of n, stopping at the first
// collapsed one. n's own count must already be updated.
func (m *IndexTreeModel[T]) propagate(n *Node[T], delta int) {
	if delta == 0 {
		return
	}
	for p := n.parent; p != nil; p = p.parent {
		if p.collapsed {
			return
		}
		p.visibleCount += delta
	}
}

func (m *IndexTreeModel[T]) spliceList(start, deleteCount int, rows []*Node[T]) {
	if deleteCount == 0 && len(rows) == 0 {
		return
	}
	m.list.Splice(start, deleteCount, rows)
	m.length += len(rows) - deleteCount
}

func (m *IndexTreeModel[T]) checkLength() {
	debug.Assert(m.length == m.root.visibleCount-1,
		"backing list length %d != root count %d - 1", m.length, m.root.visibleCount)
}

// lookup resolves location and returns the node with its backing list
// index. The index is -1 for the root and meaningless for hidden nodes.
func (m *IndexTreeModel[T]) lookup(op string, location Location) (*Node[T], int, error) {
	n := m.root
	index := -1
	for _, i := range location {
		if i < 0 || i >= len(n.children) {
			return nil, 0, &TreeError{Op: op, Location: location, Err: ErrInvalidLocation}
		}
		index++
		for _, sibling := range n.children[:i] {
			index += sibling.visibleCount
		}
		n = n.children[i]
	}
	return n, index, nil
}

// GetNode returns the node at location. The empty location is the root.
func (m *IndexTreeModel[T]) GetNode(location Location) (*Node[T], error) {
	n, _, err := m.lookup("get node", location)
	return n, err
}

// Has reports whether location addresses a node.
func (m *IndexTreeModel[T]) Has(location Location) bool {
	_, _, err := m.lookup("has", location)
	return err == nil
}

// GetNodeLocation returns the location of n, which must belong to m.
func (m *IndexTreeModel[T]) GetNodeLocation(n *Node[T]) Location {
	var loc Location
	for n.parent != nil {
		loc = append(loc, slices.Index(n.parent.children, n))
		n = n.parent
	}
	slices.Reverse(loc)
	return loc
}

// GetParentNodeLocation returns the location of the parent of the node at
// location. Top-level nodes have the root (empty location) as parent.
func (m *IndexTreeModel[T]) GetParentNodeLocation(location Location) (Location, error) {
	if len(location) == 0 {
		return nil, &TreeError{Op: "get parent", Location: location, Err: ErrInvalidLocation}
	}
	if _, _, err := m.lookup("get parent", location); err != nil {
		return nil, err
	}
	return slices.Clone(location[:len(location)-1]), nil
}

// GetListIndex returns the backing list index of the node at location, or
// -1 when the node is hidden under a collapsed ancestor.
func (m *IndexTreeModel[T]) GetListIndex(location Location) (int, error) {
	n, index, err := m.lookup("get list index", location)
	if err != nil {
		return 0, err
	}
	if n == m.root || !n.visible {
		return -1, nil
	}
	return index, nil
}

// GetListRenderCount returns the number of rows the node at location
// occupies, itself included.
func (m *IndexTreeModel[T]) GetListRenderCount(location Location) (int, error) {
	n, _, err := m.lookup("get render count", location)
	if err != nil {
		return 0, err
	}
	return n.visibleCount, nil
}

// GetFirstElementChild returns the element of the first child of the node
// at location. ok is false for leaves.
func (m *IndexTreeModel[T]) GetFirstElementChild(location Location) (el T, ok bool, err error) {
	n, _, err := m.lookup("get first child", location)
	if err != nil || len(n.children) == 0 {
		return el, false, err
	}
	return n.children[0].element, true, nil
}

// GetLastElementAncestor returns the element of the last row rendered under
// the node at location, following the last child of every expanded node.
// ok is false when the node renders no descendants.
func (m *IndexTreeModel[T]) GetLastElementAncestor(location Location) (el T, ok bool, err error) {
	n, _, err := m.lookup("get last ancestor", location)
	if err != nil || len(n.children) == 0 || n.collapsed {
		return el, false, err
	}
	for len(n.children) > 0 && !n.collapsed {
		n = n.children[len(n.children)-1]
	}
	return n.element, true, nil
}

// IsCollapsed reports whether the node at location is collapsed.
func (m *IndexTreeModel[T]) IsCollapsed(location Location) (bool, error) {
	n, _, err := m.lookup("is collapsed", location)
	if err != nil {
		return false, err
	}
	return n.collapsed, nil
}

// IsCollapsible reports whether the node at location is collapsible.
func (m *IndexTreeModel[T]) IsCollapsible(location Location) (bool, error) {
	n, _, err := m.lookup("is collapsible", location)
	if err != nil {
		return false, err
	}
	return n.collapsible, nil
}

// SetCollapsible changes whether the node at location can be collapsed. A
// collapsed node made non-collapsible is expanded first.
func (m *IndexTreeModel[T]) SetCollapsible(location Location, collapsible bool) (bool, error) {
	n, index, err := m.lookup("set collapsible", location)
	if err != nil {
		return false, err
	}
	if len(location) == 0 || n.collapsible == collapsible {
		return false, nil
	}
	if !collapsible && n.collapsed {
		m.setCollapsed(n, index, false, false)
	}
	n.collapsible = collapsible
	if n.visible {
		m.list.Splice(index, 1, []*Node[T]{n})
	}
	return true, nil
}

// SetCollapsed collapses or expands the node at location, and every
// collapsible descendant when recursive is set. The backing list changes
// with a single splice. It reports whether any node changed.
func (m *IndexTreeModel[T]) SetCollapsed(location Location, collapsed, recursive bool) (bool, error) {
	n, index, err := m.lookup("set collapsed", location)
	if err != nil {
		return false, err
	}
	if len(location) == 0 {
		return false, &TreeError{Op: "set collapsed", Location: location, Err: ErrInvalidLocation}
	}
	return m.setCollapsed(n, index, collapsed, recursive), nil
}

// ToggleCollapsed flips the collapsed state of the node at location.
func (m *IndexTreeModel[T]) ToggleCollapsed(location Location, recursive bool) (bool, error) {
	collapsed, err := m.IsCollapsed(location)
	if err != nil {
		return false, err
	}
	return m.SetCollapsed(location, !collapsed, recursive)
}

func (m *IndexTreeModel[T]) setCollapsed(n *Node[T], index int, collapsed, recursive bool) bool {
	prev := n.visibleCount
	var changed []*Node[T]
	m.applyCollapsed(n, collapsed, recursive, &changed)
	if !collapsed && !recursive && m.opts.autoExpandSingleChildren {
		for c := n; len(c.children) == 1 && c.children[0].collapsed; {
			c = c.children[0]
			c.collapsed = false
			changed = append(changed, c)
			for p := c; p != n.parent; p = p.parent {
				p.visibleCount = countOf(p)
			}
		}
	}
	if len(changed) == 0 {
		return false
	}
	setVisibility(n)

	if n.visible {
		m.spliceList(index+1, prev-1, revealedDescendants(n))
	}
	m.propagate(n, n.visibleCount-prev)
	m.checkLength()

	debug.Log("tree: set collapsed=%v recursive=%v on %v, %d nodes changed, rows %d -> %d", collapsed, recursive, n, len(changed), prev, n.visibleCount)
	for _, c := range changed {
		for _, fn := range m.collapseListeners {
			if fn != nil {
				fn(CollapseStateChange[T]{Node: c, Recursive: recursive})
			}
		}
	}
	return true
}

// applyCollapsed updates flags and counts bottom-up without touching the
// list.
func (m *IndexTreeModel[T]) applyCollapsed(n *Node[T], collapsed, recursive bool, changed *[]*Node[T]) {
	if recursive {
		for _, child := range n.children {
			m.applyCollapsed(child, collapsed, recursive, changed)
		}
	}
	if n.collapsible && n.collapsed != collapsed {
		n.collapsed = collapsed
		*changed = append(*changed, n)
	}
	n.visibleCount = countOf(n)
}

// ExpandTo expands every collapsed ancestor of the node at location so the
// node becomes visible. It reports whether anything changed.
func (m *IndexTreeModel[T]) ExpandTo(location Location) (bool, error) {
	target, _, err := m.lookup("expand to", location)
	if err != nil {
		return false, err
	}

	var top *Node[T]
	prev := 0
	var changed []*Node[T]
	for p := target.parent; p != nil && p != m.root; p = p.parent {
		if p.collapsed {
			top, prev = p, p.visibleCount
			p.collapsed = false
			changed = append(changed, p)
		}
	}
	if top == nil {
		return false, nil
	}
	for p := target.parent; p != top.parent; p = p.parent {
		p.visibleCount = countOf(p)
	}
	setVisibility(top)

	if top.visible {
		_, index, _ := m.lookup("expand to", m.GetNodeLocation(top))
		m.spliceList(index+1, prev-1, revealedDescendants(top))
	}
	m.propagate(top, top.visibleCount-prev)
	m.checkLength()

	for _, c := range changed {
		for _, fn := range m.collapseListeners {
			if fn != nil {
				fn(CollapseStateChange[T]{Node: c})
			}
		}
	}
	return true, nil
}

// Rerender splices the node at location onto itself so the backing list
// renders it again.
func (m *IndexTreeModel[T]) Rerender(location Location) error {
	n, index, err := m.lookup("rerender", location)
	if err != nil {
		return err
	}
	if n != m.root && n.visible {
		m.list.Splice(index, 1, []*Node[T]{n})
	}
	return nil
}

func countOf[T any](n *Node[T]) int {
	if n.collapsed {
		return 1
	}
	count := 1
	for _, child := range n.children {
		count += child.visibleCount
	}
	return count
}

// setVisibility recomputes the visible flag of every descendant of n.
func setVisibility[T any](n *Node[T]) {
	reveal := n.revealsChildren()
	for _, child := range n.children {
		if child.visible == reveal && !reveal {
			continue
		}
		child.visible = reveal
		setVisibility(child)
	}
}

// revealedDescendants returns the rows rendered under n in pre-order.
func revealedDescendants[T any](n *Node[T]) []*Node[T] {
	if n.collapsed {
		return nil
	}
	rows := make([]*Node[T], 0, n.visibleCount-1)
	var walk func(*Node[T])
	walk = func(p *Node[T]) {
		for _, child := range p.children {
			rows = append(rows, child)
			if !child.collapsed {
				walk(child)
			}
		}
	}
	walk(n)
	return rows
}
