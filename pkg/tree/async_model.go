package tree

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/vanderheijden86/arbor/pkg/debug"
	"github.com/vanderheijden86/arbor/pkg/metrics"
)

// AsyncOption configures an AsyncTreeModel.
type AsyncOption[T comparable] func(*AsyncTreeModel[T])

// WithIdentity keys wrappers by fn(element) across refreshes. A refreshed
// child with the identity of a previous child keeps its wrapper, its
// collapse state and its loaded subtree.
func WithIdentity[T comparable](fn func(T) string) AsyncOption[T] {
	return func(m *AsyncTreeModel[T]) {
		m.identity = fn
	}
}

// WithSlowThreshold marks a node slow when fetching its children takes
// longer than d. Zero disables slow tracking.
func WithSlowThreshold[T comparable](d time.Duration) AsyncOption[T] {
	return func(m *AsyncTreeModel[T]) {
		m.slowThreshold = d
	}
}

// WithOnSlowChange registers fn to run whenever a node's Slow state flips.
// fn runs without the model lock held.
func WithOnSlowChange[T comparable](fn func(*AsyncNode[T])) AsyncOption[T] {
	return func(m *AsyncTreeModel[T]) {
		m.onSlowChange = fn
	}
}

// WithCollapseByDefault sets whether loaded children with children of their
// own start collapsed when the data source has no CollapsePolicy. The
// default is true.
func WithCollapseByDefault[T comparable](collapsed bool) AsyncOption[T] {
	return func(m *AsyncTreeModel[T]) {
		m.collapseByDefault = collapsed
	}
}

// WithTreeOptions passes options to the underlying IndexTreeModel.
func WithTreeOptions[T comparable](opts ...IndexTreeOption) AsyncOption[T] {
	return func(m *AsyncTreeModel[T]) {
		m.treeOpts = append(m.treeOpts, opts...)
	}
}

// AsyncTreeModel loads a tree lazily from a DataSource into an
// IndexTreeModel.
//
// Refreshes of a node, its ancestors and its descendants are serialized: a
// refresh that overlaps one in flight waits for it to settle and retries.
// Refreshes of disjoint subtrees run concurrently. Data source calls are
// made without the lock held; every structural change happens under it, so
// each node's diff-and-splice step is atomic.
//
// Elements must be unique within one tree.
type AsyncTreeModel[T comparable] struct {
	source DataSource[T]

	identity          func(T) string
	slowThreshold     time.Duration
	onSlowChange      func(*AsyncNode[T])
	collapseByDefault bool
	treeOpts          []IndexTreeOption

	fetches singleflight.Group
	nextID  atomic.Uint64

	mu         sync.Mutex
	tree       *IndexTreeModel[*AsyncNode[T]]
	root       *AsyncNode[T]
	hasInput   bool
	nodes      map[T]*AsyncNode[T]
	refreshing map[*AsyncNode[T]]*refreshTask
}

// NewAsyncTreeModel returns a model without input that mirrors into list.
func NewAsyncTreeModel[T comparable](list SpliceableList[*Node[*AsyncNode[T]]], source DataSource[T], opts ...AsyncOption[T]) *AsyncTreeModel[T] {
	m := &AsyncTreeModel[T]{
		source:            source,
		collapseByDefault: true,
		nodes:             make(map[T]*AsyncNode[T]),
		refreshing:        make(map[*AsyncNode[T]]*refreshTask),
	}
	for _, opt := range opts {
		opt(m)
	}
	var zero T
	m.root = newAsyncNode(m.nextID.Add(1), zero)
	m.tree = NewIndexTreeModel(list, m.root, m.treeOpts...)
	m.root.node = m.tree.Root()
	return m
}

type refreshRequest[T comparable] struct {
	element T
	root    bool
	input   *T
	expand  bool
}

// SetInput replaces the root element and loads its children.
func (m *AsyncTreeModel[T]) SetInput(ctx context.Context, input T) error {
	return m.refresh(ctx, refreshRequest[T]{root: true, input: &input})
}

// RefreshRoot reloads the whole tree from the current input.
func (m *AsyncTreeModel[T]) RefreshRoot(ctx context.Context) error {
	return m.refresh(ctx, refreshRequest[T]{root: true})
}

// RefreshNode reloads the children of element and, recursively, of every
// child that comes back expanded. It blocks until the whole subtree has
// settled and returns the first provider failure as a *ProviderError.
func (m *AsyncTreeModel[T]) RefreshNode(ctx context.Context, element T) error {
	return m.refresh(ctx, refreshRequest[T]{element: element})
}

func (m *AsyncTreeModel[T]) refresh(ctx context.Context, req refreshRequest[T]) error {
	an, err := m.acquire(ctx, req)
	if err != nil {
		return err
	}
	defer m.release(an)
	defer metrics.Timer(metrics.RefreshNode)()

	start := time.Now()
	err = m.refreshChildren(ctx, an, req.expand)
	debug.LogTiming(fmt.Sprintf("async: refresh %v", an), time.Since(start))
	return err
}

// acquire waits until no overlapping refresh is in flight, then registers
// one for the requested node. The node is looked up again after every wait
// since the refresh that settled may have replaced it.
func (m *AsyncTreeModel[T]) acquire(ctx context.Context, req refreshRequest[T]) (*AsyncNode[T], error) {
	for {
		m.mu.Lock()
		an, err := m.resolve(req)
		if err != nil {
			m.mu.Unlock()
			return nil, err
		}
		task := m.conflict(an)
		if task == nil {
			m.refreshing[an] = newRefreshTask()
			if req.input != nil {
				an.element.Store(req.input)
				m.hasInput = true
			}
			m.mu.Unlock()
			return an, nil
		}
		m.mu.Unlock()

		debug.Log("async: refresh %v waiting for overlapping refresh", an)
		select {
		case <-task.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (m *AsyncTreeModel[T]) release(an *AsyncNode[T]) {
	m.mu.Lock()
	task := m.refreshing[an]
	delete(m.refreshing, an)
	m.mu.Unlock()
	if task != nil {
		close(task.done)
	}
}

func (m *AsyncTreeModel[T]) resolve(req refreshRequest[T]) (*AsyncNode[T], error) {
	if req.root {
		if !m.hasInput && req.input == nil {
			return nil, ErrNoInput
		}
		return m.root, nil
	}
	return m.lookup(req.element)
}

func (m *AsyncTreeModel[T]) lookup(element T) (*AsyncNode[T], error) {
	if an, ok := m.nodes[element]; ok {
		return an, nil
	}
	if m.hasInput && m.root.Element() == element {
		return m.root, nil
	}
	return nil, fmt.Errorf("%v: %w", element, ErrNodeNotFound)
}

// conflict returns the task of an in-flight refresh on an, an ancestor of
// an or a descendant of an.
func (m *AsyncTreeModel[T]) conflict(an *AsyncNode[T]) *refreshTask {
	for other, task := range m.refreshing {
		if other == an || isAncestor(other, an) || isAncestor(an, other) {
			return task
		}
	}
	return nil
}

func isAncestor[T comparable](a, b *AsyncNode[T]) bool {
	for n := b.node.parent; n != nil; n = n.parent {
		if n == a.node {
			return true
		}
	}
	return false
}

// refreshChildren runs one node's refresh and then those of its expanded
// children, which are already registered by applyChildren.
func (m *AsyncTreeModel[T]) refreshChildren(ctx context.Context, an *AsyncNode[T], expand bool) error {
	infos, err := m.loadChildren(ctx, an)
	if err != nil {
		an.stale.Store(true)
		debug.Log("async: loading children of %v failed: %v", an, err)
		return &ProviderError{Element: an.Element(), Err: err}
	}

	m.mu.Lock()
	toRefresh, err := m.applyChildren(an, infos, expand)
	m.mu.Unlock()
	if err != nil {
		return err
	}

	var g errgroup.Group
	for _, child := range toRefresh {
		g.Go(func() error {
			defer m.release(child)
			return m.refreshChildren(ctx, child, false)
		})
	}
	return g.Wait()
}

// loadChildren queries the data source for an's children and what is
// known about each of them. It must be called without the lock held.
func (m *AsyncTreeModel[T]) loadChildren(ctx context.Context, an *AsyncNode[T]) ([]childInfo[T], error) {
	element := an.Element()
	if !m.source.HasChildren(element) {
		an.hasChildren.Store(false)
		return nil, nil
	}
	an.hasChildren.Store(true)

	children, err := m.fetchChildren(ctx, an)
	if err != nil {
		return nil, err
	}

	policy, _ := m.source.(CollapsePolicy[T])
	infos := make([]childInfo[T], len(children))
	for i, child := range children {
		hasChildren := m.source.HasChildren(child)
		collapsed := m.collapseByDefault
		if policy != nil {
			collapsed = policy.CollapseByDefault(child)
		}
		infos[i] = childInfo[T]{element: child, hasChildren: hasChildren, collapsed: hasChildren && collapsed}
	}
	return infos, nil
}

// fetchChildren calls GetChildren for an, sharing the call with any other
// fetch for the same node that is still outstanding.
func (m *AsyncTreeModel[T]) fetchChildren(ctx context.Context, an *AsyncNode[T]) ([]T, error) {
	m.mu.Lock()
	an.fetching = true
	m.mu.Unlock()

	var timer *time.Timer
	if m.slowThreshold > 0 {
		timer = time.AfterFunc(m.slowThreshold, func() { m.markSlow(an) })
	}
	defer func() {
		if timer != nil {
			timer.Stop()
		}
		m.settleFetch(an)
	}()

	// The conflict rule already keeps two refreshes of one node apart, so a
	// shared fetch only happens if a caller bypasses it.
	v, err, shared := m.fetches.Do(strconv.FormatUint(an.id, 10), func() (any, error) {
		defer metrics.Timer(metrics.FetchChildren)()
		return m.source.GetChildren(ctx, an.Element())
	})
	if shared {
		metrics.FetchCoalesced.Inc()
		debug.Log("async: shared children fetch for %v", an)
	}
	if err != nil {
		return nil, err
	}
	return v.([]T), nil
}

func (m *AsyncTreeModel[T]) markSlow(an *AsyncNode[T]) {
	m.mu.Lock()
	if !an.fetching {
		m.mu.Unlock()
		return
	}
	an.slow.Store(true)
	m.mu.Unlock()

	debug.Log("async: fetch for %v is slow", an)
	if m.onSlowChange != nil {
		m.onSlowChange(an)
	}
}

func (m *AsyncTreeModel[T]) settleFetch(an *AsyncNode[T]) {
	m.mu.Lock()
	an.fetching = false
	wasSlow := an.slow.Swap(false)
	m.mu.Unlock()

	if wasSlow && m.onSlowChange != nil {
		m.onSlowChange(an)
	}
}

// applyChildren installs infos as the children of an with one tree splice
// and registers a refresh for every child that must load its own children
// right away. The caller holds the lock.
func (m *AsyncTreeModel[T]) applyChildren(an *AsyncNode[T], infos []childInfo[T], expand bool) ([]*AsyncNode[T], error) {
	node := an.node
	if node == nil {
		return nil, fmt.Errorf("%v: %w", an, ErrNodeNotFound)
	}
	loc := m.tree.GetNodeLocation(node)

	if expand && node != m.tree.Root() && node.collapsed {
		if _, err := m.tree.SetCollapsed(loc, false, false); err != nil {
			return nil, err
		}
	}

	previous := make(map[string]*AsyncNode[T])
	if m.identity != nil {
		for _, child := range node.children {
			previous[m.identity(child.element.Element())] = child.element
		}
	}

	type update struct {
		node    *AsyncNode[T]
		element T
	}
	var (
		elems     = make([]TreeElement[*AsyncNode[T]], 0, len(infos))
		updates   []update
		toRefresh []*AsyncNode[T]
	)
	for _, info := range infos {
		var child *AsyncNode[T]
		var prev *Node[*AsyncNode[T]]
		if m.identity != nil {
			key := m.identity(info.element)
			if reused, ok := previous[key]; ok {
				child, prev = reused, reused.node
				delete(previous, key)
				updates = append(updates, update{node: reused, element: info.element})
			}
		}
		if child == nil {
			child = newAsyncNode(m.nextID.Add(1), info.element)
		}
		child.hasChildren.Store(info.hasChildren)

		el := TreeElement[*AsyncNode[T]]{
			Element:     child,
			Collapsible: info.hasChildren,
			Collapsed:   info.collapsed,
		}
		if prev != nil && info.hasChildren {
			el.Collapsed = prev.collapsed
			for _, grandchild := range prev.children {
				el.Children = append(el.Children, toElement(grandchild))
			}
		}

		switch {
		case !info.hasChildren:
			child.stale.Store(false)
		case el.Collapsed:
			if prev == nil {
				child.stale.Store(true)
			}
		default:
			toRefresh = append(toRefresh, child)
		}
		elems = append(elems, el)
	}

	for _, child := range node.children {
		dfs(child, func(n *Node[*AsyncNode[T]]) {
			delete(m.nodes, n.element.Element())
			n.element.node = nil
		})
	}
	for _, u := range updates {
		u.node.element.Store(&u.element)
	}

	childLoc := append(slices.Clone(loc), 0)
	_, err := m.tree.SpliceWith(childLoc, len(node.children), elems, SpliceOptions[*AsyncNode[T]]{
		OnCreateNode: func(n *Node[*AsyncNode[T]]) {
			n.element.node = n
			m.nodes[n.element.Element()] = n.element
		},
	})
	if err != nil {
		return nil, err
	}
	an.stale.Store(false)

	for _, child := range toRefresh {
		m.refreshing[child] = newRefreshTask()
	}
	debug.Log("async: %v now has %d children, %d refreshing", an, len(infos), len(toRefresh))
	return toRefresh, nil
}

// Expand expands element, loading its children first when they are stale.
// With recursive set every descendant is expanded the same way, loading
// sibling subtrees concurrently.
func (m *AsyncTreeModel[T]) Expand(ctx context.Context, element T, recursive bool) error {
	m.mu.Lock()
	an, err := m.lookup(element)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if an.stale.Load() {
		m.mu.Unlock()
		if err := m.refresh(ctx, refreshRequest[T]{element: element, expand: true}); err != nil {
			return err
		}
	} else {
		if an != m.root {
			_, err = m.tree.SetCollapsed(m.tree.GetNodeLocation(an.node), false, false)
		}
		m.mu.Unlock()
		if err != nil {
			return err
		}
	}
	if !recursive {
		return nil
	}

	m.mu.Lock()
	an, err = m.lookup(element)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	var children []T
	for _, child := range an.node.children {
		if child.element.HasChildren() {
			children = append(children, child.element.Element())
		}
	}
	m.mu.Unlock()

	var g errgroup.Group
	for _, child := range children {
		g.Go(func() error {
			return m.Expand(ctx, child, true)
		})
	}
	return g.Wait()
}

// Collapse collapses element, and every loaded descendant when recursive
// is set. Collapsing the input collapses its top-level nodes.
func (m *AsyncTreeModel[T]) Collapse(element T, recursive bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	an, err := m.lookup(element)
	if err != nil {
		return err
	}
	if an == m.root {
		for i := range an.node.children {
			if _, err := m.tree.SetCollapsed(Location{i}, true, recursive); err != nil {
				return err
			}
		}
		return nil
	}
	_, err = m.tree.SetCollapsed(m.tree.GetNodeLocation(an.node), true, recursive)
	return err
}

// IsCollapsed reports whether element is collapsed.
func (m *AsyncTreeModel[T]) IsCollapsed(element T) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	an, err := m.lookup(element)
	if err != nil {
		return false, err
	}
	return an.node.collapsed, nil
}

// IsRefreshing reports whether a refresh of element is in flight.
func (m *AsyncTreeModel[T]) IsRefreshing(element T) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	an, err := m.lookup(element)
	if err != nil {
		return false
	}
	_, ok := m.refreshing[an]
	return ok
}

// HasNode reports whether element is in the tree.
func (m *AsyncTreeModel[T]) HasNode(element T) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, err := m.lookup(element)
	return err == nil
}

// GetAsyncNode returns the wrapper of element. It fails with
// ErrNodeNotFound when element was never inserted or a refresh replaced
// it.
func (m *AsyncTreeModel[T]) GetAsyncNode(element T) (*AsyncNode[T], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lookup(element)
}

// ListIndex returns the backing list index of element, or -1 when it is
// hidden or the input.
func (m *AsyncTreeModel[T]) ListIndex(element T) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	an, err := m.lookup(element)
	if err != nil {
		return 0, err
	}
	if an == m.root {
		return -1, nil
	}
	return m.tree.GetListIndex(m.tree.GetNodeLocation(an.node))
}

// Location returns the tree location of element. The input is at the
// empty location.
func (m *AsyncTreeModel[T]) Location(element T) (Location, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	an, err := m.lookup(element)
	if err != nil {
		return nil, err
	}
	return m.tree.GetNodeLocation(an.node), nil
}

// Input returns the root element and whether one has been set.
func (m *AsyncTreeModel[T]) Input() (T, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.root.Element(), m.hasInput
}

// Locked runs fn with the model lock held. The backing list is only
// spliced under this lock, so fn may read it and the tree consistently.
// fn must not call other methods of m.
func (m *AsyncTreeModel[T]) Locked(fn func(tree *IndexTreeModel[*AsyncNode[T]])) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(m.tree)
}
