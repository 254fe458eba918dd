package tree

import (
	"errors"
	"fmt"
	"testing"

	"pgregory.net/rapid"

	"github.com/vanderheijden86/arbor/pkg/testutil"
)

func newTestModel(opts ...IndexTreeOption) (*IndexTreeModel[string], *SliceList[*Node[string]]) {
	list := &SliceList[*Node[string]]{}
	return NewIndexTreeModel[string](list, "root", opts...), list
}

func rows(list *SliceList[*Node[string]]) []string {
	out := make([]string, len(list.Items))
	for i, n := range list.Items {
		out[i] = n.Element()
	}
	return out
}

func leaf(name string) TreeElement[string] {
	return TreeElement[string]{Element: name}
}

func branch(name string, children ...TreeElement[string]) TreeElement[string] {
	return TreeElement[string]{Element: name, Children: children}
}

func mustSplice(t *testing.T, m *IndexTreeModel[string], loc Location, deleteCount int, toInsert ...TreeElement[string]) []TreeElement[string] {
	t.Helper()
	deleted, err := m.Splice(loc, deleteCount, toInsert)
	if err != nil {
		t.Fatalf("Splice(%v, %d): %v", loc, deleteCount, err)
	}
	return deleted
}

func mustSetCollapsed(t *testing.T, m *IndexTreeModel[string], loc Location, collapsed, recursive bool) bool {
	t.Helper()
	changed, err := m.SetCollapsed(loc, collapsed, recursive)
	if err != nil {
		t.Fatalf("SetCollapsed(%v): %v", loc, err)
	}
	return changed
}

// TestIndexTreeCollapseExpand covers root -> A(B, C): collapsing A leaves
// only A in the list, expanding restores all three rows.
func TestIndexTreeCollapseExpand(t *testing.T) {
	m, list := newTestModel()
	mustSplice(t, m, Location{0}, 0, branch("A", leaf("B"), leaf("C")))
	testutil.AssertRows(t, rows(list), []string{"A", "B", "C"})

	a, _ := m.GetNode(Location{0})
	if a.VisibleCount() != 3 {
		t.Errorf("expected A count 3, got %d", a.VisibleCount())
	}

	if !mustSetCollapsed(t, m, Location{0}, true, false) {
		t.Fatal("expected collapse to change state")
	}
	testutil.AssertRows(t, rows(list), []string{"A"})
	if a.VisibleCount() != 1 {
		t.Errorf("expected collapsed A count 1, got %d", a.VisibleCount())
	}
	if m.Len() != 1 {
		t.Errorf("expected Len 1, got %d", m.Len())
	}

	mustSetCollapsed(t, m, Location{0}, false, false)
	testutil.AssertRows(t, rows(list), []string{"A", "B", "C"})
	if a.VisibleCount() != 3 {
		t.Errorf("expected expanded A count 3, got %d", a.VisibleCount())
	}
}

func TestIndexTreeNodeFields(t *testing.T) {
	m, _ := newTestModel()
	mustSplice(t, m, Location{0}, 0, branch("A", branch("B", leaf("C"))))

	c, err := m.GetNode(Location{0, 0, 0})
	if err != nil {
		t.Fatalf("GetNode: %v", err)
	}
	if c.Depth() != 3 {
		t.Errorf("expected depth 3, got %d", c.Depth())
	}
	if c.Parent().Element() != "B" || c.Parent().Parent().Element() != "A" {
		t.Error("parent chain broken")
	}
	if c.Parent().Parent().Parent() != m.Root() {
		t.Error("top-level node should have the root as parent")
	}
	if m.Root().Depth() != 0 {
		t.Errorf("root depth = %d, want 0", m.Root().Depth())
	}
	if c.Collapsible() {
		t.Error("leaf should not be collapsible")
	}
	if !c.Parent().Collapsible() {
		t.Error("node with children should be collapsible")
	}
}

// TestIndexTreeInvisibleDelete deletes under a collapsed ancestor and
// checks the backing list never changes.
func TestIndexTreeInvisibleDelete(t *testing.T) {
	m, list := newTestModel()
	mustSplice(t, m, Location{0}, 0, branch("A", leaf("B"), leaf("C")), leaf("D"))
	mustSetCollapsed(t, m, Location{0}, true, false)

	splices := 0
	m.OnDidSplice(func(SpliceEvent[string]) { splices++ })
	before := len(list.Items)

	deleted := mustSplice(t, m, Location{0, 0}, 1)
	if len(list.Items) != before {
		t.Errorf("invisible delete changed list length %d -> %d", before, len(list.Items))
	}
	if len(deleted) != 1 || deleted[0].Element != "B" {
		t.Errorf("expected B deleted, got %+v", deleted)
	}
	if splices != 1 {
		t.Errorf("expected one splice event, got %d", splices)
	}

	mustSetCollapsed(t, m, Location{0}, false, false)
	testutil.AssertRows(t, rows(list), []string{"A", "C", "D"})
}

func TestIndexTreeSpliceReturnsDeletedSubtrees(t *testing.T) {
	m, list := newTestModel()
	mustSplice(t, m, Location{0}, 0,
		branch("A", leaf("A1")),
		TreeElement[string]{Element: "B", Children: []TreeElement[string]{leaf("B1")}, Collapsed: true},
		leaf("C"))
	testutil.AssertRows(t, rows(list), []string{"A", "A1", "B", "C"})

	var deletedNodes []string
	deleted, err := m.SpliceWith(Location{0}, 2, []TreeElement[string]{leaf("X")}, SpliceOptions[string]{
		OnDeleteNode: func(n *Node[string]) { deletedNodes = append(deletedNodes, n.Element()) },
	})
	if err != nil {
		t.Fatalf("SpliceWith: %v", err)
	}
	testutil.AssertRows(t, rows(list), []string{"X", "C"})
	testutil.AssertRows(t, deletedNodes, []string{"A", "A1", "B", "B1"})

	if len(deleted) != 2 || deleted[1].Element != "B" || !deleted[1].Collapsed {
		t.Fatalf("unexpected deleted subtrees %+v", deleted)
	}
	if len(deleted[1].Children) != 1 || deleted[1].Children[0].Element != "B1" {
		t.Errorf("expected B's children preserved, got %+v", deleted[1].Children)
	}
}

func TestIndexTreeSpliceNested(t *testing.T) {
	m, list := newTestModel()
	mustSplice(t, m, Location{0}, 0, branch("A", leaf("A1"), leaf("A2")), leaf("B"))

	var created []string
	_, err := m.SpliceWith(Location{0, 1}, 0, []TreeElement[string]{
		branch("N", leaf("N1")),
		{Element: "M", Children: []TreeElement[string]{leaf("M1")}, Collapsed: true},
	}, SpliceOptions[string]{
		OnCreateNode: func(n *Node[string]) { created = append(created, n.Element()) },
	})
	if err != nil {
		t.Fatalf("SpliceWith: %v", err)
	}
	testutil.AssertRows(t, rows(list), []string{"A", "A1", "N", "N1", "M", "A2", "B"})
	testutil.AssertRows(t, created, []string{"N", "N1", "M", "M1"})

	a, _ := m.GetNode(Location{0})
	if a.VisibleCount() != 6 {
		t.Errorf("expected A count 6, got %d", a.VisibleCount())
	}
	if m.Root().VisibleCount() != 8 {
		t.Errorf("expected root count 8, got %d", m.Root().VisibleCount())
	}

	m1, _ := m.GetNode(Location{0, 2, 0})
	if m1.Visible() {
		t.Error("child of a collapsed node must not be visible")
	}
}

func TestIndexTreeSpliceUnderCollapsedParent(t *testing.T) {
	m, list := newTestModel()
	mustSplice(t, m, Location{0}, 0, branch("A", leaf("A1")), leaf("B"))
	mustSetCollapsed(t, m, Location{0}, true, false)

	mustSplice(t, m, Location{0, 1}, 0, leaf("A2"), leaf("A3"))
	testutil.AssertRows(t, rows(list), []string{"A", "B"})

	a, _ := m.GetNode(Location{0})
	if a.VisibleCount() != 1 {
		t.Errorf("collapsed count must stay 1, got %d", a.VisibleCount())
	}

	mustSetCollapsed(t, m, Location{0}, false, false)
	testutil.AssertRows(t, rows(list), []string{"A", "A1", "A2", "A3", "B"})
}

func TestIndexTreeInvalidLocation(t *testing.T) {
	m, list := newTestModel()
	mustSplice(t, m, Location{0}, 0, branch("A", leaf("B")))

	tests := []struct {
		name string
		run  func() error
	}{
		{"splice empty location", func() error { _, err := m.Splice(nil, 0, nil); return err }},
		{"splice past end", func() error { _, err := m.Splice(Location{2}, 0, nil); return err }},
		{"splice missing parent", func() error { _, err := m.Splice(Location{3, 0}, 0, nil); return err }},
		{"splice negative delete", func() error { _, err := m.Splice(Location{0}, -1, nil); return err }},
		{"get node", func() error { _, err := m.GetNode(Location{0, 5}); return err }},
		{"collapse root", func() error { _, err := m.SetCollapsed(nil, true, false); return err }},
		{"list index", func() error { _, err := m.GetListIndex(Location{-1}); return err }},
		{"parent of root", func() error { _, err := m.GetParentNodeLocation(nil); return err }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.run()
			if !errors.Is(err, ErrInvalidLocation) {
				t.Fatalf("expected ErrInvalidLocation, got %v", err)
			}
			var treeErr *TreeError
			if !errors.As(err, &treeErr) {
				t.Errorf("expected *TreeError, got %T", err)
			}
		})
	}
	testutil.AssertRows(t, rows(list), []string{"A", "B"})
}

func TestIndexTreeSpliceClampsDeleteCount(t *testing.T) {
	m, list := newTestModel()
	mustSplice(t, m, Location{0}, 0, leaf("A"), leaf("B"))

	deleted := mustSplice(t, m, Location{1}, 10, leaf("C"))
	if len(deleted) != 1 {
		t.Errorf("expected 1 deleted, got %d", len(deleted))
	}
	testutil.AssertRows(t, rows(list), []string{"A", "C"})
}

func TestIndexTreeGetListIndex(t *testing.T) {
	m, _ := newTestModel()
	mustSplice(t, m, Location{0}, 0,
		branch("A", leaf("A1"), branch("A2", leaf("A2a"))),
		branch("B", leaf("B1")))
	mustSetCollapsed(t, m, Location{1}, true, false)

	tests := []struct {
		loc  Location
		want int
	}{
		{Location{0}, 0},
		{Location{0, 0}, 1},
		{Location{0, 1}, 2},
		{Location{0, 1, 0}, 3},
		{Location{1}, 4},
		{Location{1, 0}, -1},
		{nil, -1},
	}
	for _, tt := range tests {
		got, err := m.GetListIndex(tt.loc)
		if err != nil {
			t.Fatalf("GetListIndex(%v): %v", tt.loc, err)
		}
		if got != tt.want {
			t.Errorf("GetListIndex(%v) = %d, want %d", tt.loc, got, tt.want)
		}
	}

	count, _ := m.GetListRenderCount(Location{0})
	if count != 4 {
		t.Errorf("GetListRenderCount(A) = %d, want 4", count)
	}
}

func TestIndexTreeNodeLocationRoundTrip(t *testing.T) {
	m, _ := newTestModel()
	mustSplice(t, m, Location{0}, 0, branch("A", leaf("A1"), branch("A2", leaf("A2a"))), leaf("B"))

	for _, loc := range []Location{{0}, {0, 1}, {0, 1, 0}, {1}} {
		n, err := m.GetNode(loc)
		if err != nil {
			t.Fatalf("GetNode(%v): %v", loc, err)
		}
		if got := m.GetNodeLocation(n); got.String() != loc.String() {
			t.Errorf("GetNodeLocation = %v, want %v", got, loc)
		}
	}

	parent, err := m.GetParentNodeLocation(Location{0, 1, 0})
	if err != nil || parent.String() != "[0 1]" {
		t.Errorf("GetParentNodeLocation = %v, %v", parent, err)
	}
	if !m.Has(Location{0, 1, 0}) || m.Has(Location{0, 2}) {
		t.Error("Has reported wrong membership")
	}
}

func TestIndexTreeFirstAndLastElements(t *testing.T) {
	m, _ := newTestModel()
	mustSplice(t, m, Location{0}, 0,
		branch("A", leaf("A1"), branch("A2", leaf("A2a"), leaf("A2b"))),
		leaf("B"))

	first, ok, err := m.GetFirstElementChild(Location{0})
	if err != nil || !ok || first != "A1" {
		t.Errorf("GetFirstElementChild(A) = %q %v %v", first, ok, err)
	}
	if _, ok, _ := m.GetFirstElementChild(Location{1}); ok {
		t.Error("leaf has no first child")
	}

	last, ok, _ := m.GetLastElementAncestor(Location{0})
	if !ok || last != "A2b" {
		t.Errorf("GetLastElementAncestor(A) = %q, want A2b", last)
	}
	mustSetCollapsed(t, m, Location{0, 1}, true, false)
	last, _, _ = m.GetLastElementAncestor(Location{0})
	if last != "A2" {
		t.Errorf("GetLastElementAncestor(A) with A2 collapsed = %q, want A2", last)
	}
	last, _, _ = m.GetLastElementAncestor(nil)
	if last != "B" {
		t.Errorf("GetLastElementAncestor(root) = %q, want B", last)
	}
}

func TestIndexTreeRecursiveCollapse(t *testing.T) {
	m, list := newTestModel()
	mustSplice(t, m, Location{0}, 0, branch("A", branch("A1", leaf("A1a")), branch("A2", leaf("A2a"))))

	var changes []string
	m.OnDidChangeCollapseState(func(c CollapseStateChange[string]) {
		changes = append(changes, fmt.Sprintf("%s:%v", c.Node.Element(), c.Node.Collapsed()))
	})

	splices := 0
	counting := &countingList{SliceList: list, onSplice: func() { splices++ }}
	m.list = counting

	mustSetCollapsed(t, m, Location{0}, true, true)
	testutil.AssertRows(t, rows(list), []string{"A"})
	if splices != 1 {
		t.Errorf("expected one backing splice, got %d", splices)
	}
	if len(changes) != 3 {
		t.Errorf("expected 3 collapse changes, got %v", changes)
	}

	// Expanding non-recursively only reveals A's direct children.
	mustSetCollapsed(t, m, Location{0}, false, false)
	testutil.AssertRows(t, rows(list), []string{"A", "A1", "A2"})

	mustSetCollapsed(t, m, Location{0}, false, true)
	testutil.AssertRows(t, rows(list), []string{"A", "A1", "A1a", "A2", "A2a"})
}

func TestIndexTreeToggleAndCollapsible(t *testing.T) {
	m, list := newTestModel()
	mustSplice(t, m, Location{0}, 0, branch("A", leaf("B")), leaf("C"))

	if _, err := m.ToggleCollapsed(Location{0}, false); err != nil {
		t.Fatal(err)
	}
	if c, _ := m.IsCollapsed(Location{0}); !c {
		t.Error("expected A collapsed after toggle")
	}

	if changed := mustSetCollapsed(t, m, Location{1}, true, false); changed {
		t.Error("a non-collapsible leaf must not collapse")
	}

	changed, err := m.SetCollapsible(Location{0}, false)
	if err != nil || !changed {
		t.Fatalf("SetCollapsible: %v %v", changed, err)
	}
	if c, _ := m.IsCollapsed(Location{0}); c {
		t.Error("making A non-collapsible should expand it")
	}
	testutil.AssertRows(t, rows(list), []string{"A", "B", "C"})

	if changed, _ := m.SetCollapsible(Location{1}, true); !changed {
		t.Error("expected C to become collapsible")
	}
	if ok, _ := m.IsCollapsible(Location{1}); !ok {
		t.Error("C should be collapsible")
	}
}

func TestIndexTreeExpandTo(t *testing.T) {
	m, list := newTestModel()
	mustSplice(t, m, Location{0}, 0,
		branch("A", branch("A1", branch("A1a", leaf("deep")))),
		leaf("B"))
	mustSetCollapsed(t, m, Location{0}, true, true)
	testutil.AssertRows(t, rows(list), []string{"A", "B"})

	changed, err := m.ExpandTo(Location{0, 0, 0, 0})
	if err != nil || !changed {
		t.Fatalf("ExpandTo: %v %v", changed, err)
	}
	testutil.AssertRows(t, rows(list), []string{"A", "A1", "A1a", "deep", "B"})

	idx, _ := m.GetListIndex(Location{0, 0, 0, 0})
	if idx != 3 {
		t.Errorf("expected deep at index 3, got %d", idx)
	}
	if changed, _ := m.ExpandTo(Location{0, 0, 0, 0}); changed {
		t.Error("second ExpandTo should be a no-op")
	}
}

func TestIndexTreeAutoExpandSingleChildren(t *testing.T) {
	m, list := newTestModel(WithAutoExpandSingleChildren())
	mustSplice(t, m, Location{0}, 0, branch("A", branch("B", branch("C", leaf("D"), leaf("E")))))
	mustSetCollapsed(t, m, Location{0}, true, true)

	mustSetCollapsed(t, m, Location{0}, false, false)
	testutil.AssertRows(t, rows(list), []string{"A", "B", "C", "D", "E"})
	if m.Root().VisibleCount() != 6 {
		t.Errorf("expected root count 6, got %d", m.Root().VisibleCount())
	}
}

func TestIndexTreeRerender(t *testing.T) {
	m, list := newTestModel()
	mustSplice(t, m, Location{0}, 0, branch("A", leaf("B")))

	var spliced []int
	m.list = &countingList{SliceList: list, onSplice: func() { spliced = append(spliced, len(list.Items)) }}

	if err := m.Rerender(Location{0, 0}); err != nil {
		t.Fatal(err)
	}
	if len(spliced) != 1 {
		t.Errorf("expected one splice for rerender, got %d", len(spliced))
	}
	testutil.AssertRows(t, rows(list), []string{"A", "B"})
}

func TestIndexTreeUnsubscribe(t *testing.T) {
	m, _ := newTestModel()
	calls := 0
	off := m.OnDidSplice(func(SpliceEvent[string]) { calls++ })
	mustSplice(t, m, Location{0}, 0, leaf("A"))
	off()
	mustSplice(t, m, Location{1}, 0, leaf("B"))
	if calls != 1 {
		t.Errorf("expected 1 call before unsubscribe, got %d", calls)
	}
}

type countingList struct {
	*SliceList[*Node[string]]
	onSplice func()
}

func (l *countingList) Splice(start, deleteCount int, elements []*Node[string]) {
	l.SliceList.Splice(start, deleteCount, elements)
	l.onSplice()
}

// flatten walks the model itself and returns the rows that should be in the
// backing list.
func flatten(m *IndexTreeModel[string]) []string {
	var out []string
	var walk func(*Node[string])
	walk = func(n *Node[string]) {
		for _, c := range n.children {
			out = append(out, c.element)
			if !c.collapsed {
				walk(c)
			}
		}
	}
	walk(m.Root())
	return out
}

func allNodes(m *IndexTreeModel[string]) []*Node[string] {
	var out []*Node[string]
	dfs(m.Root(), func(n *Node[string]) { out = append(out, n) })
	return out
}

func drawSubtree(t *rapid.T, next *int, depth int) TreeElement[string] {
	*next++
	el := TreeElement[string]{
		Element:   fmt.Sprintf("n%d", *next),
		Collapsed: rapid.Bool().Draw(t, "collapsed"),
	}
	if depth > 0 {
		for range rapid.IntRange(0, 3).Draw(t, "children") {
			el.Children = append(el.Children, drawSubtree(t, next, depth-1))
		}
	}
	return el
}

// TestIndexTreeProperties checks after random splice and collapse sequences
// that the backing list is exactly the pre-order of expanded paths and its
// length equals the sum of top-level counts.
func TestIndexTreeProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		m, list := newTestModel()
		next := 0

		steps := rapid.IntRange(1, 40).Draw(t, "steps")
		for range steps {
			nodes := allNodes(m)
			target := nodes[rapid.IntRange(0, len(nodes)-1).Draw(t, "target")]
			loc := m.GetNodeLocation(target)

			switch rapid.IntRange(0, 3).Draw(t, "op") {
			case 0:
				index := rapid.IntRange(0, target.ChildCount()).Draw(t, "index")
				var insert []TreeElement[string]
				for range rapid.IntRange(0, 3).Draw(t, "inserts") {
					insert = append(insert, drawSubtree(t, &next, 2))
				}
				deleteCount := rapid.IntRange(0, target.ChildCount()-index).Draw(t, "delete")
				if _, err := m.Splice(append(loc, index), deleteCount, insert); err != nil {
					t.Fatalf("Splice: %v", err)
				}
			case 1, 2:
				if len(loc) == 0 {
					continue
				}
				before := len(list.Items)
				count := target.VisibleCount()
				wasCollapsed := target.Collapsed()
				changed, err := m.SetCollapsed(loc, !wasCollapsed, false)
				if err != nil {
					t.Fatalf("SetCollapsed: %v", err)
				}
				if changed && target.Visible() {
					if !wasCollapsed && before-len(list.Items) != count-1 {
						t.Fatalf("collapse removed %d rows, want %d", before-len(list.Items), count-1)
					}
					if wasCollapsed && len(list.Items)-before != target.VisibleCount()-1 {
						t.Fatalf("expand inserted %d rows, want %d", len(list.Items)-before, target.VisibleCount()-1)
					}
				}
				if changed && !target.Visible() && len(list.Items) != before {
					t.Fatalf("toggling a hidden node changed the list")
				}
			case 3:
				if len(loc) == 0 {
					continue
				}
				if _, err := m.ExpandTo(loc); err != nil {
					t.Fatalf("ExpandTo: %v", err)
				}
				if !target.Visible() {
					t.Fatalf("node not visible after ExpandTo")
				}
			}

			sum := 0
			for _, top := range m.Root().children {
				sum += top.VisibleCount()
			}
			if len(list.Items) != sum || m.Len() != sum {
				t.Fatalf("list length %d, Len %d, top-level sum %d", len(list.Items), m.Len(), sum)
			}
			want := flatten(m)
			got := rows(list)
			if fmt.Sprint(got) != fmt.Sprint(want) {
				t.Fatalf("list %v, want %v", got, want)
			}
			for _, n := range allNodes(m) {
				if n.parent != nil && n.depth != n.parent.depth+1 {
					t.Fatalf("node %v depth %d, parent depth %d", n, n.depth, n.parent.depth)
				}
				if n.visibleCount != countOf(n) {
					t.Fatalf("node %v count %d, want %d", n, n.visibleCount, countOf(n))
				}
			}
		}
	})
}
