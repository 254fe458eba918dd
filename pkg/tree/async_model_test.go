package tree

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/vanderheijden86/arbor/pkg/testutil"
)

// fakeSource serves a fixed hierarchy. Elements listed in children are
// inner nodes; GetChildren blocks while a gate is installed for the element.
type fakeSource struct {
	mu       sync.Mutex
	children map[string][]string
	errs     map[string]error
	gates    map[string]chan struct{}
	calls    map[string]int
	started  chan string

	// seen counts drained starts; only touched by the test goroutine.
	seen map[string]int
}

func newFakeSource(children map[string][]string) *fakeSource {
	return &fakeSource{
		children: children,
		errs:     make(map[string]error),
		gates:    make(map[string]chan struct{}),
		calls:    make(map[string]int),
		started:  make(chan string, 256),
		seen:     make(map[string]int),
	}
}

func fixtureSource(f testutil.Fixture) *fakeSource {
	return newFakeSource(f.Children)
}

func (s *fakeSource) HasChildren(e string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.children[e]
	return ok
}

func (s *fakeSource) GetChildren(ctx context.Context, e string) ([]string, error) {
	s.mu.Lock()
	s.calls[e]++
	gate := s.gates[e]
	err := s.errs[e]
	kids := slices.Clone(s.children[e])
	s.mu.Unlock()

	select {
	case s.started <- e:
	default:
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return kids, nil
}

// gate makes fetches of e block until ungate. Starts recorded so far are
// discarded so waitStarted only sees fetches issued after the gate.
func (s *fakeSource) gate(e string) chan struct{} {
	for drained := false; !drained; {
		select {
		case <-s.started:
		default:
			drained = true
		}
	}
	clear(s.seen)

	s.mu.Lock()
	defer s.mu.Unlock()
	g := make(chan struct{})
	s.gates[e] = g
	return g
}

func (s *fakeSource) ungate(e string) {
	s.mu.Lock()
	g := s.gates[e]
	delete(s.gates, e)
	s.mu.Unlock()
	if g != nil {
		close(g)
	}
}

func (s *fakeSource) set(e string, kids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.children[e] = kids
}

func (s *fakeSource) fail(e string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs[e] = err
}

func (s *fakeSource) callCount(e string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[e]
}

func (s *fakeSource) waitStarted(t *testing.T, e string) {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		if s.seen[e] > 0 {
			s.seen[e]--
			return
		}
		select {
		case got := <-s.started:
			s.seen[got]++
		case <-timeout:
			t.Fatalf("timed out waiting for fetch of %s", e)
		}
	}
}

type asyncList = SliceList[*Node[*AsyncNode[string]]]

func newAsyncTest(src DataSource[string], opts ...AsyncOption[string]) (*AsyncTreeModel[string], *asyncList) {
	list := &asyncList{}
	return NewAsyncTreeModel[string](list, src, opts...), list
}

func asyncRows(m *AsyncTreeModel[string], list *asyncList) []string {
	var out []string
	m.Locked(func(*IndexTreeModel[*AsyncNode[string]]) {
		for _, n := range list.Items {
			out = append(out, n.Element().Element())
		}
	})
	return out
}

// sampleTree is root -> a(a1(a1x), a2), b(b1).
func sampleTree() map[string][]string {
	return map[string][]string{
		"root": {"a", "b"},
		"a":    {"a1", "a2"},
		"a1":   {"a1x"},
		"b":    {"b1"},
	}
}

func TestAsyncSetInputLoadsExpandedTree(t *testing.T) {
	src := newFakeSource(sampleTree())
	m, list := newAsyncTest(src, WithCollapseByDefault[string](false))

	if err := m.SetInput(context.Background(), "root"); err != nil {
		t.Fatalf("SetInput: %v", err)
	}
	testutil.AssertRows(t, asyncRows(m, list), []string{"a", "a1", "a1x", "a2", "b", "b1"})

	if input, ok := m.Input(); !ok || input != "root" {
		t.Errorf("Input() = %q, %v", input, ok)
	}
	for _, e := range []string{"root", "a", "a1", "b"} {
		if src.callCount(e) != 1 {
			t.Errorf("expected one fetch of %s, got %d", e, src.callCount(e))
		}
	}
	if src.callCount("a2") != 0 {
		t.Error("leaves must not be fetched")
	}
}

func TestAsyncCollapsedByDefaultLoadsOnExpand(t *testing.T) {
	src := newFakeSource(sampleTree())
	m, list := newAsyncTest(src)
	ctx := context.Background()

	if err := m.SetInput(ctx, "root"); err != nil {
		t.Fatalf("SetInput: %v", err)
	}
	testutil.AssertRows(t, asyncRows(m, list), []string{"a", "b"})

	a, err := m.GetAsyncNode("a")
	if err != nil {
		t.Fatalf("GetAsyncNode: %v", err)
	}
	if !a.Stale() || !a.HasChildren() {
		t.Errorf("expected a stale with children, stale=%v has=%v", a.Stale(), a.HasChildren())
	}
	if src.callCount("a") != 0 {
		t.Error("collapsed node fetched before expand")
	}

	if err := m.Expand(ctx, "a", false); err != nil {
		t.Fatalf("Expand: %v", err)
	}
	testutil.AssertRows(t, asyncRows(m, list), []string{"a", "a1", "a2", "b"})
	if a.Stale() {
		t.Error("a should not be stale after expand")
	}

	if err := m.Collapse("a", false); err != nil {
		t.Fatalf("Collapse: %v", err)
	}
	if c, _ := m.IsCollapsed("a"); !c {
		t.Error("expected a collapsed")
	}
	testutil.AssertRows(t, asyncRows(m, list), []string{"a", "b"})

	// Children are loaded, so a second expand must not fetch again.
	if err := m.Expand(ctx, "a", false); err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if src.callCount("a") != 1 {
		t.Errorf("expected a fetched once, got %d", src.callCount("a"))
	}
}

func TestAsyncRecursiveExpand(t *testing.T) {
	src := newFakeSource(sampleTree())
	m, list := newAsyncTest(src)
	ctx := context.Background()

	if err := m.SetInput(ctx, "root"); err != nil {
		t.Fatal(err)
	}
	if err := m.Expand(ctx, "root", true); err != nil {
		t.Fatalf("Expand: %v", err)
	}
	testutil.AssertRows(t, asyncRows(m, list), []string{"a", "a1", "a1x", "a2", "b", "b1"})

	if err := m.Collapse("root", true); err != nil {
		t.Fatal(err)
	}
	testutil.AssertRows(t, asyncRows(m, list), []string{"a", "b"})
}

// TestAsyncDescendantRefreshWaits starts a refresh of a, then one of its
// descendant a1, and checks a1's fetch only happens after a settled.
func TestAsyncDescendantRefreshWaits(t *testing.T) {
	src := newFakeSource(sampleTree())
	m, _ := newAsyncTest(src, WithCollapseByDefault[string](false))
	ctx := context.Background()
	if err := m.SetInput(ctx, "root"); err != nil {
		t.Fatal(err)
	}
	baseline := src.callCount("a1")

	src.gate("a")
	aDone := make(chan error, 1)
	go func() { aDone <- m.RefreshNode(ctx, "a") }()
	src.waitStarted(t, "a")

	a1Done := make(chan error, 1)
	go func() { a1Done <- m.RefreshNode(ctx, "a1") }()

	select {
	case err := <-a1Done:
		t.Fatalf("descendant refresh finished while ancestor in flight: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	if got := src.callCount("a1"); got != baseline {
		t.Fatalf("a1 fetched %d times during ancestor refresh", got-baseline)
	}
	if !m.IsRefreshing("a") {
		t.Error("expected a to be refreshing")
	}

	src.ungate("a")
	if err := <-aDone; err != nil {
		t.Fatalf("RefreshNode(a): %v", err)
	}
	if err := <-a1Done; err != nil {
		t.Fatalf("RefreshNode(a1): %v", err)
	}
	// Once by a's recursive refresh, once by the waiting call.
	if got := src.callCount("a1") - baseline; got != 2 {
		t.Errorf("expected 2 more fetches of a1, got %d", got)
	}
	if m.IsRefreshing("a") || m.IsRefreshing("a1") {
		t.Error("refreshing marks must be cleared")
	}
}

func TestAsyncAncestorRefreshWaits(t *testing.T) {
	src := newFakeSource(sampleTree())
	m, _ := newAsyncTest(src, WithCollapseByDefault[string](false))
	ctx := context.Background()
	if err := m.SetInput(ctx, "root"); err != nil {
		t.Fatal(err)
	}

	src.gate("a1")
	a1Done := make(chan error, 1)
	go func() { a1Done <- m.RefreshNode(ctx, "a1") }()
	src.waitStarted(t, "a1")

	baseline := src.callCount("a")
	aDone := make(chan error, 1)
	go func() { aDone <- m.RefreshNode(ctx, "a") }()

	select {
	case <-aDone:
		t.Fatal("ancestor refresh finished while descendant in flight")
	case <-time.After(50 * time.Millisecond):
	}
	if src.callCount("a") != baseline {
		t.Fatal("ancestor fetched while descendant refresh in flight")
	}

	src.ungate("a1")
	if err := <-a1Done; err != nil {
		t.Fatal(err)
	}
	if err := <-aDone; err != nil {
		t.Fatal(err)
	}
}

func TestAsyncDisjointRefreshesRunConcurrently(t *testing.T) {
	src := newFakeSource(sampleTree())
	m, list := newAsyncTest(src, WithCollapseByDefault[string](false))
	ctx := context.Background()
	if err := m.SetInput(ctx, "root"); err != nil {
		t.Fatal(err)
	}

	src.gate("a")
	src.gate("b")
	done := make(chan error, 2)
	go func() { done <- m.RefreshNode(ctx, "a") }()
	go func() { done <- m.RefreshNode(ctx, "b") }()

	// Both fetches must be in flight at once.
	src.waitStarted(t, "a")
	src.waitStarted(t, "b")
	if !m.IsRefreshing("a") || !m.IsRefreshing("b") {
		t.Error("expected a and b refreshing together")
	}

	src.ungate("a")
	src.ungate("b")
	for range 2 {
		if err := <-done; err != nil {
			t.Fatal(err)
		}
	}
	testutil.AssertRows(t, asyncRows(m, list), []string{"a", "a1", "a1x", "a2", "b", "b1"})
}

func TestAsyncProviderErrorClearsMark(t *testing.T) {
	src := newFakeSource(sampleTree())
	m, list := newAsyncTest(src, WithCollapseByDefault[string](false))
	ctx := context.Background()
	if err := m.SetInput(ctx, "root"); err != nil {
		t.Fatal(err)
	}
	before := asyncRows(m, list)

	boom := errors.New("boom")
	src.fail("a", boom)
	src.set("a", "changed")

	err := m.RefreshNode(ctx, "a")
	var provErr *ProviderError
	if !errors.As(err, &provErr) {
		t.Fatalf("expected *ProviderError, got %v", err)
	}
	if !errors.Is(err, boom) || provErr.Element != "a" {
		t.Errorf("unexpected provider error %v", provErr)
	}
	if m.IsRefreshing("a") {
		t.Error("refreshing mark must be cleared after failure")
	}
	testutil.AssertRows(t, asyncRows(m, list), before)

	an, _ := m.GetAsyncNode("a")
	if !an.Stale() {
		t.Error("failed node should be stale")
	}

	src.fail("a", nil)
	if err := m.RefreshNode(ctx, "a"); err != nil {
		t.Fatalf("retry: %v", err)
	}
	testutil.AssertRows(t, asyncRows(m, list), []string{"a", "changed", "b", "b1"})
}

func TestAsyncChildErrorFailsAggregate(t *testing.T) {
	src := newFakeSource(sampleTree())
	src.fail("a1", errors.New("a1 broken"))
	m, list := newAsyncTest(src, WithCollapseByDefault[string](false))

	err := m.SetInput(context.Background(), "root")
	var provErr *ProviderError
	if !errors.As(err, &provErr) || provErr.Element != "a1" {
		t.Fatalf("expected provider error for a1, got %v", err)
	}
	// Siblings still loaded.
	testutil.AssertRows(t, asyncRows(m, list), []string{"a", "a1", "a2", "b", "b1"})
	if m.IsRefreshing("root") || m.IsRefreshing("a1") {
		t.Error("refreshing marks must be cleared")
	}
}

func TestAsyncNodeNotFound(t *testing.T) {
	src := newFakeSource(sampleTree())
	m, _ := newAsyncTest(src, WithCollapseByDefault[string](false))
	ctx := context.Background()

	if err := m.RefreshRoot(ctx); !errors.Is(err, ErrNoInput) {
		t.Errorf("expected ErrNoInput, got %v", err)
	}
	if err := m.SetInput(ctx, "root"); err != nil {
		t.Fatal(err)
	}

	if _, err := m.GetAsyncNode("missing"); !errors.Is(err, ErrNodeNotFound) {
		t.Errorf("expected ErrNodeNotFound, got %v", err)
	}
	if err := m.RefreshNode(ctx, "missing"); !errors.Is(err, ErrNodeNotFound) {
		t.Errorf("expected ErrNodeNotFound from refresh, got %v", err)
	}

	old, err := m.GetAsyncNode("a1")
	if err != nil {
		t.Fatal(err)
	}
	if err := m.RefreshNode(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	replaced, _ := m.GetAsyncNode("a1")
	if replaced == old {
		t.Error("without identity a refresh must replace wrappers")
	}

	src.set("a", "a2")
	if err := m.RefreshNode(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if m.HasNode("a1") || m.HasNode("a1x") {
		t.Error("removed subtree still registered")
	}
	if _, err := m.GetAsyncNode("a1"); !errors.Is(err, ErrNodeNotFound) {
		t.Errorf("expected ErrNodeNotFound for superseded node, got %v", err)
	}
}

func TestAsyncLocation(t *testing.T) {
	src := newFakeSource(sampleTree())
	m, _ := newAsyncTest(src, WithCollapseByDefault[string](false))
	if err := m.SetInput(context.Background(), "root"); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		element string
		want    Location
	}{
		{"root", Location{}},
		{"a", Location{0}},
		{"a1x", Location{0, 0, 0}},
		{"a2", Location{0, 1}},
		{"b1", Location{1, 0}},
	}
	for _, tt := range tests {
		got, err := m.Location(tt.element)
		if err != nil {
			t.Errorf("Location(%s): %v", tt.element, err)
			continue
		}
		if !slices.Equal(got, tt.want) {
			t.Errorf("Location(%s) = %v, want %v", tt.element, got, tt.want)
		}
	}
	if _, err := m.Location("missing"); !errors.Is(err, ErrNodeNotFound) {
		t.Errorf("expected ErrNodeNotFound, got %v", err)
	}
}

func TestAsyncIdentityPreservesState(t *testing.T) {
	src := newFakeSource(sampleTree())
	m, list := newAsyncTest(src, WithIdentity(func(s string) string { return s }))
	ctx := context.Background()

	if err := m.SetInput(ctx, "root"); err != nil {
		t.Fatal(err)
	}
	if err := m.Expand(ctx, "a", false); err != nil {
		t.Fatal(err)
	}
	if err := m.Expand(ctx, "a1", false); err != nil {
		t.Fatal(err)
	}
	a, _ := m.GetAsyncNode("a")
	testutil.AssertRows(t, asyncRows(m, list), []string{"a", "a1", "a1x", "a2", "b"})

	src.set("root", "a", "b", "c")
	if err := m.RefreshRoot(ctx); err != nil {
		t.Fatal(err)
	}
	testutil.AssertRows(t, asyncRows(m, list), []string{"a", "a1", "a1x", "a2", "b", "c"})

	again, _ := m.GetAsyncNode("a")
	if again != a {
		t.Error("expected the wrapper of a to be reused")
	}
	if c, _ := m.IsCollapsed("b"); !c {
		t.Error("b should still be collapsed")
	}
}

func TestAsyncSetInputReplacesTree(t *testing.T) {
	src := newFakeSource(map[string][]string{
		"one": {"x", "y"},
		"two": {"z"},
	})
	m, list := newAsyncTest(src)
	ctx := context.Background()

	if err := m.SetInput(ctx, "one"); err != nil {
		t.Fatal(err)
	}
	testutil.AssertRows(t, asyncRows(m, list), []string{"x", "y"})

	if err := m.SetInput(ctx, "two"); err != nil {
		t.Fatal(err)
	}
	testutil.AssertRows(t, asyncRows(m, list), []string{"z"})
	if m.HasNode("x") {
		t.Error("nodes of the previous input must be dropped")
	}
}

func TestAsyncSlowState(t *testing.T) {
	src := newFakeSource(sampleTree())
	changes := make(chan bool, 4)
	m, _ := newAsyncTest(src,
		WithSlowThreshold[string](10*time.Millisecond),
		WithOnSlowChange(func(n *AsyncNode[string]) { changes <- n.Slow() }),
	)

	src.gate("root")
	done := make(chan error, 1)
	go func() { done <- m.SetInput(context.Background(), "root") }()

	select {
	case slow := <-changes:
		if !slow {
			t.Fatal("first change should mark the node slow")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("node never became slow")
	}

	src.ungate("root")
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	select {
	case slow := <-changes:
		if slow {
			t.Fatal("settled fetch should clear slow")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("slow state never cleared")
	}
}

func TestAsyncFetchCoalesced(t *testing.T) {
	src := newFakeSource(sampleTree())
	m, _ := newAsyncTest(src)
	an := newAsyncNode(99, "a")

	src.gate("a")
	var wg sync.WaitGroup
	results := make([][]string, 2)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], _ = m.fetchChildren(context.Background(), an)
		}()
	}
	src.waitStarted(t, "a")
	time.Sleep(50 * time.Millisecond)
	src.ungate("a")
	wg.Wait()

	if src.callCount("a") != 1 {
		t.Errorf("expected one provider call, got %d", src.callCount("a"))
	}
	for _, r := range results {
		testutil.AssertRows(t, r, []string{"a1", "a2"})
	}
}

func TestAsyncWaitHonorsContext(t *testing.T) {
	src := newFakeSource(sampleTree())
	m, _ := newAsyncTest(src, WithCollapseByDefault[string](false))
	if err := m.SetInput(context.Background(), "root"); err != nil {
		t.Fatal(err)
	}

	src.gate("a")
	done := make(chan error, 1)
	go func() { done <- m.RefreshNode(context.Background(), "a") }()
	src.waitStarted(t, "a")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := m.RefreshNode(ctx, "a1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded while waiting, got %v", err)
	}

	src.ungate("a")
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}

type policySource struct {
	*fakeSource
	collapsed map[string]bool
}

func (p policySource) CollapseByDefault(e string) bool {
	return p.collapsed[e]
}

func TestAsyncCollapsePolicy(t *testing.T) {
	src := policySource{fakeSource: newFakeSource(sampleTree()), collapsed: map[string]bool{"a1": true}}
	m, list := newAsyncTest(src)

	if err := m.SetInput(context.Background(), "root"); err != nil {
		t.Fatal(err)
	}
	testutil.AssertRows(t, asyncRows(m, list), []string{"a", "a1", "a2", "b", "b1"})
	if src.callCount("a1") != 0 {
		t.Error("node collapsed by policy must not load")
	}
}

func TestAsyncGeneratedTree(t *testing.T) {
	f := testutil.NewDefault().Random(200, 4)
	src := fixtureSource(f)
	m, list := newAsyncTest(src, WithCollapseByDefault[string](false))

	if err := m.SetInput(context.Background(), f.Root); err != nil {
		t.Fatal(err)
	}
	expanded := make(map[string]bool)
	for n := range f.Children {
		expanded[n] = true
	}
	testutil.AssertRows(t, asyncRows(m, list), f.Flatten(expanded))
}
