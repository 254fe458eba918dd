// Package ui implements the arbor terminal explorer: a bubbletea program
// that shows a lazily loaded hierarchy through a virtualized list.
package ui

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/atotto/clipboard"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/vanderheijden86/arbor/internal/datasource"
	"github.com/vanderheijden86/arbor/pkg/config"
	"github.com/vanderheijden86/arbor/pkg/debug"
	"github.com/vanderheijden86/arbor/pkg/listview"
	"github.com/vanderheijden86/arbor/pkg/metrics"
	"github.com/vanderheijden86/arbor/pkg/tree"
	"github.com/vanderheijden86/arbor/pkg/watcher"
)

// LoadedMsg is sent when the initial load finishes.
type LoadedMsg struct {
	Err error
}

// ExpandedMsg is sent when an expand, which may load children, finishes.
type ExpandedMsg struct {
	Element string
	Err     error
}

// RefreshedMsg is sent when a refresh finishes. Diff compares the
// element's children before and after.
type RefreshedMsg struct {
	Element string
	Diff    datasource.ChildrenDiff
	Err     error
}

// DirChangedMsg is sent when the watcher reports a changed directory.
type DirChangedMsg struct {
	Dir string
}

// slowChangedMsg is sent when a node starts or stops loading slowly.
type slowChangedMsg struct {
	Element string
	Slow    bool
}

// Options configures a Model.
type Options struct {
	Config config.Config
	// StatePath is the view state file; empty disables persistence.
	StatePath string
	// StateKey identifies the source inside the state file.
	StateKey string
	// Watcher, when set, refreshes directories as they change.
	Watcher *watcher.Watcher
	// Renderer defaults to lipgloss.DefaultRenderer().
	Renderer *lipgloss.Renderer
	// Clipboard receives copied element ids; defaults to the system
	// clipboard.
	Clipboard func(string) error
}

// Model is the explorer program state.
type Model struct {
	ctx   context.Context
	src   datasource.Source
	cfg   config.Config
	theme Theme

	async  *tree.AsyncTreeModel[string]
	view   *listview.View[entry]
	watch  *watcher.Watcher
	events chan tea.Msg

	statePath string
	stateKey  string
	state     *ViewState

	cursor   int
	cursorEl string

	width, height int
	loading       bool
	status        string
	err           error

	jump    textinput.Model
	jumping bool

	copyText func(string) error
}

// NewModel creates an explorer over src. Nothing is loaded until the
// program runs Init, or Load is called.
func NewModel(ctx context.Context, src datasource.Source, opts Options) Model {
	r := opts.Renderer
	if r == nil {
		r = lipgloss.DefaultRenderer()
	}
	events := make(chan tea.Msg, 64)
	copyText := opts.Clipboard
	if copyText == nil {
		copyText = clipboard.WriteAll
	}

	m := Model{
		ctx:       ctx,
		src:       src,
		cfg:       opts.Config,
		theme:     DefaultTheme(r),
		watch:     opts.Watcher,
		events:    events,
		statePath: opts.StatePath,
		stateKey:  opts.StateKey,
		loading:   true,
		status:    "loading…",
		copyText:  copyText,
	}
	m.state = LoadViewState(m.statePath, m.stateKey)
	m.view = newListView(m.cfg, 0)

	asyncOpts := []tree.AsyncOption[string]{
		tree.WithIdentity(func(el string) string { return el }),
		tree.WithCollapseByDefault[string](m.cfg.Tree.CollapseByDefault),
		tree.WithOnSlowChange(func(an *tree.AsyncNode[string]) {
			select {
			case events <- slowChangedMsg{Element: an.Element(), Slow: an.Slow()}:
			default:
			}
		}),
	}
	if m.cfg.Tree.SlowThreshold > 0 {
		asyncOpts = append(asyncOpts, tree.WithSlowThreshold[string](m.cfg.Tree.SlowThreshold))
	}
	m.async = tree.NewAsyncTreeModel[string](m.view, src, asyncOpts...)

	ti := textinput.New()
	ti.Prompt = "/ "
	ti.Placeholder = "jump to…"
	ti.CharLimit = 256
	m.jump = ti

	return m
}

// Init starts loading and listening for background events.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.loadCmd(), waitForEvent(m.events), m.listenCmd())
}

// Load sets the input, applies the configured expand depth and restores the
// saved view state.
func (m Model) Load(ctx context.Context) error {
	defer debug.LogEnterExit("ui.Load")()

	if err := m.async.SetInput(ctx, m.src.Root()); err != nil {
		return err
	}
	for depth := 1; depth <= m.cfg.Tree.ExpandDepth; depth++ {
		for _, el := range m.collapsedBranches(depth) {
			if err := m.async.Expand(ctx, el, false); err != nil {
				return err
			}
		}
	}
	m.restore(ctx)
	return nil
}

// collapsedBranches returns the collapsed branch elements at depth.
func (m Model) collapsedBranches(depth int) []string {
	var out []string
	m.async.Locked(func(t *tree.IndexTreeModel[*tree.AsyncNode[string]]) {
		var walk func(n entry)
		walk = func(n entry) {
			for _, c := range n.Children() {
				switch {
				case c.Depth() == depth:
					if c.Collapsed() && c.Element().HasChildren() {
						out = append(out, c.Element().Element())
					}
				case !c.Collapsed():
					walk(c)
				}
			}
		}
		walk(t.Root())
	})
	return out
}

// restore applies the saved expand state. Entries are applied in passes so
// that nodes appear once their ancestors have loaded.
func (m Model) restore(ctx context.Context) {
	if m.state == nil || len(m.state.Expanded) == 0 {
		return
	}
	pending := maps.Clone(m.state.Expanded)
	for len(pending) > 0 {
		progress := false
		for _, el := range slices.Sorted(maps.Keys(pending)) {
			if !m.async.HasNode(el) {
				continue
			}
			expanded := pending[el]
			delete(pending, el)
			progress = true

			var err error
			if expanded {
				err = m.async.Expand(ctx, el, false)
			} else {
				err = m.async.Collapse(el, false)
			}
			if err != nil {
				debug.Log("ui: restore %s: %v", el, err)
			}
		}
		if !progress {
			break
		}
	}
	debug.LogIf(len(pending) > 0, "ui: %d saved nodes no longer exist", len(pending))
}

// Snapshot returns the current view state: every loaded branch whose
// collapse state differs from what a fresh load would give it.
func (m Model) Snapshot() *ViewState {
	state := NewViewState(m.stateKey)
	state.Cursor = m.cursorEl
	m.async.Locked(func(t *tree.IndexTreeModel[*tree.AsyncNode[string]]) {
		var walk func(n entry)
		walk = func(n entry) {
			for _, c := range n.Children() {
				an := c.Element()
				if !an.HasChildren() {
					continue
				}
				def := m.src.CollapseByDefault(an.Element()) && c.Depth() > m.cfg.Tree.ExpandDepth
				if c.Collapsed() != def {
					state.Expanded[an.Element()] = !c.Collapsed()
				}
				walk(c)
			}
		}
		walk(t.Root())
	})
	return state
}

// Close releases the rows of the list view.
func (m Model) Close() {
	m.async.Locked(func(*tree.IndexTreeModel[*tree.AsyncNode[string]]) {
		m.view.Dispose()
	})
}

// Lines returns the visible rows as plain text, one per element.
func (m Model) Lines() []string {
	var out []string
	m.async.Locked(func(*tree.IndexTreeModel[*tree.AsyncNode[string]]) {
		for _, e := range m.view.Elements() {
			out = append(out, m.rowText(e))
		}
	})
	return out
}

// Cursor returns the list index and element under the cursor.
func (m Model) Cursor() (int, string) {
	return m.cursor, m.cursorEl
}

// Status returns the footer status line.
func (m Model) Status() string {
	return m.status
}

func (m Model) loadCmd() tea.Cmd {
	return func() tea.Msg {
		return LoadedMsg{Err: m.Load(m.ctx)}
	}
}

func (m Model) expandCmd(el string, recursive bool) tea.Cmd {
	return func() tea.Msg {
		return ExpandedMsg{Element: el, Err: m.async.Expand(m.ctx, el, recursive)}
	}
}

func (m Model) refreshCmd(el string) tea.Cmd {
	return func() tea.Msg {
		before := m.childrenOf(el)
		err := m.async.RefreshNode(m.ctx, el)
		after := m.childrenOf(el)
		return RefreshedMsg{Element: el, Diff: datasource.DiffChildren(el, before, after), Err: err}
	}
}

func (m Model) listenCmd() tea.Cmd {
	if m.watch == nil {
		return nil
	}
	return WatchDirsCmd(m.watch)
}

func waitForEvent(ch <-chan tea.Msg) tea.Cmd {
	return func() tea.Msg {
		return <-ch
	}
}

// WatchDirsCmd returns a command that waits for a directory change and
// sends DirChangedMsg.
func WatchDirsCmd(w *watcher.Watcher) tea.Cmd {
	return func() tea.Msg {
		return DirChangedMsg{Dir: <-w.Changed()}
	}
}

// childrenOf returns the loaded children of el.
func (m Model) childrenOf(el string) []string {
	loc, err := m.async.Location(el)
	if err != nil {
		return nil
	}
	var out []string
	m.async.Locked(func(t *tree.IndexTreeModel[*tree.AsyncNode[string]]) {
		n, err := t.GetNode(loc)
		if err != nil {
			return
		}
		for _, c := range n.Children() {
			out = append(out, c.Element().Element())
		}
	})
	return out
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.async.Locked(func(*tree.IndexTreeModel[*tree.AsyncNode[string]]) {
			m.view.Layout(m.bodyHeight())
		})
		m.moveCursor(0)
		return m, nil

	case LoadedMsg:
		m.loading = false
		if msg.Err != nil {
			m.err = msg.Err
			m.status = describeError(msg.Err)
			return m, nil
		}
		if m.state != nil && m.state.Cursor != "" {
			m.cursorEl = m.state.Cursor
		}
		m.syncCursor()
		m.watchLoaded()
		m.status = fmt.Sprintf("%s loaded", m.src.Label(m.src.Root()))
		return m, nil

	case ExpandedMsg:
		if msg.Err != nil {
			m.status = describeError(msg.Err)
		}
		m.syncCursor()
		m.watchLoaded()
		return m, nil

	case RefreshedMsg:
		if msg.Err != nil {
			m.status = describeError(msg.Err)
		} else {
			m.status = fmt.Sprintf("%s: %s", m.src.Label(msg.Element), msg.Diff.Short())
		}
		m.syncCursor()
		m.watchLoaded()
		return m, nil

	case DirChangedMsg:
		root, _ := m.async.Input()
		if msg.Dir != root && !m.async.HasNode(msg.Dir) {
			if m.watch != nil {
				m.watch.Remove(msg.Dir)
			}
			return m, m.listenCmd()
		}
		return m, tea.Batch(m.refreshCmd(msg.Dir), m.listenCmd())

	case slowChangedMsg:
		debug.Log("ui: %s slow=%v", msg.Element, msg.Slow)
		return m, waitForEvent(m.events)

	case tea.KeyMsg:
		if m.jumping {
			return m.updateJump(msg)
		}
		return m.handleKey(msg)
	}
	return m, nil
}

func (m Model) updateJump(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc":
		m.jumping = false
		m.jump.Blur()
		return m, nil
	case "enter":
		m.jumping = false
		m.jump.Blur()
		m.jumpTo(m.jump.Value())
		return m, nil
	}
	var cmd tea.Cmd
	m.jump, cmd = m.jump.Update(msg)
	return m, cmd
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "q":
		SaveViewState(m.statePath, m.Snapshot())
		return m, tea.Quit
	}
	if m.loading {
		return m, nil
	}

	switch msg.String() {
	case "up", "k":
		m.moveCursor(-1)
	case "down", "j":
		m.moveCursor(1)
	case "pgup", "ctrl+u":
		m.moveCursor(-m.bodyHeight())
	case "pgdown", "ctrl+d":
		m.moveCursor(m.bodyHeight())
	case "home", "g":
		m.moveCursor(-m.cursor)
	case "end", "G":
		m.moveCursor(1 << 30)

	case "right", "l":
		cur := m.current()
		switch {
		case !cur.ok || !cur.branch:
		case cur.collapsed:
			return m, m.expandCmd(cur.element, false)
		case cur.childCount > 0:
			m.moveCursor(1)
		}
	case "left", "h":
		cur := m.current()
		switch {
		case !cur.ok:
		case cur.branch && !cur.collapsed:
			m.collapse(cur.element, false)
		case cur.parent != "":
			m.cursorEl = cur.parent
			m.syncCursor()
		}
	case "enter", " ":
		cur := m.current()
		switch {
		case !cur.ok || !cur.branch:
		case cur.collapsed:
			return m, m.expandCmd(cur.element, false)
		default:
			m.collapse(cur.element, false)
		}
	case "E":
		if cur := m.current(); cur.ok && cur.branch {
			return m, m.expandCmd(cur.element, true)
		}
	case "C":
		if root, ok := m.async.Input(); ok {
			m.collapse(root, true)
		}
	case "r":
		cur := m.current()
		switch {
		case !cur.ok:
		case cur.branch:
			return m, m.refreshCmd(cur.element)
		case cur.parent != "":
			return m, m.refreshCmd(cur.parent)
		default:
			root, _ := m.async.Input()
			return m, m.refreshCmd(root)
		}
	case "R":
		root, _ := m.async.Input()
		return m, m.refreshCmd(root)
	case "y":
		if cur := m.current(); cur.ok {
			m.copyElement(cur.element)
		}
	case "/":
		m.jumping = true
		m.jump.SetValue("")
		return m, m.jump.Focus()
	}
	return m, nil
}

// cursorInfo describes the row under the cursor.
type cursorInfo struct {
	ok         bool
	element    string
	parent     string
	branch     bool
	collapsed  bool
	childCount int
}

func (m *Model) current() cursorInfo {
	var info cursorInfo
	m.async.Locked(func(*tree.IndexTreeModel[*tree.AsyncNode[string]]) {
		if m.cursor < 0 || m.cursor >= m.view.Length() {
			return
		}
		e := m.view.Element(m.cursor)
		an := e.Element()
		info = cursorInfo{
			ok:         true,
			element:    an.Element(),
			branch:     an.HasChildren(),
			collapsed:  e.Collapsed(),
			childCount: e.ChildCount(),
		}
		if p := e.Parent(); p != nil && p.Parent() != nil {
			info.parent = p.Element().Element()
		}
	})
	return info
}

func (m *Model) collapse(el string, recursive bool) {
	if err := m.async.Collapse(el, recursive); err != nil {
		m.status = describeError(err)
	}
	m.syncCursor()
}

// moveCursor moves the cursor by delta rows, clamped, and scrolls it into
// view.
func (m *Model) moveCursor(delta int) {
	m.async.Locked(func(*tree.IndexTreeModel[*tree.AsyncNode[string]]) {
		n := m.view.Length()
		if n == 0 {
			m.cursor = 0
			m.cursorEl = ""
			return
		}
		m.cursor = min(max(m.cursor+delta, 0), n-1)
		m.cursorEl = m.view.Element(m.cursor).Element().Element()
		m.view.Reveal(m.cursor)
	})
}

// syncCursor puts the cursor back on cursorEl after the list changed, or on
// its nearest visible ancestor when it is hidden.
func (m *Model) syncCursor() {
	if m.cursorEl != "" {
		if loc, err := m.async.Location(m.cursorEl); err == nil {
			m.async.Locked(func(t *tree.IndexTreeModel[*tree.AsyncNode[string]]) {
				for l := loc; len(l) > 0; l = l[:len(l)-1] {
					if idx, err := t.GetListIndex(l); err == nil && idx >= 0 {
						m.cursor = idx
						return
					}
				}
			})
		}
	}
	m.moveCursor(0)
}

// copyElement puts the element id (a path or a node id) on the clipboard.
func (m *Model) copyElement(el string) {
	if err := m.copyText(el); err != nil {
		m.status = fmt.Sprintf("clipboard error: %v", err)
		return
	}
	m.status = fmt.Sprintf("copied %s", el)
}

// jumpTo moves the cursor to the next visible row whose label contains
// query, ignoring case.
func (m *Model) jumpTo(query string) {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return
	}
	found := false
	m.async.Locked(func(*tree.IndexTreeModel[*tree.AsyncNode[string]]) {
		n := m.view.Length()
		for i := 1; i <= n; i++ {
			idx := (m.cursor + i) % n
			el := m.view.Element(idx).Element().Element()
			if strings.Contains(strings.ToLower(m.src.Label(el)), q) {
				m.cursor = idx
				found = true
				return
			}
		}
	})
	if !found {
		m.status = fmt.Sprintf("no match for %q", query)
		return
	}
	m.status = ""
	m.moveCursor(0)
}

// watchLoaded adds the input and every expanded directory to the watcher.
func (m *Model) watchLoaded() {
	if m.watch == nil || m.src.Type() != datasource.SourceTypeDir {
		return
	}
	root, ok := m.async.Input()
	if !ok {
		return
	}
	dirs := []string{root}
	m.async.Locked(func(t *tree.IndexTreeModel[*tree.AsyncNode[string]]) {
		var walk func(n entry)
		walk = func(n entry) {
			for _, c := range n.Children() {
				if c.Element().HasChildren() && !c.Collapsed() {
					dirs = append(dirs, c.Element().Element())
					walk(c)
				}
			}
		}
		walk(t.Root())
	})
	for _, dir := range dirs {
		if err := m.watch.Add(dir); err != nil {
			debug.Log("ui: cannot watch %s: %v", dir, err)
		}
	}
}

func describeError(err error) string {
	var perr *tree.ProviderError
	if errors.As(err, &perr) {
		return fmt.Sprintf("cannot load %v: %v", perr.Element, perr.Err)
	}
	return err.Error()
}

func (m Model) bodyHeight() int {
	return max(m.height-2, 1)
}

// View renders the header, the visible rows and the footer.
func (m Model) View() string {
	defer metrics.Timer(metrics.UIRender)()

	if m.width <= 0 {
		return m.status
	}

	var b strings.Builder
	title := "arbor · " + m.src.Label(m.src.Root())
	b.WriteString(m.theme.Header.Width(m.width).Render(truncate(title, m.width-2)))
	b.WriteByte('\n')

	for _, line := range m.body() {
		b.WriteString(line)
		b.WriteByte('\n')
	}

	b.WriteString(m.footer())
	return b.String()
}

// body draws the entry bound to every rendered row at its surface offset
// inside the window.
func (m Model) body() []string {
	lines := make([]string, m.bodyHeight())
	m.async.Locked(func(*tree.IndexTreeModel[*tree.AsyncNode[string]]) {
		top := m.view.ScrollTop()
		for _, r := range m.view.Rows() {
			data := r.Row.TemplateData.(*rowData)
			if !data.surface.attached || data.entry == nil {
				continue
			}
			for i, line := range m.renderEntry(data.entry, data.index == m.cursor, r.Height) {
				y := data.surface.top - top + i
				if y >= 0 && y < len(lines) {
					lines[y] = line
				}
			}
		}
	})
	blank := strings.Repeat(" ", m.width)
	for i, line := range lines {
		if line == "" {
			lines[i] = blank
		}
	}
	return lines
}

// rowText is the plain first line of a row.
func (m Model) rowText(e entry) string {
	an := e.Element()
	twisty := "  "
	if an.HasChildren() {
		twisty = "▾ "
		if e.Collapsed() {
			twisty = "▸ "
		}
	}
	return strings.Repeat("  ", max(e.Depth()-1, 0)) + twisty + m.src.Label(an.Element())
}

func (m Model) renderEntry(e entry, selected bool, height int) []string {
	an := e.Element()
	text := m.rowText(e)
	if an.Slow() {
		text += " loading…"
	}

	style := m.theme.Leaf
	if an.HasChildren() {
		style = m.theme.Branch
	}
	if selected {
		style = m.theme.Selected
	}
	lines := []string{style.Render(fit(text, m.width))}

	for i := 1; i < height; i++ {
		detail := ""
		if i == 1 && an.HasChildren() {
			switch {
			case an.Stale():
				detail = "not loaded"
			default:
				detail = pluralize(e.ChildCount(), "item")
			}
		}
		indent := strings.Repeat("  ", e.Depth())
		lines = append(lines, m.theme.Detail.Render(fit(indent+detail, m.width)))
	}
	return lines
}

func (m Model) footer() string {
	if m.jumping {
		return fit(m.jump.View(), m.width)
	}
	if m.err != nil {
		return m.theme.Error.Render(fit(m.status, m.width))
	}

	var rows int
	m.async.Locked(func(*tree.IndexTreeModel[*tree.AsyncNode[string]]) {
		rows = m.view.Length()
	})
	right := fmt.Sprintf(" %d/%d", min(m.cursor+1, rows), rows)
	left := m.status
	if left == "" {
		left = "↑↓ move  ←→ fold  enter toggle  E expand all  C collapse all  r refresh  y copy  / jump  q quit"
	}
	return m.theme.Footer.Render(fit(left, m.width-len(right)) + right)
}
