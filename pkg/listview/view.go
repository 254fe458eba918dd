package listview

import (
	"fmt"
	"slices"

	"github.com/vanderheijden86/arbor/pkg/metrics"
	"github.com/vanderheijden86/arbor/pkg/rangemap"
)

// Delegate describes the layout of each element.
type Delegate[E any] interface {
	// Height returns the size of the row for element.
	Height(element E) int
	// TemplateID selects the renderer for element.
	TemplateID(element E) string
}

// ElementRenderer binds elements to rows of its template.
type ElementRenderer[E any] interface {
	TemplateRenderer
	// RenderElement fills a row with element, which sits at index.
	RenderElement(element E, index int, data any)
	// DisposeElement unbinds element before its row returns to the pool.
	DisposeElement(element E, index int, data any)
}

// Rendered describes one row currently in the window.
type Rendered[E any] struct {
	Index   int
	Top     int
	Height  int
	Element E
	Row     *Row
}

type item[E any] struct {
	element    E
	size       int
	templateID string

	row      *Row
	index    int // index the row was last rendered at
	inWindow bool
}

type viewOptions struct {
	paddingTop int
	height     int
}

// ViewOption configures a View.
type ViewOption func(*viewOptions)

// WithPaddingTop reserves space above the first row.
func WithPaddingTop(p int) ViewOption {
	return func(o *viewOptions) {
		o.paddingTop = p
	}
}

// WithHeight sets the initial render height.
func WithHeight(h int) ViewOption {
	return func(o *viewOptions) {
		o.height = h
	}
}

// View is a virtualized list. It keeps one entry per element but holds rows
// only for the elements intersecting [ScrollTop, ScrollTop+RenderHeight).
//
// View satisfies tree.SpliceableList, so a tree model can use it directly
// as its backing store. It assumes a single writer.
//
// View panics if the delegate names a template with no renderer, since
// nothing can be drawn for such an element.
type View[E any] struct {
	delegate  Delegate[E]
	renderers map[string]ElementRenderer[E]
	cache     *RowCache
	rangeMap  *rangemap.RangeMap

	items         []*item[E]
	renderedItems []*item[E]
	rendered      rangemap.Range

	scrollTop    int
	renderHeight int
}

// NewView creates an empty view. newSurface creates the surfaces the row
// cache hands out.
func NewView[E any](delegate Delegate[E], renderers map[string]ElementRenderer[E], newSurface func() Surface, opts ...ViewOption) *View[E] {
	var o viewOptions
	for _, opt := range opts {
		opt(&o)
	}

	templates := make(map[string]TemplateRenderer, len(renderers))
	for id, r := range renderers {
		templates[id] = r
	}

	return &View[E]{
		delegate:     delegate,
		renderers:    renderers,
		cache:        NewRowCache(templates, newSurface),
		rangeMap:     rangemap.NewRangeMap(o.paddingTop),
		renderHeight: o.height,
	}
}

// Splice replaces deleteCount elements at start with elements and
// re-renders the window. Out-of-range arguments are clamped.
func (v *View[E]) Splice(start, deleteCount int, elements []E) {
	defer metrics.Timer(metrics.ListSplice)()

	start = min(max(start, 0), len(v.items))
	deleteCount = min(max(deleteCount, 0), len(v.items)-start)

	v.transact(func() {
		for _, it := range v.items[start : start+deleteCount] {
			v.releaseRow(it)
		}

		inserted := make([]*item[E], len(elements))
		sizes := make([]rangemap.Item, len(elements))
		for i, e := range elements {
			size := v.delegate.Height(e)
			inserted[i] = &item[E]{element: e, size: size, templateID: v.delegate.TemplateID(e)}
			sizes[i] = rangemap.Item{Size: size}
		}

		v.items = slices.Replace(v.items, start, start+deleteCount, inserted...)
		v.rangeMap.Splice(start, deleteCount, sizes...)
		v.scrollTop = v.clampScroll(v.scrollTop)
		v.render()
	})
}

// Layout sets the render height and re-renders.
func (v *View[E]) Layout(height int) {
	v.renderHeight = max(height, 0)
	v.scrollTop = v.clampScroll(v.scrollTop)
	v.transact(v.render)
}

// SetScrollTop scrolls the window to top, clamped to the content.
func (v *View[E]) SetScrollTop(top int) {
	top = v.clampScroll(top)
	if top == v.scrollTop {
		return
	}
	v.scrollTop = top
	v.transact(v.render)
}

// Reveal scrolls the minimum amount needed to show the element at index.
func (v *View[E]) Reveal(index int) {
	if index < 0 || index >= len(v.items) {
		return
	}
	top := v.rangeMap.PositionAt(index)
	bottom := top + v.items[index].size

	switch {
	case top < v.scrollTop:
		v.SetScrollTop(top)
	case bottom > v.scrollTop+v.renderHeight:
		v.SetScrollTop(bottom - v.renderHeight)
	}
}

// ScrollTop returns the current scroll offset.
func (v *View[E]) ScrollTop() int { return v.scrollTop }

// RenderHeight returns the height of the window.
func (v *View[E]) RenderHeight() int { return v.renderHeight }

// ContentHeight returns the total size of all elements.
func (v *View[E]) ContentHeight() int { return v.rangeMap.Size() }

// Length returns the number of elements.
func (v *View[E]) Length() int { return len(v.items) }

// Element returns the element at index.
func (v *View[E]) Element(index int) E { return v.items[index].element }

// Elements returns a copy of every element in order.
func (v *View[E]) Elements() []E {
	out := make([]E, len(v.items))
	for i, it := range v.items {
		out[i] = it.element
	}
	return out
}

// ElementTop returns the position of the element at index, or -1.
func (v *View[E]) ElementTop(index int) int { return v.rangeMap.PositionAt(index) }

// ElementHeight returns the size of the element at index.
func (v *View[E]) ElementHeight(index int) int { return v.items[index].size }

// IndexAt returns the index of the element covering position.
func (v *View[E]) IndexAt(position int) int { return v.rangeMap.IndexAt(position) }

// RenderedRange returns the half-open index range holding rows.
func (v *View[E]) RenderedRange() rangemap.Range { return v.rendered }

// Rows returns the rows currently rendered, in index order.
func (v *View[E]) Rows() []Rendered[E] {
	out := make([]Rendered[E], 0, len(v.renderedItems))
	for i, it := range v.renderedItems {
		index := v.rendered.Start + i
		out = append(out, Rendered[E]{
			Index:   index,
			Top:     v.rangeMap.PositionAt(index),
			Height:  it.size,
			Element: it.element,
			Row:     it.row,
		})
	}
	return out
}

// CacheStats exposes the pool statistics of the underlying row cache.
func (v *View[E]) CacheStats() CacheStats { return v.cache.Stats() }

// Dispose releases every rendered row and tears down the row cache.
func (v *View[E]) Dispose() {
	for _, it := range v.renderedItems {
		v.releaseRow(it)
	}
	v.renderedItems = nil
	v.rendered = rangemap.Range{}
	v.cache.Dispose()
}

func (v *View[E]) clampScroll(top int) int {
	maxTop := max(v.rangeMap.Size()-v.renderHeight, 0)
	return min(max(top, 0), maxTop)
}

func (v *View[E]) renderRange() rangemap.Range {
	if v.renderHeight <= 0 || len(v.items) == 0 {
		return rangemap.Range{}
	}
	start := v.rangeMap.IndexAt(v.scrollTop)
	end := v.rangeMap.IndexAfter(v.scrollTop + v.renderHeight - 1)
	if start >= end {
		return rangemap.Range{}
	}
	return rangemap.Range{Start: start, End: end}
}

// render reconciles held rows with the current window. It must run inside
// a cache transaction so rows moving within the window keep their surface.
func (v *View[E]) render() {
	r := v.renderRange()
	window := v.items[r.Start:r.End]

	for _, it := range window {
		it.inWindow = true
	}
	for _, it := range v.renderedItems {
		if !it.inWindow {
			v.releaseRow(it)
		}
	}

	for i, it := range window {
		it.inWindow = false
		index := r.Start + i
		switch {
		case it.row == nil:
			v.allocRow(it, index)
		case it.index != index:
			renderer := v.renderers[it.templateID]
			renderer.DisposeElement(it.element, it.index, it.row.TemplateData)
			renderer.RenderElement(it.element, index, it.row.TemplateData)
			it.index = index
			it.row.Surface.Attach(v.rangeMap.PositionAt(index))
		default:
			it.row.Surface.Attach(v.rangeMap.PositionAt(index))
		}
	}

	v.renderedItems = append(v.renderedItems[:0], window...)
	v.rendered = r
}

// transact runs fn in a row cache transaction. A renderer calling back into
// the view from inside one is a configuration bug.
func (v *View[E]) transact(fn func()) {
	if err := v.cache.Transact(fn); err != nil {
		panic(fmt.Sprintf("listview: re-entrant update: %v", err))
	}
}

func (v *View[E]) allocRow(it *item[E], index int) {
	row, err := v.cache.Get(it.templateID)
	if err != nil {
		panic(fmt.Sprintf("listview: %v", err))
	}
	v.renderers[it.templateID].RenderElement(it.element, index, row.TemplateData)
	row.Surface.Attach(v.rangeMap.PositionAt(index))
	it.row = row
	it.index = index
}

func (v *View[E]) releaseRow(it *item[E]) {
	if it.row == nil {
		return
	}
	if renderer, ok := v.renderers[it.templateID]; ok {
		renderer.DisposeElement(it.element, it.index, it.row.TemplateData)
	}
	v.cache.Release(it.row)
	it.row = nil
}
