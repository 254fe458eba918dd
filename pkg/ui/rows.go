package ui

import (
	"github.com/vanderheijden86/arbor/pkg/config"
	"github.com/vanderheijden86/arbor/pkg/listview"
	"github.com/vanderheijden86/arbor/pkg/tree"
)

// entry is one row of the explorer: a tree node wrapping a source element.
type entry = *tree.Node[*tree.AsyncNode[string]]

// Template ids. Their row heights come from the list section of the config.
const (
	templateLeaf   = "node"
	templateBranch = "branch"
)

// lineSurface is a block of terminal lines positioned inside the body.
type lineSurface struct {
	top      int
	attached bool
}

func (s *lineSurface) Attach(top int) {
	s.top = top
	s.attached = true
}

func (s *lineSurface) Detach() {
	s.attached = false
}

func newLineSurface() listview.Surface {
	return &lineSurface{}
}

// rowData is the per-row state bound by rowRenderer.
type rowData struct {
	surface *lineSurface
	entry   entry
	index   int
}

// rowRenderer binds entries to rows. Drawing happens when the body is
// composed, since a row's text depends on collapse state that changes
// without a splice.
type rowRenderer struct{}

func (rowRenderer) RenderTemplate(s listview.Surface) any {
	return &rowData{surface: s.(*lineSurface), index: -1}
}

func (rowRenderer) DisposeTemplate(data any) {
	data.(*rowData).surface = nil
}

func (rowRenderer) RenderElement(e entry, index int, data any) {
	d := data.(*rowData)
	d.entry = e
	d.index = index
}

func (rowRenderer) DisposeElement(_ entry, _ int, data any) {
	d := data.(*rowData)
	d.entry = nil
	d.index = -1
}

// rowDelegate sizes rows from the config.
type rowDelegate struct {
	cfg config.Config
}

func (d rowDelegate) TemplateID(e entry) string {
	if e.Element().HasChildren() {
		return templateBranch
	}
	return templateLeaf
}

func (d rowDelegate) Height(e entry) int {
	return d.cfg.RowHeight(d.TemplateID(e))
}

func newListView(cfg config.Config, height int) *listview.View[entry] {
	renderers := map[string]listview.ElementRenderer[entry]{
		templateLeaf:   rowRenderer{},
		templateBranch: rowRenderer{},
	}
	return listview.NewView[entry](rowDelegate{cfg: cfg}, renderers, newLineSurface,
		listview.WithPaddingTop(cfg.List.PaddingTop),
		listview.WithHeight(height),
	)
}
