package datasource

import (
	"fmt"
	"slices"
	"strings"
)

// ChildrenDiff describes how the children of one node changed between two
// loads.
type ChildrenDiff struct {
	// Parent is the node whose children were compared
	Parent string
	// Added contains children present only after the change
	Added []string
	// Removed contains children present only before the change
	Removed []string
	// Reordered is set when the common children changed relative order
	Reordered bool
	// CountBefore is the number of children before the change
	CountBefore int
	// CountAfter is the number of children after the change
	CountAfter int
}

// HasChanges returns true if the children differ in membership or order.
func (d ChildrenDiff) HasChanges() bool {
	return len(d.Added) > 0 || len(d.Removed) > 0 || d.Reordered
}

// Short returns a compact "+added -removed" form for status lines.
func (d ChildrenDiff) Short() string {
	if !d.HasChanges() {
		return "unchanged"
	}
	s := fmt.Sprintf("+%d -%d", len(d.Added), len(d.Removed))
	if d.Reordered {
		s += " reordered"
	}
	return s
}

// Summary returns a human-readable summary of the differences.
func (d ChildrenDiff) Summary(label func(string) string) string {
	if label == nil {
		label = func(s string) string { return s }
	}
	if !d.HasChanges() {
		return fmt.Sprintf("Children of %s unchanged (%d)", label(d.Parent), d.CountAfter)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Children of %s changed (%d -> %d):\n", label(d.Parent), d.CountBefore, d.CountAfter)
	section := func(title string, ids []string) {
		if len(ids) == 0 {
			return
		}
		fmt.Fprintf(&b, "  - %d %s\n", len(ids), title)
		if len(ids) <= 5 {
			for _, id := range ids {
				fmt.Fprintf(&b, "    - %s\n", label(id))
			}
		}
	}
	section("added", d.Added)
	section("removed", d.Removed)
	if d.Reordered {
		b.WriteString("  - order changed\n")
	}
	return b.String()
}

// DiffChildren compares two children lists of parent.
func DiffChildren(parent string, before, after []string) ChildrenDiff {
	diff := ChildrenDiff{
		Parent:      parent,
		CountBefore: len(before),
		CountAfter:  len(after),
	}

	inBefore := make(map[string]bool, len(before))
	for _, id := range before {
		inBefore[id] = true
	}
	inAfter := make(map[string]bool, len(after))
	for _, id := range after {
		inAfter[id] = true
		if !inBefore[id] {
			diff.Added = append(diff.Added, id)
		}
	}
	for _, id := range before {
		if !inAfter[id] {
			diff.Removed = append(diff.Removed, id)
		}
	}

	var commonBefore, commonAfter []string
	for _, id := range before {
		if inAfter[id] {
			commonBefore = append(commonBefore, id)
		}
	}
	for _, id := range after {
		if inBefore[id] {
			commonAfter = append(commonAfter, id)
		}
	}
	diff.Reordered = !slices.Equal(commonBefore, commonAfter)
	return diff
}
