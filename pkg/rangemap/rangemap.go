// Package rangemap maps item indices to positions and back for a sequence
// of variably sized items.
//
// Items are stored as runs of equal size ("segments") rather than one entry
// per item, so every operation is linear in the number of segments. Long
// runs of equally sized rows collapse into a single segment, which keeps the
// segment count small for typical lists.
package rangemap

import "fmt"

// Range is a half-open interval [Start, End) of item indices.
type Range struct {
	Start int
	End   int
}

// Len returns the number of indices in the range.
func (r Range) Len() int {
	return r.End - r.Start
}

// IsEmpty reports whether the range contains no index.
func (r Range) IsEmpty() bool {
	return r.End-r.Start <= 0
}

// Intersect returns the overlap of r and other, or the zero Range.
func (r Range) Intersect(other Range) Range {
	if r.Start >= other.End || other.Start >= r.End {
		return Range{}
	}
	return Range{Start: max(r.Start, other.Start), End: min(r.End, other.End)}
}

// Shift moves the range by n indices.
func (r Range) Shift(n int) Range {
	return Range{Start: r.Start + n, End: r.End + n}
}

func (r Range) String() string {
	return fmt.Sprintf("[%d,%d)", r.Start, r.End)
}

// Segment is a run of consecutive items sharing one size.
type Segment struct {
	Range Range
	Size  int
}

// Item is a single entry inserted by Splice.
type Item struct {
	Size int
}

// unbounded stands in for +infinity when intersecting the tail of the map.
const unbounded = int(^uint(0) >> 1)

// RangeMap is an ordered, merged sequence of segments. The zero value is an
// empty map with no padding. RangeMap assumes a single writer.
type RangeMap struct {
	segments   []Segment
	size       int
	paddingTop int
}

// NewRangeMap creates an empty map with the given leading padding.
func NewRangeMap(paddingTop int) *RangeMap {
	return &RangeMap{paddingTop: paddingTop, size: paddingTop}
}

// PaddingTop returns the leading gap before the first item.
func (m *RangeMap) PaddingTop() int {
	return m.paddingTop
}

// SetPaddingTop changes the leading gap, adjusting Size accordingly.
func (m *RangeMap) SetPaddingTop(p int) {
	m.size += p - m.paddingTop
	m.paddingTop = p
}

// Splice removes deleteCount items at index and inserts items in their place.
func (m *RangeMap) Splice(index, deleteCount int, items ...Item) {
	diff := len(items) - deleteCount

	before := intersect(Range{Start: 0, End: index}, m.segments)
	after := intersect(Range{Start: index + deleteCount, End: unbounded}, m.segments)
	for i := range after {
		after[i].Range = after[i].Range.Shift(diff)
	}

	middle := make([]Segment, len(items))
	for i, item := range items {
		middle[i] = Segment{Range: Range{Start: index + i, End: index + i + 1}, Size: item.Size}
	}

	m.segments = concat(before, middle, after)

	total := m.paddingTop
	for _, seg := range m.segments {
		total += seg.Size * seg.Range.Len()
	}
	m.size = total
}

// Count returns the number of items in the map.
func (m *RangeMap) Count() int {
	if len(m.segments) == 0 {
		return 0
	}
	return m.segments[len(m.segments)-1].Range.End
}

// Size returns the aggregate size of all items plus the top padding.
func (m *RangeMap) Size() int {
	return m.size
}

// IndexAt returns the index of the item covering position. Negative
// positions yield -1, positions inside the padding yield 0 and positions
// past the end yield Count().
func (m *RangeMap) IndexAt(position int) int {
	if position < 0 {
		return -1
	}
	if position < m.paddingTop {
		return 0
	}

	index := 0
	size := m.paddingTop

	for _, seg := range m.segments {
		count := seg.Range.Len()
		newSize := size + count*seg.Size

		if position < newSize {
			return index + (position-size)/seg.Size
		}

		index += count
		size = newSize
	}

	return index
}

// IndexAfter returns the index following the one at position, clamped to
// Count().
func (m *RangeMap) IndexAfter(position int) int {
	return min(m.IndexAt(position)+1, m.Count())
}

// PositionAt returns the start position of the item at index, or -1 if the
// index is out of range.
func (m *RangeMap) PositionAt(index int) int {
	if index < 0 {
		return -1
	}

	position := 0
	count := 0

	for _, seg := range m.segments {
		segCount := seg.Range.Len()
		newCount := count + segCount

		if index < newCount {
			return m.paddingTop + position + (index-count)*seg.Size
		}

		position += segCount * seg.Size
		count = newCount
	}

	return -1
}

// Segments returns a copy of the current segment list.
func (m *RangeMap) Segments() []Segment {
	out := make([]Segment, len(m.segments))
	copy(out, m.segments)
	return out
}

// intersect clips every segment to r, dropping the ones outside it.
// Segments are ordered, so the scan stops at the first one past r.
func intersect(r Range, segments []Segment) []Segment {
	var result []Segment
	for _, seg := range segments {
		if r.Start >= seg.Range.End {
			continue
		}
		if r.End < seg.Range.Start {
			break
		}
		clipped := r.Intersect(seg.Range)
		if clipped.IsEmpty() {
			continue
		}
		result = append(result, Segment{Range: clipped, Size: seg.Size})
	}
	return result
}

// consolidate merges adjacent segments of equal size.
func consolidate(segments []Segment) []Segment {
	result := make([]Segment, 0, len(segments))
	for _, seg := range segments {
		if n := len(result); n > 0 && result[n-1].Size == seg.Size {
			result[n-1].Range.End = seg.Range.End
			continue
		}
		result = append(result, seg)
	}
	return result
}

func concat(groups ...[]Segment) []Segment {
	var all []Segment
	for _, g := range groups {
		all = append(all, g...)
	}
	return consolidate(all)
}
