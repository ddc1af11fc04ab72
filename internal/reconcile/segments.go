package reconcile

import (
	"maps"
	"slices"
	"strings"
)

// Segment is one recognised text fragment keyed by its backend sequence number.
type Segment struct {
	Seq  int
	Text string
}

// ReplaceRange is an inclusive sequence range whose segments a correction
// supersedes.
type ReplaceRange struct {
	Start, End int
}

// Contains reports whether seq lies within the range.
func (r ReplaceRange) Contains(seq int) bool {
	return seq >= r.Start && seq <= r.End
}

// SegmentSet holds at most one segment per sequence number and renders them in
// ascending order. Sequence numbers need not be contiguous or arrive in order.
// The zero value is ready to use.
type SegmentSet struct {
	m map[int]string
}

// Upsert stores text under seq, overwriting any previous text for seq.
func (s *SegmentSet) Upsert(seq int, text string) {
	if s.m == nil {
		s.m = make(map[int]string)
	}
	s.m[seq] = text
}

// EvictRange removes every segment whose seq lies in r and returns how many
// were removed.
func (s *SegmentSet) EvictRange(r ReplaceRange) int {
	n := 0
	for seq := range s.m {
		if r.Contains(seq) {
			delete(s.m, seq)
			n++
		}
	}
	return n
}

// Clear drops all segments.
func (s *SegmentSet) Clear() { clear(s.m) }

// Len returns the number of retained segments.
func (s *SegmentSet) Len() int { return len(s.m) }

// Get returns the text stored under seq.
func (s *SegmentSet) Get(seq int) (string, bool) {
	t, ok := s.m[seq]
	return t, ok
}

// Segments returns the retained segments in ascending seq order.
func (s *SegmentSet) Segments() []Segment {
	keys := slices.Sorted(maps.Keys(s.m))
	out := make([]Segment, len(keys))
	for i, k := range keys {
		out[i] = Segment{Seq: k, Text: s.m[k]}
	}
	return out
}

// Render concatenates the retained texts in ascending seq order.
func (s *SegmentSet) Render() string {
	if len(s.m) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, k := range slices.Sorted(maps.Keys(s.m)) {
		sb.WriteString(s.m[k])
	}
	return sb.String()
}
