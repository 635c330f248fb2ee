package anchorage

import (
	"fmt"
	"maps"
	"slices"
)

// AnchorIndex maps anchor ids to offsets and range marker ids to offset
// pairs. It is immutable: every method that changes it returns a new index
// and leaves the receiver untouched, so an index can be shared freely
// between snapshots.
//
// Offsets only move through Edit (relative transform) or BatchUpdate
// (authoritative re-assignment).
type AnchorIndex struct {
	textLen int
	anchors map[AnchorID]anchorEntry
	markers map[RangeMarkerID]markerEntry
}

// NewAnchorIndex returns an empty index for a text of textLen runes.
func NewAnchorIndex(textLen int) *AnchorIndex {
	return &AnchorIndex{textLen: textLen}
}

// AnchorState is an exported view of one anchor in an index.
type AnchorState struct {
	ID         AnchorID
	Offset     int
	Stickiness Stickiness
}

// RangeMarkerState is an exported view of one range marker in an index.
type RangeMarkerState struct {
	ID          RangeMarkerID
	From        int
	To          int
	ClosedLeft  bool
	ClosedRight bool
}

// RestoreAnchorIndex rebuilds an index from previously exported states.
// Positions are validated against textLen.
func RestoreAnchorIndex(textLen int, anchors []AnchorState, markers []RangeMarkerState) (*AnchorIndex, error) {
	idx := NewAnchorIndex(textLen).clone()
	for _, a := range anchors {
		if a.Offset < 0 || a.Offset > textLen {
			return nil, fmt.Errorf("%w: anchor %s at %d", ErrOutOfBounds, a.ID, a.Offset)
		}
		idx.anchors[a.ID] = anchorEntry{offset: a.Offset, stick: a.Stickiness}
	}
	for _, m := range markers {
		if m.From < 0 || m.From > m.To || m.To > textLen {
			return nil, fmt.Errorf("%w: range marker %s at (%d, %d)", ErrOutOfBounds, m.ID, m.From, m.To)
		}
		idx.markers[m.ID] = markerEntry{from: m.From, to: m.To, closedLeft: m.ClosedLeft, closedRight: m.ClosedRight}
	}
	return idx, nil
}

// Anchors returns every anchor, ordered by id.
func (idx *AnchorIndex) Anchors() []AnchorState {
	out := make([]AnchorState, 0, len(idx.anchors))
	for _, id := range idx.AnchorIDs() {
		e := idx.anchors[id]
		out = append(out, AnchorState{ID: id, Offset: e.offset, Stickiness: e.stick})
	}
	return out
}

// RangeMarkers returns every range marker, ordered by id.
func (idx *AnchorIndex) RangeMarkers() []RangeMarkerState {
	out := make([]RangeMarkerState, 0, len(idx.markers))
	for _, id := range idx.RangeMarkerIDs() {
		m := idx.markers[id]
		out = append(out, RangeMarkerState{ID: id, From: m.from, To: m.to, ClosedLeft: m.closedLeft, ClosedRight: m.closedRight})
	}
	return out
}

// TextLen returns the length of the text the index is valid for.
func (idx *AnchorIndex) TextLen() int {
	return idx.textLen
}

// AnchorCount returns the number of anchors.
func (idx *AnchorIndex) AnchorCount() int {
	return len(idx.anchors)
}

// RangeMarkerCount returns the number of range markers.
func (idx *AnchorIndex) RangeMarkerCount() int {
	return len(idx.markers)
}

// AnchorIDs returns the anchor ids in sorted order.
func (idx *AnchorIndex) AnchorIDs() []AnchorID {
	return slices.Sorted(maps.Keys(idx.anchors))
}

// RangeMarkerIDs returns the range marker ids in sorted order.
func (idx *AnchorIndex) RangeMarkerIDs() []RangeMarkerID {
	return slices.Sorted(maps.Keys(idx.markers))
}

// HasAnchor reports whether the index tracks the anchor.
func (idx *AnchorIndex) HasAnchor(id AnchorID) bool {
	_, ok := idx.anchors[id]
	return ok
}

// HasRangeMarker reports whether the index tracks the range marker.
func (idx *AnchorIndex) HasRangeMarker(id RangeMarkerID) bool {
	_, ok := idx.markers[id]
	return ok
}

// AddAnchor returns an index with the anchor placed at offset.
// An existing anchor with the same id is replaced.
func (idx *AnchorIndex) AddAnchor(id AnchorID, offset int, stick Stickiness) (*AnchorIndex, error) {
	if offset < 0 || offset > idx.textLen {
		return nil, fmt.Errorf("%w: anchor offset %d not in [0, %d]", ErrOutOfBounds, offset, idx.textLen)
	}
	next := idx.clone()
	next.anchors[id] = anchorEntry{offset: offset, stick: stick}
	return next, nil
}

// AddRangeMarker returns an index with the range marker covering [from, to].
// An existing marker with the same id is replaced.
func (idx *AnchorIndex) AddRangeMarker(id RangeMarkerID, from, to int, closedLeft, closedRight bool) (*AnchorIndex, error) {
	if from < 0 || from > to || to > idx.textLen {
		return nil, fmt.Errorf("%w: range marker (%d, %d) not within [0, %d]", ErrOutOfBounds, from, to, idx.textLen)
	}
	next := idx.clone()
	next.markers[id] = markerEntry{from: from, to: to, closedLeft: closedLeft, closedRight: closedRight}
	return next, nil
}

// RemoveAnchor returns an index without the anchor. Removing an unknown
// anchor returns the receiver.
func (idx *AnchorIndex) RemoveAnchor(id AnchorID) *AnchorIndex {
	if _, ok := idx.anchors[id]; !ok {
		return idx
	}
	next := idx.clone()
	delete(next.anchors, id)
	return next
}

// RemoveRangeMarker returns an index without the range marker. Removing an
// unknown marker returns the receiver.
func (idx *AnchorIndex) RemoveRangeMarker(id RangeMarkerID) *AnchorIndex {
	if _, ok := idx.markers[id]; !ok {
		return idx
	}
	next := idx.clone()
	delete(next.markers, id)
	return next
}

// ResolveAnchor returns the anchor's offset.
func (idx *AnchorIndex) ResolveAnchor(id AnchorID) (int, bool) {
	e, ok := idx.anchors[id]
	return e.offset, ok
}

// AnchorStickiness returns the anchor's stickiness.
func (idx *AnchorIndex) AnchorStickiness(id AnchorID) (Stickiness, bool) {
	e, ok := idx.anchors[id]
	return e.stick, ok
}

// ResolveRangeMarker returns the range marker's offsets.
func (idx *AnchorIndex) ResolveRangeMarker(id RangeMarkerID) (Range, bool) {
	e, ok := idx.markers[id]
	if !ok {
		return Range{}, false
	}
	return Range{From: e.from, To: e.to}, true
}

// Edit transforms every anchor and range marker through op, which turned
// before into after.
func (idx *AnchorIndex) Edit(before, after Text, op Operation) (*AnchorIndex, error) {
	if op.baseLen != before.Len() || op.targetLen != after.Len() {
		return nil, fmt.Errorf("%w: operation maps %d to %d, texts are %d and %d",
			ErrMalformedOperation, op.baseLen, op.targetLen, before.Len(), after.Len())
	}
	if idx.textLen != before.Len() {
		return nil, fmt.Errorf("%w: index tracks length %d, text has %d",
			ErrMalformedOperation, idx.textLen, before.Len())
	}
	if op.IsIdentity() {
		return idx, nil
	}

	next := &AnchorIndex{
		textLen: after.Len(),
		anchors: make(map[AnchorID]anchorEntry, len(idx.anchors)),
		markers: make(map[RangeMarkerID]markerEntry, len(idx.markers)),
	}
	for id, e := range idx.anchors {
		e.offset = op.TransformOffset(e.offset, e.stick)
		next.anchors[id] = e
	}
	for id, m := range idx.markers {
		fromStick, toStick := m.stickiness()
		m.from = op.TransformOffset(m.from, fromStick)
		m.to = op.TransformOffset(m.to, toStick)
		if m.from > m.to {
			m.from = m.to
		}
		next.markers[id] = m
	}
	return next, nil
}

// BatchUpdate re-assigns absolute positions to existing anchors and range
// markers. It bypasses Edit and is meant for callers that computed
// authoritative positions out of band, for example after a full reparse.
func (idx *AnchorIndex) BatchUpdate(anchorIDs []AnchorID, offsets []int, markerIDs []RangeMarkerID, ranges []Range) (*AnchorIndex, error) {
	if len(anchorIDs) != len(offsets) || len(markerIDs) != len(ranges) {
		return nil, ErrBatchMismatch
	}
	next := idx.clone()
	for i, id := range anchorIDs {
		e, ok := next.anchors[id]
		if !ok {
			return nil, fmt.Errorf("%w: anchor %s", ErrAnchorNotFound, id)
		}
		if offsets[i] < 0 || offsets[i] > idx.textLen {
			return nil, fmt.Errorf("%w: anchor offset %d not in [0, %d]", ErrOutOfBounds, offsets[i], idx.textLen)
		}
		e.offset = offsets[i]
		next.anchors[id] = e
	}
	for i, id := range markerIDs {
		m, ok := next.markers[id]
		if !ok {
			return nil, fmt.Errorf("%w: range marker %s", ErrAnchorNotFound, id)
		}
		r := ranges[i]
		if r.From < 0 || r.From > r.To || r.To > idx.textLen {
			return nil, fmt.Errorf("%w: range marker (%d, %d) not within [0, %d]", ErrOutOfBounds, r.From, r.To, idx.textLen)
		}
		m.from, m.to = r.From, r.To
		next.markers[id] = m
	}
	return next, nil
}

func (idx *AnchorIndex) clone() *AnchorIndex {
	next := &AnchorIndex{
		textLen: idx.textLen,
		anchors: make(map[AnchorID]anchorEntry, len(idx.anchors)+1),
		markers: make(map[RangeMarkerID]markerEntry, len(idx.markers)+1),
	}
	maps.Copy(next.anchors, idx.anchors)
	maps.Copy(next.markers, idx.markers)
	return next
}
