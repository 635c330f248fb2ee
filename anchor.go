package anchorage

import "github.com/google/uuid"

// Stickiness decides which side of an insertion point an anchor attaches to.
type Stickiness uint8

const (
	// StickLeft keeps the anchor in front of text inserted at its offset.
	StickLeft Stickiness = iota

	// StickRight moves the anchor past text inserted at its offset.
	StickRight
)

// String returns "left" or "right".
func (s Stickiness) String() string {
	if s == StickRight {
		return "right"
	}
	return "left"
}

// Lifetime specifies where an anchor or range marker is kept.
type Lifetime uint8

const (
	// LifetimeMutation anchors exist only inside one mutation view and are
	// discarded when it is released.
	LifetimeMutation Lifetime = iota

	// LifetimeDocument anchors are persisted in the document's anchor index
	// and travel with the document when it is shared.
	LifetimeDocument

	// LifetimeLocal anchors are persisted on this replica only, tracked by the
	// local anchors component. They are never replicated.
	LifetimeLocal
)

// String returns the lifetime name.
func (l Lifetime) String() string {
	switch l {
	case LifetimeDocument:
		return "document"
	case LifetimeLocal:
		return "local"
	default:
		return "mutation"
	}
}

// AnchorID identifies an anchor.
type AnchorID string

// RangeMarkerID identifies a range marker.
type RangeMarkerID string

// NewAnchorID returns a fresh, globally unique anchor id.
func NewAnchorID() AnchorID {
	return AnchorID(uuid.NewString())
}

// NewRangeMarkerID returns a fresh, globally unique range marker id.
func NewRangeMarkerID() RangeMarkerID {
	return RangeMarkerID(uuid.NewString())
}

// Range is a resolved range marker position with From <= To.
type Range struct {
	From int
	To   int
}

// Len returns the number of runes covered by the range.
func (r Range) Len() int {
	return r.To - r.From
}

// anchorEntry is an anchor's state inside an index.
type anchorEntry struct {
	offset int
	stick  Stickiness
}

// markerEntry is a range marker's state inside an index.
// A closed endpoint absorbs text inserted exactly at it.
type markerEntry struct {
	from        int
	to          int
	closedLeft  bool
	closedRight bool
}

// stickiness returns the stickiness each endpoint uses during a transform.
func (m markerEntry) stickiness() (from, to Stickiness) {
	from, to = StickRight, StickLeft
	if m.closedLeft {
		from = StickLeft
	}
	if m.closedRight {
		to = StickRight
	}
	return from, to
}
