package anchorage

import (
	"context"
	"fmt"
	"maps"
)

// MutationState is the lifecycle state of a mutation view.
type MutationState int

const (
	// MutationOpen is a view that has not edited the document yet.
	MutationOpen MutationState = iota

	// MutationEditing is a view that has applied at least one edit.
	MutationEditing

	// MutationCommitted is a view whose transaction committed.
	MutationCommitted

	// MutationDiscarded is a view whose transaction rolled back.
	MutationDiscarded
)

// String returns the state name.
func (s MutationState) String() string {
	switch s {
	case MutationOpen:
		return "open"
	case MutationEditing:
		return "editing"
	case MutationCommitted:
		return "committed"
	case MutationDiscarded:
		return "discarded"
	default:
		return fmt.Sprintf("MutationState(%d)", int(s))
	}
}

// Mutation is a view of one document bound to one transaction. It buffers
// mutation-scoped anchors privately; they follow every edit made through
// the view and disappear when the transaction ends.
//
// A Mutation is not safe for concurrent use.
type Mutation struct {
	lib *Library
	ctx context.Context
	tx  Tx
	doc EntityID

	state   MutationState
	private *AnchorIndex
	text    Text
	edits   EditLog
	dirty   bool
	failed  error

	broadcasts []SharedInstruction
}

// OpenMutation binds a mutation view to a caller-owned transaction. After
// the transaction commits, the document's components see OnCommit and
// shared edits are broadcast.
func (l *Library) OpenMutation(ctx context.Context, tx Tx, id EntityID) (*Mutation, error) {
	doc, err := readDocument(tx, id)
	if err != nil {
		return nil, err
	}
	m := &Mutation{
		lib:     l,
		ctx:     ctx,
		tx:      tx,
		doc:     id,
		private: NewAnchorIndex(doc.text.Len()),
		text:    doc.text,
		edits:   doc.edits,
	}
	tx.AfterCommit(m.committed)
	tx.AfterRollback(m.discarded)
	return m, nil
}

// State returns the lifecycle state.
func (m *Mutation) State() MutationState {
	return m.state
}

// ID returns the document entity id.
func (m *Mutation) ID() EntityID {
	return m.doc
}

// Tx returns the transaction the view is bound to.
func (m *Mutation) Tx() Tx {
	return m.tx
}

// Text returns the text as of the last edit made through this view.
func (m *Mutation) Text() Text {
	return m.text
}

// Edits returns the edit log as of the last edit made through this view.
func (m *Mutation) Edits() EditLog {
	return m.edits
}

// Timestamp returns the edit log timestamp.
func (m *Mutation) Timestamp() int64 {
	return m.edits.Timestamp()
}

// Document reads the document as seen by the transaction.
func (m *Mutation) Document() (*Document, error) {
	return readDocument(m.tx, m.doc)
}

func (m *Mutation) usable() error {
	if m.failed != nil {
		return m.failed
	}
	if m.state == MutationCommitted || m.state == MutationDiscarded {
		return fmt.Errorf("%w: %s", ErrMutationClosed, m.state)
	}
	return nil
}

// Edit applies op to the document. Identity operations change nothing and
// notify no component.
func (m *Mutation) Edit(op Operation) error {
	if err := m.usable(); err != nil {
		return err
	}
	if op.IsIdentity() {
		m.lib.metrics.editSkipped()
		return nil
	}
	if err := op.CheckLineEndings(); err != nil {
		return err
	}
	return m.apply(NewChangeInstruction(m.doc, op), nil)
}

// Insert inserts s at offset at.
func (m *Mutation) Insert(at int, s string) error {
	if at < 0 || at > m.text.Len() {
		return fmt.Errorf("%w: insert at %d not in [0, %d]", ErrOutOfBounds, at, m.text.Len())
	}
	return m.Edit(InsertAt(m.text.Len(), at, s))
}

// Delete deletes runes [from, to).
func (m *Mutation) Delete(from, to int) error {
	return m.Replace(from, to, "")
}

// Replace replaces runes [from, to) with s.
func (m *Mutation) Replace(from, to int, s string) error {
	if from < 0 || to < from || to > m.text.Len() {
		return fmt.Errorf("%w: range (%d, %d) not within [0, %d]", ErrOutOfBounds, from, to, m.text.Len())
	}
	return m.Edit(ReplaceRange(m.text.Len(), from, to, s))
}

// apply submits an instruction. remote is set when the instruction came
// from another replica.
func (m *Mutation) apply(ci ChangeInstruction, remote *SharedInstruction) error {
	doc, err := readDocument(m.tx, m.doc)
	if err != nil {
		return err
	}
	before := doc.text
	path := PathLocal

	if doc.shared {
		si := remote
		if si == nil {
			shared := ci.Share(doc.uid, m.lib.replicaID, doc.Timestamp())
			si = &shared
		}
		op, err := m.lib.rebaser.Rebase(m.tx, doc, *si)
		if err != nil {
			return fmt.Errorf("rebase %s: %w", ci.OperationID, err)
		}
		if err := op.CheckLineEndings(); err != nil {
			return err
		}
		ci.Operation = op
		path = PathRemote
		if remote == nil {
			path = PathShared
		}
	}

	assertions, err := expand(ci, before, doc.anchors, doc.edits)
	if err != nil {
		return err
	}
	if len(assertions) == 0 {
		m.lib.metrics.editSkipped()
		return nil
	}
	comps, err := m.lib.attachedComponents(m.tx, m.doc)
	if err != nil {
		return err
	}
	after := assertions[0].Value.(Text)
	private, err := m.private.Edit(before, after, ci.Operation)
	if err != nil {
		return err
	}
	if err := applyAssertions(m.tx, assertions); err != nil {
		return err
	}

	m.private = private
	m.text = after
	m.edits = assertions[2].Value.(EditLog)
	m.state = MutationEditing
	m.dirty = true
	if path == PathShared {
		out := ci.Share(doc.uid, m.lib.replicaID, doc.Timestamp())
		m.broadcasts = append(m.broadcasts, out)
	}

	for _, c := range comps {
		if err := c.Edit(m.tx, before, after, ci.Operation); err != nil {
			m.failed = fmt.Errorf("%w: component %q: %w", ErrMutationFailed, c.Key(), err)
			return m.failed
		}
	}
	m.lib.metrics.editApplied(path)
	return nil
}

// CreateAnchor creates an anchor at offset with the given lifetime.
func (m *Mutation) CreateAnchor(offset int, lifetime Lifetime, stick Stickiness) (AnchorID, error) {
	if err := m.usable(); err != nil {
		return "", err
	}
	id := NewAnchorID()
	switch lifetime {
	case LifetimeMutation:
		idx, err := m.private.AddAnchor(id, offset, stick)
		if err != nil {
			return "", err
		}
		m.private = idx
	case LifetimeDocument:
		err := m.updateIndex(func(idx *AnchorIndex) (*AnchorIndex, error) {
			return idx.AddAnchor(id, offset, stick)
		})
		if err != nil {
			return "", err
		}
	case LifetimeLocal:
		la, err := m.localComponent()
		if err != nil {
			return "", err
		}
		if err := la.AddAnchor(m.tx, id, offset, stick); err != nil {
			return "", err
		}
		m.dirty = true
	default:
		return "", fmt.Errorf("unknown lifetime %v", lifetime)
	}
	return id, nil
}

// CreateRangeMarker creates a range marker over [from, to] with the given lifetime.
func (m *Mutation) CreateRangeMarker(from, to int, lifetime Lifetime, closedLeft, closedRight bool) (RangeMarkerID, error) {
	if err := m.usable(); err != nil {
		return "", err
	}
	id := NewRangeMarkerID()
	switch lifetime {
	case LifetimeMutation:
		idx, err := m.private.AddRangeMarker(id, from, to, closedLeft, closedRight)
		if err != nil {
			return "", err
		}
		m.private = idx
	case LifetimeDocument:
		err := m.updateIndex(func(idx *AnchorIndex) (*AnchorIndex, error) {
			return idx.AddRangeMarker(id, from, to, closedLeft, closedRight)
		})
		if err != nil {
			return "", err
		}
	case LifetimeLocal:
		la, err := m.localComponent()
		if err != nil {
			return "", err
		}
		if err := la.AddRangeMarker(m.tx, id, from, to, closedLeft, closedRight); err != nil {
			return "", err
		}
		m.dirty = true
	default:
		return "", fmt.Errorf("unknown lifetime %v", lifetime)
	}
	return id, nil
}

// RemoveAnchor removes an anchor of any lifetime. Unknown ids are ignored.
func (m *Mutation) RemoveAnchor(id AnchorID) error {
	if err := m.usable(); err != nil {
		return err
	}
	if m.private.HasAnchor(id) {
		m.private = m.private.RemoveAnchor(id)
		return nil
	}
	doc, err := readDocument(m.tx, m.doc)
	if err != nil {
		return err
	}
	if doc.anchors.HasAnchor(id) {
		return m.updateIndex(func(idx *AnchorIndex) (*AnchorIndex, error) {
			return idx.RemoveAnchor(id), nil
		})
	}
	la, ok, err := m.lib.localAnchors(m.tx, m.doc)
	if err != nil || !ok {
		return err
	}
	m.dirty = true
	return la.RemoveAnchor(m.tx, id)
}

// RemoveRangeMarker removes a range marker of any lifetime. Unknown ids are ignored.
func (m *Mutation) RemoveRangeMarker(id RangeMarkerID) error {
	if err := m.usable(); err != nil {
		return err
	}
	if m.private.HasRangeMarker(id) {
		m.private = m.private.RemoveRangeMarker(id)
		return nil
	}
	doc, err := readDocument(m.tx, m.doc)
	if err != nil {
		return err
	}
	if doc.anchors.HasRangeMarker(id) {
		return m.updateIndex(func(idx *AnchorIndex) (*AnchorIndex, error) {
			return idx.RemoveRangeMarker(id), nil
		})
	}
	la, ok, err := m.lib.localAnchors(m.tx, m.doc)
	if err != nil || !ok {
		return err
	}
	m.dirty = true
	return la.RemoveRangeMarker(m.tx, id)
}

// ResolveAnchor returns the current offset of an anchor, looking at
// mutation-scoped anchors first, then the document, then local anchors.
func (m *Mutation) ResolveAnchor(id AnchorID) (int, bool) {
	if off, ok := m.private.ResolveAnchor(id); ok {
		return off, true
	}
	doc, err := readDocument(m.tx, m.doc)
	if err != nil {
		return 0, false
	}
	return doc.ResolveAnchor(id)
}

// ResolveRangeMarker returns the current range of a range marker.
func (m *Mutation) ResolveRangeMarker(id RangeMarkerID) (Range, bool) {
	if r, ok := m.private.ResolveRangeMarker(id); ok {
		return r, true
	}
	doc, err := readDocument(m.tx, m.doc)
	if err != nil {
		return Range{}, false
	}
	return doc.ResolveRangeMarker(id)
}

// BatchUpdateAnchors reassigns absolute positions to existing anchors and
// range markers of any lifetime.
func (m *Mutation) BatchUpdateAnchors(anchorIDs []AnchorID, offsets []int, markerIDs []RangeMarkerID, ranges []Range) error {
	if err := m.usable(); err != nil {
		return err
	}
	if len(anchorIDs) != len(offsets) || len(markerIDs) != len(ranges) {
		return ErrBatchMismatch
	}
	doc, err := readDocument(m.tx, m.doc)
	if err != nil {
		return err
	}
	local := doc.LocalAnchors()

	var priv, persisted, loc batch
	for i, id := range anchorIDs {
		switch {
		case m.private.HasAnchor(id):
			priv.addAnchor(id, offsets[i])
		case doc.anchors.HasAnchor(id):
			persisted.addAnchor(id, offsets[i])
		case local.HasAnchor(id):
			loc.addAnchor(id, offsets[i])
		default:
			return fmt.Errorf("%w: anchor %s", ErrAnchorNotFound, id)
		}
	}
	for i, id := range markerIDs {
		switch {
		case m.private.HasRangeMarker(id):
			priv.addMarker(id, ranges[i])
		case doc.anchors.HasRangeMarker(id):
			persisted.addMarker(id, ranges[i])
		case local.HasRangeMarker(id):
			loc.addMarker(id, ranges[i])
		default:
			return fmt.Errorf("%w: range marker %s", ErrAnchorNotFound, id)
		}
	}

	private, err := m.private.BatchUpdate(priv.anchorIDs, priv.offsets, priv.markerIDs, priv.ranges)
	if err != nil {
		return err
	}
	if !persisted.empty() {
		next, err := doc.anchors.BatchUpdate(persisted.anchorIDs, persisted.offsets, persisted.markerIDs, persisted.ranges)
		if err != nil {
			return err
		}
		if err := m.tx.AssertAttr(m.doc, AttrDocAnchors, next); err != nil {
			return err
		}
		m.dirty = true
	}
	if !loc.empty() {
		la, _, err := m.lib.localAnchors(m.tx, m.doc)
		if err != nil {
			return err
		}
		if err := la.BatchUpdate(m.tx, loc.anchorIDs, loc.offsets, loc.markerIDs, loc.ranges); err != nil {
			return err
		}
		m.dirty = true
	}
	m.private = private
	return nil
}

type batch struct {
	anchorIDs []AnchorID
	offsets   []int
	markerIDs []RangeMarkerID
	ranges    []Range
}

func (b *batch) addAnchor(id AnchorID, offset int) {
	b.anchorIDs = append(b.anchorIDs, id)
	b.offsets = append(b.offsets, offset)
}

func (b *batch) addMarker(id RangeMarkerID, r Range) {
	b.markerIDs = append(b.markerIDs, id)
	b.ranges = append(b.ranges, r)
}

func (b *batch) empty() bool {
	return len(b.anchorIDs) == 0 && len(b.markerIDs) == 0
}

// Component returns the document's component for key, creating it on
// first access.
func (m *Mutation) Component(key ComponentKey) (Component, error) {
	if err := m.usable(); err != nil {
		return nil, err
	}
	c, created, err := m.lib.ensureComponent(m.tx, m.doc, key)
	if err != nil {
		return nil, err
	}
	if created {
		m.dirty = true
	}
	return c, nil
}

func (m *Mutation) localComponent() (*LocalAnchors, error) {
	c, err := m.Component(LocalAnchorsKey)
	if err != nil {
		return nil, err
	}
	return c.(*LocalAnchors), nil
}

// updateIndex replaces the document-scoped anchor index.
func (m *Mutation) updateIndex(fn func(idx *AnchorIndex) (*AnchorIndex, error)) error {
	idx, ok := readAs[*AnchorIndex](m.tx, m.doc, AttrDocAnchors)
	if !ok {
		return fmt.Errorf("%w: %s", ErrDocumentNotFound, m.doc)
	}
	next, err := fn(idx)
	if err != nil {
		return err
	}
	if err := m.tx.AssertAttr(m.doc, AttrDocAnchors, next); err != nil {
		return err
	}
	m.dirty = true
	return nil
}

// SetMeta stores a typed metadata value on the document.
func SetMeta[T any](m *Mutation, key MetaKey[T], value T) error {
	if err := m.usable(); err != nil {
		return err
	}
	meta, _ := readAs[map[string]any](m.tx, m.doc, AttrDocMeta)
	next := make(map[string]any, len(meta)+1)
	maps.Copy(next, meta)
	next[key.name] = value
	if err := m.tx.AssertAttr(m.doc, AttrDocMeta, next); err != nil {
		return err
	}
	m.dirty = true
	return nil
}

// MutationMeta reads a typed metadata value as seen by the mutation.
func MutationMeta[T any](m *Mutation, key MetaKey[T]) (T, bool) {
	meta, _ := readAs[map[string]any](m.tx, m.doc, AttrDocMeta)
	return lookupMeta(meta, key)
}

func (m *Mutation) committed() {
	m.state = MutationCommitted
	m.private = NewAnchorIndex(m.text.Len())
	if !m.dirty {
		return
	}
	m.lib.committed(m.ctx, m.doc, m.broadcasts)
	m.broadcasts = nil
}

func (m *Mutation) discarded() {
	m.state = MutationDiscarded
	m.private = NewAnchorIndex(m.text.Len())
	m.broadcasts = nil
}
