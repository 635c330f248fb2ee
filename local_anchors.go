package anchorage

import (
	"context"
	"fmt"
)

// LocalAnchorsKey is the key of the built-in local anchors component.
const LocalAnchorsKey ComponentKey = "local-anchors"

var localAnchorsType = ComponentType{
	Key: LocalAnchorsKey,
	New: func(c ComponentContext) (Component, error) {
		return &LocalAnchors{doc: c.Document, entity: c.Entity}, nil
	},
}

// LocalAnchors keeps anchors and range markers that are persisted on this
// replica only. Each one is a store entity referencing the component
// entity, and the component keeps an index of all of them that follows
// every edit.
type LocalAnchors struct {
	doc    EntityID
	entity EntityID
}

var (
	_ Component   = (*LocalAnchors)(nil)
	_ Initializer = (*LocalAnchors)(nil)
)

// Key returns LocalAnchorsKey.
func (la *LocalAnchors) Key() ComponentKey {
	return LocalAnchorsKey
}

// Order places local anchors before every other component.
func (la *LocalAnchors) Order() int {
	return 0
}

// Init creates the empty index.
func (la *LocalAnchors) Init(tx Tx) error {
	text, ok := readAs[Text](tx, la.doc, AttrDocText)
	if !ok {
		return fmt.Errorf("%w: %s", ErrDocumentNotFound, la.doc)
	}
	return tx.AssertAttr(la.entity, AttrLocalIndex, NewAnchorIndex(text.Len()))
}

// Edit transforms the local index through op.
func (la *LocalAnchors) Edit(tx Tx, before, after Text, op Operation) error {
	idx, err := la.Index(tx)
	if err != nil {
		return err
	}
	idx, err = idx.Edit(before, after, op)
	if err != nil {
		return err
	}
	return tx.AssertAttr(la.entity, AttrLocalIndex, idx)
}

// OnCommit does nothing.
func (la *LocalAnchors) OnCommit(context.Context, *Document) error {
	return nil
}

// Index returns the current local index.
func (la *LocalAnchors) Index(tx Tx) (*AnchorIndex, error) {
	idx, ok := readAs[*AnchorIndex](tx, la.entity, AttrLocalIndex)
	if !ok {
		return nil, fmt.Errorf("%w: local anchor index of %s", ErrEntityNotFound, la.doc)
	}
	return idx, nil
}

// AddAnchor creates a local anchor entity and indexes it.
func (la *LocalAnchors) AddAnchor(tx Tx, id AnchorID, offset int, stick Stickiness) error {
	idx, err := la.Index(tx)
	if err != nil {
		return err
	}
	idx, err = idx.AddAnchor(id, offset, stick)
	if err != nil {
		return err
	}
	if err := tx.AssertAttr(la.entity, AttrLocalIndex, idx); err != nil {
		return err
	}
	if len(la.entries(tx, AttrLocalAnchorID, id)) > 0 {
		return nil
	}
	_, err = tx.NewEntity(Attrs{AttrLocalOwner: la.entity, AttrLocalAnchorID: id})
	return err
}

// AddRangeMarker creates a local range marker entity and indexes it.
func (la *LocalAnchors) AddRangeMarker(tx Tx, id RangeMarkerID, from, to int, closedLeft, closedRight bool) error {
	idx, err := la.Index(tx)
	if err != nil {
		return err
	}
	idx, err = idx.AddRangeMarker(id, from, to, closedLeft, closedRight)
	if err != nil {
		return err
	}
	if err := tx.AssertAttr(la.entity, AttrLocalIndex, idx); err != nil {
		return err
	}
	if len(la.entries(tx, AttrLocalMarkerID, id)) > 0 {
		return nil
	}
	_, err = tx.NewEntity(Attrs{AttrLocalOwner: la.entity, AttrLocalMarkerID: id})
	return err
}

// RemoveAnchor retracts a local anchor entity. Its retract hook removes it
// from the index first. Unknown ids are ignored.
func (la *LocalAnchors) RemoveAnchor(tx Tx, id AnchorID) error {
	for _, e := range la.entries(tx, AttrLocalAnchorID, id) {
		if err := tx.Retract(e); err != nil {
			return err
		}
	}
	return nil
}

// RemoveRangeMarker retracts a local range marker entity. Unknown ids are ignored.
func (la *LocalAnchors) RemoveRangeMarker(tx Tx, id RangeMarkerID) error {
	for _, e := range la.entries(tx, AttrLocalMarkerID, id) {
		if err := tx.Retract(e); err != nil {
			return err
		}
	}
	return nil
}

// BatchUpdate reassigns local anchor and range marker positions.
func (la *LocalAnchors) BatchUpdate(tx Tx, anchorIDs []AnchorID, offsets []int, markerIDs []RangeMarkerID, ranges []Range) error {
	idx, err := la.Index(tx)
	if err != nil {
		return err
	}
	idx, err = idx.BatchUpdate(anchorIDs, offsets, markerIDs, ranges)
	if err != nil {
		return err
	}
	return tx.AssertAttr(la.entity, AttrLocalIndex, idx)
}

// entries returns this component's entities whose attr holds value.
func (la *LocalAnchors) entries(tx Tx, attr Attr, value any) []EntityID {
	var out []EntityID
	for _, e := range tx.EntitiesWithAttr(attr, value) {
		if owner, _ := readAs[EntityID](tx, e, AttrLocalOwner); owner == la.entity {
			out = append(out, e)
		}
	}
	return out
}

// retractLocalEntry removes a local anchor or range marker from its owner's
// index before the entity itself is deleted.
func retractLocalEntry(tx Tx, e EntityID) error {
	owner, ok := readAs[EntityID](tx, e, AttrLocalOwner)
	if !ok {
		return nil
	}
	idx, ok := readAs[*AnchorIndex](tx, owner, AttrLocalIndex)
	if !ok {
		return nil
	}
	if id, ok := readAs[AnchorID](tx, e, AttrLocalAnchorID); ok {
		idx = idx.RemoveAnchor(id)
	}
	if id, ok := readAs[RangeMarkerID](tx, e, AttrLocalMarkerID); ok {
		idx = idx.RemoveRangeMarker(id)
	}
	return tx.AssertAttr(owner, AttrLocalIndex, idx)
}

// localAnchors returns the document's local anchors component without
// creating it.
func (l *Library) localAnchors(tx Tx, doc EntityID) (*LocalAnchors, bool, error) {
	ents, err := componentEntities(tx, doc, LocalAnchorsKey)
	if err != nil || len(ents) == 0 {
		return nil, false, err
	}
	c, err := l.componentFor(doc, ents[0], LocalAnchorsKey)
	if err != nil {
		return nil, false, err
	}
	return c.(*LocalAnchors), true, nil
}
