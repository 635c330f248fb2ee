package anchorage

import (
	"fmt"
	"maps"
)

// Document is an immutable snapshot of a document. It is safe to read
// concurrently with in-flight mutations.
type Document struct {
	id      EntityID
	uid     string
	shared  bool
	initial Text
	text    Text
	edits   EditLog
	anchors *AnchorIndex
	local   *AnchorIndex
	meta    map[string]any
}

// ID returns the store-local entity id.
func (d *Document) ID() EntityID {
	return d.id
}

// UID returns the globally stable document id used for replication.
func (d *Document) UID() string {
	return d.uid
}

// Shared reports whether edits to the document are replicated.
func (d *Document) Shared() bool {
	return d.shared
}

// Initial returns the text the document was created with.
func (d *Document) Initial() Text {
	return d.initial
}

// Text returns the current text.
func (d *Document) Text() Text {
	return d.text
}

// Edits returns the edit log.
func (d *Document) Edits() EditLog {
	return d.edits
}

// Timestamp returns the edit log timestamp.
func (d *Document) Timestamp() int64 {
	return d.edits.Timestamp()
}

// Anchors returns the document-scoped anchor index.
func (d *Document) Anchors() *AnchorIndex {
	return d.anchors
}

// LocalAnchors returns the index of replica-local anchors, which is empty
// when the local anchors component has not been created.
func (d *Document) LocalAnchors() *AnchorIndex {
	if d.local == nil {
		return NewAnchorIndex(d.text.Len())
	}
	return d.local
}

// ResolveAnchor returns the offset of a document-scoped or local anchor.
func (d *Document) ResolveAnchor(id AnchorID) (int, bool) {
	if off, ok := d.anchors.ResolveAnchor(id); ok {
		return off, true
	}
	return d.LocalAnchors().ResolveAnchor(id)
}

// ResolveRangeMarker returns the offsets of a document-scoped or local range marker.
func (d *Document) ResolveRangeMarker(id RangeMarkerID) (Range, bool) {
	if r, ok := d.anchors.ResolveRangeMarker(id); ok {
		return r, true
	}
	return d.LocalAnchors().ResolveRangeMarker(id)
}

// MetaKey is a typed key into a document's metadata map.
type MetaKey[T any] struct {
	name string
}

// NewMetaKey creates a metadata key.
func NewMetaKey[T any](name string) MetaKey[T] {
	return MetaKey[T]{name: name}
}

// Name returns the key name.
func (k MetaKey[T]) Name() string {
	return k.name
}

// GetMeta reads a typed metadata value from a document snapshot.
func GetMeta[T any](d *Document, key MetaKey[T]) (T, bool) {
	return lookupMeta[T](d.meta, key)
}

func lookupMeta[T any](meta map[string]any, key MetaKey[T]) (T, bool) {
	v, ok := meta[key.name]
	if !ok {
		var zero T
		return zero, false
	}
	t, ok := v.(T)
	return t, ok
}

// readDocument loads a document snapshot inside a transaction.
func readDocument(tx Tx, id EntityID) (*Document, error) {
	text, ok := readAs[Text](tx, id, AttrDocText)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDocumentNotFound, id)
	}
	d := &Document{id: id, text: text}
	d.uid, _ = readAs[string](tx, id, AttrDocUID)
	d.shared, _ = readAs[bool](tx, id, AttrDocShared)
	d.initial, _ = readAs[Text](tx, id, AttrDocInitial)
	d.edits, _ = readAs[EditLog](tx, id, AttrDocEdits)
	d.meta, _ = readAs[map[string]any](tx, id, AttrDocMeta)

	anchors, ok := readAs[*AnchorIndex](tx, id, AttrDocAnchors)
	if !ok {
		anchors = NewAnchorIndex(text.Len())
	}
	d.anchors = anchors

	comps, err := componentEntities(tx, id, LocalAnchorsKey)
	if err != nil {
		return nil, err
	}
	if len(comps) == 1 {
		d.local, _ = readAs[*AnchorIndex](tx, comps[0], AttrLocalIndex)
	}
	return d, nil
}

// documentAttrs returns the attributes of a new document entity.
func documentAttrs(uid string, shared bool, initial, text Text, edits EditLog, anchors *AnchorIndex, meta map[string]any) Attrs {
	m := make(map[string]any, len(meta))
	maps.Copy(m, meta)
	return Attrs{
		AttrDocUID:     uid,
		AttrDocShared:  shared,
		AttrDocInitial: initial,
		AttrDocText:    text,
		AttrDocEdits:   edits,
		AttrDocAnchors: anchors,
		AttrDocMeta:    m,
	}
}
