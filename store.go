package anchorage

import (
	"context"
	"strconv"
)

// EntityID identifies an entity inside one store. Entity ids are local to
// the store that allocated them and are never sent to other replicas.
type EntityID uint64

// String formats the id as "e<n>".
func (id EntityID) String() string {
	return "e" + strconv.FormatUint(uint64(id), 10)
}

// Attr names an entity attribute.
type Attr string

// Attrs is a set of attribute values for a new entity.
type Attrs map[Attr]any

// Tx is a transaction against the host store. All reads observe the
// transaction's own writes.
type Tx interface {
	// NewEntity creates an entity with the given attributes.
	NewEntity(attrs Attrs) (EntityID, error)

	// ReadAttr returns an attribute value, or false if the entity or
	// attribute does not exist.
	ReadAttr(e EntityID, attr Attr) (any, bool)

	// AssertAttr sets an attribute value on an existing entity.
	AssertAttr(e EntityID, attr Attr, value any) error

	// Retract deletes an entity, running retract hooks first and cascading
	// to entities that reference it through cascading attributes.
	Retract(e EntityID) error

	// EntitiesWithAttr returns the entities whose attr equals value,
	// in ascending id order.
	EntitiesWithAttr(attr Attr, value any) []EntityID

	// AfterCommit registers fn to run once the transaction has committed.
	AfterCommit(fn func())

	// AfterRollback registers fn to run if the transaction is rolled back.
	AfterRollback(fn func())
}

// Store is the host transactional store.
type Store interface {
	// Transact runs fn in a read-write transaction. The transaction commits
	// when fn returns nil and rolls back otherwise.
	Transact(ctx context.Context, fn func(tx Tx) error) error

	// View runs fn in a read-only transaction over the last committed state.
	View(ctx context.Context, fn func(tx Tx) error) error
}

// RetractHook runs inside the transaction before an entity carrying the
// hook's attribute is removed.
type RetractHook func(tx Tx, e EntityID) error

// Document attributes.
const (
	AttrDocUID     Attr = "document/uid"
	AttrDocShared  Attr = "document/shared"
	AttrDocInitial Attr = "document/initial"
	AttrDocText    Attr = "document/text"
	AttrDocEdits   Attr = "document/edits"
	AttrDocAnchors Attr = "document/anchors"
	AttrDocMeta    Attr = "document/meta"
)

// Component attributes. AttrComponentDoc cascades from the document.
const (
	AttrComponentDoc Attr = "component/document"
	AttrComponentKey Attr = "component/key"
)

// Local anchors component attributes. AttrLocalOwner cascades from the
// component entity.
const (
	AttrLocalIndex    Attr = "local-anchors/index"
	AttrLocalOwner    Attr = "local-anchor/owner"
	AttrLocalAnchorID Attr = "local-anchor/anchor"
	AttrLocalMarkerID Attr = "local-anchor/marker"
)

// readAs reads an attribute and asserts its type.
func readAs[T any](tx Tx, e EntityID, attr Attr) (T, bool) {
	v, ok := tx.ReadAttr(e, attr)
	if !ok {
		var zero T
		return zero, false
	}
	t, ok := v.(T)
	return t, ok
}

// HostStore is a Store that also supports the schema features the library
// relies on: cascading references and retract hooks.
type HostStore interface {
	Store
	DeclareCascade(attr Attr)
	OnRetract(attr Attr, hook RetractHook)
}
