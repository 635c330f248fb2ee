// Package anchorage provides an immutable text document model whose anchors
// and range markers survive edits, backed by an append-only edit log and a
// transactional, replicable change-instruction protocol.
package anchorage

import "errors"

// Operation errors
var (
	// ErrMalformedOperation indicates that an operation's retain and delete
	// spans do not add up to the length of the text it is applied to.
	ErrMalformedOperation = errors.New("malformed operation")

	// ErrInvalidLineEnding indicates that inserted content contains a carriage return.
	ErrInvalidLineEnding = errors.New("invalid line ending")
)

// Anchor errors
var (
	// ErrOutOfBounds indicates that an anchor or range marker offset lies
	// outside the current text.
	ErrOutOfBounds = errors.New("offset out of bounds")

	// ErrAnchorNotFound indicates that an anchor or range marker id is unknown.
	ErrAnchorNotFound = errors.New("anchor not found")

	// ErrBatchMismatch indicates that batch update ids and positions do not pair up.
	ErrBatchMismatch = errors.New("batch ids and positions differ in length")
)

// Document errors
var (
	// ErrDocumentNotFound indicates that a document entity does not exist.
	ErrDocumentNotFound = errors.New("document not found")

	// ErrDocumentExists indicates that a document with the same uid already exists.
	ErrDocumentExists = errors.New("document already exists")

	// ErrMutationClosed indicates that a mutation view was used after it was
	// committed or discarded.
	ErrMutationClosed = errors.New("mutation is closed")

	// ErrMutationFailed indicates that a component rejected an edit after it
	// was asserted. The transaction must be rolled back.
	ErrMutationFailed = errors.New("mutation failed")
)

// Component errors
var (
	// ErrDuplicateComponentKey indicates that two components claim the same key.
	ErrDuplicateComponentKey = errors.New("duplicate component key")

	// ErrUnknownComponent indicates that no component type is registered for a key.
	ErrUnknownComponent = errors.New("unknown component")

	// ErrInvalidComponentType indicates a component type without a key or constructor.
	ErrInvalidComponentType = errors.New("component type needs a key and a constructor")
)

// Replication errors
var (
	// ErrUnresolvableReplicaReference indicates that a shared instruction
	// refers to a document this replica does not know.
	ErrUnresolvableReplicaReference = errors.New("unresolvable replica reference")

	// ErrInvalidInstruction indicates that an encoded instruction could not be decoded.
	ErrInvalidInstruction = errors.New("invalid instruction")
)

// Store errors
var (
	// ErrEntityNotFound indicates that an entity does not exist in the store.
	ErrEntityNotFound = errors.New("entity not found")

	// ErrReadOnly indicates a write attempted inside a read-only transaction.
	ErrReadOnly = errors.New("read-only transaction")
)
