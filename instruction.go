package anchorage

import (
	"fmt"
	"math/rand/v2"
)

// ChangeInstruction is a replicable command wrapping one edit of one document.
//
// Seed is drawn at construction and only makes otherwise identical
// instructions distinguishable when they are ordered or deduplicated.
type ChangeInstruction struct {
	Document    EntityID
	OperationID OperationID
	Operation   Operation
	Seed        int64
}

// NewChangeInstruction wraps op with a fresh operation id and seed.
func NewChangeInstruction(doc EntityID, op Operation) ChangeInstruction {
	return ChangeInstruction{
		Document:    doc,
		OperationID: NewOperationID(),
		Operation:   op,
		Seed:        rand.Int64(),
	}
}

// Assertion is a primitive attribute write produced by expanding an instruction.
type Assertion struct {
	Entity EntityID
	Attr   Attr
	Value  any
}

// Expand computes the assertions the instruction implies for the document
// as seen by tx. Nothing is written.
func (ci ChangeInstruction) Expand(tx Tx) ([]Assertion, error) {
	doc, err := readDocument(tx, ci.Document)
	if err != nil {
		return nil, err
	}
	return expand(ci, doc.text, doc.anchors, doc.edits)
}

// expand yields the new text, the transformed anchor index and the
// extended edit log, or nothing for an identity operation.
func expand(ci ChangeInstruction, text Text, index *AnchorIndex, log EditLog) ([]Assertion, error) {
	op := ci.Operation
	if op.IsIdentity() {
		return nil, nil
	}
	if err := op.CheckLineEndings(); err != nil {
		return nil, err
	}
	after, err := text.Apply(op)
	if err != nil {
		return nil, err
	}
	index, err = index.Edit(text, after, op)
	if err != nil {
		return nil, err
	}
	return []Assertion{
		{Entity: ci.Document, Attr: AttrDocText, Value: after},
		{Entity: ci.Document, Attr: AttrDocAnchors, Value: index},
		{Entity: ci.Document, Attr: AttrDocEdits, Value: log.Append(ci.OperationID, op)},
	}, nil
}

func applyAssertions(tx Tx, assertions []Assertion) error {
	for _, a := range assertions {
		if err := tx.AssertAttr(a.Entity, a.Attr, a.Value); err != nil {
			return fmt.Errorf("assert %s on %s: %w", a.Attr, a.Entity, err)
		}
	}
	return nil
}

// SharedInstruction is the replica-independent form of a ChangeInstruction.
// The store-local document id is replaced by the document's global uid.
type SharedInstruction struct {
	DocumentUID string
	OperationID OperationID
	Operation   Operation
	Seed        int64

	// Origin is the replica id of the sender.
	Origin string

	// BaseTimestamp is the edit log timestamp the operation was written against.
	BaseTimestamp int64
}

// Share returns the shared form of the instruction.
func (ci ChangeInstruction) Share(uid, origin string, baseTimestamp int64) SharedInstruction {
	return SharedInstruction{
		DocumentUID:   uid,
		OperationID:   ci.OperationID,
		Operation:     ci.Operation,
		Seed:          ci.Seed,
		Origin:        origin,
		BaseTimestamp: baseTimestamp,
	}
}

// Localize binds a shared instruction to the local entity of its document.
func (si SharedInstruction) Localize(doc EntityID) ChangeInstruction {
	return ChangeInstruction{
		Document:    doc,
		OperationID: si.OperationID,
		Operation:   si.Operation,
		Seed:        si.Seed,
	}
}
