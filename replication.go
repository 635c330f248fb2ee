package anchorage

import (
	"context"
	"errors"
	"fmt"
)

// Rebaser turns a shared instruction into the operation to expand against
// the document's current state. Ordering of concurrent instructions from
// different origins, including ties broken by Seed, is the rebaser's
// responsibility.
type Rebaser interface {
	Rebase(tx Tx, doc *Document, si SharedInstruction) (Operation, error)
}

// PassthroughRebaser returns the instruction's operation unchanged. It is
// correct when every replica applies shared instructions in the same order,
// for example with a single writer.
type PassthroughRebaser struct{}

// Rebase returns si.Operation.
func (PassthroughRebaser) Rebase(_ Tx, _ *Document, si SharedInstruction) (Operation, error) {
	return si.Operation, nil
}

// Broadcaster sends committed shared instructions to other replicas.
type Broadcaster interface {
	Broadcast(ctx context.Context, si SharedInstruction) error
}

// BroadcasterFunc adapts a function to a Broadcaster.
type BroadcasterFunc func(ctx context.Context, si SharedInstruction) error

// Broadcast calls f.
func (f BroadcasterFunc) Broadcast(ctx context.Context, si SharedInstruction) error {
	return f(ctx, si)
}

// Receiver accepts encoded shared instructions from a transport.
type Receiver interface {
	Receive(ctx context.Context, data []byte) error
}

var _ Receiver = (*Library)(nil)

// Receive decodes and applies a shared instruction from another replica.
func (l *Library) Receive(ctx context.Context, data []byte) error {
	si, err := DecodeInstruction(data)
	if err != nil {
		l.metrics.instructionDropped(DropMalformed)
		l.log.Warn("dropped undecodable instruction", "bytes", len(data), "error", err)
		return err
	}
	return l.ReceiveInstruction(ctx, si)
}

// ReceiveInstruction applies a shared instruction from another replica.
//
// Instructions this replica sent itself and operations already in the
// document's log are ignored. An instruction for a document this replica
// does not share is dropped with ErrUnresolvableReplicaReference.
func (l *Library) ReceiveInstruction(ctx context.Context, si SharedInstruction) error {
	if si.Origin == l.replicaID {
		l.metrics.instructionDropped(DropOwnOrigin)
		return nil
	}

	duplicate := false
	err := l.store.Transact(ctx, func(tx Tx) error {
		id, ok := lookupUID(tx, si.DocumentUID)
		if !ok {
			return fmt.Errorf("%w: document %s", ErrUnresolvableReplicaReference, si.DocumentUID)
		}
		if shared, _ := readAs[bool](tx, id, AttrDocShared); !shared {
			return fmt.Errorf("%w: document %s is not shared", ErrUnresolvableReplicaReference, si.DocumentUID)
		}
		edits, _ := readAs[EditLog](tx, id, AttrDocEdits)
		if edits.Contains(si.OperationID) {
			duplicate = true
			return nil
		}

		m, err := l.OpenMutation(ctx, tx, id)
		if err != nil {
			return err
		}
		return m.apply(si.Localize(id), &si)
	})

	switch {
	case err == nil && duplicate:
		l.metrics.instructionDropped(DropDuplicate)
		l.log.Debug("ignored duplicate instruction", "uid", si.DocumentUID, "operation", string(si.OperationID))
		return nil
	case err == nil:
		return nil
	case errors.Is(err, ErrUnresolvableReplicaReference):
		l.metrics.instructionDropped(DropUnresolvable)
	default:
		l.metrics.instructionDropped(DropRejected)
	}
	l.log.Warn("dropped instruction",
		"uid", si.DocumentUID,
		"operation", string(si.OperationID),
		"origin", si.Origin,
		"error", err)
	return err
}
