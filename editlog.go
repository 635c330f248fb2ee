package anchorage

import (
	"fmt"

	"github.com/google/uuid"
)

// OperationID uniquely identifies an applied operation across replicas.
type OperationID string

// NewOperationID returns a fresh operation id.
func NewOperationID() OperationID {
	return OperationID(uuid.NewString())
}

// LogEntry is one applied operation.
type LogEntry struct {
	ID OperationID
	Op Operation
}

// EditLog is an immutable, append-only history of applied operations.
// Replaying it from the document's initial text reproduces the current text.
type EditLog struct {
	entries []LogEntry
}

// EmptyLog returns the log of a newly created document.
func EmptyLog() EditLog {
	return EditLog{}
}

// NewEditLog builds a log from existing entries, for example ones loaded
// from a journal. The slice is copied.
func NewEditLog(entries []LogEntry) EditLog {
	return EditLog{entries: append([]LogEntry(nil), entries...)}
}

// Append returns a log with the operation added at the end.
func (l EditLog) Append(id OperationID, op Operation) EditLog {
	// The full slice expression forces a copy so that logs sharing a prefix
	// never write into each other's backing array.
	entries := append(l.entries[:len(l.entries):len(l.entries)], LogEntry{ID: id, Op: op})
	return EditLog{entries: entries}
}

// Len returns the number of entries.
func (l EditLog) Len() int {
	return len(l.entries)
}

// Timestamp returns the logical time of the log, which is its length.
func (l EditLog) Timestamp() int64 {
	return int64(len(l.entries))
}

// Version returns the id of the most recent operation, or false if the log is empty.
func (l EditLog) Version() (OperationID, bool) {
	if len(l.entries) == 0 {
		return "", false
	}
	return l.entries[len(l.entries)-1].ID, true
}

// Entries returns a copy of all entries in order.
func (l EditLog) Entries() []LogEntry {
	return append([]LogEntry(nil), l.entries...)
}

// Since returns a copy of the entries appended after the given timestamp.
func (l EditLog) Since(timestamp int64) []LogEntry {
	if timestamp < 0 {
		timestamp = 0
	}
	if timestamp >= int64(len(l.entries)) {
		return nil
	}
	return append([]LogEntry(nil), l.entries[timestamp:]...)
}

// Contains reports whether an operation with the given id has been logged.
func (l EditLog) Contains(id OperationID) bool {
	for i := len(l.entries) - 1; i >= 0; i-- {
		if l.entries[i].ID == id {
			return true
		}
	}
	return false
}

// Replay applies every logged operation to initial in order.
func (l EditLog) Replay(initial Text) (Text, error) {
	text := initial
	for i, e := range l.entries {
		next, err := text.Apply(e.Op)
		if err != nil {
			return Text{}, fmt.Errorf("replay entry %d (%s): %w", i, e.ID, err)
		}
		text = next
	}
	return text, nil
}
