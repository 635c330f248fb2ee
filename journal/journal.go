// Package journal persists document edit logs in a bbolt database.
//
// The journal attaches to documents as an eager component and records the
// initial text and every committed log entry from its OnCommit hook. A
// document can later be rebuilt from the journal with Restore.
package journal

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"time"

	bolt "go.etcd.io/bbolt"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/phroun/anchorage"
)

// ComponentKey is the key of the journal component.
const ComponentKey anchorage.ComponentKey = "journal"

// Order places the journal after components that rewrite document state.
const Order = 1000

var documentsBucket = []byte("documents")

// ErrNotJournaled indicates that the journal holds no record for a document uid.
var ErrNotJournaled = errors.New("document not journaled")

// Options configures a journal.
type Options struct {
	// Timeout bounds waiting for the database file lock. Zero waits forever.
	Timeout time.Duration

	// ReadOnly opens the database without write access.
	ReadOnly bool

	// Logger receives structured logs. Defaults to discarding everything.
	Logger *slog.Logger
}

// Journal is an open journal database.
type Journal struct {
	db  *bolt.DB
	log *slog.Logger
}

// Record is everything the journal holds for one document.
type Record struct {
	UID     string
	Initial string
	Shared  bool
	Log     anchorage.EditLog
}

// Open opens or creates the journal at path.
func Open(path string, opts Options) (*Journal, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: opts.Timeout, ReadOnly: opts.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}
	if !opts.ReadOnly {
		err = db.Update(func(tx *bolt.Tx) error {
			_, err := tx.CreateBucketIfNotExists(documentsBucket)
			return err
		})
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("init journal %s: %w", path, err)
		}
	}
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Journal{db: db, log: log}, nil
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// ComponentType returns the component type that records documents into
// this journal. Register it with the library to journal every document.
func (j *Journal) ComponentType() anchorage.ComponentType {
	return anchorage.ComponentType{
		Key:   ComponentKey,
		Eager: true,
		New: func(anchorage.ComponentContext) (anchorage.Component, error) {
			return &recorder{j: j}, nil
		},
	}
}

// Documents returns the uids of all journaled documents in sorted order.
func (j *Journal) Documents() ([]string, error) {
	var uids []string
	err := j.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(documentsBucket)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			if v == nil {
				uids = append(uids, string(k))
			}
			return nil
		})
	})
	slices.Sort(uids)
	return uids, err
}

// Len returns the number of journaled log entries of a document.
func (j *Journal) Len(uid string) (int64, error) {
	var n int64
	err := j.db.View(func(tx *bolt.Tx) error {
		b := docBucket(tx, uid)
		if b == nil {
			return fmt.Errorf("%w: %s", ErrNotJournaled, uid)
		}
		n = entryCount(b)
		return nil
	})
	return n, err
}

// Load reads the journaled record of a document.
func (j *Journal) Load(uid string) (*Record, error) {
	rec := &Record{UID: uid}
	err := j.db.View(func(tx *bolt.Tx) error {
		b := docBucket(tx, uid)
		if b == nil {
			return fmt.Errorf("%w: %s", ErrNotJournaled, uid)
		}
		var err error
		rec.Initial, rec.Shared, err = decodeHeader(b.Get(headerKey))
		if err != nil {
			return fmt.Errorf("document %s header: %w", uid, err)
		}

		var entries []anchorage.LogEntry
		eb := b.Bucket(entriesBucket)
		if eb == nil {
			rec.Log = anchorage.EmptyLog()
			return nil
		}
		c := eb.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			e, err := anchorage.DecodeLogEntry(v)
			if err != nil {
				return fmt.Errorf("document %s entry %d: %w", uid, binary.BigEndian.Uint64(k), err)
			}
			entries = append(entries, e)
		}
		rec.Log = anchorage.NewEditLog(entries)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Restore rebuilds a journaled document in lib.
func (j *Journal) Restore(ctx context.Context, lib *anchorage.Library, uid string) (*anchorage.Document, error) {
	rec, err := j.Load(uid)
	if err != nil {
		return nil, err
	}
	doc, err := lib.ImportDocument(ctx, anchorage.DocumentOptions{
		Content: rec.Initial,
		Shared:  rec.Shared,
		UID:     rec.UID,
	}, rec.Log)
	if err != nil {
		return nil, fmt.Errorf("restore %s: %w", uid, err)
	}
	j.log.Info("document restored", "uid", uid, "edits", rec.Log.Len())
	return doc, nil
}

// Forget removes a document from the journal. Unknown uids are ignored.
func (j *Journal) Forget(uid string) error {
	return j.db.Update(func(tx *bolt.Tx) error {
		err := tx.Bucket(documentsBucket).DeleteBucket([]byte(uid))
		if errors.Is(err, bolt.ErrBucketNotFound) {
			return nil
		}
		return err
	})
}

// record writes the document header and any log entries not yet journaled.
func (j *Journal) record(doc *anchorage.Document) (int, error) {
	written := 0
	err := j.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(documentsBucket)
		b, err := root.CreateBucketIfNotExists([]byte(doc.UID()))
		if err != nil {
			return err
		}
		if err := b.Put(headerKey, encodeHeader(doc.Initial().String(), doc.Shared())); err != nil {
			return err
		}
		entries, err := b.CreateBucketIfNotExists(entriesBucket)
		if err != nil {
			return err
		}

		have := entryCount(b)
		if have > doc.Timestamp() {
			return fmt.Errorf("journal has %d entries, document %s only %d", have, doc.UID(), doc.Timestamp())
		}
		for i, e := range doc.Edits().Since(have) {
			if err := entries.Put(seqKey(have+int64(i)+1), anchorage.EncodeLogEntry(e)); err != nil {
				return err
			}
			written++
		}
		return nil
	})
	return written, err
}

// recorder is the journal component attached to each document.
type recorder struct {
	j *Journal
}

func (r *recorder) Key() anchorage.ComponentKey {
	return ComponentKey
}

func (r *recorder) Order() int {
	return Order
}

func (r *recorder) Edit(anchorage.Tx, anchorage.Text, anchorage.Text, anchorage.Operation) error {
	return nil
}

func (r *recorder) OnCommit(_ context.Context, doc *anchorage.Document) error {
	n, err := r.j.record(doc)
	if err != nil {
		return err
	}
	if n > 0 {
		r.j.log.Debug("journaled edits", "uid", doc.UID(), "entries", n, "timestamp", doc.Timestamp())
	}
	return nil
}

var (
	headerKey     = []byte("header")
	entriesBucket = []byte("entries")
)

func docBucket(tx *bolt.Tx, uid string) *bolt.Bucket {
	root := tx.Bucket(documentsBucket)
	if root == nil {
		return nil
	}
	return root.Bucket([]byte(uid))
}

func entryCount(b *bolt.Bucket) int64 {
	entries := b.Bucket(entriesBucket)
	if entries == nil {
		return 0
	}
	k, _ := entries.Cursor().Last()
	if k == nil {
		return 0
	}
	return int64(binary.BigEndian.Uint64(k))
}

func seqKey(seq int64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(seq))
	return k
}

// Header fields: 1 initial text, 2 shared flag.
func encodeHeader(initial string, shared bool) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, initial)
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeBool(shared))
	return b
}

func decodeHeader(data []byte) (initial string, shared bool, err error) {
	if data == nil {
		return "", false, errors.New("missing header")
	}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return "", false, protowire.ParseError(n)
		}
		data = data[n:]
		switch {
		case num == 1 && typ == protowire.BytesType:
			initial, n = protowire.ConsumeString(data)
		case num == 2 && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(data)
			shared = protowire.DecodeBool(v)
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
		}
		if n < 0 {
			return "", false, protowire.ParseError(n)
		}
		data = data[n:]
	}
	return initial, shared, nil
}
