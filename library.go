package anchorage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// LibraryOptions configures the anchorage library.
type LibraryOptions struct {
	// Store is the host transactional store. Defaults to a new MemoryStore.
	Store HostStore

	// Logger receives structured logs. Defaults to discarding everything.
	Logger *slog.Logger

	// Metrics records counters. Nil disables metrics.
	Metrics *Metrics

	// Rebaser prepares shared instructions for local expansion.
	// Defaults to PassthroughRebaser.
	Rebaser Rebaser

	// Broadcaster sends committed shared instructions to other replicas.
	// Nil keeps shared edits on this replica.
	Broadcaster Broadcaster

	// ReplicaID identifies this replica as the origin of shared
	// instructions. Defaults to a random uuid.
	ReplicaID string

	// Components are registered in addition to the built-in local anchors component.
	Components []ComponentType
}

// Library owns the host store, the registered component types and the
// replication collaborators. Documents live in the store; the library
// only caches component objects.
type Library struct {
	store       HostStore
	log         *slog.Logger
	metrics     *Metrics
	rebaser     Rebaser
	broadcaster Broadcaster
	replicaID   string

	types map[ComponentKey]ComponentType
	slots map[EntityID]componentSlot
	mu    sync.RWMutex
}

// Init initializes the library and declares its schema on the store.
func Init(options LibraryOptions) (*Library, error) {
	lib := &Library{
		store:       options.Store,
		log:         options.Logger,
		metrics:     options.Metrics,
		rebaser:     options.Rebaser,
		broadcaster: options.Broadcaster,
		replicaID:   options.ReplicaID,
		types:       make(map[ComponentKey]ComponentType),
		slots:       make(map[EntityID]componentSlot),
	}
	if lib.store == nil {
		lib.store = NewMemoryStore()
	}
	if lib.log == nil {
		lib.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if lib.rebaser == nil {
		lib.rebaser = PassthroughRebaser{}
	}
	if lib.replicaID == "" {
		lib.replicaID = uuid.NewString()
	}

	lib.store.DeclareCascade(AttrComponentDoc)
	lib.store.DeclareCascade(AttrLocalOwner)
	lib.store.OnRetract(AttrLocalOwner, retractLocalEntry)

	if err := lib.RegisterComponent(localAnchorsType); err != nil {
		return nil, err
	}
	for _, t := range options.Components {
		if err := lib.RegisterComponent(t); err != nil {
			return nil, err
		}
	}
	return lib, nil
}

// Store returns the host store.
func (l *Library) Store() HostStore {
	return l.store
}

// ReplicaID returns the origin id this replica stamps on shared instructions.
func (l *Library) ReplicaID() string {
	return l.replicaID
}

// Logger returns the library logger.
func (l *Library) Logger() *slog.Logger {
	return l.log
}

// DocumentOptions configures a new document.
type DocumentOptions struct {
	// Content is the initial text. It must not contain carriage returns.
	Content string

	// Shared documents replicate their edits.
	Shared bool

	// UID is the global document id. Defaults to a random uuid.
	UID string

	// Meta is the initial metadata map.
	Meta map[string]any
}

// CreateDocument creates a document with an empty edit log. Eager
// components are attached in the same transaction.
func (l *Library) CreateDocument(ctx context.Context, opts DocumentOptions) (*Document, error) {
	return l.ImportDocument(ctx, opts, EmptyLog())
}

// ImportDocument creates a document from its initial text and an existing
// edit log, for example one restored from a journal. The log is replayed to
// compute the current text.
func (l *Library) ImportDocument(ctx context.Context, opts DocumentOptions, log EditLog) (*Document, error) {
	initial, err := NewText(opts.Content)
	if err != nil {
		return nil, err
	}
	for _, e := range log.Entries() {
		if err := e.Op.CheckLineEndings(); err != nil {
			return nil, fmt.Errorf("log entry %s: %w", e.ID, err)
		}
	}
	text, err := log.Replay(initial)
	if err != nil {
		return nil, err
	}
	uid := opts.UID
	if uid == "" {
		uid = uuid.NewString()
	}

	var id EntityID
	err = l.store.Transact(ctx, func(tx Tx) error {
		if len(tx.EntitiesWithAttr(AttrDocUID, uid)) > 0 {
			return fmt.Errorf("%w: %s", ErrDocumentExists, uid)
		}
		var err error
		id, err = tx.NewEntity(documentAttrs(uid, opts.Shared, initial, text, log, NewAnchorIndex(text.Len()), opts.Meta))
		if err != nil {
			return err
		}
		for _, t := range l.eagerTypes() {
			if _, _, err := l.ensureComponent(tx, id, t.Key); err != nil {
				return err
			}
		}
		tx.AfterCommit(func() { l.committed(ctx, id, nil) })
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.log.Info("document created", "document", id.String(), "uid", uid, "shared", opts.Shared, "edits", log.Len())
	return l.Document(ctx, id)
}

// Document returns the committed snapshot of a document.
func (l *Library) Document(ctx context.Context, id EntityID) (*Document, error) {
	var doc *Document
	err := l.store.View(ctx, func(tx Tx) error {
		var err error
		doc, err = readDocument(tx, id)
		return err
	})
	return doc, err
}

// LookupUID returns the entity id of the document with the given global uid.
func (l *Library) LookupUID(ctx context.Context, uid string) (EntityID, error) {
	var id EntityID
	err := l.store.View(ctx, func(tx Tx) error {
		var ok bool
		id, ok = lookupUID(tx, uid)
		if !ok {
			return fmt.Errorf("%w: uid %s", ErrDocumentNotFound, uid)
		}
		return nil
	})
	return id, err
}

// DeleteDocument deletes a document together with its components and
// local anchors.
func (l *Library) DeleteDocument(ctx context.Context, id EntityID) error {
	err := l.store.Transact(ctx, func(tx Tx) error {
		if _, ok := tx.ReadAttr(id, AttrDocText); !ok {
			return fmt.Errorf("%w: %s", ErrDocumentNotFound, id)
		}
		tx.AfterCommit(func() { l.dropSlots(id) })
		return tx.Retract(id)
	})
	if err != nil {
		return err
	}
	l.log.Info("document deleted", "document", id.String())
	return nil
}

// Share marks a document as shared and returns its global uid. Sharing an
// already shared document is a no-op.
func (l *Library) Share(ctx context.Context, id EntityID) (string, error) {
	var uid string
	err := l.store.Transact(ctx, func(tx Tx) error {
		doc, err := readDocument(tx, id)
		if err != nil {
			return err
		}
		uid = doc.uid
		if doc.shared {
			return nil
		}
		return tx.AssertAttr(id, AttrDocShared, true)
	})
	if err != nil {
		return "", err
	}
	l.log.Debug("document shared", "document", id.String(), "uid", uid)
	return uid, nil
}

// Mutate runs fn with a mutation view of the document inside a new
// transaction. The transaction commits when fn returns nil.
func (l *Library) Mutate(ctx context.Context, id EntityID, fn func(m *Mutation) error) error {
	return l.store.Transact(ctx, func(tx Tx) error {
		m, err := l.OpenMutation(ctx, tx, id)
		if err != nil {
			return err
		}
		return fn(m)
	})
}

// committed runs the post-commit phase for a document: component OnCommit
// hooks in order, then broadcasts of shared instructions.
func (l *Library) committed(ctx context.Context, id EntityID, broadcasts []SharedInstruction) {
	ctx = context.WithoutCancel(ctx)
	var (
		doc   *Document
		comps []Component
	)
	err := l.store.View(ctx, func(tx Tx) error {
		var err error
		if doc, err = readDocument(tx, id); err != nil {
			return err
		}
		comps, err = l.attachedComponents(tx, id)
		return err
	})
	if err != nil {
		l.log.Error("read committed document", "document", id.String(), "error", err)
		return
	}
	l.runOnCommit(ctx, doc, comps)

	if l.broadcaster == nil {
		return
	}
	for _, si := range broadcasts {
		if err := l.broadcaster.Broadcast(ctx, si); err != nil {
			l.log.Error("broadcast instruction",
				"uid", si.DocumentUID,
				"operation", string(si.OperationID),
				"error", err)
		}
	}
}

func (l *Library) eagerTypes() []ComponentType {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []ComponentType
	for _, t := range l.types {
		if t.Eager {
			out = append(out, t)
		}
	}
	slices.SortFunc(out, func(a, b ComponentType) int { return strings.Compare(string(a.Key), string(b.Key)) })
	return out
}

func lookupUID(tx Tx, uid string) (EntityID, bool) {
	ids := tx.EntitiesWithAttr(AttrDocUID, uid)
	if len(ids) == 0 {
		return 0, false
	}
	return ids[0], true
}
