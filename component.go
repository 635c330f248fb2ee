package anchorage

import (
	"context"
	"fmt"
	"slices"
	"strings"
)

// ComponentKey identifies a kind of document component.
type ComponentKey string

// Component is a pluggable per-document extension. Components attached to
// a document see every edit in ascending (Order, Key) order while the
// transaction is open, and OnCommit once it has committed.
type Component interface {
	// Key returns the component's key, unique per document.
	Key() ComponentKey

	// Order places the component in the notification order.
	Order() int

	// Edit is called inside the transaction after op turned before into
	// after. Returning an error aborts the transaction. A caller that owns
	// the transaction (see Library.OpenMutation) must roll it back; the
	// mutation reports ErrMutationFailed from then on.
	Edit(tx Tx, before, after Text, op Operation) error

	// OnCommit is called after the transaction committed, with the
	// committed document. Errors are logged and do not affect the edit or
	// other components.
	OnCommit(ctx context.Context, doc *Document) error
}

// Initializer is implemented by components that set up persisted state
// when their entity is first created.
type Initializer interface {
	Init(tx Tx) error
}

// ComponentContext is handed to component constructors.
type ComponentContext struct {
	Library  *Library
	Document EntityID
	Entity   EntityID
}

// ComponentType registers a kind of component with a Library.
type ComponentType struct {
	Key ComponentKey

	// Eager components are created together with every new document.
	Eager bool

	// New constructs the component object for one document. It may be
	// called more than once per component entity.
	New func(c ComponentContext) (Component, error)
}

// componentSlot caches a constructed component object.
type componentSlot struct {
	doc  EntityID
	key  ComponentKey
	comp Component
}

// RegisterComponent makes a component type available to all documents.
func (l *Library) RegisterComponent(t ComponentType) error {
	if t.Key == "" || t.New == nil {
		return fmt.Errorf("%w: key %q", ErrInvalidComponentType, t.Key)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.types[t.Key]; ok {
		return fmt.Errorf("%w: %q already registered", ErrDuplicateComponentKey, t.Key)
	}
	l.types[t.Key] = t
	return nil
}

// componentEntities returns the component entities of a document with the
// given key. More than one is a programming error.
func componentEntities(tx Tx, doc EntityID, key ComponentKey) ([]EntityID, error) {
	var out []EntityID
	for _, e := range tx.EntitiesWithAttr(AttrComponentDoc, doc) {
		if k, _ := readAs[ComponentKey](tx, e, AttrComponentKey); k == key {
			out = append(out, e)
		}
	}
	if len(out) > 1 {
		return nil, fmt.Errorf("%w: document %s has %d %q components", ErrDuplicateComponentKey, doc, len(out), key)
	}
	return out, nil
}

// ensureComponent returns the document's component for key, creating and
// registering it if necessary. created reports whether it was new.
func (l *Library) ensureComponent(tx Tx, doc EntityID, key ComponentKey) (c Component, created bool, err error) {
	ents, err := componentEntities(tx, doc, key)
	if err != nil {
		return nil, false, err
	}
	if len(ents) == 1 {
		c, err = l.componentFor(doc, ents[0], key)
		return c, false, err
	}

	e, err := tx.NewEntity(Attrs{AttrComponentDoc: doc, AttrComponentKey: key})
	if err != nil {
		return nil, false, err
	}
	c, err = l.componentFor(doc, e, key)
	if err != nil {
		return nil, false, err
	}
	tx.AfterRollback(func() { l.dropSlot(e) })
	if init, ok := c.(Initializer); ok {
		if err := init.Init(tx); err != nil {
			return nil, false, fmt.Errorf("init component %q: %w", key, err)
		}
	}
	l.log.Debug("component created", "document", doc.String(), "component", string(key))
	return c, true, nil
}

// attachedComponents returns every component attached to the document in
// notification order.
func (l *Library) attachedComponents(tx Tx, doc EntityID) ([]Component, error) {
	seen := make(map[ComponentKey]bool)
	var out []Component
	for _, e := range tx.EntitiesWithAttr(AttrComponentDoc, doc) {
		key, _ := readAs[ComponentKey](tx, e, AttrComponentKey)
		if seen[key] {
			return nil, fmt.Errorf("%w: document %s has several %q components", ErrDuplicateComponentKey, doc, key)
		}
		seen[key] = true
		c, err := l.componentFor(doc, e, key)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	sortComponents(out)
	return out, nil
}

// componentFor returns the cached component object for an entity,
// constructing it on first access.
func (l *Library) componentFor(doc, e EntityID, key ComponentKey) (Component, error) {
	l.mu.RLock()
	slot, ok := l.slots[e]
	t, known := l.types[key]
	l.mu.RUnlock()
	if ok && slot.doc == doc && slot.key == key {
		return slot.comp, nil
	}
	if !known {
		return nil, fmt.Errorf("%w: %q", ErrUnknownComponent, key)
	}

	c, err := t.New(ComponentContext{Library: l, Document: doc, Entity: e})
	if err != nil {
		return nil, fmt.Errorf("construct component %q: %w", key, err)
	}
	if c.Key() != key {
		return nil, fmt.Errorf("%w: component registered as %q claims key %q", ErrDuplicateComponentKey, key, c.Key())
	}

	l.mu.Lock()
	l.slots[e] = componentSlot{doc: doc, key: key, comp: c}
	l.mu.Unlock()
	return c, nil
}

// dropSlots forgets cached component objects of a deleted document.
func (l *Library) dropSlots(doc EntityID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for e, slot := range l.slots {
		if slot.doc == doc {
			delete(l.slots, e)
		}
	}
}

func (l *Library) dropSlot(e EntityID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.slots, e)
}

// runOnCommit invokes OnCommit on each component in order. A failing or
// panicking component is logged and skipped.
func (l *Library) runOnCommit(ctx context.Context, doc *Document, comps []Component) {
	for _, c := range comps {
		if err := safeOnCommit(ctx, c, doc); err != nil {
			l.metrics.componentCommitFailed(c.Key())
			l.log.Error("component commit failed",
				"document", doc.ID().String(),
				"component", string(c.Key()),
				"error", err)
		}
	}
}

func safeOnCommit(ctx context.Context, c Component, doc *Document) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return c.OnCommit(ctx, doc)
}

func sortComponents(comps []Component) {
	slices.SortStableFunc(comps, func(a, b Component) int {
		if a.Order() != b.Order() {
			if a.Order() < b.Order() {
				return -1
			}
			return 1
		}
		return strings.Compare(string(a.Key()), string(b.Key()))
	})
}
