package anchorage

import (
	"context"
	"maps"
	"reflect"
	"slices"
	"sync"
	"sync/atomic"
)

// MemoryStore is an in-memory Store.
//
// Writers are serialized; each transaction works on a private overlay of the
// last committed state, which is published atomically on commit. Readers
// (View) use the committed state without taking the writer lock, so they
// never observe a half-applied transaction.
type MemoryStore struct {
	writeMu sync.Mutex
	state   atomic.Pointer[memState]

	mu       sync.RWMutex
	hooks    map[Attr][]RetractHook
	cascades map[Attr]bool
}

// memState is an immutable committed state. refs indexes the entities
// holding each cascading reference attribute by the referenced id.
type memState struct {
	nextID   EntityID
	entities map[EntityID]map[Attr]any
	refs     map[Attr]map[EntityID][]EntityID
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		hooks:    make(map[Attr][]RetractHook),
		cascades: make(map[Attr]bool),
	}
	s.state.Store(&memState{
		entities: make(map[EntityID]map[Attr]any),
		refs:     make(map[Attr]map[EntityID][]EntityID),
	})
	return s
}

// DeclareCascade marks attr as a cascading reference: retracting an entity
// also retracts every entity whose attr holds its id. Lookups of attr by
// entity id are indexed.
func (s *MemoryStore) DeclareCascade(attr Attr) {
	s.mu.Lock()
	s.cascades[attr] = true
	s.mu.Unlock()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	cur := s.state.Load()
	if _, ok := cur.refs[attr]; ok {
		return
	}
	idx := make(map[EntityID][]EntityID)
	for id, m := range cur.entities {
		if ref, ok := m[attr].(EntityID); ok {
			idx[ref] = append(idx[ref], id)
		}
	}
	for ref := range idx {
		slices.Sort(idx[ref])
	}
	refs := maps.Clone(cur.refs)
	refs[attr] = idx
	s.state.Store(&memState{nextID: cur.nextID, entities: cur.entities, refs: refs})
}

// OnRetract registers a hook that runs before any entity carrying attr is retracted.
func (s *MemoryStore) OnRetract(attr Attr, hook RetractHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks[attr] = append(s.hooks[attr], hook)
}

// EntityCount returns the number of committed entities.
func (s *MemoryStore) EntityCount() int {
	return len(s.state.Load().entities)
}

// Transact runs fn in a read-write transaction.
func (s *MemoryStore) Transact(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.writeMu.Lock()
	tx := newMemTx(s, s.state.Load(), false)
	finished := false
	defer func() {
		// fn panicked
		if !finished {
			s.writeMu.Unlock()
			runCallbacks(tx.afterRollback)
		}
	}()

	err := fn(tx)
	if err == nil {
		err = ctx.Err()
	}
	finished = true
	if err != nil {
		s.writeMu.Unlock()
		runCallbacks(tx.afterRollback)
		return err
	}

	s.state.Store(tx.commit())
	s.writeMu.Unlock()
	runCallbacks(tx.afterCommit)
	return nil
}

// View runs fn in a read-only transaction over the last committed state.
func (s *MemoryStore) View(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx := newMemTx(s, s.state.Load(), true)
	if err := fn(tx); err != nil {
		return err
	}
	runCallbacks(tx.afterCommit)
	return nil
}

func runCallbacks(fns []func()) {
	for _, fn := range fns {
		fn()
	}
}

// memTx is a transaction overlay. A nil map in writes marks a retracted entity.
type memTx struct {
	store    *MemoryStore
	base     *memState
	readOnly bool

	writes     map[EntityID]map[Attr]any
	nextID     EntityID
	retracting map[EntityID]bool

	afterCommit   []func()
	afterRollback []func()
}

func newMemTx(s *MemoryStore, base *memState, readOnly bool) *memTx {
	return &memTx{
		store:      s,
		base:       base,
		readOnly:   readOnly,
		writes:     make(map[EntityID]map[Attr]any),
		nextID:     base.nextID,
		retracting: make(map[EntityID]bool),
	}
}

func (tx *memTx) entity(e EntityID) (map[Attr]any, bool) {
	if m, ok := tx.writes[e]; ok {
		return m, m != nil
	}
	m, ok := tx.base.entities[e]
	return m, ok
}

func (tx *memTx) writable(e EntityID) (map[Attr]any, error) {
	if tx.readOnly {
		return nil, ErrReadOnly
	}
	if m, ok := tx.writes[e]; ok {
		if m == nil {
			return nil, ErrEntityNotFound
		}
		return m, nil
	}
	m, ok := tx.base.entities[e]
	if !ok {
		return nil, ErrEntityNotFound
	}
	m = maps.Clone(m)
	tx.writes[e] = m
	return m, nil
}

func (tx *memTx) NewEntity(attrs Attrs) (EntityID, error) {
	if tx.readOnly {
		return 0, ErrReadOnly
	}
	tx.nextID++
	m := make(map[Attr]any, len(attrs))
	maps.Copy(m, attrs)
	tx.writes[tx.nextID] = m
	return tx.nextID, nil
}

func (tx *memTx) ReadAttr(e EntityID, attr Attr) (any, bool) {
	m, ok := tx.entity(e)
	if !ok {
		return nil, false
	}
	v, ok := m[attr]
	return v, ok
}

func (tx *memTx) AssertAttr(e EntityID, attr Attr, value any) error {
	m, err := tx.writable(e)
	if err != nil {
		return err
	}
	m[attr] = value
	return nil
}

// Retract runs the entity's retract hooks, cascades to referencing
// entities and finally removes the entity itself.
func (tx *memTx) Retract(e EntityID) error {
	if tx.readOnly {
		return ErrReadOnly
	}
	m, ok := tx.entity(e)
	if !ok {
		return ErrEntityNotFound
	}
	if tx.retracting[e] {
		return nil
	}
	tx.retracting[e] = true

	tx.store.mu.RLock()
	var hooks []RetractHook
	for _, attr := range slices.Sorted(maps.Keys(m)) {
		hooks = append(hooks, tx.store.hooks[attr]...)
	}
	cascades := slices.Sorted(maps.Keys(tx.store.cascades))
	tx.store.mu.RUnlock()

	for _, hook := range hooks {
		if err := hook(tx, e); err != nil {
			return err
		}
	}
	for _, attr := range cascades {
		for _, child := range tx.EntitiesWithAttr(attr, e) {
			if _, ok := tx.entity(child); !ok {
				continue
			}
			if err := tx.Retract(child); err != nil {
				return err
			}
		}
	}

	tx.writes[e] = nil
	return nil
}

func (tx *memTx) EntitiesWithAttr(attr Attr, value any) []EntityID {
	var out []EntityID
	match := func(id EntityID, m map[Attr]any) {
		if v, ok := m[attr]; ok && sameValue(v, value) {
			out = append(out, id)
		}
	}
	if idx, ok := tx.base.refs[attr]; ok {
		if ref, ok := value.(EntityID); ok {
			for _, id := range idx[ref] {
				if _, overridden := tx.writes[id]; !overridden {
					out = append(out, id)
				}
			}
			for id, m := range tx.writes {
				if m != nil {
					match(id, m)
				}
			}
			slices.Sort(out)
			return out
		}
	}
	for id, m := range tx.base.entities {
		if _, overridden := tx.writes[id]; overridden {
			continue
		}
		match(id, m)
	}
	for id, m := range tx.writes {
		if m != nil {
			match(id, m)
		}
	}
	slices.Sort(out)
	return out
}

func (tx *memTx) AfterCommit(fn func()) {
	tx.afterCommit = append(tx.afterCommit, fn)
}

func (tx *memTx) AfterRollback(fn func()) {
	tx.afterRollback = append(tx.afterRollback, fn)
}

func (tx *memTx) commit() *memState {
	entities := maps.Clone(tx.base.entities)
	refs := make(map[Attr]map[EntityID][]EntityID, len(tx.base.refs))
	for attr, idx := range tx.base.refs {
		refs[attr] = idx
	}
	cloned := make(map[Attr]bool)
	update := func(attr Attr, ref, id EntityID, add bool) {
		if !cloned[attr] {
			refs[attr] = maps.Clone(refs[attr])
			cloned[attr] = true
		}
		ids := slices.Clone(refs[attr][ref])
		i, found := slices.BinarySearch(ids, id)
		switch {
		case add && !found:
			ids = slices.Insert(ids, i, id)
		case !add && found:
			ids = slices.Delete(ids, i, i+1)
		}
		if len(ids) == 0 {
			delete(refs[attr], ref)
		} else {
			refs[attr][ref] = ids
		}
	}

	for id, m := range tx.writes {
		old := tx.base.entities[id]
		for attr := range tx.base.refs {
			oldRef, hadOld := old[attr].(EntityID)
			newRef, hasNew := m[attr].(EntityID)
			if hadOld == hasNew && oldRef == newRef {
				continue
			}
			if hadOld {
				update(attr, oldRef, id, false)
			}
			if hasNew {
				update(attr, newRef, id, true)
			}
		}
		if m == nil {
			delete(entities, id)
		} else {
			entities[id] = m
		}
	}
	return &memState{nextID: tx.nextID, entities: entities, refs: refs}
}

// sameValue compares attribute values without panicking on incomparable types.
func sameValue(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	t := reflect.TypeOf(a)
	if t != reflect.TypeOf(b) || !t.Comparable() {
		return false
	}
	return a == b
}
