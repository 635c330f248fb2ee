package anchorage

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLibrary(t *testing.T, opts LibraryOptions) *Library {
	t.Helper()
	lib, err := Init(opts)
	require.NoError(t, err)
	return lib
}

func newTestDocument(t *testing.T, lib *Library, content string) *Document {
	t.Helper()
	doc, err := lib.CreateDocument(context.Background(), DocumentOptions{Content: content})
	require.NoError(t, err)
	return doc
}

func TestCreateDocument(t *testing.T) {
	ctx := context.Background()
	lib := newTestLibrary(t, LibraryOptions{})

	doc, err := lib.CreateDocument(ctx, DocumentOptions{Content: "hello", UID: "doc-1", Meta: map[string]any{"title": "greeting"}})
	require.NoError(t, err)
	assert.Equal(t, "doc-1", doc.UID())
	assert.False(t, doc.Shared())
	assert.Equal(t, "hello", doc.Text().String())
	assert.Equal(t, doc.Text(), doc.Initial())
	assert.Equal(t, int64(0), doc.Timestamp())
	assert.Equal(t, 5, doc.Anchors().TextLen())

	title, ok := GetMeta(doc, NewMetaKey[string]("title"))
	assert.True(t, ok)
	assert.Equal(t, "greeting", title)

	id, err := lib.LookupUID(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, doc.ID(), id)

	_, err = lib.CreateDocument(ctx, DocumentOptions{UID: "doc-1"})
	assert.ErrorIs(t, err, ErrDocumentExists)

	_, err = lib.CreateDocument(ctx, DocumentOptions{Content: "a\r\nb"})
	assert.ErrorIs(t, err, ErrInvalidLineEnding)

	_, err = lib.LookupUID(ctx, "missing")
	assert.ErrorIs(t, err, ErrDocumentNotFound)
}

func TestImportDocument(t *testing.T) {
	ctx := context.Background()
	lib := newTestLibrary(t, LibraryOptions{})

	log := EmptyLog().
		Append("a", InsertAt(3, 3, "def")).
		Append("b", DeleteRange(6, 0, 1))
	doc, err := lib.ImportDocument(ctx, DocumentOptions{Content: "abc", UID: "imported"}, log)
	require.NoError(t, err)
	assert.Equal(t, "bcdef", doc.Text().String())
	assert.Equal(t, "abc", doc.Initial().String())
	assert.Equal(t, int64(2), doc.Timestamp())

	_, err = lib.ImportDocument(ctx, DocumentOptions{Content: "ab"}, log)
	assert.ErrorIs(t, err, ErrMalformedOperation)
}

func TestMutateStickiness(t *testing.T) {
	ctx := context.Background()
	lib := newTestLibrary(t, LibraryOptions{})
	doc := newTestDocument(t, lib, "hello world")

	var a, b AnchorID
	require.NoError(t, lib.Mutate(ctx, doc.ID(), func(m *Mutation) error {
		var err error
		if a, err = m.CreateAnchor(5, LifetimeDocument, StickLeft); err != nil {
			return err
		}
		b, err = m.CreateAnchor(5, LifetimeDocument, StickRight)
		return err
	}))

	require.NoError(t, lib.Mutate(ctx, doc.ID(), func(m *Mutation) error {
		return m.Insert(5, "!!!")
	}))

	doc, err := lib.Document(ctx, doc.ID())
	require.NoError(t, err)
	assert.Equal(t, "hello!!! world", doc.Text().String())
	off, ok := doc.ResolveAnchor(a)
	require.True(t, ok)
	assert.Equal(t, 5, off)
	off, ok = doc.ResolveAnchor(b)
	require.True(t, ok)
	assert.Equal(t, 8, off)
	assert.Equal(t, int64(1), doc.Timestamp())
}

func TestMutateReplaceAndDelete(t *testing.T) {
	ctx := context.Background()
	lib := newTestLibrary(t, LibraryOptions{})
	doc := newTestDocument(t, lib, "abcdef")

	var marker RangeMarkerID
	require.NoError(t, lib.Mutate(ctx, doc.ID(), func(m *Mutation) error {
		var err error
		if marker, err = m.CreateRangeMarker(1, 4, LifetimeDocument, false, false); err != nil {
			return err
		}
		if err := m.Delete(0, 2); err != nil {
			return err
		}
		return m.Replace(3, 4, "XY")
	}))

	doc, err := lib.Document(ctx, doc.ID())
	require.NoError(t, err)
	assert.Equal(t, "cdeXY", doc.Text().String())
	r, ok := doc.ResolveRangeMarker(marker)
	require.True(t, ok)
	assert.Equal(t, Range{From: 0, To: 2}, r)

	replayed, err := doc.Edits().Replay(doc.Initial())
	require.NoError(t, err)
	assert.Equal(t, doc.Text(), replayed)
}

func TestMutationBounds(t *testing.T) {
	ctx := context.Background()
	lib := newTestLibrary(t, LibraryOptions{})
	doc := newTestDocument(t, lib, "abc")

	err := lib.Mutate(ctx, doc.ID(), func(m *Mutation) error { return m.Insert(4, "x") })
	assert.ErrorIs(t, err, ErrOutOfBounds)
	err = lib.Mutate(ctx, doc.ID(), func(m *Mutation) error { return m.Delete(2, 1) })
	assert.ErrorIs(t, err, ErrOutOfBounds)
	err = lib.Mutate(ctx, doc.ID(), func(m *Mutation) error {
		_, err := m.CreateAnchor(9, LifetimeDocument, StickLeft)
		return err
	})
	assert.ErrorIs(t, err, ErrOutOfBounds)
	err = lib.Mutate(ctx, 999, func(m *Mutation) error { return nil })
	assert.ErrorIs(t, err, ErrDocumentNotFound)
}

func TestRejectedEditsLeaveDocumentUnchanged(t *testing.T) {
	ctx := context.Background()
	lib := newTestLibrary(t, LibraryOptions{})
	doc := newTestDocument(t, lib, "abc")

	err := lib.Mutate(ctx, doc.ID(), func(m *Mutation) error { return m.Insert(1, "x\ry") })
	assert.ErrorIs(t, err, ErrInvalidLineEnding)

	err = lib.Mutate(ctx, doc.ID(), func(m *Mutation) error { return m.Edit(DeleteRange(10, 0, 1)) })
	assert.ErrorIs(t, err, ErrMalformedOperation)

	boom := errors.New("boom")
	err = lib.Mutate(ctx, doc.ID(), func(m *Mutation) error {
		require.NoError(t, m.Insert(0, "zzz"))
		assert.Equal(t, "zzzabc", m.Text().String())
		return boom
	})
	assert.ErrorIs(t, err, boom)

	after, err := lib.Document(ctx, doc.ID())
	require.NoError(t, err)
	assert.Equal(t, "abc", after.Text().String())
	assert.Equal(t, int64(0), after.Timestamp())
}

func TestIdentityEditIsNoop(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	metrics, err := NewMetrics(reg)
	require.NoError(t, err)

	rec := &recordingComponent{key: "rec"}
	lib := newTestLibrary(t, LibraryOptions{Metrics: metrics, Components: []ComponentType{rec.eagerType()}})
	doc := newTestDocument(t, lib, "hello")
	commitsAfterCreate := rec.commitCount()

	require.NoError(t, lib.Mutate(ctx, doc.ID(), func(m *Mutation) error {
		if err := m.Edit(Identity(5)); err != nil {
			return err
		}
		return m.Insert(2, "")
	}))

	after, err := lib.Document(ctx, doc.ID())
	require.NoError(t, err)
	assert.Equal(t, 0, after.Edits().Len())
	_, ok := after.Edits().Version()
	assert.False(t, ok)
	assert.Empty(t, rec.editCalls())
	assert.Equal(t, commitsAfterCreate, rec.commitCount())
	assert.Equal(t, 2.0, counterValue(t, metrics.editsSkipped))
}

func TestMutationScopedAnchors(t *testing.T) {
	ctx := context.Background()
	lib := newTestLibrary(t, LibraryOptions{})
	doc := newTestDocument(t, lib, "hello world")

	var (
		kept   *Mutation
		anchor AnchorID
		marker RangeMarkerID
	)
	require.NoError(t, lib.Mutate(ctx, doc.ID(), func(m *Mutation) error {
		kept = m
		assert.Equal(t, MutationOpen, m.State())

		var err error
		if anchor, err = m.CreateAnchor(6, LifetimeMutation, StickLeft); err != nil {
			return err
		}
		if marker, err = m.CreateRangeMarker(6, 11, LifetimeMutation, true, true); err != nil {
			return err
		}
		if err := m.Insert(0, ">> "); err != nil {
			return err
		}
		assert.Equal(t, MutationEditing, m.State())

		off, ok := m.ResolveAnchor(anchor)
		assert.True(t, ok)
		assert.Equal(t, 9, off)
		r, ok := m.ResolveRangeMarker(marker)
		assert.True(t, ok)
		assert.Equal(t, Range{From: 9, To: 14}, r)

		require.NoError(t, m.RemoveRangeMarker(marker))
		_, ok = m.ResolveRangeMarker(marker)
		assert.False(t, ok)
		return nil
	}))

	assert.Equal(t, MutationCommitted, kept.State())
	_, ok := kept.ResolveAnchor(anchor)
	assert.False(t, ok)
	assert.ErrorIs(t, kept.Insert(0, "x"), ErrMutationClosed)
	_, err := kept.CreateAnchor(0, LifetimeDocument, StickLeft)
	assert.ErrorIs(t, err, ErrMutationClosed)

	after, err := lib.Document(ctx, doc.ID())
	require.NoError(t, err)
	assert.Equal(t, 0, after.Anchors().AnchorCount())
	_, ok = after.ResolveAnchor(anchor)
	assert.False(t, ok)
}

func TestDiscardedMutation(t *testing.T) {
	ctx := context.Background()
	lib := newTestLibrary(t, LibraryOptions{})
	doc := newTestDocument(t, lib, "abc")

	var kept *Mutation
	err := lib.Mutate(ctx, doc.ID(), func(m *Mutation) error {
		kept = m
		return errors.New("abort")
	})
	require.Error(t, err)
	assert.Equal(t, MutationDiscarded, kept.State())
	assert.ErrorIs(t, kept.RemoveAnchor("x"), ErrMutationClosed)
}

func TestLocalAnchors(t *testing.T) {
	ctx := context.Background()
	lib := newTestLibrary(t, LibraryOptions{})
	store := lib.Store().(*MemoryStore)
	doc := newTestDocument(t, lib, "abcdef")
	require.Equal(t, 1, store.EntityCount())

	var anchor AnchorID
	var marker RangeMarkerID
	require.NoError(t, lib.Mutate(ctx, doc.ID(), func(m *Mutation) error {
		var err error
		if anchor, err = m.CreateAnchor(3, LifetimeLocal, StickRight); err != nil {
			return err
		}
		marker, err = m.CreateRangeMarker(1, 2, LifetimeLocal, false, false)
		return err
	}))
	// document, component and one entity per local anchor or marker
	assert.Equal(t, 4, store.EntityCount())

	require.NoError(t, lib.Mutate(ctx, doc.ID(), func(m *Mutation) error {
		return m.Insert(0, "__")
	}))

	snap, err := lib.Document(ctx, doc.ID())
	require.NoError(t, err)
	assert.Equal(t, 0, snap.Anchors().AnchorCount(), "local anchors stay out of the document index")
	off, ok := snap.ResolveAnchor(anchor)
	require.True(t, ok)
	assert.Equal(t, 5, off)
	r, ok := snap.ResolveRangeMarker(marker)
	require.True(t, ok)
	assert.Equal(t, Range{From: 3, To: 4}, r)

	require.NoError(t, lib.Mutate(ctx, doc.ID(), func(m *Mutation) error {
		if err := m.RemoveAnchor(anchor); err != nil {
			return err
		}
		return m.RemoveAnchor(anchor)
	}))
	assert.Equal(t, 3, store.EntityCount())

	snap, err = lib.Document(ctx, doc.ID())
	require.NoError(t, err)
	_, ok = snap.ResolveAnchor(anchor)
	assert.False(t, ok)
	assert.True(t, snap.LocalAnchors().HasRangeMarker(marker))
}

func TestResolveOrder(t *testing.T) {
	ctx := context.Background()
	lib := newTestLibrary(t, LibraryOptions{})
	doc := newTestDocument(t, lib, "abcdef")

	require.NoError(t, lib.Mutate(ctx, doc.ID(), func(m *Mutation) error {
		docAnchor, err := m.CreateAnchor(1, LifetimeDocument, StickLeft)
		require.NoError(t, err)
		localAnchor, err := m.CreateAnchor(2, LifetimeLocal, StickLeft)
		require.NoError(t, err)
		private, err := m.CreateAnchor(3, LifetimeMutation, StickLeft)
		require.NoError(t, err)

		for id, want := range map[AnchorID]int{docAnchor: 1, localAnchor: 2, private: 3} {
			off, ok := m.ResolveAnchor(id)
			assert.True(t, ok)
			assert.Equal(t, want, off)
		}
		_, ok := m.ResolveAnchor("unknown")
		assert.False(t, ok)
		return nil
	}))
}

func TestBatchUpdateAnchors(t *testing.T) {
	ctx := context.Background()
	lib := newTestLibrary(t, LibraryOptions{})
	doc := newTestDocument(t, lib, "0123456789")

	var persisted, local AnchorID
	var marker RangeMarkerID
	require.NoError(t, lib.Mutate(ctx, doc.ID(), func(m *Mutation) error {
		var err error
		persisted, _ = m.CreateAnchor(1, LifetimeDocument, StickLeft)
		local, _ = m.CreateAnchor(2, LifetimeLocal, StickLeft)
		marker, _ = m.CreateRangeMarker(0, 1, LifetimeDocument, false, false)
		private, _ := m.CreateAnchor(3, LifetimeMutation, StickLeft)

		err = m.BatchUpdateAnchors(
			[]AnchorID{persisted, local, private}, []int{7, 8, 9},
			[]RangeMarkerID{marker}, []Range{{From: 4, To: 6}})
		if err != nil {
			return err
		}
		off, _ := m.ResolveAnchor(private)
		assert.Equal(t, 9, off)

		assert.ErrorIs(t, m.BatchUpdateAnchors([]AnchorID{persisted}, nil, nil, nil), ErrBatchMismatch)
		assert.ErrorIs(t, m.BatchUpdateAnchors([]AnchorID{"nope"}, []int{1}, nil, nil), ErrAnchorNotFound)
		assert.ErrorIs(t, m.BatchUpdateAnchors(nil, nil, []RangeMarkerID{"nope"}, []Range{{}}), ErrAnchorNotFound)
		return nil
	}))

	snap, err := lib.Document(ctx, doc.ID())
	require.NoError(t, err)
	off, _ := snap.ResolveAnchor(persisted)
	assert.Equal(t, 7, off)
	off, _ = snap.ResolveAnchor(local)
	assert.Equal(t, 8, off)
	r, _ := snap.ResolveRangeMarker(marker)
	assert.Equal(t, Range{From: 4, To: 6}, r)
}

func TestMeta(t *testing.T) {
	ctx := context.Background()
	lib := newTestLibrary(t, LibraryOptions{})
	doc := newTestDocument(t, lib, "")
	lang := NewMetaKey[string]("language")
	tabs := NewMetaKey[int]("tab-width")

	require.NoError(t, lib.Mutate(ctx, doc.ID(), func(m *Mutation) error {
		if err := SetMeta(m, lang, "go"); err != nil {
			return err
		}
		v, ok := MutationMeta(m, lang)
		assert.True(t, ok)
		assert.Equal(t, "go", v)
		return nil
	}))

	snap, err := lib.Document(ctx, doc.ID())
	require.NoError(t, err)
	v, ok := GetMeta(snap, lang)
	assert.True(t, ok)
	assert.Equal(t, "go", v)
	_, ok = GetMeta(snap, tabs)
	assert.False(t, ok)

	// a value of another type under the same name does not match
	_, ok = GetMeta(snap, NewMetaKey[int]("language"))
	assert.False(t, ok)
}

func TestSnapshotIsolation(t *testing.T) {
	ctx := context.Background()
	lib := newTestLibrary(t, LibraryOptions{})
	doc := newTestDocument(t, lib, "abc")

	require.NoError(t, lib.Mutate(ctx, doc.ID(), func(m *Mutation) error {
		if err := m.Insert(3, "def"); err != nil {
			return err
		}
		snap, err := lib.Document(ctx, doc.ID())
		require.NoError(t, err)
		assert.Equal(t, "abc", snap.Text().String())

		seen, err := m.Document()
		require.NoError(t, err)
		assert.Equal(t, "abcdef", seen.Text().String())
		return nil
	}))
	assert.Equal(t, "abc", doc.Text().String())
}

func TestDeleteDocument(t *testing.T) {
	ctx := context.Background()
	rec := &recordingComponent{key: "rec"}
	lib := newTestLibrary(t, LibraryOptions{Components: []ComponentType{rec.eagerType()}})
	store := lib.Store().(*MemoryStore)
	doc := newTestDocument(t, lib, "abc")

	require.NoError(t, lib.Mutate(ctx, doc.ID(), func(m *Mutation) error {
		_, err := m.CreateAnchor(1, LifetimeLocal, StickLeft)
		return err
	}))
	require.Equal(t, 4, store.EntityCount())

	require.NoError(t, lib.DeleteDocument(ctx, doc.ID()))
	assert.Equal(t, 0, store.EntityCount())

	_, err := lib.Document(ctx, doc.ID())
	assert.ErrorIs(t, err, ErrDocumentNotFound)
	assert.ErrorIs(t, lib.DeleteDocument(ctx, doc.ID()), ErrDocumentNotFound)
	_, err = lib.LookupUID(ctx, doc.UID())
	assert.ErrorIs(t, err, ErrDocumentNotFound)
}

func TestShare(t *testing.T) {
	ctx := context.Background()
	lib := newTestLibrary(t, LibraryOptions{})
	doc := newTestDocument(t, lib, "abc")

	uid, err := lib.Share(ctx, doc.ID())
	require.NoError(t, err)
	assert.Equal(t, doc.UID(), uid)

	again, err := lib.Share(ctx, doc.ID())
	require.NoError(t, err)
	assert.Equal(t, uid, again)

	snap, err := lib.Document(ctx, doc.ID())
	require.NoError(t, err)
	assert.True(t, snap.Shared())

	_, err = lib.Share(ctx, 42)
	assert.ErrorIs(t, err, ErrDocumentNotFound)
}
