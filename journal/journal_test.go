package journal

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phroun/anchorage"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"), Options{})
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func newJournaledLibrary(t *testing.T, j *Journal) *anchorage.Library {
	t.Helper()
	lib, err := anchorage.Init(anchorage.LibraryOptions{Components: []anchorage.ComponentType{j.ComponentType()}})
	require.NoError(t, err)
	return lib
}

func TestJournalRecordsCommittedEdits(t *testing.T) {
	ctx := context.Background()
	j := openTestJournal(t)
	lib := newJournaledLibrary(t, j)

	doc, err := lib.CreateDocument(ctx, anchorage.DocumentOptions{Content: "hello", UID: "greeting", Shared: true})
	require.NoError(t, err)

	uids, err := j.Documents()
	require.NoError(t, err)
	assert.Equal(t, []string{"greeting"}, uids)
	n, err := j.Len("greeting")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	for _, s := range []string{" world", "!"} {
		require.NoError(t, lib.Mutate(ctx, doc.ID(), func(m *anchorage.Mutation) error {
			return m.Insert(m.Text().Len(), s)
		}))
	}
	// rolled back edits are never journaled
	_ = lib.Mutate(ctx, doc.ID(), func(m *anchorage.Mutation) error {
		require.NoError(t, m.Insert(0, "nope"))
		return assert.AnError
	})

	n, err = j.Len("greeting")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	rec, err := j.Load("greeting")
	require.NoError(t, err)
	assert.Equal(t, "hello", rec.Initial)
	assert.True(t, rec.Shared)
	text, err := rec.Log.Replay(anchorage.MustText(rec.Initial))
	require.NoError(t, err)
	assert.Equal(t, "hello world!", text.String())

	snap, err := lib.Document(ctx, doc.ID())
	require.NoError(t, err)
	assert.Equal(t, snap.Edits().Entries(), rec.Log.Entries())
}

func TestJournalRestore(t *testing.T) {
	ctx := context.Background()
	j := openTestJournal(t)
	lib := newJournaledLibrary(t, j)

	doc, err := lib.CreateDocument(ctx, anchorage.DocumentOptions{Content: "abc", UID: "doc"})
	require.NoError(t, err)
	require.NoError(t, lib.Mutate(ctx, doc.ID(), func(m *anchorage.Mutation) error {
		return m.Replace(1, 2, "XYZ")
	}))

	fresh := newJournaledLibrary(t, j)
	restored, err := j.Restore(ctx, fresh, "doc")
	require.NoError(t, err)
	assert.Equal(t, "aXYZc", restored.Text().String())
	assert.Equal(t, "abc", restored.Initial().String())
	assert.Equal(t, int64(1), restored.Timestamp())
	assert.False(t, restored.Shared())

	// restoring re-attaches the journal without duplicating entries
	n, err := j.Len("doc")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, fresh.Mutate(ctx, restored.ID(), func(m *anchorage.Mutation) error {
		return m.Delete(0, 1)
	}))
	n, err = j.Len("doc")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	_, err = j.Restore(ctx, fresh, "doc")
	assert.ErrorIs(t, err, anchorage.ErrDocumentExists)
}

func TestJournalUnknownDocument(t *testing.T) {
	j := openTestJournal(t)

	_, err := j.Load("missing")
	assert.ErrorIs(t, err, ErrNotJournaled)
	_, err = j.Len("missing")
	assert.ErrorIs(t, err, ErrNotJournaled)
	_, err = j.Restore(context.Background(), nil, "missing")
	assert.ErrorIs(t, err, ErrNotJournaled)
	assert.NoError(t, j.Forget("missing"))
}

func TestJournalForget(t *testing.T) {
	ctx := context.Background()
	j := openTestJournal(t)
	lib := newJournaledLibrary(t, j)

	_, err := lib.CreateDocument(ctx, anchorage.DocumentOptions{Content: "a", UID: "one"})
	require.NoError(t, err)
	_, err = lib.CreateDocument(ctx, anchorage.DocumentOptions{Content: "b", UID: "two"})
	require.NoError(t, err)

	require.NoError(t, j.Forget("one"))
	uids, err := j.Documents()
	require.NoError(t, err)
	assert.Equal(t, []string{"two"}, uids)
}

func TestJournalReopenReadOnly(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := Open(path, Options{})
	require.NoError(t, err)
	lib := newJournaledLibrary(t, j)
	_, err = lib.CreateDocument(ctx, anchorage.DocumentOptions{Content: "persisted", UID: "p"})
	require.NoError(t, err)
	require.NoError(t, j.Close())

	ro, err := Open(path, Options{ReadOnly: true})
	require.NoError(t, err)
	defer ro.Close()
	rec, err := ro.Load("p")
	require.NoError(t, err)
	assert.Equal(t, "persisted", rec.Initial)
	assert.Equal(t, 0, rec.Log.Len())
}

func TestJournalRejectsDivergentDocument(t *testing.T) {
	ctx := context.Background()
	j := openTestJournal(t)
	lib := newJournaledLibrary(t, j)
	doc, err := lib.CreateDocument(ctx, anchorage.DocumentOptions{Content: "abc", UID: "doc"})
	require.NoError(t, err)
	require.NoError(t, lib.Mutate(ctx, doc.ID(), func(m *anchorage.Mutation) error { return m.Insert(0, "x") }))

	other, err := anchorage.Init(anchorage.LibraryOptions{})
	require.NoError(t, err)
	stale, err := other.CreateDocument(ctx, anchorage.DocumentOptions{Content: "abc", UID: "doc"})
	require.NoError(t, err)

	_, err = j.record(stale)
	assert.Error(t, err)
}
