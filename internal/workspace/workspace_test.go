package workspace

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/schaermu/hostedit/internal/resource"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRef(t *testing.T, s string) resource.Ref {
	t.Helper()
	ref, err := resource.ParseRef(s)
	require.NoError(t, err)
	return ref
}

func TestApplyEtag(t *testing.T) {
	tests := []struct {
		name        string
		recorded    string
		fetched     string
		wantChanged bool
	}{
		{name: "equal etags leave the document unchanged", recorded: "E1", fetched: "E1", wantChanged: false},
		{name: "different etags update", recorded: "E1", fetched: "E2", wantChanged: true},
		{name: "absent recorded etag counts as different", recorded: "", fetched: "E2", wantChanged: true},
		{name: "absent fetched etag counts as different", recorded: "E1", fetched: "", wantChanged: true},
		{name: "both absent are equal", recorded: "", fetched: "", wantChanged: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := NewDocument(testRef(t, "uss:lpar1:/u/a"), "/w/a", "/s/a", tt.recorded)
			applied, changed := doc.ApplyEtag(doc.Generation(), tt.fetched)
			assert.True(t, applied)
			assert.Equal(t, tt.wantChanged, changed)
			assert.Equal(t, tt.fetched, doc.Etag())
		})
	}
}

func TestApplyEtag_StaleGeneration(t *testing.T) {
	doc := NewDocument(testRef(t, "uss:lpar1:/u/a"), "/w/a", "/s/a", "E1")
	gen := doc.Generation()
	doc.Invalidate()

	applied, changed := doc.ApplyEtag(gen, "E2")
	assert.False(t, applied)
	assert.False(t, changed)
	assert.Equal(t, "E1", doc.Etag())
}

func TestExternallyModifiedFlag(t *testing.T) {
	doc := NewDocument(testRef(t, "uss:lpar1:/u/a"), "/w/a", "/s/a", "")
	assert.False(t, doc.ExternallyModified())
	doc.MarkExternallyModified()
	assert.True(t, doc.ExternallyModified())
	doc.ClearExternallyModified()
	assert.False(t, doc.ExternallyModified())
}

func TestStore_PersistsAcrossOpen(t *testing.T) {
	dir := t.TempDir()
	statePath := filepath.Join(dir, "documents.json")

	store, err := Open(statePath, discardLogger())
	require.NoError(t, err)
	docs, err := store.List()
	require.NoError(t, err)
	assert.Empty(t, docs)

	local := filepath.Join(dir, "work", "app.cfg")
	doc := NewDocument(testRef(t, "uss:lpar1:/u/user/app.cfg"), local, filepath.Join(dir, "backing", "app.cfg"), "E1")
	doc.MarkExternallyModified()
	require.NoError(t, store.Put(doc))

	info, err := os.Stat(statePath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	reopened, err := Open(statePath, discardLogger())
	require.NoError(t, err)
	got, err := reopened.Get(local)
	require.NoError(t, err)
	assert.Equal(t, "E1", got.Etag())
	assert.True(t, got.ExternallyModified())
	assert.Equal(t, doc.Ref(), got.Ref())
	assert.Equal(t, doc.BackingPath(), got.BackingPath())
}

func TestStore_PutReplacesAndInvalidates(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(filepath.Join(dir, "documents.json"), discardLogger())
	require.NoError(t, err)

	local := filepath.Join(dir, "app.cfg")
	first := NewDocument(testRef(t, "uss:lpar1:/u/app.cfg"), local, "/b/1", "E1")
	require.NoError(t, store.Put(first))
	gen := first.Generation()

	second := NewDocument(testRef(t, "uss:lpar1:/u/app.cfg"), local, "/b/2", "E2")
	require.NoError(t, store.Put(second))

	assert.NotEqual(t, gen, first.Generation())
	got, err := store.Get(local)
	require.NoError(t, err)
	assert.Same(t, second, got)
	docs, err := store.List()
	require.NoError(t, err)
	assert.Len(t, docs, 1)
}

func TestStore_Remove(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(filepath.Join(dir, "documents.json"), discardLogger())
	require.NoError(t, err)

	local := filepath.Join(dir, "app.cfg")
	doc := NewDocument(testRef(t, "uss:lpar1:/u/app.cfg"), local, "/b/1", "E1")
	require.NoError(t, store.Put(doc))
	gen := doc.Generation()

	removed, err := store.Remove(local)
	require.NoError(t, err)
	assert.Same(t, doc, removed)
	assert.Greater(t, doc.Generation(), gen)

	_, err = store.Get(local)
	assert.ErrorIs(t, err, ErrNotOpen)

	_, err = store.Remove(local)
	assert.ErrorIs(t, err, ErrNotOpen)
}

func TestStore_SharedStateFile(t *testing.T) {
	dir := t.TempDir()
	statePath := filepath.Join(dir, "documents.json")

	long, err := Open(statePath, discardLogger())
	require.NoError(t, err)
	short, err := Open(statePath, discardLogger())
	require.NoError(t, err)

	a := NewDocument(testRef(t, "uss:lpar1:/u/a"), filepath.Join(dir, "a"), "/b/a", "EA")
	require.NoError(t, long.Put(a))
	b := NewDocument(testRef(t, "uss:lpar1:/u/b"), filepath.Join(dir, "b"), "/b/b", "EB")
	require.NoError(t, short.Put(b))

	// A document opened by another store is visible without reopening.
	got, err := long.Get(b.LocalPath())
	require.NoError(t, err)
	assert.Equal(t, "EB", got.Etag())

	// Updating one document keeps the other store's documents.
	a.SetEtag("EA2")
	require.NoError(t, long.Update(a))

	fresh, err := Open(statePath, discardLogger())
	require.NoError(t, err)
	docs, err := fresh.List()
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "EA2", docs[0].Etag)
	assert.Equal(t, "EB", docs[1].Etag)
}

func TestStore_SharedStateFile_CloseAndChanges(t *testing.T) {
	dir := t.TempDir()
	statePath := filepath.Join(dir, "documents.json")

	long, err := Open(statePath, discardLogger())
	require.NoError(t, err)
	a := NewDocument(testRef(t, "uss:lpar1:/u/a"), filepath.Join(dir, "a"), "/b/a", "EA")
	require.NoError(t, long.Put(a))
	b := NewDocument(testRef(t, "uss:lpar1:/u/b"), filepath.Join(dir, "b"), "/b/b", "EB")
	require.NoError(t, long.Put(b))

	short, err := Open(statePath, discardLogger())
	require.NoError(t, err)
	_, err = short.Remove(a.LocalPath())
	require.NoError(t, err)
	otherB, err := short.Get(b.LocalPath())
	require.NoError(t, err)
	otherB.SetEtag("EB2")
	otherB.MarkExternallyModified()
	require.NoError(t, short.Update(otherB))

	// The close is seen, not undone, and the etag change is picked up.
	gen := a.Generation()
	_, err = long.Get(a.LocalPath())
	assert.ErrorIs(t, err, ErrNotOpen)
	assert.Greater(t, a.Generation(), gen)
	assert.ErrorIs(t, long.Update(a), ErrNotOpen)

	got, err := long.Get(b.LocalPath())
	require.NoError(t, err)
	assert.Same(t, b, got)
	assert.Equal(t, "EB2", got.Etag())
	assert.True(t, got.ExternallyModified())

	docs, err := long.List()
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, b.LocalPath(), docs[0].LocalPath)
}

func TestOpen_CorruptState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "documents.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0600))

	_, err := Open(path, discardLogger())
	assert.Error(t, err)
}

func TestQuery(t *testing.T) {
	snaps := []Snapshot{
		{Ref: resource.Ref{Kind: resource.KindDataset, Profile: "lpar1", Path: "USER.JCL(A)"}, LocalPath: "/w/a", Etag: "E1"},
		{Ref: resource.Ref{Kind: resource.KindObject, Profile: "archive", Path: "x.csv"}, LocalPath: "/w/b", ExternallyModified: true},
	}

	all, err := Query(snaps, "")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Len(t, all[0], 2)

	modified, err := Query(snaps, `.[] | select(.externally_modified) | .local_path`)
	require.NoError(t, err)
	assert.Equal(t, []any{"/w/b"}, modified)

	kinds, err := Query(snaps, `map(.ref.kind)`)
	require.NoError(t, err)
	assert.Equal(t, []any{[]any{"dataset", "object"}}, kinds)

	_, err = Query(snaps, `.[`)
	assert.Error(t, err)

	empty, err := Query(nil, `length`)
	require.NoError(t, err)
	assert.Equal(t, []any{0}, empty)
}
