package reconcile

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/schaermu/hostedit/internal/fetch"
	"github.com/schaermu/hostedit/internal/remote"
	"github.com/schaermu/hostedit/internal/resource"
	"github.com/schaermu/hostedit/internal/testutil"
	"github.com/schaermu/hostedit/internal/workspace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const appCfg = "/u/user/app.cfg"

type fixture struct {
	dir        string
	client     *testutil.FakeClient
	env        *testutil.RecordingEditor
	dispatcher *fetch.Dispatcher
	logs       *bytes.Buffer
	reconciler *Reconciler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	client := testutil.NewFakeClient()
	resolve := func(string) (remote.Client, error) { return client, nil }

	logs := &bytes.Buffer{}
	logger := slog.New(slog.NewTextHandler(logs, &slog.HandlerOptions{Level: slog.LevelInfo}))

	dispatcher, err := fetch.New(fetch.Config{
		WorkDir: filepath.Join(dir, "work"),
		Strategies: map[resource.Kind]fetch.Strategy{
			resource.KindDataset:  fetch.ClientStrategy{Resolve: resolve},
			resource.KindUnixFile: fetch.ClientStrategy{Resolve: resolve},
			resource.KindObject:   fetch.ClientStrategy{Resolve: resolve, ForceBinary: true},
			resource.KindRepoFile: fetch.ClientStrategy{Resolve: resolve},
		},
		Logger: logger,
	})
	require.NoError(t, err)

	env := &testutil.RecordingEditor{}
	return &fixture{
		dir:        dir,
		client:     client,
		env:        env,
		dispatcher: dispatcher,
		logs:       logs,
		reconciler: New(dispatcher, env, logger),
	}
}

// openDoc simulates an opened document whose editable copy holds local.
func (f *fixture) openDoc(t *testing.T, local, etag string) *workspace.Document {
	t.Helper()
	ref, err := resource.ParseRef("uss:lpar1:" + appCfg)
	require.NoError(t, err)

	localPath := filepath.Join(f.dir, "work", "app.cfg")
	backingPath := filepath.Join(f.dir, "backing", "app.cfg")
	require.NoError(t, os.MkdirAll(filepath.Dir(localPath), 0755))
	require.NoError(t, os.WriteFile(localPath, []byte(local), 0644))
	return workspace.NewDocument(ref, localPath, backingPath, etag)
}

func TestReconcile_EtagEqualLeavesDocumentUnchanged(t *testing.T) {
	f := newFixture(t)
	f.client.Set(appCfg, "x=1\n", "E1")
	doc := f.openDoc(t, "x=1\n", "E1")

	require.NoError(t, f.reconciler.Reconcile(context.Background(), doc))

	assert.Equal(t, "E1", doc.Etag())
	assert.True(t, doc.ExternallyModified())
	assert.Equal(t, []string{doc.LocalPath()}, f.env.Marks())

	assert.Len(t, f.env.Diffs(), 1)
	assert.NotContains(t, f.logs.String(), "remote file has changed")
	assert.NotContains(t, f.logs.String(), "level=WARN")
	assert.Contains(t, f.logs.String(), "remote file unchanged")
}

func TestReconcile_EtagDiffers(t *testing.T) {
	tests := []struct {
		name     string
		recorded string
		remote   string
	}{
		{name: "present etags differ", recorded: "E1", remote: "E2"},
		{name: "recorded etag absent", recorded: "", remote: "E2"},
		{name: "fetched etag absent", recorded: "E1", remote: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.client.Set(appCfg, "x=2\n", tt.remote)
			doc := f.openDoc(t, "x=1\n", tt.recorded)

			require.NoError(t, f.reconciler.Reconcile(context.Background(), doc))
			assert.Equal(t, tt.remote, doc.Etag())
		})
	}
}

func TestReconcile_RemoteEditedSinceOpen(t *testing.T) {
	f := newFixture(t)
	f.client.Set(appCfg, "v2 content\n", "v2")
	doc := f.openDoc(t, "v1 content with local edits\n", "v1")

	require.NoError(t, f.reconciler.Reconcile(context.Background(), doc))

	assert.Len(t, f.env.Marks(), 1, "document is marked exactly once")
	assert.Equal(t, "v2", doc.Etag())

	diffs := f.env.Diffs()
	require.Len(t, diffs, 1)
	assert.Equal(t, doc.BackingPath(), diffs[0].Left)
	assert.Equal(t, doc.LocalPath(), diffs[0].Right)
	assert.Equal(t, "v2 content\n", diffs[0].LeftContent)
	assert.Equal(t, "v1 content with local edits\n", diffs[0].RightContent)

	calls := f.client.Calls()
	require.Len(t, calls, 1)
	assert.True(t, calls[0].Get.ReturnEtag)
	assert.Equal(t, doc.BackingPath(), calls[0].Get.File)

	assert.Contains(t, f.logs.String(), "remote file has changed")
	assert.Contains(t, f.logs.String(), "recorded etag updated")
}

func TestReconcile_FetchFailureKeepsEtag(t *testing.T) {
	f := newFixture(t)
	f.client.Fail(appCfg, remote.NewAPIError(404, "gone", ""))
	doc := f.openDoc(t, "x\n", "E1")

	err := f.reconciler.Reconcile(context.Background(), doc)
	require.Error(t, err)
	assert.True(t, resource.IsCategory(err, resource.CategoryNotFound))

	assert.Equal(t, "E1", doc.Etag())
	assert.Len(t, f.env.Marks(), 1, "marking happens before the fetch")
	assert.Empty(t, f.env.Diffs())
}

func TestReconcile_MarkFailureIsNotFatal(t *testing.T) {
	f := newFixture(t)
	f.env.MarkErr = errors.New("editor gone")
	f.client.Set(appCfg, "x=2\n", "E2")
	doc := f.openDoc(t, "x=1\n", "E1")

	require.NoError(t, f.reconciler.Reconcile(context.Background(), doc))
	assert.Equal(t, "E2", doc.Etag())
	assert.Len(t, f.env.Diffs(), 1)
	assert.Contains(t, f.logs.String(), "failed to mark document")
}

func TestReconcile_DiffFailureIsNotFatal(t *testing.T) {
	f := newFixture(t)
	f.env.DiffErr = errors.New("no display")
	f.client.Set(appCfg, "x=2\n", "E2")
	doc := f.openDoc(t, "x=1\n", "E1")

	require.NoError(t, f.reconciler.Reconcile(context.Background(), doc))
	assert.Equal(t, "E2", doc.Etag())
	assert.Contains(t, f.logs.String(), "failed to show diff")
}

func TestReconcile_StaleResultDiscarded(t *testing.T) {
	f := newFixture(t)
	f.client.Set(appCfg, "x=2\n", "E2")
	doc := f.openDoc(t, "x=1\n", "E1")
	f.client.OnGet = func(string) { doc.Invalidate() }

	err := f.reconciler.Reconcile(context.Background(), doc)
	assert.ErrorIs(t, err, ErrStale)
	assert.Equal(t, "E1", doc.Etag())
	assert.Empty(t, f.env.Diffs())
	assert.Contains(t, f.logs.String(), "discarding result")
}

func TestSave_Success(t *testing.T) {
	f := newFixture(t)
	f.client.Set(appCfg, "x=1\n", "E1")
	doc := f.openDoc(t, "x=1 edited\n", "E1")
	doc.MarkExternallyModified()

	saver := NewSaver(f.dispatcher, f.reconciler, slog.New(slog.NewTextHandler(f.logs, nil)))
	require.NoError(t, saver.Save(context.Background(), doc))

	assert.Equal(t, "x=1 edited\n", f.client.Content(appCfg))
	assert.Equal(t, testutil.Etag("x=1 edited\n"), doc.Etag())
	assert.False(t, doc.ExternallyModified())

	backing, err := os.ReadFile(doc.BackingPath())
	require.NoError(t, err)
	assert.Equal(t, "x=1 edited\n", string(backing))

	calls := f.client.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "E1", calls[0].Put.Etag)
}

func TestSave_ConflictReconciles(t *testing.T) {
	f := newFixture(t)
	f.client.Set(appCfg, "changed by someone else\n", "E2")
	doc := f.openDoc(t, "my edit\n", "E1")

	saver := NewSaver(f.dispatcher, f.reconciler, slog.New(slog.NewTextHandler(f.logs, nil)))
	err := saver.Save(context.Background(), doc)
	require.ErrorIs(t, err, ErrRemoteChanged)

	assert.Equal(t, "changed by someone else\n", f.client.Content(appCfg), "remote must not be overwritten")
	assert.Equal(t, "E2", doc.Etag())
	assert.True(t, doc.ExternallyModified())
	require.Len(t, f.env.Diffs(), 1)

	// After reviewing the diff a second save goes through.
	require.NoError(t, saver.Save(context.Background(), doc))
	assert.Equal(t, "my edit\n", f.client.Content(appCfg))
	assert.False(t, doc.ExternallyModified())
}

func TestSave_OtherErrorsPropagate(t *testing.T) {
	f := newFixture(t)
	f.client.Fail(appCfg, remote.NewAPIError(401, "denied", ""))
	doc := f.openDoc(t, "x\n", "E1")

	saver := NewSaver(f.dispatcher, f.reconciler, nil)
	err := saver.Save(context.Background(), doc)
	require.Error(t, err)
	assert.True(t, resource.IsCategory(err, resource.CategoryAuth))
	assert.NotErrorIs(t, err, ErrRemoteChanged)
	assert.Empty(t, f.env.Marks(), "no reconcile on non-conflict failures")
}
