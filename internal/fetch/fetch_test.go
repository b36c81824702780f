package fetch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/schaermu/hostedit/internal/remote"
	"github.com/schaermu/hostedit/internal/resource"
	"github.com/schaermu/hostedit/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func allKinds(client remote.Client) map[resource.Kind]Strategy {
	resolve := func(string) (remote.Client, error) { return client, nil }
	return map[resource.Kind]Strategy{
		resource.KindDataset:  ClientStrategy{Resolve: resolve},
		resource.KindUnixFile: ClientStrategy{Resolve: resolve},
		resource.KindObject:   ClientStrategy{Resolve: resolve, ForceBinary: true},
		resource.KindRepoFile: ClientStrategy{Resolve: resolve},
	}
}

func newTestDispatcher(t *testing.T, client remote.Client) *Dispatcher {
	t.Helper()
	d, err := New(Config{
		WorkDir:         t.TempDir(),
		Strategies:      allKinds(client),
		ProfileDefaults: map[string]Defaults{"lpar1": {Encoding: "IBM-1047", ResponseTimeout: 30}},
		Logger:          discardLogger(),
	})
	require.NoError(t, err)
	return d
}

func mustRef(t *testing.T, s string) resource.Ref {
	t.Helper()
	ref, err := resource.ParseRef(s)
	require.NoError(t, err)
	return ref
}

func TestNew_RequiresEveryKind(t *testing.T) {
	strategies := allKinds(testutil.NewFakeClient())
	delete(strategies, resource.KindRepoFile)

	_, err := New(Config{WorkDir: t.TempDir(), Strategies: strategies})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "repo-file")
}

func TestNew_RejectsUnknownKind(t *testing.T) {
	strategies := allKinds(testutil.NewFakeClient())
	strategies["ftp"] = ClientStrategy{}

	_, err := New(Config{WorkDir: t.TempDir(), Strategies: strategies})
	assert.Error(t, err)
}

func TestFetch_DerivesDestination(t *testing.T) {
	client := testutil.NewFakeClient()
	client.Set("USER.JCL(BUILD)", "//BUILD JOB\n", "E1")
	d := newTestDispatcher(t, client)

	ref := mustRef(t, "ds:lpar1:user.jcl(build)")
	handle, err := d.Fetch(context.Background(), ref, d.OptionsFor(ref))
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(d.WorkDir(), "lpar1", "dataset", "USER.JCL", "BUILD"), handle.LocalPath)
	assert.Equal(t, "E1", handle.Etag)
	assert.Equal(t, ref, handle.Source)

	got, err := os.ReadFile(handle.LocalPath)
	require.NoError(t, err)
	assert.Equal(t, "//BUILD JOB\n", string(got))

	calls := client.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, remote.GetOptions{
		File:            handle.LocalPath,
		ReturnEtag:      true,
		Encoding:        "IBM-1047",
		ResponseTimeout: 30,
	}, calls[0].Get)
}

func TestFetch_AbsentEtag(t *testing.T) {
	client := testutil.NewFakeClient()
	client.Set("/u/user/app.cfg", "x=1\n", "")
	d := newTestDispatcher(t, client)

	handle, err := d.Fetch(context.Background(), mustRef(t, "uss:lpar1:/u/user/app.cfg"), DefaultOptions())
	require.NoError(t, err)
	assert.Empty(t, handle.Etag)
}

func TestFetch_ObjectForcesBinary(t *testing.T) {
	client := testutil.NewFakeClient()
	client.Set("reports/q1.csv", "a,b\n", `"e"`)
	d := newTestDispatcher(t, client)

	_, err := d.Fetch(context.Background(), mustRef(t, "s3:archive:reports/q1.csv"), DefaultOptions())
	require.NoError(t, err)
	assert.True(t, client.Calls()[0].Get.Binary)
}

func TestFetch_ExistingDestinationWithoutOverwrite(t *testing.T) {
	client := testutil.NewFakeClient()
	client.Set("/u/user/app.cfg", "remote\n", "E1")
	d := newTestDispatcher(t, client)

	ref := mustRef(t, "uss:lpar1:/u/user/app.cfg")
	dest, err := d.LocalPath(ref)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Dir(dest), 0755))
	require.NoError(t, os.WriteFile(dest, []byte("unsaved edits\n"), 0644))

	_, err = d.Fetch(context.Background(), ref, DefaultOptions())
	require.Error(t, err)
	assert.True(t, resource.IsCategory(err, resource.CategoryConflict))
	assert.Empty(t, client.Calls(), "no remote request may be made")

	got, _ := os.ReadFile(dest)
	assert.Equal(t, "unsaved edits\n", string(got))

	opts := DefaultOptions()
	opts.Overwrite = true
	_, err = d.Fetch(context.Background(), ref, opts)
	require.NoError(t, err)
	got, _ = os.ReadFile(dest)
	assert.Equal(t, "remote\n", string(got))
}

func TestFetch_WrapsClientErrorUntranslated(t *testing.T) {
	client := testutil.NewFakeClient()
	cause := remote.NewAPIError(401, "bad credentials", "")
	client.Fail("/u/user/secret", cause)
	d := newTestDispatcher(t, client)

	ref := mustRef(t, "uss:lpar1:/u/user/secret")
	_, err := d.Fetch(context.Background(), ref, DefaultOptions())
	require.Error(t, err)

	var fe *resource.FetchError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, resource.CategoryAuth, fe.Category)
	assert.Equal(t, ref, fe.Ref)
	assert.Same(t, cause, errors.Unwrap(err))
}

func TestFetch_NotFound(t *testing.T) {
	d := newTestDispatcher(t, testutil.NewFakeClient())

	_, err := d.Fetch(context.Background(), mustRef(t, "git:cfg:deploy/app.yaml"), DefaultOptions())
	assert.True(t, resource.IsCategory(err, resource.CategoryNotFound))
}

func TestFetch_InvalidRef(t *testing.T) {
	d := newTestDispatcher(t, testutil.NewFakeClient())

	_, err := d.Fetch(context.Background(), resource.Ref{Kind: resource.KindUnixFile, Profile: "lpar1", Path: "relative"}, DefaultOptions())
	assert.True(t, resource.IsCategory(err, resource.CategoryValidation))
}

// lyingStrategy reports success without writing anything.
type lyingStrategy struct{}

func (lyingStrategy) Download(context.Context, resource.Ref, remote.GetOptions) (*remote.Response, error) {
	return &remote.Response{Etag: "E"}, nil
}

func TestFetch_VerifiesLocalFile(t *testing.T) {
	strategies := allKinds(testutil.NewFakeClient())
	strategies[resource.KindRepoFile] = lyingStrategy{}
	d, err := New(Config{WorkDir: t.TempDir(), Strategies: strategies, Logger: discardLogger()})
	require.NoError(t, err)

	_, err = d.Fetch(context.Background(), mustRef(t, "git:cfg:app.yaml"), DefaultOptions())
	assert.True(t, resource.IsCategory(err, resource.CategoryInternal))
}

func TestComparePath_SeparatesSlots(t *testing.T) {
	d := newTestDispatcher(t, testutil.NewFakeClient())
	ref := mustRef(t, "uss:lpar1:/u/user/app.cfg")

	left, err := d.ComparePath(ref, 0)
	require.NoError(t, err)
	right, err := d.ComparePath(ref, 1)
	require.NoError(t, err)

	assert.NotEqual(t, left, right)
	assert.Equal(t, filepath.Join(d.WorkDir(), ".compare", "0", "lpar1", "unix-file", "u", "user", "app.cfg"), left)
}

func TestUpload(t *testing.T) {
	client := testutil.NewFakeClient()
	client.Set("/u/user/app.cfg", "v1", "E1")
	d := newTestDispatcher(t, client)

	src := filepath.Join(t.TempDir(), "app.cfg")
	require.NoError(t, os.WriteFile(src, []byte("v2"), 0644))
	ref := mustRef(t, "uss:lpar1:/u/user/app.cfg")

	resp, err := d.Upload(context.Background(), ref, src, "E1")
	require.NoError(t, err)
	assert.Equal(t, testutil.Etag("v2"), resp.Etag)
	assert.Equal(t, "v2", client.Content("/u/user/app.cfg"))

	_, err = d.Upload(context.Background(), ref, src, "E1")
	assert.True(t, resource.IsCategory(err, resource.CategoryConflict))
}

// readOnlyClient has no PutContents.
type readOnlyClient struct{ remote.Client }

func TestUpload_ReadOnlyKind(t *testing.T) {
	client := readOnlyClient{testutil.NewFakeClient()}
	d := newTestDispatcher(t, client)

	src := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(src, []byte("x"), 0644))

	_, err := d.Upload(context.Background(), mustRef(t, "git:cfg:app.yaml"), src, "")
	assert.True(t, resource.IsCategory(err, resource.CategoryValidation))
}
