package testutil

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/schaermu/hostedit/internal/remote"
	"github.com/schaermu/hostedit/internal/resource"
)

// FakeCall records one GetContents or PutContents invocation.
type FakeCall struct {
	Op      string
	Locator string
	Get     remote.GetOptions
	Put     remote.PutOptions
}

// FakeClient is an in-memory remote.Client and remote.Uploader. Content and
// etags are set independently so tests control exactly what a fetch reports.
type FakeClient struct {
	mu       sync.Mutex
	content  map[string]string
	etags    map[string]string
	failures map[string]error
	calls    []FakeCall
	// OnGet, when set, runs before a download completes.
	OnGet func(locator string)
}

// NewFakeClient creates an empty fake.
func NewFakeClient() *FakeClient {
	return &FakeClient{
		content:  make(map[string]string),
		etags:    make(map[string]string),
		failures: make(map[string]error),
	}
}

// Set stores content and the etag reported for it. An empty etag means the
// remote supplies none.
func (f *FakeClient) Set(locator, content, etag string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.content[locator] = content
	f.etags[locator] = etag
	delete(f.failures, locator)
}

// Fail makes requests for locator return err.
func (f *FakeClient) Fail(locator string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[locator] = err
}

// Content returns the stored content of locator.
func (f *FakeClient) Content(locator string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.content[locator]
}

// Calls returns a copy of the recorded calls.
func (f *FakeClient) Calls() []FakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]FakeCall(nil), f.calls...)
}

// GetContents implements remote.Client.
func (f *FakeClient) GetContents(ctx context.Context, locator string, opts remote.GetOptions) (*remote.Response, error) {
	if hook := f.OnGet; hook != nil {
		hook(locator)
	}

	f.mu.Lock()
	f.calls = append(f.calls, FakeCall{Op: "get", Locator: locator, Get: opts})
	failure := f.failures[locator]
	content, ok := f.content[locator]
	etag := f.etags[locator]
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if failure != nil {
		return nil, failure
	}
	if !ok {
		return nil, remote.NewAPIError(404, "not found: "+locator, "")
	}
	if err := os.MkdirAll(filepath.Dir(opts.File), 0755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(opts.File, []byte(content), 0644); err != nil {
		return nil, err
	}

	resp := &remote.Response{}
	if opts.ReturnEtag {
		resp.Etag = etag
	}
	return resp, nil
}

// PutContents implements remote.Uploader with If-Match semantics. The new
// etag is derived from the uploaded content.
func (f *FakeClient) PutContents(ctx context.Context, locator string, opts remote.PutOptions) (*remote.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, FakeCall{Op: "put", Locator: locator, Put: opts})

	if failure := f.failures[locator]; failure != nil {
		return nil, failure
	}
	if opts.Etag != "" && opts.Etag != f.etags[locator] {
		return nil, remote.NewAPIError(412, "etag mismatch", resource.CategoryConflict)
	}
	data, err := os.ReadFile(opts.File)
	if err != nil {
		return nil, err
	}
	f.content[locator] = string(data)
	f.etags[locator] = Etag(string(data))
	return &remote.Response{Etag: f.etags[locator]}, nil
}

// ErrorFor is a convenience for tests that need a categorized failure.
func ErrorFor(category resource.Category, msg string, args ...any) error {
	return remote.NewAPIError(0, fmt.Sprintf(msg, args...), category)
}
