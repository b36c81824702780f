// Package testutil provides an in-memory z/OSMF files API for tests.
package testutil

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// Request records one call made against the fake server.
type Request struct {
	Method string
	Path   string
	Header http.Header
}

// ZosmfServer emulates the data set and UNIX file endpoints of z/OSMF.
// Etags are derived from content so they change whenever content changes.
type ZosmfServer struct {
	*httptest.Server

	mu       sync.Mutex
	datasets map[string][]byte
	files    map[string][]byte
	failures map[string]int
	noEtag   bool
	requests []Request
}

// NewZosmfServer starts a fake server that is closed when t finishes.
func NewZosmfServer(t *testing.T) *ZosmfServer {
	t.Helper()

	z := &ZosmfServer{
		datasets: make(map[string][]byte),
		files:    make(map[string][]byte),
		failures: make(map[string]int),
	}
	z.Server = httptest.NewServer(http.HandlerFunc(z.handle))
	t.Cleanup(z.Close)
	return z
}

// BaseURL returns the URL to configure as the z/OSMF base.
func (z *ZosmfServer) BaseURL() string {
	return z.URL + "/zosmf"
}

// PutDataset stores content for a data set name such as "USER.JCL(BUILD)".
func (z *ZosmfServer) PutDataset(name, content string) {
	z.mu.Lock()
	defer z.mu.Unlock()
	z.datasets[name] = []byte(content)
}

// PutFile stores content for an absolute UNIX path.
func (z *ZosmfServer) PutFile(path, content string) {
	z.mu.Lock()
	defer z.mu.Unlock()
	z.files[path] = []byte(content)
}

// Dataset returns the current content of a data set.
func (z *ZosmfServer) Dataset(name string) string {
	z.mu.Lock()
	defer z.mu.Unlock()
	return string(z.datasets[name])
}

// File returns the current content of a UNIX file.
func (z *ZosmfServer) File(path string) string {
	z.mu.Lock()
	defer z.mu.Unlock()
	return string(z.files[path])
}

// FailWith makes every request for the given resource path
// ("/zosmf/restfiles/ds/NAME" style) answer with status.
func (z *ZosmfServer) FailWith(path string, status int) {
	z.mu.Lock()
	defer z.mu.Unlock()
	z.failures[path] = status
}

// OmitEtags stops the server from returning Etag headers.
func (z *ZosmfServer) OmitEtags() {
	z.mu.Lock()
	defer z.mu.Unlock()
	z.noEtag = true
}

// Requests returns a copy of the recorded requests.
func (z *ZosmfServer) Requests() []Request {
	z.mu.Lock()
	defer z.mu.Unlock()
	return append([]Request(nil), z.requests...)
}

// Etag returns the etag the server reports for content.
func Etag(content string) string {
	sum := sha256.Sum256([]byte(content))
	return strings.ToUpper(hex.EncodeToString(sum[:8]))
}

func (z *ZosmfServer) handle(w http.ResponseWriter, r *http.Request) {
	z.mu.Lock()
	defer z.mu.Unlock()

	z.requests = append(z.requests, Request{Method: r.Method, Path: r.URL.Path, Header: r.Header.Clone()})

	if r.Header.Get("X-CSRF-ZOSMF-HEADER") == "" {
		writeError(w, http.StatusForbidden, "missing CSRF header")
		return
	}
	if status, ok := z.failures[r.URL.Path]; ok {
		writeError(w, status, "injected failure")
		return
	}

	var store map[string][]byte
	var key string
	switch {
	case strings.HasPrefix(r.URL.Path, "/zosmf/restfiles/ds/"):
		store, key = z.datasets, strings.TrimPrefix(r.URL.Path, "/zosmf/restfiles/ds/")
	case strings.HasPrefix(r.URL.Path, "/zosmf/restfiles/fs/"):
		store, key = z.files, strings.TrimPrefix(r.URL.Path, "/zosmf/restfiles/fs")
	default:
		writeError(w, http.StatusNotFound, "unknown endpoint")
		return
	}

	switch r.Method {
	case http.MethodGet:
		content, ok := store[key]
		if !ok {
			writeError(w, http.StatusNotFound, "resource not found: "+key)
			return
		}
		if r.Header.Get("X-IBM-Return-Etag") == "true" && !z.noEtag {
			w.Header().Set("Etag", Etag(string(content)))
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(content)

	case http.MethodPut:
		current, exists := store[key]
		if match := r.Header.Get("If-Match"); match != "" && exists && match != Etag(string(current)) {
			writeError(w, http.StatusPreconditionFailed, "etag mismatch")
			return
		}
		data, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		store[key] = data
		if !z.noEtag {
			w.Header().Set("Etag", Etag(string(data)))
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"category": 1,
		"rc":       4,
		"reason":   status,
		"message":  msg,
	})
}
