// Package remote defines the contract every remote resource client fulfils
// and helpers shared by the client implementations.
package remote

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/schaermu/hostedit/internal/resource"
)

// GetOptions are forwarded verbatim to a client's GetContents.
type GetOptions struct {
	// File is the local path the content is written to.
	File       string
	Binary     bool
	ReturnEtag bool
	Encoding   string
	// ResponseTimeout is in seconds; zero leaves the server default.
	ResponseTimeout int
}

// PutOptions are forwarded verbatim to a client's PutContents.
type PutOptions struct {
	// File is the local path whose content is uploaded.
	File   string
	Binary bool
	// Etag makes the upload conditional; empty uploads unconditionally.
	Etag            string
	Encoding        string
	ResponseTimeout int
}

// Response carries the API metadata this module cares about.
type Response struct {
	// Etag is empty when the remote did not return one.
	Etag string
}

// Client downloads a resource addressed by a kind-specific locator.
type Client interface {
	GetContents(ctx context.Context, locator string, opts GetOptions) (*Response, error)
}

// Uploader is implemented by clients whose resources can be written back.
type Uploader interface {
	PutContents(ctx context.Context, locator string, opts PutOptions) (*Response, error)
}

// APIError is returned by clients when the remote rejects a request.
type APIError struct {
	StatusCode int
	Message    string
	category   resource.Category
}

// NewAPIError builds an APIError, deriving the category from the HTTP status
// when category is empty.
func NewAPIError(status int, message string, category resource.Category) *APIError {
	if category == "" {
		category = CategoryForStatus(status)
	}
	return &APIError{StatusCode: status, Message: message, category: category}
}

func (e *APIError) Error() string {
	if e.StatusCode == 0 {
		return e.Message
	}
	return fmt.Sprintf("remote returned %d: %s", e.StatusCode, e.Message)
}

// Category implements the categorized error contract used by resource.Classify.
func (e *APIError) Category() resource.Category {
	return e.category
}

// CategoryForStatus maps an HTTP status code to an error category.
func CategoryForStatus(status int) resource.Category {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return resource.CategoryAuth
	case http.StatusNotFound:
		return resource.CategoryNotFound
	case http.StatusConflict, http.StatusPreconditionFailed:
		return resource.CategoryConflict
	case http.StatusBadRequest:
		return resource.CategoryValidation
	default:
		return resource.CategoryTransport
	}
}

// WriteFileAtomic streams r into dst through a temp file in the same
// directory followed by a rename, so readers never observe a partial file.
func WriteFileAtomic(dst string, r io.Reader, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}

	tmpFile, err := os.CreateTemp(filepath.Dir(dst), ".hostedit-tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}() // cleanup on error

	if _, err := io.Copy(tmpFile, r); err != nil {
		_ = tmpFile.Close()
		return err
	}

	if err := tmpFile.Chmod(perm); err != nil {
		_ = tmpFile.Close()
		return err
	}

	if err := tmpFile.Close(); err != nil {
		return err
	}

	return os.Rename(tmpPath, dst)
}

// CopyFile copies src over dst atomically.
func CopyFile(src, dst string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() {
		_ = f.Close()
	}()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	return WriteFileAtomic(dst, f, info.Mode().Perm())
}
