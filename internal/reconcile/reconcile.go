// Package reconcile detects and surfaces drift between an open document and
// its remote resource.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/schaermu/hostedit/internal/editor"
	"github.com/schaermu/hostedit/internal/fetch"
	"github.com/schaermu/hostedit/internal/metrics"
	"github.com/schaermu/hostedit/internal/remote"
	"github.com/schaermu/hostedit/internal/resource"
	"github.com/schaermu/hostedit/internal/workspace"
)

// ErrStale is returned when the document was closed or replaced while its
// remote state was being fetched. The result was discarded.
var ErrStale = errors.New("document changed while reconciling")

// ErrRemoteChanged is returned by Save when the remote rejected the upload
// because it no longer matches the recorded etag.
var ErrRemoteChanged = errors.New("remote resource changed since it was last fetched")

// Fetcher fetches resources with per-profile default options.
type Fetcher interface {
	Fetch(ctx context.Context, ref resource.Ref, opts fetch.Options) (*resource.Handle, error)
	OptionsFor(ref resource.Ref) fetch.Options
}

// Uploader writes a local file back to its remote resource.
type Uploader interface {
	Upload(ctx context.Context, ref resource.Ref, src, etag string) (*remote.Response, error)
}

// Reconciler brings a document's recorded etag in line with the remote and
// shows the user what changed.
type Reconciler struct {
	fetcher Fetcher
	env     editor.Environment
	logger  *slog.Logger
}

// New creates a Reconciler
func New(fetcher Fetcher, env editor.Environment, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{fetcher: fetcher, env: env, logger: logger}
}

// Reconcile marks doc as externally modified, re-fetches the remote content
// into the document's backing file, requests a diff of backing against the
// editable copy, and records the fetched etag when it differs. A failed
// fetch leaves the etag untouched and is returned.
func (r *Reconciler) Reconcile(ctx context.Context, doc *workspace.Document) error {
	log := r.logger.With("op", uuid.New().String(), "ref", doc.Ref().String())
	gen := doc.Generation()

	if err := r.env.MarkExternallyModified(ctx, doc); err != nil {
		log.Warn("failed to mark document as externally modified", "path", doc.LocalPath(), "error", err)
	}

	opts := r.fetcher.OptionsFor(doc.Ref())
	opts.ReturnEtag = true
	opts.Overwrite = true
	opts.Destination = doc.BackingPath()

	handle, err := r.fetcher.Fetch(ctx, doc.Ref(), opts)
	if err != nil {
		metrics.RecordReconcile(metrics.ResultFailed)
		return fmt.Errorf("reconcile %s: %w", doc.LocalPath(), err)
	}

	if doc.Generation() != gen {
		log.Info("document closed or reopened during fetch, discarding result", "path", doc.LocalPath())
		metrics.RecordReconcile(metrics.ResultStale)
		return ErrStale
	}

	if handle.Etag != doc.Etag() {
		log.Warn("remote file has changed, presenting diff", "path", doc.LocalPath())
	} else {
		log.Info("remote file unchanged, presenting diff", "path", doc.LocalPath())
	}
	if err := r.env.ShowDiff(ctx, doc.BackingPath(), doc.LocalPath()); err != nil {
		log.Warn("failed to show diff", "error", err)
	}

	previous := doc.Etag()
	applied, changed := doc.ApplyEtag(gen, handle.Etag)
	switch {
	case !applied:
		log.Info("document closed or reopened during diff, discarding etag", "path", doc.LocalPath())
		metrics.RecordReconcile(metrics.ResultStale)
		return ErrStale
	case changed:
		log.Info("recorded etag updated", "old", previous, "new", handle.Etag)
		metrics.RecordReconcile(metrics.ResultUpdated)
	default:
		metrics.RecordReconcile(metrics.ResultUnchanged)
	}
	return nil
}
