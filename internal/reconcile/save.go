package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/schaermu/hostedit/internal/remote"
	"github.com/schaermu/hostedit/internal/resource"
	"github.com/schaermu/hostedit/internal/workspace"
)

// Saver uploads documents conditionally on their recorded etag.
type Saver struct {
	uploader   Uploader
	reconciler *Reconciler
	logger     *slog.Logger
}

// NewSaver creates a Saver that reconciles through reconciler when an
// upload is rejected.
func NewSaver(uploader Uploader, reconciler *Reconciler, logger *slog.Logger) *Saver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Saver{uploader: uploader, reconciler: reconciler, logger: logger}
}

// Save uploads the editable copy with If-Match on the recorded etag. When
// the remote has moved on, the document is reconciled and ErrRemoteChanged
// is returned; the recorded etag then matches the remote, so saving again
// after reviewing the diff overwrites it.
func (s *Saver) Save(ctx context.Context, doc *workspace.Document) error {
	gen := doc.Generation()

	resp, err := s.uploader.Upload(ctx, doc.Ref(), doc.LocalPath(), doc.Etag())
	if err != nil {
		if !resource.IsCategory(err, resource.CategoryConflict) {
			return fmt.Errorf("save %s: %w", doc.LocalPath(), err)
		}

		s.logger.Warn("save rejected by remote, checking for changes", "ref", doc.Ref().String(), "path", doc.LocalPath())
		if rerr := s.reconciler.Reconcile(ctx, doc); rerr != nil && !errors.Is(rerr, ErrStale) {
			return fmt.Errorf("save %s: %w (reconcile failed: %v)", doc.LocalPath(), ErrRemoteChanged, rerr)
		}
		return fmt.Errorf("save %s: %w", doc.LocalPath(), ErrRemoteChanged)
	}

	if err := remote.CopyFile(doc.LocalPath(), doc.BackingPath()); err != nil {
		return fmt.Errorf("failed to update backing copy: %w", err)
	}
	if applied, _ := doc.ApplyEtag(gen, resp.Etag); !applied {
		return ErrStale
	}
	doc.ClearExternallyModified()

	s.logger.Info("saved", "ref", doc.Ref().String(), "path", doc.LocalPath(), "etag", resp.Etag)
	return nil
}
