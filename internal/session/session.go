// Package session wires configuration into the dispatcher, the document
// registry, the reconciler and the compare buffer, and exposes the
// operations the CLI and the control server perform.
package session

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/schaermu/hostedit/internal/compare"
	"github.com/schaermu/hostedit/internal/config"
	"github.com/schaermu/hostedit/internal/editor"
	"github.com/schaermu/hostedit/internal/fetch"
	"github.com/schaermu/hostedit/internal/reconcile"
	"github.com/schaermu/hostedit/internal/remote"
	"github.com/schaermu/hostedit/internal/resource"
	"github.com/schaermu/hostedit/internal/workspace"
)

// Session holds the components for one process.
type Session struct {
	cfg        *config.Config
	logger     *slog.Logger
	env        editor.Environment
	dispatcher *fetch.Dispatcher
	store      *workspace.Store
	reconciler *reconcile.Reconciler
	saver      *reconcile.Saver
	buffer     *compare.Buffer
}

// New builds a session from cfg. A nil env uses the configured shell
// editor environment.
func New(ctx context.Context, cfg *config.Config, env editor.Environment, logger *slog.Logger) (*Session, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if env == nil {
		env = editor.NewShell(editor.Config{
			DiffCommand: cfg.Editor.DiffCommand,
			MarkCommand: cfg.Editor.MarkCommand,
			WorkDir:     cfg.Paths.WorkDir,
			Logger:      logger,
		})
	}

	defaults := make(map[string]fetch.Defaults, len(cfg.Profiles))
	for _, name := range cfg.ProfileNames() {
		props, err := cfg.Profiles[name].DecodeProperties()
		if err != nil {
			return nil, fmt.Errorf("profile %s: %w", name, err)
		}
		defaults[name] = fetch.Defaults{Encoding: props.Encoding, ResponseTimeout: props.ResponseTimeout}
	}

	c := newClients(ctx, cfg)
	dispatcher, err := fetch.New(fetch.Config{
		WorkDir: env.DefaultWorkDir(),
		Strategies: map[resource.Kind]fetch.Strategy{
			resource.KindDataset:  fetch.ClientStrategy{Resolve: c.datasets},
			resource.KindUnixFile: fetch.ClientStrategy{Resolve: c.unixFiles},
			resource.KindObject:   fetch.ClientStrategy{Resolve: c.objectStore, ForceBinary: true},
			resource.KindRepoFile: fetch.ClientStrategy{Resolve: c.repoFiles},
		},
		ProfileDefaults: defaults,
		Logger:          logger,
	})
	if err != nil {
		return nil, err
	}

	store, err := workspace.Open(cfg.StateFilePath(), logger)
	if err != nil {
		return nil, err
	}

	reconciler := reconcile.New(dispatcher, env, logger)
	return &Session{
		cfg:        cfg,
		logger:     logger,
		env:        env,
		dispatcher: dispatcher,
		store:      store,
		reconciler: reconciler,
		saver:      reconcile.NewSaver(dispatcher, reconciler, logger),
		buffer:     compare.NewBuffer(dispatcher, env, logger),
	}, nil
}

// Buffer returns the session's compare selection buffer.
func (s *Session) Buffer() *compare.Buffer {
	return s.buffer
}

// Open fetches ref into its editable location and registers the document.
// Without force an existing local copy is left alone and the open fails
// with a conflict.
func (s *Session) Open(ctx context.Context, ref resource.Ref, force bool) (workspace.Snapshot, error) {
	opts := s.dispatcher.OptionsFor(ref)
	opts.Overwrite = force

	// Without force the fetch only succeeds when it creates the local copy.
	created := !force
	if force {
		if dest, err := s.dispatcher.LocalPath(ref); err == nil {
			if _, err := os.Stat(dest); errors.Is(err, fs.ErrNotExist) {
				created = true
			}
		}
	}

	handle, err := s.dispatcher.Fetch(ctx, ref, opts)
	if err != nil {
		return workspace.Snapshot{}, err
	}
	discard := func(paths ...string) {
		for _, p := range paths {
			if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
				s.logger.Warn("failed to remove unregistered copy", "path", p, "error", err)
			}
		}
	}

	name, err := ref.LocalName()
	if err != nil {
		return workspace.Snapshot{}, err
	}
	backing := filepath.Join(s.cfg.BackingDir(), ref.Profile, string(ref.Kind), name)
	if err := remote.CopyFile(handle.LocalPath, backing); err != nil {
		if created {
			discard(handle.LocalPath)
		}
		return workspace.Snapshot{}, fmt.Errorf("failed to create backing copy: %w", err)
	}

	doc := workspace.NewDocument(ref, handle.LocalPath, backing, handle.Etag)
	if err := s.store.Put(doc); err != nil {
		if created {
			discard(handle.LocalPath, backing)
		}
		return workspace.Snapshot{}, err
	}
	s.logger.Info("opened", "ref", ref.String(), "path", handle.LocalPath, "etag", handle.Etag)
	return doc.Snapshot(), nil
}

// Check reconciles the document at localPath with its remote resource. The
// registry is re-read first, so documents opened by other processes are
// found.
func (s *Session) Check(ctx context.Context, localPath string) (workspace.Snapshot, error) {
	doc, err := s.store.Get(localPath)
	if err != nil {
		return workspace.Snapshot{}, err
	}

	err = s.reconciler.Reconcile(ctx, doc)
	if errors.Is(err, reconcile.ErrStale) {
		return doc.Snapshot(), err
	}
	if updateErr := s.store.Update(doc); updateErr != nil {
		return doc.Snapshot(), errors.Join(err, updateErr)
	}
	return doc.Snapshot(), err
}

// Save uploads the document at localPath.
func (s *Session) Save(ctx context.Context, localPath string) (workspace.Snapshot, error) {
	doc, err := s.store.Get(localPath)
	if err != nil {
		return workspace.Snapshot{}, err
	}

	err = s.saver.Save(ctx, doc)
	if updateErr := s.store.Update(doc); updateErr != nil {
		return doc.Snapshot(), errors.Join(err, updateErr)
	}
	return doc.Snapshot(), err
}

// Close forgets the document at localPath and drops its backing copy. The
// editable copy stays on disk.
func (s *Session) Close(localPath string) error {
	doc, err := s.store.Remove(localPath)
	if err != nil {
		return err
	}
	if err := os.Remove(doc.BackingPath()); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("failed to remove backing copy", "path", doc.BackingPath(), "error", err)
	}
	s.logger.Info("closed", "ref", doc.Ref().String(), "path", localPath)
	return nil
}

// List returns the open documents.
func (s *Session) List() ([]workspace.Snapshot, error) {
	return s.store.List()
}
