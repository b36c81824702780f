package workspace

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/gofrs/flock"

	"github.com/schaermu/hostedit/internal/remote"
)

// ErrNotOpen is returned for a local path with no open document.
var ErrNotOpen = errors.New("no open document")

// state is the on-disk form of the registry.
type state struct {
	Documents []Snapshot `json:"documents"`
}

// Store is the registry of open documents keyed by local path. Content is
// never persisted, only the metadata needed to detect drift.
//
// The state file is shared by every hostedit process of a user. Each
// operation re-reads it under a file lock, and writes change only the
// document being operated on.
type Store struct {
	path   string
	lock   *flock.Flock
	logger *slog.Logger

	mu   sync.Mutex
	docs map[string]*Document
	// seen holds each document as last read from or written to disk.
	seen map[string]Snapshot
}

// Open loads the registry at path. A missing file is an empty registry.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	s := &Store{
		path:   path,
		lock:   flock.New(path + ".lock"),
		logger: logger,
		docs:   make(map[string]*Document),
		seen:   make(map[string]Snapshot),
	}

	if err := s.withLock(func() error { return s.syncLocked("") }); err != nil {
		return nil, err
	}
	return s, nil
}

func key(localPath string) string {
	if abs, err := filepath.Abs(localPath); err == nil {
		return abs
	}
	return filepath.Clean(localPath)
}

// withLock runs fn holding both the in-process mutex and the state file lock.
func (s *Store) withLock(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.lock.Lock(); err != nil {
		return fmt.Errorf("failed to lock workspace state: %w", err)
	}
	defer func() {
		_ = s.lock.Unlock()
	}()
	return fn()
}

func (s *Store) readDisk() ([]Snapshot, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read workspace state: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}

	var st state
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to parse workspace state: %w", err)
	}
	return st.Documents, nil
}

// syncLocked brings the in-memory registry in line with the state file.
// Documents closed or reopened elsewhere are invalidated. Etag and flag
// changes made elsewhere are applied, except to the document at keep, whose
// in-memory state is about to be written. Must be called with the lock held.
func (s *Store) syncLocked(keep string) error {
	snaps, err := s.readDisk()
	if err != nil {
		return err
	}

	onDisk := make(map[string]bool, len(snaps))
	for _, snap := range snaps {
		k := key(snap.LocalPath)
		onDisk[k] = true

		doc, ok := s.docs[k]
		switch {
		case !ok:
			s.docs[k] = fromSnapshot(snap)
		case !sameOpen(doc, snap):
			doc.Invalidate()
			s.docs[k] = fromSnapshot(snap)
		case k != keep && persistedChanged(s.seen[k], snap):
			doc.SetEtag(snap.Etag)
			if snap.ExternallyModified {
				doc.MarkExternallyModified()
			} else {
				doc.ClearExternallyModified()
			}
		}
		s.seen[k] = snap
	}

	for k, doc := range s.docs {
		if !onDisk[k] {
			doc.Invalidate()
			delete(s.docs, k)
			delete(s.seen, k)
		}
	}
	return nil
}

// sameOpen reports whether snap records the same open as doc.
func sameOpen(doc *Document, snap Snapshot) bool {
	return doc.OpenedAt().Equal(snap.OpenedAt) && doc.BackingPath() == snap.BackingPath
}

func persistedChanged(prev, cur Snapshot) bool {
	return prev.Etag != cur.Etag || prev.ExternallyModified != cur.ExternallyModified
}

// writeLocked writes the registry as last seen on disk, with the document
// at changed taken from memory. Must be called with the lock held.
func (s *Store) writeLocked(changed string) error {
	docs := make([]Snapshot, 0, len(s.docs))
	for k, doc := range s.docs {
		snap, ok := s.seen[k]
		if k == changed || !ok {
			snap = doc.Snapshot()
		}
		docs = append(docs, snap)
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].LocalPath < docs[j].LocalPath })

	data, err := json.MarshalIndent(state{Documents: docs}, "", "  ")
	if err != nil {
		return err
	}
	if err := remote.WriteFileAtomic(s.path, bytes.NewReader(data), 0600); err != nil {
		return fmt.Errorf("failed to write workspace state: %w", err)
	}
	for _, snap := range docs {
		s.seen[key(snap.LocalPath)] = snap
	}
	s.logger.Debug("workspace state saved", "path", s.path)
	return nil
}

// Get returns the open document at localPath.
func (s *Store) Get(localPath string) (*Document, error) {
	var doc *Document
	err := s.withLock(func() error {
		if err := s.syncLocked(""); err != nil {
			return err
		}
		var ok bool
		if doc, ok = s.docs[key(localPath)]; !ok {
			return fmt.Errorf("%w at %s", ErrNotOpen, localPath)
		}
		return nil
	})
	return doc, err
}

// Put registers doc and persists it. A document previously open at the
// same local path is invalidated.
func (s *Store) Put(doc *Document) error {
	return s.withLock(func() error {
		if err := s.syncLocked(""); err != nil {
			return err
		}
		k := key(doc.LocalPath())
		if prev, ok := s.docs[k]; ok && prev != doc {
			prev.Invalidate()
		}
		s.docs[k] = doc
		return s.writeLocked(k)
	})
}

// Update persists the current state of doc. It fails with ErrNotOpen when
// doc was closed or reopened since it was obtained.
func (s *Store) Update(doc *Document) error {
	k := key(doc.LocalPath())
	return s.withLock(func() error {
		if err := s.syncLocked(k); err != nil {
			return err
		}
		if cur, ok := s.docs[k]; !ok || cur != doc {
			return fmt.Errorf("%w at %s: closed or reopened elsewhere", ErrNotOpen, doc.LocalPath())
		}
		return s.writeLocked(k)
	})
}

// Remove closes the document at localPath, invalidating it, and persists
// the registry.
func (s *Store) Remove(localPath string) (*Document, error) {
	var doc *Document
	err := s.withLock(func() error {
		if err := s.syncLocked(""); err != nil {
			return err
		}
		k := key(localPath)
		var ok bool
		if doc, ok = s.docs[k]; !ok {
			return fmt.Errorf("%w at %s", ErrNotOpen, localPath)
		}
		delete(s.docs, k)
		delete(s.seen, k)
		doc.Invalidate()
		return s.writeLocked("")
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// List returns snapshots of all open documents ordered by local path.
func (s *Store) List() ([]Snapshot, error) {
	var out []Snapshot
	err := s.withLock(func() error {
		if err := s.syncLocked(""); err != nil {
			return err
		}
		out = make([]Snapshot, 0, len(s.docs))
		for _, doc := range s.docs {
			out = append(out, doc.Snapshot())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LocalPath < out[j].LocalPath })
	return out, nil
}
