// Package workspace tracks the documents currently open for editing and
// persists that registry between invocations.
package workspace

import (
	"sync"
	"time"

	"github.com/schaermu/hostedit/internal/resource"
)

// Document is the state of one open editable copy. The etag, flag and
// generation change over its lifetime; everything else is fixed at open.
type Document struct {
	localPath   string
	backingPath string
	ref         resource.Ref
	openedAt    time.Time

	mu                 sync.Mutex
	etag               string
	externallyModified bool
	generation         uint64
}

// NewDocument creates the state for a freshly opened document.
func NewDocument(ref resource.Ref, localPath, backingPath, etag string) *Document {
	return &Document{
		ref:         ref,
		localPath:   localPath,
		backingPath: backingPath,
		etag:        etag,
		openedAt:    time.Now().UTC(),
	}
}

// LocalPath is the editable copy.
func (d *Document) LocalPath() string { return d.localPath }

// BackingPath holds the last fetched remote content.
func (d *Document) BackingPath() string { return d.backingPath }

// Ref is the remote resource the document was opened from.
func (d *Document) Ref() resource.Ref { return d.ref }

// OpenedAt is when the document was opened.
func (d *Document) OpenedAt() time.Time { return d.openedAt }

// Etag is the last etag recorded for the remote resource, empty when none
// was supplied.
func (d *Document) Etag() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.etag
}

// SetEtag records etag unconditionally.
func (d *Document) SetEtag(etag string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.etag = etag
}

// ExternallyModified reports whether the remote was found to have drifted
// since the document was last synchronized.
func (d *Document) ExternallyModified() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.externallyModified
}

// MarkExternallyModified sets the externally modified flag.
func (d *Document) MarkExternallyModified() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.externallyModified = true
}

// ClearExternallyModified resets the flag after a successful save.
func (d *Document) ClearExternallyModified() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.externallyModified = false
}

// Generation advances whenever the document is closed or replaced. Work
// started under an older generation must not touch the document.
func (d *Document) Generation() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.generation
}

// Invalidate advances the generation.
func (d *Document) Invalidate() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.generation++
}

// ApplyEtag records etag if the document is still at generation gen.
// changed reports whether the recorded etag differed; an absent etag and a
// present one count as different.
func (d *Document) ApplyEtag(gen uint64, etag string) (applied, changed bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.generation != gen {
		return false, false
	}
	if d.etag == etag {
		return true, false
	}
	d.etag = etag
	return true, true
}

// Snapshot is a point-in-time copy of a document, as persisted and listed.
type Snapshot struct {
	Ref                resource.Ref `json:"ref"`
	LocalPath          string       `json:"local_path"`
	BackingPath        string       `json:"backing_path"`
	Etag               string       `json:"etag,omitempty"`
	ExternallyModified bool         `json:"externally_modified"`
	Generation         uint64       `json:"generation"`
	OpenedAt           time.Time    `json:"opened_at"`
}

// Snapshot copies the current document state.
func (d *Document) Snapshot() Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Snapshot{
		Ref:                d.ref,
		LocalPath:          d.localPath,
		BackingPath:        d.backingPath,
		Etag:               d.etag,
		ExternallyModified: d.externallyModified,
		Generation:         d.generation,
		OpenedAt:           d.openedAt,
	}
}

func fromSnapshot(s Snapshot) *Document {
	return &Document{
		ref:                s.Ref,
		localPath:          s.LocalPath,
		backingPath:        s.BackingPath,
		openedAt:           s.OpenedAt,
		etag:               s.Etag,
		externallyModified: s.ExternallyModified,
		generation:         s.Generation,
	}
}
