package testutil

import (
	"context"
	"os"
	"sync"

	"github.com/schaermu/hostedit/internal/workspace"
)

// Diff records one ShowDiff request together with the file contents at the
// time of the call.
type Diff struct {
	Left, Right               string
	LeftContent, RightContent string
}

// RecordingEditor implements editor.Environment by recording calls.
type RecordingEditor struct {
	mu    sync.Mutex
	marks []string
	diffs []Diff

	// MarkErr and DiffErr are returned by the respective calls when set.
	MarkErr error
	DiffErr error
	WorkDir string
}

// MarkExternallyModified sets the flag on doc and records the call.
func (e *RecordingEditor) MarkExternallyModified(_ context.Context, doc *workspace.Document) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.marks = append(e.marks, doc.LocalPath())
	if e.MarkErr != nil {
		return e.MarkErr
	}
	doc.MarkExternallyModified()
	return nil
}

// ShowDiff records the call.
func (e *RecordingEditor) ShowDiff(_ context.Context, left, right string) error {
	l, _ := os.ReadFile(left)
	r, _ := os.ReadFile(right)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.diffs = append(e.diffs, Diff{Left: left, Right: right, LeftContent: string(l), RightContent: string(r)})
	return e.DiffErr
}

// DefaultWorkDir returns WorkDir.
func (e *RecordingEditor) DefaultWorkDir() string {
	return e.WorkDir
}

// Marks returns the local paths passed to MarkExternallyModified.
func (e *RecordingEditor) Marks() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.marks...)
}

// Diffs returns the recorded ShowDiff calls.
func (e *RecordingEditor) Diffs() []Diff {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Diff(nil), e.diffs...)
}
