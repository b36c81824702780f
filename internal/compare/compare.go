// Package compare pairs up two user selections and presents them as a
// two-way diff.
package compare

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/schaermu/hostedit/internal/editor"
	"github.com/schaermu/hostedit/internal/fetch"
	"github.com/schaermu/hostedit/internal/metrics"
	"github.com/schaermu/hostedit/internal/resource"
)

// Capacity is the number of selections that trigger a comparison.
const Capacity = 2

// Fetcher fetches resources into compare-mode locations.
type Fetcher interface {
	Fetch(ctx context.Context, ref resource.Ref, opts fetch.Options) (*resource.Handle, error)
	OptionsFor(ref resource.Ref) fetch.Options
	ComparePath(ref resource.Ref, slot int) (string, error)
}

// SelectionAbortedError reports which selection could not be resolved.
// Select absorbs it; it is only visible on the Outcome.
type SelectionAbortedError struct {
	Ref resource.Ref
	Err error
}

func (e *SelectionAbortedError) Error() string {
	return fmt.Sprintf("compare selection aborted: %s: %v", e.Ref, e.Err)
}

func (e *SelectionAbortedError) Unwrap() error {
	return e.Err
}

// Outcome describes one resolved pair.
type Outcome struct {
	ID     string
	First  resource.Ref
	Second resource.Ref
	// Left and Right are set when both fetches succeeded.
	Left  *resource.Handle
	Right *resource.Handle
	// Diffed reports whether a diff was requested successfully.
	Diffed bool
	// Stale is set when Reset ran while the pair was being fetched.
	Stale bool
	// Err holds the *SelectionAbortedError of a failed fetch, or the error
	// returned by the diff request.
	Err error
}

// Buffer collects selections until it holds Capacity of them, then fetches
// both and requests a diff. It is emptied after every resolution attempt,
// successful or not.
type Buffer struct {
	fetcher Fetcher
	env     editor.Environment
	logger  *slog.Logger

	// selectMu serializes Select so the append, the length check and the
	// resolution form one critical section.
	selectMu sync.Mutex

	mu         sync.Mutex
	entries    []resource.Ref
	generation uint64
}

// NewBuffer creates an empty Buffer
func NewBuffer(fetcher Fetcher, env editor.Environment, logger *slog.Logger) *Buffer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Buffer{
		fetcher: fetcher,
		env:     env,
		logger:  logger,
		entries: make([]resource.Ref, 0, Capacity),
	}
}

// Select adds ref to the buffer. With one selection pending it returns a
// nil Outcome. The second selection resolves the pair and returns its
// Outcome; fetch and diff failures are recorded there and logged, never
// returned. Only an invalid ref yields an error, and it is not buffered.
func (b *Buffer) Select(ctx context.Context, ref resource.Ref) (*Outcome, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}

	b.selectMu.Lock()
	defer b.selectMu.Unlock()

	b.mu.Lock()
	b.entries = append(b.entries, ref)
	b.checkInvariant()
	if len(b.entries) < Capacity {
		b.mu.Unlock()
		b.logger.Info("selected for compare", "ref", ref.String())
		return nil, nil
	}
	first, second := b.entries[0], b.entries[1]
	gen := b.generation
	b.mu.Unlock()

	defer b.clear()
	return b.resolve(ctx, gen, first, second), nil
}

func (b *Buffer) resolve(ctx context.Context, gen uint64, first, second resource.Ref) *Outcome {
	out := &Outcome{ID: uuid.New().String(), First: first, Second: second}
	log := b.logger.With("op", out.ID, "first", first.String(), "second", second.String())

	handles := make([]*resource.Handle, Capacity)
	g, gctx := errgroup.WithContext(ctx)
	for slot, ref := range []resource.Ref{first, second} {
		g.Go(func() error {
			h, err := b.fetchSide(gctx, ref, slot)
			if err != nil {
				return &SelectionAbortedError{Ref: ref, Err: err}
			}
			handles[slot] = h
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		out.Err = err
		log.Warn("compare aborted, no diff shown", "error", err)
		metrics.RecordCompare(metrics.ResultAborted)
		return out
	}

	if b.Generation() != gen {
		out.Stale = true
		log.Info("compare selection was reset during fetch, discarding result")
		metrics.RecordCompare(metrics.ResultStale)
		return out
	}

	out.Left, out.Right = handles[0], handles[1]
	if err := b.env.ShowDiff(ctx, out.Left.LocalPath, out.Right.LocalPath); err != nil {
		out.Err = err
		log.Warn("failed to show diff", "error", err)
		metrics.RecordCompare(metrics.ResultFailed)
		return out
	}
	out.Diffed = true
	metrics.RecordCompare(metrics.ResultDiffed)
	return out
}

// fetchSide fetches one side in its native kind. Binary is forced when the
// kind only compares byte-exact or the ref asks for it.
func (b *Buffer) fetchSide(ctx context.Context, ref resource.Ref, slot int) (*resource.Handle, error) {
	dest, err := b.fetcher.ComparePath(ref, slot)
	if err != nil {
		return nil, &resource.FetchError{Category: resource.CategoryValidation, Ref: ref, Err: err}
	}
	opts := b.fetcher.OptionsFor(ref)
	opts.Binary = ref.Binary || ref.Kind.ByteExactCompare()
	opts.Overwrite = true
	opts.Destination = dest
	return b.fetcher.Fetch(ctx, ref, opts)
}

func (b *Buffer) clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = b.entries[:0]
}

// checkInvariant must be called with mu held.
func (b *Buffer) checkInvariant() {
	if len(b.entries) > Capacity {
		panic(fmt.Sprintf("compare buffer holds %d selections, capacity is %d", len(b.entries), Capacity))
	}
}

// Reset drops pending selections. A pair being resolved is discarded
// without a diff.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = b.entries[:0]
	b.generation++
}

// Len returns the number of pending selections.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Pending returns a copy of the pending selections in selection order.
func (b *Buffer) Pending() []resource.Ref {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]resource.Ref(nil), b.entries...)
}

// Generation advances on every Reset.
func (b *Buffer) Generation() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.generation
}
