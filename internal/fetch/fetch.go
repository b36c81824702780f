// Package fetch routes remote fetches to the strategy registered for a
// resource kind and materializes the result as a local file.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/schaermu/hostedit/internal/metrics"
	"github.com/schaermu/hostedit/internal/remote"
	"github.com/schaermu/hostedit/internal/resource"
)

// compareDir is the work dir subdirectory holding compare-mode copies.
const compareDir = ".compare"

// Options control a single fetch. They are forwarded to the kind client as
// given.
type Options struct {
	// Destination overrides the derived local path when set.
	Destination     string
	ReturnEtag      bool
	Binary          bool
	Encoding        string
	ResponseTimeout int
	// Overwrite allows replacing an existing local file.
	Overwrite bool
}

// DefaultOptions returns the options of a plain fetch.
func DefaultOptions() Options {
	return Options{ReturnEtag: true}
}

// Defaults are per-profile values OptionsFor fills in.
type Defaults struct {
	Encoding        string
	ResponseTimeout int
}

// Strategy downloads resources of one kind.
type Strategy interface {
	Download(ctx context.Context, ref resource.Ref, opts remote.GetOptions) (*remote.Response, error)
}

// Uploader is implemented by strategies whose kind can be written back.
type Uploader interface {
	Upload(ctx context.Context, ref resource.Ref, opts remote.PutOptions) (*remote.Response, error)
}

// Resolver returns the client serving a profile.
type Resolver func(profile string) (remote.Client, error)

// ClientStrategy serves a kind through per-profile remote clients.
type ClientStrategy struct {
	Resolve Resolver
	// ForceBinary disables text conversion for kinds without one.
	ForceBinary bool
}

// Download resolves the profile's client and fetches ref.Path through it.
func (s ClientStrategy) Download(ctx context.Context, ref resource.Ref, opts remote.GetOptions) (*remote.Response, error) {
	client, err := s.Resolve(ref.Profile)
	if err != nil {
		return nil, err
	}
	if s.ForceBinary {
		opts.Binary = true
	}
	return client.GetContents(ctx, ref.Path, opts)
}

// Upload writes back through the profile's client when it supports uploads.
func (s ClientStrategy) Upload(ctx context.Context, ref resource.Ref, opts remote.PutOptions) (*remote.Response, error) {
	client, err := s.Resolve(ref.Profile)
	if err != nil {
		return nil, err
	}
	up, ok := client.(remote.Uploader)
	if !ok {
		return nil, remote.NewAPIError(0, fmt.Sprintf("%s resources are read-only", ref.Kind), resource.CategoryValidation)
	}
	if s.ForceBinary {
		opts.Binary = true
	}
	return up.PutContents(ctx, ref.Path, opts)
}

// Config configures a Dispatcher.
type Config struct {
	// WorkDir is the root of derived local paths.
	WorkDir string
	// Strategies must cover every kind in resource.Kinds().
	Strategies map[resource.Kind]Strategy
	// ProfileDefaults are keyed by profile name.
	ProfileDefaults map[string]Defaults
	Logger          *slog.Logger
}

// Dispatcher fetches resources through a closed per-kind registry.
type Dispatcher struct {
	workDir    string
	strategies map[resource.Kind]Strategy
	defaults   map[string]Defaults
	logger     *slog.Logger
}

// New validates cfg and builds a Dispatcher. A kind without a strategy, or
// a strategy for an unknown kind, is a construction error.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.WorkDir == "" {
		return nil, fmt.Errorf("work dir is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	strategies := make(map[resource.Kind]Strategy, len(cfg.Strategies))
	for kind, s := range cfg.Strategies {
		if !kind.Valid() {
			return nil, fmt.Errorf("strategy registered for unknown kind %q", kind)
		}
		if s == nil {
			return nil, fmt.Errorf("nil strategy for kind %s", kind)
		}
		strategies[kind] = s
	}
	for _, kind := range resource.Kinds() {
		if _, ok := strategies[kind]; !ok {
			return nil, fmt.Errorf("no strategy registered for kind %s", kind)
		}
	}

	return &Dispatcher{
		workDir:    cfg.WorkDir,
		strategies: strategies,
		defaults:   cfg.ProfileDefaults,
		logger:     cfg.Logger,
	}, nil
}

// WorkDir returns the root of derived local paths.
func (d *Dispatcher) WorkDir() string {
	return d.workDir
}

// OptionsFor returns DefaultOptions with the ref's binary flag and the
// profile's encoding and response timeout applied.
func (d *Dispatcher) OptionsFor(ref resource.Ref) Options {
	opts := DefaultOptions()
	opts.Binary = ref.Binary
	if def, ok := d.defaults[ref.Profile]; ok {
		opts.Encoding = def.Encoding
		opts.ResponseTimeout = def.ResponseTimeout
	}
	return opts
}

// LocalPath derives the editable copy location: <work_dir>/<profile>/<kind>/<name>.
func (d *Dispatcher) LocalPath(ref resource.Ref) (string, error) {
	name, err := ref.LocalName()
	if err != nil {
		return "", err
	}
	return filepath.Join(d.workDir, ref.Profile, string(ref.Kind), name), nil
}

// ComparePath derives the location of one side of a comparison. Slots keep
// the two sides apart when both refs name the same resource.
func (d *Dispatcher) ComparePath(ref resource.Ref, slot int) (string, error) {
	name, err := ref.LocalName()
	if err != nil {
		return "", err
	}
	return filepath.Join(d.workDir, compareDir, strconv.Itoa(slot), ref.Profile, string(ref.Kind), name), nil
}

// Fetch downloads ref into a local file. Failures are returned as
// *resource.FetchError wrapping the client error; nothing is retried.
func (d *Dispatcher) Fetch(ctx context.Context, ref resource.Ref, opts Options) (*resource.Handle, error) {
	if err := ref.Validate(); err != nil {
		return nil, &resource.FetchError{Category: resource.CategoryValidation, Ref: ref, Err: err}
	}
	strategy, ok := d.strategies[ref.Kind]
	if !ok {
		return nil, &resource.FetchError{Category: resource.CategoryInternal, Ref: ref, Err: fmt.Errorf("no strategy for kind %s", ref.Kind)}
	}

	dest := opts.Destination
	if dest == "" {
		var err error
		if dest, err = d.LocalPath(ref); err != nil {
			return nil, &resource.FetchError{Category: resource.CategoryValidation, Ref: ref, Err: err}
		}
	}

	if !opts.Overwrite {
		if _, err := os.Stat(dest); err == nil {
			return nil, resource.NewFetchError(ref, remote.NewAPIError(0,
				fmt.Sprintf("local copy %s already exists", dest), resource.CategoryConflict))
		} else if !errors.Is(err, fs.ErrNotExist) {
			return nil, &resource.FetchError{Category: resource.CategoryInternal, Ref: ref, Err: err}
		}
	}

	start := time.Now()
	resp, err := strategy.Download(ctx, ref, remote.GetOptions{
		File:            dest,
		Binary:          opts.Binary,
		ReturnEtag:      opts.ReturnEtag,
		Encoding:        opts.Encoding,
		ResponseTimeout: opts.ResponseTimeout,
	})
	if err != nil {
		fe := resource.NewFetchError(ref, err)
		metrics.ObserveFetch(string(ref.Kind), string(fe.Category), time.Since(start))
		d.logger.Debug("fetch failed", "ref", ref.String(), "category", fe.Category, "error", err)
		return nil, fe
	}
	metrics.ObserveFetch(string(ref.Kind), metrics.OutcomeSuccess, time.Since(start))

	if _, err := os.Stat(dest); err != nil {
		return nil, &resource.FetchError{Category: resource.CategoryInternal, Ref: ref,
			Err: fmt.Errorf("client reported success but %s is missing: %w", dest, err)}
	}

	handle := &resource.Handle{LocalPath: dest, Source: ref}
	if resp != nil {
		handle.Etag = resp.Etag
	}
	d.logger.Debug("fetched", "ref", ref.String(), "path", dest, "etag", handle.Etag)
	return handle, nil
}

// Upload writes the file at src back to ref, conditional on etag when set.
func (d *Dispatcher) Upload(ctx context.Context, ref resource.Ref, src, etag string) (*remote.Response, error) {
	up, ok := d.strategies[ref.Kind].(Uploader)
	if !ok {
		return nil, &resource.FetchError{Category: resource.CategoryValidation, Ref: ref,
			Err: fmt.Errorf("%s resources cannot be uploaded", ref.Kind)}
	}
	opts := d.OptionsFor(ref)
	resp, err := up.Upload(ctx, ref, remote.PutOptions{
		File:            src,
		Binary:          opts.Binary,
		Etag:            etag,
		Encoding:        opts.Encoding,
		ResponseTimeout: opts.ResponseTimeout,
	})
	if err != nil {
		return nil, resource.NewFetchError(ref, err)
	}
	return resp, nil
}
