// Package resource defines references to remote resources and the handles
// produced when they are materialized locally.
package resource

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

// Kind identifies which family of remote resource a reference points at.
// The set is closed: every kind listed by Kinds must have a fetch strategy.
type Kind string

const (
	KindDataset  Kind = "dataset"
	KindUnixFile Kind = "unix-file"
	KindObject   Kind = "object"
	KindRepoFile Kind = "repo-file"
)

var kinds = []Kind{KindDataset, KindUnixFile, KindObject, KindRepoFile}

var kindAliases = map[string]Kind{
	"ds":        KindDataset,
	"dataset":   KindDataset,
	"uss":       KindUnixFile,
	"unix-file": KindUnixFile,
	"s3":        KindObject,
	"object":    KindObject,
	"git":       KindRepoFile,
	"repo-file": KindRepoFile,
}

// Kinds returns the closed set of supported kinds.
func Kinds() []Kind {
	return append([]Kind(nil), kinds...)
}

// ParseKind accepts a kind name or one of its short aliases.
func ParseKind(s string) (Kind, error) {
	k, ok := kindAliases[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return "", fmt.Errorf("unknown resource kind %q", s)
	}
	return k, nil
}

// Valid reports whether k belongs to the closed kind set.
func (k Kind) Valid() bool {
	for _, known := range kinds {
		if k == known {
			return true
		}
	}
	return false
}

// ByteExactCompare reports whether compare-mode fetches of this kind must
// always be binary. Objects carry no text conversion on the remote side.
func (k Kind) ByteExactCompare() bool {
	return k == KindObject
}

// Ref points at a resource on a remote system. It is a value type; the With*
// helpers return modified copies.
type Ref struct {
	Kind    Kind   `json:"kind"`
	Path    string `json:"path"`
	Profile string `json:"profile"`
	Binary  bool   `json:"binary,omitempty"`
	Label   string `json:"label,omitempty"`
}

// NewRef builds a validated reference. Data set names are upper-cased.
func NewRef(kind Kind, profile, p string) (Ref, error) {
	ref := Ref{Kind: kind, Profile: strings.TrimSpace(profile), Path: strings.TrimSpace(p)}
	if kind == KindDataset {
		ref.Path = strings.ToUpper(ref.Path)
	}
	if err := ref.Validate(); err != nil {
		return Ref{}, err
	}
	return ref, nil
}

// ParseRef parses the "<kind>:<profile>:<path>" form used on the command line,
// e.g. "ds:lpar1:USER.JCL(BUILD)" or "uss:lpar1:/u/user/app.cfg".
func ParseRef(s string) (Ref, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 {
		return Ref{}, fmt.Errorf("invalid resource reference %q: expected <kind>:<profile>:<path>", s)
	}
	kind, err := ParseKind(parts[0])
	if err != nil {
		return Ref{}, err
	}
	return NewRef(kind, parts[1], parts[2])
}

// WithBinary returns a copy of r with binary mode set.
func (r Ref) WithBinary(binary bool) Ref {
	r.Binary = binary
	return r
}

// WithLabel returns a copy of r with the display label set.
func (r Ref) WithLabel(label string) Ref {
	r.Label = label
	return r
}

// Validate checks the kind-specific shape of the reference.
func (r Ref) Validate() error {
	if !r.Kind.Valid() {
		return fmt.Errorf("unknown resource kind %q", r.Kind)
	}
	if r.Profile == "" {
		return fmt.Errorf("%s reference requires a profile", r.Kind)
	}
	if r.Path == "" {
		return fmt.Errorf("%s reference requires a path", r.Kind)
	}

	switch r.Kind {
	case KindDataset:
		return validateDatasetName(r.Path)
	case KindUnixFile:
		if !strings.HasPrefix(r.Path, "/") {
			return fmt.Errorf("unix-file path must be absolute: %s", r.Path)
		}
	}

	if _, err := r.LocalName(); err != nil {
		return err
	}
	return nil
}

// String renders the reference in the form accepted by ParseRef.
func (r Ref) String() string {
	return fmt.Sprintf("%s:%s:%s", r.Kind, r.Profile, r.Path)
}

// DisplayName returns the label when set, otherwise the path.
func (r Ref) DisplayName() string {
	if r.Label != "" {
		return r.Label
	}
	return r.Path
}

// Dataset splits a data set path into its name and optional member.
func (r Ref) Dataset() (name, member string) {
	name = r.Path
	if i := strings.IndexByte(name, '('); i >= 0 && strings.HasSuffix(name, ")") {
		return name[:i], name[i+1 : len(name)-1]
	}
	return name, ""
}

// LocalName returns the relative file path used for the local copy of r.
// PDS members become files inside a directory named after the data set.
func (r Ref) LocalName() (string, error) {
	var rel string
	switch r.Kind {
	case KindDataset:
		name, member := r.Dataset()
		rel = name
		if member != "" {
			rel = path.Join(name, member)
		}
	default:
		rel = strings.TrimLeft(r.Path, "/")
	}

	for _, part := range strings.Split(rel, "/") {
		if part == ".." {
			return "", fmt.Errorf("path %q escapes the local workspace", r.Path)
		}
	}
	rel = path.Clean(rel)
	if rel == "." || rel == "" {
		return "", fmt.Errorf("path %q does not name a file", r.Path)
	}
	return filepath.FromSlash(rel), nil
}

func validateDatasetName(p string) error {
	name, member := Ref{Kind: KindDataset, Path: p}.Dataset()
	if strings.ContainsAny(p, "/ ") {
		return fmt.Errorf("invalid data set name %q", p)
	}
	if len(name) > 44 {
		return fmt.Errorf("data set name %q exceeds 44 characters", name)
	}
	for _, q := range strings.Split(name, ".") {
		if q == "" || len(q) > 8 {
			return fmt.Errorf("invalid qualifier %q in data set name %q", q, name)
		}
	}
	if strings.Contains(p, "(") && (member == "" || len(member) > 8) {
		return fmt.Errorf("invalid member in data set name %q", p)
	}
	return nil
}

// Handle is the result of a successful fetch. It is not cached; callers use
// it for the current operation only.
type Handle struct {
	LocalPath string
	// Etag is empty when the remote did not supply one.
	Etag   string
	Source Ref
}
