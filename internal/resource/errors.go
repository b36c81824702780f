package resource

import (
	"errors"
	"fmt"
)

// Category classifies a failed remote operation.
type Category string

const (
	CategoryNotFound   Category = "not-found"
	CategoryAuth       Category = "auth"
	CategoryConflict   Category = "conflict"
	CategoryTransport  Category = "transport"
	CategoryValidation Category = "validation"
	CategoryInternal   Category = "internal"
)

// categorized is implemented by client errors that know their category.
type categorized interface {
	Category() Category
}

// FetchError wraps a failure from a remote client. The client error is kept
// as-is and is reachable through errors.Unwrap / errors.As.
type FetchError struct {
	Category Category
	Ref      Ref
	Err      error
}

func (e *FetchError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err == nil {
		return fmt.Sprintf("fetch %s: %s", e.Ref, e.Category)
	}
	return fmt.Sprintf("fetch %s: %v", e.Ref, e.Err)
}

func (e *FetchError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewFetchError wraps err for ref, deriving the category from err.
func NewFetchError(ref Ref, err error) *FetchError {
	return &FetchError{Category: Classify(err), Ref: ref, Err: err}
}

// Classify derives a category for err. Errors that do not say otherwise,
// including context cancellation, are treated as transport failures.
func Classify(err error) Category {
	if err == nil {
		return ""
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Category
	}
	var c categorized
	if errors.As(err, &c) {
		return c.Category()
	}
	return CategoryTransport
}

// IsCategory reports whether err is a FetchError of the given category.
func IsCategory(err error, category Category) bool {
	var fe *FetchError
	if !errors.As(err, &fe) {
		return false
	}
	return fe.Category == category
}
