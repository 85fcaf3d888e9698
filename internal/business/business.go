// Package business defines the fixed set of business contexts, resolves which
// context a request belongs to and guards context isolation.
//
// The set of contexts is loaded once at startup into a Catalog and never
// changes afterwards. Every task and every similarity match belongs to
// exactly one context; EnsureSame is the single check used wherever data
// crosses from one stage to the next.
package business

import (
	"errors"
	"fmt"
	"strconv"
)

// ID identifies a business context. The zero value means "not resolved".
type ID int

// Valid reports whether id is set.
func (id ID) Valid() bool { return id > 0 }

func (id ID) String() string { return strconv.Itoa(int(id)) }

// Context is one business context.
type Context struct {
	ID          ID       `toml:"id"`
	Name        string   `toml:"name"`
	DisplayName string   `toml:"display_name"`
	Description string   `toml:"description"`
	Keywords    []string `toml:"keywords"`
	Locations   []string `toml:"locations"`
}

var (
	// ErrContextUndetermined is returned when no signal identifies a context and
	// no default was supplied.
	ErrContextUndetermined = errors.New("business context undetermined")

	// ErrUnknownContext is returned for an id outside the catalog.
	ErrUnknownContext = errors.New("unknown business context")

	// ErrIsolationBreach marks data from one business context reaching another.
	// It is never recoverable.
	ErrIsolationBreach = errors.New("business context isolation breach")
)

// BreachError carries both ids of an isolation breach.
type BreachError struct {
	Expected ID
	Got      ID
	Where    string
}

func (e *BreachError) Error() string {
	return fmt.Sprintf("%s at %s: expected business %d, got %d", ErrIsolationBreach, e.Where, e.Expected, e.Got)
}

func (e *BreachError) Unwrap() error { return ErrIsolationBreach }

// EnsureSame returns a *BreachError unless got equals expected. An unset
// expected id is itself a breach: nothing may be scoped to "no context".
func EnsureSame(expected, got ID, where string) error {
	if !expected.Valid() || expected != got {
		return &BreachError{Expected: expected, Got: got, Where: where}
	}
	return nil
}
