// Package idgen provides ID generation for procwatch entities.
//
// The default strategy is UUIDv7 (RFC 9562): time-sortable and globally
// unique, so record IDs order naturally by creation time in SQLite.
package idgen

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator func() string

// UUIDv7 returns a Generator that produces RFC 9562 UUID v7 strings.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// Prefixed wraps a Generator and prepends a fixed prefix to every ID.
// Entity prefixes used across procwatch: "opp_", "fp_", "job_", "snap_".
func Prefixed(prefix string, gen Generator) Generator {
	return func() string {
		return prefix + gen()
	}
}

// Default is the procwatch default generator.
var Default Generator = UUIDv7()

// New produces an ID using the Default generator.
func New() string {
	return Default()
}

// Opportunity produces an "opp_"-prefixed record ID.
var Opportunity = Prefixed("opp_", Default)

// Job produces a "job_"-prefixed queue job ID.
var Job = Prefixed("job_", Default)

// Parse validates a UUID string and returns it or an error.
func Parse(s string) (string, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("invalid UUID: %w", err)
	}
	return u.String(), nil
}
