// Package uuid provides identifier generation for locally created records.
package uuid

import (
	"fmt"
	"regexp"
	"sync/atomic"

	"github.com/google/uuid"
)

// UUID v4 format: xxxxxxxx-xxxx-4xxx-yxxx-xxxxxxxxxxxx
// where y is one of [8, 9, a, b] (variant bits)
var uuidV4Regex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-4[0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)

// Generator produces new record identifiers.
type Generator interface {
	NewID() string
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func() string

// NewID calls f.
func (f GeneratorFunc) NewID() string { return f() }

// V4 is the default Generator backed by random UUIDs.
var V4 Generator = GeneratorFunc(New)

// Sequence returns a deterministic Generator yielding prefix-1, prefix-2, ...
func Sequence(prefix string) Generator {
	var n atomic.Int64
	return GeneratorFunc(func() string {
		return fmt.Sprintf("%s-%d", prefix, n.Add(1))
	})
}

// New generates a new UUID v4.
func New() string {
	return uuid.New().String()
}

// IsValid checks if a string is a valid UUID v4.
func IsValid(s string) bool {
	return uuidV4Regex.MatchString(s)
}

// Validate returns an error if the string is not a valid UUID v4.
func Validate(s string) error {
	if !IsValid(s) {
		return fmt.Errorf("invalid UUID v4 format: %q", s)
	}
	return nil
}
