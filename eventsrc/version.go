package eventsrc

import (
	"errors"
	"fmt"
)

// Version is the version of an event stream. It equals the number of events
// ever appended to the stream, so a stream that does not exist yet is at version 0.
type Version = uint64

// ErrConflict is matched by every ConflictError through errors.Is.
var ErrConflict = errors.New("version conflict")

// ConflictError is returned when an expected version check fails against
// the version observed by the store.
type ConflictError struct {
	Expected Version
	Actual   Version
}

func (e ConflictError) Error() string {
	return fmt.Sprintf("conflict error detected, expected version was: %d, found: %d", e.Expected, e.Actual)
}

func (e ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// Check is the optimistic concurrency check applied by a store on append.
// The zero value performs no check.
type Check struct {
	expected Version
	enforced bool
}

// AnyVersion disables the version check.
func AnyVersion() Check {
	return Check{}
}

// MustBe requires the stream to be exactly at version v.
func MustBe(v Version) Check {
	return Check{expected: v, enforced: true}
}

// Expected returns the expected version and whether the check is enforced.
func (c Check) Expected() (Version, bool) {
	return c.expected, c.enforced
}

// Verify compares the check against the actual stream version.
func (c Check) Verify(actual Version) error {
	if c.enforced && c.expected != actual {
		return ConflictError{Expected: c.expected, Actual: actual}
	}
	return nil
}

func (c Check) String() string {
	if !c.enforced {
		return "any"
	}
	return fmt.Sprintf("must be %d", c.expected)
}
