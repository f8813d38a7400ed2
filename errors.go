package slabcache

import "errors"

// Predefined sentinel errors, in the teacher's own convention
// (var ErrXxx = errors.New(...)) — see spec.md §7 for the four error kinds
// this repository recognizes. OS mapping failure (kind 1) is deliberately
// not one of these: it is unrecoverable and surfaces as a panic, never an
// error value, matching spec.md's "aborting the process."
var (
	// ErrInvalidObjectSize is returned by NewCache when the requested
	// object size is not positive.
	ErrInvalidObjectSize = errors.New("slabcache: object size must be positive")

	// ErrPointerNotOwned is returned by Free when ownership validation
	// (an opt-in, best-effort check; see WithOwnershipCheck) detects
	// that a pointer does not belong to this cache's address ranges. In
	// the common case, Free trusts the caller per spec.md §7 kind 2 and
	// never returns this.
	ErrPointerNotOwned = errors.New("slabcache: pointer not owned by this cache")

	// ErrNameNotFound is returned by Registry.Destroy for an unregistered
	// name (Registry.Lookup reports that case with a false bool instead).
	ErrNameNotFound = errors.New("slabcache: cache name not found")

	// ErrConstructorFailed wraps an error returned by a per-object
	// constructor (spec.md §7 kind 3); the failing slot is returned to
	// the free list before this is returned to the caller.
	ErrConstructorFailed = errors.New("slabcache: object constructor failed")
)
