package types

import "errors"

// Sentinel errors shared across packages: plain errors.New values
// composed with fmt.Errorf("%s: %w", op, err) at call sites.
var (
	// ErrNotFound indicates the requested resource does not exist locally.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates a unique-constraint or merge-rule violation
	// that a smart-merge operation must absorb.
	ErrConflict = errors.New("conflict")
	// ErrCycle indicates a cascade-delete or dependency cycle was
	// detected and the traversal stopped.
	ErrCycle = errors.New("cycle detected")

	// ErrOffline indicates an operation required connectivity and none
	// was available.
	ErrOffline = errors.New("offline")
	// ErrDuplicateTask indicates an idempotency key is already tracked
	// for a queue.
	ErrDuplicateTask = errors.New("duplicate task")
	// ErrCapacityExceeded indicates a queue stayed full past its
	// capacity-wait timeout.
	ErrCapacityExceeded = errors.New("capacity exceeded")

	// ErrModelNoLongerExists indicates the local row for a queued
	// mutation vanished before the mutation could be replayed.
	ErrModelNoLongerExists = errors.New("model no longer exists locally")
	// ErrDoubleFallback indicates an update's 404->create fallback also
	// received a 404 — a configuration problem, not a transient failure.
	ErrDoubleFallback = errors.New("double fallback: update and create both rejected")
	// ErrIDConflict indicates IdConflictResolver exhausted its strategy
	// chain without being able to merge or replace.
	ErrIDConflict = errors.New("id conflict could not be resolved")
	// ErrUnimplemented indicates a policy/operation combination the
	// engine deliberately does not support (e.g. watchOne with remoteFirst).
	ErrUnimplemented = errors.New("unimplemented")
)

// APIErrorKind classifies a remote HTTP failure.
type APIErrorKind int

const (
	APIErrorOther APIErrorKind = iota
	APIErrorNotFound
	APIErrorGone
)

// APIError wraps a non-2xx HTTP response from the remote adapter.
type APIError struct {
	Kind       APIErrorKind
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "api error"
}

// IsNotFound reports whether err is a 404 APIError.
func IsNotFound(err error) bool {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.Kind == APIErrorNotFound
	}
	return false
}

// IsGone reports whether err is a 410 APIError.
func IsGone(err error) bool {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.Kind == APIErrorGone
	}
	return false
}
