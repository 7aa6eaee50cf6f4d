// Package cacheerr defines the error taxonomy shared by the semantic cache and its collaborators.
//
// Every failure reported by the cache matches exactly one sentinel via errors.Is, so callers
// can tell a retryable network failure apart from a corrupted store without string matching.
// The typed errors carry the details (dimensions, HTTP status, store path) and unwrap to the cause.
package cacheerr

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
)

var (
	// ErrEmbeddingFailure means the embedding provider could not produce a vector.
	ErrEmbeddingFailure = errors.New("embedding failure")
	// ErrDimensionMismatch means a vector's length disagrees with the cache dimension.
	ErrDimensionMismatch = errors.New("dimension mismatch")
	// ErrGenerationFailure means the answer provider failed, timed out or returned a malformed payload.
	ErrGenerationFailure = errors.New("generation failure")
	// ErrCorruptStore means durable state failed validation on load.
	ErrCorruptStore = errors.New("corrupt store")
	// ErrPersistenceFailure means a durable write failed; in-memory state is still valid.
	ErrPersistenceFailure = errors.New("persistence failure")
)

// EmbeddingError wraps a failed embedding call.
type EmbeddingError struct {
	Err       error
	Transient bool
}

func (e *EmbeddingError) Error() string {
	return fmt.Sprintf("embedding failure: %v", e.Err)
}

func (e *EmbeddingError) Unwrap() error { return e.Err }

// Is matches ErrEmbeddingFailure.
func (e *EmbeddingError) Is(target error) bool { return target == ErrEmbeddingFailure }

// NewEmbeddingError wraps err, classifying timeouts and network errors as transient.
func NewEmbeddingError(err error) *EmbeddingError {
	return &EmbeddingError{Err: err, Transient: isTransientCause(err)}
}

// DimensionError reports a vector of the wrong length.
type DimensionError struct {
	Got  int
	Want int
}

func (e *DimensionError) Error() string {
	return fmt.Sprintf("dimension mismatch: got %d, expected %d", e.Got, e.Want)
}

// Is matches ErrDimensionMismatch.
func (e *DimensionError) Is(target error) bool { return target == ErrDimensionMismatch }

// CheckDimension returns a DimensionError when len(vec) != want.
func CheckDimension(vec []float32, want int) error {
	if len(vec) != want {
		return &DimensionError{Got: len(vec), Want: want}
	}
	return nil
}

// CheckVector is CheckDimension plus a check that every component is finite.
// A NaN or infinite component is reported as an EmbeddingError.
func CheckVector(vec []float32, want int) error {
	if err := CheckDimension(vec, want); err != nil {
		return err
	}
	for i, v := range vec {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return &EmbeddingError{Err: fmt.Errorf("component %d is %v", i, v)}
		}
	}
	return nil
}

// GenerationError wraps a failed answer provider call. StatusCode is zero when no HTTP
// response was received.
type GenerationError struct {
	StatusCode int
	Transient  bool
	Err        error
}

func (e *GenerationError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("generation failure (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("generation failure: %v", e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// Is matches ErrGenerationFailure.
func (e *GenerationError) Is(target error) bool { return target == ErrGenerationFailure }

// NewGenerationError wraps err, classifying timeouts and network errors as transient.
func NewGenerationError(err error) *GenerationError {
	return &GenerationError{Err: err, Transient: isTransientCause(err)}
}

// CorruptStoreError reports durable state that cannot be trusted.
type CorruptStoreError struct {
	Path   string
	Reason string
	Err    error
}

func (e *CorruptStoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("corrupt store %s: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("corrupt store %s: %s", e.Path, e.Reason)
}

func (e *CorruptStoreError) Unwrap() error { return e.Err }

// Is matches ErrCorruptStore.
func (e *CorruptStoreError) Is(target error) bool { return target == ErrCorruptStore }

// PersistenceError reports a failed durable write.
type PersistenceError struct {
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure %s: %v", e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Is matches ErrPersistenceFailure.
func (e *PersistenceError) Is(target error) bool { return target == ErrPersistenceFailure }

// IsTransient reports whether retrying the failed call later could succeed.
// Corrupt stores, dimension mismatches and persistence failures are never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var genErr *GenerationError
	if errors.As(err, &genErr) {
		return genErr.Transient
	}
	var embErr *EmbeddingError
	if errors.As(err, &embErr) {
		return embErr.Transient
	}
	if errors.Is(err, ErrCorruptStore) || errors.Is(err, ErrDimensionMismatch) || errors.Is(err, ErrPersistenceFailure) {
		return false
	}
	return isTransientCause(err)
}

func isTransientCause(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}
