package core

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrEmptyDocument is returned when there is no text to chunk.
	ErrEmptyDocument = errors.New("empty document")

	// ErrNoText is returned when a file yields no extractable text.
	ErrNoText = errors.New("no text extracted")

	// ErrConcurrencyLimit is returned when a provider has no free request slot.
	ErrConcurrencyLimit = errors.New("too many concurrent requests")

	// ErrAborted marks work stopped by a cancellation signal.
	ErrAborted = errors.New("aborted")

	// ErrUnconfiguredProvider is returned by the rate limiter for unknown provider names.
	ErrUnconfiguredProvider = errors.New("provider not configured")

	// ErrNotFound is returned when a document does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput marks a request that can never succeed as sent.
	ErrInvalidInput = errors.New("invalid input")

	// ErrForbidden is returned when the caller may see a document but not change it.
	ErrForbidden = errors.New("forbidden")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// ExtractionError reports an unsupported or corrupt source file.
type ExtractionError struct {
	FileName string
	MimeType string
	Err      error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract %q (%s): %v", e.FileName, e.MimeType, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// RateLimitError is returned when a provider call was refused for rate reasons,
// either locally by the token bucket or remotely by the provider.
type RateLimitError struct {
	Provider   string
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitError) Error() string {
	msg := fmt.Sprintf("rate limit exceeded for %s", e.Provider)
	if e.RetryAfter > 0 {
		msg += fmt.Sprintf(" (retry after %s)", e.RetryAfter)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RateLimitError) Unwrap() error { return e.Err }

// StorageError wraps a failed structured-store or file-store operation.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// WrapStorage tags err as a StorageError for op. nil stays nil.
func WrapStorage(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}
