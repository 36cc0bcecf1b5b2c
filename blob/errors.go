// Package blob implements content-addressed blob storage: an object-store
// client, cryptographic digests, and de-duplicated metadata rows.
//
// This file defines sentinel errors and error wrappers for classifying
// storage failures. These enable callers to use errors.Is/errors.As
// for typed assertions rather than string matching.
package blob

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for storage failure classification.
// Use errors.Is(err, ErrXxx) for typed assertions.
var (
	// ErrNotFound indicates the key does not exist (404, NoSuchKey).
	ErrNotFound = errors.New("not found")

	// ErrTimeout indicates an operation timed out.
	ErrTimeout = errors.New("operation timed out")

	// ErrThrottled indicates rate limiting (429, SlowDown).
	ErrThrottled = errors.New("rate limited")

	// ErrServer indicates a server-side failure (5xx).
	ErrServer = errors.New("server error")

	// ErrEarly indicates a retryable request-shaping failure (408, 425).
	ErrEarly = errors.New("request rejected early")

	// ErrAccessDenied indicates authorization failure (403, AccessDenied).
	ErrAccessDenied = errors.New("access denied")

	// ErrNetwork indicates a network-level failure (connection refused, DNS).
	ErrNetwork = errors.New("network error")
)

// StorageError wraps an underlying error with storage classification.
// It preserves the original error in the chain for inspection via errors.As.
type StorageError struct {
	// Kind is the sentinel error for classification (e.g. ErrThrottled).
	Kind error
	// Op is the operation that failed ("put", "get", "delete").
	Op string
	// Key is the storage key involved, if any.
	Key string
	// Err is the underlying error.
	Err error
}

func (e *StorageError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("%s %s: %v: %v", e.Op, e.Key, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As chain traversal.
func (e *StorageError) Unwrap() error {
	return e.Err
}

// Is reports whether the error matches the target sentinel.
func (e *StorageError) Is(target error) bool {
	return errors.Is(e.Kind, target)
}

// WrapError classifies and wraps an object-store error.
// Returns nil if err is nil.
func WrapError(err error, op, key string) error {
	if err == nil {
		return nil
	}
	return &StorageError{Kind: classifyError(err), Op: op, Key: key, Err: err}
}

// IsTransient reports whether the error is worth retrying: I/O timeout,
// 5xx, 429, 408, or 425 per the content-store contract.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrServer) ||
		errors.Is(err, ErrThrottled) ||
		errors.Is(err, ErrEarly) ||
		errors.Is(err, ErrNetwork)
}

// classifyError determines the appropriate sentinel for the given error.
// Classification is based on error type and message patterns, since the
// AWS SDK surfaces both typed and string-only failures.
func classifyError(err error) error {
	var timeoutErr interface{ Timeout() bool }
	if errors.As(err, &timeoutErr) && timeoutErr.Timeout() {
		return ErrTimeout
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "nosuchkey", "not found", "404", "does not exist"):
		return ErrNotFound
	case containsAny(msg, "slowdown", "429", "toomanyrequests", "throttl", "rate exceeded"):
		return ErrThrottled
	case containsAny(msg, "408", "request timeout", "425", "too early"):
		return ErrEarly
	case containsAny(msg, "timeout", "timed out", "deadline exceeded"):
		return ErrTimeout
	case containsAny(msg, "500", "502", "503", "504", "internalerror", "internal error", "serviceunavailable"):
		return ErrServer
	case containsAny(msg, "accessdenied", "forbidden", "403"):
		return ErrAccessDenied
	case containsAny(msg, "connection refused", "connection reset", "no route to host",
		"network unreachable", "dial tcp", "i/o timeout", "dns"):
		return ErrNetwork
	default:
		return errors.New("storage error")
	}
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
