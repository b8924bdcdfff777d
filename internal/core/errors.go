package core

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType represents the category of a pipeline failure
type ErrorType string

const (
	// ErrorTypeNotCached indicates a cache tier has no entry for a key (soft, triggers a fetch)
	ErrorTypeNotCached ErrorType = "not_cached"
	// ErrorTypeFetchFailed indicates a fetcher could not produce bytes or an image
	ErrorTypeFetchFailed ErrorType = "fetch_failed"
	// ErrorTypeDecodeFailed indicates corrupt or undecodable bytes
	ErrorTypeDecodeFailed ErrorType = "decode_failed"
	// ErrorTypeOutOfMemory indicates a decode would exceed the memory budget
	ErrorTypeOutOfMemory ErrorType = "out_of_memory"
	// ErrorTypeStale indicates the request was superseded by a newer one for the same target
	ErrorTypeStale ErrorType = "stale"
	// ErrorTypePackageNotFound indicates a platform icon lookup for an unknown package
	ErrorTypePackageNotFound ErrorType = "package_not_found"
)

// Sentinel errors for use with errors.Is. Any *LoadError of the same type matches.
var (
	ErrNotCached       = &LoadError{Type: ErrorTypeNotCached, Message: "not cached"}
	ErrFetchFailed     = &LoadError{Type: ErrorTypeFetchFailed, Message: "fetch failed"}
	ErrDecodeFailed    = &LoadError{Type: ErrorTypeDecodeFailed, Message: "decode failed"}
	ErrOutOfMemory     = &LoadError{Type: ErrorTypeOutOfMemory, Message: "out of memory"}
	ErrStale           = &LoadError{Type: ErrorTypeStale, Message: "request superseded"}
	ErrPackageNotFound = &LoadError{Type: ErrorTypePackageNotFound, Message: "package not found"}
)

// LoadError is the error type for all pipeline failures
type LoadError struct {
	Type    ErrorType
	Key     Key
	Kind    Kind
	Message string
	// Original error for debugging
	Err error
}

// Error implements the error interface
func (e *LoadError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Type, e.Message)
	if e.Key != "" {
		msg = fmt.Sprintf("[%s] %s", e.Key, msg)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap implements the error unwrapping interface
func (e *LoadError) Unwrap() error {
	return e.Err
}

// Is reports whether target is a LoadError of the same type.
func (e *LoadError) Is(target error) bool {
	t, ok := target.(*LoadError)
	if !ok {
		return false
	}
	return t.Type == e.Type
}

// HTTPStatusCode returns the HTTP status code for this error
func (e *LoadError) HTTPStatusCode() int {
	switch e.Type {
	case ErrorTypeNotCached, ErrorTypePackageNotFound:
		return http.StatusNotFound
	case ErrorTypeFetchFailed:
		return http.StatusBadGateway
	case ErrorTypeDecodeFailed:
		return http.StatusUnprocessableEntity
	case ErrorTypeOutOfMemory:
		return http.StatusInsufficientStorage
	case ErrorTypeStale:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// ToJSON converts the error to a JSON-compatible map
func (e *LoadError) ToJSON() map[string]interface{} {
	return map[string]interface{}{
		"error": map[string]interface{}{
			"type":    e.Type,
			"message": e.Message,
		},
	}
}

// NewNotCachedError creates a soft miss error for a cache tier
func NewNotCachedError(key Key) *LoadError {
	return &LoadError{
		Type:    ErrorTypeNotCached,
		Key:     key,
		Message: "not cached",
	}
}

// NewFetchError creates a fetch failure for the given request
func NewFetchError(kind Kind, key Key, message string, err error) *LoadError {
	return &LoadError{
		Type:    ErrorTypeFetchFailed,
		Key:     key,
		Kind:    kind,
		Message: message,
		Err:     err,
	}
}

// NewDecodeError creates a decode failure
func NewDecodeError(key Key, message string, err error) *LoadError {
	return &LoadError{
		Type:    ErrorTypeDecodeFailed,
		Key:     key,
		Message: message,
		Err:     err,
	}
}

// NewOutOfMemoryError creates an out-of-memory failure
func NewOutOfMemoryError(key Key, message string) *LoadError {
	return &LoadError{
		Type:    ErrorTypeOutOfMemory,
		Key:     key,
		Message: message,
	}
}

// NewPackageNotFoundError creates the error returned for unknown platform packages
func NewPackageNotFoundError(pkg string, err error) *LoadError {
	return &LoadError{
		Type:    ErrorTypePackageNotFound,
		Key:     Key(pkg),
		Kind:    KindPlatformIcon,
		Message: "no icon for package",
		Err:     err,
	}
}

// TypeOf returns the ErrorType carried by err, or "unknown" when err is not a LoadError.
func TypeOf(err error) ErrorType {
	var le *LoadError
	if errors.As(err, &le) {
		return le.Type
	}
	return "unknown"
}
