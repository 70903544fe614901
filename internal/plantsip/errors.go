package plantsip

import (
	"errors"
	"fmt"
)

// Sentinels for errors.Is matching against the typed errors below.
var (
	ErrConnection = errors.New("plantsip: connection failure")
	ErrAuth       = errors.New("plantsip: authentication failure")
	ErrAPI        = errors.New("plantsip: api failure")
	ErrValidation = errors.New("plantsip: validation failure")
)

// APIErrorKind classifies an APIError.
type APIErrorKind string

const (
	KindNotFound    APIErrorKind = "not_found"
	KindServerError APIErrorKind = "server_error"
	KindBadStatus   APIErrorKind = "bad_status"
	KindBadPayload  APIErrorKind = "bad_payload"
)

// ConnectionError is a network failure or timeout. It is transient.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s: connection failure: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

func (e *ConnectionError) Is(target error) bool { return target == ErrConnection }

// AuthError is returned for 401/403 responses and rejected credentials.
// It is never retried automatically.
type AuthError struct {
	Status int
	// InvalidKey is true when the held API key is likely wrong or lacks permission.
	InvalidKey bool
	Msg        string
}

func (e *AuthError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("authentication failed (status %d): %s", e.Status, e.Msg)
	}
	return "authentication failed: " + e.Msg
}

func (e *AuthError) Is(target error) bool { return target == ErrAuth }

// APIError is an unexpected status or payload from a reachable server.
type APIError struct {
	Kind   APIErrorKind
	Status int
	Body   string
	Msg    string
	Err    error
}

func (e *APIError) Error() string {
	s := "api error (" + string(e.Kind)
	if e.Status != 0 {
		s += fmt.Sprintf(", status %d", e.Status)
	}
	s += ")"
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Body != "" {
		s += ": " + e.Body
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *APIError) Unwrap() error { return e.Err }

func (e *APIError) Is(target error) bool { return target == ErrAPI }

// ValidationError rejects caller input before any request is made.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Msg)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// IsNotFound reports whether err is an APIError for a 404 response.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Kind == KindNotFound
}

// retryable reports whether a failed request may be retried.
func retryable(err error) bool {
	if errors.Is(err, ErrConnection) {
		return true
	}
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Kind == KindServerError
}
