package crawler

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNotFound is returned by stores when the requested entity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrSessionNotFound is returned for unknown session ids.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionClosed is returned when stopping a session that already finished.
	ErrSessionClosed = errors.New("session closed")
	// ErrSourceInactive is returned when running a deactivated or unsupported source.
	ErrSourceInactive = errors.New("source inactive")
)

// FetchErrorKind classifies fetch failures.
type FetchErrorKind string

// Fetch error kinds.
const (
	FetchTimeout    FetchErrorKind = "timeout"
	FetchConnection FetchErrorKind = "connection"
	FetchHTTPStatus FetchErrorKind = "http_status"
	FetchEmptyBody  FetchErrorKind = "empty_body"
)

// FetchError describes why a page could not be retrieved.
type FetchError struct {
	Kind   FetchErrorKind
	Status int
	URL    string
	Err    error
}

func (e *FetchError) Error() string {
	switch e.Kind {
	case FetchHTTPStatus:
		return fmt.Sprintf("fetch %s: http status %d", e.URL, e.Status)
	case FetchEmptyBody:
		return fmt.Sprintf("fetch %s: empty body", e.URL)
	default:
		if e.Err != nil {
			return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Kind, e.Err)
		}
		return fmt.Sprintf("fetch %s: %s", e.URL, e.Kind)
	}
}

func (e *FetchError) Unwrap() error { return e.Err }

// Transient reports whether retrying later might succeed.
func (e *FetchError) Transient() bool {
	switch e.Kind {
	case FetchTimeout, FetchConnection:
		return true
	case FetchHTTPStatus:
		return e.Status >= http.StatusInternalServerError || e.Status == http.StatusTooManyRequests
	default:
		return false
	}
}

// IsTransient reports whether err wraps a transient FetchError.
func IsTransient(err error) bool {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Transient()
	}
	return false
}

// LLMError is returned by LLM providers for transport or API failures.
type LLMError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *LLMError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("llm: status %d: %s", e.StatusCode, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("llm: %s: %v", e.Message, e.Err)
	}
	return "llm: " + e.Message
}

func (e *LLMError) Unwrap() error { return e.Err }

type fatalError struct{ err error }

func (f fatalError) Error() string { return f.err.Error() }
func (f fatalError) Unwrap() error { return f.err }

// Fatal marks err as session-aborting (storage unreachable, bad configuration).
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return fatalError{err: err}
}

// IsFatal reports whether err was marked with Fatal.
func IsFatal(err error) bool {
	var f fatalError
	return errors.As(err, &f)
}
