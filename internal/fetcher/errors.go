package fetcher

import (
	"errors"
	"fmt"
)

var (
	// ErrCircuitOpen is returned for a URL whose host breaker is open.
	ErrCircuitOpen = errors.New("circuit breaker is open")

	ErrNoSources = errors.New("no source URLs configured")
)

// ResourceFetchError means every URL for a resource failed. Err is the
// error from the last URL tried.
type ResourceFetchError struct {
	Resource string
	Attempts int
	Err      error
}

func (e *ResourceFetchError) Error() string {
	return fmt.Sprintf("fetch %s: all %d sources failed: %v", e.Resource, e.Attempts, e.Err)
}

func (e *ResourceFetchError) Unwrap() error { return e.Err }

// StatusError is a non-2xx response.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: HTTP %d", e.URL, e.StatusCode)
}

// DecodeError is a 2xx response whose body is not the expected JSON.
type DecodeError struct {
	URL string
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.URL, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func outcome(err error) string {
	var (
		se *StatusError
		de *DecodeError
	)
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &se):
		return "http_error"
	case errors.As(err, &de):
		return "decode_error"
	case errors.Is(err, ErrCircuitOpen):
		return "breaker_open"
	default:
		return "transport_error"
	}
}
