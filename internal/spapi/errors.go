package spapi

import (
	"fmt"
	"time"
)

// ErrorKind classifies an SP-API failure for retry decisions.
type ErrorKind int

const (
	KindTransient ErrorKind = iota // timeouts, connection resets
	KindAuthFailed
	KindRateLimited
	KindServiceUnavailable
	KindServerError
	KindBadRequest
	KindCircuitOpen
)

func (k ErrorKind) String() string {
	switch k {
	case KindAuthFailed:
		return "authFailed"
	case KindRateLimited:
		return "rateLimited"
	case KindServiceUnavailable:
		return "serviceUnavailable"
	case KindServerError:
		return "serverError"
	case KindBadRequest:
		return "badRequest"
	case KindCircuitOpen:
		return "circuitOpen"
	default:
		return "transient"
	}
}

// APIError is a classified SP-API failure. RetryAfter carries the
// server's Retry-After hint when one was sent.
type APIError struct {
	Kind       ErrorKind
	StatusCode int
	RetryAfter time.Duration
	Message    string
}

func (e *APIError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("sp-api %s (status %d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("sp-api %s: %s", e.Kind, e.Message)
}

// Retryable reports whether the caller's retry envelope should attempt
// the request again.
func (e *APIError) Retryable() bool {
	switch e.Kind {
	case KindRateLimited, KindServiceUnavailable, KindServerError, KindTransient:
		return true
	}
	return false
}

// backoffFactor scales the retry envelope's delay by error class.
func (e *APIError) backoffFactor() float64 {
	switch e.Kind {
	case KindRateLimited:
		return 1.5
	case KindAuthFailed, KindServiceUnavailable:
		return 2.0
	}
	return 1.0
}
