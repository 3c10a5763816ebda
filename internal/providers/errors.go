package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Kind classifies every failure the engine can surface. Adapters map raw
// provider errors into these kinds; nothing provider-native leaks upward.
type Kind string

const (
	KindAuth               Kind = "provider_auth"
	KindRateLimited        Kind = "provider_rate_limited"
	KindTimeout            Kind = "provider_timeout"
	KindOverloaded         Kind = "provider_overloaded"
	KindModelNotFound      Kind = "model_not_found"
	KindCostLimit          Kind = "cost_limit_exceeded"
	KindInsufficientModels Kind = "consensus_insufficient_models"
	KindInvalidState       Kind = "consensus_invalid_state"
	KindDecomposeInvalid   Kind = "consensus_decompose_invalid"
	KindStorage            Kind = "storage"
)

// Error is the engine-wide classified error. RetryAfterSecs is set for
// rate-limit errors when the upstream supplied a hint.
type Error struct {
	Kind           Kind
	Msg            string
	RetryAfterSecs int
	Err            error
}

func (e *Error) Error() string {
	if e.Msg != "" && e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	if e.Msg != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds a classified error from a format string.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// WrapError wraps err with a kind, preserving the chain for errors.As.
func WrapError(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// KindOf extracts the kind from an error chain. Unclassified errors report an
// empty kind and ok=false; callers that need a default should check the ok
// result.
func KindOf(err error) (Kind, bool) {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind, true
	}
	return "", false
}

// Retryable reports whether the retry policy may re-attempt the call.
// Rate limits, timeouts and overload are retryable; everything else fails fast.
func Retryable(err error) bool {
	switch k, _ := KindOf(err); k {
	case KindRateLimited, KindTimeout, KindOverloaded:
		return true
	}
	return false
}

// RetryHint returns the provider-supplied retry delay in seconds, or 0.
func RetryHint(err error) int {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.RetryAfterSecs
	}
	return 0
}

// Classify maps a raw adapter-level error into the taxonomy. Adapters call
// this from Send/Stream so that StatusError, deadline and transport failures
// all normalize the same way.
func Classify(err error) *Error {
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}

	var se *StatusError
	if errors.As(err, &se) {
		switch {
		case se.StatusCode == http.StatusUnauthorized || se.StatusCode == http.StatusForbidden:
			return &Error{Kind: KindAuth, Err: err}
		case se.StatusCode == http.StatusTooManyRequests || se.StatusCode == 529:
			return &Error{Kind: KindRateLimited, Err: err, RetryAfterSecs: se.RetryAfterSecs}
		case se.StatusCode == http.StatusNotFound:
			return &Error{Kind: KindModelNotFound, Err: err}
		case se.StatusCode == http.StatusRequestTimeout || se.StatusCode == http.StatusGatewayTimeout:
			return &Error{Kind: KindTimeout, Err: err}
		case se.StatusCode >= 500:
			return &Error{Kind: KindOverloaded, Err: err}
		}
		// Remaining 4xx responses mean we built a bad request. Fail fast.
		return &Error{Kind: KindInvalidState, Err: err}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Err: err}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &Error{Kind: KindTimeout, Err: err}
	}

	// Transport-level failures (connection refused, DNS) read as overload:
	// the provider is unreachable, which is worth a retry elsewhere.
	return &Error{Kind: KindOverloaded, Err: err}
}
