// Package apperror defines the error taxonomy shared by the request path,
// the render pipeline and the connection supervisor, and the structured
// JSON body used to surface those errors to HTTP clients.
package apperror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"
)

// Kind classifies an error for propagation and HTTP mapping.
type Kind string

const (
	KindThrottled           Kind = "throttled"
	KindNotFound            Kind = "not_found"
	KindUpstreamUnavailable Kind = "upstream_unavailable"
	KindStoreUnavailable    Kind = "store_unavailable"
	KindRenderTimeout       Kind = "render_timeout"
	KindRenderFailure       Kind = "render_failure"
	KindConnectionFatal     Kind = "connection_fatal"
	KindReconnectExhausted  Kind = "reconnect_exhausted"
	KindInternal            Kind = "internal"
)

// Error is a classified error. Op names the failing operation or stage.
type Error struct {
	Kind       Kind
	Op         string
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error with the same Kind, so errors.Is(err,
// &Error{Kind: KindThrottled}) works through wrapping.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind && t.Op == "" && t.Err == nil
}

// HTTPStatus maps the error kind to a response status code.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindThrottled:
		return http.StatusTooManyRequests
	case KindNotFound:
		return http.StatusNotFound
	case KindUpstreamUnavailable:
		return http.StatusBadGateway
	case KindStoreUnavailable, KindConnectionFatal, KindReconnectExhausted:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Throttled builds a rejection carrying a retry hint.
func Throttled(op, message string, retryAfter time.Duration) *Error {
	return &Error{Kind: KindThrottled, Op: op, Message: message, RetryAfter: retryAfter}
}

// NotFound builds a not-found error for an upstream lookup.
func NotFound(op, message string, err error) *Error {
	return &Error{Kind: KindNotFound, Op: op, Message: message, Err: err}
}

// Unavailable builds an upstream-unavailable error.
func Unavailable(op, message string, err error) *Error {
	return &Error{Kind: KindUpstreamUnavailable, Op: op, Message: message, Err: err}
}

// StoreUnavailable builds the error returned when admission counters cannot
// be read and the failure policy is fail-closed.
func StoreUnavailable(err error) *Error {
	return &Error{Kind: KindStoreUnavailable, Op: "admission", Message: "rate limit store unavailable", Err: err}
}

// Render builds a render error for the named pipeline stage, classifying
// deadline overruns as timeouts.
func Render(stage string, err error) *Error {
	kind := KindRenderFailure
	if errors.Is(err, context.DeadlineExceeded) {
		kind = KindRenderTimeout
	}
	return &Error{Kind: kind, Op: "render " + stage, Message: "card render failed", Err: err}
}

// Fatal builds a connection error that must not be retried.
func Fatal(op string, err error) *Error {
	return &Error{Kind: KindConnectionFatal, Op: op, Message: "upstream rejected credentials", Err: err}
}

// Exhausted builds the error returned when reconnect attempts run out.
func Exhausted(attempts int, err error) *Error {
	return &Error{
		Kind:    KindReconnectExhausted,
		Op:      "reconnect",
		Message: "gave up after " + strconv.Itoa(attempts) + " attempts",
		Err:     err,
	}
}

// KindOf returns the Kind of the first *Error in err's chain, or
// KindInternal when err is not classified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// requestIDHeader mirrors the header set by the request-id middleware.
const requestIDHeader = "X-Request-Id"

// Body is the structured JSON error response.
type Body struct {
	Error      string  `json:"error"`
	Message    string  `json:"message"`
	RetryAfter float64 `json:"retry_after,omitempty"`
	RequestID  string  `json:"request_id,omitempty"`
}

// Write renders err as a JSON error response. Unclassified errors become a
// generic 500 so internal details are never echoed to clients.
func Write(w http.ResponseWriter, err error) {
	var e *Error
	if !errors.As(err, &e) {
		e = &Error{Kind: KindInternal, Message: "internal error"}
	}

	body := Body{
		Error:     string(e.Kind),
		Message:   e.Message,
		RequestID: w.Header().Get(requestIDHeader),
	}
	if body.Message == "" {
		body.Message = http.StatusText(e.HTTPStatus())
	}
	if e.Kind == KindThrottled {
		secs := math.Max(1, math.Ceil(e.RetryAfter.Seconds()))
		body.RetryAfter = secs
		w.Header().Set("Retry-After", strconv.FormatFloat(secs, 'f', 0, 64))
	}

	data, _ := json.Marshal(body)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.HTTPStatus())
	_, _ = w.Write(data)
}
