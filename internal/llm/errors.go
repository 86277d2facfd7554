package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// ErrorKind is the closed set of failure categories surfaced to users.
type ErrorKind string

const (
	UnknownProviderKind   ErrorKind = "unknown_provider_kind"
	MissingCredential     ErrorKind = "missing_credential"
	UnsupportedAttachment ErrorKind = "unsupported_attachment"
	TurnInProgress        ErrorKind = "turn_in_progress"
	Network               ErrorKind = "network"
	ProviderRejected      ErrorKind = "provider_rejected"
	Timeout               ErrorKind = "timeout"
	StorageFailure        ErrorKind = "storage_failure"
)

// RejectReason refines ProviderRejected.
type RejectReason string

const (
	RateLimited   RejectReason = "rate_limited"
	AuthFailed    RejectReason = "auth"
	ContextLength RejectReason = "context_length"
	ContentPolicy RejectReason = "content_policy"
	BadRequest    RejectReason = "bad_request"
	ServerError   RejectReason = "server_error"
)

// Error is the single error type crossing the provider and orchestrator
// boundaries. errors.Is matches on Kind, and on Reason when the target sets one.
type Error struct {
	Kind   ErrorKind
	Reason RejectReason
	Detail string
	Err    error
}

var (
	ErrUnknownProviderKind   = &Error{Kind: UnknownProviderKind}
	ErrMissingCredential     = &Error{Kind: MissingCredential}
	ErrUnsupportedAttachment = &Error{Kind: UnsupportedAttachment}
	ErrTurnInProgress        = &Error{Kind: TurnInProgress}
	ErrNetwork               = &Error{Kind: Network}
	ErrProviderRejected      = &Error{Kind: ProviderRejected}
	ErrTimeout               = &Error{Kind: Timeout}
	ErrStorageFailure        = &Error{Kind: StorageFailure}
)

func NewError(kind ErrorKind, detail string, err error) *Error {
	return &Error{Kind: kind, Detail: detail, Err: err}
}

func Rejected(reason RejectReason, detail string, err error) *Error {
	return &Error{Kind: ProviderRejected, Reason: reason, Detail: detail, Err: err}
}

func (e *Error) Error() string {
	msg := e.Cause()
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil && e.Detail == "" {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Reason == "" || t.Reason == e.Reason
}

// Cause is the short human readable description shown next to a failed message.
func (e *Error) Cause() string {
	switch e.Kind {
	case UnknownProviderKind:
		return "unknown provider"
	case MissingCredential:
		return "no credential stored for this account"
	case UnsupportedAttachment:
		return "this provider does not accept images"
	case TurnInProgress:
		return "a response is already in progress"
	case Network:
		return "no network"
	case ProviderRejected:
		if e.Reason != "" {
			return fmt.Sprintf("provider refused (%s)", e.Reason)
		}
		return "provider refused"
	case Timeout:
		return "timed out"
	case StorageFailure:
		return "could not save"
	}
	return string(e.Kind)
}

// AsError converts any error into an *Error. Context deadline and
// net timeouts become Timeout; everything unrecognized is treated as Network.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewError(Timeout, "", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewError(Timeout, "", err)
	}
	return NewError(Network, err.Error(), err)
}

// KindOf returns the error kind of err, or "" if err is not an *Error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// FromStatus maps an HTTP status and response message into the taxonomy.
func FromStatus(status int, message string, err error) *Error {
	detail := truncate(strings.TrimSpace(message), 300)
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return Rejected(AuthFailed, detail, err)
	case status == http.StatusTooManyRequests:
		return Rejected(RateLimited, detail, err)
	case status == http.StatusRequestEntityTooLarge:
		return Rejected(ContextLength, detail, err)
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return NewError(Timeout, detail, err)
	case status >= 500:
		return Rejected(ServerError, detail, err)
	case status >= 400:
		return Rejected(reasonFromMessage(message), detail, err)
	}
	return NewError(Network, detail, err)
}

func reasonFromMessage(message string) RejectReason {
	lower := strings.ToLower(message)
	switch {
	case containsAny(lower, "context length", "context_length", "context window", "too many tokens", "prompt is too long", "maximum context"):
		return ContextLength
	case containsAny(lower, "safety", "content policy", "content_policy", "blocked", "harm"):
		return ContentPolicy
	case containsAny(lower, "rate limit", "quota", "resource_exhausted"):
		return RateLimited
	case containsAny(lower, "api key", "api_key", "unauthenticated", "permission"):
		return AuthFailed
	}
	return BadRequest
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// transportError classifies a failure that happened before or during a
// request when no HTTP status is available. A cancelled ctx is passed through
// untouched so callers can tell cancellation from failure.
func transportError(ctx context.Context, err error) error {
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return ctx.Err()
	}
	return AsError(err)
}
