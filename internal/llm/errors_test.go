package llm

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestFromStatus(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		message    string
		wantKind   ErrorKind
		wantReason RejectReason
	}{
		{"unauthorized", 401, "invalid x-api-key", ProviderRejected, AuthFailed},
		{"forbidden", 403, "", ProviderRejected, AuthFailed},
		{"rate limited", 429, "slow down", ProviderRejected, RateLimited},
		{"too large", 413, "", ProviderRejected, ContextLength},
		{"context in body", 400, "prompt is too long: 210000 tokens > 200000 maximum", ProviderRejected, ContextLength},
		{"safety in body", 400, "Request blocked due to SAFETY", ProviderRejected, ContentPolicy},
		{"quota in body", 400, "RESOURCE_EXHAUSTED quota exceeded", ProviderRejected, RateLimited},
		{"plain bad request", 400, "messages: field required", ProviderRejected, BadRequest},
		{"server error", 529, "overloaded", ProviderRejected, ServerError},
		{"gateway timeout", 504, "", Timeout, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := FromStatus(tc.status, tc.message, nil)
			if got.Kind != tc.wantKind {
				t.Fatalf("kind=%q, want %q", got.Kind, tc.wantKind)
			}
			if got.Reason != tc.wantReason {
				t.Fatalf("reason=%q, want %q", got.Reason, tc.wantReason)
			}
		})
	}
}

func TestErrorIsMatchesKindAndReason(t *testing.T) {
	err := fmt.Errorf("send: %w", Rejected(RateLimited, "", nil))

	if !errors.Is(err, ErrProviderRejected) {
		t.Fatal("expected wrapped error to match ErrProviderRejected")
	}
	if !errors.Is(err, &Error{Kind: ProviderRejected, Reason: RateLimited}) {
		t.Fatal("expected reason to match")
	}
	if errors.Is(err, &Error{Kind: ProviderRejected, Reason: AuthFailed}) {
		t.Fatal("did not expect auth reason to match")
	}
	if errors.Is(err, ErrTimeout) {
		t.Fatal("did not expect timeout to match")
	}
}

func TestAsError(t *testing.T) {
	if got := AsError(context.DeadlineExceeded); got.Kind != Timeout {
		t.Fatalf("deadline kind=%q, want %q", got.Kind, Timeout)
	}
	if got := AsError(errors.New("dial tcp: connection refused")); got.Kind != Network {
		t.Fatalf("plain error kind=%q, want %q", got.Kind, Network)
	}
	orig := NewError(StorageFailure, "disk full", nil)
	if got := AsError(fmt.Errorf("commit: %w", orig)); got != orig {
		t.Fatalf("expected the original *Error to be returned")
	}
	if AsError(nil) != nil {
		t.Fatal("expected nil for nil error")
	}
}

func TestErrorCause(t *testing.T) {
	tests := []struct {
		err  *Error
		want string
	}{
		{NewError(Network, "", nil), "no network"},
		{Rejected(RateLimited, "", nil), "provider refused (rate_limited)"},
		{NewError(Timeout, "", nil), "timed out"},
		{NewError(StorageFailure, "", nil), "could not save"},
	}
	for _, tc := range tests {
		if got := tc.err.Cause(); got != tc.want {
			t.Errorf("Cause()=%q, want %q", got, tc.want)
		}
	}
}
