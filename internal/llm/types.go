package llm

import (
	"context"
	"strings"
)

// Kind identifies which backend family an account talks to.
type Kind string

const (
	KindGemini Kind = "gemini"
	KindClaude Kind = "claude"
	KindLocal  Kind = "local"
)

// Kinds lists every provider kind in display order.
func Kinds() []Kind {
	return []Kind{KindGemini, KindClaude, KindLocal}
}

// ParseKind normalizes a user supplied kind string.
func ParseKind(s string) (Kind, bool) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	switch k {
	case KindGemini, KindClaude, KindLocal:
		return k, true
	}
	return "", false
}

// RequiresCredential reports whether accounts of this kind need a stored secret.
func (k Kind) RequiresCredential() bool {
	return k == KindGemini || k == KindClaude
}

// Capability describes what a provider kind can do. Values are static per kind.
type Capability struct {
	SupportsStreaming bool
	SupportsImages    bool
	MaxContextNote    string
}

// Role is the author of a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Image is an attachment passed through to the provider as raw bytes.
type Image struct {
	MIMEType string
	Data     []byte
}

// Turn is one entry of the conversation history sent to a provider.
type Turn struct {
	Role   Role
	Text   string
	Images []Image
}

// Account is the provider-facing view of a configured account.
type Account struct {
	ID       string
	Kind     Kind
	Model    string
	Endpoint string
}

// ProviderConfig is what a factory needs to build an adapter.
type ProviderConfig struct {
	AccountID string
	Model     string
	Endpoint  string
	APIKey    string
}

// Request is the canonical, provider independent request.
// Turns carries the full history with the new user turn last.
type Request struct {
	Model       string
	System      string
	Turns       []Turn
	Temperature float64 // 0 means provider default
	MaxTokens   int     // 0 means provider default
}

// HasImages reports whether any turn carries an image.
func (r Request) HasImages() bool {
	for _, t := range r.Turns {
		if len(t.Images) > 0 {
			return true
		}
	}
	return false
}

// Usage reports token counts for a single response.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// EventType enumerates the canonical stream events.
type EventType string

const (
	EventDelta EventType = "delta"
	EventUsage EventType = "usage"
	EventError EventType = "error"
	EventDone  EventType = "done"
)

// Event is a single item produced by a Stream.
type Event struct {
	Type EventType
	Text string
	Use  *Usage
	Err  error
}

// Stream is a finite, non-restartable sequence of events. It ends with
// exactly one EventDone or one EventError, after which Recv returns io.EOF.
type Stream interface {
	Recv() (Event, error)
	Close() error
}

// Response is the result of a non-streaming call.
type Response struct {
	Text  string
	Usage Usage
}

// Provider adapts one backend to the canonical request and stream shapes.
type Provider interface {
	Name() string
	Stream(ctx context.Context, req Request) (Stream, error)
	Complete(ctx context.Context, req Request) (*Response, error)
}

// Validator is implemented by adapters that can check their credential
// with a cheap authenticated call.
type Validator interface {
	Validate(ctx context.Context) error
}
