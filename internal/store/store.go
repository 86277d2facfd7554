// Package store persists accounts, conversations and messages in SQLite.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/echochat/echochat/internal/llm"
)

var (
	ErrAccountNotFound      = errors.New("account not found")
	ErrConversationNotFound = errors.New("conversation not found")
	ErrMessageNotFound      = errors.New("message not found")
)

// Status is the lifecycle state of a message.
type Status string

const (
	StatusComplete  Status = "complete"
	StatusStreaming Status = "streaming"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further changes are expected for the message.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusCancelled || s == StatusFailed
}

// Config controls where the database lives.
type Config struct {
	Path string // empty means GetDBPath()
}

// GetDBPath returns the default database location under the XDG data dir.
func GetDBPath() (string, error) {
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "echochat", "echochat.db"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".local", "share", "echochat", "echochat.db"), nil
}

type Account struct {
	ID             string
	Kind           llm.Kind
	Label          string
	Model          string
	Endpoint       string
	IsDefault      bool
	TotalTokensIn  int
	TotalTokensOut int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// LLM returns the provider facing view of the account.
func (a *Account) LLM() llm.Account {
	return llm.Account{ID: a.ID, Kind: a.Kind, Model: a.Model, Endpoint: a.Endpoint}
}

// DisplayName is the label, or kind/model when no label was given.
func (a *Account) DisplayName() string {
	if a.Label != "" {
		return a.Label
	}
	return fmt.Sprintf("%s/%s", a.Kind, a.Model)
}

// Conversation is an ordered exchange bound to one account. AccountID is
// empty only while archived.
type Conversation struct {
	ID           string
	Title        string
	AccountID    string
	SystemPrompt string
	Pinned       bool
	Archived     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ConversationSummary is a list row.
type ConversationSummary struct {
	Conversation
	MessageCount int
}

type Attachment struct {
	MIMEType string
	Data     []byte
}

type Message struct {
	ID             string
	ConversationID string
	Role           llm.Role
	Content        string
	Attachments    []Attachment
	Status         Status
	Model          string
	Sequence       int
	Active         bool
	InputTokens    int
	OutputTokens   int
	ErrorKind      llm.ErrorKind
	ErrorReason    llm.RejectReason
	ErrorDetail    string
	CreatedAt      time.Time
}

// Failure rebuilds the error recorded on a failed message.
func (m *Message) Failure() *llm.Error {
	if m.ErrorKind == "" {
		return nil
	}
	return &llm.Error{Kind: m.ErrorKind, Reason: m.ErrorReason, Detail: m.ErrorDetail}
}

// Final is the terminal write for a message.
type Final struct {
	Content string
	Status  Status
	Usage   *llm.Usage
	Err     *llm.Error
}

// ListOptions filters ListConversations.
type ListOptions struct {
	Archived bool // include archived conversations
	Limit    int
	Offset   int
}

type SearchResult struct {
	ConversationID string
	MessageID      string
	Title          string
	Snippet        string
	Role           llm.Role
	CreatedAt      time.Time
}

// ShortID returns the leading eight characters of an id for display.
// ResolveConversationID accepts it back.
func ShortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
