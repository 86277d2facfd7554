package serve

import (
	"time"

	"github.com/echochat/echochat/internal/store"
)

// JSON shapes returned by the API. Secrets never appear here.

type accountJSON struct {
	ID             string    `json:"id"`
	Kind           string    `json:"kind"`
	Label          string    `json:"label,omitempty"`
	Name           string    `json:"name"`
	Model          string    `json:"model"`
	Endpoint       string    `json:"endpoint,omitempty"`
	IsDefault      bool      `json:"is_default"`
	TotalTokensIn  int       `json:"total_tokens_in"`
	TotalTokensOut int       `json:"total_tokens_out"`
	CreatedAt      time.Time `json:"created_at"`
}

type conversationJSON struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	AccountID    string    `json:"account_id,omitempty"`
	SystemPrompt string    `json:"system_prompt,omitempty"`
	Pinned       bool      `json:"pinned"`
	Archived     bool      `json:"archived"`
	MessageCount int       `json:"message_count,omitempty"`
	ActiveTurn   string    `json:"active_message_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type attachmentJSON struct {
	MIMEType string `json:"mime_type"`
	Data     []byte `json:"data"` // base64 on the wire
}

type messageJSON struct {
	ID           string           `json:"id"`
	Role         string           `json:"role"`
	Content      string           `json:"content"`
	Status       string           `json:"status"`
	Model        string           `json:"model,omitempty"`
	Sequence     int              `json:"sequence"`
	Attachments  []attachmentJSON `json:"attachments,omitempty"`
	InputTokens  int              `json:"input_tokens,omitempty"`
	OutputTokens int              `json:"output_tokens,omitempty"`
	ErrorKind    string           `json:"error_kind,omitempty"`
	ErrorReason  string           `json:"error_reason,omitempty"`
	Error        string           `json:"error,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
}

type searchResultJSON struct {
	ConversationID string    `json:"conversation_id"`
	MessageID      string    `json:"message_id"`
	Title          string    `json:"title"`
	Snippet        string    `json:"snippet"`
	Role           string    `json:"role"`
	CreatedAt      time.Time `json:"created_at"`
}

type receiptJSON struct {
	ConversationID     string `json:"conversation_id"`
	UserMessageID      string `json:"user_message_id,omitempty"`
	AssistantMessageID string `json:"assistant_message_id"`
}

type errorJSON struct {
	Error  string `json:"error"`
	Kind   string `json:"kind,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Requests

type createConversationRequest struct {
	AccountID    string `json:"account_id"`
	Kind         string `json:"kind"` // used when account_id is empty
	Title        string `json:"title"`
	SystemPrompt string `json:"system_prompt"`
}

type sendRequest struct {
	Text   string           `json:"text"`
	Images []attachmentJSON `json:"images"`
}

type editRequest struct {
	Text string `json:"text"`
}

func toAccountJSON(a store.Account) accountJSON {
	return accountJSON{
		ID:             a.ID,
		Kind:           string(a.Kind),
		Label:          a.Label,
		Name:           a.DisplayName(),
		Model:          a.Model,
		Endpoint:       a.Endpoint,
		IsDefault:      a.IsDefault,
		TotalTokensIn:  a.TotalTokensIn,
		TotalTokensOut: a.TotalTokensOut,
		CreatedAt:      a.CreatedAt,
	}
}

func toConversationJSON(c store.Conversation, count int) conversationJSON {
	return conversationJSON{
		ID:           c.ID,
		Title:        c.Title,
		AccountID:    c.AccountID,
		SystemPrompt: c.SystemPrompt,
		Pinned:       c.Pinned,
		Archived:     c.Archived,
		MessageCount: count,
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
	}
}

func toMessageJSON(m store.Message) messageJSON {
	out := messageJSON{
		ID:           m.ID,
		Role:         string(m.Role),
		Content:      m.Content,
		Status:       string(m.Status),
		Model:        m.Model,
		Sequence:     m.Sequence,
		InputTokens:  m.InputTokens,
		OutputTokens: m.OutputTokens,
		ErrorKind:    string(m.ErrorKind),
		ErrorReason:  string(m.ErrorReason),
		CreatedAt:    m.CreatedAt,
	}
	if f := m.Failure(); f != nil {
		out.Error = f.Error()
	}
	for _, a := range m.Attachments {
		out.Attachments = append(out.Attachments, attachmentJSON{MIMEType: a.MIMEType, Data: a.Data})
	}
	return out
}
