package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/echochat/echochat/internal/llm"
)

const messageColumns = `id, conversation_id, role, content, status, model, sequence, is_active,
	tokens_in, tokens_out, error_kind, error_reason, error_detail, created_at`

func scanMessage(row rowScanner) (*Message, error) {
	var m Message
	var role, status string
	var model, errKind, errReason, errDetail sql.NullString
	var tokensIn, tokensOut sql.NullInt64
	err := row.Scan(&m.ID, &m.ConversationID, &role, &m.Content, &status, &model, &m.Sequence, &m.Active,
		&tokensIn, &tokensOut, &errKind, &errReason, &errDetail, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	m.Role = llm.Role(role)
	m.Status = Status(status)
	m.Model = model.String
	m.InputTokens = int(tokensIn.Int64)
	m.OutputTokens = int(tokensOut.Int64)
	m.ErrorKind = llm.ErrorKind(errKind.String)
	m.ErrorReason = llm.RejectReason(errReason.String)
	m.ErrorDetail = errDetail.String
	return &m, nil
}

// AppendMessage adds a message at the end of a conversation in one
// transaction: sequence assignment, the row, its attachments and the
// conversation's updated_at, which strictly increases.
func (s *SQLiteStore) AppendMessage(ctx context.Context, conversationID string, msg *Message) (string, error) {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		return insertMessage(ctx, tx, conversationID, msg)
	})
	if err != nil {
		return "", err
	}
	return msg.ID, nil
}

// AppendTurn adds a user message and the assistant message answering it in
// one transaction, so a failed turn never leaves a lone user message. Any
// message still streaming in the conversation is failed first; callers
// must own the conversation's turn.
func (s *SQLiteStore) AppendTurn(ctx context.Context, conversationID string, user, assistant *Message) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := abandonStreaming(ctx, tx, conversationID); err != nil {
			return err
		}
		if err := insertMessage(ctx, tx, conversationID, user); err != nil {
			return err
		}
		return insertMessage(ctx, tx, conversationID, assistant)
	})
}

func insertMessage(ctx context.Context, tx *sql.Tx, conversationID string, msg *Message) error {
	if msg.ID == "" {
		msg.ID = newID()
	}
	if msg.Status == "" {
		msg.Status = StatusComplete
	}
	msg.ConversationID = conversationID
	msg.Active = true

	ts, err := nextTimestamp(ctx, tx, conversationID)
	if err != nil {
		return err
	}
	msg.CreatedAt = ts

	if err := tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(sequence), 0) + 1 FROM messages WHERE conversation_id = ?",
		conversationID).Scan(&msg.Sequence); err != nil {
		return fmt.Errorf("next sequence: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, role, content, status, model, sequence, is_active,
		                      tokens_in, tokens_out, error_kind, error_reason, error_detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, TRUE, ?, ?, ?, ?, ?, ?)`,
		msg.ID, conversationID, string(msg.Role), msg.Content, string(msg.Status), nullString(msg.Model),
		msg.Sequence, nullInt(msg.InputTokens, msg.InputTokens > 0), nullInt(msg.OutputTokens, msg.OutputTokens > 0),
		nullString(string(msg.ErrorKind)), nullString(string(msg.ErrorReason)), nullString(msg.ErrorDetail),
		msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	for i, att := range msg.Attachments {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO message_attachments (message_id, position, mime_type, data) VALUES (?, ?, ?, ?)`,
			msg.ID, i, att.MIMEType, att.Data); err != nil {
			return fmt.Errorf("insert attachment: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, "UPDATE conversations SET updated_at = ? WHERE id = ?", ts, conversationID); err != nil {
		return fmt.Errorf("update conversation timestamp: %w", err)
	}
	return nil
}

// abandonStreaming fails messages whose final write never landed.
func abandonStreaming(ctx context.Context, tx *sql.Tx, conversationID string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE messages SET status = 'failed', error_kind = ?, error_reason = NULL, error_detail = ?
		WHERE conversation_id = ? AND status = 'streaming'`,
		string(llm.StorageFailure), "final response was not saved", conversationID)
	if err != nil {
		return fmt.Errorf("fail stale streaming messages: %w", err)
	}
	return nil
}

// UpdateMessageContent replaces content and status in a single statement,
// so readers only ever see a whole row.
func (s *SQLiteStore) UpdateMessageContent(ctx context.Context, id, content string, status Status) error {
	result, err := s.db.ExecContext(ctx, "UPDATE messages SET content = ?, status = ? WHERE id = ?",
		content, string(status), id)
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("%w: %s", ErrMessageNotFound, id)
	}
	return nil
}

// FinalizeMessage writes the terminal state of a message in one statement.
func (s *SQLiteStore) FinalizeMessage(ctx context.Context, id string, f Final) error {
	var in, out sql.NullInt64
	if f.Usage != nil {
		in = nullInt(f.Usage.InputTokens, true)
		out = nullInt(f.Usage.OutputTokens, true)
	}
	var kind, reason, detail sql.NullString
	if f.Err != nil {
		kind = nullString(string(f.Err.Kind))
		reason = nullString(string(f.Err.Reason))
		detail = nullString(f.Err.Detail)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE messages SET content = ?, status = ?,
		       tokens_in = COALESCE(?, tokens_in), tokens_out = COALESCE(?, tokens_out),
		       error_kind = ?, error_reason = ?, error_detail = ?
		WHERE id = ?`,
		f.Content, string(f.Status), in, out, kind, reason, detail, id)
	if err != nil {
		return fmt.Errorf("finalize message: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("%w: %s", ErrMessageNotFound, id)
	}
	return nil
}

// AbandonMessage marks a streaming message failed without touching its
// content. It is the fallback when a full FinalizeMessage cannot be written.
func (s *SQLiteStore) AbandonMessage(ctx context.Context, id string, failure *llm.Error) error {
	var reason sql.NullString
	detail := ""
	kind := llm.StorageFailure
	if failure != nil {
		kind = failure.Kind
		reason = nullString(string(failure.Reason))
		detail = failure.Detail
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE messages SET status = 'failed', error_kind = ?, error_reason = ?, error_detail = ?
		WHERE id = ? AND status = 'streaming'`,
		string(kind), reason, nullString(detail), id)
	if err != nil {
		return fmt.Errorf("abandon message: %w", err)
	}
	return nil
}

// LoadConversation returns the active messages of a conversation in
// sequence order with attachments populated.
func (s *SQLiteStore) LoadConversation(ctx context.Context, conversationID string) ([]Message, error) {
	var exists int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM conversations WHERE id = ?", conversationID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check conversation: %w", err)
	}
	if exists == 0 {
		return nil, fmt.Errorf("%w: %s", ErrConversationNotFound, conversationID)
	}

	rows, err := s.db.QueryContext(ctx, "SELECT "+messageColumns+`
		FROM messages WHERE conversation_id = ? AND is_active ORDER BY sequence ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	var messages []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, *m)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if err := s.loadAttachments(ctx, conversationID, messages); err != nil {
		return nil, err
	}
	return messages, nil
}

func (s *SQLiteStore) loadAttachments(ctx context.Context, conversationID string, messages []Message) error {
	if len(messages) == 0 {
		return nil
	}
	index := make(map[string]int, len(messages))
	for i := range messages {
		index[messages[i].ID] = i
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.message_id, a.mime_type, a.data
		FROM message_attachments a
		JOIN messages m ON m.id = a.message_id
		WHERE m.conversation_id = ?
		ORDER BY a.message_id, a.position`, conversationID)
	if err != nil {
		return fmt.Errorf("query attachments: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var msgID string
		var att Attachment
		if err := rows.Scan(&msgID, &att.MIMEType, &att.Data); err != nil {
			return fmt.Errorf("scan attachment: %w", err)
		}
		if i, ok := index[msgID]; ok {
			messages[i].Attachments = append(messages[i].Attachments, att)
		}
	}
	return rows.Err()
}

// GetMessage returns a single message without attachments.
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	m, err := scanMessage(s.db.QueryRowContext(ctx, "SELECT "+messageColumns+" FROM messages WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrMessageNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("scan message: %w", err)
	}
	return m, nil
}

// BeginRegeneration puts an existing assistant message back into streaming
// and deactivates every message after it, in one transaction. The old
// content is kept until the first new commit overwrites it.
func (s *SQLiteStore) BeginRegeneration(ctx context.Context, id, model string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var convID string
		var seq int
		err := tx.QueryRowContext(ctx, "SELECT conversation_id, sequence FROM messages WHERE id = ?", id).Scan(&convID, &seq)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrMessageNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("get message: %w", err)
		}
		if err := abandonStreaming(ctx, tx, convID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE messages SET is_active = FALSE WHERE conversation_id = ? AND sequence > ?`, convID, seq); err != nil {
			return fmt.Errorf("deactivate later messages: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE messages SET status = 'streaming', model = ?, tokens_in = NULL, tokens_out = NULL,
			       error_kind = NULL, error_reason = NULL, error_detail = NULL
			WHERE id = ?`, nullString(model), id); err != nil {
			return fmt.Errorf("reset message: %w", err)
		}
		ts, err := nextTimestamp(ctx, tx, convID)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "UPDATE conversations SET updated_at = ? WHERE id = ?", ts, convID); err != nil {
			return fmt.Errorf("update conversation timestamp: %w", err)
		}
		return nil
	})
}

// BeginEdit replaces the text of an active user message, deactivates every
// message after it and appends assistant as the new streaming reply, in
// one transaction. Attachments of the edited message are kept.
func (s *SQLiteStore) BeginEdit(ctx context.Context, id, content string, assistant *Message) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var convID, role string
		var seq int
		var active bool
		err := tx.QueryRowContext(ctx, "SELECT conversation_id, role, sequence, is_active FROM messages WHERE id = ?", id).
			Scan(&convID, &role, &seq, &active)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrMessageNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("get message: %w", err)
		}
		if llm.Role(role) != llm.RoleUser || !active {
			return fmt.Errorf("message %s is not an active user message", ShortID(id))
		}
		if err := abandonStreaming(ctx, tx, convID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "UPDATE messages SET content = ? WHERE id = ?", content, id); err != nil {
			return fmt.Errorf("update message: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE messages SET is_active = FALSE WHERE conversation_id = ? AND sequence > ?`, convID, seq); err != nil {
			return fmt.Errorf("deactivate later messages: %w", err)
		}
		return insertMessage(ctx, tx, convID, assistant)
	})
}

// nextTimestamp returns a time strictly after the conversation's updated_at.
func nextTimestamp(ctx context.Context, tx *sql.Tx, conversationID string) (time.Time, error) {
	var prev time.Time
	err := tx.QueryRowContext(ctx, "SELECT updated_at FROM conversations WHERE id = ?", conversationID).Scan(&prev)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, fmt.Errorf("%w: %s", ErrConversationNotFound, conversationID)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("get conversation: %w", err)
	}
	ts := now()
	if !ts.After(prev) {
		ts = prev.Add(time.Microsecond).UTC()
	}
	return ts, nil
}

// RecoverInterrupted fails messages left streaming by a previous process.
func (s *SQLiteStore) RecoverInterrupted(ctx context.Context) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE messages SET status = 'failed', error_kind = ?, error_reason = NULL, error_detail = ?
		WHERE status = 'streaming'`, string(llm.Network), "interrupted before completion")
	if err != nil {
		return 0, fmt.Errorf("recover interrupted messages: %w", err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

// ResolveMessageID expands a unique message id prefix to the full id.
func (s *SQLiteStore) ResolveMessageID(ctx context.Context, prefix string) (string, error) {
	var ids []string
	rows, err := s.db.QueryContext(ctx, "SELECT id FROM messages WHERE id LIKE ? || '%' LIMIT 2", prefix)
	if err != nil {
		return "", fmt.Errorf("resolve message: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return "", err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	switch len(ids) {
	case 0:
		return "", fmt.Errorf("%w: %s", ErrMessageNotFound, prefix)
	case 1:
		return ids[0], nil
	}
	return "", fmt.Errorf("message id %q is ambiguous", prefix)
}
