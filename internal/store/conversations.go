package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/echochat/echochat/internal/llm"
)

const conversationColumns = `c.id, c.title, c.account_id, c.system_prompt, c.pinned, c.archived, c.created_at, c.updated_at`

func scanConversation(row rowScanner, extra ...any) (*Conversation, error) {
	var c Conversation
	var accountID, systemPrompt sql.NullString
	dest := []any{&c.ID, &c.Title, &accountID, &systemPrompt, &c.Pinned, &c.Archived, &c.CreatedAt, &c.UpdatedAt}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	c.AccountID = accountID.String
	c.SystemPrompt = systemPrompt.String
	return &c, nil
}

// CreateConversation inserts a conversation bound to an existing account.
func (s *SQLiteStore) CreateConversation(ctx context.Context, c *Conversation) error {
	if c.AccountID == "" {
		return fmt.Errorf("conversation needs an account")
	}
	if c.ID == "" {
		c.ID = newID()
	}
	ts := now()
	c.CreatedAt, c.UpdatedAt = ts, ts
	c.Archived = false

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, title, account_id, system_prompt, pinned, archived, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, FALSE, ?, ?)`,
		c.ID, c.Title, c.AccountID, nullString(c.SystemPrompt), c.Pinned, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		if isForeignKeyError(err) {
			return fmt.Errorf("%w: %s", ErrAccountNotFound, c.AccountID)
		}
		return fmt.Errorf("insert conversation: %w", err)
	}
	return nil
}

// GetConversation returns ErrConversationNotFound for unknown ids.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	c, err := scanConversation(s.db.QueryRowContext(ctx,
		"SELECT "+conversationColumns+" FROM conversations c WHERE c.id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrConversationNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation: %w", err)
	}
	return c, nil
}

// ListConversations returns pinned conversations first, then most recent.
func (s *SQLiteStore) ListConversations(ctx context.Context, opts ListOptions) ([]ConversationSummary, error) {
	query := `
		SELECT ` + conversationColumns + `,
		       (SELECT COUNT(*) FROM messages m WHERE m.conversation_id = c.id AND m.is_active) AS message_count
		FROM conversations c
		WHERE 1=1`
	if !opts.Archived {
		query += " AND c.archived = FALSE"
	}
	query += " ORDER BY c.pinned DESC, c.updated_at DESC"

	limit := opts.Limit
	if limit == 0 {
		limit = 50
	}
	query += fmt.Sprintf(" LIMIT %d", limit)
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	var results []ConversationSummary
	for rows.Next() {
		var count int
		c, err := scanConversation(rows, &count)
		if err != nil {
			return nil, fmt.Errorf("scan conversation summary: %w", err)
		}
		results = append(results, ConversationSummary{Conversation: *c, MessageCount: count})
	}
	return results, rows.Err()
}

// ResolveConversationID expands a unique id prefix to the full id.
func (s *SQLiteStore) ResolveConversationID(ctx context.Context, prefix string) (string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id FROM conversations WHERE id LIKE ? || '%' LIMIT 2", prefix)
	if err != nil {
		return "", fmt.Errorf("resolve conversation: %w", err)
	}
	defer rows.Close()
	var ids []string
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
		return "", fmt.Errorf("%w: %s", ErrConversationNotFound, prefix)
	case 1:
		return ids[0], nil
	}
	return "", fmt.Errorf("conversation id %q is ambiguous", prefix)
}

func (s *SQLiteStore) updateConversation(ctx context.Context, id, set string, args ...any) error {
	result, err := s.db.ExecContext(ctx, "UPDATE conversations SET "+set+" WHERE id = ?", append(args, id)...)
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("%w: %s", ErrConversationNotFound, id)
	}
	return nil
}

func (s *SQLiteStore) RenameConversation(ctx context.Context, id, title string) error {
	return s.updateConversation(ctx, id, "title = ?", title)
}

func (s *SQLiteStore) SetPinned(ctx context.Context, id string, pinned bool) error {
	return s.updateConversation(ctx, id, "pinned = ?", pinned)
}

func (s *SQLiteStore) SetSystemPrompt(ctx context.Context, id, prompt string) error {
	return s.updateConversation(ctx, id, "system_prompt = ?", nullString(prompt))
}

// ArchiveConversation hides a conversation from the default list. It keeps
// its account so it can be restored.
func (s *SQLiteStore) ArchiveConversation(ctx context.Context, id string, archived bool) error {
	if archived {
		return s.updateConversation(ctx, id, "archived = TRUE")
	}
	err := s.updateConversation(ctx, id, "archived = FALSE")
	if err != nil && isCheckError(err) {
		return fmt.Errorf("conversation %s has no account; assign one before restoring", id)
	}
	return err
}

// AssignAccount rebinds a conversation, restoring it if it was archived
// when its account was deleted.
func (s *SQLiteStore) AssignAccount(ctx context.Context, id, accountID string) error {
	err := s.updateConversation(ctx, id, "account_id = ?, archived = FALSE", accountID)
	if err != nil && isForeignKeyError(err) {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	}
	return err
}

// DeleteConversation removes a conversation; messages and attachments cascade.
func (s *SQLiteStore) DeleteConversation(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM conversations WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("%w: %s", ErrConversationNotFound, id)
	}
	return nil
}

// Search finds active messages containing the query text using FTS5.
func (s *SQLiteStore) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	if limit == 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.conversation_id, m.id, c.title, snippet(messages_fts, 0, '**', '**', '...', 32), m.role, m.created_at
		FROM messages_fts f
		JOIN messages m ON m.rowid = f.rowid
		JOIN conversations c ON c.id = m.conversation_id
		WHERE messages_fts MATCH ? AND m.is_active
		ORDER BY rank
		LIMIT ?`, query, limit)
	if err != nil {
		return nil, fmt.Errorf("search messages: %w", err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		var role string
		if err := rows.Scan(&r.ConversationID, &r.MessageID, &r.Title, &r.Snippet, &role, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan search result: %w", err)
		}
		r.Role = llm.Role(role)
		results = append(results, r)
	}
	return results, rows.Err()
}

func isForeignKeyError(err error) bool {
	return err != nil && containsFold(err.Error(), "foreign key")
}

func isCheckError(err error) bool {
	return err != nil && containsFold(err.Error(), "check constraint")
}
