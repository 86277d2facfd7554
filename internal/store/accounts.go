package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/echochat/echochat/internal/llm"
)

const accountColumns = `id, kind, label, model, endpoint, is_default, total_tokens_in, total_tokens_out, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*Account, error) {
	var a Account
	var kind string
	var endpoint sql.NullString
	err := row.Scan(&a.ID, &kind, &a.Label, &a.Model, &endpoint, &a.IsDefault,
		&a.TotalTokensIn, &a.TotalTokensOut, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.Kind = llm.Kind(kind)
	a.Endpoint = endpoint.String
	return &a, nil
}

// CreateAccount inserts an account. The first account of a kind becomes its default.
func (s *SQLiteStore) CreateAccount(ctx context.Context, a *Account) error {
	if a.ID == "" {
		a.ID = newID()
	}
	ts := now()
	a.CreatedAt, a.UpdatedAt = ts, ts

	return s.withTx(ctx, func(tx *sql.Tx) error {
		var existing int
		if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM accounts WHERE kind = ?", string(a.Kind)).Scan(&existing); err != nil {
			return fmt.Errorf("count accounts: %w", err)
		}
		if existing == 0 {
			a.IsDefault = true
		}
		if a.IsDefault {
			if _, err := tx.ExecContext(ctx, "UPDATE accounts SET is_default = FALSE WHERE kind = ?", string(a.Kind)); err != nil {
				return fmt.Errorf("clear default: %w", err)
			}
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO accounts (id, kind, label, model, endpoint, is_default, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			a.ID, string(a.Kind), a.Label, a.Model, nullString(a.Endpoint), a.IsDefault, a.CreatedAt, a.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert account: %w", err)
		}
		return nil
	})
}

// GetAccount returns ErrAccountNotFound for unknown ids.
func (s *SQLiteStore) GetAccount(ctx context.Context, id string) (*Account, error) {
	a, err := scanAccount(s.db.QueryRowContext(ctx, "SELECT "+accountColumns+" FROM accounts WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("scan account: %w", err)
	}
	return a, nil
}

// ListAccounts returns accounts ordered by kind, defaults first.
func (s *SQLiteStore) ListAccounts(ctx context.Context) ([]Account, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+accountColumns+" FROM accounts ORDER BY kind, is_default DESC, created_at")
	if err != nil {
		return nil, fmt.Errorf("query accounts: %w", err)
	}
	defer rows.Close()

	var results []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		results = append(results, *a)
	}
	return results, rows.Err()
}

// DefaultAccount picks the default account of the given kind, or of any kind
// when kind is empty.
func (s *SQLiteStore) DefaultAccount(ctx context.Context, kind llm.Kind) (*Account, error) {
	query := "SELECT " + accountColumns + " FROM accounts"
	var args []any
	if kind != "" {
		query += " WHERE kind = ?"
		args = append(args, string(kind))
	}
	query += " ORDER BY is_default DESC, created_at LIMIT 1"
	a, err := scanAccount(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan account: %w", err)
	}
	return a, nil
}

// UpdateAccount changes label, model and endpoint.
func (s *SQLiteStore) UpdateAccount(ctx context.Context, a *Account) error {
	a.UpdatedAt = now()
	result, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET label = ?, model = ?, endpoint = ?, updated_at = ? WHERE id = ?`,
		a.Label, a.Model, nullString(a.Endpoint), a.UpdatedAt, a.ID)
	if err != nil {
		return fmt.Errorf("update account: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, a.ID)
	}
	return nil
}

// SetDefaultAccount makes id the default for its kind.
func (s *SQLiteStore) SetDefaultAccount(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var kind string
		err := tx.QueryRowContext(ctx, "SELECT kind FROM accounts WHERE id = ?", id).Scan(&kind)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrAccountNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("get account kind: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "UPDATE accounts SET is_default = (id = ?) WHERE kind = ?", id, kind); err != nil {
			return fmt.Errorf("set default: %w", err)
		}
		return nil
	})
}

// AddAccountUsage accumulates token usage on an account.
func (s *SQLiteStore) AddAccountUsage(ctx context.Context, id string, use llm.Usage) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET total_tokens_in = total_tokens_in + ?, total_tokens_out = total_tokens_out + ?
		WHERE id = ?`, use.InputTokens, use.OutputTokens, id)
	if err != nil {
		return fmt.Errorf("update account usage: %w", err)
	}
	return nil
}

// DeleteAccount removes an account without orphaning conversations. With a
// non-empty reassignTo its conversations move to that account; otherwise
// they are archived with no account. Returns how many conversations moved.
func (s *SQLiteStore) DeleteAccount(ctx context.Context, id, reassignTo string) (int, error) {
	if reassignTo == id {
		return 0, fmt.Errorf("cannot reassign conversations to the account being deleted")
	}
	var moved int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM accounts WHERE id = ?", id).Scan(&exists); err != nil {
			return fmt.Errorf("check account: %w", err)
		}
		if exists == 0 {
			return fmt.Errorf("%w: %s", ErrAccountNotFound, id)
		}

		var result sql.Result
		var err error
		if reassignTo != "" {
			if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM accounts WHERE id = ?", reassignTo).Scan(&exists); err != nil {
				return fmt.Errorf("check target account: %w", err)
			}
			if exists == 0 {
				return fmt.Errorf("%w: %s", ErrAccountNotFound, reassignTo)
			}
			result, err = tx.ExecContext(ctx, "UPDATE conversations SET account_id = ? WHERE account_id = ?", reassignTo, id)
		} else {
			result, err = tx.ExecContext(ctx, "UPDATE conversations SET account_id = NULL, archived = TRUE WHERE account_id = ?", id)
		}
		if err != nil {
			return fmt.Errorf("move conversations: %w", err)
		}
		moved, _ = result.RowsAffected()

		var kind string
		var wasDefault bool
		if err := tx.QueryRowContext(ctx, "SELECT kind, is_default FROM accounts WHERE id = ?", id).Scan(&kind, &wasDefault); err != nil {
			return fmt.Errorf("get account: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM accounts WHERE id = ?", id); err != nil {
			return fmt.Errorf("delete account: %w", err)
		}
		if wasDefault {
			_, err := tx.ExecContext(ctx, `
				UPDATE accounts SET is_default = TRUE
				WHERE id = (SELECT id FROM accounts WHERE kind = ? ORDER BY created_at LIMIT 1)`, kind)
			if err != nil {
				return fmt.Errorf("promote default: %w", err)
			}
		}
		return nil
	})
	return int(moved), err
}
