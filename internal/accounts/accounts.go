// Package accounts manages provider accounts together with their secrets.
package accounts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/echochat/echochat/internal/llm"
	"github.com/echochat/echochat/internal/secrets"
	"github.com/echochat/echochat/internal/store"
)

// Store is the slice of the conversation store accounts need.
type Store interface {
	CreateAccount(ctx context.Context, a *store.Account) error
	GetAccount(ctx context.Context, id string) (*store.Account, error)
	ListAccounts(ctx context.Context) ([]store.Account, error)
	UpdateAccount(ctx context.Context, a *store.Account) error
	SetDefaultAccount(ctx context.Context, id string) error
	DeleteAccount(ctx context.Context, id, reassignTo string) (int, error)
}

// Validator checks a candidate credential against the provider before it
// is saved. *llm.Registry implements it.
type Validator interface {
	Validate(ctx context.Context, acct llm.Account, secret string) error
}

var ErrSecretRequired = errors.New("an API key is required for this provider")

// Manager keeps accounts and the secret store in step.
type Manager struct {
	store     Store
	secrets   secrets.Store
	validator Validator
}

func NewManager(st Store, sec secrets.Store) *Manager {
	return &Manager{store: st, secrets: sec}
}

// SetValidator enables credential checks on Add and SetSecret.
func (m *Manager) SetValidator(v Validator) {
	m.validator = v
}

func (m *Manager) validate(ctx context.Context, acct llm.Account, secret string) error {
	if m.validator == nil {
		return nil
	}
	if err := m.validator.Validate(ctx, acct, secret); err != nil {
		return fmt.Errorf("credential check failed: %w", err)
	}
	return nil
}

// AddRequest describes a new account. Secret is written to the secret store
// and never to the database.
type AddRequest struct {
	Kind     string
	Label    string
	Model    string
	Endpoint string
	Secret   string
	Default  bool

	// SkipValidation saves the account without contacting the provider.
	SkipValidation bool
}

// Add validates and creates an account. Cloud kinds need a secret; local
// accounts take one only if given. With a validator set, the provider must
// accept the credential before anything is written.
func (m *Manager) Add(ctx context.Context, req AddRequest) (*store.Account, error) {
	kind, ok := llm.ParseKind(req.Kind)
	if !ok {
		return nil, llm.NewError(llm.UnknownProviderKind, fmt.Sprintf("%q (want one of %s)", req.Kind, kindList()), nil)
	}
	secret := strings.TrimSpace(req.Secret)
	if kind.RequiresCredential() && secret == "" {
		return nil, ErrSecretRequired
	}
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = llm.DefaultModel(kind)
	}

	acct := &store.Account{
		Kind:      kind,
		Label:     strings.TrimSpace(req.Label),
		Model:     model,
		Endpoint:  strings.TrimSpace(req.Endpoint),
		IsDefault: req.Default,
	}
	if !req.SkipValidation {
		if err := m.validate(ctx, acct.LLM(), secret); err != nil {
			return nil, err
		}
	}
	if err := m.store.CreateAccount(ctx, acct); err != nil {
		return nil, err
	}
	if secret == "" {
		return acct, nil
	}
	if err := m.secrets.Set(ctx, acct.ID, secret); err != nil {
		if _, rbErr := m.store.DeleteAccount(ctx, acct.ID, ""); rbErr != nil {
			slog.Warn("failed to roll back account after secret write failed", "account_id", acct.ID, "error", rbErr)
		}
		return nil, fmt.Errorf("store secret: %w", err)
	}
	return acct, nil
}

// List returns every account with whether a secret is present.
func (m *Manager) List(ctx context.Context) ([]Summary, error) {
	accts, err := m.store.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Summary, 0, len(accts))
	for _, a := range accts {
		_, has, err := m.secrets.Get(ctx, a.ID)
		if err != nil {
			slog.Debug("secret lookup failed", "account_id", a.ID, "error", err)
		}
		out = append(out, Summary{Account: a, HasSecret: has})
	}
	return out, nil
}

// Summary is an account plus secret presence.
type Summary struct {
	store.Account
	HasSecret bool
}

// SetSecret replaces the secret of an existing account. The old secret
// stays in place when the provider rejects the new one.
func (m *Manager) SetSecret(ctx context.Context, id, secret string, skipValidation bool) error {
	acct, err := m.store.GetAccount(ctx, id)
	if err != nil {
		return err
	}
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return ErrSecretRequired
	}
	if !skipValidation {
		if err := m.validate(ctx, acct.LLM(), secret); err != nil {
			return err
		}
	}
	return m.secrets.Set(ctx, id, secret)
}

// Update changes label, model and endpoint. Empty fields are left alone.
func (m *Manager) Update(ctx context.Context, id, label, model, endpoint string) (*store.Account, error) {
	acct, err := m.store.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	if label != "" {
		acct.Label = label
	}
	if model != "" {
		acct.Model = model
	}
	if endpoint != "" {
		acct.Endpoint = endpoint
	}
	if err := m.store.UpdateAccount(ctx, acct); err != nil {
		return nil, err
	}
	return acct, nil
}

func (m *Manager) SetDefault(ctx context.Context, id string) error {
	return m.store.SetDefaultAccount(ctx, id)
}

// Remove deletes an account and its secret. Its conversations move to
// reassignTo, or are archived when reassignTo is empty.
func (m *Manager) Remove(ctx context.Context, id, reassignTo string) (int, error) {
	moved, err := m.store.DeleteAccount(ctx, id, reassignTo)
	if err != nil {
		return 0, err
	}
	if err := m.secrets.Delete(ctx, id); err != nil {
		slog.Warn("account removed but its secret could not be deleted", "account_id", id, "error", err)
	}
	return moved, nil
}

func kindList() string {
	kinds := llm.Kinds()
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = string(k)
	}
	return strings.Join(names, ", ")
}
