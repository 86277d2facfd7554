package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/echochat/echochat/internal/accounts"
	"github.com/echochat/echochat/internal/bus"
	"github.com/echochat/echochat/internal/chat"
	"github.com/echochat/echochat/internal/config"
	"github.com/echochat/echochat/internal/llm"
	"github.com/echochat/echochat/internal/secrets"
	"github.com/echochat/echochat/internal/store"
	"github.com/echochat/echochat/internal/usage"
)

// app holds everything a command may need. Commands that only read the
// database use openStore instead.
type app struct {
	cfg      *config.Config
	store    *store.SQLiteStore
	secrets  secrets.Store
	accounts *accounts.Manager
	registry *llm.Registry
	bus      *bus.Bus
	chat     *chat.Orchestrator
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func openStore(cfg *config.Config) (*store.SQLiteStore, error) {
	st, err := store.NewSQLiteStore(store.Config{Path: cfg.DatabasePath})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return st, nil
}

// newApp opens the store and secret backend and builds the provider
// registry. With withChat it also builds the bus and orchestrator, and
// marks turns interrupted by a previous crash as failed.
func newApp(ctx context.Context, withChat bool) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	st, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	sec, err := secrets.Open(cfg.Secrets.Backend, cfg.Secrets.Path)
	if err != nil {
		st.Close()
		return nil, err
	}
	a := &app{
		cfg:      cfg,
		store:    st,
		secrets:  sec,
		accounts: accounts.NewManager(st, sec),
	}
	a.registry = llm.NewRegistry(sec)
	a.registry.SetBaseURL(llm.KindGemini, cfg.Providers.Gemini.BaseURL)
	a.registry.SetBaseURL(llm.KindClaude, cfg.Providers.Claude.BaseURL)
	a.registry.SetBaseURL(llm.KindLocal, cfg.Providers.Local.BaseURL)
	if cfg.Providers.Local.ProbeTimeout > 0 {
		a.registry.SetLocalProbeTimeout(cfg.Providers.Local.ProbeTimeout)
	}
	a.accounts.SetValidator(a.registry)
	if !withChat {
		return a, nil
	}

	if n, err := st.RecoverInterrupted(ctx); err != nil {
		slog.Warn("failed to recover interrupted messages", "error", err)
	} else if n > 0 {
		slog.Info("marked interrupted messages as failed", "count", n)
	}

	a.bus = bus.New(bus.DefaultHistory)
	a.chat = chat.New(st, a.registry, a.bus, cfg.Chat.Orchestrator())
	if cfg.Usage.Enabled {
		a.chat.SetUsageRecorder(usage.NewLogger(cfg.Usage.Dir))
	}
	return a, nil
}

// Close stops running turns before closing the database so their final
// writes land.
func (a *app) Close() {
	if a.chat != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := a.chat.Shutdown(ctx); err != nil {
			slog.Warn("turns still running at shutdown", "error", err)
		}
		cancel()
	}
	if a.bus != nil {
		a.bus.Close()
	}
	a.store.Close()
}

// resolveAccount accepts a full id, a unique id prefix or an exact label.
func resolveAccount(ctx context.Context, st *store.SQLiteStore, ref string) (*store.Account, error) {
	all, err := st.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}
	var matches []store.Account
	for _, a := range all {
		if a.ID == ref || a.Label == ref {
			return &a, nil
		}
		if len(ref) >= 4 && len(a.ID) > len(ref) && a.ID[:len(ref)] == ref {
			matches = append(matches, a)
		}
	}
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("%w: %s", store.ErrAccountNotFound, ref)
	case 1:
		return &matches[0], nil
	}
	return nil, fmt.Errorf("account %q is ambiguous", ref)
}
