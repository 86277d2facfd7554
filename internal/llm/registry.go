package llm

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// SecretLookup is the read side of the secret store.
type SecretLookup interface {
	Get(ctx context.Context, accountID string) (string, bool, error)
}

// Factory builds an adapter for one account.
type Factory func(ctx context.Context, cfg ProviderConfig) (Provider, error)

var capabilities = map[Kind]Capability{
	KindGemini: {SupportsStreaming: true, SupportsImages: true, MaxContextNote: "1M token context"},
	KindClaude: {SupportsStreaming: true, SupportsImages: true, MaxContextNote: "200K token context"},
	KindLocal:  {SupportsStreaming: true, SupportsImages: false, MaxContextNote: "depends on the loaded model"},
}

// CapabilitiesFor is a pure lookup. Unknown kinds report no capabilities.
func CapabilitiesFor(kind Kind) Capability {
	return capabilities[kind]
}

// DefaultModel is the model used when an account does not name one.
func DefaultModel(kind Kind) string {
	switch kind {
	case KindGemini:
		return geminiDefaultModel
	case KindClaude:
		return anthropicDefaultModel
	case KindLocal:
		return localDefaultModel
	}
	return ""
}

// Registry maps provider kinds to adapter factories. Secrets are looked up
// again on every Resolve. Local adapters are cached per account so their
// reachability probe runs once, until the endpoint or key changes.
type Registry struct {
	secrets SecretLookup

	mu        sync.RWMutex
	factories map[Kind]Factory
	baseURLs  map[Kind]string
	local     map[string]cachedProvider
}

type cachedProvider struct {
	cfg      ProviderConfig
	provider Provider
}

// NewRegistry returns a registry with the built-in adapters registered.
func NewRegistry(secrets SecretLookup) *Registry {
	r := &Registry{
		secrets:   secrets,
		factories: make(map[Kind]Factory),
		baseURLs:  make(map[Kind]string),
		local:     make(map[string]cachedProvider),
	}
	r.Register(KindGemini, func(ctx context.Context, cfg ProviderConfig) (Provider, error) {
		return NewGeminiProvider(ctx, cfg)
	})
	r.Register(KindClaude, func(_ context.Context, cfg ProviderConfig) (Provider, error) {
		return NewAnthropicProvider(cfg), nil
	})
	r.Register(KindLocal, func(_ context.Context, cfg ProviderConfig) (Provider, error) {
		return NewLocalProvider(cfg), nil
	})
	return r
}

// Register installs or replaces the factory for a kind.
func (r *Registry) Register(kind Kind, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = f
	if kind == KindLocal {
		clear(r.local)
	}
}

// SetBaseURL overrides the API base URL for cloud kinds. Accounts with an
// explicit endpoint keep their own.
func (r *Registry) SetBaseURL(kind Kind, url string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if url == "" {
		delete(r.baseURLs, kind)
		return
	}
	r.baseURLs[kind] = url
}

// SetLocalProbeTimeout changes the probe timeout for local adapters built
// by the default factory.
func (r *Registry) SetLocalProbeTimeout(d time.Duration) {
	r.Register(KindLocal, func(_ context.Context, cfg ProviderConfig) (Provider, error) {
		return NewLocalProvider(cfg).WithProbeTimeout(d), nil
	})
}

// Resolve yields a ready adapter for the account. It fails with
// UnknownProviderKind or MissingCredential and never touches the network.
func (r *Registry) Resolve(ctx context.Context, acct Account) (Provider, error) {
	kind, ok := ParseKind(string(acct.Kind))
	if !ok {
		return nil, NewError(UnknownProviderKind, fmt.Sprintf("%q", acct.Kind), nil)
	}

	var secret string
	if r.secrets != nil {
		value, found, err := r.secrets.Get(ctx, acct.ID)
		if err != nil {
			return nil, NewError(MissingCredential, "secret store unavailable", err)
		}
		if found {
			secret = value
		}
	}
	if secret == "" && kind.RequiresCredential() {
		return nil, NewError(MissingCredential, fmt.Sprintf("account %s", acct.ID), nil)
	}

	factory, cfg, err := r.configFor(kind, acct, secret)
	if err != nil {
		return nil, err
	}
	if kind != KindLocal {
		return factory(ctx, cfg)
	}

	r.mu.RLock()
	cached, hit := r.local[acct.ID]
	r.mu.RUnlock()
	if hit && cached.cfg == cfg {
		return cached.provider, nil
	}
	p, err := factory(ctx, cfg)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.local[acct.ID] = cachedProvider{cfg: cfg, provider: p}
	r.mu.Unlock()
	return p, nil
}

// Validate builds an adapter for acct with the given secret and checks the
// credential against the provider. Adapters without a check pass.
func (r *Registry) Validate(ctx context.Context, acct Account, secret string) error {
	kind, ok := ParseKind(string(acct.Kind))
	if !ok {
		return NewError(UnknownProviderKind, fmt.Sprintf("%q", acct.Kind), nil)
	}
	factory, cfg, err := r.configFor(kind, acct, secret)
	if err != nil {
		return err
	}
	p, err := factory(ctx, cfg)
	if err != nil {
		return err
	}
	v, ok := p.(Validator)
	if !ok {
		return nil
	}
	return v.Validate(ctx)
}

func (r *Registry) configFor(kind Kind, acct Account, secret string) (Factory, ProviderConfig, error) {
	r.mu.RLock()
	factory := r.factories[kind]
	baseURL := r.baseURLs[kind]
	r.mu.RUnlock()
	if factory == nil {
		return nil, ProviderConfig{}, NewError(UnknownProviderKind, fmt.Sprintf("%q has no adapter", kind), nil)
	}
	endpoint := acct.Endpoint
	if endpoint == "" {
		endpoint = baseURL
	}
	return factory, ProviderConfig{
		AccountID: acct.ID,
		Model:     acct.Model,
		Endpoint:  endpoint,
		APIKey:    secret,
	}, nil
}
