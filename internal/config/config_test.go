package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !cfg.Chat.Stream {
		t.Error("stream should default to true")
	}
	if cfg.Chat.CommitInterval != 250*time.Millisecond {
		t.Errorf("commit_interval = %v, want 250ms", cfg.Chat.CommitInterval)
	}
	if cfg.Chat.InactivityTimeout != 90*time.Second {
		t.Errorf("inactivity_timeout = %v, want 90s", cfg.Chat.InactivityTimeout)
	}
	if cfg.Serve.Addr != "127.0.0.1:8787" {
		t.Errorf("serve.addr = %q", cfg.Serve.Addr)
	}
	if cfg.Secrets.Backend != "keyring" {
		t.Errorf("secrets.backend = %q, want keyring", cfg.Secrets.Backend)
	}
	if cfg.Providers.Local.ProbeTimeout != 5*time.Second {
		t.Errorf("probe_timeout = %v, want 5s", cfg.Providers.Local.ProbeTimeout)
	}
}

func TestLoadExplicitMissingFileFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing explicit config file")
	}
}

func TestLoadFileOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
chat:
  stream: false
  max_tokens: 512
  inactivity_timeout: 2m
providers:
  local:
    base_url: http://gpu-box:11434
serve:
  addr: ":9000"
`
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Chat.Stream {
		t.Error("stream should be false")
	}
	if cfg.Chat.MaxTokens != 512 {
		t.Errorf("max_tokens = %d, want 512", cfg.Chat.MaxTokens)
	}
	if cfg.Chat.InactivityTimeout != 2*time.Minute {
		t.Errorf("inactivity_timeout = %v, want 2m", cfg.Chat.InactivityTimeout)
	}
	if cfg.Providers.Local.BaseURL != "http://gpu-box:11434" {
		t.Errorf("local base_url = %q", cfg.Providers.Local.BaseURL)
	}
	if cfg.Serve.Addr != ":9000" {
		t.Errorf("serve.addr = %q", cfg.Serve.Addr)
	}
	// untouched keys keep their defaults
	if cfg.Chat.CommitBytes != 2048 {
		t.Errorf("commit_bytes = %d, want 2048", cfg.Chat.CommitBytes)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("ECHOCHAT_SERVE_ADDR", "0.0.0.0:1234")
	t.Setenv("ECHOCHAT_CHAT_COMMIT_BYTES", "99")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Serve.Addr != "0.0.0.0:1234" {
		t.Errorf("serve.addr = %q", cfg.Serve.Addr)
	}
	if cfg.Chat.CommitBytes != 99 {
		t.Errorf("commit_bytes = %d, want 99", cfg.Chat.CommitBytes)
	}
}

func TestLoadResolvesServeToken(t *testing.T) {
	t.Setenv("ECHOCHAT_TEST_TOKEN", "s3cret")
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("serve:\n  token: ${ECHOCHAT_TEST_TOKEN}\n"), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Serve.Token != "s3cret" {
		t.Errorf("token = %q, want s3cret", cfg.Serve.Token)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := Default()
	cfg.Chat.Temperature = 0.7
	cfg.Chat.StorageBackoff = 20 * time.Millisecond
	cfg.Chat.DefaultSystemPrompt = "Be concise."
	cfg.Secrets.Backend = "file"

	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("mode = %v, want 0600", info.Mode().Perm())
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got.Chat.Temperature != 0.7 || got.Chat.StorageBackoff != 20*time.Millisecond {
		t.Errorf("chat = %+v", got.Chat)
	}
	if got.Chat.DefaultSystemPrompt != "Be concise." || got.Secrets.Backend != "file" {
		t.Errorf("round trip lost values: %+v", got)
	}
}

func TestOrchestratorConfig(t *testing.T) {
	cfg := Default()
	oc := cfg.Chat.Orchestrator()
	if !oc.Stream || oc.CommitBytes != 2048 || oc.StorageRetries != 3 {
		t.Errorf("unexpected orchestrator config: %+v", oc)
	}
}

func TestResolveValue(t *testing.T) {
	t.Setenv("ECHOCHAT_RESOLVE", "value")
	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"  plain  ", "plain"},
		{"$ECHOCHAT_RESOLVE", "value"},
		{"prefix-${ECHOCHAT_RESOLVE}", "prefix-value"},
		{"$(echo hello)", "hello"},
	}
	for _, tc := range tests {
		got, err := ResolveValue(tc.in)
		if err != nil {
			t.Fatalf("ResolveValue(%q) error = %v", tc.in, err)
		}
		if got != tc.want {
			t.Errorf("ResolveValue(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}

	if _, err := ResolveValue("$(exit 3)"); err == nil {
		t.Error("expected failing command to return an error")
	}
	if _, err := ResolveValue("srv:///path"); err == nil {
		t.Error("expected error for srv reference without record")
	}
}
