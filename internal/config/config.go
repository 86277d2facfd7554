// Package config loads echochat settings from YAML and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/echochat/echochat/internal/chat"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

type Config struct {
	DatabasePath string          `mapstructure:"database_path"`
	Secrets      SecretsConfig   `mapstructure:"secrets"`
	Chat         ChatConfig      `mapstructure:"chat"`
	Providers    ProvidersConfig `mapstructure:"providers"`
	Serve        ServeConfig     `mapstructure:"serve"`
	Usage        UsageConfig     `mapstructure:"usage"`
}

type SecretsConfig struct {
	Backend string `mapstructure:"backend"` // keyring, file or memory
	Path    string `mapstructure:"path"`
}

type ChatConfig struct {
	Stream              bool          `mapstructure:"stream"`
	Temperature         float64       `mapstructure:"temperature"`
	MaxTokens           int           `mapstructure:"max_tokens"`
	DefaultSystemPrompt string        `mapstructure:"default_system_prompt"`
	CommitInterval      time.Duration `mapstructure:"commit_interval"`
	CommitBytes         int           `mapstructure:"commit_bytes"`
	InactivityTimeout   time.Duration `mapstructure:"inactivity_timeout"`
	StorageRetries      int           `mapstructure:"storage_retries"`
	StorageBackoff      time.Duration `mapstructure:"storage_backoff"`
}

type ProvidersConfig struct {
	Gemini RemoteProviderConfig `mapstructure:"gemini"`
	Claude RemoteProviderConfig `mapstructure:"claude"`
	Local  LocalProviderConfig  `mapstructure:"local"`
}

type RemoteProviderConfig struct {
	BaseURL string `mapstructure:"base_url"`
}

type LocalProviderConfig struct {
	BaseURL      string        `mapstructure:"base_url"`
	ProbeTimeout time.Duration `mapstructure:"probe_timeout"`
}

type ServeConfig struct {
	Addr  string `mapstructure:"addr"`
	Token string `mapstructure:"token"`
}

type UsageConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Dir     string `mapstructure:"dir"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database_path", "")
	v.SetDefault("secrets.backend", "keyring")
	v.SetDefault("secrets.path", "")
	v.SetDefault("chat.stream", true)
	v.SetDefault("chat.temperature", 0.0)
	v.SetDefault("chat.max_tokens", 0)
	v.SetDefault("chat.default_system_prompt", "")
	v.SetDefault("chat.commit_interval", "250ms")
	v.SetDefault("chat.commit_bytes", 2048)
	v.SetDefault("chat.inactivity_timeout", "90s")
	v.SetDefault("chat.storage_retries", 3)
	v.SetDefault("chat.storage_backoff", "50ms")
	v.SetDefault("providers.gemini.base_url", "")
	v.SetDefault("providers.claude.base_url", "")
	v.SetDefault("providers.local.base_url", "")
	v.SetDefault("providers.local.probe_timeout", "5s")
	v.SetDefault("serve.addr", "127.0.0.1:8787")
	v.SetDefault("serve.token", "")
	v.SetDefault("usage.enabled", true)
	v.SetDefault("usage.dir", "")
}

// Load reads the config file at path, or the default location when path is
// empty. A missing default file is not an error. ECHOCHAT_* environment
// variables override file values (e.g. ECHOCHAT_CHAT_STREAM=false).
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("ECHOCHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	explicit := path != ""
	if !explicit {
		p, err := GetConfigPath()
		if err != nil {
			return nil, fmt.Errorf("failed to get config path: %w", err)
		}
		path = p
	}
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		switch {
		case errors.As(err, &notFound):
		case !explicit && errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.resolve(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// resolve expands op://, $(...) and environment references in values that
// commonly hold secrets or endpoints.
func (c *Config) resolve() error {
	fields := []struct {
		name string
		ptr  *string
	}{
		{"serve.token", &c.Serve.Token},
		{"providers.gemini.base_url", &c.Providers.Gemini.BaseURL},
		{"providers.claude.base_url", &c.Providers.Claude.BaseURL},
		{"providers.local.base_url", &c.Providers.Local.BaseURL},
		{"database_path", &c.DatabasePath},
		{"secrets.path", &c.Secrets.Path},
	}
	for _, f := range fields {
		v, err := ResolveValue(*f.ptr)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", f.name, err)
		}
		*f.ptr = v
	}
	return nil
}

// Orchestrator converts the chat section into orchestrator settings.
func (c ChatConfig) Orchestrator() chat.Config {
	return chat.Config{
		Stream:              c.Stream,
		Temperature:         c.Temperature,
		MaxTokens:           c.MaxTokens,
		DefaultSystemPrompt: c.DefaultSystemPrompt,
		CommitInterval:      c.CommitInterval,
		CommitBytes:         c.CommitBytes,
		InactivityTimeout:   c.InactivityTimeout,
		StorageRetries:      c.StorageRetries,
		StorageBackoff:      c.StorageBackoff,
	}
}

// GetConfigPath returns the path where the config file should be located
func GetConfigPath() (string, error) {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "echochat", "config.yaml"), nil
	}
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "echochat", "config.yaml"), nil
}

// Exists returns true if a config file exists
func Exists() bool {
	path, err := GetConfigPath()
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// fileLayout mirrors Config for YAML output with durations as strings.
type fileLayout struct {
	DatabasePath string `yaml:"database_path"`
	Secrets      struct {
		Backend string `yaml:"backend"`
		Path    string `yaml:"path"`
	} `yaml:"secrets"`
	Chat struct {
		Stream              bool    `yaml:"stream"`
		Temperature         float64 `yaml:"temperature"`
		MaxTokens           int     `yaml:"max_tokens"`
		DefaultSystemPrompt string  `yaml:"default_system_prompt"`
		CommitInterval      string  `yaml:"commit_interval"`
		CommitBytes         int     `yaml:"commit_bytes"`
		InactivityTimeout   string  `yaml:"inactivity_timeout"`
		StorageRetries      int     `yaml:"storage_retries"`
		StorageBackoff      string  `yaml:"storage_backoff"`
	} `yaml:"chat"`
	Providers struct {
		Gemini struct {
			BaseURL string `yaml:"base_url"`
		} `yaml:"gemini"`
		Claude struct {
			BaseURL string `yaml:"base_url"`
		} `yaml:"claude"`
		Local struct {
			BaseURL      string `yaml:"base_url"`
			ProbeTimeout string `yaml:"probe_timeout"`
		} `yaml:"local"`
	} `yaml:"providers"`
	Serve struct {
		Addr  string `yaml:"addr"`
		Token string `yaml:"token"`
	} `yaml:"serve"`
	Usage struct {
		Enabled bool   `yaml:"enabled"`
		Dir     string `yaml:"dir"`
	} `yaml:"usage"`
}

// Save writes cfg as YAML to path, or the default location when path is empty.
func Save(cfg *Config, path string) error {
	if path == "" {
		p, err := GetConfigPath()
		if err != nil {
			return err
		}
		path = p
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// Marshal renders cfg in the config file format.
func Marshal(cfg *Config) ([]byte, error) {
	var out fileLayout
	out.DatabasePath = cfg.DatabasePath
	out.Secrets.Backend = cfg.Secrets.Backend
	out.Secrets.Path = cfg.Secrets.Path
	out.Chat.Stream = cfg.Chat.Stream
	out.Chat.Temperature = cfg.Chat.Temperature
	out.Chat.MaxTokens = cfg.Chat.MaxTokens
	out.Chat.DefaultSystemPrompt = cfg.Chat.DefaultSystemPrompt
	out.Chat.CommitInterval = cfg.Chat.CommitInterval.String()
	out.Chat.CommitBytes = cfg.Chat.CommitBytes
	out.Chat.InactivityTimeout = cfg.Chat.InactivityTimeout.String()
	out.Chat.StorageRetries = cfg.Chat.StorageRetries
	out.Chat.StorageBackoff = cfg.Chat.StorageBackoff.String()
	out.Providers.Gemini.BaseURL = cfg.Providers.Gemini.BaseURL
	out.Providers.Claude.BaseURL = cfg.Providers.Claude.BaseURL
	out.Providers.Local.BaseURL = cfg.Providers.Local.BaseURL
	out.Providers.Local.ProbeTimeout = cfg.Providers.Local.ProbeTimeout.String()
	out.Serve.Addr = cfg.Serve.Addr
	out.Serve.Token = cfg.Serve.Token
	out.Usage.Enabled = cfg.Usage.Enabled
	out.Usage.Dir = cfg.Usage.Dir

	data, err := yaml.Marshal(&out)
	if err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	return data, nil
}
