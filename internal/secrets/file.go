package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileStore keeps secrets in a JSON file readable only by the owner.
type FileStore struct {
	path string
	mu   sync.Mutex
}

type fileContents struct {
	Secrets map[string]string `json:"secrets"`
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// DefaultFilePath returns $XDG_CONFIG_HOME/echochat/secrets.json.
func DefaultFilePath() (string, error) {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		configDir = filepath.Join(home, ".config")
	}
	return filepath.Join(configDir, "echochat", "secrets.json"), nil
}

func (f *FileStore) Get(_ context.Context, accountID string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	contents, err := f.read()
	if err != nil {
		return "", false, err
	}
	v, ok := contents.Secrets[accountID]
	return v, ok, nil
}

func (f *FileStore) Set(_ context.Context, accountID, secret string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	contents, err := f.read()
	if err != nil {
		return err
	}
	contents.Secrets[accountID] = secret
	return f.write(contents)
}

func (f *FileStore) Delete(_ context.Context, accountID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	contents, err := f.read()
	if err != nil {
		return err
	}
	if _, ok := contents.Secrets[accountID]; !ok {
		return nil
	}
	delete(contents.Secrets, accountID)
	return f.write(contents)
}

func (f *FileStore) read() (*fileContents, error) {
	contents := &fileContents{Secrets: make(map[string]string)}
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return contents, nil
		}
		return nil, fmt.Errorf("failed to read secrets: %w", err)
	}
	if err := json.Unmarshal(data, contents); err != nil {
		return nil, fmt.Errorf("failed to parse secrets file %s: %w", f.path, err)
	}
	if contents.Secrets == nil {
		contents.Secrets = make(map[string]string)
	}
	return contents, nil
}

func (f *FileStore) write(contents *fileContents) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0700); err != nil {
		return fmt.Errorf("failed to create secrets directory: %w", err)
	}
	data, err := json.MarshalIndent(contents, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal secrets: %w", err)
	}
	// Atomic replace.
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write secrets: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace secrets file: %w", err)
	}
	return nil
}
