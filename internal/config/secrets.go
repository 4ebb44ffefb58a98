package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const secretsService = "ecosim"

const apiTokenAccount = "api_token"

// ErrSecretNotFound is returned when an account has no stored secret.
var ErrSecretNotFound = errors.New("secret not found")

// SecretStore reads and writes named secrets.
type SecretStore interface {
	Get(account string) (string, error)
	Set(account, value string) error
}

// FileSecrets keeps secrets in a 0600 JSON file keyed by service and account.
type FileSecrets struct {
	path string
	mu   sync.Mutex
}

// NewSecrets returns the secrets file at $XDG_DATA_HOME/ecosim/secrets.json.
func NewSecrets() *FileSecrets {
	return &FileSecrets{path: secretsFilePath()}
}

// NewSecretsAt returns a secrets file at path.
func NewSecretsAt(path string) *FileSecrets {
	return &FileSecrets{path: path}
}

func secretsFilePath() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "ecosim", "secrets.json")
}

func (f *FileSecrets) read() (map[string]map[string]string, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, err
	}
	var secrets map[string]map[string]string
	if err := json.Unmarshal(data, &secrets); err != nil {
		return nil, fmt.Errorf("parsing secrets file: %w", err)
	}
	return secrets, nil
}

func (f *FileSecrets) Get(account string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	secrets, err := f.read()
	if os.IsNotExist(err) {
		return "", ErrSecretNotFound
	}
	if err != nil {
		return "", err
	}
	val, ok := secrets[secretsService][account]
	if !ok {
		return "", fmt.Errorf("account %q: %w", account, ErrSecretNotFound)
	}
	return val, nil
}

func (f *FileSecrets) Set(account, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	secrets, err := f.read()
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	if secrets == nil {
		secrets = make(map[string]map[string]string)
	}
	if secrets[secretsService] == nil {
		secrets[secretsService] = make(map[string]string)
	}
	secrets[secretsService][account] = value

	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("creating secrets dir: %w", err)
	}
	out, err := json.MarshalIndent(secrets, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(f.path, out, 0o600)
}

// GetAPIToken returns the API bearer token, generating and storing a new one
// on first use.
func GetAPIToken(store SecretStore) (string, error) {
	token, err := store.Get(apiTokenAccount)
	if err == nil && token != "" {
		return token, nil
	}
	if err != nil && !errors.Is(err, ErrSecretNotFound) {
		return "", fmt.Errorf("reading API token: %w", err)
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating API token: %w", err)
	}
	token = hex.EncodeToString(buf)
	if err := store.Set(apiTokenAccount, token); err != nil {
		return "", fmt.Errorf("storing API token: %w", err)
	}
	return token, nil
}
