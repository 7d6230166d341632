package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
)

const (
	secretsService  = appName
	accountAPIKey   = "llm_api_key"
	accountAPIToken = "api_token"
)

// ErrSecretNotFound is returned when a secret has never been stored.
var ErrSecretNotFound = errors.New("secret not found")

// Keychain reads and writes secrets outside the plain config file.
type Keychain interface {
	Get(service, account string) (string, error)
	Set(service, account, value string) error
}

// fileKeychain keeps secrets in a 0600 JSON file shaped
// {"service": {"account": "value"}}.
type fileKeychain struct {
	mu   sync.Mutex
	path string
}

// NewKeychain returns the secrets store at $XDG_DATA_HOME/macrochat/secrets.json.
func NewKeychain() Keychain {
	return &fileKeychain{path: filepath.Join(dataHome(), "secrets.json")}
}

func (k *fileKeychain) read() (map[string]map[string]string, error) {
	data, err := os.ReadFile(k.path)
	if os.IsNotExist(err) {
		return map[string]map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading secrets file: %w", err)
	}
	var secrets map[string]map[string]string
	if err := json.Unmarshal(data, &secrets); err != nil {
		return nil, fmt.Errorf("parsing secrets file: %w", err)
	}
	if secrets == nil {
		secrets = map[string]map[string]string{}
	}
	return secrets, nil
}

func (k *fileKeychain) Get(service, account string) (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	secrets, err := k.read()
	if err != nil {
		return "", err
	}
	val, ok := secrets[service][account]
	if !ok || val == "" {
		return "", fmt.Errorf("%w: %s/%s", ErrSecretNotFound, service, account)
	}
	return val, nil
}

func (k *fileKeychain) Set(service, account, value string) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	secrets, err := k.read()
	if err != nil {
		return err
	}
	if secrets[service] == nil {
		secrets[service] = make(map[string]string)
	}
	secrets[service][account] = value

	if err := os.MkdirAll(filepath.Dir(k.path), 0o700); err != nil {
		return fmt.Errorf("creating secrets dir: %w", err)
	}
	out, err := json.MarshalIndent(secrets, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(k.path, out, 0o600)
}

// GetAPIToken returns the bearer token guarding the management API. The
// MACROCHAT_API_TOKEN env var wins; otherwise the stored token is used, and
// one is generated and stored on first use.
func GetAPIToken(kc Keychain) (string, error) {
	if v := strings.TrimSpace(os.Getenv(envPrefix + "API_TOKEN")); v != "" {
		return v, nil
	}
	tok, err := kc.Get(secretsService, accountAPIToken)
	if err == nil {
		return tok, nil
	}
	if !errors.Is(err, ErrSecretNotFound) {
		return "", err
	}

	tok = strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
	if err := kc.Set(secretsService, accountAPIToken, tok); err != nil {
		return "", fmt.Errorf("storing api token: %w", err)
	}
	return tok, nil
}

// SetAPIKey stores the LLM provider key in the secrets file.
func SetAPIKey(kc Keychain, key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("api key must not be empty")
	}
	return kc.Set(secretsService, accountAPIKey, key)
}
