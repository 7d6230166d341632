package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const envPrefix = "MACROCHAT_"

type Config struct {
	Server  ServerConfig
	LLM     LLMConfig
	Storage StorageConfig
	Chat    ChatConfig
	Profile ProfileConfig
	Log     LogConfig
}

type ServerConfig struct {
	Host     string
	Port     int
	MaxConns int
}

type LLMConfig struct {
	BaseURL    string
	APIKey     string
	Model      string
	Timeout    time.Duration
	MaxRetries int
}

type StorageConfig struct {
	DataDir string
}

type ChatConfig struct {
	// Timezone is an IANA name deciding where a day starts. Empty means the
	// process's local zone.
	Timezone               string
	ModelAssertedNutrients bool
}

type ProfileConfig struct {
	CacheTTL time.Duration
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Host:     "127.0.0.1",
			Port:     4000,
			MaxConns: 10,
		},
		LLM: LLMConfig{
			BaseURL:    "https://api.openai.com/v1",
			Model:      "gpt-4o-mini",
			Timeout:    60 * time.Second,
			MaxRetries: 2,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Profile: ProfileConfig{
			CacheTTL: 60 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Location resolves Chat.Timezone.
func (c Config) Location() (*time.Location, error) {
	if c.Chat.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Chat.Timezone)
	if err != nil {
		return nil, fmt.Errorf("chat.timezone: %w", err)
	}
	return loc, nil
}

// Addr is the HTTP listen address.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Load reads configuration from the JSON config file, .env files,
// environment variables and the secrets file, in increasing precedence
// except for secrets, which only fill what the environment left empty.
func Load() (Config, error) {
	loadDotEnv(".env.local", ".env")
	return loadWith(newPlatformBackend(), NewKeychain())
}

// LoadLenient is Load without the API key requirement, for CLI commands
// that only talk to a running server.
func LoadLenient() (Config, error) {
	loadDotEnv(".env.local", ".env")
	return load(newPlatformBackend(), NewKeychain())
}

// loadDotEnv sets variables from each file that exists without overriding
// ones already in the environment.
func loadDotEnv(paths ...string) {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				slog.Warn("could not load env file", "path", p, "error", err)
			}
			continue
		}
		slog.Debug("loaded env file", "path", p)
	}
}

func load(b ConfigBackend, kc Keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)

	if cfg.LLM.APIKey == "" {
		if key, err := kc.Get(secretsService, accountAPIKey); err == nil {
			cfg.LLM.APIKey = strings.TrimSpace(key)
		}
	}

	if _, err := cfg.Location(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadWith(b ConfigBackend, kc Keychain) (Config, error) {
	cfg, err := load(b, kc)
	if err != nil {
		return Config{}, err
	}
	if cfg.LLM.APIKey == "" {
		return Config{}, errors.New("missing required config: LLM API key. " +
			"Set it via environment variable " + envPrefix + "LLM_API_KEY " +
			"or `macrochat config set-key`")
	}
	return cfg, nil
}
