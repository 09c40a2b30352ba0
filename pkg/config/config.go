// Package config handles the client configuration file.
//
// The file lives at $XDG_CONFIG_HOME/scopus-client/config.yml unless
// SCOPUS_CONFIG names another path. API keys and institutional tokens may
// also come from the environment (SCOPUS_API_KEY, SCOPUS_INST_TOKEN, both
// comma-separated), optionally through a .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/Sternrassler/scopus-client/pkg/api"
	"github.com/Sternrassler/scopus-client/pkg/client"
	"github.com/Sternrassler/scopus-client/pkg/credentials"
	"github.com/Sternrassler/scopus-client/pkg/logging"
)

const (
	// ConfigDir is the directory name under XDG_CONFIG_HOME.
	ConfigDir = "scopus-client"
	// ConfigFile is the config file name.
	ConfigFile = "config.yml"
)

// Environment variables read by Load.
const (
	EnvConfig    = "SCOPUS_CONFIG"
	EnvAPIKey    = "SCOPUS_API_KEY"
	EnvInstToken = "SCOPUS_INST_TOKEN"
)

// MaxRetries bounds requests.retries.
const MaxRetries = 20

// ErrConfigExists is returned by Create when the file is already there.
var ErrConfigExists = errors.New("config file already exists")

// Config is the content of the configuration file.
type Config struct {
	// CacheDir is the root of the default cache directories.
	CacheDir string `yaml:"cache_dir,omitempty"`

	// Directories overrides the cache directory of single APIs.
	Directories map[string]string `yaml:"directories,omitempty"`

	Authentication Authentication `yaml:"authentication"`
	Requests       Requests       `yaml:"requests"`
	Redis          Redis          `yaml:"redis,omitempty"`
	Logging        Logging        `yaml:"logging"`
}

// Authentication holds the credentials.
type Authentication struct {
	APIKeys    []string `yaml:"api_keys"`
	InstTokens []string `yaml:"inst_tokens,omitempty"`
}

// Requests tunes the HTTP client.
type Requests struct {
	// Timeout in seconds.
	Timeout   int    `yaml:"timeout"`
	Retries   int    `yaml:"retries"`
	UserAgent string `yaml:"user_agent,omitempty"`
	BaseURL   string `yaml:"base_url,omitempty"`
}

// Redis enables shared quota tracking when Addr is set.
type Redis struct {
	Addr string `yaml:"addr,omitempty"`
}

// Logging configures the global logger.
type Logging struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Requests: Requests{
			Timeout:   int(client.DefaultTimeout / time.Second),
			Retries:   client.DefaultRetries,
			UserAgent: client.DefaultUserAgent,
		},
		Logging: Logging{Level: string(logging.LevelInfo)},
	}
}

// DefaultPath returns the config file path. SCOPUS_CONFIG takes precedence;
// otherwise XDG_CONFIG_HOME is respected with ~/.config as fallback.
func DefaultPath() string {
	if p := os.Getenv(EnvConfig); p != "" {
		return ExpandTilde(p)
	}
	configHome := os.Getenv("XDG_CONFIG_HOME")
	if configHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configHome = filepath.Join(home, ".config")
	}
	return filepath.Join(configHome, ConfigDir, ConfigFile)
}

// LoadDotEnv loads environment variables from the given .env files, or from
// ./.env when none is given. Missing files are ignored; variables already
// set are kept.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("loading %s: %w", f, err)
		}
	}
	return nil
}

// Load reads the configuration at path, or DefaultPath when path is empty.
// A missing file yields the defaults. Environment overrides are applied in
// both cases. The result is not validated.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("reading config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config %s: %w", path, err)
			}
		}
	}

	cfg.ApplyEnv()
	cfg.CacheDir = ExpandTilde(cfg.CacheDir)
	for name, dir := range cfg.Directories {
		cfg.Directories[name] = ExpandTilde(dir)
	}
	return cfg, nil
}

// ApplyEnv replaces keys and tokens with SCOPUS_API_KEY and
// SCOPUS_INST_TOKEN when those are set. An empty token entry, as in ",T2",
// leaves its key without a token.
func (c *Config) ApplyEnv() {
	if keys := splitList(os.Getenv(EnvAPIKey)); len(keys) > 0 {
		c.Authentication.APIKeys = keys
	}
	if tokens := credentials.TrimTokens(strings.Split(os.Getenv(EnvInstToken), ",")); len(tokens) > 0 {
		c.Authentication.InstTokens = tokens
	}
}

// Validate checks ranges and the credential counts.
func (c *Config) Validate() error {
	if c.Requests.Timeout <= 0 {
		return fmt.Errorf("requests.timeout must be > 0 (got %d)", c.Requests.Timeout)
	}
	if c.Requests.Retries < 0 || c.Requests.Retries > MaxRetries {
		return fmt.Errorf("requests.retries must be between 0 and %d (got %d)", MaxRetries, c.Requests.Retries)
	}
	if len(c.Authentication.APIKeys) == 0 {
		return fmt.Errorf("authentication.api_keys: at least one key is required (set %s or run 'scopus config init')", EnvAPIKey)
	}
	if tokens := credentials.TrimTokens(c.Authentication.InstTokens); len(tokens) > len(c.Authentication.APIKeys) {
		return fmt.Errorf("authentication.inst_tokens: %d tokens for %d keys, need at most one token per key",
			len(tokens), len(c.Authentication.APIKeys))
	}
	for name := range c.Directories {
		if _, err := api.Lookup(api.Name(name)); err != nil {
			return fmt.Errorf("directories: %w", err)
		}
	}
	return nil
}

// ClientConfig maps the file onto a session configuration.
func (c *Config) ClientConfig() client.Config {
	dirs := make(map[api.Name]string, len(c.Directories))
	for name, dir := range c.Directories {
		dirs[api.Name(name)] = dir
	}
	return client.Config{
		APIKeys:     c.Authentication.APIKeys,
		InstTokens:  c.Authentication.InstTokens,
		CacheDir:    c.CacheDir,
		Directories: dirs,
		Timeout:     time.Duration(c.Requests.Timeout) * time.Second,
		Retries:     c.Requests.Retries,
		UserAgent:   c.Requests.UserAgent,
		BaseURL:     c.Requests.BaseURL,
		RedisAddr:   c.Redis.Addr,
	}
}

// LoggingConfig maps the logging section onto logging.Config.
func (c *Config) LoggingConfig() logging.Config {
	cfg := logging.DefaultConfig()
	if c.Logging.Level != "" {
		cfg.Level = logging.LogLevel(c.Logging.Level)
	}
	cfg.Pretty = c.Logging.Pretty
	return cfg
}

// Save writes the configuration to path. The file holds API keys and is
// created readable by the owner only.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

// Create writes a default configuration with the given credentials to path,
// or DefaultPath when path is empty. An existing file is left alone and
// ErrConfigExists returned.
func Create(path string, keys, tokens []string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrConfigExists, path)
	}

	cfg := Default()
	cfg.Authentication.APIKeys = keys
	cfg.Authentication.InstTokens = tokens
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Save(path); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ExpandTilde replaces a leading ~ with the home directory.
func ExpandTilde(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
