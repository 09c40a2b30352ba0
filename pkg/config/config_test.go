package config

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/Sternrassler/scopus-client/pkg/api"
	"github.com/Sternrassler/scopus-client/pkg/client"
	"github.com/Sternrassler/scopus-client/pkg/logging"
)

// clearEnv unsets the variables Load reads for the duration of the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{EnvConfig, EnvAPIKey, EnvInstToken} {
		t.Setenv(name, "")
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestDefaultPath(t *testing.T) {
	clearEnv(t)

	t.Setenv("XDG_CONFIG_HOME", "/custom/config")
	if got, want := DefaultPath(), "/custom/config/scopus-client/config.yml"; got != want {
		t.Errorf("DefaultPath() = %q, want %q", got, want)
	}

	t.Setenv(EnvConfig, "/etc/scopus.yml")
	if got := DefaultPath(); got != "/etc/scopus.yml" {
		t.Errorf("DefaultPath() with %s = %q", EnvConfig, got)
	}
}

func TestLoad_MissingFileGivesDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !reflect.DeepEqual(cfg, Default()) {
		t.Errorf("Load() = %+v, want defaults", cfg)
	}
	if cfg.Requests.Timeout != 20 || cfg.Requests.Retries != 5 {
		t.Errorf("defaults = %+v", cfg.Requests)
	}
}

func TestLoad_File(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.yml")
	writeFile(t, path, `
directories:
  AbstractRetrieval: /data/abstract
authentication:
  api_keys: [K1, K2]
  inst_tokens: [T1]
requests:
  timeout: 30
  retries: 2
redis:
  addr: localhost:6379
logging:
  level: debug
  pretty: true
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	if !reflect.DeepEqual(cfg.Authentication.APIKeys, []string{"K1", "K2"}) {
		t.Errorf("APIKeys = %v", cfg.Authentication.APIKeys)
	}
	if cfg.Requests.Timeout != 30 || cfg.Requests.Retries != 2 {
		t.Errorf("Requests = %+v", cfg.Requests)
	}
	// Unset fields keep their defaults.
	if cfg.Requests.UserAgent != client.DefaultUserAgent {
		t.Errorf("UserAgent = %q, want default", cfg.Requests.UserAgent)
	}
	if cfg.Directories["AbstractRetrieval"] != "/data/abstract" {
		t.Errorf("Directories = %v", cfg.Directories)
	}
	if cfg.Redis.Addr != "localhost:6379" {
		t.Errorf("Redis.Addr = %q", cfg.Redis.Addr)
	}

	lc := cfg.LoggingConfig()
	if lc.Level != logging.LevelDebug || !lc.Pretty {
		t.Errorf("LoggingConfig() = %+v", lc)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.yml")
	writeFile(t, path, "authentication: [unclosed")

	if _, err := Load(path); err == nil {
		t.Error("Load() should fail on invalid YAML")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.yml")
	writeFile(t, path, "authentication:\n  api_keys: [FILEKEY]\n")

	t.Setenv(EnvAPIKey, "E1, E2,")
	t.Setenv(EnvInstToken, "T1")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !reflect.DeepEqual(cfg.Authentication.APIKeys, []string{"E1", "E2"}) {
		t.Errorf("APIKeys = %v, want env keys", cfg.Authentication.APIKeys)
	}
	if !reflect.DeepEqual(cfg.Authentication.InstTokens, []string{"T1"}) {
		t.Errorf("InstTokens = %v", cfg.Authentication.InstTokens)
	}
}

func TestLoad_EnvTokenPositions(t *testing.T) {
	tests := []struct {
		name string
		env  string
		want []string
	}{
		{"second key only", ",T2", []string{"", "T2"}},
		{"inner gap", "T1, ,T3", []string{"T1", "", "T3"}},
		{"trailing blanks dropped", "T1,, ", []string{"T1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(EnvAPIKey, "K1,K2,K3")
			t.Setenv(EnvInstToken, tt.env)

			cfg, err := Load(filepath.Join(t.TempDir(), "missing.yml"))
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			if !reflect.DeepEqual(cfg.Authentication.InstTokens, tt.want) {
				t.Errorf("InstTokens = %q, want %q", cfg.Authentication.InstTokens, tt.want)
			}
			if err := cfg.Validate(); err != nil {
				t.Errorf("Validate() error = %v", err)
			}
		})
	}
}

func TestLoadDotEnv(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	writeFile(t, envFile, EnvAPIKey+"=DOTENV\n")
	// godotenv sets the variable directly; restore it afterwards.
	t.Cleanup(func() { os.Unsetenv(EnvAPIKey) })
	os.Unsetenv(EnvAPIKey)

	if err := LoadDotEnv(filepath.Join(dir, "missing.env"), envFile); err != nil {
		t.Fatalf("LoadDotEnv() error = %v", err)
	}

	cfg, err := Load(filepath.Join(dir, "none.yml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !reflect.DeepEqual(cfg.Authentication.APIKeys, []string{"DOTENV"}) {
		t.Errorf("APIKeys = %v, want [DOTENV]", cfg.Authentication.APIKeys)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"zero timeout", func(c *Config) { c.Requests.Timeout = 0 }, "timeout"},
		{"negative retries", func(c *Config) { c.Requests.Retries = -1 }, "retries"},
		{"too many retries", func(c *Config) { c.Requests.Retries = MaxRetries + 1 }, "retries"},
		{"no keys", func(c *Config) { c.Authentication.APIKeys = nil }, "at least one key"},
		{"more tokens than keys", func(c *Config) { c.Authentication.InstTokens = []string{"T1", "T2"} }, "inst_tokens"},
		{"trailing blank token", func(c *Config) { c.Authentication.InstTokens = []string{"T1", ""} }, ""},
		{"unknown directory", func(c *Config) { c.Directories = map[string]string{"Nope": "/x"} }, "directories"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Authentication.APIKeys = []string{"K1"}
			tt.modify(cfg)

			err := cfg.Validate()
			switch {
			case tt.wantErr == "" && err != nil:
				t.Errorf("Validate() error = %v", err)
			case tt.wantErr != "" && (err == nil || !strings.Contains(err.Error(), tt.wantErr)):
				t.Errorf("Validate() error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestClientConfig(t *testing.T) {
	cfg := Default()
	cfg.Authentication.APIKeys = []string{"K1"}
	cfg.Authentication.InstTokens = []string{"T1"}
	cfg.Directories = map[string]string{"ScopusSearch": "/data/search"}
	cfg.Requests.Timeout = 45
	cfg.Redis.Addr = "redis:6379"

	cc := cfg.ClientConfig()
	if cc.Timeout != 45*time.Second {
		t.Errorf("Timeout = %v", cc.Timeout)
	}
	if cc.Retries != client.DefaultRetries {
		t.Errorf("Retries = %d", cc.Retries)
	}
	if cc.Directories[api.ScopusSearch] != "/data/search" {
		t.Errorf("Directories = %v", cc.Directories)
	}
	if cc.RedisAddr != "redis:6379" {
		t.Errorf("RedisAddr = %q", cc.RedisAddr)
	}
	if !reflect.DeepEqual(cc.InstTokens, []string{"T1"}) {
		t.Errorf("InstTokens = %v", cc.InstTokens)
	}
}

func TestCreate(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "scopus-client", "config.yml")

	if _, err := Create(path, []string{"K1"}, []string{"T1"}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("config not written: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("mode = %v, want 0600", info.Mode().Perm())
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !reflect.DeepEqual(cfg.Authentication.APIKeys, []string{"K1"}) {
		t.Errorf("APIKeys = %v", cfg.Authentication.APIKeys)
	}

	if _, err := Create(path, []string{"K2"}, nil); !errors.Is(err, ErrConfigExists) {
		t.Errorf("second Create() error = %v, want ErrConfigExists", err)
	}
}

func TestCreate_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	if _, err := Create(path, []string{"K1"}, []string{"T1", "T2"}); err == nil {
		t.Error("Create() should reject more tokens than keys")
	}
	if _, err := os.Stat(path); err == nil {
		t.Error("invalid config was written")
	}
}

func TestExpandTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("Cannot get home directory")
	}
	tests := map[string]string{
		"~/cache":   filepath.Join(home, "cache"),
		"~":         home,
		"/abs/path": "/abs/path",
		"rel/~path": "rel/~path",
	}
	for in, want := range tests {
		if got := ExpandTilde(in); got != want {
			t.Errorf("ExpandTilde(%q) = %q, want %q", in, got, want)
		}
	}
}
