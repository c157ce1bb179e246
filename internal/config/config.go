package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/yosuke-furukawa/json5/encoding/json5"

	"github.com/semmy-space/gitauth/internal/vault"
)

const (
	DefaultCallbackPort    = 6969
	DefaultCallbackTimeout = 5 * time.Minute
	DefaultExpirySkew      = 60 * time.Second
)

// Environment variables consulted in addition to the config file.
const (
	EnvGitHubClientID        = "GITAUTH_GITHUB_CLIENT_ID"
	EnvGitHubClientSecret    = "GITAUTH_GITHUB_CLIENT_SECRET"
	EnvBitbucketClientID     = "GITAUTH_BITBUCKET_CLIENT_ID"
	EnvBitbucketClientSecret = "GITAUTH_BITBUCKET_CLIENT_SECRET"
	EnvVaultPassword         = "GITAUTH_VAULT_PASSWORD"
)

// Config holds the CLI configuration
type Config struct {
	GitHubClientID        string `json:"github_client_id,omitempty"`
	GitHubClientSecret    string `json:"github_client_secret,omitempty"`
	BitbucketClientID     string `json:"bitbucket_client_id,omitempty"`
	BitbucketClientSecret string `json:"bitbucket_client_secret,omitempty"`
	CallbackPort          int    `json:"callback_port,omitempty"`
	CallbackTimeout       string `json:"callback_timeout,omitempty"`
	ExpirySkew            string `json:"expiry_skew,omitempty"`
	VaultPath             string `json:"vault_path,omitempty"`
	KeyBackend            string `json:"key_backend,omitempty"`
	LogFile               string `json:"log_file,omitempty"`
	DefaultOutput         string `json:"default_output,omitempty"`

	path string
}

// Load reads config from XDG path, returns defaults if file doesn't exist
func Load() (*Config, error) {
	return LoadFrom(ConfigPath())
}

// LoadFrom reads config from path. A missing file yields an empty config
// that saves back to path.
func LoadFrom(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{path: path}, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := Config{path: path}
	if err := json5.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return &cfg, nil
}

// Path returns the file this config loads from and saves to.
func (c *Config) Path() string {
	if c.path == "" {
		return ConfigPath()
	}
	return c.path
}

// Save writes the config to its path
func (c *Config) Save() error {
	path := c.Path()

	// Ensure parent directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// JSON is valid JSON5
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// Client secrets may be stored here
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// Keys returns every settable key in declaration order.
func Keys() []string {
	t := reflect.TypeOf(Config{})
	keys := make([]string, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		if key := jsonKey(t.Field(i)); key != "" {
			keys = append(keys, key)
		}
	}
	return keys
}

func jsonKey(f reflect.StructField) string {
	if !f.IsExported() {
		return ""
	}
	name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
	return name
}

func (c *Config) field(key string) (reflect.Value, error) {
	v := reflect.ValueOf(c).Elem()
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		if jsonKey(t.Field(i)) == key {
			return v.Field(i), nil
		}
	}
	return reflect.Value{}, fmt.Errorf("unknown config key: %s (valid: %s)", key, strings.Join(Keys(), ", "))
}

// Get retrieves a config value by key name. Unset numeric values read as "".
func (c *Config) Get(key string) (string, error) {
	f, err := c.field(key)
	if err != nil {
		return "", err
	}
	if f.IsZero() {
		return "", nil
	}
	return fmt.Sprintf("%v", f.Interface()), nil
}

// Set sets a config value by key name and saves
func (c *Config) Set(key, value string) error {
	f, err := c.field(key)
	if err != nil {
		return err
	}

	prev := reflect.New(f.Type()).Elem()
	prev.Set(f)

	switch f.Kind() {
	case reflect.Int:
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%s must be a number: %w", key, err)
		}
		f.SetInt(int64(n))
	default:
		f.SetString(value)
	}

	if err := c.validate(); err != nil {
		f.Set(prev)
		return err
	}
	return c.Save()
}

// Unset sets a config value to its zero value and saves
func (c *Config) Unset(key string) error {
	f, err := c.field(key)
	if err != nil {
		return err
	}
	f.Set(reflect.Zero(f.Type()))
	return c.Save()
}

func (c *Config) validate() error {
	if c.CallbackPort < 0 || c.CallbackPort > 65535 {
		return fmt.Errorf("callback_port out of range: %d", c.CallbackPort)
	}
	for key, value := range map[string]string{"callback_timeout": c.CallbackTimeout, "expiry_skew": c.ExpirySkew} {
		if value == "" {
			continue
		}
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative", key)
		}
	}
	switch c.KeyBackend {
	case "", "keyring", "native":
	default:
		return fmt.Errorf("key_backend must be keyring or native, got %q", c.KeyBackend)
	}
	switch c.DefaultOutput {
	case "", "auto", "json", "plain", "rich":
	default:
		return fmt.Errorf("default_output must be one of auto, json, plain, rich, got %q", c.DefaultOutput)
	}
	return nil
}

// Port returns the loopback callback port.
func (c *Config) Port() int {
	if c.CallbackPort == 0 {
		return DefaultCallbackPort
	}
	return c.CallbackPort
}

// Timeout returns how long sign-in waits for the browser redirect.
func (c *Config) Timeout() time.Duration {
	return parseDuration(c.CallbackTimeout, DefaultCallbackTimeout)
}

// Skew returns the margin subtracted from token expiries.
func (c *Config) Skew() time.Duration {
	return parseDuration(c.ExpirySkew, DefaultExpirySkew)
}

func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

// Vault returns the vault file location.
func (c *Config) Vault() string {
	if c.VaultPath != "" {
		return c.VaultPath
	}
	return filepath.Join(DataDir(), vault.FileName)
}
