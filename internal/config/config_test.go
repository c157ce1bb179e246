package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/semmy-space/gitauth/internal/provider"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{EnvGitHubClientID, EnvGitHubClientSecret, EnvBitbucketClientID, EnvBitbucketClientSecret} {
		t.Setenv(key, "")
	}
}

func TestLoadFrom(t *testing.T) {
	t.Run("missing file returns defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.json5")
		cfg, err := LoadFrom(path)
		require.NoError(t, err)
		assert.Equal(t, path, cfg.Path())
		assert.Equal(t, DefaultCallbackPort, cfg.Port())
		assert.Equal(t, DefaultCallbackTimeout, cfg.Timeout())
		assert.Equal(t, DefaultExpirySkew, cfg.Skew())
	})

	t.Run("json5 with comments", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.json5")
		require.NoError(t, os.WriteFile(path, []byte(`{
  // local OAuth app
  github_client_id: "gh-id",
  callback_port: 7070,
  callback_timeout: "2m",
  expiry_skew: "30s",
}`), 0600))

		cfg, err := LoadFrom(path)
		require.NoError(t, err)
		assert.Equal(t, "gh-id", cfg.GitHubClientID)
		assert.Equal(t, 7070, cfg.Port())
		assert.Equal(t, 2*time.Minute, cfg.Timeout())
		assert.Equal(t, 30*time.Second, cfg.Skew())
	})

	t.Run("invalid duration rejected", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.json5")
		require.NoError(t, os.WriteFile(path, []byte(`{"expiry_skew": "soon"}`), 0600))
		_, err := LoadFrom(path)
		assert.ErrorContains(t, err, "expiry_skew")
	})

	t.Run("malformed file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.json5")
		require.NoError(t, os.WriteFile(path, []byte(`{`), 0600))
		_, err := LoadFrom(path)
		assert.ErrorContains(t, err, "failed to parse config")
	})
}

func TestSetGetUnset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json5")
	cfg, err := LoadFrom(path)
	require.NoError(t, err)

	require.NoError(t, cfg.Set("bitbucket_client_id", "bb-id"))
	require.NoError(t, cfg.Set("callback_port", "8080"))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	reloaded, err := LoadFrom(path)
	require.NoError(t, err)
	got, err := reloaded.Get("bitbucket_client_id")
	require.NoError(t, err)
	assert.Equal(t, "bb-id", got)
	got, err = reloaded.Get("callback_port")
	require.NoError(t, err)
	assert.Equal(t, "8080", got)

	require.NoError(t, reloaded.Unset("callback_port"))
	got, err = reloaded.Get("callback_port")
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Equal(t, DefaultCallbackPort, reloaded.Port())

	tests := []struct {
		key, value, wantErr string
	}{
		{"region", "us", "unknown config key"},
		{"callback_port", "abc", "must be a number"},
		{"callback_port", "70000", "out of range"},
		{"callback_timeout", "-1m", "must not be negative"},
		{"key_backend", "vault", "key_backend must be"},
		{"default_output", "yaml", "default_output must be"},
	}
	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			err := reloaded.Set(tt.key, tt.value)
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}

	// Rejected values are not kept.
	assert.Equal(t, DefaultCallbackPort, reloaded.Port())
	assert.Empty(t, reloaded.KeyBackend)
}

func TestKeys(t *testing.T) {
	keys := Keys()
	assert.Contains(t, keys, "github_client_id")
	assert.Contains(t, keys, "vault_path")
	assert.NotContains(t, keys, "")
}

func TestVault(t *testing.T) {
	cfg := &Config{}
	assert.Equal(t, filepath.Join(DataDir(), "tokens.bin"), cfg.Vault())

	cfg.VaultPath = "/tmp/custom.bin"
	assert.Equal(t, "/tmp/custom.bin", cfg.Vault())
}

func TestProvider(t *testing.T) {
	clearEnv(t)
	cfg := &Config{
		GitHubClientID:        "gh-id",
		BitbucketClientID:     "bb-id",
		BitbucketClientSecret: "bb-file-secret",
	}

	gh, err := cfg.Provider(provider.GitHub)
	require.NoError(t, err)
	assert.Equal(t, "gh-id", gh.ClientID)
	assert.Empty(t, gh.ClientSecret)
	assert.Equal(t, "github.com", gh.Host)

	bb, err := cfg.Provider(provider.Bitbucket)
	require.NoError(t, err)
	assert.Equal(t, "bb-file-secret", bb.ClientSecret)

	t.Setenv(EnvBitbucketClientSecret, "bb-env-secret")
	bb, err = cfg.Provider(provider.Bitbucket)
	require.NoError(t, err)
	assert.Equal(t, "bb-env-secret", bb.ClientSecret)

	_, err = cfg.Provider("gitlab")
	assert.ErrorContains(t, err, "unknown provider")

	assert.Equal(t, map[provider.ID]bool{provider.GitHub: true, provider.Bitbucket: true}, cfg.Configured())
	assert.Equal(t, map[provider.ID]bool{provider.GitHub: false, provider.Bitbucket: false}, (&Config{}).Configured())
}
