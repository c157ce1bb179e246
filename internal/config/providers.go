package config

import (
	"os"

	"github.com/semmy-space/gitauth/internal/provider"
)

// Provider returns the descriptor for id with client credentials merged in.
// Environment variables take precedence over the config file.
func (c *Config) Provider(id provider.ID) (provider.Descriptor, error) {
	desc, err := provider.Get(id)
	if err != nil {
		return provider.Descriptor{}, err
	}

	switch id {
	case provider.GitHub:
		desc.ClientID = firstSet(os.Getenv(EnvGitHubClientID), c.GitHubClientID)
		desc.ClientSecret = firstSet(os.Getenv(EnvGitHubClientSecret), c.GitHubClientSecret)
	case provider.Bitbucket:
		desc.ClientID = firstSet(os.Getenv(EnvBitbucketClientID), c.BitbucketClientID)
		desc.ClientSecret = firstSet(os.Getenv(EnvBitbucketClientSecret), c.BitbucketClientSecret)
	}
	return desc, nil
}

// Configured reports which providers have a client ID set.
func (c *Config) Configured() map[provider.ID]bool {
	out := make(map[provider.ID]bool, len(provider.Defaults))
	for id := range provider.Defaults {
		desc, err := c.Provider(id)
		out[id] = err == nil && desc.ClientID != ""
	}
	return out
}

func firstSet(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
