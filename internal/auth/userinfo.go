package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	gh "github.com/google/go-github/v82/github"

	"github.com/semmy-space/gitauth/internal/provider"
)

// Whoami returns the login name the token belongs to.
func Whoami(ctx context.Context, client *http.Client, desc provider.Descriptor, accessToken string) (string, error) {
	switch desc.ID {
	case provider.GitHub:
		return githubLogin(ctx, client, desc.APIURL, accessToken)
	case provider.Bitbucket:
		return bitbucketLogin(ctx, client, desc.APIURL, accessToken)
	}
	return "", fmt.Errorf("unknown provider: %s", desc.ID)
}

func githubLogin(ctx context.Context, client *http.Client, apiURL, token string) (string, error) {
	c := gh.NewClient(client).WithAuthToken(token)
	if apiURL != "" {
		u, err := url.Parse(strings.TrimSuffix(apiURL, "/") + "/")
		if err != nil {
			return "", fmt.Errorf("parsing API URL: %w", err)
		}
		c.BaseURL = u
	}

	user, _, err := c.Users.Get(ctx, "")
	if err != nil {
		return "", fmt.Errorf("fetching GitHub user: %w", err)
	}
	return user.GetLogin(), nil
}

func bitbucketLogin(ctx context.Context, client *http.Client, apiURL, token string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(apiURL, "/")+"/user", nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching Bitbucket user: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetching Bitbucket user: HTTP %d", resp.StatusCode)
	}

	var user struct {
		Username string `json:"username"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if user.Username == "" {
		return "", fmt.Errorf("fetching Bitbucket user: empty username")
	}
	return user.Username, nil
}
