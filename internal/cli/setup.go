package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/semmy-space/gitauth/internal/auth"
	"github.com/semmy-space/gitauth/internal/config"
	"github.com/semmy-space/gitauth/internal/output"
	"github.com/semmy-space/gitauth/internal/provider"
)

// registration tells the user where to create an OAuth app per provider.
var registration = map[provider.ID]string{
	provider.GitHub:    "https://github.com/settings/applications/new",
	provider.Bitbucket: "https://bitbucket.org/<workspace>/workspace/settings/oauth-consumers/new",
}

// SetupCmd implements the interactive setup wizard
type SetupCmd struct {
	Provider string `arg:"" optional:"" help:"Provider to configure (github, bitbucket)" predictor:"provider"`
	NoLogin  bool   `help:"Save the client credentials without signing in" name:"no-login"`
}

// Run executes the setup wizard
func (cmd *SetupCmd) Run(ctx context.Context, cfg *config.Config, sp *ServiceProvider, globals *Globals) error {
	if !globals.Interactive() {
		return &output.CLIError{
			Message:  "setup is interactive and needs a terminal",
			ExitCode: output.ExitUsage,
			Hint:     "Use: gitauth config set <provider>_client_id <id>",
		}
	}
	reader := bufio.NewReader(os.Stdin)

	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "  gitauth setup\n")
	fmt.Fprintf(os.Stderr, "  =============\n\n")

	// Step 1: Provider
	name := cmd.Provider
	if name == "" {
		fmt.Fprintf(os.Stderr, "  Step 1: Choose a provider (%s)\n\n", strings.Join(provider.Names(), ", "))
		name = prompt(reader, os.Stderr, "  Provider [github]: ")
		if name == "" {
			name = string(provider.GitHub)
		}
	}
	id, err := provider.Parse(name)
	if err != nil {
		return &output.CLIError{Message: err.Error(), ExitCode: output.ExitUsage}
	}
	desc, err := cfg.Provider(id)
	if err != nil {
		return err
	}

	// Step 2: OAuth app
	fmt.Fprintf(os.Stderr, "\n  Step 2: Register an OAuth app with %s\n\n", desc.Name)
	fmt.Fprintf(os.Stderr, "    1. Go to %s\n", registration[id])
	fmt.Fprintf(os.Stderr, "    2. Set the callback URL to: http://127.0.0.1:%d%s\n", cfg.Port(), auth.CallbackPath)
	fmt.Fprintf(os.Stderr, "    3. Grant the scopes: %s\n", desc.ScopeString())
	fmt.Fprintf(os.Stderr, "    4. Copy the client ID")
	if desc.RequiresSecret {
		fmt.Fprintf(os.Stderr, " and secret")
	}
	fmt.Fprintf(os.Stderr, " below\n\n")

	idKey, secretKey := string(id)+"_client_id", string(id)+"_client_secret"

	clientID, err := promptKeep(reader, cfg, "  Client ID: ", idKey)
	if err != nil {
		return err
	}
	if clientID == "" {
		return &output.CLIError{
			Message:  "Client ID is required",
			ExitCode: output.ExitUsage,
		}
	}

	clientSecret, err := promptKeep(reader, cfg, "  Client Secret: ", secretKey)
	if err != nil {
		return err
	}
	if clientSecret == "" && desc.RequiresSecret {
		return &output.CLIError{
			Message:  fmt.Sprintf("%s requires a client secret", desc.Name),
			ExitCode: output.ExitUsage,
		}
	}

	if err := cfg.Set(idKey, clientID); err != nil {
		return &output.CLIError{Message: fmt.Sprintf("Failed to save config: %v", err), ExitCode: output.ExitConfigError}
	}
	if clientSecret != "" {
		if err := cfg.Set(secretKey, clientSecret); err != nil {
			return &output.CLIError{Message: fmt.Sprintf("Failed to save config: %v", err), ExitCode: output.ExitConfigError}
		}
	}

	if cmd.NoLogin {
		fmt.Fprintf(os.Stderr, "\n  Saved to %s\n\n", cfg.Path())
		return nil
	}

	// Step 3: Sign in
	fmt.Fprintf(os.Stderr, "\n  Step 3: Sign in\n\n")

	answer := prompt(reader, os.Stderr, "  Open browser to sign in? [Y/n]: ")
	manual := strings.ToLower(answer) == "n"

	login := AuthLoginCmd{Provider: string(id), Manual: manual}
	quiet := &FormatterProvider{Formatter: output.NewWriter("plain", false, io.Discard, os.Stderr)}
	if err := login.Run(ctx, cfg, sp, quiet, globals); err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "\n  Setup complete!\n\n")
	fmt.Fprintf(os.Stderr, "    Config: %s\n", cfg.Path())
	fmt.Fprintf(os.Stderr, "    Vault:  %s\n\n", sp.VaultPath())
	fmt.Fprintf(os.Stderr, "  Let git use it:\n\n")
	fmt.Fprintf(os.Stderr, "    git config --global credential.https://%s.helper '!gitauth credential-helper'\n\n", desc.Host)

	return nil
}

// promptKeep reads a value, keeping the configured one on empty input.
func promptKeep(reader *bufio.Reader, cfg *config.Config, text, key string) (string, error) {
	value := prompt(reader, os.Stderr, text)
	if value != "" {
		return value, nil
	}
	current, err := cfg.Get(key)
	if err != nil {
		return "", err
	}
	if current != "" {
		fmt.Fprintf(os.Stderr, "  (keeping existing)\n")
	}
	return current, nil
}

// prompt prints a prompt and reads a line of input
func prompt(reader *bufio.Reader, out io.Writer, text string) string {
	fmt.Fprint(out, text)
	line, _ := reader.ReadString('\n')
	return strings.TrimSpace(line)
}

// NeedsSetup returns true if no provider has a client ID yet
func NeedsSetup(cfg *config.Config) bool {
	for _, ok := range cfg.Configured() {
		if ok {
			return false
		}
	}
	return true
}
