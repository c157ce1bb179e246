package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"golang.org/x/term"

	"github.com/semmy-space/gitauth/internal/auth"
	"github.com/semmy-space/gitauth/internal/autherr"
	"github.com/semmy-space/gitauth/internal/config"
	"github.com/semmy-space/gitauth/internal/credential"
	"github.com/semmy-space/gitauth/internal/output"
	"github.com/semmy-space/gitauth/internal/provider"
	"github.com/semmy-space/gitauth/internal/remote"
	"github.com/semmy-space/gitauth/internal/vault"
)

// AuthLoginCmd implements the auth login command
type AuthLoginCmd struct {
	Provider string `arg:"" help:"Provider to sign in to (github, bitbucket)" predictor:"provider"`
	Account  string `help:"Account to store the credential under" short:"a"`
	Manual   bool   `help:"Manual paste mode (no browser)" short:"m"`
}

// Run executes the login command
func (cmd *AuthLoginCmd) Run(ctx context.Context, cfg *config.Config, sp *ServiceProvider, fp *FormatterProvider, globals *Globals) error {
	id, err := provider.Parse(cmd.Provider)
	if err != nil {
		return &output.CLIError{Message: err.Error(), ExitCode: output.ExitUsage}
	}

	desc, err := cfg.Provider(id)
	if err != nil {
		return err
	}
	if err := auth.CheckClient(desc); err != nil {
		return &output.CLIError{
			Message:  err.Error(),
			ExitCode: output.ExitConfigError,
			Hint:     "Run: gitauth setup",
		}
	}
	if cmd.Manual && globals.NoInput {
		return &output.CLIError{
			Message:  "--manual needs to read the redirect URL; remove --no-input",
			ExitCode: output.ExitUsage,
		}
	}

	var svc *credential.Service
	if cmd.Manual {
		svc, err = sp.ManualCredentials()
	} else {
		svc, err = sp.Credentials()
	}
	if err != nil {
		return err
	}

	acct, err := svc.SignIn(ctx, id, cmd.Account)
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "✓ Signed in to %s as %s\n", desc.Name, acct.Account)
	if acct.ExpiresAt != nil {
		fmt.Fprintf(os.Stderr, "Token expires: %s\n", output.FormatValue(acct.ExpiresAt))
	}
	fmt.Fprintf(os.Stderr, "Credentials stored in %s\n", sp.VaultPath())
	return fp.Formatter.Print(acct)
}

// AuthLogoutCmd implements the auth logout command
type AuthLogoutCmd struct {
	Target  string `arg:"" help:"Provider or host (github, bitbucket, git.example.com)" predictor:"provider"`
	Account string `help:"Account to remove" short:"a"`
	All     bool   `help:"Remove every account stored for the host"`
}

// Run executes the logout command
func (cmd *AuthLogoutCmd) Run(ctx context.Context, sp *ServiceProvider, globals *Globals) error {
	svc, err := sp.Credentials()
	if err != nil {
		return err
	}
	host := hostFor(cmd.Target)

	var accounts []string
	if cmd.All {
		accounts, err = svc.Accounts(ctx, host)
		if err != nil {
			return err
		}
	} else {
		account, err := resolveAccount(ctx, svc, host, cmd.Account)
		if err != nil {
			return err
		}
		accounts = []string{account}
	}

	if len(accounts) == 0 {
		fmt.Fprintf(os.Stderr, "Nothing stored for %s\n", host)
		return nil
	}

	if !globals.Force && globals.Interactive() {
		ok := confirm(os.Stdin, os.Stderr, fmt.Sprintf("Remove %d credential(s) for %s (%s)? [y/N]: ", len(accounts), host, strings.Join(accounts, ", ")))
		if !ok {
			return &output.CLIError{Message: "Aborted", ExitCode: output.ExitGeneral}
		}
	}

	for _, account := range accounts {
		if err := svc.SignOut(ctx, host, account); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Removed %s:%s\n", host, account)
	}
	return nil
}

// AuthListCmd implements the auth list command
type AuthListCmd struct {
	Host  string `arg:"" optional:"" help:"Only list accounts for this provider or host"`
	Check bool   `help:"Refresh OAuth tokens to confirm they are still usable" short:"c"`
}

type accountRow struct {
	credential.Account
	Valid string `json:"valid,omitempty"`
}

// Run executes the list command
func (cmd *AuthListCmd) Run(ctx context.Context, cfg *config.Config, sp *ServiceProvider, fp *FormatterProvider) error {
	svc, err := sp.Credentials()
	if err != nil {
		return err
	}

	accounts, err := svc.List(ctx)
	if err != nil {
		return err
	}

	host := ""
	if cmd.Host != "" {
		host = hostFor(cmd.Host)
	}

	rows := make([]accountRow, 0, len(accounts))
	for _, a := range accounts {
		if host != "" && a.Host != host {
			continue
		}
		row := accountRow{Account: a}
		if cmd.Check {
			row.Valid = checkAccount(ctx, svc, a)
		}
		rows = append(rows, row)
	}

	if len(rows) == 0 {
		fmt.Fprintf(os.Stderr, "No stored accounts found\n")
		if NeedsSetup(cfg) {
			fmt.Fprintf(os.Stderr, "Run 'gitauth setup' to register an OAuth app first\n")
		} else {
			fmt.Fprintf(os.Stderr, "Run 'gitauth auth login <provider>' to sign in\n")
		}
		return nil
	}

	cols := []output.Column{
		{Name: "HOST", Key: "Host"},
		{Name: "ACCOUNT", Key: "Account", Width: 32},
		{Name: "KIND", Key: "Kind"},
		{Name: "PROVIDER", Key: "Provider"},
		{Name: "EXPIRES", Key: "ExpiresAt"},
		{Name: "REFRESHABLE", Key: "Refreshable"},
	}
	if cmd.Check {
		cols = append(cols, output.Column{Name: "VALID", Key: "Valid"})
	}

	return fp.Formatter.PrintList(rows, cols)
}

func checkAccount(ctx context.Context, svc *credential.Service, a credential.Account) string {
	_, err := svc.LoadCredential(ctx, a.Host, a.Account)
	switch {
	case err == nil:
		return "yes"
	case autherr.IsAuth(err):
		return "reauth"
	default:
		return "error"
	}
}

// RemoteFlags select the remote a command resolves a credential for.
type RemoteFlags struct {
	Repo    string `help:"Repository directory" default:"." type:"path"`
	Remote  string `help:"Remote name" default:"origin"`
	URL     string `help:"Remote URL, instead of reading it from --repo" name:"url"`
	Account string `help:"Only consider this account" short:"a"`
}

func (f *RemoteFlags) resolve(ctx context.Context, svc *credential.Service) (remote.Info, error) {
	if f.URL != "" {
		return remote.Resolve(f.URL)
	}
	return svc.DetectRemote(ctx, remote.Repo{Dir: f.Repo, Remote: f.Remote})
}

// AuthStatusCmd implements the auth status command
type AuthStatusCmd struct {
	RemoteFlags
}

type statusView struct {
	URL       string            `json:"url"`
	Host      string            `json:"host"`
	Provider  provider.ID       `json:"provider,omitempty"`
	Account   string            `json:"account"`
	Scheme    credential.Scheme `json:"scheme"`
	Principal string            `json:"principal,omitempty"`
}

// Run executes the status command
func (cmd *AuthStatusCmd) Run(ctx context.Context, sp *ServiceProvider, fp *FormatterProvider) error {
	svc, err := sp.Credentials()
	if err != nil {
		return err
	}

	info, err := cmd.resolve(ctx, svc)
	if err != nil {
		return err
	}

	cred, err := svc.CredentialForRemote(ctx, info.URL, cmd.Account)
	if err != nil {
		return err
	}
	if cred == nil {
		return &output.CLIError{
			Message:  fmt.Sprintf("No credential stored for %s", info.Host),
			ExitCode: output.ExitNotFound,
			Hint:     loginHint(info.Host),
		}
	}

	return fp.Formatter.Print(statusView{
		URL:       info.URL,
		Host:      cred.Host,
		Provider:  cred.Provider,
		Account:   cred.Account,
		Scheme:    cred.Scheme,
		Principal: cred.Principal,
	})
}

// AuthTestCmd implements the auth test command
type AuthTestCmd struct {
	RemoteFlags
}

// Run executes the test command
func (cmd *AuthTestCmd) Run(ctx context.Context, sp *ServiceProvider, fp *FormatterProvider) error {
	svc, err := sp.Credentials()
	if err != nil {
		return err
	}

	info, err := cmd.resolve(ctx, svc)
	if err != nil {
		return err
	}

	account := cmd.Account
	if account == "" {
		cred, err := svc.CredentialForRemote(ctx, info.URL, "")
		if err != nil {
			return err
		}
		if cred == nil {
			return &output.CLIError{
				Message:  fmt.Sprintf("No credential stored for %s", info.Host),
				ExitCode: output.ExitNotFound,
				Hint:     loginHint(info.Host),
			}
		}
		account = cred.Account
	}

	result := svc.TestCredential(ctx, info.Host, account, info.URL)
	if err := fp.Formatter.Print(result); err != nil {
		return err
	}
	if result.OK {
		return nil
	}

	cliErr := &output.CLIError{Message: result.Error, ExitCode: output.ExitGeneral}
	if result.ReauthRequired {
		cliErr.ExitCode = output.ExitAuth
		cliErr.Hint = loginHint(info.Host)
	}
	return cliErr
}

// AuthTokenCmd implements the auth token command
type AuthTokenCmd struct {
	Target  string `arg:"" help:"Provider or host" predictor:"provider"`
	Account string `help:"Account to read" short:"a"`
}

// Run executes the token command
func (cmd *AuthTokenCmd) Run(ctx context.Context, sp *ServiceProvider) error {
	svc, err := sp.Credentials()
	if err != nil {
		return err
	}
	host := hostFor(cmd.Target)

	account, err := resolveAccount(ctx, svc, host, cmd.Account)
	if err != nil {
		return err
	}

	cred, err := svc.LoadCredential(ctx, host, account)
	if err != nil {
		return err
	}
	if cred == nil {
		return &output.CLIError{
			Message:  fmt.Sprintf("No credential stored for %s:%s", host, account),
			ExitCode: output.ExitNotFound,
			Hint:     loginHint(host),
		}
	}

	fmt.Fprintln(os.Stdout, cred.Secret)
	return nil
}

// AuthSaveCmd implements the auth save command
type AuthSaveCmd struct {
	Host       string `arg:"" help:"Git host the token is for" predictor:"provider"`
	Account    string `help:"Account the token belongs to" short:"a" required:""`
	Kind       string `help:"Credential kind" enum:"basic,bearer" default:"basic"`
	TokenStdin bool   `help:"Read the token from stdin instead of prompting" name:"token-stdin"`
}

// Run executes the save command
func (cmd *AuthSaveCmd) Run(ctx context.Context, sp *ServiceProvider, globals *Globals) error {
	var (
		token string
		err   error
	)
	switch {
	case cmd.TokenStdin:
		token, err = readLine(os.Stdin)
	case globals.Interactive():
		token, err = readSecret(fmt.Sprintf("Token for %s:%s: ", hostFor(cmd.Host), cmd.Account))
	default:
		return &output.CLIError{
			Message:  "No terminal to prompt for the token",
			ExitCode: output.ExitUsage,
			Hint:     "Pipe it in with --token-stdin",
		}
	}
	if err != nil {
		return err
	}

	svc, err := sp.Credentials()
	if err != nil {
		return err
	}
	host := hostFor(cmd.Host)
	if err := svc.SaveToken(ctx, host, cmd.Account, vault.Kind(cmd.Kind), token); err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "✓ Saved %s credential for %s:%s\n", cmd.Kind, host, cmd.Account)
	return nil
}

// hostFor accepts a provider name or a bare host.
func hostFor(target string) string {
	if id, err := provider.Parse(target); err == nil {
		return provider.Defaults[id].Host
	}
	return strings.ToLower(strings.TrimSpace(target))
}

// resolveAccount picks the account a host-scoped command acts on when the
// user did not name one: the only stored account, else the provider's
// default identity if it is stored.
func resolveAccount(ctx context.Context, svc *credential.Service, host, account string) (string, error) {
	if account != "" {
		return account, nil
	}

	accounts, err := svc.Accounts(ctx, host)
	if err != nil {
		return "", err
	}
	switch len(accounts) {
	case 0:
		return "", &output.CLIError{
			Message:  fmt.Sprintf("No credential stored for %s", host),
			ExitCode: output.ExitNotFound,
			Hint:     loginHint(host),
		}
	case 1:
		return accounts[0], nil
	}

	if id, ok := provider.ForHost(host); ok {
		if def := provider.Defaults[id].DefaultAccount; def != "" && slices.Contains(accounts, def) {
			return def, nil
		}
	}
	return "", &output.CLIError{
		Message:  fmt.Sprintf("Several accounts stored for %s: %s", host, strings.Join(accounts, ", ")),
		ExitCode: output.ExitUsage,
		Hint:     "Pass --account",
	}
}

func loginHint(host string) string {
	if id, ok := provider.ForHost(host); ok {
		return fmt.Sprintf("Run: gitauth auth login %s", id)
	}
	return fmt.Sprintf("Run: gitauth auth save %s --account <name>", host)
}

// confirm asks a yes/no question, defaulting to no.
func confirm(in io.Reader, out io.Writer, question string) bool {
	fmt.Fprint(out, question)
	line, _ := bufio.NewReader(in).ReadString('\n')
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}

func readLine(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	return strings.TrimSpace(line), nil
}

func readSecret(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read token: %w", err)
	}
	return strings.TrimSpace(string(b)), nil
}
