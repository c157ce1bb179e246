package cli

import (
	"fmt"

	"github.com/alecthomas/kong"
	"github.com/willabides/kongplete"

	"github.com/semmy-space/gitauth/internal/config"
	"github.com/semmy-space/gitauth/internal/log"
	"github.com/semmy-space/gitauth/internal/output"
)

// FormatterProvider wraps the formatter interface for Kong binding
type FormatterProvider struct {
	Formatter output.Formatter
}

// CLI is the root command structure
type CLI struct {
	Globals

	Auth               AuthCmd                      `cmd:"" help:"Sign in, sign out and inspect stored credentials"`
	Remote             RemoteCmd                    `cmd:"" help:"Inspect repository remotes"`
	Identity           IdentityCmd                  `cmd:"" help:"Read or set the committer identity of a repository"`
	CredentialHelper   CredentialHelperCmd          `cmd:"" name:"credential-helper" help:"git credential helper (get, store, erase)"`
	Config             ConfigCmd                    `cmd:"" help:"Configuration commands"`
	Setup              SetupCmd                     `cmd:"" help:"Interactive first-run setup"`
	InstallCompletions kongplete.InstallCompletions `cmd:"" help:"Install shell completions"`
	Schema             SchemaCmd                    `cmd:"" help:"Print the command tree as JSON"`
	Version            VersionCmd                   `cmd:"" help:"Show version information"`
}

// AfterApply runs once flags are parsed. It loads config, starts logging,
// creates the formatter, and binds dependencies.
func (c *CLI) AfterApply(ctx *kong.Context) error {
	var (
		cfg *config.Config
		err error
	)
	if c.ConfigFile != "" {
		cfg, err = config.LoadFrom(c.ConfigFile)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return &output.CLIError{
			ExitCode: output.ExitConfigError,
			Message:  err.Error(),
			Hint:     fmt.Sprintf("Fix or remove %s", config.ConfigPath()),
			Err:      err,
		}
	}

	logFile := c.LogFile
	if logFile == "" {
		logFile = cfg.LogFile
	}
	logger, err := log.Init(log.Options{Verbose: c.Verbose, JSON: c.LogJSON, File: logFile})
	if err != nil {
		return err
	}

	formatter := &FormatterProvider{
		Formatter: output.NewWriter(c.ResolvedOutput(cfg.DefaultOutput), c.ResultsOnly, ctx.Stdout, ctx.Stderr),
	}

	ctx.Bind(cfg)
	ctx.Bind(formatter)
	ctx.Bind(&c.Globals)
	ctx.Bind(logger)
	ctx.Bind(NewServiceProvider(cfg, &c.Globals, logger))

	return nil
}

// AuthCmd holds authentication subcommands
type AuthCmd struct {
	Login  AuthLoginCmd  `cmd:"" help:"Sign in to GitHub or Bitbucket with the browser"`
	Logout AuthLogoutCmd `cmd:"" help:"Remove a stored credential"`
	List   AuthListCmd   `cmd:"" help:"List stored accounts"`
	Status AuthStatusCmd `cmd:"" help:"Show the credential a remote would use"`
	Test   AuthTestCmd   `cmd:"" help:"Check a stored credential against a remote"`
	Token  AuthTokenCmd  `cmd:"" help:"Print a usable access token, refreshing if needed"`
	Save   AuthSaveCmd   `cmd:"" help:"Store a personal access token, app password or bearer token"`
}

// RemoteCmd holds remote subcommands
type RemoteCmd struct {
	Detect RemoteDetectCmd `cmd:"" help:"Resolve the host and provider of a repository remote"`
}

// IdentityCmd holds identity subcommands
type IdentityCmd struct {
	Get IdentityGetCmd `cmd:"" help:"Show user.name and user.email"`
	Set IdentitySetCmd `cmd:"" help:"Set user.name and user.email"`
}

// CredentialHelperCmd implements the git credential helper protocol
type CredentialHelperCmd struct {
	Get   HelperGetCmd   `cmd:"" help:"Answer a credential request"`
	Store HelperStoreCmd `cmd:"" help:"Acknowledge a credential git used successfully"`
	Erase HelperEraseCmd `cmd:"" help:"Forget a credential git saw rejected"`
}

// ConfigCmd holds configuration subcommands
type ConfigCmd struct {
	Get   ConfigGetCmd        `cmd:"" help:"Get a configuration value"`
	Set   ConfigSetCmd        `cmd:"" help:"Set a configuration value"`
	Unset ConfigUnsetCmd      `cmd:"" help:"Remove a configuration value"`
	List  ConfigListConfigCmd `cmd:"" name:"list" help:"List all configuration values"`
	Path  ConfigPathCmd       `cmd:"" help:"Show config file path"`
}

// VersionCmd shows version information
type VersionCmd struct{}

func (cmd *VersionCmd) Run(ctx *kong.Context) error {
	version := ctx.Model.Vars()["version"]
	fmt.Fprintln(ctx.Stdout, "gitauth version "+version)
	return nil
}
