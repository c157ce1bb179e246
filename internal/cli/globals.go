package cli

import (
	"os"

	"golang.org/x/term"
)

// Globals holds global flags available to all commands
type Globals struct {
	Output      string `help:"Output format" default:"auto" enum:"json,plain,rich,auto" short:"o" env:"GITAUTH_OUTPUT"`
	Verbose     bool   `help:"Verbose output" short:"v" env:"GITAUTH_VERBOSE"`
	LogJSON     bool   `help:"Write stderr logs as JSON" name:"log-json" env:"GITAUTH_LOG_JSON"`
	LogFile     string `help:"Append debug logs to this file" name:"log-file" type:"path" env:"GITAUTH_LOG_FILE"`
	ResultsOnly bool   `help:"Strip JSON envelope, return data array only" env:"GITAUTH_RESULTS_ONLY"`
	NoInput     bool   `help:"Disable interactive prompts (fail instead)" env:"GITAUTH_NO_INPUT"`
	Force       bool   `help:"Skip confirmation prompts for destructive operations" env:"GITAUTH_FORCE"`
	KeyBackend  string `help:"Vault key backend" name:"key-backend" enum:"keyring,native," default:"" env:"GITAUTH_KEY_BACKEND"`
	Vault       string `help:"Vault file path" type:"path" env:"GITAUTH_VAULT"`
	ConfigFile  string `help:"Config file path" name:"config-file" type:"path" env:"GITAUTH_CONFIG"`
}

// ResolvedOutput returns the effective output mode
// "auto" falls back to the configured default, then detects TTY:
// if stdout is TTY -> rich, else -> plain
func (g *Globals) ResolvedOutput(configured string) string {
	if g.Output != "" && g.Output != "auto" {
		return g.Output
	}
	if configured != "" && configured != "auto" {
		return configured
	}

	if term.IsTerminal(int(os.Stdout.Fd())) {
		return "rich"
	}

	return "plain"
}

// Interactive reports whether prompts may read from the terminal.
func (g *Globals) Interactive() bool {
	return !g.NoInput && term.IsTerminal(int(os.Stdin.Fd()))
}
