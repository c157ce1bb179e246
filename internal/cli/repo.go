package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/semmy-space/gitauth/internal/gitops"
	"github.com/semmy-space/gitauth/internal/output"
	"github.com/semmy-space/gitauth/internal/remote"
)

// RemoteDetectCmd implements the remote detect command
type RemoteDetectCmd struct {
	Repo   string `help:"Repository directory" default:"." type:"path" predictor:"dir"`
	Remote string `help:"Remote name" default:"origin"`
}

// Run executes the detect command
func (cmd *RemoteDetectCmd) Run(ctx context.Context, fp *FormatterProvider) error {
	info, err := remote.Detect(ctx, gitops.Repos{}, remote.Repo{Dir: cmd.Repo, Remote: cmd.Remote})
	if err != nil {
		return err
	}
	if info.Provider == "" {
		fmt.Fprintf(os.Stderr, "%s has no OAuth provider; store a token with: gitauth auth save %s --account <name>\n", info.Host, info.Host)
	}
	return fp.Formatter.Print(info)
}

// IdentityGetCmd implements the identity get command
type IdentityGetCmd struct {
	Repo string `help:"Repository directory" default:"." type:"path" predictor:"dir"`
}

// Run executes the identity get command
func (cmd *IdentityGetCmd) Run(fp *FormatterProvider) error {
	id, err := gitops.GetIdentity(cmd.Repo)
	if err != nil {
		return err
	}
	if !id.Complete() {
		fmt.Fprintf(os.Stderr, "Identity incomplete; run: gitauth identity set --name <name> --email <email>\n")
	}
	return fp.Formatter.Print(id)
}

// IdentitySetCmd implements the identity set command
type IdentitySetCmd struct {
	Repo    string `help:"Repository directory" default:"." type:"path" predictor:"dir"`
	Name    string `help:"user.name"`
	Email   string `help:"user.email"`
	IfUnset bool   `help:"Only fill in values that are not configured yet" name:"if-unset"`
}

// Run executes the identity set command
func (cmd *IdentitySetCmd) Run(fp *FormatterProvider) error {
	want := gitops.Identity{Name: cmd.Name, Email: cmd.Email}
	if want == (gitops.Identity{}) {
		return &output.CLIError{
			Message:  "Nothing to set",
			ExitCode: output.ExitUsage,
			Hint:     "Pass --name and/or --email",
		}
	}

	if cmd.IfUnset {
		id, err := gitops.EnsureIdentity(cmd.Repo, want)
		if err != nil {
			return err
		}
		return fp.Formatter.Print(id)
	}

	if err := gitops.SetIdentity(cmd.Repo, want); err != nil {
		return err
	}
	id, err := gitops.GetIdentity(cmd.Repo)
	if err != nil {
		return err
	}
	return fp.Formatter.Print(id)
}
