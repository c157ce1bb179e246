package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/willabides/kongplete"

	"github.com/semmy-space/gitauth/internal/cli"
	"github.com/semmy-space/gitauth/internal/log"
	"github.com/semmy-space/gitauth/internal/output"
)

var (
	version = "dev"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx)
	stop()
	log.Close()
	os.Exit(code)
}

func run(ctx context.Context) int {
	cliInstance := &cli.CLI{}
	parser := kong.Must(cliInstance,
		kong.Name("gitauth"),
		kong.Description("Credential vault and OAuth sign-in for git remotes on GitHub and Bitbucket"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
		kong.Vars{
			"version": version,
		},
		kong.BindTo(ctx, (*context.Context)(nil)),
	)

	predictors := make([]kongplete.Option, 0)
	for name, p := range cli.Predictors() {
		predictors = append(predictors, kongplete.WithPredictor(name, p))
	}
	kongplete.Complete(parser, predictors...)

	kctx, err := parser.Parse(os.Args[1:])
	if err != nil {
		var cliErr *output.CLIError
		if !errors.As(err, &cliErr) {
			parser.FatalIfErrorf(err)
		}
		return output.ExitWithError(output.New("plain"), err)
	}

	// Run command with bound dependencies
	if err := kctx.Run(); err != nil {
		formatter := output.New(cliInstance.ResolvedOutput(""))
		return output.ExitWithError(formatter, err)
	}
	return output.ExitOK
}
