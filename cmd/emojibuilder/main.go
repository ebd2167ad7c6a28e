package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"git.home.luguber.info/inful/emojibuilder/cmd/emojibuilder/commands"
	ferrors "git.home.luguber.info/inful/emojibuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/emojibuilder/internal/version"
)

func main() {
	var cli commands.CLI
	global := &commands.Global{Out: os.Stdout}

	parser := kong.Parse(&cli,
		kong.Name("emojibuilder"),
		kong.Description("Incremental emoji font build orchestrator"),
		kong.UsageOnError(),
		kong.Vars{"version": version.String()},
		kong.Bind(global, &cli),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	parser.BindTo(ctx, (*context.Context)(nil))
	err := parser.Run()
	stop()

	code := ferrors.NewCLIErrorAdapter(cli.Verbose, slog.Default()).Handle(err)
	os.Exit(code)
}
