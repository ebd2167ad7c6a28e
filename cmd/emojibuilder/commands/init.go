package commands

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"git.home.luguber.info/inful/emojibuilder/internal/config"
	"git.home.luguber.info/inful/emojibuilder/internal/logfields"
)

// InitCmd implements the 'init' command.
type InitCmd struct {
	Force  bool   `help:"Overwrite existing configuration file"`
	Output string `short:"o" name:"output" help:"Directory for the generated config file"`
}

func (i *InitCmd) Run(g *Global, root *CLI) error {
	path := root.Config
	if i.Output != "" {
		path = filepath.Join(i.Output, config.DefaultPath)
	}
	g.Logger.Info("Initializing configuration", logfields.Path(path), slog.Bool("force", i.Force))
	if err := config.Init(path, i.Force); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(g.out(), "Wrote configuration to %s\n", path)
	return nil
}
