// Package commands implements the emojibuilder command tree.
package commands

import (
	"io"
	"log/slog"
	"os"

	"github.com/alecthomas/kong"

	"git.home.luguber.info/inful/emojibuilder/internal/config"
	"git.home.luguber.info/inful/emojibuilder/internal/logfields"
)

// LogLevelEnv overrides the configured log level.
const LogLevelEnv = "EMOJIBUILDER_LOG_LEVEL"

// Global is bound into every command.
type Global struct {
	Logger *slog.Logger
	// Out receives command output meant for the user. Logs go to stderr.
	Out io.Writer
}

// CLI definition & global flags.
type CLI struct {
	Config  string           `short:"c" help:"Configuration file path" default:"emojibuilder.yaml" type:"path"`
	Verbose bool             `short:"v" help:"Enable verbose logging"`
	Version kong.VersionFlag `name:"version" help:"Show version and exit"`

	Build   BuildCmd   `cmd:"" help:"Build the emoji bundle, preparing only changed sources"`
	Reset   ResetCmd   `cmd:"" help:"Empty the build directory and forget every cached hash"`
	Status  StatusCmd  `cmd:"" help:"Show which sources changed since the last build"`
	Watch   WatchCmd   `cmd:"" help:"Rebuild whenever sources change"`
	History HistoryCmd `cmd:"" help:"List recent build runs"`
	Init    InitCmd    `cmd:"" help:"Initialize a new configuration file"`
}

// AfterApply runs after flag parsing and sets up logging from the flags and
// the environment. Commands that load a configuration refine it.
// nolint:unparam // AfterApply currently never returns an error.
func (c *CLI) AfterApply(g *Global) error {
	level := config.LogLevelInfo
	if raw := os.Getenv(LogLevelEnv); raw != "" {
		level = config.NormalizeLogLevel(raw)
	}
	if c.Verbose {
		level = config.LogLevelDebug
	}
	g.setLogger(newLogger(os.Stderr, level, config.LogFormatText))
	return nil
}

func (g *Global) setLogger(logger *slog.Logger) {
	g.Logger = logger
	slog.SetDefault(logger)
}

func (g *Global) out() io.Writer {
	if g.Out == nil {
		return os.Stdout
	}
	return g.Out
}

func newLogger(w io.Writer, level config.LogLevel, format config.LogFormat) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level.Slog()}
	if format == config.LogFormatJSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// loadConfig loads the configuration named by the root flags and applies its
// logging section. The -v flag and the environment still win.
func (g *Global) loadConfig(root *CLI) (*config.Config, error) {
	cfg, err := config.Load(root.Config)
	if err != nil {
		return nil, err
	}
	level := cfg.Log.Level
	if raw := os.Getenv(LogLevelEnv); raw != "" {
		level = config.NormalizeLogLevel(raw)
	}
	if root.Verbose {
		level = config.LogLevelDebug
	}
	g.setLogger(newLogger(os.Stderr, level, cfg.Log.Format))
	g.Logger.Debug("Loaded configuration", logfields.Path(root.Config))
	return cfg, nil
}
