package commands

import (
	"context"
	"errors"
	"fmt"
	"os"

	ferrors "git.home.luguber.info/inful/emojibuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/emojibuilder/internal/logfields"
	"git.home.luguber.info/inful/emojibuilder/internal/metrics"
)

// ResetCmd implements the 'reset' command.
type ResetCmd struct{}

func (r *ResetCmd) Run(ctx context.Context, g *Global, root *CLI) error {
	cfg, err := g.loadConfig(root)
	if err != nil {
		return err
	}
	s, err := openSession(cfg, g.Logger, metrics.NoopRecorder{})
	if err != nil {
		return err
	}
	defer func() {
		_ = s.Close()
	}()

	if err := s.driver.Reset(ctx); err != nil {
		return err
	}
	if err := os.Remove(cfg.Build.CacheFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return ferrors.WrapError(err, ferrors.CategoryCache, "remove hash cache").
			WithContext("path", cfg.Build.CacheFile).
			Build()
	}
	g.Logger.Debug("Removed hash cache", logfields.Path(cfg.Build.CacheFile))
	_, _ = fmt.Fprintf(g.out(), "Reset %s\n", cfg.Build.Dir)
	return nil
}
