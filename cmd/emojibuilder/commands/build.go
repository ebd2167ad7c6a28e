package commands

import (
	"context"
	"fmt"
	"io"

	"git.home.luguber.info/inful/emojibuilder/internal/driver"
	ferrors "git.home.luguber.info/inful/emojibuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/emojibuilder/internal/metrics"
	"git.home.luguber.info/inful/emojibuilder/internal/producer/bundle"
)

// BuildCmd implements the 'build' command.
type BuildCmd struct {
	Full    bool   `help:"Reset the build directory first and prepare every source"`
	Strict  bool   `help:"Exit non-zero when any source failed to prepare"`
	Output  string `short:"o" help:"Override build.output"`
	Workers int    `short:"j" help:"Override build.workers"`
}

func (b *BuildCmd) Run(ctx context.Context, g *Global, root *CLI) error {
	cfg, err := g.loadConfig(root)
	if err != nil {
		return err
	}
	if b.Output != "" {
		cfg.Build.Output = b.Output
	}
	if b.Workers > 0 {
		cfg.Build.Workers = b.Workers
	}

	s, err := openSession(cfg, g.Logger, metrics.NoopRecorder{})
	if err != nil {
		return err
	}
	defer func() {
		_ = s.Close()
	}()

	if b.Full {
		if err := s.driver.Reset(ctx); err != nil {
			return err
		}
	}
	report, err := s.build(ctx)
	if report != nil {
		printSummary(g.out(), report, cfg.Build.Output)
	}
	if err != nil {
		return err
	}
	if b.Strict && len(report.Failed) > 0 {
		return ferrors.ProducerError(fmt.Sprintf("%d sources failed to prepare", len(report.Failed))).
			WithContext("failed", len(report.Failed)).
			Build()
	}
	return nil
}

func printSummary(w io.Writer, report *driver.Report[bundle.Glyph], output string) {
	_, _ = fmt.Fprintf(w, "Run %s: %s in %s\n", report.RunID, outcomeOf(report), report.Duration.Round(1e6))
	_, _ = fmt.Fprintf(w, "  items: %d  reused: %d  prepared: %d  failed: %d\n",
		len(report.Outcomes), len(report.Reused), len(report.Prepared), len(report.Failed))
	for _, key := range report.Failed {
		_, _ = fmt.Fprintf(w, "  failed %s: %v\n", key, report.Outcomes[key].Err)
	}
	if report.Succeeded() {
		_, _ = fmt.Fprintf(w, "  output: %s\n", output)
	}
	if report.PersistErr != nil {
		_, _ = fmt.Fprintf(w, "  warning: hash cache not saved, the cache on disk is out of date: %v\n", report.PersistErr)
	}
}
