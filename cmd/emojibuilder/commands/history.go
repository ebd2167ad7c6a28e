package commands

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"git.home.luguber.info/inful/emojibuilder/internal/history"
)

// HistoryCmd implements the 'history' command.
type HistoryCmd struct {
	Limit int    `short:"n" help:"Number of runs to show" default:"20"`
	RunID string `arg:"" optional:"" name:"run-id" help:"Show the failures of a single run"`
}

func (h *HistoryCmd) Run(ctx context.Context, g *Global, root *CLI) error {
	cfg, err := g.loadConfig(root)
	if err != nil {
		return err
	}
	store, err := history.Open(cfg.History.Path)
	if err != nil {
		return err
	}
	defer func() {
		_ = store.Close()
	}()

	if h.RunID != "" {
		run, err := store.Get(ctx, h.RunID)
		if err != nil {
			return err
		}
		printRun(g, run)
		return nil
	}

	runs, err := store.Recent(ctx, h.Limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		_, _ = fmt.Fprintln(g.out(), "No runs recorded")
		return nil
	}
	tw := tabwriter.NewWriter(g.out(), 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "RUN\tSTARTED\tDURATION\tOUTCOME\tITEMS\tREUSED\tPREPARED\tFAILED")
	for _, run := range runs {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%d\n",
			run.ID, run.StartedAt.Local().Format(time.DateTime), run.Duration.Round(time.Millisecond),
			run.Outcome, run.Items, run.Reused, run.Prepared, run.Failed)
	}
	return tw.Flush()
}

func printRun(g *Global, run history.Run) {
	w := g.out()
	_, _ = fmt.Fprintf(w, "Run %s (%s, state %s)\n", run.ID, run.Outcome, run.State)
	_, _ = fmt.Fprintf(w, "  started %s, took %s\n", run.StartedAt.Local().Format(time.DateTime), run.Duration.Round(time.Millisecond))
	_, _ = fmt.Fprintf(w, "  items: %d  reused: %d  prepared: %d  failed: %d\n", run.Items, run.Reused, run.Prepared, run.Failed)
	if len(run.Failures) > 0 {
		_, _ = fmt.Fprintf(w, "  failures: %s\n", strings.Join(run.Failures, ", "))
	}
	if run.Error != "" {
		_, _ = fmt.Fprintf(w, "  error: %s\n", run.Error)
	}
}
