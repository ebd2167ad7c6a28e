package commands

import (
	"context"
	"errors"
	"net/http"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"

	"git.home.luguber.info/inful/emojibuilder/internal/logfields"
	"git.home.luguber.info/inful/emojibuilder/internal/metrics"
	"git.home.luguber.info/inful/emojibuilder/internal/watch"
)

// WatchCmd implements the 'watch' command.
type WatchCmd struct {
	MetricsAddr string        `name:"metrics-addr" help:"Serve Prometheus metrics on this address (overrides metrics.addr and enables metrics)"`
	Interval    time.Duration `help:"Override watch.interval"`
}

func (w *WatchCmd) Run(ctx context.Context, g *Global, root *CLI) error {
	cfg, err := g.loadConfig(root)
	if err != nil {
		return err
	}
	if w.MetricsAddr != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Addr = w.MetricsAddr
	}
	if w.Interval > 0 {
		cfg.Watch.Interval = w.Interval
	}

	var recorder metrics.Recorder = metrics.NoopRecorder{}
	if cfg.Metrics.Enabled {
		reg := prom.NewRegistry()
		recorder = metrics.NewPrometheusRecorder(reg)
		stop := serveMetrics(g, cfg.Metrics.Addr, reg)
		defer stop()
	}

	s, err := openSession(cfg, g.Logger, recorder)
	if err != nil {
		return err
	}
	defer func() {
		_ = s.Close()
	}()

	watcher, err := watch.New(watch.Options{
		Dir:      cfg.Sources.Dir,
		Pattern:  cfg.Sources.Pattern,
		Debounce: cfg.Watch.Debounce,
		Interval: cfg.Watch.Interval,
		Logger:   g.Logger,
	}, func(ctx context.Context, trigger watch.Trigger) error {
		g.Logger.Info("Rebuilding", logfields.Event(string(trigger)))
		report, err := s.build(ctx)
		if report != nil {
			printSummary(g.out(), report, cfg.Build.Output)
		}
		if canceled(err) {
			return nil
		}
		return err
	})
	if err != nil {
		return err
	}
	return watcher.Run(ctx)
}

// serveMetrics starts the metrics endpoint and returns a function that shuts
// it down.
func serveMetrics(g *Global, addr string, reg *prom.Registry) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.HTTPHandler(reg))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		g.Logger.Info("Serving metrics", logfields.Addr(addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.Logger.Error("Metrics server failed", logfields.Error(err))
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			g.Logger.Warn("Metrics server shutdown failed", logfields.Error(err))
		}
	}
}
