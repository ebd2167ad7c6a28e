package commands

import (
	"context"
	"fmt"
	"text/tabwriter"

	"git.home.luguber.info/inful/emojibuilder/internal/hashcache"
	"git.home.luguber.info/inful/emojibuilder/internal/item"
)

// StatusCmd implements the 'status' command. It only reads the hash cache and
// the sources.
type StatusCmd struct {
	All bool `short:"a" help:"List fresh sources too"`
}

func (st *StatusCmd) Run(ctx context.Context, g *Global, root *CLI) error {
	cfg, err := g.loadConfig(root)
	if err != nil {
		return err
	}
	items, err := item.LoadDir(cfg.Sources.Dir, cfg.Sources.Pattern)
	if err != nil {
		return err
	}
	cache := hashcache.LoadFileWithLogger(cfg.Build.CacheFile, g.Logger)

	counts := make(map[string]int)
	tw := tabwriter.NewWriter(g.out(), 0, 4, 2, ' ', 0)
	for _, it := range items {
		if err := ctx.Err(); err != nil {
			return err
		}
		state := statusOf(cache, it)
		counts[state]++
		if state == hashcache.Fresh.String() && !st.All {
			continue
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\n", state, it.Key(), it.Label())
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(g.out(), "%d sources: %d fresh, %d stale, %d new, %d unreadable\n",
		len(items), counts[hashcache.Fresh.String()], counts[hashcache.Stale.String()],
		counts[statusNew], counts[statusUnreadable])
	return nil
}

const (
	statusNew        = "new"
	statusUnreadable = "unreadable"
)

func statusOf(cache *hashcache.Cache, it item.Item) string {
	if _, ok := cache.Lookup(it); !ok {
		return statusNew
	}
	s, err := cache.Check(it)
	if err != nil {
		return statusUnreadable
	}
	return s.String()
}
