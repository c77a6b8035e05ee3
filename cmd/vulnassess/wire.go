package main

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/waftester/vulnassess/pkg/assessment"
	"github.com/waftester/vulnassess/pkg/cve"
	"github.com/waftester/vulnassess/pkg/history"
	"github.com/waftester/vulnassess/pkg/hooks"
)

// openCVEStore builds the knowledge store from the cache file and, when
// configured, refreshes it from the feed. A missing cache is not an error.
func (a *app) openCVEStore(ctx context.Context, d *hooks.Dispatcher) *cve.Store {
	c := a.cfg.CVE
	opts := cve.Options{TTL: c.TTL, Logger: a.logger}
	if c.FeedURL != "" {
		feed := cve.NewHTTPFeed(c.FeedURL, c.APIKey)
		feed.Logger = a.logger
		opts.Feed = feed
	}
	store := cve.NewStore(opts)
	if c.CacheFile != "" {
		if err := store.LoadFile(c.CacheFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			a.logger.Warn("ignoring unreadable cve cache", slog.String("path", c.CacheFile), slog.String("error", err.Error()))
		}
	}
	if c.SyncOnStart && opts.Feed != nil {
		_, _ = a.syncCVE(ctx, store, d)
	}
	return store
}

// syncCVE pulls changes since the last sync, saves the cache on success and
// reports the outcome as a cve_sync event.
func (a *app) syncCVE(ctx context.Context, store *cve.Store, d *hooks.Dispatcher) (int, error) {
	n, err := store.Sync(ctx, store.LastSync())
	ev := hooks.Event{Type: hooks.EventCVESync, At: time.Now(), Updated: n}
	if err != nil {
		ev.Error = err.Error()
	} else if path := a.cfg.CVE.CacheFile; path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return n, err
		}
		if err := store.SaveFile(path); err != nil {
			return n, err
		}
	}
	d.Dispatch(ctx, ev)
	return n, err
}

// openHistory opens the run store and applies the retention policy.
func (a *app) openHistory() (*history.Store, error) {
	store, err := history.NewStore(a.cfg.History.Dir)
	if err != nil {
		return nil, err
	}
	if r := a.cfg.History.Retention; r > 0 {
		if n, err := store.Prune(r); err != nil {
			a.logger.Warn("history prune failed", slog.String("error", err.Error()))
		} else if n > 0 {
			a.logger.Info("pruned old runs", slog.Int("removed", n))
		}
	}
	return store, nil
}

// newEngine wires the configured engine to a CVE store, a run store and an
// event dispatcher.
func (a *app) newEngine(store *cve.Store, runs assessment.RunStore, d *hooks.Dispatcher) (*assessment.Engine, error) {
	ec, err := a.cfg.Engine()
	if err != nil {
		return nil, err
	}
	ec.CVE = store
	return assessment.New(ec,
		assessment.WithLogger(a.logger),
		assessment.WithStore(runs),
		assessment.WithHooks(d),
	)
}
