package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tonimelisma/docsync/internal/config"
	"github.com/tonimelisma/docsync/internal/query"
	"github.com/tonimelisma/docsync/internal/realtime"
	"github.com/tonimelisma/docsync/internal/remote"
)

// eventDebounce coalesces bursts of change notifications for a collection
// into one sync.
const eventDebounce = 500 * time.Millisecond

func newWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Keep collections in sync until interrupted",
		Long: `Sync sync.collections at startup and whenever the server reports a change,
the poll interval elapses, the config file changes, or the process receives
SIGHUP ('docsync notify'). Only one watcher runs per data directory.`,
		Args: cobra.NoArgs,
		RunE: runWatch,
	}

	cmd.Flags().Duration("interval", 5*time.Minute, "poll interval; 0 disables polling")

	return cmd
}

func newNotifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "notify",
		Short:       "Ask the running watcher to sync now",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{skipConfigAnnotation: "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())

			pid, err := notifyWatcher(config.PIDFilePath())
			if err != nil {
				return err
			}

			cc.Statusf("Sent sync request to watcher (PID %d).\n", pid)

			return nil
		},
	}
}

// watcher owns the engine session of a running watch. Only its loop
// goroutine touches the session, so config swaps need no locking.
type watcher struct {
	cc       *CLIContext
	sess     *EngineSession
	interval time.Duration

	changes  chan string
	reloads  chan *config.Config
	hangups  <-chan struct{}
	dirty    map[string]bool
	debounce *time.Timer
}

func runWatch(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	release, err := lockPIDFile(config.PIDFilePath())
	if err != nil {
		return err
	}
	defer release()

	sess, err := OpenEngineSession(ctx, cc)
	if err != nil {
		return err
	}
	defer sess.Close()

	if err := sess.RequireServer(); err != nil {
		return err
	}

	if len(cc.Cfg.Sync.Collections) == 0 {
		return errors.New("nothing to watch: set sync.collections")
	}

	interval, _ := cmd.Flags().GetDuration("interval")

	w := &watcher{
		cc:       cc,
		sess:     sess,
		interval: interval,
		changes:  make(chan string, 64),
		reloads:  make(chan *config.Config, 1),
		hangups:  hangupSignals(ctx),
		dirty:    make(map[string]bool),
	}

	holder := config.NewHolder(cc.Cfg, cc.CfgPath)
	cli := cliOverrides(cmd, cc.Flags)

	g, gctx := errgroup.WithContext(ctx)

	if _, err := os.Stat(filepath.Dir(cc.CfgPath)); err == nil {
		g.Go(func() error {
			return holder.Watch(gctx,
				func() (*config.Config, error) { return config.Resolve(cc.Env, cli) },
				func(cfg *config.Config) {
					select {
					case w.reloads <- cfg:
					case <-gctx.Done():
					}
				},
				cc.Logger,
			)
		})
	} else {
		cc.Logger.Info("config directory missing, not watching for changes", slog.String("path", cc.CfgPath))
	}

	if url := cc.Cfg.Server.RealtimeURL; url != "" {
		sub := realtime.NewSubscriber(url, remote.TokenSourceFromPath(config.SessionPath()),
			cc.Cfg.Sync.Collections, cc.Logger)

		g.Go(func() error {
			return sub.Run(gctx, w.onEvent(gctx))
		})
	} else {
		cc.Logger.Info("no realtime_url configured, relying on polling")
	}

	g.Go(func() error {
		return w.loop(gctx)
	})

	cc.Statusf("Watching %d %s. Press Ctrl-C to stop.\n",
		len(cc.Cfg.Sync.Collections), plural(len(cc.Cfg.Sync.Collections), "collection"))

	if err := g.Wait(); err != nil {
		return err
	}

	cc.Statusf("Watcher stopped.\n")

	return nil
}

// onEvent forwards change notifications for watched collections.
func (w *watcher) onEvent(ctx context.Context) realtime.Handler {
	return func(ev realtime.Event) {
		w.cc.Logger.Debug("change notification",
			slog.String("collection", ev.Collection),
			slog.String("event", ev.Event),
			slog.String("id", ev.ID),
		)

		select {
		case w.changes <- ev.Collection:
		case <-ctx.Done():
		}
	}
}

func (w *watcher) loop(ctx context.Context) error {
	w.syncAll(ctx, "startup")

	var tick <-chan time.Time

	if w.interval > 0 {
		t := time.NewTicker(w.interval)
		defer t.Stop()

		tick = t.C
	}

	w.debounce = time.NewTimer(eventDebounce)
	w.debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-tick:
			w.syncAll(ctx, "interval")

		case <-w.hangups:
			w.syncAll(ctx, "signal")

		case cfg := <-w.reloads:
			w.applyConfig(cfg)
			w.syncAll(ctx, "config change")

		case name := <-w.changes:
			if !slices.Contains(w.sess.cfg.Sync.Collections, name) {
				continue
			}

			w.dirty[name] = true
			w.debounce.Reset(eventDebounce)

		case <-w.debounce.C:
			names := make([]string, 0, len(w.dirty))
			for name := range w.dirty {
				names = append(names, name)
			}

			clear(w.dirty)
			slices.Sort(names)
			w.syncNames(ctx, names, "change notification")
		}
	}
}

// applyConfig takes the [sync] section of a reloaded config. Server and
// storage changes need a restart.
func (w *watcher) applyConfig(cfg *config.Config) {
	old := w.sess.cfg

	if cfg.Server != old.Server || cfg.Storage != old.Storage {
		w.cc.Logger.Warn("server or storage settings changed, restart watch to apply them")
	}

	next := *old
	next.Sync = cfg.Sync
	w.sess.cfg = &next

	w.cc.Logger.Info("config reloaded",
		slog.Int("collections", len(next.Sync.Collections)),
		slog.String("store_type", next.Sync.StoreType),
	)
}

func (w *watcher) syncAll(ctx context.Context, reason string) {
	w.syncNames(ctx, w.sess.cfg.Sync.Collections, reason)
}

// syncNames syncs each collection in turn. Failures are logged and retried
// on the next trigger.
func (w *watcher) syncNames(ctx context.Context, names []string, reason string) {
	for _, name := range names {
		if ctx.Err() != nil {
			return
		}

		res, err := syncCollection(ctx, w.cc, w.sess, name, query.All(), nil)
		if err != nil {
			w.cc.Logger.Error("sync failed",
				slog.String("collection", name),
				slog.String("reason", reason),
				slog.String("error", err.Error()),
			)

			continue
		}

		w.cc.Statusf("%s %s: pushed %d, pulled %d%s\n",
			time.Now().Format(time.TimeOnly), name, res.Push.Count, len(res.Pulled), pushFailures(len(res.Push.Errors)))
	}
}

func pushFailures(n int) string {
	if n == 0 {
		return ""
	}

	return fmt.Sprintf(", %d %s kept in queue", n, plural(n, "operation"))
}
