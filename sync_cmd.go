package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/docsync/internal/datastore"
	"github.com/tonimelisma/docsync/internal/query"
)

// errPushIncomplete makes the process exit with status 2 when some queued
// operations could not be delivered.
var errPushIncomplete = errors.New("some queued operations were not delivered")

func newPushCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "push [collection...]",
		Short: "Send queued local changes to the server",
		Long: `Replay the sync queue of each collection. Without arguments every collection
with queued operations is pushed.`,
		RunE: runPush,
	}
}

func newPullCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pull <collection>",
		Short: "Refresh the local cache from the server",
		Long: `Fetch the documents matching --query and reconcile them into the local
cache. Refused while the collection has queued operations.`,
		Args: cobra.ExactArgs(1),
		RunE: runPull,
	}

	addQueryFlags(cmd)
	cmd.Flags().Bool("delta", false, "fetch only changes since the last sync (overrides sync.delta_set)")
	cmd.Flags().Bool("auto-paginate", false, "count first and fetch pages concurrently (overrides sync.auto_pagination)")

	return cmd
}

func newSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync [collection...]",
		Short: "Push queued changes, then pull",
		Long: `Push each collection and, when every queued operation was delivered, pull it.
Without arguments the collections listed in sync.collections and every
collection with queued operations are synced.`,
		RunE: runSync,
	}

	cmd.Flags().String("query", "", "pull only documents matching this filter")
	cmd.Flags().Bool("delta", false, "fetch only changes since the last sync (overrides sync.delta_set)")
	cmd.Flags().Bool("auto-paginate", false, "count first and fetch pages concurrently (overrides sync.auto_pagination)")

	return cmd
}

func newPurgeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "purge <collection>",
		Short: "Discard queued local changes and restore the server's copies",
		Args:  cobra.ExactArgs(1),
		RunE:  runPurge,
	}

	cmd.Flags().String("query", "", "purge only operations on cached documents matching this filter")
	cmd.Flags().Bool("yes", false, "do not ask for confirmation")

	return cmd
}

// targetCollections returns args, or when empty, the configured collections
// plus every collection with queued operations, sorted and deduplicated.
func targetCollections(ctx context.Context, sess *EngineSession, args []string, includeConfigured bool) ([]string, error) {
	if len(args) > 0 {
		return args, nil
	}

	pending, err := sess.Engine.PendingByCollection(ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)

	for name := range pending {
		seen[name] = true
	}

	if includeConfigured {
		for _, name := range sess.cfg.Sync.Collections {
			seen[name] = true
		}
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}

	sort.Strings(names)

	return names, nil
}

func runPush(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())

	sess, err := OpenEngineSession(cmd.Context(), cc)
	if err != nil {
		return err
	}
	defer sess.Close()

	if err := sess.RequireServer(); err != nil {
		return err
	}

	names, err := targetCollections(cmd.Context(), sess, args, false)
	if err != nil {
		return err
	}

	if len(names) == 0 {
		cc.Statusf("Nothing to push.\n")

		return nil
	}

	results := make(map[string]*datastore.PushResult, len(names))
	incomplete := false

	for _, name := range names {
		ds, err := sess.Collection(name)
		if err != nil {
			return err
		}

		res, err := await(cc, ds.Push(cmd.Context()))
		if err != nil {
			return fmt.Errorf("pushing %s: %w", name, err)
		}

		results[name] = res

		if len(res.Errors) > 0 {
			incomplete = true
		}

		cc.Logger.Info("push finished",
			slog.String("collection", name),
			slog.Int("delivered", res.Count),
			slog.Int("failed", len(res.Errors)),
		)
	}

	if err := reportPush(cc, cmd.OutOrStdout(), names, results); err != nil {
		return err
	}

	if incomplete {
		return errPushIncomplete
	}

	return nil
}

// pushOutput is the JSON schema for one collection in `push --json`.
type pushOutput struct {
	Collection string           `json:"collection"`
	Delivered  int              `json:"delivered"`
	Errors     []pushErrorEntry `json:"errors"`
}

type pushErrorEntry struct {
	ObjectID string `json:"object_id"`
	Method   string `json:"method"`
	Dropped  bool   `json:"dropped"`
	Error    string `json:"error"`
}

func reportPush(cc *CLIContext, w io.Writer, names []string, results map[string]*datastore.PushResult) error {
	out := make([]pushOutput, 0, len(names))

	for _, name := range names {
		res := results[name]
		entry := pushOutput{Collection: name, Delivered: res.Count, Errors: make([]pushErrorEntry, 0, len(res.Errors))}

		for _, pe := range res.Errors {
			entry.Errors = append(entry.Errors, pushErrorEntry{
				ObjectID: pe.ObjectID,
				Method:   pe.Method,
				Dropped:  pe.Dropped,
				Error:    pe.Err.Error(),
			})
		}

		out = append(out, entry)
	}

	if cc.JSONOutput() {
		return printJSON(w, out)
	}

	for _, entry := range out {
		cc.Statusf("%s: delivered %d %s", entry.Collection, entry.Delivered, plural(entry.Delivered, "operation"))

		if len(entry.Errors) == 0 {
			cc.Statusf("\n")

			continue
		}

		cc.Statusf(", %d failed\n", len(entry.Errors))

		for _, e := range entry.Errors {
			state := "kept in queue"
			if e.Dropped {
				state = "dropped"
			}

			fmt.Fprintf(w, "  %s %s (%s): %s\n", e.Method, e.ObjectID, state, e.Error)
		}
	}

	return nil
}

func runPull(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())

	q, err := queryFromFlags(cmd)
	if err != nil {
		return err
	}

	opts, err := readOptions(cmd)
	if err != nil {
		return err
	}

	return withCollection(cmd, args[0], func(sess *EngineSession, ds *datastore.DataStore) error {
		if err := sess.RequireServer(); err != nil {
			return err
		}

		recs, err := await(cc, ds.Pull(cmd.Context(), q, opts...))
		if errors.Is(err, datastore.ErrPendingOperations) {
			return fmt.Errorf("%w: run 'docsync push %s' or 'docsync purge %s' first", err, args[0], args[0])
		}

		if err != nil {
			return err
		}

		if cc.JSONOutput() {
			return printJSON(cmd.OutOrStdout(), map[string]int{"pulled": len(recs)})
		}

		cc.Statusf("Pulled %d %s into %s.\n", len(recs), plural(len(recs), "document"), args[0])

		return nil
	})
}

// syncOutput is the JSON schema for one collection in `sync --json`.
type syncOutput struct {
	Collection string `json:"collection"`
	Pushed     int    `json:"pushed"`
	Failed     int    `json:"failed"`
	Pulled     int    `json:"pulled"`
	Skipped    bool   `json:"pull_skipped"`
}

func runSync(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())

	q, err := queryFromFlags(cmd)
	if err != nil {
		return err
	}

	opts, err := readOptions(cmd)
	if err != nil {
		return err
	}

	sess, err := OpenEngineSession(cmd.Context(), cc)
	if err != nil {
		return err
	}
	defer sess.Close()

	if err := sess.RequireServer(); err != nil {
		return err
	}

	names, err := targetCollections(cmd.Context(), sess, args, true)
	if err != nil {
		return err
	}

	if len(names) == 0 {
		return errors.New("no collections to sync: pass names or set sync.collections")
	}

	out := make([]syncOutput, 0, len(names))
	incomplete := false

	for _, name := range names {
		res, err := syncCollection(cmd.Context(), cc, sess, name, q, opts)
		if err != nil {
			return err
		}

		entry := syncOutput{
			Collection: name,
			Pushed:     res.Push.Count,
			Failed:     len(res.Push.Errors),
			Pulled:     len(res.Pulled),
			Skipped:    len(res.Push.Errors) > 0,
		}
		incomplete = incomplete || entry.Skipped

		out = append(out, entry)

		if !cc.JSONOutput() {
			if entry.Skipped {
				cc.Statusf("%s: pushed %d, %d failed, pull skipped\n", name, entry.Pushed, entry.Failed)
			} else {
				cc.Statusf("%s: pushed %d, pulled %d\n", name, entry.Pushed, entry.Pulled)
			}
		}
	}

	if cc.JSONOutput() {
		if err := printJSON(cmd.OutOrStdout(), out); err != nil {
			return err
		}
	}

	if incomplete {
		return errPushIncomplete
	}

	return nil
}

// syncCollection runs one Sync and logs its outcome. The watcher shares it.
func syncCollection(ctx context.Context, cc *CLIContext, sess *EngineSession, name string,
	q query.Query, opts []datastore.CallOption,
) (*datastore.SyncResult, error) {
	ds, err := sess.Collection(name)
	if err != nil {
		return nil, err
	}

	res, err := await(cc, ds.Sync(ctx, q, opts...))
	if err != nil {
		return nil, fmt.Errorf("syncing %s: %w", name, err)
	}

	cc.Logger.Info("sync finished",
		slog.String("collection", name),
		slog.Int("pushed", res.Push.Count),
		slog.Int("push_errors", len(res.Push.Errors)),
		slog.Int("pulled", len(res.Pulled)),
	)

	return res, nil
}

func runPurge(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())

	q, err := queryFromFlags(cmd)
	if err != nil {
		return err
	}

	return withCollection(cmd, args[0], func(sess *EngineSession, ds *datastore.DataStore) error {
		if err := sess.RequireServer(); err != nil {
			return err
		}

		pending, err := ds.PendingCount(cmd.Context())
		if err != nil {
			return err
		}

		if pending == 0 {
			cc.Statusf("No queued operations for %s.\n", args[0])

			return nil
		}

		yes, _ := cmd.Flags().GetBool("yes")
		if !yes {
			ok, err := confirm(cmd, fmt.Sprintf("Discard up to %d queued %s for %s?",
				pending, plural(pending, "operation"), args[0]))
			if err != nil {
				return err
			}

			if !ok {
				return errors.New("purge cancelled")
			}
		}

		n, err := await(cc, ds.Purge(cmd.Context(), q))
		if err != nil {
			return err
		}

		if cc.JSONOutput() {
			return printJSON(cmd.OutOrStdout(), map[string]int{"purged": n})
		}

		cc.Statusf("Purged %d %s from %s.\n", n, plural(n, "operation"), args[0])

		return nil
	})
}

// confirm asks a yes/no question on stderr. Without a terminal on stdin
// the answer is no, so scripts must pass --yes.
func confirm(cmd *cobra.Command, question string) (bool, error) {
	if !stdinIsTerminal() {
		return false, errors.New("refusing to prompt without a terminal: pass --yes")
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "%s [y/N] ", question)

	answer, err := readLine(bufio.NewReader(cmd.InOrStdin()))
	if err != nil {
		return false, err
	}

	switch strings.ToLower(answer) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}
