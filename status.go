package main

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/docsync/internal/datastore"
	"github.com/tonimelisma/docsync/internal/query"
	"github.com/tonimelisma/docsync/internal/syncqueue"
)

func newPendingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pending [collection...]",
		Short: "List queued operations",
		Long: `List the operations waiting to be pushed, oldest first. Without arguments
every collection with queued operations is listed.`,
		RunE: runPending,
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show login, queue and cache state per collection",
		Args:  cobra.NoArgs,
		RunE:  runStatus,
	}
}

func newClearCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clear <collection>",
		Short: "Drop cached documents without touching the server",
		Long: `Remove cached documents together with their queued operations. Without
--query the whole collection, its queue and its sync watermarks are dropped.`,
		Args: cobra.ExactArgs(1),
		RunE: runClear,
	}

	cmd.Flags().String("query", "", "clear only documents matching this filter")
	cmd.Flags().Bool("yes", false, "do not ask before discarding queued operations")

	return cmd
}

// pendingEntry is the JSON schema for one operation in `pending --json`.
type pendingEntry struct {
	RequestID  string   `json:"request_id"`
	Collection string   `json:"collection"`
	Method     string   `json:"method"`
	ObjectID   string   `json:"object_id,omitempty"`
	ObjectIDs  []string `json:"object_ids,omitempty"`
	CreatedAt  string   `json:"created_at"`
}

func runPending(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())

	sess, err := OpenEngineSession(cmd.Context(), cc)
	if err != nil {
		return err
	}
	defer sess.Close()

	names, err := targetCollections(cmd.Context(), sess, args, false)
	if err != nil {
		return err
	}

	var entries []pendingEntry

	for _, name := range names {
		ds, err := sess.Collection(name)
		if err != nil {
			return err
		}

		ops, err := ds.PendingOperations(cmd.Context())
		if err != nil {
			return err
		}

		for _, op := range ops {
			entries = append(entries, toPendingEntry(op))
		}
	}

	if cc.JSONOutput() {
		if entries == nil {
			entries = []pendingEntry{}
		}

		return printJSON(cmd.OutOrStdout(), entries)
	}

	if len(entries) == 0 {
		cc.Statusf("No queued operations.\n")

		return nil
	}

	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		target := e.ObjectID
		if len(e.ObjectIDs) > 0 {
			target = joinIDs(e.ObjectIDs)
		}

		rows = append(rows, []string{e.CreatedAt, e.Collection, methodLabel(e.Method), target})
	}

	printTable(cmd.OutOrStdout(), []string{"QUEUED", "COLLECTION", "OPERATION", "OBJECT"}, rows)

	return nil
}

func toPendingEntry(op syncqueue.PendingOperation) pendingEntry {
	return pendingEntry{
		RequestID:  op.RequestID,
		Collection: op.Collection,
		Method:     op.Method,
		ObjectID:   op.ObjectID,
		ObjectIDs:  op.ObjectIDs,
		CreatedAt:  formatTime(op.CreatedAt),
	}
}

// methodLabel names the mutation a queued HTTP method performs.
func methodLabel(method string) string {
	switch method {
	case syncqueue.MethodCreate:
		return "create"
	case syncqueue.MethodUpdate:
		return "update"
	case syncqueue.MethodDelete:
		return "delete"
	default:
		return strings.ToLower(method)
	}
}

// collectionStatus is the JSON schema for one collection in `status --json`.
type collectionStatus struct {
	Name         string `json:"name"`
	Pending      int    `json:"pending"`
	Cached       int    `json:"cached"`
	Watermarks   int    `json:"watermarks"`
	DeltaEnabled bool   `json:"delta_enabled"`
}

// statusOutput is the JSON schema for `status --json`.
type statusOutput struct {
	User        string             `json:"user,omitempty"`
	StoreType   string             `json:"store_type"`
	Database    string             `json:"database"`
	Collections []collectionStatus `json:"collections"`
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	sess, err := OpenEngineSession(cmd.Context(), cc)
	if err != nil {
		return err
	}
	defer sess.Close()

	out := statusOutput{
		StoreType:   cc.Cfg.Sync.StoreType,
		Database:    cc.Cfg.Storage.DatabasePath,
		Collections: []collectionStatus{},
	}

	if sess.Session != nil {
		out.User = displayUser(sess.Session)
	}

	pending, err := sess.Engine.PendingByCollection(cmd.Context())
	if err != nil {
		return err
	}

	names := statusCollections(pending, cc.Cfg.Sync.Collections)

	for _, name := range names {
		st, err := collectionState(cmd, sess, name)
		if err != nil {
			return err
		}

		st.Pending = pending[name]
		out.Collections = append(out.Collections, st)
	}

	if cc.JSONOutput() {
		return printJSON(cmd.OutOrStdout(), out)
	}

	w := cmd.OutOrStdout()

	user := out.User
	if user == "" {
		user = "(not logged in)"
	}

	fmt.Fprintf(w, "User:       %s\n", user)
	fmt.Fprintf(w, "Store type: %s\n", out.StoreType)
	fmt.Fprintf(w, "Database:   %s\n", out.Database)

	if len(out.Collections) == 0 {
		fmt.Fprintln(w, "\nNo collections configured or queued.")

		return nil
	}

	fmt.Fprintln(w)

	rows := make([][]string, 0, len(out.Collections))
	for _, c := range out.Collections {
		delta := "on"
		if !c.DeltaEnabled {
			delta = "off"
		}

		rows = append(rows, []string{
			c.Name, strconv.Itoa(c.Pending), strconv.Itoa(c.Cached), strconv.Itoa(c.Watermarks), delta,
		})
	}

	printTable(w, []string{"COLLECTION", "PENDING", "CACHED", "SYNCED QUERIES", "DELTA"}, rows)

	return nil
}

// statusCollections merges configured collections with those holding
// queued operations.
func statusCollections(pending map[string]int, configured []string) []string {
	seen := make(map[string]bool, len(pending)+len(configured))

	for name := range pending {
		seen[name] = true
	}

	for _, name := range configured {
		seen[name] = true
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

func collectionState(cmd *cobra.Command, sess *EngineSession, name string) (collectionStatus, error) {
	ds, err := sess.Collection(name)
	if err != nil {
		return collectionStatus{}, err
	}

	ctx := cmd.Context()
	c := ds.Cache()

	cached, err := c.Count(ctx, query.All())
	if err != nil {
		return collectionStatus{}, fmt.Errorf("counting %s: %w", name, err)
	}

	marks, err := c.WatermarkCount(ctx)
	if err != nil {
		return collectionStatus{}, err
	}

	disabled, err := c.DeltaDisabled(ctx)
	if err != nil {
		return collectionStatus{}, err
	}

	return collectionStatus{
		Name:         name,
		Cached:       cached,
		Watermarks:   marks,
		DeltaEnabled: !disabled,
	}, nil
}

func runClear(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())

	filter, _ := cmd.Flags().GetString("query")

	var q *query.Query

	if filter != "" {
		pred, err := query.Parse(filter)
		if err != nil {
			return err
		}

		q = &query.Query{Filter: pred}
	}

	return withCollection(cmd, args[0], func(_ *EngineSession, ds *datastore.DataStore) error {
		pending, err := ds.PendingCount(cmd.Context())
		if err != nil {
			return err
		}

		if yes, _ := cmd.Flags().GetBool("yes"); pending > 0 && !yes {
			ok, err := confirm(cmd, fmt.Sprintf("%s has %d queued %s that may be discarded. Continue?",
				args[0], pending, plural(pending, "operation")))
			if err != nil {
				return err
			}

			if !ok {
				return errors.New("clear cancelled")
			}
		}

		n, err := ds.ClearCache(cmd.Context(), q)
		if err != nil {
			return err
		}

		if cc.JSONOutput() {
			return printJSON(cmd.OutOrStdout(), map[string]int{"cleared": n})
		}

		cc.Statusf("Cleared %d cached %s from %s.\n", n, plural(n, "document"), args[0])

		return nil
	})
}
