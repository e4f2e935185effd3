package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/docsync/internal/datastore"
	"github.com/tonimelisma/docsync/internal/query"
	"github.com/tonimelisma/docsync/internal/record"
)

func newGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <collection> <id>",
		Short: "Fetch one document by id",
		Args:  cobra.ExactArgs(2),
		RunE:  runGet,
	}

	addReadPolicyFlag(cmd)

	return cmd
}

func newFindCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "find <collection>",
		Short: "Query documents",
		Long: `Query a collection. The filter is the backend's Mongo-style JSON, for example
--query '{"author":"Herbert","year":{"$gt":1960}}'. Sort fields are separated
by commas; a leading '-' sorts descending.`,
		Args: cobra.ExactArgs(1),
		RunE: runFind,
	}

	addQueryFlags(cmd)
	addReadPolicyFlag(cmd)
	cmd.Flags().Bool("delta", false, "fetch only changes since the last sync (overrides sync.delta_set)")
	cmd.Flags().Bool("auto-paginate", false, "count first and fetch pages concurrently (overrides sync.auto_pagination)")

	return cmd
}

func newCountCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "count <collection>",
		Short: "Count documents matching a query",
		Args:  cobra.ExactArgs(1),
		RunE:  runCount,
	}

	cmd.Flags().String("query", "", "filter as Mongo-style JSON")
	addReadPolicyFlag(cmd)

	return cmd
}

func newSaveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "save <collection> [file]",
		Short: "Create or update documents",
		Long: `Save one JSON document, or a JSON array of documents, read from file or
stdin. Documents without an _id are created.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: runSave,
	}

	addWritePolicyFlag(cmd)

	return cmd
}

func newRmCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rm <collection> [id...]",
		Short: "Remove documents by id or by query",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runRm,
	}

	cmd.Flags().String("query", "", "remove every document matching this filter")
	addWritePolicyFlag(cmd)

	return cmd
}

func addQueryFlags(cmd *cobra.Command) {
	cmd.Flags().String("query", "", "filter as Mongo-style JSON")
	cmd.Flags().String("sort", "", "sort fields, e.g. 'author,-year'")
	cmd.Flags().Int("skip", 0, "skip this many matches")
	cmd.Flags().Int("limit", 0, "return at most this many matches")
	cmd.Flags().StringSlice("fields", nil, "return only these fields")
}

func addReadPolicyFlag(cmd *cobra.Command) {
	cmd.Flags().String("policy", "", "read policy: local, network or both (default from store type)")
}

func addWritePolicyFlag(cmd *cobra.Command) {
	cmd.Flags().String("policy", "", "write policy: local, network or local-then-network (default from store type)")
}

// queryFromFlags builds the query described by the --query, --sort,
// --skip, --limit and --fields flags. Flags a command does not define are
// left at their zero values.
func queryFromFlags(cmd *cobra.Command) (query.Query, error) {
	var q query.Query

	filter, _ := cmd.Flags().GetString("query")

	pred, err := query.Parse(filter)
	if err != nil {
		return q, err
	}

	q.Filter = pred

	if sort, err := cmd.Flags().GetString("sort"); err == nil && sort != "" {
		q = q.OrderBy(query.ParseSort(sort)...)
	}

	skip, _ := cmd.Flags().GetInt("skip")
	limit, _ := cmd.Flags().GetInt("limit")

	if skip < 0 || limit < 0 {
		return q, errors.New("--skip and --limit must not be negative")
	}

	q = q.Page(skip, limit)

	if fields, err := cmd.Flags().GetStringSlice("fields"); err == nil && len(fields) > 0 {
		q = q.Select(fields...)
	}

	return q, nil
}

// readOptions turns --policy, --delta and --auto-paginate into call
// options. Unset flags keep the collection defaults.
func readOptions(cmd *cobra.Command) ([]datastore.CallOption, error) {
	var opts []datastore.CallOption

	if p, _ := cmd.Flags().GetString("policy"); p != "" {
		rp, err := datastore.ParseReadPolicy(p)
		if err != nil {
			return nil, err
		}

		opts = append(opts, datastore.WithReadPolicy(rp))
	}

	if cmd.Flags().Changed("delta") {
		v, _ := cmd.Flags().GetBool("delta")
		opts = append(opts, datastore.UseDeltaSet(v))
	}

	if cmd.Flags().Changed("auto-paginate") {
		v, _ := cmd.Flags().GetBool("auto-paginate")
		opts = append(opts, datastore.UseAutoPagination(v))
	}

	return opts, nil
}

func writeOptions(cmd *cobra.Command) ([]datastore.CallOption, error) {
	p, _ := cmd.Flags().GetString("policy")
	if p == "" {
		return nil, nil
	}

	wp, err := datastore.ParseWritePolicy(p)
	if err != nil {
		return nil, err
	}

	return []datastore.CallOption{datastore.WithWritePolicy(wp)}, nil
}

// withCollection opens an engine session, resolves the collection and runs
// fn with it.
func withCollection(cmd *cobra.Command, name string, fn func(*EngineSession, *datastore.DataStore) error) error {
	cc := mustCLIContext(cmd.Context())

	sess, err := OpenEngineSession(cmd.Context(), cc)
	if err != nil {
		return err
	}
	defer sess.Close()

	ds, err := sess.Collection(name)
	if err != nil {
		return err
	}

	return fn(sess, ds)
}

func runGet(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())

	opts, err := readOptions(cmd)
	if err != nil {
		return err
	}

	return withCollection(cmd, args[0], func(_ *EngineSession, ds *datastore.DataStore) error {
		rec, err := await(cc, ds.Get(cmd.Context(), args[1], opts...))
		if err != nil {
			return err
		}

		if cc.JSONOutput() {
			return printJSON(cmd.OutOrStdout(), rec)
		}

		return printRecords(cmd.OutOrStdout(), []record.Record{rec}, false)
	})
}

func runFind(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())

	q, err := queryFromFlags(cmd)
	if err != nil {
		return err
	}

	opts, err := readOptions(cmd)
	if err != nil {
		return err
	}

	return withCollection(cmd, args[0], func(_ *EngineSession, ds *datastore.DataStore) error {
		recs, err := await(cc, ds.Find(cmd.Context(), q, opts...))
		if err != nil {
			return err
		}

		return printRecords(cmd.OutOrStdout(), recs, cc.JSONOutput())
	})
}

func runCount(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())

	q, err := queryFromFlags(cmd)
	if err != nil {
		return err
	}

	opts, err := readOptions(cmd)
	if err != nil {
		return err
	}

	return withCollection(cmd, args[0], func(_ *EngineSession, ds *datastore.DataStore) error {
		n, err := await(cc, ds.Count(cmd.Context(), q, opts...))
		if err != nil {
			return err
		}

		if cc.JSONOutput() {
			return printJSON(cmd.OutOrStdout(), map[string]int{"count": n})
		}

		fmt.Fprintln(cmd.OutOrStdout(), n)

		return nil
	})
}

// saveOutput is the JSON schema for a multi-document `save --json`.
type saveOutput struct {
	Entities []*record.Record `json:"entities"`
	Errors   []saveError      `json:"errors"`
}

type saveError struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

func runSave(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())

	data, err := readInput(cmd, args[1:])
	if err != nil {
		return err
	}

	recs, many, err := parseDocuments(data)
	if err != nil {
		return err
	}

	opts, err := writeOptions(cmd)
	if err != nil {
		return err
	}

	return withCollection(cmd, args[0], func(_ *EngineSession, ds *datastore.DataStore) error {
		if !many {
			saved, err := await(cc, ds.Save(cmd.Context(), recs[0], opts...))
			if err != nil {
				return err
			}

			cc.Statusf("Saved %s.\n", saved.ID())

			if cc.JSONOutput() {
				return printJSON(cmd.OutOrStdout(), saved)
			}

			return nil
		}

		res, err := await(cc, ds.SaveMany(cmd.Context(), recs, opts...))
		if err != nil {
			return err
		}

		return reportSaveMany(cc, cmd.OutOrStdout(), res)
	})
}

func reportSaveMany(cc *CLIContext, w io.Writer, res *datastore.MultiSaveResult) error {
	out := saveOutput{Entities: res.Entities, Errors: make([]saveError, 0, len(res.Errors))}
	for _, e := range res.Errors {
		out.Errors = append(out.Errors, saveError{Index: e.Index, Error: e.Err.Error()})
	}

	cc.Statusf("Saved %d of %d documents.\n", len(res.Entities)-len(res.Errors), len(res.Entities))

	if cc.JSONOutput() {
		if err := printJSON(w, out); err != nil {
			return err
		}
	} else {
		for _, e := range out.Errors {
			fmt.Fprintf(w, "item %d: %s\n", e.Index, e.Error)
		}
	}

	if len(res.Errors) > 0 {
		return fmt.Errorf("%d of %d documents failed to save", len(res.Errors), len(res.Entities))
	}

	return nil
}

// readInput reads the named file, or stdin when no file or "-" is given.
func readInput(cmd *cobra.Command, args []string) ([]byte, error) {
	if len(args) == 0 || args[0] == "-" {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return nil, fmt.Errorf("reading stdin: %w", err)
		}

		return data, nil
	}

	data, err := os.ReadFile(args[0])
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", args[0], err)
	}

	return data, nil
}

// parseDocuments accepts one JSON object or an array of objects. many
// reports whether the input was an array.
func parseDocuments(data []byte) (recs []record.Record, many bool, err error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, false, errors.New("no document given")
	}

	if data[0] != '[' {
		rec, err := record.Parse(data)
		if err != nil {
			return nil, false, err
		}

		return []record.Record{rec}, false, nil
	}

	var docs []json.RawMessage
	if err := json.Unmarshal(data, &docs); err != nil {
		return nil, true, fmt.Errorf("parsing document array: %w", err)
	}

	if len(docs) == 0 {
		return nil, true, datastore.ErrEmptyInput
	}

	recs = make([]record.Record, len(docs))

	for i, doc := range docs {
		rec, err := record.Parse(doc)
		if err != nil {
			return nil, true, fmt.Errorf("document %d: %w", i, err)
		}

		recs[i] = rec
	}

	return recs, true, nil
}

func runRm(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())

	filter, _ := cmd.Flags().GetString("query")
	ids := args[1:]

	switch {
	case filter == "" && len(ids) == 0:
		return errors.New("give ids or --query")
	case filter != "" && len(ids) > 0:
		return errors.New("give either ids or --query, not both")
	}

	opts, err := writeOptions(cmd)
	if err != nil {
		return err
	}

	return withCollection(cmd, args[0], func(_ *EngineSession, ds *datastore.DataStore) error {
		var req *datastore.Request[int]

		if filter != "" {
			pred, err := query.Parse(filter)
			if err != nil {
				return err
			}

			req = ds.RemoveByQuery(cmd.Context(), query.Query{Filter: pred}, opts...)
		} else {
			req = ds.RemoveByIDs(cmd.Context(), ids, opts...)
		}

		n, err := await(cc, req)
		if err != nil {
			return err
		}

		if cc.JSONOutput() {
			return printJSON(cmd.OutOrStdout(), map[string]int{"count": n})
		}

		cc.Statusf("Removed %d %s.\n", n, plural(n, "document"))

		return nil
	})
}

func plural(n int, word string) string {
	if n == 1 {
		return word
	}

	return word + "s"
}

// joinIDs shortens id lists in status lines.
func joinIDs(ids []string) string {
	const maxShown = 5

	if len(ids) <= maxShown {
		return strings.Join(ids, ", ")
	}

	return strings.Join(ids[:maxShown], ", ") + fmt.Sprintf(" and %d more", len(ids)-maxShown)
}
