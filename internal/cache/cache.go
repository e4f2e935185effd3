// Package cache is the collection-scoped view of the Local Store: typed
// reads and transactional writes of records, cascading delete of nested
// objects, per-query last-sync watermarks, and the delta-set diff that
// reconciles a fresh fetch against what is already cached.
//
// Every write method has a Tx variant so callers can fold cache and sync
// queue mutations into one atomic transaction.
package cache

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sort"
	"time"

	"github.com/tonimelisma/docsync/internal/query"
	"github.com/tonimelisma/docsync/internal/record"
	"github.com/tonimelisma/docsync/internal/store"
)

// defaultScanPageSize bounds how many rows one lazy-iteration step reads.
const defaultScanPageSize = 256

// ErrMissingID is returned when saving a record without an _id.
var ErrMissingID = errors.New("cache: record has no _id")

// Store is the transactional capability the cache needs.
type Store interface {
	Update(ctx context.Context, fn func(tx *store.Tx) error) error
	View(ctx context.Context, fn func(tx *store.Tx) error) error
}

// Cache operates on one collection.
type Cache struct {
	db         Store
	collection string
	schema     *record.Schema
	logger     *slog.Logger
	ttl        time.Duration
	pageSize   int
	nowFunc    func() time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTL hides entities saved longer than ttl ago from reads. Zero disables
// expiry.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) { c.ttl = ttl }
}

// WithScanPageSize sets the row batch size of lazy iteration.
func WithScanPageSize(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.pageSize = n
		}
	}
}

// WithNowFunc replaces the clock used for TTL checks.
func WithNowFunc(fn func() time.Time) Option {
	return func(c *Cache) { c.nowFunc = fn }
}

// New returns a cache for collection. schema may be nil when the collection
// has no nested objects.
func New(db Store, collection string, schema *record.Schema, logger *slog.Logger, opts ...Option) *Cache {
	c := &Cache{
		db:         db,
		collection: collection,
		schema:     schema,
		logger:     logger,
		pageSize:   defaultScanPageSize,
		nowFunc:    time.Now,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Collection returns the collection name.
func (c *Cache) Collection() string {
	return c.collection
}

func (c *Cache) expired(e store.Entity) bool {
	return c.ttl > 0 && c.nowFunc().Sub(e.SavedAt) > c.ttl
}

func (c *Cache) decode(tx *store.Tx, e store.Entity) (record.Record, error) {
	doc, err := record.Parse(e.Doc)
	if err != nil {
		return record.Record{}, fmt.Errorf("cache: decoding %s/%s: %w", c.collection, e.ID, err)
	}

	return inflate(tx, c.collection, c.schema, doc)
}

// FindByID returns the entity with id.
func (c *Cache) FindByID(ctx context.Context, id string) (record.Record, bool, error) {
	var (
		out   record.Record
		found bool
	)

	err := c.db.View(ctx, func(tx *store.Tx) error {
		var err error

		out, found, err = c.FindByIDTx(tx, id)

		return err
	})
	if err != nil {
		return record.Record{}, false, err
	}

	return out, found, nil
}

// FindByIDTx is FindByID inside an open transaction.
func (c *Cache) FindByIDTx(tx *store.Tx, id string) (record.Record, bool, error) {
	e, ok, err := tx.GetEntity(c.collection, id)
	if err != nil || !ok || c.expired(e) {
		return record.Record{}, false, err
	}

	r, err := c.decode(tx, e)
	if err != nil {
		return record.Record{}, false, err
	}

	return r, true, nil
}

// All lazily yields the entities matching q in order. Without sort fields the
// store is paged through in id order and iteration stops as soon as the
// limit is reached or the consumer breaks; with sort fields every match is
// loaded first. No transaction stays open while a value is being yielded.
func (c *Cache) All(ctx context.Context, q query.Query) iter.Seq2[record.Record, error] {
	if len(q.Sort) > 0 {
		return func(yield func(record.Record, error) bool) {
			var matches []record.Record

			err := c.db.View(ctx, func(tx *store.Tx) error {
				var err error

				matches, err = c.matchTx(tx, q.Filter)

				return err
			})
			if err != nil {
				yield(record.Record{}, err)

				return
			}

			window := query.Query{Sort: q.Sort, Skip: q.Skip, Limit: q.Limit}

			for _, r := range window.Apply(matches) {
				if !yield(r, nil) {
					return
				}
			}
		}
	}

	return func(yield func(record.Record, error) bool) {
		after := ""
		skipped, emitted := 0, 0

		for {
			var (
				batch []record.Record
				last  string
				more  bool
			)

			err := c.db.View(ctx, func(tx *store.Tx) error {
				rows, err := tx.ScanEntities(c.collection, after, c.pageSize)
				if err != nil {
					return err
				}

				more = len(rows) == c.pageSize
				if len(rows) > 0 {
					last = rows[len(rows)-1].ID
				}

				batch, err = c.filterRows(tx, rows, q.Filter)

				return err
			})
			if err != nil {
				yield(record.Record{}, err)

				return
			}

			for _, r := range batch {
				if skipped < q.Skip {
					skipped++

					continue
				}

				if !yield(r, nil) {
					return
				}

				emitted++
				if q.Limit > 0 && emitted >= q.Limit {
					return
				}
			}

			if !more {
				return
			}

			after = last
		}
	}
}

// Find collects All.
func (c *Cache) Find(ctx context.Context, q query.Query) ([]record.Record, error) {
	out := []record.Record{}

	for r, err := range c.All(ctx, q) {
		if err != nil {
			return nil, err
		}

		out = append(out, r)
	}

	return out, nil
}

// FindTx evaluates q inside an open transaction.
func (c *Cache) FindTx(tx *store.Tx, q query.Query) ([]record.Record, error) {
	matches, err := c.matchTx(tx, q.Filter)
	if err != nil {
		return nil, err
	}

	return query.Query{Sort: q.Sort, Skip: q.Skip, Limit: q.Limit}.Apply(matches), nil
}

func (c *Cache) matchTx(tx *store.Tx, filter query.Predicate) ([]record.Record, error) {
	var (
		out   []record.Record
		after string
	)

	for {
		rows, err := tx.ScanEntities(c.collection, after, c.pageSize)
		if err != nil {
			return nil, err
		}

		batch, err := c.filterRows(tx, rows, filter)
		if err != nil {
			return nil, err
		}

		out = append(out, batch...)

		if len(rows) < c.pageSize {
			return out, nil
		}

		after = rows[len(rows)-1].ID
	}
}

func (c *Cache) filterRows(tx *store.Tx, rows []store.Entity, filter query.Predicate) ([]record.Record, error) {
	q := query.Query{Filter: filter}
	out := make([]record.Record, 0, len(rows))

	for _, e := range rows {
		if c.expired(e) {
			continue
		}

		r, err := c.decode(tx, e)
		if err != nil {
			return nil, err
		}

		if q.Match(r) {
			out = append(out, r)
		}
	}

	return out, nil
}

// FindIDsLmts maps the id of every entity matching q to its last-modified
// time, without materializing records when q has no predicate.
func (c *Cache) FindIDsLmts(ctx context.Context, q query.Query) (map[string]string, error) {
	var out map[string]string

	err := c.db.View(ctx, func(tx *store.Tx) error {
		var err error

		out, err = c.IDsLmtsTx(tx, q)

		return err
	})

	return out, err
}

// IDsLmtsTx is FindIDsLmts inside an open transaction.
func (c *Cache) IDsLmtsTx(tx *store.Tx, q query.Query) (map[string]string, error) {
	out := make(map[string]string)

	if q.Filter == nil && !q.Windowed() {
		after := ""

		for {
			rows, err := tx.ScanEntities(c.collection, after, c.pageSize)
			if err != nil {
				return nil, err
			}

			for _, e := range rows {
				if !c.expired(e) {
					out[e.ID] = e.LastModified
				}
			}

			if len(rows) < c.pageSize {
				return out, nil
			}

			after = rows[len(rows)-1].ID
		}
	}

	matches, err := c.FindTx(tx, q)
	if err != nil {
		return nil, err
	}

	for _, r := range matches {
		out[r.ID()] = r.LastModified()
	}

	return out, nil
}

// Count counts the entities matching q, honoring skip and limit.
func (c *Cache) Count(ctx context.Context, q query.Query) (int, error) {
	if q.Filter == nil && c.ttl == 0 {
		var n int

		err := c.db.View(ctx, func(tx *store.Tx) error {
			var err error

			n, err = tx.CountEntities(c.collection)

			return err
		})
		if err != nil {
			return 0, err
		}

		return windowCount(n, q.Skip, q.Limit), nil
	}

	n := 0

	for _, err := range c.All(ctx, query.Query{Filter: q.Filter}) {
		if err != nil {
			return 0, err
		}

		n++
	}

	return windowCount(n, q.Skip, q.Limit), nil
}

func windowCount(n, skip, limit int) int {
	n -= skip
	if n < 0 {
		n = 0
	}

	if limit > 0 && limit < n {
		n = limit
	}

	return n
}

// Save writes records in one transaction.
func (c *Cache) Save(ctx context.Context, recs ...record.Record) error {
	return c.db.Update(ctx, func(tx *store.Tx) error {
		return c.SaveTx(tx, recs...)
	})
}

// SaveTx writes records inside an open transaction. Nested objects are
// split into their child collections; children the new version no longer
// references are released and deleted once unreferenced.
func (c *Cache) SaveTx(tx *store.Tx, recs ...record.Record) error {
	for _, r := range recs {
		id := r.ID()
		if id == "" {
			return ErrMissingID
		}

		if err := putTx(tx, c.collection, c.schema, id, r); err != nil {
			return fmt.Errorf("cache: saving %s/%s: %w", c.collection, id, err)
		}
	}

	c.logger.Debug("cache saved", slog.String("collection", c.collection), slog.Int("count", len(recs)))

	return nil
}

func putTx(tx *store.Tx, collection string, schema *record.Schema, id string, doc record.Record) error {
	flat, children, err := flatten(collection, schema, doc)
	if err != nil {
		return err
	}

	parent := store.Ref{Collection: collection, ID: id}

	oldRefs, err := tx.Refs(parent)
	if err != nil {
		return err
	}

	keep := make(map[store.Ref]bool, len(children))

	for _, ch := range children {
		if err := putTx(tx, ch.ref.Collection, ch.schema, ch.ref.ID, ch.doc); err != nil {
			return err
		}

		if err := tx.AddRef(parent, ch.ref); err != nil {
			return err
		}

		keep[ch.ref] = true
	}

	for _, old := range oldRefs {
		if keep[old] {
			continue
		}

		if err := releaseTx(tx, parent, old, childSchema(collection, schema, old.Collection)); err != nil {
			return err
		}
	}

	return tx.PutEntity(store.Entity{
		Collection:   collection,
		ID:           id,
		Doc:          flat.Bytes(),
		LastModified: doc.LastModified(),
	})
}

// releaseTx drops parent's reference to ref and deletes ref when no other
// parent holds it.
func releaseTx(tx *store.Tx, parent, ref store.Ref, schema *record.Schema) error {
	if err := tx.RemoveRef(parent, ref); err != nil {
		return err
	}

	n, err := tx.Referrers(ref)
	if err != nil {
		return err
	}

	if n > 0 {
		return nil
	}

	_, err = deleteTx(tx, ref.Collection, schema, ref.ID)

	return err
}

// deleteTx removes an entity and cascades to orphaned children.
func deleteTx(tx *store.Tx, collection string, schema *record.Schema, id string) (bool, error) {
	parent := store.Ref{Collection: collection, ID: id}

	refs, err := tx.Refs(parent)
	if err != nil {
		return false, err
	}

	existed, err := tx.DeleteEntity(collection, id)
	if err != nil {
		return false, err
	}

	for _, ref := range refs {
		if err := releaseTx(tx, parent, ref, childSchema(collection, schema, ref.Collection)); err != nil {
			return false, err
		}
	}

	return existed, nil
}

// Remove deletes entities by id in one transaction and returns how many
// existed.
func (c *Cache) Remove(ctx context.Context, ids ...string) (int, error) {
	var n int

	err := c.db.Update(ctx, func(tx *store.Tx) error {
		var err error

		n, err = c.RemoveTx(tx, ids...)

		return err
	})

	return n, err
}

// RemoveTx is Remove inside an open transaction.
func (c *Cache) RemoveTx(tx *store.Tx, ids ...string) (int, error) {
	n := 0

	for _, id := range ids {
		existed, err := deleteTx(tx, c.collection, c.schema, id)
		if err != nil {
			return 0, fmt.Errorf("cache: removing %s/%s: %w", c.collection, id, err)
		}

		if existed {
			n++
		}
	}

	return n, nil
}

// ReplaceTx swaps the entity stored under oldID for rec, which may carry a
// different id (temporary id migration).
func (c *Cache) ReplaceTx(tx *store.Tx, oldID string, rec record.Record) error {
	if oldID != "" && oldID != rec.ID() {
		if _, err := c.RemoveTx(tx, oldID); err != nil {
			return err
		}
	}

	return c.SaveTx(tx, rec)
}

// RemoveByQuery deletes every entity matching q in one transaction and
// returns detached copies of what was removed.
func (c *Cache) RemoveByQuery(ctx context.Context, q query.Query) ([]record.Record, error) {
	var removed []record.Record

	err := c.db.Update(ctx, func(tx *store.Tx) error {
		var err error

		removed, err = c.RemoveByQueryTx(tx, q)

		return err
	})

	return removed, err
}

// RemoveByQueryTx is RemoveByQuery inside an open transaction.
func (c *Cache) RemoveByQueryTx(tx *store.Tx, q query.Query) ([]record.Record, error) {
	matches, err := c.FindTx(tx, q)
	if err != nil {
		return nil, err
	}

	removed := detach(matches)

	for _, r := range removed {
		if _, err := deleteTx(tx, c.collection, c.schema, r.ID()); err != nil {
			return nil, fmt.Errorf("cache: removing %s/%s: %w", c.collection, r.ID(), err)
		}
	}

	return removed, nil
}

// Detach returns snapshot copies of the entities matching q. The copies
// stay valid after the underlying rows change or disappear.
func (c *Cache) Detach(ctx context.Context, q query.Query) ([]record.Record, error) {
	matches, err := c.Find(ctx, q)
	if err != nil {
		return nil, err
	}

	return detach(matches), nil
}

func detach(recs []record.Record) []record.Record {
	out := make([]record.Record, len(recs))
	for i, r := range recs {
		// Re-parse from bytes so the copy shares nothing with the source.
		out[i] = record.MustParse(string(r.Bytes()))
	}

	return out
}

// Clear removes the entities matching q and q's watermark. A nil or
// unconstrained query empties the collection (including nested children)
// and every watermark of the collection.
func (c *Cache) Clear(ctx context.Context, q *query.Query) (int, error) {
	var n int

	err := c.db.Update(ctx, func(tx *store.Tx) error {
		if q == nil || q.Unconstrained() {
			removed, err := tx.DeleteCollection(c.collection)
			if err != nil {
				return err
			}

			n = removed

			return tx.DeleteWatermarks(c.collection)
		}

		removed, err := c.RemoveByQueryTx(tx, *q)
		if err != nil {
			return err
		}

		n = len(removed)

		return c.InvalidateLastSyncTx(tx, *q)
	})
	if err != nil {
		return 0, err
	}

	c.logger.Info("cache cleared", slog.String("collection", c.collection), slog.Int("count", n))

	return n, nil
}

// sortedKeys returns m's keys in order.
func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}

	sort.Strings(out)

	return out
}
