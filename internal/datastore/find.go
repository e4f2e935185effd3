package datastore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/tonimelisma/docsync/internal/query"
	"github.com/tonimelisma/docsync/internal/record"
	"github.com/tonimelisma/docsync/internal/remote"
	"github.com/tonimelisma/docsync/internal/store"
)

// Get returns the entity with id.
func (d *DataStore) Get(ctx context.Context, id string, opts ...CallOption) *Request[record.Record] {
	o, _ := d.resolve(opts)

	return run[record.Record](ctx, d.readMode(o), legs[record.Record]{
		local: func(ctx context.Context, _ *Progress) (record.Record, error) {
			rec, ok, err := d.cache.FindByID(ctx, id)
			if err != nil {
				return record.Record{}, err
			}

			if !ok {
				return record.Record{}, fmt.Errorf("%w: %s/%s", ErrNotFound, d.collection, id)
			}

			return rec, nil
		},
		network: func(ctx context.Context, _ *Progress) (record.Record, error) {
			doc, err := d.engine.remote.Get(ctx, d.collection, id)
			if err != nil {
				return record.Record{}, err
			}

			recs, err := d.decode([]json.RawMessage{doc})
			if err != nil {
				return record.Record{}, err
			}

			if err := d.reconcile(ctx, nil, recs, nil, nil); err != nil {
				return record.Record{}, err
			}

			return recs[0], nil
		},
	})
}

// Find returns the entities matching q. The network leg fetches with a
// delta set, auto-pagination or a single request, reconciles the cache and
// returns the fetched records.
func (d *DataStore) Find(ctx context.Context, q query.Query, opts ...CallOption) *Request[[]record.Record] {
	o, plan := d.resolve(opts)

	return run[[]record.Record](ctx, d.readMode(o), legs[[]record.Record]{
		local: func(ctx context.Context, _ *Progress) ([]record.Record, error) {
			return d.cache.Find(ctx, q)
		},
		network: func(ctx context.Context, p *Progress) ([]record.Record, error) {
			return d.fetch(ctx, q, plan, p)
		},
	})
}

// Count counts the entities matching q, honoring skip and limit.
func (d *DataStore) Count(ctx context.Context, q query.Query, opts ...CallOption) *Request[int] {
	o, _ := d.resolve(opts)

	return run[int](ctx, d.readMode(o), legs[int]{
		local: func(ctx context.Context, _ *Progress) (int, error) {
			return d.cache.Count(ctx, q)
		},
		network: func(ctx context.Context, _ *Progress) (int, error) {
			n, err := d.engine.remote.Count(ctx, d.collection, q)
			if err != nil {
				return 0, err
			}

			return windowed(n, q), nil
		},
	})
}

// windowed applies q's skip and limit to a total count.
func windowed(n int, q query.Query) int {
	n = max(n-q.Skip, 0)
	if q.Limit > 0 && q.Limit < n {
		n = q.Limit
	}

	return n
}

// fetch runs the network read path for q.
func (d *DataStore) fetch(ctx context.Context, q query.Query, plan fetchPlan, p *Progress) ([]record.Record, error) {
	if !plan.deltaSet {
		if plan.autoPaginate {
			return d.fetchPaginated(ctx, q, plan, p)
		}

		return d.fetchFull(ctx, q, plan, p)
	}

	disabled, err := d.cache.DeltaDisabled(ctx)
	if err != nil {
		return nil, err
	}

	if disabled {
		plan.deltaSet = false

		return d.fetch(ctx, q, plan, p)
	}

	if q.Windowed() {
		// Delta sets cannot describe a window; fetch it whole.
		if plan.autoPaginate {
			return d.fetchPaginated(ctx, q, plan, p)
		}

		return d.fetchFull(ctx, q, plan, p)
	}

	since, ok, err := d.cache.LastSync(ctx, q)
	if err != nil {
		return nil, err
	}

	if !ok {
		return d.fetchPaginated(ctx, q, plan, p)
	}

	recs, err := d.fetchDelta(ctx, q, since, p)

	switch {
	case err == nil:
		return recs, nil
	case errors.Is(err, remote.ErrParameterValueOutOfRange):
		d.logger.Info("delta window expired, refetching",
			slog.String("since", since),
			slog.String("error", err.Error()),
		)

		if err := d.cache.InvalidateLastSync(ctx, q); err != nil {
			return nil, err
		}

		return d.fetchPaginated(ctx, q, plan, p)
	case errors.Is(err, remote.ErrMissingConfiguration):
		d.logger.Warn("delta set not configured on the backend, disabling",
			slog.String("error", err.Error()),
		)

		if err := d.cache.DisableDelta(ctx); err != nil {
			return nil, err
		}

		plan.deltaSet = false

		return d.fetch(ctx, q, plan, p)
	default:
		return nil, err
	}
}

// fetchDelta applies the changes since the watermark and answers q from the
// cache, so the result matches exactly what is now cached.
func (d *DataStore) fetchDelta(ctx context.Context, q query.Query, since string, p *Progress) ([]record.Record, error) {
	p.addTotal(1)

	res, err := d.engine.remote.FindDelta(ctx, d.collection, q, since)
	if err != nil {
		return nil, err
	}

	changed, err := d.decode(res.Changed)
	if err != nil {
		return nil, err
	}

	mark := func(tx *store.Tx) error {
		return d.cache.SaveLastSyncTx(tx, q, res.RequestStart)
	}

	if err := d.reconcile(ctx, nil, changed, res.Deleted, mark); err != nil {
		return nil, err
	}

	p.step()

	d.logger.Debug("delta fetch applied",
		slog.Int("changed", len(changed)),
		slog.Int("deleted", len(res.Deleted)),
	)

	return d.cache.Find(ctx, q)
}

// fetchFull fetches q in one request. A result set too large for one
// response switches to auto-pagination.
func (d *DataStore) fetchFull(ctx context.Context, q query.Query, plan fetchPlan, p *Progress) ([]record.Record, error) {
	p.addTotal(1)

	res, err := d.engine.remote.Find(ctx, d.collection, q)
	if errors.Is(err, remote.ErrResultSetSizeExceeded) {
		d.logger.Info("result set too large, switching to auto-pagination")

		return d.fetchPaginated(ctx, q, plan, p)
	}

	if err != nil {
		return nil, err
	}

	recs, err := d.decode(res.Docs)
	if err != nil {
		return nil, err
	}

	if err := d.reconcileFetched(ctx, q, plan, recs, res.RequestStart); err != nil {
		return nil, err
	}

	p.step()

	return recs, nil
}

// fetchPaginated counts first, then fetches pages of at most pageSize
// concurrently. A limit that fits in one page needs no count. Nothing is
// cached unless every page succeeds.
func (d *DataStore) fetchPaginated(ctx context.Context, q query.Query, plan fetchPlan, p *Progress) ([]record.Record, error) {
	pageSize := d.pageSize

	total := q.Limit
	if total <= 0 || total > pageSize {
		n, err := d.engine.remote.Count(ctx, d.collection, q)
		if err != nil {
			return nil, err
		}

		total = windowed(n, q)
	}

	pages := (total + pageSize - 1) / pageSize
	if pages == 0 && plan.deltaSet && !q.Windowed() {
		// An empty result still needs one response to stamp the watermark.
		pages, total = 1, pageSize
	}
	p.addTotal(pages)

	base := q
	if len(base.Sort) == 0 {
		// Pages are only disjoint under a stable order.
		base = base.OrderBy(query.SortField{Field: record.KeyID})
	}

	var (
		docs         = make([][]json.RawMessage, pages)
		requestStart string
		firstPage    sync.Once
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(d.engine.remote.MaxConcurrency(), 1))

	for i := range pages {
		pq := base.Page(q.Skip+i*pageSize, min(pageSize, total-i*pageSize))

		g.Go(func() error {
			res, err := d.engine.remote.Find(gctx, d.collection, pq)
			if err != nil {
				return fmt.Errorf("page %d: %w", i, err)
			}

			firstPage.Do(func() { requestStart = res.RequestStart })

			docs[i] = res.Docs
			p.step()

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	var merged []json.RawMessage
	for _, page := range docs {
		merged = append(merged, page...)
	}

	recs, err := d.decode(merged)
	if err != nil {
		return nil, err
	}

	d.logger.Debug("paginated fetch complete",
		slog.Int("pages", pages),
		slog.Int("records", len(recs)),
	)

	if err := d.reconcileFetched(ctx, q, plan, recs, requestStart); err != nil {
		return nil, err
	}

	return recs, nil
}

// reconcileFetched caches a complete result set for q. For an
// unconstrained query, cached entities missing from the result are stale
// and deleted. The watermark advances only here, after a complete fetch.
func (d *DataStore) reconcileFetched(ctx context.Context, q query.Query, plan fetchPlan, recs []record.Record, requestStart string) error {
	var mark func(tx *store.Tx) error

	// A response without a request-start time cannot advance the watermark.
	if plan.deltaSet && !q.Windowed() && requestStart != "" {
		mark = func(tx *store.Tx) error {
			return d.cache.SaveLastSyncTx(tx, q, requestStart)
		}
	}

	var diff *query.Query
	if q.Unconstrained() {
		diff = &q
	}

	return d.reconcile(ctx, diff, recs, nil, mark)
}

// reconcile writes network state into the cache in one transaction: it
// deletes the ids in deleted, and with diffQuery set also every cached
// entity of that query absent from recs, then saves recs and finally runs
// after. Entities with a pending operation are left alone so unsent local
// changes survive.
func (d *DataStore) reconcile(ctx context.Context, diffQuery *query.Query, recs []record.Record, deleted []string,
	after func(tx *store.Tx) error,
) error {
	err := d.engine.store.Update(ctx, func(tx *store.Tx) error {
		pending, err := d.pendingIDsTx(tx)
		if err != nil {
			return err
		}

		stale := append([]string(nil), deleted...)

		if diffQuery != nil {
			ds, err := d.cache.ComputeDeltaSetTx(tx, *diffQuery, idsLmts(recs))
			if err != nil {
				return err
			}

			stale = append(stale, ds.Deleted...)
		}

		var drop []string

		for _, id := range stale {
			if !pending[id] {
				drop = append(drop, id)
			}
		}

		if _, err := d.cache.RemoveTx(tx, drop...); err != nil {
			return err
		}

		keep := make([]record.Record, 0, len(recs))

		for _, r := range recs {
			if pending[r.ID()] {
				d.logger.Debug("keeping local copy with pending operation", slog.String("id", r.ID()))
				continue
			}

			keep = append(keep, r)
		}

		if err := d.cache.SaveTx(tx, keep...); err != nil {
			return err
		}

		if after != nil {
			return after(tx)
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("datastore: reconciling %s: %w", d.collection, err)
	}

	return nil
}

func idsLmts(recs []record.Record) map[string]string {
	out := make(map[string]string, len(recs))
	for _, r := range recs {
		out[r.ID()] = r.LastModified()
	}

	return out
}
