package datastore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tonimelisma/docsync/internal/query"
	"github.com/tonimelisma/docsync/internal/record"
	"github.com/tonimelisma/docsync/internal/remote"
	"github.com/tonimelisma/docsync/internal/store"
	"github.com/tonimelisma/docsync/internal/syncqueue"
)

// SyncResult is the outcome of Sync. Pulled is nil when the push reported
// errors and the pull was skipped.
type SyncResult struct {
	Push   *PushResult
	Pulled []record.Record
}

// Pull refreshes the cache with the server's entities matching q. It
// refuses while the collection has pending operations, which a pull could
// otherwise shadow.
func (d *DataStore) Pull(ctx context.Context, q query.Query, opts ...CallOption) *Request[[]record.Record] {
	if err := d.requireSyncable(); err != nil {
		return failed[[]record.Record](err)
	}

	_, plan := d.resolve(opts)

	return run[[]record.Record](ctx, modeNetwork, legs[[]record.Record]{
		network: func(ctx context.Context, p *Progress) ([]record.Record, error) {
			return d.pull(ctx, q, plan, p)
		},
	})
}

func (d *DataStore) pull(ctx context.Context, q query.Query, plan fetchPlan, p *Progress) ([]record.Record, error) {
	n, err := d.queue.Count(ctx)
	if err != nil {
		return nil, err
	}

	if n > 0 {
		return nil, fmt.Errorf("%w: %d queued for %s", ErrPendingOperations, n, d.collection)
	}

	return d.fetch(ctx, q, plan, p)
}

// Sync pushes the queue and, if every operation was delivered, pulls q.
func (d *DataStore) Sync(ctx context.Context, q query.Query, opts ...CallOption) *Request[*SyncResult] {
	if err := d.requireSyncable(); err != nil {
		return failed[*SyncResult](err)
	}

	_, plan := d.resolve(opts)

	return run[*SyncResult](ctx, modeNetwork, legs[*SyncResult]{
		network: func(ctx context.Context, p *Progress) (*SyncResult, error) {
			pushed, err := d.push(ctx, p)
			if err != nil {
				return nil, err
			}

			res := &SyncResult{Push: pushed}

			if len(pushed.Errors) > 0 {
				d.logger.Warn("push reported errors, skipping pull", slog.Int("errors", len(pushed.Errors)))

				return res, nil
			}

			if res.Pulled, err = d.pull(ctx, q, plan, p); err != nil {
				return res, err
			}

			return res, nil
		},
	})
}

// Purge discards queued operations without sending them, then pulls q so
// the cache reflects the server. A discarded create takes its local-only
// entity with it; a discarded update first restores the server's copy.
// With a constrained q only operations on cached entities matching q are
// purged.
func (d *DataStore) Purge(ctx context.Context, q query.Query, opts ...CallOption) *Request[int] {
	if err := d.requireSyncable(); err != nil {
		return failed[int](err)
	}

	_, plan := d.resolve(opts)

	return run[int](ctx, modeNetwork, legs[int]{
		network: func(ctx context.Context, p *Progress) (int, error) {
			n, err := d.purge(ctx, q, p)
			if err != nil {
				return n, err
			}

			if _, err := d.fetch(ctx, q, plan, p); err != nil {
				return n, fmt.Errorf("datastore: refreshing %s after purge: %w", d.collection, err)
			}

			return n, nil
		},
	})
}

func (d *DataStore) purge(ctx context.Context, q query.Query, p *Progress) (int, error) {
	ops, err := d.purgeable(ctx, q)
	if err != nil {
		return 0, err
	}

	p.addTotal(len(ops))

	purged := 0

	for _, op := range ops {
		if err := d.purgeOne(ctx, op); err != nil {
			return purged, fmt.Errorf("datastore: purging %s %s: %w", op.Method, op.ObjectID, err)
		}

		purged++
		p.step()
	}

	d.logger.Info("purge complete", slog.Int("purged", purged))

	return purged, nil
}

func (d *DataStore) purgeable(ctx context.Context, q query.Query) ([]syncqueue.PendingOperation, error) {
	ops, err := d.queue.PendingOperations(ctx, "")
	if err != nil || q.Filter == nil {
		return ops, err
	}

	matches, err := d.cache.FindIDsLmts(ctx, query.Query{Filter: q.Filter})
	if err != nil {
		return nil, err
	}

	var out []syncqueue.PendingOperation

	for _, op := range ops {
		if _, ok := matches[op.ObjectID]; ok {
			out = append(out, op)
		}
	}

	return out, nil
}

func (d *DataStore) purgeOne(ctx context.Context, op syncqueue.PendingOperation) error {
	switch op.Method {
	case syncqueue.MethodUpdate:
		doc, err := d.engine.remote.Get(ctx, d.collection, op.ObjectID)
		if err != nil && !errors.Is(err, remote.ErrNotFound) {
			return err
		}

		var server record.Record
		if err == nil {
			if server, err = decodeOne(doc); err != nil {
				return err
			}
		}

		return d.engine.store.Update(ctx, func(tx *store.Tx) error {
			if server.IsZero() {
				if _, err := d.cache.RemoveTx(tx, op.ObjectID); err != nil {
					return err
				}
			} else if err := d.cache.SaveTx(tx, server); err != nil {
				return err
			}

			return d.queue.RemoveTx(tx, op)
		})
	case syncqueue.MethodCreate:
		return d.engine.store.Update(ctx, func(tx *store.Tx) error {
			if _, err := d.cache.RemoveTx(tx, op.ObjectID); err != nil {
				return err
			}

			return d.queue.RemoveTx(tx, op)
		})
	default:
		return d.queue.Remove(ctx, op)
	}
}
