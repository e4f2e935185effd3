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

// RemoveByID deletes one entity and returns how many were removed.
func (d *DataStore) RemoveByID(ctx context.Context, id string, opts ...CallOption) *Request[int] {
	return d.RemoveByIDs(ctx, []string{id}, opts...)
}

// RemoveByIDs deletes entities by id. Locally each is removed from the
// cache; an entity the server never saw loses its queued operations, any
// other gets a queued delete.
func (d *DataStore) RemoveByIDs(ctx context.Context, ids []string, opts ...CallOption) *Request[int] {
	if len(ids) == 0 {
		return failed[int](ErrEmptyInput)
	}

	o, _ := d.resolve(opts)

	return run[int](ctx, d.writeMode(o), legs[int]{
		local: func(ctx context.Context, _ *Progress) (int, error) {
			var n int

			err := d.engine.store.Update(ctx, func(tx *store.Tx) error {
				var err error

				if n, err = d.cache.RemoveTx(tx, ids...); err != nil {
					return err
				}

				return d.queueDeletesTx(ctx, tx, ids)
			})
			if err != nil {
				return 0, fmt.Errorf("datastore: removing from %s: %w", d.collection, err)
			}

			return n, nil
		},
		network: func(ctx context.Context, p *Progress) (int, error) {
			p.addTotal(len(ids))

			var (
				n       int
				removed []string
			)

			for _, id := range ids {
				if record.IsTempID(id) {
					// Never reached the server; the local leg already dropped it.
					p.step()
					continue
				}

				count, err := d.engine.remote.RemoveByID(ctx, d.collection, id)
				if err != nil && !errors.Is(err, remote.ErrNotFound) {
					return n, err
				}

				n += count
				removed = append(removed, id)
				p.step()
			}

			return n, d.forget(ctx, removed)
		},
	})
}

// RemoveByQuery deletes the entities matching q. Locally the matches are
// detached, deleted from the cache and their deletes queued; over the
// network the backend deletes by query and the same matches leave the
// cache.
func (d *DataStore) RemoveByQuery(ctx context.Context, q query.Query, opts ...CallOption) *Request[int] {
	o, _ := d.resolve(opts)

	// Under LocalThenNetwork the network leg also retires the deletes the
	// local leg queued.
	var queued []string

	return run[int](ctx, d.writeMode(o), legs[int]{
		local: func(ctx context.Context, _ *Progress) (int, error) {
			var n int

			err := d.engine.store.Update(ctx, func(tx *store.Tx) error {
				removed, err := d.cache.RemoveByQueryTx(tx, q)
				if err != nil {
					return err
				}

				n = len(removed)

				ids := make([]string, len(removed))
				for i, r := range removed {
					ids[i] = r.ID()

					if !record.IsTempID(ids[i]) {
						queued = append(queued, ids[i])
					}
				}

				return d.queueDeletesTx(ctx, tx, ids)
			})
			if err != nil {
				return 0, fmt.Errorf("datastore: removing from %s: %w", d.collection, err)
			}

			return n, nil
		},
		network: func(ctx context.Context, _ *Progress) (int, error) {
			n, err := d.engine.remote.RemoveByQuery(ctx, d.collection, q)
			if err != nil {
				return 0, err
			}

			removed, err := d.cache.RemoveByQuery(ctx, q)
			if err != nil {
				return n, err
			}

			ids := queued
			for _, r := range removed {
				ids = append(ids, r.ID())
			}

			return n, d.forget(ctx, ids)
		},
	})
}

// queueDeletesTx queues a delete for each id, or drops the queued
// operations of ids that only ever existed locally.
func (d *DataStore) queueDeletesTx(ctx context.Context, tx *store.Tx, ids []string) error {
	for _, id := range ids {
		if record.IsTempID(id) {
			n, err := d.queue.RemoveAllTx(tx, id)
			if err != nil {
				return err
			}

			d.logger.Debug("discarded local-only entity", slog.String("id", id), slog.Int("operations", n))

			continue
		}

		req, err := d.engine.remote.NewRemoveRequest(ctx, d.collection, id)
		if err != nil {
			return err
		}

		op, err := syncqueue.CreatePendingOperation(req, d.collection, id)
		if err != nil {
			return err
		}

		if err := d.queue.SaveTx(tx, op); err != nil {
			return err
		}
	}

	return nil
}

// forget removes deleted entities from the cache together with any
// operation still queued for them.
func (d *DataStore) forget(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	err := d.engine.store.Update(ctx, func(tx *store.Tx) error {
		if _, err := d.cache.RemoveTx(tx, ids...); err != nil {
			return err
		}

		for _, id := range ids {
			if _, err := d.queue.RemoveAllTx(tx, id); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("datastore: forgetting removed %s: %w", d.collection, err)
	}

	return nil
}
