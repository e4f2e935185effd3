package cache

import (
	"context"
	"log/slog"

	"github.com/tonimelisma/docsync/internal/query"
	"github.com/tonimelisma/docsync/internal/store"
)

// deltaDisabledPrefix keys the per-collection setting recorded when the
// backend reports delta-set as not configured.
const deltaDisabledPrefix = "deltaset.disabled/"

func (c *Cache) watermarkKey(q query.Query) store.WatermarkKey {
	filter, fields := q.Signature()

	return store.WatermarkKey{Collection: c.collection, Query: filter, Fields: fields}
}

// LastSync returns the watermark of q's signature: the server request-start
// time of the last complete fetch.
func (c *Cache) LastSync(ctx context.Context, q query.Query) (string, bool, error) {
	var (
		v  string
		ok bool
	)

	err := c.db.View(ctx, func(tx *store.Tx) error {
		var err error

		v, ok, err = tx.GetWatermark(c.watermarkKey(q))

		return err
	})

	return v, ok, err
}

// SaveLastSync advances q's watermark.
func (c *Cache) SaveLastSync(ctx context.Context, q query.Query, lastSync string) error {
	return c.db.Update(ctx, func(tx *store.Tx) error {
		return c.SaveLastSyncTx(tx, q, lastSync)
	})
}

// SaveLastSyncTx is SaveLastSync inside an open transaction. An empty
// lastSync is ignored: without a server timestamp the watermark must not
// move.
func (c *Cache) SaveLastSyncTx(tx *store.Tx, q query.Query, lastSync string) error {
	if lastSync == "" {
		c.logger.Warn("no server request-start time, watermark not advanced",
			slog.String("collection", c.collection))

		return nil
	}

	return tx.PutWatermark(c.watermarkKey(q), lastSync)
}

// InvalidateLastSync forgets q's watermark so the next fetch is a full one.
func (c *Cache) InvalidateLastSync(ctx context.Context, q query.Query) error {
	return c.db.Update(ctx, func(tx *store.Tx) error {
		return c.InvalidateLastSyncTx(tx, q)
	})
}

// InvalidateLastSyncTx is InvalidateLastSync inside an open transaction.
func (c *Cache) InvalidateLastSyncTx(tx *store.Tx, q query.Query) error {
	return tx.DeleteWatermark(c.watermarkKey(q))
}

// WatermarkCount reports how many query signatures have a watermark.
func (c *Cache) WatermarkCount(ctx context.Context) (int, error) {
	var n int

	err := c.db.View(ctx, func(tx *store.Tx) error {
		var err error

		n, err = tx.CountWatermarks(c.collection)

		return err
	})

	return n, err
}

// DeltaDisabled reports whether delta fetches were turned off for this
// collection after the backend said the feature is not configured.
func (c *Cache) DeltaDisabled(ctx context.Context) (bool, error) {
	var disabled bool

	err := c.db.View(ctx, func(tx *store.Tx) error {
		v, ok, err := tx.GetSetting(deltaDisabledPrefix + c.collection)
		disabled = ok && v == "true"

		return err
	})

	return disabled, err
}

// DisableDelta persists the delta-disabled flag and drops every watermark
// of the collection.
func (c *Cache) DisableDelta(ctx context.Context) error {
	err := c.db.Update(ctx, func(tx *store.Tx) error {
		if err := tx.PutSetting(deltaDisabledPrefix+c.collection, "true"); err != nil {
			return err
		}

		return tx.DeleteWatermarks(c.collection)
	})
	if err != nil {
		return err
	}

	c.logger.Warn("delta set disabled for collection", slog.String("collection", c.collection))

	return nil
}
