package cache

import (
	"context"
	"log/slog"

	"github.com/tonimelisma/docsync/internal/query"
	"github.com/tonimelisma/docsync/internal/store"
)

// DeltaSet classifies entity ids after comparing a fresh fetch with the
// cache. Each slice is sorted.
type DeltaSet struct {
	Created []string
	Updated []string
	Deleted []string
}

// IsEmpty reports whether nothing changed.
func (d DeltaSet) IsEmpty() bool {
	return len(d.Created) == 0 && len(d.Updated) == 0 && len(d.Deleted) == 0
}

// ComputeDeltaSet diffs refObjs (fresh id to lmt) against cached (cache id to
// lmt): created = ref - cached, deleted = cached - ref, updated = ids in both
// whose lmt differs.
func ComputeDeltaSet(refObjs, cached map[string]string) DeltaSet {
	created := make(map[string]bool)
	updated := make(map[string]bool)
	deleted := make(map[string]bool)

	for id, lmt := range refObjs {
		old, ok := cached[id]

		switch {
		case !ok:
			created[id] = true
		case old != lmt:
			updated[id] = true
		}
	}

	for id := range cached {
		if _, ok := refObjs[id]; !ok {
			deleted[id] = true
		}
	}

	return DeltaSet{
		Created: sortedKeys(created),
		Updated: sortedKeys(updated),
		Deleted: sortedKeys(deleted),
	}
}

// ComputeDeltaSet diffs refObjs against the cached entities matching q.
func (c *Cache) ComputeDeltaSet(ctx context.Context, q query.Query, refObjs map[string]string) (DeltaSet, error) {
	var ds DeltaSet

	err := c.db.View(ctx, func(tx *store.Tx) error {
		var err error

		ds, err = c.ComputeDeltaSetTx(tx, q, refObjs)

		return err
	})

	return ds, err
}

// ComputeDeltaSetTx is ComputeDeltaSet inside an open transaction.
func (c *Cache) ComputeDeltaSetTx(tx *store.Tx, q query.Query, refObjs map[string]string) (DeltaSet, error) {
	cached, err := c.IDsLmtsTx(tx, q)
	if err != nil {
		return DeltaSet{}, err
	}

	ds := ComputeDeltaSet(refObjs, cached)

	c.logger.Debug("delta set computed",
		slog.String("collection", c.collection),
		slog.Int("created", len(ds.Created)),
		slog.Int("updated", len(ds.Updated)),
		slog.Int("deleted", len(ds.Deleted)),
	)

	return ds, nil
}
