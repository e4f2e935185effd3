package datastore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/tonimelisma/docsync/internal/record"
	"github.com/tonimelisma/docsync/internal/remote"
	"github.com/tonimelisma/docsync/internal/store"
	"github.com/tonimelisma/docsync/internal/syncqueue"
)

// IndexedError is the failure of one element of a multi-save.
type IndexedError struct {
	Index int
	Err   error
}

func (e IndexedError) Error() string {
	return fmt.Sprintf("item %d: %v", e.Index, e.Err)
}

func (e IndexedError) Unwrap() error {
	return e.Err
}

// MultiSaveResult is the outcome of SaveMany in input order. Entities holds
// nil at every index that failed; Errors lists those failures.
type MultiSaveResult struct {
	Entities []*record.Record
	Errors   []IndexedError
}

// Save writes rec. Locally it gets a temporary id and a default access
// control block when missing, is cached and queued for Push. Over the
// network the server's copy replaces the cached one and supersedes any
// queued create or update of the object.
func (d *DataStore) Save(ctx context.Context, rec record.Record, opts ...CallOption) *Request[record.Record] {
	o, _ := d.resolve(opts)
	m := d.writeMode(o)

	// Under LocalThenNetwork the network leg sends what the local leg stored.
	current := rec

	return run[record.Record](ctx, m, legs[record.Record]{
		local: func(ctx context.Context, _ *Progress) (record.Record, error) {
			prepared, err := d.saveLocal(ctx, []record.Record{rec})
			if err != nil {
				return record.Record{}, err
			}

			current = prepared[0]

			return current, nil
		},
		network: func(ctx context.Context, _ *Progress) (record.Record, error) {
			doc, err := d.engine.remote.Save(ctx, d.collection, current)
			if err != nil {
				return record.Record{}, err
			}

			saved, err := decodeOne(doc)
			if err != nil {
				return record.Record{}, err
			}

			if err := d.acceptSaved(ctx, []savedPair{{oldID: current.ID(), rec: saved}}); err != nil {
				return record.Record{}, err
			}

			return saved, nil
		},
	})
}

// SaveMany writes recs. Over the network, new entities are created in
// multi-insert requests of at most syncqueue.MaxBatchSize and existing ones
// are updated individually; requests run concurrently. Per-item failures
// are reported in the result, not as a call failure.
func (d *DataStore) SaveMany(ctx context.Context, recs []record.Record, opts ...CallOption) *Request[*MultiSaveResult] {
	if len(recs) == 0 {
		return failed[*MultiSaveResult](ErrEmptyInput)
	}

	o, _ := d.resolve(opts)
	current := append([]record.Record(nil), recs...)

	return run[*MultiSaveResult](ctx, d.writeMode(o), legs[*MultiSaveResult]{
		local: func(ctx context.Context, _ *Progress) (*MultiSaveResult, error) {
			prepared, err := d.saveLocal(ctx, recs)
			if err != nil {
				return nil, err
			}

			current = prepared

			res := &MultiSaveResult{Entities: make([]*record.Record, len(prepared))}
			for i := range prepared {
				res.Entities[i] = &prepared[i]
			}

			return res, nil
		},
		network: func(ctx context.Context, p *Progress) (*MultiSaveResult, error) {
			return d.saveManyNetwork(ctx, current, p)
		},
	})
}

// prepare gives a locally saved record a temporary id and a default access
// control block owned by the active user.
func (d *DataStore) prepare(rec record.Record) (record.Record, error) {
	if rec.ID() == "" {
		rec = rec.WithID(record.NewTempID())
	}

	if !rec.HasAcl() {
		if d.engine.userID == "" {
			return record.Record{}, remote.ErrNoActiveUser
		}

		rec = rec.WithAcl(record.Acl{Creator: d.engine.userID})
	}

	return rec, nil
}

// saveLocal caches recs and queues one operation per record, atomically.
func (d *DataStore) saveLocal(ctx context.Context, recs []record.Record) ([]record.Record, error) {
	prepared := make([]record.Record, len(recs))
	ops := make([]syncqueue.PendingOperation, len(recs))

	for i, rec := range recs {
		r, err := d.prepare(rec)
		if err != nil {
			return nil, err
		}

		req, err := d.engine.remote.NewSaveRequest(ctx, d.collection, r)
		if err != nil {
			return nil, err
		}

		op, err := syncqueue.CreatePendingOperation(req, d.collection, r.ID())
		if err != nil {
			return nil, err
		}

		prepared[i], ops[i] = r, op
	}

	err := d.engine.store.Update(ctx, func(tx *store.Tx) error {
		if err := d.cache.SaveTx(tx, prepared...); err != nil {
			return err
		}

		for _, op := range ops {
			if err := d.queue.SaveTx(tx, op); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("datastore: saving %s locally: %w", d.collection, err)
	}

	return prepared, nil
}

// savedPair is a server-acknowledged entity and the id it had locally.
type savedPair struct {
	oldID string
	rec   record.Record
}

// acceptSaved replaces each local copy with the server's and drops the
// creates and updates queued for it, in one transaction.
func (d *DataStore) acceptSaved(ctx context.Context, saved []savedPair) error {
	err := d.engine.store.Update(ctx, func(tx *store.Tx) error {
		for _, s := range saved {
			if err := d.cache.ReplaceTx(tx, s.oldID, s.rec); err != nil {
				return err
			}

			for _, id := range []string{s.oldID, s.rec.ID()} {
				if id == "" {
					continue
				}

				if _, err := d.queue.RemoveAllTx(tx, id, syncqueue.MethodCreate, syncqueue.MethodUpdate); err != nil {
					return err
				}
			}
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("datastore: caching saved %s: %w", d.collection, err)
	}

	return nil
}

func (d *DataStore) saveManyNetwork(ctx context.Context, recs []record.Record, p *Progress) (*MultiSaveResult, error) {
	var creates, updates []int

	for i, r := range recs {
		if r.IsNew() {
			creates = append(creates, i)
		} else {
			updates = append(updates, i)
		}
	}

	var chunks [][]int
	if d.multiInsert {
		for start := 0; start < len(creates); start += syncqueue.MaxBatchSize {
			chunks = append(chunks, creates[start:min(start+syncqueue.MaxBatchSize, len(creates))])
		}
	} else {
		updates = append(updates, creates...)
	}

	for _, i := range updates {
		chunks = append(chunks, []int{i})
	}

	p.addTotal(len(chunks))

	var (
		mu       sync.Mutex
		entities = make([]*record.Record, len(recs))
		errs     = make(map[int]error)
		saved    []savedPair
		failures int
	)

	fail := func(idx []int, err error) {
		mu.Lock()
		defer mu.Unlock()

		failures++

		for _, i := range idx {
			errs[i] = err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(d.engine.remote.MaxConcurrency(), 1))

	for _, chunk := range chunks {
		g.Go(func() error {
			defer p.step()

			if len(chunk) == 1 && (!d.multiInsert || !recs[chunk[0]].IsNew()) {
				doc, err := d.engine.remote.Save(gctx, d.collection, recs[chunk[0]])
				if err == nil {
					var rec record.Record

					if rec, err = decodeOne(doc); err == nil {
						mu.Lock()
						entities[chunk[0]] = &rec
						saved = append(saved, savedPair{oldID: recs[chunk[0]].ID(), rec: rec})
						mu.Unlock()

						return nil
					}
				}

				fail(chunk, err)

				return nil
			}

			batch := make([]record.Record, len(chunk))
			for j, i := range chunk {
				batch[j] = recs[i]
			}

			res, err := d.engine.remote.SaveMany(gctx, d.collection, batch)
			if err != nil {
				fail(chunk, err)
				return nil
			}

			d.collectBatch(chunk, batch, res, &mu, entities, errs, &saved)

			return nil
		})
	}

	_ = g.Wait()

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	if failures == len(chunks) {
		// Every request failed: the call itself failed.
		return nil, errs[chunks[0][0]]
	}

	if len(saved) > 0 {
		if err := d.acceptSaved(ctx, saved); err != nil {
			return nil, err
		}
	}

	res := &MultiSaveResult{Entities: entities}

	for i := range recs {
		if err, ok := errs[i]; ok {
			res.Errors = append(res.Errors, IndexedError{Index: i, Err: err})
		}
	}

	if len(res.Errors) > 0 {
		d.logger.Warn("multi-save partially failed",
			slog.Int("saved", len(saved)),
			slog.Int("failed", len(res.Errors)),
		)
	}

	return res, nil
}

// collectBatch maps one multi-insert response back onto input indexes.
func (d *DataStore) collectBatch(chunk []int, batch []record.Record, res *remote.MultiSaveResult,
	mu *sync.Mutex, entities []*record.Record, errs map[int]error, saved *[]savedPair,
) {
	mu.Lock()
	defer mu.Unlock()

	itemErrs := make(map[int]error, len(res.Errors))
	for _, e := range res.Errors {
		itemErrs[e.Index] = e
	}

	for j, i := range chunk {
		if err, ok := itemErrs[j]; ok {
			errs[i] = err
			continue
		}

		var doc json.RawMessage
		if j < len(res.Entities) {
			doc = res.Entities[j]
		}

		if doc == nil {
			errs[i] = fmt.Errorf("%w: no entity returned", remote.ErrInvalidResponse)
			continue
		}

		rec, err := decodeOne(doc)
		if err != nil {
			errs[i] = err
			continue
		}

		entities[i] = &rec
		*saved = append(*saved, savedPair{oldID: batch[j].ID(), rec: rec})
	}
}
