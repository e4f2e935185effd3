package datastore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/tonimelisma/docsync/internal/record"
	"github.com/tonimelisma/docsync/internal/remote"
	"github.com/tonimelisma/docsync/internal/store"
	"github.com/tonimelisma/docsync/internal/syncqueue"
)

// PushError is the failure to deliver one queued operation.
type PushError struct {
	RequestID string
	ObjectID  string
	Method    string

	// Dropped is set when the operation was removed from the queue because
	// it can never succeed.
	Dropped bool
	Err     error
}

func (e *PushError) Error() string {
	return fmt.Sprintf("push %s %s: %v", e.Method, e.ObjectID, e.Err)
}

func (e *PushError) Unwrap() error {
	return e.Err
}

// PushResult counts delivered operations and lists the failed ones. A
// failed operation stays queued unless its error says Dropped.
type PushResult struct {
	Count  int
	Errors []*PushError
}

// Push replays the sync queue in queue order. Operations are independent:
// one failure does not stop the others.
func (d *DataStore) Push(ctx context.Context) *Request[*PushResult] {
	if err := d.requireSyncable(); err != nil {
		return failed[*PushResult](err)
	}

	return run[*PushResult](ctx, modeNetwork, legs[*PushResult]{
		network: d.push,
	})
}

func (d *DataStore) push(ctx context.Context, p *Progress) (*PushResult, error) {
	ops, err := d.queue.Batches(ctx, d.multiInsert, syncqueue.MaxBatchSize)
	if err != nil {
		return nil, err
	}

	p.addTotal(len(ops))

	var (
		mu  sync.Mutex
		res = &PushResult{}
		// errs is indexed by queue position so the report is deterministic.
		errs = make([][]*PushError, len(ops))
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(d.engine.remote.MaxConcurrency(), 1))

	for i, op := range ops {
		g.Go(func() error {
			delivered, failures := d.pushOne(gctx, op)

			mu.Lock()
			res.Count += delivered
			errs[i] = failures
			mu.Unlock()

			p.step()

			return nil
		})
	}

	_ = g.Wait()

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	for _, e := range errs {
		res.Errors = append(res.Errors, e...)
	}

	d.logger.Info("push complete",
		slog.Int("operations", len(ops)),
		slog.Int("delivered", res.Count),
		slog.Int("failed", len(res.Errors)),
	)

	return res, nil
}

// pushOne delivers op and returns how many queued operations it retired.
func (d *DataStore) pushOne(ctx context.Context, op syncqueue.PendingOperation) (int, []*PushError) {
	fail := func(err error, dropped bool) []*PushError {
		return []*PushError{{
			RequestID: op.RequestID,
			ObjectID:  op.ObjectID,
			Method:    op.Method,
			Dropped:   dropped,
			Err:       err,
		}}
	}

	req, err := op.NewRequest(ctx)
	if err != nil {
		return 0, fail(err, false)
	}

	resp, err := d.engine.remote.Replay(ctx, req)

	switch {
	case err == nil:
	case op.Method == syncqueue.MethodDelete && errors.Is(err, remote.ErrNotFound):
		// Already gone on the server: the delete is delivered.
	case remote.IsInsufficientCredentials(err):
		d.logger.Warn("dropping operation the user may never perform",
			slog.String("request_id", op.RequestID),
			slog.String("object_id", op.ObjectID),
			slog.String("method", op.Method),
		)

		if rmErr := d.queue.Remove(ctx, op); rmErr != nil {
			return 0, fail(errors.Join(err, rmErr), false)
		}

		return 0, fail(err, true)
	default:
		d.logger.Warn("push failed, operation stays queued",
			slog.String("request_id", op.RequestID),
			slog.String("object_id", op.ObjectID),
			slog.String("method", op.Method),
			slog.String("error", err.Error()),
		)

		return 0, fail(err, false)
	}

	if op.IsBatch() {
		return d.acceptBatch(ctx, op, resp)
	}

	err = d.engine.store.Update(ctx, func(tx *store.Tx) error {
		if op.Method == syncqueue.MethodDelete {
			return d.queue.RemoveTx(tx, op)
		}

		rec, err := decodeOne(resp.Body)
		if err != nil {
			return err
		}

		return d.retireTx(ctx, tx, op, rec)
	})
	if err != nil {
		return 0, fail(err, false)
	}

	return 1, nil
}

// retireTx removes a delivered operation and caches the server's copy of
// its object under the server id. If a newer operation for the object was
// queued meanwhile, the local copy is newer than the server's and stays.
func (d *DataStore) retireTx(ctx context.Context, tx *store.Tx, op syncqueue.PendingOperation, rec record.Record) error {
	if err := d.queue.RemoveTx(tx, op); err != nil {
		return err
	}

	newer, err := d.queue.PendingOperationsTx(tx, op.ObjectID)
	if err != nil {
		return err
	}

	if len(newer) == 0 {
		return d.cache.ReplaceTx(tx, op.ObjectID, rec)
	}

	if op.ObjectID != "" && op.ObjectID != rec.ID() {
		return d.migrateTx(ctx, tx, op.ObjectID, rec, newer[len(newer)-1])
	}

	d.logger.Info("object changed during push, keeping local copy",
		slog.String("object_id", op.ObjectID))

	return nil
}

// migrateTx moves an object saved again while its create was in flight
// from tempID to the id the server assigned. The local body is kept and
// the newer operation is queued again as an update of the server entity.
func (d *DataStore) migrateTx(ctx context.Context, tx *store.Tx, tempID string, server record.Record,
	latest syncqueue.PendingOperation,
) error {
	local, found, err := d.cache.FindByIDTx(tx, tempID)
	if err != nil {
		return err
	}

	if !found {
		if local, err = record.Parse(latest.Body); err != nil {
			return fmt.Errorf("datastore: reading queued body for %s: %w", tempID, err)
		}
	}

	md, err := server.Metadata()
	if err != nil {
		return err
	}

	migrated := local.WithID(server.ID()).WithMetadata(md)

	if _, err := d.queue.RemoveAllTx(tx, tempID); err != nil {
		return err
	}

	if err := d.cache.ReplaceTx(tx, tempID, migrated); err != nil {
		return err
	}

	req, err := d.engine.remote.NewSaveRequest(ctx, d.collection, migrated)
	if err != nil {
		return err
	}

	op, err := syncqueue.CreatePendingOperation(req, d.collection, migrated.ID())
	if err != nil {
		return err
	}

	d.logger.Info("object changed during push, moved to server id",
		slog.String("temp_id", tempID),
		slog.String("object_id", migrated.ID()),
	)

	return d.queue.SaveTx(tx, op)
}

// acceptBatch retires the members of a delivered multi-insert that the
// backend saved; the rest stay queued and are reported.
func (d *DataStore) acceptBatch(ctx context.Context, op syncqueue.PendingOperation, resp *remote.Response) (int, []*PushError) {
	members := op.Members()

	res, err := remote.ParseMultiSave(resp.Body, len(members))
	if err != nil {
		return 0, []*PushError{{RequestID: op.RequestID, Method: op.Method, Err: err}}
	}

	itemErrs := make(map[int]error, len(res.Errors))
	for _, e := range res.Errors {
		itemErrs[e.Index] = e
	}

	var (
		delivered int
		failures  []*PushError
	)

	err = d.engine.store.Update(ctx, func(tx *store.Tx) error {
		delivered, failures = 0, nil

		for i, m := range members {
			itemErr, failed := itemErrs[i]
			if !failed && res.Entities[i] == nil {
				itemErr, failed = fmt.Errorf("%w: no entity returned", remote.ErrInvalidResponse), true
			}

			var rec record.Record
			if !failed {
				rec, itemErr = decodeOne(res.Entities[i])
				failed = itemErr != nil
			}

			if failed {
				failures = append(failures, &PushError{
					RequestID: m.RequestID,
					ObjectID:  m.ObjectID,
					Method:    m.Method,
					Err:       itemErr,
				})

				continue
			}

			if err := d.retireTx(ctx, tx, m, rec); err != nil {
				return err
			}

			delivered++
		}

		return nil
	})
	if err != nil {
		return 0, []*PushError{{RequestID: op.RequestID, Method: op.Method, Err: err}}
	}

	return delivered, failures
}
