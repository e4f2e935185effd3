// Package syncqueue is the durable log of mutations made while offline or
// under a deferred write policy. At most one operation per (collection,
// object) is outstanding: saving a newer one replaces the older. Push
// replays the queue in insertion order; an operation leaves the queue only
// after the backend acknowledged it or it was purged.
package syncqueue

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/tonimelisma/docsync/internal/store"
)

// MaxBatchSize is the backend's ceiling on entities per multi-insert.
const MaxBatchSize = 100

// Store is the transactional capability the queue needs.
type Store interface {
	Update(ctx context.Context, fn func(tx *store.Tx) error) error
	View(ctx context.Context, fn func(tx *store.Tx) error) error
}

// Queue is the pending-operation log of one collection.
type Queue struct {
	db         Store
	collection string
	logger     *slog.Logger

	// mu serializes coalescing so a read-modify-write of one object's
	// operation never interleaves with another in this process.
	mu sync.Mutex
}

// New returns the queue of collection.
func New(db Store, collection string, logger *slog.Logger) *Queue {
	return &Queue{db: db, collection: collection, logger: logger}
}

// Collection returns the collection name.
func (q *Queue) Collection() string {
	return q.collection
}

// Save stores op, first deleting any operation already queued for the same
// object.
func (q *Queue) Save(ctx context.Context, op PendingOperation) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.db.Update(ctx, func(tx *store.Tx) error {
		return q.SaveTx(tx, op)
	})
}

// SaveTx is Save inside an open transaction.
func (q *Queue) SaveTx(tx *store.Tx, op PendingOperation) error {
	if op.Collection == "" {
		op.Collection = q.collection
	}

	if op.RequestID == "" {
		op.RequestID = uuid.NewString()
	}

	if op.ObjectID != "" {
		n, err := tx.DeletePendingFor(op.Collection, op.ObjectID)
		if err != nil {
			return err
		}

		if n > 0 {
			q.logger.Debug("pending operation superseded",
				slog.String("collection", op.Collection),
				slog.String("object_id", op.ObjectID),
				slog.String("method", op.Method),
			)
		}
	}

	if err := tx.InsertPending(op.row()); err != nil {
		return fmt.Errorf("syncqueue: saving operation for %s/%s: %w", op.Collection, op.ObjectID, err)
	}

	return nil
}

// PendingOperations returns the outstanding operations in insertion order,
// optionally only those targeting objectID.
func (q *Queue) PendingOperations(ctx context.Context, objectID string) ([]PendingOperation, error) {
	var ops []PendingOperation

	err := q.db.View(ctx, func(tx *store.Tx) error {
		var err error

		ops, err = q.PendingOperationsTx(tx, objectID)

		return err
	})

	return ops, err
}

// PendingOperationsTx is PendingOperations inside an open transaction.
func (q *Queue) PendingOperationsTx(tx *store.Tx, objectID string) ([]PendingOperation, error) {
	rows, err := tx.ListPending(q.collection, objectID)
	if err != nil {
		return nil, err
	}

	ops := make([]PendingOperation, len(rows))
	for i, r := range rows {
		ops[i] = fromRow(r)
	}

	return ops, nil
}

// Batches returns the operations to replay. With multiInsert set, create
// operations are coalesced into batch operations of at most maxBatch
// members whose body is the JSON array of the members' bodies. Coalescing
// only happens when every queued create targets the same URL and carries a
// JSON object body; otherwise each operation is replayed on its own. A
// batch takes the queue position of its first member.
func (q *Queue) Batches(ctx context.Context, multiInsert bool, maxBatch int) ([]PendingOperation, error) {
	ops, err := q.PendingOperations(ctx, "")
	if err != nil {
		return nil, err
	}

	if !multiInsert {
		return ops, nil
	}

	return coalesceCreates(ops, maxBatch, q.logger), nil
}

func coalesceCreates(ops []PendingOperation, maxBatch int, logger *slog.Logger) []PendingOperation {
	if maxBatch <= 0 || maxBatch > MaxBatchSize {
		maxBatch = MaxBatchSize
	}

	var creates []int

	for i, op := range ops {
		if op.Method == MethodCreate {
			creates = append(creates, i)
		}
	}

	if len(creates) < 2 {
		return ops
	}

	url := ops[creates[0]].URL

	for _, i := range creates {
		if ops[i].URL != url || ops[i].ObjectID == "" || !gjson.ValidBytes(ops[i].Body) || !gjson.ParseBytes(ops[i].Body).IsObject() {
			logger.Debug("create operations not coalesced",
				slog.String("request_id", ops[i].RequestID),
				slog.String("url", ops[i].URL),
			)

			return ops
		}
	}

	// batchAt maps the index of a chunk's first member to the batch.
	batchAt := make(map[int]PendingOperation)
	member := make(map[int]bool, len(creates))

	for start := 0; start < len(creates); start += maxBatch {
		end := min(start+maxBatch, len(creates))
		chunk := creates[start:end]

		for _, i := range chunk {
			member[i] = true
		}

		if len(chunk) == 1 {
			batchAt[chunk[0]] = ops[chunk[0]]

			continue
		}

		batchAt[chunk[0]] = buildBatch(ops, chunk)
	}

	out := make([]PendingOperation, 0, len(ops)-len(creates)+len(batchAt))

	for i, op := range ops {
		if !member[i] {
			out = append(out, op)

			continue
		}

		if b, ok := batchAt[i]; ok {
			out = append(out, b)
		}
	}

	return out
}

func buildBatch(ops []PendingOperation, chunk []int) PendingOperation {
	first := ops[chunk[0]]

	b := PendingOperation{
		RequestID:  uuid.NewString(),
		Collection: first.Collection,
		Method:     MethodCreate,
		URL:        first.URL,
		Header:     first.Header.Clone(),
		CreatedAt:  first.CreatedAt,
		ObjectIDs:  make([]string, 0, len(chunk)),
		members:    make([]PendingOperation, 0, len(chunk)),
	}

	var body bytes.Buffer

	body.WriteByte('[')

	for n, i := range chunk {
		if n > 0 {
			body.WriteByte(',')
		}

		body.Write(ops[i].Body)
		b.ObjectIDs = append(b.ObjectIDs, ops[i].ObjectID)
		b.members = append(b.members, ops[i])
	}

	body.WriteByte(']')
	b.Body = body.Bytes()

	return b
}

// Remove deletes op; for a batch, every member.
func (q *Queue) Remove(ctx context.Context, op PendingOperation) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.db.Update(ctx, func(tx *store.Tx) error {
		return q.RemoveTx(tx, op)
	})
}

// RemoveTx is Remove inside an open transaction.
func (q *Queue) RemoveTx(tx *store.Tx, op PendingOperation) error {
	if op.IsBatch() {
		for _, m := range op.members {
			if _, err := tx.DeletePending(m.RequestID); err != nil {
				return err
			}
		}

		return nil
	}

	_, err := tx.DeletePending(op.RequestID)

	return err
}

// RemoveAll deletes the operations targeting objectID, restricted to methods
// when given. An empty objectID matches every operation of the collection.
func (q *Queue) RemoveAll(ctx context.Context, objectID string, methods ...string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var n int

	err := q.db.Update(ctx, func(tx *store.Tx) error {
		var err error

		n, err = q.RemoveAllTx(tx, objectID, methods...)

		return err
	})

	return n, err
}

// RemoveAllTx is RemoveAll inside an open transaction.
func (q *Queue) RemoveAllTx(tx *store.Tx, objectID string, methods ...string) (int, error) {
	return tx.DeletePendingFor(q.collection, objectID, methods...)
}

// Count returns the number of outstanding operations.
func (q *Queue) Count(ctx context.Context) (int, error) {
	var n int

	err := q.db.View(ctx, func(tx *store.Tx) error {
		var err error

		n, err = tx.CountPending(q.collection)

		return err
	})

	return n, err
}
