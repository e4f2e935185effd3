package syncqueue

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/docsync/internal/store"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(&testLogWriter{t: t}, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

// testLogWriter adapts testing.T to io.Writer for slog.
type testLogWriter struct {
	t *testing.T
}

func (w *testLogWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))

	return len(p), nil
}

func newTestQueue(t *testing.T) *Queue {
	t.Helper()

	db, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "queue.db"), testLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return New(db, "books", testLogger(t))
}

func newOp(t *testing.T, method, url, objectID, body string) PendingOperation {
	t.Helper()

	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}

	req, err := http.NewRequest(method, url, rdr)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	op, err := CreatePendingOperation(req, "books", objectID)
	require.NoError(t, err)

	return op
}

const booksURL = "https://api.example.com/appdata/kid/books/"

func TestCreatePendingOperation_CapturesRequest(t *testing.T) {
	req, err := http.NewRequest(http.MethodPut, booksURL+"1", strings.NewReader(`{"_id":"1"}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Kinvey secret")
	req.Header.Set("X-Kinvey-API-Version", "3")

	op, err := CreatePendingOperation(req, "books", "1")
	require.NoError(t, err)

	assert.NotEmpty(t, op.RequestID)
	assert.Equal(t, http.MethodPut, op.Method)
	assert.Equal(t, booksURL+"1", op.URL)
	assert.Equal(t, `{"_id":"1"}`, string(op.Body))
	assert.Empty(t, op.Header.Get("Authorization"), "credentials are attached at replay time")
	assert.Equal(t, "3", op.Header.Get("X-Kinvey-API-Version"))

	// The original request stays readable.
	rest, err := io.ReadAll(req.Body)
	require.NoError(t, err)
	assert.Equal(t, `{"_id":"1"}`, string(rest))

	rebuilt, err := op.NewRequest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, http.MethodPut, rebuilt.Method)
	body, err := io.ReadAll(rebuilt.Body)
	require.NoError(t, err)
	assert.Equal(t, `{"_id":"1"}`, string(body))
}

func TestCreatePendingOperation_RejectsReads(t *testing.T) {
	req, err := http.NewRequest(http.MethodGet, booksURL, nil)
	require.NoError(t, err)

	_, err = CreatePendingOperation(req, "books", "")
	require.Error(t, err)
}

func TestSave_CoalescesPerObject(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	for i := range 5 {
		require.NoError(t, q.Save(ctx, newOp(t, http.MethodPut, booksURL+"1", "1", fmt.Sprintf(`{"_id":"1","v":%d}`, i))))
	}

	require.NoError(t, q.Save(ctx, newOp(t, http.MethodPut, booksURL+"2", "2", `{"_id":"2"}`)))

	ops, err := q.PendingOperations(ctx, "1")
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.JSONEq(t, `{"_id":"1","v":4}`, string(ops[0].Body))

	n, err := q.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestSave_DeleteSupersedesUpdate(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Save(ctx, newOp(t, http.MethodPut, booksURL+"1", "1", `{"_id":"1"}`)))
	require.NoError(t, q.Save(ctx, newOp(t, http.MethodDelete, booksURL+"1", "1", "")))

	ops, err := q.PendingOperations(ctx, "")
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, MethodDelete, ops[0].Method)
	assert.Nil(t, ops[0].Body)
}

func TestPendingOperations_InsertionOrder(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	for _, id := range []string{"c", "a", "b"} {
		require.NoError(t, q.Save(ctx, newOp(t, http.MethodPut, booksURL+id, id, `{}`)))
	}

	// Re-saving "c" moves it to the end.
	require.NoError(t, q.Save(ctx, newOp(t, http.MethodPut, booksURL+"c", "c", `{"x":1}`)))

	ops, err := q.PendingOperations(ctx, "")
	require.NoError(t, err)

	got := make([]string, len(ops))
	for i, op := range ops {
		got[i] = op.ObjectID
	}

	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestBatches_CoalescesCreatesOnSameURL(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Save(ctx, newOp(t, http.MethodPut, booksURL+"u1", "u1", `{"_id":"u1"}`)))
	require.NoError(t, q.Save(ctx, newOp(t, http.MethodPost, booksURL, "tmp_1", `{"n":1}`)))
	require.NoError(t, q.Save(ctx, newOp(t, http.MethodDelete, booksURL+"d1", "d1", "")))
	require.NoError(t, q.Save(ctx, newOp(t, http.MethodPost, booksURL, "tmp_2", `{"n":2}`)))

	ops, err := q.Batches(ctx, true, MaxBatchSize)
	require.NoError(t, err)
	require.Len(t, ops, 3)

	assert.Equal(t, MethodUpdate, ops[0].Method)

	batch := ops[1]
	require.True(t, batch.IsBatch())
	assert.Equal(t, []string{"tmp_1", "tmp_2"}, batch.ObjectIDs)
	assert.JSONEq(t, `[{"n":1},{"n":2}]`, string(batch.Body))
	assert.Len(t, batch.Members(), 2)

	assert.Equal(t, MethodDelete, ops[2].Method)

	plain, err := q.Batches(ctx, false, MaxBatchSize)
	require.NoError(t, err)
	assert.Len(t, plain, 4)
}

func TestBatches_MixedURLsAreNotCoalesced(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Save(ctx, newOp(t, http.MethodPost, booksURL, "tmp_1", `{"n":1}`)))
	require.NoError(t, q.Save(ctx, newOp(t, http.MethodPost, booksURL+"?x=1", "tmp_2", `{"n":2}`)))

	ops, err := q.Batches(ctx, true, MaxBatchSize)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.False(t, ops[0].IsBatch())
	assert.False(t, ops[1].IsBatch())
}

func TestBatches_ChunksAtMaxSize(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	for i := range 250 {
		require.NoError(t, q.Save(ctx, newOp(t, http.MethodPost, booksURL, fmt.Sprintf("tmp_%03d", i), `{}`)))
	}

	ops, err := q.Batches(ctx, true, MaxBatchSize)
	require.NoError(t, err)
	require.Len(t, ops, 3)
	assert.Len(t, ops[0].ObjectIDs, 100)
	assert.Len(t, ops[1].ObjectIDs, 100)
	assert.Len(t, ops[2].ObjectIDs, 50)
	assert.Equal(t, "tmp_000", ops[0].ObjectIDs[0])
	assert.Equal(t, "tmp_249", ops[2].ObjectIDs[49])
}

func TestBatches_SingleTrailingCreateStaysPlain(t *testing.T) {
	ops := []PendingOperation{
		{RequestID: "1", Method: MethodCreate, URL: booksURL, ObjectID: "a", Body: []byte(`{}`)},
		{RequestID: "2", Method: MethodCreate, URL: booksURL, ObjectID: "b", Body: []byte(`{}`)},
		{RequestID: "3", Method: MethodCreate, URL: booksURL, ObjectID: "c", Body: []byte(`{}`)},
	}

	out := coalesceCreates(ops, 2, testLogger(t))
	require.Len(t, out, 2)
	assert.True(t, out[0].IsBatch())
	assert.False(t, out[1].IsBatch())
	assert.Equal(t, "3", out[1].RequestID)
}

func TestRemove_BatchRemovesMembers(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Save(ctx, newOp(t, http.MethodPost, booksURL, "tmp_1", `{}`)))
	require.NoError(t, q.Save(ctx, newOp(t, http.MethodPost, booksURL, "tmp_2", `{}`)))
	require.NoError(t, q.Save(ctx, newOp(t, http.MethodPut, booksURL+"x", "x", `{}`)))

	ops, err := q.Batches(ctx, true, MaxBatchSize)
	require.NoError(t, err)
	require.True(t, ops[0].IsBatch())

	require.NoError(t, q.Remove(ctx, ops[0]))

	n, err := q.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, q.Remove(ctx, ops[1]))

	n, err = q.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRemoveAll_ByMethods(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Save(ctx, newOp(t, http.MethodPut, booksURL+"1", "1", `{}`)))
	require.NoError(t, q.Save(ctx, newOp(t, http.MethodDelete, booksURL+"2", "2", "")))

	n, err := q.RemoveAll(ctx, "2", MethodCreate, MethodUpdate)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = q.RemoveAll(ctx, "1", MethodCreate, MethodUpdate)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = q.RemoveAll(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
