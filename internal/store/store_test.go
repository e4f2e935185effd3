package store

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
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

func newTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := Open(context.Background(), filepath.Join(t.TempDir(), "test.db"), testLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return db
}

func TestOpen_Memory(t *testing.T) {
	db, err := Open(context.Background(), MemoryPath, testLogger(t))
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Update(context.Background(), func(tx *Tx) error {
		return tx.PutEntity(Entity{Collection: "c", ID: "1", Doc: []byte(`{}`)})
	}))
}

func TestEntities_CRUD(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	fixed := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	db.SetNowFunc(func() time.Time { return fixed })

	require.NoError(t, db.Update(ctx, func(tx *Tx) error {
		for _, id := range []string{"b", "a", "c"} {
			if err := tx.PutEntity(Entity{Collection: "books", ID: id, Doc: []byte(`{"_id":"` + id + `"}`), LastModified: "2024-01-0" + map[string]string{"a": "1", "b": "2", "c": "3"}[id]}); err != nil {
				return err
			}
		}

		return nil
	}))

	require.NoError(t, db.View(ctx, func(tx *Tx) error {
		e, ok, err := tx.GetEntity("books", "a")
		require.NoError(t, err)
		require.True(t, ok)
		assert.JSONEq(t, `{"_id":"a"}`, string(e.Doc))
		assert.True(t, fixed.Equal(e.SavedAt))

		_, ok, err = tx.GetEntity("books", "zzz")
		require.NoError(t, err)
		assert.False(t, ok)

		page, err := tx.ScanEntities("books", "", 2)
		require.NoError(t, err)
		require.Len(t, page, 2)
		assert.Equal(t, "a", page[0].ID)
		assert.Equal(t, "b", page[1].ID)

		page, err = tx.ScanEntities("books", "b", 2)
		require.NoError(t, err)
		require.Len(t, page, 1)
		assert.Equal(t, "c", page[0].ID)

		modified, err := tx.ScanModifiedSince("books", "2024-01-01")
		require.NoError(t, err)
		assert.Len(t, modified, 2)

		n, err := tx.CountEntities("books")
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		return nil
	}))

	require.NoError(t, db.Update(ctx, func(tx *Tx) error {
		existed, err := tx.DeleteEntity("books", "a")
		require.NoError(t, err)
		assert.True(t, existed)

		existed, err = tx.DeleteEntity("books", "a")
		require.NoError(t, err)
		assert.False(t, existed)

		return nil
	}))
}

func TestUpdate_RollsBackOnError(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := db.Update(ctx, func(tx *Tx) error {
		require.NoError(t, tx.PutEntity(Entity{Collection: "c", ID: "1", Doc: []byte(`{}`)}))

		return boom
	})
	require.ErrorIs(t, err, boom)

	require.NoError(t, db.View(ctx, func(tx *Tx) error {
		n, err := tx.CountEntities("c")
		require.NoError(t, err)
		assert.Zero(t, n)

		return nil
	}))
}

func TestPutEntity_RequiresID(t *testing.T) {
	db := newTestDB(t)

	err := db.Update(context.Background(), func(tx *Tx) error {
		return tx.PutEntity(Entity{Collection: "c", Doc: []byte(`{}`)})
	})
	require.Error(t, err)
}

func TestDeleteCollection_IncludesChildren(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.Update(ctx, func(tx *Tx) error {
		require.NoError(t, tx.PutEntity(Entity{Collection: "books", ID: "1", Doc: []byte(`{}`)}))
		require.NoError(t, tx.PutEntity(Entity{Collection: "books.author", ID: "h1", Doc: []byte(`{}`)}))
		require.NoError(t, tx.PutEntity(Entity{Collection: "booksx", ID: "1", Doc: []byte(`{}`)}))
		require.NoError(t, tx.AddRef(Ref{"books", "1"}, Ref{"books.author", "h1"}))

		n, err := tx.DeleteCollection("books")
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		left, err := tx.CountEntities("books.author")
		require.NoError(t, err)
		assert.Zero(t, left)

		other, err := tx.CountEntities("booksx")
		require.NoError(t, err)
		assert.Equal(t, 1, other)

		refs, err := tx.Referrers(Ref{"books.author", "h1"})
		require.NoError(t, err)
		assert.Zero(t, refs)

		return nil
	}))
}

func TestRefs(t *testing.T) {
	db := newTestDB(t)

	require.NoError(t, db.Update(context.Background(), func(tx *Tx) error {
		child := Ref{"books.author", "h1"}
		require.NoError(t, tx.AddRef(Ref{"books", "1"}, child))
		require.NoError(t, tx.AddRef(Ref{"books", "1"}, child))
		require.NoError(t, tx.AddRef(Ref{"books", "2"}, child))

		n, err := tx.Referrers(child)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		refs, err := tx.Refs(Ref{"books", "1"})
		require.NoError(t, err)
		assert.Equal(t, []Ref{child}, refs)

		require.NoError(t, tx.RemoveRef(Ref{"books", "1"}, child))

		n, err = tx.Referrers(child)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		return nil
	}))
}

func TestPending_OrderAndFilters(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.Update(ctx, func(tx *Tx) error {
		rows := []PendingRow{
			{RequestID: "r1", Collection: "books", ObjectID: "1", Method: "POST", URL: "u", Body: []byte(`{}`)},
			{RequestID: "r2", Collection: "books", ObjectID: "2", Method: "PUT", URL: "u/2", Headers: map[string][]string{"Content-Type": {"application/json"}}},
			{RequestID: "r3", Collection: "books", ObjectID: "1", Method: "DELETE", URL: "u/1"},
			{RequestID: "r4", Collection: "other", ObjectIDs: []string{"a", "b"}, Method: "POST", URL: "v"},
		}

		for _, r := range rows {
			if err := tx.InsertPending(r); err != nil {
				return err
			}
		}

		return nil
	}))

	require.NoError(t, db.Update(ctx, func(tx *Tx) error {
		all, err := tx.ListPending("books", "")
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, []string{"r1", "r2", "r3"}, []string{all[0].RequestID, all[1].RequestID, all[2].RequestID})
		assert.Equal(t, []string{"application/json"}, all[1].Headers["Content-Type"])
		assert.Nil(t, all[2].Body)

		forOne, err := tx.ListPending("books", "1")
		require.NoError(t, err)
		assert.Len(t, forOne, 2)

		other, err := tx.ListPending("other", "")
		require.NoError(t, err)
		require.Len(t, other, 1)
		assert.Equal(t, []string{"a", "b"}, other[0].ObjectIDs)

		n, err := tx.DeletePendingFor("books", "1", "POST", "PUT")
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		counts, err := tx.CountPendingByCollection()
		require.NoError(t, err)
		assert.Equal(t, map[string]int{"books": 2, "other": 1}, counts)

		ok, err := tx.DeletePending("r2")
		require.NoError(t, err)
		assert.True(t, ok)

		n, err = tx.DeletePendingFor("books", "")
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		left, err := tx.CountPending("books")
		require.NoError(t, err)
		assert.Zero(t, left)

		return nil
	}))
}

func TestPending_RejectsUnknownMethod(t *testing.T) {
	db := newTestDB(t)

	err := db.Update(context.Background(), func(tx *Tx) error {
		return tx.InsertPending(PendingRow{RequestID: "x", Collection: "c", Method: "PATCH", URL: "u"})
	})
	require.Error(t, err)
}

func TestWatermarksAndSettings(t *testing.T) {
	db := newTestDB(t)
	key := WatermarkKey{Collection: "books", Query: `{"a":1}`}

	require.NoError(t, db.Update(context.Background(), func(tx *Tx) error {
		_, ok, err := tx.GetWatermark(key)
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, tx.PutWatermark(key, "2024-01-01T00:00:00.000Z"))
		require.NoError(t, tx.PutWatermark(key, "2024-02-01T00:00:00.000Z"))

		v, ok, err := tx.GetWatermark(key)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "2024-02-01T00:00:00.000Z", v)

		n, err := tx.CountWatermarks("books")
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		require.NoError(t, tx.DeleteWatermark(key))
		_, ok, err = tx.GetWatermark(key)
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, tx.PutWatermark(key, "x"))
		require.NoError(t, tx.DeleteWatermarks("books"))
		n, err = tx.CountWatermarks("books")
		require.NoError(t, err)
		assert.Zero(t, n)

		_, ok, err = tx.GetSetting("k")
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, tx.PutSetting("k", "v1"))
		require.NoError(t, tx.PutSetting("k", "v2"))
		s, ok, err := tx.GetSetting("k")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "v2", s)

		return nil
	}))
}
