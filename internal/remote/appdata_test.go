package remote

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/docsync/internal/query"
	"github.com/tonimelisma/docsync/internal/record"
)

func mustRecord(t *testing.T, s string) record.Record {
	t.Helper()

	r, err := record.Parse([]byte(s))
	require.NoError(t, err)

	return r
}

func TestCollectionURL(t *testing.T) {
	c := NewClient(Config{BaseURL: "https://baas.example.com/", AppKey: "kid_1"}, nil, nil, nil)
	assert.Equal(t, "https://baas.example.com/appdata/kid_1/my%20books/", c.CollectionURL("my books"))
}

func TestCount(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/appdata/kid_test/books/_count", r.URL.Path)
		assert.JSONEq(t, `{"author":"Ann"}`, r.URL.Query().Get("query"))
		assert.Empty(t, r.URL.Query().Get("limit"))
		_, _ = w.Write([]byte(`{"count":42}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	n, err := client.Count(context.Background(), "books", query.Where(query.Eq("author", "Ann")).Page(0, 10))
	require.NoError(t, err)
	assert.Equal(t, 42, n)
}

func TestCount_InvalidBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"total":1}`))
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL).Count(context.Background(), "books", query.All())
	assert.ErrorIs(t, err, ErrInvalidResponse)
}

func TestFind(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/appdata/kid_test/books/", r.URL.Path)
		assert.Equal(t, "5", r.URL.Query().Get("skip"))
		assert.Equal(t, "2", r.URL.Query().Get("limit"))
		assert.Equal(t, `{"title":-1}`, r.URL.Query().Get("sort"))
		w.Header().Set(HeaderRequestStart, "2024-05-01T10:00:00.000Z")
		_, _ = w.Write([]byte(`[{"_id":"a"},{"_id":"b"}]`))
	}))
	defer srv.Close()

	q := query.All().OrderBy(query.SortField{Field: "title", Desc: true}).Page(5, 2)

	res, err := newTestClient(t, srv.URL).Find(context.Background(), "books", q)
	require.NoError(t, err)
	require.Len(t, res.Docs, 2)
	assert.JSONEq(t, `{"_id":"a"}`, string(res.Docs[0]))
	assert.Equal(t, "2024-05-01T10:00:00.000Z", res.RequestStart)
}

func TestFind_NotAnArray(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"_id":"a"}`))
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL).Find(context.Background(), "books", query.All())
	assert.ErrorIs(t, err, ErrInvalidResponse)
}

func TestFindDelta(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/appdata/kid_test/books/_deltaset", r.URL.Path)
		assert.Equal(t, "2024-05-01T10:00:00.000Z", r.URL.Query().Get("since"))
		w.Header().Set(HeaderRequestStart, "2024-05-01T11:00:00.000Z")
		_, _ = w.Write([]byte(`{"changed":[{"_id":"a","v":2}],"deleted":[{"_id":"b"}]}`))
	}))
	defer srv.Close()

	res, err := newTestClient(t, srv.URL).FindDelta(context.Background(), "books", query.All(), "2024-05-01T10:00:00.000Z")
	require.NoError(t, err)
	require.Len(t, res.Changed, 1)
	assert.Equal(t, []string{"b"}, res.Deleted)
	assert.Equal(t, "2024-05-01T11:00:00.000Z", res.RequestStart)
}

func TestFindDelta_DeletedWithoutID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"changed":[],"deleted":[{}]}`))
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL).FindDelta(context.Background(), "books", query.All(), "t")
	assert.ErrorIs(t, err, ErrObjectIDMissing)
}

func TestGet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/appdata/kid_test/books/missing" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"EntityNotFound"}`))

			return
		}

		_, _ = w.Write([]byte(`{"_id":"a","title":"T"}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)

	doc, err := client.Get(context.Background(), "books", "a")
	require.NoError(t, err)
	assert.JSONEq(t, `{"_id":"a","title":"T"}`, string(doc))

	_, err = client.Get(context.Background(), "books", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNewSaveRequest(t *testing.T) {
	c := NewClient(Config{BaseURL: "http://h", AppKey: "k"}, nil, nil, nil)

	req, err := c.NewSaveRequest(context.Background(), "books", mustRecord(t, `{"_id":"tmp_1","a":1}`))
	require.NoError(t, err)
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "http://h/appdata/k/books/", req.URL.String())

	body, err := io.ReadAll(req.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(body))

	req, err = c.NewSaveRequest(context.Background(), "books", mustRecord(t, `{"_id":"srv1","a":1}`))
	require.NoError(t, err)
	assert.Equal(t, http.MethodPut, req.Method)
	assert.Equal(t, "http://h/appdata/k/books/srv1", req.URL.String())
	assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
}

func TestSave(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"_id":"srv1","a":1}`))
	}))
	defer srv.Close()

	doc, err := newTestClient(t, srv.URL).Save(context.Background(), "books", mustRecord(t, `{"a":1}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"_id":"srv1","a":1}`, string(doc))
}

func TestSaveMany_PartialFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)

		var docs []map[string]any
		require.NoError(t, json.Unmarshal(body, &docs))
		require.Len(t, docs, 3)

		for _, d := range docs {
			assert.NotContains(t, d, "_id")
		}

		w.WriteHeader(http.StatusMultiStatus)
		_, _ = w.Write([]byte(`{"entities":[{"_id":"s1"},null,{"_id":"s3"}],` +
			`"errors":[{"index":1,"code":11000,"errmsg":"duplicate"}]}`))
	}))
	defer srv.Close()

	recs := []record.Record{
		mustRecord(t, `{"_id":"tmp_a","n":1}`),
		mustRecord(t, `{"_id":"tmp_b","n":2}`),
		mustRecord(t, `{"n":3}`),
	}

	res, err := newTestClient(t, srv.URL).SaveMany(context.Background(), "books", recs)
	require.NoError(t, err)
	require.Len(t, res.Entities, 3)
	assert.NotNil(t, res.Entities[0])
	assert.Nil(t, res.Entities[1])
	assert.NotNil(t, res.Entities[2])
	require.Len(t, res.Errors, 1)
	assert.Equal(t, 1, res.Errors[0].Index)
	assert.Equal(t, "11000", res.Errors[0].Code)
	assert.Equal(t, "duplicate", res.Errors[0].Message)
}

func TestParseMultiSave_Invalid(t *testing.T) {
	_, err := ParseMultiSave([]byte(`[1,2]`), 2)
	assert.ErrorIs(t, err, ErrInvalidResponse)
}

func TestRemove(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)

		if r.URL.Path == "/appdata/kid_test/books/a" {
			_, _ = w.Write([]byte(`{"count":1}`))
			return
		}

		assert.JSONEq(t, `{"n":{"$gt":1}}`, r.URL.Query().Get("query"))
		_, _ = w.Write([]byte(`{"count":4}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)

	n, err := client.RemoveByID(context.Background(), "books", "a")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = client.RemoveByQuery(context.Background(), "books", query.Where(query.Gt("n", 1)))
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}
