package datastore

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"github.com/tonimelisma/docsync/internal/query"
	"github.com/tonimelisma/docsync/internal/record"
)

// fakeBackend is an in-memory backend serving the appdata endpoints of one
// app. Its clock advances one second per mutation so last-modified times
// and request-start times order the way a real server's would.
type fakeBackend struct {
	t   *testing.T
	srv *httptest.Server

	mu         sync.Mutex
	docs       map[string]map[string]record.Record // collection -> id -> doc
	tombstones map[string]map[string]time.Time
	clock      time.Time
	nextID     int
	requests   map[string]int

	// intercept, when set, may answer a request itself by returning true.
	intercept func(w http.ResponseWriter, r *http.Request) bool

	// rejectItem, when set, fails multi-insert items for which it returns
	// a non-empty error code.
	rejectItem func(doc record.Record) string
}

const fakeAppKey = "kid_test"

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()

	b := &fakeBackend{
		t:          t,
		docs:       make(map[string]map[string]record.Record),
		tombstones: make(map[string]map[string]time.Time),
		clock:      time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		requests:   make(map[string]int),
	}

	b.srv = httptest.NewServer(http.HandlerFunc(b.serve))
	t.Cleanup(b.srv.Close)

	return b
}

// seed stores docs as if created on the server.
func (b *fakeBackend) seed(collection string, docs ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, s := range docs {
		doc := record.MustParse(s)
		b.storeLocked(collection, doc.ID(), doc)
	}
}

// remove deletes a document server-side, leaving a tombstone.
func (b *fakeBackend) remove(collection, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.deleteLocked(collection, id)
}

func (b *fakeBackend) doc(collection, id string) (record.Record, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	d, ok := b.docs[collection][id]

	return d, ok
}

func (b *fakeBackend) count(kind string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.requests[kind]
}

func (b *fakeBackend) tick() time.Time {
	b.clock = b.clock.Add(time.Second)
	return b.clock
}

func (b *fakeBackend) storeLocked(collection, id string, doc record.Record) record.Record {
	if b.docs[collection] == nil {
		b.docs[collection] = make(map[string]record.Record)
	}

	md, err := doc.Metadata()
	if err != nil {
		b.t.Errorf("fake backend: %v", err)
	}

	md.LastModified = record.FormatTime(b.tick())

	if md.Created == "" {
		md.Created = md.LastModified
	}

	doc = doc.WithID(id).WithMetadata(md)
	b.docs[collection][id] = doc
	delete(b.tombstones[collection], id)

	return doc
}

func (b *fakeBackend) deleteLocked(collection, id string) bool {
	if _, ok := b.docs[collection][id]; !ok {
		return false
	}

	delete(b.docs[collection], id)

	if b.tombstones[collection] == nil {
		b.tombstones[collection] = make(map[string]time.Time)
	}

	b.tombstones[collection][id] = b.tick()

	return true
}

func (b *fakeBackend) newIDLocked() string {
	b.nextID++
	return fmt.Sprintf("srv_%04d", b.nextID)
}

func (b *fakeBackend) serve(w http.ResponseWriter, r *http.Request) {
	if b.intercept != nil && b.intercept(w, r) {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	w.Header().Set("X-Kinvey-Request-Start", record.FormatTime(b.clock))

	prefix := "/appdata/" + fakeAppKey + "/"
	if !strings.HasPrefix(r.URL.Path, prefix) {
		writeError(w, http.StatusNotFound, "AppNotFound")
		return
	}

	parts := strings.SplitN(strings.TrimPrefix(r.URL.Path, prefix), "/", 2)
	collection, rest := parts[0], ""

	if len(parts) == 2 {
		rest = parts[1]
	}

	filter, err := parseFilter(r.URL.Query().Get("query"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "InvalidQuerySyntax")
		return
	}

	switch {
	case r.Method == http.MethodGet && rest == "_count":
		b.requests["count"]++
		writeJSON(w, http.StatusOK, map[string]int{"count": len(b.matchLocked(collection, filter))})
	case r.Method == http.MethodGet && rest == "_deltaset":
		b.requests["delta"]++
		b.serveDeltaLocked(w, r, collection, filter)
	case r.Method == http.MethodGet && rest == "":
		b.requests["find"]++
		b.serveFindLocked(w, r, collection, filter)
	case r.Method == http.MethodGet:
		b.requests["get"]++

		doc, ok := b.docs[collection][rest]
		if !ok {
			writeError(w, http.StatusNotFound, "EntityNotFound")
			return
		}

		writeRaw(w, http.StatusOK, doc.Bytes())
	case r.Method == http.MethodPost && rest == "":
		b.servePostLocked(w, r, collection)
	case r.Method == http.MethodPut:
		b.requests["put"]++

		body, _ := io.ReadAll(r.Body)

		doc, err := record.Parse(body)
		if err != nil {
			writeError(w, http.StatusBadRequest, "BadRequest")
			return
		}

		writeRaw(w, http.StatusOK, b.storeLocked(collection, rest, doc).Bytes())
	case r.Method == http.MethodDelete && rest != "":
		b.requests["delete"]++

		if !b.deleteLocked(collection, rest) {
			writeError(w, http.StatusNotFound, "EntityNotFound")
			return
		}

		writeJSON(w, http.StatusOK, map[string]int{"count": 1})
	case r.Method == http.MethodDelete:
		b.requests["delete_query"]++

		n := 0
		for _, doc := range b.matchLocked(collection, filter) {
			if b.deleteLocked(collection, doc.ID()) {
				n++
			}
		}

		writeJSON(w, http.StatusOK, map[string]int{"count": n})
	default:
		writeError(w, http.StatusBadRequest, "BadRequest")
	}
}

func (b *fakeBackend) matchLocked(collection string, filter query.Predicate) []record.Record {
	q := query.Query{Filter: filter}

	var out []record.Record

	for _, doc := range b.docs[collection] {
		if q.Match(doc) {
			out = append(out, doc)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })

	return out
}

func (b *fakeBackend) serveFindLocked(w http.ResponseWriter, r *http.Request, collection string, filter query.Predicate) {
	params := r.URL.Query()
	q := query.Query{Filter: filter}

	if s := params.Get("sort"); s != "" {
		gjson.Parse(s).ForEach(func(k, v gjson.Result) bool {
			q.Sort = append(q.Sort, query.SortField{Field: k.String(), Desc: v.Int() < 0})
			return true
		})
	}

	q.Skip, _ = strconv.Atoi(params.Get("skip"))
	q.Limit, _ = strconv.Atoi(params.Get("limit"))

	writeDocs(w, q.Apply(b.matchLocked(collection, filter)))
}

func (b *fakeBackend) serveDeltaLocked(w http.ResponseWriter, r *http.Request, collection string, filter query.Predicate) {
	since, err := record.ParseTime(r.URL.Query().Get("since"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "ParameterValueOutOfRange")
		return
	}

	changed := []json.RawMessage{}

	for _, doc := range b.matchLocked(collection, filter) {
		lmt, err := record.ParseTime(doc.LastModified())
		if err == nil && lmt.After(since) {
			changed = append(changed, doc.Bytes())
		}
	}

	deleted := []map[string]string{}

	for id, at := range b.tombstones[collection] {
		if at.After(since) {
			deleted = append(deleted, map[string]string{"_id": id})
		}
	}

	sort.Slice(deleted, func(i, j int) bool { return deleted[i]["_id"] < deleted[j]["_id"] })

	writeJSON(w, http.StatusOK, map[string]any{"changed": changed, "deleted": deleted})
}

func (b *fakeBackend) servePostLocked(w http.ResponseWriter, r *http.Request, collection string) {
	body, _ := io.ReadAll(r.Body)
	parsed := gjson.ParseBytes(body)

	if !parsed.IsArray() {
		b.requests["post"]++

		doc, err := record.Parse(body)
		if err != nil {
			writeError(w, http.StatusBadRequest, "BadRequest")
			return
		}

		id := doc.ID()
		if id == "" {
			id = b.newIDLocked()
		}

		writeRaw(w, http.StatusCreated, b.storeLocked(collection, id, doc).Bytes())

		return
	}

	b.requests["multi"]++

	type itemError struct {
		Index  int    `json:"index"`
		Code   string `json:"code"`
		ErrMsg string `json:"errmsg"`
	}

	items := parsed.Array()
	entities := make([]json.RawMessage, len(items))
	errs := []itemError{}

	for i, item := range items {
		doc, err := record.Parse([]byte(item.Raw))
		if err == nil && b.rejectItem != nil {
			if code := b.rejectItem(doc); code != "" {
				errs = append(errs, itemError{Index: i, Code: code, ErrMsg: "rejected"})
				entities[i] = json.RawMessage("null")

				continue
			}
		}

		if err != nil {
			errs = append(errs, itemError{Index: i, Code: "BadRequest", ErrMsg: err.Error()})
			entities[i] = json.RawMessage("null")

			continue
		}

		entities[i] = b.storeLocked(collection, b.newIDLocked(), doc).Bytes()
	}

	status := http.StatusCreated
	if len(errs) > 0 {
		status = http.StatusMultiStatus
	}

	writeJSON(w, status, map[string]any{"entities": entities, "errors": errs})
}

func parseFilter(s string) (query.Predicate, error) {
	if s == "" {
		return nil, nil //nolint:nilnil // no filter
	}

	return query.Parse(s)
}

func writeDocs(w http.ResponseWriter, docs []record.Record) {
	raw := make([]json.RawMessage, len(docs))
	for i, d := range docs {
		raw[i] = d.Bytes()
	}

	writeJSON(w, http.StatusOK, raw)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}

	writeRaw(w, status, data)
}

func writeRaw(w http.ResponseWriter, status int, data []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code, "description": code})
}

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
