package main

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/docsync/internal/syncqueue"
)

func TestMethodLabel(t *testing.T) {
	assert.Equal(t, "create", methodLabel(http.MethodPost))
	assert.Equal(t, "update", methodLabel(http.MethodPut))
	assert.Equal(t, "delete", methodLabel(http.MethodDelete))
	assert.Equal(t, "patch", methodLabel(http.MethodPatch))
}

func TestToPendingEntry(t *testing.T) {
	op := syncqueue.PendingOperation{
		RequestID:  "r1",
		Collection: "books",
		ObjectID:   "b1",
		Method:     http.MethodPut,
		CreatedAt:  time.Date(2020, time.June, 1, 12, 0, 0, 0, time.UTC),
	}

	e := toPendingEntry(op)
	assert.Equal(t, "r1", e.RequestID)
	assert.Equal(t, "books", e.Collection)
	assert.Equal(t, http.MethodPut, e.Method)
	assert.Contains(t, e.CreatedAt, "2020")
}

func TestStatusCollections(t *testing.T) {
	got := statusCollections(map[string]int{"notes": 2, "books": 1}, []string{"books", "authors"})
	assert.Equal(t, []string{"authors", "books", "notes"}, got)

	assert.Empty(t, statusCollections(nil, nil))
}

func TestPending_ListsQueuedOperations(t *testing.T) {
	offlineHome(t)

	mustRunCLI(t, `[{"title":"Dune"},{"_id":"b2","title":"Emma"}]`, "save", "books")
	mustRunCLI(t, `{"name":"Herbert"}`, "save", "authors")

	out := mustRunCLI(t, "", "pending")

	entries := decodeJSON[[]pendingEntry](t, out)
	require.Len(t, entries, 3)

	methods := map[string]int{}
	for _, e := range entries {
		methods[e.Collection+" "+e.Method]++
	}

	assert.Equal(t, map[string]int{
		"authors POST": 1,
		"books POST":   1,
		"books PUT":    1,
	}, methods)

	out = mustRunCLI(t, "", "pending", "authors")
	assert.Len(t, decodeJSON[[]pendingEntry](t, out), 1)
}

func TestPending_TableOutput(t *testing.T) {
	offlineHome(t)
	stdoutIsTerminal = func() bool { return true }

	mustRunCLI(t, `{"_id":"b1","title":"Dune"}`, "save", "books")

	out := mustRunCLI(t, "", "pending")
	assert.Contains(t, out, "QUEUED")
	assert.Contains(t, out, "update")
	assert.Contains(t, out, "b1")
}

func TestStatus_JSON(t *testing.T) {
	offlineHome(t)

	mustRunCLI(t, `[{"_id":"b1"},{"_id":"b2"}]`, "save", "books")

	out := mustRunCLI(t, "", "status")

	st := decodeJSON[statusOutput](t, out)
	assert.Equal(t, "u1@example.com", st.User)
	assert.Equal(t, "sync", st.StoreType)
	require.Len(t, st.Collections, 1)
	assert.Equal(t, collectionStatus{
		Name:         "books",
		Pending:      2,
		Cached:       2,
		Watermarks:   0,
		DeltaEnabled: true,
	}, st.Collections[0])
}

func TestStatus_TableNotLoggedIn(t *testing.T) {
	testHome(t)
	stdoutIsTerminal = func() bool { return true }

	out := mustRunCLI(t, "", "status")
	assert.Contains(t, out, "(not logged in)")
	assert.Contains(t, out, "No collections configured or queued.")
}

func TestClear_DropsCacheAndQueue(t *testing.T) {
	b, cfg := onlineHome(t)
	b.seed("books", map[string]any{"_id": "b0", "title": "Solaris"})
	b.seed("books", map[string]any{"_id": "b1", "title": "Emma"})

	mustRunCLI(t, "", "--config", cfg, "pull", "books")
	mustRunCLI(t, `{"_id":"b1","title":"Emma (edited)"}`, "--config", cfg, "save", "books")

	stubPipe(t)

	_, err := runCLI(t, "", "--config", cfg, "clear", "books")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pass --yes")

	out := mustRunCLI(t, "", "--config", cfg, "clear", "books", "--yes")
	assert.Equal(t, 2, decodeJSON[map[string]int](t, out)["cleared"])

	out = mustRunCLI(t, "", "--config", cfg, "find", "books")
	assert.Equal(t, "[]\n", out)

	out = mustRunCLI(t, "", "--config", cfg, "pending")
	assert.Equal(t, "[]\n", out)
}

func TestClear_ByQuery(t *testing.T) {
	offlineHome(t)

	mustRunCLI(t, `[{"_id":"b1","year":1965},{"_id":"b2","year":1815}]`, "save", "books")

	out := mustRunCLI(t, "", "clear", "books", "--yes", "--query", `{"year":{"$lt":1900}}`)
	assert.Equal(t, 1, decodeJSON[map[string]int](t, out)["cleared"])

	out = mustRunCLI(t, "", "pending")
	entries := decodeJSON[[]pendingEntry](t, out)
	require.Len(t, entries, 1)
	assert.Equal(t, "b1", entries[0].ObjectID)
}
