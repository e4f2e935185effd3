package syncqueue

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/tonimelisma/docsync/internal/store"
)

// HTTP methods a pending operation may carry.
const (
	MethodCreate = http.MethodPost
	MethodUpdate = http.MethodPut
	MethodDelete = http.MethodDelete
)

// PendingOperation is one deferred mutation: the outbound request captured
// verbatim, plus the object it targets. A batch (multi-insert) operation
// targets ObjectIDs and carries the member operations it replaces.
type PendingOperation struct {
	RequestID  string
	Collection string
	ObjectID   string
	ObjectIDs  []string
	Method     string
	URL        string
	Header     http.Header
	Body       []byte
	CreatedAt  time.Time

	members []PendingOperation
}

// IsBatch reports whether op coalesces several create operations.
func (op PendingOperation) IsBatch() bool {
	return len(op.members) > 0
}

// Members returns the operations a batch replaces, in queue order.
func (op PendingOperation) Members() []PendingOperation {
	return append([]PendingOperation(nil), op.members...)
}

// NewRequest rebuilds the captured request for replay.
func (op PendingOperation) NewRequest(ctx context.Context) (*http.Request, error) {
	var body io.Reader
	if op.Body != nil {
		body = bytes.NewReader(op.Body)
	}

	req, err := http.NewRequestWithContext(ctx, op.Method, op.URL, body)
	if err != nil {
		return nil, fmt.Errorf("syncqueue: rebuilding request %s: %w", op.RequestID, err)
	}

	for k, vs := range op.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	return req, nil
}

// capturedHeaderSkip lists headers that are attached at send time instead
// of being stored with the operation.
var capturedHeaderSkip = map[string]bool{
	"Authorization":  true,
	"Content-Length": true,
}

// CreatePendingOperation captures req (method, URL, headers, body) for
// later replay against objectID. The request body is consumed and restored.
func CreatePendingOperation(req *http.Request, collection, objectID string) (PendingOperation, error) {
	op := PendingOperation{
		RequestID:  uuid.NewString(),
		Collection: collection,
		ObjectID:   objectID,
		Method:     req.Method,
		URL:        req.URL.String(),
		Header:     make(http.Header),
	}

	switch req.Method {
	case MethodCreate, MethodUpdate, MethodDelete:
	default:
		return PendingOperation{}, fmt.Errorf("syncqueue: method %s cannot be queued", req.Method)
	}

	for k, vs := range req.Header {
		if capturedHeaderSkip[http.CanonicalHeaderKey(k)] {
			continue
		}

		op.Header[k] = append([]string(nil), vs...)
	}

	if req.Body != nil && req.Body != http.NoBody {
		data, err := io.ReadAll(req.Body)
		if err != nil {
			return PendingOperation{}, fmt.Errorf("syncqueue: reading request body: %w", err)
		}

		req.Body.Close()
		req.Body = io.NopCloser(bytes.NewReader(data))
		op.Body = data
	}

	return op, nil
}

func (op PendingOperation) row() store.PendingRow {
	return store.PendingRow{
		RequestID:  op.RequestID,
		Collection: op.Collection,
		ObjectID:   op.ObjectID,
		ObjectIDs:  op.ObjectIDs,
		Method:     op.Method,
		URL:        op.URL,
		Headers:    op.Header,
		Body:       op.Body,
		CreatedAt:  op.CreatedAt,
	}
}

func fromRow(r store.PendingRow) PendingOperation {
	return PendingOperation{
		RequestID:  r.RequestID,
		Collection: r.Collection,
		ObjectID:   r.ObjectID,
		ObjectIDs:  r.ObjectIDs,
		Method:     r.Method,
		URL:        r.URL,
		Header:     http.Header(r.Headers),
		Body:       r.Body,
		CreatedAt:  r.CreatedAt,
	}
}
