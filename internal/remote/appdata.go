package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/tonimelisma/docsync/internal/query"
	"github.com/tonimelisma/docsync/internal/record"
)

// FindResult is one page (or the whole set) of documents matching a query.
type FindResult struct {
	Docs         []json.RawMessage
	RequestStart string
}

// DeltaResult is what changed on the server since a watermark.
type DeltaResult struct {
	Changed      []json.RawMessage
	Deleted      []string
	RequestStart string
}

// ItemError is the failure of one element of a multi-insert.
type ItemError struct {
	Index   int
	Code    string
	Message string
}

func (e ItemError) Error() string {
	return fmt.Sprintf("remote: item %d: %s: %s", e.Index, e.Code, e.Message)
}

// MultiSaveResult holds a multi-insert outcome in request order. Entities
// has a nil entry at every index listed in Errors.
type MultiSaveResult struct {
	Entities     []json.RawMessage
	Errors       []ItemError
	RequestStart string
}

// CollectionURL returns the base URL of a collection, with a trailing slash.
func (c *Client) CollectionURL(collection string) string {
	return strings.TrimRight(c.cfg.BaseURL, "/") + "/appdata/" +
		url.PathEscape(c.cfg.AppKey) + "/" + url.PathEscape(collection) + "/"
}

func (c *Client) entityURL(collection, id string) string {
	return c.CollectionURL(collection) + url.PathEscape(id)
}

func (c *Client) get(ctx context.Context, rawURL string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("remote: creating request: %w", err)
	}

	return c.do(ctx, req, authSession)
}

// Count returns the number of server documents matching q's filter. Sort
// and window are ignored.
func (c *Client) Count(ctx context.Context, collection string, q query.Query) (int, error) {
	target := c.CollectionURL(collection) + "_count"
	if f := q.FilterJSON(); f != "" {
		target += "?" + url.Values{"query": {f}}.Encode()
	}

	resp, err := c.get(ctx, target)
	if err != nil {
		return 0, err
	}

	count := gjson.GetBytes(resp.Body, "count")
	if count.Type != gjson.Number {
		return 0, fmt.Errorf("%w: count response without count: %.100s", ErrInvalidResponse, resp.Body)
	}

	return int(count.Int()), nil
}

// Find fetches the documents matching q, honoring its sort and window.
func (c *Client) Find(ctx context.Context, collection string, q query.Query) (*FindResult, error) {
	target := c.CollectionURL(collection)
	if params := q.Encode(); len(params) > 0 {
		target += "?" + params.Encode()
	}

	resp, err := c.get(ctx, target)
	if err != nil {
		return nil, err
	}

	docs, err := parseArray(resp.Body)
	if err != nil {
		return nil, err
	}

	return &FindResult{Docs: docs, RequestStart: resp.RequestStart}, nil
}

// FindDelta fetches the documents matching q that changed, and the ids that
// were deleted, since the given server timestamp.
func (c *Client) FindDelta(ctx context.Context, collection string, q query.Query, since string) (*DeltaResult, error) {
	params := url.Values{"since": {since}}

	if f := q.FilterJSON(); f != "" {
		params.Set("query", f)
	}

	if len(q.Fields) > 0 {
		params.Set("fields", strings.Join(q.Fields, ","))
	}

	resp, err := c.get(ctx, c.CollectionURL(collection)+"_deltaset?"+params.Encode())
	if err != nil {
		return nil, err
	}

	if !gjson.ValidBytes(resp.Body) {
		return nil, fmt.Errorf("%w: delta response is not JSON", ErrInvalidResponse)
	}

	parsed := gjson.ParseBytes(resp.Body)
	changed := parsed.Get("changed")
	deleted := parsed.Get("deleted")

	if !changed.IsArray() || !deleted.IsArray() {
		return nil, fmt.Errorf("%w: delta response needs changed and deleted arrays", ErrInvalidResponse)
	}

	out := &DeltaResult{RequestStart: resp.RequestStart}

	for _, doc := range changed.Array() {
		out.Changed = append(out.Changed, json.RawMessage(doc.Raw))
	}

	for _, d := range deleted.Array() {
		id := d.Get(record.KeyID).String()
		if id == "" {
			return nil, fmt.Errorf("%w: deleted entry without %s", ErrObjectIDMissing, record.KeyID)
		}

		out.Deleted = append(out.Deleted, id)
	}

	return out, nil
}

// Get fetches one document by id.
func (c *Client) Get(ctx context.Context, collection, id string) (json.RawMessage, error) {
	resp, err := c.get(ctx, c.entityURL(collection, id))
	if err != nil {
		return nil, err
	}

	if !gjson.GetBytes(resp.Body, "@this").IsObject() {
		return nil, fmt.Errorf("%w: expected an object for %s/%s", ErrInvalidResponse, collection, id)
	}

	return resp.Body, nil
}

// NewSaveRequest builds the request that persists rec: a POST without the
// temporary id for new documents, a PUT to the entity otherwise.
func (c *Client) NewSaveRequest(ctx context.Context, collection string, rec record.Record) (*http.Request, error) {
	method, target := http.MethodPut, ""

	if rec.IsNew() {
		method, target = http.MethodPost, c.CollectionURL(collection)
		rec = rec.WithoutID()
	} else {
		target = c.entityURL(collection, rec.ID())
	}

	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(rec.Bytes()))
	if err != nil {
		return nil, fmt.Errorf("remote: creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	return req, nil
}

// NewMultiInsertRequest builds a single POST creating every record in recs.
func (c *Client) NewMultiInsertRequest(ctx context.Context, collection string, recs []record.Record) (*http.Request, error) {
	var buf bytes.Buffer

	buf.WriteByte('[')

	for i, rec := range recs {
		if i > 0 {
			buf.WriteByte(',')
		}

		if rec.IsNew() {
			rec = rec.WithoutID()
		}

		buf.Write(rec.Bytes())
	}

	buf.WriteByte(']')

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.CollectionURL(collection), &buf)
	if err != nil {
		return nil, fmt.Errorf("remote: creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	return req, nil
}

// NewRemoveRequest builds the DELETE for one entity.
func (c *Client) NewRemoveRequest(ctx context.Context, collection, id string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.entityURL(collection, id), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("remote: creating request: %w", err)
	}

	return req, nil
}

// Save persists rec and returns the server's copy.
func (c *Client) Save(ctx context.Context, collection string, rec record.Record) (json.RawMessage, error) {
	req, err := c.NewSaveRequest(ctx, collection, rec)
	if err != nil {
		return nil, err
	}

	resp, err := c.do(ctx, req, authSession)
	if err != nil {
		return nil, err
	}

	if !gjson.GetBytes(resp.Body, "@this").IsObject() {
		return nil, fmt.Errorf("%w: save response is not an object", ErrInvalidResponse)
	}

	return resp.Body, nil
}

// SaveMany creates recs in one request.
func (c *Client) SaveMany(ctx context.Context, collection string, recs []record.Record) (*MultiSaveResult, error) {
	req, err := c.NewMultiInsertRequest(ctx, collection, recs)
	if err != nil {
		return nil, err
	}

	resp, err := c.do(ctx, req, authSession)
	if err != nil {
		return nil, err
	}

	return ParseMultiSave(resp.Body, len(recs))
}

// ParseMultiSave decodes a multi-insert response body for n submitted
// records.
func ParseMultiSave(body []byte, n int) (*MultiSaveResult, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: multi-insert response is not JSON", ErrInvalidResponse)
	}

	parsed := gjson.ParseBytes(body)
	entities := parsed.Get("entities")

	if !entities.IsArray() {
		return nil, fmt.Errorf("%w: multi-insert response without entities", ErrInvalidResponse)
	}

	out := &MultiSaveResult{Entities: make([]json.RawMessage, n)}

	for i, e := range entities.Array() {
		if i >= n {
			break
		}

		if e.IsObject() {
			out.Entities[i] = json.RawMessage(e.Raw)
		}
	}

	for _, e := range parsed.Get("errors").Array() {
		msg := e.Get("errmsg").String()
		if msg == "" {
			msg = e.Get("description").String()
		}

		out.Errors = append(out.Errors, ItemError{
			Index:   int(e.Get("index").Int()),
			Code:    e.Get("code").String(),
			Message: msg,
		})
	}

	return out, nil
}

// RemoveByID deletes one entity and returns how many the server removed.
func (c *Client) RemoveByID(ctx context.Context, collection, id string) (int, error) {
	req, err := c.NewRemoveRequest(ctx, collection, id)
	if err != nil {
		return 0, err
	}

	return c.remove(ctx, req)
}

// RemoveByQuery deletes every entity matching q's filter.
func (c *Client) RemoveByQuery(ctx context.Context, collection string, q query.Query) (int, error) {
	target := c.CollectionURL(collection)
	if f := q.FilterJSON(); f != "" {
		target += "?" + url.Values{"query": {f}}.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, target, http.NoBody)
	if err != nil {
		return 0, fmt.Errorf("remote: creating request: %w", err)
	}

	return c.remove(ctx, req)
}

func (c *Client) remove(ctx context.Context, req *http.Request) (int, error) {
	resp, err := c.do(ctx, req, authSession)
	if err != nil {
		return 0, err
	}

	if len(bytes.TrimSpace(resp.Body)) == 0 {
		return 1, nil
	}

	return int(gjson.GetBytes(resp.Body, "count").Int()), nil
}

func parseArray(body []byte) ([]json.RawMessage, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: find response is not JSON", ErrInvalidResponse)
	}

	parsed := gjson.ParseBytes(body)
	if !parsed.IsArray() {
		return nil, fmt.Errorf("%w: find response is not an array", ErrInvalidResponse)
	}

	items := parsed.Array()
	docs := make([]json.RawMessage, 0, len(items))

	for _, item := range items {
		docs = append(docs, json.RawMessage(item.Raw))
	}

	return docs, nil
}
