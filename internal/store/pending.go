package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	sqlInsertPending = `INSERT INTO pending_operations
		(request_id, collection, object_id, object_ids, method, url, headers, body, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	sqlDeletePending = `DELETE FROM pending_operations WHERE request_id = ?`

	sqlListPending = `SELECT seq, request_id, collection, object_id, object_ids,
		method, url, headers, body, created_at
		FROM pending_operations WHERE collection = ?`

	sqlCountPending = `SELECT COUNT(*) FROM pending_operations WHERE collection = ?`

	sqlCountAllPending = `SELECT collection, COUNT(*) FROM pending_operations
		GROUP BY collection ORDER BY collection`
)

// PendingRow is the persisted form of one deferred mutation.
type PendingRow struct {
	Seq        int64
	RequestID  string
	Collection string
	ObjectID   string
	ObjectIDs  []string
	Method     string
	URL        string
	Headers    map[string][]string
	Body       []byte
	CreatedAt  time.Time
}

// InsertPending appends a row. Seq is assigned by the database and reflects
// insertion order.
func (t *Tx) InsertPending(row PendingRow) error {
	objectIDs, err := marshalJSONColumn(row.ObjectIDs)
	if err != nil {
		return fmt.Errorf("store: encoding object ids: %w", err)
	}

	headers, err := marshalJSONColumn(row.Headers)
	if err != nil {
		return fmt.Errorf("store: encoding headers: %w", err)
	}

	createdAt := row.CreatedAt
	if createdAt.IsZero() {
		createdAt = t.now
	}

	_, err = t.tx.ExecContext(t.ctx, sqlInsertPending,
		row.RequestID, row.Collection, nullString(row.ObjectID), objectIDs,
		row.Method, row.URL, headers, row.Body, createdAt.UnixNano())
	if err != nil {
		return fmt.Errorf("store: inserting pending operation %s: %w", row.RequestID, err)
	}

	return nil
}

// DeletePending removes one row by request id and reports whether it existed.
func (t *Tx) DeletePending(requestID string) (bool, error) {
	res, err := t.tx.ExecContext(t.ctx, sqlDeletePending, requestID)
	if err != nil {
		return false, fmt.Errorf("store: deleting pending operation %s: %w", requestID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: deleting pending operation %s: %w", requestID, err)
	}

	return n > 0, nil
}

// DeletePendingFor removes the rows of collection targeting objectID,
// optionally restricted to methods. An empty objectID matches every row of
// the collection.
func (t *Tx) DeletePendingFor(collection, objectID string, methods ...string) (int, error) {
	where, args := pendingFilter(collection, objectID, methods)

	res, err := t.tx.ExecContext(t.ctx, "DELETE FROM pending_operations WHERE "+where, args...)
	if err != nil {
		return 0, fmt.Errorf("store: deleting pending operations for %s/%s: %w", collection, objectID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: deleting pending operations for %s/%s: %w", collection, objectID, err)
	}

	return int(n), nil
}

// ListPending returns the rows of collection in insertion order, optionally
// filtered to objectID.
func (t *Tx) ListPending(collection, objectID string) ([]PendingRow, error) {
	q := sqlListPending
	args := []any{collection}

	if objectID != "" {
		q += ` AND object_id = ?`
		args = append(args, objectID)
	}

	q += ` ORDER BY seq`

	rows, err := t.tx.QueryContext(t.ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: listing pending operations for %s: %w", collection, err)
	}
	defer rows.Close()

	var out []PendingRow

	for rows.Next() {
		row, err := scanPendingRow(rows)
		if err != nil {
			return nil, err
		}

		out = append(out, row)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating pending operations: %w", err)
	}

	return out, nil
}

// CountPending counts the rows of collection.
func (t *Tx) CountPending(collection string) (int, error) {
	var n int
	if err := t.tx.QueryRowContext(t.ctx, sqlCountPending, collection).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: counting pending operations for %s: %w", collection, err)
	}

	return n, nil
}

// CountPendingByCollection returns the pending count for every collection
// with at least one row.
func (t *Tx) CountPendingByCollection() (map[string]int, error) {
	rows, err := t.tx.QueryContext(t.ctx, sqlCountAllPending)
	if err != nil {
		return nil, fmt.Errorf("store: counting pending operations: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)

	for rows.Next() {
		var (
			coll string
			n    int
		)

		if err := rows.Scan(&coll, &n); err != nil {
			return nil, fmt.Errorf("store: scanning pending count: %w", err)
		}

		out[coll] = n
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating pending counts: %w", err)
	}

	return out, nil
}

func pendingFilter(collection, objectID string, methods []string) (string, []any) {
	clauses := []string{"collection = ?"}
	args := []any{collection}

	if objectID != "" {
		clauses = append(clauses, "object_id = ?")
		args = append(args, objectID)
	}

	if len(methods) > 0 {
		clauses = append(clauses, "method IN (?"+strings.Repeat(", ?", len(methods)-1)+")")
		for _, m := range methods {
			args = append(args, m)
		}
	}

	return strings.Join(clauses, " AND "), args
}

func scanPendingRow(rows *sql.Rows) (PendingRow, error) {
	var (
		r         PendingRow
		objectID  sql.NullString
		objectIDs sql.NullString
		headers   sql.NullString
		createdAt int64
	)

	if err := rows.Scan(&r.Seq, &r.RequestID, &r.Collection, &objectID, &objectIDs,
		&r.Method, &r.URL, &headers, &r.Body, &createdAt); err != nil {
		return PendingRow{}, fmt.Errorf("store: scanning pending operation row: %w", err)
	}

	r.ObjectID = objectID.String
	r.CreatedAt = time.Unix(0, createdAt)

	if objectIDs.Valid {
		if err := json.Unmarshal([]byte(objectIDs.String), &r.ObjectIDs); err != nil {
			return PendingRow{}, fmt.Errorf("store: decoding object ids of %s: %w", r.RequestID, err)
		}
	}

	if headers.Valid {
		if err := json.Unmarshal([]byte(headers.String), &r.Headers); err != nil {
			return PendingRow{}, fmt.Errorf("store: decoding headers of %s: %w", r.RequestID, err)
		}
	}

	return r, nil
}

// marshalJSONColumn encodes v, storing NULL for empty slices and maps.
func marshalJSONColumn[T any](v T) (sql.NullString, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}

	s := string(data)
	if s == "null" || s == "[]" || s == "{}" {
		return sql.NullString{}, nil
	}

	return sql.NullString{String: s, Valid: true}, nil
}
