package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const (
	sqlGetEntity = `SELECT doc, lmt, saved_at FROM entities
		WHERE collection = ? AND entity_id = ?`

	sqlScanEntities = `SELECT entity_id, doc, lmt, saved_at FROM entities
		WHERE collection = ? AND entity_id > ?
		ORDER BY entity_id LIMIT ?`

	sqlScanModifiedSince = `SELECT entity_id, doc, lmt, saved_at FROM entities
		WHERE collection = ? AND lmt > ?
		ORDER BY entity_id`

	sqlUpsertEntity = `INSERT INTO entities (collection, entity_id, doc, lmt, saved_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(collection, entity_id) DO UPDATE SET
		 doc = excluded.doc,
		 lmt = excluded.lmt,
		 saved_at = excluded.saved_at`

	sqlDeleteEntity = `DELETE FROM entities WHERE collection = ? AND entity_id = ?`

	sqlCountEntities = `SELECT COUNT(*) FROM entities WHERE collection = ?`

	sqlDeleteCollection = `DELETE FROM entities WHERE collection = ? OR collection LIKE ? ESCAPE '\'`

	sqlDeleteCollectionRefs = `DELETE FROM entity_refs
		WHERE parent_collection = ? OR parent_collection LIKE ? ESCAPE '\'`
)

// Entity is one stored document row.
type Entity struct {
	Collection   string
	ID           string
	Doc          []byte
	LastModified string
	SavedAt      time.Time
}

// GetEntity looks up one entity by primary key.
func (t *Tx) GetEntity(collection, id string) (Entity, bool, error) {
	var (
		doc     []byte
		lmt     sql.NullString
		savedAt int64
	)

	err := t.tx.QueryRowContext(t.ctx, sqlGetEntity, collection, id).Scan(&doc, &lmt, &savedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Entity{}, false, nil
	}

	if err != nil {
		return Entity{}, false, fmt.Errorf("store: getting %s/%s: %w", collection, id, err)
	}

	return Entity{
		Collection:   collection,
		ID:           id,
		Doc:          doc,
		LastModified: lmt.String,
		SavedAt:      time.Unix(0, savedAt),
	}, true, nil
}

// ScanEntities returns up to limit entities with id greater than afterID, in
// id order. Pass "" to start from the beginning. Callers page by feeding the
// last returned id back in.
func (t *Tx) ScanEntities(collection, afterID string, limit int) ([]Entity, error) {
	rows, err := t.tx.QueryContext(t.ctx, sqlScanEntities, collection, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: scanning %s: %w", collection, err)
	}

	return scanEntityRows(rows, collection)
}

// ScanModifiedSince returns entities whose last-modified time sorts after
// since.
func (t *Tx) ScanModifiedSince(collection, since string) ([]Entity, error) {
	rows, err := t.tx.QueryContext(t.ctx, sqlScanModifiedSince, collection, since)
	if err != nil {
		return nil, fmt.Errorf("store: scanning %s modified since %s: %w", collection, since, err)
	}

	return scanEntityRows(rows, collection)
}

func scanEntityRows(rows *sql.Rows, collection string) ([]Entity, error) {
	defer rows.Close()

	var out []Entity

	for rows.Next() {
		var (
			e       Entity
			lmt     sql.NullString
			savedAt int64
		)

		if err := rows.Scan(&e.ID, &e.Doc, &lmt, &savedAt); err != nil {
			return nil, fmt.Errorf("store: scanning entity row: %w", err)
		}

		e.Collection = collection
		e.LastModified = lmt.String
		e.SavedAt = time.Unix(0, savedAt)
		out = append(out, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating entity rows: %w", err)
	}

	return out, nil
}

// PutEntity inserts or replaces an entity. SavedAt defaults to the
// transaction clock.
func (t *Tx) PutEntity(e Entity) error {
	if e.ID == "" {
		return fmt.Errorf("store: putting entity in %s: empty id", e.Collection)
	}

	savedAt := e.SavedAt
	if savedAt.IsZero() {
		savedAt = t.now
	}

	_, err := t.tx.ExecContext(t.ctx, sqlUpsertEntity,
		e.Collection, e.ID, e.Doc, nullString(e.LastModified), savedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("store: putting %s/%s: %w", e.Collection, e.ID, err)
	}

	return nil
}

// DeleteEntity removes one entity and reports whether it existed.
func (t *Tx) DeleteEntity(collection, id string) (bool, error) {
	res, err := t.tx.ExecContext(t.ctx, sqlDeleteEntity, collection, id)
	if err != nil {
		return false, fmt.Errorf("store: deleting %s/%s: %w", collection, id, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: deleting %s/%s: %w", collection, id, err)
	}

	return n > 0, nil
}

// CountEntities counts the rows of one collection.
func (t *Tx) CountEntities(collection string) (int, error) {
	var n int
	if err := t.tx.QueryRowContext(t.ctx, sqlCountEntities, collection).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: counting %s: %w", collection, err)
	}

	return n, nil
}

// DeleteCollection removes every entity of collection and of its nested
// child collections, together with their references. It returns the number
// of top-level entities removed.
func (t *Tx) DeleteCollection(collection string) (int, error) {
	top, err := t.CountEntities(collection)
	if err != nil {
		return 0, err
	}

	childPattern := escapeLike(collection) + `.%`

	if _, err := t.tx.ExecContext(t.ctx, sqlDeleteCollectionRefs, collection, childPattern); err != nil {
		return 0, fmt.Errorf("store: clearing references of %s: %w", collection, err)
	}

	if _, err := t.tx.ExecContext(t.ctx, sqlDeleteCollection, collection, childPattern); err != nil {
		return 0, fmt.Errorf("store: clearing %s: %w", collection, err)
	}

	return top, nil
}

func escapeLike(s string) string {
	out := make([]byte, 0, len(s))

	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '%', '_', '\\':
			out = append(out, '\\')
		}

		out = append(out, s[i])
	}

	return string(out)
}
