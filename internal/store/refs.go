package store

import "fmt"

const (
	sqlAddRef = `INSERT OR IGNORE INTO entity_refs
		(parent_collection, parent_id, child_collection, child_id)
		VALUES (?, ?, ?, ?)`

	sqlRemoveRef = `DELETE FROM entity_refs
		WHERE parent_collection = ? AND parent_id = ?
		  AND child_collection = ? AND child_id = ?`

	sqlListRefs = `SELECT child_collection, child_id FROM entity_refs
		WHERE parent_collection = ? AND parent_id = ?
		ORDER BY child_collection, child_id`

	sqlCountReferrers = `SELECT COUNT(*) FROM entity_refs
		WHERE child_collection = ? AND child_id = ?`
)

// Ref names one stored entity.
type Ref struct {
	Collection string
	ID         string
}

// AddRef records that parent holds a nested object stored as child.
// Adding an existing reference is a no-op.
func (t *Tx) AddRef(parent, child Ref) error {
	_, err := t.tx.ExecContext(t.ctx, sqlAddRef, parent.Collection, parent.ID, child.Collection, child.ID)
	if err != nil {
		return fmt.Errorf("store: adding reference %s/%s -> %s/%s: %w",
			parent.Collection, parent.ID, child.Collection, child.ID, err)
	}

	return nil
}

// RemoveRef drops one parent to child reference.
func (t *Tx) RemoveRef(parent, child Ref) error {
	_, err := t.tx.ExecContext(t.ctx, sqlRemoveRef, parent.Collection, parent.ID, child.Collection, child.ID)
	if err != nil {
		return fmt.Errorf("store: removing reference %s/%s -> %s/%s: %w",
			parent.Collection, parent.ID, child.Collection, child.ID, err)
	}

	return nil
}

// Refs lists the children referenced by parent.
func (t *Tx) Refs(parent Ref) ([]Ref, error) {
	rows, err := t.tx.QueryContext(t.ctx, sqlListRefs, parent.Collection, parent.ID)
	if err != nil {
		return nil, fmt.Errorf("store: listing references of %s/%s: %w", parent.Collection, parent.ID, err)
	}
	defer rows.Close()

	var out []Ref

	for rows.Next() {
		var r Ref
		if err := rows.Scan(&r.Collection, &r.ID); err != nil {
			return nil, fmt.Errorf("store: scanning reference row: %w", err)
		}

		out = append(out, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating reference rows: %w", err)
	}

	return out, nil
}

// Referrers counts the parents still holding child.
func (t *Tx) Referrers(child Ref) (int, error) {
	var n int
	if err := t.tx.QueryRowContext(t.ctx, sqlCountReferrers, child.Collection, child.ID).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: counting referrers of %s/%s: %w", child.Collection, child.ID, err)
	}

	return n, nil
}
