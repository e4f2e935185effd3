package store

import (
	"database/sql"
	"errors"
	"fmt"
)

const (
	sqlGetWatermark = `SELECT last_sync FROM query_cache
		WHERE collection = ? AND query = ? AND fields = ?`

	sqlUpsertWatermark = `INSERT INTO query_cache (collection, query, fields, last_sync, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(collection, query, fields) DO UPDATE SET
		 last_sync = excluded.last_sync,
		 updated_at = excluded.updated_at`

	sqlDeleteWatermark = `DELETE FROM query_cache
		WHERE collection = ? AND query = ? AND fields = ?`

	sqlDeleteWatermarks = `DELETE FROM query_cache WHERE collection = ?`

	sqlCountWatermarks = `SELECT COUNT(*) FROM query_cache WHERE collection = ?`

	sqlGetSetting = `SELECT value FROM settings WHERE key = ?`

	sqlUpsertSetting = `INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`
)

// WatermarkKey identifies the result set of one query signature.
type WatermarkKey struct {
	Collection string
	Query      string
	Fields     string
}

// GetWatermark returns the last-sync value stored for key.
func (t *Tx) GetWatermark(key WatermarkKey) (string, bool, error) {
	var lastSync string

	err := t.tx.QueryRowContext(t.ctx, sqlGetWatermark, key.Collection, key.Query, key.Fields).Scan(&lastSync)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}

	if err != nil {
		return "", false, fmt.Errorf("store: reading watermark for %s: %w", key.Collection, err)
	}

	return lastSync, true, nil
}

// PutWatermark stores lastSync for key.
func (t *Tx) PutWatermark(key WatermarkKey, lastSync string) error {
	_, err := t.tx.ExecContext(t.ctx, sqlUpsertWatermark,
		key.Collection, key.Query, key.Fields, lastSync, t.now.UnixNano())
	if err != nil {
		return fmt.Errorf("store: writing watermark for %s: %w", key.Collection, err)
	}

	return nil
}

// DeleteWatermark forgets key.
func (t *Tx) DeleteWatermark(key WatermarkKey) error {
	if _, err := t.tx.ExecContext(t.ctx, sqlDeleteWatermark, key.Collection, key.Query, key.Fields); err != nil {
		return fmt.Errorf("store: deleting watermark for %s: %w", key.Collection, err)
	}

	return nil
}

// DeleteWatermarks forgets every watermark of collection.
func (t *Tx) DeleteWatermarks(collection string) error {
	if _, err := t.tx.ExecContext(t.ctx, sqlDeleteWatermarks, collection); err != nil {
		return fmt.Errorf("store: deleting watermarks for %s: %w", collection, err)
	}

	return nil
}

// CountWatermarks counts the stored watermarks of collection.
func (t *Tx) CountWatermarks(collection string) (int, error) {
	var n int
	if err := t.tx.QueryRowContext(t.ctx, sqlCountWatermarks, collection).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: counting watermarks for %s: %w", collection, err)
	}

	return n, nil
}

// GetSetting reads an engine setting.
func (t *Tx) GetSetting(key string) (string, bool, error) {
	var v string

	err := t.tx.QueryRowContext(t.ctx, sqlGetSetting, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}

	if err != nil {
		return "", false, fmt.Errorf("store: reading setting %s: %w", key, err)
	}

	return v, true, nil
}

// PutSetting writes an engine setting.
func (t *Tx) PutSetting(key, value string) error {
	if _, err := t.tx.ExecContext(t.ctx, sqlUpsertSetting, key, value, t.now.UnixNano()); err != nil {
		return fmt.Errorf("store: writing setting %s: %w", key, err)
	}

	return nil
}
