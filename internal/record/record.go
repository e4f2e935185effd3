// Package record defines the document value type the sync engine moves
// between the local cache, the sync queue, and the backend.
//
// A Record is an immutable JSON object. The engine never maps it onto an
// application struct: it reads and writes the handful of reserved keys it
// cares about (_id, _acl, _kmd) with gjson/sjson and passes the rest through
// untouched. Every mutating method returns a new Record.
package record

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Reserved document keys.
const (
	KeyID       = "_id"
	KeyAcl      = "_acl"
	KeyMetadata = "_kmd"
	KeyGeoloc   = "_geoloc"
)

// TimeLayout is the backend's timestamp format for lmt/ect/llt and the
// request-start header.
const TimeLayout = "2006-01-02T15:04:05.000Z07:00"

// ErrNotObject is returned when a document is not a JSON object.
var ErrNotObject = errors.New("record: document is not a JSON object")

// Record is an immutable JSON document.
type Record struct {
	raw string
}

// Parse validates data as a JSON object and wraps it.
func Parse(data []byte) (Record, error) {
	if !gjson.ValidBytes(data) {
		return Record{}, fmt.Errorf("record: invalid JSON: %w", ErrNotObject)
	}

	res := gjson.ParseBytes(data)
	if !res.IsObject() {
		return Record{}, ErrNotObject
	}

	return Record{raw: res.Raw}, nil
}

// MustParse is Parse for literals in tests and fixtures. It panics on error.
func MustParse(s string) Record {
	r, err := Parse([]byte(s))
	if err != nil {
		panic(err)
	}

	return r
}

// New returns an empty document.
func New() Record {
	return Record{raw: "{}"}
}

// IsZero reports whether r was never initialized.
func (r Record) IsZero() bool {
	return r.raw == ""
}

// Bytes returns the JSON encoding of the document. The caller owns the slice.
func (r Record) Bytes() []byte {
	if r.raw == "" {
		return []byte("{}")
	}

	return []byte(r.raw)
}

// String returns the raw JSON text.
func (r Record) String() string {
	return string(r.Bytes())
}

// MarshalJSON implements json.Marshaler.
func (r Record) MarshalJSON() ([]byte, error) {
	return r.Bytes(), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *Record) UnmarshalJSON(data []byte) error {
	parsed, err := Parse(data)
	if err != nil {
		return err
	}

	*r = parsed

	return nil
}

// ID returns the entity id, or "" when the document has none.
func (r Record) ID() string {
	v := gjson.Get(r.raw, KeyID)
	if v.Type != gjson.String {
		return ""
	}

	return v.Str
}

// WithID returns a copy of r carrying id.
func (r Record) WithID(id string) Record {
	return r.mustSet(KeyID, id)
}

// WithoutID returns a copy of r with the _id key removed.
func (r Record) WithoutID() Record {
	out, err := sjson.Delete(r.rawOrEmpty(), KeyID)
	if err != nil {
		return r
	}

	return Record{raw: out}
}

// Without returns a copy of r with the given top-level keys removed.
func (r Record) Without(keys ...string) Record {
	out := r.rawOrEmpty()

	for _, k := range keys {
		next, err := sjson.Delete(out, k)
		if err != nil {
			continue
		}

		out = next
	}

	return Record{raw: out}
}

// Get reads a value by gjson path.
func (r Record) Get(path string) gjson.Result {
	return gjson.Get(r.raw, path)
}

// Set returns a copy of r with value written at path.
func (r Record) Set(path string, value any) (Record, error) {
	out, err := sjson.Set(r.rawOrEmpty(), path, value)
	if err != nil {
		return Record{}, fmt.Errorf("record: setting %s: %w", path, err)
	}

	return Record{raw: out}, nil
}

// SetRaw returns a copy of r with raw JSON written at path.
func (r Record) SetRaw(path string, raw []byte) (Record, error) {
	out, err := sjson.SetRawBytes([]byte(r.rawOrEmpty()), path, raw)
	if err != nil {
		return Record{}, fmt.Errorf("record: setting %s: %w", path, err)
	}

	return Record{raw: string(out)}, nil
}

// Acl returns the access-control block. A missing block yields the zero
// Acl; a block whose fields have the wrong types is an error.
func (r Record) Acl() (Acl, error) {
	var acl Acl

	v := gjson.Get(r.raw, KeyAcl)
	if !v.IsObject() {
		return acl, nil
	}

	if err := json.Unmarshal([]byte(v.Raw), &acl); err != nil {
		return Acl{}, fmt.Errorf("record: decoding %s: %w", KeyAcl, err)
	}

	return acl, nil
}

// HasAcl reports whether the document carries an _acl block.
func (r Record) HasAcl() bool {
	return gjson.Get(r.raw, KeyAcl).IsObject()
}

// WithAcl returns a copy of r carrying acl.
func (r Record) WithAcl(acl Acl) Record {
	data, err := json.Marshal(acl)
	if err != nil {
		return r
	}

	out, err := r.SetRaw(KeyAcl, data)
	if err != nil {
		return r
	}

	return out
}

// Metadata returns the _kmd block, or the zero Metadata when it is missing.
func (r Record) Metadata() (Metadata, error) {
	var md Metadata

	v := gjson.Get(r.raw, KeyMetadata)
	if !v.IsObject() {
		return md, nil
	}

	if err := json.Unmarshal([]byte(v.Raw), &md); err != nil {
		return Metadata{}, fmt.Errorf("record: decoding %s: %w", KeyMetadata, err)
	}

	return md, nil
}

// WithMetadata returns a copy of r carrying md.
func (r Record) WithMetadata(md Metadata) Record {
	data, err := json.Marshal(md)
	if err != nil {
		return r
	}

	out, err := r.SetRaw(KeyMetadata, data)
	if err != nil {
		return r
	}

	return out
}

// LastModified returns _kmd.lmt verbatim. Delta diffs compare these strings,
// never parsed times, so server formatting is preserved exactly.
func (r Record) LastModified() string {
	return gjson.Get(r.raw, KeyMetadata+".lmt").String()
}

// Equal reports whether two records hold byte-identical JSON.
func (r Record) Equal(other Record) bool {
	return r.raw == other.raw
}

func (r Record) rawOrEmpty() string {
	if r.raw == "" {
		return "{}"
	}

	return r.raw
}

func (r Record) mustSet(path string, value any) Record {
	out, err := sjson.Set(r.rawOrEmpty(), path, value)
	if err != nil {
		return r
	}

	return Record{raw: out}
}

// FormatTime renders t in the backend's timestamp layout (UTC, millisecond
// precision).
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a backend timestamp.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(TimeLayout, s)
	if err != nil {
		return time.Parse(time.RFC3339Nano, s)
	}

	return t, nil
}
