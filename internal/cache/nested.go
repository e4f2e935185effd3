package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/tonimelisma/docsync/internal/record"
	"github.com/tonimelisma/docsync/internal/store"
)

// refKey marks a nested object that was moved into its child collection.
const refKey = "_ref"

// hashIDPrefix marks child ids derived from content rather than an _id.
const hashIDPrefix = "h_"

// child is one nested object split out of a parent document.
type child struct {
	ref    store.Ref
	doc    record.Record
	schema *record.Schema
}

// childID returns the nested object's own _id, or a content hash when it has
// none. Identical anonymous objects therefore share one row and one
// reference count.
func childID(obj gjson.Result) string {
	if id := obj.Get(record.KeyID); id.Type == gjson.String && id.Str != "" {
		return id.Str
	}

	sum := sha256.Sum256([]byte(obj.Raw))

	return hashIDPrefix + hex.EncodeToString(sum[:16])
}

func marker(id string) []byte {
	return []byte(`{"` + refKey + `":"` + id + `"}`)
}

// flatten replaces every Object/ObjectArray field of doc with reference
// markers and returns the extracted children.
func flatten(collection string, schema *record.Schema, doc record.Record) (record.Record, []child, error) {
	var children []child

	for _, f := range schema.Nested() {
		val := doc.Get(escapePath(f.Name))
		if !val.Exists() || val.Type == gjson.Null {
			continue
		}

		childColl := record.ChildCollection(collection, f.Name)

		switch {
		case f.Kind == record.Object && val.IsObject():
			id := childID(val)
			children = append(children, child{
				ref:    store.Ref{Collection: childColl, ID: id},
				doc:    record.MustParse(val.Raw),
				schema: f.Schema,
			})

			out, err := doc.SetRaw(escapePath(f.Name), marker(id))
			if err != nil {
				return record.Record{}, nil, err
			}

			doc = out
		case f.Kind == record.ObjectArray && val.IsArray():
			var (
				b     strings.Builder
				first = true
			)

			b.WriteByte('[')

			for _, elem := range val.Array() {
				if !first {
					b.WriteByte(',')
				}

				first = false

				if !elem.IsObject() {
					b.WriteString(elem.Raw)

					continue
				}

				id := childID(elem)
				children = append(children, child{
					ref:    store.Ref{Collection: childColl, ID: id},
					doc:    record.MustParse(elem.Raw),
					schema: f.Schema,
				})
				b.Write(marker(id))
			}

			b.WriteByte(']')

			out, err := doc.SetRaw(escapePath(f.Name), []byte(b.String()))
			if err != nil {
				return record.Record{}, nil, err
			}

			doc = out
		}
	}

	return doc, children, nil
}

// inflate reverses flatten, loading children from the store. A missing
// child is rendered as null.
func inflate(tx *store.Tx, collection string, schema *record.Schema, doc record.Record) (record.Record, error) {
	for _, f := range schema.Nested() {
		path := escapePath(f.Name)

		val := doc.Get(path)
		if !val.Exists() {
			continue
		}

		childColl := record.ChildCollection(collection, f.Name)

		switch {
		case val.IsObject():
			raw, err := loadChild(tx, childColl, f.Schema, val)
			if err != nil {
				return record.Record{}, err
			}

			if doc, err = doc.SetRaw(path, raw); err != nil {
				return record.Record{}, err
			}
		case val.IsArray():
			var b strings.Builder

			b.WriteByte('[')

			for i, elem := range val.Array() {
				if i > 0 {
					b.WriteByte(',')
				}

				raw, err := loadChild(tx, childColl, f.Schema, elem)
				if err != nil {
					return record.Record{}, err
				}

				b.Write(raw)
			}

			b.WriteByte(']')

			var err error
			if doc, err = doc.SetRaw(path, []byte(b.String())); err != nil {
				return record.Record{}, err
			}
		}
	}

	return doc, nil
}

func loadChild(tx *store.Tx, childColl string, schema *record.Schema, val gjson.Result) ([]byte, error) {
	ref := val.Get(refKey)
	if !val.IsObject() || ref.Type != gjson.String {
		return []byte(val.Raw), nil
	}

	e, ok, err := tx.GetEntity(childColl, ref.Str)
	if err != nil {
		return nil, err
	}

	if !ok {
		return []byte("null"), nil
	}

	doc, err := record.Parse(e.Doc)
	if err != nil {
		return nil, fmt.Errorf("cache: decoding %s/%s: %w", childColl, ref.Str, err)
	}

	doc, err = inflate(tx, childColl, schema, doc)
	if err != nil {
		return nil, err
	}

	return doc.Bytes(), nil
}

// childSchema finds the schema of the field whose child collection is
// childColl.
func childSchema(collection string, schema *record.Schema, childColl string) *record.Schema {
	field := strings.TrimPrefix(childColl, collection+".")

	f, ok := schema.Field(field)
	if !ok {
		return nil
	}

	return f.Schema
}

// escapePath protects gjson/sjson metacharacters in a plain field name.
func escapePath(name string) string {
	r := strings.NewReplacer(".", `\.`, "*", `\*`, "?", `\?`)

	return r.Replace(name)
}
