package record

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// FieldKind tags how a schema field is stored.
type FieldKind int

const (
	// Scalar values stay inline in the parent document.
	Scalar FieldKind = iota
	// Object values are stored as a separate, reference-counted entity.
	Object
	// ObjectArray values are arrays whose elements are each stored as an
	// Object.
	ObjectArray
)

func (k FieldKind) String() string {
	switch k {
	case Scalar:
		return "scalar"
	case Object:
		return "object"
	case ObjectArray:
		return "objectArray"
	default:
		return fmt.Sprintf("FieldKind(%d)", int(k))
	}
}

// ParseFieldKind maps the config spelling of a kind to FieldKind.
func ParseFieldKind(s string) (FieldKind, error) {
	switch strings.ToLower(s) {
	case "scalar", "":
		return Scalar, nil
	case "object":
		return Object, nil
	case "objectarray", "object_array", "array":
		return ObjectArray, nil
	default:
		return Scalar, fmt.Errorf("record: unknown field kind %q", s)
	}
}

// Field describes one top-level property of an entity. Schema is set for
// Object and ObjectArray fields whose children themselves nest objects.
type Field struct {
	Name   string
	Kind   FieldKind
	Schema *Schema
}

// Schema is the explicit descriptor that drives nested-object storage and
// cascading delete. Only non-scalar fields need to be listed.
type Schema struct {
	Fields []Field
}

// Nested returns the object-typed fields in name order.
func (s *Schema) Nested() []Field {
	if s == nil {
		return nil
	}

	var out []Field

	for _, f := range s.Fields {
		if f.Kind == Object || f.Kind == ObjectArray {
			out = append(out, f)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	return out
}

// Field looks up a field by name.
func (s *Schema) Field(name string) (Field, bool) {
	if s == nil {
		return Field{}, false
	}

	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}

	return Field{}, false
}

// ChildCollection names the store collection holding a nested field's objects.
func ChildCollection(parent, field string) string {
	return parent + "." + field
}

// Registry maps collection names to schemas. Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]*Schema
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{schemas: make(map[string]*Schema)}
}

// Register sets the schema for collection, replacing any earlier one.
func (r *Registry) Register(collection string, s *Schema) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.schemas[collection] = s
}

// Lookup returns the schema for collection, or nil when none is registered.
// A nil schema means every field is scalar.
func (r *Registry) Lookup(collection string) *Schema {
	if r == nil {
		return nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.schemas[collection]
}

// SchemaFromKinds builds a flat schema from a field-name to kind-name map,
// the shape used by the [schemas] config table.
func SchemaFromKinds(kinds map[string]string) (*Schema, error) {
	names := make([]string, 0, len(kinds))
	for name := range kinds {
		names = append(names, name)
	}

	sort.Strings(names)

	s := &Schema{}

	for _, name := range names {
		kind, err := ParseFieldKind(kinds[name])
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", name, err)
		}

		s.Fields = append(s.Fields, Field{Name: name, Kind: kind})
	}

	return s, nil
}
