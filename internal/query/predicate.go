package query

import (
	"fmt"
	"regexp"

	"github.com/tidwall/gjson"

	"github.com/tonimelisma/docsync/internal/record"
)

// Predicate is one node of a filter tree. Values are built with the
// constructors in this package or by Parse.
type Predicate interface {
	match(r record.Record) bool
	filter() map[string]any
}

// Comparison operators.
const (
	opEq  = "$eq"
	opNe  = "$ne"
	opGt  = "$gt"
	opGte = "$gte"
	opLt  = "$lt"
	opLte = "$lte"
)

type comparison struct {
	field string
	op    string
	value any
}

// Eq matches entities whose field equals value. Array fields match when any
// element equals value.
func Eq(field string, value any) Predicate { return comparison{field, opEq, value} }

// Ne matches entities whose field is absent or differs from value.
func Ne(field string, value any) Predicate { return comparison{field, opNe, value} }

// Gt matches field > value.
func Gt(field string, value any) Predicate { return comparison{field, opGt, value} }

// Gte matches field >= value.
func Gte(field string, value any) Predicate { return comparison{field, opGte, value} }

// Lt matches field < value.
func Lt(field string, value any) Predicate { return comparison{field, opLt, value} }

// Lte matches field <= value.
func Lte(field string, value any) Predicate { return comparison{field, opLte, value} }

func (c comparison) match(r record.Record) bool {
	res := r.Get(c.field)

	switch c.op {
	case opEq:
		return equalsAny(res, c.value)
	case opNe:
		return !equalsAny(res, c.value)
	}

	cmp, ok := compareValue(res, c.value)
	if !ok {
		return false
	}

	switch c.op {
	case opGt:
		return cmp > 0
	case opGte:
		return cmp >= 0
	case opLt:
		return cmp < 0
	case opLte:
		return cmp <= 0
	default:
		return false
	}
}

func (c comparison) filter() map[string]any {
	if c.op == opEq {
		return map[string]any{c.field: c.value}
	}

	return map[string]any{c.field: map[string]any{c.op: c.value}}
}

type membership struct {
	field  string
	values []any
	negate bool
}

// In matches entities whose field equals any of values.
func In(field string, values ...any) Predicate {
	return membership{field: field, values: values}
}

// Nin matches entities whose field equals none of values.
func Nin(field string, values ...any) Predicate {
	return membership{field: field, values: values, negate: true}
}

func (m membership) match(r record.Record) bool {
	res := r.Get(m.field)

	found := false

	for _, v := range m.values {
		if equalsAny(res, v) {
			found = true

			break
		}
	}

	return found != m.negate
}

func (m membership) filter() map[string]any {
	op := "$in"
	if m.negate {
		op = "$nin"
	}

	values := m.values
	if values == nil {
		values = []any{}
	}

	return map[string]any{m.field: map[string]any{op: values}}
}

type existence struct {
	field  string
	exists bool
}

// Exists matches entities that have (or, with exists=false, lack) field.
func Exists(field string, exists bool) Predicate { return existence{field, exists} }

func (e existence) match(r record.Record) bool {
	return r.Get(e.field).Exists() == e.exists
}

func (e existence) filter() map[string]any {
	return map[string]any{e.field: map[string]any{"$exists": e.exists}}
}

type pattern struct {
	field string
	expr  string
	re    *regexp.Regexp
}

// Regex matches string fields against a regular expression.
func Regex(field, expr string) (Predicate, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("query: regex for %s: %w", field, err)
	}

	return pattern{field: field, expr: expr, re: re}, nil
}

func (p pattern) match(r record.Record) bool {
	res := r.Get(p.field)

	return res.Type == gjson.String && p.re.MatchString(res.Str)
}

func (p pattern) filter() map[string]any {
	return map[string]any{p.field: map[string]any{"$regex": p.expr}}
}

type logical struct {
	op    string
	preds []Predicate
}

// And matches when every predicate matches.
func And(preds ...Predicate) Predicate { return logical{"$and", preds} }

// Or matches when any predicate matches.
func Or(preds ...Predicate) Predicate { return logical{"$or", preds} }

// Not inverts p.
func Not(p Predicate) Predicate { return logical{"$nor", []Predicate{p}} }

func (l logical) match(r record.Record) bool {
	switch l.op {
	case "$and":
		for _, p := range l.preds {
			if !p.match(r) {
				return false
			}
		}

		return true
	case "$or":
		for _, p := range l.preds {
			if p.match(r) {
				return true
			}
		}

		return false
	default: // $nor
		for _, p := range l.preds {
			if p.match(r) {
				return false
			}
		}

		return true
	}
}

func (l logical) filter() map[string]any {
	subs := make([]any, len(l.preds))
	for i, p := range l.preds {
		subs[i] = p.filter()
	}

	return map[string]any{l.op: subs}
}
