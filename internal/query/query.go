// Package query describes scans over a collection: a predicate tree, sort
// order, skip/limit window and field projection.
//
// The same Query is used two ways. Encode translates it into the backend's
// Mongo-style URL parameters; Match/Less/Apply evaluate it in process
// against cached records. Signature yields the canonical key under which
// the cache stores a query's last-sync watermark.
package query

import (
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/tonimelisma/docsync/internal/record"
)

// SortField orders results by one document path.
type SortField struct {
	Field string
	Desc  bool
}

// Query is an immutable scan description. The zero Query matches every
// entity in natural order.
type Query struct {
	Filter Predicate
	Sort   []SortField
	Skip   int
	Limit  int
	Fields []string
}

// Where returns a query filtered by p.
func Where(p Predicate) Query {
	return Query{Filter: p}
}

// All returns the unconstrained query.
func All() Query {
	return Query{}
}

// OrderBy returns a copy of q with sort fields appended.
func (q Query) OrderBy(fields ...SortField) Query {
	q.Sort = append(append([]SortField(nil), q.Sort...), fields...)

	return q
}

// Page returns a copy of q restricted to [skip, skip+limit).
func (q Query) Page(skip, limit int) Query {
	q.Skip = skip
	q.Limit = limit

	return q
}

// Select returns a copy of q projecting fields.
func (q Query) Select(fields ...string) Query {
	q.Fields = append([]string(nil), fields...)

	return q
}

// Unconstrained reports whether q selects every entity in the collection:
// no predicate and no skip/limit window.
func (q Query) Unconstrained() bool {
	return q.Filter == nil && q.Skip == 0 && q.Limit == 0
}

// Windowed reports whether q carries skip or limit.
func (q Query) Windowed() bool {
	return q.Skip > 0 || q.Limit > 0
}

// FilterJSON returns the backend representation of the predicate, "" when
// the query has none. Object keys are emitted in sorted order, so equal
// predicates produce equal strings.
func (q Query) FilterJSON() string {
	if q.Filter == nil {
		return ""
	}

	data, err := json.Marshal(q.Filter.filter())
	if err != nil {
		// filter() only produces JSON-safe values.
		return ""
	}

	return string(data)
}

// SortJSON renders the sort fields as an ordered JSON object.
func (q Query) SortJSON() string {
	if len(q.Sort) == 0 {
		return ""
	}

	var b strings.Builder

	b.WriteByte('{')

	for i, s := range q.Sort {
		if i > 0 {
			b.WriteByte(',')
		}

		key, _ := json.Marshal(s.Field)
		b.Write(key)

		if s.Desc {
			b.WriteString(":-1")
		} else {
			b.WriteString(":1")
		}
	}

	b.WriteByte('}')

	return b.String()
}

// Encode renders q as backend URL parameters.
func (q Query) Encode() url.Values {
	v := url.Values{}

	if f := q.FilterJSON(); f != "" {
		v.Set("query", f)
	}

	if s := q.SortJSON(); s != "" {
		v.Set("sort", s)
	}

	if q.Skip > 0 {
		v.Set("skip", strconv.Itoa(q.Skip))
	}

	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}

	if len(q.Fields) > 0 {
		v.Set("fields", strings.Join(q.Fields, ","))
	}

	return v
}

// Signature returns the canonical (filter, fields) pair identifying the
// result set of q independent of sort and window. Both halves are NFC
// normalized so visually identical field names share one watermark.
func (q Query) Signature() (filter, fields string) {
	filter = norm.NFC.String(q.FilterJSON())

	if len(q.Fields) > 0 {
		sorted := append([]string(nil), q.Fields...)
		sort.Strings(sorted)
		fields = norm.NFC.String(strings.Join(sorted, ","))
	}

	return filter, fields
}

// Match reports whether r satisfies the predicate.
func (q Query) Match(r record.Record) bool {
	if q.Filter == nil {
		return true
	}

	return q.Filter.match(r)
}

// Less orders a before b according to the sort fields. With no sort fields
// entities keep store order.
func (q Query) Less(a, b record.Record) bool {
	for _, s := range q.Sort {
		c := compareResults(a.Get(s.Field), b.Get(s.Field))
		if c == 0 {
			continue
		}

		if s.Desc {
			return c > 0
		}

		return c < 0
	}

	return false
}

// Apply filters, sorts and windows records in memory.
func (q Query) Apply(records []record.Record) []record.Record {
	out := make([]record.Record, 0, len(records))

	for _, r := range records {
		if q.Match(r) {
			out = append(out, r)
		}
	}

	if len(q.Sort) > 0 {
		sort.SliceStable(out, func(i, j int) bool { return q.Less(out[i], out[j]) })
	}

	return Window(out, q.Skip, q.Limit)
}

// Window slices records to [skip, skip+limit). A zero limit means no limit.
func Window(records []record.Record, skip, limit int) []record.Record {
	if skip >= len(records) {
		return []record.Record{}
	}

	records = records[skip:]

	if limit > 0 && limit < len(records) {
		records = records[:limit]
	}

	return records
}

// String renders q for logs.
func (q Query) String() string {
	parts := make([]string, 0, 4)

	if f := q.FilterJSON(); f != "" {
		parts = append(parts, "query="+f)
	}

	if s := q.SortJSON(); s != "" {
		parts = append(parts, "sort="+s)
	}

	if q.Skip > 0 || q.Limit > 0 {
		parts = append(parts, fmt.Sprintf("skip=%d limit=%d", q.Skip, q.Limit))
	}

	if len(q.Fields) > 0 {
		parts = append(parts, "fields="+strings.Join(q.Fields, ","))
	}

	if len(parts) == 0 {
		return "all"
	}

	return strings.Join(parts, " ")
}
