package query

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrUnsupportedOperator is returned by Parse for operators the in-process
// evaluator cannot honor.
var ErrUnsupportedOperator = errors.New("query: unsupported operator")

// Parse builds a predicate from the backend's Mongo-style filter JSON. An
// empty or "{}" filter yields a nil predicate.
func Parse(filterJSON string) (Predicate, error) {
	filterJSON = strings.TrimSpace(filterJSON)
	if filterJSON == "" {
		return nil, nil
	}

	dec := json.NewDecoder(bytes.NewReader([]byte(filterJSON)))
	dec.UseNumber()

	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("query: parsing filter: %w", err)
	}

	if len(m) == 0 {
		return nil, nil
	}

	return parseObject(m)
}

// ParseSort reads "field,-other" into sort fields; a leading '-' sorts
// descending.
func ParseSort(spec string) []SortField {
	var out []SortField

	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		if strings.HasPrefix(part, "-") {
			out = append(out, SortField{Field: part[1:], Desc: true})
		} else {
			out = append(out, SortField{Field: strings.TrimPrefix(part, "+")})
		}
	}

	return out
}

func parseObject(m map[string]any) (Predicate, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	preds := make([]Predicate, 0, len(keys))

	for _, key := range keys {
		p, err := parseKey(key, m[key])
		if err != nil {
			return nil, err
		}

		preds = append(preds, p)
	}

	if len(preds) == 1 {
		return preds[0], nil
	}

	return And(preds...), nil
}

func parseKey(key string, value any) (Predicate, error) {
	switch key {
	case "$and", "$or", "$nor":
		subs, err := parseList(key, value)
		if err != nil {
			return nil, err
		}

		return logical{op: key, preds: subs}, nil
	}

	if strings.HasPrefix(key, "$") {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedOperator, key)
	}

	ops, ok := value.(map[string]any)
	if !ok || !allOperators(ops) {
		return Eq(key, value), nil
	}

	return parseOperators(key, ops)
}

func parseList(op string, value any) ([]Predicate, error) {
	list, ok := value.([]any)
	if !ok {
		return nil, fmt.Errorf("query: %s expects an array", op)
	}

	subs := make([]Predicate, 0, len(list))

	for _, item := range list {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("query: %s expects an array of objects", op)
		}

		p, err := parseObject(obj)
		if err != nil {
			return nil, err
		}

		subs = append(subs, p)
	}

	return subs, nil
}

func allOperators(m map[string]any) bool {
	if len(m) == 0 {
		return false
	}

	for k := range m {
		if !strings.HasPrefix(k, "$") {
			return false
		}
	}

	return true
}

func parseOperators(field string, ops map[string]any) (Predicate, error) {
	keys := make([]string, 0, len(ops))
	for k := range ops {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	preds := make([]Predicate, 0, len(keys))

	for _, op := range keys {
		v := ops[op]

		var (
			p   Predicate
			err error
		)

		switch op {
		case opEq, opNe, opGt, opGte, opLt, opLte:
			p = comparison{field: field, op: op, value: v}
		case "$in", "$nin":
			list, ok := v.([]any)
			if !ok {
				return nil, fmt.Errorf("query: %s on %s expects an array", op, field)
			}

			p = membership{field: field, values: list, negate: op == "$nin"}
		case "$exists":
			b, ok := v.(bool)
			if !ok {
				return nil, fmt.Errorf("query: $exists on %s expects a bool", field)
			}

			p = Exists(field, b)
		case "$regex":
			p, err = parseRegex(field, v, ops["$options"])
		case "$options":
			continue
		case "$geoWithin":
			p, err = parseGeo(field, v)
		default:
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedOperator, op)
		}

		if err != nil {
			return nil, err
		}

		preds = append(preds, p)
	}

	if len(preds) == 1 {
		return preds[0], nil
	}

	return And(preds...), nil
}

func parseRegex(field string, expr, options any) (Predicate, error) {
	s, ok := expr.(string)
	if !ok {
		return nil, fmt.Errorf("query: $regex on %s expects a string", field)
	}

	if opt, ok := options.(string); ok && strings.Contains(opt, "i") {
		s = "(?i)" + s
	}

	return Regex(field, s)
}

func parseGeo(field string, v any) (Predicate, error) {
	spec, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("query: $geoWithin on %s expects an object", field)
	}

	if cs, ok := spec["$centerSphere"].([]any); ok {
		if len(cs) != 2 {
			return nil, fmt.Errorf("query: $centerSphere on %s expects [[lon, lat], radius]", field)
		}

		center, err := parsePoint(cs[0])
		if err != nil {
			return nil, fmt.Errorf("query: $centerSphere on %s: %w", field, err)
		}

		radians, ok := toFloat(cs[1])
		if !ok {
			return nil, fmt.Errorf("query: $centerSphere radius on %s is not a number", field)
		}

		return WithinCircle(field, center, radians*earthRadiusMeters), nil
	}

	if poly, ok := spec["$polygon"].([]any); ok {
		points := make([]Point, 0, len(poly))

		for _, raw := range poly {
			p, err := parsePoint(raw)
			if err != nil {
				return nil, fmt.Errorf("query: $polygon on %s: %w", field, err)
			}

			points = append(points, p)
		}

		if len(points) < 3 {
			return nil, fmt.Errorf("query: $polygon on %s needs at least 3 points", field)
		}

		return WithinPolygon(field, points...), nil
	}

	return nil, fmt.Errorf("%w: $geoWithin shape on %s", ErrUnsupportedOperator, field)
}

func parsePoint(v any) (Point, error) {
	pair, ok := v.([]any)
	if !ok || len(pair) != 2 {
		return Point{}, errors.New("point must be [lon, lat]")
	}

	lon, ok1 := toFloat(pair[0])
	lat, ok2 := toFloat(pair[1])

	if !ok1 || !ok2 {
		return Point{}, errors.New("point coordinates must be numbers")
	}

	return Point{Lon: lon, Lat: lat}, nil
}
