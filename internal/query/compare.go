package query

import (
	"encoding/json"
	"math"
	"reflect"
	"strings"

	"github.com/tidwall/gjson"
)

// equalsAny is Mongo equality: an array field matches when it equals value
// as a whole or when any element does.
func equalsAny(res gjson.Result, value any) bool {
	if equals(res, value) {
		return true
	}

	if !res.IsArray() {
		return false
	}

	found := false

	res.ForEach(func(_, elem gjson.Result) bool {
		if equals(elem, value) {
			found = true

			return false
		}

		return true
	})

	return found
}

func equals(res gjson.Result, value any) bool {
	if value == nil {
		return !res.Exists() || res.Type == gjson.Null
	}

	if cmp, ok := compareValue(res, value); ok {
		return cmp == 0
	}

	// Objects and arrays compare structurally.
	if !res.IsObject() && !res.IsArray() {
		return false
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return false
	}

	var want, got any
	if json.Unmarshal(raw, &want) != nil || json.Unmarshal([]byte(res.Raw), &got) != nil {
		return false
	}

	return reflect.DeepEqual(want, got)
}

// compareValue orders a document value against a query literal. ok is false
// when the two are not comparable (different JSON types, or absent field).
func compareValue(res gjson.Result, value any) (int, bool) {
	if !res.Exists() {
		return 0, false
	}

	switch v := value.(type) {
	case string:
		if res.Type != gjson.String {
			return 0, false
		}

		return strings.Compare(res.Str, v), true
	case bool:
		if res.Type != gjson.True && res.Type != gjson.False {
			return 0, false
		}

		return compareBools(res.Bool(), v), true
	default:
		f, ok := toFloat(value)
		if !ok || res.Type != gjson.Number {
			return 0, false
		}

		return compareFloats(res.Num, f), true
	}
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()

		return f, err == nil
	default:
		return math.NaN(), false
	}
}

func compareFloats(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func compareBools(a, b bool) int {
	switch {
	case a == b:
		return 0
	case !a:
		return -1
	default:
		return 1
	}
}

// typeRank follows the backend's cross-type sort order.
func typeRank(res gjson.Result) int {
	switch {
	case !res.Exists() || res.Type == gjson.Null:
		return 0
	case res.Type == gjson.Number:
		return 1
	case res.Type == gjson.String:
		return 2
	case res.IsObject():
		return 3
	case res.IsArray():
		return 4
	default:
		return 5
	}
}

// compareResults orders two document values for sorting.
func compareResults(a, b gjson.Result) int {
	ra, rb := typeRank(a), typeRank(b)
	if ra != rb {
		return compareFloats(float64(ra), float64(rb))
	}

	switch ra {
	case 0:
		return 0
	case 1:
		return compareFloats(a.Num, b.Num)
	case 2:
		return strings.Compare(a.Str, b.Str)
	case 5:
		return compareBools(a.Bool(), b.Bool())
	default:
		return strings.Compare(a.Raw, b.Raw)
	}
}
