package proximum

import "reflect"

// toFloat64 widens any numeric kind to float64 so Gt/Lt/Between can compare
// a stored field (always float64 once round-tripped through
// encoding/json, per internal/metadata.Index.Get) against whatever numeric
// literal the caller wrote the predicate with.
func toFloat64(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

// valuesEqual compares a and b across equivalent numeric kinds and plain
// equality otherwise.
func valuesEqual(a, b interface{}) bool {
	if af, aok := toFloat64(a); aok {
		if bf, bok := toFloat64(b); bok {
			return af == bf
		}
	}
	return reflect.DeepEqual(a, b)
}

// compareValues orders a against b, returning -1/0/1 the way sort.Compare
// does, or ok=false when the two values aren't ordered against each other
// (mismatched non-numeric kinds).
func compareValues(a, b interface{}) (cmp int, ok bool) {
	if af, aok := toFloat64(a); aok {
		if bf, bok := toFloat64(b); bok {
			switch {
			case af < bf:
				return -1, true
			case af > bf:
				return 1, true
			default:
				return 0, true
			}
		}
		return 0, false
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		switch {
		case as < bs:
			return -1, true
		case as > bs:
			return 1, true
		default:
			return 0, true
		}
	}
	return 0, false
}

// toSlice views v as a []interface{} for ContainsAny/ContainsAll, covering
// both the []interface{} encoding/json.Unmarshal produces for a JSON array
// and a plain []interface{} passed in directly by the caller.
func toSlice(v interface{}) ([]interface{}, bool) {
	if items, ok := v.([]interface{}); ok {
		return items, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]interface{}, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}
