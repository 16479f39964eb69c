package codec

import (
	"fmt"
	"math"
	"math/big"
	"reflect"
	"time"
)

// Set models the JS "Set" special scalar: an ordered collection with no
// duplicate-key semantics enforced by the codec itself (callers own that).
type Set []any

// MapEntry is one key/value pair of a Map value.
type MapEntry struct {
	Key   any
	Value any
}

// MapValue models the JS "Map" special scalar: an ordered list of
// arbitrarily-keyed entries, distinct from a plain string-keyed object.
type MapValue []MapEntry

// Undefined models the JS "undefined" special scalar, distinct from JSON null.
type Undefined struct{}

func transformOut(v any, bins *[][]byte, path string, visiting map[uintptr]bool) (any, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case bool, string, int, int32, int64:
		return val, nil
	case float64:
		switch {
		case math.IsNaN(val):
			return reservedTag{Tag: tagNaN}, nil
		case math.IsInf(val, 1):
			return reservedTag{Tag: tagPosInf}, nil
		case math.IsInf(val, -1):
			return reservedTag{Tag: tagNegInf}, nil
		default:
			return val, nil
		}
	case []byte:
		idx := len(*bins)
		*bins = append(*bins, val)
		return binRef{Tag: tagBinary, Idx: idx}, nil
	case time.Time:
		return map[string]any{"__codec__": "date", "value": val.Format(time.RFC3339Nano)}, nil
	case *big.Int:
		return map[string]any{"__codec__": "bigint", "value": val.String()}, nil
	case Undefined:
		return map[string]any{"__codec__": "undefined"}, nil
	case Set:
		if err := enterCycleGuard(val, path, visiting); err != nil {
			return nil, err
		}
		defer exitCycleGuard(val, visiting)
		items := make([]any, len(val))
		for i, e := range val {
			t, err := transformOut(e, bins, fmt.Sprintf("%s[%d]", path, i), visiting)
			if err != nil {
				return nil, err
			}
			items[i] = t
		}
		return map[string]any{"__codec__": "set", "items": items}, nil
	case MapValue:
		entries := make([]any, len(val))
		for i, e := range val {
			k, err := transformOut(e.Key, bins, fmt.Sprintf("%s.key[%d]", path, i), visiting)
			if err != nil {
				return nil, err
			}
			vv, err := transformOut(e.Value, bins, fmt.Sprintf("%s.value[%d]", path, i), visiting)
			if err != nil {
				return nil, err
			}
			entries[i] = map[string]any{"key": k, "value": vv}
		}
		return map[string]any{"__codec__": "map", "entries": entries}, nil
	case []any:
		if err := enterCycleGuard(val, path, visiting); err != nil {
			return nil, err
		}
		defer exitCycleGuard(val, visiting)
		out := make([]any, len(val))
		for i, e := range val {
			t, err := transformOut(e, bins, fmt.Sprintf("%s[%d]", path, i), visiting)
			if err != nil {
				return nil, err
			}
			out[i] = t
		}
		return out, nil
	case map[string]any:
		if err := enterCycleGuard(val, path, visiting); err != nil {
			return nil, err
		}
		defer exitCycleGuard(val, visiting)
		out := make(map[string]any, len(val))
		for k, e := range val {
			t, err := transformOut(e, bins, path+"."+k, visiting)
			if err != nil {
				return nil, err
			}
			out[k] = t
		}
		return out, nil
	default:
		return nil, ErrUnsupportedValue{Path: path}
	}
}

func enterCycleGuard(v any, path string, visiting map[uintptr]bool) error {
	ptr := reflect.ValueOf(v).Pointer()
	if ptr == 0 {
		return nil
	}
	if visiting[ptr] {
		return fmt.Errorf("codec: circular reference at %s", path)
	}
	visiting[ptr] = true
	return nil
}

func exitCycleGuard(v any, visiting map[uintptr]bool) {
	ptr := reflect.ValueOf(v).Pointer()
	if ptr != 0 {
		delete(visiting, ptr)
	}
}

func transformIn(v any, bins [][]byte) any {
	switch val := v.(type) {
	case map[string]any:
		if tag, ok := val["__codec__"].(string); ok {
			return transformTagged(tag, val, bins)
		}
		out := make(map[string]any, len(val))
		for k, e := range val {
			out[k] = transformIn(e, bins)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = transformIn(e, bins)
		}
		return out
	default:
		return val
	}
}

func transformTagged(tag string, val map[string]any, bins [][]byte) any {
	switch tag {
	case tagBinary:
		idx := int(val["idx"].(float64))
		if idx < 0 || idx >= len(bins) {
			return nil
		}
		return bins[idx]
	case tagNaN:
		return math.NaN()
	case tagPosInf:
		return math.Inf(1)
	case tagNegInf:
		return math.Inf(-1)
	case "date":
		t, _ := time.Parse(time.RFC3339Nano, val["value"].(string))
		return t
	case "bigint":
		n := new(big.Int)
		n.SetString(val["value"].(string), 10)
		return n
	case "undefined":
		return Undefined{}
	case "set":
		items, _ := val["items"].([]any)
		out := make(Set, len(items))
		for i, it := range items {
			out[i] = transformIn(it, bins)
		}
		return out
	case "map":
		entries, _ := val["entries"].([]any)
		out := make(MapValue, len(entries))
		for i, e := range entries {
			em, _ := e.(map[string]any)
			out[i] = MapEntry{Key: transformIn(em["key"], bins), Value: transformIn(em["value"], bins)}
		}
		return out
	default:
		return val
	}
}
