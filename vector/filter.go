package vector

import (
	"encoding/json"
	"reflect"
)

func (d *Document) field(key string) (any, bool) {
	switch key {
	case "file_type":
		return d.FileType, true
	case "source":
		return d.Source, true
	}

	v, ok := d.Metadata[key]
	return v, ok
}

func (d *Document) matches(filters map[string]any) bool {
	for key, want := range filters {
		have, ok := d.field(key)
		if !ok || !equalValue(have, want) {
			return false
		}
	}
	return true
}

// equalValue compares metadata values after normalizing numeric types. A
// sequence matches a scalar it contains; two sequences match element-wise.
func equalValue(have, want any) bool {
	have = normalize(have)
	want = normalize(want)

	haveSeq, haveIsSeq := have.([]any)
	wantSeq, wantIsSeq := want.([]any)

	switch {
	case haveIsSeq && wantIsSeq:
		if len(haveSeq) != len(wantSeq) {
			return false
		}
		for i := range haveSeq {
			if !reflect.DeepEqual(haveSeq[i], wantSeq[i]) {
				return false
			}
		}
		return true

	case haveIsSeq:
		for _, v := range haveSeq {
			if reflect.DeepEqual(v, want) {
				return true
			}
		}
		return false

	default:
		return reflect.DeepEqual(have, want)
	}
}

func normalize(v any) any {
	switch x := v.(type) {
	case int:
		return float64(x)
	case int8:
		return float64(x)
	case int16:
		return float64(x)
	case int32:
		return float64(x)
	case int64:
		return float64(x)
	case uint:
		return float64(x)
	case uint8:
		return float64(x)
	case uint16:
		return float64(x)
	case uint32:
		return float64(x)
	case uint64:
		return float64(x)
	case float32:
		return float64(x)
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return x.String()
		}
		return f
	case []string:
		out := make([]any, len(x))
		for i, s := range x {
			out[i] = s
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = normalize(e)
		}
		return out
	default:
		return v
	}
}
