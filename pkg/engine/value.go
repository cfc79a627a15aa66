package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Kind enumerates the variants of Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindString
	KindNumber
	KindBool
	KindList
	KindMap
	// KindUndefined marks an attribute that the owning object does not expose.
	KindUndefined
	// KindUnknown marks state of a peer whose existence is not yet established.
	KindUnknown
)

var kindNames = [...]string{"null", "string", "number", "bool", "list", "map", "undefined", "unknown"}

// String implements fmt.Stringer.
func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// sentinelKey tags the JSON object form of Undefined and Unknown.
const sentinelKey = "$kind"

// Value is a state or goal value. The zero Value is Null.
type Value struct {
	kind Kind
	str  string
	num  float64
	b    bool
	list []Value
	m    map[string]Value
}

// Null returns the null value.
func Null() Value { return Value{} }

// Undefined returns the undefined sentinel.
func Undefined() Value { return Value{kind: KindUndefined} }

// Unknown returns the unknown sentinel.
func Unknown() Value { return Value{kind: KindUnknown} }

// String returns a string value.
func String(s string) Value { return Value{kind: KindString, str: s} }

// Number returns a numeric value.
func Number(n float64) Value { return Value{kind: KindNumber, num: n} }

// Bool returns a boolean value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// List returns a list value.
func List(items ...Value) Value {
	if items == nil {
		items = []Value{}
	}
	return Value{kind: KindList, list: items}
}

// Map returns a map value.
func Map(fields map[string]Value) Value {
	if fields == nil {
		fields = map[string]Value{}
	}
	return Value{kind: KindMap, m: fields}
}

// Kind returns the variant.
func (v Value) Kind() Kind { return v.kind }

// IsDefined reports whether v is neither Undefined nor Unknown.
func (v Value) IsDefined() bool {
	return v.kind != KindUndefined && v.kind != KindUnknown
}

// IsNull reports whether v is Null.
func (v Value) IsNull() bool { return v.kind == KindNull }

// Str returns the string payload.
func (v Value) Str() (string, bool) { return v.str, v.kind == KindString }

// Num returns the numeric payload.
func (v Value) Num() (float64, bool) { return v.num, v.kind == KindNumber }

// Truth returns the boolean payload.
func (v Value) Truth() (bool, bool) { return v.b, v.kind == KindBool }

// Items returns the list payload.
func (v Value) Items() []Value { return v.list }

// Fields returns the map payload.
func (v Value) Fields() map[string]Value { return v.m }

// Field returns a member of a map value, or Undefined.
func (v Value) Field(name string) Value {
	if v.kind != KindMap {
		return Undefined()
	}
	f, ok := v.m[name]
	if !ok {
		return Undefined()
	}
	return f
}

// Equal compares two values structurally. Lists are compared after order
// normalisation, so [a b] equals [b a].
func (v Value) Equal(o Value) bool {
	return compareValues(v.Normalize(), o.Normalize()) == 0
}

// Normalize returns a copy with every nested list sorted.
func (v Value) Normalize() Value {
	switch v.kind {
	case KindList:
		items := make([]Value, len(v.list))
		for i, it := range v.list {
			items[i] = it.Normalize()
		}
		sort.SliceStable(items, func(i, j int) bool {
			return compareValues(items[i], items[j]) < 0
		})
		return Value{kind: KindList, list: items}
	case KindMap:
		fields := make(map[string]Value, len(v.m))
		for k, f := range v.m {
			fields[k] = f.Normalize()
		}
		return Value{kind: KindMap, m: fields}
	default:
		return v
	}
}

// compareValues gives a total order over values: first by kind, then by payload.
func compareValues(a, b Value) int {
	if a.kind != b.kind {
		if a.kind < b.kind {
			return -1
		}
		return 1
	}
	switch a.kind {
	case KindString:
		return strings.Compare(a.str, b.str)
	case KindNumber:
		switch {
		case a.num < b.num:
			return -1
		case a.num > b.num:
			return 1
		}
		return 0
	case KindBool:
		switch {
		case a.b == b.b:
			return 0
		case !a.b:
			return -1
		}
		return 1
	case KindList:
		for i := 0; i < len(a.list) && i < len(b.list); i++ {
			if c := compareValues(a.list[i], b.list[i]); c != 0 {
				return c
			}
		}
		return len(a.list) - len(b.list)
	case KindMap:
		keys := unionKeys(a.m, b.m)
		for _, k := range keys {
			av, aok := a.m[k]
			bv, bok := b.m[k]
			if aok != bok {
				if !aok {
					return -1
				}
				return 1
			}
			if c := compareValues(av, bv); c != 0 {
				return c
			}
		}
		return 0
	default:
		return 0
	}
}

func unionKeys(a, b map[string]Value) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		seen[k] = struct{}{}
	}
	for k := range b {
		seen[k] = struct{}{}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Interface converts v into plain Go values (string, float64, bool, []any,
// map[string]any, nil). Undefined and Unknown become their sentinel maps.
func (v Value) Interface() any {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return v.num
	case KindBool:
		return v.b
	case KindList:
		out := make([]any, len(v.list))
		for i, it := range v.list {
			out[i] = it.Interface()
		}
		return out
	case KindMap:
		out := make(map[string]any, len(v.m))
		for k, f := range v.m {
			out[k] = f.Interface()
		}
		return out
	case KindUndefined, KindUnknown:
		return map[string]any{sentinelKey: v.kind.String()}
	default:
		return nil
	}
}

// FromInterface converts decoded JSON/YAML data into a Value.
func FromInterface(x any) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Null(), nil
	case Value:
		return t, nil
	case string:
		return String(t), nil
	case bool:
		return Bool(t), nil
	case float64:
		return Number(t), nil
	case float32:
		return Number(float64(t)), nil
	case int:
		return Number(float64(t)), nil
	case int64:
		return Number(float64(t)), nil
	case uint64:
		return Number(float64(t)), nil
	case json.Number:
		n, err := t.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("invalid number %q: %w", t, err)
		}
		return Number(n), nil
	case []any:
		items := make([]Value, len(t))
		for i, it := range t {
			v, err := FromInterface(it)
			if err != nil {
				return Value{}, err
			}
			items[i] = v
		}
		return List(items...), nil
	case map[string]any:
		if len(t) == 1 {
			if tag, ok := t[sentinelKey].(string); ok {
				switch tag {
				case KindUndefined.String():
					return Undefined(), nil
				case KindUnknown.String():
					return Unknown(), nil
				}
			}
		}
		fields := make(map[string]Value, len(t))
		for k, it := range t {
			v, err := FromInterface(it)
			if err != nil {
				return Value{}, err
			}
			fields[k] = v
		}
		return Map(fields), nil
	default:
		return Value{}, fmt.Errorf("unsupported value type %T", x)
	}
}

// MustValue is like FromInterface but panics on error.
func MustValue(x any) Value {
	v, err := FromInterface(x)
	if err != nil {
		panic(err)
	}
	return v
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.kind == KindNumber && (math.IsNaN(v.num) || math.IsInf(v.num, 0)) {
		return nil, fmt.Errorf("cannot encode non-finite number %v", v.num)
	}
	return json.Marshal(v.Interface())
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	parsed, err := FromInterface(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// String renders v for logs.
func (v Value) String() string {
	switch v.kind {
	case KindUndefined, KindUnknown:
		return "<" + v.kind.String() + ">"
	case KindString:
		return strconv.Quote(v.str)
	}
	data, err := json.Marshal(v.Interface())
	if err != nil {
		return "<" + v.kind.String() + ">"
	}
	return string(data)
}
