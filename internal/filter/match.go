package filter

import (
	"reflect"
	"strings"

	"github.com/spf13/cast"
)

// Match evaluates n against doc.
func Match(n Node, doc map[string]any) bool {
	switch n := n.(type) {
	case And:
		for _, c := range n {
			if !Match(c, doc) {
				return false
			}
		}
		return true
	case Or:
		for _, c := range n {
			if Match(c, doc) {
				return true
			}
		}
		return false
	case Cond:
		return matchCond(n, doc)
	default:
		return false
	}
}

func matchCond(c Cond, doc map[string]any) bool {
	v, found := Lookup(doc, c.Path)
	switch c.Op {
	case OpExists:
		return found == c.Value.(bool)
	case OpEq:
		if c.Value == nil {
			return !found || v == nil
		}
		return found && equalOrContains(v, c.Value)
	case OpNe:
		if c.Value == nil {
			return found && v != nil
		}
		return !found || !equalOrContains(v, c.Value)
	case OpIn:
		return found && inList(v, c.Value.([]any))
	case OpNin:
		return !found || !inList(v, c.Value.([]any))
	case OpGt, OpGte, OpLt, OpLte:
		if !found {
			return false
		}
		cmp, ok := Compare(v, c.Value)
		if !ok {
			return false
		}
		switch c.Op {
		case OpGt:
			return cmp > 0
		case OpGte:
			return cmp >= 0
		case OpLt:
			return cmp < 0
		default:
			return cmp <= 0
		}
	}
	return false
}

func inList(v any, list []any) bool {
	for _, want := range list {
		if equalOrContains(v, want) {
			return true
		}
	}
	return false
}

// equalOrContains applies equality, treating an array field as matching when
// any element equals want.
func equalOrContains(v, want any) bool {
	if Equal(v, want) {
		return true
	}
	if _, wantList := asList(want); wantList {
		return false
	}
	if list, ok := asList(v); ok {
		for _, el := range list {
			if Equal(el, want) {
				return true
			}
		}
	}
	return false
}

// Lookup resolves a dotted path inside doc.
func Lookup(doc map[string]any, path string) (any, bool) {
	var cur any = doc
	for _, part := range strings.Split(path, ".") {
		m, ok := asMap(cur)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Set assigns value at a dotted path, creating intermediate documents.
// It returns false when an intermediate value exists and is not a document.
func Set(doc map[string]any, path string, value any) bool {
	parts := strings.Split(path, ".")
	cur := doc
	for _, part := range parts[:len(parts)-1] {
		next, exists := cur[part]
		if !exists || next == nil {
			m := map[string]any{}
			cur[part] = m
			cur = m
			continue
		}
		m, ok := next.(map[string]any)
		if !ok {
			return false
		}
		cur = m
	}
	cur[parts[len(parts)-1]] = value
	return true
}

// Equal compares two values the way the store does: numbers by value across
// numeric types, documents and arrays element-wise.
func Equal(a, b any) bool {
	if isNumber(a) && isNumber(b) {
		return cast.ToFloat64(a) == cast.ToFloat64(b)
	}
	if am, ok := asMap(a); ok {
		bm, ok := asMap(b)
		if !ok || len(am) != len(bm) {
			return false
		}
		for k, av := range am {
			bv, ok := bm[k]
			if !ok || !Equal(av, bv) {
				return false
			}
		}
		return true
	}
	if al, ok := asList(a); ok {
		bl, ok := asList(b)
		if !ok || len(al) != len(bl) {
			return false
		}
		for i := range al {
			if !Equal(al[i], bl[i]) {
				return false
			}
		}
		return true
	}
	return reflect.DeepEqual(a, b)
}

// Compare orders two numbers or two strings. ok is false for other pairs.
func Compare(a, b any) (cmp int, ok bool) {
	if isNumber(a) && isNumber(b) {
		x, y := cast.ToFloat64(a), cast.ToFloat64(b)
		switch {
		case x < y:
			return -1, true
		case x > y:
			return 1, true
		default:
			return 0, true
		}
	}
	x, xok := a.(string)
	y, yok := b.(string)
	if xok && yok {
		return strings.Compare(x, y), true
	}
	return 0, false
}

func isNumber(v any) bool {
	switch v.(type) {
	case int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return true
	default:
		return false
	}
}

// Normalize rewrites named map and slice types (store.Document, bson.M,
// bson.A, []string...) into plain map[string]any and []any, recursively.
// The result shares no maps or slices with v.
func Normalize(v any) any {
	if m, ok := asMap(v); ok {
		out := make(map[string]any, len(m))
		for k, el := range m {
			out[k] = Normalize(el)
		}
		return out
	}
	if l, ok := asList(v); ok {
		out := make([]any, len(l))
		for i, el := range l {
			out[i] = Normalize(el)
		}
		return out
	}
	return v
}
