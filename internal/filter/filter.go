// Package filter parses store-native filter documents into a condition tree.
//
// The tree is evaluated in process by the memory driver and rendered into
// DynamoDB filter expressions by the dynamodb driver. MongoDB receives filters
// unmodified and never goes through this package.
package filter

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// ErrUnsupported is returned for operators outside the supported subset.
var ErrUnsupported = errors.New("filter: unsupported operator")

// Op is a comparison operator.
type Op string

const (
	OpEq     Op = "$eq"
	OpNe     Op = "$ne"
	OpGt     Op = "$gt"
	OpGte    Op = "$gte"
	OpLt     Op = "$lt"
	OpLte    Op = "$lte"
	OpIn     Op = "$in"
	OpNin    Op = "$nin"
	OpExists Op = "$exists"
)

var knownOps = map[string]Op{
	"$eq": OpEq, "$ne": OpNe,
	"$gt": OpGt, "$gte": OpGte, "$lt": OpLt, "$lte": OpLte,
	"$in": OpIn, "$nin": OpNin,
	"$exists": OpExists,
}

// Node is a condition tree node: Cond, And or Or.
type Node interface {
	node()
}

// Cond compares the value at Path against Value.
type Cond struct {
	Path  string
	Op    Op
	Value any
}

// And matches when every child matches. An empty And matches everything.
type And []Node

// Or matches when any child matches.
type Or []Node

func (Cond) node() {}
func (And) node()  {}
func (Or) node()   {}

// Parse converts a filter document into a condition tree.
// Field order is sorted so rendering is deterministic.
func Parse(doc map[string]any) (Node, error) {
	keys := make([]string, 0, len(doc))
	for k := range doc {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := And{}
	for _, key := range keys {
		value := doc[key]
		switch {
		case key == "$and" || key == "$or":
			children, err := parseList(key, value)
			if err != nil {
				return nil, err
			}
			if key == "$and" {
				out = append(out, And(children))
			} else {
				out = append(out, Or(children))
			}
		case strings.HasPrefix(key, "$"):
			return nil, fmt.Errorf("%w: %s", ErrUnsupported, key)
		default:
			conds, err := parseField(key, value)
			if err != nil {
				return nil, err
			}
			out = append(out, conds...)
		}
	}
	return out, nil
}

func parseList(key string, value any) ([]Node, error) {
	list, ok := asList(value)
	if !ok || len(list) == 0 {
		return nil, fmt.Errorf("filter: %s requires a non-empty array", key)
	}
	nodes := make([]Node, 0, len(list))
	for i, item := range list {
		sub, ok := asMap(item)
		if !ok {
			return nil, fmt.Errorf("filter: %s[%d] must be a document", key, i)
		}
		n, err := Parse(sub)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

func parseField(path string, value any) ([]Node, error) {
	ops, ok := asMap(value)
	if !ok || !isOperatorDoc(ops) {
		return []Node{Cond{Path: path, Op: OpEq, Value: value}}, nil
	}

	names := make([]string, 0, len(ops))
	for k := range ops {
		names = append(names, k)
	}
	sort.Strings(names)

	nodes := make([]Node, 0, len(ops))
	for _, name := range names {
		op, known := knownOps[name]
		if !known {
			return nil, fmt.Errorf("%w: %s on %q", ErrUnsupported, name, path)
		}
		arg := ops[name]
		switch op {
		case OpIn, OpNin:
			list, ok := asList(arg)
			if !ok {
				return nil, fmt.Errorf("filter: %s on %q requires an array", name, path)
			}
			arg = list
		case OpExists:
			b, ok := arg.(bool)
			if !ok {
				return nil, fmt.Errorf("filter: $exists on %q requires a boolean", path)
			}
			arg = b
		}
		nodes = append(nodes, Cond{Path: path, Op: op, Value: arg})
	}
	return nodes, nil
}

// isOperatorDoc reports whether every key of m is an operator. A document with
// no operator keys is an equality match on an embedded document.
func isOperatorDoc(m map[string]any) bool {
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

var mapType = reflect.TypeOf(map[string]any{})

// asMap accepts map[string]any and any named type with that underlying type
// (store.Filter, store.Document, bson.M).
func asMap(v any) (map[string]any, bool) {
	if m, ok := v.(map[string]any); ok {
		return m, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Map && rv.Type().ConvertibleTo(mapType) {
		return rv.Convert(mapType).Interface().(map[string]any), true
	}
	return nil, false
}

// asList accepts any slice or array and returns its elements.
func asList(v any) ([]any, bool) {
	if l, ok := v.([]any); ok {
		return l, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	if rv.Type().Elem().Kind() == reflect.Uint8 {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}
