package store

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/shelter/internal/filter"
)

// exprBuilder renders filter trees into DynamoDB expressions, allocating
// #nN name and :vN value placeholders. Every placeholder it allocates is
// referenced by the returned expression.
type exprBuilder struct {
	names  map[string]string
	values map[string]types.AttributeValue

	segments map[string]string
	types    map[string]string
	n        int
}

func newExprBuilder() *exprBuilder {
	return &exprBuilder{
		names:    make(map[string]string),
		values:   make(map[string]types.AttributeValue),
		segments: make(map[string]string),
		types:    make(map[string]string),
	}
}

// name returns the placeholder path for a dotted field path.
func (b *exprBuilder) name(path string) string {
	parts := strings.Split(path, ".")
	for i, seg := range parts {
		parts[i] = b.attrName(seg)
	}
	return strings.Join(parts, ".")
}

// attrName returns the placeholder for one top-level attribute name, dots included.
func (b *exprBuilder) attrName(name string) string {
	ph, ok := b.segments[name]
	if !ok {
		ph = fmt.Sprintf("#n%d", len(b.segments))
		b.segments[name] = ph
		b.names[ph] = name
	}
	return ph
}

func (b *exprBuilder) attr(av types.AttributeValue) string {
	ph := fmt.Sprintf(":v%d", b.n)
	b.n++
	b.values[ph] = av
	return ph
}

func (b *exprBuilder) value(v any) (string, error) {
	av, err := attributevalue.Marshal(filter.Normalize(v))
	if err != nil {
		return "", fmt.Errorf("filter value %v: %w", v, err)
	}
	return b.attr(av), nil
}

// typeName returns the placeholder for an attribute_type operand.
func (b *exprBuilder) typeName(t string) string {
	ph, ok := b.types[t]
	if !ok {
		ph = ":t" + t
		b.types[t] = ph
		b.values[ph] = &types.AttributeValueMemberS{Value: t}
	}
	return ph
}

// render returns "" for a tree that matches every item.
func (b *exprBuilder) render(node filter.Node) (string, error) {
	switch n := node.(type) {
	case filter.And:
		var parts []string
		for _, c := range n {
			s, err := b.render(c)
			if err != nil {
				return "", err
			}
			if s != "" {
				parts = append(parts, s)
			}
		}
		return group(parts, " AND "), nil
	case filter.Or:
		for _, c := range n {
			if matchesAll(c) {
				return "", nil
			}
		}
		parts := make([]string, 0, len(n))
		for _, c := range n {
			s, err := b.render(c)
			if err != nil {
				return "", err
			}
			parts = append(parts, s)
		}
		return group(parts, " OR "), nil
	case filter.Cond:
		return b.cond(n)
	case nil:
		return "", nil
	default:
		return "", fmt.Errorf("%w: %T", filter.ErrUnsupported, node)
	}
}

func (b *exprBuilder) cond(c filter.Cond) (string, error) {
	switch c.Op {
	case filter.OpExists:
		if c.Value.(bool) {
			return fmt.Sprintf("attribute_exists(%s)", b.name(c.Path)), nil
		}
		return fmt.Sprintf("attribute_not_exists(%s)", b.name(c.Path)), nil
	case filter.OpEq:
		return b.eq(c.Path, c.Value)
	case filter.OpNe:
		eq, err := b.eq(c.Path, c.Value)
		if err != nil {
			return "", err
		}
		return "NOT " + eq, nil
	case filter.OpIn:
		return b.in(c.Path, c.Value.([]any))
	case filter.OpNin:
		list := c.Value.([]any)
		if len(list) == 0 {
			return "", nil
		}
		in, err := b.in(c.Path, list)
		if err != nil {
			return "", err
		}
		return "NOT (" + in + ")", nil
	case filter.OpGt, filter.OpGte, filter.OpLt, filter.OpLte:
		v, err := b.value(c.Value)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s %s %s", b.name(c.Path), comparators[c.Op], v), nil
	default:
		return "", fmt.Errorf("%w: %s", filter.ErrUnsupported, c.Op)
	}
}

var comparators = map[filter.Op]string{
	filter.OpGt:  ">",
	filter.OpGte: ">=",
	filter.OpLt:  "<",
	filter.OpLte: "<=",
}

// eq matches a missing or NULL attribute for a nil value, and a list
// attribute containing a scalar value.
func (b *exprBuilder) eq(path string, v any) (string, error) {
	p := b.name(path)
	if v == nil {
		return fmt.Sprintf("(attribute_not_exists(%s) OR attribute_type(%s, %s))", p, p, b.typeName("NULL")), nil
	}
	norm := filter.Normalize(v)
	ph, err := b.value(norm)
	if err != nil {
		return "", err
	}
	switch norm.(type) {
	case []any, map[string]any:
		return fmt.Sprintf("(%s = %s)", p, ph), nil
	}
	return fmt.Sprintf("(%s = %s OR (attribute_type(%s, %s) AND contains(%s, %s)))",
		p, ph, p, b.typeName("L"), p, ph), nil
}

func (b *exprBuilder) in(path string, list []any) (string, error) {
	if len(list) == 0 {
		// Every item has an _id, so this never matches.
		return fmt.Sprintf("attribute_not_exists(%s)", b.name(IDField)), nil
	}
	parts := make([]string, 0, len(list))
	for _, v := range list {
		s, err := b.eq(path, v)
		if err != nil {
			return "", err
		}
		parts = append(parts, s)
	}
	return group(parts, " OR "), nil
}

func group(parts []string, sep string) string {
	switch len(parts) {
	case 0:
		return ""
	case 1:
		return parts[0]
	}
	wrapped := make([]string, len(parts))
	for i, p := range parts {
		wrapped[i] = "(" + p + ")"
	}
	return strings.Join(wrapped, sep)
}

// matchesAll reports whether node renders to no condition at all.
func matchesAll(node filter.Node) bool {
	switch n := node.(type) {
	case filter.And:
		for _, c := range n {
			if !matchesAll(c) {
				return false
			}
		}
		return true
	case filter.Cond:
		list, ok := n.Value.([]any)
		return n.Op == filter.OpNin && ok && len(list) == 0
	case nil:
		return true
	}
	return false
}

// planQuery picks a top-level equality against a non-empty string on a field
// with an ACTIVE index. The remaining conditions become the query filter.
func planQuery(node filter.Node, indexes map[string]string) (key filter.Cond, index string, rest filter.Node) {
	and, ok := node.(filter.And)
	if !ok || len(indexes) == 0 {
		return filter.Cond{}, "", node
	}
	for i, c := range and {
		cond, ok := c.(filter.Cond)
		if !ok || cond.Op != filter.OpEq {
			continue
		}
		if v, ok := cond.Value.(string); !ok || v == "" {
			continue
		}
		idx, ok := indexes[cond.Path]
		if !ok {
			continue
		}
		remaining := make(filter.And, 0, len(and)-1)
		remaining = append(remaining, and[:i]...)
		remaining = append(remaining, and[i+1:]...)
		return cond, idx, remaining
	}
	return filter.Cond{}, "", node
}

// indexAttrs returns the derived index attributes for doc: one per index
// field holding a non-empty string.
func indexAttrs(doc map[string]any, fields []string) map[string]types.AttributeValue {
	out := make(map[string]types.AttributeValue, len(fields))
	for _, field := range fields {
		v, _ := filter.Lookup(doc, field)
		if s, ok := v.(string); ok && s != "" {
			out[indexAttr(field)] = &types.AttributeValueMemberS{Value: s}
		}
	}
	return out
}

// updatedIndexAttrs returns the derived index attributes item will carry once
// values are set on it.
func updatedIndexAttrs(item map[string]types.AttributeValue, values Document, fields []string) (map[string]types.AttributeValue, error) {
	if len(fields) == 0 {
		return nil, nil
	}
	doc, err := unmarshalDocument(item)
	if err != nil {
		return nil, err
	}
	for path, v := range values {
		// A path DynamoDB cannot set fails the UpdateItem call itself.
		filter.Set(doc, path, filter.Normalize(v))
	}
	return indexAttrs(doc, fields), nil
}

// differs reports whether any of set differs from the item's current value.
func differs(item map[string]types.AttributeValue, set map[string]types.AttributeValue) bool {
	for path, want := range set {
		cur := lookupAttr(item, path)
		if cur == nil || !attrEqual(cur, want) {
			return true
		}
	}
	return false
}

func lookupAttr(item map[string]types.AttributeValue, path string) types.AttributeValue {
	parts := strings.Split(path, ".")
	cur, ok := item[parts[0]]
	if !ok {
		return nil
	}
	for _, seg := range parts[1:] {
		m, ok := cur.(*types.AttributeValueMemberM)
		if !ok {
			return nil
		}
		if cur, ok = m.Value[seg]; !ok {
			return nil
		}
	}
	return cur
}

// attrEqual compares attribute values, numbers by value.
func attrEqual(a, b types.AttributeValue) bool {
	switch x := a.(type) {
	case *types.AttributeValueMemberS:
		y, ok := b.(*types.AttributeValueMemberS)
		return ok && x.Value == y.Value
	case *types.AttributeValueMemberN:
		y, ok := b.(*types.AttributeValueMemberN)
		return ok && numbersEqual(x.Value, y.Value)
	case *types.AttributeValueMemberBOOL:
		y, ok := b.(*types.AttributeValueMemberBOOL)
		return ok && x.Value == y.Value
	case *types.AttributeValueMemberNULL:
		_, ok := b.(*types.AttributeValueMemberNULL)
		return ok
	case *types.AttributeValueMemberB:
		y, ok := b.(*types.AttributeValueMemberB)
		return ok && bytes.Equal(x.Value, y.Value)
	case *types.AttributeValueMemberL:
		y, ok := b.(*types.AttributeValueMemberL)
		if !ok || len(x.Value) != len(y.Value) {
			return false
		}
		for i := range x.Value {
			if !attrEqual(x.Value[i], y.Value[i]) {
				return false
			}
		}
		return true
	case *types.AttributeValueMemberM:
		y, ok := b.(*types.AttributeValueMemberM)
		if !ok || len(x.Value) != len(y.Value) {
			return false
		}
		for k, v := range x.Value {
			w, ok := y.Value[k]
			if !ok || !attrEqual(v, w) {
				return false
			}
		}
		return true
	case *types.AttributeValueMemberSS:
		y, ok := b.(*types.AttributeValueMemberSS)
		return ok && sameSet(x.Value, y.Value)
	case *types.AttributeValueMemberNS:
		y, ok := b.(*types.AttributeValueMemberNS)
		return ok && sameSet(x.Value, y.Value)
	case *types.AttributeValueMemberBS:
		y, ok := b.(*types.AttributeValueMemberBS)
		if !ok || len(x.Value) != len(y.Value) {
			return false
		}
		xs := make([]string, len(x.Value))
		ys := make([]string, len(y.Value))
		for i := range x.Value {
			xs[i], ys[i] = string(x.Value[i]), string(y.Value[i])
		}
		return sameSet(xs, ys)
	}
	return false
}

func numbersEqual(a, b string) bool {
	if a == b {
		return true
	}
	x, errX := strconv.ParseFloat(a, 64)
	y, errY := strconv.ParseFloat(b, 64)
	return errX == nil && errY == nil && x == y
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	x := append([]string(nil), a...)
	y := append([]string(nil), b...)
	sort.Strings(x)
	sort.Strings(y)
	for i := range x {
		if x[i] != y[i] {
			return false
		}
	}
	return true
}
