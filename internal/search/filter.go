package search

import (
	"fmt"
	"strconv"
	"strings"

	sq "github.com/Masterminds/squirrel"
)

// operand is the right-hand side of a clause: a literal, a bound value (@name) or
// the values of one field across an earlier result set (@request.field).
type operand struct {
	literal *int64
	value   string
	ref     string
	field   string
}

type clause struct {
	field string
	op    string
	arg   operand
}

// filter is a disjunction of conjunctions; "and" binds tighter than "or".
type filter [][]clause

var operators = map[string]bool{"=": true, "<>": true, "<": true, ">": true, "in": true}

func parseFilter(expr string) (filter, error) {
	tokens := strings.Fields(expr)
	if len(tokens) == 0 {
		return nil, nil
	}

	var (
		groups  filter
		current []clause
	)
	for i := 0; ; {
		if i+3 > len(tokens) {
			return nil, fmt.Errorf("%w: incomplete clause in %q", ErrBadFilter, expr)
		}
		c, err := parseClause(tokens[i], tokens[i+1], tokens[i+2])
		if err != nil {
			return nil, err
		}
		current = append(current, c)
		i += 3

		if i == len(tokens) {
			break
		}
		switch strings.ToLower(tokens[i]) {
		case "and":
		case "or":
			groups = append(groups, current)
			current = nil
		default:
			return nil, fmt.Errorf("%w: expected and/or, got %q", ErrBadFilter, tokens[i])
		}
		i++
		if i == len(tokens) {
			return nil, fmt.Errorf("%w: dangling %q", ErrBadFilter, tokens[i-1])
		}
	}
	return append(groups, current), nil
}

func parseClause(field, op, arg string) (clause, error) {
	op = strings.ToLower(op)
	if !operators[op] {
		return clause{}, fmt.Errorf("%w: unknown operator %q", ErrBadFilter, op)
	}

	c := clause{field: field, op: op}
	if name, ok := strings.CutPrefix(arg, "@"); ok {
		if name == "" {
			return clause{}, fmt.Errorf("%w: empty reference", ErrBadFilter)
		}
		if ref, field, found := strings.Cut(name, "."); found {
			c.arg = operand{ref: ref, field: field}
		} else {
			c.arg = operand{value: name}
		}
		return c, nil
	}

	n, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return clause{}, fmt.Errorf("%w: operand %q", ErrBadFilter, arg)
	}
	c.arg = operand{literal: &n}
	return c, nil
}

func (f filter) compile(e entity, values map[string]any, results map[string][]Row) (sq.Sqlizer, error) {
	or := make(sq.Or, 0, len(f))
	for _, group := range f {
		and := make(sq.And, 0, len(group))
		for _, c := range group {
			s, err := c.compile(e, values, results)
			if err != nil {
				return nil, err
			}
			and = append(and, s)
		}
		or = append(or, and)
	}
	return or, nil
}

func (c clause) compile(e entity, values map[string]any, results map[string][]Row) (sq.Sqlizer, error) {
	if !e.hasColumn(c.field) {
		return nil, fmt.Errorf("%w: cannot filter %s on %q", ErrUnknownField, e.table, c.field)
	}
	args, err := c.arg.resolve(values, results)
	if err != nil {
		return nil, err
	}

	col := quote(c.field)
	switch c.op {
	case "=", "in":
		if c.op == "=" && len(args) == 1 {
			return sq.Eq{col: args[0]}, nil
		}
		return sq.Eq{col: args}, nil
	case "<>":
		if len(args) == 1 {
			return sq.NotEq{col: args[0]}, nil
		}
		return sq.NotEq{col: args}, nil
	}

	if len(args) != 1 {
		return nil, fmt.Errorf("%w: %s %s needs exactly one value, got %d", ErrBadFilter, c.field, c.op, len(args))
	}
	if c.op == "<" {
		return sq.Lt{col: args[0]}, nil
	}
	return sq.Gt{col: args[0]}, nil
}

func (o operand) resolve(values map[string]any, results map[string][]Row) ([]any, error) {
	switch {
	case o.literal != nil:
		return []any{*o.literal}, nil
	case o.value != "":
		v, ok := values[o.value]
		if !ok {
			return nil, fmt.Errorf("%w: unbound value @%s", ErrBadFilter, o.value)
		}
		return flatten(nil, v), nil
	}

	rows, ok := results[o.ref]
	if !ok {
		return nil, fmt.Errorf("%w: @%s.%s refers to no earlier result", ErrBadFilter, o.ref, o.field)
	}

	seen := make(map[any]bool)
	var out []any
	for _, row := range rows {
		v, ok := row[o.field]
		if !ok {
			return nil, fmt.Errorf("%w: %s.%s was not selected", ErrBadFilter, o.ref, o.field)
		}
		for _, item := range flatten(nil, v) {
			if !seen[item] {
				seen[item] = true
				out = append(out, item)
			}
		}
	}
	return out, nil
}

func flatten(dst []any, v any) []any {
	switch t := v.(type) {
	case nil:
		return dst
	case int:
		return append(dst, int64(t))
	case []int64:
		for _, n := range t {
			dst = append(dst, n)
		}
		return dst
	case []int:
		for _, n := range t {
			dst = append(dst, int64(n))
		}
		return dst
	case []string:
		for _, s := range t {
			dst = append(dst, s)
		}
		return dst
	case []any:
		for _, item := range t {
			dst = flatten(dst, item)
		}
		return dst
	case map[int64]string:
		for k := range t {
			dst = append(dst, k)
		}
		return dst
	default:
		return append(dst, t)
	}
}
