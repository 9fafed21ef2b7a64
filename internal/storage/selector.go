package storage

import (
	"fmt"
	"strconv"
	"strings"
)

// Selector is a mapping of dotted field path to either a literal value
// (equality) or an operator mapping, e.g.:
//
//	Selector{"vendor": "Cisco"}
//	Selector{"options.timezone": Selector{"$exists": true}}
//	Selector{"vlan_id": Selector{"$ge": 1, "$le": 4094}}
//
// A nil or empty Selector matches every document.
type Selector map[string]any

// recognizedOperators lists every operator key MatchOne understands. A
// nested map whose keys are not all operators is treated as a literal
// value to compare for deep equality instead.
var recognizedOperators = map[string]bool{
	"$in": true, "$nin": true, "$contains": true, "$gt": true,
	"$ge": true, "$lt": true, "$le": true, "$ne": true, "$exists": true,
}

// Match reports whether doc satisfies every field constraint in sel.
func Match(doc Document, sel Selector) bool {
	for path, want := range sel {
		values := lookup(doc, strings.Split(path, "."))
		if !matchField(values, want) {
			return false
		}
	}
	return true
}

// lookup walks a dotted key path through nested maps. When it passes
// through a list, it flattens: the remaining path is looked up on every
// element and all results are concatenated. This mirrors the document
// store's "dotted key traversal through nested maps and list flattening"
// requirement, so that e.g. "sip_lines.100.username" or a selector over a
// list-of-dicts field works uniformly.
func lookup(v any, path []string) []any {
	if len(path) == 0 {
		return []any{v}
	}
	key := path[0]
	rest := path[1:]

	switch t := v.(type) {
	case Document:
		child, ok := t[key]
		if !ok {
			return nil
		}
		return lookup(child, rest)
	case map[string]any:
		child, ok := t[key]
		if !ok {
			return nil
		}
		return lookup(child, rest)
	case []any:
		var out []any
		for _, elem := range t {
			out = append(out, lookup(elem, path)...)
		}
		return out
	default:
		return nil
	}
}

func matchField(values []any, want any) bool {
	sub, isOperatorMap := asOperatorMap(want)
	if !isOperatorMap {
		for _, v := range values {
			if deepEqual(v, want) {
				return true
			}
		}
		return false
	}

	for op, arg := range sub {
		if !matchOperator(values, op, arg) {
			return false
		}
	}
	return true
}

// asOperatorMap returns (map, true) when want is a Selector/map[string]any
// whose keys are entirely recognized operators.
func asOperatorMap(want any) (map[string]any, bool) {
	var m map[string]any
	switch t := want.(type) {
	case Selector:
		m = t
	case map[string]any:
		m = t
	default:
		return nil, false
	}
	if len(m) == 0 {
		return nil, false
	}
	for k := range m {
		if !recognizedOperators[k] {
			return nil, false
		}
	}
	return m, true
}

func matchOperator(values []any, op string, arg any) bool {
	switch op {
	case "$exists":
		want, _ := arg.(bool)
		return (len(values) > 0) == want
	case "$ne":
		for _, v := range values {
			if deepEqual(v, arg) {
				return false
			}
		}
		return true
	case "$in":
		set, _ := arg.([]any)
		for _, v := range values {
			for _, s := range set {
				if deepEqual(v, s) {
					return true
				}
			}
		}
		return false
	case "$nin":
		set, _ := arg.([]any)
		for _, v := range values {
			for _, s := range set {
				if deepEqual(v, s) {
					return false
				}
			}
		}
		return true
	case "$contains":
		for _, v := range values {
			list, ok := v.([]any)
			if !ok {
				continue
			}
			for _, elem := range list {
				if deepEqual(elem, arg) {
					return true
				}
			}
		}
		return false
	case "$gt", "$ge", "$lt", "$le":
		for _, v := range values {
			if compareOp(op, v, arg) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func compareOp(op string, a, b any) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		switch op {
		case "$gt":
			return af > bf
		case "$ge":
			return af >= bf
		case "$lt":
			return af < bf
		case "$le":
			return af <= bf
		}
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		switch op {
		case "$gt":
			return as > bs
		case "$ge":
			return as >= bs
		case "$lt":
			return as < bs
		case "$le":
			return as <= bs
		}
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func deepEqual(a, b any) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return fmt.Sprint(a) == fmt.Sprint(b) && sameKind(a, b)
}

// sameKind guards against the fmt.Sprint fallback above equating e.g.
// bool true with string "true".
func sameKind(a, b any) bool {
	switch a.(type) {
	case bool:
		_, ok := b.(bool)
		return ok
	case string:
		_, ok := b.(string)
		return ok
	default:
		return true
	}
}
