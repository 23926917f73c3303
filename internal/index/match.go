package index

import (
	"encoding/json"
	"strings"
)

// Match evaluates p against a document in process. Backends without a
// native query language use it directly; others use it as the reference
// semantics their translation must agree with.
func Match(doc Document, p Predicate) bool {
	return matchValue(map[string]any(doc), p)
}

func matchValue(ctx any, p Predicate) bool {
	switch p.Op {
	case OpTrue:
		return true
	case OpFalse:
		return false
	case OpAnd:
		for _, s := range p.Sub {
			if !matchValue(ctx, s) {
				return false
			}
		}
		return true
	case OpOr:
		for _, s := range p.Sub {
			if matchValue(ctx, s) {
				return true
			}
		}
		return false
	case OpNot:
		return !matchValue(ctx, p.Sub[0])
	}

	v, present := resolve(ctx, p.Field)
	switch p.Op {
	case OpExists:
		return present
	case OpNull:
		return present && v == nil
	case OpElemMatch:
		list, ok := v.([]any)
		if !ok {
			return false
		}
		for _, el := range list {
			if matchValue(el, p.Sub[0]) {
				return true
			}
		}
		return false
	}
	if !present {
		return false
	}
	return anyScalar(v, func(x any) bool { return compareScalar(x, p) })
}

func resolve(ctx any, path string) (any, bool) {
	if path == "" {
		return ctx, true
	}
	cur := ctx
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			if d, isDoc := cur.(Document); isDoc {
				m = d
			} else {
				return nil, false
			}
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func anyScalar(v any, fn func(any) bool) bool {
	if list, ok := v.([]any); ok {
		for _, el := range list {
			if fn(el) {
				return true
			}
		}
		return false
	}
	return fn(v)
}

func compareScalar(x any, p Predicate) bool {
	if x == nil {
		return false
	}
	switch p.Op {
	case OpEq:
		return equal(x, p.Value, p.Fold)
	case OpIn:
		for _, want := range p.Values {
			if equal(x, want, p.Fold) {
				return true
			}
		}
		return false
	case OpPrefix, OpContains:
		s, ok := x.(string)
		want, wok := p.Value.(string)
		if !ok || !wok {
			return false
		}
		if p.Fold {
			s, want = strings.ToLower(s), strings.ToLower(want)
		}
		if p.Op == OpPrefix {
			return strings.HasPrefix(s, want)
		}
		return strings.Contains(s, want)
	case OpGt, OpGte, OpLt, OpLte:
		c, ok := compare(x, p.Value)
		if !ok {
			return false
		}
		switch p.Op {
		case OpGt:
			return c > 0
		case OpGte:
			return c >= 0
		case OpLt:
			return c < 0
		default:
			return c <= 0
		}
	}
	return false
}

func equal(a, b any, fold bool) bool {
	if as, ok := a.(string); ok {
		bs, ok := b.(string)
		if !ok {
			return false
		}
		if fold {
			return strings.EqualFold(as, bs)
		}
		return as == bs
	}
	if af, ok := toFloat(a); ok {
		bf, ok := toFloat(b)
		return ok && af == bf
	}
	if ab, ok := a.(bool); ok {
		bb, ok := b.(bool)
		return ok && ab == bb
	}
	return false
}

// compare orders two scalars of the same kind. It reports false when the
// kinds differ or are not ordered.
func compare(a, b any) (int, bool) {
	if as, ok := a.(string); ok {
		bs, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(as, bs), true
	}
	af, ok := toFloat(a)
	if !ok {
		return 0, false
	}
	bf, ok := toFloat(b)
	if !ok {
		return 0, false
	}
	switch {
	case af < bf:
		return -1, true
	case af > bf:
		return 1, true
	}
	return 0, true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
