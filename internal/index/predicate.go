package index

import (
	"fmt"
	"sort"
	"strings"
)

// Op is a predicate operator.
type Op uint8

const (
	OpTrue Op = iota
	OpFalse
	OpAnd
	OpOr
	OpNot
	OpEq
	OpGt
	OpGte
	OpLt
	OpLte
	OpIn
	OpExists
	OpNull
	OpPrefix
	OpContains
	OpElemMatch
)

var opNames = [...]string{
	OpTrue: "true", OpFalse: "false", OpAnd: "and", OpOr: "or", OpNot: "not",
	OpEq: "eq", OpGt: "gt", OpGte: "gte", OpLt: "lt", OpLte: "lte", OpIn: "in",
	OpExists: "exists", OpNull: "null", OpPrefix: "prefix", OpContains: "contains",
	OpElemMatch: "elemMatch",
}

func (o Op) String() string {
	if int(o) < len(opNames) {
		return opNames[o]
	}
	return fmt.Sprintf("Op(%d)", o)
}

// Predicate is a store-independent filter over documents. Field is a dotted
// path relative to the value being tested; an empty Field tests the value
// itself, which is how ElemMatch sub-predicates address scalar elements.
//
// Comparison operators match when the addressed value, or any element of it
// when it is an array, satisfies the comparison. Dotted paths do not
// descend into arrays; use ElemMatch for that.
type Predicate struct {
	Op     Op
	Field  string
	Value  any
	Values []any
	Fold   bool
	Sub    []Predicate
}

// True matches everything.
func True() Predicate { return Predicate{Op: OpTrue} }

// False matches nothing.
func False() Predicate { return Predicate{Op: OpFalse} }

// And matches when every sub-predicate matches. Nested conjunctions are
// flattened and an empty conjunction is True.
func And(ps ...Predicate) Predicate {
	var subs []Predicate
	for _, p := range ps {
		switch p.Op {
		case OpTrue:
			continue
		case OpFalse:
			return False()
		case OpAnd:
			subs = append(subs, p.Sub...)
		default:
			subs = append(subs, p)
		}
	}
	switch len(subs) {
	case 0:
		return True()
	case 1:
		return subs[0]
	}
	return Predicate{Op: OpAnd, Sub: subs}
}

// Or matches when any sub-predicate matches. An empty disjunction is False.
func Or(ps ...Predicate) Predicate {
	var subs []Predicate
	for _, p := range ps {
		switch p.Op {
		case OpFalse:
			continue
		case OpTrue:
			return True()
		case OpOr:
			subs = append(subs, p.Sub...)
		default:
			subs = append(subs, p)
		}
	}
	switch len(subs) {
	case 0:
		return False()
	case 1:
		return subs[0]
	}
	return Predicate{Op: OpOr, Sub: subs}
}

// Not negates p.
func Not(p Predicate) Predicate {
	switch p.Op {
	case OpTrue:
		return False()
	case OpFalse:
		return True()
	case OpNot:
		return p.Sub[0]
	}
	return Predicate{Op: OpNot, Sub: []Predicate{p}}
}

// Eq matches values equal to v.
func Eq(field string, v any) Predicate { return Predicate{Op: OpEq, Field: field, Value: v} }

// EqFold matches strings equal to v ignoring case.
func EqFold(field, v string) Predicate {
	return Predicate{Op: OpEq, Field: field, Value: v, Fold: true}
}

// Gt matches values greater than v.
func Gt(field string, v any) Predicate { return Predicate{Op: OpGt, Field: field, Value: v} }

// Gte matches values greater than or equal to v.
func Gte(field string, v any) Predicate { return Predicate{Op: OpGte, Field: field, Value: v} }

// Lt matches values less than v.
func Lt(field string, v any) Predicate { return Predicate{Op: OpLt, Field: field, Value: v} }

// Lte matches values less than or equal to v.
func Lte(field string, v any) Predicate { return Predicate{Op: OpLte, Field: field, Value: v} }

// In matches values equal to any of vs. An empty set matches nothing.
func In(field string, vs ...any) Predicate {
	if len(vs) == 0 {
		return False()
	}
	return Predicate{Op: OpIn, Field: field, Values: vs}
}

// Exists matches when the field is present, even if it is null.
func Exists(field string) Predicate { return Predicate{Op: OpExists, Field: field} }

// Null matches when the field is present and explicitly null.
func Null(field string) Predicate { return Predicate{Op: OpNull, Field: field} }

// Prefix matches strings starting with s.
func Prefix(field, s string, fold bool) Predicate {
	return Predicate{Op: OpPrefix, Field: field, Value: s, Fold: fold}
}

// Contains matches strings containing s.
func Contains(field, s string, fold bool) Predicate {
	return Predicate{Op: OpContains, Field: field, Value: s, Fold: fold}
}

// ElemMatch matches when field is an array with at least one element
// satisfying p. Paths in p are relative to the element.
func ElemMatch(field string, p Predicate) Predicate {
	return Predicate{Op: OpElemMatch, Field: field, Sub: []Predicate{p}}
}

// String renders p for logs.
func (p Predicate) String() string {
	switch p.Op {
	case OpTrue, OpFalse:
		return p.Op.String()
	case OpAnd, OpOr:
		parts := make([]string, len(p.Sub))
		for i, s := range p.Sub {
			parts[i] = s.String()
		}
		return p.Op.String() + "(" + strings.Join(parts, ", ") + ")"
	case OpNot:
		return "not(" + p.Sub[0].String() + ")"
	case OpElemMatch:
		return fmt.Sprintf("%s elemMatch(%s)", p.Field, p.Sub[0])
	case OpExists, OpNull:
		return fmt.Sprintf("%s %s", p.Field, p.Op)
	case OpIn:
		return fmt.Sprintf("%s in %v", p.Field, p.Values)
	}
	op := p.Op.String()
	if p.Fold {
		op += "/i"
	}
	return fmt.Sprintf("%s %s %q", p.Field, op, fmt.Sprint(p.Value))
}

// ResourceType returns the resource type p is restricted to, when p is a
// conjunction containing an equality on FieldResource.
func (p Predicate) ResourceType() (string, bool) {
	switch p.Op {
	case OpEq:
		if p.Field == FieldResource && !p.Fold {
			s, ok := p.Value.(string)
			return s, ok
		}
	case OpAnd:
		for _, s := range p.Sub {
			if t, ok := s.ResourceType(); ok {
				return t, true
			}
		}
	}
	return "", false
}

// IDPrefixes returns internal id prefixes that every document matching p
// starts with. It reports false when p does not constrain FieldID. The
// result holds no prefix of another entry, so scanning each once visits a
// document at most once.
func (p Predicate) IDPrefixes() ([]string, bool) {
	prefixes, ok := p.idPrefixes()
	if !ok {
		return nil, false
	}
	sort.Strings(prefixes)
	out := prefixes[:0]
	for _, s := range prefixes {
		if len(out) > 0 && strings.HasPrefix(s, out[len(out)-1]) {
			continue
		}
		out = append(out, s)
	}
	return out, true
}

func (p Predicate) idPrefixes() ([]string, bool) {
	switch p.Op {
	case OpEq, OpPrefix:
		if p.Field != FieldID || p.Fold {
			return nil, false
		}
		s, ok := p.Value.(string)
		if !ok {
			return nil, false
		}
		return []string{s}, true
	case OpIn:
		if p.Field != FieldID || p.Fold {
			return nil, false
		}
		out := make([]string, 0, len(p.Values))
		for _, v := range p.Values {
			s, ok := v.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	case OpFalse:
		return []string{}, true
	case OpAnd:
		for _, s := range p.Sub {
			if out, ok := s.idPrefixes(); ok {
				return out, true
			}
		}
	case OpOr:
		var out []string
		for _, s := range p.Sub {
			sub, ok := s.idPrefixes()
			if !ok {
				return nil, false
			}
			out = append(out, sub...)
		}
		return out, true
	}
	return nil, false
}
