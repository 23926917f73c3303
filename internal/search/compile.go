package search

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/ehr/fhirindex/internal/catalog"
	"github.com/ehr/fhirindex/internal/harvest"
	"github.com/ehr/fhirindex/internal/index"
	"github.com/ehr/fhirindex/internal/model"
	"github.com/ehr/fhirindex/internal/quantity"
)

// Compiler turns criteria into index predicates.
type Compiler struct {
	catalog *catalog.Catalog
	base    string
}

// NewCompiler returns a compiler. base is this server's base URL; absolute
// references under it are rewritten to "Type/id".
func NewCompiler(cat *catalog.Catalog, base string) *Compiler {
	return &Compiler{catalog: cat, base: strings.TrimSuffix(base, "/")}
}

// Compile compiles c against def using the default catalog.
func Compile(c *Criterium, def catalog.Definition) (index.Predicate, error) {
	return NewCompiler(catalog.Default(), "").Compile(c, def)
}

// Compile compiles one criterium. Chains must have been closed first.
func (cp *Compiler) Compile(c *Criterium, def catalog.Definition) (index.Predicate, error) {
	field := def.Code
	switch c.Operator {
	case OperatorIsNull:
		return index.Not(index.Exists(field)), nil
	case OperatorNotNull:
		return index.And(index.Exists(field), index.Not(index.Null(field))), nil
	case OperatorApprox:
		return index.Predicate{}, newError(KindCompile, c.ParamName, "prefix ap is not supported")
	case OperatorChain:
		if def.Type != catalog.TypeReference {
			return index.Predicate{}, newError(KindCompile, c.ParamName, "chained search on %s parameter", def.Type)
		}
		return index.Predicate{}, newError(KindCompile, c.ParamName, "unresolved chain")
	case OperatorIn:
		choices, ok := c.Operand.(ChoiceValue)
		if !ok {
			return index.Predicate{}, newError(KindCompile, c.ParamName, "IN expects a list of values")
		}
		ps := make([]index.Predicate, 0, len(choices))
		for _, choice := range choices {
			sub := &Criterium{ParamName: c.ParamName, Modifier: c.Modifier, Operator: OperatorEq, Operand: choice, Def: c.Def}
			if v, isRaw := choice.(UntypedValue); isRaw && def.Type.Ordered() {
				if strings.HasPrefix(string(v), "ne") {
					return index.Predicate{}, newError(KindCompile, c.ParamName, "prefix ne is not supported")
				}
				op, rest := splitPrefix(string(v))
				sub.Operator, sub.Operand = op, UntypedValue(rest)
				if op == OperatorApprox {
					return index.Predicate{}, newError(KindCompile, c.ParamName, "prefix ap is not supported")
				}
			}
			p, err := cp.compileValue(sub, def)
			if err != nil {
				return index.Predicate{}, err
			}
			ps = append(ps, p)
		}
		if c.Modifier == "not" && def.Type == catalog.TypeToken {
			// code:not=a,b excludes every listed code.
			return index.And(ps...), nil
		}
		return index.Or(ps...), nil
	}
	return cp.compileValue(c, def)
}

// compileValue compiles a single comparison.
func (cp *Compiler) compileValue(c *Criterium, def catalog.Definition) (index.Predicate, error) {
	if def.Type == catalog.TypeComposite {
		return cp.composite(c, def)
	}
	raw, ok := c.Operand.(UntypedValue)
	if !ok {
		return index.Predicate{}, newError(KindCompile, c.ParamName, "unexpected operand %q", c.Operand)
	}
	if !def.Type.Ordered() && c.Operator != OperatorEq {
		return index.Predicate{}, newError(KindCompile, c.ParamName, "%s does not support %s", def.Type, c.Operator)
	}

	var (
		p   index.Predicate
		err error
	)
	switch def.Type {
	case catalog.TypeString:
		p, err = compileString(def.Code, c.Modifier, unescape(string(raw)))
	case catalog.TypeURI:
		p, err = compileURI(def.Code, c.Modifier, unescape(string(raw)))
	case catalog.TypeNumber:
		p, err = compileNumber(def.Code, c.Modifier, c.Operator, unescape(string(raw)))
	case catalog.TypeDate:
		p, err = compileDate(def.Code, c.Modifier, c.Operator, unescape(string(raw)))
	case catalog.TypeQuantity:
		p, err = compileQuantity(def.Code, c.Modifier, c.Operator, string(raw))
	case catalog.TypeToken:
		p, err = compileToken(def.Code, c.Modifier, string(raw))
	case catalog.TypeReference:
		p, err = cp.reference(def, c.Modifier, unescape(string(raw)))
	default:
		err = errorf("unsupported parameter type %s", def.Type)
	}
	if err != nil {
		return index.Predicate{}, &Error{Kind: KindCompile, Param: c.ParamName, Err: err}
	}
	return p, nil
}

func compileString(field, modifier, v string) (index.Predicate, error) {
	switch modifier {
	case "":
		return index.Prefix(field, v, true), nil
	case "exact":
		return index.Eq(field, v), nil
	case "contains":
		return index.Contains(field, v, true), nil
	case "text":
		var ps []index.Predicate
		for _, code := range harvest.SoundexWords(v) {
			ps = append(ps, index.Eq(field+harvest.SoundexSuffix, code))
		}
		if len(ps) == 0 {
			return index.Predicate{}, errorf("no searchable words in %q", v)
		}
		return index.And(ps...), nil
	}
	return index.Predicate{}, errorf("modifier %q not supported on string", modifier)
}

func compileURI(field, modifier, v string) (index.Predicate, error) {
	switch modifier {
	case "", "below":
		return index.Prefix(field, v, false), nil
	case "exact":
		return index.Eq(field, v), nil
	case "contains":
		return index.Contains(field, v, false), nil
	}
	return index.Predicate{}, errorf("modifier %q not supported on uri", modifier)
}

func compileNumber(field, modifier string, op Operator, v string) (index.Predicate, error) {
	if modifier != "" {
		return index.Predicate{}, errorf("number parameters take no modifiers")
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return index.Predicate{}, errorf("invalid number %q", v)
	}
	return compare(field, op, d.InexactFloat64()), nil
}

func compare(field string, op Operator, v any) index.Predicate {
	switch op {
	case OperatorGt:
		return index.Gt(field, v)
	case OperatorGte:
		return index.Gte(field, v)
	case OperatorLt:
		return index.Lt(field, v)
	case OperatorLte:
		return index.Lte(field, v)
	}
	return index.Eq(field, v)
}

// compileDate tests the stored [start,end) range against the range the
// literal denotes at its own precision.
func compileDate(field, modifier string, op Operator, v string) (index.Predicate, error) {
	if modifier != "" {
		return index.Predicate{}, errorf("date parameters take no modifiers")
	}
	r, err := model.ParseDateRange(v)
	if err != nil {
		return index.Predicate{}, err
	}
	lower, upper := r.Lower(), r.Upper()
	var inner index.Predicate
	switch op {
	case OperatorGt:
		inner = index.Gte("start", upper)
	case OperatorGte:
		inner = index.Gte("start", lower)
	case OperatorLt:
		// end is exclusive, so end == lower still lies wholly before the literal.
		inner = index.Lte("end", lower)
	case OperatorLte:
		inner = index.Lte("end", upper)
	default:
		inner = index.And(index.Lt("start", upper), index.Gt("end", lower))
	}
	return shaped(field, inner), nil
}

// compileQuantity handles "value|system|code". Canonicalizable units match
// on the canonical form; others match as written.
func compileQuantity(field, modifier string, op Operator, v string) (index.Predicate, error) {
	if modifier != "" {
		return index.Predicate{}, errorf("quantity parameters take no modifiers")
	}
	parts := splitEscaped(v, '|')
	if len(parts) != 1 && len(parts) != 3 {
		return index.Predicate{}, errorf("invalid quantity %q", v)
	}
	d, err := quantity.ParseDecimal(unescape(parts[0]))
	if err != nil {
		return index.Predicate{}, errorf("invalid quantity value %q", parts[0])
	}
	var system, code string
	if len(parts) == 3 {
		system, code = unescape(parts[1]), unescape(parts[2])
	}

	var (
		inner     []index.Predicate
		magnitude float64
		decimals  string
	)
	if c, ok := quantity.Canonicalize(d, system, code); ok {
		magnitude, decimals = c.Magnitude(), c.Decimals()
		inner = append(inner, index.Eq("unit", c.Unit), index.Eq("system", quantity.UCUMSystem))
	} else {
		magnitude, decimals = d.InexactFloat64(), quantity.Searchable(d)
		if system != "" {
			inner = append(inner, index.Eq("system", system))
		}
		if code != "" {
			inner = append(inner, index.Eq("unit", code))
		}
	}
	if op == OperatorEq {
		inner = append(inner, index.Prefix("decimals", decimals, false))
	} else {
		inner = append(inner, compare("value", op, magnitude))
	}
	return shaped(field, index.And(inner...)), nil
}

// compileToken handles "code", "system|code", "|code" and "system|".
func compileToken(field, modifier, v string) (index.Predicate, error) {
	if modifier == "text" {
		t := unescape(v)
		return shaped(field, index.Or(index.Contains("text", t, true), index.Contains("display", t, true))), nil
	}
	parts := splitEscaped(v, '|')
	if len(parts) > 2 {
		return index.Predicate{}, errorf("invalid token %q", v)
	}
	var (
		sysC, codeC index.Predicate
		hasSystem   bool
	)
	code := unescape(parts[len(parts)-1])
	if len(parts) == 2 {
		hasSystem = true
		if system := unescape(parts[0]); system == "" {
			sysC = index.Not(index.Exists("system"))
		} else {
			sysC = index.Eq("system", system)
		}
	}
	switch {
	case code != "":
		codeC = index.Eq("code", code)
	case !hasSystem || parts[0] == "":
		return index.Predicate{}, errorf("empty token %q", v)
	default:
		codeC = index.True()
	}

	switch modifier {
	case "":
		if !hasSystem {
			return shaped(field, codeC), nil
		}
		return shaped(field, index.And(sysC, codeC)), nil
	case "anyns":
		return shaped(field, codeC), nil
	case "not":
		if !hasSystem {
			return index.Not(shaped(field, codeC)), nil
		}
		return index.And(shaped(field, sysC), index.Not(shaped(field, index.And(sysC, codeC)))), nil
	}
	return index.Predicate{}, errorf("modifier %q not supported on token", modifier)
}

func (cp *Compiler) reference(def catalog.Definition, modifier, v string) (index.Predicate, error) {
	targets := def.Target
	if modifier != "" {
		if !isTypeName(modifier) {
			return index.Predicate{}, errorf("modifier %q not supported on reference", modifier)
		}
		if !def.TargetsType(modifier) {
			return index.Predicate{}, errorf("%s is not a target of %s", modifier, def.Code)
		}
		targets = []string{modifier}
	}
	ref := index.NormalizeReference(cp.base, v)
	if ref == "" {
		return index.Predicate{}, errorf("invalid reference %q", v)
	}
	if !strings.Contains(ref, "/") && !strings.HasPrefix(ref, "urn:") {
		if len(targets) == 0 {
			return index.Predicate{}, errorf("bare id %q needs a type", v)
		}
		values := make([]any, len(targets))
		for i, t := range targets {
			values[i] = t + "/" + ref
		}
		return index.In(def.Code, values...), nil
	}
	if t := index.ReferenceType(ref); modifier != "" && !strings.Contains(ref, "://") && t != modifier {
		return index.Predicate{}, errorf("reference %q is not a %s", v, modifier)
	}
	return index.Eq(def.Code, ref), nil
}

// composite ANDs one comparison per component, reusing the modifier.
func (cp *Compiler) composite(c *Criterium, def catalog.Definition) (index.Predicate, error) {
	var values []Operand
	switch v := c.Operand.(type) {
	case CompositeValue:
		values = v
	case UntypedValue:
		for _, part := range splitEscaped(string(v), '$') {
			values = append(values, UntypedValue(part))
		}
	default:
		return index.Predicate{}, newError(KindCompile, c.ParamName, "unexpected operand %q", c.Operand)
	}
	if len(values) != len(def.Components) {
		return index.Predicate{}, newError(KindCompositeArity, c.ParamName,
			"%d values for %d components", len(values), len(def.Components))
	}
	ps := make([]index.Predicate, 0, len(values))
	for i, code := range def.Components {
		compDef, ok := cp.catalog.Lookup(def.Base, code)
		if !ok {
			return index.Predicate{}, newError(KindCompile, c.ParamName, "unknown component %s", code)
		}
		sub := &Criterium{ParamName: code, Modifier: c.Modifier, Operator: OperatorEq, Operand: values[i], Def: &compDef}
		if raw, isRaw := values[i].(UntypedValue); isRaw && compDef.Type.Ordered() {
			op, rest := splitPrefix(string(raw))
			sub.Operator, sub.Operand = op, UntypedValue(rest)
		}
		p, err := cp.Compile(sub, compDef)
		if err != nil {
			return index.Predicate{}, &Error{Kind: KindOf(err), Param: c.ParamName, Err: err}
		}
		ps = append(ps, p)
	}
	return index.And(ps...), nil
}

// shaped matches inner against a sub-document field stored either as a
// single value or as an array of values.
func shaped(field string, inner index.Predicate) index.Predicate {
	return index.Or(
		index.ElemMatch(field, inner),
		index.And(
			index.Exists(field),
			index.Not(index.ElemMatch(field, index.True())),
			prefixed(field, inner),
		),
	)
}

func prefixed(field string, p index.Predicate) index.Predicate {
	out := p
	switch p.Op {
	case index.OpTrue, index.OpFalse:
		return p
	case index.OpAnd, index.OpOr, index.OpNot:
		out.Sub = make([]index.Predicate, len(p.Sub))
		for i, s := range p.Sub {
			out.Sub[i] = prefixed(field, s)
		}
		return out
	}
	if p.Field == "" {
		out.Field = field
	} else {
		out.Field = field + "." + p.Field
	}
	return out
}

// SortField returns the document field a parameter sorts by.
func SortField(def catalog.Definition) string {
	switch def.Type {
	case catalog.TypeDate:
		return def.Code + ".start"
	case catalog.TypeToken:
		return def.Code + ".code"
	case catalog.TypeQuantity:
		return def.Code + ".value"
	}
	return def.Code
}
