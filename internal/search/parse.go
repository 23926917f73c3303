package search

import (
	"strings"

	"github.com/ehr/fhirindex/internal/catalog"
)

// MaxChainDepth bounds how many references a chained parameter may follow.
const MaxChainDepth = 3

// Parse turns one query parameter into a criterium. The catalog is
// consulted only to decide how the value is split; values are typed when
// the criterium is compiled.
func Parse(resourceType, name, raw string, cat *catalog.Catalog) (*Criterium, error) {
	p := parser{catalog: cat}
	if name == "" {
		return nil, newError(KindParse, name, "empty parameter name")
	}
	segments := strings.Split(name, ".")
	if len(segments)-1 > MaxChainDepth {
		return nil, newError(KindParse, name, "chain deeper than %d references", MaxChainDepth)
	}
	if raw == "" {
		return nil, newError(KindParse, name, "empty value")
	}
	return p.parseSegments(name, []string{resourceType}, segments, raw)
}

type parser struct {
	catalog *catalog.Catalog
}

// parseSegments builds the criterium for segments, evaluated against any
// of the candidate types.
func (p parser) parseSegments(name string, types []string, segments []string, raw string) (*Criterium, error) {
	param, modifier, err := splitModifier(segments[0])
	if err != nil {
		return nil, newError(KindParse, name, "%v", err)
	}
	def, known := p.lookup(types, param)

	if len(segments) > 1 {
		var targets []string
		switch {
		case modifier != "" && isTypeName(modifier):
			targets = []string{modifier}
		case known:
			targets = def.Target
		}
		nested, err := p.parseSegments(name, targets, segments[1:], raw)
		if err != nil {
			return nil, err
		}
		return &Criterium{ParamName: param, Modifier: modifier, Operator: OperatorChain, Operand: nested}, nil
	}

	c := &Criterium{ParamName: param, Modifier: modifier}
	if modifier == "missing" {
		switch raw {
		case "true":
			c.Operator = OperatorIsNull
		case "false":
			c.Operator = OperatorNotNull
		default:
			return nil, newError(KindParse, name, "missing expects true or false, got %q", raw)
		}
		return c, nil
	}

	if known && def.Type == catalog.TypeComposite {
		choices := splitEscaped(raw, ',')
		values := make([]Operand, 0, len(choices))
		for _, choice := range choices {
			parts := splitEscaped(choice, '$')
			comp := make(CompositeValue, len(parts))
			for i, part := range parts {
				comp[i] = UntypedValue(part)
			}
			values = append(values, comp)
		}
		if len(values) == 1 {
			c.Operator, c.Operand = OperatorEq, values[0]
		} else {
			c.Operator, c.Operand = OperatorIn, ChoiceValue(values)
		}
		return c, nil
	}

	choices := splitEscaped(raw, ',')
	for _, choice := range choices {
		if choice == "" {
			return nil, newError(KindParse, name, "empty value in %q", raw)
		}
	}
	if len(choices) > 1 {
		values := make(ChoiceValue, len(choices))
		for i, choice := range choices {
			values[i] = UntypedValue(choice)
		}
		c.Operator, c.Operand = OperatorIn, values
		return c, nil
	}

	c.Operator, c.Operand = OperatorEq, UntypedValue(choices[0])
	if known && def.Type.Ordered() {
		if strings.HasPrefix(choices[0], "ne") {
			return nil, newError(KindParse, name, "prefix ne is not supported")
		}
		op, value := splitPrefix(choices[0])
		if value == "" {
			return nil, newError(KindParse, name, "prefix without value")
		}
		c.Operator, c.Operand = op, UntypedValue(value)
	}
	return c, nil
}

func (p parser) lookup(types []string, param string) (catalog.Definition, bool) {
	for _, t := range types {
		if d, ok := p.catalog.Lookup(t, param); ok {
			return d, true
		}
	}
	return catalog.Definition{}, false
}

func splitModifier(segment string) (string, string, error) {
	param, modifier, found := strings.Cut(segment, ":")
	if param == "" {
		return "", "", errorf("empty parameter in %q", segment)
	}
	if found && modifier == "" {
		return "", "", errorf("empty modifier in %q", segment)
	}
	return param, modifier, nil
}

// splitPrefix separates a comparison prefix from an ordered value. Values
// that start with letters but no known prefix are left alone.
func splitPrefix(v string) (Operator, string) {
	if len(v) >= 2 {
		if op, ok := prefixes[v[:2]]; ok {
			return op, v[2:]
		}
	}
	return OperatorEq, v
}

func isTypeName(s string) bool {
	return s != "" && s[0] >= 'A' && s[0] <= 'Z'
}

// splitEscaped splits s on sep, honouring backslash escapes of sep. Escapes
// of other characters are kept for later stages.
func splitEscaped(s string, sep byte) []string {
	var (
		out []string
		cur strings.Builder
	)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '\\' && i+1 < len(s) && s[i+1] == sep {
			cur.WriteByte(sep)
			i++
			continue
		}
		if c == sep {
			out = append(out, cur.String())
			cur.Reset()
			continue
		}
		cur.WriteByte(c)
	}
	return append(out, cur.String())
}

// unescape removes the remaining FHIR search escapes.
func unescape(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			i++
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
