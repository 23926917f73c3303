package harvest

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/gofhir/fhirpath"

	"github.com/ehr/fhirindex/internal/index"
	"github.com/ehr/fhirindex/internal/model"
)

// node is a value reached while walking a path, tagged with its FHIR type.
type node struct {
	value any
	typ   string
}

// filter restricts which elements reached by a step qualify.
type filter interface {
	keep(n node) bool
}

// fieldEquals is the common where(field='literal') filter.
type fieldEquals struct {
	field, value string
}

func (f fieldEquals) keep(n node) bool {
	m, ok := n.value.(map[string]any)
	if !ok {
		return false
	}
	s, _ := m[f.field].(string)
	return s == f.value
}

// referenceIs is where(resolve() is Type), evaluated on the reference text.
type referenceIs struct {
	typeName string
}

func (f referenceIs) keep(n node) bool {
	m, ok := n.value.(map[string]any)
	if !ok {
		return false
	}
	if t, _ := m["type"].(string); t != "" {
		return t == f.typeName
	}
	ref, _ := m["reference"].(string)
	return index.ReferenceType(ref) == f.typeName
}

// expression is any other where() criterion, evaluated with FHIRPath
// against the element.
type expression struct {
	source string
	expr   *fhirpath.Expression
}

func (f expression) keep(n node) bool {
	data, err := json.Marshal(n.value)
	if err != nil {
		return false
	}
	result, err := f.expr.Evaluate(data)
	if err != nil || result.Empty() {
		return false
	}
	b, err := result.ToBoolean()
	if err != nil {
		return true
	}
	return b
}

// step is one compiled path segment. The accessor is resolved against the
// model once, when the path is compiled.
type step struct {
	elem    model.Element
	variant string
	where   filter
}

// compiledPath walks resources of a single type.
type compiledPath struct {
	source string
	steps  []step
}

var (
	whereEquals  = regexp.MustCompile(`^\s*([A-Za-z][A-Za-z0-9]*)\s*=\s*'([^']*)'\s*$`)
	whereResolve = regexp.MustCompile(`^\s*resolve\(\)\s+is\s+([A-Z][A-Za-z]*)\s*$`)
	asFunction   = regexp.MustCompile(`^as\(([A-Za-z]+)\)$`)
	asOperator   = regexp.MustCompile(`^\(?\s*(.+?)\s+as\s+([A-Za-z]+)\s*\)?$`)
	ofTypeFunc   = regexp.MustCompile(`^ofType\(([A-Za-z]+)\)$`)
)

// compilePaths compiles every branch of a union path expression that applies
// to resourceType.
func compilePaths(m *model.Model, resourceType, expr string) ([]compiledPath, error) {
	var out []compiledPath
	for _, branch := range splitTopLevel(expr, '|') {
		branch = strings.TrimSpace(branch)
		if branch == "" {
			continue
		}
		p, ok, err := compilePath(m, resourceType, branch)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("path %q has no branch for %s", expr, resourceType)
	}
	return out, nil
}

func compilePath(m *model.Model, resourceType, branch string) (compiledPath, bool, error) {
	src := branch
	cast := ""
	if mm := asOperator.FindStringSubmatch(branch); mm != nil && !strings.Contains(mm[1], "(") {
		branch, cast = mm[1], mm[2]
	}
	branch = strings.TrimSuffix(strings.TrimPrefix(branch, "("), ")")

	segs := splitTopLevel(branch, '.')
	if len(segs) == 0 {
		return compiledPath{}, false, fmt.Errorf("empty path")
	}
	switch segs[0] {
	case resourceType, "Resource", "DomainResource":
	default:
		return compiledPath{}, false, nil
	}

	p := compiledPath{source: src}
	typ := resourceType
	for _, seg := range segs[1:] {
		if mm := asFunction.FindStringSubmatch(seg); mm != nil {
			if err := p.restrict(mm[1]); err != nil {
				return compiledPath{}, false, fmt.Errorf("%s: %w", src, err)
			}
			typ = mm[1]
			continue
		}
		if mm := ofTypeFunc.FindStringSubmatch(seg); mm != nil {
			if err := p.restrict(mm[1]); err != nil {
				return compiledPath{}, false, fmt.Errorf("%s: %w", src, err)
			}
			typ = mm[1]
			continue
		}
		if strings.HasPrefix(seg, "where(") && strings.HasSuffix(seg, ")") {
			if len(p.steps) == 0 {
				return compiledPath{}, false, fmt.Errorf("%s: where() without element", src)
			}
			f, err := compileFilter(seg[len("where(") : len(seg)-1])
			if err != nil {
				return compiledPath{}, false, fmt.Errorf("%s: %w", src, err)
			}
			p.steps[len(p.steps)-1].where = f
			continue
		}
		if len(p.steps) > 0 {
			last := p.steps[len(p.steps)-1]
			if last.elem.IsChoice() && last.variant == "" {
				return compiledPath{}, false, fmt.Errorf("%s: choice element %s must be last or typed", src, last.elem.Name)
			}
		}

		elem, ok := m.Element(typ, seg)
		variant := ""
		if !ok {
			// explicit choice variant such as valueQuantity
			elem, variant, ok = choiceVariant(m, typ, seg)
		}
		if !ok {
			return compiledPath{}, false, fmt.Errorf("%s: unknown element %s.%s", src, typ, seg)
		}
		p.steps = append(p.steps, step{elem: elem, variant: variant})
		switch {
		case variant != "":
			typ = variant
		case !elem.IsChoice():
			typ = elem.Types[0]
		}
	}
	if len(p.steps) == 0 {
		return compiledPath{}, false, fmt.Errorf("%s: path selects the resource itself", src)
	}
	if cast != "" {
		if err := p.restrict(cast); err != nil {
			return compiledPath{}, false, fmt.Errorf("%s: %w", src, err)
		}
	}
	return p, true, nil
}

// restrict narrows a trailing choice element to one variant.
func (p *compiledPath) restrict(typeName string) error {
	last := &p.steps[len(p.steps)-1]
	if !last.elem.IsChoice() {
		if last.elem.Types[0] == typeName {
			return nil
		}
		return fmt.Errorf("%s is not a choice of %s", last.elem.Name, typeName)
	}
	for _, t := range last.elem.Types {
		if strings.EqualFold(t, typeName) {
			last.variant = t
			return nil
		}
	}
	return fmt.Errorf("%s has no variant %s", last.elem.Name, typeName)
}

func choiceVariant(m *model.Model, typ, seg string) (model.Element, string, bool) {
	for i := 1; i < len(seg); i++ {
		if seg[i] < 'A' || seg[i] > 'Z' {
			continue
		}
		elem, ok := m.Element(typ, seg[:i])
		if !ok || !elem.IsChoice() {
			continue
		}
		for _, t := range elem.Types {
			if elem.ChoiceKey(t) == seg {
				return elem, t, true
			}
		}
	}
	return model.Element{}, "", false
}

func compileFilter(src string) (filter, error) {
	if mm := whereEquals.FindStringSubmatch(src); mm != nil {
		return fieldEquals{field: mm[1], value: mm[2]}, nil
	}
	if mm := whereResolve.FindStringSubmatch(src); mm != nil {
		return referenceIs{typeName: mm[1]}, nil
	}
	expr, err := fhirpath.Compile(src)
	if err != nil {
		return nil, fmt.Errorf("compile where(%s): %w", src, err)
	}
	return expression{source: src, expr: expr}, nil
}

// walk returns every leaf the path reaches in res. Explicit JSON nulls are
// returned as leaves with a nil value.
func (p compiledPath) walk(res map[string]any) []node {
	cur := []node{{value: res}}
	for _, st := range p.steps {
		var next []node
		for _, n := range cur {
			obj, ok := n.value.(map[string]any)
			if !ok {
				continue
			}
			var (
				v   any
				typ string
				has bool
			)
			switch {
			case st.variant != "":
				v, has = obj[st.elem.ChoiceKey(st.variant)]
				typ = st.variant
			case st.elem.IsChoice():
				typ, v, has = model.ResolveChoice(st.elem, obj)
			default:
				v, has = obj[st.elem.BaseName()]
				typ = st.elem.Types[0]
			}
			if !has {
				continue
			}
			if list, isList := v.([]any); isList {
				for _, item := range list {
					next = append(next, node{value: item, typ: typ})
				}
			} else {
				next = append(next, node{value: v, typ: typ})
			}
		}
		if st.where != nil {
			kept := next[:0]
			for _, n := range next {
				if st.where.keep(n) {
					kept = append(kept, n)
				}
			}
			next = kept
		}
		cur = next
	}
	return cur
}

// splitTopLevel splits s on sep outside parentheses and quotes.
func splitTopLevel(s string, sep byte) []string {
	var (
		out   []string
		depth int
		quote bool
		start int
	)
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case c == '\'':
			quote = !quote
		case quote:
		case c == '(':
			depth++
		case c == ')':
			depth--
		case c == sep && depth == 0:
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	return append(out, s[start:])
}
