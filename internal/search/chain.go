package search

import (
	"context"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ehr/fhirindex/internal/catalog"
	"github.com/ehr/fhirindex/internal/index"
)

// closeChain runs the nested criterium against every usable target type
// and replaces the chain with an IN over the references found. Targets
// that cannot evaluate the nested criterium are dropped with a warning;
// when none is left the chain is exhausted.
func (s *Searcher) closeChain(ctx context.Context, resourceType string, c *Criterium, res *Results) (*Criterium, error) {
	ctx, span := s.tracer.Start(ctx, "search.closeChain",
		trace.WithAttributes(attribute.String("fhir.search.chain", c.String())))
	defer span.End()

	def := *c.Def
	if def.Type != catalog.TypeReference {
		return nil, newError(KindCompile, c.ParamName, "chained search on %s parameter", def.Type)
	}
	nested, ok := c.Nested()
	if !ok {
		return nil, newError(KindCompile, c.ParamName, "chain without nested criterium")
	}

	targets := def.Target
	if len(targets) == 0 {
		targets = s.catalog.Types()
	}
	if c.Modifier != "" {
		if !def.TargetsType(c.Modifier) {
			return nil, newError(KindCompile, c.ParamName, "%s is not a target of %s", c.Modifier, def.Code)
		}
		targets = []string{c.Modifier}
	}

	var (
		refs    = make(map[string]bool)
		used    int
		dropped []string
	)
	for _, target := range targets {
		nestedDef, ok := s.catalog.Lookup(target, nested.ParamName)
		if !ok {
			dropped = append(dropped, target)
			continue
		}
		sub := nested.Clone()
		sub.Def = &nestedDef
		if sub.Operator == OperatorChain {
			closed, err := s.closeChain(ctx, target, sub, res)
			if err != nil {
				if KindOf(err) == KindStore || KindOf(err) == KindCompositeArity {
					return nil, err
				}
				dropped = append(dropped, target)
				continue
			}
			sub = closed
		}
		p, err := s.compiler.Compile(sub, nestedDef)
		if err != nil {
			if KindOf(err) == KindCompositeArity {
				return nil, err
			}
			dropped = append(dropped, target)
			continue
		}
		docs, err := s.store.Find(ctx, index.Query{Filter: index.And(
			index.Eq(index.FieldLevel, 0),
			index.Eq(index.FieldResource, target),
			p,
		)})
		if err != nil {
			return nil, storeError(err)
		}
		used++
		for _, d := range docs {
			refs[d.Reference()] = true
		}
	}

	if used == 0 {
		return nil, newError(KindChainExhausted, c.String(), "no target of %s supports %s", def.Code, nested.ParamName)
	}
	if len(dropped) > 0 && (len(def.Target) > 0 || c.Modifier != "") {
		s.drop(res, newError(KindUnsupportedParameter, c.String(),
			"chain ignores targets %s", strings.Join(dropped, ", ")))
	}

	keys := make([]string, 0, len(refs))
	for r := range refs {
		keys = append(keys, r)
	}
	sort.Strings(keys)
	choices := make(ChoiceValue, len(keys))
	for i, k := range keys {
		choices[i] = UntypedValue(k)
	}
	span.SetAttributes(attribute.Int("fhir.search.chain.matches", len(keys)))
	return &Criterium{
		ParamName: c.ParamName,
		Modifier:  c.Modifier,
		Operator:  OperatorIn,
		Operand:   choices,
		Def:       c.Def,
	}, nil
}
