package search

import (
	"context"
	"fmt"
	"strings"

	"github.com/ehr/fhirindex/internal/catalog"
	"github.com/ehr/fhirindex/internal/index"
)

// directive is one _include or _revinclude value.
type directive struct {
	Source string
	Param  string
	Target string
	def    catalog.Definition
}

func (d directive) String() string {
	if d.Target == "" {
		return d.Source + ":" + d.Param
	}
	return d.Source + ":" + d.Param + ":" + d.Target
}

// parseDirective accepts "Source:param", "Source:param:Target" and
// "Source.param".
func (s *Searcher) parseDirective(raw string, reverse bool) (directive, error) {
	var parts []string
	if strings.Contains(raw, ":") {
		parts = strings.Split(raw, ":")
	} else {
		parts = strings.Split(raw, ".")
	}
	if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
		return directive{}, fmt.Errorf("invalid include %q", raw)
	}
	d := directive{Source: parts[0], Param: parts[1]}
	if len(parts) == 3 {
		d.Target = parts[2]
	}
	if !s.catalog.Supports(d.Source) {
		return directive{}, fmt.Errorf("unknown resource type %q", d.Source)
	}
	def, ok := s.catalog.Lookup(d.Source, d.Param)
	if !ok || def.Type != catalog.TypeReference {
		return directive{}, fmt.Errorf("%s is not a reference parameter of %s", d.Param, d.Source)
	}
	if d.Target != "" && !def.TargetsType(d.Target) {
		return directive{}, fmt.Errorf("%s is not a target of %s.%s", d.Target, d.Source, d.Param)
	}
	d.def = def
	return d, nil
}

// keySet is an insertion-ordered set of documents keyed by "Type/id".
type keySet struct {
	docs  map[string]index.Document
	order []string
}

func newKeySet(docs []index.Document) *keySet {
	ks := &keySet{docs: make(map[string]index.Document, len(docs))}
	for _, d := range docs {
		ks.add(d)
	}
	return ks
}

func (ks *keySet) add(d index.Document) bool {
	ref := d.Reference()
	if _, ok := ks.docs[ref]; ok {
		return false
	}
	ks.docs[ref] = d
	ks.order = append(ks.order, ref)
	return true
}

func (ks *keySet) has(ref string) bool {
	_, ok := ks.docs[ref]
	return ok
}

func (ks *keySet) len() int { return len(ks.order) }

// expand applies the include directives to the matches and returns the
// self links of every document added. With iterate set the includes are
// reapplied until the set stops growing. Reverse includes run once.
func (s *Searcher) expand(ctx context.Context, matches []index.Document, ctrl controls) ([]string, error) {
	ctx, span := s.tracer.Start(ctx, "search.expand")
	defer span.End()

	set := newKeySet(matches)
	seed := set.len()
	for {
		before := set.len()
		for _, d := range ctrl.includes {
			if err := s.include(ctx, set, d); err != nil {
				return nil, err
			}
		}
		if !ctrl.iterate || set.len() == before {
			break
		}
	}
	for _, d := range ctrl.revincludes {
		if err := s.revinclude(ctx, set, d); err != nil {
			return nil, err
		}
	}

	out := make([]string, 0, set.len()-seed)
	for _, ref := range set.order[seed:] {
		out = append(out, set.docs[ref].SelfLink())
	}
	return out, nil
}

// include adds the resources referenced through d from documents of
// d.Source already in the set.
func (s *Searcher) include(ctx context.Context, set *keySet, d directive) error {
	var (
		wanted []index.Predicate
		seen   = make(map[string]bool)
	)
	for _, ref := range set.order {
		doc := set.docs[ref]
		if doc.String(index.FieldResource) != d.Source {
			continue
		}
		for _, v := range doc.Values(d.Param) {
			target, ok := v.(string)
			if !ok || seen[target] || set.has(target) || strings.Contains(target, "://") {
				continue
			}
			typeName, id, err := index.ParseReference(target)
			if err != nil || (d.Target != "" && typeName != d.Target) {
				continue
			}
			seen[target] = true
			wanted = append(wanted, index.KeyFilter(index.Key{TypeName: typeName, ResourceID: id}))
		}
	}
	if len(wanted) == 0 {
		return nil
	}
	docs, err := s.store.Find(ctx, index.Query{Filter: index.And(
		index.Eq(index.FieldLevel, 0),
		index.Or(wanted...),
	)})
	if err != nil {
		return storeError(err)
	}
	for _, doc := range docs {
		set.add(doc)
	}
	return nil
}

// revinclude adds documents of d.Source that reference anything in the set.
func (s *Searcher) revinclude(ctx context.Context, set *keySet, d directive) error {
	var refs []any
	for _, ref := range set.order {
		typeName := index.ReferenceType(ref)
		if d.Target != "" && typeName != d.Target {
			continue
		}
		if d.def.TargetsType(typeName) {
			refs = append(refs, ref)
		}
	}
	if len(refs) == 0 {
		return nil
	}
	docs, err := s.store.Find(ctx, index.Query{Filter: index.And(
		index.Eq(index.FieldLevel, 0),
		index.Eq(index.FieldResource, d.Source),
		index.In(d.Param, refs...),
	)})
	if err != nil {
		return storeError(err)
	}
	for _, doc := range docs {
		set.add(doc)
	}
	return nil
}
