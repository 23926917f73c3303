// Package harvest turns FHIR resources into index documents and keeps the
// index store in step with resource writes.
package harvest

import (
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/ehr/fhirindex/internal/catalog"
	"github.com/ehr/fhirindex/internal/index"
	"github.com/ehr/fhirindex/internal/model"
)

// Harvest failures caused by the resource rather than the index.
var (
	ErrUnsupportedType = errors.New("unsupported resource type")
	ErrKeyMismatch     = errors.New("resource does not match key")
)

type compiledParam struct {
	def   catalog.Definition
	paths []compiledPath
}

// Harvester extracts search parameter values from resources. Paths are
// compiled against the model once, at construction.
type Harvester struct {
	base    string
	model   *model.Model
	params  map[string][]compiledParam
	skipped []string
}

// Option configures a Harvester.
type Option func(*Harvester)

// WithBaseURL sets the server base used to shorten local references.
func WithBaseURL(base string) Option {
	return func(h *Harvester) { h.base = base }
}

// New compiles the catalog's paths for every resource type in the model.
// Definitions whose paths the model cannot resolve are skipped and logged.
func New(cat *catalog.Catalog, mdl *model.Model, logger zerolog.Logger, opts ...Option) *Harvester {
	h := &Harvester{
		model:  mdl,
		params: make(map[string][]compiledParam),
	}
	for _, opt := range opts {
		opt(h)
	}
	for _, rt := range mdl.Resources() {
		for _, def := range cat.ForType(rt) {
			if def.Type == catalog.TypeComposite {
				continue
			}
			paths, err := compilePaths(mdl, rt, def.Path)
			if err != nil {
				h.skipped = append(h.skipped, fmt.Sprintf("%s.%s", rt, def.Code))
				logger.Debug().Err(err).Str("resource", rt).Str("param", def.Code).Msg("search parameter not harvestable")
				continue
			}
			h.params[rt] = append(h.params[rt], compiledParam{def: def, paths: paths})
		}
	}
	sort.Strings(h.skipped)
	return h
}

// Skipped lists "Type.code" for definitions that could not be compiled.
func (h *Harvester) Skipped() []string {
	return h.skipped
}

// Supports reports whether resources of typeName can be harvested.
func (h *Harvester) Supports(typeName string) bool {
	return h.model.IsResource(typeName)
}

// Harvest builds the documents for one resource version: the root document
// followed by one document per contained resource.
func (h *Harvester) Harvest(res model.Resource, key index.Key) ([]index.Document, error) {
	if res.Type() != key.TypeName {
		return nil, fmt.Errorf("harvest %s: resource type %q: %w", key.InternalID(), res.Type(), ErrKeyMismatch)
	}
	if !h.Supports(key.TypeName) {
		return nil, fmt.Errorf("harvest %s: %w", key.InternalID(), ErrUnsupportedType)
	}

	root := h.document(res, 0, key.InternalID(), key.SelfLink(), key.ResourceID, key.InternalID())
	docs := []index.Document{root}
	for _, c := range res.Contained() {
		if !h.Supports(c.Type()) || c.ID() == "" {
			continue
		}
		suffix := "#" + c.ID()
		docs = append(docs, h.document(c, 1, key.InternalID()+suffix, key.SelfLink()+suffix, c.ID(), key.InternalID()))
	}
	return docs, nil
}

func (h *Harvester) document(res model.Resource, level int, id, selfLink, justID, container string) index.Document {
	doc := index.Document{
		index.FieldID:        id,
		index.FieldJustID:    justID,
		index.FieldSelfLink:  selfLink,
		index.FieldContainer: container,
		index.FieldResource:  res.Type(),
		index.FieldLevel:     float64(level),
	}
	if tags := metaTags(res); len(tags) > 0 {
		doc[index.FieldTag] = tags
	}

	for _, p := range h.params[res.Type()] {
		var (
			values  []any
			sawNull bool
		)
		for _, path := range p.paths {
			for _, n := range path.walk(res) {
				if n.value == nil {
					sawNull = true
					continue
				}
				values = append(values, h.collect(p.def, n)...)
			}
		}
		if len(values) == 0 {
			if sawNull {
				doc.Set(p.def.Code, nil)
			}
			continue
		}
		for _, v := range values {
			doc.Append(p.def.Code, v)
		}
		if p.def.Type == catalog.TypeString {
			for _, v := range values {
				for _, code := range SoundexWords(v.(string)) {
					doc.Append(p.def.Code+SoundexSuffix, code)
				}
			}
		}
	}
	return doc
}

// Tag schemes for meta elements other than tag.
const (
	SchemeProfile  = "http://hl7.org/fhir/tag/profile"
	SchemeSecurity = "http://hl7.org/fhir/tag/security"
)

func metaTags(res model.Resource) []any {
	meta, _ := res["meta"].(map[string]any)
	if meta == nil {
		return nil
	}
	var out []any
	codings := func(key, defaultScheme string) {
		list, _ := meta[key].([]any)
		for _, item := range list {
			c, ok := item.(map[string]any)
			if !ok {
				continue
			}
			scheme := str(c, "system")
			if scheme == "" {
				scheme = defaultScheme
			}
			out = append(out, tagDoc(index.Tag{Scheme: scheme, Term: str(c, "code"), Label: str(c, "display")}))
		}
	}
	codings("tag", "")
	codings("security", SchemeSecurity)
	profiles, _ := meta["profile"].([]any)
	for _, p := range profiles {
		if s, ok := p.(string); ok {
			out = append(out, tagDoc(index.Tag{Scheme: SchemeProfile, Term: s}))
		}
	}
	return out
}

func tagDoc(t index.Tag) map[string]any {
	m := map[string]any{"scheme": t.Scheme, "term": t.Term}
	if t.Label != "" {
		m["label"] = t.Label
	}
	return m
}
