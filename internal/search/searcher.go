package search

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ehr/fhirindex/internal/catalog"
	"github.com/ehr/fhirindex/internal/index"
)

// Paging defaults.
const (
	DefaultPageSize = 50
	MaxPageSize     = 1000
)

// Observer receives search outcomes, e.g. for metrics.
type Observer interface {
	SearchCompleted(resourceType string, elapsed time.Duration, err error)
	IssueRecorded(kind ErrorKind)
}

type nopObserver struct{}

func (nopObserver) SearchCompleted(string, time.Duration, error) {}
func (nopObserver) IssueRecorded(ErrorKind)                      {}

// Results is the outcome of a search.
type Results struct {
	ResourceType string
	// Matches holds the self links of the matching page, in order.
	Matches []string
	// Included holds self links added by _include and _revinclude.
	Included []string
	// Total counts every match, not only the returned page.
	Total        int
	UsedCriteria []string
	Issues       []Issue
	Offset       int
	Count        int
}

func (r *Results) warn(err *Error) {
	r.Issues = append(r.Issues, warning(err))
}

// Searcher runs FHIR searches against an index store.
type Searcher struct {
	store    index.Store
	catalog  *catalog.Catalog
	compiler *Compiler
	logger   zerolog.Logger
	tracer   trace.Tracer
	observer Observer
	base     string
	pageSize int
}

// Option configures a Searcher.
type Option func(*Searcher)

// WithBaseURL sets this server's base URL.
func WithBaseURL(base string) Option {
	return func(s *Searcher) { s.base = base }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Searcher) { s.logger = l }
}

// WithTracer sets the tracer spans are started on.
func WithTracer(t trace.Tracer) Option {
	return func(s *Searcher) { s.tracer = t }
}

// WithObserver sets the outcome observer.
func WithObserver(o Observer) Option {
	return func(s *Searcher) { s.observer = o }
}

// WithPageSize sets the page size used when _count is absent.
func WithPageSize(n int) Option {
	return func(s *Searcher) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

// NewSearcher returns a Searcher over store.
func NewSearcher(store index.Store, cat *catalog.Catalog, opts ...Option) *Searcher {
	s := &Searcher{
		store:    store,
		catalog:  cat,
		logger:   zerolog.Nop(),
		tracer:   otel.Tracer("fhirindex/search"),
		observer: nopObserver{},
		pageSize: DefaultPageSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.compiler = NewCompiler(cat, s.base)
	return s
}

// Parameters that control the result set rather than filter it.
var ignoredParams = map[string]bool{
	"_format":   true,
	"_pretty":   true,
	"_summary":  true,
	"_elements": true,
	"_total":    true,
}

type controls struct {
	includes    []directive
	revincludes []directive
	iterate     bool
	sorts       []index.Sort
	sortEcho    string
	count       int
	offset      int
	notes       []*Error
}

// Search runs the query params against resources of resourceType. Bad
// criteria are dropped and reported in Results.Issues; the returned error
// is reserved for failures that make the whole search meaningless.
func (s *Searcher) Search(ctx context.Context, resourceType string, params url.Values) (res *Results, err error) {
	ctx, span := s.tracer.Start(ctx, "search.Search",
		trace.WithAttributes(attribute.String("fhir.resource_type", resourceType)))
	start := time.Now()
	defer func() {
		s.observer.SearchCompleted(resourceType, time.Since(start), err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			s.logger.Warn().Err(err).Str("resource_type", resourceType).Msg("search failed")
		}
		span.End()
	}()

	if !s.catalog.Supports(resourceType) {
		return nil, newError(KindUnsupportedParameter, "", "unknown resource type %q", resourceType)
	}

	res = &Results{ResourceType: resourceType}
	ctrl := controls{count: s.pageSize}
	var criteria []*Criterium

	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for _, raw := range params[name] {
			handled, cerr := s.control(resourceType, name, raw, &ctrl)
			if cerr != nil {
				s.drop(res, cerr)
				continue
			}
			if handled {
				continue
			}
			c, perr := Parse(resourceType, name, raw, s.catalog)
			if perr != nil {
				s.drop(res, asError(perr, KindParse, name))
				continue
			}
			if !s.enrich(resourceType, c) {
				s.drop(res, newError(KindUnsupportedParameter, name,
					"parameter %s is not supported on %s", c.ParamName, resourceType))
				continue
			}
			criteria = append(criteria, c)
		}
	}

	for _, note := range ctrl.notes {
		s.drop(res, note)
	}

	filters := []index.Predicate{
		index.Eq(index.FieldLevel, 0),
		index.Eq(index.FieldResource, resourceType),
	}
	for _, c := range criteria {
		closed := c
		if c.Operator == OperatorChain {
			var cerr error
			closed, cerr = s.closeChain(ctx, resourceType, c, res)
			if cerr != nil {
				if isHard(cerr) {
					return nil, cerr
				}
				s.drop(res, asError(cerr, KindCompile, c.ParamName))
				continue
			}
		}
		p, cerr := s.compiler.Compile(closed, *closed.Def)
		if cerr != nil {
			if isHard(cerr) {
				return nil, cerr
			}
			s.drop(res, asError(cerr, KindCompile, c.ParamName))
			continue
		}
		filters = append(filters, p)
		res.UsedCriteria = append(res.UsedCriteria, c.String())
	}
	if ctrl.sortEcho != "" {
		res.UsedCriteria = append(res.UsedCriteria, "_sort="+ctrl.sortEcho)
	}

	filter := index.And(filters...)
	span.SetAttributes(attribute.String("fhir.search.filter", filter.String()))

	total, err := s.store.Count(ctx, filter)
	if err != nil {
		return nil, storeError(err)
	}
	var docs []index.Document
	if ctrl.count > 0 {
		docs, err = s.store.Find(ctx, index.Query{
			Filter: filter,
			Sort:   ctrl.sorts,
			Offset: ctrl.offset,
			Limit:  ctrl.count,
		})
		if err != nil {
			return nil, storeError(err)
		}
	}

	res.Total = total
	res.Offset = ctrl.offset
	res.Count = ctrl.count
	res.Matches = make([]string, 0, len(docs))
	for _, d := range docs {
		res.Matches = append(res.Matches, d.SelfLink())
	}

	if len(ctrl.includes) > 0 || len(ctrl.revincludes) > 0 {
		included, ierr := s.expand(ctx, docs, ctrl)
		if ierr != nil {
			return nil, ierr
		}
		res.Included = included
	}
	span.SetAttributes(
		attribute.Int("fhir.search.total", total),
		attribute.Int("fhir.search.issues", len(res.Issues)),
	)
	return res, nil
}

// control handles result parameters. It reports whether name was one.
func (s *Searcher) control(resourceType, name, raw string, ctrl *controls) (bool, *Error) {
	param, modifier, _ := strings.Cut(name, ":")
	switch param {
	case "_include", "_revinclude":
		reverse := param == "_revinclude"
		switch modifier {
		case "":
		case "iterate", "recurse":
			if reverse {
				ctrl.notes = append(ctrl.notes, newError(KindUnsupportedParameter, name,
					"reverse includes are not iterated, applying %s once", raw))
			} else {
				ctrl.iterate = true
			}
		default:
			return true, newError(KindParse, name, "unknown modifier %q", modifier)
		}
		d, err := s.parseDirective(raw, reverse)
		if err != nil {
			return true, &Error{Kind: KindUnsupportedParameter, Param: name, Err: err}
		}
		if reverse {
			ctrl.revincludes = append(ctrl.revincludes, d)
		} else {
			ctrl.includes = append(ctrl.includes, d)
		}
		return true, nil
	case "_sort":
		for _, key := range strings.Split(raw, ",") {
			desc := strings.HasPrefix(key, "-")
			code := strings.TrimPrefix(key, "-")
			def, ok := s.catalog.Lookup(resourceType, code)
			if !ok || def.Type == catalog.TypeComposite {
				return true, newError(KindUnsupportedParameter, name, "cannot sort by %q", code)
			}
			ctrl.sorts = append(ctrl.sorts, index.Sort{Field: SortField(def), Desc: desc})
		}
		ctrl.sortEcho = raw
		return true, nil
	case "_count":
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return true, newError(KindParse, name, "invalid count %q", raw)
		}
		ctrl.count = min(n, MaxPageSize)
		return true, nil
	case "_offset":
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return true, newError(KindParse, name, "invalid offset %q", raw)
		}
		ctrl.offset = n
		return true, nil
	}
	return ignoredParams[param], nil
}

// enrich attaches catalog definitions along the criterium. Chained
// criteria are resolved per target later; only the outer name must exist.
func (s *Searcher) enrich(resourceType string, c *Criterium) bool {
	def, ok := s.catalog.Lookup(resourceType, c.ParamName)
	if !ok {
		return false
	}
	c.Def = &def
	return true
}

func (s *Searcher) drop(res *Results, err *Error) {
	s.logger.Debug().Str("param", err.Param).Str("kind", err.Kind.String()).Err(err.Err).Msg("criterium dropped")
	s.observer.IssueRecorded(err.Kind)
	res.warn(err)
}

func asError(err error, kind ErrorKind, param string) *Error {
	if se, ok := err.(*Error); ok {
		return se
	}
	return &Error{Kind: kind, Param: param, Err: err}
}

func isHard(err error) bool {
	switch KindOf(err) {
	case KindChainExhausted, KindCompositeArity, KindStore:
		return true
	}
	return false
}

func storeError(err error) error {
	return &Error{Kind: KindStore, Err: fmt.Errorf("index store: %w", err)}
}
