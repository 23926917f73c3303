package fhir

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/fhirindex/internal/catalog"
	"github.com/ehr/fhirindex/internal/harvest"
	"github.com/ehr/fhirindex/internal/index"
	"github.com/ehr/fhirindex/internal/model"
	"github.com/ehr/fhirindex/internal/search"
	"github.com/ehr/fhirindex/internal/store/badgerstore"
)

const testBase = "http://fhir.example.org/fhir"

func newTestServer(t *testing.T) *echo.Echo {
	t.Helper()
	store, err := badgerstore.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cat := catalog.Default()
	ix := harvest.NewIndexer(store,
		harvest.New(cat, model.Default(), zerolog.Nop(), harvest.WithBaseURL(testBase)),
		zerolog.Nop(), nil)
	s := search.NewSearcher(store, cat, search.WithBaseURL(testBase))

	e := echo.New()
	NewHandler(s, ix, cat, testBase, zerolog.Nop()).RegisterRoutes(e.Group("/fhir"))
	return e
}

func do(t *testing.T, e *echo.Echo, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, "application/fhir+json")
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decodeBundle(t *testing.T, rec *httptest.ResponseRecorder) Bundle {
	t.Helper()
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var b Bundle
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &b))
	return b
}

func TestIndexSearchUnindex(t *testing.T) {
	e := newTestServer(t)

	rec := do(t, e, http.MethodPut, "/fhir/Patient/p1/_history/2",
		`{"resourceType":"Patient","id":"p1","name":[{"family":"Smith"}],"managingOrganization":{"reference":"Organization/org1"}}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, testBase+"/Patient/p1/_history/2", rec.Header().Get("Content-Location"))

	rec = do(t, e, http.MethodPut, "/fhir/Organization/org1", `{"resourceType":"Organization","name":"Acme"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	b := decodeBundle(t, do(t, e, http.MethodGet, "/fhir/Patient?family=smi&_include=Patient:organization", ""))
	assert.Equal(t, "searchset", b.Type)
	require.NotNil(t, b.Total)
	assert.Equal(t, 1, *b.Total)
	require.Len(t, b.Entry, 2)
	assert.Equal(t, testBase+"/Patient/p1/_history/2", b.Entry[0].FullURL)
	assert.Equal(t, SearchModeMatch, b.Entry[0].Search.Mode)
	assert.Equal(t, testBase+"/Organization/org1", b.Entry[1].FullURL)
	assert.Equal(t, SearchModeInclude, b.Entry[1].Search.Mode)

	rec = do(t, e, http.MethodDelete, "/fhir/Patient/p1", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	b = decodeBundle(t, do(t, e, http.MethodGet, "/fhir/Patient?family=smi", ""))
	assert.Equal(t, 0, *b.Total)
	assert.Empty(t, b.Entry)
}

func TestSearchReportsIssues(t *testing.T) {
	e := newTestServer(t)
	b := decodeBundle(t, do(t, e, http.MethodGet, "/fhir/Patient?nonsense=1&birthdate=notadate", ""))

	require.Len(t, b.Entry, 1)
	last := b.Entry[0]
	assert.Equal(t, SearchModeOutcome, last.Search.Mode)
	require.NotNil(t, last.Resource)
	require.Len(t, last.Resource.Issue, 2)
	for _, is := range last.Resource.Issue {
		assert.Equal(t, IssueSeverityWarning, is.Severity)
	}
}

func TestSearchHardErrors(t *testing.T) {
	e := newTestServer(t)

	rec := do(t, e, http.MethodGet, "/fhir/Spaceship", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, e, http.MethodGet, "/fhir/Observation?code-value-quantity=http://loinc.org|8480-6", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var oo OperationOutcome
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &oo))
	require.Len(t, oo.Issue, 1)
	assert.Equal(t, IssueTypeInvalid, oo.Issue[0].Code)
}

func TestIndexRejectsMismatchedBody(t *testing.T) {
	e := newTestServer(t)
	tests := []struct {
		name, path, body string
	}{
		{"bad json", "/fhir/Patient/p1", `{`},
		{"type mismatch", "/fhir/Patient/p1", `{"resourceType":"Observation","id":"p1"}`},
		{"id mismatch", "/fhir/Patient/p1", `{"resourceType":"Patient","id":"p2"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, e, http.MethodPut, tt.path, tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, rec.Body.String(), "OperationOutcome")
		})
	}
}

func TestIndexUnknownType(t *testing.T) {
	e := newTestServer(t)

	rec := do(t, e, http.MethodPut, "/fhir/Foo/1", `{"resourceType":"Foo","id":"1"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "not-found")

	rec = do(t, e, http.MethodDelete, "/fhir/Foo/1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

type rejectingIndexer struct {
	err error
}

func (r rejectingIndexer) Index(context.Context, model.Resource, index.Key) error { return r.err }
func (r rejectingIndexer) Unindex(context.Context, index.Key) error               { return nil }

func TestIndexMapsHarvestFailures(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"unsupported type", fmt.Errorf("harvest Patient/p1: %w", harvest.ErrUnsupportedType), http.StatusNotFound},
		{"key mismatch", fmt.Errorf("harvest Patient/p1: %w", harvest.ErrKeyMismatch), http.StatusBadRequest},
		{"store failure", errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			NewHandler(nil, rejectingIndexer{err: tt.err}, catalog.Default(), testBase, zerolog.Nop()).
				RegisterRoutes(e.Group("/fhir"))
			rec := do(t, e, http.MethodPut, "/fhir/Patient/p1", `{"resourceType":"Patient","id":"p1"}`)
			assert.Equal(t, tt.want, rec.Code)
			assert.Contains(t, rec.Body.String(), "OperationOutcome")
		})
	}
}

func TestCapabilities(t *testing.T) {
	e := newTestServer(t)
	rec := do(t, e, http.MethodGet, "/fhir/metadata", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var cs CapabilityStatement
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cs))
	require.Len(t, cs.Rest, 1)
	var patient *CSResource
	for i := range cs.Rest[0].Resource {
		if cs.Rest[0].Resource[i].Type == "Patient" {
			patient = &cs.Rest[0].Resource[i]
		}
	}
	require.NotNil(t, patient)
	assert.Contains(t, patient.SearchInclude, "Patient:organization")
	assert.Contains(t, patient.SearchRevInc, "Observation:subject")
}

func TestPaginationLinks(t *testing.T) {
	params := SearchBundleParams{
		BaseURL: testBase + "/Patient",
		Query:   url.Values{"family": {"smith"}, "_count": {"10"}},
		Count:   10,
		Offset:  10,
		Total:   35,
	}
	links := buildPaginationLinks(params)
	require.Len(t, links, 3)
	assert.Equal(t, testBase+"/Patient?_count=10&_offset=10&family=smith", links[0].URL)
	assert.Equal(t, "next", links[1].Relation)
	assert.Equal(t, testBase+"/Patient?_count=10&_offset=20&family=smith", links[1].URL)
	assert.Equal(t, "previous", links[2].Relation)
	assert.Equal(t, testBase+"/Patient?_count=10&_offset=0&family=smith", links[2].URL)

	params.Offset = 30
	links = buildPaginationLinks(params)
	for _, l := range links {
		assert.NotEqual(t, "next", l.Relation)
	}
}

func TestSearchErrorOutcome(t *testing.T) {
	status, oo := SearchErrorOutcome(&search.Error{Kind: search.KindStore, Err: errors.New("disk full")})
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, IssueTypeException, oo.Issue[0].Code)

	status, oo = SearchErrorOutcome(&search.Error{Kind: search.KindChainExhausted, Param: "subject.name", Err: errors.New("none")})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, IssueTypeNotSupported, oo.Issue[0].Code)
	assert.Equal(t, []string{"subject.name"}, oo.Issue[0].Expression)

	status, _ = SearchErrorOutcome(context.Canceled)
	assert.Equal(t, http.StatusInternalServerError, status)
}
