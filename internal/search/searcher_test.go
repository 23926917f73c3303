package search

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/fhirindex/internal/catalog"
	"github.com/ehr/fhirindex/internal/harvest"
	"github.com/ehr/fhirindex/internal/index"
	"github.com/ehr/fhirindex/internal/model"
	"github.com/ehr/fhirindex/internal/store/badgerstore"
)

var fixtures = []string{
	`{"resourceType": "Patient", "id": "p1",
	  "name": [{"family": "Smith", "given": ["John"]}],
	  "gender": "male", "birthDate": "2020-03-01",
	  "generalPractitioner": [{"reference": "Practitioner/dr1"}]}`,
	`{"resourceType": "Patient", "id": "p2",
	  "name": [{"family": "Doe", "given": ["Johnny"]}],
	  "gender": "female", "birthDate": "1990-06-15",
	  "generalPractitioner": [{"reference": "Organization/org1"}]}`,
	`{"resourceType": "Patient", "id": "p3",
	  "name": [{"family": "Welby", "given": ["Anna"]}],
	  "gender": "female"}`,
	`{"resourceType": "Practitioner", "id": "dr1",
	  "name": [{"family": "Welby", "given": ["Marcus"]}]}`,
	`{"resourceType": "Organization", "id": "org1", "name": "Welby Clinic"}`,
	`{"resourceType": "Observation", "id": "o1", "status": "final",
	  "code": {"coding": [{"system": "http://loinc.org", "code": "8480-6"}]},
	  "subject": {"reference": "Patient/p1"},
	  "valueQuantity": {"value": 120, "unit": "mmHg", "system": "http://unitsofmeasure.org", "code": "mm[Hg]"},
	  "hasMember": [{"reference": "Observation/o2"}]}`,
	`{"resourceType": "Observation", "id": "o2", "status": "final",
	  "code": {"coding": [{"system": "http://loinc.org", "code": "1234"}]},
	  "subject": {"reference": "Patient/p3"},
	  "valueQuantity": {"value": 5.0, "unit": "mg", "system": "http://unitsofmeasure.org", "code": "mg"},
	  "hasMember": [{"reference": "Observation/o3"}]}`,
	`{"resourceType": "Observation", "id": "o3", "status": "preliminary",
	  "code": {"coding": [{"system": "http://snomed.info/sct", "code": "8480-6"}]},
	  "subject": {"reference": "Patient/p1"}}`,
}

type recordingObserver struct {
	searches int
	failures int
	issues   map[ErrorKind]int
}

func (o *recordingObserver) SearchCompleted(_ string, _ time.Duration, err error) {
	o.searches++
	if err != nil {
		o.failures++
	}
}

func (o *recordingObserver) IssueRecorded(kind ErrorKind) {
	if o.issues == nil {
		o.issues = make(map[ErrorKind]int)
	}
	o.issues[kind]++
}

func newTestSearcher(t *testing.T) (*Searcher, *recordingObserver) {
	t.Helper()
	store, err := badgerstore.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cat := catalog.Default()
	h := harvest.New(cat, model.Default(), zerolog.Nop(), harvest.WithBaseURL(testBase))
	ix := harvest.NewIndexer(store, h, zerolog.Nop(), nil)
	ctx := context.Background()
	for _, src := range fixtures {
		res, err := model.DecodeResource([]byte(src))
		require.NoError(t, err)
		key := index.Key{Base: testBase, TypeName: res.Type(), ResourceID: res.ID(), VersionID: "1"}
		require.NoError(t, ix.Index(ctx, res, key))
	}
	obs := &recordingObserver{}
	return NewSearcher(store, cat, WithBaseURL(testBase), WithObserver(obs)), obs
}

func link(ref string) string {
	return testBase + "/" + ref + "/_history/1"
}

func links(refs ...string) []string {
	out := make([]string, len(refs))
	for i, r := range refs {
		out[i] = link(r)
	}
	return out
}

func query(t *testing.T, s string) url.Values {
	t.Helper()
	v, err := url.ParseQuery(s)
	require.NoError(t, err)
	return v
}

func search(t *testing.T, s *Searcher, resourceType, q string) *Results {
	t.Helper()
	res, err := s.Search(context.Background(), resourceType, query(t, q))
	require.NoError(t, err)
	return res
}

func TestSearchStrings(t *testing.T) {
	s, _ := newTestSearcher(t)

	res := search(t, s, "Patient", "name=Jo")
	assert.ElementsMatch(t, links("Patient/p1", "Patient/p2"), res.Matches)
	assert.Equal(t, 2, res.Total)
	assert.Equal(t, []string{"name=Jo"}, res.UsedCriteria)
	assert.Empty(t, res.Issues)

	res = search(t, s, "Patient", "name:exact=John")
	assert.Equal(t, links("Patient/p1"), res.Matches)

	res = search(t, s, "Patient", "family:text=Smyth")
	assert.Equal(t, links("Patient/p1"), res.Matches)
}

func TestSearchDates(t *testing.T) {
	s, _ := newTestSearcher(t)

	res := search(t, s, "Patient", "birthdate=2020")
	assert.Equal(t, links("Patient/p1"), res.Matches)

	res = search(t, s, "Patient", "birthdate=lt2000")
	assert.Equal(t, links("Patient/p2"), res.Matches)

	res = search(t, s, "Patient", "birthdate:missing=true")
	assert.Equal(t, links("Patient/p3"), res.Matches)
}

func TestSearchTokens(t *testing.T) {
	s, _ := newTestSearcher(t)

	res := search(t, s, "Patient", "gender=female")
	assert.ElementsMatch(t, links("Patient/p2", "Patient/p3"), res.Matches)

	res = search(t, s, "Observation", "code=8480-6")
	assert.ElementsMatch(t, links("Observation/o1", "Observation/o3"), res.Matches)

	res = search(t, s, "Observation", "code:not=http://loinc.org|8480-6")
	assert.Equal(t, links("Observation/o2"), res.Matches)

	res = search(t, s, "Observation", "code:not=8480-6")
	assert.Equal(t, links("Observation/o2"), res.Matches)
}

func TestSearchQuantity(t *testing.T) {
	s, _ := newTestSearcher(t)

	res := search(t, s, "Observation", "value-quantity=5|http://unitsofmeasure.org|mg")
	assert.Equal(t, links("Observation/o2"), res.Matches)

	res = search(t, s, "Observation", "value-quantity=5000|http://unitsofmeasure.org|ug")
	assert.Equal(t, links("Observation/o2"), res.Matches)

	res = search(t, s, "Observation", "value-quantity=6|http://unitsofmeasure.org|mg")
	assert.Empty(t, res.Matches)

	res = search(t, s, "Observation", "code-value-quantity=http://loinc.org|8480-6$gt100|http://unitsofmeasure.org|mm[Hg]")
	assert.Equal(t, links("Observation/o1"), res.Matches)
}

func TestSearchChain(t *testing.T) {
	s, _ := newTestSearcher(t)

	res := search(t, s, "Observation", "subject.name=John")
	assert.ElementsMatch(t, links("Observation/o1", "Observation/o3"), res.Matches)
	assert.Equal(t, []string{"subject.name=John"}, res.UsedCriteria)

	res = search(t, s, "Observation", "subject:Patient.general-practitioner:Practitioner.family=Welby")
	assert.ElementsMatch(t, links("Observation/o1", "Observation/o3"), res.Matches)
	assert.Empty(t, res.Issues)
}

func TestSearchChainDropsTargetsWithoutParameter(t *testing.T) {
	s, _ := newTestSearcher(t)

	direct := search(t, s, "Patient", "general-practitioner:Practitioner.family=Welby")
	assert.Empty(t, direct.Issues)

	res := search(t, s, "Patient", "general-practitioner.family=Welby")
	assert.Equal(t, direct.Matches, res.Matches)
	assert.Equal(t, links("Patient/p1"), res.Matches)
	require.Len(t, res.Issues, 1)
	assert.Equal(t, KindUnsupportedParameter, res.Issues[0].Kind)
	assert.Equal(t, SeverityWarning, res.Issues[0].Severity)
	assert.Contains(t, res.Issues[0].Diagnostics, "Organization")
	assert.NotContains(t, res.Issues[0].Diagnostics, "Practitioner")
}

func TestSearchChainExhausted(t *testing.T) {
	s, obs := newTestSearcher(t)

	_, err := s.Search(context.Background(), "Observation", query(t, "subject:Patient.code=x"))
	require.Error(t, err)
	assert.Equal(t, KindChainExhausted, KindOf(err))
	assert.Equal(t, 1, obs.failures)
}

func TestSearchCompositeArity(t *testing.T) {
	s, _ := newTestSearcher(t)

	_, err := s.Search(context.Background(), "Observation", query(t, "code-value-quantity=8480-6$1$2"))
	require.Error(t, err)
	assert.Equal(t, KindCompositeArity, KindOf(err))
}

func TestSearchDropsBadCriteria(t *testing.T) {
	s, obs := newTestSearcher(t)

	res := search(t, s, "Patient", "name=John&birthdate=garbage&unknown=1&_count=abc&gender:below=x&_format=json")
	assert.ElementsMatch(t, links("Patient/p1", "Patient/p2"), res.Matches)
	assert.Equal(t, []string{"name=John"}, res.UsedCriteria)

	kinds := map[string]ErrorKind{}
	for _, is := range res.Issues {
		assert.Equal(t, SeverityWarning, is.Severity)
		kinds[is.Param] = is.Kind
	}
	assert.Equal(t, map[string]ErrorKind{
		"_count":    KindParse,
		"birthdate": KindCompile,
		"gender":    KindCompile,
		"unknown":   KindUnsupportedParameter,
	}, kinds)
	assert.Equal(t, 4, obs.issues[KindParse]+obs.issues[KindCompile]+obs.issues[KindUnsupportedParameter])
}

func TestSearchUnknownType(t *testing.T) {
	s, _ := newTestSearcher(t)

	_, err := s.Search(context.Background(), "Spaceship", url.Values{})
	require.Error(t, err)
}

func TestSearchPaging(t *testing.T) {
	s, _ := newTestSearcher(t)

	res := search(t, s, "Patient", "_sort=birthdate")
	assert.Equal(t, links("Patient/p2", "Patient/p1", "Patient/p3"), res.Matches)
	assert.Contains(t, res.UsedCriteria, "_sort=birthdate")

	res = search(t, s, "Patient", "_sort=-birthdate")
	assert.Equal(t, links("Patient/p1", "Patient/p2", "Patient/p3"), res.Matches)

	res = search(t, s, "Patient", "_sort=birthdate&_count=1&_offset=1")
	assert.Equal(t, links("Patient/p1"), res.Matches)
	assert.Equal(t, 3, res.Total)
	assert.Equal(t, 1, res.Offset)

	res = search(t, s, "Patient", "_count=0")
	assert.Empty(t, res.Matches)
	assert.Equal(t, 3, res.Total)
}

func TestSearchIncludes(t *testing.T) {
	s, _ := newTestSearcher(t)

	res := search(t, s, "Observation", "code=http://loinc.org|8480-6&_include=Observation:subject")
	assert.Equal(t, links("Observation/o1"), res.Matches)
	assert.Equal(t, links("Patient/p1"), res.Included)

	res = search(t, s, "Observation", "code=http://loinc.org|8480-6&_include=Observation.has-member")
	assert.Equal(t, links("Observation/o2"), res.Included)

	res = search(t, s, "Observation", "code=http://loinc.org|8480-6&_include:iterate=Observation:has-member")
	assert.Equal(t, links("Observation/o2", "Observation/o3"), res.Included)

	res = search(t, s, "Patient", "family=Smith&_revinclude=Observation:subject")
	assert.ElementsMatch(t, links("Observation/o1", "Observation/o3"), res.Included)

	res = search(t, s, "Patient", "family=Smith&_include=Observation:bogus")
	require.Len(t, res.Issues, 1)
	assert.Equal(t, KindUnsupportedParameter, res.Issues[0].Kind)
}

func TestIncludeReachesFixedPoint(t *testing.T) {
	s, _ := newTestSearcher(t)
	ctx := context.Background()

	matches, err := s.store.Find(ctx, index.Query{Filter: index.And(
		index.Eq(index.FieldResource, "Observation"),
		index.Eq(index.FieldJustID, "o1"),
	)})
	require.NoError(t, err)
	require.Len(t, matches, 1)

	d, err := s.parseDirective("Observation:has-member", false)
	require.NoError(t, err)
	ctrl := controls{includes: []directive{d}, iterate: true}

	once, err := s.expand(ctx, matches, ctrl)
	require.NoError(t, err)
	assert.Len(t, once, 2)

	grown := append([]index.Document(nil), matches...)
	for _, ref := range []string{"o2", "o3"} {
		docs, err := s.store.Find(ctx, index.Query{Filter: index.Eq(index.FieldJustID, ref)})
		require.NoError(t, err)
		grown = append(grown, docs...)
	}
	twice, err := s.expand(ctx, grown, ctrl)
	require.NoError(t, err)
	assert.Empty(t, twice)
}
