package search

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/ehr/fhirindex/internal/catalog"
	"github.com/ehr/fhirindex/internal/harvest"
	"github.com/ehr/fhirindex/internal/index"
)

const testBase = "http://fhir.example.org/fhir"

func compileQuery(t *testing.T, resourceType, name, raw string) (index.Predicate, error) {
	t.Helper()
	cat := catalog.Default()
	c, err := Parse(resourceType, name, raw, cat)
	if err != nil {
		t.Fatalf("Parse(%s=%s): %v", name, raw, err)
	}
	def, ok := cat.Lookup(resourceType, c.ParamName)
	if !ok {
		t.Fatalf("no definition for %s.%s", resourceType, c.ParamName)
	}
	c.Def = &def
	return NewCompiler(cat, testBase).Compile(c, def)
}

func mustCompile(t *testing.T, resourceType, name, raw string) index.Predicate {
	t.Helper()
	p, err := compileQuery(t, resourceType, name, raw)
	if err != nil {
		t.Fatalf("Compile(%s=%s): %v", name, raw, err)
	}
	return p
}

type matchCase struct {
	name, raw string
	doc       index.Document
	want      bool
}

func runMatches(t *testing.T, resourceType string, tests []matchCase) {
	t.Helper()
	for _, tt := range tests {
		p := mustCompile(t, resourceType, tt.name, tt.raw)
		if got := index.Match(tt.doc, p); got != tt.want {
			t.Errorf("%s=%s on %v: got %v, want %v (predicate %s)", tt.name, tt.raw, tt.doc, got, tt.want, p)
		}
	}
}

func TestCompileString(t *testing.T) {
	john := index.Document{"name": []any{"Smith", "John"}, "name_soundex": []any{"S530", "J500"}}
	johnny := index.Document{"name": "Johnny"}
	runMatches(t, "Patient", []matchCase{
		{"name", "Jo", john, true},
		{"name", "jo", john, true},
		{"name", "Smi", john, true},
		{"name", "ith", john, false},
		{"name:exact", "John", john, true},
		{"name:exact", "john", john, false},
		{"name:exact", "John", johnny, false},
		{"name", "John", johnny, true},
		{"name:contains", "HNN", johnny, true},
		{"name:text", "Jon", john, true},
		{"name:text", "Smyth", john, true},
		{"name:text", "Brown", john, false},
		{"name", "Jo,Sm", johnny, true},
	})
}

func TestCompileToken(t *testing.T) {
	scalar := index.Document{"code": map[string]any{"system": "http://loinc.org", "code": "1234", "display": "Heart rate"}}
	array := index.Document{"code": []any{
		map[string]any{"system": "http://snomed.info/sct", "code": "999"},
		map[string]any{"system": "http://loinc.org", "code": "1234"},
	}}
	other := index.Document{"code": map[string]any{"system": "http://loinc.org", "code": "5678"}}
	snomed := index.Document{"code": map[string]any{"system": "http://snomed.info/sct", "code": "1234"}}
	bare := index.Document{"code": map[string]any{"code": "1234"}}

	runMatches(t, "Observation", []matchCase{
		{"code", "1234", scalar, true},
		{"code", "1234", array, true},
		{"code", "http://loinc.org|1234", scalar, true},
		{"code", "http://loinc.org|1234", array, true},
		{"code", "http://loinc.org|1234", snomed, false},
		{"code", "http://loinc.org|", other, true},
		{"code", "|1234", bare, true},
		{"code", "|1234", scalar, false},
		{"code:anyns", "1234", snomed, true},
		{"code:text", "heart", scalar, true},
		{"code:text", "lung", scalar, false},
		{"code", "5678,1234", other, true},

		{"code:not", "1234", scalar, false},
		{"code:not", "1234", other, true},
		{"code:not", "http://loinc.org|1234", scalar, false},
		{"code:not", "http://loinc.org|1234", other, true},
		{"code:not", "http://loinc.org|1234", snomed, false},
		{"code:not", "http://loinc.org|1234", array, false},
		{"code:not", "1234,5678", scalar, false},
		{"code:not", "1234,5678", other, false},
		{"code:not", "1234,5678", index.Document{"code": map[string]any{"code": "0000"}}, true},
	})
}

func quantityDoc(value, code string) index.Document {
	return index.Document{"value-quantity": harvest.QuantityDocument(decimal.RequireFromString(value), "http://unitsofmeasure.org", code, code)}
}

func TestCompileQuantityPrecision(t *testing.T) {
	stored := quantityDoc("5.0", "mg")
	runMatches(t, "Observation", []matchCase{
		{"value-quantity", "5|http://unitsofmeasure.org|mg", stored, true},
		{"value-quantity", "5.00|http://unitsofmeasure.org|mg", stored, true},
		{"value-quantity", "6|http://unitsofmeasure.org|mg", stored, false},
		{"value-quantity", "0.005|http://unitsofmeasure.org|g", stored, true},
		{"value-quantity", "5|http://unitsofmeasure.org|mL", stored, false},
		{"value-quantity", "gt4|http://unitsofmeasure.org|mg", stored, true},
		{"value-quantity", "lt4|http://unitsofmeasure.org|mg", stored, false},
		{"value-quantity", "ge0.004|http://unitsofmeasure.org|g", stored, true},
	})

	array := index.Document{"value-quantity": []any{
		harvest.QuantityDocument(decimal.RequireFromString("7"), "http://unitsofmeasure.org", "mg", "mg"),
		harvest.QuantityDocument(decimal.RequireFromString("5.0"), "http://unitsofmeasure.org", "mg", "mg"),
	}}
	runMatches(t, "Observation", []matchCase{
		{"value-quantity", "5|http://unitsofmeasure.org|mg", array, true},
		{"value-quantity", "6|http://unitsofmeasure.org|mg", array, false},
	})

	raw := index.Document{"value-quantity": harvest.QuantityDocument(decimal.RequireFromString("3"), "http://example.org/units", "tabs", "tabs")}
	runMatches(t, "Observation", []matchCase{
		{"value-quantity", "3|http://example.org/units|tabs", raw, true},
		{"value-quantity", "3||tabs", raw, true},
		{"value-quantity", "3", raw, true},
		{"value-quantity", "4||tabs", raw, false},
	})
}

func TestCompileDate(t *testing.T) {
	born := index.Document{"birthdate": map[string]any{"start": "2020-03-01T00:00:00.000Z", "end": "2020-03-02T00:00:00.000Z"}}
	runMatches(t, "Patient", []matchCase{
		{"birthdate", "2020", born, true},
		{"birthdate", "2020-03", born, true},
		{"birthdate", "2020-03-01", born, true},
		{"birthdate", "2020-03-02", born, false},
		{"birthdate", "2021", born, false},
		{"birthdate", "gt2019", born, true},
		{"birthdate", "gt2020", born, false},
		{"birthdate", "ge2020-03-01", born, true},
		{"birthdate", "lt2020-03-02", born, true},
		{"birthdate", "lt2020-03-01", born, false},
		{"birthdate", "le2020-03-01", born, true},
		{"birthdate", "le2020-02", born, false},
		{"birthdate", "2019,2020", born, true},
	})

	period := index.Document{"date": []any{
		map[string]any{"start": "2021-01-10T00:00:00.000Z", "end": "9999-12-31T23:59:59.999Z"},
	}}
	runMatches(t, "Encounter", []matchCase{
		{"date", "2030", period, true},
		{"date", "2020", period, false},
	})
}

func TestCompileNumber(t *testing.T) {
	doc := index.Document{"probability": []any{0.25, 0.8}}
	runMatches(t, "RiskAssessment", []matchCase{
		{"probability", "0.25", doc, true},
		{"probability", "0.5", doc, false},
		{"probability", "gt0.7", doc, true},
		{"probability", "lt0.1", doc, false},
		{"probability", "0.1,0.8", doc, true},
	})
}

func TestCompileReference(t *testing.T) {
	doc := index.Document{"subject": "Patient/p1"}
	foreign := index.Document{"subject": "http://other.example.org/fhir/Patient/p9"}
	runMatches(t, "Observation", []matchCase{
		{"subject", "Patient/p1", doc, true},
		{"subject", "p1", doc, true},
		{"subject:Patient", "p1", doc, true},
		{"subject", testBase + "/Patient/p1", doc, true},
		{"subject", testBase + "/Patient/p1/_history/3", doc, true},
		{"subject", "Patient/p2", doc, false},
		{"subject", "http://other.example.org/fhir/Patient/p9", foreign, true},
		{"subject", "p9", foreign, false},
	})

	if _, err := compileQuery(t, "Observation", "subject:Location", "Patient/p1"); KindOf(err) != KindCompile {
		t.Errorf("type modifier mismatch: err = %v, want compile error", err)
	}
	if _, err := compileQuery(t, "Observation", "subject:Medication", "p1"); KindOf(err) != KindCompile {
		t.Errorf("non-target modifier: err = %v, want compile error", err)
	}
}

func TestCompileMissing(t *testing.T) {
	absent := index.Document{}
	null := index.Document{"gender": nil}
	present := index.Document{"gender": map[string]any{"code": "male"}}
	runMatches(t, "Patient", []matchCase{
		{"gender:missing", "true", absent, true},
		{"gender:missing", "true", null, false},
		{"gender:missing", "true", present, false},
		{"gender:missing", "false", absent, false},
		{"gender:missing", "false", null, false},
		{"gender:missing", "false", present, true},
		{"gender", "male", null, false},
	})
}

func TestCompileComposite(t *testing.T) {
	doc := index.Document{
		"code":           map[string]any{"system": "http://loinc.org", "code": "8480-6"},
		"value-quantity": harvest.QuantityDocument(decimal.RequireFromString("120"), "http://unitsofmeasure.org", "mm[Hg]", "mmHg"),
	}
	runMatches(t, "Observation", []matchCase{
		{"code-value-quantity", "http://loinc.org|8480-6$gt100|http://unitsofmeasure.org|mm[Hg]", doc, true},
		{"code-value-quantity", "http://loinc.org|8480-6$lt100|http://unitsofmeasure.org|mm[Hg]", doc, false},
		{"code-value-quantity", "8462-4$120|http://unitsofmeasure.org|mm[Hg]", doc, false},
		{"code-value-quantity", "8462-4$1,8480-6$120|http://unitsofmeasure.org|mm[Hg]", doc, true},
	})

	_, err := compileQuery(t, "Observation", "code-value-quantity", "8480-6$1$2")
	if KindOf(err) != KindCompositeArity {
		t.Errorf("arity mismatch: err = %v, want composite-arity", err)
	}
	_, err = compileQuery(t, "Observation", "code-value-quantity", "8480-6")
	if KindOf(err) != KindCompositeArity {
		t.Errorf("single value: err = %v, want composite-arity", err)
	}
}

func TestCompileRejects(t *testing.T) {
	tests := []struct {
		resourceType, name, raw string
	}{
		{"Patient", "birthdate", "ap2020"},
		{"Patient", "birthdate", "not-a-date"},
		{"Patient", "birthdate", "2020-13"},
		{"Patient", "birthdate:exact", "2020"},
		{"Patient", "name:below", "Jo"},
		{"Patient", "name:text", "123"},
		{"Patient", "gender:below", "male"},
		{"Patient", "identifier", "a|b|c"},
		{"Patient", "identifier", "|"},
		{"RiskAssessment", "probability", "abc"},
		{"RiskAssessment", "probability:exact", "1"},
		{"RiskAssessment", "probability", "ap1"},
		{"RiskAssessment", "probability", "1,ne2"},
		{"Observation", "value-quantity", "five|http://unitsofmeasure.org|mg"},
		{"Observation", "value-quantity", "5|mg"},
		{"Observation", "subject", "#contained"},
		{"Observation", "subject:identifier", "x"},
		{"Patient", "_profile:above", "http://example.org"},
	}
	for _, tt := range tests {
		_, err := compileQuery(t, tt.resourceType, tt.name, tt.raw)
		if err == nil {
			t.Errorf("%s?%s=%s: expected error", tt.resourceType, tt.name, tt.raw)
			continue
		}
		if k := KindOf(err); k != KindCompile {
			t.Errorf("%s?%s=%s: kind = %s, want compile", tt.resourceType, tt.name, tt.raw, k)
		}
	}
}

func TestCompileChainOutsideReference(t *testing.T) {
	cat := catalog.Default()
	def, _ := cat.Lookup("Patient", "name")
	c := &Criterium{ParamName: "name", Operator: OperatorChain, Operand: &Criterium{ParamName: "x", Operand: UntypedValue("y")}, Def: &def}
	if _, err := NewCompiler(cat, "").Compile(c, def); KindOf(err) != KindCompile {
		t.Errorf("err = %v, want compile error", err)
	}
}

func TestSortField(t *testing.T) {
	cat := catalog.Default()
	tests := []struct{ resourceType, code, want string }{
		{"Patient", "birthdate", "birthdate.start"},
		{"Patient", "gender", "gender.code"},
		{"Patient", "name", "name"},
		{"Observation", "value-quantity", "value-quantity.value"},
	}
	for _, tt := range tests {
		def, _ := cat.Lookup(tt.resourceType, tt.code)
		if got := SortField(def); got != tt.want {
			t.Errorf("SortField(%s) = %q, want %q", tt.code, got, tt.want)
		}
	}
}
