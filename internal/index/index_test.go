package index

import (
	"strings"
	"testing"
)

func TestAppendPromotesToArray(t *testing.T) {
	d := Document{}
	d.Append("name", "John")
	if _, isList := d["name"].([]any); isList {
		t.Fatal("single value should stay scalar")
	}
	d.Append("name", "Johnny")
	d.Append("name", "J")
	list, ok := d["name"].([]any)
	if !ok || len(list) != 3 {
		t.Fatalf("name = %#v, want 3-element array", d["name"])
	}
	if got := d.Values("name"); len(got) != 3 {
		t.Errorf("Values = %v", got)
	}
	if got := d.Values("missing"); got != nil {
		t.Errorf("Values(missing) = %v", got)
	}
}

func TestKeyFormatting(t *testing.T) {
	k := Key{Base: "http://localhost/fhir/", TypeName: "Patient", ResourceID: "p1", VersionID: "3"}
	if got := k.InternalID(); got != "Patient/p1/_history/3" {
		t.Errorf("InternalID = %s", got)
	}
	if got := k.SelfLink(); got != "http://localhost/fhir/Patient/p1/_history/3" {
		t.Errorf("SelfLink = %s", got)
	}
	k.VersionID = ""
	if got := k.InternalID(); got != "Patient/p1" {
		t.Errorf("InternalID without version = %s", got)
	}
}

func TestKeyFilterCoversVersionsAndContained(t *testing.T) {
	f := KeyFilter(Key{TypeName: "Patient", ResourceID: "p1"})
	for _, id := range []string{"Patient/p1", "Patient/p1/_history/1", "Patient/p1/_history/2#org"} {
		if !Match(Document{FieldID: id}, f) {
			t.Errorf("KeyFilter should match %s", id)
		}
	}
	for _, id := range []string{"Patient/p10", "Patient/p10/_history/1", "Observation/p1"} {
		if Match(Document{FieldID: id}, f) {
			t.Errorf("KeyFilter should not match %s", id)
		}
	}
}

func TestMatchScalarAndArrayShapes(t *testing.T) {
	scalar := Document{"code": map[string]any{"system": "http://loinc.org", "code": "1234-5"}}
	array := Document{"code": []any{
		map[string]any{"system": "http://snomed.info/sct", "code": "999"},
		map[string]any{"system": "http://loinc.org", "code": "1234-5"},
	}}

	inner := And(Eq("system", "http://loinc.org"), Eq("code", "1234-5"))
	dotted := And(Eq("code.system", "http://loinc.org"), Eq("code.code", "1234-5"))
	both := Or(ElemMatch("code", inner), dotted)

	if !Match(scalar, dotted) || Match(array, dotted) {
		t.Error("dotted paths must address scalar sub-documents only")
	}
	if Match(scalar, ElemMatch("code", inner)) || !Match(array, ElemMatch("code", inner)) {
		t.Error("element match must address arrays only")
	}
	if !Match(scalar, both) || !Match(array, both) {
		t.Error("combined predicate must match both shapes")
	}

	mixed := Document{"code": []any{
		map[string]any{"system": "http://loinc.org", "code": "999"},
		map[string]any{"system": "http://other", "code": "1234-5"},
	}}
	if Match(mixed, both) {
		t.Error("element match must bind system and code to the same element")
	}
}

func TestMatchScalarArrays(t *testing.T) {
	d := Document{"name": []any{"John", "Smith"}, "age": 42.0}
	tests := []struct {
		name string
		p    Predicate
		want bool
	}{
		{"prefix fold", Prefix("name", "jo", true), true},
		{"prefix case", Prefix("name", "jo", false), false},
		{"eq any element", Eq("name", "Smith"), true},
		{"contains", Contains("name", "mit", false), true},
		{"in", In("name", "x", "John"), true},
		{"empty in", In("name"), false},
		{"gt number", Gt("age", 40), true},
		{"lte number", Lte("age", 41.5), false},
		{"kind mismatch", Gt("age", "40"), false},
		{"not", Not(Eq("name", "John")), false},
		{"missing field", Eq("nope", "x"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Match(d, tt.p); got != tt.want {
				t.Errorf("Match(%s) = %v, want %v", tt.p, got, tt.want)
			}
		})
	}
}

func TestExistsAndNull(t *testing.T) {
	d := Document{"deceased": nil, "gender": "male"}
	if !Match(d, Exists("deceased")) || !Match(d, Null("deceased")) {
		t.Error("explicit null must exist and be null")
	}
	if Match(d, Null("gender")) || Match(d, Exists("missing")) {
		t.Error("unexpected match")
	}
	if Match(d, Eq("deceased", nil)) {
		t.Error("null never compares equal")
	}
}

func TestElemMatchOnScalarElements(t *testing.T) {
	d := Document{"given": []any{"Ann", "Marie"}}
	if !Match(d, ElemMatch("given", Eq("", "Marie"))) {
		t.Error("empty field should address the element itself")
	}
}

func TestBooleanAlgebraSimplifies(t *testing.T) {
	if And().Op != OpTrue || Or().Op != OpFalse {
		t.Error("empty conjunction/disjunction")
	}
	if And(True(), Eq("a", 1)).Op != OpEq {
		t.Error("True should drop out of And")
	}
	if Or(False(), False()).Op != OpFalse {
		t.Error("Or of False should be False")
	}
	if Not(Not(Eq("a", 1))).Op != OpEq {
		t.Error("double negation")
	}
	p := And(Eq(FieldLevel, 0), And(Eq(FieldResource, "Patient"), Exists("name")))
	if typ, ok := p.ResourceType(); !ok || typ != "Patient" {
		t.Errorf("ResourceType = %q, %v", typ, ok)
	}
}

func TestSortDocuments(t *testing.T) {
	docs := []Document{
		{FieldID: "c", "birthdate": map[string]any{"start": "2001"}},
		{FieldID: "a"},
		{FieldID: "b", "birthdate": []any{map[string]any{"start": "1990"}, map[string]any{"start": "2020"}}},
	}
	SortDocuments(docs, []Sort{{Field: "birthdate.start"}})
	if docs[0].ID() != "b" || docs[1].ID() != "c" || docs[2].ID() != "a" {
		t.Errorf("ascending order = %s %s %s", docs[0].ID(), docs[1].ID(), docs[2].ID())
	}
	SortDocuments(docs, []Sort{{Field: "birthdate.start", Desc: true}})
	if docs[0].ID() != "c" || docs[2].ID() != "a" {
		t.Errorf("descending order = %s %s %s", docs[0].ID(), docs[1].ID(), docs[2].ID())
	}
}

func TestPage(t *testing.T) {
	docs := []Document{{}, {}, {}, {}}
	if got := len(Page(docs, 1, 2)); got != 2 {
		t.Errorf("Page(1,2) len = %d", got)
	}
	if got := len(Page(docs, 3, 10)); got != 1 {
		t.Errorf("Page(3,10) len = %d", got)
	}
	if got := Page(docs, 5, 0); got != nil {
		t.Errorf("Page past end = %v", got)
	}
}

func TestIDPrefixes(t *testing.T) {
	p1 := KeyFilter(Key{TypeName: "Patient", ResourceID: "p1"})
	o2 := KeyFilter(Key{TypeName: "Observation", ResourceID: "o2"})
	tests := []struct {
		name string
		p    Predicate
		want string
		ok   bool
	}{
		{"key filter", p1, "Patient/p1", true},
		{"conjunction", And(Eq(FieldLevel, 0), p1), "Patient/p1", true},
		{"disjunction of keys", And(Eq(FieldLevel, 0), Or(o2, p1)), "Observation/o2 Patient/p1", true},
		{"id set", In(FieldID, "Patient/b", "Patient/a"), "Patient/a Patient/b", true},
		{"covered prefix dropped", Or(Eq(FieldID, "Patient/p1/_history/2"), Prefix(FieldID, "Patient/p1", false)), "Patient/p1", true},
		{"resource type only", Eq(FieldResource, "Patient"), "", false},
		{"mixed disjunction", Or(p1, Eq("name", "x")), "", false},
		{"case folded", EqFold(FieldID, "patient/p1"), "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := tt.p.IDPrefixes()
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if strings.Join(got, " ") != tt.want {
				t.Errorf("prefixes = %q, want %q", got, tt.want)
			}
		})
	}
}
