package model

import "sync"

func one(name string, types ...string) Element {
	return Element{Name: name, Types: types}
}

func many(name string, types ...string) Element {
	return Element{Name: name, Types: types, Repeating: true}
}

var (
	defaultOnce  sync.Once
	defaultModel *Model
)

// Default returns the built-in R4 model covering the resources the default
// search parameter catalog declares.
func Default() *Model {
	defaultOnce.Do(func() {
		defaultModel = New(r4Types()...)
	})
	return defaultModel
}

// QuantityTypes are the datatypes sharing the Quantity structure.
var QuantityTypes = []string{"Quantity", "Age", "Duration", "Count", "Distance", "SimpleQuantity"}

func r4Types() []TypeDef {
	defs := r4Definitions()
	var quantity TypeDef
	for _, d := range defs {
		if d.Name == "Quantity" {
			quantity = d
		}
	}
	for _, alias := range QuantityTypes[1:] {
		defs = append(defs, TypeDef{Name: alias, Elements: quantity.Elements})
	}
	return defs
}

func r4Definitions() []TypeDef {
	return []TypeDef{
		{Name: "Resource", Elements: []Element{
			one("id", "id"),
			one("meta", "Meta"),
			one("implicitRules", "uri"),
			one("language", "code"),
		}},
		{Name: "DomainResource", Elements: []Element{
			one("text", "Narrative"),
			many("contained", "Resource"),
			many("extension", "Extension"),
		}},

		// datatypes
		{Name: "Meta", Elements: []Element{
			one("versionId", "id"),
			one("lastUpdated", "instant"),
			one("source", "uri"),
			many("profile", "canonical"),
			many("security", "Coding"),
			many("tag", "Coding"),
		}},
		{Name: "Narrative", Elements: []Element{
			one("status", "code"),
			one("div", "string"),
		}},
		{Name: "Extension", Elements: []Element{
			one("url", "uri"),
			one("value[x]", "string", "code", "boolean", "integer", "decimal", "dateTime",
				"Coding", "CodeableConcept", "Quantity", "Reference", "Period"),
		}},
		{Name: "Coding", Elements: []Element{
			one("system", "uri"),
			one("version", "string"),
			one("code", "code"),
			one("display", "string"),
			one("userSelected", "boolean"),
		}},
		{Name: "CodeableConcept", Elements: []Element{
			many("coding", "Coding"),
			one("text", "string"),
		}},
		{Name: "Identifier", Elements: []Element{
			one("use", "code"),
			one("type", "CodeableConcept"),
			one("system", "uri"),
			one("value", "string"),
			one("period", "Period"),
			one("assigner", "Reference"),
		}},
		{Name: "HumanName", Elements: []Element{
			one("use", "code"),
			one("text", "string"),
			one("family", "string"),
			many("given", "string"),
			many("prefix", "string"),
			many("suffix", "string"),
			one("period", "Period"),
		}},
		{Name: "Address", Elements: []Element{
			one("use", "code"),
			one("type", "code"),
			one("text", "string"),
			many("line", "string"),
			one("city", "string"),
			one("district", "string"),
			one("state", "string"),
			one("postalCode", "string"),
			one("country", "string"),
			one("period", "Period"),
		}},
		{Name: "ContactPoint", Elements: []Element{
			one("system", "code"),
			one("value", "string"),
			one("use", "code"),
			one("rank", "positiveInt"),
			one("period", "Period"),
		}},
		{Name: "Period", Elements: []Element{
			one("start", "dateTime"),
			one("end", "dateTime"),
		}},
		{Name: "Quantity", Elements: []Element{
			one("value", "decimal"),
			one("comparator", "code"),
			one("unit", "string"),
			one("system", "uri"),
			one("code", "code"),
		}},
		{Name: "Range", Elements: []Element{
			one("low", "Quantity"),
			one("high", "Quantity"),
		}},
		{Name: "Reference", Elements: []Element{
			one("reference", "string"),
			one("type", "uri"),
			one("identifier", "Identifier"),
			one("display", "string"),
		}},
		{Name: "Annotation", Elements: []Element{
			one("author[x]", "Reference", "string"),
			one("time", "dateTime"),
			one("text", "markdown"),
		}},

		// resources
		{Name: "Patient", Resource: true, Elements: []Element{
			many("identifier", "Identifier"),
			one("active", "boolean"),
			many("name", "HumanName"),
			many("telecom", "ContactPoint"),
			one("gender", "code"),
			one("birthDate", "date"),
			one("deceased[x]", "boolean", "dateTime"),
			many("address", "Address"),
			one("maritalStatus", "CodeableConcept"),
			one("multipleBirth[x]", "boolean", "integer"),
			many("generalPractitioner", "Reference"),
			one("managingOrganization", "Reference"),
		}},
		{Name: "Practitioner", Resource: true, Elements: []Element{
			many("identifier", "Identifier"),
			one("active", "boolean"),
			many("name", "HumanName"),
			many("telecom", "ContactPoint"),
			many("address", "Address"),
			one("gender", "code"),
			one("birthDate", "date"),
		}},
		{Name: "Organization", Resource: true, Elements: []Element{
			many("identifier", "Identifier"),
			one("active", "boolean"),
			many("type", "CodeableConcept"),
			one("name", "string"),
			many("alias", "string"),
			many("telecom", "ContactPoint"),
			many("address", "Address"),
			one("partOf", "Reference"),
		}},
		{Name: "Location", Resource: true, Elements: []Element{
			many("identifier", "Identifier"),
			one("status", "code"),
			one("name", "string"),
			many("type", "CodeableConcept"),
			one("address", "Address"),
			one("managingOrganization", "Reference"),
			one("partOf", "Reference"),
		}},
		{Name: "Medication", Resource: true, Elements: []Element{
			many("identifier", "Identifier"),
			one("code", "CodeableConcept"),
			one("status", "code"),
			one("manufacturer", "Reference"),
			one("form", "CodeableConcept"),
		}},
		{Name: "Observation", Resource: true, Elements: []Element{
			many("identifier", "Identifier"),
			many("basedOn", "Reference"),
			one("status", "code"),
			many("category", "CodeableConcept"),
			one("code", "CodeableConcept"),
			one("subject", "Reference"),
			one("encounter", "Reference"),
			one("effective[x]", "dateTime", "Period", "instant"),
			one("issued", "instant"),
			many("performer", "Reference"),
			one("value[x]", "Quantity", "CodeableConcept", "string", "boolean", "integer",
				"Range", "time", "dateTime", "Period"),
			one("dataAbsentReason", "CodeableConcept"),
			many("interpretation", "CodeableConcept"),
			many("note", "Annotation"),
			one("specimen", "Reference"),
			many("hasMember", "Reference"),
			many("derivedFrom", "Reference"),
			many("component", "Observation.component"),
		}},
		{Name: "Observation.component", Elements: []Element{
			one("code", "CodeableConcept"),
			one("value[x]", "Quantity", "CodeableConcept", "string", "boolean", "integer",
				"Range", "time", "dateTime", "Period"),
			one("dataAbsentReason", "CodeableConcept"),
			many("interpretation", "CodeableConcept"),
		}},
		{Name: "Encounter", Resource: true, Elements: []Element{
			many("identifier", "Identifier"),
			one("status", "code"),
			one("class", "Coding"),
			many("type", "CodeableConcept"),
			one("serviceType", "CodeableConcept"),
			one("priority", "CodeableConcept"),
			one("subject", "Reference"),
			many("participant", "Encounter.participant"),
			one("period", "Period"),
			one("length", "Duration"),
			many("reasonCode", "CodeableConcept"),
			one("serviceProvider", "Reference"),
			one("partOf", "Reference"),
		}},
		{Name: "Encounter.participant", Elements: []Element{
			many("type", "CodeableConcept"),
			one("period", "Period"),
			one("individual", "Reference"),
		}},
		{Name: "Condition", Resource: true, Elements: []Element{
			many("identifier", "Identifier"),
			one("clinicalStatus", "CodeableConcept"),
			one("verificationStatus", "CodeableConcept"),
			many("category", "CodeableConcept"),
			one("severity", "CodeableConcept"),
			one("code", "CodeableConcept"),
			many("bodySite", "CodeableConcept"),
			one("subject", "Reference"),
			one("encounter", "Reference"),
			one("onset[x]", "dateTime", "Age", "Period", "Range", "string"),
			one("abatement[x]", "dateTime", "Age", "Period", "Range", "string"),
			one("recordedDate", "dateTime"),
			one("recorder", "Reference"),
			one("asserter", "Reference"),
			many("note", "Annotation"),
		}},
		{Name: "DiagnosticReport", Resource: true, Elements: []Element{
			many("identifier", "Identifier"),
			many("basedOn", "Reference"),
			one("status", "code"),
			many("category", "CodeableConcept"),
			one("code", "CodeableConcept"),
			one("subject", "Reference"),
			one("encounter", "Reference"),
			one("effective[x]", "dateTime", "Period"),
			one("issued", "instant"),
			many("performer", "Reference"),
			many("result", "Reference"),
			one("conclusion", "string"),
			many("conclusionCode", "CodeableConcept"),
		}},
		{Name: "MedicationRequest", Resource: true, Elements: []Element{
			many("identifier", "Identifier"),
			one("status", "code"),
			one("intent", "code"),
			many("category", "CodeableConcept"),
			one("priority", "code"),
			one("medication[x]", "CodeableConcept", "Reference"),
			one("subject", "Reference"),
			one("encounter", "Reference"),
			one("authoredOn", "dateTime"),
			one("requester", "Reference"),
			many("reasonCode", "CodeableConcept"),
		}},
		{Name: "RiskAssessment", Resource: true, Elements: []Element{
			many("identifier", "Identifier"),
			one("status", "code"),
			one("method", "CodeableConcept"),
			one("code", "CodeableConcept"),
			one("subject", "Reference"),
			one("encounter", "Reference"),
			one("occurrence[x]", "dateTime", "Period"),
			one("performer", "Reference"),
			many("prediction", "RiskAssessment.prediction"),
		}},
		{Name: "RiskAssessment.prediction", Elements: []Element{
			one("outcome", "CodeableConcept"),
			one("probability[x]", "decimal", "Range"),
			one("relativeRisk", "decimal"),
			one("rationale", "string"),
		}},
	}
}
