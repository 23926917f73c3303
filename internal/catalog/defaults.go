package catalog

import "sync"

var (
	defaultOnce    sync.Once
	defaultCatalog *Catalog
)

// Default returns the built-in R4 catalog.
func Default() *Catalog {
	defaultOnce.Do(func() {
		c, err := New(DefaultDefinitions()...)
		if err != nil {
			panic(err)
		}
		defaultCatalog = c
	})
	return defaultCatalog
}

func str(base, code, path string) Definition {
	return Definition{Base: base, Code: code, Type: TypeString, Path: path}
}

func tok(base, code, path string) Definition {
	return Definition{Base: base, Code: code, Type: TypeToken, Path: path}
}

func date(base, code, path string) Definition {
	return Definition{Base: base, Code: code, Type: TypeDate, Path: path}
}

func qty(base, code, path string) Definition {
	return Definition{Base: base, Code: code, Type: TypeQuantity, Path: path}
}

func num(base, code, path string) Definition {
	return Definition{Base: base, Code: code, Type: TypeNumber, Path: path}
}

func uri(base, code, path string) Definition {
	return Definition{Base: base, Code: code, Type: TypeURI, Path: path}
}

func ref(base, code, path string, targets ...string) Definition {
	return Definition{Base: base, Code: code, Type: TypeReference, Path: path, Target: targets}
}

func composite(base, code string, components ...string) Definition {
	return Definition{Base: base, Code: code, Type: TypeComposite, Components: components}
}

// DefaultDefinitions lists the built-in parameters.
func DefaultDefinitions() []Definition {
	return []Definition{
		tok(ResourceBase, "_id", "Resource.id"),
		date(ResourceBase, "_lastUpdated", "Resource.meta.lastUpdated"),
		tok(ResourceBase, "_tag", "Resource.meta.tag"),
		tok(ResourceBase, "_security", "Resource.meta.security"),
		uri(ResourceBase, "_profile", "Resource.meta.profile"),

		// Patient
		str("Patient", "name", "Patient.name"),
		str("Patient", "family", "Patient.name.family"),
		str("Patient", "given", "Patient.name.given"),
		str("Patient", "address", "Patient.address"),
		str("Patient", "address-city", "Patient.address.city"),
		str("Patient", "address-postalcode", "Patient.address.postalCode"),
		tok("Patient", "identifier", "Patient.identifier"),
		tok("Patient", "gender", "Patient.gender"),
		tok("Patient", "active", "Patient.active"),
		tok("Patient", "telecom", "Patient.telecom"),
		tok("Patient", "phone", "Patient.telecom.where(system='phone')"),
		tok("Patient", "email", "Patient.telecom.where(system='email')"),
		date("Patient", "birthdate", "Patient.birthDate"),
		date("Patient", "death-date", "Patient.deceasedDateTime"),
		ref("Patient", "general-practitioner", "Patient.generalPractitioner", "Practitioner", "Organization"),
		ref("Patient", "organization", "Patient.managingOrganization", "Organization"),

		// Practitioner
		str("Practitioner", "name", "Practitioner.name"),
		str("Practitioner", "family", "Practitioner.name.family"),
		str("Practitioner", "given", "Practitioner.name.given"),
		str("Practitioner", "address-city", "Practitioner.address.city"),
		tok("Practitioner", "identifier", "Practitioner.identifier"),
		tok("Practitioner", "active", "Practitioner.active"),
		tok("Practitioner", "gender", "Practitioner.gender"),
		tok("Practitioner", "email", "Practitioner.telecom.where(system='email')"),

		// Organization
		str("Organization", "name", "Organization.name | Organization.alias"),
		str("Organization", "address-city", "Organization.address.city"),
		tok("Organization", "identifier", "Organization.identifier"),
		tok("Organization", "type", "Organization.type"),
		tok("Organization", "active", "Organization.active"),
		ref("Organization", "partof", "Organization.partOf", "Organization"),

		// Location
		str("Location", "name", "Location.name"),
		str("Location", "address-city", "Location.address.city"),
		tok("Location", "identifier", "Location.identifier"),
		tok("Location", "status", "Location.status"),
		ref("Location", "organization", "Location.managingOrganization", "Organization"),
		ref("Location", "partof", "Location.partOf", "Location"),

		// Medication
		tok("Medication", "code", "Medication.code"),
		tok("Medication", "status", "Medication.status"),
		ref("Medication", "manufacturer", "Medication.manufacturer", "Organization"),

		// Observation
		tok("Observation", "code", "Observation.code"),
		tok("Observation", "category", "Observation.category"),
		tok("Observation", "status", "Observation.status"),
		tok("Observation", "identifier", "Observation.identifier"),
		tok("Observation", "value-concept", "Observation.valueCodeableConcept"),
		tok("Observation", "component-code", "Observation.component.code"),
		tok("Observation", "data-absent-reason", "Observation.dataAbsentReason"),
		str("Observation", "value-string", "Observation.valueString"),
		date("Observation", "date", "Observation.effective[x]"),
		date("Observation", "value-date", "Observation.valueDateTime | Observation.valuePeriod"),
		qty("Observation", "value-quantity", "Observation.valueQuantity"),
		qty("Observation", "component-value-quantity", "Observation.component.valueQuantity"),
		ref("Observation", "subject", "Observation.subject", "Patient", "Group", "Device", "Location"),
		ref("Observation", "patient", "Observation.subject", "Patient"),
		ref("Observation", "encounter", "Observation.encounter", "Encounter"),
		ref("Observation", "performer", "Observation.performer", "Practitioner", "Organization", "Patient"),
		ref("Observation", "has-member", "Observation.hasMember", "Observation"),
		ref("Observation", "derived-from", "Observation.derivedFrom", "Observation", "DiagnosticReport"),
		composite("Observation", "code-value-quantity", "code", "value-quantity"),
		composite("Observation", "code-value-concept", "code", "value-concept"),
		composite("Observation", "code-value-string", "code", "value-string"),
		composite("Observation", "code-value-date", "code", "value-date"),
		composite("Observation", "component-code-value-quantity", "component-code", "component-value-quantity"),

		// Encounter
		tok("Encounter", "status", "Encounter.status"),
		tok("Encounter", "class", "Encounter.class"),
		tok("Encounter", "type", "Encounter.type"),
		tok("Encounter", "identifier", "Encounter.identifier"),
		tok("Encounter", "reason-code", "Encounter.reasonCode"),
		date("Encounter", "date", "Encounter.period"),
		qty("Encounter", "length", "Encounter.length"),
		ref("Encounter", "subject", "Encounter.subject", "Patient", "Group"),
		ref("Encounter", "patient", "Encounter.subject", "Patient"),
		ref("Encounter", "participant", "Encounter.participant.individual", "Practitioner"),
		ref("Encounter", "service-provider", "Encounter.serviceProvider", "Organization"),
		ref("Encounter", "part-of", "Encounter.partOf", "Encounter"),

		// Condition
		tok("Condition", "code", "Condition.code"),
		tok("Condition", "clinical-status", "Condition.clinicalStatus"),
		tok("Condition", "verification-status", "Condition.verificationStatus"),
		tok("Condition", "category", "Condition.category"),
		tok("Condition", "severity", "Condition.severity"),
		tok("Condition", "identifier", "Condition.identifier"),
		date("Condition", "onset-date", "Condition.onsetDateTime | Condition.onsetPeriod"),
		date("Condition", "recorded-date", "Condition.recordedDate"),
		qty("Condition", "onset-age", "Condition.onsetAge"),
		str("Condition", "onset-info", "Condition.onsetString"),
		ref("Condition", "subject", "Condition.subject", "Patient", "Group"),
		ref("Condition", "patient", "Condition.subject", "Patient"),
		ref("Condition", "encounter", "Condition.encounter", "Encounter"),
		ref("Condition", "asserter", "Condition.asserter", "Practitioner", "Patient"),

		// DiagnosticReport
		tok("DiagnosticReport", "code", "DiagnosticReport.code"),
		tok("DiagnosticReport", "status", "DiagnosticReport.status"),
		tok("DiagnosticReport", "category", "DiagnosticReport.category"),
		tok("DiagnosticReport", "identifier", "DiagnosticReport.identifier"),
		tok("DiagnosticReport", "conclusion", "DiagnosticReport.conclusionCode"),
		date("DiagnosticReport", "date", "DiagnosticReport.effective[x]"),
		date("DiagnosticReport", "issued", "DiagnosticReport.issued"),
		ref("DiagnosticReport", "subject", "DiagnosticReport.subject", "Patient", "Group", "Device", "Location"),
		ref("DiagnosticReport", "patient", "DiagnosticReport.subject", "Patient"),
		ref("DiagnosticReport", "encounter", "DiagnosticReport.encounter", "Encounter"),
		ref("DiagnosticReport", "result", "DiagnosticReport.result", "Observation"),
		ref("DiagnosticReport", "performer", "DiagnosticReport.performer", "Practitioner", "Organization"),

		// MedicationRequest
		tok("MedicationRequest", "status", "MedicationRequest.status"),
		tok("MedicationRequest", "intent", "MedicationRequest.intent"),
		tok("MedicationRequest", "category", "MedicationRequest.category"),
		tok("MedicationRequest", "priority", "MedicationRequest.priority"),
		tok("MedicationRequest", "identifier", "MedicationRequest.identifier"),
		tok("MedicationRequest", "code", "MedicationRequest.medicationCodeableConcept"),
		date("MedicationRequest", "authoredon", "MedicationRequest.authoredOn"),
		ref("MedicationRequest", "medication", "MedicationRequest.medicationReference", "Medication"),
		ref("MedicationRequest", "subject", "MedicationRequest.subject", "Patient", "Group"),
		ref("MedicationRequest", "patient", "MedicationRequest.subject", "Patient"),
		ref("MedicationRequest", "encounter", "MedicationRequest.encounter", "Encounter"),
		ref("MedicationRequest", "requester", "MedicationRequest.requester", "Practitioner", "Organization", "Patient"),

		// RiskAssessment
		tok("RiskAssessment", "method", "RiskAssessment.method"),
		tok("RiskAssessment", "risk", "RiskAssessment.prediction.outcome"),
		date("RiskAssessment", "date", "RiskAssessment.occurrenceDateTime"),
		num("RiskAssessment", "probability", "RiskAssessment.prediction.probabilityDecimal"),
		ref("RiskAssessment", "subject", "RiskAssessment.subject", "Patient", "Group"),
		ref("RiskAssessment", "patient", "RiskAssessment.subject", "Patient"),
		ref("RiskAssessment", "performer", "RiskAssessment.performer", "Practitioner", "Device"),
	}
}
