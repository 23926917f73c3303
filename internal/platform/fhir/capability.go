package fhir

import (
	"time"

	"github.com/ehr/fhirindex/internal/catalog"
)

// CapabilityStatement describes what the index can search.
type CapabilityStatement struct {
	ResourceType string   `json:"resourceType"`
	Status       string   `json:"status"`
	Date         string   `json:"date"`
	Kind         string   `json:"kind"`
	FHIRVersion  string   `json:"fhirVersion"`
	Format       []string `json:"format"`
	Rest         []CSRest `json:"rest"`
}

type CSRest struct {
	Mode     string       `json:"mode"`
	Resource []CSResource `json:"resource"`
}

type CSResource struct {
	Type          string          `json:"type"`
	Interaction   []CSInteraction `json:"interaction"`
	SearchInclude []string        `json:"searchInclude,omitempty"`
	SearchRevInc  []string        `json:"searchRevInclude,omitempty"`
	SearchParam   []CSSearchParam `json:"searchParam,omitempty"`
}

type CSInteraction struct {
	Code string `json:"code"`
}

type CSSearchParam struct {
	Name          string `json:"name"`
	Definition    string `json:"definition,omitempty"`
	Type          string `json:"type"`
	Documentation string `json:"documentation,omitempty"`
}

// NewCapabilityStatement lists every searchable type with its parameters
// and the _include values its reference parameters allow.
func NewCapabilityStatement(cat *catalog.Catalog) *CapabilityStatement {
	revinc := make(map[string][]string)
	var resources []CSResource
	for _, rt := range cat.Types() {
		r := CSResource{
			Type:        rt,
			Interaction: []CSInteraction{{Code: "search-type"}, {Code: "update"}, {Code: "delete"}},
		}
		for _, d := range cat.ForType(rt) {
			r.SearchParam = append(r.SearchParam, CSSearchParam{
				Name:          d.Code,
				Definition:    d.URL,
				Type:          d.Type.String(),
				Documentation: d.Description,
			})
			if d.Type != catalog.TypeReference || d.Base == catalog.ResourceBase {
				continue
			}
			r.SearchInclude = append(r.SearchInclude, rt+":"+d.Code)
			for _, target := range d.Target {
				revinc[target] = append(revinc[target], rt+":"+d.Code)
			}
		}
		resources = append(resources, r)
	}
	for i := range resources {
		resources[i].SearchRevInc = revinc[resources[i].Type]
	}

	return &CapabilityStatement{
		ResourceType: "CapabilityStatement",
		Status:       "active",
		Date:         time.Now().UTC().Format("2006-01-02"),
		Kind:         "instance",
		FHIRVersion:  "4.0.1",
		Format:       []string{"application/fhir+json", "json"},
		Rest:         []CSRest{{Mode: "server", Resource: resources}},
	}
}
