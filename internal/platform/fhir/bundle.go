package fhir

import (
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/fhirindex/internal/search"
)

// Search entry modes.
const (
	SearchModeMatch   = "match"
	SearchModeInclude = "include"
	SearchModeOutcome = "outcome"
)

// Bundle represents a FHIR Bundle resource.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Type         string        `json:"type"`
	Total        *int          `json:"total,omitempty"`
	Link         []BundleLink  `json:"link,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
	Timestamp    *time.Time    `json:"timestamp,omitempty"`
}

type BundleLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

// BundleEntry carries either a link to an indexed resource or an inline
// OperationOutcome.
type BundleEntry struct {
	FullURL  string            `json:"fullUrl,omitempty"`
	Resource *OperationOutcome `json:"resource,omitempty"`
	Search   *BundleSearch     `json:"search,omitempty"`
}

type BundleSearch struct {
	Mode string `json:"mode,omitempty"`
}

// SearchBundleParams holds pagination and link information for a search bundle.
type SearchBundleParams struct {
	// BaseURL is the search endpoint, e.g. https://host/fhir/Patient.
	BaseURL string
	// Query holds the request parameters; paging parameters are replaced.
	Query  url.Values
	Count  int
	Offset int
	Total  int
}

// NewSearchBundle renders search results as a searchset Bundle. Matches and
// includes are entries with their self links as fullUrl; issues travel in
// a trailing OperationOutcome entry.
func NewSearchBundle(res *search.Results, params SearchBundleParams) *Bundle {
	now := time.Now().UTC()
	entries := make([]BundleEntry, 0, len(res.Matches)+len(res.Included)+1)
	for _, link := range res.Matches {
		entries = append(entries, BundleEntry{FullURL: link, Search: &BundleSearch{Mode: SearchModeMatch}})
	}
	for _, link := range res.Included {
		entries = append(entries, BundleEntry{FullURL: link, Search: &BundleSearch{Mode: SearchModeInclude}})
	}
	if oo := IssuesOutcome(res.Issues); oo != nil {
		entries = append(entries, BundleEntry{
			FullURL:  "urn:uuid:" + uuid.NewString(),
			Resource: oo,
			Search:   &BundleSearch{Mode: SearchModeOutcome},
		})
	}

	total := res.Total
	return &Bundle{
		ResourceType: "Bundle",
		ID:           uuid.NewString(),
		Type:         "searchset",
		Total:        &total,
		Timestamp:    &now,
		Link:         buildPaginationLinks(params),
		Entry:        entries,
	}
}

// buildPaginationLinks creates self, next and previous links.
func buildPaginationLinks(params SearchBundleParams) []BundleLink {
	links := []BundleLink{{Relation: "self", URL: pageURL(params, params.Offset)}}

	if params.Count > 0 {
		if next := params.Offset + params.Count; next < params.Total {
			links = append(links, BundleLink{Relation: "next", URL: pageURL(params, next)})
		}
		if params.Offset > 0 {
			links = append(links, BundleLink{Relation: "previous", URL: pageURL(params, max(params.Offset-params.Count, 0))})
		}
	}
	return links
}

func pageURL(params SearchBundleParams, offset int) string {
	q := url.Values{}
	for k, vs := range params.Query {
		if k == "_count" || k == "_offset" {
			continue
		}
		q[k] = vs
	}
	q.Set("_count", fmt.Sprint(params.Count))
	q.Set("_offset", fmt.Sprint(offset))
	return params.BaseURL + "?" + q.Encode()
}
