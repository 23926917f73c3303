package fhir

import (
	"errors"
	"net/http"

	"github.com/ehr/fhirindex/internal/search"
	"github.com/ehr/fhirindex/internal/store/breaker"
)

// OperationOutcome severity levels.
const (
	IssueSeverityFatal       = "fatal"
	IssueSeverityError       = "error"
	IssueSeverityWarning     = "warning"
	IssueSeverityInformation = "information"
)

// OperationOutcome issue type codes used by the index service.
const (
	IssueTypeInvalid       = "invalid"
	IssueTypeValue         = "value"
	IssueTypeNotFound      = "not-found"
	IssueTypeProcessing    = "processing"
	IssueTypeNotSupported  = "not-supported"
	IssueTypeException     = "exception"
	IssueTypeTransient     = "transient"
	IssueTypeInformational = "informational"
)

type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

type OperationOutcomeIssue struct {
	Severity    string   `json:"severity"`
	Code        string   `json:"code"`
	Diagnostics string   `json:"diagnostics,omitempty"`
	Expression  []string `json:"expression,omitempty"`
}

func NewOperationOutcome(severity, code, diagnostics string) *OperationOutcome {
	return &OperationOutcome{
		ResourceType: "OperationOutcome",
		Issue: []OperationOutcomeIssue{
			{
				Severity:    severity,
				Code:        code,
				Diagnostics: diagnostics,
			},
		},
	}
}

func ErrorOutcome(diagnostics string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeProcessing, diagnostics)
}

func NotFoundOutcome(diagnostics string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeNotFound, diagnostics)
}

func InvalidOutcome(diagnostics string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeInvalid, diagnostics)
}

// issueType maps a search error kind to an issue type code.
func issueType(kind search.ErrorKind) string {
	switch kind {
	case search.KindParse, search.KindCompositeArity:
		return IssueTypeInvalid
	case search.KindCompile:
		return IssueTypeValue
	case search.KindUnsupportedParameter, search.KindChainExhausted:
		return IssueTypeNotSupported
	case search.KindStore:
		return IssueTypeException
	}
	return IssueTypeProcessing
}

// IssuesOutcome reports the issues of a search. It returns nil when there
// are none.
func IssuesOutcome(issues []search.Issue) *OperationOutcome {
	if len(issues) == 0 {
		return nil
	}
	out := &OperationOutcome{ResourceType: "OperationOutcome"}
	for _, is := range issues {
		issue := OperationOutcomeIssue{
			Severity:    string(is.Severity),
			Code:        issueType(is.Kind),
			Diagnostics: is.Diagnostics,
		}
		if is.Param != "" {
			issue.Expression = []string{is.Param}
		}
		out.Issue = append(out.Issue, issue)
	}
	return out
}

// SearchErrorOutcome renders a failed search and picks its status code.
func SearchErrorOutcome(err error) (int, *OperationOutcome) {
	var se *search.Error
	if !errors.As(err, &se) {
		return http.StatusInternalServerError, ErrorOutcome(err.Error())
	}
	status := http.StatusBadRequest
	code := issueType(se.Kind)
	if se.Kind == search.KindStore {
		status = http.StatusInternalServerError
		if breaker.IsOpen(err) {
			status = http.StatusServiceUnavailable
			code = IssueTypeTransient
		}
	}
	out := NewOperationOutcome(IssueSeverityError, code, se.Error())
	if se.Param != "" {
		out.Issue[0].Expression = []string{se.Param}
	}
	return status, out
}
