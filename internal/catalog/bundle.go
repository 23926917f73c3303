package catalog

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

type searchParameterBundle struct {
	ResourceType string `json:"resourceType"`
	Type         string `json:"type"`
	Entry        []struct {
		FullURL  string          `json:"fullUrl"`
		Resource json.RawMessage `json:"resource"`
	} `json:"entry"`
}

type searchParameterResource struct {
	ResourceType string   `json:"resourceType"`
	URL          string   `json:"url"`
	Code         string   `json:"code"`
	Base         []string `json:"base"`
	Type         string   `json:"type"`
	Expression   string   `json:"expression"`
	Target       []string `json:"target"`
	Description  string   `json:"description"`
	Component    []struct {
		Definition string `json:"definition"`
		Expression string `json:"expression"`
	} `json:"component"`
}

// LoadBundle reads a Bundle of SearchParameter resources, such as the
// search-parameters.json file published with the FHIR specification.
// Parameters of unsupported types (special) are skipped. A parameter with
// several bases yields one definition per base, each keeping only the
// expression branches rooted at that base.
func LoadBundle(r io.Reader) ([]Definition, error) {
	var bundle searchParameterBundle
	if err := json.NewDecoder(r).Decode(&bundle); err != nil {
		return nil, fmt.Errorf("decode search parameter bundle: %w", err)
	}
	if bundle.ResourceType != "Bundle" {
		return nil, fmt.Errorf("decode search parameter bundle: unexpected resourceType %q", bundle.ResourceType)
	}

	var params []searchParameterResource
	codeByURL := make(map[string]string)
	for i, entry := range bundle.Entry {
		var sp searchParameterResource
		if err := json.Unmarshal(entry.Resource, &sp); err != nil {
			return nil, fmt.Errorf("decode entry %d: %w", i, err)
		}
		if sp.ResourceType != "SearchParameter" {
			continue
		}
		params = append(params, sp)
		if sp.URL != "" {
			codeByURL[sp.URL] = sp.Code
		}
	}

	var defs []Definition
	for _, sp := range params {
		typ, err := ParseParamType(sp.Type)
		if err != nil {
			continue
		}
		var components []string
		if typ == TypeComposite {
			for _, c := range sp.Component {
				code, ok := codeByURL[c.Definition]
				if !ok {
					code = c.Definition[strings.LastIndex(c.Definition, "-")+1:]
				}
				components = append(components, code)
			}
		}
		for _, base := range sp.Base {
			path := expressionForBase(sp.Expression, base)
			if typ != TypeComposite && path == "" {
				continue
			}
			defs = append(defs, Definition{
				Code:        sp.Code,
				Base:        base,
				Type:        typ,
				Path:        path,
				Target:      sp.Target,
				Components:  components,
				URL:         sp.URL,
				Description: sp.Description,
			})
		}
	}
	return defs, nil
}

func expressionForBase(expression, base string) string {
	var parts []string
	for _, expr := range strings.Split(expression, "|") {
		expr = strings.TrimSpace(expr)
		if expr == base || strings.HasPrefix(expr, base+".") || strings.HasPrefix(expr, "("+base+".") {
			parts = append(parts, expr)
		}
	}
	return strings.Join(parts, " | ")
}
