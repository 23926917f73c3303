package harvest

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/ehr/fhirindex/internal/catalog"
	"github.com/ehr/fhirindex/internal/index"
	"github.com/ehr/fhirindex/internal/model"
	"github.com/ehr/fhirindex/internal/quantity"
)

// Open period boundaries.
const (
	minInstant = "0001-01-01T00:00:00.000Z"
	maxInstant = "9999-12-31T23:59:59.999Z"
)

// collect converts a leaf into index values for def. The leaf's FHIR type
// selects the shape; combinations a parameter type cannot index yield
// nothing.
func (h *Harvester) collect(def catalog.Definition, n node) []any {
	switch def.Type {
	case catalog.TypeString:
		return stringValues(n)
	case catalog.TypeToken:
		return tokenValues(n)
	case catalog.TypeNumber:
		return numberValues(n)
	case catalog.TypeDate:
		return dateValues(n)
	case catalog.TypeQuantity:
		return quantityValues(n)
	case catalog.TypeReference:
		return h.referenceValues(def, n)
	case catalog.TypeURI:
		return uriValues(n)
	}
	return nil
}

func stringValues(n node) []any {
	obj, _ := n.value.(map[string]any)
	switch n.typ {
	case "HumanName":
		return stringProps(obj, "text", "family", "given", "prefix", "suffix")
	case "Address":
		return stringProps(obj, "text", "line", "city", "district", "state", "postalCode", "country")
	case "CodeableConcept":
		return stringProps(obj, "text")
	case "Coding":
		return stringProps(obj, "display")
	case "Reference":
		return stringProps(obj, "display")
	}
	if model.IsPrimitive(n.typ) {
		if s, ok := n.value.(string); ok && s != "" {
			return []any{s}
		}
	}
	return nil
}

// stringProps gathers the string and string-list properties of obj in order.
func stringProps(obj map[string]any, keys ...string) []any {
	var out []any
	for _, k := range keys {
		switch v := obj[k].(type) {
		case string:
			if v != "" {
				out = append(out, v)
			}
		case []any:
			for _, item := range v {
				if s, ok := item.(string); ok && s != "" {
					out = append(out, s)
				}
			}
		}
	}
	return out
}

func token(system, code, display, text string) map[string]any {
	t := make(map[string]any, 4)
	if system != "" {
		t["system"] = system
	}
	if code != "" {
		t["code"] = code
	}
	if display != "" {
		t["display"] = display
	}
	if text != "" {
		t["text"] = text
	}
	return t
}

func str(obj map[string]any, key string) string {
	s, _ := obj[key].(string)
	return s
}

func tokenValues(n node) []any {
	obj, _ := n.value.(map[string]any)
	switch n.typ {
	case "Coding":
		return []any{token(str(obj, "system"), str(obj, "code"), str(obj, "display"), "")}
	case "CodeableConcept":
		text := str(obj, "text")
		codings, _ := obj["coding"].([]any)
		var out []any
		for _, c := range codings {
			cm, ok := c.(map[string]any)
			if !ok {
				continue
			}
			out = append(out, token(str(cm, "system"), str(cm, "code"), str(cm, "display"), text))
		}
		if len(out) == 0 && text != "" {
			out = append(out, token("", "", "", text))
		}
		return out
	case "Identifier":
		typ, _ := obj["type"].(map[string]any)
		return []any{token(str(obj, "system"), str(obj, "value"), "", str(typ, "text"))}
	case "ContactPoint":
		return []any{token(str(obj, "system"), str(obj, "value"), "", "")}
	case "boolean":
		if b, ok := n.value.(bool); ok {
			return []any{token("", fmt.Sprint(b), "", "")}
		}
	case "Quantity":
		return []any{token(str(obj, "system"), str(obj, "code"), str(obj, "unit"), "")}
	}
	if model.IsPrimitive(n.typ) {
		if s, ok := n.value.(string); ok && s != "" {
			return []any{token("", s, "", "")}
		}
	}
	return nil
}

func toDecimal(v any) (decimal.Decimal, bool) {
	switch x := v.(type) {
	case json.Number:
		d, err := decimal.NewFromString(x.String())
		return d, err == nil
	case float64:
		return decimal.NewFromFloat(x), true
	case string:
		d, err := decimal.NewFromString(x)
		return d, err == nil
	}
	return decimal.Decimal{}, false
}

func numberValues(n node) []any {
	switch n.typ {
	case "decimal", "integer", "positiveInt", "unsignedInt":
		if d, ok := toDecimal(n.value); ok {
			return []any{d.InexactFloat64()}
		}
	}
	if model.IsQuantityType(n.typ) {
		obj, _ := n.value.(map[string]any)
		if d, ok := toDecimal(obj["value"]); ok {
			return []any{d.InexactFloat64()}
		}
	}
	return nil
}

func dateRange(start, end string) map[string]any {
	return map[string]any{"start": start, "end": end}
}

func dateValues(n node) []any {
	switch n.typ {
	case "date", "dateTime", "instant":
		s, _ := n.value.(string)
		r, err := model.ParseDateRange(s)
		if err != nil {
			return nil
		}
		return []any{dateRange(r.Lower(), r.Upper())}
	case "Period":
		obj, _ := n.value.(map[string]any)
		start, end := minInstant, maxInstant
		if s := str(obj, "start"); s != "" {
			r, err := model.ParseDateRange(s)
			if err != nil {
				return nil
			}
			start = r.Lower()
		}
		if s := str(obj, "end"); s != "" {
			r, err := model.ParseDateRange(s)
			if err != nil {
				return nil
			}
			end = r.Upper()
		}
		return []any{dateRange(start, end)}
	}
	return nil
}

// quantityValues canonicalizes UCUM quantities. Anything else is stored as
// written.
func quantityValues(n node) []any {
	if !model.IsQuantityType(n.typ) {
		return nil
	}
	obj, _ := n.value.(map[string]any)
	v, ok := toDecimal(obj["value"])
	if !ok {
		return nil
	}
	return []any{QuantityDocument(v, str(obj, "system"), str(obj, "code"), str(obj, "unit"))}
}

// QuantityDocument builds the indexed form of a quantity.
func QuantityDocument(v decimal.Decimal, system, code, unit string) map[string]any {
	if c, ok := quantity.Canonicalize(v, system, code); ok {
		return map[string]any{
			"value":    c.Magnitude(),
			"decimals": c.Decimals(),
			"unit":     c.Unit,
			"system":   quantity.UCUMSystem,
		}
	}
	doc := map[string]any{
		"value":    v.InexactFloat64(),
		"decimals": quantity.Searchable(v),
	}
	if code == "" {
		code = unit
	}
	if code != "" {
		doc["unit"] = code
	}
	if system != "" {
		doc["system"] = system
	}
	return doc
}

func (h *Harvester) referenceValues(def catalog.Definition, n node) []any {
	var raw string
	switch n.typ {
	case "Reference":
		obj, _ := n.value.(map[string]any)
		raw = str(obj, "reference")
	case "canonical", "uri", "url":
		raw, _ = n.value.(string)
	default:
		return nil
	}
	ref := index.NormalizeReference(h.base, raw)
	if ref == "" {
		return nil
	}
	if t := index.ReferenceType(ref); t != "" && !strings.Contains(ref, "://") && !def.TargetsType(t) {
		return nil
	}
	return []any{ref}
}

func uriValues(n node) []any {
	switch n.typ {
	case "uri", "url", "canonical", "oid", "uuid":
		if s, ok := n.value.(string); ok && s != "" {
			return []any{s}
		}
	}
	return nil
}
