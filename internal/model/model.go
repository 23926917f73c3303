// Package model describes the subset of the FHIR R4 resource model the
// indexer needs: which elements a type has, what datatype each element
// carries, and which elements are polymorphic choices.
package model

import (
	"sort"
	"strings"
)

// Element describes a single element of a resource, datatype or backbone.
type Element struct {
	Name      string
	Types     []string
	Repeating bool
}

// IsChoice reports whether the element is a polymorphic value[x] element.
func (e Element) IsChoice() bool {
	return len(e.Types) > 1 || strings.HasSuffix(e.Name, "[x]")
}

// BaseName returns the element name without the [x] marker.
func (e Element) BaseName() string {
	return strings.TrimSuffix(e.Name, "[x]")
}

// ChoiceKey returns the JSON property name for a choice variant, e.g.
// value[x] with type Quantity becomes valueQuantity.
func (e Element) ChoiceKey(typeName string) string {
	if typeName == "" {
		return e.BaseName()
	}
	return e.BaseName() + strings.ToUpper(typeName[:1]) + typeName[1:]
}

// Model is an immutable table of type definitions.
type Model struct {
	types     map[string]map[string]Element
	resources map[string]bool
}

// TypeDef is used to register a type with the model.
type TypeDef struct {
	Name     string
	Resource bool
	Elements []Element
}

// New builds a model from the given type definitions.
func New(defs ...TypeDef) *Model {
	m := &Model{
		types:     make(map[string]map[string]Element, len(defs)),
		resources: make(map[string]bool),
	}
	for _, d := range defs {
		elems := make(map[string]Element, len(d.Elements))
		for _, e := range d.Elements {
			elems[e.BaseName()] = e
		}
		m.types[d.Name] = elems
		if d.Resource {
			m.resources[d.Name] = true
		}
	}
	return m
}

// IsResource reports whether name is a resource type known to the model.
func (m *Model) IsResource(name string) bool {
	return m.resources[name]
}

// HasType reports whether the model knows the type.
func (m *Model) HasType(name string) bool {
	_, ok := m.types[name]
	return ok
}

// Resources returns the resource type names in lexical order.
func (m *Model) Resources() []string {
	out := make([]string, 0, len(m.resources))
	for name := range m.resources {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Element looks up an element by its base name (without [x]). Resource
// types inherit the elements of Resource and DomainResource.
func (m *Model) Element(typeName, name string) (Element, bool) {
	name = strings.TrimSuffix(name, "[x]")
	if elems, ok := m.types[typeName]; ok {
		if e, ok := elems[name]; ok {
			return e, true
		}
	}
	if m.resources[typeName] || typeName == "DomainResource" {
		for _, parent := range []string{"DomainResource", "Resource"} {
			if e, ok := m.types[parent][name]; ok {
				return e, true
			}
		}
	}
	return Element{}, false
}

// ResolveChoice finds which variant of a choice element is present in obj.
// It returns the variant's type name and value.
func ResolveChoice(e Element, obj map[string]any) (string, any, bool) {
	for _, t := range e.Types {
		if v, ok := obj[e.ChoiceKey(t)]; ok {
			return t, v, true
		}
	}
	return "", nil, false
}

// IsPrimitive reports whether a FHIR type name is a primitive type.
func IsPrimitive(typeName string) bool {
	switch typeName {
	case "boolean", "integer", "positiveInt", "unsignedInt", "decimal",
		"string", "code", "id", "markdown", "uri", "url", "canonical", "oid", "uuid",
		"date", "dateTime", "instant", "time", "base64Binary":
		return true
	}
	return false
}
