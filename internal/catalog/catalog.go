// Package catalog holds the search parameter definitions known to the
// server. A Catalog is built once and then only read.
package catalog

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ParamType is the FHIR search parameter type.
type ParamType int

const (
	TypeString ParamType = iota + 1
	TypeToken
	TypeNumber
	TypeDate
	TypeQuantity
	TypeReference
	TypeComposite
	TypeURI
)

var paramTypeNames = map[ParamType]string{
	TypeString:    "string",
	TypeToken:     "token",
	TypeNumber:    "number",
	TypeDate:      "date",
	TypeQuantity:  "quantity",
	TypeReference: "reference",
	TypeComposite: "composite",
	TypeURI:       "uri",
}

func (t ParamType) String() string {
	if s, ok := paramTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("ParamType(%d)", int(t))
}

// ParseParamType maps a FHIR type code to a ParamType.
func ParseParamType(s string) (ParamType, error) {
	for t, name := range paramTypeNames {
		if name == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown search parameter type %q", s)
}

// Ordered reports whether values of this type support comparison prefixes.
func (t ParamType) Ordered() bool {
	return t == TypeNumber || t == TypeDate || t == TypeQuantity
}

// ResourceBase is the base for parameters that apply to every resource type.
const ResourceBase = "Resource"

// Definition describes one search parameter.
type Definition struct {
	Code        string
	Base        string
	Type        ParamType
	Path        string
	Target      []string
	Components  []string
	URL         string
	Description string
}

// TargetsType reports whether a reference parameter may point at typeName.
// A reference parameter without declared targets may point anywhere.
func (d Definition) TargetsType(typeName string) bool {
	if len(d.Target) == 0 {
		return true
	}
	for _, t := range d.Target {
		if t == typeName {
			return true
		}
	}
	return false
}

// Validate checks the definition is internally consistent.
func (d Definition) Validate() error {
	var errs []error
	if d.Code == "" {
		errs = append(errs, errors.New("code is required"))
	}
	if d.Base == "" {
		errs = append(errs, errors.New("base is required"))
	}
	if _, ok := paramTypeNames[d.Type]; !ok {
		errs = append(errs, fmt.Errorf("invalid type %d", int(d.Type)))
	}
	if d.Type == TypeComposite && len(d.Components) < 2 {
		errs = append(errs, errors.New("composite needs at least two components"))
	}
	if d.Type != TypeComposite && d.Path == "" {
		errs = append(errs, errors.New("path is required"))
	}
	if strings.ContainsAny(d.Code, ".:$|,") {
		errs = append(errs, fmt.Errorf("code %q contains reserved characters", d.Code))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("search parameter %s.%s: %w", d.Base, d.Code, err)
	}
	return nil
}

// Catalog is an immutable set of definitions keyed by base type and code.
type Catalog struct {
	byType map[string]map[string]Definition
}

// New builds a catalog. Later definitions replace earlier ones with the
// same base and code.
func New(defs ...Definition) (*Catalog, error) {
	c := &Catalog{byType: make(map[string]map[string]Definition)}
	for _, d := range defs {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		d.Target = append([]string(nil), d.Target...)
		d.Components = append([]string(nil), d.Components...)
		m, ok := c.byType[d.Base]
		if !ok {
			m = make(map[string]Definition)
			c.byType[d.Base] = m
		}
		m[d.Code] = d
	}
	for base, m := range c.byType {
		for _, d := range m {
			if d.Type != TypeComposite {
				continue
			}
			for _, comp := range d.Components {
				if _, ok := c.Lookup(base, comp); !ok {
					return nil, fmt.Errorf("search parameter %s.%s: unknown component %q", base, d.Code, comp)
				}
			}
		}
	}
	return c, nil
}

// Lookup finds the definition of code on resourceType, falling back to the
// parameters every resource supports.
func (c *Catalog) Lookup(resourceType, code string) (Definition, bool) {
	if d, ok := c.byType[resourceType][code]; ok {
		return d, true
	}
	d, ok := c.byType[ResourceBase][code]
	return d, ok
}

// ForType returns every parameter applicable to resourceType, sorted by code.
func (c *Catalog) ForType(resourceType string) []Definition {
	seen := make(map[string]bool)
	var out []Definition
	for _, base := range []string{resourceType, ResourceBase} {
		for code, d := range c.byType[base] {
			if seen[code] {
				continue
			}
			seen[code] = true
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

// Types returns the resource types with type-specific parameters.
func (c *Catalog) Types() []string {
	out := make([]string, 0, len(c.byType))
	for base := range c.byType {
		if base != ResourceBase {
			out = append(out, base)
		}
	}
	sort.Strings(out)
	return out
}

// Supports reports whether resourceType has any type-specific parameters.
func (c *Catalog) Supports(resourceType string) bool {
	_, ok := c.byType[resourceType]
	return ok
}

// Merge returns a new catalog with extra definitions layered over c.
func (c *Catalog) Merge(extra ...Definition) (*Catalog, error) {
	var all []Definition
	for _, m := range c.byType {
		for _, d := range m {
			all = append(all, d)
		}
	}
	return New(append(all, extra...)...)
}
