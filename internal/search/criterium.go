// Package search parses FHIR search requests, compiles them into index
// predicates and runs them against an index store.
package search

import (
	"fmt"
	"strings"

	"github.com/ehr/fhirindex/internal/catalog"
)

// Operator is the comparison a criterium applies.
type Operator int

const (
	OperatorEq Operator = iota
	OperatorGt
	OperatorGte
	OperatorLt
	OperatorLte
	OperatorApprox
	OperatorIn
	OperatorIsNull
	OperatorNotNull
	OperatorChain
)

var operatorNames = [...]string{
	OperatorEq:      "EQ",
	OperatorGt:      "GT",
	OperatorGte:     "GTE",
	OperatorLt:      "LT",
	OperatorLte:     "LTE",
	OperatorApprox:  "APPROX",
	OperatorIn:      "IN",
	OperatorIsNull:  "ISNULL",
	OperatorNotNull: "NOTNULL",
	OperatorChain:   "CHAIN",
}

func (o Operator) String() string {
	if int(o) < len(operatorNames) {
		return operatorNames[o]
	}
	return fmt.Sprintf("Operator(%d)", int(o))
}

// prefixes maps FHIR comparison prefixes to operators.
var prefixes = map[string]Operator{
	"eq": OperatorEq,
	"gt": OperatorGt,
	"ge": OperatorGte,
	"lt": OperatorLt,
	"le": OperatorLte,
	"sa": OperatorGt,
	"eb": OperatorLt,
	"ap": OperatorApprox,
}

var operatorPrefixes = map[Operator]string{
	OperatorGt:     "gt",
	OperatorGte:    "ge",
	OperatorLt:     "lt",
	OperatorLte:    "le",
	OperatorApprox: "ap",
}

// Operand is the value side of a criterium. The concrete types are
// UntypedValue, ChoiceValue, CompositeValue and *Criterium.
type Operand interface {
	fmt.Stringer
	operand()
}

// UntypedValue is a raw value, typed when the criterium is compiled.
type UntypedValue string

// ChoiceValue holds alternatives from a comma-separated value.
type ChoiceValue []Operand

// CompositeValue holds one value per component of a composite parameter.
type CompositeValue []Operand

func (UntypedValue) operand()   {}
func (ChoiceValue) operand()    {}
func (CompositeValue) operand() {}
func (*Criterium) operand()     {}

func (v UntypedValue) String() string { return string(v) }

func (v ChoiceValue) String() string { return joinOperands(v, ",") }

func (v CompositeValue) String() string { return joinOperands(v, "$") }

func joinOperands(ops []Operand, sep string) string {
	parts := make([]string, len(ops))
	for i, op := range ops {
		parts[i] = op.String()
	}
	return strings.Join(parts, sep)
}

// Criterium is one parsed search constraint.
type Criterium struct {
	ParamName string
	Modifier  string
	Operator  Operator
	Operand   Operand

	// Def is set once the parameter has been resolved against the catalog.
	Def *catalog.Definition
}

// Nested returns the criterium a CHAIN applies to the referenced resource.
func (c *Criterium) Nested() (*Criterium, bool) {
	if c.Operator != OperatorChain {
		return nil, false
	}
	n, ok := c.Operand.(*Criterium)
	return n, ok
}

// Clone copies the criterium tree. Definitions are shared.
func (c *Criterium) Clone() *Criterium {
	out := *c
	if n, ok := c.Operand.(*Criterium); ok {
		out.Operand = n.Clone()
	}
	return &out
}

func (c *Criterium) name() string {
	if c.Modifier == "" {
		return c.ParamName
	}
	return c.ParamName + ":" + c.Modifier
}

// String renders the criterium in query syntax, e.g. "subject:Patient.name=John".
func (c *Criterium) String() string {
	switch c.Operator {
	case OperatorChain:
		return c.name() + "." + c.Operand.String()
	case OperatorIsNull:
		return c.ParamName + ":missing=true"
	case OperatorNotNull:
		return c.ParamName + ":missing=false"
	}
	value := ""
	if c.Operand != nil {
		value = c.Operand.String()
	}
	return c.name() + "=" + operatorPrefixes[c.Operator] + value
}
