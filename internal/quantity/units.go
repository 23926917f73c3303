package quantity

import "github.com/shopspring/decimal"

// dimension exponents over the base units, in canonical order.
type dimension [5]int

var baseUnits = [5]string{"g", "m", "s", "mol", "K"}

type unitDef struct {
	factor decimal.Decimal
	dim    dimension
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// atoms maps UCUM unit atoms onto the base units.
var atoms = map[string]unitDef{
	"g":       {d("1"), dimension{1, 0, 0, 0, 0}},
	"m":       {d("1"), dimension{0, 1, 0, 0, 0}},
	"s":       {d("1"), dimension{0, 0, 1, 0, 0}},
	"mol":     {d("1"), dimension{0, 0, 0, 1, 0}},
	"K":       {d("1"), dimension{0, 0, 0, 0, 1}},
	"L":       {d("0.001"), dimension{0, 3, 0, 0, 0}},
	"l":       {d("0.001"), dimension{0, 3, 0, 0, 0}},
	"min":     {d("60"), dimension{0, 0, 1, 0, 0}},
	"h":       {d("3600"), dimension{0, 0, 1, 0, 0}},
	"d":       {d("86400"), dimension{0, 0, 1, 0, 0}},
	"wk":      {d("604800"), dimension{0, 0, 1, 0, 0}},
	"mo":      {d("2629800"), dimension{0, 0, 1, 0, 0}},
	"a":       {d("31557600"), dimension{0, 0, 1, 0, 0}},
	"eq":      {d("1"), dimension{0, 0, 0, 1, 0}},
	"[lb_av]": {d("453.59237"), dimension{1, 0, 0, 0, 0}},
	"[oz_av]": {d("28.349523125"), dimension{1, 0, 0, 0, 0}},
	"[in_i]":  {d("0.0254"), dimension{0, 1, 0, 0, 0}},
	"[ft_i]":  {d("0.3048"), dimension{0, 1, 0, 0, 0}},
	"mm[Hg]":  {d("133322.387415"), dimension{1, -1, -2, 0, 0}},
	"%":       {d("0.01"), dimension{}},
	"1":       {d("1"), dimension{}},
}

// prefixes are the UCUM metric prefixes.
var prefixes = map[string]decimal.Decimal{
	"G":  d("1000000000"),
	"M":  d("1000000"),
	"k":  d("1000"),
	"h":  d("100"),
	"da": d("10"),
	"d":  d("0.1"),
	"c":  d("0.01"),
	"m":  d("0.001"),
	"u":  d("0.000001"),
	"n":  d("0.000000001"),
	"p":  d("0.000000000001"),
	"f":  d("0.000000000000001"),
}

// metric reports whether an atom accepts a metric prefix.
func metric(atom string) bool {
	switch atom {
	case "g", "m", "s", "mol", "K", "L", "l", "eq":
		return true
	}
	return false
}

type affine struct {
	scale  decimal.Decimal
	offset decimal.Decimal
}

// special units convert to kelvin as (value + offset) * scale.
var special = map[string]affine{
	"Cel":    {scale: d("1"), offset: d("273.15")},
	"[degF]": {scale: d("5").Div(d("9")), offset: d("459.67")},
}
