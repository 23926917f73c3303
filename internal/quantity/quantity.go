// Package quantity converts clinical quantities into a canonical unit
// system so they can be compared regardless of the unit they were recorded
// in.
package quantity

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// UCUMSystem is the code system of UCUM units.
const UCUMSystem = "http://unitsofmeasure.org"

// Canonical is a quantity expressed in base units.
type Canonical struct {
	Value decimal.Decimal
	Unit  string
}

// Magnitude returns the value as a float for ordering comparisons.
func (c Canonical) Magnitude() float64 {
	return c.Value.InexactFloat64()
}

// Decimals returns the left-anchored search string for the value.
func (c Canonical) Decimals() string {
	return Searchable(c.Value)
}

// Canonicalize converts value expressed in code into base units. It returns
// false when the system is not UCUM or the unit is not understood.
func Canonicalize(value decimal.Decimal, system, code string) (Canonical, bool) {
	if system != "" && system != UCUMSystem {
		return Canonical{}, false
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return Canonical{}, false
	}
	if a, ok := special[code]; ok {
		return Canonical{Value: value.Add(a.offset).Mul(a.scale), Unit: "K"}, true
	}
	num, den, dim, err := parseUnit(code)
	if err != nil {
		return Canonical{}, false
	}
	v := value.Mul(num)
	if !den.Equal(decimal.NewFromInt(1)) {
		v = v.DivRound(den, 24)
	}
	return Canonical{Value: v, Unit: dim.String()}, true
}

// parseUnit evaluates a UCUM unit expression into a scale factor, split as
// numerator and denominator to keep exact arithmetic as long as possible.
func parseUnit(code string) (decimal.Decimal, decimal.Decimal, dimension, error) {
	num, den := decimal.NewFromInt(1), decimal.NewFromInt(1)
	var dim dimension

	terms := strings.Split(code, "/")
	for i, term := range terms {
		if term == "" {
			if i == 0 {
				continue
			}
			return num, den, dim, fmt.Errorf("empty term in %q", code)
		}
		sign := 1
		if i > 0 {
			sign = -1
		}
		for _, factor := range strings.Split(term, ".") {
			f, fdim, err := parseFactor(factor)
			if err != nil {
				return num, den, dim, err
			}
			if sign > 0 {
				num = num.Mul(f)
			} else {
				den = den.Mul(f)
			}
			for j := range dim {
				dim[j] += sign * fdim[j]
			}
		}
	}
	return num, den, dim, nil
}

func parseFactor(s string) (decimal.Decimal, dimension, error) {
	one := decimal.NewFromInt(1)
	if s == "" {
		return one, dimension{}, fmt.Errorf("empty unit factor")
	}
	if strings.HasPrefix(s, "{") && strings.HasSuffix(s, "}") {
		return one, dimension{}, nil
	}
	if i := strings.Index(s, "{"); i > 0 && strings.HasSuffix(s, "}") {
		s = s[:i]
	}
	if strings.HasPrefix(s, "10*") || strings.HasPrefix(s, "10^") {
		n, err := strconv.Atoi(s[3:])
		if err != nil {
			return one, dimension{}, fmt.Errorf("invalid power of ten %q", s)
		}
		return decimal.New(1, int32(n)), dimension{}, nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		return decimal.NewFromInt(int64(n)), dimension{}, nil
	}

	// split a trailing integer exponent, as in m2 or s-1
	body, exp := s, 1
	j := len(s)
	for j > 0 && s[j-1] >= '0' && s[j-1] <= '9' {
		j--
	}
	if j < len(s) {
		k := j
		if k > 0 && s[k-1] == '-' {
			k--
		}
		if k > 0 {
			if n, err := strconv.Atoi(s[k:]); err == nil {
				body, exp = s[:k], n
			}
		}
	}

	f, dim, ok := lookupAtom(body)
	if !ok {
		return one, dimension{}, fmt.Errorf("unknown unit %q", s)
	}
	return pow(f, exp), scale(dim, exp), nil
}

func lookupAtom(s string) (decimal.Decimal, dimension, bool) {
	if u, ok := atoms[s]; ok {
		return u.factor, u.dim, true
	}
	for p, pf := range prefixes {
		if !strings.HasPrefix(s, p) {
			continue
		}
		atom := s[len(p):]
		if u, ok := atoms[atom]; ok && metric(atom) {
			return pf.Mul(u.factor), u.dim, true
		}
	}
	return decimal.Decimal{}, dimension{}, false
}

func pow(f decimal.Decimal, exp int) decimal.Decimal {
	out := decimal.NewFromInt(1)
	n := exp
	if n < 0 {
		n = -n
	}
	for i := 0; i < n; i++ {
		out = out.Mul(f)
	}
	if exp < 0 {
		return decimal.NewFromInt(1).DivRound(out, 24)
	}
	return out
}

func scale(dim dimension, exp int) dimension {
	for i := range dim {
		dim[i] *= exp
	}
	return dim
}

// String renders the dimension as a UCUM unit over base units, such as
// "g.m-3". Dimensionless quantities render as "1".
func (dim dimension) String() string {
	var parts []string
	for i, e := range dim {
		switch e {
		case 0:
		case 1:
			parts = append(parts, baseUnits[i])
		default:
			parts = append(parts, baseUnits[i]+strconv.Itoa(e))
		}
	}
	if len(parts) == 0 {
		return "1"
	}
	return strings.Join(parts, ".")
}

// Searchable renders v as a left-anchored string. The value is normalised
// to 0.DDD x 10^E with trailing zeros dropped, then written as the sign,
// the biased exponent and the significant digits. A value written with
// fewer significant digits is a prefix of every value it covers, so 5 mg
// matches stored 5.0 mg and 5.3 mg but not 50 mg.
func Searchable(v decimal.Decimal) string {
	if v.IsZero() {
		return "0"
	}
	sign := ""
	if v.Sign() < 0 {
		sign = "-"
		v = v.Neg()
	}
	digits := v.Coefficient().String()
	exp := int(v.Exponent())
	trimmed := strings.TrimRight(digits, "0")
	exp += len(digits) - len(trimmed)
	e := len(trimmed) + exp
	return fmt.Sprintf("%sE%04dM%s", sign, e+1000, trimmed)
}

// ParseDecimal parses a decimal literal as written in a resource or query.
func ParseDecimal(s string) (decimal.Decimal, error) {
	v, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("invalid decimal %q: %w", s, err)
	}
	return v, nil
}
