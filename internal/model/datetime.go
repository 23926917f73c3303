package model

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// InstantLayout is the layout used for every stored date boundary. Fixed
// width UTC strings order lexically the same way they order in time.
const InstantLayout = "2006-01-02T15:04:05.000Z"

// DateRange is a half-open interval [Start, End).
type DateRange struct {
	Start time.Time
	End   time.Time
}

var partialDate = regexp.MustCompile(`^(\d{4})(?:-(\d{2})(?:-(\d{2})(?:T(\d{2}):(\d{2})(?::(\d{2})(?:\.(\d+))?)?(Z|[+-]\d{2}:\d{2})?)?)?)?$`)

// ParseDateRange converts a FHIR date, dateTime or instant literal into the
// interval it covers at its precision. "2020" covers the whole year and
// "2020-03-01T10:00" covers one minute. Values without a zone are read as UTC.
func ParseDateRange(s string) (DateRange, error) {
	s = strings.TrimSpace(s)
	m := partialDate.FindStringSubmatch(s)
	if m == nil {
		return DateRange{}, fmt.Errorf("invalid date %q", s)
	}
	atoi := func(v string, def int) int {
		if v == "" {
			return def
		}
		n := 0
		for _, c := range v {
			n = n*10 + int(c-'0')
		}
		return n
	}

	loc := time.UTC
	if z := m[8]; z != "" && z != "Z" {
		off, err := time.Parse("-07:00", z)
		if err != nil {
			return DateRange{}, fmt.Errorf("invalid zone in %q: %w", s, err)
		}
		_, secs := off.Zone()
		loc = time.FixedZone(z, secs)
	}

	year, month, day := atoi(m[1], 0), atoi(m[2], 1), atoi(m[3], 1)
	hour, minute, sec := atoi(m[4], 0), atoi(m[5], 0), atoi(m[6], 0)
	if month < 1 || month > 12 || day < 1 || day > 31 || hour > 23 || minute > 59 || sec > 60 {
		return DateRange{}, fmt.Errorf("invalid date %q", s)
	}

	nanos := 0
	fraction := m[7]
	if fraction != "" {
		if len(fraction) > 9 {
			fraction = fraction[:9]
		}
		nanos = atoi(fraction, 0)
		for i := len(fraction); i < 9; i++ {
			nanos *= 10
		}
	}

	start := time.Date(year, time.Month(month), day, hour, minute, sec, nanos, loc)
	if start.Day() != day {
		return DateRange{}, fmt.Errorf("invalid date %q", s)
	}

	var end time.Time
	switch {
	case m[2] == "":
		end = start.AddDate(1, 0, 0)
	case m[3] == "":
		end = start.AddDate(0, 1, 0)
	case m[4] == "":
		end = start.AddDate(0, 0, 1)
	case m[6] == "":
		end = start.Add(time.Minute)
	case fraction == "":
		end = start.Add(time.Second)
	default:
		step := time.Duration(1)
		for i := len(fraction); i < 9; i++ {
			step *= 10
		}
		if step < time.Millisecond {
			step = time.Millisecond
		}
		end = start.Add(step)
	}
	return DateRange{Start: start.UTC(), End: end.UTC()}, nil
}

// FormatInstant renders t in InstantLayout.
func FormatInstant(t time.Time) string {
	return t.UTC().Format(InstantLayout)
}

// Lower returns the formatted start of the range.
func (r DateRange) Lower() string { return FormatInstant(r.Start) }

// Upper returns the formatted exclusive end of the range.
func (r DateRange) Upper() string { return FormatInstant(r.End) }

// IsQuantityType reports whether typeName shares the Quantity structure.
func IsQuantityType(typeName string) bool {
	for _, t := range QuantityTypes {
		if t == typeName {
			return true
		}
	}
	return false
}
