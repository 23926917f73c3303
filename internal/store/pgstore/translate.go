package pgstore

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/ehr/fhirindex/internal/index"
)

// translator renders predicates as SQL over the doc column. Field values
// follow the index conventions: a path does not cross arrays, comparisons
// match a scalar or any scalar element of an array, and ElemMatch
// evaluates its sub-predicate against each element of an array.
type translator struct {
	args  []any
	alias int
}

func (t *translator) arg(v any) string {
	t.args = append(t.args, v)
	return "$" + strconv.Itoa(len(t.args))
}

func (t *translator) jsonArg(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode %v: %w", v, err)
	}
	return t.arg(string(b)) + "::jsonb", nil
}

// path returns the jsonb expression for field relative to ctx.
func path(ctx, field string) string {
	if field == "" {
		return ctx
	}
	segs := strings.Split(field, ".")
	for i, s := range segs {
		segs[i] = strconv.Quote(s)
	}
	return ctx + " #> '{" + strings.ReplaceAll(strings.Join(segs, ","), "'", "''") + "}'"
}

func (t *translator) where(p index.Predicate) (string, error) {
	return t.pred("doc", p)
}

func (t *translator) pred(ctx string, p index.Predicate) (string, error) {
	switch p.Op {
	case index.OpTrue:
		return "TRUE", nil
	case index.OpFalse:
		return "FALSE", nil
	case index.OpAnd, index.OpOr:
		parts := make([]string, 0, len(p.Sub))
		for _, s := range p.Sub {
			sql, err := t.pred(ctx, s)
			if err != nil {
				return "", err
			}
			parts = append(parts, sql)
		}
		sep := " AND "
		if p.Op == index.OpOr {
			sep = " OR "
		}
		return "(" + strings.Join(parts, sep) + ")", nil
	case index.OpNot:
		sql, err := t.pred(ctx, p.Sub[0])
		if err != nil {
			return "", err
		}
		return "NOT COALESCE(" + sql + ", FALSE)", nil
	case index.OpExists:
		return path(ctx, p.Field) + " IS NOT NULL", nil
	case index.OpNull:
		return "(" + path(ctx, p.Field) + " = 'null'::jsonb)", nil
	case index.OpElemMatch:
		v := path(ctx, p.Field)
		elem := t.nextAlias()
		sql, err := t.pred(elem+".x", p.Sub[0])
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("(jsonb_typeof(%[1]s) = 'array' AND EXISTS (SELECT 1 FROM jsonb_array_elements(%[1]s) AS %[2]s(x) WHERE %[3]s))",
			v, elem, sql), nil
	}

	if ctx == "doc" {
		if sql, ok := t.column(p); ok {
			return sql, nil
		}
	}
	elem := t.nextAlias()
	cond, err := t.scalar(elem+".x", p)
	if err != nil {
		return "", err
	}
	v := path(ctx, p.Field)
	return fmt.Sprintf("EXISTS (SELECT 1 FROM jsonb_array_elements(CASE jsonb_typeof(%[1]s) WHEN 'array' THEN %[1]s ELSE jsonb_build_array(%[1]s) END) AS %[2]s(x) WHERE %[3]s)",
		v, elem, cond), nil
}

func (t *translator) nextAlias() string {
	t.alias++
	return "e" + strconv.Itoa(t.alias)
}

// column uses the dedicated columns for the fields every query filters on.
func (t *translator) column(p index.Predicate) (string, bool) {
	if p.Op != index.OpEq {
		return "", false
	}
	switch p.Field {
	case index.FieldResource:
		if s, ok := p.Value.(string); ok {
			return "resource_type = " + t.arg(s), true
		}
	case index.FieldLevel:
		if n, ok := toInt(p.Value); ok {
			return "level = " + t.arg(n), true
		}
	}
	return "", false
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n == float64(int(n)) {
			return int(n), true
		}
	}
	return 0, false
}

// scalar renders a comparison against one JSON scalar x.
func (t *translator) scalar(x string, p index.Predicate) (string, error) {
	text := "(" + x + " #>> '{}')"
	switch p.Op {
	case index.OpEq:
		if s, ok := p.Value.(string); ok && p.Fold {
			return fmt.Sprintf("(jsonb_typeof(%s) = 'string' AND lower(%s) = %s)", x, text, t.arg(strings.ToLower(s))), nil
		}
		v, err := t.jsonArg(p.Value)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("(jsonb_typeof(%s) <> 'null' AND %s = %s)", x, x, v), nil
	case index.OpIn:
		if len(p.Values) == 0 {
			return "FALSE", nil
		}
		v, err := t.jsonArg(p.Values)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("(jsonb_typeof(%s) <> 'null' AND %s @> jsonb_build_array(%s))", x, v, x), nil
	case index.OpPrefix, index.OpContains:
		s, ok := p.Value.(string)
		if !ok {
			return "", fmt.Errorf("%s needs a string operand", p.Op)
		}
		pattern := escapeLike(s) + "%"
		if p.Op == index.OpContains {
			pattern = "%" + pattern
		}
		subject := text
		if p.Fold {
			subject = "lower(" + text + ")"
			pattern = strings.ToLower(pattern)
		}
		return fmt.Sprintf("(jsonb_typeof(%s) = 'string' AND %s LIKE %s ESCAPE '\\')", x, subject, t.arg(pattern)), nil
	case index.OpGt, index.OpGte, index.OpLt, index.OpLte:
		op := map[index.Op]string{index.OpGt: ">", index.OpGte: ">=", index.OpLt: "<", index.OpLte: "<="}[p.Op]
		switch v := p.Value.(type) {
		case string:
			return fmt.Sprintf(`(jsonb_typeof(%s) = 'string' AND %s COLLATE "C" %s %s)`, x, text, op, t.arg(v)), nil
		default:
			n, ok := toFloat(v)
			if !ok {
				return "", fmt.Errorf("cannot order by %T", p.Value)
			}
			return fmt.Sprintf("(jsonb_typeof(%s) = 'number' AND %s::numeric %s %s)", x, text, op, t.arg(n)), nil
		}
	}
	return "", fmt.Errorf("unsupported predicate %s", p.Op)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// sortExpr mirrors index.SortValue: the first element is taken wherever
// the path meets an array.
func sortExpr(field string) string {
	expr := "doc"
	for _, seg := range strings.Split(field, ".") {
		expr = first(expr) + " -> " + quoteLiteral(seg)
	}
	return "NULLIF(" + first(expr) + ", 'null'::jsonb)"
}

func first(expr string) string {
	return fmt.Sprintf("(CASE jsonb_typeof(%[1]s) WHEN 'array' THEN (%[1]s) -> 0 ELSE %[1]s END)", expr)
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func orderBy(sorts []index.Sort) string {
	parts := make([]string, 0, len(sorts)+1)
	for _, s := range sorts {
		expr := sortExpr(s.Field)
		dir := "ASC"
		if s.Desc {
			dir = "DESC"
		}
		parts = append(parts, expr+" "+dir+" NULLS LAST")
	}
	parts = append(parts, "internal_id ASC")
	return " ORDER BY " + strings.Join(parts, ", ")
}
