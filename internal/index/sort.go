package index

import (
	"sort"
	"strings"
)

// Sort orders results by a field. When a path crosses an array the first
// element is used.
type Sort struct {
	Field string
	Desc  bool
}

// SortValue extracts the value a document sorts by.
func SortValue(doc Document, field string) (any, bool) {
	var cur any = map[string]any(doc)
	for _, seg := range strings.Split(field, ".") {
		cur = first(cur)
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[seg]; !ok {
			return nil, false
		}
	}
	cur = first(cur)
	return cur, cur != nil
}

func first(v any) any {
	if list, ok := v.([]any); ok {
		if len(list) == 0 {
			return nil
		}
		return list[0]
	}
	return v
}

// SortDocuments orders docs in place. Documents missing a sort value come
// last in either direction; ties fall back to the internal id.
func SortDocuments(docs []Document, sorts []Sort) {
	sort.SliceStable(docs, func(i, j int) bool {
		for _, s := range sorts {
			a, aok := SortValue(docs[i], s.Field)
			b, bok := SortValue(docs[j], s.Field)
			switch {
			case !aok && !bok:
				continue
			case !aok:
				return false
			case !bok:
				return true
			}
			c, ok := compare(a, b)
			if !ok || c == 0 {
				continue
			}
			if s.Desc {
				return c > 0
			}
			return c < 0
		}
		return docs[i].ID() < docs[j].ID()
	})
}
