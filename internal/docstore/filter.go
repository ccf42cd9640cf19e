package docstore

import (
	"slices"
	"sort"
)

// Filter selects documents. All set constraints must hold.
type Filter struct {
	ID string
	// IDs restricts to a set of ids; a non-nil empty slice matches nothing.
	IDs    []string
	Equals map[string]any
	// Refs requires the named relation set to contain the id.
	Refs map[string]string
}

func ByID(id string) Filter {
	return Filter{ID: id}
}

func ByIDs(ids []string) Filter {
	if ids == nil {
		ids = []string{}
	}
	return Filter{IDs: ids}
}

func (f Filter) Matches(d *Document) bool {
	if f.ID != "" && d.ID != f.ID {
		return false
	}
	if f.IDs != nil && !slices.Contains(f.IDs, d.ID) {
		return false
	}
	for k, want := range f.Equals {
		if CompareValues(d.Value(k), want) != 0 {
			return false
		}
	}
	for rel, id := range f.Refs {
		if !slices.ContainsFunc(d.Relations[rel], func(r Ref) bool { return r.ID == id }) {
			return false
		}
	}
	return true
}

// CompareValues orders nil before booleans, numbers and strings, in that
// order. Values of the same kind compare naturally.
func CompareValues(a, b any) int {
	ka, kb := kind(a), kind(b)
	if ka != kb {
		return cmpInt(ka, kb)
	}
	switch ka {
	case kindBool:
		ba, bb := a.(bool), b.(bool)
		switch {
		case ba == bb:
			return 0
		case !ba:
			return -1
		}
		return 1
	case kindNumber:
		fa, fb := number(a), number(b)
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		}
		return 0
	case kindString:
		sa, sb := a.(string), b.(string)
		switch {
		case sa < sb:
			return -1
		case sa > sb:
			return 1
		}
		return 0
	}
	return 0
}

const (
	kindNil = iota
	kindBool
	kindNumber
	kindString
	kindOther
)

func kind(v any) int {
	switch v.(type) {
	case nil:
		return kindNil
	case bool:
		return kindBool
	case float64, float32, int, int32, int64:
		return kindNumber
	case string:
		return kindString
	}
	return kindOther
}

func number(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	}
	return 0
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// SortDocuments orders docs in place by the given keys; ties keep their
// relative order.
func SortDocuments(docs []*Document, keys []Sort) {
	if len(keys) == 0 {
		return
	}
	sort.SliceStable(docs, func(i, j int) bool {
		for _, k := range keys {
			c := CompareValues(docs[i].Value(k.Field), docs[j].Value(k.Field))
			if c == 0 {
				continue
			}
			if k.Desc {
				return c > 0
			}
			return c < 0
		}
		return false
	})
}

// Window applies skip and limit to an ordered slice.
func Window[T any](items []T, skip, limit int64) []T {
	if skip < 0 {
		skip = 0
	}
	if skip >= int64(len(items)) {
		return nil
	}
	items = items[skip:]
	if limit > 0 && limit < int64(len(items)) {
		items = items[:limit]
	}
	return items
}
