package engine

import (
	"fmt"
	"slices"
	"sort"

	"github.com/Mryrghb/todosWithLesan/internal/metadata"
)

// CheckFields validates a pure-field payload against typ and returns the
// values in stored form. On create, defaults are applied and every
// non-optional field without a default is required.
func CheckFields(typ *metadata.EntityType, values map[string]any, isCreate bool) (map[string]any, error) {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if typ.Field(k) == nil {
			return nil, UnknownFieldError(typ.Name, k)
		}
	}

	out := make(map[string]any, len(typ.Fields))
	var errs []ErrorDetail
	for _, k := range keys {
		f := typ.Field(k)
		v, err := f.Coerce(values[k])
		if err != nil {
			errs = append(errs, ErrorDetail{Field: k, Rule: string(f.Type), Message: err.Error()})
			continue
		}
		out[k] = v
	}

	if isCreate {
		for _, f := range typ.Fields {
			if _, ok := out[f.Name]; ok || slices.ContainsFunc(errs, func(d ErrorDetail) bool { return d.Field == f.Name }) {
				continue
			}
			if f.Default != nil {
				v, _ := f.Coerce(f.Default)
				out[f.Name] = v
				continue
			}
			if !f.Optional {
				errs = append(errs, ErrorDetail{Field: f.Name, Rule: "required", Message: fmt.Sprintf("%s is required", f.Name)})
			}
		}
	}

	if len(errs) > 0 {
		return nil, ValidationError(errs)
	}
	return out, nil
}
