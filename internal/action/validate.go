package action

import (
	"fmt"
	"regexp"
	"slices"
	"sort"
	"strings"

	"github.com/Mryrghb/todosWithLesan/internal/engine"
)

// Rule checks one value of a payload.
type Rule interface {
	Check(path string, v any) []engine.ErrorDetail
}

type ruleFunc func(path string, v any) []engine.ErrorDetail

func (f ruleFunc) Check(path string, v any) []engine.ErrorDetail { return f(path, v) }

func fail(path, rule, msg string) []engine.ErrorDetail {
	return []engine.ErrorDetail{{Field: path, Rule: rule, Message: msg}}
}

type optional struct{ Rule }

// Optional lets a field of an Object be absent or null.
func Optional(r Rule) Rule { return optional{r} }

// StringRule is a string with optional length and pattern constraints.
type StringRule struct {
	min     int
	max     int
	pattern *regexp.Regexp
}

func String() *StringRule { return &StringRule{} }

func (r *StringRule) MinLength(n int) *StringRule { r.min = n; return r }

func (r *StringRule) MaxLength(n int) *StringRule { r.max = n; return r }

// Pattern panics on an invalid expression; rules are built at startup.
func (r *StringRule) Pattern(expr string) *StringRule {
	r.pattern = regexp.MustCompile(expr)
	return r
}

func (r *StringRule) Check(path string, v any) []engine.ErrorDetail {
	s, ok := v.(string)
	if !ok {
		return fail(path, "string", "expected a string")
	}
	switch {
	case r.min > 0 && len(s) < r.min:
		return fail(path, "min_length", fmt.Sprintf("must be at least %d characters", r.min))
	case r.max > 0 && len(s) > r.max:
		return fail(path, "max_length", fmt.Sprintf("must be at most %d characters", r.max))
	case r.pattern != nil && !r.pattern.MatchString(s):
		return fail(path, "pattern", "has an invalid format")
	}
	return nil
}

func Number() Rule {
	return ruleFunc(func(path string, v any) []engine.ErrorDetail {
		switch v.(type) {
		case float64, float32, int, int64, int32:
			return nil
		}
		return fail(path, "number", "expected a number")
	})
}

func Boolean() Rule {
	return ruleFunc(func(path string, v any) []engine.ErrorDetail {
		if _, ok := v.(bool); !ok {
			return fail(path, "boolean", "expected a boolean")
		}
		return nil
	})
}

func Enum(values ...string) Rule {
	return ruleFunc(func(path string, v any) []engine.ErrorDetail {
		s, ok := v.(string)
		if !ok || !slices.Contains(values, s) {
			return fail(path, "enum", "expected one of "+strings.Join(values, ", "))
		}
		return nil
	})
}

// ID is a non-empty document id.
func ID() Rule {
	return ruleFunc(func(path string, v any) []engine.ErrorDetail {
		if s, ok := v.(string); !ok || s == "" {
			return fail(path, "id", "expected a document id")
		}
		return nil
	})
}

func Array(elem Rule) Rule {
	return ruleFunc(func(path string, v any) []engine.ErrorDetail {
		items, ok := v.([]any)
		if !ok {
			return fail(path, "array", "expected an array")
		}
		var errs []engine.ErrorDetail
		for i, item := range items {
			errs = append(errs, elem.Check(fmt.Sprintf("%s[%d]", path, i), item)...)
		}
		return errs
	})
}

// Object requires every non-optional field and rejects unknown keys.
func Object(fields map[string]Rule) Rule {
	return ruleFunc(func(path string, v any) []engine.ErrorDetail {
		m, ok := v.(map[string]any)
		if !ok {
			return fail(path, "object", "expected an object")
		}
		var errs []engine.ErrorDetail
		for _, k := range sortedKeys(m) {
			if _, known := fields[k]; !known {
				errs = append(errs, fail(join(path, k), "unknown", "unexpected field")...)
			}
		}
		for _, k := range sortedKeys(fields) {
			rule := fields[k]
			val, present := m[k]
			if !present || val == nil {
				if _, opt := rule.(optional); !opt {
					errs = append(errs, fail(join(path, k), "required", "is required")...)
				}
				continue
			}
			errs = append(errs, rule.Check(join(path, k), val)...)
		}
		return errs
	})
}

// Selection accepts a projection object: 0, 1, booleans, nested objects
// and the window keys of a relation.
func Selection() Rule {
	var check func(path string, v any) []engine.ErrorDetail
	check = func(path string, v any) []engine.ErrorDetail {
		m, ok := v.(map[string]any)
		if !ok {
			return fail(path, "selection", "expected an object")
		}
		var errs []engine.ErrorDetail
		for _, k := range sortedKeys(m) {
			switch val := m[k].(type) {
			case map[string]any:
				errs = append(errs, check(join(path, k), val)...)
			case bool, float64, int, int64, string:
			default:
				errs = append(errs, fail(join(path, k), "selection", "expected 1, true or an object")...)
			}
		}
		return errs
	}
	return ruleFunc(check)
}

// Body validates Set against set and Get against get. A nil rule requires
// the part to be empty.
func Body(set, get Rule) Validator {
	return func(p Payload) error {
		var errs []engine.ErrorDetail
		errs = append(errs, part("set", set, p.Set)...)
		errs = append(errs, part("get", get, p.Get)...)
		if len(errs) > 0 {
			return engine.ValidationError(errs)
		}
		return nil
	}
}

func part(name string, r Rule, m map[string]any) []engine.ErrorDetail {
	if r == nil {
		if len(m) > 0 {
			return fail(name, "empty", "must be empty")
		}
		return nil
	}
	if m == nil {
		m = map[string]any{}
	}
	return r.Check(name, m)
}

func join(path, k string) string {
	if path == "" {
		return k
	}
	return path + "." + k
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
