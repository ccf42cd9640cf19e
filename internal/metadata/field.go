package metadata

import (
	"encoding/json"
	"fmt"
	"slices"
)

type FieldType string

const (
	FieldString  FieldType = "string"
	FieldNumber  FieldType = "number"
	FieldBoolean FieldType = "boolean"
	FieldEnum    FieldType = "enum"
)

// Field is a pure (non-relational) field of an entity type.
type Field struct {
	Name     string    `json:"name" yaml:"name"`
	Type     FieldType `json:"type" yaml:"type"`
	Enum     []string  `json:"enum,omitempty" yaml:"enum,omitempty"`
	Optional bool      `json:"optional,omitempty" yaml:"optional,omitempty"`
	Default  any       `json:"default,omitempty" yaml:"default,omitempty"`
	Hidden   bool      `json:"hidden,omitempty" yaml:"hidden,omitempty"` // stored but never projected
}

func (f Field) validate() error {
	if f.Name == "" {
		return fmt.Errorf("%w: field with empty name", ErrInvalidField)
	}
	if f.Name == IDField {
		return fmt.Errorf("%w: %s is reserved", ErrInvalidField, IDField)
	}
	switch f.Type {
	case FieldString, FieldNumber, FieldBoolean:
	case FieldEnum:
		if len(f.Enum) == 0 {
			return fmt.Errorf("%w: enum field %s has no values", ErrInvalidField, f.Name)
		}
	default:
		return fmt.Errorf("%w: field %s has unknown type %q", ErrInvalidField, f.Name, f.Type)
	}
	if f.Default != nil {
		if _, err := f.Coerce(f.Default); err != nil {
			return fmt.Errorf("%w: default of %s: %v", ErrInvalidField, f.Name, err)
		}
	}
	return nil
}

// Coerce checks v against the field type and returns its stored form.
// Numbers are always stored as float64.
func (f Field) Coerce(v any) (any, error) {
	switch f.Type {
	case FieldString:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %T", v)
		}
		return s, nil
	case FieldNumber:
		n, ok := toFloat(v)
		if !ok {
			return nil, fmt.Errorf("expected number, got %T", v)
		}
		return n, nil
	case FieldBoolean:
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("expected boolean, got %T", v)
		}
		return b, nil
	case FieldEnum:
		s, ok := v.(string)
		if !ok || !slices.Contains(f.Enum, s) {
			return nil, fmt.Errorf("must be one of %v", f.Enum)
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown field type %q", f.Type)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
