package metadata

import "fmt"

type Cardinality string

const (
	Single   Cardinality = "single"
	Multiple Cardinality = "multiple"
)

type SortOrder string

const (
	Asc  SortOrder = "asc"
	Desc SortOrder = "desc"
)

type RelationSort struct {
	Field string    `json:"field" yaml:"field"`
	Order SortOrder `json:"order" yaml:"order"`
}

func (s RelationSort) Descending() bool {
	return s.Order == Desc
}

// ReverseSpec declares the bounded set a relation maintains on its target.
type ReverseSpec struct {
	Name        string       `json:"name" yaml:"name"`
	Cardinality Cardinality  `json:"cardinality,omitempty" yaml:"cardinality,omitempty"` // default multiple
	Limit       int          `json:"limit,omitempty" yaml:"limit,omitempty"`             // 0 = unbounded
	Sort        RelationSort `json:"sort" yaml:"sort"`
}

// RelationSpec is a forward relation declared on the owning type.
type RelationSpec struct {
	Name        string       `json:"name" yaml:"name"`
	Target      string       `json:"target" yaml:"target"`
	Cardinality Cardinality  `json:"cardinality" yaml:"cardinality"`
	Optional    bool         `json:"optional,omitempty" yaml:"optional,omitempty"`
	Reverse     *ReverseSpec `json:"reverse,omitempty" yaml:"reverse,omitempty"`
}

func (r *RelationSpec) IsSingle() bool {
	return r.Cardinality == Single
}

// ReverseRelation is a reverse relation as seen from the target type:
// the source type's documents that point here through Relation.
type ReverseRelation struct {
	Name        string
	Source      string
	Relation    string
	Cardinality Cardinality
	Limit       int
	Sort        RelationSort
}

func (r *ReverseRelation) IsSingle() bool {
	return r.Cardinality == Single
}

// EffectiveLimit is the maximum size of the stored set; 0 means unbounded.
func (r *ReverseRelation) EffectiveLimit() int {
	if r.IsSingle() {
		return 1
	}
	return r.Limit
}

func (r RelationSpec) validate(owner *EntityType) error {
	if r.Name == "" || r.Name == IDField {
		return fmt.Errorf("%w: %s has a relation with invalid name %q", ErrInvalidRelation, owner.Name, r.Name)
	}
	if r.Target == "" {
		return fmt.Errorf("%w: %s.%s has no target", ErrInvalidRelation, owner.Name, r.Name)
	}
	switch r.Cardinality {
	case Single, Multiple:
	default:
		return fmt.Errorf("%w: %s.%s has unknown cardinality %q", ErrInvalidRelation, owner.Name, r.Name, r.Cardinality)
	}
	if r.Reverse == nil {
		return nil
	}
	rev := r.Reverse
	if rev.Name == "" || rev.Name == IDField {
		return fmt.Errorf("%w: %s.%s has a reverse with invalid name %q", ErrInvalidRelation, owner.Name, r.Name, rev.Name)
	}
	switch rev.Cardinality {
	case "", Single, Multiple:
	default:
		return fmt.Errorf("%w: reverse %s has unknown cardinality %q", ErrInvalidRelation, rev.Name, rev.Cardinality)
	}
	if rev.Limit < 0 {
		return fmt.Errorf("%w: reverse %s has negative limit", ErrInvalidRelation, rev.Name)
	}
	switch rev.Sort.Order {
	case "", Asc, Desc:
	default:
		return fmt.Errorf("%w: reverse %s has unknown sort order %q", ErrInvalidRelation, rev.Name, rev.Sort.Order)
	}
	// the sort key is captured from the source document at link time
	if rev.Sort.Field != "" && rev.Sort.Field != IDField && owner.Field(rev.Sort.Field) == nil {
		return fmt.Errorf("%w: reverse %s sorts by unknown field %s.%s", ErrInvalidRelation, rev.Name, owner.Name, rev.Sort.Field)
	}
	return nil
}

func (r RelationSpec) reverseOn(source string) ReverseRelation {
	rev := r.Reverse
	out := ReverseRelation{
		Name:        rev.Name,
		Source:      source,
		Relation:    r.Name,
		Cardinality: rev.Cardinality,
		Limit:       rev.Limit,
		Sort:        rev.Sort,
	}
	if out.Cardinality == "" {
		out.Cardinality = Multiple
	}
	if out.Sort.Field == "" {
		out.Sort.Field = IDField
	}
	if out.Sort.Order == "" {
		out.Sort.Order = Desc
	}
	return out
}
