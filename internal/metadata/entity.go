package metadata

// IDField is the identifier every document carries.
const IDField = "_id"

type EntityType struct {
	Name      string         `json:"name"`
	Fields    []Field        `json:"fields"`
	Relations []RelationSpec `json:"relations,omitempty"`

	reverses []ReverseRelation
}

// Field returns a pointer to the pure field with the given name, or nil.
func (e *EntityType) Field(name string) *Field {
	for i := range e.Fields {
		if e.Fields[i].Name == name {
			return &e.Fields[i]
		}
	}
	return nil
}

// Relation returns the forward relation with the given name, or nil.
func (e *EntityType) Relation(name string) *RelationSpec {
	for i := range e.Relations {
		if e.Relations[i].Name == name {
			return &e.Relations[i]
		}
	}
	return nil
}

// Reverse returns the reverse relation with the given name, or nil.
func (e *EntityType) Reverse(name string) *ReverseRelation {
	for i := range e.reverses {
		if e.reverses[i].Name == name {
			return &e.reverses[i]
		}
	}
	return nil
}

func (e *EntityType) Reverses() []ReverseRelation {
	return e.reverses
}

// HasMember reports whether name is a field, relation or reverse of the type.
func (e *EntityType) HasMember(name string) bool {
	return e.Field(name) != nil || e.Relation(name) != nil || e.Reverse(name) != nil
}

// FieldNames returns all pure field names.
func (e *EntityType) FieldNames() []string {
	names := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		names[i] = f.Name
	}
	return names
}
