package metadata

import (
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// Definition is one entity type as declared in a models file.
type Definition struct {
	Name      string         `yaml:"name"`
	Fields    []Field        `yaml:"fields"`
	Relations []RelationSpec `yaml:"relations"`
}

type modelsFile struct {
	Models []Definition `yaml:"models"`
}

// Decode reads a models file.
func Decode(r io.Reader) ([]Definition, error) {
	var f modelsFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("decode models: %w", err)
	}
	return f.Models, nil
}

// LoadAll registers every definition and seals the registry.
func (r *Registry) LoadAll(defs []Definition) error {
	for _, def := range defs {
		if _, err := r.RegisterType(def.Name, def.Fields, def.Relations); err != nil {
			return fmt.Errorf("register %s: %w", def.Name, err)
		}
	}
	return r.Seal()
}
