package metadata

import (
	"errors"
	"fmt"
	"slices"
	"sync"
)

var (
	ErrUnknownType     = errors.New("unknown entity type")
	ErrDuplicateType   = errors.New("duplicate entity type")
	ErrInvalidRelation = errors.New("invalid relation")
	ErrInvalidField    = errors.New("invalid field")
	ErrRegistrySealed  = errors.New("registry is sealed")
)

// Registry holds every entity type and the reverse relations they induce.
// Types are registered during setup; after Seal the registry is read-only.
type Registry struct {
	mu      sync.RWMutex
	types   map[string]*EntityType
	order   []string
	pending map[string][]ReverseRelation // keyed by a target type not yet registered
	sealed  bool
}

func NewRegistry() *Registry {
	return &Registry{
		types:   make(map[string]*EntityType),
		pending: make(map[string][]ReverseRelation),
	}
}

// RegisterType validates and records a new entity type. Every reverse the
// type's relations declare is attached to its target; targets that are not
// registered yet receive the reverse when they are. Nothing is recorded if
// any check fails.
func (r *Registry) RegisterType(name string, fields []Field, relations []RelationSpec) (*EntityType, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return nil, ErrRegistrySealed
	}
	if name == "" {
		return nil, fmt.Errorf("%w: type name is empty", ErrInvalidField)
	}
	if _, ok := r.types[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateType, name)
	}

	typ := &EntityType{
		Name:      name,
		Fields:    slices.Clone(fields),
		Relations: slices.Clone(relations),
	}

	seen := make(map[string]bool)
	for _, f := range typ.Fields {
		if err := f.validate(); err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		if seen[f.Name] {
			return nil, fmt.Errorf("%w: %s.%s declared twice", ErrInvalidField, name, f.Name)
		}
		seen[f.Name] = true
	}
	for _, rel := range typ.Relations {
		if err := rel.validate(typ); err != nil {
			return nil, err
		}
		if seen[rel.Name] {
			return nil, fmt.Errorf("%w: %s.%s collides with another member", ErrInvalidRelation, name, rel.Name)
		}
		seen[rel.Name] = true
	}

	for _, rev := range r.pending[name] {
		if err := attachReverse(typ, rev); err != nil {
			return nil, err
		}
	}

	// Reverses go onto already registered targets in place, so handles
	// returned by earlier RegisterType calls see them. attached remembers
	// each target's reverse count for rollback.
	attached := make(map[*EntityType]int)
	rollback := func() {
		for t, n := range attached {
			t.reverses = t.reverses[:n:n]
		}
	}
	queued := make(map[string][]ReverseRelation)
	for _, rel := range typ.Relations {
		if rel.Reverse == nil {
			continue
		}
		rev := rel.reverseOn(name)

		if rel.Target == name {
			if err := attachReverse(typ, rev); err != nil {
				rollback()
				return nil, err
			}
			continue
		}

		if target, found := r.types[rel.Target]; found {
			if _, ok := attached[target]; !ok {
				attached[target] = len(target.reverses)
			}
			if err := attachReverse(target, rev); err != nil {
				rollback()
				return nil, err
			}
			continue
		}

		waiting := append(slices.Clone(r.pending[rel.Target]), queued[rel.Target]...)
		if slices.ContainsFunc(waiting, func(w ReverseRelation) bool { return w.Name == rev.Name }) {
			rollback()
			return nil, fmt.Errorf("%w: reverse %s on %s declared twice", ErrInvalidRelation, rev.Name, rel.Target)
		}
		queued[rel.Target] = append(queued[rel.Target], rev)
	}

	r.types[name] = typ
	r.order = append(r.order, name)
	delete(r.pending, name)
	for target, revs := range queued {
		r.pending[target] = append(r.pending[target], revs...)
	}
	return typ, nil
}

func attachReverse(target *EntityType, rev ReverseRelation) error {
	if target.HasMember(rev.Name) {
		return fmt.Errorf("%w: reverse %s from %s.%s collides with a member of %s",
			ErrInvalidRelation, rev.Name, rev.Source, rev.Relation, target.Name)
	}
	target.reverses = append(target.reverses, rev)
	return nil
}

// Resolve returns the type registered under name.
func (r *Registry) Resolve(name string) (*EntityType, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.types[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, name)
	}
	return t, nil
}

// Types returns all registered types in registration order.
func (r *Registry) Types() []*EntityType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*EntityType, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.types[name])
	}
	return out
}

// Seal ends registration. It fails if any relation targets a type that was
// never registered.
func (r *Registry) Seal() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for target, revs := range r.pending {
		for _, rev := range revs {
			errs = append(errs, fmt.Errorf("%w: %s (target of %s.%s)", ErrUnknownType, target, rev.Source, rev.Relation))
		}
	}
	for _, name := range r.order {
		for _, rel := range r.types[name].Relations {
			if rel.Reverse != nil {
				continue
			}
			if _, ok := r.types[rel.Target]; !ok {
				errs = append(errs, fmt.Errorf("%w: %s (target of %s.%s)", ErrUnknownType, rel.Target, name, rel.Name))
			}
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	r.sealed = true
	return nil
}

func (r *Registry) Sealed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sealed
}
