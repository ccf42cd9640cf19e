package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/Mryrghb/todosWithLesan/internal/docstore"
	"github.com/Mryrghb/todosWithLesan/internal/instrument"
	"github.com/Mryrghb/todosWithLesan/internal/logger"
	"github.com/Mryrghb/todosWithLesan/internal/metadata"
)

// Engine performs writes that keep both sides of every relation in step.
// Each document write is atomic; a multi-document sequence is not, and a
// failure midway is reported as a PartialFailure without rollback.
type Engine struct {
	store    docstore.Store
	registry *metadata.Registry
	log      logger.Logger
}

func New(store docstore.Store, registry *metadata.Registry, log logger.Logger) *Engine {
	return &Engine{store: store, registry: registry, log: log}
}

func (e *Engine) Store() docstore.Store { return e.store }

func (e *Engine) Registry() *metadata.Registry { return e.registry }

type relationWrite struct {
	spec *metadata.RelationSpec
	ids  []string
}

// Create inserts a document of typ with the given pure fields and forward
// relations, then records it in the reverse set of every related document.
// The returned document is set whenever the insert itself succeeded, even
// if a reverse write later failed.
func (e *Engine) Create(ctx context.Context, typ *metadata.EntityType, values map[string]any, relations map[string][]string) (*docstore.Document, error) {
	ctx, span := instrument.GetInstrumenter(ctx).StartSpan(ctx, "engine", "relation", "create")
	defer span.End()

	fields, err := CheckFields(typ, values, true)
	if err != nil {
		span.SetStatus("error")
		return nil, err
	}
	writes, err := planRelations(typ, relations)
	if err != nil {
		span.SetStatus("error")
		return nil, err
	}
	for _, w := range writes {
		if err := e.ensureExist(ctx, w.spec.Target, w.ids); err != nil {
			span.SetStatus("error")
			return nil, err
		}
	}

	doc := &docstore.Document{Fields: fields, Relations: map[string][]docstore.Ref{}}
	for _, w := range writes {
		doc.Relations[w.spec.Name] = newRefs(w.ids)
	}
	id, err := e.store.InsertOne(ctx, typ.Name, doc)
	if err != nil {
		span.SetStatus("error")
		return nil, fmt.Errorf("insert %s: %w", typ.Name, err)
	}
	doc.ID = id
	span.SetEntity(typ.Name, id)

	applied := []string{typ.Name + "/" + id}
	for _, w := range writes {
		for _, targetID := range w.ids {
			if err := e.linkReverse(ctx, w.spec, doc, targetID); err != nil {
				span.SetStatus("partial")
				return doc, e.partial(ctx, &PartialFailure{
					Side: SideReverse, Type: w.spec.Target, ID: targetID, Relation: w.spec.Name, Applied: applied, Err: err,
				})
			}
			applied = append(applied, w.spec.Target+"/"+targetID)
		}
	}
	return doc, nil
}

// AddOptions controls AddRelation.
type AddOptions struct {
	// Replace makes ids the complete new set instead of adding to it.
	Replace bool
}

// AddRelation links every document matching filter to ids through the
// named forward relation and updates the reverse sets of the affected
// documents: added ones gain a ref, replaced-away ones lose theirs.
func (e *Engine) AddRelation(ctx context.Context, typ *metadata.EntityType, filter docstore.Filter, relation string, ids []string, opts AddOptions) error {
	ctx, span := instrument.GetInstrumenter(ctx).StartSpan(ctx, "engine", "relation", "add")
	defer span.End()

	err := e.changeRelation(ctx, typ, filter, relation, ids, func(current, ids []string) []string {
		if opts.Replace {
			return ids
		}
		next := slices.Clone(current)
		for _, id := range ids {
			if !slices.Contains(next, id) {
				next = append(next, id)
			}
		}
		return next
	})
	if err != nil {
		span.SetStatus("error")
	}
	return err
}

// RemoveRelation unlinks ids from the named relation of every document
// matching filter. Ids that are not linked are ignored.
func (e *Engine) RemoveRelation(ctx context.Context, typ *metadata.EntityType, filter docstore.Filter, relation string, ids []string) error {
	ctx, span := instrument.GetInstrumenter(ctx).StartSpan(ctx, "engine", "relation", "remove")
	defer span.End()

	err := e.changeRelation(ctx, typ, filter, relation, ids, func(current, ids []string) []string {
		return slices.DeleteFunc(slices.Clone(current), func(id string) bool { return slices.Contains(ids, id) })
	})
	if err != nil {
		span.SetStatus("error")
	}
	return err
}

type change struct {
	doc     *docstore.Document
	next    []string
	added   []string
	removed []string
}

func (e *Engine) changeRelation(ctx context.Context, typ *metadata.EntityType, filter docstore.Filter, relation string, ids []string,
	compute func(current, ids []string) []string) error {
	spec := typ.Relation(relation)
	if spec == nil {
		return UnknownFieldError(typ.Name, relation)
	}
	ids, err := cleanIDs(relation, ids)
	if err != nil {
		return err
	}

	docs, err := e.find(ctx, typ.Name, filter)
	if err != nil {
		return err
	}
	if len(docs) == 0 {
		return NotFoundError(typ.Name, describe(filter))
	}

	// check every target before writing anything
	var changes []change
	var added []string
	for _, d := range docs {
		current := d.RefIDs(relation)
		next := compute(current, ids)
		if spec.IsSingle() && len(next) > 1 {
			return CardinalityError(typ.Name, relation, "single relation cannot hold more than one document")
		}
		if !spec.Optional && len(next) == 0 && len(current) > 0 {
			return CardinalityError(typ.Name, relation, "required relation cannot be empty")
		}
		c := change{doc: d, next: next}
		for _, id := range next {
			if !slices.Contains(current, id) {
				c.added = append(c.added, id)
				if !slices.Contains(added, id) {
					added = append(added, id)
				}
			}
		}
		for _, id := range current {
			if !slices.Contains(next, id) {
				c.removed = append(c.removed, id)
			}
		}
		if len(c.added) > 0 || len(c.removed) > 0 {
			changes = append(changes, c)
		}
	}
	if err := e.ensureExist(ctx, spec.Target, added); err != nil {
		return err
	}

	var applied []string
	for _, c := range changes {
		refs := keepRefs(c.doc.Relations[relation], c.next)
		updated, err := e.store.FindOneAndUpdate(ctx, typ.Name, docstore.ByID(c.doc.ID), docstore.Update{
			Replace: map[string][]docstore.Ref{relation: refs},
		})
		if err != nil {
			if len(applied) == 0 {
				return fmt.Errorf("update %s/%s: %w", typ.Name, c.doc.ID, err)
			}
			return e.partial(ctx, &PartialFailure{
				Side: SideTarget, Type: typ.Name, ID: c.doc.ID, Relation: relation, Applied: applied, Err: err,
			})
		}
		applied = append(applied, typ.Name+"/"+c.doc.ID)

		if spec.Reverse == nil {
			continue
		}
		for _, id := range c.added {
			if err := e.linkReverse(ctx, spec, updated, id); err != nil {
				return e.partial(ctx, &PartialFailure{
					Side: SideReverse, Type: spec.Target, ID: id, Relation: relation, Applied: applied, Err: err,
				})
			}
			applied = append(applied, spec.Target+"/"+id)
		}
		for _, id := range c.removed {
			if err := e.unlinkReverse(ctx, spec, c.doc.ID, id); err != nil {
				return e.partial(ctx, &PartialFailure{
					Side: SideReverse, Type: spec.Target, ID: id, Relation: relation, Applied: applied, Err: err,
				})
			}
			applied = append(applied, spec.Target+"/"+id)
		}
	}
	return nil
}

// Update sets pure fields on the first document matching filter.
// Reverse-set ranks captured at link time are not refreshed.
func (e *Engine) Update(ctx context.Context, typ *metadata.EntityType, filter docstore.Filter, values map[string]any) (*docstore.Document, error) {
	ctx, span := instrument.GetInstrumenter(ctx).StartSpan(ctx, "engine", "document", "update")
	defer span.End()

	fields, err := CheckFields(typ, values, false)
	if err != nil {
		span.SetStatus("error")
		return nil, err
	}
	doc, err := e.store.FindOneAndUpdate(ctx, typ.Name, filter, docstore.Update{Set: fields})
	if errors.Is(err, docstore.ErrNotFound) {
		span.SetStatus("error")
		return nil, NotFoundError(typ.Name, describe(filter))
	}
	if err != nil {
		span.SetStatus("error")
		return nil, fmt.Errorf("update %s: %w", typ.Name, err)
	}
	span.SetEntity(typ.Name, doc.ID)
	return doc, nil
}

// DeleteOptions controls Delete.
type DeleteOptions struct {
	// Unlink also pulls the deleted ids out of the reverse sets of the
	// documents they point at. Off by default: those reverse refs are left
	// dangling and the projector skips them.
	Unlink bool
}

// Delete removes every document matching filter. Related documents are
// never deleted.
func (e *Engine) Delete(ctx context.Context, typ *metadata.EntityType, filter docstore.Filter, opts DeleteOptions) (int64, error) {
	ctx, span := instrument.GetInstrumenter(ctx).StartSpan(ctx, "engine", "document", "delete")
	defer span.End()

	docs, err := e.find(ctx, typ.Name, filter)
	if err != nil {
		span.SetStatus("error")
		return 0, err
	}
	if len(docs) == 0 {
		span.SetStatus("error")
		return 0, NotFoundError(typ.Name, describe(filter))
	}
	ids := make([]string, len(docs))
	for i, d := range docs {
		ids[i] = d.ID
	}
	n, err := e.store.DeleteMany(ctx, typ.Name, docstore.ByIDs(ids))
	if err != nil {
		span.SetStatus("error")
		return 0, fmt.Errorf("delete %s: %w", typ.Name, err)
	}
	if !opts.Unlink {
		return n, nil
	}

	applied := make([]string, 0, len(ids))
	for _, id := range ids {
		applied = append(applied, typ.Name+"/"+id)
	}
	for _, d := range docs {
		for i := range typ.Relations {
			spec := &typ.Relations[i]
			if spec.Reverse == nil {
				continue
			}
			for _, targetID := range d.RefIDs(spec.Name) {
				err := e.unlinkReverse(ctx, spec, d.ID, targetID)
				if errors.Is(err, docstore.ErrNotFound) {
					continue
				}
				if err != nil {
					span.SetStatus("partial")
					return n, e.partial(ctx, &PartialFailure{
						Side: SideReverse, Type: spec.Target, ID: targetID, Relation: spec.Name, Applied: applied, Err: err,
					})
				}
			}
		}
	}
	return n, nil
}

func (e *Engine) linkReverse(ctx context.Context, spec *metadata.RelationSpec, source *docstore.Document, targetID string) error {
	if spec.Reverse == nil {
		return nil
	}
	rev, err := e.reverseOf(spec)
	if err != nil {
		return err
	}
	_, err = e.store.FindOneAndUpdate(ctx, spec.Target, docstore.ByID(targetID), docstore.Update{
		Push: []docstore.Push{{
			Relation: rev.Name,
			Refs:     []docstore.Ref{{ID: source.ID, Rank: source.Value(rev.Sort.Field), Seq: docstore.NextSeq()}},
			Limit:    rev.EffectiveLimit(),
			Desc:     rev.Sort.Descending(),
		}},
	})
	return err
}

func (e *Engine) unlinkReverse(ctx context.Context, spec *metadata.RelationSpec, sourceID, targetID string) error {
	if spec.Reverse == nil {
		return nil
	}
	_, err := e.store.FindOneAndUpdate(ctx, spec.Target, docstore.ByID(targetID), docstore.Update{
		Pull: []docstore.Pull{{Relation: spec.Reverse.Name, IDs: []string{sourceID}}},
	})
	return err
}

func (e *Engine) reverseOf(spec *metadata.RelationSpec) (*metadata.ReverseRelation, error) {
	target, err := e.registry.Resolve(spec.Target)
	if err != nil {
		return nil, err
	}
	rev := target.Reverse(spec.Reverse.Name)
	if rev == nil {
		return nil, fmt.Errorf("%w: %s has no reverse %s", metadata.ErrInvalidRelation, spec.Target, spec.Reverse.Name)
	}
	return rev, nil
}

func (e *Engine) ensureExist(ctx context.Context, typeName string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	docs, err := e.find(ctx, typeName, docstore.ByIDs(ids))
	if err != nil {
		return err
	}
	for _, id := range ids {
		if !slices.ContainsFunc(docs, func(d *docstore.Document) bool { return d.ID == id }) {
			return NotFoundError(typeName, id)
		}
	}
	return nil
}

func (e *Engine) find(ctx context.Context, collection string, filter docstore.Filter) ([]*docstore.Document, error) {
	it, err := e.store.Find(ctx, collection, filter, docstore.FindOptions{})
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", collection, err)
	}
	docs, err := docstore.Collect(ctx, it)
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", collection, err)
	}
	return docs, nil
}

func (e *Engine) partial(ctx context.Context, p *PartialFailure) error {
	e.log.WarnWithContext(ctx, "relation write incomplete",
		zap.String("side", string(p.Side)),
		zap.String("type", p.Type),
		zap.String("id", p.ID),
		zap.String("relation", p.Relation),
		zap.Strings("applied", p.Applied),
		zap.Error(p.Err),
	)
	return PartialRelationError(p)
}

func planRelations(typ *metadata.EntityType, relations map[string][]string) ([]relationWrite, error) {
	var writes []relationWrite
	for name, ids := range relations {
		spec := typ.Relation(name)
		if spec == nil {
			return nil, UnknownFieldError(typ.Name, name)
		}
		ids, err := cleanIDs(name, ids)
		if err != nil {
			return nil, err
		}
		if spec.IsSingle() && len(ids) > 1 {
			return nil, CardinalityError(typ.Name, name, "single relation cannot hold more than one document")
		}
		if len(ids) > 0 {
			writes = append(writes, relationWrite{spec: spec, ids: ids})
		}
	}
	for i := range typ.Relations {
		spec := &typ.Relations[i]
		if spec.Optional {
			continue
		}
		if !slices.ContainsFunc(writes, func(w relationWrite) bool { return w.spec.Name == spec.Name }) {
			return nil, CardinalityError(typ.Name, spec.Name, "required relation is missing")
		}
	}
	// declaration order keeps reverse writes deterministic
	slices.SortFunc(writes, func(a, b relationWrite) int {
		return slices.IndexFunc(typ.Relations, func(r metadata.RelationSpec) bool { return r.Name == a.spec.Name }) -
			slices.IndexFunc(typ.Relations, func(r metadata.RelationSpec) bool { return r.Name == b.spec.Name })
	})
	return writes, nil
}

func cleanIDs(relation string, ids []string) ([]string, error) {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			return nil, ValidationError([]ErrorDetail{{Field: relation, Rule: "id", Message: "empty id"}})
		}
		if !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out, nil
}

func newRefs(ids []string) []docstore.Ref {
	refs := make([]docstore.Ref, len(ids))
	for i, id := range ids {
		refs[i] = docstore.Ref{ID: id, Seq: docstore.NextSeq()}
	}
	return refs
}

// keepRefs builds the stored set for ids, reusing existing entries so their
// link order survives.
func keepRefs(existing []docstore.Ref, ids []string) []docstore.Ref {
	refs := make([]docstore.Ref, 0, len(ids))
	for _, id := range ids {
		if i := slices.IndexFunc(existing, func(r docstore.Ref) bool { return r.ID == id }); i >= 0 {
			refs = append(refs, existing[i])
			continue
		}
		refs = append(refs, docstore.Ref{ID: id, Seq: docstore.NextSeq()})
	}
	return refs
}

func describe(f docstore.Filter) string {
	switch {
	case f.ID != "":
		return f.ID
	case f.IDs != nil:
		return fmt.Sprint(f.IDs)
	}
	return "matching filter"
}
