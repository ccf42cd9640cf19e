package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/Mryrghb/todosWithLesan/internal/docstore"
	"github.com/Mryrghb/todosWithLesan/internal/instrument"
	"github.com/Mryrghb/todosWithLesan/internal/metadata"
)

const (
	DefaultPage     = 1
	DefaultPageSize = 50

	keyPage     = "_page"
	keyPageSize = "_pageSize"
	keySort     = "_sort"
)

// Selection is a parsed "get" object: the fields to return, recursively,
// with an optional page window on nested relation sets.
type Selection struct {
	// Fields maps a member name to its nested selection; nil selects a
	// leaf (or, for a relation, every pure field of the related type).
	Fields map[string]*Selection
	Window *Window
}

type Window struct {
	Page     int
	PageSize int
	Sort     *docstore.Sort
}

// Pagination windows the top-level result.
type Pagination struct {
	Page     int
	PageSize int
	Sort     []docstore.Sort
}

// ParseSelection reads a selection object such as
// {"title": 1, "user": {"fullName": 1}, "todos": {"_page": 2, "title": 1}}.
// Members set to 0 or false are left out.
func ParseSelection(raw map[string]any) (*Selection, error) {
	return parseSelection(raw, "", true)
}

func parseSelection(raw map[string]any, path string, top bool) (*Selection, error) {
	sel := &Selection{Fields: make(map[string]*Selection, len(raw))}
	for k, v := range raw {
		p := joinPath(path, k)
		switch k {
		case keyPage, keyPageSize, keySort:
			if top {
				return nil, ValidationError([]ErrorDetail{{Field: p, Rule: "window", Message: k + " is only allowed inside a relation"}})
			}
			if sel.Window == nil {
				sel.Window = &Window{}
			}
			if err := sel.Window.set(k, v, p); err != nil {
				return nil, err
			}
			continue
		}
		switch val := v.(type) {
		case map[string]any:
			sub, err := parseSelection(val, p, false)
			if err != nil {
				return nil, err
			}
			sel.Fields[k] = sub
		case bool:
			if val {
				sel.Fields[k] = nil
			}
		case float64, int, int64:
			n, ok := toInt(val)
			if !ok {
				return nil, ValidationError([]ErrorDetail{{Field: p, Rule: "selection", Message: "expected 0 or 1"}})
			}
			if n != 0 {
				sel.Fields[k] = nil
			}
		default:
			return nil, ValidationError([]ErrorDetail{{Field: p, Rule: "selection", Message: "expected 1, true or an object"}})
		}
	}
	return sel, nil
}

func (w *Window) set(key string, v any, path string) error {
	if key == keySort {
		s, ok := v.(string)
		if !ok || s == "" || s == "-" {
			return ValidationError([]ErrorDetail{{Field: path, Rule: "sort", Message: `expected "field" or "-field"`}})
		}
		w.Sort = &docstore.Sort{Field: strings.TrimPrefix(s, "-"), Desc: strings.HasPrefix(s, "-")}
		return nil
	}
	n, ok := toInt(v)
	if !ok || n < 1 {
		return ValidationError([]ErrorDetail{{Field: path, Rule: "window", Message: "expected a positive integer"}})
	}
	if key == keyPage {
		w.Page = n
	} else {
		w.PageSize = n
	}
	return nil
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n != float64(int(n)) {
			return 0, false
		}
		return int(n), true
	}
	return 0, false
}

func joinPath(path, k string) string {
	if path == "" {
		return k
	}
	return path + "." + k
}

// Projector answers read requests by shaping stored documents to a
// Selection and resolving relation refs to nested documents.
type Projector struct {
	store    docstore.Store
	registry *metadata.Registry
	pageSize int
}

func NewProjector(store docstore.Store, registry *metadata.Registry, defaultPageSize int) *Projector {
	if defaultPageSize <= 0 {
		defaultPageSize = DefaultPageSize
	}
	return &Projector{store: store, registry: registry, pageSize: defaultPageSize}
}

// Validate checks every selected member exists on its type.
func (p *Projector) Validate(typ *metadata.EntityType, sel *Selection) error {
	return p.validate(typ, sel, "")
}

func (p *Projector) validate(typ *metadata.EntityType, sel *Selection, path string) error {
	if sel == nil {
		return nil
	}
	names := make([]string, 0, len(sel.Fields))
	for name := range sel.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		sub := sel.Fields[name]
		fp := joinPath(path, name)

		if name == metadata.IDField {
			if sub != nil {
				return ValidationError([]ErrorDetail{{Field: fp, Rule: "selection", Message: "_id is not a relation"}})
			}
			continue
		}
		if f := typ.Field(name); f != nil {
			if f.Hidden {
				return UnknownFieldError(typ.Name, fp)
			}
			if sub != nil {
				return ValidationError([]ErrorDetail{{Field: fp, Rule: "selection", Message: name + " is not a relation"}})
			}
			continue
		}

		targetName := ""
		if rel := typ.Relation(name); rel != nil {
			targetName = rel.Target
		} else if rev := typ.Reverse(name); rev != nil {
			targetName = rev.Source
		} else {
			return UnknownFieldError(typ.Name, fp)
		}
		target, err := p.registry.Resolve(targetName)
		if err != nil {
			return AsAppError(err)
		}
		if sub != nil && sub.Window != nil && sub.Window.Sort != nil {
			if err := checkSortField(target, sub.Window.Sort.Field, fp); err != nil {
				return err
			}
		}
		if err := p.validate(target, sub, fp); err != nil {
			return err
		}
	}
	return nil
}

func checkSortField(typ *metadata.EntityType, field, path string) error {
	if field == metadata.IDField {
		return nil
	}
	if f := typ.Field(field); f == nil || f.Hidden {
		return UnknownFieldError(typ.Name, joinPath(path, field))
	}
	return nil
}

// Cursor yields projected documents lazily. It cannot be restarted.
type Cursor struct {
	p     *Projector
	typ   *metadata.EntityType
	sel   *Selection
	inner docstore.Iterator
}

func (c *Cursor) Next(ctx context.Context) (map[string]any, error) {
	d, err := c.inner.Next(ctx)
	if err != nil {
		return nil, err
	}
	return c.p.project(ctx, c.typ, c.sel, d)
}

func (c *Cursor) Stop() {
	c.inner.Stop()
}

// All drains the cursor.
func (c *Cursor) All(ctx context.Context) ([]map[string]any, error) {
	defer c.Stop()
	out := []map[string]any{}
	for {
		m, err := c.Next(ctx)
		if errors.Is(err, docstore.ErrIteratorDone) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
}

// Project validates sel against typ and returns a cursor over the
// documents matching filter, windowed by page.
func (p *Projector) Project(ctx context.Context, typ *metadata.EntityType, sel *Selection, filter docstore.Filter, page Pagination) (*Cursor, error) {
	ctx, span := instrument.GetInstrumenter(ctx).StartSpan(ctx, "engine", "projector", "project")
	defer span.End()
	span.SetEntity(typ.Name, "")

	if err := p.Validate(typ, sel); err != nil {
		span.SetStatus("error")
		return nil, err
	}
	for _, s := range page.Sort {
		if err := checkSortField(typ, s.Field, ""); err != nil {
			span.SetStatus("error")
			return nil, err
		}
	}

	skip, limit := p.window(page.Page, page.PageSize, p.pageSize)
	it, err := p.store.Find(ctx, typ.Name, filter, docstore.FindOptions{
		Projection: storedFields(typ, sel),
		Sort:       page.Sort,
		Skip:       skip,
		Limit:      limit,
	})
	if err != nil {
		span.SetStatus("error")
		return nil, fmt.Errorf("find %s: %w", typ.Name, err)
	}
	return &Cursor{p: p, typ: typ, sel: sel, inner: it}, nil
}

// ProjectOne returns the first projected document matching filter.
func (p *Projector) ProjectOne(ctx context.Context, typ *metadata.EntityType, sel *Selection, filter docstore.Filter) (map[string]any, error) {
	cur, err := p.Project(ctx, typ, sel, filter, Pagination{Page: 1, PageSize: 1})
	if err != nil {
		return nil, err
	}
	defer cur.Stop()
	m, err := cur.Next(ctx)
	if errors.Is(err, docstore.ErrIteratorDone) {
		return nil, NotFoundError(typ.Name, describe(filter))
	}
	return m, err
}

func (p *Projector) window(page, size, defaultSize int) (skip, limit int64) {
	if page < 1 {
		page = DefaultPage
	}
	if size < 1 {
		size = defaultSize
	}
	return int64(size) * int64(page-1), int64(size)
}

func (p *Projector) project(ctx context.Context, typ *metadata.EntityType, sel *Selection, d *docstore.Document) (map[string]any, error) {
	out := map[string]any{metadata.IDField: d.ID}
	if sel == nil {
		for _, f := range typ.Fields {
			if v, ok := d.Fields[f.Name]; ok && !f.Hidden {
				out[f.Name] = v
			}
		}
		return out, nil
	}

	for name, sub := range sel.Fields {
		if name == metadata.IDField {
			continue
		}
		if f := typ.Field(name); f != nil {
			if v, ok := d.Fields[name]; ok && !f.Hidden {
				out[name] = v
			}
			continue
		}

		var (
			targetName   string
			single       bool
			defaultLimit int
		)
		if rel := typ.Relation(name); rel != nil {
			targetName, single = rel.Target, rel.IsSingle()
		} else if rev := typ.Reverse(name); rev != nil {
			targetName, single, defaultLimit = rev.Source, rev.IsSingle(), rev.EffectiveLimit()
		} else {
			continue
		}
		target, err := p.registry.Resolve(targetName)
		if err != nil {
			return nil, AsAppError(err)
		}
		nested, err := p.resolve(ctx, target, sub, d.Relations[name], defaultLimit)
		if err != nil {
			return nil, err
		}
		if single {
			if len(nested) == 0 {
				out[name] = nil
			} else {
				out[name] = nested[0]
			}
			continue
		}
		out[name] = nested
	}
	return out, nil
}

// resolve loads the documents behind refs, in stored order unless the
// selection sorts them. Refs whose documents no longer exist are skipped.
func (p *Projector) resolve(ctx context.Context, target *metadata.EntityType, sub *Selection, refs []docstore.Ref, defaultLimit int) ([]map[string]any, error) {
	out := []map[string]any{}
	if len(refs) == 0 {
		return out, nil
	}
	ids := make([]string, len(refs))
	for i, r := range refs {
		ids[i] = r.ID
	}

	var w *Window
	if sub != nil {
		w = sub.Window
	}
	sorted := w != nil && w.Sort != nil
	if !sorted {
		ids = p.windowIDs(ids, w, defaultLimit)
	}

	docs, err := p.fetch(ctx, target, sub, ids)
	if err != nil {
		return nil, err
	}
	if sorted {
		docstore.SortDocuments(docs, []docstore.Sort{*w.Sort})
		size := w.PageSize
		if size < 1 {
			size = p.pageSize
		}
		skip, limit := p.window(w.Page, size, size)
		docs = docstore.Window(docs, skip, limit)
	}

	for _, d := range docs {
		m, err := p.project(ctx, target, sub, d)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func (p *Projector) windowIDs(ids []string, w *Window, defaultLimit int) []string {
	if w == nil {
		if defaultLimit > 0 {
			return docstore.Window(ids, 0, int64(defaultLimit))
		}
		return ids
	}
	size := w.PageSize
	if size < 1 {
		size = defaultLimit
	}
	if size < 1 {
		size = p.pageSize
	}
	skip, limit := p.window(w.Page, size, size)
	return docstore.Window(ids, skip, limit)
}

// fetch loads ids in one query and returns them in ids order.
func (p *Projector) fetch(ctx context.Context, target *metadata.EntityType, sub *Selection, ids []string) ([]*docstore.Document, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	it, err := p.store.Find(ctx, target.Name, docstore.ByIDs(ids), docstore.FindOptions{Projection: storedFields(target, sub)})
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", target.Name, err)
	}
	docs, err := docstore.Collect(ctx, it)
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", target.Name, err)
	}
	byID := make(map[string]*docstore.Document, len(docs))
	for _, d := range docs {
		byID[d.ID] = d
	}
	ordered := make([]*docstore.Document, 0, len(ids))
	for _, id := range ids {
		if d, ok := byID[id]; ok {
			ordered = append(ordered, d)
		}
	}
	return ordered, nil
}

// storedFields lists the pure fields sel needs from storage; nil means all.
func storedFields(typ *metadata.EntityType, sel *Selection) []string {
	if sel == nil {
		return nil
	}
	fields := []string{}
	for name := range sel.Fields {
		if typ.Field(name) != nil {
			fields = append(fields, name)
		}
	}
	return fields
}
