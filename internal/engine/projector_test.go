package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Mryrghb/todosWithLesan/internal/docstore"
	"github.com/Mryrghb/todosWithLesan/internal/docstore/memory"
	"github.com/Mryrghb/todosWithLesan/internal/logger"
	"github.com/Mryrghb/todosWithLesan/internal/metadata"
)

func mustSelect(t *testing.T, raw map[string]any) *Selection {
	t.Helper()
	sel, err := ParseSelection(raw)
	require.NoError(t, err)
	return sel
}

func TestParseSelection(t *testing.T) {
	sel := mustSelect(t, map[string]any{
		"title": float64(1),
		"done":  false,
		"user":  map[string]any{"fullName": true},
		"todos": map[string]any{"_page": float64(2), "_pageSize": float64(3), "_sort": "-title", "title": 1},
	})
	require.Contains(t, sel.Fields, "title")
	require.NotContains(t, sel.Fields, "done")
	require.Nil(t, sel.Fields["title"])
	require.Contains(t, sel.Fields["user"].Fields, "fullName")

	w := sel.Fields["todos"].Window
	require.Equal(t, 2, w.Page)
	require.Equal(t, 3, w.PageSize)
	require.Equal(t, &docstore.Sort{Field: "title", Desc: true}, w.Sort)

	for name, raw := range map[string]map[string]any{
		"top level window": {"_page": 1},
		"bad value":        {"title": "yes"},
		"fractional value": {"title": 0.5},
		"nested fraction":  {"user": map[string]any{"fullName": 1.5}},
		"fractional page":  {"user": map[string]any{"_page": 1.5}},
		"zero size":        {"user": map[string]any{"_pageSize": 0}},
		"empty sort":       {"user": map[string]any{"_sort": "-"}},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseSelection(raw)
			require.ErrorIs(t, err, ErrValidationFailed)
		})
	}
}

func TestProjectorValidate(t *testing.T) {
	f := newFixture(t)
	p := NewProjector(f.store, f.reg, 0)
	todo := f.typ("todo")

	require.NoError(t, p.Validate(todo, mustSelect(t, map[string]any{
		"_id": 1, "title": 1, "user": map[string]any{"fullName": 1, "todos": map[string]any{"title": 1}},
	})))

	for name, raw := range map[string]map[string]any{
		"unknown field":        {"colour": 1},
		"nested unknown field": {"user": map[string]any{"age": 1}},
		"hidden field":         {"user": map[string]any{"password": 1}},
		"sort by unknown":      {"categories": map[string]any{"_sort": "rank", "name": 1}},
	} {
		t.Run(name, func(t *testing.T) {
			require.ErrorIs(t, p.Validate(todo, mustSelect(t, raw)), ErrUnknownField)
		})
	}

	err := p.Validate(todo, mustSelect(t, map[string]any{"title": map[string]any{"x": 1}}))
	require.ErrorIs(t, err, ErrValidationFailed)
}

func TestProjectResolvesRelations(t *testing.T) {
	f := newFixture(t)
	p := NewProjector(f.store, f.reg, 0)
	u, c := f.user(), f.category("home")
	_, err := f.store.FindOneAndUpdate(f.ctx, "user", docstore.ByID(u), docstore.Update{Set: map[string]any{"password": "secret"}})
	require.NoError(t, err)
	td := f.todo("dishes", u, c)

	got, err := p.ProjectOne(f.ctx, f.typ("todo"), mustSelect(t, map[string]any{
		"title":      1,
		"user":       map[string]any{"fullName": 1, "todos": map[string]any{"title": 1}},
		"categories": 1,
	}), docstore.ByID(td))
	require.NoError(t, err)

	require.Equal(t, map[string]any{
		"_id":   td,
		"title": "dishes",
		"user": map[string]any{
			"_id":      u,
			"fullName": "Ada",
			"todos":    []map[string]any{{"_id": td, "title": "dishes"}},
		},
		"categories": map[string]any{"_id": c, "name": "home"},
	}, got)

	// a leaf relation returns visible pure fields only
	owner, err := p.ProjectOne(f.ctx, f.typ("todo"), mustSelect(t, map[string]any{"user": 1}), docstore.ByID(td))
	require.NoError(t, err)
	require.Equal(t, map[string]any{"_id": u, "fullName": "Ada"}, owner["user"])
}

func TestProjectEmptyAndDanglingRelations(t *testing.T) {
	f := newFixture(t)
	p := NewProjector(f.store, f.reg, 0)
	u, c := f.user(), f.category("home")
	td := f.todo("solo", "", c)

	got, err := p.ProjectOne(f.ctx, f.typ("todo"), mustSelect(t, map[string]any{"user": 1}), docstore.ByID(td))
	require.NoError(t, err)
	require.Nil(t, got["user"])

	fresh, err := p.ProjectOne(f.ctx, f.typ("user"), mustSelect(t, map[string]any{"todos": 1}), docstore.ByID(u))
	require.NoError(t, err)
	require.Equal(t, []map[string]any{}, fresh["todos"])

	// delete the category behind the engine's back
	_, err = f.store.DeleteOne(f.ctx, "category", docstore.ByID(c))
	require.NoError(t, err)
	got, err = p.ProjectOne(f.ctx, f.typ("todo"), mustSelect(t, map[string]any{"categories": 1}), docstore.ByID(td))
	require.NoError(t, err)
	require.Nil(t, got["categories"])

	_, err = p.ProjectOne(f.ctx, f.typ("todo"), nil, docstore.ByID("nope"))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestProjectPaginates(t *testing.T) {
	f := newFixture(t)
	p := NewProjector(f.store, f.reg, 2)
	c := f.category("home")
	var ids []string
	for _, title := range []string{"a", "b", "c", "d", "e"} {
		ids = append(ids, f.todo(title, "", c))
	}
	todo := f.typ("todo")
	titles := func(rows []map[string]any) []any {
		out := []any{}
		for _, r := range rows {
			out = append(out, r["title"])
		}
		return out
	}

	cur, err := p.Project(f.ctx, todo, mustSelect(t, map[string]any{"title": 1}), docstore.Filter{}, Pagination{Page: 2})
	require.NoError(t, err)
	rows, err := cur.All(f.ctx)
	require.NoError(t, err)
	require.Equal(t, []any{"c", "d"}, titles(rows))

	cur, err = p.Project(f.ctx, todo, mustSelect(t, map[string]any{"title": 1}), docstore.Filter{}, Pagination{
		PageSize: 10, Sort: []docstore.Sort{{Field: "title", Desc: true}},
	})
	require.NoError(t, err)
	rows, err = cur.All(f.ctx)
	require.NoError(t, err)
	require.Equal(t, []any{"e", "d", "c", "b", "a"}, titles(rows))

	// nested window over the reverse set, which is stored newest first
	cat, err := p.ProjectOne(f.ctx, f.typ("category"), mustSelect(t, map[string]any{
		"todos": map[string]any{"_page": 2, "_pageSize": 2, "title": 1},
	}), docstore.ByID(c))
	require.NoError(t, err)
	require.Equal(t, []any{"c", "b"}, titles(cat["todos"].([]map[string]any)))

	cat, err = p.ProjectOne(f.ctx, f.typ("category"), mustSelect(t, map[string]any{
		"todos": map[string]any{"_sort": "title", "_pageSize": 3, "title": 1},
	}), docstore.ByID(c))
	require.NoError(t, err)
	require.Equal(t, []any{"a", "b", "c"}, titles(cat["todos"].([]map[string]any)))

	_, err = p.Project(f.ctx, todo, nil, docstore.Filter{}, Pagination{Sort: []docstore.Sort{{Field: "colour"}}})
	require.ErrorIs(t, err, ErrUnknownField)
	require.Len(t, ids, 5)
}

func TestCursorIsSinglePass(t *testing.T) {
	f := newFixture(t)
	p := NewProjector(f.store, f.reg, 0)
	f.category("home")

	cur, err := p.Project(f.ctx, f.typ("category"), nil, docstore.Filter{}, Pagination{})
	require.NoError(t, err)
	row, err := cur.Next(f.ctx)
	require.NoError(t, err)
	require.Equal(t, "home", row["name"])
	_, err = cur.Next(f.ctx)
	require.True(t, errors.Is(err, docstore.ErrIteratorDone))
	_, err = cur.Next(f.ctx)
	require.ErrorIs(t, err, docstore.ErrIteratorDone)
	cur.Stop()
}

func TestProjectThroughRegisteredHandle(t *testing.T) {
	reg := metadata.NewRegistry()
	category, err := reg.RegisterType("category", []metadata.Field{{Name: "name", Type: metadata.FieldString}}, nil)
	require.NoError(t, err)
	todo, err := reg.RegisterType("todo", []metadata.Field{{Name: "title", Type: metadata.FieldString}}, []metadata.RelationSpec{{
		Name: "categories", Target: "category", Cardinality: metadata.Single,
		Reverse: &metadata.ReverseSpec{Name: "todos", Limit: 10, Sort: metadata.RelationSort{Field: metadata.IDField, Order: metadata.Desc}},
	}})
	require.NoError(t, err)
	require.NoError(t, reg.Seal())

	ctx := context.Background()
	store := memory.New()
	eng := New(store, reg, logger.NewNoopLogger())
	c, err := eng.Create(ctx, category, map[string]any{"name": "work"}, nil)
	require.NoError(t, err)
	td, err := eng.Create(ctx, todo, map[string]any{"title": "report"}, map[string][]string{"categories": {c.ID}})
	require.NoError(t, err)

	got, err := NewProjector(store, reg, 0).ProjectOne(ctx, category, mustSelect(t, map[string]any{
		"name": 1, "todos": map[string]any{"title": 1},
	}), docstore.ByID(c.ID))
	require.NoError(t, err)
	require.Equal(t, []map[string]any{{"_id": td.ID, "title": "report"}}, got["todos"])
}
