package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/Mryrghb/todosWithLesan/internal/docstore"
	"github.com/Mryrghb/todosWithLesan/internal/docstore/memory"
	"github.com/Mryrghb/todosWithLesan/internal/logger"
	"github.com/Mryrghb/todosWithLesan/internal/metadata"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testRegistry(t *testing.T) *metadata.Registry {
	t.Helper()
	reg := metadata.NewRegistry()
	_, err := reg.RegisterType("user", []metadata.Field{
		{Name: "fullName", Type: metadata.FieldString},
		{Name: "password", Type: metadata.FieldString, Optional: true, Hidden: true},
	}, nil)
	require.NoError(t, err)
	_, err = reg.RegisterType("category", []metadata.Field{{Name: "name", Type: metadata.FieldString}}, nil)
	require.NoError(t, err)
	_, err = reg.RegisterType("todo", []metadata.Field{
		{Name: "title", Type: metadata.FieldString},
		{Name: "done", Type: metadata.FieldBoolean, Default: false},
	}, []metadata.RelationSpec{
		{
			Name: "user", Target: "user", Cardinality: metadata.Single, Optional: true,
			Reverse: &metadata.ReverseSpec{Name: "todos", Limit: 5, Sort: metadata.RelationSort{Field: metadata.IDField, Order: metadata.Desc}},
		},
		{
			Name: "categories", Target: "category", Cardinality: metadata.Single,
			Reverse: &metadata.ReverseSpec{Name: "todos", Limit: 10, Sort: metadata.RelationSort{Field: metadata.IDField, Order: metadata.Desc}},
		},
	})
	require.NoError(t, err)
	require.NoError(t, reg.Seal())
	return reg
}

type fixture struct {
	t     *testing.T
	ctx   context.Context
	store docstore.Store
	reg   *metadata.Registry
	eng   *Engine
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWith(t, memory.New(), logger.NewNoopLogger())
}

func newFixtureWith(t *testing.T, store docstore.Store, log logger.Logger) *fixture {
	reg := testRegistry(t)
	return &fixture{t: t, ctx: context.Background(), store: store, reg: reg, eng: New(store, reg, log)}
}

func (f *fixture) typ(name string) *metadata.EntityType {
	typ, err := f.reg.Resolve(name)
	require.NoError(f.t, err)
	return typ
}

func (f *fixture) create(typ string, values map[string]any, relations map[string][]string) string {
	f.t.Helper()
	doc, err := f.eng.Create(f.ctx, f.typ(typ), values, relations)
	require.NoError(f.t, err)
	return doc.ID
}

func (f *fixture) get(typ, id string) *docstore.Document {
	f.t.Helper()
	d, err := f.store.FindOne(f.ctx, typ, docstore.ByID(id))
	require.NoError(f.t, err)
	return d
}

func (f *fixture) user() string {
	return f.create("user", map[string]any{"fullName": "Ada"}, nil)
}

func (f *fixture) category(name string) string {
	return f.create("category", map[string]any{"name": name}, nil)
}

func (f *fixture) todo(title, userID, categoryID string) string {
	rels := map[string][]string{"categories": {categoryID}}
	if userID != "" {
		rels["user"] = []string{userID}
	}
	return f.create("todo", map[string]any{"title": title}, rels)
}

func TestCreateLinksBothSides(t *testing.T) {
	f := newFixture(t)
	u, c := f.user(), f.category("home")
	td := f.todo("dishes", u, c)

	todo := f.get("todo", td)
	require.Equal(t, []string{u}, todo.RefIDs("user"))
	require.Equal(t, []string{c}, todo.RefIDs("categories"))
	require.Equal(t, false, todo.Fields["done"], "default applied")

	require.Equal(t, []string{td}, f.get("user", u).RefIDs("todos"))
	require.Equal(t, []string{td}, f.get("category", c).RefIDs("todos"))
}

func TestReverseSetKeepsNewestWithinLimit(t *testing.T) {
	f := newFixture(t)
	u, c := f.user(), f.category("home")

	var ids []string
	for _, title := range []string{"a", "b", "c", "d", "e", "f"} {
		ids = append(ids, f.todo(title, u, c))
	}

	require.Equal(t, []string{ids[5], ids[4], ids[3], ids[2], ids[1]}, f.get("user", u).RefIDs("todos"))
	require.Len(t, f.get("category", c).RefIDs("todos"), 6)

	// the evicted todo still points at its user
	require.Equal(t, []string{u}, f.get("todo", ids[0]).RefIDs("user"))
}

func TestReplaceMovesReverseRef(t *testing.T) {
	f := newFixture(t)
	home, work := f.category("home"), f.category("work")
	td := f.todo("report", "", home)

	err := f.eng.AddRelation(f.ctx, f.typ("todo"), docstore.ByID(td), "categories", []string{work}, AddOptions{Replace: true})
	require.NoError(t, err)

	require.Equal(t, []string{work}, f.get("todo", td).RefIDs("categories"))
	require.Empty(t, f.get("category", home).RefIDs("todos"))
	require.Equal(t, []string{td}, f.get("category", work).RefIDs("todos"))
}

func TestAddRelation(t *testing.T) {
	f := newFixture(t)
	u1, u2, c := f.user(), f.user(), f.category("home")
	td := f.todo("walk", "", c)
	todo := f.typ("todo")

	require.NoError(t, f.eng.AddRelation(f.ctx, todo, docstore.ByID(td), "user", []string{u1}, AddOptions{}))
	require.Equal(t, []string{td}, f.get("user", u1).RefIDs("todos"))

	// adding an already linked id changes nothing
	require.NoError(t, f.eng.AddRelation(f.ctx, todo, docstore.ByID(td), "user", []string{u1, u1}, AddOptions{}))
	require.Equal(t, []string{u1}, f.get("todo", td).RefIDs("user"))

	err := f.eng.AddRelation(f.ctx, todo, docstore.ByID(td), "user", []string{u2}, AddOptions{})
	require.ErrorIs(t, err, ErrCardinalityViolation)
	require.Empty(t, f.get("user", u2).RefIDs("todos"))

	err = f.eng.AddRelation(f.ctx, todo, docstore.ByID(td), "user", []string{"missing"}, AddOptions{Replace: true})
	require.ErrorIs(t, err, ErrNotFound)
	require.Equal(t, []string{u1}, f.get("todo", td).RefIDs("user"), "nothing written when a target is missing")

	err = f.eng.AddRelation(f.ctx, todo, docstore.ByID("nope"), "user", []string{u1}, AddOptions{})
	require.ErrorIs(t, err, ErrNotFound)

	err = f.eng.AddRelation(f.ctx, todo, docstore.ByID(td), "owner", []string{u1}, AddOptions{})
	require.ErrorIs(t, err, ErrUnknownField)
}

func TestRemoveRelation(t *testing.T) {
	f := newFixture(t)
	u, c := f.user(), f.category("home")
	td := f.todo("walk", u, c)
	todo := f.typ("todo")

	require.NoError(t, f.eng.RemoveRelation(f.ctx, todo, docstore.ByID(td), "user", []string{u}))
	require.Empty(t, f.get("todo", td).RefIDs("user"))
	require.Empty(t, f.get("user", u).RefIDs("todos"))

	require.NoError(t, f.eng.RemoveRelation(f.ctx, todo, docstore.ByID(td), "user", []string{u}), "removing twice is a no-op")

	err := f.eng.RemoveRelation(f.ctx, todo, docstore.ByID(td), "categories", []string{c})
	require.ErrorIs(t, err, ErrCardinalityViolation)
	require.Equal(t, []string{td}, f.get("category", c).RefIDs("todos"))
}

func TestCreateRejects(t *testing.T) {
	f := newFixture(t)
	u, c := f.user(), f.category("home")
	todo := f.typ("todo")

	tests := []struct {
		name      string
		values    map[string]any
		relations map[string][]string
		want      error
	}{
		{"missing required relation", map[string]any{"title": "x"}, map[string][]string{"user": {u}}, ErrCardinalityViolation},
		{"two ids on a single relation", map[string]any{"title": "x"}, map[string][]string{"categories": {c, u}}, ErrCardinalityViolation},
		{"unknown relation", map[string]any{"title": "x"}, map[string][]string{"categories": {c}, "owner": {u}}, ErrUnknownField},
		{"missing target", map[string]any{"title": "x"}, map[string][]string{"categories": {"ghost"}}, ErrNotFound},
		{"unknown field", map[string]any{"title": "x", "colour": "red"}, map[string][]string{"categories": {c}}, ErrUnknownField},
		{"missing field", map[string]any{}, map[string][]string{"categories": {c}}, ErrValidationFailed},
		{"wrong field type", map[string]any{"title": 3}, map[string][]string{"categories": {c}}, ErrValidationFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.eng.Create(f.ctx, todo, tt.values, tt.relations)
			require.ErrorIs(t, err, tt.want)
		})
	}

	docs, err := f.eng.find(f.ctx, "todo", docstore.Filter{})
	require.NoError(t, err)
	require.Empty(t, docs, "rejected creates write nothing")
	require.Empty(t, f.get("user", u).RefIDs("todos"))
}

// failingStore fails every update to one collection.
type failingStore struct {
	docstore.Store
	collection string
}

var errBoom = errors.New("boom")

func (s *failingStore) FindOneAndUpdate(ctx context.Context, collection string, filter docstore.Filter, update docstore.Update) (*docstore.Document, error) {
	if collection == s.collection {
		return nil, errBoom
	}
	return s.Store.FindOneAndUpdate(ctx, collection, filter, update)
}

func TestCreateReportsPartialFailure(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	store := &failingStore{Store: memory.New(), collection: "category"}
	f := newFixtureWith(t, store, &logger.ZapLogger{Logger: zap.New(core)})
	u, c := f.user(), f.category("home")

	doc, err := f.eng.Create(f.ctx, f.typ("todo"), map[string]any{"title": "x"}, map[string][]string{
		"user": {u}, "categories": {c},
	})
	require.ErrorIs(t, err, ErrPartialRelationFailure)
	require.ErrorIs(t, err, errBoom)

	var pf *PartialFailure
	require.True(t, errors.As(err, &pf))
	require.Equal(t, SideReverse, pf.Side)
	require.Equal(t, "category", pf.Type)
	require.Equal(t, c, pf.ID)
	require.Equal(t, []string{"todo/" + doc.ID, "user/" + u}, pf.Applied)

	// applied writes stay in place
	require.Equal(t, []string{doc.ID}, f.get("user", u).RefIDs("todos"))
	require.Empty(t, f.get("category", c).RefIDs("todos"))
	require.Equal(t, 1, logs.FilterMessage("relation write incomplete").Len())
}

func TestAddRelationFailsCleanlyBeforeAnyWrite(t *testing.T) {
	store := &failingStore{Store: memory.New()}
	f := newFixtureWith(t, store, logger.NewNoopLogger())
	u, c := f.user(), f.category("home")
	td := f.todo("walk", "", c)

	store.collection = "todo"
	err := f.eng.AddRelation(f.ctx, f.typ("todo"), docstore.ByID(td), "user", []string{u}, AddOptions{})
	require.ErrorIs(t, err, errBoom)
	require.NotErrorIs(t, err, ErrPartialRelationFailure)
}

func TestUpdateFields(t *testing.T) {
	f := newFixture(t)
	c := f.category("home")
	td := f.todo("walk", "", c)
	todo := f.typ("todo")

	doc, err := f.eng.Update(f.ctx, todo, docstore.ByID(td), map[string]any{"done": true})
	require.NoError(t, err)
	require.Equal(t, true, doc.Fields["done"])
	require.Equal(t, "walk", doc.Fields["title"])
	require.Equal(t, []string{c}, doc.RefIDs("categories"))

	_, err = f.eng.Update(f.ctx, todo, docstore.ByID(td), map[string]any{"categories": "x"})
	require.ErrorIs(t, err, ErrUnknownField)

	_, err = f.eng.Update(f.ctx, todo, docstore.ByID("nope"), map[string]any{"done": true})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteLeavesReverseRefsDangling(t *testing.T) {
	f := newFixture(t)
	u, c := f.user(), f.category("home")
	keep := f.todo("keep", u, c)
	drop := f.todo("drop", u, c)

	n, err := f.eng.Delete(f.ctx, f.typ("todo"), docstore.ByID(drop), DeleteOptions{})
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	require.Equal(t, []string{drop, keep}, f.get("user", u).RefIDs("todos"))
	require.Equal(t, []string{drop, keep}, f.get("category", c).RefIDs("todos"))

	p := NewProjector(f.store, f.reg, 0)
	got, err := p.ProjectOne(f.ctx, f.typ("category"), mustSelect(t, map[string]any{
		"todos": map[string]any{"title": 1},
	}), docstore.ByID(c))
	require.NoError(t, err)
	require.Equal(t, []map[string]any{{"_id": keep, "title": "keep"}}, got["todos"])

	_, err = f.eng.Delete(f.ctx, f.typ("todo"), docstore.ByID(drop), DeleteOptions{})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteWithUnlinkPullsReverseRefs(t *testing.T) {
	f := newFixture(t)
	u, c := f.user(), f.category("home")
	keep := f.todo("keep", u, c)
	drop := f.todo("drop", u, c)

	_, err := f.eng.Delete(f.ctx, f.typ("todo"), docstore.ByID(drop), DeleteOptions{Unlink: true})
	require.NoError(t, err)
	require.Equal(t, []string{keep}, f.get("user", u).RefIDs("todos"))
	require.Equal(t, []string{keep}, f.get("category", c).RefIDs("todos"))
}

func TestDeleteToleratesMissingTarget(t *testing.T) {
	f := newFixture(t)
	u, c := f.user(), f.category("home")
	td := f.todo("walk", u, c)

	_, err := f.eng.Delete(f.ctx, f.typ("user"), docstore.ByID(u), DeleteOptions{})
	require.NoError(t, err)
	// the todo keeps its dangling ref; no cascade
	require.Equal(t, []string{u}, f.get("todo", td).RefIDs("user"))

	_, err = f.eng.Delete(f.ctx, f.typ("todo"), docstore.ByID(td), DeleteOptions{Unlink: true})
	require.NoError(t, err)
	require.Empty(t, f.get("category", c).RefIDs("todos"))
}
