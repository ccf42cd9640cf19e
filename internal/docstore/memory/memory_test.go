package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Mryrghb/todosWithLesan/internal/docstore"
)

func seed(t *testing.T, s *Store, titles ...string) []string {
	t.Helper()
	ids := make([]string, 0, len(titles))
	for i, title := range titles {
		id, err := s.InsertOne(context.Background(), "todo", &docstore.Document{
			Fields: map[string]any{"title": title, "n": float64(i)},
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return ids
}

func TestInsertAssignsOrderedIDs(t *testing.T) {
	s := New()
	ids := seed(t, s, "a", "b", "c")
	require.Len(t, ids, 3)
	require.Less(t, ids[0], ids[1])
	require.Less(t, ids[1], ids[2])
}

func TestFindFilterSortWindowProjection(t *testing.T) {
	ctx := context.Background()
	s := New()
	seed(t, s, "a", "b", "c", "d")

	it, err := s.Find(ctx, "todo", docstore.Filter{}, docstore.FindOptions{
		Sort:       []docstore.Sort{{Field: "n", Desc: true}},
		Skip:       1,
		Limit:      2,
		Projection: []string{"title"},
	})
	require.NoError(t, err)
	docs, err := docstore.Collect(ctx, it)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	require.Equal(t, map[string]any{"title": "c"}, docs[0].Fields)
	require.Equal(t, "b", docs[1].Fields["title"])

	d, err := s.FindOne(ctx, "todo", docstore.Filter{Equals: map[string]any{"title": "d"}})
	require.NoError(t, err)
	require.Equal(t, float64(3), d.Fields["n"])

	_, err = s.FindOne(ctx, "todo", docstore.Filter{Equals: map[string]any{"title": "z"}})
	require.ErrorIs(t, err, docstore.ErrNotFound)
}

func TestFindOneAndUpdateRelations(t *testing.T) {
	ctx := context.Background()
	s := New()
	ids := seed(t, s, "a")

	updated, err := s.FindOneAndUpdate(ctx, "todo", docstore.ByID(ids[0]), docstore.Update{
		Set:  map[string]any{"done": true},
		Push: []docstore.Push{{Relation: "tags", Refs: []docstore.Ref{{ID: "t1", Rank: "t1", Seq: 1}}, Limit: 2, Desc: true}},
	})
	require.NoError(t, err)
	require.Equal(t, true, updated.Fields["done"])
	require.Equal(t, []string{"t1"}, updated.RefIDs("tags"))

	d, err := s.FindOne(ctx, "todo", docstore.Filter{Refs: map[string]string{"tags": "t1"}})
	require.NoError(t, err)
	require.Equal(t, ids[0], d.ID)

	// returned documents are copies
	d.Fields["done"] = false
	again, err := s.FindOne(ctx, "todo", docstore.ByID(ids[0]))
	require.NoError(t, err)
	require.Equal(t, true, again.Fields["done"])

	_, err = s.FindOneAndUpdate(ctx, "todo", docstore.ByID("missing"), docstore.Update{})
	require.ErrorIs(t, err, docstore.ErrNotFound)
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	s := New()
	ids := seed(t, s, "a", "b", "c")

	n, err := s.DeleteOne(ctx, "todo", docstore.ByID(ids[1]))
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	n, err = s.DeleteMany(ctx, "todo", docstore.Filter{})
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	n, err = s.DeleteOne(ctx, "todo", docstore.ByID(ids[0]))
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New().InsertOne(ctx, "todo", &docstore.Document{})
	require.ErrorIs(t, err, context.Canceled)
}
