// Package memory is an in-process docstore.Store used for tests and the
// default development server.
package memory

import (
	"context"
	"slices"
	"sync"

	"github.com/Mryrghb/todosWithLesan/internal/docstore"
)

type collection struct {
	docs  map[string]*docstore.Document
	order []string
}

type Store struct {
	mu          sync.RWMutex
	collections map[string]*collection
	ids         *docstore.IDGenerator
}

func New() *Store {
	return &Store{
		collections: make(map[string]*collection),
		ids:         docstore.NewIDGenerator(),
	}
}

func (s *Store) coll(name string) *collection {
	c, ok := s.collections[name]
	if !ok {
		c = &collection{docs: make(map[string]*docstore.Document)}
		s.collections[name] = c
	}
	return c
}

func (s *Store) InsertOne(ctx context.Context, collection string, doc *docstore.Document) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.coll(collection)
	stored := doc.Clone()
	if stored.ID == "" {
		stored.ID = s.ids.New()
	}
	if _, exists := c.docs[stored.ID]; exists {
		return "", docstore.ErrConflict
	}
	c.docs[stored.ID] = stored
	c.order = append(c.order, stored.ID)
	return stored.ID, nil
}

func (s *Store) matching(collection string, filter docstore.Filter) []*docstore.Document {
	c, ok := s.collections[collection]
	if !ok {
		return nil
	}
	var out []*docstore.Document
	for _, id := range c.order {
		d := c.docs[id]
		if filter.Matches(d) {
			out = append(out, d)
		}
	}
	return out
}

func (s *Store) Find(ctx context.Context, collection string, filter docstore.Filter, opts docstore.FindOptions) (docstore.Iterator, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	docs := s.matching(collection, filter)
	docstore.SortDocuments(docs, opts.Sort)
	docs = docstore.Window(docs, opts.Skip, opts.Limit)

	out := make([]*docstore.Document, len(docs))
	for i, d := range docs {
		out[i] = d.Clone().Project(opts.Projection)
	}
	return docstore.NewStaticIterator(out), nil
}

func (s *Store) FindOne(ctx context.Context, collection string, filter docstore.Filter) (*docstore.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	docs := s.matching(collection, filter)
	if len(docs) == 0 {
		return nil, docstore.ErrNotFound
	}
	return docs[0].Clone(), nil
}

func (s *Store) FindOneAndUpdate(ctx context.Context, collection string, filter docstore.Filter, update docstore.Update) (*docstore.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	docs := s.matching(collection, filter)
	if len(docs) == 0 {
		return nil, docstore.ErrNotFound
	}
	next := docs[0].Clone()
	update.Apply(next)
	s.collections[collection].docs[next.ID] = next
	return next.Clone(), nil
}

func (s *Store) DeleteOne(ctx context.Context, collection string, filter docstore.Filter) (int64, error) {
	return s.delete(ctx, collection, filter, 1)
}

func (s *Store) DeleteMany(ctx context.Context, collection string, filter docstore.Filter) (int64, error) {
	return s.delete(ctx, collection, filter, 0)
}

func (s *Store) delete(ctx context.Context, collection string, filter docstore.Filter, max int) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	docs := s.matching(collection, filter)
	if max > 0 && len(docs) > max {
		docs = docs[:max]
	}
	if len(docs) == 0 {
		return 0, nil
	}
	c := s.collections[collection]
	for _, d := range docs {
		delete(c.docs, d.ID)
	}
	c.order = slices.DeleteFunc(c.order, func(id string) bool {
		_, ok := c.docs[id]
		return !ok
	})
	return int64(len(docs)), nil
}

func (s *Store) Close(context.Context) error {
	return nil
}
