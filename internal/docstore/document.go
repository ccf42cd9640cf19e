// Package docstore defines the document store contract the relation engine
// and projector are written against, plus the helpers every backend shares.
package docstore

import (
	"context"
	"errors"
	"maps"
	"slices"
)

var (
	ErrNotFound     = errors.New("document not found")
	ErrConflict     = errors.New("concurrent update conflict")
	ErrIteratorDone = errors.New("iterator done")
	ErrCircuitOpen  = errors.New("store circuit breaker is open")
)

// IDField names the document identifier in filters and sorts.
const IDField = "_id"

// Ref is one entry of a stored relation set.
type Ref struct {
	ID string `json:"id" bson:"id"`
	// Rank is the referencing document's sort key captured at link time.
	Rank any   `json:"rank,omitempty" bson:"rank,omitempty"`
	Seq  int64 `json:"seq" bson:"seq"`
}

// Document is a stored entity: pure fields plus embedded relation sets.
type Document struct {
	ID        string
	Fields    map[string]any
	Relations map[string][]Ref
}

// Value returns the named field, treating IDField as the document id.
func (d *Document) Value(field string) any {
	if field == IDField {
		return d.ID
	}
	return d.Fields[field]
}

// RefIDs returns the ids stored in the named relation set, in stored order.
func (d *Document) RefIDs(relation string) []string {
	refs := d.Relations[relation]
	ids := make([]string, len(refs))
	for i, r := range refs {
		ids[i] = r.ID
	}
	return ids
}

func (d *Document) Clone() *Document {
	c := &Document{
		ID:        d.ID,
		Fields:    maps.Clone(d.Fields),
		Relations: make(map[string][]Ref, len(d.Relations)),
	}
	if c.Fields == nil {
		c.Fields = map[string]any{}
	}
	for k, v := range d.Relations {
		c.Relations[k] = slices.Clone(v)
	}
	return c
}

// Project drops every pure field not listed. A nil list keeps all fields.
// Relations are always kept.
func (d *Document) Project(fields []string) *Document {
	if fields == nil {
		return d
	}
	kept := make(map[string]any, len(fields))
	for _, f := range fields {
		if v, ok := d.Fields[f]; ok {
			kept[f] = v
		}
	}
	d.Fields = kept
	return d
}

// Sort orders results by a pure field or IDField.
type Sort struct {
	Field string
	Desc  bool
}

type FindOptions struct {
	Projection []string
	Sort       []Sort
	Skip       int64
	Limit      int64 // 0 = no limit
}

// Iterator is a lazy, non-restartable sequence of documents. Next returns
// ErrIteratorDone once the sequence is exhausted.
type Iterator interface {
	Next(ctx context.Context) (*Document, error)
	Stop()
}

// Store is a collection-oriented document store. Every single-document
// write is atomic; nothing spans documents.
type Store interface {
	InsertOne(ctx context.Context, collection string, doc *Document) (string, error)
	Find(ctx context.Context, collection string, filter Filter, opts FindOptions) (Iterator, error)
	FindOne(ctx context.Context, collection string, filter Filter) (*Document, error)
	// FindOneAndUpdate applies update to the first matching document and
	// returns the updated document.
	FindOneAndUpdate(ctx context.Context, collection string, filter Filter, update Update) (*Document, error)
	DeleteOne(ctx context.Context, collection string, filter Filter) (int64, error)
	DeleteMany(ctx context.Context, collection string, filter Filter) (int64, error)
	Close(ctx context.Context) error
}

type staticIterator struct {
	docs []*Document
	pos  int
}

// NewStaticIterator iterates over an already materialized result.
func NewStaticIterator(docs []*Document) Iterator {
	return &staticIterator{docs: docs}
}

func (it *staticIterator) Next(ctx context.Context) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if it.pos >= len(it.docs) {
		return nil, ErrIteratorDone
	}
	d := it.docs[it.pos]
	it.pos++
	return d, nil
}

func (it *staticIterator) Stop() {
	it.pos = len(it.docs)
}

// Collect drains it and stops it.
func Collect(ctx context.Context, it Iterator) ([]*Document, error) {
	defer it.Stop()
	var out []*Document
	for {
		d, err := it.Next(ctx)
		if errors.Is(err, ErrIteratorDone) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
}
