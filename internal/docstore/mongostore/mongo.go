// Package mongostore stores documents in MongoDB, one collection per entity type.
package mongostore

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/Mryrghb/todosWithLesan/internal/config"
	"github.com/Mryrghb/todosWithLesan/internal/docstore"
)

const maxUpdateAttempts = 3

type Store struct {
	client *mongo.Client
	db     *mongo.Database
}

// storedDoc is the on-disk shape. _v is bumped on every replace so
// read-modify-write updates can detect a concurrent writer.
type storedDoc struct {
	ID        string                    `bson:"_id"`
	Version   int64                     `bson:"_v"`
	Fields    map[string]any            `bson:"fields"`
	Relations map[string][]docstore.Ref `bson:"relations,omitempty"`
}

func (s storedDoc) document() *docstore.Document {
	d := &docstore.Document{ID: s.ID, Fields: s.Fields, Relations: s.Relations}
	if d.Fields == nil {
		d.Fields = map[string]any{}
	}
	if d.Relations == nil {
		d.Relations = map[string][]docstore.Ref{}
	}
	return d
}

func New(ctx context.Context, cfg config.DatabaseConfig) (*Store, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return &Store{client: client, db: client.Database(cfg.Name)}, nil
}

func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *Store) InsertOne(ctx context.Context, collection string, doc *docstore.Document) (string, error) {
	id := doc.ID
	if id == "" {
		id = bson.NewObjectID().Hex()
	}
	stored := storedDoc{ID: id, Version: 1, Fields: doc.Fields, Relations: doc.Relations}
	if stored.Fields == nil {
		stored.Fields = map[string]any{}
	}
	if _, err := s.db.Collection(collection).InsertOne(ctx, stored); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return "", fmt.Errorf("%w: %s/%s exists", docstore.ErrConflict, collection, id)
		}
		return "", fmt.Errorf("insert %s: %w", collection, err)
	}
	return id, nil
}

func (s *Store) Find(ctx context.Context, collection string, filter docstore.Filter, opts docstore.FindOptions) (docstore.Iterator, error) {
	cur, err := s.db.Collection(collection).Find(ctx, filterDoc(filter), findOptions(opts))
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", collection, err)
	}
	return &cursorIterator{cur: cur}, nil
}

func (s *Store) FindOne(ctx context.Context, collection string, filter docstore.Filter) (*docstore.Document, error) {
	stored, err := s.findOne(ctx, collection, filter)
	if err != nil {
		return nil, err
	}
	return stored.document(), nil
}

func (s *Store) findOne(ctx context.Context, collection string, filter docstore.Filter) (storedDoc, error) {
	var stored storedDoc
	err := s.db.Collection(collection).FindOne(ctx, filterDoc(filter),
		options.FindOne().SetSort(bson.D{{Key: "_id", Value: 1}})).Decode(&stored)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return stored, docstore.ErrNotFound
	}
	if err != nil {
		return stored, fmt.Errorf("find %s: %w", collection, err)
	}
	return stored, nil
}

// FindOneAndUpdate reads the document, applies update in memory and
// replaces it only if _v is unchanged, retrying on a lost race.
func (s *Store) FindOneAndUpdate(ctx context.Context, collection string, filter docstore.Filter, update docstore.Update) (*docstore.Document, error) {
	coll := s.db.Collection(collection)
	for range maxUpdateAttempts {
		stored, err := s.findOne(ctx, collection, filter)
		if err != nil {
			return nil, err
		}
		doc := stored.document()
		update.Apply(doc)

		next := storedDoc{ID: doc.ID, Version: stored.Version + 1, Fields: doc.Fields, Relations: doc.Relations}
		res, err := coll.ReplaceOne(ctx, bson.M{"_id": stored.ID, "_v": stored.Version}, next)
		if err != nil {
			return nil, fmt.Errorf("replace %s/%s: %w", collection, stored.ID, err)
		}
		if res.MatchedCount == 1 {
			return doc, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", docstore.ErrConflict, collection)
}

func (s *Store) DeleteOne(ctx context.Context, collection string, filter docstore.Filter) (int64, error) {
	res, err := s.db.Collection(collection).DeleteOne(ctx, filterDoc(filter))
	if err != nil {
		return 0, fmt.Errorf("delete %s: %w", collection, err)
	}
	return res.DeletedCount, nil
}

func (s *Store) DeleteMany(ctx context.Context, collection string, filter docstore.Filter) (int64, error) {
	res, err := s.db.Collection(collection).DeleteMany(ctx, filterDoc(filter))
	if err != nil {
		return 0, fmt.Errorf("delete %s: %w", collection, err)
	}
	return res.DeletedCount, nil
}

type cursorIterator struct {
	cur *mongo.Cursor
}

func (it *cursorIterator) Next(ctx context.Context) (*docstore.Document, error) {
	if !it.cur.Next(ctx) {
		if err := it.cur.Err(); err != nil {
			return nil, err
		}
		return nil, docstore.ErrIteratorDone
	}
	var stored storedDoc
	if err := it.cur.Decode(&stored); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return stored.document(), nil
}

func (it *cursorIterator) Stop() {
	_ = it.cur.Close(context.Background())
}

func fieldPath(name string) string {
	if name == docstore.IDField {
		return "_id"
	}
	return "fields." + name
}

func filterDoc(f docstore.Filter) bson.M {
	m := bson.M{}
	switch {
	case f.ID != "" && f.IDs != nil:
		m["_id"] = bson.M{"$eq": f.ID, "$in": f.IDs}
	case f.ID != "":
		m["_id"] = f.ID
	case f.IDs != nil:
		m["_id"] = bson.M{"$in": f.IDs}
	}
	for k, v := range f.Equals {
		m[fieldPath(k)] = v
	}
	for rel, id := range f.Refs {
		m["relations."+rel+".id"] = id
	}
	return m
}

func findOptions(opts docstore.FindOptions) *options.FindOptionsBuilder {
	sort := bson.D{}
	for _, s := range opts.Sort {
		dir := 1
		if s.Desc {
			dir = -1
		}
		sort = append(sort, bson.E{Key: fieldPath(s.Field), Value: dir})
	}
	// insertion order breaks ties, as in the other stores
	sort = append(sort, bson.E{Key: "_id", Value: 1})

	fo := options.Find().SetSort(sort)
	if opts.Skip > 0 {
		fo.SetSkip(opts.Skip)
	}
	if opts.Limit > 0 {
		fo.SetLimit(opts.Limit)
	}
	if opts.Projection != nil {
		fo.SetProjection(projectionDoc(opts.Projection))
	}
	return fo
}

func projectionDoc(fields []string) bson.M {
	p := bson.M{"_v": 1, "relations": 1}
	for _, f := range fields {
		p[fieldPath(f)] = 1
	}
	return p
}
