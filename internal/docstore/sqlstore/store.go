// Package sqlstore keeps documents as JSON rows in a single _documents table
// on PostgreSQL or SQLite.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx as database/sql driver
	_ "modernc.org/sqlite"             // Register sqlite as database/sql driver

	"github.com/Mryrghb/todosWithLesan/internal/config"
	"github.com/Mryrghb/todosWithLesan/internal/docstore"
)

const maxUpdateAttempts = 3

// Querier is implemented by both *sql.DB and *sql.Tx.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Store wraps a database connection and dialect.
type Store struct {
	DB      *sql.DB
	Dialect Dialect
	ids     *docstore.IDGenerator
}

type body struct {
	Fields    map[string]any            `json:"fields"`
	Relations map[string][]docstore.Ref `json:"relations,omitempty"`
}

type row struct {
	doc     *docstore.Document
	version int64
}

// New opens the database named by cfg and creates the documents table.
func New(ctx context.Context, cfg config.DatabaseConfig) (*Store, error) {
	dialect := NewDialect(cfg.Driver)

	db, err := sql.Open(dialect.DriverName(), cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if cfg.IsSQLite() {
		// SQLite: single writer, WAL mode for concurrent reads
		db.SetMaxOpenConns(1)
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable WAL: %w", err)
		}
	} else if cfg.PoolSize > 0 {
		db.SetMaxOpenConns(cfg.PoolSize)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	if _, err := db.ExecContext(ctx, dialect.SchemaSQL()); err != nil {
		db.Close()
		return nil, fmt.Errorf("bootstrap schema: %w", err)
	}

	return &Store{DB: db, Dialect: dialect, ids: docstore.NewIDGenerator()}, nil
}

func (s *Store) Close(context.Context) error {
	return s.DB.Close()
}

func (s *Store) InsertOne(ctx context.Context, collection string, doc *docstore.Document) (string, error) {
	id := doc.ID
	if id == "" {
		id = s.ids.New()
	}
	data, err := encode(doc)
	if err != nil {
		return "", err
	}

	pb := s.Dialect.NewParamBuilder()
	q := fmt.Sprintf("INSERT INTO _documents (collection, id, body) VALUES (%s, %s, %s)",
		pb.Add(collection), pb.Add(id), pb.Add(string(data)))
	if _, err := s.DB.ExecContext(ctx, q, pb.Params()...); err != nil {
		if s.Dialect.IsUniqueViolation(err) {
			return "", fmt.Errorf("%w: %s/%s exists", docstore.ErrConflict, collection, id)
		}
		return "", fmt.Errorf("insert %s: %w", collection, err)
	}
	return id, nil
}

// selectRows loads the candidate rows for filter. Id constraints run in SQL;
// everything else is matched against the decoded documents.
func (s *Store) selectRows(ctx context.Context, q Querier, collection string, filter docstore.Filter) ([]row, error) {
	pb := s.Dialect.NewParamBuilder()
	where := []string{"collection = " + pb.Add(collection)}
	if filter.ID != "" {
		where = append(where, "id = "+pb.Add(filter.ID))
	}
	if filter.IDs != nil {
		where = append(where, s.Dialect.InExpr("id", pb, filter.IDs))
	}

	query := "SELECT id, body, version FROM _documents WHERE " + strings.Join(where, " AND ") + " ORDER BY id"
	rows, err := q.QueryContext(ctx, query, pb.Params()...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", collection, err)
	}
	defer rows.Close()

	var out []row
	for rows.Next() {
		var (
			id      string
			raw     []byte
			version int64
		)
		if err := rows.Scan(&id, &raw, &version); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		doc, err := decode(id, raw)
		if err != nil {
			return nil, err
		}
		if filter.Matches(doc) {
			out = append(out, row{doc: doc, version: version})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return out, nil
}

// Find materializes the page before returning so no cursor holds the
// connection while callers issue nested lookups.
func (s *Store) Find(ctx context.Context, collection string, filter docstore.Filter, opts docstore.FindOptions) (docstore.Iterator, error) {
	rows, err := s.selectRows(ctx, s.DB, collection, filter)
	if err != nil {
		return nil, err
	}
	docs := make([]*docstore.Document, len(rows))
	for i, r := range rows {
		docs[i] = r.doc
	}
	docstore.SortDocuments(docs, opts.Sort)
	docs = docstore.Window(docs, opts.Skip, opts.Limit)
	for _, d := range docs {
		d.Project(opts.Projection)
	}
	return docstore.NewStaticIterator(docs), nil
}

func (s *Store) FindOne(ctx context.Context, collection string, filter docstore.Filter) (*docstore.Document, error) {
	rows, err := s.selectRows(ctx, s.DB, collection, filter)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, docstore.ErrNotFound
	}
	return rows[0].doc, nil
}

// FindOneAndUpdate applies update under an optimistic version check and
// retries a few times when another writer got there first.
func (s *Store) FindOneAndUpdate(ctx context.Context, collection string, filter docstore.Filter, update docstore.Update) (*docstore.Document, error) {
	for range maxUpdateAttempts {
		doc, err := s.tryUpdate(ctx, collection, filter, update)
		if errors.Is(err, docstore.ErrConflict) {
			continue
		}
		return doc, err
	}
	return nil, fmt.Errorf("%w: %s", docstore.ErrConflict, collection)
}

func (s *Store) tryUpdate(ctx context.Context, collection string, filter docstore.Filter, update docstore.Update) (*docstore.Document, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	rows, err := s.selectRows(ctx, tx, collection, filter)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, docstore.ErrNotFound
	}
	target := rows[0]
	update.Apply(target.doc)

	data, err := encode(target.doc)
	if err != nil {
		return nil, err
	}
	pb := s.Dialect.NewParamBuilder()
	q := fmt.Sprintf("UPDATE _documents SET body = %s, version = version + 1 WHERE collection = %s AND id = %s AND version = %s",
		pb.Add(string(data)), pb.Add(collection), pb.Add(target.doc.ID), pb.Add(target.version))
	res, err := tx.ExecContext(ctx, q, pb.Params()...)
	if err != nil {
		return nil, fmt.Errorf("update %s: %w", collection, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return nil, docstore.ErrConflict
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return target.doc, nil
}

func (s *Store) DeleteOne(ctx context.Context, collection string, filter docstore.Filter) (int64, error) {
	return s.delete(ctx, collection, filter, 1)
}

func (s *Store) DeleteMany(ctx context.Context, collection string, filter docstore.Filter) (int64, error) {
	return s.delete(ctx, collection, filter, 0)
}

func (s *Store) delete(ctx context.Context, collection string, filter docstore.Filter, max int) (int64, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	rows, err := s.selectRows(ctx, tx, collection, filter)
	if err != nil {
		return 0, err
	}
	if max > 0 && len(rows) > max {
		rows = rows[:max]
	}
	if len(rows) == 0 {
		return 0, nil
	}
	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.doc.ID
	}

	pb := s.Dialect.NewParamBuilder()
	q := "DELETE FROM _documents WHERE collection = " + pb.Add(collection) + " AND " + s.Dialect.InExpr("id", pb, ids)
	res, err := tx.ExecContext(ctx, q, pb.Params()...)
	if err != nil {
		return 0, fmt.Errorf("delete %s: %w", collection, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return n, nil
}

func encode(doc *docstore.Document) ([]byte, error) {
	b := body{Fields: doc.Fields, Relations: doc.Relations}
	if b.Fields == nil {
		b.Fields = map[string]any{}
	}
	data, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	return data, nil
}

func decode(id string, raw []byte) (*docstore.Document, error) {
	var b body
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("decode document %s: %w", id, err)
	}
	if b.Fields == nil {
		b.Fields = map[string]any{}
	}
	if b.Relations == nil {
		b.Relations = map[string][]docstore.Ref{}
	}
	return &docstore.Document{ID: id, Fields: b.Fields, Relations: b.Relations}, nil
}
