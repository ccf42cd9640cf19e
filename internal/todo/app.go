// Package todo is the todos application: users, categories, tags and
// todos, exposed as actions.
package todo

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/Mryrghb/todosWithLesan/internal/action"
	"github.com/Mryrghb/todosWithLesan/internal/auth"
	"github.com/Mryrghb/todosWithLesan/internal/docstore"
	"github.com/Mryrghb/todosWithLesan/internal/engine"
	"github.com/Mryrghb/todosWithLesan/internal/logger"
	"github.com/Mryrghb/todosWithLesan/internal/metadata"
)

//go:embed models.yaml
var modelsYAML []byte

// Models returns the entity definitions of the app.
func Models() ([]metadata.Definition, error) {
	return metadata.Decode(bytes.NewReader(modelsYAML))
}

type Options struct {
	JWTSecret string
	TokenTTL  time.Duration
	PageSize  int
}

type App struct {
	Registry  *metadata.Registry
	Engine    *engine.Engine
	Projector *engine.Projector
	Actions   *action.Registry
	Auth      *auth.Authenticator

	log      logger.Logger
	pageSize int

	user     *metadata.EntityType
	category *metadata.EntityType
	tag      *metadata.EntityType
	todo     *metadata.EntityType
}

// New loads the models and registers every action against store.
func New(store docstore.Store, opts Options, log logger.Logger) (*App, error) {
	defs, err := Models()
	if err != nil {
		return nil, err
	}
	reg := metadata.NewRegistry()
	if err := reg.LoadAll(defs); err != nil {
		return nil, fmt.Errorf("load models: %w", err)
	}
	if opts.PageSize <= 0 {
		opts.PageSize = engine.DefaultPageSize
	}

	a := &App{
		Registry:  reg,
		Engine:    engine.New(store, reg, log),
		Projector: engine.NewProjector(store, reg, opts.PageSize),
		Actions:   action.NewRegistry(log),
		Auth:      auth.NewAuthenticator(store, auth.Options{Secret: opts.JWTSecret, TokenTTL: opts.TokenTTL}),
		log:       log,
		pageSize:  opts.PageSize,
	}
	for name, dst := range map[string]**metadata.EntityType{
		"user": &a.user, "category": &a.category, "tag": &a.tag, "todo": &a.todo,
	} {
		if *dst, err = reg.Resolve(name); err != nil {
			return nil, err
		}
	}

	for _, act := range a.actions() {
		if err := a.Actions.Register(act); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// Invoke runs one action.
func (a *App) Invoke(ctx context.Context, schema, name string, headers map[string]string, p action.Payload) (any, error) {
	return a.Actions.Invoke(ctx, schema, name, headers, p)
}

// selection parses the get part of a payload; an empty get selects every
// visible pure field.
func selection(get map[string]any) (*engine.Selection, error) {
	if len(get) == 0 {
		return nil, nil
	}
	return engine.ParseSelection(get)
}

// respond projects the document with id through the request's selection.
func (a *App) respond(ctx context.Context, typ *metadata.EntityType, id string, c *action.Context) (any, error) {
	sel, err := selection(c.Payload().Get)
	if err != nil {
		return nil, err
	}
	return a.Projector.ProjectOne(ctx, typ, sel, docstore.ByID(id))
}

func (a *App) list(ctx context.Context, typ *metadata.EntityType, filter docstore.Filter, c *action.Context) (any, error) {
	p := c.Payload()
	sel, err := selection(p.Get)
	if err != nil {
		return nil, err
	}
	cur, err := a.Projector.Project(ctx, typ, sel, filter, engine.Pagination{
		Page:     intArg(p.Set["page"]),
		PageSize: intArg(p.Set["limit"]),
	})
	if err != nil {
		return nil, err
	}
	return cur.All(ctx)
}

func intArg(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

func stringArg(v any) string {
	s, _ := v.(string)
	return s
}
