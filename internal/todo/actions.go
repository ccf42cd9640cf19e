package todo

import (
	"context"
	"errors"
	"maps"

	"github.com/Mryrghb/todosWithLesan/internal/action"
	"github.com/Mryrghb/todosWithLesan/internal/auth"
	"github.com/Mryrghb/todosWithLesan/internal/docstore"
	"github.com/Mryrghb/todosWithLesan/internal/engine"
	"github.com/Mryrghb/todosWithLesan/internal/metadata"
)

const emailPattern = `^[^@\s]+@[^@\s]+\.[^@\s]+$`

// non-admins can only create normal users
var levelRule = action.MustCompileRewrite(`!isAdmin && set.level != "normal"`, "level", `"normal"`)

func paging() map[string]action.Rule {
	return map[string]action.Rule{
		"page":  action.Optional(action.Number()),
		"limit": action.Optional(action.Number()),
	}
}

func (a *App) actions() []action.Action {
	required := a.Auth.ResolveIdentity()

	return []action.Action{
		{
			Schema: "user", Name: "addUser",
			PreValidation: []action.Hook{a.Auth.OptionalIdentity()},
			Validator: action.Body(action.Object(map[string]action.Rule{
				"fullName": action.String().MinLength(1),
				"email":    action.String().Pattern(emailPattern),
				"password": action.String().MinLength(6),
				"level":    action.Optional(action.Enum("admin", "normal")),
			}), action.Selection()),
			PreAction: []action.Hook{levelRule.Hook()},
			Handler:   a.addUser,
		},
		{
			Schema: "user", Name: "login",
			Validator: action.Body(action.Object(map[string]action.Rule{
				"email":    action.String(),
				"password": action.String(),
			}), nil),
			Handler: func(ctx context.Context, c *action.Context) (any, error) {
				set := c.Payload().Set
				return a.Auth.Login(ctx, stringArg(set["email"]), stringArg(set["password"]))
			},
		},
		{
			Schema: "user", Name: "getUsers",
			PreValidation: []action.Hook{required},
			Validator:     action.Body(action.Object(map[string]action.Rule{"_id": action.ID()}), action.Selection()),
			Handler: func(ctx context.Context, c *action.Context) (any, error) {
				return a.respond(ctx, a.user, stringArg(c.Payload().Set["_id"]), c)
			},
		},
		{
			Schema: "user", Name: "listUsers",
			PreValidation: []action.Hook{required, action.RequireRole("admin")},
			Validator:     action.Body(action.Object(paging()), action.Selection()),
			Handler: func(ctx context.Context, c *action.Context) (any, error) {
				return a.list(ctx, a.user, docstore.Filter{}, c)
			},
		},
		{
			Schema: "category", Name: "addCategory",
			PreValidation: []action.Hook{required},
			Validator:     action.Body(action.Object(map[string]action.Rule{"name": action.String().MinLength(1)}), action.Selection()),
			Handler:       a.create(a.category, nil),
		},
		{
			Schema: "category", Name: "getCategory",
			Validator: action.Body(action.Object(map[string]action.Rule{"_id": action.ID()}), action.Selection()),
			Handler: func(ctx context.Context, c *action.Context) (any, error) {
				return a.respond(ctx, a.category, stringArg(c.Payload().Set["_id"]), c)
			},
		},
		{
			Schema: "tag", Name: "addTag",
			PreValidation: []action.Hook{required},
			Validator:     action.Body(action.Object(map[string]action.Rule{"name": action.String().MinLength(1)}), action.Selection()),
			Handler:       a.create(a.tag, nil),
		},
		{
			Schema: "todo", Name: "addTodo",
			PreValidation: []action.Hook{required},
			Validator: action.Body(action.Object(map[string]action.Rule{
				"title":       action.String().MinLength(1),
				"description": action.Optional(action.String()),
				"done":        action.Optional(action.Boolean()),
				"tag":         action.Optional(action.String()),
				"categoryId":  action.ID(),
			}), action.Selection()),
			Handler: a.create(a.todo, func(c *action.Context, set map[string]any) map[string][]string {
				cat := stringArg(set["categoryId"])
				delete(set, "categoryId")
				return map[string][]string{
					"categories": {cat},
					"user":       {c.Identity().ID},
				}
			}),
		},
		{
			Schema: "todo", Name: "updateCategoryTodo",
			PreValidation: []action.Hook{required},
			Validator: action.Body(action.Object(map[string]action.Rule{
				"_id":        action.ID(),
				"categoryId": action.ID(),
			}), action.Selection()),
			Handler: func(ctx context.Context, c *action.Context) (any, error) {
				set := c.Payload().Set
				id := stringArg(set["_id"])
				err := a.Engine.AddRelation(ctx, a.todo, docstore.ByID(id), "categories",
					[]string{stringArg(set["categoryId"])}, engine.AddOptions{Replace: true})
				if err != nil {
					return nil, err
				}
				return a.respond(ctx, a.todo, id, c)
			},
		},
		{
			Schema: "user", Name: "removeUserTodo",
			PreValidation: []action.Hook{required},
			Validator: action.Body(action.Object(map[string]action.Rule{
				"_id":    action.ID(),
				"userId": action.ID(),
			}), action.Selection()),
			Handler: a.removeUserTodo,
		},
		{
			Schema: "todo", Name: "getAllTodos",
			Validator: action.Body(action.Object(paging()), action.Selection()),
			Handler: func(ctx context.Context, c *action.Context) (any, error) {
				return a.list(ctx, a.todo, docstore.Filter{}, c)
			},
		},
		{
			Schema: "todo", Name: "getTodo",
			Validator: action.Body(action.Object(map[string]action.Rule{
				"userId": action.ID(),
				"tag":    action.String(),
			}), action.Selection()),
			Handler: func(ctx context.Context, c *action.Context) (any, error) {
				set := c.Payload().Set
				sel, err := selection(c.Payload().Get)
				if err != nil {
					return nil, err
				}
				return a.Projector.ProjectOne(ctx, a.todo, sel, docstore.Filter{
					Equals: map[string]any{"tag": stringArg(set["tag"])},
					Refs:   map[string]string{"user": stringArg(set["userId"])},
				})
			},
		},
		{
			Schema: "todo", Name: "updateTodo",
			PreValidation: []action.Hook{required},
			Validator: action.Body(action.Object(map[string]action.Rule{
				"_id":         action.ID(),
				"title":       action.Optional(action.String().MinLength(1)),
				"description": action.Optional(action.String()),
				"done":        action.Optional(action.Boolean()),
				"tag":         action.Optional(action.String()),
			}), action.Selection()),
			Handler: func(ctx context.Context, c *action.Context) (any, error) {
				set := c.Payload().Set
				id := stringArg(set["_id"])
				delete(set, "_id")
				if _, err := a.Engine.Update(ctx, a.todo, docstore.ByID(id), set); err != nil {
					return nil, err
				}
				return a.respond(ctx, a.todo, id, c)
			},
		},
		{
			Schema: "todo", Name: "deleteTodo",
			PreValidation: []action.Hook{required},
			Validator: action.Body(action.Object(map[string]action.Rule{
				"_id":    action.ID(),
				"unlink": action.Optional(action.Boolean()),
			}), nil),
			Handler: func(ctx context.Context, c *action.Context) (any, error) {
				set := c.Payload().Set
				unlink, _ := set["unlink"].(bool)
				n, err := a.Engine.Delete(ctx, a.todo, docstore.ByID(stringArg(set["_id"])), engine.DeleteOptions{Unlink: unlink})
				if err != nil {
					return nil, err
				}
				return map[string]any{"deleted": n}, nil
			},
		},
	}
}

// create builds a handler that inserts set as a new document. relations,
// when given, moves relation inputs out of set.
func (a *App) create(typ *metadata.EntityType, relations func(c *action.Context, set map[string]any) map[string][]string) action.Handler {
	return func(ctx context.Context, c *action.Context) (any, error) {
		set := c.Payload().Set
		var rels map[string][]string
		if relations != nil {
			rels = relations(c, set)
		}
		doc, err := a.Engine.Create(ctx, typ, set, rels)
		if err != nil {
			return nil, err
		}
		return a.respond(ctx, typ, doc.ID, c)
	}
}

func (a *App) addUser(ctx context.Context, c *action.Context) (any, error) {
	set := c.Payload().Set
	email := stringArg(set["email"])
	_, err := a.Engine.Store().FindOne(ctx, a.user.Name, docstore.Filter{Equals: map[string]any{"email": email}})
	switch {
	case err == nil:
		return nil, engine.ValidationError([]engine.ErrorDetail{{Field: "set.email", Rule: "unique", Message: "email is already registered"}})
	case !errors.Is(err, docstore.ErrNotFound):
		return nil, err
	}

	hash, err := auth.HashPassword(stringArg(set["password"]))
	if err != nil {
		return nil, err
	}
	fields := maps.Clone(set)
	fields["password"] = hash
	doc, err := a.Engine.Create(ctx, a.user, fields, nil)
	if err != nil {
		return nil, err
	}
	return a.respond(ctx, a.user, doc.ID, c)
}

// removeUserTodo detaches a todo from a user. Callers may only detach
// their own todos unless they are admins.
func (a *App) removeUserTodo(ctx context.Context, c *action.Context) (any, error) {
	set := c.Payload().Set
	id, userID := stringArg(set["_id"]), stringArg(set["userId"])
	if caller := c.Identity(); !caller.IsAdmin() && caller.ID != userID {
		return nil, engine.ForbiddenError("cannot detach another user's todo")
	}

	if err := a.Engine.RemoveRelation(ctx, a.todo, docstore.ByID(id), "user", []string{userID}); err != nil {
		return nil, err
	}
	return a.respond(ctx, a.todo, id, c)
}
