package action

import (
	"context"
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/Mryrghb/todosWithLesan/internal/engine"
	"github.com/Mryrghb/todosWithLesan/internal/instrument"
)

// RewriteRule sets Field in the input to the result of Value whenever When
// holds. Both are expr-lang expressions evaluated against:
//
//	set      the current input
//	identity the resolved caller ({id, roles, document}) or nil
//	isAdmin  whether the caller has the admin role
type RewriteRule struct {
	When  string
	Field string
	Value string

	when  *vm.Program
	value *vm.Program
}

func CompileRewrite(when, field, value string) (*RewriteRule, error) {
	w, err := expr.Compile(when, expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compile condition of %s rewrite: %w", field, err)
	}
	v, err := expr.Compile(value)
	if err != nil {
		return nil, fmt.Errorf("compile value of %s rewrite: %w", field, err)
	}
	return &RewriteRule{When: when, Field: field, Value: value, when: w, value: v}, nil
}

func MustCompileRewrite(when, field, value string) *RewriteRule {
	r, err := CompileRewrite(when, field, value)
	if err != nil {
		panic(err)
	}
	return r
}

// Hook runs the rule as a pre-action hook.
func (r *RewriteRule) Hook() Hook {
	return func(ctx context.Context, c *Context) error {
		_, span := instrument.GetInstrumenter(ctx).StartSpan(ctx, "action", "rules", "rewrite")
		defer span.End()

		env := ruleEnv(c)
		hit, err := expr.Run(r.when, env)
		if err != nil {
			span.SetStatus("error")
			return engine.InternalError(fmt.Errorf("evaluate %s rewrite: %w", r.Field, err))
		}
		if hit != true {
			return nil
		}
		v, err := expr.Run(r.value, env)
		if err != nil {
			span.SetStatus("error")
			return engine.InternalError(fmt.Errorf("evaluate %s rewrite: %w", r.Field, err))
		}
		return c.SetField(r.Field, v)
	}
}

func ruleEnv(c *Context) map[string]any {
	env := map[string]any{
		"set":      c.payload.Set,
		"identity": nil,
		"isAdmin":  c.identity.IsAdmin(),
	}
	if id := c.identity; id != nil {
		env["identity"] = map[string]any{"id": id.ID, "roles": id.Roles, "document": id.Document}
	}
	return env
}

// RequireRole fails with UNAUTHENTICATED when no identity was resolved and
// FORBIDDEN when the caller lacks role.
func RequireRole(role string) Hook {
	return func(_ context.Context, c *Context) error {
		if c.identity == nil {
			return engine.UnauthenticatedError("Authentication required")
		}
		if !c.identity.HasRole(role) {
			return engine.ForbiddenError(fmt.Sprintf("requires role %s", role))
		}
		return nil
	}
}
