package action

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Mryrghb/todosWithLesan/internal/engine"
	"github.com/Mryrghb/todosWithLesan/internal/instrument"
	"github.com/Mryrghb/todosWithLesan/internal/logger"
)

// Hook runs before validation or before the handler. Returning an error
// aborts the request; later hooks do not run.
type Hook func(ctx context.Context, c *Context) error

// Validator checks the payload shape and returns a VALIDATION_FAILED
// error naming the offending path.
type Validator func(p Payload) error

// Handler executes the action on the final payload.
type Handler func(ctx context.Context, c *Context) (any, error)

type Action struct {
	Schema        string
	Name          string
	Validator     Validator
	Handler       Handler
	PreValidation []Hook
	PreAction     []Hook
}

func (a *Action) key() string {
	return a.Schema + "." + a.Name
}

// Run drives c through the pipeline for a. Hooks run one at a time in
// declared order, and each sees the mutations of those before it.
func Run(ctx context.Context, a *Action, c *Context) (any, error) {
	if c.state != Created {
		return nil, engine.InvalidContextUseError(fmt.Sprintf("context already %s", c.state))
	}

	result, err := run(ctx, a, c)
	if err != nil {
		c.failedIn = c.state
		c.advance(Failed)
		return nil, err
	}
	c.advance(Completed)
	return result, nil
}

func run(ctx context.Context, a *Action, c *Context) (any, error) {
	c.advance(PreValidating)
	for _, h := range a.PreValidation {
		if err := h(ctx, c); err != nil {
			return nil, err
		}
	}

	c.advance(Validating)
	if a.Validator != nil {
		if err := a.Validator(c.payload); err != nil {
			return nil, err
		}
	}

	c.advance(PreActing)
	for _, h := range a.PreAction {
		if err := h(ctx, c); err != nil {
			return nil, err
		}
	}

	c.advance(Executing)
	return a.Handler(ctx, c)
}

var ErrDuplicateAction = errors.New("duplicate action")

// Registry maps schema/action names to actions.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]*Action
	log     logger.Logger
}

func NewRegistry(log logger.Logger) *Registry {
	return &Registry{actions: make(map[string]*Action), log: log}
}

func (r *Registry) Register(a Action) error {
	if a.Schema == "" || a.Name == "" || a.Handler == nil {
		return fmt.Errorf("register action %q: schema, name and handler are required", a.key())
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.actions[a.key()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateAction, a.key())
	}
	r.actions[a.key()] = &a
	return nil
}

func (r *Registry) Lookup(schema, name string) (*Action, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.actions[schema+"."+name]
	if !ok {
		return nil, engine.UnknownActionError(schema, name)
	}
	return a, nil
}

// Actions lists registered actions sorted by schema then name.
func (r *Registry) Actions() []*Action {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Action, 0, len(r.actions))
	for _, a := range r.actions {
		out = append(out, a)
	}
	slices.SortFunc(out, func(a, b *Action) int { return strings.Compare(a.key(), b.key()) })
	return out
}

// Invoke runs the named action for one request. Every failure comes back
// as an *engine.AppError.
func (r *Registry) Invoke(ctx context.Context, schema, name string, headers map[string]string, p Payload) (any, error) {
	a, err := r.Lookup(schema, name)
	if err != nil {
		return nil, err
	}

	c := NewContext(p, headers)
	c.requestID = uuid.New().String()
	ctx = logger.WithRequestID(ctx, c.requestID)
	ctx, span := instrument.GetInstrumenter(ctx).StartSpan(ctx, "action", schema, name)
	defer span.End()
	span.SetMetadata("request_id", c.requestID)

	result, err := Run(ctx, a, c)
	if err != nil {
		appErr := engine.AsAppError(err)
		span.SetStatus("error")
		span.SetMetadata("code", appErr.Code)
		fields := []zap.Field{
			zap.String("action", a.key()),
			zap.String("code", appErr.Code),
			zap.String("stage", c.failedIn.String()),
			zap.Error(err),
		}
		if id := span.TraceID(); id != "" {
			fields = append(fields, zap.String("trace_id", id), zap.String("span_id", span.SpanID()))
		}
		if appErr.Status >= 500 {
			r.log.ErrorWithContext(ctx, "action failed", fields...)
		} else {
			r.log.InfoWithContext(ctx, "action rejected", fields...)
		}
		return nil, appErr
	}
	return result, nil
}
