package action

import (
	"fmt"
	"maps"
	"strings"

	"github.com/Mryrghb/todosWithLesan/internal/engine"
	"github.com/Mryrghb/todosWithLesan/internal/metadata"
)

// Payload is what a caller sends to an action: the input under Set and
// the requested projection under Get.
type Payload struct {
	Set map[string]any `json:"set"`
	Get map[string]any `json:"get"`
}

func (p Payload) Clone() Payload {
	return Payload{Set: maps.Clone(p.Set), Get: maps.Clone(p.Get)}
}

// State is the pipeline stage a Context is in.
type State int

const (
	Created State = iota
	PreValidating
	Validating
	PreActing
	Executing
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case PreValidating:
		return "pre_validating"
	case Validating:
		return "validating"
	case PreActing:
		return "pre_acting"
	case Executing:
		return "executing"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s State) terminal() bool {
	return s == Completed || s == Failed
}

// Context holds one request's resolved identity and current payload. It is
// handed explicitly to every hook and handler of that request.
type Context struct {
	requestID string
	state     State
	failedIn  State
	identity  *metadata.UserContext
	payload   Payload
	headers   map[string]string
}

// NewContext starts a request context in the Created state. Header names
// are matched case-insensitively.
func NewContext(raw Payload, headers map[string]string) *Context {
	h := make(map[string]string, len(headers))
	for k, v := range headers {
		h[strings.ToLower(k)] = v
	}
	if raw.Set == nil {
		raw.Set = map[string]any{}
	}
	if raw.Get == nil {
		raw.Get = map[string]any{}
	}
	return &Context{state: Created, payload: raw.Clone(), headers: h}
}

func (c *Context) RequestID() string { return c.requestID }

func (c *Context) State() State { return c.state }

// Identity returns the caller resolved by a hook, or nil.
func (c *Context) Identity() *metadata.UserContext { return c.identity }

// Payload returns a copy of the current payload.
func (c *Context) Payload() Payload { return c.payload.Clone() }

func (c *Context) Header(name string) string {
	return c.headers[strings.ToLower(name)]
}

func (c *Context) SetIdentity(id *metadata.UserContext) error {
	if err := c.mutable("SetIdentity"); err != nil {
		return err
	}
	c.identity = id
	return nil
}

func (c *Context) RewritePayload(p Payload) error {
	if err := c.mutable("RewritePayload"); err != nil {
		return err
	}
	c.payload = p.Clone()
	return nil
}

// SetField rewrites a single input field.
func (c *Context) SetField(name string, v any) error {
	if err := c.mutable("SetField"); err != nil {
		return err
	}
	c.payload.Set[name] = v
	return nil
}

func (c *Context) mutable(op string) error {
	if c.state != PreValidating && c.state != PreActing {
		return engine.InvalidContextUseError(fmt.Sprintf("%s called while %s", op, c.state))
	}
	return nil
}

func (c *Context) advance(to State) {
	if !c.state.terminal() {
		c.state = to
	}
}
