package auth

import (
	"context"
	"errors"
	"maps"
	"strings"
	"time"

	"github.com/Mryrghb/todosWithLesan/internal/action"
	"github.com/Mryrghb/todosWithLesan/internal/docstore"
	"github.com/Mryrghb/todosWithLesan/internal/engine"
	"github.com/Mryrghb/todosWithLesan/internal/metadata"
)

// Options names where users live and how they are read.
type Options struct {
	Secret        string
	TokenTTL      time.Duration
	UserType      string
	EmailField    string
	PasswordField string
	// RoleField holds the user's single role, e.g. "admin" or "normal".
	RoleField string
}

// Authenticator issues tokens for stored users and resolves callers from
// the Authorization header.
type Authenticator struct {
	store docstore.Store
	opts  Options
}

func NewAuthenticator(store docstore.Store, opts Options) *Authenticator {
	if opts.UserType == "" {
		opts.UserType = "user"
	}
	if opts.EmailField == "" {
		opts.EmailField = "email"
	}
	if opts.PasswordField == "" {
		opts.PasswordField = "password"
	}
	if opts.RoleField == "" {
		opts.RoleField = "level"
	}
	return &Authenticator{store: store, opts: opts}
}

// Token is the response returned after a successful login.
type Token struct {
	AccessToken string    `json:"accessToken"`
	ExpiresAt   time.Time `json:"expiresAt"`
	UserID      string    `json:"userId"`
}

// Login checks email and password against the stored user.
func (a *Authenticator) Login(ctx context.Context, email, password string) (*Token, error) {
	if email == "" || password == "" {
		return nil, engine.UnauthenticatedError("Email and password are required")
	}
	user, err := a.store.FindOne(ctx, a.opts.UserType, docstore.Filter{Equals: map[string]any{a.opts.EmailField: email}})
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, engine.UnauthenticatedError("Invalid email or password")
	}
	if err != nil {
		return nil, engine.InternalError(err)
	}

	hash, _ := user.Fields[a.opts.PasswordField].(string)
	if !CheckPassword(password, hash) {
		return nil, engine.UnauthenticatedError("Invalid email or password")
	}

	access, expires, err := GenerateAccessToken(user.ID, a.roles(user), a.opts.Secret, a.opts.TokenTTL)
	if err != nil {
		return nil, engine.InternalError(err)
	}
	return &Token{AccessToken: access, ExpiresAt: expires, UserID: user.ID}, nil
}

// Identify resolves the caller named by an Authorization header. Roles are
// read from the stored user, not from the token.
func (a *Authenticator) Identify(ctx context.Context, header string) (*metadata.UserContext, error) {
	if header == "" {
		return nil, engine.UnauthenticatedError("Missing auth token")
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return nil, engine.UnauthenticatedError("Invalid auth header format")
	}
	claims, err := ParseAccessToken(parts[1], a.opts.Secret)
	if err != nil {
		return nil, engine.UnauthenticatedError("Invalid or expired token")
	}

	user, err := a.store.FindOne(ctx, a.opts.UserType, docstore.ByID(claims.Subject))
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, engine.NotFoundError(a.opts.UserType, claims.Subject)
	}
	if err != nil {
		return nil, engine.InternalError(err)
	}

	doc := maps.Clone(user.Fields)
	delete(doc, a.opts.PasswordField)
	return &metadata.UserContext{ID: user.ID, Roles: a.roles(user), Document: doc}, nil
}

func (a *Authenticator) roles(user *docstore.Document) []string {
	if role, _ := user.Fields[a.opts.RoleField].(string); role != "" {
		return []string{role}
	}
	return []string{}
}

// ResolveIdentity is a pre-validation hook that requires a valid caller.
func (a *Authenticator) ResolveIdentity() action.Hook {
	return func(ctx context.Context, c *action.Context) error {
		id, err := a.Identify(ctx, c.Header("Authorization"))
		if err != nil {
			return err
		}
		return c.SetIdentity(id)
	}
}

// OptionalIdentity resolves the caller when a token is sent and leaves the
// identity empty otherwise. A token that is sent must be valid.
func (a *Authenticator) OptionalIdentity() action.Hook {
	return func(ctx context.Context, c *action.Context) error {
		header := c.Header("Authorization")
		if header == "" {
			return nil
		}
		id, err := a.Identify(ctx, header)
		if err != nil {
			return err
		}
		return c.SetIdentity(id)
	}
}
