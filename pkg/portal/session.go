package portal

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tankwatch/tankwatch/pkg/log"
	"github.com/tankwatch/tankwatch/pkg/types"
)

// AuthSession owns the current bearer credential. The held session is an
// immutable value replaced wholesale on each login, never mutated, so a
// fetch that is already in flight keeps the token it started with.
//
// The poll schedule runs one cycle per token lifetime, so EnsureValid
// performs a fresh login every time instead of tracking expiry or using
// the refresh-token flow.
type AuthSession struct {
	client *Client

	mu      sync.Mutex
	session *types.Session
}

// NewAuthSession returns an AuthSession backed by the given client.
func NewAuthSession(client *Client) *AuthSession {
	return &AuthSession{client: client}
}

// EnsureValid logs in with the given credential and replaces the held
// session atomically, returning the new bearer token. AuthError and
// TransportError from the client propagate unchanged; this is the sole
// source of authentication failure for a cycle.
func (a *AuthSession) EnsureValid(ctx context.Context, cred types.Credential) (string, error) {
	res, err := a.client.Login(ctx, cred.Username, cred.Password)
	if err != nil {
		return "", err
	}

	s := &types.Session{
		BearerToken: res.AccessToken,
		IssuedAt:    time.Now(),
	}

	a.mu.Lock()
	a.session = s
	a.mu.Unlock()

	log.Ctx(ctx).DebugContext(ctx, "portal session replaced",
		slog.Time("issuedAt", s.IssuedAt),
		slog.Int("expiresIn", res.ExpiresIn))
	return s.BearerToken, nil
}

// Current returns the held session, or nil if no login has succeeded yet.
func (a *AuthSession) Current() *types.Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.session
}

// Invalidate drops the held session. Used at teardown.
func (a *AuthSession) Invalidate() {
	a.mu.Lock()
	a.session = nil
	a.mu.Unlock()
}
