package healthsync

import (
	"context"
	"errors"
	"sync"
)

// Authenticator supplies credentials to the transport and the engine. Token
// storage belongs to the host application.
type Authenticator interface {
	// Credential returns the current access token, or "" when there is none.
	Credential(ctx context.Context) (string, error)
	// Refresh obtains a new access token.
	Refresh(ctx context.Context) (string, error)
	IsAuthenticated() bool
}

// Tokens is an access/refresh token pair.
type Tokens struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// RefreshFunc exchanges a refresh token for a new pair.
type RefreshFunc func(ctx context.Context, refreshToken string) (*Tokens, error)

// TokenAuth is an in-memory Authenticator over a token pair.
type TokenAuth struct {
	mu        sync.RWMutex
	tokens    Tokens
	refresh   RefreshFunc
	onRefresh func(Tokens)
}

// NewTokenAuth creates an Authenticator. refresh may be nil, in which case
// Refresh always fails.
func NewTokenAuth(tokens Tokens, refresh RefreshFunc) *TokenAuth {
	return &TokenAuth{tokens: tokens, refresh: refresh}
}

// OnRefresh registers a callback that receives every refreshed pair, so the
// host can persist it.
func (a *TokenAuth) OnRefresh(fn func(Tokens)) {
	a.mu.Lock()
	a.onRefresh = fn
	a.mu.Unlock()
}

func (a *TokenAuth) Credential(context.Context) (string, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.tokens.AccessToken, nil
}

func (a *TokenAuth) Refresh(ctx context.Context) (string, error) {
	a.mu.RLock()
	refresh, rt := a.refresh, a.tokens.RefreshToken
	a.mu.RUnlock()
	if refresh == nil || rt == "" {
		return "", errors.New("no refresh token available")
	}

	next, err := refresh(ctx, rt)
	if err != nil {
		return "", err
	}
	if next.AccessToken == "" {
		return "", ErrNoCredential
	}
	if next.RefreshToken == "" {
		next.RefreshToken = rt
	}

	a.mu.Lock()
	a.tokens = *next
	cb := a.onRefresh
	a.mu.Unlock()
	if cb != nil {
		cb(*next)
	}
	return next.AccessToken, nil
}

func (a *TokenAuth) IsAuthenticated() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.tokens.AccessToken != ""
}

// SetTokens replaces the token pair, e.g. after login.
func (a *TokenAuth) SetTokens(t Tokens) {
	a.mu.Lock()
	a.tokens = t
	a.mu.Unlock()
}
