/*
Package creds defines the credential port.

The engine never stores long-term credentials.  Hosts own refresh
material and hand the engine a Source; the engine asks for a bearer
token at the start of a call chain and forces at most one refresh per
401.
*/
package creds

import (
	"context"
	"time"

	"golang.org/x/oauth2"
)

// Token is short-lived bearer material.
type Token struct {
	Bearer    string
	ExpiresAt time.Time
}

// Valid reports whether the token is usable at time now.
func (t Token) Valid(now time.Time) bool {
	return t.Bearer != "" && (t.ExpiresAt.IsZero() || now.Before(t.ExpiresAt))
}

// Source supplies tokens for an account.  Implementations live on the
// host side (keychain, OAuth agent); tests use Static.
type Source interface {
	// Token returns a bearer token, possibly cached.
	Token(ctx context.Context, accountID int64) (Token, error)
	// Refresh discards any cached token and obtains a fresh one.
	// Called at most once per 401.
	Refresh(ctx context.Context, accountID int64) (Token, error)
}

// Static wraps fixed token material passed per call, as hosts do when
// they manage refresh themselves.
type Static struct {
	Tok Token
}

func (s Static) Token(ctx context.Context, accountID int64) (Token, error) {
	return s.Tok, nil
}

func (s Static) Refresh(ctx context.Context, accountID int64) (Token, error) {
	return s.Tok, nil
}

// tokenSource adapts a Source to oauth2.TokenSource for the HTTP
// transport layer.
type tokenSource struct {
	ctx       context.Context
	src       Source
	accountID int64
}

// Token satisfies oauth2.TokenSource.
func (s *tokenSource) Token() (*oauth2.Token, error) {
	tok, err := s.src.Token(s.ctx, s.accountID)
	if err != nil {
		return nil, err
	}
	expiry := tok.ExpiresAt
	if expiry.IsZero() {
		// The transport treats a zero expiry as never-expiring;
		// bound it so a stale token is re-requested.
		expiry = time.Now().Add(5 * time.Minute)
	}
	return &oauth2.Token{AccessToken: tok.Bearer, Expiry: expiry}, nil
}

// TokenSource returns an oauth2.TokenSource backed by src for the
// given account.
func TokenSource(ctx context.Context, src Source, accountID int64) oauth2.TokenSource {
	return oauth2.ReuseTokenSource(nil, &tokenSource{ctx: ctx, src: src, accountID: accountID})
}
