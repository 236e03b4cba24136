// Package auth supplies the signed-in user's identity and bearer credential.
package auth

import (
	"errors"
	"strings"

	"github.com/zulandar/palaver/internal/config"
	"golang.org/x/oauth2"
)

// ErrNoCredential is returned by Token when no bearer credential is known.
var ErrNoCredential = errors.New("auth: no credential")

// Provider reports who is signed in and the credential to call the backend
// with. A Provider with an empty UserID is signed out.
type Provider struct {
	userID string
	tokens oauth2.TokenSource
}

// NewStatic returns a Provider for a fixed user and token. An empty token
// yields a Provider whose Token always fails with ErrNoCredential.
func NewStatic(userID, token string) *Provider {
	p := &Provider{userID: strings.TrimSpace(userID)}
	if token != "" {
		p.tokens = oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"})
	}
	return p
}

// NewFromTokenSource returns a Provider backed by an arbitrary token source.
func NewFromTokenSource(userID string, ts oauth2.TokenSource) *Provider {
	return &Provider{userID: strings.TrimSpace(userID), tokens: ts}
}

// FromConfig builds a Provider from the configured user and credential.
func FromConfig(cfg *config.Config) *Provider {
	return NewStatic(cfg.UserID, cfg.Auth.ResolveToken())
}

// UserID returns the signed-in user, or "" when signed out.
func (p *Provider) UserID() string {
	if p == nil {
		return ""
	}
	return p.userID
}

// Token returns the current bearer credential.
func (p *Provider) Token() (*oauth2.Token, error) {
	if p == nil || p.tokens == nil {
		return nil, ErrNoCredential
	}
	tok, err := p.tokens.Token()
	if err != nil {
		return nil, err
	}
	if tok == nil || tok.AccessToken == "" {
		return nil, ErrNoCredential
	}
	return tok, nil
}

// TokenSource exposes the Provider as an oauth2.TokenSource.
func (p *Provider) TokenSource() oauth2.TokenSource {
	return tokenSourceFunc(p.Token)
}

type tokenSourceFunc func() (*oauth2.Token, error)

func (f tokenSourceFunc) Token() (*oauth2.Token, error) { return f() }
