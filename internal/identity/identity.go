// Package identity resolves the two credentials the gateway accepts: host
// API keys presented by daemons and session tokens presented by web
// clients. Implementations are pluggable so deployments can back the
// gateway with their own user store.
package identity

import (
	"context"
	"crypto/subtle"
	"errors"
)

// ErrUnknownCredential is returned when a key or token matches no
// registered principal. Callers decide how the rejection surfaces on
// their transport.
var ErrUnknownCredential = errors.New("unknown credential")

// Host identifies a registered daemon and the user it belongs to.
type Host struct {
	HostID string
	UserID string
}

// User identifies an authenticated client principal.
type User struct {
	UserID string
}

// Provider answers credential checks for the gateway.
type Provider interface {
	// VerifyAPIKey resolves a host API key. Returns ErrUnknownCredential
	// when the key is not recognised.
	VerifyAPIKey(ctx context.Context, apiKey string) (Host, error)
	// VerifySession resolves a client session token. Returns
	// ErrUnknownCredential when the token is not recognised.
	VerifySession(ctx context.Context, token string) (User, error)
}

// StaticKey binds one API key to a host principal.
type StaticKey struct {
	APIKey string `json:"apiKey"`
	HostID string `json:"hostId"`
	UserID string `json:"userId"`
}

// StaticToken binds one session token to a user.
type StaticToken struct {
	Token  string `json:"token"`
	UserID string `json:"userId"`
}

// StaticProvider verifies credentials against lists loaded from the
// gateway config file. Lookups compare every entry in constant time so
// response timing does not reveal near-matches.
type StaticProvider struct {
	keys   []StaticKey
	tokens []StaticToken
}

// NewStaticProvider builds a provider over fixed credential lists.
func NewStaticProvider(keys []StaticKey, tokens []StaticToken) *StaticProvider {
	return &StaticProvider{keys: keys, tokens: tokens}
}

func (p *StaticProvider) VerifyAPIKey(_ context.Context, apiKey string) (Host, error) {
	var match *StaticKey
	for i := range p.keys {
		if subtle.ConstantTimeCompare([]byte(p.keys[i].APIKey), []byte(apiKey)) == 1 {
			match = &p.keys[i]
		}
	}
	if match == nil || apiKey == "" {
		return Host{}, ErrUnknownCredential
	}
	return Host{HostID: match.HostID, UserID: match.UserID}, nil
}

func (p *StaticProvider) VerifySession(_ context.Context, token string) (User, error) {
	var match *StaticToken
	for i := range p.tokens {
		if subtle.ConstantTimeCompare([]byte(p.tokens[i].Token), []byte(token)) == 1 {
			match = &p.tokens[i]
		}
	}
	if match == nil || token == "" {
		return User{}, ErrUnknownCredential
	}
	return User{UserID: match.UserID}, nil
}
