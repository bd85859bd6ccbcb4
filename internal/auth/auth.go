// Package auth is the boundary to the credential system. The broker only
// consumes a yes/no decision plus a caller identity; issuing credentials is
// someone else's job.
package auth

import "crypto/subtle"

// Identity names an authorized caller.
type Identity struct {
	UserID string
}

// Gate decides whether a presented credential is authorized.
type Gate interface {
	// Authorize validates the credential and returns the caller identity.
	Authorize(credential string) (Identity, bool)
}

// StaticTokenGate authorizes a single shared bearer token. An empty token
// admits everyone as a default identity; that mode is for development only.
type StaticTokenGate struct {
	token string
}

// NewStaticTokenGate creates a gate around a shared token.
func NewStaticTokenGate(token string) *StaticTokenGate {
	return &StaticTokenGate{token: token}
}

func (g *StaticTokenGate) Authorize(credential string) (Identity, bool) {
	if g.token == "" {
		return Identity{UserID: "default-user"}, true
	}
	if subtle.ConstantTimeCompare([]byte(credential), []byte(g.token)) == 1 {
		return Identity{UserID: "token-user"}, true
	}
	return Identity{}, false
}
