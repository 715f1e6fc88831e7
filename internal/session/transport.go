package session

import (
	"net/http"
)

// BearerTransport adds an Authorization header to every request.
// An empty token sends requests anonymously.
type BearerTransport struct {
	Token string
	Base  http.RoundTripper
}

// RoundTrip implements http.RoundTripper.
func (t *BearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	if t.Token == "" {
		return base.RoundTrip(req)
	}
	r := req.Clone(req.Context())
	r.Header.Set("Authorization", "Bearer "+t.Token)
	return base.RoundTrip(r)
}

// AuthState reports whether the current user is logged in.
type AuthState interface {
	IsAuthenticated() bool
}

// StaticAuth is an AuthState with a fixed answer.
type StaticAuth bool

// IsAuthenticated implements AuthState.
func (a StaticAuth) IsAuthenticated() bool {
	return bool(a)
}
