// Package auth checks bearer tokens on farmhand's HTTP surfaces: the peer
// message endpoint and the read-only run API.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

// Well-known scopes.
const (
	ScopeAll        = "*"
	ScopeMessagesRW = "messages:rw"
	ScopeRunsRO     = "runs:ro"
	ScopeRunsRW     = "runs:rw"
	ScopeEventsRO   = "events:ro"
	ScopeEventsRW   = "events:rw"
)

var (
	ErrMissingHeader = errors.New("missing Authorization header")
	ErrBadHeader     = errors.New("invalid Authorization header format")
	ErrMissingToken  = errors.New("missing bearer token")
)

// TokenConfig is a bearer token with a set of scopes.
type TokenConfig struct {
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

type Principal struct {
	Token  string
	Scopes map[string]struct{}
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func ExtractBearerToken(r *http.Request) (string, error) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return "", ErrMissingHeader
	}

	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return "", ErrBadHeader
	}

	token := strings.TrimSpace(strings.TrimPrefix(h, prefix))
	if token == "" {
		return "", ErrMissingToken
	}
	return token, nil
}

func constantTimeEqual(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Authenticate matches a presented bearer token against configured tokens.
// The group token authenticates with scope "*".
func Authenticate(presented string, groupToken string, tokens []TokenConfig) (Principal, bool) {
	if constantTimeEqual(presented, groupToken) {
		return Principal{
			Token:  presented,
			Scopes: map[string]struct{}{ScopeAll: {}},
		}, true
	}

	for _, t := range tokens {
		if constantTimeEqual(presented, t.Token) {
			return Principal{
				Token:  presented,
				Scopes: normalizeScopes(t.Scopes),
			}, true
		}
	}
	return Principal{}, false
}

func normalizeScopes(scopes []string) map[string]struct{} {
	out := make(map[string]struct{}, len(scopes))
	for _, s := range scopes {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		out[s] = struct{}{}
	}

	// Write implies read.
	if _, ok := out[ScopeRunsRW]; ok {
		out[ScopeRunsRO] = struct{}{}
	}
	if _, ok := out[ScopeEventsRW]; ok {
		out[ScopeEventsRO] = struct{}{}
	}
	return out
}

func HasAnyScope(p Principal, required ...string) bool {
	if len(required) == 0 {
		return true
	}
	if _, ok := p.Scopes[ScopeAll]; ok {
		return true
	}
	for _, s := range required {
		if _, ok := p.Scopes[s]; ok {
			return true
		}
	}
	return false
}

// Middleware authenticates every request and stores the principal in the
// request context. With no group token and no scoped tokens it lets
// everything through. onFail writes the rejection.
func Middleware(groupToken string, tokens []TokenConfig, onFail func(w http.ResponseWriter, status int, msg string)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if groupToken == "" && len(tokens) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			presented, err := ExtractBearerToken(r)
			if err != nil {
				onFail(w, http.StatusUnauthorized, err.Error())
				return
			}
			p, ok := Authenticate(presented, groupToken, tokens)
			if !ok {
				onFail(w, http.StatusUnauthorized, "invalid token")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

// RequireScopes rejects principals holding none of required. Requests that
// carry no principal passed an open Middleware and are allowed.
func RequireScopes(onFail func(w http.ResponseWriter, status int, msg string), required ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := PrincipalFromContext(r.Context())
			if ok && !HasAnyScope(p, required...) {
				onFail(w, http.StatusForbidden, "insufficient scope")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
