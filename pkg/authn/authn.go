// Package authn verifies bearer credentials and carries the resulting
// principal through the request context.
package authn

import (
	"context"
	"errors"
	"strings"
)

var ErrUnauthorized = errors.New("unauthorized")

// Principal is the authenticated caller. UserID is the provider's stable
// subject identifier and is the only field used for ownership.
type Principal struct {
	UserID string
	Email  string
	Role   string
}

// Verifier turns a bearer token into a principal. Implementations return
// an error wrapping ErrUnauthorized for every rejected credential.
type Verifier interface {
	Verify(ctx context.Context, token string) (*Principal, error)
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*Principal)
	if !ok || p == nil || p.UserID == "" {
		return nil, false
	}
	return p, true
}

func ParseBearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if token == "" || strings.ContainsAny(token, " \t") {
		return "", false
	}
	return token, true
}
