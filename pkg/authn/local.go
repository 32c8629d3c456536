package authn

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the subset of provider-issued access token claims we read.
type Claims struct {
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

type LocalOptions struct {
	Audience string
	Issuer   string
	Leeway   time.Duration
	Now      func() time.Time
}

// LocalVerifier checks HS256 tokens against a shared secret without a
// network call.
type LocalVerifier struct {
	secret []byte
	parser *jwt.Parser
}

func NewLocalVerifier(secret string, opts LocalOptions) (*LocalVerifier, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("jwt secret is required")
	}
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	}
	if opts.Audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(opts.Audience))
	}
	if opts.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(opts.Issuer))
	}
	if opts.Leeway > 0 {
		parserOpts = append(parserOpts, jwt.WithLeeway(opts.Leeway))
	}
	if opts.Now != nil {
		parserOpts = append(parserOpts, jwt.WithTimeFunc(opts.Now))
	}
	return &LocalVerifier{secret: []byte(secret), parser: jwt.NewParser(parserOpts...)}, nil
}

func (v *LocalVerifier) Verify(_ context.Context, token string) (*Principal, error) {
	var claims Claims
	_, err := v.parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, fmt.Errorf("%w: token has no subject", ErrUnauthorized)
	}
	return &Principal{UserID: claims.Subject, Email: claims.Email, Role: claims.Role}, nil
}

// SignHS256 mints a token the LocalVerifier accepts. Used by tests and
// local tooling that stands in for the provider.
func SignHS256(secret string, claims Claims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
