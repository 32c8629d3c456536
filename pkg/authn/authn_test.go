package authn

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/todolane/todolane/pkg/identity"
)

func TestParseBearerToken(t *testing.T) {
	cases := []struct {
		header string
		want   string
		ok     bool
	}{
		{"Bearer abc123", "abc123", true},
		{"Bearer   abc123  ", "abc123", true},
		{"abc123", "", false},
		{"bearer abc123", "", false},
		{"Bearer ", "", false},
		{"Bearer a b", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		got, ok := ParseBearerToken(tc.header)
		if ok != tc.ok || got != tc.want {
			t.Fatalf("ParseBearerToken(%q) = %q,%v; want %q,%v", tc.header, got, ok, tc.want, tc.ok)
		}
	}
}

func TestPrincipalContextRoundTrip(t *testing.T) {
	if _, ok := PrincipalFromContext(context.Background()); ok {
		t.Fatal("expected no principal on empty context")
	}
	ctx := WithPrincipal(context.Background(), &Principal{UserID: "u1"})
	p, ok := PrincipalFromContext(ctx)
	if !ok || p.UserID != "u1" {
		t.Fatalf("unexpected principal: %+v ok=%v", p, ok)
	}
	if _, ok := PrincipalFromContext(WithPrincipal(context.Background(), &Principal{})); ok {
		t.Fatal("expected principal without user id to be ignored")
	}
}

type fakeUsers struct {
	user  *identity.User
	err   error
	calls int
}

func (f *fakeUsers) GetUser(ctx context.Context, token string) (*identity.User, error) {
	f.calls++
	return f.user, f.err
}

func TestRemoteVerifier(t *testing.T) {
	ok := &fakeUsers{user: &identity.User{ID: "u1", Email: "u1@example.com"}}
	p, err := NewRemoteVerifier(ok).Verify(context.Background(), "tok")
	if err != nil {
		t.Fatalf("Verify error: %v", err)
	}
	if p.UserID != "u1" || p.Email != "u1@example.com" {
		t.Fatalf("unexpected principal: %+v", p)
	}

	for name, users := range map[string]*fakeUsers{
		"provider error": {err: errors.New("dial tcp: connection refused")},
		"nil user":       {},
		"empty id":       {user: &identity.User{}},
	} {
		_, err := NewRemoteVerifier(users).Verify(context.Background(), "tok")
		if !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("%s: expected ErrUnauthorized, got %v", name, err)
		}
	}
}

const testSecret = "super-secret-jwt-token-with-at-least-32-characters"

func TestLocalVerifier(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	v, err := NewLocalVerifier(testSecret, LocalOptions{Audience: "authenticated", Now: func() time.Time { return now }})
	if err != nil {
		t.Fatalf("NewLocalVerifier: %v", err)
	}
	claims := func(sub string, exp time.Time) Claims {
		return Claims{
			Email: "u1@example.com",
			Role:  "authenticated",
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   sub,
				Audience:  jwt.ClaimStrings{"authenticated"},
				IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
				ExpiresAt: jwt.NewNumericDate(exp),
			},
		}
	}

	good, err := SignHS256(testSecret, claims("u1", now.Add(time.Hour)))
	if err != nil {
		t.Fatalf("SignHS256: %v", err)
	}
	p, err := v.Verify(context.Background(), good)
	if err != nil {
		t.Fatalf("Verify good token: %v", err)
	}
	if p.UserID != "u1" || p.Email != "u1@example.com" || p.Role != "authenticated" {
		t.Fatalf("unexpected principal: %+v", p)
	}

	expired, _ := SignHS256(testSecret, claims("u1", now.Add(-time.Second)))
	wrongKey, _ := SignHS256("another-secret-another-secret-another", claims("u1", now.Add(time.Hour)))
	noSub, _ := SignHS256(testSecret, claims("", now.Add(time.Hour)))
	noExp, _ := SignHS256(testSecret, Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "u1", Audience: jwt.ClaimStrings{"authenticated"}}})
	wrongAud := claims("u1", now.Add(time.Hour))
	wrongAud.Audience = jwt.ClaimStrings{"anon"}
	wrongAudTok, _ := SignHS256(testSecret, wrongAud)
	hs512, _ := jwt.NewWithClaims(jwt.SigningMethodHS512, claims("u1", now.Add(time.Hour))).SignedString([]byte(testSecret))
	other, _ := SignHS256(testSecret, claims("u2", now.Add(time.Hour)))
	goodParts, otherParts := strings.Split(good, "."), strings.Split(other, ".")
	tampered := goodParts[0] + "." + otherParts[1] + "." + goodParts[2]

	for name, tok := range map[string]string{
		"expired":        expired,
		"wrong key":      wrongKey,
		"missing sub":    noSub,
		"missing exp":    noExp,
		"wrong audience": wrongAudTok,
		"wrong alg":      hs512,
		"tampered":       tampered,
		"malformed":      "not.a.jwt",
	} {
		if _, err := v.Verify(context.Background(), tok); !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("%s: expected ErrUnauthorized, got %v", name, err)
		}
	}
}

func TestNewLocalVerifierRequiresSecret(t *testing.T) {
	if _, err := NewLocalVerifier("  ", LocalOptions{}); err == nil {
		t.Fatal("expected error for empty secret")
	}
}

type stubVerifier struct {
	principal *Principal
	calls     int
}

func (s *stubVerifier) Verify(ctx context.Context, token string) (*Principal, error) {
	s.calls++
	if token != "good" {
		return nil, ErrUnauthorized
	}
	return s.principal, nil
}

func TestMiddleware(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	v := &stubVerifier{principal: &Principal{UserID: "u1"}}
	reached := 0
	h := Middleware(v, logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached++
		p, ok := PrincipalFromContext(r.Context())
		if !ok || p.UserID != "u1" {
			t.Fatalf("principal not attached: %+v", p)
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	cases := []struct {
		name       string
		header     string
		wantStatus int
		wantMsg    string
	}{
		{"missing header", "", 401, msgMissingHeader},
		{"wrong scheme", "Basic Zm9vOmJhcg==", 401, msgMissingHeader},
		{"bad token", "Bearer nope", 401, msgInvalidToken},
		{"good token", "Bearer good", 204, ""},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/todos", nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != tc.wantStatus {
			t.Fatalf("%s: status=%d want %d", tc.name, rec.Code, tc.wantStatus)
		}
		if tc.wantMsg != "" && !strings.Contains(rec.Body.String(), tc.wantMsg) {
			t.Fatalf("%s: unexpected body %s", tc.name, rec.Body.String())
		}
	}
	if reached != 1 {
		t.Fatalf("expected handler reached once, got %d", reached)
	}
	if v.calls != 2 {
		t.Fatalf("expected verifier called only for well-formed headers, got %d", v.calls)
	}
}
