package identity

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestSignInAndGetUser(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("apikey") != "anon-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch {
		case r.URL.Path == "/auth/v1/token" && r.URL.Query().Get("grant_type") == "password":
			var req map[string]string
			_ = json.NewDecoder(r.Body).Decode(&req)
			if req["email"] != "u1@example.com" || req["password"] != "pw" {
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"Invalid login credentials"}`))
				return
			}
			w.Header().Set("content-type", "application/json")
			_, _ = w.Write([]byte(`{"access_token":"at_1","token_type":"bearer","expires_in":3600,"expires_at":1900000000,"refresh_token":"rt_1","user":{"id":"user-1","email":"u1@example.com"}}`))
		case r.URL.Path == "/auth/v1/user":
			if r.Header.Get("Authorization") != "Bearer at_1" {
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"code":401,"msg":"invalid JWT"}`))
				return
			}
			_, _ = w.Write([]byte(`{"id":"user-1","email":"u1@example.com","role":"authenticated"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer ts.Close()

	c := New(ts.URL, "anon-key")
	sess, err := c.SignInWithPassword(context.Background(), "u1@example.com", "pw")
	if err != nil {
		t.Fatalf("SignInWithPassword error: %v", err)
	}
	if sess.AccessToken != "at_1" || sess.RefreshToken != "rt_1" || sess.User.ID != "user-1" {
		t.Fatalf("unexpected session: %+v", sess)
	}
	if !sess.ExpiresAt.Equal(time.Unix(1900000000, 0)) {
		t.Fatalf("unexpected expires_at: %v", sess.ExpiresAt)
	}

	u, err := c.GetUser(context.Background(), "at_1")
	if err != nil {
		t.Fatalf("GetUser error: %v", err)
	}
	if u.ID != "user-1" || u.Email != "u1@example.com" {
		t.Fatalf("unexpected user: %+v", u)
	}

	_, err = c.GetUser(context.Background(), "bogus")
	if !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}

	_, err = c.SignInWithPassword(context.Background(), "u1@example.com", "wrong")
	var perr *Error
	if !errors.As(err, &perr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if perr.StatusCode != 400 || perr.Message != "Invalid login credentials" {
		t.Fatalf("unexpected provider error: %+v", perr)
	}
}

func TestSignUpWithoutSession(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/v1/signup" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"id":"user-2","email":"u2@example.com"}`))
	}))
	defer ts.Close()

	sess, u, err := New(ts.URL, "").SignUp(context.Background(), "u2@example.com", "pw")
	if err != nil {
		t.Fatalf("SignUp error: %v", err)
	}
	if sess != nil {
		t.Fatalf("expected no session when confirmation is pending, got %+v", sess)
	}
	if u.ID != "user-2" {
		t.Fatalf("unexpected user: %+v", u)
	}
}

func TestRefreshSessionUsesExpiresIn(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("grant_type") != "refresh_token" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"access_token":"at_2","refresh_token":"rt_2","expires_in":60,"user":{"id":"user-1"}}`))
	}))
	defer ts.Close()

	c := New(ts.URL, "")
	c.Now = func() time.Time { return now }
	sess, err := c.RefreshSession(context.Background(), "rt_1")
	if err != nil {
		t.Fatalf("RefreshSession error: %v", err)
	}
	if !sess.ExpiresAt.Equal(now.Add(time.Minute)) {
		t.Fatalf("unexpected expiry: %v", sess.ExpiresAt)
	}
	if _, err := c.RefreshSession(context.Background(), " "); err == nil {
		t.Fatal("expected error for empty refresh token")
	}
}

func TestGetUserServerErrorIsNotInvalidToken(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	_, err := New(ts.URL, "").GetUser(context.Background(), "at_1")
	if err == nil || errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected a provider failure distinct from ErrInvalidToken, got %v", err)
	}
}

func TestSessionExpired(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var nilSession *Session
	if !nilSession.Expired(now, 0) {
		t.Fatal("nil session should be expired")
	}
	s := &Session{AccessToken: "a", ExpiresAt: now.Add(30 * time.Second)}
	if s.Expired(now, 0) {
		t.Fatal("expected unexpired session")
	}
	if !s.Expired(now, time.Minute) {
		t.Fatal("expected skew to mark session expired")
	}
}
