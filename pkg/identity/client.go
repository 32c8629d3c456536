// Package identity talks to a GoTrue-compatible identity provider
// (the auth/v1 API exposed by Supabase and self-hosted GoTrue).
package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

var ErrInvalidToken = errors.New("identity: invalid or expired token")

// Error is a non-2xx reply from the provider.
type Error struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("identity provider returned %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("identity provider returned %d: %s", e.StatusCode, e.Message)
}

type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Role  string `json:"role,omitempty"`
	Aud   string `json:"aud,omitempty"`
}

type Session struct {
	AccessToken  string    `json:"access_token"`
	TokenType    string    `json:"token_type"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresIn    int64     `json:"expires_in"`
	ExpiresAt    time.Time `json:"expires_at"`
	User         User      `json:"user"`
}

// Expired reports whether the access token expires within skew of now.
func (s *Session) Expired(now time.Time, skew time.Duration) bool {
	if s == nil || s.AccessToken == "" {
		return true
	}
	if s.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(skew).Before(s.ExpiresAt)
}

type Client struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client
	Now     func() time.Time
}

func New(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		APIKey:  strings.TrimSpace(apiKey),
		HTTP:    &http.Client{Timeout: 10 * time.Second},
		Now:     time.Now,
	}
}

// SignUp registers a new user. Providers that require email confirmation
// return a user without a session, in which case the session is nil.
func (c *Client) SignUp(ctx context.Context, email, password string) (*Session, *User, error) {
	body := map[string]any{"email": email, "password": password}
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodPost, "/auth/v1/signup", "", body, &raw); err != nil {
		return nil, nil, err
	}
	var probe struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, nil, fmt.Errorf("decode signup response: %w", err)
	}
	if probe.AccessToken == "" {
		var u User
		if err := json.Unmarshal(raw, &u); err != nil {
			return nil, nil, fmt.Errorf("decode signup user: %w", err)
		}
		return nil, &u, nil
	}
	sess, err := c.decodeSession(raw)
	if err != nil {
		return nil, nil, err
	}
	return sess, &sess.User, nil
}

func (c *Client) SignInWithPassword(ctx context.Context, email, password string) (*Session, error) {
	body := map[string]any{"email": email, "password": password}
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodPost, "/auth/v1/token?grant_type=password", "", body, &raw); err != nil {
		return nil, err
	}
	return c.decodeSession(raw)
}

func (c *Client) RefreshSession(ctx context.Context, refreshToken string) (*Session, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return nil, errors.New("refresh token is required")
	}
	body := map[string]any{"refresh_token": refreshToken}
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodPost, "/auth/v1/token?grant_type=refresh_token", "", body, &raw); err != nil {
		return nil, err
	}
	return c.decodeSession(raw)
}

// GetUser resolves the user that owns accessToken. Any rejection by the
// provider is reported as ErrInvalidToken wrapping the provider error.
func (c *Client) GetUser(ctx context.Context, accessToken string) (*User, error) {
	if strings.TrimSpace(accessToken) == "" {
		return nil, ErrInvalidToken
	}
	var u User
	if err := c.do(ctx, http.MethodGet, "/auth/v1/user", accessToken, nil, &u); err != nil {
		var perr *Error
		if errors.As(err, &perr) && perr.StatusCode >= 400 && perr.StatusCode < 500 {
			return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
		}
		return nil, err
	}
	if strings.TrimSpace(u.ID) == "" {
		return nil, fmt.Errorf("%w: provider returned no user", ErrInvalidToken)
	}
	return &u, nil
}

func (c *Client) SignOut(ctx context.Context, accessToken string) error {
	return c.do(ctx, http.MethodPost, "/auth/v1/logout", accessToken, nil, nil)
}

func (c *Client) decodeSession(raw []byte) (*Session, error) {
	var out struct {
		Session
		ExpiresAtUnix int64 `json:"expires_at"`
	}
	// Session.ExpiresAt is shadowed by ExpiresAtUnix; the provider sends seconds.
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	sess := out.Session
	if sess.AccessToken == "" {
		return nil, errors.New("identity provider returned no access token")
	}
	switch {
	case out.ExpiresAtUnix > 0:
		sess.ExpiresAt = time.Unix(out.ExpiresAtUnix, 0).UTC()
	case sess.ExpiresIn > 0:
		sess.ExpiresAt = c.now().Add(time.Duration(sess.ExpiresIn) * time.Second).UTC()
	}
	return &sess, nil
}

func (c *Client) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *Client) do(ctx context.Context, method, path, bearer string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("accept", "application/json")
	if body != nil {
		req.Header.Set("content-type", "application/json")
	}
	if c.APIKey != "" {
		req.Header.Set("apikey", c.APIKey)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	} else if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return parseError(resp.StatusCode, respBody)
	}
	if out == nil {
		return nil
	}
	if len(bytes.TrimSpace(respBody)) == 0 {
		return errors.New("identity provider returned an empty body")
	}
	return json.Unmarshal(respBody, out)
}

func parseError(status int, body []byte) error {
	var payload struct {
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
		Msg              string `json:"msg"`
		Message          string `json:"message"`
		ErrorCode        string `json:"error_code"`
	}
	_ = json.Unmarshal(body, &payload)
	e := &Error{StatusCode: status, Code: payload.ErrorCode}
	if e.Code == "" {
		e.Code = payload.Error
	}
	for _, m := range []string{payload.ErrorDescription, payload.Msg, payload.Message, payload.Error} {
		if strings.TrimSpace(m) != "" {
			e.Message = m
			break
		}
	}
	if e.Message == "" {
		e.Message = http.StatusText(status)
	}
	return e
}
