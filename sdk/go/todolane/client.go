package todolane

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// TokenSource yields the bearer token for the next request.
// *SessionManager implements it.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

type Todo struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Completed   bool      `json:"completed"`
	UserID      string    `json:"userId"`
	CreatedAt   time.Time `json:"createdAt"`
}

// APIError is a {success:false} reply from the API.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	RequestID  string
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("todolane api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     TokenSource
	cache      *ItemCache
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

// WithCache keeps cache in sync with the results of every call.
func WithCache(cache *ItemCache) Option {
	return func(c *Client) { c.cache = cache }
}

func NewClient(baseURL string, tokens TokenSource, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		tokens:     tokens,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) ListTodos(ctx context.Context) ([]Todo, error) {
	var out struct {
		Todos []Todo `json:"todos"`
	}
	if err := c.do(ctx, http.MethodGet, "/todos", nil, &out); err != nil {
		return nil, err
	}
	if out.Todos == nil {
		out.Todos = []Todo{}
	}
	c.cache.replace(out.Todos)
	return out.Todos, nil
}

func (c *Client) CreateTodo(ctx context.Context, name, description string) (int64, error) {
	var out struct {
		Todo int64 `json:"todo"`
	}
	body := map[string]string{"name": name, "description": description}
	if err := c.do(ctx, http.MethodPost, "/todos", body, &out); err != nil {
		return 0, err
	}
	c.cache.put(Todo{ID: out.Todo, Name: name, Description: description})
	return out.Todo, nil
}

func (c *Client) CompleteTodo(ctx context.Context, id int64) (int64, error) {
	var out struct {
		Todo int64 `json:"todo"`
	}
	if err := c.do(ctx, http.MethodPut, "/todos/"+strconv.FormatInt(id, 10)+"/completed", nil, &out); err != nil {
		return 0, err
	}
	c.cache.markCompleted(out.Todo)
	return out.Todo, nil
}

func (c *Client) DeleteTodo(ctx context.Context, id int64) (int64, error) {
	var out struct {
		Todo int64 `json:"todo"`
	}
	if err := c.do(ctx, http.MethodDelete, "/todos/"+strconv.FormatInt(id, 10), nil, &out); err != nil {
		return 0, err
	}
	c.cache.remove(out.Todo)
	return out.Todo, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	if c.tokens == nil {
		return ErrNoSession
	}
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return err
	}
	if strings.TrimSpace(token) == "" {
		return ErrNoSession
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("accept", "application/json")
	if body != nil {
		req.Header.Set("content-type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}

	var env struct {
		Success   bool   `json:"success"`
		Message   string `json:"message"`
		Code      string `json:"code"`
		RequestID string `json:"request_id"`
	}
	_ = json.Unmarshal(raw, &env)
	if resp.StatusCode >= 300 || !env.Success {
		apiErr := &APIError{StatusCode: resp.StatusCode, Code: env.Code, Message: env.Message, RequestID: env.RequestID}
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// IsUnauthorized reports whether err is a 401 from the API or a missing
// local session; either way the user has to sign in again.
func IsUnauthorized(err error) bool {
	if errors.Is(err, ErrNoSession) {
		return true
	}
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized
}

// ItemCache holds the last known state of todos keyed by id. It is owned by
// whoever constructs it and passed to a Client with WithCache. The zero
// value is ready to use; a nil *ItemCache is valid and caches nothing.
type ItemCache struct {
	mu    sync.RWMutex
	items map[int64]Todo
}

func NewItemCache() *ItemCache {
	return &ItemCache{items: map[int64]Todo{}}
}

func (c *ItemCache) Get(id int64) (Todo, bool) {
	if c == nil {
		return Todo{}, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.items[id]
	return t, ok
}

func (c *ItemCache) Len() int {
	if c == nil {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

func (c *ItemCache) Reset() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.items = map[int64]Todo{}
	c.mu.Unlock()
}

func (c *ItemCache) replace(items []Todo) {
	if c == nil {
		return
	}
	next := make(map[int64]Todo, len(items))
	for _, t := range items {
		next[t.ID] = t
	}
	c.mu.Lock()
	c.items = next
	c.mu.Unlock()
}

func (c *ItemCache) put(t Todo) {
	if c == nil {
		return
	}
	c.mu.Lock()
	if c.items == nil {
		c.items = map[int64]Todo{}
	}
	c.items[t.ID] = t
	c.mu.Unlock()
}

func (c *ItemCache) markCompleted(id int64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	if t, ok := c.items[id]; ok {
		t.Completed = true
		c.items[id] = t
	}
	c.mu.Unlock()
}

func (c *ItemCache) remove(id int64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	delete(c.items, id)
	c.mu.Unlock()
}
