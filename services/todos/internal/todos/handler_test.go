package todos

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/todolane/todolane/pkg/authn"
	"github.com/todolane/todolane/services/todos/internal/store"
)

type tokenVerifier map[string]*authn.Principal

func (v tokenVerifier) Verify(ctx context.Context, token string) (*authn.Principal, error) {
	p, ok := v[token]
	if !ok {
		return nil, authn.ErrUnauthorized
	}
	return p, nil
}

type countingStore struct {
	*store.Memory
	calls int
}

func (c *countingStore) CreateTodo(ctx context.Context, t store.Todo) (store.Todo, error) {
	c.calls++
	return c.Memory.CreateTodo(ctx, t)
}

func (c *countingStore) ListTodosByOwner(ctx context.Context, userID string) ([]store.Todo, error) {
	c.calls++
	return c.Memory.ListTodosByOwner(ctx, userID)
}

func (c *countingStore) CompleteTodo(ctx context.Context, id int64, userID string) (store.Todo, error) {
	c.calls++
	return c.Memory.CompleteTodo(ctx, id, userID)
}

func (c *countingStore) DeleteCompletedTodo(ctx context.Context, id int64, userID string) (int64, error) {
	c.calls++
	return c.Memory.DeleteCompletedTodo(ctx, id, userID)
}

func newTestRouter(t *testing.T) (http.Handler, *countingStore) {
	t.Helper()
	st := &countingStore{Memory: store.NewMemory()}
	verifier := tokenVerifier{"tok-u1": userOne, "tok-u2": userTwo}
	h := NewHandler(NewService(st, testLogger()), testLogger())
	r := chi.NewRouter()
	h.Routes(r, authn.Middleware(verifier, testLogger()))
	return r, st
}

type envelope struct {
	Success bool         `json:"success"`
	Message string       `json:"message"`
	Code    string       `json:"code"`
	Todo    int64        `json:"todo"`
	Todos   []store.Todo `json:"todos"`
}

func call(t *testing.T, h http.Handler, method, path, token, body string) (int, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != "" {
		req.Header.Set("content-type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var env envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("%s %s: decode body %q: %v", method, path, rec.Body.String(), err)
	}
	return rec.Code, env
}

func TestCreateListScenario(t *testing.T) {
	h, _ := newTestRouter(t)

	status, env := call(t, h, http.MethodPost, "/todos", "tok-u1", `{"name":"Buy milk","description":""}`)
	if status != http.StatusCreated || !env.Success || env.Todo == 0 {
		t.Fatalf("create: status=%d env=%+v", status, env)
	}
	id := env.Todo

	status, env = call(t, h, http.MethodGet, "/todos", "tok-u1", "")
	if status != http.StatusOK || !env.Success || len(env.Todos) != 1 {
		t.Fatalf("list u1: status=%d env=%+v", status, env)
	}
	if got := env.Todos[0]; got.ID != id || got.Completed || got.UserID != userOne.UserID || got.Name != "Buy milk" {
		t.Fatalf("unexpected todo: %+v", got)
	}

	status, env = call(t, h, http.MethodGet, "/todos", "tok-u2", "")
	if status != http.StatusOK || len(env.Todos) != 0 {
		t.Fatalf("list u2: status=%d env=%+v", status, env)
	}
}

func TestListEmptyEncodesArray(t *testing.T) {
	h, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/todos", nil)
	req.Header.Set("Authorization", "Bearer tok-u2")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if !strings.Contains(rec.Body.String(), `"todos":[]`) {
		t.Fatalf("expected empty array, got %s", rec.Body.String())
	}
}

func TestCompleteThenDeleteScenario(t *testing.T) {
	h, _ := newTestRouter(t)
	_, env := call(t, h, http.MethodPost, "/todos", "tok-u1", `{"name":"Buy milk"}`)
	id := env.Todo

	status, env := call(t, h, http.MethodDelete, fmt.Sprintf("/todos/%d", id), "tok-u1", "")
	if status != http.StatusBadRequest || env.Success || env.Message != "cannot delete an incomplete todo" {
		t.Fatalf("delete incomplete: status=%d env=%+v", status, env)
	}

	status, env = call(t, h, http.MethodPut, fmt.Sprintf("/todos/%d/completed", id), "tok-u1", "")
	if status != http.StatusOK || !env.Success || env.Todo != id {
		t.Fatalf("complete: status=%d env=%+v", status, env)
	}
	_, env = call(t, h, http.MethodGet, "/todos", "tok-u1", "")
	if len(env.Todos) != 1 || !env.Todos[0].Completed {
		t.Fatalf("expected completed todo in list, got %+v", env.Todos)
	}

	status, env = call(t, h, http.MethodDelete, fmt.Sprintf("/todos/%d", id), "tok-u1", "")
	if status != http.StatusOK || !env.Success || env.Todo != id {
		t.Fatalf("delete: status=%d env=%+v", status, env)
	}
	_, env = call(t, h, http.MethodGet, "/todos", "tok-u1", "")
	if len(env.Todos) != 0 {
		t.Fatalf("expected todo removed, got %+v", env.Todos)
	}
}

func TestNonOwnerIsDenied(t *testing.T) {
	h, st := newTestRouter(t)
	_, env := call(t, h, http.MethodPost, "/todos", "tok-u1", `{"name":"private"}`)
	id := env.Todo

	status, env := call(t, h, http.MethodPut, fmt.Sprintf("/todos/%d/completed", id), "tok-u2", "")
	if status != http.StatusForbidden || env.Success {
		t.Fatalf("foreign complete: status=%d env=%+v", status, env)
	}
	status, missing := call(t, h, http.MethodPut, "/todos/999999/completed", "tok-u2", "")
	if status != http.StatusForbidden || missing.Message != env.Message {
		t.Fatalf("missing todo must look like a foreign one: status=%d env=%+v", status, missing)
	}

	status, _ = call(t, h, http.MethodDelete, fmt.Sprintf("/todos/%d", id), "tok-u2", "")
	if status != http.StatusForbidden {
		t.Fatalf("foreign delete: status=%d", status)
	}
	got, err := st.GetTodo(context.Background(), id)
	if err != nil || got.Completed {
		t.Fatalf("todo must be untouched, got %+v, %v", got, err)
	}
}

func TestUnauthenticatedRequestsNeverReachStore(t *testing.T) {
	h, st := newTestRouter(t)
	routes := []struct{ method, path, body string }{
		{http.MethodGet, "/todos", ""},
		{http.MethodPost, "/todos", `{"name":"x"}`},
		{http.MethodPut, "/todos/1/completed", ""},
		{http.MethodDelete, "/todos/1", ""},
	}
	for _, rt := range routes {
		for _, token := range []string{"", "forged"} {
			status, env := call(t, h, rt.method, rt.path, token, rt.body)
			if status != http.StatusUnauthorized || env.Success {
				t.Fatalf("%s %s token=%q: status=%d env=%+v", rt.method, rt.path, token, status, env)
			}
		}
	}
	if st.calls != 0 {
		t.Fatalf("store was reached %d times without a valid token", st.calls)
	}
}

func TestBadInput(t *testing.T) {
	h, _ := newTestRouter(t)
	cases := []struct {
		method, path, body string
		want               int
	}{
		{http.MethodPost, "/todos", `{"description":"no name"}`, 400},
		{http.MethodPost, "/todos", `not json`, 400},
		{http.MethodPost, "/todos", `{"name":"x","completed":true}`, 400},
		{http.MethodPost, "/todos", `{"name":5}`, 400},
		{http.MethodPut, "/todos/abc/completed", "", 400},
		{http.MethodDelete, "/todos/-3", "", 400},
	}
	for _, tc := range cases {
		status, env := call(t, h, tc.method, tc.path, "tok-u1", tc.body)
		if status != tc.want || env.Success || env.Message == "" || strings.Contains(env.Message, "json:") {
			t.Fatalf("%s %s %q: status=%d env=%+v", tc.method, tc.path, tc.body, status, env)
		}
	}
}
