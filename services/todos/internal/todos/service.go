package todos

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/todolane/todolane/pkg/authn"
	"github.com/todolane/todolane/services/todos/internal/store"
)

const (
	maxNameRunes        = 200
	maxDescriptionRunes = 2000

	msgAccessDenied = "todo not found or access denied"
)

// Store is the persistence the service needs. Ownership and completion are
// enforced by the conditional mutations themselves.
type Store interface {
	CreateTodo(ctx context.Context, t store.Todo) (store.Todo, error)
	ListTodosByOwner(ctx context.Context, userID string) ([]store.Todo, error)
	CompleteTodo(ctx context.Context, id int64, userID string) (store.Todo, error)
	DeleteCompletedTodo(ctx context.Context, id int64, userID string) (int64, error)
}

type CreateInput struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type Service struct {
	store  Store
	logger *slog.Logger
}

func NewService(st Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, logger: logger}
}

func (s *Service) List(ctx context.Context, p *authn.Principal) ([]store.Todo, error) {
	if err := requirePrincipal(p); err != nil {
		return nil, err
	}
	items, err := s.store.ListTodosByOwner(ctx, p.UserID)
	if err != nil {
		s.logger.ErrorContext(ctx, "list todos", "user_id", p.UserID, "error", err)
		return nil, newError(ErrStorage, "failed to fetch todos", err)
	}
	if items == nil {
		items = []store.Todo{}
	}
	return items, nil
}

func (s *Service) Create(ctx context.Context, p *authn.Principal, in CreateInput) (store.Todo, error) {
	if err := requirePrincipal(p); err != nil {
		return store.Todo{}, err
	}
	name := strings.TrimSpace(in.Name)
	switch {
	case name == "":
		return store.Todo{}, newError(ErrValidation, "name is required", nil)
	case utf8.RuneCountInString(name) > maxNameRunes:
		return store.Todo{}, newError(ErrValidation, "name is too long", nil)
	case utf8.RuneCountInString(in.Description) > maxDescriptionRunes:
		return store.Todo{}, newError(ErrValidation, "description is too long", nil)
	}

	created, err := s.store.CreateTodo(ctx, store.Todo{
		Name:        name,
		Description: in.Description,
		Completed:   false,
		UserID:      p.UserID,
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "create todo", "user_id", p.UserID, "error", err)
		return store.Todo{}, newError(ErrStorage, "failed to create todo", err)
	}
	s.logger.InfoContext(ctx, "todo created", "todo_id", created.ID, "user_id", p.UserID)
	return created, nil
}

// Complete marks an owned todo completed. Completing an already completed
// todo succeeds again.
func (s *Service) Complete(ctx context.Context, p *authn.Principal, id int64) (store.Todo, error) {
	if err := requirePrincipal(p); err != nil {
		return store.Todo{}, err
	}
	if id <= 0 {
		return store.Todo{}, newError(ErrValidation, "invalid todo id", nil)
	}
	updated, err := s.store.CompleteTodo(ctx, id, p.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Todo{}, newError(ErrForbidden, msgAccessDenied, err)
		}
		s.logger.ErrorContext(ctx, "complete todo", "todo_id", id, "user_id", p.UserID, "error", err)
		return store.Todo{}, newError(ErrStorage, "failed to mark todo as completed", err)
	}
	return updated, nil
}

// Delete removes an owned, completed todo and returns its id.
func (s *Service) Delete(ctx context.Context, p *authn.Principal, id int64) (int64, error) {
	if err := requirePrincipal(p); err != nil {
		return 0, err
	}
	if id <= 0 {
		return 0, newError(ErrValidation, "invalid todo id", nil)
	}
	deleted, err := s.store.DeleteCompletedTodo(ctx, id, p.UserID)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			return 0, newError(ErrForbidden, msgAccessDenied, err)
		case errors.Is(err, store.ErrIncomplete):
			return 0, newError(ErrPrecondition, "cannot delete an incomplete todo", err)
		}
		s.logger.ErrorContext(ctx, "delete todo", "todo_id", id, "user_id", p.UserID, "error", err)
		return 0, newError(ErrStorage, "failed to delete todo", err)
	}
	s.logger.InfoContext(ctx, "todo deleted", "todo_id", deleted, "user_id", p.UserID)
	return deleted, nil
}

func requirePrincipal(p *authn.Principal) error {
	if p == nil || strings.TrimSpace(p.UserID) == "" {
		return newError(ErrUnauthenticated, "authentication required", nil)
	}
	return nil
}
