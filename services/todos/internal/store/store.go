package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound   = errors.New("todo not found")
	ErrIncomplete = errors.New("todo is not completed")
)

type Todo struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Completed   bool      `json:"completed"`
	UserID      string    `json:"userId"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Store is the Postgres-backed todo table.
type Store struct{ DB *pgxpool.Pool }

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

const schema = `
CREATE TABLE IF NOT EXISTS todos (
  id          BIGSERIAL PRIMARY KEY,
  name        TEXT NOT NULL,
  description TEXT NOT NULL DEFAULT '',
  completed   BOOLEAN NOT NULL DEFAULT false,
  user_id     TEXT NOT NULL,
  created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS todos_user_id_id_idx ON todos (user_id, id DESC);
`

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.DB.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply todos schema: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.DB.Ping(ctx)
}

func (s *Store) CreateTodo(ctx context.Context, t Todo) (Todo, error) {
	err := s.DB.QueryRow(ctx, `
INSERT INTO todos(name,description,completed,user_id)
VALUES($1,$2,false,$3)
RETURNING id,completed,created_at
`, t.Name, t.Description, t.UserID).Scan(&t.ID, &t.Completed, &t.CreatedAt)
	if err != nil {
		return Todo{}, err
	}
	return t, nil
}

func (s *Store) ListTodosByOwner(ctx context.Context, userID string) ([]Todo, error) {
	rows, err := s.DB.Query(ctx, `
SELECT id,name,description,completed,user_id,created_at
FROM todos
WHERE user_id=$1
ORDER BY id DESC
`, userID)
	if err != nil {
		return nil, err
	}
	out, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (Todo, error) { return scanTodo(r) })
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []Todo{}
	}
	return out, nil
}

func (s *Store) GetTodo(ctx context.Context, id int64) (Todo, error) {
	row := s.DB.QueryRow(ctx, `
SELECT id,name,description,completed,user_id,created_at
FROM todos
WHERE id=$1
`, id)
	t, err := scanTodo(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Todo{}, ErrNotFound
		}
		return Todo{}, err
	}
	return t, nil
}

// CompleteTodo marks the row completed only if userID owns it. A missing row
// and a row owned by someone else are both ErrNotFound.
func (s *Store) CompleteTodo(ctx context.Context, id int64, userID string) (Todo, error) {
	row := s.DB.QueryRow(ctx, `
UPDATE todos SET completed=true
WHERE id=$1 AND user_id=$2
RETURNING id,name,description,completed,user_id,created_at
`, id, userID)
	t, err := scanTodo(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Todo{}, ErrNotFound
		}
		return Todo{}, err
	}
	return t, nil
}

// DeleteCompletedTodo removes the row only if userID owns it and it is
// completed. When nothing was deleted the row is re-read to tell
// ErrIncomplete apart from ErrNotFound.
func (s *Store) DeleteCompletedTodo(ctx context.Context, id int64, userID string) (int64, error) {
	var deleted int64
	err := s.DB.QueryRow(ctx, `
DELETE FROM todos
WHERE id=$1 AND user_id=$2 AND completed
RETURNING id
`, id, userID).Scan(&deleted)
	if err == nil {
		return deleted, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, err
	}
	// The row is only reported as incomplete; a concurrent completion after the
	// DELETE ran still leaves it in place, and the caller may retry.
	var exists bool
	err = s.DB.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM todos WHERE id=$1 AND user_id=$2)`, id, userID).Scan(&exists)
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, ErrNotFound
	}
	return 0, ErrIncomplete
}

func scanTodo(row pgx.Row) (Todo, error) {
	var t Todo
	err := row.Scan(&t.ID, &t.Name, &t.Description, &t.Completed, &t.UserID, &t.CreatedAt)
	return t, err
}
