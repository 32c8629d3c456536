package todos

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/todolane/todolane/pkg/authn"
	"github.com/todolane/todolane/pkg/httpx"
)

type Handler struct {
	svc    *Service
	logger *slog.Logger
}

func NewHandler(svc *Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{svc: svc, logger: logger}
}

// Routes mounts the todo endpoints behind auth. Requests rejected by auth
// never reach the handler or the store.
func (h *Handler) Routes(r chi.Router, auth func(http.Handler) http.Handler) {
	r.Route("/todos", func(api chi.Router) {
		api.Use(auth)
		api.Get("/", h.List)
		api.Post("/", h.Create)
		api.Put("/{id}/completed", h.Complete)
		api.Delete("/{id}", h.Delete)
	})
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	p, _ := authn.PrincipalFromContext(r.Context())
	items, err := h.svc.List(r.Context(), p)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.WriteSuccess(w, http.StatusOK, "todos", items)
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	p, _ := authn.PrincipalFromContext(r.Context())
	var in CreateInput
	if err := httpx.ReadJSON(w, r, &in); err != nil {
		h.logger.DebugContext(r.Context(), "rejected request body",
			"request_id", httpx.RequestID(r),
			"error", errors.Unwrap(err),
		)
		httpx.WriteError(w, r, http.StatusBadRequest, "BAD_JSON", err.Error())
		return
	}
	created, err := h.svc.Create(r.Context(), p, in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.WriteSuccess(w, http.StatusCreated, "todo", created.ID)
}

func (h *Handler) Complete(w http.ResponseWriter, r *http.Request) {
	p, _ := authn.PrincipalFromContext(r.Context())
	id, ok := todoID(w, r)
	if !ok {
		return
	}
	updated, err := h.svc.Complete(r.Context(), p, id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.WriteSuccess(w, http.StatusOK, "todo", updated.ID)
}

func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	p, _ := authn.PrincipalFromContext(r.Context())
	id, ok := todoID(w, r)
	if !ok {
		return
	}
	deleted, err := h.svc.Delete(r.Context(), p, id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.WriteSuccess(w, http.StatusOK, "todo", deleted)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := StatusFor(err)
	if status >= 500 {
		h.logger.ErrorContext(r.Context(), "request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", httpx.RequestID(r),
			"error", err,
		)
	}
	httpx.WriteError(w, r, status, code, PublicMessage(err))
}

func todoID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.WriteError(w, r, http.StatusBadRequest, "BAD_REQUEST", "invalid todo id")
		return 0, false
	}
	return id, true
}
