package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

// MaxBodyBytes bounds JSON request bodies.
const MaxBodyBytes = 1 << 20

func NewRequestID() string { return "req_" + uuid.NewString() }

// RequestID returns the id assigned by middleware.RequestID, or a fresh one.
func RequestID(r *http.Request) string {
	if r != nil {
		if id := middleware.GetReqID(r.Context()); id != "" {
			return id
		}
	}
	return NewRequestID()
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// BodyError is returned by ReadJSON. Message is safe to send to clients;
// Err keeps the decoder detail for logs.
type BodyError struct {
	Message string
	Err     error
}

func (e *BodyError) Error() string { return e.Message }

func (e *BodyError) Unwrap() error { return e.Err }

// ReadJSON decodes exactly one JSON object from the body.
func ReadJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return &BodyError{Message: bodyMessage(err), Err: err}
	}
	if dec.More() {
		return &BodyError{Message: "body must contain a single JSON object", Err: errors.New("trailing data after JSON object")}
	}
	return nil
}

func bodyMessage(err error) string {
	var (
		maxErr  *http.MaxBytesError
		typeErr *json.UnmarshalTypeError
	)
	switch {
	case errors.As(err, &maxErr):
		return fmt.Sprintf("body exceeds %d bytes", maxErr.Limit)
	case errors.Is(err, io.EOF):
		return "body is empty"
	case errors.As(err, &typeErr) && typeErr.Field != "":
		return fmt.Sprintf("field %q has the wrong type", typeErr.Field)
	}
	// encoding/json has no typed error for unknown fields.
	if field, ok := strings.CutPrefix(err.Error(), "json: unknown field "); ok {
		return "unknown field " + field
	}
	return "invalid JSON body"
}

// WriteSuccess writes {"success":true, <key>:<value>}.
func WriteSuccess(w http.ResponseWriter, status int, key string, value any) {
	WriteJSON(w, status, map[string]any{"success": true, key: value})
}

// WriteError writes the failure envelope shared by every endpoint.
func WriteError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	WriteJSON(w, status, map[string]any{
		"success":    false,
		"message":    message,
		"code":       code,
		"request_id": RequestID(r),
	})
}

func NotFound(w http.ResponseWriter, r *http.Request) {
	WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "route not found")
}

func MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	WriteError(w, r, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
}
