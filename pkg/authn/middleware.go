package authn

import (
	"log/slog"
	"net/http"

	"github.com/todolane/todolane/pkg/httpx"
)

const (
	msgMissingHeader = "missing or invalid authorization header"
	msgInvalidToken  = "invalid or expired token"
)

// Middleware rejects requests without a verifiable bearer token before they
// reach the wrapped handler.
func Middleware(v Verifier, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := ParseBearerToken(r.Header.Get("Authorization"))
			if !ok {
				httpx.WriteError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", msgMissingHeader)
				return
			}
			p, err := v.Verify(r.Context(), token)
			if err != nil {
				logger.DebugContext(r.Context(), "bearer verification failed",
					"path", r.URL.Path,
					"request_id", httpx.RequestID(r),
					"error", err,
				)
				httpx.WriteError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", msgInvalidToken)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}
