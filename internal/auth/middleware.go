package auth

import (
	"fmt"
	"net/http"

	"ms-admission/internal/logger"
	"ms-admission/internal/utils"
)

// Middleware rejects requests without a valid bearer token and stores the
// caller's Identity in the request context.
func Middleware(verifier TokenVerifier, log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rawToken, err := ExtractTokenFromRequest(r)
			if err != nil {
				utils.WriteJSON(w, http.StatusUnauthorized, utils.ErrorResponse(err.Error(), "unauthorized"))
				return
			}

			id, err := verifier.Verify(r.Context(), rawToken)
			if err != nil {
				log.LogSecurity("TOKEN_REJECTED", fmt.Sprintf("%s %s: %v", r.Method, r.URL.Path, err))
				utils.WriteJSON(w, http.StatusUnauthorized, utils.ErrorResponse("invalid token", "unauthorized"))
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

// RequireAdmin must run after Middleware.
func RequireAdmin(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := FromContext(r.Context())
			if !ok || !id.IsAdmin {
				log.LogSecurity("ADMIN_REQUIRED", fmt.Sprintf("user %q denied %s %s", id.UserID, r.Method, r.URL.Path))
				utils.WriteJSON(w, http.StatusForbidden, utils.ErrorResponse("admin role required", "forbidden"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
