// ABOUTME: HTTP middleware for JWT authentication on the status API
// ABOUTME: Extracts JWT from the Authorization header and adds the principal to context

package auth

import (
	"net/http"
	"strings"
)

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// HTTPAuthMiddleware creates an HTTP middleware that validates bearer JWTs
// and requires one of roles. It uses the same WithAuth/FromContext pattern as
// the gRPC interceptors.
func HTTPAuthMiddleware(verifier TokenVerifier, roles ...Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
			if errMsg != "" {
				http.Error(w, `{"error":"`+errMsg+`"}`, http.StatusUnauthorized)
				return
			}

			principal, err := verifier.Verify(token)
			if err != nil {
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}

			authCtx := &AuthContext{Subject: principal.Subject, Role: principal.Role}
			if !authCtx.Allows(roles...) {
				http.Error(w, `{"error":"insufficient role"}`, http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), authCtx)))
		})
	}
}

// NoAuthMiddleware injects an anonymous admin context when authentication is
// disabled.
func NoAuthMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), anonymous())))
		})
	}
}
