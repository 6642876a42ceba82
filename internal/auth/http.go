// ABOUTME: HTTP middleware for JWT authentication on API endpoints
// ABOUTME: Extracts the bearer token and adds the Caller to the request context

package auth

import (
	"net"
	"net/http"
	"slices"
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

// clientIP returns the request's remote host without the port.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// HTTPMiddleware creates an HTTP middleware that verifies bearer tokens.
// EventSource clients cannot set headers, so GET requests may pass the
// token as the access_token query parameter instead. Users listed in
// moderators are granted the moderator role.
func HTTPMiddleware(verifier TokenVerifier, moderators []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
			if errMsg != "" && r.Method == http.MethodGet {
				if q := r.URL.Query().Get("access_token"); q != "" {
					token, errMsg = q, ""
				}
			}
			if errMsg != "" {
				writeError(w, errMsg, http.StatusUnauthorized)
				return
			}

			claims, err := verifier.Verify(token)
			if err != nil {
				writeError(w, "invalid token", http.StatusUnauthorized)
				return
			}

			roles := slices.Clone(claims.Roles)
			if slices.Contains(moderators, claims.Subject) && !slices.Contains(roles, RoleModerator) {
				roles = append(roles, RoleModerator)
			}
			caller := &Caller{
				ID:        claims.Subject,
				Roles:     roles,
				IPAddress: clientIP(r),
				UserAgent: r.UserAgent(),
			}
			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
		})
	}
}

func writeError(w http.ResponseWriter, msg string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}
