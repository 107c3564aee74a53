package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/chainlog/chainlog/internal/audit"
)

// ctxKey namespaces request-context values set by the auth middleware.
type ctxKey int

const (
	ctxKeyRole ctxKey = iota
	ctxKeySubject
)

// authenticate verifies the bearer token and stores the caller's role and
// subject in the request context. Tokens are HMAC-signed JWTs carrying a
// "role" claim; issuance is handled by the surrounding platform, this
// service only verifies. A no-op when auth is disabled.
//
// WebSocket clients cannot set the Authorization header from a browser,
// so the token is also accepted as an access_token query parameter.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.auth.Enabled {
			next.ServeHTTP(w, r)
			return
		}

		raw := bearerToken(r)
		if raw == "" {
			writeError(w, http.StatusUnauthorized, "authorization required")
			return
		}

		role, subject, err := s.verifyToken(raw)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}

		ctx := context.WithValue(r.Context(), ctxKeyRole, role)
		ctx = context.WithValue(ctx, ctxKeySubject, subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireRole gates a route group on the authenticated role. A no-op
// when auth is disabled.
func (s *Server) requireRole(roles ...audit.ActorRole) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !s.auth.Enabled {
				next.ServeHTTP(w, r)
				return
			}

			role, ok := roleFromContext(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, "authorization required")
				return
			}
			for _, want := range roles {
				if role == want {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeError(w, http.StatusForbidden, fmt.Sprintf("role %q may not access this resource", role))
		})
	}
}

// verifyToken parses and validates a signed token, returning the role
// and subject claims. Only HMAC signatures are accepted; a token signed
// with any other method is rejected before the key is consulted.
func (s *Server) verifyToken(raw string) (audit.ActorRole, string, error) {
	token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(s.auth.JWTSecret), nil
	})
	if err != nil {
		return "", "", fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", "", fmt.Errorf("invalid token: missing claims")
	}

	roleClaim, _ := claims["role"].(string)
	role := audit.ActorRole(strings.ToLower(roleClaim))
	if !role.Valid() {
		return "", "", fmt.Errorf("invalid token: unknown role %q", roleClaim)
	}

	subject, _ := claims["sub"].(string)
	return role, subject, nil
}

// bearerToken extracts the credential from the Authorization header,
// falling back to the access_token query parameter.
func bearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if strings.HasPrefix(auth, "Bearer ") {
			return strings.TrimPrefix(auth, "Bearer ")
		}
		return auth
	}
	return r.URL.Query().Get("access_token")
}

func roleFromContext(ctx context.Context) (audit.ActorRole, bool) {
	role, ok := ctx.Value(ctxKeyRole).(audit.ActorRole)
	return role, ok
}

// subjectFromContext returns the authenticated principal's name for
// attribution, or the fallback when auth is disabled.
func subjectFromContext(ctx context.Context, fallback string) string {
	if subject, ok := ctx.Value(ctxKeySubject).(string); ok && subject != "" {
		return subject
	}
	return fallback
}
