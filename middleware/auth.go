package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/malwarebo/reelpipe/security"
	"github.com/malwarebo/reelpipe/utils"
)

type contextKey string

const claimsKey contextKey = "claims"

// ClaimsFrom returns the operator claims attached by RequireAdmin.
func ClaimsFrom(ctx context.Context) (*security.Claims, bool) {
	claims, ok := ctx.Value(claimsKey).(*security.Claims)
	return claims, ok
}

type AuthMiddleware struct {
	jwtManager  *security.JWTManager
	rateLimiter *security.RateLimiter
}

func CreateAuthMiddleware(jwtManager *security.JWTManager, rateLimiter *security.RateLimiter) *AuthMiddleware {
	return &AuthMiddleware{
		jwtManager:  jwtManager,
		rateLimiter: rateLimiter,
	}
}

// RequireAdmin accepts only bearer tokens carrying the admin role.
func (am *AuthMiddleware) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			writeErrorResponse(w, http.StatusUnauthorized, "unauthorized", "Authorization header required")
			return
		}

		if !strings.HasPrefix(authHeader, "Bearer ") {
			writeErrorResponse(w, http.StatusUnauthorized, "unauthorized", "Invalid authorization format")
			return
		}

		token := strings.TrimPrefix(authHeader, "Bearer ")
		claims, err := am.jwtManager.ValidateToken(token)
		if err != nil {
			utils.Warn(r.Context(), "admin token rejected", map[string]interface{}{
				"error":     err.Error(),
				"remote_ip": ClientIP(r),
			})
			writeErrorResponse(w, http.StatusUnauthorized, "unauthorized", "Invalid token")
			return
		}
		if !claims.HasRole(security.RoleAdmin) {
			writeErrorResponse(w, http.StatusForbidden, "forbidden", "Admin role required")
			return
		}

		ctx := context.WithValue(r.Context(), claimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RateLimitByIP keys the limiter on the client address. onLimited, when set,
// runs before the 429 is written.
func (am *AuthMiddleware) RateLimitByIP(onLimited func(r *http.Request)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := ClientIP(r)
			if !am.rateLimiter.Allow(ip) {
				if onLimited != nil {
					onLimited(r)
				}
				utils.Warn(r.Context(), "rate limit exceeded", map[string]interface{}{
					"remote_ip": ip,
					"path":      logPath(r),
				})
				w.Header().Set("Retry-After", "1")
				writeErrorResponse(w, http.StatusTooManyRequests, "rate_limited", "Rate limit exceeded")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func HeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Cache-Control", "no-store")

		next.ServeHTTP(w, r)
	})
}

func writeErrorResponse(w http.ResponseWriter, statusCode int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}
