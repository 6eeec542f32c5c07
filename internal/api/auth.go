package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// OpsRole is the role claim required on /v1 routes.
const OpsRole = "ops"

// ErrRoleNotAllowed is returned for a valid token without the ops role.
var ErrRoleNotAllowed = errors.New("role not allowed")

type claimsKey struct{}

// OpsClaims are the claims of an operator token.
type OpsClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// IssueOpsToken signs an HS256 operator token for subject.
func IssueOpsToken(secret, subject string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("ops JWT secret is not configured")
	}
	now := time.Now()
	claims := OpsClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role: OpsRole,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ParseOpsToken validates signature, expiry and role.
func ParseOpsToken(secret, token string) (*OpsClaims, error) {
	claims := &OpsClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	if claims.Role != OpsRole {
		return nil, fmt.Errorf("%w: %q", ErrRoleNotAllowed, claims.Role)
	}
	return claims, nil
}

// RequireOps rejects requests without a valid operator bearer token.
func RequireOps(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				ServiceUnavailable(w, r, "ops API authentication is not configured")
				return
			}

			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				Unauthorised(w, r, "missing or invalid Authorization header")
				return
			}

			claims, err := ParseOpsToken(secret, token)
			if err != nil {
				if errors.Is(err, ErrRoleNotAllowed) {
					Forbidden(w, r, err.Error())
					return
				}
				Unauthorised(w, r, err.Error())
				return
			}

			ctx := context.WithValue(r.Context(), claimsKey{}, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClaimsFromContext returns the operator claims set by RequireOps.
func ClaimsFromContext(ctx context.Context) (*OpsClaims, bool) {
	c, ok := ctx.Value(claimsKey{}).(*OpsClaims)
	return c, ok
}
