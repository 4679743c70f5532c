package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/certnode/core/pkg/tiers"
)

type contextKey string

const (
	tenantKey contextKey = "tenant"
	tierKey   contextKey = "tier"
)

// TenantClaims are the bearer token claims the API understands. Tenant and
// tier identifiers are opaque strings minted by the billing system.
type TenantClaims struct {
	jwt.RegisteredClaims
	TenantID string `json:"tenant_id"`
	Tier     string `json:"tier"`
}

// TenantFrom returns the authenticated tenant id from the request context.
func TenantFrom(ctx context.Context) string {
	tenant, _ := ctx.Value(tenantKey).(string)
	return tenant
}

// TierFrom returns the resolved tier from the request context.
func TierFrom(ctx context.Context) tiers.Tier {
	tier, ok := ctx.Value(tierKey).(tiers.Tier)
	if !ok {
		return tiers.Free
	}
	return tier
}

// TenantMiddleware resolves the caller's tenant and tier. A bearer token
// signed with the shared secret wins; the X-Tenant-ID and X-Tier headers
// are the fallback for trusted internal callers. Requests with neither are
// rejected, as is an unknown tier name.
func TenantMiddleware(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/healthz" {
				next.ServeHTTP(w, r)
				return
			}

			tenantID, tierName, err := resolveIdentity(r, secret)
			if err != nil {
				WriteUnauthorized(w, err.Error())
				return
			}
			if tenantID == "" {
				WriteUnauthorized(w, "tenant identity required")
				return
			}

			if tierName == "" {
				tierName = string(tiers.TierFree)
			}
			tier := tiers.Get(tiers.TierID(strings.ToUpper(tierName)))
			if tier == nil {
				WriteBadRequest(w, "unknown tier: "+tierName)
				return
			}

			ctx := context.WithValue(r.Context(), tenantKey, tenantID)
			ctx = context.WithValue(ctx, tierKey, *tier)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

type identityError string

func (e identityError) Error() string { return string(e) }

func resolveIdentity(r *http.Request, secret []byte) (tenantID, tierName string, err error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			return "", "", identityError("invalid Authorization header format (expected 'Bearer <token>')")
		}
		if len(secret) == 0 {
			return "", "", identityError("bearer authentication not configured")
		}

		claims := &TenantClaims{}
		token, err := jwt.ParseWithClaims(parts[1], claims, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, identityError("unexpected signing method")
			}
			return secret, nil
		})
		if err != nil || !token.Valid {
			return "", "", identityError("invalid or expired token")
		}
		if claims.TenantID == "" {
			return "", "", identityError("token tenant binding is required")
		}
		return claims.TenantID, claims.Tier, nil
	}

	return r.Header.Get("X-Tenant-ID"), r.Header.Get("X-Tier"), nil
}
