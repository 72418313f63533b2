package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/synthmon/platform/internal/app/auth"
	"github.com/synthmon/platform/internal/app/domain/tenant"
)

type ctxKey int

const (
	ctxTenantKey ctxKey = iota
	ctxAdminKey
)

// authMiddleware resolves a bearer token to either a tenant API key or an
// admin JWT, storing whichever it finds in the request context.
type authMiddleware struct {
	tenants  *auth.TenantResolver
	admin    *auth.Manager
	adminTok string
}

func newAuthMiddleware(tenants *auth.TenantResolver, admin *auth.Manager, adminToken string) *authMiddleware {
	return &authMiddleware{tenants: tenants, admin: admin, adminTok: adminToken}
}

// NewAuthMiddleware is the exported constructor used by the application
// wiring layer, which lives outside this package.
func NewAuthMiddleware(tenants *auth.TenantResolver, admin *auth.Manager, adminToken string) *authMiddleware {
	return newAuthMiddleware(tenants, admin, adminToken)
}

func extractToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
}

// requireTenant wraps next, rejecting requests without a resolvable tenant
// API key and placing the key in the request context.
func (m *authMiddleware) requireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractToken(r)
		if token == "" {
			writeErrorCode(w, http.StatusUnauthorized, codeUnauthorized, "missing bearer token")
			return
		}
		key, err := m.tenants.Resolve(r.Context(), token)
		if err != nil {
			writeError(w, err)
			return
		}
		ctx := context.WithValue(r.Context(), ctxTenantKey, key)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireAdmin wraps next, accepting either the configured static admin
// token or a valid admin JWT.
func (m *authMiddleware) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractToken(r)
		if token == "" {
			writeErrorCode(w, http.StatusUnauthorized, codeUnauthorized, "missing bearer token")
			return
		}
		if m.adminTok != "" && token == m.adminTok {
			next.ServeHTTP(w, r)
			return
		}
		if m.admin != nil {
			if claims, err := m.admin.Validate(token); err == nil {
				ctx := context.WithValue(r.Context(), ctxAdminKey, claims)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}
		}
		writeErrorCode(w, http.StatusUnauthorized, codeUnauthorized, "invalid admin credentials")
	})
}

func tenantFromContext(ctx context.Context) (tenant.ApiKey, bool) {
	key, ok := ctx.Value(ctxTenantKey).(tenant.ApiKey)
	return key, ok
}
