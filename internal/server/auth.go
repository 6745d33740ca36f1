package server

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/caremind/caremind-go/internal/logging"
)

// identityKey is the context key under which the resolved Identity travels.
type identityKey struct{}

// identityFrom returns the Identity stored on the request context.
func identityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

// authMiddleware resolves the caller's tenant and actor before any data
// handler runs. With tokens configured, the request must carry
//
//	Authorization: Bearer <token>
//
// and the token must map to a known identity; anything else is 401. The
// token value itself is never logged.
//
// With no tokens configured (development mode), identity comes from the
// X-Tenant-ID and X-Actor-ID headers instead.
func authMiddleware(tokens map[string]Identity, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log := logging.FromContext(r.Context())

		var id Identity
		if len(tokens) == 0 {
			id = Identity{
				TenantID: strings.TrimSpace(r.Header.Get("X-Tenant-ID")),
				ActorID:  strings.TrimSpace(r.Header.Get("X-Actor-ID")),
			}
			if id.TenantID == "" || id.ActorID == "" {
				http.Error(w, "tenant and actor headers required", http.StatusUnauthorized)
				return
			}
		} else {
			token := bearerToken(r)
			if token == "" {
				log.Warn("auth: missing Authorization header", slog.String("path", r.URL.Path))
				w.Header().Set("WWW-Authenticate", `Bearer realm="caremind"`)
				http.Error(w, "authorization required", http.StatusUnauthorized)
				return
			}
			var ok bool
			id, ok = tokens[token]
			if !ok {
				log.Warn("auth: unknown token",
					slog.String("path", r.URL.Path),
					slog.Bool("token_present", true),
				)
				w.Header().Set("WWW-Authenticate", `Bearer realm="caremind" error="invalid_token"`)
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
		}

		ctx := context.WithValue(r.Context(), identityKey{}, id)
		ctx = logging.WithLogger(ctx, log.With(slog.String("tenant", id.TenantID)))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// bearerToken extracts the token from an "Authorization: Bearer <token>"
// header. Returns an empty string if the header is absent or malformed.
func bearerToken(r *http.Request) string {
	hdr := r.Header.Get("Authorization")
	if hdr == "" {
		return ""
	}
	parts := strings.SplitN(hdr, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
