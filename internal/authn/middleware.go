package authn

import (
	"log/slog"
	"net/http"

	"github.com/ocmt/controlplane/internal/httpserver"
)

// SessionCookieName is the browser cookie carrying the self-issued session JWT.
const SessionCookieName = "ocmt_session"

// Middleware authenticates the caller via the session cookie and stores the
// resulting Identity in the request context. In dev mode (devMode=true) an
// X-Owner-ID header is accepted as a fallback so the rest of the stack can be
// exercised without standing up a browser login flow — this never runs
// outside dev mode.
//
// This is deliberately the only authentication mechanism on the control
// plane's own API: it resolves "who is browsing" ahead of any vault unlock
// or ephemeral-token issuance (spec §2). The ephemeral gateway token (spec
// §4.4) is a second, independent mechanism used for container ⇄
// control-plane calls and is validated by pkg/gatewaytoken, not here.
func Middleware(sessionMgr *SessionManager, devMode bool, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var identity *Identity

			if cookie, err := r.Cookie(SessionCookieName); err == nil && sessionMgr != nil {
				claims, err := sessionMgr.ValidateToken(cookie.Value)
				if err != nil {
					logger.Debug("session cookie validation failed", "error", err)
				} else {
					identity = &Identity{
						OwnerID: claims.OwnerID,
						Email:   claims.Email,
						Role:    claims.Role,
					}
				}
			}

			if identity == nil && devMode {
				if ownerID := r.Header.Get("X-Owner-ID"); ownerID != "" {
					identity = &Identity{OwnerID: ownerID, Role: RoleOwner}
				}
			}

			ctx := r.Context()
			if identity != nil {
				ctx = NewContext(ctx, identity)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAuth rejects requests that have no authenticated identity.
func RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if FromContext(r.Context()) == nil {
			httpserver.RespondKindError(w, httpserver.New(httpserver.KindAuthRequired, "authentication required"), false)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireRole returns middleware that rejects requests whose identity does
// not hold one of the listed roles.
func RequireRole(allowed ...string) func(http.Handler) http.Handler {
	set := make(map[string]struct{}, len(allowed))
	for _, r := range allowed {
		set[r] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := FromContext(r.Context())
			if id == nil {
				httpserver.RespondKindError(w, httpserver.New(httpserver.KindAuthRequired, "authentication required"), false)
				return
			}
			if _, ok := set[id.Role]; !ok {
				httpserver.RespondKindError(w, httpserver.New(httpserver.KindForbidden, "insufficient permissions"), false)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
