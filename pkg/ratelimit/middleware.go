package ratelimit

import (
	"net/http"
	"net/netip"
	"strconv"
	"time"

	"github.com/ocmt/controlplane/internal/audit"
	"github.com/ocmt/controlplane/internal/httpserver"
)

// writeHeaders sets both the standard RateLimit-* headers and the legacy
// X-RateLimit-* mirror (spec §4.7).
func writeHeaders(w http.ResponseWriter, res Result) {
	if res.Limit == Unlimited {
		w.Header().Set("RateLimit-Limit", "unlimited")
		w.Header().Set("X-RateLimit-Limit", "unlimited")
		return
	}

	limit := strconv.Itoa(res.Limit)
	remaining := strconv.Itoa(res.Remaining)
	reset := strconv.FormatInt(res.ResetAt.Unix(), 10)

	w.Header().Set("RateLimit-Limit", limit)
	w.Header().Set("RateLimit-Remaining", remaining)
	w.Header().Set("RateLimit-Reset", reset)
	w.Header().Set("X-RateLimit-Limit", limit)
	w.Header().Set("X-RateLimit-Remaining", remaining)
	w.Header().Set("X-RateLimit-Reset", reset)
}

// Middleware builds a chi-compatible middleware enforcing the tenant-aware
// limiter on every request, resolving the caller's identifier via the
// trusted-proxy-gated client IP helper shared with the audit log.
func (l *Limiter) Middleware(service, limiterName string, window time.Duration, trusted []netip.Prefix, planOf func(*http.Request) (tenantID, plan string, apiKeyLimit *int)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tenantID, plan, apiKeyLimit := planOf(r)
			clientIP := audit.ClientIP(r, trusted)

			req := TenantRequest{
				TenantID:    tenantID,
				ClientIP:    clientIP.String(),
				Plan:        plan,
				APIKeyLimit: apiKeyLimit,
			}

			res := l.AdmitTenant(r.Context(), service, limiterName, req, window)
			writeHeaders(w, res)

			if !res.Admitted {
				err := httpserver.New(httpserver.KindRateLimited, "rate limit exceeded").
					WithRetryAfter(int(res.RetryAfter.Seconds()))
				httpserver.RespondKindError(w, err, false)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
