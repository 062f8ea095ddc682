package ratelimit

import (
	"context"
	"time"
)

// PlanLimits maps a plan name to its requests-per-window ceiling
// (spec §4.7: "free=100, pro=500, enterprise=2000").
var PlanLimits = map[string]int{
	"free":       100,
	"pro":        500,
	"enterprise": 2000,
}

// DefaultPlanLimit applies when a plan has no explicit entry.
const DefaultPlanLimit = 100

// Unlimited is the sentinel Result.Limit/headers use to signal an
// unlimited caller — standard headers carry the literal string
// "unlimited" instead of a number in this case (spec §4.7).
const Unlimited = -1

// TenantRequest describes the caller for the tenant-aware limiter variant.
type TenantRequest struct {
	TenantID      string // empty if unauthenticated
	ClientIP      string
	Plan          string
	APIKeyLimit   *int // nil if no API-key override is present
}

// ResolveLimit applies spec §4.7's precedence: API-key override (where -1
// or 0 means unlimited) beats the plan map, which beats the default.
func ResolveLimit(req TenantRequest) (limit int, unlimited bool) {
	if req.APIKeyLimit != nil {
		if *req.APIKeyLimit <= 0 {
			return 0, true
		}
		return *req.APIKeyLimit, false
	}
	if l, ok := PlanLimits[req.Plan]; ok {
		return l, false
	}
	return DefaultPlanLimit, false
}

// Identifier returns the rate-limit identifier: tenant:{id} when
// authenticated, else ip:{client}.
func Identifier(req TenantRequest) string {
	if req.TenantID != "" {
		return "tenant:" + req.TenantID
	}
	return "ip:" + req.ClientIP
}

// AdmitTenant applies the tenant-aware variant, short-circuiting without
// any counter I/O when the caller is unlimited.
func (l *Limiter) AdmitTenant(ctx context.Context, service, limiterName string, req TenantRequest, window time.Duration) Result {
	limit, unlimited := ResolveLimit(req)
	if unlimited {
		return Result{Admitted: true, Limit: Unlimited}
	}
	return l.Admit(ctx, service, limiterName, Identifier(req), limit, window)
}
