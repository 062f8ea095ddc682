// Package resource implements the SSRF-hardened outbound-call fabric from
// spec §4.8: permission-checked, rate-limited, auth-injecting HTTP
// invocation of an owner-registered resource endpoint.
package resource

import (
	"errors"
	"net/http"
	"strings"

	"github.com/ocmt/controlplane/pkg/capability"
)

// Status is a resource's availability state; only active resources accept
// invocations.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

// AuthType selects how call_resource injects the resource's stored
// credential into the outbound request.
type AuthType string

const (
	AuthNone   AuthType = "none"
	AuthBearer AuthType = "bearer"
	AuthAPIKey AuthType = "api_key"
	AuthBasic  AuthType = "basic"
)

// AuthLocation selects where an api_key credential is injected.
type AuthLocation string

const (
	AuthLocationHeader AuthLocation = "header"
	AuthLocationQuery  AuthLocation = "query"
)

// AuthConfig is a resource's decrypted-at-dispatch-only credential
// configuration (spec §4.8 step 8).
type AuthConfig struct {
	Type AuthType

	// ParamName is the header or query parameter name for AuthAPIKey;
	// defaults to "X-API-Key" when empty.
	ParamName string
	Location  AuthLocation

	// Ciphertext is the cipherstore-encrypted credential: the bearer
	// token, the api_key value, or "user:pass" for AuthBasic.
	Ciphertext string
}

// Resource is an owner-registered outbound HTTP endpoint.
type Resource struct {
	ID           string
	OwnerID      string
	Label        string
	BaseEndpoint string
	Status       Status
	Auth         AuthConfig
}

// GrantStatus tracks an owner's opt-in state for a resource (spec §3
// "Resource grant").
type GrantStatus string

const (
	GrantStatusGranted   GrantStatus = "granted"
	GrantStatusConnected GrantStatus = "connected"
)

// Grant is the permission set an owner holds against a resource.
type Grant struct {
	OwnerID     string
	ResourceID  string
	Permissions []capability.Permission
	Status      GrantStatus
}

// Has reports whether the grant includes perm.
func (g Grant) Has(perm capability.Permission) bool {
	for _, p := range g.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

var (
	ErrNoGrant            = errors.New("resource: owner has no connected grant for this resource")
	ErrPermissionDenied   = errors.New("resource: grant does not include the required permission")
	ErrResourceNotFound   = errors.New("resource: not found")
	ErrResourceInactive   = errors.New("resource: not active")
	ErrRateLimited        = errors.New("resource: call rate limit exceeded")
	ErrSSRFBlocked        = errors.New("resource: ssrf_blocked")
)

// RequiredPermission maps an HTTP method to the grant permission call_resource
// requires (spec §4.8 step 2).
func RequiredPermission(method string) (capability.Permission, error) {
	switch strings.ToUpper(method) {
	case http.MethodGet:
		return capability.PermissionRead, nil
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return capability.PermissionWrite, nil
	case http.MethodDelete:
		return capability.PermissionDelete, nil
	default:
		return "", errors.New("resource: unsupported method " + method)
	}
}

// blockedHeaders is the set of caller-supplied headers call_resource strips
// before forwarding (spec §4.8 step 7); checked case-insensitively.
var blockedHeaderPrefixes = []string{"x-forwarded-"}

var blockedHeaders = map[string]bool{
	"authorization": true,
	"host":          true,
	"cookie":        true,
	"x-real-ip":     true,
	"referer":       true,
	"origin":        true,
}

// FilterHeaders drops every header call_resource must never forward
// (spec §4.8 step 7).
func FilterHeaders(in http.Header) http.Header {
	out := make(http.Header, len(in))
	for name, values := range in {
		lower := strings.ToLower(name)
		if blockedHeaders[lower] {
			continue
		}
		blocked := false
		for _, prefix := range blockedHeaderPrefixes {
			if strings.HasPrefix(lower, prefix) {
				blocked = true
				break
			}
		}
		if blocked {
			continue
		}
		out[name] = values
	}
	return out
}
