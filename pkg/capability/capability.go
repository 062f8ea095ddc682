// Package capability implements the capability approval state machine from
// spec §3/§4.5: an agent requests a scoped capability, the owner decides
// (approve, deny, or approve with tightened constraints), and the approval
// is eventually marked issued once a downstream token has been emitted.
package capability

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// Status is the approval's position in the state machine.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
	StatusExpired  Status = "expired"
	StatusIssued   Status = "issued"
)

// Permission is one element of the fixed permission lattice (spec §3).
type Permission string

const (
	PermissionRead        Permission = "read"
	PermissionList        Permission = "list"
	PermissionWrite       Permission = "write"
	PermissionDelete      Permission = "delete"
	PermissionAdmin       Permission = "admin"
	PermissionShareFurther Permission = "share-further"
)

// DefaultCeiling is the permission ceiling applied to every agent absent an
// override policy (spec §4.5: "{read, list}").
var DefaultCeiling = []Permission{PermissionRead, PermissionList}

// RequestExpiry is how long a pending request itself stays open before the
// sweeper expires it — distinct from the eventually-issued capability's own
// lifetime.
const RequestExpiry = 24 * time.Hour

var (
	// ErrInvalidTransition is returned when a decision is attempted against
	// a status that forbids it (spec §4.5: terminal states are sticky).
	ErrInvalidTransition = errors.New("capability: invalid state transition")

	// ErrCeilingExceeded is returned when a request or decision would grant
	// a permission outside the agent's ceiling. Spec §4.5 requires this be
	// refused unconditionally — there is no override path in this system.
	ErrCeilingExceeded = errors.New("capability: requested permission exceeds ceiling")
)

// Approval is a single capability approval request/decision record.
type Approval struct {
	ID                string
	ApprovalToken     string
	OwnerID           string
	SubjectPublicKey  string
	SubjectEmail      string
	Resource          string
	RequestedScope    []Permission
	ExpiresInSeconds  int
	MaxCalls          *int
	Reason            string
	Status            Status
	AppliedScope      []Permission
	AppliedExpiresIn  int
	AppliedMaxCalls   *int
	CreatedAt         time.Time
	ExpiresAt         time.Time
	DecidedAt         *time.Time
}

// DedupKey returns the idempotency key for a capability request
// (spec §3: "(owner, subject_public_key, resource)").
func DedupKey(ownerID, subjectPublicKey, resource string) string {
	return ownerID + "|" + subjectPublicKey + "|" + resource
}

// NewApprovalToken generates the 32-byte random approval token (spec §3).
func NewApprovalToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("capability: generating approval token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// permissionSet builds a lookup set for a permission slice.
func permissionSet(perms []Permission) map[Permission]struct{} {
	set := make(map[Permission]struct{}, len(perms))
	for _, p := range perms {
		set[p] = struct{}{}
	}
	return set
}

// ExceedsCeiling returns the subset of requested that falls outside ceiling.
func ExceedsCeiling(requested, ceiling []Permission) []Permission {
	allowed := permissionSet(ceiling)
	var exceeding []Permission
	for _, p := range requested {
		if _, ok := allowed[p]; !ok {
			exceeding = append(exceeding, p)
		}
	}
	return exceeding
}

// NewRequest builds a pending Approval, refusing unconditionally if any
// requested permission falls outside ceiling (spec §4.5: no override path).
func NewRequest(ownerID, subjectPublicKey, subjectEmail, resource string, requestedScope []Permission, expiresInSeconds int, maxCalls *int, reason string, ceiling []Permission, now time.Time) (*Approval, error) {
	if exceeding := ExceedsCeiling(requestedScope, ceiling); len(exceeding) > 0 {
		return nil, fmt.Errorf("%w: %v", ErrCeilingExceeded, exceeding)
	}

	token, err := NewApprovalToken()
	if err != nil {
		return nil, err
	}

	return &Approval{
		ApprovalToken:    token,
		OwnerID:          ownerID,
		SubjectPublicKey: subjectPublicKey,
		SubjectEmail:     subjectEmail,
		Resource:         resource,
		RequestedScope:   requestedScope,
		ExpiresInSeconds: expiresInSeconds,
		MaxCalls:         maxCalls,
		Reason:           reason,
		Status:           StatusPending,
		CreatedAt:        now,
		ExpiresAt:        now.Add(RequestExpiry),
	}, nil
}

// Approve transitions a pending approval to approved, preserving the
// requested scope/limits verbatim.
func Approve(a *Approval, now time.Time) error {
	if a.Status != StatusPending {
		return ErrInvalidTransition
	}
	a.Status = StatusApproved
	a.AppliedScope = a.RequestedScope
	a.AppliedExpiresIn = a.ExpiresInSeconds
	a.AppliedMaxCalls = a.MaxCalls
	decided := now
	a.DecidedAt = &decided
	return nil
}

// Deny transitions a pending approval to denied.
func Deny(a *Approval, now time.Time) error {
	if a.Status != StatusPending {
		return ErrInvalidTransition
	}
	a.Status = StatusDenied
	decided := now
	a.DecidedAt = &decided
	return nil
}

// Constraints narrows a pending request at decision time.
type Constraints struct {
	ExpiresInSeconds *int
	Scope            []Permission
	MaxCalls         *int
}

// ApproveWithConstraints applies min/intersection reductions so the
// resulting capability never exceeds the original request in any
// dimension (spec §4.5, §8 constraint-monotonicity property).
func ApproveWithConstraints(a *Approval, c Constraints, now time.Time) error {
	if a.Status != StatusPending {
		return ErrInvalidTransition
	}

	expiresIn := a.ExpiresInSeconds
	if c.ExpiresInSeconds != nil && *c.ExpiresInSeconds < expiresIn {
		expiresIn = *c.ExpiresInSeconds
	}

	scope := a.RequestedScope
	if c.Scope != nil {
		scope = intersect(a.RequestedScope, c.Scope)
	}

	maxCalls := minIgnoringNull(a.MaxCalls, c.MaxCalls)

	a.Status = StatusApproved
	a.AppliedScope = scope
	a.AppliedExpiresIn = expiresIn
	a.AppliedMaxCalls = maxCalls
	decided := now
	a.DecidedAt = &decided
	return nil
}

// intersect returns the permissions present in both a and b, preserving a's
// order — a filter, never an extension, of the original request.
func intersect(original, constrained []Permission) []Permission {
	allowed := permissionSet(constrained)
	var out []Permission
	for _, p := range original {
		if _, ok := allowed[p]; ok {
			out = append(out, p)
		}
	}
	return out
}

// minIgnoringNull treats an absent bound as "unlimited" — present wins over
// absent, and the smaller of two present values wins.
func minIgnoringNull(original, constrained *int) *int {
	if original == nil {
		return constrained
	}
	if constrained == nil {
		return original
	}
	if *constrained < *original {
		return constrained
	}
	return original
}

// MarkIssued transitions an approved capability to issued, once the
// downstream token has actually been emitted.
func MarkIssued(a *Approval) error {
	if a.Status != StatusApproved {
		return ErrInvalidTransition
	}
	a.Status = StatusIssued
	return nil
}

// Expire transitions a still-pending approval whose request window has
// lapsed into expired. Called by the background sweeper, never inline with
// a decision.
func Expire(a *Approval, now time.Time) error {
	if a.Status != StatusPending {
		return ErrInvalidTransition
	}
	if now.Before(a.ExpiresAt) {
		return fmt.Errorf("capability: approval %s has not yet expired", a.ID)
	}
	a.Status = StatusExpired
	return nil
}

// ParseTimePreset maps the UI-level lifetime presets to seconds
// (spec §4.5: "1h/4h/1d/1w/custom(hours)"; unknown defaults to 1 hour).
func ParseTimePreset(preset string, customHours int) int {
	switch preset {
	case "1h":
		return int(time.Hour.Seconds())
	case "4h":
		return int(4 * time.Hour.Seconds())
	case "1d":
		return int(24 * time.Hour.Seconds())
	case "1w":
		return int(7 * 24 * time.Hour.Seconds())
	case "custom":
		if customHours <= 0 {
			return int(time.Hour.Seconds())
		}
		return customHours * int(time.Hour.Seconds())
	default:
		return int(time.Hour.Seconds())
	}
}
