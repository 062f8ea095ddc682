// Package owner is the minimal owner (end user) data model named by spec §3.
// Persistence of owners themselves, tenant CRUD, and plan/billing metadata
// are external collaborators per spec §1; this package only carries the
// fields the rest of the control plane actually reads.
package owner

import (
	"context"
	"time"
)

// Plan is the owner's billing plan, used by pkg/ratelimit to resolve a
// per-tenant request ceiling (spec §4.7).
type Plan string

const (
	PlanFree       Plan = "free"
	PlanPro        Plan = "pro"
	PlanEnterprise Plan = "enterprise"
)

// Owner is a control-plane end user.
type Owner struct {
	ID       string
	TenantID string
	Plan     Plan
	Settings map[string]any

	// VaultBlob is nil until the owner has created a vault (spec §4.3).
	VaultBlob []byte

	// PermanentTokenCiphertext is the versioned-ciphertext encoding of the
	// owner's 32-byte permanent gateway token (spec §4.4), empty until issued.
	PermanentTokenCiphertext string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store is the external collaborator persisting Owner records. The control
// plane only needs to read and conditionally update a handful of fields, so
// the interface stays narrow rather than exposing full CRUD.
type Store interface {
	Get(ctx context.Context, id string) (*Owner, error)
	SetVaultBlob(ctx context.Context, id string, blob []byte) error
	SetPermanentToken(ctx context.Context, id string, ciphertext string) error
}
