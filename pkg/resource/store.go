package resource

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ocmt/controlplane/pkg/capability"
)

// PostgresStore is the hand-written-SQL pgx store for resources and grants,
// grounded on the same raw-SQL-over-pgx idiom as pkg/owner/store.go and
// pkg/alerting/store.go.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// GetResource loads a resource by id, owned by owner.
func (s *PostgresStore) GetResource(ctx context.Context, owner, resourceID string) (*Resource, error) {
	var r Resource
	var authParamName, authLocation, authCiphertext *string
	err := s.pool.QueryRow(ctx,
		`SELECT id, owner_id, label, base_endpoint, status,
		        auth_type, auth_param_name, auth_location, auth_ciphertext
		 FROM resources WHERE id = $1 AND owner_id = $2`,
		resourceID, owner,
	).Scan(&r.ID, &r.OwnerID, &r.Label, &r.BaseEndpoint, &r.Status,
		&r.Auth.Type, &authParamName, &authLocation, &authCiphertext)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrResourceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("resource: get %s: %w", resourceID, err)
	}
	if authParamName != nil {
		r.Auth.ParamName = *authParamName
	}
	if authLocation != nil {
		r.Auth.Location = AuthLocation(*authLocation)
	}
	if authCiphertext != nil {
		r.Auth.Ciphertext = *authCiphertext
	}
	return &r, nil
}

// GetGrant loads the owner's grant for a resource.
func (s *PostgresStore) GetGrant(ctx context.Context, owner, resourceID string) (*Grant, error) {
	var g Grant
	var perms []string
	err := s.pool.QueryRow(ctx,
		`SELECT owner_id, resource_id, permissions, status
		 FROM resource_grants WHERE owner_id = $1 AND resource_id = $2`,
		owner, resourceID,
	).Scan(&g.OwnerID, &g.ResourceID, &perms, &g.Status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoGrant
	}
	if err != nil {
		return nil, fmt.Errorf("resource: get grant %s/%s: %w", owner, resourceID, err)
	}
	g.Permissions = make([]capability.Permission, len(perms))
	for i, p := range perms {
		g.Permissions[i] = capability.Permission(p)
	}
	return &g, nil
}

// InsertCallLog appends an audit-adjacent record of one call_resource
// invocation's outcome, used for the activity feed named in spec §4.8
// step 10 ("append an activity event") separately from the generic audit
// log.
func (s *PostgresStore) InsertCallLog(ctx context.Context, ownerID, resourceID, method, path string, status int) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO resource_call_log (owner_id, resource_id, method, path, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, now())`,
		ownerID, resourceID, strings.ToUpper(method), path, status,
	)
	if err != nil {
		return fmt.Errorf("resource: inserting call log: %w", err)
	}
	return nil
}
