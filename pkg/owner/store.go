package owner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when an owner id has no matching row.
var ErrNotFound = errors.New("owner not found")

// PostgresStore is the hand-written-SQL pgx store for Owner, grounded on the
// teacher's pkg/alert/enrich.go idiom of issuing raw SQL over a pgx
// connection rather than a generated query layer.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Owner, error) {
	var o Owner
	var settings []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, tenant_id, plan, settings, vault_blob, permanent_token_ciphertext, created_at, updated_at
		 FROM owners WHERE id = $1`, id,
	).Scan(&o.ID, &o.TenantID, &o.Plan, &settings, &o.VaultBlob, &o.PermanentTokenCiphertext, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("owner: get %s: %w", id, err)
	}
	if len(settings) > 0 {
		if err := json.Unmarshal(settings, &o.Settings); err != nil {
			return nil, fmt.Errorf("owner: unmarshal settings for %s: %w", id, err)
		}
	}
	return &o, nil
}

func (s *PostgresStore) SetVaultBlob(ctx context.Context, id string, blob []byte) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE owners SET vault_blob = $2, updated_at = now() WHERE id = $1`, id, blob)
	if err != nil {
		return fmt.Errorf("owner: set vault blob for %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SetPermanentToken(ctx context.Context, id string, ciphertext string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE owners SET permanent_token_ciphertext = $2, updated_at = now() WHERE id = $1`, id, ciphertext)
	if err != nil {
		return fmt.Errorf("owner: set permanent token for %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
