package capability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when an approval id or dedup key has no match.
var ErrNotFound = errors.New("capability: approval not found")

// PostgresStore is the hand-written-SQL store for Approval rows, grounded
// on the same raw-SQL-over-pgx idiom as pkg/owner.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

type approvalRow struct {
	id, ownerID, subjectPublicKey, subjectEmail, resource, reason, status string
	approvalToken                                                        string
	requestedScope, appliedScope                                         []byte
	expiresInSeconds, appliedExpiresIn                                    int
	maxCalls, appliedMaxCalls                                            *int
	createdAt, expiresAt                                                 time.Time
	decidedAt                                                            *time.Time
}

func scanApproval(row pgx.Row) (*Approval, error) {
	var r approvalRow
	err := row.Scan(
		&r.id, &r.approvalToken, &r.ownerID, &r.subjectPublicKey, &r.subjectEmail, &r.resource,
		&r.requestedScope, &r.expiresInSeconds, &r.maxCalls, &r.reason, &r.status,
		&r.appliedScope, &r.appliedExpiresIn, &r.appliedMaxCalls,
		&r.createdAt, &r.expiresAt, &r.decidedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("capability: scanning row: %w", err)
	}

	a := &Approval{
		ID:               r.id,
		ApprovalToken:    r.approvalToken,
		OwnerID:          r.ownerID,
		SubjectPublicKey: r.subjectPublicKey,
		SubjectEmail:     r.subjectEmail,
		Resource:         r.resource,
		ExpiresInSeconds: r.expiresInSeconds,
		MaxCalls:         r.maxCalls,
		Reason:           r.reason,
		Status:           Status(r.status),
		AppliedExpiresIn: r.appliedExpiresIn,
		AppliedMaxCalls:  r.appliedMaxCalls,
		CreatedAt:        r.createdAt,
		ExpiresAt:        r.expiresAt,
		DecidedAt:        r.decidedAt,
	}
	if len(r.requestedScope) > 0 {
		if err := json.Unmarshal(r.requestedScope, &a.RequestedScope); err != nil {
			return nil, fmt.Errorf("capability: unmarshal requested scope: %w", err)
		}
	}
	if len(r.appliedScope) > 0 {
		if err := json.Unmarshal(r.appliedScope, &a.AppliedScope); err != nil {
			return nil, fmt.Errorf("capability: unmarshal applied scope: %w", err)
		}
	}
	return a, nil
}

const selectColumns = `id, approval_token, owner_id, subject_public_key, subject_email, resource,
	requested_scope, expires_in_seconds, max_calls, reason, status,
	applied_scope, applied_expires_in, applied_max_calls,
	created_at, expires_at, decided_at`

// GetPendingByDedupKey looks up an existing pending row for idempotent
// creation (spec §4.5: "if a pending row already exists ... return it").
func (s *PostgresStore) GetPendingByDedupKey(ctx context.Context, ownerID, subjectPublicKey, resource string) (*Approval, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM capability_approvals
		WHERE owner_id = $1 AND subject_public_key = $2 AND resource = $3 AND status = 'pending'`,
		ownerID, subjectPublicKey, resource)
	return scanApproval(row)
}

// Get fetches an approval by id.
func (s *PostgresStore) Get(ctx context.Context, id string) (*Approval, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM capability_approvals WHERE id = $1`, id)
	return scanApproval(row)
}

// Insert persists a freshly created pending Approval, assigning it a
// database-generated id.
func (s *PostgresStore) Insert(ctx context.Context, a *Approval) (*Approval, error) {
	requestedScope, err := json.Marshal(a.RequestedScope)
	if err != nil {
		return nil, fmt.Errorf("capability: marshal requested scope: %w", err)
	}

	row := s.pool.QueryRow(ctx, `INSERT INTO capability_approvals
		(approval_token, owner_id, subject_public_key, subject_email, resource,
		 requested_scope, expires_in_seconds, max_calls, reason, status, created_at, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,'pending',$10,$11)
		RETURNING id`,
		a.ApprovalToken, a.OwnerID, a.SubjectPublicKey, a.SubjectEmail, a.Resource,
		requestedScope, a.ExpiresInSeconds, a.MaxCalls, a.Reason, a.CreatedAt, a.ExpiresAt)

	var id string
	if err := row.Scan(&id); err != nil {
		return nil, fmt.Errorf("capability: inserting approval: %w", err)
	}
	a.ID = id
	return a, nil
}

// Save persists a decided/issued/expired Approval's mutable fields.
func (s *PostgresStore) Save(ctx context.Context, a *Approval) error {
	appliedScope, err := json.Marshal(a.AppliedScope)
	if err != nil {
		return fmt.Errorf("capability: marshal applied scope: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `UPDATE capability_approvals SET
		status = $2, applied_scope = $3, applied_expires_in = $4, applied_max_calls = $5, decided_at = $6
		WHERE id = $1`,
		a.ID, a.Status, appliedScope, a.AppliedExpiresIn, a.AppliedMaxCalls, a.DecidedAt)
	if err != nil {
		return fmt.Errorf("capability: saving approval %s: %w", a.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ExpirePending moves every still-pending row whose expires_at has lapsed
// into expired, returning how many rows were affected. Used by the
// background sweeper (spec §5: "Expire pending approvals (minutes)").
func (s *PostgresStore) ExpirePending(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE capability_approvals
		SET status = 'expired' WHERE status = 'pending' AND expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("capability: expiring pending approvals: %w", err)
	}
	return tag.RowsAffected(), nil
}
