package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrChannelNotConfigured is returned by GetChannelConfig when the owner
// has no configuration row for the requested channel. It is never
// surfaced to trigger_alert's caller — the engine treats it as spec
// §4.6's "unconfigured channel" case.
var ErrChannelNotConfigured = errors.New("alerting: channel not configured")

// ChannelConfig is an owner's per-channel dispatch configuration. Endpoint
// is the webhook/recipient target; AuthCiphertext, when non-empty, is a
// cipherstore-encrypted secret (bot token, API key) decrypted only at
// dispatch time (spec §4.6: "auth config is decrypted only at dispatch").
type ChannelConfig struct {
	Owner          string
	Channel        Channel
	Endpoint       string
	AuthCiphertext string
}

// PostgresStore is the hand-written-SQL pgx store for alerting, grounded
// on the same raw-SQL-over-pgx idiom as pkg/owner/store.go and the
// teacher's pkg/alert/enrich.go.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// GetApplicableRules returns every rule row configured for eventType. An
// empty slice (not an error) means "no rule row" — callers synthesize the
// default rule in that case (spec §4.6 step 3).
func (s *PostgresStore) GetApplicableRules(ctx context.Context, eventType string) ([]Rule, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, event_type, severity_threshold, threshold_count,
		        threshold_window_seconds, cooldown_seconds, channels
		 FROM alert_rules WHERE event_type = $1`, eventType)
	if err != nil {
		return nil, fmt.Errorf("alerting: querying rules for %s: %w", eventType, err)
	}
	defer rows.Close()

	var rules []Rule
	for rows.Next() {
		var r Rule
		var thresholdWindowSeconds, cooldownSeconds int
		var channelsRaw []string
		if err := rows.Scan(&r.ID, &r.EventType, &r.SeverityThreshold, &r.ThresholdCount,
			&thresholdWindowSeconds, &cooldownSeconds, &channelsRaw); err != nil {
			return nil, fmt.Errorf("alerting: scanning rule row: %w", err)
		}
		r.ThresholdWindow = time.Duration(thresholdWindowSeconds) * time.Second
		r.Cooldown = time.Duration(cooldownSeconds) * time.Second
		for _, c := range channelsRaw {
			r.Channels = append(r.Channels, Channel(c))
		}
		rules = append(rules, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("alerting: iterating rule rows: %w", err)
	}
	return rules, nil
}

// CountRecentHistory counts history rows matching dedupKey created at or
// after since, for spec §4.6 step 4c's threshold-count window.
func (s *PostgresStore) CountRecentHistory(ctx context.Context, dedupKey string, since time.Time) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM alert_history WHERE dedup_key = $1 AND created_at >= $2`,
		dedupKey, since,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("alerting: counting history for %s: %w", dedupKey, err)
	}
	return count, nil
}

// InsertHistory appends a history row (spec §4.6 step 4c/4e) and returns
// its generated ID.
func (s *PostgresStore) InsertHistory(ctx context.Context, e HistoryEntry) (string, error) {
	channels := make([]string, 0, len(e.ChannelsSent))
	for _, c := range e.ChannelsSent {
		channels = append(channels, string(c))
	}

	var id uuid.UUID
	err := s.pool.QueryRow(ctx,
		`INSERT INTO alert_history
		   (id, dedup_key, event_type, owner_id, group_id, title, message, severity, metadata, channels_sent, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())
		 RETURNING id`,
		uuid.New(), e.DedupKey, e.EventType, e.Owner, e.Group, e.Title, e.Message, e.Severity, e.Metadata, channels,
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("alerting: inserting history row: %w", err)
	}
	return id.String(), nil
}

// GetChannelConfig loads the owner's configuration for channel. Returns
// ErrChannelNotConfigured if no row exists.
func (s *PostgresStore) GetChannelConfig(ctx context.Context, owner string, channel Channel) (*ChannelConfig, error) {
	var cfg ChannelConfig
	cfg.Owner = owner
	cfg.Channel = channel
	var authCiphertext *string
	err := s.pool.QueryRow(ctx,
		`SELECT endpoint, auth_ciphertext FROM alert_channel_configs WHERE owner_id = $1 AND channel = $2`,
		owner, string(channel),
	).Scan(&cfg.Endpoint, &authCiphertext)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrChannelNotConfigured
	}
	if err != nil {
		return nil, fmt.Errorf("alerting: loading channel config for %s/%s: %w", owner, channel, err)
	}
	if authCiphertext != nil {
		cfg.AuthCiphertext = *authCiphertext
	}
	return &cfg, nil
}

// metadataToJSON round-trips a decoded metadata map back through JSON for
// storage, matching marshalMetadata's never-fail contract.
func metadataToJSON(metadata map[string]any) json.RawMessage {
	return marshalMetadata(metadata)
}
