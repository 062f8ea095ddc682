package alerting

import (
	"context"
	"log/slog"
	"time"

	"github.com/ocmt/controlplane/internal/audit"
	"github.com/ocmt/controlplane/internal/telemetry"
	"github.com/ocmt/controlplane/pkg/ratelimit"
)

// channelRateLimitMax/Window are spec §4.6's "default 10/minute per
// (channel_type, owner)" per-channel rate limit.
const (
	channelRateLimitMax    = 10
	channelRateLimitWindow = time.Minute
)

// RuleSource loads the rules applicable to an event type (step 3).
type RuleSource interface {
	GetApplicableRules(ctx context.Context, eventType string) ([]Rule, error)
}

// HistorySource records and counts trigger_alert history rows (steps 4c/4e).
type HistorySource interface {
	CountRecentHistory(ctx context.Context, dedupKey string, since time.Time) (int, error)
	InsertHistory(ctx context.Context, entry HistoryEntry) (string, error)
}

// CooldownSource answers and updates per-dedup-key cooldown state (steps
// 4b/4e).
type CooldownSource interface {
	Active(ctx context.Context, dedupKey string) (bool, error)
	Set(ctx context.Context, dedupKey string, cooldown time.Duration) error
}

// EngineStore is everything the engine needs from persistence — satisfied
// by *PostgresStore, and narrow enough to fake in tests.
type EngineStore interface {
	RuleSource
	HistorySource
	ChannelConfigSource
}

// Engine runs trigger_alert (spec §4.6). store and cooldown are required.
// A channel with no dispatcher is reported as "channel not wired", a nil
// limiter skips the per-channel rate limit, and a nil audit writer skips
// audit logging, so the engine can be exercised in tests without every
// downstream wired. cipher is handed to dispatchers as is; it must be
// non-nil whenever a channel config carries auth ciphertext.
type Engine struct {
	store       EngineStore
	cooldown    CooldownSource
	limiter     *ratelimit.Limiter
	cipher      Decryptor
	audit       *audit.Writer
	logger      *slog.Logger
	dispatchers map[Channel]Dispatcher
}

func NewEngine(store EngineStore, cooldown CooldownSource, limiter *ratelimit.Limiter, cipher Decryptor, auditWriter *audit.Writer, logger *slog.Logger, dispatchers map[Channel]Dispatcher) *Engine {
	return &Engine{
		store:       store,
		cooldown:    cooldown,
		limiter:     limiter,
		cipher:      cipher,
		audit:       auditWriter,
		logger:      logger,
		dispatchers: dispatchers,
	}
}

// TriggerAlert implements spec §4.6 end to end. It is best-effort: no
// internal failure propagates as an error to the caller (spec: "must not
// throw to its caller"); failures are logged and, where meaningful,
// reflected in the returned Result's per-channel outcomes.
func (e *Engine) TriggerAlert(ctx context.Context, in Input) Result {
	severity := ResolveSeverity(in.EventType, in.Severity)
	dedupKey := DedupKey(in.EventType, in.Owner, in.Group, metadataIP(in.Metadata))

	telemetry.AlertsTriggeredTotal.WithLabelValues(string(severity)).Inc()

	rules, err := e.store.GetApplicableRules(ctx, in.EventType)
	if err != nil {
		e.logger.Error("alerting: loading rules failed, using default rule", "error", err, "event_type", in.EventType)
		rules = nil
	}

	ruleMatched := len(rules) > 0
	if !ruleMatched {
		rules = []Rule{defaultRule(in.EventType)}
	}

	result := Result{DedupKey: dedupKey, Severity: severity, RuleMatched: ruleMatched}

	for _, rule := range rules {
		outcome := e.applyRule(ctx, rule, in, severity, dedupKey)
		result.Suppressed = result.Suppressed || outcome.suppressed
		result.Dispatch = append(result.Dispatch, outcome.dispatched...)
	}

	return result
}

type ruleOutcome struct {
	suppressed bool
	dispatched []DispatchOutcome
}

// applyRule executes spec §4.6 steps 4a-4e for a single rule.
func (e *Engine) applyRule(ctx context.Context, rule Rule, in Input, severity Severity, dedupKey string) ruleOutcome {
	// 4a: severity gate.
	if severity.Below(rule.SeverityThreshold) {
		return ruleOutcome{suppressed: true}
	}

	// 4b: cooldown gate.
	inCooldown, err := e.cooldown.Active(ctx, dedupKey)
	if err != nil {
		e.logger.Warn("alerting: cooldown check failed, proceeding as not-cooled-down", "error", err, "dedup_key", dedupKey)
	}
	if inCooldown {
		telemetry.AlertsDeduplicatedTotal.Inc()
		return ruleOutcome{suppressed: true}
	}

	// 4c: threshold-count windowing.
	since := time.Now().Add(-rule.ThresholdWindow)
	count, err := e.store.CountRecentHistory(ctx, dedupKey, since)
	if err != nil {
		e.logger.Error("alerting: counting recent history failed, treating as zero", "error", err, "dedup_key", dedupKey)
		count = 0
	}
	if count+1 < rule.ThresholdCount {
		e.recordHistory(ctx, in, severity, dedupKey, nil)
		return ruleOutcome{suppressed: true}
	}

	// 4d: dispatch to every channel, then 4e: record history + cooldown.
	outcomes := e.dispatchAll(ctx, rule.Channels, in, severity)

	var sent []Channel
	for _, o := range outcomes {
		if o.Sent {
			sent = append(sent, o.Channel)
		}
	}
	e.recordHistory(ctx, in, severity, dedupKey, sent)

	if err := e.cooldown.Set(ctx, dedupKey, rule.Cooldown); err != nil {
		e.logger.Error("alerting: setting cooldown failed", "error", err, "dedup_key", dedupKey)
	}

	return ruleOutcome{dispatched: outcomes}
}

// dispatchAll fans out to every channel in the rule, isolating one
// channel's failure from the rest (spec §4.6: "channel failure is
// isolated").
func (e *Engine) dispatchAll(ctx context.Context, channels []Channel, in Input, severity Severity) []DispatchOutcome {
	alert := DispatchAlert{
		Owner:    in.Owner,
		Group:    in.Group,
		Title:    in.Title,
		Message:  in.Message,
		Severity: severity,
		Metadata: in.Metadata,
	}

	outcomes := make([]DispatchOutcome, 0, len(channels))
	for _, ch := range channels {
		outcomes = append(outcomes, e.dispatchOne(ctx, ch, alert))
	}
	return outcomes
}

func (e *Engine) dispatchOne(ctx context.Context, ch Channel, alert DispatchAlert) DispatchOutcome {
	dispatcher, ok := e.dispatchers[ch]
	if !ok || dispatcher == nil {
		telemetry.AlertChannelUnconfiguredTotal.WithLabelValues(string(ch)).Inc()
		e.logger.Warn("alerting: channel has no dispatcher wired", "channel", ch, "owner", alert.Owner)
		return DispatchOutcome{Channel: ch, Sent: false, Reason: "channel not wired"}
	}

	if e.limiter != nil {
		res := e.limiter.Admit(ctx, "alerting", "channel", string(ch)+":"+alert.Owner, channelRateLimitMax, channelRateLimitWindow)
		if !res.Admitted {
			telemetry.RateLimitRejectedTotal.WithLabelValues("alerting.channel").Inc()
			return DispatchOutcome{Channel: ch, Sent: false, Reason: "channel rate limit exceeded"}
		}
	}

	err := dispatcher.Dispatch(ctx, e.store, e.cipher, alert)
	if err != nil {
		if err == ErrChannelNotConfigured {
			telemetry.AlertChannelUnconfiguredTotal.WithLabelValues(string(ch)).Inc()
			e.logger.Warn("alerting: channel not configured for owner", "channel", ch, "owner", alert.Owner)
		} else {
			telemetry.AlertsDispatchedTotal.WithLabelValues(string(ch), "failure").Inc()
			e.logger.Error("alerting: dispatch failed", "error", err, "channel", ch, "owner", alert.Owner)
		}
		return DispatchOutcome{Channel: ch, Sent: false, Reason: err.Error()}
	}

	telemetry.AlertsDispatchedTotal.WithLabelValues(string(ch), "success").Inc()
	return DispatchOutcome{Channel: ch, Sent: true}
}

func (e *Engine) recordHistory(ctx context.Context, in Input, severity Severity, dedupKey string, sent []Channel) {
	_, err := e.store.InsertHistory(ctx, HistoryEntry{
		DedupKey:     dedupKey,
		EventType:    in.EventType,
		Owner:        in.Owner,
		Group:        in.Group,
		Title:        in.Title,
		Message:      in.Message,
		Severity:     severity,
		Metadata:     marshalMetadata(in.Metadata),
		ChannelsSent: sent,
	})
	if err != nil {
		e.logger.Error("alerting: recording history failed", "error", err, "dedup_key", dedupKey)
	}
	if e.audit != nil {
		e.audit.Log(audit.Entry{
			ActorID:   in.Owner,
			EventType: "alerting.trigger",
			TargetID:  dedupKey,
			Success:   true,
			CreatedAt: time.Now(),
		})
	}
}
