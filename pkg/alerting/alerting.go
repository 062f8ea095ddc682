// Package alerting implements the alerting engine from spec §4.6:
// severity-gated, dedup-key-cooled-down, threshold-windowed fan-out across
// in-app, email, Slack, Discord, and generic webhook channels. It is
// grounded on the teacher's pkg/alert fingerprint/dedup idiom, generalized
// from "incoming monitoring webhook" to "trigger_alert" push events.
package alerting

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// Severity orders debug < info < warning < critical (spec §4.6 step 4a).
type Severity string

const (
	SeverityDebug    Severity = "debug"
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityDebug:    0,
	SeverityInfo:     1,
	SeverityWarning:  2,
	SeverityCritical: 3,
}

// Below reports whether s is strictly less severe than threshold. An
// unrecognized severity is treated as the lowest rank so malformed input
// never bypasses a rule's threshold.
func (s Severity) Below(threshold Severity) bool {
	return severityRank[s] < severityRank[threshold]
}

// Channel identifies a dispatch target.
type Channel string

const (
	ChannelInApp   Channel = "in_app"
	ChannelEmail   Channel = "email"
	ChannelSlack   Channel = "slack"
	ChannelDiscord Channel = "discord"
	ChannelWebhook Channel = "webhook"
)

// SeverityColor returns the hex color used for the given severity's
// dispatch payload (spec §4.6: "critical=red, warning=amber, info=indigo").
func SeverityColor(s Severity) string {
	switch s {
	case SeverityCritical:
		return "#DC2626"
	case SeverityWarning:
		return "#D97706"
	case SeverityInfo:
		return "#4F46E5"
	default:
		return "#6B7280"
	}
}

// Rule is an alerting rule: the gate a candidate alert must pass before
// its channels are dispatched.
type Rule struct {
	ID                string
	EventType         string
	SeverityThreshold Severity
	ThresholdCount    int
	ThresholdWindow   time.Duration
	Cooldown          time.Duration
	Channels          []Channel
}

// defaultRule synthesizes the rule spec §4.6 step 3 specifies when no
// applicable rule row exists: "{threshold_count=1, threshold_window=15min,
// cooldown=60min, severity_threshold=warning, channels=[in_app,email]}".
func defaultRule(eventType string) Rule {
	return Rule{
		EventType:         eventType,
		SeverityThreshold: SeverityWarning,
		ThresholdCount:    1,
		ThresholdWindow:   15 * time.Minute,
		Cooldown:          60 * time.Minute,
		Channels:          []Channel{ChannelInApp, ChannelEmail},
	}
}

// Input is a trigger_alert invocation (spec §4.6).
type Input struct {
	EventType string
	Owner     string
	Group     string
	Title     string
	Message   string
	Severity  Severity // empty means "resolve from defaults"
	Metadata  map[string]any
}

// defaultSeverityByEventType maps an event type to its default severity when the
// caller doesn't specify one. Event types outside this table fall back to
// info (spec §4.6 step 1: "severity ?? default_for(event_type) ?? info").
var defaultSeverityByEventType = map[string]Severity{
	"capability.ceiling_exceeded": SeverityWarning,
	"capability.expired":         SeverityInfo,
	"vault.unlock_failed":        SeverityWarning,
	"resource.ssrf_blocked":      SeverityCritical,
	"resource.call_failed":       SeverityWarning,
	"ratelimit.exhausted":        SeverityInfo,
}

// ResolveSeverity applies spec §4.6 step 1.
func ResolveSeverity(eventType string, requested Severity) Severity {
	if requested != "" {
		return requested
	}
	if s, ok := defaultSeverityByEventType[eventType]; ok {
		return s
	}
	return SeverityInfo
}

// DedupKey computes spec §4.6 step 2's dedup key: the first 32 hex
// characters (16 bytes) of sha256(event_type || owner || group || ip).
func DedupKey(eventType, owner, group, ip string) string {
	h := sha256.Sum256([]byte(eventType + owner + group + ip))
	return hex.EncodeToString(h[:])[:32]
}

// metadataIP extracts metadata.ip as a string, tolerating its absence.
func metadataIP(metadata map[string]any) string {
	if metadata == nil {
		return ""
	}
	if v, ok := metadata["ip"].(string); ok {
		return v
	}
	return ""
}

// marshalMetadata serializes metadata to JSON for storage, never failing:
// a nil or unmarshalable map becomes "{}".
func marshalMetadata(metadata map[string]any) json.RawMessage {
	if metadata == nil {
		return json.RawMessage(`{}`)
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return raw
}

// HistoryEntry is a persisted record of one trigger_alert evaluation
// (sent or suppressed) against a dedup key.
type HistoryEntry struct {
	ID           string
	DedupKey     string
	EventType    string
	Owner        string
	Group        string
	Title        string
	Message      string
	Severity     Severity
	Metadata     json.RawMessage
	ChannelsSent []Channel
	CreatedAt    time.Time
}

// DispatchOutcome records one channel's dispatch attempt for the response
// and for audit logging.
type DispatchOutcome struct {
	Channel Channel
	Sent    bool
	Reason  string // populated only when Sent is false
}

// Result is what TriggerAlert returns to its caller.
type Result struct {
	DedupKey    string
	Severity    Severity
	Suppressed  bool // cooldown active, or below threshold_count
	RuleMatched bool // false means the synthesized default rule applied
	Dispatch    []DispatchOutcome
}
