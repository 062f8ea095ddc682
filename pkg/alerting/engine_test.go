package alerting

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeStore is an in-memory EngineStore used to exercise the engine
// without a live Postgres connection.
type fakeStore struct {
	mu       sync.Mutex
	rules    map[string][]Rule
	history  []HistoryEntry
	configs  map[string]*ChannelConfig
}

func newFakeStore() *fakeStore {
	return &fakeStore{rules: map[string][]Rule{}, configs: map[string]*ChannelConfig{}}
}

func (s *fakeStore) GetApplicableRules(ctx context.Context, eventType string) ([]Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rules[eventType], nil
}

func (s *fakeStore) CountRecentHistory(ctx context.Context, dedupKey string, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, h := range s.history {
		if h.DedupKey == dedupKey && !h.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (s *fakeStore) InsertHistory(ctx context.Context, e HistoryEntry) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.CreatedAt = time.Now()
	s.history = append(s.history, e)
	return "history-id", nil
}

func (s *fakeStore) GetChannelConfig(ctx context.Context, owner string, channel Channel) (*ChannelConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.configs[owner+":"+string(channel)]
	if !ok {
		return nil, ErrChannelNotConfigured
	}
	return cfg, nil
}

// fakeCooldown is an in-memory CooldownSource.
type fakeCooldown struct {
	mu      sync.Mutex
	expires map[string]time.Time
}

func newFakeCooldown() *fakeCooldown {
	return &fakeCooldown{expires: map[string]time.Time{}}
}

func (c *fakeCooldown) Active(ctx context.Context, dedupKey string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	exp, ok := c.expires[dedupKey]
	return ok && time.Now().Before(exp), nil
}

func (c *fakeCooldown) Set(ctx context.Context, dedupKey string, cooldown time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expires[dedupKey] = time.Now().Add(cooldown)
	return nil
}

// countingDispatcher records every Dispatch call it receives.
type countingDispatcher struct {
	mu    sync.Mutex
	calls int
}

func (d *countingDispatcher) Dispatch(ctx context.Context, cfgSource ChannelConfigSource, cipher Decryptor, alert DispatchAlert) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	return nil
}

func newTestEngine(store *fakeStore, cooldown *fakeCooldown, dispatchers map[Channel]Dispatcher) *Engine {
	return NewEngine(store, cooldown, nil, nil, nil, testLogger(), dispatchers)
}

// TestTriggerAlertDedupWithinCooldownProducesOneFanout exercises spec §8
// scenario 4: two triggers sharing a dedup key within the cooldown window,
// threshold_count=1, must produce at most one channel fan-out.
func TestTriggerAlertDedupWithinCooldownProducesOneFanout(t *testing.T) {
	store := newFakeStore()
	store.rules["custom.event"] = []Rule{{
		EventType:         "custom.event",
		SeverityThreshold: SeverityInfo,
		ThresholdCount:    1,
		ThresholdWindow:   time.Minute,
		Cooldown:          time.Hour,
		Channels:          []Channel{ChannelInApp},
	}}

	inApp := &countingDispatcher{}
	engine := newTestEngine(store, newFakeCooldown(), map[Channel]Dispatcher{ChannelInApp: inApp})

	in := Input{EventType: "custom.event", Owner: "owner-1", Title: "t", Message: "m", Severity: SeverityInfo}

	first := engine.TriggerAlert(context.Background(), in)
	require.False(t, first.Suppressed)
	require.Len(t, first.Dispatch, 1)
	require.True(t, first.Dispatch[0].Sent)

	second := engine.TriggerAlert(context.Background(), in)
	require.True(t, second.Suppressed)
	require.Empty(t, second.Dispatch)

	require.Equal(t, 1, inApp.calls)
}

func TestTriggerAlertSuppressesBelowSeverityThreshold(t *testing.T) {
	store := newFakeStore()
	store.rules["custom.event"] = []Rule{{
		EventType:         "custom.event",
		SeverityThreshold: SeverityCritical,
		ThresholdCount:    1,
		ThresholdWindow:   time.Minute,
		Cooldown:          time.Hour,
		Channels:          []Channel{ChannelInApp},
	}}

	inApp := &countingDispatcher{}
	engine := newTestEngine(store, newFakeCooldown(), map[Channel]Dispatcher{ChannelInApp: inApp})

	result := engine.TriggerAlert(context.Background(), Input{
		EventType: "custom.event", Owner: "owner-1", Title: "t", Message: "m", Severity: SeverityInfo,
	})
	require.True(t, result.Suppressed)
	require.Equal(t, 0, inApp.calls)
}

func TestTriggerAlertSynthesizesDefaultRuleWhenNoneConfigured(t *testing.T) {
	store := newFakeStore()
	inApp := &countingDispatcher{}
	email := &countingDispatcher{}
	engine := newTestEngine(store, newFakeCooldown(), map[Channel]Dispatcher{
		ChannelInApp: inApp,
		ChannelEmail: email,
	})

	result := engine.TriggerAlert(context.Background(), Input{
		EventType: "unconfigured.event", Owner: "owner-1", Title: "t", Message: "m", Severity: SeverityWarning,
	})
	require.False(t, result.RuleMatched)
	require.False(t, result.Suppressed)
	require.Len(t, result.Dispatch, 2)
	require.Equal(t, 1, inApp.calls)
	require.Equal(t, 1, email.calls)
}

func TestTriggerAlertThresholdCountWindow(t *testing.T) {
	store := newFakeStore()
	store.rules["custom.event"] = []Rule{{
		EventType:         "custom.event",
		SeverityThreshold: SeverityInfo,
		ThresholdCount:    3,
		ThresholdWindow:   time.Minute,
		Cooldown:          time.Millisecond, // cooldown expires immediately between calls
		Channels:          []Channel{ChannelInApp},
	}}

	inApp := &countingDispatcher{}
	engine := newTestEngine(store, newFakeCooldown(), map[Channel]Dispatcher{ChannelInApp: inApp})
	in := Input{EventType: "custom.event", Owner: "owner-1", Title: "t", Message: "m", Severity: SeverityInfo}

	r1 := engine.TriggerAlert(context.Background(), in)
	require.True(t, r1.Suppressed)
	time.Sleep(2 * time.Millisecond)
	r2 := engine.TriggerAlert(context.Background(), in)
	require.True(t, r2.Suppressed)
	time.Sleep(2 * time.Millisecond)
	r3 := engine.TriggerAlert(context.Background(), in)
	require.False(t, r3.Suppressed)

	require.Equal(t, 1, inApp.calls)
}

func TestTriggerAlertChannelFailureIsolated(t *testing.T) {
	store := newFakeStore()
	store.rules["custom.event"] = []Rule{{
		EventType:         "custom.event",
		SeverityThreshold: SeverityInfo,
		ThresholdCount:    1,
		ThresholdWindow:   time.Minute,
		Cooldown:          time.Hour,
		Channels:          []Channel{ChannelSlack, ChannelInApp},
	}}

	inApp := &countingDispatcher{}
	// Slack has no dispatcher wired, simulating an unconfigured channel.
	engine := newTestEngine(store, newFakeCooldown(), map[Channel]Dispatcher{ChannelInApp: inApp})

	result := engine.TriggerAlert(context.Background(), Input{
		EventType: "custom.event", Owner: "owner-1", Title: "t", Message: "m", Severity: SeverityInfo,
	})
	require.Len(t, result.Dispatch, 2)
	require.Equal(t, 1, inApp.calls)

	var slackOutcome, inAppOutcome DispatchOutcome
	for _, o := range result.Dispatch {
		if o.Channel == ChannelSlack {
			slackOutcome = o
		}
		if o.Channel == ChannelInApp {
			inAppOutcome = o
		}
	}
	require.False(t, slackOutcome.Sent)
	require.True(t, inAppOutcome.Sent)
}
