package alerting

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSeverityBelow(t *testing.T) {
	require.True(t, SeverityInfo.Below(SeverityWarning))
	require.False(t, SeverityWarning.Below(SeverityWarning))
	require.False(t, SeverityCritical.Below(SeverityWarning))
	require.True(t, Severity("bogus").Below(SeverityInfo))
}

func TestResolveSeverityPrecedence(t *testing.T) {
	require.Equal(t, SeverityCritical, ResolveSeverity("anything", SeverityCritical))
	require.Equal(t, SeverityWarning, ResolveSeverity("capability.ceiling_exceeded", ""))
	require.Equal(t, SeverityInfo, ResolveSeverity("unmapped.event", ""))
}

func TestDedupKeyIs32HexChars(t *testing.T) {
	key := DedupKey("capability.ceiling_exceeded", "owner-1", "group-1", "1.2.3.4")
	require.Len(t, key, 32)
	require.Regexp(t, "^[0-9a-f]{32}$", key)

	// Same inputs produce the same key; different owner changes it.
	require.Equal(t, key, DedupKey("capability.ceiling_exceeded", "owner-1", "group-1", "1.2.3.4"))
	require.NotEqual(t, key, DedupKey("capability.ceiling_exceeded", "owner-2", "group-1", "1.2.3.4"))
}

func TestSeverityColorMapping(t *testing.T) {
	require.Equal(t, "#DC2626", SeverityColor(SeverityCritical))
	require.Equal(t, "#D97706", SeverityColor(SeverityWarning))
	require.Equal(t, "#4F46E5", SeverityColor(SeverityInfo))
}

func TestDefaultRuleMatchesSpec(t *testing.T) {
	r := defaultRule("some.event")
	require.Equal(t, 1, r.ThresholdCount)
	require.Equal(t, 15*time.Minute, r.ThresholdWindow)
	require.Equal(t, 60*time.Minute, r.Cooldown)
	require.Equal(t, SeverityWarning, r.SeverityThreshold)
	require.Equal(t, []Channel{ChannelInApp, ChannelEmail}, r.Channels)
}
