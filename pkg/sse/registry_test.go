package sse

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBroadcastToOwnerDeliversFramedRecord(t *testing.T) {
	reg := NewRegistry(testLogger())
	sub := reg.Register("owner-1")

	reg.BroadcastToOwner("owner-1", "alert.fired", map[string]string{"id": "a1"})

	select {
	case got := <-sub.frames:
		require.Equal(t, "event: alert.fired\ndata: {\"id\":\"a1\"}\n\n", string(got))
	default:
		t.Fatal("expected a frame to be queued")
	}
}

func TestBroadcastToOwnerIgnoresOtherOwners(t *testing.T) {
	reg := NewRegistry(testLogger())
	sub := reg.Register("owner-1")

	reg.BroadcastToOwner("owner-2", "alert.fired", map[string]string{"id": "a1"})

	select {
	case <-sub.frames:
		t.Fatal("should not have received a frame for a different owner")
	default:
	}
}

func TestBroadcastToOwnerEjectsSubscriberOnFullQueue(t *testing.T) {
	reg := NewRegistry(testLogger())
	sub := reg.Register("owner-1")

	for i := 0; i < frameBuffer+1; i++ {
		reg.BroadcastToOwner("owner-1", "tick", i)
	}

	reg.mu.RLock()
	_, stillRegistered := reg.subscribers["owner-1"][sub]
	reg.mu.RUnlock()
	require.False(t, stillRegistered)
}

func TestUnregisterRemovesEmptyOwnerSet(t *testing.T) {
	reg := NewRegistry(testLogger())
	sub := reg.Register("owner-1")
	reg.Unregister(sub)

	reg.mu.RLock()
	_, ok := reg.subscribers["owner-1"]
	reg.mu.RUnlock()
	require.False(t, ok)
}
