package audit

import (
	"log/slog"
	"net/http/httptest"
	"net/netip"
	"testing"

	"github.com/ocmt/controlplane/internal/authn"
)

func TestClientIP_XForwardedFor(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("X-Forwarded-For", "203.0.113.50, 70.41.3.18")

	ip := ClientIP(r, nil)
	want := netip.MustParseAddr("203.0.113.50")
	if ip != want {
		t.Errorf("ClientIP = %v, want %v", ip, want)
	}
}

func TestClientIP_RemoteAddr(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "192.0.2.1:12345"

	ip := ClientIP(r, nil)
	want := netip.MustParseAddr("192.0.2.1")
	if ip != want {
		t.Errorf("ClientIP = %v, want %v", ip, want)
	}
}

func TestClientIP_UntrustedProxyIgnoresHeaders(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("X-Forwarded-For", "203.0.113.50")
	r.RemoteAddr = "192.0.2.1:12345"

	trusted := []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}
	ip := ClientIP(r, trusted)
	want := netip.MustParseAddr("192.0.2.1")
	if ip != want {
		t.Errorf("ClientIP = %v, want %v (untrusted peer should not get XFF honored)", ip, want)
	}
}

func TestClientIP_TrustedProxyHonorsHeaders(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("X-Forwarded-For", "203.0.113.50")
	r.RemoteAddr = "10.0.0.5:12345"

	trusted := []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}
	ip := ClientIP(r, trusted)
	want := netip.MustParseAddr("203.0.113.50")
	if ip != want {
		t.Errorf("ClientIP = %v, want %v", ip, want)
	}
}

func TestLog_DropsWhenFull(t *testing.T) {
	logger := slog.Default()
	w := NewWriter(nil, logger)

	for i := 0; i < bufferSize; i++ {
		w.Log(Entry{EventType: "test"})
	}

	// The next log should be dropped (non-blocking), not deadlock the test.
	w.Log(Entry{EventType: "dropped"})

	if len(w.entries) != bufferSize {
		t.Errorf("buffer size = %d, want %d", len(w.entries), bufferSize)
	}
}

func TestLogFromRequest_ExtractsFields(t *testing.T) {
	logger := slog.Default()
	w := NewWriter(nil, logger)

	r := httptest.NewRequest("POST", "/api/v1/approvals/123/approve", nil)
	r.Header.Set("X-Real-IP", "198.51.100.23")
	ctx := authn.NewContext(r.Context(), &authn.Identity{OwnerID: "owner-1"})
	r = r.WithContext(ctx)

	w.LogFromRequest(r, "capability.approve", "approval-123", true, "")

	entry := <-w.entries

	if entry.EventType != "capability.approve" {
		t.Errorf("EventType = %q, want %q", entry.EventType, "capability.approve")
	}
	if entry.ActorID != "owner-1" {
		t.Errorf("ActorID = %q, want %q", entry.ActorID, "owner-1")
	}
	if entry.TargetID != "approval-123" {
		t.Errorf("TargetID = %q, want %q", entry.TargetID, "approval-123")
	}
	if entry.IP == nil || *entry.IP != netip.MustParseAddr("198.51.100.23") {
		t.Errorf("IP = %v, want 198.51.100.23", entry.IP)
	}
	if !entry.Success {
		t.Errorf("Success = false, want true")
	}
}
