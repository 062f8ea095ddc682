// Package audit implements the append-only, write-behind audit log named in
// spec §2 ("Audit & session scaffolding") and shaped by spec §6:
// {actor_id, event_type, target_id?, group_id?, ip?, success, error?, timestamp}.
package audit

import (
	"context"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ocmt/controlplane/internal/authn"
)

// Entry is a single audit event.
type Entry struct {
	ActorID   string
	EventType string
	TargetID  string
	GroupID   string
	IP        *netip.Addr
	Success   bool
	Error     string
	CreatedAt time.Time
}

// Writer is an async, buffered audit log writer: entries are enqueued
// non-blocking and flushed by a background goroutine, matching the
// teacher's internal/audit.Writer shape.
type Writer struct {
	pool    *pgxpool.Pool
	logger  *slog.Logger
	entries chan Entry
	wg      sync.WaitGroup
}

const (
	bufferSize    = 256
	flushInterval = 2 * time.Second
	flushBatch    = 32
)

// NewWriter creates an audit Writer. Call Start to begin processing entries.
func NewWriter(pool *pgxpool.Pool, logger *slog.Logger) *Writer {
	return &Writer{
		pool:    pool,
		logger:  logger,
		entries: make(chan Entry, bufferSize),
	}
}

// Start begins the background flush goroutine.
func (w *Writer) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(ctx)
	}()
}

// Close waits for all pending entries to be flushed.
func (w *Writer) Close() {
	close(w.entries)
	w.wg.Wait()
}

// Log enqueues an audit entry. It never blocks the caller; if the buffer is
// full the entry is dropped and a warning is logged.
func (w *Writer) Log(entry Entry) {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	select {
	case w.entries <- entry:
	default:
		w.logger.Warn("audit log buffer full, dropping entry",
			"event_type", entry.EventType, "actor_id", entry.ActorID)
	}
}

// LogFromRequest extracts the actor and client IP from the request context
// and enqueues the entry.
func (w *Writer) LogFromRequest(r *http.Request, eventType, targetID string, success bool, errMsg string) {
	entry := Entry{
		EventType: eventType,
		TargetID:  targetID,
		Success:   success,
		Error:     errMsg,
	}

	if id := authn.FromContext(r.Context()); id != nil {
		entry.ActorID = id.OwnerID
	}

	ip := ClientIP(r, nil)
	if ip.IsValid() {
		entry.IP = &ip
	}

	w.Log(entry)
}

func (w *Writer) run(ctx context.Context) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Entry, 0, flushBatch)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		w.flush(batch)
		batch = batch[:0]
	}

	for {
		select {
		case entry, ok := <-w.entries:
			if !ok {
				flush()
				return
			}
			batch = append(batch, entry)
			if len(batch) >= flushBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			for {
				select {
				case entry, ok := <-w.entries:
					if !ok {
						flush()
						return
					}
					batch = append(batch, entry)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (w *Writer) flush(entries []Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	batch := &pgx.Batch{}
	for _, e := range entries {
		var ipStr *string
		if e.IP != nil {
			s := e.IP.String()
			ipStr = &s
		}
		batch.Queue(
			`INSERT INTO audit_log (actor_id, event_type, target_id, group_id, ip, success, error, created_at)
			 VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, $6, NULLIF($7, ''), $8)`,
			e.ActorID, e.EventType, e.TargetID, e.GroupID, ipStr, e.Success, e.Error, e.CreatedAt,
		)
	}

	results := w.pool.SendBatch(ctx, batch)
	defer results.Close()

	for range entries {
		if _, err := results.Exec(); err != nil {
			w.logger.Error("writing audit log entry", "error", err)
		}
	}
}

// ClientIP extracts the client IP, honoring X-Forwarded-For/X-Real-IP only
// when the direct peer is within a trusted-proxy CIDR (spec §4.7). When
// trusted is nil, the headers are honored unconditionally (used by the
// audit writer, which is not itself rate-limit sensitive).
func ClientIP(r *http.Request, trusted []netip.Prefix) netip.Addr {
	peerHost, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		peerHost = r.RemoteAddr
	}
	peer, peerErr := netip.ParseAddr(peerHost)

	proxyTrusted := trusted == nil
	if !proxyTrusted && peerErr == nil {
		for _, cidr := range trusted {
			if cidr.Contains(peer) {
				proxyTrusted = true
				break
			}
		}
	}

	if proxyTrusted {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			parts := strings.SplitN(xff, ",", 2)
			if addr, err := netip.ParseAddr(strings.TrimSpace(parts[0])); err == nil {
				return addr
			}
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			if addr, err := netip.ParseAddr(strings.TrimSpace(xri)); err == nil {
				return addr
			}
		}
	}

	if peerErr == nil {
		return peer
	}
	return netip.Addr{}
}
