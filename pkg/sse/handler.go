package sse

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ocmt/controlplane/internal/authn"
	"github.com/ocmt/controlplane/internal/httpserver"
	"github.com/ocmt/controlplane/pkg/gatewaytoken"
)

// ephemeralTTL is the lifetime minted for the upstream sandbox hop. Short
// enough that a leaked token stops mattering quickly, long enough to outlive
// one proxied connection setup.
const ephemeralTTL = 5 * time.Minute

// OwnerSource resolves the owner record needed to mint an ephemeral token:
// its permanent-token ciphertext.
type OwnerSource interface {
	Get(ctx context.Context, id string) (OwnerRecord, error)
}

// OwnerRecord is the subset of an owner record the proxy needs.
type OwnerRecord struct {
	ID                       string
	PermanentTokenCiphertext string
}

// Decryptor recovers a permanent token's raw bytes from its ciphertext.
type Decryptor interface {
	Decrypt(ciphertext string) ([]byte, error)
}

// SandboxResolver maps an owner to its sandbox's event-stream endpoint. The
// container orchestration layer is an external collaborator (spec §1); this
// interface is the seam.
type SandboxResolver interface {
	ResolveEventEndpoint(ctx context.Context, ownerID string) (string, error)
}

// Handler serves the SSE fan-out and upstream event proxy (spec §4.9).
type Handler struct {
	registry  *Registry
	owners    OwnerSource
	cipher    Decryptor
	sandboxes SandboxResolver
	client    *http.Client
	logger    *slog.Logger
}

func NewHandler(registry *Registry, owners OwnerSource, cipher Decryptor, sandboxes SandboxResolver, logger *slog.Logger) *Handler {
	return &Handler{
		registry:  registry,
		owners:    owners,
		cipher:    cipher,
		sandboxes: sandboxes,
		client:    &http.Client{},
		logger:    logger,
	}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/container", h.handleStream)
	return r
}

// handleStream multiplexes broadcast_to_owner pushes and the owner's
// sandbox event stream onto a single SSE connection. Auth is exclusively
// the session cookie carried by the request's identity — spec §4.9
// explicitly forbids a query-string token here.
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	identity := authn.FromContext(r.Context())
	if identity == nil {
		httpserver.RespondKindError(w, httpserver.New(httpserver.KindAuthRequired, "authentication required"), false)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		httpserver.RespondKindError(w, httpserver.New(httpserver.KindInternal, "streaming unsupported"), false)
		return
	}

	ctx := r.Context()
	owner, err := h.owners.Get(ctx, identity.OwnerID)
	if err != nil {
		httpserver.RespondKindError(w, httpserver.New(httpserver.KindNotFound, "owner not found"), false)
		return
	}
	if owner.PermanentTokenCiphertext == "" {
		httpserver.RespondKindError(w, httpserver.New(httpserver.KindValidationFailed, "no gateway token issued"), false)
		return
	}
	endpoint, err := h.sandboxes.ResolveEventEndpoint(ctx, identity.OwnerID)
	if err != nil {
		httpserver.RespondKindError(w, httpserver.New(httpserver.KindServiceUnavailable, "sandbox unavailable"), false)
		return
	}
	permanentRaw, err := h.cipher.Decrypt(owner.PermanentTokenCiphertext)
	if err != nil {
		httpserver.RespondKindError(w, httpserver.New(httpserver.KindInternal, "token decryption failed"), false)
		return
	}
	ephemeral, err := gatewaytoken.Issue(identity.OwnerID, permanentRaw, ephemeralTTL)
	if err != nil {
		httpserver.RespondKindError(w, httpserver.New(httpserver.KindInternal, "ephemeral token issuance failed"), false)
		return
	}

	upstreamReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		httpserver.RespondKindError(w, httpserver.New(httpserver.KindServiceUnavailable, "sandbox unavailable"), false)
		return
	}
	upstreamReq.Header.Set("Authorization", "Bearer "+ephemeral)
	upstreamReq.Header.Set("Accept", "text/event-stream")

	upstream, err := h.client.Do(upstreamReq)
	if err != nil {
		httpserver.RespondKindError(w, httpserver.New(httpserver.KindServiceUnavailable, "sandbox unreachable"), false)
		return
	}
	defer upstream.Body.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	writeFrame(w, flusher, encodeFrame("connected", []byte(`{}`)))

	sub := h.registry.Register(identity.OwnerID)
	defer h.registry.Unregister(sub)

	writeMu := newChanMutex()
	upstreamDone := make(chan struct{})
	go func() {
		defer close(upstreamDone)
		pipeUpstream(w, flusher, upstream.Body, writeMu)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-upstreamDone:
			return
		case record, ok := <-sub.frames:
			if !ok {
				return
			}
			writeMu.lock()
			writeFrame(w, flusher, record)
			writeMu.unlock()
		}
	}
}

// chanMutex is a channel-backed mutex so pipeUpstream's goroutine and the
// broadcast-drain loop never interleave writes to the same ResponseWriter.
type chanMutex struct{ ch chan struct{} }

func newChanMutex() *chanMutex {
	return &chanMutex{ch: make(chan struct{}, 1)}
}

func (m *chanMutex) lock() {
	m.ch <- struct{}{}
}

func (m *chanMutex) unlock() {
	<-m.ch
}

func writeFrame(w http.ResponseWriter, flusher http.Flusher, record []byte) {
	if _, err := w.Write(record); err != nil {
		return
	}
	flusher.Flush()
}

// pipeUpstream copies the sandbox's own SSE stream through to the client
// byte-for-byte, under writeMu, until the upstream closes or errors.
func pipeUpstream(w http.ResponseWriter, flusher http.Flusher, body io.Reader, writeMu *chanMutex) {
	buf := make([]byte, 4096)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			writeMu.lock()
			w.Write(buf[:n])
			flusher.Flush()
			writeMu.unlock()
		}
		if err != nil {
			return
		}
	}
}
