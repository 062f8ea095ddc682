package capability

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ocmt/controlplane/internal/audit"
	"github.com/ocmt/controlplane/internal/authn"
	"github.com/ocmt/controlplane/internal/httpserver"
)

// Handler exposes the capability approval workflow over HTTP
// (spec §6: "POST /approvals/{id}/approve[-with-constraints]").
type Handler struct {
	store  *PostgresStore
	audit  *audit.Writer
	logger *slog.Logger
}

func NewHandler(store *PostgresStore, auditWriter *audit.Writer, logger *slog.Logger) *Handler {
	return &Handler{store: store, audit: auditWriter, logger: logger}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.handleCreate)
	r.Get("/{id}", h.handleGet)
	r.Post("/{id}/approve", h.handleApprove)
	r.Post("/{id}/deny", h.handleDeny)
	r.Post("/{id}/approve-with-constraints", h.handleApproveWithConstraints)
	r.Post("/{id}/mark-issued", h.handleMarkIssued)
	return r
}

type createRequest struct {
	SubjectPublicKey string       `json:"subjectPublicKey" validate:"required"`
	SubjectEmail     string       `json:"subjectEmail" validate:"omitempty,email"`
	Resource         string       `json:"resource" validate:"required"`
	Scope            []Permission `json:"scope" validate:"required,min=1"`
	TimePreset       string       `json:"timePreset"`
	CustomHours      int          `json:"customHours"`
	MaxCalls         *int         `json:"maxCalls"`
	Reason           string       `json:"reason"`
}

type approvalResponse struct {
	ID               string       `json:"id"`
	OwnerID          string       `json:"ownerId"`
	SubjectPublicKey string       `json:"subjectPublicKey"`
	Resource         string       `json:"resource"`
	RequestedScope   []Permission `json:"requestedScope"`
	Status           Status       `json:"status"`
	AppliedScope     []Permission `json:"appliedScope,omitempty"`
	AppliedExpiresIn int          `json:"appliedExpiresIn,omitempty"`
	AppliedMaxCalls  *int         `json:"appliedMaxCalls,omitempty"`
	CreatedAt        time.Time    `json:"createdAt"`
	ExpiresAt        time.Time    `json:"expiresAt"`
}

func toResponse(a *Approval) approvalResponse {
	return approvalResponse{
		ID:               a.ID,
		OwnerID:          a.OwnerID,
		SubjectPublicKey: a.SubjectPublicKey,
		Resource:         a.Resource,
		RequestedScope:   a.RequestedScope,
		Status:           a.Status,
		AppliedScope:     a.AppliedScope,
		AppliedExpiresIn: a.AppliedExpiresIn,
		AppliedMaxCalls:  a.AppliedMaxCalls,
		CreatedAt:        a.CreatedAt,
		ExpiresAt:        a.ExpiresAt,
	}
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	identity := authn.FromContext(r.Context())
	if identity == nil {
		httpserver.RespondKindError(w, httpserver.New(httpserver.KindAuthRequired, "authentication required"), false)
		return
	}

	var req createRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	existing, err := h.store.GetPendingByDedupKey(r.Context(), identity.OwnerID, req.SubjectPublicKey, req.Resource)
	if err == nil {
		httpserver.Respond(w, http.StatusOK, toResponse(existing))
		return
	}
	if !errors.Is(err, ErrNotFound) {
		h.logger.Error("capability: dedup lookup", "error", err)
		httpserver.RespondKindError(w, httpserver.New(httpserver.KindInternal, "internal error"), false)
		return
	}

	expiresIn := ParseTimePreset(req.TimePreset, req.CustomHours)
	approval, err := NewRequest(identity.OwnerID, req.SubjectPublicKey, req.SubjectEmail, req.Resource,
		req.Scope, expiresIn, req.MaxCalls, req.Reason, DefaultCeiling, time.Now())
	if err != nil {
		httpserver.RespondKindError(w, httpserver.New(httpserver.KindForbidden, err.Error()), false)
		return
	}

	approval, err = h.store.Insert(r.Context(), approval)
	if err != nil {
		h.logger.Error("capability: inserting approval", "error", err)
		httpserver.RespondKindError(w, httpserver.New(httpserver.KindInternal, "internal error"), false)
		return
	}

	if h.audit != nil {
		h.audit.LogFromRequest(r, "capability.request", approval.ID, true, "")
	}

	httpserver.Respond(w, http.StatusCreated, toResponse(approval))
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	a, err := h.store.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, ErrNotFound) {
		httpserver.RespondKindError(w, httpserver.New(httpserver.KindNotFound, "approval not found"), false)
		return
	}
	if err != nil {
		httpserver.RespondKindError(w, httpserver.New(httpserver.KindInternal, "internal error"), false)
		return
	}
	httpserver.Respond(w, http.StatusOK, toResponse(a))
}

func (h *Handler) load(w http.ResponseWriter, r *http.Request) *Approval {
	a, err := h.store.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, ErrNotFound) {
		httpserver.RespondKindError(w, httpserver.New(httpserver.KindNotFound, "approval not found"), false)
		return nil
	}
	if err != nil {
		h.logger.Error("capability: loading approval", "error", err)
		httpserver.RespondKindError(w, httpserver.New(httpserver.KindInternal, "internal error"), false)
		return nil
	}
	return a
}

func (h *Handler) save(w http.ResponseWriter, r *http.Request, a *Approval, eventType string) bool {
	if err := h.store.Save(r.Context(), a); err != nil {
		h.logger.Error("capability: saving approval", "error", err)
		httpserver.RespondKindError(w, httpserver.New(httpserver.KindInternal, "internal error"), false)
		return false
	}
	if h.audit != nil {
		h.audit.LogFromRequest(r, eventType, a.ID, true, "")
	}
	return true
}

func (h *Handler) handleApprove(w http.ResponseWriter, r *http.Request) {
	a := h.load(w, r)
	if a == nil {
		return
	}
	if err := Approve(a, time.Now()); err != nil {
		httpserver.RespondKindError(w, httpserver.New(httpserver.KindConflict, err.Error()), false)
		return
	}
	if !h.save(w, r, a, "capability.approve") {
		return
	}
	httpserver.Respond(w, http.StatusOK, toResponse(a))
}

func (h *Handler) handleDeny(w http.ResponseWriter, r *http.Request) {
	a := h.load(w, r)
	if a == nil {
		return
	}
	if err := Deny(a, time.Now()); err != nil {
		httpserver.RespondKindError(w, httpserver.New(httpserver.KindConflict, err.Error()), false)
		return
	}
	if !h.save(w, r, a, "capability.deny") {
		return
	}
	httpserver.Respond(w, http.StatusOK, toResponse(a))
}

type constraintsRequest struct {
	ExpiresInSeconds *int         `json:"expiresInSeconds"`
	Scope            []Permission `json:"scope"`
	MaxCalls         *int         `json:"maxCalls"`
}

func (h *Handler) handleApproveWithConstraints(w http.ResponseWriter, r *http.Request) {
	a := h.load(w, r)
	if a == nil {
		return
	}

	var req constraintsRequest
	if err := httpserver.Decode(r, &req); err != nil {
		httpserver.RespondKindError(w, httpserver.New(httpserver.KindValidationFailed, err.Error()), false)
		return
	}

	err := ApproveWithConstraints(a, Constraints{
		ExpiresInSeconds: req.ExpiresInSeconds,
		Scope:            req.Scope,
		MaxCalls:         req.MaxCalls,
	}, time.Now())
	if err != nil {
		httpserver.RespondKindError(w, httpserver.New(httpserver.KindConflict, err.Error()), false)
		return
	}
	if !h.save(w, r, a, "capability.approve_with_constraints") {
		return
	}
	httpserver.Respond(w, http.StatusOK, toResponse(a))
}

func (h *Handler) handleMarkIssued(w http.ResponseWriter, r *http.Request) {
	a := h.load(w, r)
	if a == nil {
		return
	}
	if err := MarkIssued(a); err != nil {
		httpserver.RespondKindError(w, httpserver.New(httpserver.KindConflict, err.Error()), false)
		return
	}
	if !h.save(w, r, a, "capability.mark_issued") {
		return
	}
	httpserver.Respond(w, http.StatusOK, toResponse(a))
}
