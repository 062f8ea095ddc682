package alerting

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ocmt/controlplane/internal/authn"
	"github.com/ocmt/controlplane/internal/httpserver"
)

// Handler exposes trigger_alert over HTTP for internal/service callers
// (the capability sweeper, the resource fabric's SSRF guard, etc. all call
// Engine.TriggerAlert directly in-process; this route exists for external
// or owner-initiated triggers, e.g. a custom integration).
type Handler struct {
	engine *Engine
	logger *slog.Logger
}

func NewHandler(engine *Engine, logger *slog.Logger) *Handler {
	return &Handler{engine: engine, logger: logger}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/trigger", h.handleTrigger)
	return r
}

type triggerRequest struct {
	EventType string         `json:"event_type" validate:"required"`
	Owner     string         `json:"owner"`
	Group     string         `json:"group"`
	Title     string         `json:"title" validate:"required"`
	Message   string         `json:"message" validate:"required"`
	Severity  string         `json:"severity"`
	Metadata  map[string]any `json:"metadata"`
}

type dispatchOutcomeResponse struct {
	Channel string `json:"channel"`
	Sent    bool   `json:"sent"`
	Reason  string `json:"reason,omitempty"`
}

type triggerResponse struct {
	DedupKey    string                     `json:"dedup_key"`
	Severity    string                     `json:"severity"`
	Suppressed  bool                       `json:"suppressed"`
	RuleMatched bool                       `json:"rule_matched"`
	Dispatch    []dispatchOutcomeResponse `json:"dispatch"`
}

func (h *Handler) handleTrigger(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	owner := req.Owner
	if owner == "" {
		if identity := authn.FromContext(r.Context()); identity != nil {
			owner = identity.OwnerID
		}
	}

	result := h.engine.TriggerAlert(r.Context(), Input{
		EventType: req.EventType,
		Owner:     owner,
		Group:     req.Group,
		Title:     req.Title,
		Message:   req.Message,
		Severity:  Severity(req.Severity),
		Metadata:  req.Metadata,
	})

	outcomes := make([]dispatchOutcomeResponse, 0, len(result.Dispatch))
	for _, o := range result.Dispatch {
		outcomes = append(outcomes, dispatchOutcomeResponse{Channel: string(o.Channel), Sent: o.Sent, Reason: o.Reason})
	}

	httpserver.Respond(w, http.StatusOK, triggerResponse{
		DedupKey:    result.DedupKey,
		Severity:    string(result.Severity),
		Suppressed:  result.Suppressed,
		RuleMatched: result.RuleMatched,
		Dispatch:    outcomes,
	})
}
