package audit

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ocmt/controlplane/internal/httpserver"
)

// Handler exposes a read-only view of the audit log.
type Handler struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewHandler creates an audit log Handler.
func NewHandler(pool *pgxpool.Pool, logger *slog.Logger) *Handler {
	return &Handler{pool: pool, logger: logger}
}

// Routes returns a chi.Router with audit log routes mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleList)
	return r
}

type auditRow struct {
	ActorID   string `json:"actor_id"`
	EventType string `json:"event_type"`
	TargetID  string `json:"target_id,omitempty"`
	GroupID   string `json:"group_id,omitempty"`
	IP        string `json:"ip,omitempty"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp"`
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	rows, err := h.pool.Query(r.Context(),
		`SELECT actor_id, event_type, COALESCE(target_id, ''), COALESCE(group_id, ''),
		        COALESCE(host(ip), ''), success, COALESCE(error, ''), created_at
		 FROM audit_log ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		h.logger.Error("listing audit log", "error", err)
		httpserver.RespondKindError(w, httpserver.New(httpserver.KindInternal, "failed to list audit log"), false)
		return
	}
	defer rows.Close()

	var out []auditRow
	for rows.Next() {
		var ar auditRow
		var ts time.Time
		if err := rows.Scan(&ar.ActorID, &ar.EventType, &ar.TargetID, &ar.GroupID, &ar.IP, &ar.Success, &ar.Error, &ts); err != nil {
			h.logger.Error("scanning audit log row", "error", err)
			continue
		}
		ar.Timestamp = ts.UTC().Format(time.RFC3339)
		out = append(out, ar)
	}

	httpserver.Respond(w, http.StatusOK, out)
}
