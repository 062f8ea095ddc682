package resource

import (
	"encoding/base64"
	"errors"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/ocmt/controlplane/internal/authn"
	"github.com/ocmt/controlplane/internal/httpserver"
)

// Handler exposes call_resource over HTTP (spec §4.8).
type Handler struct {
	invoker *Invoker
}

func NewHandler(invoker *Invoker) *Handler {
	return &Handler{invoker: invoker}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/{resourceID}/call", h.handleCall)
	return r
}

type callRequest struct {
	Method  string            `json:"method" validate:"required"`
	Path    string            `json:"path"`
	Query   map[string]string `json:"query"`
	BodyB64 string            `json:"body"`
	Headers map[string]string `json:"headers"`
}

type callResponse struct {
	StatusCode int               `json:"statusCode"`
	BodyB64    string            `json:"body"`
	Headers    map[string]string `json:"headers,omitempty"`
}

func (h *Handler) handleCall(w http.ResponseWriter, r *http.Request) {
	identity := authn.FromContext(r.Context())
	if identity == nil {
		httpserver.RespondKindError(w, httpserver.New(httpserver.KindAuthRequired, "authentication required"), false)
		return
	}

	var req callRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	var body []byte
	if req.BodyB64 != "" {
		decoded, err := base64.StdEncoding.DecodeString(req.BodyB64)
		if err != nil {
			httpserver.RespondKindError(w, httpserver.New(httpserver.KindValidationFailed, "body must be base64-encoded"), false)
			return
		}
		body = decoded
	}

	query := make(url.Values, len(req.Query))
	for k, v := range req.Query {
		query.Set(k, v)
	}
	headers := make(http.Header, len(req.Headers))
	for k, v := range req.Headers {
		headers.Set(k, v)
	}

	result, err := h.invoker.Invoke(r.Context(), CallRequest{
		Owner:      identity.OwnerID,
		ResourceID: chi.URLParam(r, "resourceID"),
		Method:     req.Method,
		Path:       req.Path,
		Query:      query,
		Body:       body,
		Headers:    headers,
	})
	if err != nil {
		httpserver.RespondKindError(w, toKindError(err), false)
		return
	}

	respHeaders := make(map[string]string, len(result.Headers))
	for k := range result.Headers {
		respHeaders[k] = result.Headers.Get(k)
	}

	httpserver.Respond(w, http.StatusOK, callResponse{
		StatusCode: result.StatusCode,
		BodyB64:    base64.StdEncoding.EncodeToString(result.Body),
		Headers:    respHeaders,
	})
}

// toKindError maps call_resource's sentinel errors onto the taxonomy from
// spec §7; anything unrecognized becomes internal.
func toKindError(err error) *httpserver.Error {
	switch {
	case errors.Is(err, ErrNoGrant), errors.Is(err, ErrPermissionDenied):
		return httpserver.New(httpserver.KindForbidden, "resource access denied")
	case errors.Is(err, ErrResourceNotFound):
		return httpserver.New(httpserver.KindNotFound, "resource not found")
	case errors.Is(err, ErrResourceInactive):
		return httpserver.New(httpserver.KindForbidden, "resource is not active")
	case errors.Is(err, ErrRateLimited):
		return httpserver.New(httpserver.KindRateLimited, "resource call rate limit exceeded").WithRetryAfter(3600)
	case errors.Is(err, ErrSSRFBlocked):
		return httpserver.New(httpserver.KindForbidden, "ssrf_blocked")
	default:
		return httpserver.New(httpserver.KindInternal, "internal error")
	}
}
