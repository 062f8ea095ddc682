package vault

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ocmt/controlplane/internal/audit"
	"github.com/ocmt/controlplane/internal/authn"
	"github.com/ocmt/controlplane/internal/httpserver"
	"github.com/ocmt/controlplane/internal/session"
	"github.com/ocmt/controlplane/pkg/owner"
)

// SessionHeaderName is the header carrying an open vault session's opaque
// token on every request after unlock.
const SessionHeaderName = "X-Vault-Session"

// Handler exposes the vault lifecycle over HTTP.
type Handler struct {
	owners   owner.Store
	sessions *session.Manager
	audit    *audit.Writer
	logger   *slog.Logger
}

func NewHandler(owners owner.Store, sessions *session.Manager, auditWriter *audit.Writer, logger *slog.Logger) *Handler {
	return &Handler{owners: owners, sessions: sessions, audit: auditWriter, logger: logger}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/create", h.handleCreate)
	r.Post("/unlock", h.handleUnlock)
	r.Post("/update", h.handleUpdate)
	r.Post("/recover", h.handleRecover)
	r.Post("/change-password", h.handleChangePassword)
	return r
}

func (h *Handler) identity(w http.ResponseWriter, r *http.Request) *authn.Identity {
	identity := authn.FromContext(r.Context())
	if identity == nil {
		httpserver.RespondKindError(w, httpserver.New(httpserver.KindAuthRequired, "authentication required"), false)
		return nil
	}
	return identity
}

type createRequest struct {
	Password string `json:"password" validate:"required,min=8"`
}

type createResponse struct {
	RecoveryPhrase string `json:"recoveryPhrase"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	identity := h.identity(w, r)
	if identity == nil {
		return
	}

	var req createRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	blob, phrase, err := Create(req.Password)
	if err != nil {
		h.logger.Error("vault: create", "error", err)
		httpserver.RespondKindError(w, httpserver.New(httpserver.KindInternal, "internal error"), false)
		return
	}

	data, err := blob.Marshal()
	if err != nil {
		httpserver.RespondKindError(w, httpserver.New(httpserver.KindInternal, "internal error"), false)
		return
	}
	if err := h.owners.SetVaultBlob(r.Context(), identity.OwnerID, data); err != nil {
		h.logger.Error("vault: persisting blob", "error", err)
		httpserver.RespondKindError(w, httpserver.New(httpserver.KindInternal, "internal error"), false)
		return
	}

	if h.audit != nil {
		h.audit.LogFromRequest(r, "vault.create", identity.OwnerID, true, "")
	}

	httpserver.Respond(w, http.StatusCreated, createResponse{RecoveryPhrase: phrase})
}

func (h *Handler) loadBlob(w http.ResponseWriter, r *http.Request, ownerID string) *Blob {
	o, err := h.owners.Get(r.Context(), ownerID)
	if errors.Is(err, owner.ErrNotFound) || (err == nil && len(o.VaultBlob) == 0) {
		httpserver.RespondKindError(w, httpserver.New(httpserver.KindNotFound, "vault not found"), false)
		return nil
	}
	if err != nil {
		h.logger.Error("vault: loading owner", "error", err)
		httpserver.RespondKindError(w, httpserver.New(httpserver.KindInternal, "internal error"), false)
		return nil
	}
	blob, err := Unmarshal(o.VaultBlob)
	if err != nil {
		h.logger.Error("vault: parsing blob", "error", err)
		httpserver.RespondKindError(w, httpserver.New(httpserver.KindInternal, "internal error"), false)
		return nil
	}
	return blob
}

type unlockRequest struct {
	Password string `json:"password" validate:"required"`
}

type unlockResponse struct {
	Data         json.RawMessage `json:"data"`
	SessionToken string          `json:"sessionToken"`
}

func (h *Handler) handleUnlock(w http.ResponseWriter, r *http.Request) {
	identity := h.identity(w, r)
	if identity == nil {
		return
	}

	var req unlockRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	blob := h.loadBlob(w, r, identity.OwnerID)
	if blob == nil {
		return
	}

	plaintext, key, err := Unlock(blob, req.Password)
	if err != nil {
		if h.audit != nil {
			h.audit.LogFromRequest(r, "vault.unlock", identity.OwnerID, false, "invalid credential")
		}
		httpserver.RespondKindError(w, httpserver.New(httpserver.KindAuthInvalid, "invalid password or key"), false)
		return
	}

	token, err := h.sessions.Open(identity.OwnerID, key)
	if err != nil {
		httpserver.RespondKindError(w, httpserver.New(httpserver.KindInternal, "internal error"), false)
		return
	}

	if h.audit != nil {
		h.audit.LogFromRequest(r, "vault.unlock", identity.OwnerID, true, "")
	}

	httpserver.Respond(w, http.StatusOK, unlockResponse{Data: json.RawMessage(plaintext), SessionToken: token})
}

type updateRequest struct {
	Data json.RawMessage `json:"data" validate:"required"`
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	identity := h.identity(w, r)
	if identity == nil {
		return
	}

	token := r.Header.Get(SessionHeaderName)
	key, ok := h.sessions.Lookup(identity.OwnerID, token)
	if !ok {
		httpserver.RespondKindError(w, httpserver.New(httpserver.KindAuthRequired, "vault session required"), false)
		return
	}

	var req updateRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	blob := h.loadBlob(w, r, identity.OwnerID)
	if blob == nil {
		return
	}

	updated, err := Update(blob, key, req.Data)
	if err != nil {
		httpserver.RespondKindError(w, httpserver.New(httpserver.KindAuthInvalid, "invalid session"), false)
		return
	}

	data, err := updated.Marshal()
	if err != nil {
		httpserver.RespondKindError(w, httpserver.New(httpserver.KindInternal, "internal error"), false)
		return
	}
	if err := h.owners.SetVaultBlob(r.Context(), identity.OwnerID, data); err != nil {
		h.logger.Error("vault: persisting update", "error", err)
		httpserver.RespondKindError(w, httpserver.New(httpserver.KindInternal, "internal error"), false)
		return
	}

	if h.audit != nil {
		h.audit.LogFromRequest(r, "vault.update", identity.OwnerID, true, "")
	}

	httpserver.Respond(w, http.StatusOK, map[string]string{"status": "updated"})
}

type recoverRequest struct {
	Phrase string `json:"phrase" validate:"required"`
}

func (h *Handler) handleRecover(w http.ResponseWriter, r *http.Request) {
	identity := h.identity(w, r)
	if identity == nil {
		return
	}

	var req recoverRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	blob := h.loadBlob(w, r, identity.OwnerID)
	if blob == nil {
		return
	}

	plaintext, _, err := Recover(blob, req.Phrase)
	if err != nil {
		if h.audit != nil {
			h.audit.LogFromRequest(r, "vault.recover", identity.OwnerID, false, "invalid credential")
		}
		httpserver.RespondKindError(w, httpserver.New(httpserver.KindAuthInvalid, "invalid recovery phrase"), false)
		return
	}

	if h.audit != nil {
		h.audit.LogFromRequest(r, "vault.recover", identity.OwnerID, true, "")
	}

	httpserver.Respond(w, http.StatusOK, unlockResponse{Data: json.RawMessage(plaintext)})
}

type changePasswordRequest struct {
	OldPassword string `json:"oldPassword" validate:"required"`
	NewPassword string `json:"newPassword" validate:"required,min=8"`
}

func (h *Handler) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	identity := h.identity(w, r)
	if identity == nil {
		return
	}

	var req changePasswordRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	blob := h.loadBlob(w, r, identity.OwnerID)
	if blob == nil {
		return
	}

	newBlob, err := ChangePassword(blob, req.OldPassword, req.NewPassword)
	if err != nil {
		if h.audit != nil {
			h.audit.LogFromRequest(r, "vault.change_password", identity.OwnerID, false, "invalid credential")
		}
		httpserver.RespondKindError(w, httpserver.New(httpserver.KindAuthInvalid, "invalid password"), false)
		return
	}

	data, err := newBlob.Marshal()
	if err != nil {
		httpserver.RespondKindError(w, httpserver.New(httpserver.KindInternal, "internal error"), false)
		return
	}
	if err := h.owners.SetVaultBlob(r.Context(), identity.OwnerID, data); err != nil {
		h.logger.Error("vault: persisting changed password", "error", err)
		httpserver.RespondKindError(w, httpserver.New(httpserver.KindInternal, "internal error"), false)
		return
	}

	if h.audit != nil {
		h.audit.LogFromRequest(r, "vault.change_password", identity.OwnerID, true, "")
	}

	httpserver.Respond(w, http.StatusOK, map[string]string{"status": "updated"})
}
