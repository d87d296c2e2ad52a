package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/relaybot/relaybot/internal/browser"
	"github.com/relaybot/relaybot/internal/domain"
	"github.com/relaybot/relaybot/internal/session"
)

// SessionRegistry is the registry surface the HTTP layer needs.
type SessionRegistry interface {
	Create(ctx context.Context, key domain.SessionKey) (session.CreateResult, error)
	Status(key domain.SessionKey) domain.Status
	Get(key domain.SessionKey) (session.Info, bool)
	List() []session.Info
	Disconnect(ctx context.Context, key domain.SessionKey) error
}

// SessionHandler handles session lifecycle endpoints.
type SessionHandler struct {
	registry SessionRegistry
}

// NewSessionHandler creates a session handler.
func NewSessionHandler(registry SessionRegistry) *SessionHandler {
	return &SessionHandler{registry: registry}
}

// RegisterRoutes registers session routes.
func (h *SessionHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/sessions", func(r chi.Router) {
		r.Post("/", h.Create)
		r.Get("/", h.List)
		r.Get("/{tenantID}/{botID}", h.Get)
		r.Delete("/{tenantID}/{botID}", h.Disconnect)
	})
}

type createSessionRequest struct {
	TenantID string `json:"tenant_id"`
	BotID    string `json:"bot_id"`
}

type createSessionResponse struct {
	TenantID string        `json:"tenant_id"`
	BotID    string        `json:"bot_id"`
	Status   domain.Status `json:"status"`
	// QRImage is a base64-encoded PNG pairing code, present while the
	// session waits for pairing.
	QRImage string `json:"qr_image,omitempty"`
}

// Create initializes (or reuses) a session for a tenant-bot pair.
func (h *SessionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	key := domain.SessionKey{TenantID: req.TenantID, BotID: req.BotID}
	if !key.Valid() {
		Error(w, http.StatusBadRequest, "tenant_id and bot_id are required")
		return
	}

	res, err := h.registry.Create(r.Context(), key)
	if err != nil {
		slog.Error("Session create failed", "session", key, "error", err)
		switch {
		case errors.Is(err, browser.ErrUnavailable):
			Error(w, http.StatusServiceUnavailable, "browser_unavailable")
		case errors.Is(err, session.ErrNavigationTimeout):
			Error(w, http.StatusGatewayTimeout, "navigation_timeout")
		default:
			Error(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	resp := createSessionResponse{
		TenantID: key.TenantID,
		BotID:    key.BotID,
		Status:   res.Status,
	}
	if len(res.Artifact) > 0 {
		resp.QRImage = base64.StdEncoding.EncodeToString(res.Artifact)
	}
	JSON(w, http.StatusOK, resp)
}

// Get returns the status of one session. Unknown sessions report
// not_initialized rather than 404 so the frontend can poll blindly.
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	key := domain.SessionKey{
		TenantID: chi.URLParam(r, "tenantID"),
		BotID:    chi.URLParam(r, "botID"),
	}
	if !key.Valid() {
		Error(w, http.StatusBadRequest, "tenant_id and bot_id are required")
		return
	}

	if info, ok := h.registry.Get(key); ok {
		JSON(w, http.StatusOK, info)
		return
	}
	JSON(w, http.StatusOK, session.Info{
		TenantID: key.TenantID,
		BotID:    key.BotID,
		State:    domain.StateUninitialized,
		Status:   domain.StatusNotInitialized,
	})
}

// List returns snapshots of all sessions.
func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]interface{}{
		"sessions": h.registry.List(),
	})
}

// Disconnect tears a session down. Safe to repeat.
func (h *SessionHandler) Disconnect(w http.ResponseWriter, r *http.Request) {
	key := domain.SessionKey{
		TenantID: chi.URLParam(r, "tenantID"),
		BotID:    chi.URLParam(r, "botID"),
	}
	if !key.Valid() {
		Error(w, http.StatusBadRequest, "tenant_id and bot_id are required")
		return
	}

	if err := h.registry.Disconnect(r.Context(), key); err != nil {
		slog.Error("Session disconnect failed", "session", key, "error", err)
		Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "disconnected"})
}
