// session.go — handshake и heartbeat сессий анонимных клиентов.
package handlers

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	apierrors "github.com/bigkaa/tempshare/internal/api/errors"
	"github.com/bigkaa/tempshare/internal/api/middleware"
	"github.com/bigkaa/tempshare/internal/domain/mode"
	"github.com/bigkaa/tempshare/internal/service"
)

// maxSessionBody — ограничение тела запросов сессии.
const maxSessionBody = 4 << 10

// SessionHandler — обработчик endpoints сессии.
type SessionHandler struct {
	sessions *service.SessionService
	sm       *mode.StateMachine
	logger   *slog.Logger
}

// NewSessionHandler создаёт обработчик endpoints сессии.
func NewSessionHandler(sessions *service.SessionService, sm *mode.StateMachine, logger *slog.Logger) *SessionHandler {
	return &SessionHandler{
		sessions: sessions,
		sm:       sm,
		logger:   logger.With(slog.String("component", "session_handler")),
	}
}

type handshakeRequest struct {
	SessionID string `json:"sessionId"`
}

type handshakeResponse struct {
	Key       string `json:"key"`
	Salt      string `json:"salt"`
	ExpiresIn int    `json:"expiresIn"`
}

type heartbeatRequest struct {
	SessionID   string `json:"sessionId"`
	SessionKey  string `json:"sessionKey"`
	SessionSalt string `json:"sessionSalt"`
}

// Handshake обрабатывает POST /api/v1/session.
// Ключ и соль отдаются один раз; сервер хранит только производный хеш.
func (h *SessionHandler) Handshake(w http.ResponseWriter, r *http.Request) {
	if !h.sm.CanPerform(mode.OpHandshake) {
		apierrors.WriteError(w, http.StatusConflict, apierrors.CodeModeNotAllowed,
			fmt.Sprintf("Новые сессии недоступны в режиме %s", h.sm.CurrentMode()))
		return
	}

	var req handshakeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSessionBody)).Decode(&req); err != nil {
		apierrors.ValidationError(w, "Некорректный JSON: "+err.Error())
		return
	}

	hs, err := h.sessions.Issue(r.Context(), middleware.ClientIPFromContext(r.Context()), req.SessionID)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, handshakeResponse{
		Key:       hs.Key,
		Salt:      hs.Salt,
		ExpiresIn: int(hs.ExpiresIn.Seconds()),
	})
}

// Heartbeat обрабатывает POST /api/v1/session/heartbeat.
// Продлевает сессию, не расходуя лимит использований.
func (h *SessionHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSessionBody)).Decode(&req); err != nil {
		apierrors.ValidationError(w, "Некорректный JSON: "+err.Error())
		return
	}

	err := h.sessions.Heartbeat(r.Context(), middleware.ClientIPFromContext(r.Context()),
		req.SessionID, req.SessionKey, req.SessionSalt)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
