// admin.go — admin API: /api/v1/admin/*.
// Доступ только с JWT и scope tempshare:admin (middleware в server).
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/oapi-codegen/runtime"

	apierrors "github.com/bigkaa/tempshare/internal/api/errors"
	"github.com/bigkaa/tempshare/internal/api/middleware"
	"github.com/bigkaa/tempshare/internal/domain/mode"
	"github.com/bigkaa/tempshare/internal/domain/model"
	"github.com/bigkaa/tempshare/internal/service"
	"github.com/bigkaa/tempshare/internal/storage/metastore"
)

const (
	defaultListLimit = 100
	maxListLimit     = 10000
)

// Reconciler — запуск сверки по требованию. nil, если сверять нечего.
type Reconciler interface {
	RunOnce(ctx context.Context) (*service.ReconcileResult, error)
}

// AdminHandler — обработчик admin API.
type AdminHandler struct {
	repo       *metastore.Repository
	scheduler  *service.Scheduler
	reconciler Reconciler
	sm         *mode.StateMachine
	batchSize  int
	logger     *slog.Logger
}

// NewAdminHandler создаёт обработчик admin API.
// reconciler может быть nil: тогда POST /reconcile отвечает 409.
func NewAdminHandler(
	repo *metastore.Repository,
	scheduler *service.Scheduler,
	reconciler Reconciler,
	sm *mode.StateMachine,
	batchSize int,
	logger *slog.Logger,
) *AdminHandler {
	return &AdminHandler{
		repo:       repo,
		scheduler:  scheduler,
		reconciler: reconciler,
		sm:         sm,
		batchSize:  batchSize,
		logger:     logger.With(slog.String("component", "admin_handler")),
	}
}

// adminFile — запись файла для оператора (включая адрес загрузившего).
type adminFile struct {
	FileID           string        `json:"fileId"`
	OriginalName     string        `json:"originalName"`
	MimeType         string        `json:"mimeType"`
	Size             int64         `json:"size"`
	Checksum         string        `json:"checksum"`
	Backend          model.Backend `json:"backend"`
	UploaderIdentity string        `json:"uploaderIdentity"`
	CreatedAt        time.Time     `json:"createdAt"`
	ExpiresAt        time.Time     `json:"expiresAt"`
}

type fileListResponse struct {
	Items []adminFile `json:"items"`
	Total int         `json:"total"`
}

type modeTransitionRequest struct {
	TargetMode string `json:"targetMode"`
	Confirm    bool   `json:"confirm"`
}

type modeResponse struct {
	PreviousMode   mode.ServiceMode `json:"previousMode,omitempty"`
	CurrentMode    mode.ServiceMode `json:"currentMode"`
	TransitionedAt *time.Time       `json:"transitionedAt,omitempty"`
}

// ListFiles обрабатывает GET /api/v1/admin/files?limit=N.
// Записи упорядочены по сроку истечения.
func (h *AdminHandler) ListFiles(w http.ResponseWriter, r *http.Request) {
	var limit *int
	if err := runtime.BindQueryParameter("form", true, false, "limit", r.URL.Query(), &limit); err != nil {
		apierrors.ValidationError(w, "Некорректный параметр limit: "+err.Error())
		return
	}
	n := defaultListLimit
	if limit != nil {
		n = *limit
	}
	if n <= 0 || n > maxListLimit {
		apierrors.ValidationError(w, "Параметр limit должен быть от 1 до 10000")
		return
	}

	records, err := h.repo.List(r.Context(), n)
	if err != nil {
		h.logger.Error("Ошибка чтения списка файлов", slog.String("error", err.Error()))
		apierrors.InternalError(w, "Ошибка чтения списка файлов")
		return
	}

	resp := fileListResponse{Items: make([]adminFile, 0, len(records))}
	for _, rec := range records {
		resp.Items = append(resp.Items, adminFile{
			FileID:           rec.FileID,
			OriginalName:     rec.OriginalName,
			MimeType:         rec.MimeType,
			Size:             rec.Size,
			Checksum:         rec.Checksum,
			Backend:          rec.Storage.Backend,
			UploaderIdentity: rec.UploaderIdentity,
			CreatedAt:        rec.CreatedAt,
			ExpiresAt:        rec.ExpiresAt,
		})
	}
	resp.Total = len(resp.Items)
	writeJSON(w, http.StatusOK, resp)
}

// PurgeFile обрабатывает DELETE /api/v1/admin/files/{fileId}.
// Удаляет файл немедленно, не дожидаясь истечения срока.
func (h *AdminHandler) PurgeFile(w http.ResponseWriter, r *http.Request) {
	fileID, err := bindFileID(r)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	rec, err := h.repo.Get(r.Context(), fileID)
	if errors.Is(err, metastore.ErrNotFound) {
		writeServiceError(w, r, h.logger, service.ErrFileNotFound)
		return
	}
	if err != nil {
		h.logger.Error("Ошибка чтения метаданных", slog.String("file_id", fileID), slog.String("error", err.Error()))
		apierrors.InternalError(w, "Ошибка чтения метаданных")
		return
	}

	if err := h.scheduler.Purge(r.Context(), fileID, rec.Storage); err != nil {
		h.logger.Error("Ошибка удаления файла", slog.String("file_id", fileID), slog.String("error", err.Error()))
		apierrors.InternalError(w, "Файл удалён не полностью, остаток удалит sweep или сверка")
		return
	}

	h.logger.Info("Файл удалён администратором",
		slog.String("file_id", fileID),
		slog.String("subject", middleware.SubjectFromContext(r.Context())),
	)
	w.WriteHeader(http.StatusNoContent)
}

// RunSweep обрабатывает POST /api/v1/admin/sweep.
func (h *AdminHandler) RunSweep(w http.ResponseWriter, r *http.Request) {
	result := h.scheduler.RunSweep(r.Context(), h.batchSize)
	writeJSON(w, http.StatusOK, result)
}

// Reconcile обрабатывает POST /api/v1/admin/reconcile.
// Сверка выполняется синхронно; параллельный запуск — 409.
func (h *AdminHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	if h.reconciler == nil {
		apierrors.WriteError(w, http.StatusConflict, apierrors.CodeReconcileInProgress, "Сверка не настроена")
		return
	}
	result, err := h.reconciler.RunOnce(r.Context())
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// GetMode обрабатывает GET /api/v1/admin/mode.
func (h *AdminHandler) GetMode(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, modeResponse{CurrentMode: h.sm.CurrentMode()})
}

// TransitionMode обрабатывает POST /api/v1/admin/mode.
// rw → ro свободно, ro → rw требует confirm: true.
func (h *AdminHandler) TransitionMode(w http.ResponseWriter, r *http.Request) {
	var req modeTransitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierrors.ValidationError(w, "Некорректный JSON: "+err.Error())
		return
	}

	subject := middleware.SubjectFromContext(r.Context())
	previousMode := h.sm.CurrentMode()
	targetMode := mode.ServiceMode(req.TargetMode)

	if err := h.sm.TransitionTo(targetMode, req.Confirm, subject); err != nil {
		var transErr *mode.TransitionError
		if errors.As(err, &transErr) && transErr.Code == apierrors.CodeConfirmationRequired {
			apierrors.ConfirmationRequired(w, transErr.Message)
			return
		}
		apierrors.InvalidTransition(w, err.Error())
		return
	}

	now := time.Now().UTC()
	h.logger.Info("Режим изменён",
		slog.String("from", string(previousMode)),
		slog.String("to", string(targetMode)),
		slog.String("subject", subject),
	)

	writeJSON(w, http.StatusOK, modeResponse{
		PreviousMode:   previousMode,
		CurrentMode:    targetMode,
		TransitionedAt: &now,
	})
}
