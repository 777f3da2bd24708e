// Пакет handlers — HTTP-обработчики tempshare.
// handler.go — общие функции: JSON-ответы, отображение ошибок сервиса
// в HTTP-статусы, привязка параметров пути.
package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/oapi-codegen/runtime"
	openapi_types "github.com/oapi-codegen/runtime/types"

	apierrors "github.com/bigkaa/tempshare/internal/api/errors"
	"github.com/bigkaa/tempshare/internal/service"
)

// writeJSON записывает JSON-ответ.
func writeJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// statusOf выбирает HTTP-статус по классу ошибки сервиса.
func statusOf(err error) int {
	switch {
	case service.CodeOf(err) == apierrors.CodeFileTooLarge:
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, service.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrSessionInvalid):
		return http.StatusUnauthorized
	case errors.Is(err, service.ErrFileNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrModeNotAllowed), errors.Is(err, service.ErrReconcileInProgress):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError отвечает ошибкой сервиса в стандартном формате.
// Ошибки 5xx логируются с полной причиной; клиент получает только код.
func writeServiceError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		logger.Error("Ошибка обработки запроса",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
	}
	apierrors.WriteError(w, status, service.CodeOf(err), service.MessageOf(err))
}

// bindFileID извлекает и проверяет UUID файла из параметра пути fileId.
// Некорректный идентификатор неотличим от отсутствующего файла.
func bindFileID(r *http.Request) (string, error) {
	var fileID openapi_types.UUID
	err := runtime.BindStyledParameterWithOptions("simple", "fileId", chi.URLParam(r, "fileId"), &fileID,
		runtime.BindStyledParameterOptions{ParamLocation: runtime.ParamLocationPath, Explode: false, Required: true})
	if err != nil {
		return "", service.ErrFileNotFound
	}
	return fileID.String(), nil
}
