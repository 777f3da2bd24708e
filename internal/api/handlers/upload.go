// upload.go — обработчик POST /api/v1/upload.
// Multipart form: files (1..N), expiration (минуты), sessionId, sessionKey, sessionSalt.
package handlers

import (
	"errors"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"

	apierrors "github.com/bigkaa/tempshare/internal/api/errors"
	"github.com/bigkaa/tempshare/internal/api/middleware"
	"github.com/bigkaa/tempshare/internal/domain/policy"
	"github.com/bigkaa/tempshare/internal/service"
)

const (
	// multipartMemory — сколько multipart держится в памяти, остальное
	// уходит во временные файлы.
	multipartMemory = 32 << 20
	// multipartOverhead — запас на заголовки частей и текстовые поля.
	multipartOverhead = 1 << 20
)

// UploadHandler — обработчик загрузки файлов.
type UploadHandler struct {
	uploads  *service.UploadService
	policies *policy.Holder
	logger   *slog.Logger
}

// NewUploadHandler создаёт обработчик загрузки файлов.
func NewUploadHandler(uploads *service.UploadService, policies *policy.Holder, logger *slog.Logger) *UploadHandler {
	return &UploadHandler{
		uploads:  uploads,
		policies: policies,
		logger:   logger.With(slog.String("component", "upload_handler")),
	}
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// uploadFileResult — элемент files ответа: принятый файл либо ошибка.
type uploadFileResult struct {
	*service.UploadedFile
	OriginalName string       `json:"originalName"`
	Error        *errorDetail `json:"error,omitempty"`
}

type uploadResponse struct {
	URLs    []string           `json:"urls"`
	FileIDs []string           `json:"fileIds"`
	Files   []uploadFileResult `json:"files"`
}

// Upload обрабатывает POST /api/v1/upload.
// Файлы принимаются независимо: ответ 200 содержит и принятые файлы,
// и ошибки отклонённых. Если не принят ни один файл, возвращается
// ошибка первого из них.
func (h *UploadHandler) Upload(w http.ResponseWriter, r *http.Request) {
	pol := h.policies.Load()
	bodyLimit := pol.MaxFileSize*int64(max(pol.MaxFiles, 1)) + multipartOverhead
	r.Body = http.MaxBytesReader(w, r.Body, bodyLimit)

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			apierrors.FileTooLarge(w, fmt.Sprintf("Запрос превышает %s", humanize.IBytes(uint64(bodyLimit))))
			return
		}
		apierrors.ValidationError(w, "Ошибка разбора multipart: "+err.Error())
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	expiration, err := parseExpiration(r.FormValue("expiration"))
	if err != nil {
		apierrors.WriteError(w, http.StatusBadRequest, service.CodeInvalidExpiration, err.Error())
		return
	}

	headers := r.MultipartForm.File["files"]
	files := make([]service.UploadFile, 0, len(headers))
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			apierrors.InternalError(w, "Не удалось прочитать часть multipart")
			return
		}
		defer func(f multipart.File) { _ = f.Close() }(f)

		files = append(files, service.UploadFile{
			Name:         fh.Filename,
			DeclaredType: fh.Header.Get("Content-Type"),
			Size:         fh.Size,
			Reader:       f,
		})
	}

	result, err := h.uploads.Upload(r.Context(), service.UploadRequest{
		ClientIdentity: middleware.ClientIPFromContext(r.Context()),
		SessionID:      r.FormValue("sessionId"),
		SessionKey:     r.FormValue("sessionKey"),
		SessionSalt:    r.FormValue("sessionSalt"),
		Expiration:     expiration,
		Files:          files,
	})
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	accepted := result.Accepted()
	if len(accepted) == 0 {
		writeServiceError(w, r, h.logger, result.FirstError())
		return
	}

	resp := uploadResponse{
		URLs:    make([]string, 0, len(accepted)),
		FileIDs: make([]string, 0, len(accepted)),
		Files:   make([]uploadFileResult, 0, len(result.Files)),
	}
	for _, f := range accepted {
		resp.URLs = append(resp.URLs, f.DownloadURL)
		resp.FileIDs = append(resp.FileIDs, f.FileID)
	}
	for _, outcome := range result.Files {
		item := uploadFileResult{UploadedFile: outcome.File, OriginalName: outcome.OriginalName}
		if outcome.Err != nil {
			item.Error = &errorDetail{Code: service.CodeOf(outcome.Err), Message: service.MessageOf(outcome.Err)}
		}
		resp.Files = append(resp.Files, item)
	}

	writeJSON(w, http.StatusOK, resp)
}

// parseExpiration разбирает срок хранения в минутах; пусто — срок по умолчанию.
func parseExpiration(v string) (int, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("некорректный срок хранения %q", v)
	}
	return n, nil
}
