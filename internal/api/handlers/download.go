// download.go — отдача файлов: GET /d/{fileId} и GET /api/v1/files/{fileId}/download.
package handlers

import (
	"bufio"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"

	apierrors "github.com/bigkaa/tempshare/internal/api/errors"
	"github.com/bigkaa/tempshare/internal/service"
)

// DownloadHandler — обработчик скачивания файлов.
type DownloadHandler struct {
	downloads *service.DownloadService
	logger    *slog.Logger
}

// NewDownloadHandler создаёт обработчик скачивания.
func NewDownloadHandler(downloads *service.DownloadService, logger *slog.Logger) *DownloadHandler {
	return &DownloadHandler{
		downloads: downloads,
		logger:    logger.With(slog.String("component", "download_handler")),
	}
}

// Download отдаёт байты файла как вложение.
// Неизвестный, истёкший и некорректный идентификатор дают одинаковый 404.
// Файлы на диске отдаются через http.ServeContent (Range, If-None-Match).
func (h *DownloadHandler) Download(w http.ResponseWriter, r *http.Request) {
	fileID, err := bindFileID(r)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	dl, err := h.downloads.Open(r.Context(), fileID)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	defer dl.Body.Close()

	rec := dl.Record
	seeker, seekable := dl.Body.(io.ReadSeeker)
	body := io.Reader(dl.Body)
	if !seekable && rec.Size > 0 {
		// Начало файла читается до заголовков: байты, пропавшие целиком,
		// дают 500, а не 200 с оборванным соединением.
		br := bufio.NewReader(dl.Body)
		if _, err := br.Peek(1); err != nil {
			h.logger.Error("Ошибка чтения начала файла",
				slog.String("file_id", fileID),
				slog.String("backend", string(rec.Storage.Backend)),
				slog.String("error", err.Error()),
			)
			apierrors.InternalError(w, "Ошибка чтения файла")
			return
		}
		body = br
	}

	header := w.Header()
	header.Set("Content-Type", rec.MimeType)
	header.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": rec.OriginalName}))
	header.Set("X-Content-Type-Options", "nosniff")
	header.Set("Cache-Control", "private, no-store")
	if rec.Checksum != "" {
		header.Set("ETag", `"`+rec.Checksum+`"`)
	}

	if seekable {
		http.ServeContent(w, r, "", rec.CreatedAt, seeker)
		return
	}

	header.Set("Content-Length", strconv.FormatInt(rec.Size, 10))
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}

	n, err := io.Copy(w, body)
	if err != nil || n != rec.Size {
		// Заголовки уже отправлены: обрываем соединение, чтобы клиент
		// не принял усечённый файл за целый.
		h.logger.Error("Ошибка отдачи файла",
			slog.String("file_id", fileID),
			slog.Int64("written", n),
			slog.Int64("size", rec.Size),
			slog.Any("error", err),
		)
		panic(http.ErrAbortHandler)
	}
}
