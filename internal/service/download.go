// download.go — сервис скачивания файлов.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	apierrors "github.com/bigkaa/tempshare/internal/api/errors"
	"github.com/bigkaa/tempshare/internal/domain/mode"
	"github.com/bigkaa/tempshare/internal/domain/model"
	"github.com/bigkaa/tempshare/internal/storage/metastore"
	"github.com/bigkaa/tempshare/internal/storage/object"
)

var downloadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ts_downloads_total",
	Help: "Количество запросов на скачивание по результату",
}, []string{"result"})

// Download — открытый файл. Вызывающий обязан закрыть Body.
// Body реализует io.ReadSeeker для файлов на диске.
type Download struct {
	Record *model.FileRecord
	Body   io.ReadCloser
}

// DownloadService — сервис скачивания файлов.
type DownloadService struct {
	repo    *metastore.Repository
	objects object.Store
	cache   *MetadataCache
	sm      *mode.StateMachine
	logger  *slog.Logger
	now     func() time.Time
}

// NewDownloadService создаёт сервис скачивания файлов.
func NewDownloadService(
	repo *metastore.Repository,
	objects object.Store,
	cache *MetadataCache,
	sm *mode.StateMachine,
	logger *slog.Logger,
) *DownloadService {
	return &DownloadService{
		repo:    repo,
		objects: objects,
		cache:   cache,
		sm:      sm,
		logger:  logger.With(slog.String("component", "download_service")),
		now:     time.Now,
	}
}

// Lookup возвращает запись файла. Неизвестный, истёкший и некорректный
// идентификатор дают одинаковый ErrFileNotFound.
func (s *DownloadService) Lookup(ctx context.Context, fileID string) (*model.FileRecord, error) {
	if _, err := uuid.Parse(fileID); err != nil {
		return nil, ErrFileNotFound
	}

	if rec, ok := s.cache.Get(fileID); ok {
		return rec, nil
	}

	rec, err := s.repo.Get(ctx, fileID)
	if errors.Is(err, metastore.ErrNotFound) {
		return nil, ErrFileNotFound
	}
	if err != nil {
		s.logger.Error("Ошибка чтения метаданных",
			slog.String("file_id", fileID),
			slog.String("error", err.Error()),
		)
		return nil, storageError("Ошибка чтения метаданных", err)
	}
	if rec.IsExpired(s.now()) {
		return nil, ErrFileNotFound
	}

	s.cache.Set(rec)
	return rec, nil
}

// Open находит файл и открывает его байты.
func (s *DownloadService) Open(ctx context.Context, fileID string) (*Download, error) {
	if !s.sm.CanPerform(mode.OpDownload) {
		return nil, &FileError{
			Code:    apierrors.CodeModeNotAllowed,
			Message: fmt.Sprintf("Скачивание файлов недоступно в режиме %s", s.sm.CurrentMode()),
			Err:     ErrModeNotAllowed,
		}
	}

	rec, err := s.Lookup(ctx, fileID)
	if err != nil {
		downloadsTotal.WithLabelValues(resultLabel(err)).Inc()
		return nil, err
	}

	body, err := s.objects.Open(ctx, rec.Storage)
	if errors.Is(err, object.ErrNotFound) {
		// Байты уже удалены (таймер опередил запись или сбой диска).
		s.cache.Delete(fileID)
		s.logger.Warn("Байты файла отсутствуют",
			slog.String("file_id", fileID),
			slog.String("backend", string(rec.Storage.Backend)),
		)
		downloadsTotal.WithLabelValues("not_found").Inc()
		return nil, ErrFileNotFound
	}
	if err != nil {
		s.logger.Error("Ошибка открытия байтов файла",
			slog.String("file_id", fileID),
			slog.String("error", err.Error()),
		)
		downloadsTotal.WithLabelValues("error").Inc()
		return nil, storageError("Ошибка чтения файла", err)
	}

	downloadsTotal.WithLabelValues("ok").Inc()
	return &Download{Record: rec, Body: body}, nil
}

// Invalidate убирает файл из кэша (после удаления).
func (s *DownloadService) Invalidate(fileID string) {
	s.cache.Delete(fileID)
}

func resultLabel(err error) string {
	if errors.Is(err, ErrFileNotFound) {
		return "not_found"
	}
	return "error"
}
