// recovery.go — восстановление после сбоя по WAL.
//
// Pending-записи WAL означают операцию, прерванную падением процесса:
//   - upload: байты могли быть записаны, запись метаданных — нет
//   - purge: байты могли остаться на месте
//
// Загрузка, успевшая зарегистрировать запись, сохраняется; всё
// остальное доводится до удаления.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bigkaa/tempshare/internal/storage/metastore"
	"github.com/bigkaa/tempshare/internal/storage/object"
	"github.com/bigkaa/tempshare/internal/storage/wal"
)

// RecoveryResult — итог восстановления.
type RecoveryResult struct {
	// Pending — сколько незавершённых транзакций найдено
	Pending int
	// Kept — загрузки, успевшие зарегистрировать запись
	Kept int
	// Cleaned — транзакции, чьи байты удалены
	Cleaned int
	// Errors — транзакции, оставленные до следующего старта
	Errors int
}

// RecoverWAL обрабатывает pending-транзакции WAL.
// Вызывается при старте до приёма запросов.
func RecoverWAL(
	ctx context.Context,
	walEngine *wal.WAL,
	objects object.Store,
	repo *metastore.Repository,
	logger *slog.Logger,
) (*RecoveryResult, error) {
	logger = logger.With(slog.String("component", "wal_recovery"))

	pending, err := walEngine.RecoverPending()
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения WAL: %w", err)
	}

	result := &RecoveryResult{Pending: len(pending)}
	for _, entry := range pending {
		log := logger.With(
			slog.String("tx_id", entry.TransactionID),
			slog.String("file_id", entry.FileID),
			slog.String("operation", string(entry.Operation)),
		)

		if entry.Operation == wal.OpUpload {
			_, getErr := repo.Get(ctx, entry.FileID)
			if getErr == nil {
				if err := walEngine.Remove(entry.TransactionID); err != nil {
					log.Warn("Ошибка удаления WAL-записи", slog.String("error", err.Error()))
				}
				result.Kept++
				continue
			}
			if !errors.Is(getErr, metastore.ErrNotFound) {
				log.Error("Ошибка чтения метаданных при восстановлении", slog.String("error", getErr.Error()))
				result.Errors++
				continue
			}
		}

		if err := objects.Delete(ctx, entry.Storage); err != nil {
			log.Error("Ошибка удаления байтов при восстановлении", slog.String("error", err.Error()))
			result.Errors++
			continue
		}
		if _, err := repo.Delete(ctx, entry.FileID); err != nil {
			log.Error("Ошибка удаления записи при восстановлении", slog.String("error", err.Error()))
			result.Errors++
			continue
		}
		if err := walEngine.Remove(entry.TransactionID); err != nil {
			log.Warn("Ошибка удаления WAL-записи", slog.String("error", err.Error()))
		}
		result.Cleaned++
		log.Info("Незавершённая операция откачена")
	}

	if result.Pending > 0 {
		logger.Info("Восстановление по WAL завершено",
			slog.Int("pending", result.Pending),
			slog.Int("kept", result.Kept),
			slog.Int("cleaned", result.Cleaned),
			slog.Int("errors", result.Errors),
		)
	}
	return result, nil
}
