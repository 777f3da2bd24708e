// Пакет wal — файловый Write-Ahead Log незавершённых загрузок.
// Каждая транзакция — отдельный файл {tx_id}.wal.json в TS_WAL_DIR.
// Запись хранит ссылку на байты, поэтому после сбоя восстановление
// знает, что удалить.
package wal

import (
	"time"

	"github.com/bigkaa/tempshare/internal/domain/model"
)

// OperationType — тип операции, записываемой в WAL.
type OperationType string

const (
	// OpUpload — загрузка файла: байты → запись метаданных
	OpUpload OperationType = "upload"
	// OpPurge — удаление файла: байты → запись метаданных
	OpPurge OperationType = "purge"
)

// TransactionStatus — статус транзакции WAL.
type TransactionStatus string

const (
	StatusPending    TransactionStatus = "pending"
	StatusCommitted  TransactionStatus = "committed"
	StatusRolledBack TransactionStatus = "rolled_back"
)

// Entry — запись WAL.
type Entry struct {
	TransactionID string            `json:"transaction_id"`
	Operation     OperationType     `json:"operation"`
	Status        TransactionStatus `json:"status"`
	FileID        string            `json:"file_id"`

	// Storage — куда пишутся (или откуда удаляются) байты файла
	Storage model.StorageRef `json:"storage"`

	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// walFileName возвращает имя файла WAL для данной транзакции.
func walFileName(txID string) string {
	return txID + ".wal.json"
}
