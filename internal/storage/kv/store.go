// Пакет kv — key-value хранилище метаданных с TTL на ключ
// и индексом истечения (sorted set по времени).
//
// Две реализации:
//   - Redis — основная, go-redis/v9 (SET EX, ZADD + HSET)
//   - Memory — in-process, для тестов и одиночного запуска без Redis
//
// Get истёкшего ключа всегда возвращает ErrNotFound, независимо от того,
// когда backend физически удалит запись.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound — ключ отсутствует или истёк.
var ErrNotFound = errors.New("ключ не найден")

// ErrInvalidTTL — TTL должен быть положительным.
var ErrInvalidTTL = errors.New("TTL должен быть больше нуля")

// IndexEntry — элемент индекса истечения.
// Payload хранится отдельно от основного ключа и переживает его
// удаление по TTL, чтобы sweep мог найти байты файла.
type IndexEntry struct {
	Key     string
	At      time.Time
	Payload []byte
}

// Store — интерфейс metadata store.
type Store interface {
	// Put записывает значение с TTL. Перезаписывает существующее.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Get возвращает значение или ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Delete удаляет ключи и возвращает количество удалённых. Идемпотентен.
	Delete(ctx context.Context, keys ...string) (int, error)
	// Schedule добавляет (или перемещает) ключ в индексе истечения.
	Schedule(ctx context.Context, key string, at time.Time, payload []byte) error
	// Unschedule убирает ключ из индекса истечения. Идемпотентен.
	Unschedule(ctx context.Context, key string) error
	// Expired возвращает до limit элементов индекса с At <= before,
	// по возрастанию At. limit <= 0 — без ограничения.
	Expired(ctx context.Context, before time.Time, limit int) ([]IndexEntry, error)
	// Ping проверяет доступность backend.
	Ping(ctx context.Context) error
	// Close освобождает ресурсы.
	Close() error
}

// Farthest — верхняя граница для Expired, возвращающая весь индекс.
var Farthest = time.Unix(1<<40, 0)
