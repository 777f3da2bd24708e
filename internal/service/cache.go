// cache.go — LRU-кэш записей файлов для скачивания.
// Обёртка над hashicorp/golang-lru/v2/expirable.
package service

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/tempshare/internal/domain/model"
)

var (
	cacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ts_cache_hits_total",
		Help: "Общее количество попаданий в LRU-кэш метаданных.",
	})
	cacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ts_cache_misses_total",
		Help: "Общее количество промахов LRU-кэша метаданных.",
	})
)

// MetadataCache — LRU-кэш FileRecord с TTL.
// Запись кэша никогда не переживает ExpiresAt файла: Get повторно
// проверяет срок, а удаление файла инвалидирует кэш через OnPurge.
type MetadataCache struct {
	cache *expirable.LRU[string, *model.FileRecord]
	now   func() time.Time
}

// NewMetadataCache создаёт кэш. maxSize <= 0 отключает кэширование.
func NewMetadataCache(maxSize int, ttl time.Duration) *MetadataCache {
	if maxSize <= 0 {
		return &MetadataCache{now: time.Now}
	}
	return &MetadataCache{
		cache: expirable.NewLRU[string, *model.FileRecord](maxSize, nil, ttl),
		now:   time.Now,
	}
}

// Get возвращает запись при hit. Истёкшая запись удаляется из кэша
// и считается промахом.
func (c *MetadataCache) Get(fileID string) (*model.FileRecord, bool) {
	if c.cache == nil {
		return nil, false
	}
	rec, ok := c.cache.Get(fileID)
	if ok && !rec.IsExpired(c.now()) {
		cacheHitsTotal.Inc()
		return rec, true
	}
	if ok {
		c.cache.Remove(fileID)
	}
	cacheMissesTotal.Inc()
	return nil, false
}

// Set добавляет или обновляет запись.
func (c *MetadataCache) Set(rec *model.FileRecord) {
	if c.cache == nil {
		return
	}
	c.cache.Add(rec.FileID, rec)
}

// Delete инвалидирует запись.
func (c *MetadataCache) Delete(fileID string) {
	if c.cache == nil {
		return
	}
	c.cache.Remove(fileID)
}

// Len возвращает количество записей в кэше.
func (c *MetadataCache) Len() int {
	if c.cache == nil {
		return 0
	}
	return c.cache.Len()
}
