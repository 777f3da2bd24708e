// Пакет metastore — репозиторий FileRecord поверх kv.Store.
//
// Запись хранится как JSON под ключом file:{id} с TTL до ExpiresAt
// и регистрируется в индексе истечения. Payload индекса — тот же JSON,
// поэтому sweep находит байты файла даже после того, как backend
// удалил основной ключ по TTL.
package metastore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bigkaa/tempshare/internal/domain/model"
	"github.com/bigkaa/tempshare/internal/storage/kv"
)

// ErrNotFound — запись отсутствует или истекла.
var ErrNotFound = errors.New("запись файла не найдена")

const keyPrefix = "file:"

// Key возвращает ключ записи в store.
func Key(fileID string) string {
	return keyPrefix + fileID
}

// FileIDFromKey извлекает file_id из ключа store.
func FileIDFromKey(key string) (string, bool) {
	if !strings.HasPrefix(key, keyPrefix) {
		return "", false
	}
	return strings.TrimPrefix(key, keyPrefix), true
}

// Repository — хранилище FileRecord.
type Repository struct {
	store kv.Store
	now   func() time.Time
}

// New создаёт репозиторий. now — источник времени (nil = time.Now).
func New(store kv.Store, now func() time.Time) *Repository {
	if now == nil {
		now = time.Now
	}
	return &Repository{store: store, now: now}
}

// Create сохраняет запись с TTL до ExpiresAt и добавляет её в индекс
// истечения. Индекс пишется первым: запись без индекса sweep не найдёт.
func (r *Repository) Create(ctx context.Context, rec *model.FileRecord) error {
	ttl := rec.TTL(r.now())
	if ttl <= 0 {
		return fmt.Errorf("запись %s уже истекла", rec.FileID)
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("ошибка сериализации записи %s: %w", rec.FileID, err)
	}

	key := Key(rec.FileID)
	if err := r.store.Schedule(ctx, key, rec.ExpiresAt, data); err != nil {
		return fmt.Errorf("ошибка регистрации в индексе истечения: %w", err)
	}
	if err := r.store.Put(ctx, key, data, ttl); err != nil {
		_ = r.store.Unschedule(ctx, key)
		return fmt.Errorf("ошибка записи метаданных: %w", err)
	}
	return nil
}

// Get возвращает запись. ExpiresAt проверяется повторно, поэтому
// истёкшая запись отсутствует, даже если backend её ещё не удалил.
func (r *Repository) Get(ctx context.Context, fileID string) (*model.FileRecord, error) {
	data, err := r.store.Get(ctx, Key(fileID))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения метаданных %s: %w", fileID, err)
	}

	rec, err := Decode(data)
	if err != nil {
		return nil, err
	}
	if rec.IsExpired(r.now()) {
		return nil, ErrNotFound
	}
	return rec, nil
}

// Delete удаляет запись и элемент индекса. Идемпотентен.
// Возвращает true, если запись существовала.
func (r *Repository) Delete(ctx context.Context, fileID string) (bool, error) {
	key := Key(fileID)
	n, err := r.store.Delete(ctx, key)
	if err != nil {
		return false, fmt.Errorf("ошибка удаления метаданных %s: %w", fileID, err)
	}
	if err := r.store.Unschedule(ctx, key); err != nil {
		return n > 0, fmt.Errorf("ошибка удаления из индекса истечения %s: %w", fileID, err)
	}
	return n > 0, nil
}

// Expired возвращает до limit записей, истёкших к before.
// Элементы индекса с неразборчивым payload возвращаются с пустым Storage,
// чтобы вызывающий код мог хотя бы убрать их из индекса.
func (r *Repository) Expired(ctx context.Context, before time.Time, limit int) ([]*model.FileRecord, error) {
	entries, err := r.store.Expired(ctx, before, limit)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения индекса истечения: %w", err)
	}
	return decodeEntries(entries), nil
}

// List возвращает все зарегистрированные записи, включая истёкшие,
// но ещё не убранные sweep, по возрастанию ExpiresAt.
func (r *Repository) List(ctx context.Context, limit int) ([]*model.FileRecord, error) {
	return r.Expired(ctx, kv.Farthest, limit)
}

func decodeEntries(entries []kv.IndexEntry) []*model.FileRecord {
	result := make([]*model.FileRecord, 0, len(entries))
	for _, e := range entries {
		fileID, ok := FileIDFromKey(e.Key)
		if !ok {
			continue
		}
		rec, err := Decode(e.Payload)
		if err != nil {
			rec = &model.FileRecord{FileID: fileID, ExpiresAt: e.At}
		}
		result = append(result, rec)
	}
	return result
}

// Decode разбирает JSON записи.
func Decode(data []byte) (*model.FileRecord, error) {
	var rec model.FileRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("ошибка десериализации записи: %w", err)
	}
	return &rec, nil
}
