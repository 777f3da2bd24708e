// Пакет object — общий интерфейс хранилищ байтов файла.
//
// Реализации: filestore (локальный диск), s3store (S3-совместимое
// хранилище), chunkstore (чанки в metadata store). Pipeline выбирает
// реализацию по конфигурации, а скачивание — по StorageRef записи.
package object

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"sync"
	"time"

	"github.com/bigkaa/tempshare/internal/domain/model"
)

// ErrNotFound — байты файла отсутствуют в хранилище.
var ErrNotFound = errors.New("объект не найден")

// WriteRequest — запрос на запись байтов файла.
type WriteRequest struct {
	// FileID — идентификатор файла, основа имени объекта
	FileID string
	// Ext — расширение исходного имени (с точкой), может быть пустым
	Ext string
	// ContentType — MIME-тип, сохраняется там, где backend это умеет
	ContentType string
	// Reader — поток содержимого
	Reader io.Reader
	// Size — ожидаемый размер, -1 если неизвестен
	Size int64
	// TTL — время жизни файла
	TTL time.Duration
}

// WriteResult — результат записи.
type WriteResult struct {
	Ref      model.StorageRef
	Size     int64
	Checksum string
}

// Store — хранилище байтов файла.
type Store interface {
	// Write записывает поток целиком. При ошибке частично записанные
	// данные удаляются.
	Write(ctx context.Context, req WriteRequest) (*WriteResult, error)
	// Open открывает поток на чтение. Вызывающий обязан закрыть его.
	Open(ctx context.Context, ref model.StorageRef) (io.ReadCloser, error)
	// Delete удаляет байты. Отсутствие объекта — не ошибка.
	Delete(ctx context.Context, ref model.StorageRef) error
	// Locate возвращает ссылку, под которой Write сохранит файл.
	// Нужна до записи, чтобы WAL знал, что удалять после сбоя.
	Locate(fileID, ext string) model.StorageRef
}

// DigestReader считает размер и SHA-256 прочитанного потока.
type DigestReader struct {
	r      io.Reader
	hasher hash.Hash
	n      int64
}

// NewDigestReader оборачивает r.
func NewDigestReader(r io.Reader) *DigestReader {
	return &DigestReader{r: r, hasher: sha256.New()}
}

func (d *DigestReader) Read(p []byte) (int, error) {
	n, err := d.r.Read(p)
	if n > 0 {
		d.hasher.Write(p[:n])
		d.n += int64(n)
	}
	return n, err
}

// Size — количество прочитанных байт.
func (d *DigestReader) Size() int64 { return d.n }

// Checksum — hex SHA-256 прочитанных байт.
func (d *DigestReader) Checksum() string { return hex.EncodeToString(d.hasher.Sum(nil)) }

// Mux направляет Open/Delete в хранилище по Backend ссылки,
// а Write — в хранилище по умолчанию.
type Mux struct {
	mu      sync.RWMutex
	stores  map[model.Backend]Store
	primary model.Backend
}

// NewMux создаёт маршрутизатор с хранилищем по умолчанию.
func NewMux(primary model.Backend, store Store) *Mux {
	return &Mux{
		stores:  map[model.Backend]Store{primary: store},
		primary: primary,
	}
}

// Register добавляет хранилище для чтения и удаления файлов,
// записанных ранее в другой backend.
func (m *Mux) Register(backend model.Backend, store Store) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stores[backend] = store
}

// Primary возвращает backend, в который пишутся новые файлы.
func (m *Mux) Primary() model.Backend {
	return m.primary
}

func (m *Mux) lookup(backend model.Backend) (Store, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.stores[backend]
	if !ok {
		return nil, fmt.Errorf("хранилище %q не настроено", backend)
	}
	return s, nil
}

// Locate — ссылка в хранилище по умолчанию.
func (m *Mux) Locate(fileID, ext string) model.StorageRef {
	s, err := m.lookup(m.primary)
	if err != nil {
		return model.StorageRef{}
	}
	return s.Locate(fileID, ext)
}

// Write пишет в хранилище по умолчанию.
func (m *Mux) Write(ctx context.Context, req WriteRequest) (*WriteResult, error) {
	s, err := m.lookup(m.primary)
	if err != nil {
		return nil, err
	}
	return s.Write(ctx, req)
}

// Open открывает объект в хранилище, указанном ссылкой.
func (m *Mux) Open(ctx context.Context, ref model.StorageRef) (io.ReadCloser, error) {
	s, err := m.lookup(ref.Backend)
	if err != nil {
		return nil, err
	}
	return s.Open(ctx, ref)
}

// Delete удаляет объект в хранилище, указанном ссылкой.
// Пустой Backend (повреждённый элемент индекса) — нечего удалять.
func (m *Mux) Delete(ctx context.Context, ref model.StorageRef) error {
	if ref.Backend == "" {
		return nil
	}
	s, err := m.lookup(ref.Backend)
	if err != nil {
		return err
	}
	return s.Delete(ctx, ref)
}
