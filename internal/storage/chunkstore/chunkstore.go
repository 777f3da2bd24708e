// Пакет chunkstore — хранение файла чанками в metadata store.
//
// Файл режется на куски по chunkSize байт и пишется под ключами
// chunk:{fileId}:{index} с тем же TTL, что и запись файла. В памяти
// одновременно находится один буфер записи. Чтение строго по
// возрастанию индекса, пропуск чанка — ошибка ErrChunkMissing.
package chunkstore

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/bigkaa/tempshare/internal/domain/model"
	"github.com/bigkaa/tempshare/internal/storage/kv"
	"github.com/bigkaa/tempshare/internal/storage/object"
)

// DefaultChunkSize — размер чанка по умолчанию (1 МБ).
const DefaultChunkSize int64 = 1 << 20

// deleteBatch — сколько ключей удаляется за раз при неизвестном числе чанков.
const deleteBatch = 64

// ErrChunkMissing — чанк отсутствует (истёк или удалён).
var ErrChunkMissing = errors.New("чанк отсутствует")

// Key возвращает ключ чанка.
func Key(fileID string, index int) string {
	return fmt.Sprintf("chunk:%s:%d", fileID, index)
}

// Store — хранилище чанков.
type Store struct {
	kv        kv.Store
	chunkSize int64
}

// New создаёт хранилище. chunkSize <= 0 — DefaultChunkSize.
func New(store kv.Store, chunkSize int64) *Store {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Store{kv: store, chunkSize: chunkSize}
}

// ChunkSize возвращает размер чанка.
func (s *Store) ChunkSize() int64 {
	return s.chunkSize
}

// Write читает поток буферами по chunkSize и пишет чанки 0..N-1
// последовательно. При ошибке уже записанные чанки удаляются.
// Пустой поток даёт ноль чанков.
func (s *Store) Write(ctx context.Context, req object.WriteRequest) (*object.WriteResult, error) {
	if req.TTL <= 0 {
		return nil, kv.ErrInvalidTTL
	}

	digest := object.NewDigestReader(req.Reader)
	buf := make([]byte, s.chunkSize)
	written := 0

	for {
		if err := ctx.Err(); err != nil {
			s.cleanup(req.FileID, written)
			return nil, err
		}

		n, readErr := io.ReadFull(digest, buf)
		if n > 0 {
			if err := s.kv.Put(ctx, Key(req.FileID, written), buf[:n], req.TTL); err != nil {
				s.cleanup(req.FileID, written)
				return nil, fmt.Errorf("ошибка записи чанка %d: %w", written, err)
			}
			written++
		}

		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
		if readErr != nil {
			s.cleanup(req.FileID, written)
			return nil, fmt.Errorf("ошибка чтения потока: %w", readErr)
		}
	}

	return &object.WriteResult{
		Ref: model.StorageRef{
			Backend:   model.BackendChunked,
			Path:      req.FileID,
			Chunks:    written,
			ChunkSize: s.chunkSize,
		},
		Size:     digest.Size(),
		Checksum: digest.Checksum(),
	}, nil
}

// cleanup удаляет уже записанные чанки. Выполняется с фоновым контекстом,
// чтобы отмена запроса не оставила мусор.
func (s *Store) cleanup(fileID string, count int) {
	if count == 0 {
		return
	}
	_ = s.deleteKnown(context.Background(), fileID, count)
}

// Locate возвращает ссылку без числа чанков: до записи оно неизвестно,
// Delete по такой ссылке удаляет чанки пачками.
func (s *Store) Locate(fileID, _ string) model.StorageRef {
	return model.StorageRef{Backend: model.BackendChunked, Path: fileID, ChunkSize: s.chunkSize}
}

// Open возвращает поток, собирающий чанки по порядку.
// Следующий чанк подгружается заранее, пока читается текущий.
func (s *Store) Open(ctx context.Context, ref model.StorageRef) (io.ReadCloser, error) {
	if ref.Backend != model.BackendChunked || ref.Chunks < 0 {
		return nil, fmt.Errorf("некорректная ссылка на чанки: %+v", ref)
	}
	fileID := ref.Path
	if fileID == "" {
		return nil, fmt.Errorf("ссылка на чанки без file_id")
	}
	return newAssembler(ctx, s.kv, fileID, ref.Chunks), nil
}

// Delete удаляет все чанки файла. Если число чанков неизвестно,
// удаляет пачками до первой пачки, в которой ничего не удалено.
func (s *Store) Delete(ctx context.Context, ref model.StorageRef) error {
	if ref.Path == "" {
		return nil
	}
	if ref.Chunks > 0 {
		return s.deleteKnown(ctx, ref.Path, ref.Chunks)
	}
	for start := 0; ; start += deleteBatch {
		keys := make([]string, deleteBatch)
		for i := range keys {
			keys[i] = Key(ref.Path, start+i)
		}
		n, err := s.kv.Delete(ctx, keys...)
		if err != nil {
			return fmt.Errorf("ошибка удаления чанков %s: %w", ref.Path, err)
		}
		if n == 0 {
			return nil
		}
	}
}

func (s *Store) deleteKnown(ctx context.Context, fileID string, count int) error {
	for start := 0; start < count; start += deleteBatch {
		end := min(start+deleteBatch, count)
		keys := make([]string, 0, end-start)
		for i := start; i < end; i++ {
			keys = append(keys, Key(fileID, i))
		}
		if _, err := s.kv.Delete(ctx, keys...); err != nil {
			return fmt.Errorf("ошибка удаления чанков %s: %w", fileID, err)
		}
	}
	return nil
}
