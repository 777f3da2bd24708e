// Пакет filestore — хранение blob на локальном диске.
// Streaming-запись с подсчётом SHA-256 на лету, sidecar *.attr.json
// со сроком жизни для reconcile, чтение с поддержкой Seek.
package filestore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bigkaa/tempshare/internal/domain/model"
	"github.com/bigkaa/tempshare/internal/storage/attr"
	"github.com/bigkaa/tempshare/internal/storage/object"
)

// TmpSuffix — суффикс незавершённой записи.
const TmpSuffix = ".tmp"

// FileStore — управление blob на диске.
type FileStore struct {
	// dataDir — корневая директория хранения (TS_DATA_DIR)
	dataDir string
	now     func() time.Time
}

// New создаёт FileStore и директорию данных, если её нет.
func New(dataDir string) (*FileStore, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать директорию данных %s: %w", dataDir, err)
	}
	return &FileStore{dataDir: dataDir, now: time.Now}, nil
}

// Write записывает поток на диск.
// Паттерн: temp файл → запись + SHA-256 → fsync → atomic rename → sidecar.
// При ошибке temp файл удаляется.
func (fs *FileStore) Write(ctx context.Context, req object.WriteRequest) (*object.WriteResult, error) {
	name := StorageName(req.FileID, req.Ext)
	fullPath := filepath.Join(fs.dataDir, name)
	tmpPath := fullPath + TmpSuffix

	f, err := os.Create(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания временного файла: %w", err)
	}

	digest := object.NewDigestReader(req.Reader)
	if _, err := io.Copy(f, &ctxReader{ctx: ctx, r: digest}); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка записи данных: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка fsync: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка закрытия файла: %w", err)
	}
	if err := os.Rename(tmpPath, fullPath); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка атомарного переименования: %w", err)
	}

	now := fs.now().UTC()
	sc := &attr.Sidecar{
		FileID:    req.FileID,
		Size:      digest.Size(),
		Checksum:  digest.Checksum(),
		CreatedAt: now,
		ExpiresAt: now.Add(req.TTL),
	}
	if err := attr.Write(attr.AttrFilePath(fullPath), sc); err != nil {
		os.Remove(fullPath)
		return nil, fmt.Errorf("ошибка записи sidecar: %w", err)
	}

	return &object.WriteResult{
		Ref:      model.StorageRef{Backend: model.BackendFS, Path: name},
		Size:     digest.Size(),
		Checksum: digest.Checksum(),
	}, nil
}

// Locate возвращает ссылку на будущий blob.
func (fs *FileStore) Locate(fileID, ext string) model.StorageRef {
	return model.StorageRef{Backend: model.BackendFS, Path: StorageName(fileID, ext)}
}

// Open открывает blob. Возвращает *os.File, поэтому вызывающий код
// может использовать Seek (http.ServeContent).
func (fs *FileStore) Open(_ context.Context, ref model.StorageRef) (io.ReadCloser, error) {
	path, err := fs.resolve(ref.Path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", object.ErrNotFound, ref.Path)
		}
		return nil, fmt.Errorf("ошибка открытия файла %s: %w", ref.Path, err)
	}
	return f, nil
}

// Delete удаляет blob и его sidecar. Отсутствие файла — не ошибка.
func (fs *FileStore) Delete(_ context.Context, ref model.StorageRef) error {
	path, err := fs.resolve(ref.Path)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("ошибка удаления файла %s: %w", ref.Path, err)
	}
	return attr.Delete(attr.AttrFilePath(path))
}

// FullPath возвращает абсолютный путь к blob.
func (fs *FileStore) FullPath(storagePath string) string {
	return filepath.Join(fs.dataDir, storagePath)
}

// DataDir возвращает путь к директории данных.
func (fs *FileStore) DataDir() string {
	return fs.dataDir
}

// resolve не даёт ссылке выйти за пределы dataDir.
func (fs *FileStore) resolve(storagePath string) (string, error) {
	if storagePath == "" || storagePath != filepath.Base(storagePath) {
		return "", fmt.Errorf("недопустимый путь blob: %q", storagePath)
	}
	return filepath.Join(fs.dataDir, storagePath), nil
}

// StorageName возвращает имя blob на диске: {fileID}{ext}.
// Расширение очищается от небезопасных символов.
func StorageName(fileID, ext string) string {
	ext = strings.TrimPrefix(ext, ".")
	ext = sanitize(ext)
	if len(ext) > 16 {
		ext = ext[:16]
	}
	if ext == "" {
		return fileID
	}
	return fileID + "." + strings.ToLower(ext)
}

// sanitize оставляет только латинские буквы и цифры.
func sanitize(s string) string {
	var result strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// ctxReader прерывает копирование при отмене контекста.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
