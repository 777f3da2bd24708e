// Пакет attr — sidecar-файлы *.attr.json рядом с blob на диске.
//
// Sidecar дублирует срок жизни файла, чтобы reconcile мог удалить
// осиротевший blob без обращения к metadata store (например, после
// потери данных Redis). Запись атомарна: temp → fsync → rename.
package attr

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// AttrSuffix — суффикс sidecar-файла.
const AttrSuffix = ".attr.json"

// maxAttrFileSize — максимальный размер sidecar (4 КБ).
const maxAttrFileSize = 4096

// Sidecar — содержимое *.attr.json.
type Sidecar struct {
	FileID    string    `json:"file_id"`
	Size      int64     `json:"size"`
	Checksum  string    `json:"checksum"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// IsExpired — истёк ли срок жизни blob.
func (s *Sidecar) IsExpired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// AttrFilePath возвращает путь sidecar для файла данных.
// Пример: "/data/abc.jpg" → "/data/abc.jpg.attr.json"
func AttrFilePath(dataFilePath string) string {
	return dataFilePath + AttrSuffix
}

// DataFilePathFromAttr — обратное преобразование.
func DataFilePathFromAttr(attrPath string) string {
	return strings.TrimSuffix(attrPath, AttrSuffix)
}

// IsAttrFile проверяет, является ли путь sidecar-файлом.
func IsAttrFile(path string) bool {
	return strings.HasSuffix(path, AttrSuffix)
}

// Write атомарно записывает sidecar.
func Write(path string, sc *Sidecar) error {
	data, err := json.MarshalIndent(sc, "", "  ")
	if err != nil {
		return fmt.Errorf("ошибка сериализации sidecar: %w", err)
	}
	if len(data) > maxAttrFileSize {
		return fmt.Errorf("размер attr.json (%d байт) превышает максимум (%d байт)", len(data), maxAttrFileSize)
	}

	tmpPath := path + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("ошибка создания временного файла: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка записи: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка fsync: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка закрытия файла: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка атомарного переименования: %w", err)
	}
	return nil
}

// Read читает sidecar.
func Read(path string) (*Sidecar, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения attr.json %s: %w", path, err)
	}
	var sc Sidecar
	if err := json.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("ошибка десериализации attr.json %s: %w", path, err)
	}
	return &sc, nil
}

// Delete удаляет sidecar. Отсутствие файла — не ошибка.
func Delete(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("ошибка удаления attr.json %s: %w", path, err)
	}
	return nil
}

// ScanDir возвращает sidecar-файлы директории (не рекурсивно),
// ключ — путь к файлу данных. Невалидные sidecar пропускаются.
func ScanDir(dir string) (map[string]*Sidecar, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*"+AttrSuffix))
	if err != nil {
		return nil, fmt.Errorf("ошибка сканирования директории %s: %w", dir, err)
	}

	result := make(map[string]*Sidecar, len(matches))
	for _, path := range matches {
		sc, err := Read(path)
		if err != nil {
			continue
		}
		result[DataFilePathFromAttr(path)] = sc
	}
	return result, nil
}
