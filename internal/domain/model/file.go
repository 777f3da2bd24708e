// Пакет model — доменные модели tempshare.
// FileRecord описывает загруженный файл и хранится в metadata store
// как JSON под ключом file:{id}; SessionRecord — состояние
// handshake-сессии анонимного клиента.
package model

import (
	"time"
)

// Backend — тип хранилища байтов файла.
type Backend string

const (
	// BackendFS — один blob в локальной директории данных
	BackendFS Backend = "fs"
	// BackendS3 — один объект в S3-совместимом хранилище
	BackendS3 Backend = "s3"
	// BackendChunked — файл разбит на чанки в metadata store
	BackendChunked Backend = "chunked"
)

// StorageRef — ссылка на байты файла в конкретном backend.
// Для fs/s3 заполняется Path, для chunked — Chunks и ChunkSize.
type StorageRef struct {
	Backend   Backend `json:"backend"`
	Path      string  `json:"path,omitempty"`
	Chunks    int     `json:"chunks,omitempty"`
	ChunkSize int64   `json:"chunk_size,omitempty"`
}

// FileRecord — метаданные загруженного файла.
// Поля неизменяемы после создания. UploaderIdentity не отдаётся
// скачивающему клиенту.
type FileRecord struct {
	// FileID — UUID v4, используется в ссылке на скачивание
	FileID string `json:"file_id"`

	// Storage — где лежат байты файла
	Storage StorageRef `json:"storage"`

	// OriginalName — имя файла при загрузке
	OriginalName string `json:"original_name"`

	// MimeType — MIME-тип, отдаётся в Content-Type
	MimeType string `json:"mime_type"`

	// Size — размер в байтах
	Size int64 `json:"size"`

	// Checksum — SHA-256 содержимого (hex)
	Checksum string `json:"checksum"`

	// UploaderIdentity — сетевой адрес загрузившего клиента
	UploaderIdentity string `json:"uploader_identity"`

	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// IsExpired — запись с now >= ExpiresAt считается отсутствующей.
func (r *FileRecord) IsExpired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// TTL возвращает оставшееся время жизни записи (не меньше нуля).
func (r *FileRecord) TTL(now time.Time) time.Duration {
	d := r.ExpiresAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}
