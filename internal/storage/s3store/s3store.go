// Пакет s3store — хранение blob в S3-совместимом хранилище (MinIO, AWS S3).
package s3store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/bigkaa/tempshare/internal/domain/model"
	"github.com/bigkaa/tempshare/internal/storage/object"
)

// API — используемое подмножество *s3.Client.
type API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// Options — параметры подключения.
type Options struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	// Prefix — префикс ключей объектов внутри бакета
	Prefix string
}

// Store — реализация object.Store поверх S3.
type Store struct {
	api    API
	bucket string
	prefix string
	now    func() time.Time
}

// New создаёт клиент S3 со статическими учётными данными.
// Path-style адресация нужна для MinIO.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.Bucket == "" {
		return nil, errors.New("не задан бакет S3")
	}
	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(opts.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			opts.AccessKey,
			opts.SecretKey,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("ошибка конфигурации S3: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = true
	})
	return NewWithAPI(client, opts.Bucket, opts.Prefix), nil
}

// NewWithAPI создаёт хранилище с готовым клиентом (тесты, кастомная настройка).
func NewWithAPI(api API, bucket, prefix string) *Store {
	return &Store{api: api, bucket: bucket, prefix: prefix, now: time.Now}
}

// Key возвращает ключ объекта для файла.
func (s *Store) Key(fileID, ext string) string {
	ext = strings.ToLower(strings.TrimPrefix(ext, "."))
	if ext == "" || strings.ContainsAny(ext, "/\\ ") {
		return s.prefix + fileID
	}
	return s.prefix + fileID + "." + ext
}

// Locate возвращает ссылку на будущий объект.
func (s *Store) Locate(fileID, ext string) model.StorageRef {
	return model.StorageRef{Backend: model.BackendS3, Path: s.Key(fileID, ext)}
}

// Write загружает поток одним PutObject.
// Если поток поддерживает Seek, SHA-256 считается отдельным проходом
// и объект отправляется с перемоткой в начало. Иначе нужен известный
// Size, а checksum считается во время отправки.
func (s *Store) Write(ctx context.Context, req object.WriteRequest) (*object.WriteResult, error) {
	key := s.Key(req.FileID, req.Ext)

	var (
		body   io.Reader
		size   int64
		digest *object.DigestReader
	)
	if rs, ok := req.Reader.(io.ReadSeeker); ok {
		digest = object.NewDigestReader(rs)
		if _, err := io.Copy(io.Discard, digest); err != nil {
			return nil, fmt.Errorf("ошибка чтения потока: %w", err)
		}
		if _, err := rs.Seek(0, io.SeekStart); err != nil {
			return nil, fmt.Errorf("ошибка перемотки потока: %w", err)
		}
		body, size = rs, digest.Size()
	} else {
		if req.Size < 0 {
			return nil, errors.New("для S3 нужен известный размер потока")
		}
		digest = object.NewDigestReader(req.Reader)
		body, size = digest, req.Size
	}

	contentType := req.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	expiresAt := s.now().UTC().Add(req.TTL)

	_, err := s.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String(contentType),
		Expires:       aws.Time(expiresAt),
		Metadata: map[string]string{
			"file-id":    req.FileID,
			"expires-at": expiresAt.Format(time.RFC3339),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("ошибка PutObject %s: %w", key, err)
	}
	if digest.Size() != size {
		_ = s.Delete(context.Background(), model.StorageRef{Backend: model.BackendS3, Path: key})
		return nil, fmt.Errorf("размер потока %d не совпал с заявленным %d", digest.Size(), size)
	}

	return &object.WriteResult{
		Ref:      model.StorageRef{Backend: model.BackendS3, Path: key},
		Size:     size,
		Checksum: digest.Checksum(),
	}, nil
}

// Open возвращает тело объекта.
func (s *Store) Open(ctx context.Context, ref model.StorageRef) (io.ReadCloser, error) {
	out, err := s.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(ref.Path),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("%w: %s", object.ErrNotFound, ref.Path)
		}
		return nil, fmt.Errorf("ошибка GetObject %s: %w", ref.Path, err)
	}
	return out.Body, nil
}

// Delete удаляет объект. S3 не возвращает ошибку для отсутствующего ключа.
func (s *Store) Delete(ctx context.Context, ref model.StorageRef) error {
	if ref.Path == "" {
		return nil
	}
	_, err := s.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(ref.Path),
	})
	if err != nil {
		return fmt.Errorf("ошибка DeleteObject %s: %w", ref.Path, err)
	}
	return nil
}
