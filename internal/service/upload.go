// upload.go — приём файлов: сессия → политика → байты → запись → таймер.
//
// Поток для каждого файла:
//  1. Проверка имени, заявленного MIME-типа и размера
//  2. Определение MIME-типа по первым байтам (mimetype)
//  3. WAL StartTransaction (ссылка на будущие байты)
//  4. object.Store.Write (streaming + SHA-256)
//  5. metastore.Create (TTL = срок хранения)
//  6. Scheduler.ScheduleOneShot
//  7. WAL Commit
//
// При ошибке после записи байтов они удаляются, WAL откатывается.
// Файлы одной загрузки обрабатываются независимо: отказ одного файла
// не отменяет уже принятые.
package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	apierrors "github.com/bigkaa/tempshare/internal/api/errors"
	"github.com/bigkaa/tempshare/internal/domain/mode"
	"github.com/bigkaa/tempshare/internal/domain/model"
	"github.com/bigkaa/tempshare/internal/domain/policy"
	"github.com/bigkaa/tempshare/internal/storage/metastore"
	"github.com/bigkaa/tempshare/internal/storage/object"
	"github.com/bigkaa/tempshare/internal/storage/wal"
)

// sniffLen — сколько байт читается для определения MIME-типа.
const sniffLen = 3072

// maxNameLen — ограничение длины сохраняемого имени файла.
const maxNameLen = 255

var (
	uploadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ts_uploads_total",
		Help: "Количество обработанных файлов по результату",
	}, []string{"result"})

	uploadBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ts_upload_bytes_total",
		Help: "Объём принятых байтов",
	})
)

// UploadFile — один файл загрузки.
type UploadFile struct {
	// Name — имя файла от клиента
	Name string
	// DeclaredType — Content-Type части multipart (может быть пустым)
	DeclaredType string
	// Size — размер, -1 если неизвестен
	Size int64
	// Reader — содержимое; io.Seeker используется, если реализован
	Reader io.Reader
}

// UploadRequest — загрузка одного или нескольких файлов.
type UploadRequest struct {
	ClientIdentity string
	SessionID      string
	SessionKey     string
	SessionSalt    string
	// Expiration — срок хранения в минутах; 0 — срок по умолчанию
	Expiration int
	Files      []UploadFile
}

// UploadedFile — принятый файл.
type UploadedFile struct {
	FileID       string    `json:"fileId"`
	DownloadURL  string    `json:"downloadUrl"`
	OriginalName string    `json:"originalName"`
	Size         int64     `json:"size"`
	MimeType     string    `json:"mimeType"`
	Checksum     string    `json:"checksum"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// FileOutcome — результат обработки одного файла: File либо Err.
type FileOutcome struct {
	OriginalName string
	File         *UploadedFile
	Err          error
}

// UploadResult — результат загрузки в порядке файлов запроса.
type UploadResult struct {
	Files []FileOutcome
}

// Accepted возвращает принятые файлы.
func (r *UploadResult) Accepted() []*UploadedFile {
	out := make([]*UploadedFile, 0, len(r.Files))
	for _, f := range r.Files {
		if f.File != nil {
			out = append(out, f.File)
		}
	}
	return out
}

// FirstError возвращает ошибку первого отклонённого файла.
func (r *UploadResult) FirstError() error {
	for _, f := range r.Files {
		if f.Err != nil {
			return f.Err
		}
	}
	return nil
}

// UploadService — сервис загрузки файлов.
type UploadService struct {
	sessions  *SessionService
	policies  *policy.Holder
	objects   object.Store
	repo      *metastore.Repository
	scheduler *Scheduler
	walEngine *wal.WAL
	sm        *mode.StateMachine
	publicURL string
	logger    *slog.Logger
	now       func() time.Time
}

// NewUploadService создаёт сервис загрузки.
func NewUploadService(
	sessions *SessionService,
	policies *policy.Holder,
	objects object.Store,
	repo *metastore.Repository,
	scheduler *Scheduler,
	walEngine *wal.WAL,
	sm *mode.StateMachine,
	publicURL string,
	logger *slog.Logger,
) *UploadService {
	return &UploadService{
		sessions:  sessions,
		policies:  policies,
		objects:   objects,
		repo:      repo,
		scheduler: scheduler,
		walEngine: walEngine,
		sm:        sm,
		publicURL: strings.TrimRight(publicURL, "/"),
		logger:    logger.With(slog.String("component", "upload_service")),
		now:       time.Now,
	}
}

// DownloadURL возвращает публичную ссылку на файл.
func (s *UploadService) DownloadURL(fileID string) string {
	return s.publicURL + "/d/" + fileID
}

// Upload принимает файлы. Ошибка уровня запроса (режим, количество
// файлов, срок хранения, сессия) возвращается как error; ошибки
// отдельных файлов — в UploadResult.
func (s *UploadService) Upload(ctx context.Context, req UploadRequest) (*UploadResult, error) {
	if !s.sm.CanPerform(mode.OpUpload) {
		return nil, &FileError{
			Code:    apierrors.CodeModeNotAllowed,
			Message: fmt.Sprintf("Загрузка файлов недоступна в режиме %s", s.sm.CurrentMode()),
			Err:     ErrModeNotAllowed,
		}
	}

	pol := s.policies.Load()

	if len(req.Files) == 0 {
		return nil, validationError(CodeNoFiles, "Не передано ни одного файла")
	}
	if err := pol.CheckFileCount(len(req.Files)); err != nil {
		return nil, fromPolicy(err)
	}

	expiration := req.Expiration
	if expiration == 0 {
		expiration = pol.DefaultExpiration
	}
	if err := pol.CheckExpiration(expiration); err != nil {
		return nil, fromPolicy(err)
	}
	ttl := time.Duration(expiration) * time.Minute

	// Сессия расходуется только запросом, прошедшим проверки без I/O
	if err := s.sessions.Validate(ctx, req.ClientIdentity, req.SessionID, req.SessionKey, req.SessionSalt, false); err != nil {
		return nil, err
	}

	result := &UploadResult{Files: make([]FileOutcome, 0, len(req.Files))}
	for _, f := range req.Files {
		name := SanitizeName(f.Name)
		if err := ctx.Err(); err != nil {
			result.Files = append(result.Files, FileOutcome{OriginalName: name, Err: storageError("Загрузка прервана", err)})
			continue
		}

		uploaded, err := s.storeFile(ctx, pol, req.ClientIdentity, name, f, ttl)
		if err != nil {
			uploadsTotal.WithLabelValues("rejected").Inc()
			s.logger.Info("Файл отклонён",
				slog.String("client", req.ClientIdentity),
				slog.String("filename", name),
				slog.String("code", CodeOf(err)),
				slog.String("error", err.Error()),
			)
			result.Files = append(result.Files, FileOutcome{OriginalName: name, Err: err})
			continue
		}

		uploadsTotal.WithLabelValues("accepted").Inc()
		uploadBytesTotal.Add(float64(uploaded.Size))
		result.Files = append(result.Files, FileOutcome{OriginalName: name, File: uploaded})
	}

	return result, nil
}

func (s *UploadService) storeFile(
	ctx context.Context,
	pol *policy.Policy,
	client, name string,
	f UploadFile,
	ttl time.Duration,
) (*UploadedFile, error) {
	if err := pol.CheckName(name); err != nil {
		return nil, fromPolicy(err)
	}
	if err := pol.CheckMIME(f.DeclaredType); err != nil {
		return nil, fromPolicy(err)
	}
	if f.Size >= 0 {
		if err := pol.CheckSize(f.Size); err != nil {
			return nil, fromPolicy(err)
		}
	}

	body, sniffed, err := sniff(f.Reader)
	if err != nil {
		return nil, storageError("Ошибка чтения файла", err)
	}
	if err := pol.CheckMIME(sniffed); err != nil {
		return nil, fromPolicy(err)
	}

	contentType := f.DeclaredType
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = sniffed
	}

	fileID := uuid.NewString()
	ext := strings.ToLower(filepath.Ext(name))
	logger := s.logger.With(slog.String("file_id", fileID))

	walEntry, err := s.walEngine.StartTransaction(wal.OpUpload, fileID, s.objects.Locate(fileID, ext))
	if err != nil {
		logger.Error("Ошибка создания WAL-транзакции", slog.String("error", err.Error()))
		return nil, storageError("Внутренняя ошибка при создании транзакции", err)
	}
	rollback := func() {
		if rbErr := s.walEngine.Rollback(walEntry.TransactionID); rbErr != nil {
			logger.Error("Ошибка отката WAL",
				slog.String("tx_id", walEntry.TransactionID),
				slog.String("error", rbErr.Error()),
			)
		}
	}

	// Заранее известный размер уже проверен; поток неизвестной длины
	// ограничивается на лету.
	if f.Size < 0 {
		body = &limitReader{r: body, remaining: pol.MaxFileSize, max: pol.MaxFileSize}
	}

	// Срок отсчитывается от начала записи: байты с TTL живут не меньше записи.
	now := s.now().UTC()
	expiresAt := now.Add(ttl)

	res, err := s.objects.Write(ctx, object.WriteRequest{
		FileID:      fileID,
		Ext:         ext,
		ContentType: contentType,
		Reader:      body,
		Size:        f.Size,
		TTL:         ttl,
	})
	if err != nil {
		rollback()
		if errors.Is(err, policy.ErrTooLarge) {
			return nil, fromPolicy(err)
		}
		logger.Error("Ошибка записи байтов", slog.String("error", err.Error()))
		return nil, storageError("Ошибка сохранения файла", err)
	}

	rec := &model.FileRecord{
		FileID:           fileID,
		Storage:          res.Ref,
		OriginalName:     name,
		MimeType:         contentType,
		Size:             res.Size,
		Checksum:         res.Checksum,
		UploaderIdentity: client,
		CreatedAt:        now,
		ExpiresAt:        expiresAt,
	}
	if err := s.repo.Create(ctx, rec); err != nil {
		if delErr := s.objects.Delete(context.Background(), res.Ref); delErr != nil {
			logger.Error("Ошибка удаления байтов после сбоя записи метаданных",
				slog.String("error", delErr.Error()),
			)
		}
		rollback()
		logger.Error("Ошибка записи метаданных", slog.String("error", err.Error()))
		return nil, storageError("Ошибка сохранения метаданных", err)
	}

	s.scheduler.ScheduleOneShot(fileID, res.Ref, rec.TTL(s.now()))

	if err := s.walEngine.Commit(walEntry.TransactionID); err != nil {
		// Файл уже зарегистрирован; pending-запись при рестарте удалит
		// байты, а запись доберёт sweep.
		logger.Error("Ошибка фиксации WAL", slog.String("error", err.Error()))
	}

	logger.Info("Файл загружен",
		slog.String("filename", name),
		slog.Int64("size", res.Size),
		slog.String("backend", string(res.Ref.Backend)),
		slog.Time("expires_at", expiresAt),
	)

	return &UploadedFile{
		FileID:       fileID,
		DownloadURL:  s.DownloadURL(fileID),
		OriginalName: name,
		Size:         res.Size,
		MimeType:     contentType,
		Checksum:     res.Checksum,
		ExpiresAt:    expiresAt,
	}, nil
}

// sniff читает начало потока и определяет MIME-тип по содержимому.
// Возвращает поток, снова начинающийся с первого байта.
func sniff(r io.Reader) (io.Reader, string, error) {
	head := make([]byte, sniffLen)
	n, err := io.ReadFull(r, head)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, "", err
	}
	head = head[:n]
	detected := mimetype.Detect(head).String()

	if seeker, ok := r.(io.Seeker); ok {
		if _, err := seeker.Seek(0, io.SeekStart); err == nil {
			return r, detected, nil
		}
	}
	return io.MultiReader(bytes.NewReader(head), r), detected, nil
}

// SanitizeName оставляет от клиентского имени только базовое имя
// без управляющих символов. Пустое имя заменяется на "file".
func SanitizeName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(name)
	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) || r == '"' {
			return -1
		}
		return r
	}, name)
	// Хвостовые точки и пробелы ОС всё равно отбросит при сохранении
	name = strings.TrimRight(strings.TrimSpace(name), ". ")
	if name == "" || name == "/" {
		return "file"
	}
	if len(name) > maxNameLen {
		ext := filepath.Ext(name)
		if len(ext) > 16 {
			ext = ""
		}
		name = truncateUTF8(name, maxNameLen-len(ext)) + ext
	}
	return name
}

func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !isRuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}

// limitReader возвращает policy.ErrTooLarge, как только поток
// превышает максимальный размер.
type limitReader struct {
	r         io.Reader
	remaining int64
	max       int64
}

func (l *limitReader) Read(p []byte) (int, error) {
	if l.remaining < 0 {
		return 0, l.tooLarge()
	}
	if int64(len(p)) > l.remaining+1 {
		p = p[:l.remaining+1]
	}
	n, err := l.r.Read(p)
	l.remaining -= int64(n)
	if l.remaining < 0 {
		return n, l.tooLarge()
	}
	return n, err
}

func (l *limitReader) tooLarge() error {
	return fmt.Errorf("%w: больше %d байт", policy.ErrTooLarge, l.max)
}
