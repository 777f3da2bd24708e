package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"sync"
	"testing"
	"time"

	apierrors "github.com/bigkaa/tempshare/internal/api/errors"
	"github.com/bigkaa/tempshare/internal/domain/mode"
	"github.com/bigkaa/tempshare/internal/domain/model"
	"github.com/bigkaa/tempshare/internal/domain/policy"
	"github.com/bigkaa/tempshare/internal/storage/chunkstore"
	"github.com/bigkaa/tempshare/internal/storage/filestore"
	"github.com/bigkaa/tempshare/internal/storage/kv"
	"github.com/bigkaa/tempshare/internal/storage/metastore"
	"github.com/bigkaa/tempshare/internal/storage/object"
	"github.com/bigkaa/tempshare/internal/storage/wal"
)

const testClient = "192.0.2.10"

// pipeline — собранный сервис загрузки и скачивания поверх
// in-memory store и временной директории.
type pipeline struct {
	clock    *fakeClock
	store    *kv.Memory
	repo     *metastore.Repository
	objects  *object.Mux
	files    *filestore.FileStore
	chunks   *chunkstore.Store
	walEng   *wal.WAL
	sm       *mode.StateMachine
	policies *policy.Holder
	sessions *SessionService
	sched    *Scheduler
	upload   *UploadService
	download *DownloadService
	dataDir  string
}

func testPolicy() *policy.Policy {
	p := &policy.Policy{
		ForbiddenExtensions: []string{".exe", ".bat"},
		ForbiddenPrefixes:   []string{".ph"},
		ForbiddenMimeTypes:  []string{"application/x-msdownload"},
		MaxFileSize:         10 << 20,
		MaxFiles:            5,
		ExpirationOptions:   []int{30, 60, 180},
		DefaultExpiration:   30,
	}
	if err := p.Normalize(); err != nil {
		panic(err)
	}
	return p
}

func newPipeline(t *testing.T, primary model.Backend) *pipeline {
	t.Helper()

	clock := newFakeClock()
	logger := testLogger()

	store := kv.NewMemory(logger, kv.WithClock(clock.Now))
	t.Cleanup(func() { _ = store.Close() })

	dataDir := t.TempDir()
	files, err := filestore.New(dataDir)
	if err != nil {
		t.Fatalf("filestore.New: %v", err)
	}
	chunks := chunkstore.New(store, 64*1024)

	var objects *object.Mux
	if primary == model.BackendChunked {
		objects = object.NewMux(model.BackendChunked, chunks)
		objects.Register(model.BackendFS, files)
	} else {
		objects = object.NewMux(model.BackendFS, files)
		objects.Register(model.BackendChunked, chunks)
	}

	walEng, err := wal.New(t.TempDir(), logger)
	if err != nil {
		t.Fatalf("wal.New: %v", err)
	}

	sm, err := mode.NewStateMachine(mode.ModeRW)
	if err != nil {
		t.Fatalf("NewStateMachine: %v", err)
	}

	repo := metastore.New(store, clock.Now)
	holder := policy.NewHolder(testPolicy())

	sessions := NewSessionService(store, SessionConfig{
		UsageLimit: 10,
		Inactivity: 30 * time.Minute,
		KDF:        testKDF,
	}, logger)
	sessions.now = clock.Now

	sched := NewScheduler(repo, objects, walEng, time.Hour, 100, logger)
	sched.now = clock.Now
	t.Cleanup(sched.Stop)

	cache := NewMetadataCache(100, time.Minute)
	cache.now = clock.Now
	sched.OnPurge(cache.Delete)

	upload := NewUploadService(sessions, holder, objects, repo, sched, walEng, sm, "https://share.example.com/", logger)
	upload.now = clock.Now

	download := NewDownloadService(repo, objects, cache, sm, logger)
	download.now = clock.Now

	return &pipeline{
		clock:    clock,
		store:    store,
		repo:     repo,
		objects:  objects,
		files:    files,
		chunks:   chunks,
		walEng:   walEng,
		sm:       sm,
		policies: holder,
		sessions: sessions,
		sched:    sched,
		upload:   upload,
		download: download,
		dataDir:  dataDir,
	}
}

// handshake создаёт сессию и возвращает заготовку запроса загрузки.
func (p *pipeline) handshake(t *testing.T, sessionID string) UploadRequest {
	t.Helper()
	hs, err := p.sessions.Issue(context.Background(), testClient, sessionID)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return UploadRequest{
		ClientIdentity: testClient,
		SessionID:      sessionID,
		SessionKey:     hs.Key,
		SessionSalt:    hs.Salt,
	}
}

// assertNoOrphans проверяет, что после отказа не осталось ни байтов,
// ни записей, ни незавершённых транзакций.
func (p *pipeline) assertNoOrphans(t *testing.T) {
	t.Helper()
	records, err := p.repo.List(context.Background(), 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("записей метаданных: хотели 0, получили %d", len(records))
	}
	entries, err := os.ReadDir(p.dataDir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("файлов в директории данных: хотели 0, получили %d", len(entries))
	}
	pending, err := p.walEng.RecoverPending()
	if err != nil {
		t.Fatalf("RecoverPending: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("pending WAL: хотели 0, получили %d", len(pending))
	}
}

func randomBytes(n int, seed int64) []byte {
	buf := make([]byte, n)
	r := rand.New(rand.NewSource(seed))
	_, _ = r.Read(buf)
	return buf
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func fileOf(name string, content []byte) UploadFile {
	return UploadFile{
		Name:   name,
		Size:   int64(len(content)),
		Reader: bytes.NewReader(content),
	}
}

func TestPipeline_EndToEnd5MB(t *testing.T) {
	for _, backend := range []model.Backend{model.BackendFS, model.BackendChunked} {
		t.Run(string(backend), func(t *testing.T) {
			p := newPipeline(t, backend)
			ctx := context.Background()
			content := randomBytes(5<<20, 42)

			req := p.handshake(t, "e2e")
			req.Expiration = 30
			req.Files = []UploadFile{fileOf("archive.bin", content)}

			res, err := p.upload.Upload(ctx, req)
			if err != nil {
				t.Fatalf("Upload: %v", err)
			}
			accepted := res.Accepted()
			if len(accepted) != 1 {
				t.Fatalf("принятых файлов: хотели 1, получили %d (%v)", len(accepted), res.FirstError())
			}
			up := accepted[0]
			if up.DownloadURL != "https://share.example.com/d/"+up.FileID {
				t.Errorf("DownloadURL = %q", up.DownloadURL)
			}
			if up.Size != int64(len(content)) {
				t.Errorf("Size: хотели %d, получили %d", len(content), up.Size)
			}
			if up.Checksum != sha256Hex(content) {
				t.Error("checksum не совпадает с SHA-256 содержимого")
			}
			if want := p.clock.Now().Add(30 * time.Minute); !up.ExpiresAt.Equal(want) {
				t.Errorf("ExpiresAt: хотели %v, получили %v", want, up.ExpiresAt)
			}

			dl, err := p.download.Open(ctx, up.FileID)
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			got := readAll(t, dl.Body)
			if !bytes.Equal(got, content) {
				t.Fatalf("содержимое не совпадает: %d байт против %d", len(got), len(content))
			}
			if dl.Record.OriginalName != "archive.bin" || dl.Record.UploaderIdentity != testClient {
				t.Errorf("запись: %+v", dl.Record)
			}
			if dl.Record.Storage.Backend != backend {
				t.Errorf("backend: хотели %s, получили %s", backend, dl.Record.Storage.Backend)
			}

			// За секунду до истечения файл ещё доступен
			p.clock.Advance(30*time.Minute - time.Second)
			dl, err = p.download.Open(ctx, up.FileID)
			if err != nil {
				t.Fatalf("Open до истечения: %v", err)
			}
			dl.Body.Close()

			p.clock.Advance(time.Second)
			if _, err := p.download.Open(ctx, up.FileID); !errors.Is(err, ErrFileNotFound) {
				t.Fatalf("после истечения: хотели ErrFileNotFound, получили %v", err)
			}

			sweep := p.sched.RunSweep(ctx, 100)
			if sweep.Purged != 1 {
				t.Errorf("sweep: хотели purged=1, получили %+v", sweep)
			}
			if _, err := p.objects.Open(ctx, dl.Record.Storage); backend == model.BackendFS && !errors.Is(err, object.ErrNotFound) {
				t.Errorf("байты после sweep: хотели ErrNotFound, получили %v", err)
			}
			p.assertNoOrphans(t)
		})
	}
}

func TestUpload_ForbiddenTypeNoOrphans(t *testing.T) {
	tests := []struct {
		name     string
		file     UploadFile
		backend  model.Backend
		wantCode string
	}{
		{"расширение", fileOf("setup.EXE", []byte("MZ payload")), model.BackendFS, CodeForbiddenFileType},
		{"префикс расширения", fileOf("shell.phtml", []byte("<?php")), model.BackendFS, CodeForbiddenFileType},
		{"хвостовая точка", fileOf("run.bat.", []byte("@echo off\r\n")), model.BackendFS, CodeForbiddenFileType},
		{"несколько хвостовых точек", fileOf("run.bat..", []byte("@echo off\r\n")), model.BackendChunked, CodeForbiddenFileType},
		{"хвостовая точка и префикс", fileOf("shell.php.", []byte("<?php echo 1;")), model.BackendFS, CodeForbiddenFileType},
		{"хвостовая точка exe", fileOf("setup.exe.", []byte("@echo off\r\n")), model.BackendFS, CodeForbiddenFileType},
		{"заявленный MIME", UploadFile{
			Name: "doc.txt", DeclaredType: "application/x-msdownload",
			Size: 4, Reader: bytes.NewReader([]byte("data")),
		}, model.BackendChunked, CodeForbiddenFileType},
		{"размер", UploadFile{
			Name: "big.bin", Size: 11 << 20, Reader: bytes.NewReader(nil),
		}, model.BackendChunked, apierrors.CodeFileTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newPipeline(t, tt.backend)
			req := p.handshake(t, "s")
			req.Files = []UploadFile{tt.file}

			res, err := p.upload.Upload(context.Background(), req)
			if err != nil {
				t.Fatalf("Upload: %v", err)
			}
			if len(res.Accepted()) != 0 {
				t.Fatal("файл не должен быть принят")
			}
			ferr := res.FirstError()
			if !errors.Is(ferr, ErrValidation) {
				t.Errorf("хотели ErrValidation, получили %v", ferr)
			}
			if CodeOf(ferr) != tt.wantCode {
				t.Errorf("код: хотели %s, получили %s", tt.wantCode, CodeOf(ferr))
			}
			p.assertNoOrphans(t)
		})
	}
}

func TestUpload_SniffedMIMEForbidden(t *testing.T) {
	p := newPipeline(t, model.BackendFS)
	pol := testPolicy()
	pol.ForbiddenMimeTypes = append(pol.ForbiddenMimeTypes, "application/pdf")
	if err := pol.Normalize(); err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	p.policies.Store(pol)

	req := p.handshake(t, "s")
	// Имя и заявленный тип безобидны, содержимое — PDF
	req.Files = []UploadFile{{
		Name:         "notes.txt",
		DeclaredType: "text/plain",
		Size:         -1,
		Reader:       io.MultiReader(bytes.NewReader([]byte("%PDF-1.7\n")), bytes.NewReader(randomBytes(4096, 1))),
	}}

	res, err := p.upload.Upload(context.Background(), req)
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if CodeOf(res.FirstError()) != CodeForbiddenFileType {
		t.Errorf("код: хотели %s, получили %v", CodeForbiddenFileType, res.FirstError())
	}
	p.assertNoOrphans(t)
}

func TestUpload_UnknownSizeOverLimit(t *testing.T) {
	for _, backend := range []model.Backend{model.BackendFS, model.BackendChunked} {
		t.Run(string(backend), func(t *testing.T) {
			p := newPipeline(t, backend)
			pol := testPolicy()
			pol.MaxFileSize = 100 << 10
			p.policies.Store(pol)

			req := p.handshake(t, "s")
			req.Files = []UploadFile{{
				Name:   "stream.bin",
				Size:   -1,
				Reader: io.LimitReader(rand.New(rand.NewSource(7)), 300<<10),
			}}

			res, err := p.upload.Upload(context.Background(), req)
			if err != nil {
				t.Fatalf("Upload: %v", err)
			}
			if CodeOf(res.FirstError()) != apierrors.CodeFileTooLarge {
				t.Errorf("код: хотели %s, получили %v", apierrors.CodeFileTooLarge, res.FirstError())
			}
			p.assertNoOrphans(t)
		})
	}
}

func TestUpload_UnknownSizeWithinLimit(t *testing.T) {
	p := newPipeline(t, model.BackendChunked)
	content := randomBytes(200<<10, 3)

	req := p.handshake(t, "s")
	req.Files = []UploadFile{{Name: "pipe.bin", Size: -1, Reader: io.MultiReader(bytes.NewReader(content))}}

	res, err := p.upload.Upload(context.Background(), req)
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	accepted := res.Accepted()
	if len(accepted) != 1 {
		t.Fatalf("хотели 1 принятый файл, ошибка: %v", res.FirstError())
	}

	dl, err := p.download.Open(context.Background(), accepted[0].FileID)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got := readAll(t, dl.Body); !bytes.Equal(got, content) {
		t.Error("содержимое не совпадает после прохода через sniff")
	}
}

func TestUpload_RequestLevelErrors(t *testing.T) {
	p := newPipeline(t, model.BackendFS)
	ctx := context.Background()

	t.Run("недействительная сессия", func(t *testing.T) {
		req := p.handshake(t, "s1")
		req.SessionKey = "deadbeef"
		req.Files = []UploadFile{fileOf("a.txt", []byte("a"))}
		_, err := p.upload.Upload(ctx, req)
		if !errors.Is(err, ErrSessionInvalid) {
			t.Errorf("хотели ErrSessionInvalid, получили %v", err)
		}
	})

	t.Run("нет файлов", func(t *testing.T) {
		req := p.handshake(t, "s2")
		_, err := p.upload.Upload(ctx, req)
		if CodeOf(err) != CodeNoFiles {
			t.Errorf("код: хотели %s, получили %v", CodeNoFiles, err)
		}
	})

	t.Run("слишком много файлов", func(t *testing.T) {
		req := p.handshake(t, "s3")
		for i := 0; i < 6; i++ {
			req.Files = append(req.Files, fileOf(fmt.Sprintf("f%d.txt", i), []byte("x")))
		}
		_, err := p.upload.Upload(ctx, req)
		if !errors.Is(err, ErrValidation) || CodeOf(err) != apierrors.CodeValidationError {
			t.Errorf("хотели VALIDATION_ERROR, получили %v", err)
		}
	})

	t.Run("недопустимый срок", func(t *testing.T) {
		req := p.handshake(t, "s4")
		req.Expiration = 45
		req.Files = []UploadFile{fileOf("a.txt", []byte("a"))}
		_, err := p.upload.Upload(ctx, req)
		if CodeOf(err) != CodeInvalidExpiration {
			t.Errorf("код: хотели %s, получили %v", CodeInvalidExpiration, err)
		}
	})

	p.assertNoOrphans(t)

	t.Run("режим только чтения", func(t *testing.T) {
		if err := p.sm.TransitionTo(mode.ModeRO, false, "test"); err != nil {
			t.Fatalf("TransitionTo: %v", err)
		}
		req := p.handshake(t, "s5")
		req.Files = []UploadFile{fileOf("a.txt", []byte("a"))}
		_, err := p.upload.Upload(ctx, req)
		if !errors.Is(err, ErrModeNotAllowed) {
			t.Errorf("хотели ErrModeNotAllowed, получили %v", err)
		}
	})
}

// Отказ по сроку хранения или числу файлов не тратит использование сессии.
func TestUpload_RequestErrorsKeepSessionUses(t *testing.T) {
	p := newPipeline(t, model.BackendFS)
	ctx := context.Background()
	req := p.handshake(t, "s")

	for i := 0; i < 12; i++ {
		bad := req
		bad.Expiration = 45
		bad.Files = []UploadFile{fileOf("a.txt", []byte("a"))}
		if _, err := p.upload.Upload(ctx, bad); CodeOf(err) != CodeInvalidExpiration {
			t.Fatalf("попытка %d: хотели %s, получили %v", i, CodeInvalidExpiration, err)
		}

		empty := req
		if _, err := p.upload.Upload(ctx, empty); CodeOf(err) != CodeNoFiles {
			t.Fatalf("попытка %d: хотели %s, получили %v", i, CodeNoFiles, err)
		}
	}

	data, err := p.store.Get(ctx, SessionKey(testClient, "s"))
	if err != nil {
		t.Fatalf("сессия должна сохраниться: %v", err)
	}
	var rec model.SessionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if rec.UsageCount != 0 {
		t.Errorf("UsageCount: хотели 0, получили %d", rec.UsageCount)
	}

	req.Files = []UploadFile{fileOf("a.txt", []byte("a"))}
	res, err := p.upload.Upload(ctx, req)
	if err != nil {
		t.Fatalf("Upload после отказов: %v", err)
	}
	if len(res.Accepted()) != 1 {
		t.Errorf("хотели 1 принятый файл, ошибка: %v", res.FirstError())
	}
}

func TestUpload_DefaultExpiration(t *testing.T) {
	p := newPipeline(t, model.BackendChunked)
	req := p.handshake(t, "s")
	req.Files = []UploadFile{fileOf("a.txt", []byte("hello"))}

	res, err := p.upload.Upload(context.Background(), req)
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	up := res.Accepted()[0]
	if want := p.clock.Now().Add(30 * time.Minute); !up.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt: хотели %v, получили %v", want, up.ExpiresAt)
	}
	if up.MimeType == "" {
		t.Error("MIME-тип должен определяться по содержимому")
	}
}

func TestUpload_BestEffortBatch(t *testing.T) {
	p := newPipeline(t, model.BackendFS)
	req := p.handshake(t, "s")
	req.Files = []UploadFile{
		fileOf("good.txt", []byte("good")),
		fileOf("bad.bat", []byte("@echo off")),
		fileOf("also-good.csv", []byte("a,b\n1,2\n")),
	}

	res, err := p.upload.Upload(context.Background(), req)
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if len(res.Files) != 3 {
		t.Fatalf("исходов: хотели 3, получили %d", len(res.Files))
	}
	if res.Files[0].File == nil || res.Files[2].File == nil {
		t.Error("допустимые файлы должны быть приняты")
	}
	if res.Files[1].Err == nil || res.Files[1].OriginalName != "bad.bat" {
		t.Errorf("запрещённый файл: %+v", res.Files[1])
	}

	records, _ := p.repo.List(context.Background(), 0)
	if len(records) != 2 {
		t.Errorf("записей: хотели 2, получили %d", len(records))
	}
	if p.sched.Pending() != 2 {
		t.Errorf("таймеров: хотели 2, получили %d", p.sched.Pending())
	}
}

func TestUpload_ConcurrentDistinctUploads(t *testing.T) {
	for _, backend := range []model.Backend{model.BackendFS, model.BackendChunked} {
		t.Run(string(backend), func(t *testing.T) {
			p := newPipeline(t, backend)
			ctx := context.Background()

			const workers = 8
			contents := make([][]byte, workers)
			ids := make([]string, workers)
			errs := make([]error, workers)

			var wg sync.WaitGroup
			for i := 0; i < workers; i++ {
				contents[i] = randomBytes(150<<10+i*777, int64(100+i))
				req := p.handshake(t, fmt.Sprintf("worker-%d", i))
				req.Files = []UploadFile{fileOf(fmt.Sprintf("part-%d.bin", i), contents[i])}

				wg.Add(1)
				go func(i int, req UploadRequest) {
					defer wg.Done()
					res, err := p.upload.Upload(ctx, req)
					if err != nil {
						errs[i] = err
						return
					}
					if acc := res.Accepted(); len(acc) == 1 {
						ids[i] = acc[0].FileID
					} else {
						errs[i] = res.FirstError()
					}
				}(i, req)
			}
			wg.Wait()

			for i := 0; i < workers; i++ {
				if errs[i] != nil {
					t.Fatalf("загрузка %d: %v", i, errs[i])
				}
				dl, err := p.download.Open(ctx, ids[i])
				if err != nil {
					t.Fatalf("Open %d: %v", i, err)
				}
				if got := readAll(t, dl.Body); !bytes.Equal(got, contents[i]) {
					t.Errorf("файл %d собран неверно", i)
				}
			}
		})
	}
}

func TestDownload_NotFoundVariants(t *testing.T) {
	p := newPipeline(t, model.BackendFS)
	ctx := context.Background()

	for _, id := range []string{"", "not-a-uuid", "../../etc/passwd", "3f1c2b9e-8d7a-4c55-9e61-0a1b2c3d4e5f"} {
		_, err := p.download.Open(ctx, id)
		if !errors.Is(err, ErrFileNotFound) {
			t.Errorf("Open(%q): хотели ErrFileNotFound, получили %v", id, err)
		}
		if MessageOf(err) != "File not found or expired" {
			t.Errorf("Open(%q): сообщение %q", id, MessageOf(err))
		}
	}
}

func TestDownload_MissingBytes(t *testing.T) {
	p := newPipeline(t, model.BackendFS)
	ctx := context.Background()

	req := p.handshake(t, "s")
	req.Files = []UploadFile{fileOf("a.txt", []byte("hello"))}
	res, err := p.upload.Upload(ctx, req)
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	up := res.Accepted()[0]

	// Прогреваем кэш
	dl, err := p.download.Open(ctx, up.FileID)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	dl.Body.Close()

	if err := p.files.Delete(ctx, dl.Record.Storage); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := p.download.Open(ctx, up.FileID); !errors.Is(err, ErrFileNotFound) {
		t.Errorf("хотели ErrFileNotFound, получили %v", err)
	}
}

func TestDownload_AllowedInReadOnly(t *testing.T) {
	p := newPipeline(t, model.BackendChunked)
	ctx := context.Background()

	req := p.handshake(t, "s")
	req.Files = []UploadFile{fileOf("a.txt", []byte("hello"))}
	res, err := p.upload.Upload(ctx, req)
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}

	if err := p.sm.TransitionTo(mode.ModeRO, false, "test"); err != nil {
		t.Fatalf("TransitionTo: %v", err)
	}
	dl, err := p.download.Open(ctx, res.Accepted()[0].FileID)
	if err != nil {
		t.Fatalf("Open в режиме ro: %v", err)
	}
	if got := readAll(t, dl.Body); string(got) != "hello" {
		t.Errorf("хотели hello, получили %q", got)
	}
}

func TestDownload_PurgeInvalidatesCache(t *testing.T) {
	p := newPipeline(t, model.BackendChunked)
	ctx := context.Background()

	req := p.handshake(t, "s")
	req.Files = []UploadFile{fileOf("a.txt", []byte("hello"))}
	res, err := p.upload.Upload(ctx, req)
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	id := res.Accepted()[0].FileID

	rec, err := p.download.Lookup(ctx, id)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if err := p.sched.Purge(ctx, id, rec.Storage); err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if _, err := p.download.Lookup(ctx, id); !errors.Is(err, ErrFileNotFound) {
		t.Errorf("после Purge: хотели ErrFileNotFound, получили %v", err)
	}
}

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"report.pdf", "report.pdf"},
		{"../../etc/passwd", "passwd"},
		{`C:\Users\me\photo.jpg`, "photo.jpg"},
		{"bad\x00name\n.txt", "badname.txt"},
		{`quote"d.txt`, "quoted.txt"},
		{"", "file"},
		{"..", "file"},
		{"   ", "file"},
		{"run.bat.", "run.bat"},
		{"run.bat. .", "run.bat"},
		{"...", "file"},
	}
	for _, tt := range tests {
		if got := SanitizeName(tt.in); got != tt.want {
			t.Errorf("SanitizeName(%q) = %q, хотели %q", tt.in, got, tt.want)
		}
	}

	long := SanitizeName(string(bytes.Repeat([]byte("я"), 300)) + ".txt")
	if len(long) > maxNameLen {
		t.Errorf("длина имени %d больше %d", len(long), maxNameLen)
	}
	if long[len(long)-4:] != ".txt" {
		t.Errorf("расширение должно сохраняться: %q", long[len(long)-8:])
	}
}
