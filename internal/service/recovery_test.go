package service

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bigkaa/tempshare/internal/domain/model"
	"github.com/bigkaa/tempshare/internal/storage/metastore"
	"github.com/bigkaa/tempshare/internal/storage/object"
	"github.com/bigkaa/tempshare/internal/storage/wal"
)

// writeBlob пишет байты в fs-хранилище конвейера.
func (p *pipeline) writeBlob(t *testing.T, fileID string, content []byte) model.StorageRef {
	t.Helper()
	res, err := p.files.Write(context.Background(), object.WriteRequest{
		FileID: fileID,
		Ext:    ".bin",
		Reader: bytes.NewReader(content),
		Size:   int64(len(content)),
		TTL:    time.Hour,
	})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	return res.Ref
}

func TestRecoverWAL_InterruptedUpload(t *testing.T) {
	p := newPipeline(t, model.BackendFS)
	ctx := context.Background()

	// Сбой между записью байтов и регистрацией метаданных
	ref := p.files.Locate("crashed", ".bin")
	if _, err := p.walEng.StartTransaction(wal.OpUpload, "crashed", ref); err != nil {
		t.Fatalf("StartTransaction: %v", err)
	}
	p.writeBlob(t, "crashed", []byte("half-uploaded"))

	res, err := RecoverWAL(ctx, p.walEng, p.objects, p.repo, testLogger())
	if err != nil {
		t.Fatalf("RecoverWAL: %v", err)
	}
	if res.Pending != 1 || res.Cleaned != 1 || res.Kept != 0 {
		t.Errorf("хотели pending=1 cleaned=1 kept=0, получили %+v", res)
	}
	if _, err := os.Stat(filepath.Join(p.dataDir, ref.Path)); !os.IsNotExist(err) {
		t.Error("байты прерванной загрузки должны быть удалены")
	}
	p.assertNoOrphans(t)
}

func TestRecoverWAL_RegisteredUploadKept(t *testing.T) {
	p := newPipeline(t, model.BackendFS)
	ctx := context.Background()

	ref := p.files.Locate("done", ".bin")
	if _, err := p.walEng.StartTransaction(wal.OpUpload, "done", ref); err != nil {
		t.Fatalf("StartTransaction: %v", err)
	}
	p.writeBlob(t, "done", []byte("complete"))
	now := p.clock.Now()
	if err := p.repo.Create(ctx, &model.FileRecord{
		FileID:    "done",
		Storage:   ref,
		CreatedAt: now,
		ExpiresAt: now.Add(time.Hour),
	}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	res, err := RecoverWAL(ctx, p.walEng, p.objects, p.repo, testLogger())
	if err != nil {
		t.Fatalf("RecoverWAL: %v", err)
	}
	if res.Kept != 1 || res.Cleaned != 0 {
		t.Errorf("хотели kept=1 cleaned=0, получили %+v", res)
	}
	if _, err := p.repo.Get(ctx, "done"); err != nil {
		t.Errorf("зарегистрированный файл должен остаться: %v", err)
	}
	pending, _ := p.walEng.RecoverPending()
	if len(pending) != 0 {
		t.Errorf("pending WAL: хотели 0, получили %d", len(pending))
	}
}

func TestRecoverWAL_InterruptedPurge(t *testing.T) {
	p := newPipeline(t, model.BackendFS)
	ctx := context.Background()

	ref := p.writeBlob(t, "victim", []byte("to be removed"))
	now := p.clock.Now()
	if err := p.repo.Create(ctx, &model.FileRecord{
		FileID:    "victim",
		Storage:   ref,
		CreatedAt: now,
		ExpiresAt: now.Add(time.Hour),
	}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := p.walEng.StartTransaction(wal.OpPurge, "victim", ref); err != nil {
		t.Fatalf("StartTransaction: %v", err)
	}

	res, err := RecoverWAL(ctx, p.walEng, p.objects, p.repo, testLogger())
	if err != nil {
		t.Fatalf("RecoverWAL: %v", err)
	}
	if res.Cleaned != 1 {
		t.Errorf("хотели cleaned=1, получили %+v", res)
	}
	if _, err := p.repo.Get(ctx, "victim"); !errors.Is(err, metastore.ErrNotFound) {
		t.Errorf("запись: хотели ErrNotFound, получили %v", err)
	}
	p.assertNoOrphans(t)
}

func TestRecoverWAL_ChunkedWithoutCount(t *testing.T) {
	p := newPipeline(t, model.BackendChunked)
	ctx := context.Background()

	ref := p.chunks.Locate("chunky", "")
	if _, err := p.walEng.StartTransaction(wal.OpUpload, "chunky", ref); err != nil {
		t.Fatalf("StartTransaction: %v", err)
	}
	if _, err := p.chunks.Write(ctx, object.WriteRequest{
		FileID: "chunky",
		Reader: bytes.NewReader(randomBytes(300<<10, 9)),
		Size:   300 << 10,
		TTL:    time.Hour,
	}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if _, err := RecoverWAL(ctx, p.walEng, p.objects, p.repo, testLogger()); err != nil {
		t.Fatalf("RecoverWAL: %v", err)
	}
	if _, err := p.store.Get(ctx, "chunk:chunky:0"); err == nil {
		t.Error("чанки прерванной загрузки должны быть удалены")
	}
}
