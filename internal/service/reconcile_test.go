package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bigkaa/tempshare/internal/domain/model"
	"github.com/bigkaa/tempshare/internal/storage/attr"
)

func newTestReconcile(p *pipeline) *ReconcileService {
	rs := NewReconcileService(p.files, p.repo, p.walEng, p.policies, time.Hour, testLogger())
	rs.now = time.Now
	return rs
}

func countIssues(res *ReconcileResult, typ IssueType) int {
	n := 0
	for _, issue := range res.Issues {
		if issue.Type == typ {
			n++
		}
	}
	return n
}

func TestReconcile_NoIssues(t *testing.T) {
	p := newPipeline(t, model.BackendFS)
	// Записи живут по реальным часам, как и sidecar
	p.clock.now = time.Now()

	req := p.handshake(t, "s")
	req.Files = []UploadFile{fileOf("a.txt", []byte("hello"))}
	if _, err := p.upload.Upload(context.Background(), req); err != nil {
		t.Fatalf("Upload: %v", err)
	}

	res, err := newTestReconcile(p).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(res.Issues) != 0 {
		t.Errorf("хотели 0 проблем, получили %+v", res.Issues)
	}
	if res.FilesChecked != 1 {
		t.Errorf("FilesChecked: хотели 1, получили %d", res.FilesChecked)
	}
	if res.Summary.WALCleaned != 1 {
		t.Errorf("WALCleaned: хотели 1, получили %d", res.Summary.WALCleaned)
	}
}

func TestReconcile_ExpiredBlob(t *testing.T) {
	p := newPipeline(t, model.BackendFS)
	ref := p.writeBlob(t, "old", []byte("expired bytes"))

	rs := newTestReconcile(p)
	rs.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	res, err := rs.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if countIssues(res, IssueExpiredBlob) != 1 || res.Summary.ExpiredBlobs != 1 {
		t.Errorf("хотели 1 expired_blob, получили %+v", res.Issues)
	}
	if _, err := os.Stat(p.files.FullPath(ref.Path)); !os.IsNotExist(err) {
		t.Error("истёкший blob должен быть удалён")
	}
	if _, err := os.Stat(attr.AttrFilePath(p.files.FullPath(ref.Path))); !os.IsNotExist(err) {
		t.Error("sidecar истёкшего blob должен быть удалён")
	}
}

func TestReconcile_OrphanedBlob(t *testing.T) {
	p := newPipeline(t, model.BackendFS)

	// Blob без sidecar и без записи, старше максимального срока
	orphan := filepath.Join(p.dataDir, "lost.bin")
	if err := os.WriteFile(orphan, []byte("lost"), 0o640); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	old := time.Now().Add(-4 * time.Hour)
	if err := os.Chtimes(orphan, old, old); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}

	// Свежий blob без записи (загрузка в процессе) не трогается
	fresh := filepath.Join(p.dataDir, "fresh.bin")
	if err := os.WriteFile(fresh, []byte("fresh"), 0o640); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	res, err := newTestReconcile(p).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if countIssues(res, IssueOrphanedBlob) != 1 {
		t.Errorf("хотели 1 orphaned_blob, получили %+v", res.Issues)
	}
	if _, err := os.Stat(orphan); !os.IsNotExist(err) {
		t.Error("осиротевший blob должен быть удалён")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Errorf("свежий blob не должен удаляться: %v", err)
	}
}

func TestReconcile_StaleTmpAndOrphanedAttr(t *testing.T) {
	p := newPipeline(t, model.BackendFS)

	tmp := filepath.Join(p.dataDir, "abc.bin.tmp")
	if err := os.WriteFile(tmp, []byte("partial"), 0o640); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	old := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(tmp, old, old); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}

	ghost := filepath.Join(p.dataDir, "ghost.bin")
	if err := attr.Write(attr.AttrFilePath(ghost), &attr.Sidecar{
		FileID:    "ghost",
		CreatedAt: time.Now().UTC(),
		ExpiresAt: time.Now().UTC().Add(time.Hour),
	}); err != nil {
		t.Fatalf("attr.Write: %v", err)
	}

	res, err := newTestReconcile(p).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if res.Summary.StaleTmp != 1 || res.Summary.OrphanedAttrs != 1 {
		t.Errorf("хотели staleTmp=1 orphanedAttrs=1, получили %+v", res.Summary)
	}
	entries, _ := os.ReadDir(p.dataDir)
	if len(entries) != 0 {
		t.Errorf("директория данных должна опустеть, осталось %d", len(entries))
	}
}

// Загрузка, завершившаяся во время сверки, не теряет sidecar.
func TestReconcile_UploadDuringScan(t *testing.T) {
	p := newPipeline(t, model.BackendFS)
	rs := newTestReconcile(p)

	var ref model.StorageRef
	rs.readDir = func(dir string) ([]os.DirEntry, error) {
		ref = p.writeBlob(t, "fresh", []byte("just uploaded"))
		return os.ReadDir(dir)
	}

	res, err := rs.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if res.Summary.OrphanedAttrs != 0 {
		t.Errorf("хотели orphanedAttrs=0, получили %+v", res.Issues)
	}
	if _, err := os.Stat(attr.AttrFilePath(p.files.FullPath(ref.Path))); err != nil {
		t.Errorf("sidecar свежей загрузки должен остаться: %v", err)
	}
}

// Blob, пропущенный листингом, но существующий на диске, сохраняет sidecar.
func TestReconcile_AttrKeptWhenBlobExists(t *testing.T) {
	p := newPipeline(t, model.BackendFS)
	ref := p.writeBlob(t, "listed-late", []byte("bytes"))

	rs := newTestReconcile(p)
	rs.readDir = func(string) ([]os.DirEntry, error) { return nil, nil }

	res, err := rs.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if res.Summary.OrphanedAttrs != 0 {
		t.Errorf("хотели orphanedAttrs=0, получили %+v", res.Issues)
	}
	if _, err := os.Stat(attr.AttrFilePath(p.files.FullPath(ref.Path))); err != nil {
		t.Errorf("sidecar должен остаться: %v", err)
	}
}

func TestReconcile_InProgress(t *testing.T) {
	p := newPipeline(t, model.BackendFS)
	rs := newTestReconcile(p)

	rs.mu.Lock()
	rs.inProcess = true
	rs.mu.Unlock()

	if !rs.IsInProgress() {
		t.Error("IsInProgress: хотели true")
	}
	if _, err := rs.RunOnce(context.Background()); !errors.Is(err, ErrReconcileInProgress) {
		t.Errorf("хотели ErrReconcileInProgress, получили %v", err)
	}
}

func TestReconcile_WithoutFileStore(t *testing.T) {
	p := newPipeline(t, model.BackendChunked)
	rs := NewReconcileService(nil, p.repo, p.walEng, p.policies, time.Hour, testLogger())

	res, err := rs.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if res.FilesChecked != 0 || len(res.Issues) != 0 {
		t.Errorf("без fs-хранилища сверяется только WAL: %+v", res)
	}
}
