package attr

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func testSidecar() *Sidecar {
	now := time.Now().UTC().Truncate(time.Second)
	return &Sidecar{
		FileID:    "0b6f2d1e-9a3c-4c55-8f0e-1d2c3b4a5f60",
		Size:      1024,
		Checksum:  "abc123def456",
		CreatedAt: now,
		ExpiresAt: now.Add(30 * time.Minute),
	}
}

// TestWriteAndRead проверяет запись и чтение sidecar.
func TestWriteAndRead(t *testing.T) {
	dir := t.TempDir()
	sc := testSidecar()
	path := filepath.Join(dir, "f.jpg"+AttrSuffix)

	if err := Write(path, sc); err != nil {
		t.Fatalf("ошибка записи: %v", err)
	}
	got, err := Read(path)
	if err != nil {
		t.Fatalf("ошибка чтения: %v", err)
	}
	if got.FileID != sc.FileID || got.Size != sc.Size || got.Checksum != sc.Checksum {
		t.Errorf("хотели %+v, получили %+v", sc, got)
	}
	if !got.ExpiresAt.Equal(sc.ExpiresAt) {
		t.Errorf("ExpiresAt: хотели %v, получили %v", sc.ExpiresAt, got.ExpiresAt)
	}
}

// TestWrite_AtomicNoTmpFile проверяет, что temp файл не остаётся после записи.
func TestWrite_AtomicNoTmpFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.jpg"+AttrSuffix)
	if err := Write(path, testSidecar()); err != nil {
		t.Fatalf("ошибка записи: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("временный файл не должен существовать после атомарной записи")
	}
}

func TestWrite_TooLarge(t *testing.T) {
	sc := testSidecar()
	sc.FileID = strings.Repeat("x", maxAttrFileSize)
	if err := Write(filepath.Join(t.TempDir(), "f"+AttrSuffix), sc); err == nil {
		t.Error("ожидалась ошибка превышения размера")
	}
}

func TestIsExpired(t *testing.T) {
	sc := testSidecar()
	if sc.IsExpired(sc.ExpiresAt.Add(-time.Second)) {
		t.Error("до истечения IsExpired = true")
	}
	if !sc.IsExpired(sc.ExpiresAt) {
		t.Error("в момент истечения IsExpired = false")
	}
}

func TestDelete_Missing(t *testing.T) {
	if err := Delete(filepath.Join(t.TempDir(), "none"+AttrSuffix)); err != nil {
		t.Errorf("удаление отсутствующего sidecar: %v", err)
	}
}

func TestPaths(t *testing.T) {
	p := AttrFilePath("/data/a.bin")
	if p != "/data/a.bin.attr.json" || !IsAttrFile(p) {
		t.Errorf("AttrFilePath = %q", p)
	}
	if DataFilePathFromAttr(p) != "/data/a.bin" {
		t.Errorf("DataFilePathFromAttr = %q", DataFilePathFromAttr(p))
	}
}

// TestScanDir — невалидные sidecar пропускаются.
func TestScanDir(t *testing.T) {
	dir := t.TempDir()
	_ = Write(filepath.Join(dir, "a.bin"+AttrSuffix), testSidecar())
	_ = os.WriteFile(filepath.Join(dir, "b.bin"+AttrSuffix), []byte("{broken"), 0o640)
	_ = os.WriteFile(filepath.Join(dir, "c.bin"), []byte("data"), 0o640)

	got, err := ScanDir(dir)
	if err != nil {
		t.Fatalf("ScanDir: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("хотели 1 sidecar, получили %d", len(got))
	}
	if _, ok := got[filepath.Join(dir, "a.bin")]; !ok {
		t.Errorf("ключ должен быть путём к данным: %v", got)
	}
}
