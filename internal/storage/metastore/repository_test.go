package metastore

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/bigkaa/tempshare/internal/domain/model"
	"github.com/bigkaa/tempshare/internal/storage/kv"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func setup(t *testing.T) (*Repository, *kv.Memory, *clock) {
	t.Helper()
	c := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	store := kv.NewMemory(logger, kv.WithClock(c.Now))
	t.Cleanup(func() { _ = store.Close() })
	return New(store, c.Now), store, c
}

func newRecord(id string, now time.Time, ttl time.Duration) *model.FileRecord {
	return &model.FileRecord{
		FileID:       id,
		Storage:      model.StorageRef{Backend: model.BackendFS, Path: id + ".bin"},
		OriginalName: "report.pdf",
		MimeType:     "application/pdf",
		Size:         42,
		CreatedAt:    now,
		ExpiresAt:    now.Add(ttl),
	}
}

func TestCreateGet(t *testing.T) {
	repo, _, c := setup(t)
	ctx := context.Background()

	rec := newRecord("f1", c.Now(), 30*time.Minute)
	if err := repo.Create(ctx, rec); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := repo.Get(ctx, "f1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.OriginalName != "report.pdf" || got.Storage.Path != "f1.bin" {
		t.Errorf("неожиданная запись: %+v", got)
	}
}

// TestTTLInvariant — запись отсутствует начиная с ExpiresAt.
func TestTTLInvariant(t *testing.T) {
	repo, _, c := setup(t)
	ctx := context.Background()

	_ = repo.Create(ctx, newRecord("f1", c.Now(), 30*time.Minute))

	c.Advance(30*time.Minute - time.Second)
	if _, err := repo.Get(ctx, "f1"); err != nil {
		t.Fatalf("до истечения запись должна читаться: %v", err)
	}
	c.Advance(time.Second)
	if _, err := repo.Get(ctx, "f1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("после истечения хотели ErrNotFound, получили %v", err)
	}
}

// TestExpiredIndexOutlivesRecord — индекс хранит payload после удаления
// основного ключа по TTL.
func TestExpiredIndexOutlivesRecord(t *testing.T) {
	repo, _, c := setup(t)
	ctx := context.Background()

	_ = repo.Create(ctx, newRecord("f1", c.Now(), time.Minute))
	_ = repo.Create(ctx, newRecord("f2", c.Now(), time.Hour))
	c.Advance(2 * time.Minute)

	expired, err := repo.Expired(ctx, c.Now(), 10)
	if err != nil {
		t.Fatalf("Expired: %v", err)
	}
	if len(expired) != 1 || expired[0].FileID != "f1" {
		t.Fatalf("хотели [f1], получили %+v", expired)
	}
	if expired[0].Storage.Path != "f1.bin" {
		t.Errorf("payload индекса потерял StorageRef: %+v", expired[0].Storage)
	}

	all, _ := repo.List(ctx, 0)
	if len(all) != 2 {
		t.Errorf("List: хотели 2, получили %d", len(all))
	}
}

// TestDeleteIdempotent — повторное удаление не ошибка.
func TestDeleteIdempotent(t *testing.T) {
	repo, _, c := setup(t)
	ctx := context.Background()

	_ = repo.Create(ctx, newRecord("f1", c.Now(), time.Hour))

	existed, err := repo.Delete(ctx, "f1")
	if err != nil || !existed {
		t.Fatalf("первый Delete: existed=%v err=%v", existed, err)
	}
	existed, err = repo.Delete(ctx, "f1")
	if err != nil || existed {
		t.Fatalf("второй Delete: existed=%v err=%v", existed, err)
	}
	if left, _ := repo.List(ctx, 0); len(left) != 0 {
		t.Errorf("индекс не очищен: %d", len(left))
	}
}

func TestCreateRejectsExpired(t *testing.T) {
	repo, _, c := setup(t)
	rec := newRecord("f1", c.Now(), -time.Second)
	if err := repo.Create(context.Background(), rec); err == nil {
		t.Error("ожидалась ошибка для уже истёкшей записи")
	}
}

func TestFileIDFromKey(t *testing.T) {
	if id, ok := FileIDFromKey(Key("abc")); !ok || id != "abc" {
		t.Errorf("FileIDFromKey: %q %v", id, ok)
	}
	if _, ok := FileIDFromKey("session:x"); ok {
		t.Error("чужой ключ не должен распознаваться")
	}
}
