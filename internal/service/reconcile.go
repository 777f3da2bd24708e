// reconcile.go — сервис фоновой сверки директории данных.
//
// Сверка находит то, что не удалили таймеры, sweep и восстановление по WAL:
//   - stale_tmp: незавершённая запись (.tmp) старше порога
//   - expired_blob: blob, чей sidecar говорит, что срок истёк
//   - orphaned_blob: blob без записи метаданных старше максимального срока
//   - orphaned_attr: sidecar без blob
//
// Всё найденное удаляется. Затем из WAL убираются завершённые записи.
// Запускается как горутина с периодическим тикером (TS_RECONCILE_INTERVAL).
package service

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/tempshare/internal/domain/model"
	"github.com/bigkaa/tempshare/internal/domain/policy"
	"github.com/bigkaa/tempshare/internal/storage/attr"
	"github.com/bigkaa/tempshare/internal/storage/filestore"
	"github.com/bigkaa/tempshare/internal/storage/metastore"
	"github.com/bigkaa/tempshare/internal/storage/wal"
)

// DefaultTmpMaxAge — возраст .tmp файла, после которого он считается брошенным.
const DefaultTmpMaxAge = time.Hour

var (
	reconcileRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ts_reconcile_runs_total",
		Help: "Общее количество запусков сверки",
	})

	reconcileIssuesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ts_reconcile_issues_total",
		Help: "Общее количество проблем, обнаруженных сверкой",
	}, []string{"type"})

	reconcileDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ts_reconcile_duration_seconds",
		Help:    "Длительность сверки в секундах",
		Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
	})
)

// IssueType — тип проблемы, найденной сверкой.
type IssueType string

const (
	IssueStaleTmp     IssueType = "stale_tmp"
	IssueExpiredBlob  IssueType = "expired_blob"
	IssueOrphanedBlob IssueType = "orphaned_blob"
	IssueOrphanedAttr IssueType = "orphaned_attr"
)

// ReconcileIssue — найденная проблема.
type ReconcileIssue struct {
	Type        IssueType `json:"type"`
	FileID      string    `json:"fileId,omitempty"`
	Path        string    `json:"path"`
	Description string    `json:"description"`
	// Removed — удалось ли удалить найденное
	Removed bool `json:"removed"`
}

// ReconcileSummary — сводка по типам проблем.
type ReconcileSummary struct {
	StaleTmp      int `json:"staleTmp"`
	ExpiredBlobs  int `json:"expiredBlobs"`
	OrphanedBlobs int `json:"orphanedBlobs"`
	OrphanedAttrs int `json:"orphanedAttrs"`
	WALCleaned    int `json:"walCleaned"`
	Errors        int `json:"errors"`
}

// ReconcileResult — результат одной сверки.
type ReconcileResult struct {
	StartedAt    time.Time        `json:"startedAt"`
	CompletedAt  time.Time        `json:"completedAt"`
	FilesChecked int              `json:"filesChecked"`
	Issues       []ReconcileIssue `json:"issues"`
	Summary      ReconcileSummary `json:"summary"`
}

// ReconcileService — сервис фоновой сверки.
type ReconcileService struct {
	store     *filestore.FileStore
	repo      *metastore.Repository
	walEngine *wal.WAL
	policies  *policy.Holder
	interval  time.Duration
	tmpMaxAge time.Duration
	logger    *slog.Logger
	now       func() time.Time
	readDir   func(string) ([]os.DirEntry, error)

	mu        sync.Mutex // защита от параллельного запуска
	inProcess bool
	cancel    context.CancelFunc
}

// NewReconcileService создаёт сервис сверки. store может быть nil
// (blob-хранилище не на диске), тогда сверяется только WAL.
func NewReconcileService(
	store *filestore.FileStore,
	repo *metastore.Repository,
	walEngine *wal.WAL,
	policies *policy.Holder,
	interval time.Duration,
	logger *slog.Logger,
) *ReconcileService {
	return &ReconcileService{
		store:     store,
		repo:      repo,
		walEngine: walEngine,
		policies:  policies,
		interval:  interval,
		tmpMaxAge: DefaultTmpMaxAge,
		logger:    logger.With(slog.String("component", "reconcile")),
		now:       time.Now,
		readDir:   os.ReadDir,
	}
}

// Start запускает фоновую горутину сверки с периодическим тикером.
func (rs *ReconcileService) Start(ctx context.Context) {
	rsCtx, cancel := context.WithCancel(ctx)
	rs.cancel = cancel

	go rs.run(rsCtx)

	rs.logger.Info("Сверка запущена",
		slog.String("interval", rs.interval.String()),
	)
}

// Stop останавливает фоновую сверку.
func (rs *ReconcileService) Stop() {
	if rs.cancel != nil {
		rs.cancel()
	}
	rs.logger.Info("Сверка остановлена")
}

// IsInProgress возвращает true, если сверка выполняется.
func (rs *ReconcileService) IsInProgress() bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.inProcess
}

func (rs *ReconcileService) run(ctx context.Context) {
	ticker := time.NewTicker(rs.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := rs.RunOnce(ctx); err != nil && !errors.Is(err, ErrReconcileInProgress) {
				rs.logger.Error("Ошибка сверки", slog.String("error", err.Error()))
			}
		}
	}
}

// RunOnce выполняет одну сверку.
// Если сверка уже выполняется, возвращает ErrReconcileInProgress.
func (rs *ReconcileService) RunOnce(ctx context.Context) (*ReconcileResult, error) {
	rs.mu.Lock()
	if rs.inProcess {
		rs.mu.Unlock()
		return nil, ErrReconcileInProgress
	}
	rs.inProcess = true
	rs.mu.Unlock()

	defer func() {
		rs.mu.Lock()
		rs.inProcess = false
		rs.mu.Unlock()
	}()

	result := &ReconcileResult{StartedAt: rs.now().UTC(), Issues: []ReconcileIssue{}}

	if rs.store != nil {
		if err := rs.reconcileDir(ctx, result); err != nil {
			return nil, err
		}
	}

	if rs.walEngine != nil {
		cleaned, err := rs.walEngine.CleanCommitted()
		if err != nil {
			result.Summary.Errors++
			rs.logger.Error("Ошибка очистки WAL", slog.String("error", err.Error()))
		}
		result.Summary.WALCleaned = cleaned
	}

	result.CompletedAt = rs.now().UTC()
	duration := result.CompletedAt.Sub(result.StartedAt)

	reconcileRunsTotal.Inc()
	reconcileDurationSeconds.Observe(duration.Seconds())
	for _, issue := range result.Issues {
		reconcileIssuesTotal.WithLabelValues(string(issue.Type)).Inc()
	}

	rs.logger.Info("Сверка завершена",
		slog.Int("files_checked", result.FilesChecked),
		slog.Int("issues", len(result.Issues)),
		slog.Int("wal_cleaned", result.Summary.WALCleaned),
		slog.Int("errors", result.Summary.Errors),
		slog.Duration("duration", duration),
	)
	return result, nil
}

func (rs *ReconcileService) reconcileDir(ctx context.Context, result *ReconcileResult) error {
	dataDir := rs.store.DataDir()
	// Sidecar пишется после blob, поэтому sidecar'ы сканируются первыми:
	// загрузка, завершившаяся между двумя проходами, не даст orphaned_attr.
	sidecars, err := attr.ScanDir(dataDir)
	if err != nil {
		return err
	}
	entries, err := rs.readDir(dataDir)
	if err != nil {
		return err
	}

	now := rs.now()
	maxAge := time.Duration(rs.policies.Load().MaxExpiration()) * time.Minute
	present := make(map[string]bool, len(entries))

	for _, entry := range entries {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		present[name] = true
		if attr.IsAttrFile(name) {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			// Файл удалён между ReadDir и Info
			continue
		}

		if strings.HasSuffix(name, filestore.TmpSuffix) {
			if now.Sub(info.ModTime()) > rs.tmpMaxAge {
				removed := os.Remove(filepath.Join(dataDir, name)) == nil
				rs.record(result, ReconcileIssue{
					Type:        IssueStaleTmp,
					Path:        name,
					Description: "Брошенный временный файл",
					Removed:     removed,
				})
			}
			continue
		}

		result.FilesChecked++
		fileID := fileIDFromBlob(name)
		ref := model.StorageRef{Backend: model.BackendFS, Path: name}

		if sc := sidecars[filepath.Join(dataDir, name)]; sc != nil && sc.IsExpired(now) {
			rs.record(result, ReconcileIssue{
				Type:        IssueExpiredBlob,
				FileID:      sc.FileID,
				Path:        name,
				Description: "Срок хранения истёк, blob не удалён",
				Removed:     rs.remove(ctx, sc.FileID, ref),
			})
			continue
		}

		_, getErr := rs.repo.Get(ctx, fileID)
		switch {
		case getErr == nil:
		case errors.Is(getErr, metastore.ErrNotFound):
			if now.Sub(info.ModTime()) > maxAge {
				rs.record(result, ReconcileIssue{
					Type:        IssueOrphanedBlob,
					FileID:      fileID,
					Path:        name,
					Description: "Blob без записи метаданных",
					Removed:     rs.remove(ctx, fileID, ref),
				})
			}
		default:
			result.Summary.Errors++
			rs.logger.Warn("Ошибка чтения метаданных при сверке",
				slog.String("file_id", fileID),
				slog.String("error", getErr.Error()),
			)
		}
	}

	for dataPath, sc := range sidecars {
		name := filepath.Base(dataPath)
		if present[name] {
			continue
		}
		if _, err := os.Stat(dataPath); err == nil {
			continue
		}
		removed := attr.Delete(attr.AttrFilePath(dataPath)) == nil
		rs.record(result, ReconcileIssue{
			Type:        IssueOrphanedAttr,
			FileID:      sc.FileID,
			Path:        name + attr.AttrSuffix,
			Description: "attr.json без соответствующего blob",
			Removed:     removed,
		})
	}
	return nil
}

// remove удаляет blob с sidecar и запись метаданных, если она осталась.
func (rs *ReconcileService) remove(ctx context.Context, fileID string, ref model.StorageRef) bool {
	if err := rs.store.Delete(ctx, ref); err != nil {
		rs.logger.Error("Ошибка удаления blob при сверке",
			slog.String("path", ref.Path),
			slog.String("error", err.Error()),
		)
		return false
	}
	if _, err := rs.repo.Delete(ctx, fileID); err != nil {
		rs.logger.Warn("Ошибка удаления записи при сверке",
			slog.String("file_id", fileID),
			slog.String("error", err.Error()),
		)
	}
	return true
}

func (rs *ReconcileService) record(result *ReconcileResult, issue ReconcileIssue) {
	result.Issues = append(result.Issues, issue)
	if !issue.Removed {
		result.Summary.Errors++
	}
	switch issue.Type {
	case IssueStaleTmp:
		result.Summary.StaleTmp++
	case IssueExpiredBlob:
		result.Summary.ExpiredBlobs++
	case IssueOrphanedBlob:
		result.Summary.OrphanedBlobs++
	case IssueOrphanedAttr:
		result.Summary.OrphanedAttrs++
	}
	rs.logger.Info("Сверка: "+issue.Description,
		slog.String("type", string(issue.Type)),
		slog.String("path", issue.Path),
		slog.Bool("removed", issue.Removed),
	)
}

// fileIDFromBlob восстанавливает file_id из имени blob {fileID}.{ext}.
func fileIDFromBlob(name string) string {
	if i := strings.IndexByte(name, '.'); i > 0 {
		return name[:i]
	}
	return name
}
