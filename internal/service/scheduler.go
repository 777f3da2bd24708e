// scheduler.go — удаление файлов по истечении срока хранения.
//
// Два механизма:
//  1. One-shot таймер на каждый загруженный файл (time.AfterFunc)
//  2. Периодический sweep по индексу истечения (TS_SWEEP_INTERVAL)
//
// Таймеры живут только в памяти процесса и теряются при рестарте,
// поэтому источником истины служит sweep. Purge идемпотентен: таймер
// и sweep могут гоняться за одним и тем же файлом.
package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/tempshare/internal/domain/model"
	"github.com/bigkaa/tempshare/internal/storage/metastore"
	"github.com/bigkaa/tempshare/internal/storage/object"
	"github.com/bigkaa/tempshare/internal/storage/wal"
)

// purgeTimeout — ограничение на один purge из таймера.
const purgeTimeout = 30 * time.Second

// maxSweepRounds — сколько полных пачек подряд обрабатывает один тик.
const maxSweepRounds = 10

// Источник удаления (метка trigger).
const (
	TriggerTimer = "timer"
	TriggerSweep = "sweep"
	TriggerAdmin = "admin"
)

var (
	purgeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ts_purge_total",
		Help: "Количество удалённых файлов по источнику удаления",
	}, []string{"trigger"})

	purgeErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ts_purge_errors_total",
		Help: "Количество ошибок удаления файлов",
	})

	sweepRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ts_sweep_runs_total",
		Help: "Количество запусков sweep",
	})

	sweepDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ts_sweep_duration_seconds",
		Help:    "Длительность sweep в секундах",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
	})

	scheduledTimers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ts_scheduled_timers",
		Help: "Количество взведённых one-shot таймеров удаления",
	})
)

// SweepResult — результат одного прохода sweep.
type SweepResult struct {
	// Scanned — сколько истёкших записей найдено в индексе
	Scanned int `json:"scanned"`
	// Purged — сколько удалено без ошибок
	Purged int `json:"purged"`
	// Errors — сколько удалений завершились ошибкой
	Errors int `json:"errors"`
	// Duration — длительность прохода
	Duration time.Duration `json:"-"`
}

// Scheduler — планировщик удаления файлов.
type Scheduler struct {
	repo      *metastore.Repository
	objects   object.Store
	walEngine *wal.WAL
	interval  time.Duration
	batchSize int
	logger    *slog.Logger
	now       func() time.Time

	timersMu sync.Mutex
	timers   map[string]*time.Timer

	hooksMu sync.RWMutex
	onPurge []func(fileID string)

	mu     sync.Mutex // сериализует RunSweep
	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler создаёт планировщик. walEngine может быть nil, тогда
// удаления не журналируются.
func NewScheduler(
	repo *metastore.Repository,
	objects object.Store,
	walEngine *wal.WAL,
	interval time.Duration,
	batchSize int,
	logger *slog.Logger,
) *Scheduler {
	return &Scheduler{
		repo:      repo,
		objects:   objects,
		walEngine: walEngine,
		interval:  interval,
		batchSize: batchSize,
		logger:    logger.With(slog.String("component", "scheduler")),
		now:       time.Now,
		timers:    make(map[string]*time.Timer),
	}
}

// OnPurge регистрирует обработчик, вызываемый после удаления файла
// (инвалидация кэша метаданных).
func (s *Scheduler) OnPurge(fn func(fileID string)) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	s.onPurge = append(s.onPurge, fn)
}

// ScheduleOneShot взводит таймер удаления файла через ttl.
// Повторный вызов для того же файла перевзводит таймер.
func (s *Scheduler) ScheduleOneShot(fileID string, ref model.StorageRef, ttl time.Duration) {
	if ttl < 0 {
		ttl = 0
	}

	s.timersMu.Lock()
	defer s.timersMu.Unlock()

	if old, ok := s.timers[fileID]; ok {
		old.Stop()
	} else {
		scheduledTimers.Inc()
	}

	s.timers[fileID] = time.AfterFunc(ttl, func() {
		ctx, cancel := context.WithTimeout(context.Background(), purgeTimeout)
		defer cancel()
		if err := s.purge(ctx, fileID, ref, TriggerTimer); err != nil {
			s.logger.Warn("Удаление по таймеру завершилось с ошибкой, файл доберёт sweep",
				slog.String("file_id", fileID),
				slog.String("error", err.Error()),
			)
		}
	})
}

// Cancel снимает таймер файла, если он взведён.
func (s *Scheduler) Cancel(fileID string) {
	s.timersMu.Lock()
	defer s.timersMu.Unlock()
	if t, ok := s.timers[fileID]; ok {
		t.Stop()
		delete(s.timers, fileID)
		scheduledTimers.Dec()
	}
}

// Pending возвращает количество взведённых таймеров.
func (s *Scheduler) Pending() int {
	s.timersMu.Lock()
	defer s.timersMu.Unlock()
	return len(s.timers)
}

// RestoreTimers взводит таймеры для записей, переживших рестарт.
// Уже истёкшие записи оставляются первому sweep.
func (s *Scheduler) RestoreTimers(ctx context.Context) (int, error) {
	records, err := s.repo.List(ctx, 0)
	if err != nil {
		return 0, err
	}
	now := s.now()
	restored := 0
	for _, rec := range records {
		if rec.IsExpired(now) {
			continue
		}
		s.ScheduleOneShot(rec.FileID, rec.Storage, rec.TTL(now))
		restored++
	}
	s.logger.Info("Таймеры удаления восстановлены", slog.Int("count", restored))
	return restored, nil
}

// Purge удаляет байты и запись файла. Ошибка удаления байтов
// логируется и возвращается, но запись удаляется в любом случае.
// Идемпотентен.
func (s *Scheduler) Purge(ctx context.Context, fileID string, ref model.StorageRef) error {
	return s.purge(ctx, fileID, ref, TriggerAdmin)
}

func (s *Scheduler) purge(ctx context.Context, fileID string, ref model.StorageRef, trigger string) error {
	s.Cancel(fileID)

	var txID string
	if s.walEngine != nil {
		entry, err := s.walEngine.StartTransaction(wal.OpPurge, fileID, ref)
		if err != nil {
			s.logger.Error("Ошибка создания WAL-транзакции удаления",
				slog.String("file_id", fileID),
				slog.String("error", err.Error()),
			)
		} else {
			txID = entry.TransactionID
		}
	}

	bytesErr := s.objects.Delete(ctx, ref)
	if bytesErr != nil {
		purgeErrorsTotal.Inc()
		s.logger.Error("Ошибка удаления байтов файла",
			slog.String("file_id", fileID),
			slog.String("backend", string(ref.Backend)),
			slog.String("path", ref.Path),
			slog.String("error", bytesErr.Error()),
		)
	}

	existed, recErr := s.repo.Delete(ctx, fileID)
	if recErr != nil {
		purgeErrorsTotal.Inc()
		s.logger.Error("Ошибка удаления записи файла",
			slog.String("file_id", fileID),
			slog.String("error", recErr.Error()),
		)
	}

	s.hooksMu.RLock()
	for _, fn := range s.onPurge {
		fn(fileID)
	}
	s.hooksMu.RUnlock()

	// Незавершённое удаление байтов остаётся в WAL как pending
	// и повторяется при следующем старте.
	if txID != "" && bytesErr == nil {
		if err := s.walEngine.Remove(txID); err != nil {
			s.logger.Warn("Ошибка удаления WAL-записи",
				slog.String("tx_id", txID),
				slog.String("error", err.Error()),
			)
		}
	}

	if err := errors.Join(bytesErr, recErr); err != nil {
		return err
	}

	purgeTotal.WithLabelValues(trigger).Inc()
	s.logger.Debug("Файл удалён",
		slog.String("file_id", fileID),
		slog.String("trigger", trigger),
		slog.Bool("record_existed", existed),
	)
	return nil
}

// RunSweep удаляет до batchSize файлов, истёкших к текущему моменту.
// Ошибки отдельных файлов считаются и логируются, проход продолжается.
// Ошибка чтения индекса отражается в Errors и логе.
func (s *Scheduler) RunSweep(ctx context.Context, batchSize int) *SweepResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	result := &SweepResult{}

	records, err := s.repo.Expired(ctx, s.now(), batchSize)
	if err != nil {
		result.Errors++
		s.logger.Error("Sweep: ошибка чтения индекса истечения", slog.String("error", err.Error()))
	}

	result.Scanned = len(records)
	for _, rec := range records {
		if ctx.Err() != nil {
			break
		}
		if err := s.purge(ctx, rec.FileID, rec.Storage, TriggerSweep); err != nil {
			result.Errors++
			continue
		}
		result.Purged++
	}

	result.Duration = time.Since(start)
	sweepRunsTotal.Inc()
	sweepDurationSeconds.Observe(result.Duration.Seconds())

	level := slog.LevelDebug
	if result.Scanned > 0 || result.Errors > 0 {
		level = slog.LevelInfo
	}
	s.logger.Log(ctx, level, "Sweep завершён",
		slog.Int("scanned", result.Scanned),
		slog.Int("purged", result.Purged),
		slog.Int("errors", result.Errors),
		slog.Duration("duration", result.Duration),
	)
	return result
}

// Start запускает фоновый sweep. Первый проход выполняется сразу.
func (s *Scheduler) Start(ctx context.Context) {
	sweepCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.run(sweepCtx)

	s.logger.Info("Планировщик удаления запущен",
		slog.String("interval", s.interval.String()),
		slog.Int("batch_size", s.batchSize),
	)
}

// Stop останавливает sweep и снимает все таймеры.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}

	s.timersMu.Lock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	scheduledTimers.Set(0)
	s.timersMu.Unlock()

	s.logger.Info("Планировщик удаления остановлен")
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)

	s.tick(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick повторяет sweep, пока индекс отдаёт полные пачки.
func (s *Scheduler) tick(ctx context.Context) {
	for round := 0; round < maxSweepRounds; round++ {
		res := s.RunSweep(ctx, s.batchSize)
		if s.batchSize <= 0 || res.Scanned < s.batchSize || ctx.Err() != nil {
			return
		}
	}
}
