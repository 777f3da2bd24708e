// Точка входа tempshare — сервиса временного обмена файлами.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bigkaa/tempshare/internal/api/handlers"
	"github.com/bigkaa/tempshare/internal/api/middleware"
	"github.com/bigkaa/tempshare/internal/api/openapi"
	"github.com/bigkaa/tempshare/internal/config"
	"github.com/bigkaa/tempshare/internal/domain/mode"
	"github.com/bigkaa/tempshare/internal/domain/model"
	"github.com/bigkaa/tempshare/internal/domain/policy"
	"github.com/bigkaa/tempshare/internal/server"
	"github.com/bigkaa/tempshare/internal/service"
	"github.com/bigkaa/tempshare/internal/storage/chunkstore"
	"github.com/bigkaa/tempshare/internal/storage/filestore"
	"github.com/bigkaa/tempshare/internal/storage/kv"
	"github.com/bigkaa/tempshare/internal/storage/metastore"
	"github.com/bigkaa/tempshare/internal/storage/object"
	"github.com/bigkaa/tempshare/internal/storage/s3store"
	"github.com/bigkaa/tempshare/internal/storage/wal"
)

// diskUsageInterval — период обновления метрик ёмкости директории данных.
const diskUsageInterval = time.Minute

func main() {
	// Загрузка конфигурации из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка конфигурации: %v\n", err)
		os.Exit(1)
	}

	// Настройка логгера
	logger := config.SetupLogger(cfg)
	logger.Info("tempshare запускается",
		slog.String("service_id", cfg.ServiceID),
		slog.String("version", config.Version),
		slog.String("mode", cfg.Mode),
		slog.Int("port", cfg.Port),
		slog.String("store_backend", cfg.StoreBackend),
		slog.String("storage_mode", cfg.StorageMode),
		slog.String("blob_backend", cfg.BlobBackend),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Инициализация компонентов ---

	// 0. Встроенный OpenAPI-контракт: сломанный контракт не доходит до приёма запросов
	if err := loadContract(ctx, logger); err != nil {
		logger.Error("Ошибка OpenAPI-контракта", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 1. Конечный автомат режимов
	initialMode, err := mode.ParseMode(cfg.Mode)
	if err != nil {
		logger.Error("Некорректный режим работы", slog.String("error", err.Error()))
		os.Exit(1)
	}
	sm, err := mode.NewStateMachine(initialMode)
	if err != nil {
		logger.Error("Ошибка инициализации state machine", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 2. Metadata store
	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("Ошибка подключения к metadata store", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer store.Close()
	repo := metastore.New(store, time.Now)

	// 3. Хранилища байтов
	files, err := filestore.New(cfg.DataDir)
	if err != nil {
		logger.Error("Ошибка инициализации FileStore", slog.String("error", err.Error()))
		os.Exit(1)
	}
	objects, err := buildObjectStore(ctx, cfg, store, files)
	if err != nil {
		logger.Error("Ошибка инициализации хранилища байтов", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("Хранилище байтов готово", slog.String("primary", string(objects.Primary())))

	// 4. WAL-движок и восстановление прерванных операций
	walEngine, err := wal.New(cfg.WALDir, logger)
	if err != nil {
		logger.Error("Ошибка инициализации WAL", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if _, err := service.RecoverWAL(ctx, walEngine, objects, repo, logger); err != nil {
		logger.Error("Ошибка восстановления WAL", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 5. Политика приёма файлов
	policies, policyWatcher, err := loadPolicy(cfg, logger)
	if err != nil {
		logger.Error("Ошибка загрузки политики приёма файлов", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if policyWatcher != nil {
		policyWatcher.Start()
	}

	// 6. Сервисы
	sessions := service.NewSessionService(store, service.SessionConfig{
		UsageLimit: cfg.SessionUsageLimit,
		Inactivity: cfg.SessionInactivity,
	}, logger)
	cache := service.NewMetadataCache(cfg.MetadataCacheSize, cfg.MetadataCacheTTL)

	scheduler := service.NewScheduler(repo, objects, walEngine, cfg.SweepInterval, cfg.SweepBatchSize, logger)
	scheduler.OnPurge(cache.Delete)

	uploadSvc := service.NewUploadService(sessions, policies, objects, repo, scheduler, walEngine, sm, cfg.PublicURL, logger)
	downloadSvc := service.NewDownloadService(repo, objects, cache, sm, logger)

	// 7. Фоновые процессы

	// 7.1 Таймеры удаления и sweep
	if _, err := scheduler.RestoreTimers(ctx); err != nil {
		logger.Warn("Не удалось восстановить таймеры, файлы удалит sweep",
			slog.String("error", err.Error()),
		)
	}
	scheduler.Start(ctx)

	// 7.2 Reconciliation — фоновая сверка директории данных
	reconcileSvc := service.NewReconcileService(files, repo, walEngine, policies, cfg.ReconcileInterval, logger)
	reconcileSvc.Start(ctx)

	// 7.3 Метрики ёмкости директории данных
	go watchDiskUsage(ctx, cfg.DataDir, diskUsageInterval, logger)

	// 7.4 topologymetrics — мониторинг зависимостей
	var deps handlers.DependencyReporter
	dephealthSvc, dephealthErr := service.NewDephealthService(
		cfg.ServiceID,
		cfg.DephealthGroup,
		dependencyTargets(cfg),
		cfg.DephealthCheckInterval,
		logger,
	)
	if dephealthErr != nil {
		logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
			slog.String("error", dephealthErr.Error()),
		)
		dephealthSvc = nil
	} else if startErr := dephealthSvc.Start(ctx); startErr != nil {
		logger.Warn("Ошибка запуска topologymetrics",
			slog.String("error", startErr.Error()),
		)
		dephealthSvc = nil
	} else {
		deps = dephealthSvc
		logger.Info("topologymetrics запущен",
			slog.String("check_interval", cfg.DephealthCheckInterval.String()),
		)
	}

	// 8. Handlers
	h := server.Handlers{
		Session:  handlers.NewSessionHandler(sessions, sm, logger),
		Upload:   handlers.NewUploadHandler(uploadSvc, policies, logger),
		Download: handlers.NewDownloadHandler(downloadSvc, logger),
		Config:   handlers.NewConfigHandler(policies),
		Health:   handlers.NewHealthHandler(store, cfg.DataDir, cfg.WALDir, deps),
		Limiter:  middleware.NewRateLimiter(cfg.RateLimitRequests, cfg.RateLimitWindow),
	}

	// 9. Admin API: только при заданном JWKS
	if cfg.AdminEnabled() {
		jwtAuth, err := middleware.NewJWTAuth(middleware.JWTAuthConfig{JWKSURL: cfg.JWKSUrl}, logger)
		if err != nil {
			logger.Warn("JWT JWKS недоступен, admin API отключён",
				slog.String("jwks_url", cfg.JWKSUrl),
				slog.String("error", err.Error()),
			)
		} else {
			h.Auth = jwtAuth
			h.Admin = handlers.NewAdminHandler(repo, scheduler, reconcileSvc, sm, cfg.SweepBatchSize, logger)
			logger.Info("Admin API включён", slog.String("jwks_url", cfg.JWKSUrl))
		}
	} else {
		logger.Info("TS_JWKS_URL не задан, admin API отключён")
	}

	// 10. Создание и запуск HTTP-сервера
	srv := server.New(cfg, logger, h)
	runErr := srv.Run(ctx)

	// --- Graceful shutdown фоновых процессов ---
	logger.Info("Остановка фоновых процессов...")

	scheduler.Stop()
	reconcileSvc.Stop()
	if policyWatcher != nil {
		policyWatcher.Stop()
	}
	if dephealthSvc != nil {
		dephealthSvc.Stop()
	}

	if runErr != nil {
		logger.Error("Ошибка сервера", slog.String("error", runErr.Error()))
		store.Close()
		os.Exit(1)
	}
	logger.Info("tempshare остановлен")
}

// loadContract разбирает и валидирует встроенный OpenAPI-контракт.
func loadContract(ctx context.Context, logger *slog.Logger) error {
	doc, err := openapi.Load(ctx)
	if err != nil {
		return err
	}
	logger.Info("OpenAPI-контракт загружен",
		slog.String("version", doc.Info.Version),
		slog.Int("paths", doc.Paths.Len()),
	)
	return nil
}

// openStore подключает metadata store и проверяет его доступность.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (kv.Store, error) {
	if cfg.StoreBackend == "memory" {
		logger.Warn("Metadata store в памяти процесса: файлы и сессии не переживут рестарт")
		mem := kv.NewMemory(logger)
		mem.StartJanitor(cfg.SweepInterval)
		return mem, nil
	}

	rdb := kv.NewRedis(kv.RedisOptions{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
	}
	logger.Info("Подключение к Redis установлено", slog.String("addr", cfg.RedisAddr))
	return rdb, nil
}

// buildObjectStore собирает маршрутизатор хранилищ байтов.
// Диск и чанки регистрируются всегда, чтобы файлы, загруженные
// до смены TS_STORAGE_MODE, оставались доступными до истечения.
func buildObjectStore(ctx context.Context, cfg *config.Config, store kv.Store, files *filestore.FileStore) (*object.Mux, error) {
	chunks := chunkstore.New(store, cfg.ChunkSize)

	var s3 *s3store.Store
	if cfg.BlobBackend == "s3" {
		var err error
		s3, err = s3store.New(ctx, s3store.Options{
			Endpoint:  cfg.S3Endpoint,
			Region:    cfg.S3Region,
			Bucket:    cfg.S3Bucket,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
		})
		if err != nil {
			return nil, fmt.Errorf("s3: %w", err)
		}
	}

	var mux *object.Mux
	switch {
	case cfg.StorageMode == "chunked":
		mux = object.NewMux(model.BackendChunked, chunks)
	case s3 != nil:
		mux = object.NewMux(model.BackendS3, s3)
	default:
		mux = object.NewMux(model.BackendFS, files)
	}

	mux.Register(model.BackendFS, files)
	mux.Register(model.BackendChunked, chunks)
	if s3 != nil {
		mux.Register(model.BackendS3, s3)
	}
	return mux, nil
}

// loadPolicy строит политику из окружения и, если задан TS_POLICY_FILE,
// накладывает файл и включает наблюдение за ним.
func loadPolicy(cfg *config.Config, logger *slog.Logger) (*policy.Holder, *policy.Watcher, error) {
	base, err := cfg.Policy()
	if err != nil {
		return nil, nil, err
	}
	if cfg.PolicyFile == "" {
		return policy.NewHolder(base), nil, nil
	}

	current, err := policy.LoadFile(cfg.PolicyFile, base)
	if err != nil {
		return nil, nil, err
	}
	holder := policy.NewHolder(current)

	watcher, err := policy.NewWatcher(cfg.PolicyFile, base, holder, logger)
	if err != nil {
		logger.Warn("Наблюдение за файлом политики недоступно, изменения применятся после рестарта",
			slog.String("path", cfg.PolicyFile),
			slog.String("error", err.Error()),
		)
		return holder, nil, nil
	}
	return holder, watcher, nil
}

// dependencyTargets перечисляет HTTP-зависимости для topologymetrics.
func dependencyTargets(cfg *config.Config) []service.DepTarget {
	var targets []service.DepTarget
	if cfg.BlobBackend == "s3" && cfg.S3Endpoint != "" {
		targets = append(targets, service.DepTarget{
			Name:     "s3",
			URL:      cfg.S3Endpoint,
			Critical: cfg.StorageMode == "blob",
		})
	}
	if cfg.AdminEnabled() {
		target := service.DepTarget{Name: "jwks", URL: cfg.JWKSUrl}
		if u, err := url.Parse(cfg.JWKSUrl); err == nil && u.Path != "" {
			target.HealthPath = u.Path
		}
		targets = append(targets, target)
	}
	return targets
}
