// Пакет config — загрузка и валидация конфигурации tempshare
// из переменных окружения (префикс TS_).
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/bigkaa/tempshare/internal/domain/policy"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Config — неизменяемый снимок конфигурации.
// Перечитывается на лету только политика приёма файлов (TS_POLICY_FILE).
type Config struct {
	// Порт HTTP-сервера
	Port int
	// Идентификатор экземпляра (метки метрик, dephealth)
	ServiceID string
	// Внешний базовый URL для ссылок на скачивание (без завершающего /)
	PublicURL string
	// Директория blob (fs-хранилище, sidecar, reconcile)
	DataDir string
	// Директория WAL
	WALDir string
	// Начальный режим работы (rw, ro)
	Mode string

	// Metadata store: redis или memory
	StoreBackend  string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Режим хранения байтов: blob (fs/s3) или chunked
	StorageMode string
	// Backend для blob: fs или s3
	BlobBackend string
	// Размер чанка в байтах (chunked)
	ChunkSize int64

	S3Endpoint  string
	S3Region    string
	S3Bucket    string
	S3AccessKey string
	S3SecretKey string

	// Политика приёма файлов из env; файл политики накладывается поверх
	MaxFileSize         int64
	MaxFilesPerUpload   int
	ExpirationOptions   []int
	DefaultExpiration   int
	ForbiddenExtensions []string
	ForbiddenPrefixes   []string
	ForbiddenMimeTypes  []string
	PolicyFile          string

	// Сессии: сколько загрузок на одну сессию и таймаут бездействия
	SessionUsageLimit int
	SessionInactivity time.Duration

	// Периодическая очистка по индексу истечения
	SweepInterval  time.Duration
	SweepBatchSize int
	// Сверка директории данных
	ReconcileInterval time.Duration

	// Ограничение частоты запросов на клиента
	RateLimitRequests int
	RateLimitWindow   time.Duration
	// Доверять X-Forwarded-For (сервис за reverse proxy)
	TrustProxy bool

	// LRU-кэш метаданных для скачивания
	MetadataCacheSize int
	MetadataCacheTTL  time.Duration

	// URL JWKS для admin API; пусто — admin API отключён
	JWKSUrl string

	// TLS (оба пути или ни одного)
	TLSCert string
	TLSKey  string

	LogLevel  slog.Level
	LogFormat string

	ShutdownTimeout        time.Duration
	DephealthCheckInterval time.Duration
	DephealthGroup         string
}

// Load загружает конфигурацию из переменных окружения.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	if cfg.Port, err = getEnvInt("TS_PORT", 8030); err != nil {
		return nil, fmt.Errorf("TS_PORT: %w", err)
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("TS_PORT: значение %d вне диапазона 1-65535", cfg.Port)
	}

	cfg.ServiceID = getEnvDefault("TS_SERVICE_ID", "tempshare")

	cfg.PublicURL = strings.TrimRight(getEnvDefault("TS_PUBLIC_URL", fmt.Sprintf("http://localhost:%d", cfg.Port)), "/")
	if u, perr := url.Parse(cfg.PublicURL); perr != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("TS_PUBLIC_URL: некорректный URL %q", cfg.PublicURL)
	}

	if cfg.DataDir, err = getEnvRequired("TS_DATA_DIR"); err != nil {
		return nil, err
	}
	if cfg.WALDir, err = getEnvRequired("TS_WAL_DIR"); err != nil {
		return nil, err
	}

	cfg.Mode = getEnvDefault("TS_MODE", "rw")
	if cfg.Mode != "rw" && cfg.Mode != "ro" {
		return nil, fmt.Errorf("TS_MODE: недопустимое значение %q, допустимые: rw, ro", cfg.Mode)
	}

	cfg.StoreBackend = getEnvDefault("TS_STORE_BACKEND", "redis")
	if cfg.StoreBackend != "redis" && cfg.StoreBackend != "memory" {
		return nil, fmt.Errorf("TS_STORE_BACKEND: недопустимое значение %q, допустимые: redis, memory", cfg.StoreBackend)
	}
	cfg.RedisAddr = getEnvDefault("TS_REDIS_ADDR", "localhost:6379")
	cfg.RedisPassword = getEnvDefault("TS_REDIS_PASSWORD", "")
	if cfg.RedisDB, err = getEnvInt("TS_REDIS_DB", 0); err != nil {
		return nil, fmt.Errorf("TS_REDIS_DB: %w", err)
	}

	cfg.StorageMode = getEnvDefault("TS_STORAGE_MODE", "blob")
	if cfg.StorageMode != "blob" && cfg.StorageMode != "chunked" {
		return nil, fmt.Errorf("TS_STORAGE_MODE: недопустимое значение %q, допустимые: blob, chunked", cfg.StorageMode)
	}
	cfg.BlobBackend = getEnvDefault("TS_BLOB_BACKEND", "fs")
	if cfg.BlobBackend != "fs" && cfg.BlobBackend != "s3" {
		return nil, fmt.Errorf("TS_BLOB_BACKEND: недопустимое значение %q, допустимые: fs, s3", cfg.BlobBackend)
	}
	if cfg.ChunkSize, err = getEnvInt64("TS_CHUNK_SIZE", 1<<20); err != nil {
		return nil, fmt.Errorf("TS_CHUNK_SIZE: %w", err)
	}
	if cfg.ChunkSize < 1024 {
		return nil, fmt.Errorf("TS_CHUNK_SIZE: значение %d меньше минимума 1024", cfg.ChunkSize)
	}

	cfg.S3Endpoint = getEnvDefault("TS_S3_ENDPOINT", "")
	cfg.S3Region = getEnvDefault("TS_S3_REGION", "us-east-1")
	cfg.S3Bucket = getEnvDefault("TS_S3_BUCKET", "")
	cfg.S3AccessKey = getEnvDefault("TS_S3_ACCESS_KEY", "")
	cfg.S3SecretKey = getEnvDefault("TS_S3_SECRET_KEY", "")
	if cfg.StorageMode == "blob" && cfg.BlobBackend == "s3" && cfg.S3Bucket == "" {
		return nil, fmt.Errorf("TS_S3_BUCKET: обязателен при TS_BLOB_BACKEND=s3")
	}

	// TS_MAX_FILE_SIZE — по умолчанию 1 GB
	if cfg.MaxFileSize, err = getEnvInt64("TS_MAX_FILE_SIZE", 1<<30); err != nil {
		return nil, fmt.Errorf("TS_MAX_FILE_SIZE: %w", err)
	}
	if cfg.MaxFileSize <= 0 {
		return nil, fmt.Errorf("TS_MAX_FILE_SIZE: значение должно быть положительным")
	}
	if cfg.MaxFilesPerUpload, err = getEnvInt("TS_MAX_FILES_PER_UPLOAD", 10); err != nil {
		return nil, fmt.Errorf("TS_MAX_FILES_PER_UPLOAD: %w", err)
	}
	if cfg.ExpirationOptions, err = getEnvIntList("TS_EXPIRATION_OPTIONS", []int{30, 60, 180, 720, 1440, 4320}); err != nil {
		return nil, fmt.Errorf("TS_EXPIRATION_OPTIONS: %w", err)
	}
	if cfg.DefaultExpiration, err = getEnvInt("TS_DEFAULT_EXPIRATION", 30); err != nil {
		return nil, fmt.Errorf("TS_DEFAULT_EXPIRATION: %w", err)
	}
	cfg.ForbiddenExtensions = getEnvList("TS_FORBIDDEN_EXTENSIONS", []string{".exe", ".bat", ".cmd", ".com", ".scr", ".msi", ".vbs", ".ps1"})
	cfg.ForbiddenPrefixes = getEnvList("TS_FORBIDDEN_PREFIXES", []string{".ph"})
	cfg.ForbiddenMimeTypes = getEnvList("TS_FORBIDDEN_MIME_TYPES", []string{
		"application/x-msdownload", "application/x-dosexec", "application/vnd.microsoft.portable-executable",
	})
	cfg.PolicyFile = getEnvDefault("TS_POLICY_FILE", "")
	if _, err := cfg.Policy(); err != nil {
		return nil, fmt.Errorf("политика приёма файлов: %w", err)
	}

	if cfg.SessionUsageLimit, err = getEnvInt("TS_SESSION_USAGE_LIMIT", 10); err != nil {
		return nil, fmt.Errorf("TS_SESSION_USAGE_LIMIT: %w", err)
	}
	if cfg.SessionUsageLimit <= 0 {
		return nil, fmt.Errorf("TS_SESSION_USAGE_LIMIT: значение должно быть положительным")
	}
	if cfg.SessionInactivity, err = getEnvDuration("TS_SESSION_INACTIVITY", 30*time.Minute); err != nil {
		return nil, fmt.Errorf("TS_SESSION_INACTIVITY: %w", err)
	}
	if cfg.SessionInactivity < time.Second {
		return nil, fmt.Errorf("TS_SESSION_INACTIVITY: значение должно быть не меньше 1s")
	}

	if cfg.SweepInterval, err = getEnvDuration("TS_SWEEP_INTERVAL", time.Minute); err != nil {
		return nil, fmt.Errorf("TS_SWEEP_INTERVAL: %w", err)
	}
	if cfg.SweepBatchSize, err = getEnvInt("TS_SWEEP_BATCH_SIZE", 500); err != nil {
		return nil, fmt.Errorf("TS_SWEEP_BATCH_SIZE: %w", err)
	}
	if cfg.SweepInterval <= 0 || cfg.SweepBatchSize <= 0 {
		return nil, fmt.Errorf("TS_SWEEP_INTERVAL и TS_SWEEP_BATCH_SIZE должны быть положительными")
	}
	if cfg.ReconcileInterval, err = getEnvDuration("TS_RECONCILE_INTERVAL", time.Hour); err != nil {
		return nil, fmt.Errorf("TS_RECONCILE_INTERVAL: %w", err)
	}

	// 30 запросов за 15 минут с одного адреса
	if cfg.RateLimitRequests, err = getEnvInt("TS_RATE_LIMIT_REQUESTS", 30); err != nil {
		return nil, fmt.Errorf("TS_RATE_LIMIT_REQUESTS: %w", err)
	}
	if cfg.RateLimitWindow, err = getEnvDuration("TS_RATE_LIMIT_WINDOW", 15*time.Minute); err != nil {
		return nil, fmt.Errorf("TS_RATE_LIMIT_WINDOW: %w", err)
	}
	if cfg.TrustProxy, err = getEnvBool("TS_TRUST_PROXY", false); err != nil {
		return nil, fmt.Errorf("TS_TRUST_PROXY: %w", err)
	}

	if cfg.MetadataCacheSize, err = getEnvInt("TS_METADATA_CACHE_SIZE", 1024); err != nil {
		return nil, fmt.Errorf("TS_METADATA_CACHE_SIZE: %w", err)
	}
	if cfg.MetadataCacheTTL, err = getEnvDuration("TS_METADATA_CACHE_TTL", 30*time.Second); err != nil {
		return nil, fmt.Errorf("TS_METADATA_CACHE_TTL: %w", err)
	}

	cfg.JWKSUrl = getEnvDefault("TS_JWKS_URL", "")

	cfg.TLSCert = getEnvDefault("TS_TLS_CERT", "")
	cfg.TLSKey = getEnvDefault("TS_TLS_KEY", "")
	if (cfg.TLSCert == "") != (cfg.TLSKey == "") {
		return nil, fmt.Errorf("TS_TLS_CERT и TS_TLS_KEY задаются вместе")
	}

	if cfg.LogLevel, err = parseLogLevel(getEnvDefault("TS_LOG_LEVEL", "info")); err != nil {
		return nil, fmt.Errorf("TS_LOG_LEVEL: %w", err)
	}
	cfg.LogFormat = getEnvDefault("TS_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("TS_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	if cfg.ShutdownTimeout, err = getEnvDuration("TS_SHUTDOWN_TIMEOUT", 10*time.Second); err != nil {
		return nil, fmt.Errorf("TS_SHUTDOWN_TIMEOUT: %w", err)
	}
	if cfg.DephealthCheckInterval, err = getEnvDuration("TS_DEPHEALTH_CHECK_INTERVAL", 15*time.Second); err != nil {
		return nil, fmt.Errorf("TS_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}
	cfg.DephealthGroup = getEnvDefault("TS_DEPHEALTH_GROUP", "tempshare")

	return cfg, nil
}

// Policy строит политику приёма файлов из переменных окружения.
func (c *Config) Policy() (*policy.Policy, error) {
	p := &policy.Policy{
		ForbiddenExtensions: append([]string(nil), c.ForbiddenExtensions...),
		ForbiddenPrefixes:   append([]string(nil), c.ForbiddenPrefixes...),
		ForbiddenMimeTypes:  append([]string(nil), c.ForbiddenMimeTypes...),
		MaxFileSize:         c.MaxFileSize,
		MaxFiles:            c.MaxFilesPerUpload,
		ExpirationOptions:   append([]int(nil), c.ExpirationOptions...),
		DefaultExpiration:   c.DefaultExpiration,
	}
	if err := p.Normalize(); err != nil {
		return nil, err
	}
	return p, nil
}

// TLSEnabled — заданы ли сертификат и ключ.
func (c *Config) TLSEnabled() bool {
	return c.TLSCert != "" && c.TLSKey != ""
}

// AdminEnabled — включён ли admin API (задан JWKS).
func (c *Config) AdminEnabled() bool {
	return c.JWKSUrl != ""
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// --- Вспомогательные функции ---

// getEnvRequired возвращает значение переменной окружения или ошибку, если она не задана.
func getEnvRequired(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%s: обязательная переменная окружения не задана", key)
	}
	return val, nil
}

// getEnvDefault возвращает значение переменной окружения или значение по умолчанию.
func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

// getEnvInt возвращает целочисленное значение переменной окружения или значение по умолчанию.
func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvInt64 возвращает int64 значение переменной окружения или значение по умолчанию.
func getEnvInt64(key string, defaultVal int64) (int64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvBool возвращает bool из переменной окружения или значение по умолчанию.
func getEnvBool(key string, defaultVal bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("некорректное логическое значение: %q", val)
	}
	return b, nil
}

// getEnvList возвращает список через запятую. Пустые элементы отбрасываются.
// Значение "-" означает пустой список.
func getEnvList(key string, defaultVal []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	if val == "-" {
		return []string{}
	}
	var result []string
	for _, item := range strings.Split(val, ",") {
		if item = strings.TrimSpace(item); item != "" {
			result = append(result, item)
		}
	}
	return result
}

// getEnvIntList возвращает список целых через запятую.
func getEnvIntList(key string, defaultVal []int) ([]int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	var result []int
	for _, item := range strings.Split(val, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		n, err := strconv.Atoi(item)
		if err != nil {
			return nil, fmt.Errorf("некорректное целое число: %q", item)
		}
		result = append(result, n)
	}
	return result, nil
}

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1h, 6h)", val)
	}
	return d, nil
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}
