// dephealth.go — интеграция с topologymetrics SDK для мониторинга зависимостей.
//
// tempshare мониторит HTTP-зависимости:
//   - S3 endpoint (blob-хранилище, critical)
//   - JWKS endpoint admin API (non-critical: от него зависит только admin API)
//
// Metadata store проверяется отдельно через Ping в /health/ready.
//
// Метрики доступны на /metrics вместе с остальными Prometheus-метриками:
//   - app_dependency_health — состояние зависимости (1 = ok, 0 = fail)
//   - app_dependency_latency_seconds — задержка проверки
//   - app_dependency_status — категория статуса
//   - app_dependency_status_detail — детальный статус
package service

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"time"

	"github.com/BigKAA/topologymetrics/sdk-go/dephealth"
	_ "github.com/BigKAA/topologymetrics/sdk-go/dephealth/checks" // Регистрация фабрик checker-ов (HTTP и др.)
	"github.com/prometheus/client_golang/prometheus"
)

// DepTarget — HTTP-зависимость для мониторинга.
type DepTarget struct {
	// Name — имя зависимости в метриках
	Name string
	// URL — адрес зависимости
	URL string
	// HealthPath — путь проверки; пусто — путь из URL
	HealthPath string
	// Critical — влияет ли отказ на готовность сервиса
	Critical bool
}

// DephealthService — сервис мониторинга зависимостей через topologymetrics.
type DephealthService struct {
	dh     *dephealth.DepHealth
	logger *slog.Logger
}

// NewDephealthService создаёт сервис мониторинга зависимостей.
// Метрики регистрируются в глобальном Prometheus registry.
func NewDephealthService(
	serviceID string,
	group string,
	targets []DepTarget,
	checkInterval time.Duration,
	logger *slog.Logger,
) (*DephealthService, error) {
	return newDephealthService(serviceID, group, targets, checkInterval, logger)
}

// NewDephealthServiceWithRegisterer создаёт сервис с указанным Prometheus registerer.
// Используется в тестах для изоляции метрик.
func NewDephealthServiceWithRegisterer(
	serviceID string,
	group string,
	targets []DepTarget,
	checkInterval time.Duration,
	logger *slog.Logger,
	registerer prometheus.Registerer,
) (*DephealthService, error) {
	return newDephealthService(serviceID, group, targets, checkInterval, logger, dephealth.WithRegisterer(registerer))
}

func newDephealthService(
	serviceID string,
	group string,
	targets []DepTarget,
	checkInterval time.Duration,
	logger *slog.Logger,
	extraOpts ...dephealth.Option,
) (*DephealthService, error) {
	if len(targets) == 0 {
		return nil, errors.New("не задано ни одной зависимости для мониторинга")
	}

	opts := make([]dephealth.Option, 0, 1+len(targets)+len(extraOpts))
	opts = append(opts, dephealth.WithLogger(logger))

	for _, target := range targets {
		depOpts := []dephealth.DependencyOption{
			dephealth.FromURL(target.URL),
			dephealth.CheckInterval(checkInterval),
			dephealth.Critical(target.Critical),
		}
		if target.HealthPath != "" {
			depOpts = append(depOpts, dephealth.WithHTTPHealthPath(target.HealthPath))
		}
		if parsed, err := url.Parse(target.URL); err == nil && parsed.Scheme == "https" {
			depOpts = append(depOpts, dephealth.WithHTTPTLSSkipVerify(false))
		}
		opts = append(opts, dephealth.HTTP(target.Name, depOpts...))
	}
	opts = append(opts, extraOpts...)

	dh, err := dephealth.New(serviceID, group, opts...)
	if err != nil {
		return nil, err
	}

	return &DephealthService{
		dh:     dh,
		logger: logger.With(slog.String("component", "dephealth")),
	}, nil
}

// Start запускает периодическую проверку зависимостей.
func (ds *DephealthService) Start(ctx context.Context) error {
	ds.logger.Info("Мониторинг зависимостей запущен")
	return ds.dh.Start(ctx)
}

// Stop останавливает мониторинг зависимостей.
func (ds *DephealthService) Stop() {
	ds.dh.Stop()
	ds.logger.Info("Мониторинг зависимостей остановлен")
}

// Health возвращает текущее состояние зависимостей.
// Ключ — имя зависимости, значение — true если ok.
func (ds *DephealthService) Health() map[string]bool {
	return ds.dh.Health()
}
