// health.go — обработчики health endpoints для Kubernetes (liveness, readiness).
package handlers

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/bigkaa/tempshare/internal/config"
)

// statusFail — строковая константа для статуса "fail" в health checks.
const statusFail = "fail"

// pingTimeout — ограничение на проверку metadata store.
const pingTimeout = 2 * time.Second

// Pinger — зависимость, проверяемая на готовность (metadata store).
type Pinger interface {
	Ping(ctx context.Context) error
}

// DependencyReporter — состояние внешних зависимостей (dephealth).
type DependencyReporter interface {
	Health() map[string]bool
}

// HealthHandler реализует health endpoints: /health/live, /health/ready.
type HealthHandler struct {
	version string
	store   Pinger
	// dataDir — директория blob, пусто если байты не на диске
	dataDir string
	walDir  string
	deps    DependencyReporter
}

// NewHealthHandler создаёт обработчик health endpoints.
// dataDir и deps могут быть пустыми.
func NewHealthHandler(store Pinger, dataDir, walDir string, deps DependencyReporter) *HealthHandler {
	return &HealthHandler{
		version: config.Version,
		store:   store,
		dataDir: dataDir,
		walDir:  walDir,
		deps:    deps,
	}
}

// HealthLive обрабатывает GET /health/live.
// Возвращает 200, если процесс жив. Не проверяет зависимости.
func (h *HealthHandler) HealthLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   h.version,
		"service":   "tempshare",
	})
}

// HealthReady обрабатывает GET /health/ready.
// Недоступность metadata store или директории данных — fail (503);
// недоступность WAL или внешних зависимостей — degraded (200).
func (h *HealthHandler) HealthReady(w http.ResponseWriter, r *http.Request) {
	overallStatus := "ok"
	httpStatus := http.StatusOK

	fail := func() {
		overallStatus = statusFail
		httpStatus = http.StatusServiceUnavailable
	}
	degrade := func() {
		if overallStatus != statusFail {
			overallStatus = "degraded"
		}
	}

	checks := map[string]any{}

	storeCheck := h.checkStore(r.Context())
	checks["metadata_store"] = storeCheck
	if storeCheck["status"] != "ok" {
		fail()
	}

	if h.dataDir != "" {
		fsCheck := checkWritable(h.dataDir, "Директория данных")
		checks["filesystem"] = fsCheck
		if fsCheck["status"] != "ok" {
			fail()
		}
	}

	walCheck := checkWritable(h.walDir, "Директория WAL")
	checks["wal"] = walCheck
	if walCheck["status"] != "ok" {
		degrade()
	}

	if h.deps != nil {
		deps := h.deps.Health()
		checks["dependencies"] = deps
		for _, ok := range deps {
			if !ok {
				degrade()
			}
		}
	}

	writeJSON(w, httpStatus, map[string]any{
		"status":    overallStatus,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   h.version,
		"service":   "tempshare",
		"checks":    checks,
	})
}

func (h *HealthHandler) checkStore(ctx context.Context) map[string]any {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := h.store.Ping(ctx); err != nil {
		return map[string]any{
			"status":  statusFail,
			"message": "Metadata store недоступен: " + err.Error(),
		}
	}
	return map[string]any{"status": "ok"}
}

// checkWritable проверяет доступность директории на запись.
func checkWritable(dir, what string) map[string]any {
	if dir == "" {
		return map[string]any{
			"status":  "ok",
			"message": "Проверка не настроена",
		}
	}

	testFile := filepath.Join(dir, ".health_check")
	if err := os.WriteFile(testFile, []byte("ok"), 0o600); err != nil {
		return map[string]any{
			"status":  statusFail,
			"message": what + " недоступна для записи: " + err.Error(),
		}
	}
	_ = os.Remove(testFile)

	return map[string]any{"status": "ok"}
}
