// disk_usage.go — метрики ёмкости директории данных.
// Платформозависимый код для Unix-подобных систем.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// lowSpaceRatio — доля свободного места, ниже которой пишется предупреждение.
const lowSpaceRatio = 0.05

var dataDirBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "ts_data_dir_bytes",
	Help: "Ёмкость файловой системы директории данных",
}, []string{"type"})

// getDiskUsage возвращает информацию о дисковом пространстве в директории.
// Возвращает total, used, available в байтах.
func getDiskUsage(path string) (total, used, available int64, err error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, 0, 0, fmt.Errorf("ошибка statfs %s: %w", path, err)
	}

	total = int64(stat.Blocks) * int64(stat.Bsize)
	available = int64(stat.Bavail) * int64(stat.Bsize)
	used = total - available

	return total, used, available, nil
}

// updateDiskUsage обновляет gauge и возвращает true, если места мало.
func updateDiskUsage(path string) (low bool, available int64, err error) {
	total, used, available, err := getDiskUsage(path)
	if err != nil {
		return false, 0, err
	}
	dataDirBytes.WithLabelValues("total").Set(float64(total))
	dataDirBytes.WithLabelValues("used").Set(float64(used))
	dataDirBytes.WithLabelValues("available").Set(float64(available))
	return total > 0 && float64(available) < float64(total)*lowSpaceRatio, available, nil
}

// watchDiskUsage периодически обновляет метрики до отмены ctx.
func watchDiskUsage(ctx context.Context, path string, interval time.Duration, logger *slog.Logger) {
	logger = logger.With(slog.String("component", "disk_usage"))

	check := func() {
		low, available, err := updateDiskUsage(path)
		if err != nil {
			logger.Warn("Не удалось получить ёмкость диска", slog.String("error", err.Error()))
			return
		}
		if low {
			logger.Warn("Заканчивается место в директории данных",
				slog.String("path", path),
				slog.String("available", humanize.IBytes(uint64(available))),
			)
		}
	}

	check()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			check()
		}
	}
}
