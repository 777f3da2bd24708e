package policy

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// LoadFile читает YAML-файл политики поверх base.
// Поля, отсутствующие в файле, берутся из base (значения из env).
func LoadFile(path string, base *Policy) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения файла политики %s: %w", path, err)
	}

	p := base.clone()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(p); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("ошибка разбора файла политики %s: %w", path, err)
	}
	if err := p.Normalize(); err != nil {
		return nil, fmt.Errorf("невалидная политика в %s: %w", path, err)
	}
	return p, nil
}

func (p *Policy) clone() *Policy {
	c := *p
	c.ForbiddenExtensions = append([]string(nil), p.ForbiddenExtensions...)
	c.ForbiddenPrefixes = append([]string(nil), p.ForbiddenPrefixes...)
	c.ForbiddenMimeTypes = append([]string(nil), p.ForbiddenMimeTypes...)
	c.ExpirationOptions = append([]int(nil), p.ExpirationOptions...)
	return &c
}

// Watcher перечитывает файл политики при изменении и кладёт
// новую версию в Holder. Невалидный файл не заменяет действующую политику.
type Watcher struct {
	path     string
	base     *Policy
	holder   *Holder
	watcher  *fsnotify.Watcher
	debounce time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	timer  *time.Timer
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewWatcher создаёт наблюдатель. Следит за директорией файла,
// чтобы переживать атомарную замену (rename) и ConfigMap-симлинки.
func NewWatcher(path string, base *Policy, holder *Holder, logger *slog.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("ошибка создания fsnotify watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("ошибка подписки на директорию %s: %w", filepath.Dir(path), err)
	}
	return &Watcher{
		path:     filepath.Clean(path),
		base:     base,
		holder:   holder,
		watcher:  fw,
		debounce: 200 * time.Millisecond,
		logger:   logger.With(slog.String("component", "policy_watcher")),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Start запускает цикл обработки событий.
func (w *Watcher) Start() {
	go w.loop()
	w.logger.Info("Наблюдение за файлом политики запущено", slog.String("path", w.path))
}

// Stop останавливает наблюдение.
func (w *Watcher) Stop() {
	close(w.stopCh)
	w.watcher.Close()
	<-w.doneCh

	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
}

func (w *Watcher) loop() {
	defer close(w.doneCh)
	for {
		select {
		case <-w.stopCh:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.schedule()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Ошибка fsnotify", slog.String("error", err.Error()))
		}
	}
}

// schedule откладывает перечитывание, склеивая серию событий в одно.
func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.Reload)
}

// Reload перечитывает файл политики немедленно.
func (w *Watcher) Reload() {
	p, err := LoadFile(w.path, w.base)
	if err != nil {
		w.logger.Error("Политика не перечитана, действует прежняя",
			slog.String("path", w.path),
			slog.String("error", err.Error()),
		)
		return
	}
	w.holder.Store(p)
	w.logger.Info("Политика приёма файлов обновлена",
		slog.Int("forbidden_extensions", len(p.ForbiddenExtensions)),
		slog.Int("forbidden_mime_types", len(p.ForbiddenMimeTypes)),
		slog.Int64("max_file_size", p.MaxFileSize),
	)
}
