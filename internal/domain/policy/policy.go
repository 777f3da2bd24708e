// Пакет policy — правила приёма файлов: запрещённые расширения,
// префиксы и MIME-типы, максимальный размер, допустимые сроки хранения.
//
// Policy неизменяема. Актуальная версия хранится в Holder и
// атомарно подменяется при перечитывании YAML-файла политики.
package policy

import (
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"sync/atomic"

	"github.com/dustin/go-humanize"
)

var (
	// ErrForbiddenType — расширение, префикс или MIME-тип запрещены.
	ErrForbiddenType = errors.New("тип файла запрещён")
	// ErrTooLarge — файл больше MaxFileSize.
	ErrTooLarge = errors.New("файл слишком большой")
	// ErrInvalidExpiration — срок хранения не из списка допустимых.
	ErrInvalidExpiration = errors.New("недопустимый срок хранения")
	// ErrTooManyFiles — в одной загрузке больше MaxFiles файлов.
	ErrTooManyFiles = errors.New("слишком много файлов")
)

// Policy — снимок правил приёма файлов.
type Policy struct {
	// ForbiddenExtensions — расширения с точкой в нижнем регистре (".exe")
	ForbiddenExtensions []string `yaml:"forbidden_extensions"`
	// ForbiddenPrefixes — префиксы имени файла или расширения (".ph" закрывает .php, .phtml)
	ForbiddenPrefixes []string `yaml:"forbidden_prefixes"`
	// ForbiddenMimeTypes — точные типы или маски вида "application/x-*"
	ForbiddenMimeTypes []string `yaml:"forbidden_mime_types"`
	// MaxFileSize — максимальный размер одного файла в байтах
	MaxFileSize int64 `yaml:"max_file_size"`
	// MaxFiles — максимальное количество файлов в одной загрузке
	MaxFiles int `yaml:"max_files"`
	// ExpirationOptions — допустимые сроки хранения в минутах
	ExpirationOptions []int `yaml:"expiration_options"`
	// DefaultExpiration — срок по умолчанию, когда клиент его не указал
	DefaultExpiration int `yaml:"default_expiration"`
}

// Normalize приводит списки к нижнему регистру, добавляет точку
// к расширениям и проверяет согласованность значений.
func (p *Policy) Normalize() error {
	p.ForbiddenExtensions = normalizeList(p.ForbiddenExtensions, func(s string) string {
		if !strings.HasPrefix(s, ".") {
			return "." + s
		}
		return s
	})
	p.ForbiddenPrefixes = normalizeList(p.ForbiddenPrefixes, nil)
	p.ForbiddenMimeTypes = normalizeList(p.ForbiddenMimeTypes, nil)

	if p.MaxFileSize <= 0 {
		return fmt.Errorf("max_file_size должен быть больше 0, получено %d", p.MaxFileSize)
	}
	if p.MaxFiles <= 0 {
		return fmt.Errorf("max_files должен быть больше 0, получено %d", p.MaxFiles)
	}
	if len(p.ExpirationOptions) == 0 {
		return errors.New("expiration_options не может быть пустым")
	}
	for _, m := range p.ExpirationOptions {
		if m <= 0 {
			return fmt.Errorf("срок хранения должен быть больше 0, получено %d", m)
		}
	}
	slices.Sort(p.ExpirationOptions)
	p.ExpirationOptions = slices.Compact(p.ExpirationOptions)
	if !slices.Contains(p.ExpirationOptions, p.DefaultExpiration) {
		return fmt.Errorf("default_expiration %d отсутствует в expiration_options %v",
			p.DefaultExpiration, p.ExpirationOptions)
	}
	return nil
}

func normalizeList(in []string, fix func(string) string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if fix != nil {
			s = fix(s)
		}
		out = append(out, s)
	}
	return out
}

// CheckName проверяет имя файла по расширению и префиксам.
// Префикс сравнивается и с именем файла, и с его расширением.
// Хвостовые точки и пробелы отбрасываются: Windows и браузеры
// сохраняют "run.bat." как "run.bat".
func (p *Policy) CheckName(name string) error {
	lower := strings.TrimRight(strings.ToLower(filepath.Base(name)), ". \t")
	ext := strings.ToLower(filepath.Ext(lower))

	if ext != "" && slices.Contains(p.ForbiddenExtensions, ext) {
		return fmt.Errorf("%w: расширение %s", ErrForbiddenType, ext)
	}
	for _, prefix := range p.ForbiddenPrefixes {
		if strings.HasPrefix(lower, prefix) || (ext != "" && strings.HasPrefix(ext, prefix)) {
			return fmt.Errorf("%w: префикс %s", ErrForbiddenType, prefix)
		}
	}
	return nil
}

// CheckMIME проверяет MIME-тип (заявленный клиентом или определённый по содержимому).
// Параметры типа (";charset=...") игнорируются.
func (p *Policy) CheckMIME(mime string) error {
	mime = strings.ToLower(strings.TrimSpace(mime))
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = strings.TrimSpace(mime[:i])
	}
	if mime == "" {
		return nil
	}
	for _, rule := range p.ForbiddenMimeTypes {
		if strings.HasSuffix(rule, "*") {
			if strings.HasPrefix(mime, strings.TrimSuffix(rule, "*")) {
				return fmt.Errorf("%w: MIME-тип %s", ErrForbiddenType, mime)
			}
			continue
		}
		if mime == rule {
			return fmt.Errorf("%w: MIME-тип %s", ErrForbiddenType, mime)
		}
	}
	return nil
}

// CheckSize проверяет размер файла.
func (p *Policy) CheckSize(size int64) error {
	if size > p.MaxFileSize {
		return fmt.Errorf("%w: %s при максимуме %s", ErrTooLarge,
			humanize.IBytes(uint64(size)), humanize.IBytes(uint64(p.MaxFileSize)))
	}
	return nil
}

// CheckExpiration проверяет срок хранения в минутах.
func (p *Policy) CheckExpiration(minutes int) error {
	if !slices.Contains(p.ExpirationOptions, minutes) {
		return fmt.Errorf("%w: %d минут, допустимые: %v", ErrInvalidExpiration, minutes, p.ExpirationOptions)
	}
	return nil
}

// CheckFileCount проверяет количество файлов в загрузке.
func (p *Policy) CheckFileCount(n int) error {
	if n > p.MaxFiles {
		return fmt.Errorf("%w: %d при максимуме %d", ErrTooManyFiles, n, p.MaxFiles)
	}
	return nil
}

// MaxExpiration возвращает наибольший допустимый срок в минутах.
func (p *Policy) MaxExpiration() int {
	return p.ExpirationOptions[len(p.ExpirationOptions)-1]
}

// Holder хранит текущую политику и позволяет атомарно её заменить.
type Holder struct {
	current atomic.Pointer[Policy]
}

// NewHolder создаёт Holder с начальной политикой.
func NewHolder(p *Policy) *Holder {
	h := &Holder{}
	h.current.Store(p)
	return h
}

// Load возвращает текущую политику. Результат нельзя изменять.
func (h *Holder) Load() *Policy {
	return h.current.Load()
}

// Store заменяет политику.
func (h *Holder) Store(p *Policy) {
	h.current.Store(p)
}
