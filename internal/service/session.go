// session.go — handshake-сессии анонимных клиентов.
//
// Клиент получает секрет и соль, сервер хранит только Argon2id(секрет, соль).
// Каждая загрузка расходует одно использование сессии; heartbeat только
// продлевает её. Достижение лимита использований или таймаута бездействия
// удаляет запись, после чего клиент обязан пройти handshake заново.
package service

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/crypto/argon2"

	apierrors "github.com/bigkaa/tempshare/internal/api/errors"
	"github.com/bigkaa/tempshare/internal/domain/model"
	"github.com/bigkaa/tempshare/internal/storage/kv"
)

const (
	secretBytes  = 32
	saltBytes    = 16
	maxSessionID = 128
	lockStripes  = 64
)

// KDFParams — параметры Argon2id.
type KDFParams struct {
	Time      uint32
	MemoryKiB uint32
	Threads   uint8
	KeyLen    uint32
}

// DefaultKDFParams — Argon2id t=2, m=19 MiB, p=1, 32 байта.
var DefaultKDFParams = KDFParams{Time: 2, MemoryKiB: 19 * 1024, Threads: 1, KeyLen: 32}

// SessionConfig — лимиты сессий.
type SessionConfig struct {
	// UsageLimit — сколько загрузок допускает одна сессия
	UsageLimit int
	// Inactivity — максимальная пауза между обращениями
	Inactivity time.Duration
	// KDF — параметры Argon2id; нулевое значение означает DefaultKDFParams
	KDF KDFParams
}

// Handshake — ответ на создание сессии. Секрет не восстанавливается из store.
type Handshake struct {
	Key       string
	Salt      string
	ExpiresIn time.Duration
}

// SessionService — аутентификатор handshake-сессий.
type SessionService struct {
	store  kv.Store
	cfg    SessionConfig
	locks  [lockStripes]sync.Mutex
	now    func() time.Time
	logger *slog.Logger
}

// NewSessionService создаёт аутентификатор сессий.
func NewSessionService(store kv.Store, cfg SessionConfig, logger *slog.Logger) *SessionService {
	if cfg.KDF == (KDFParams{}) {
		cfg.KDF = DefaultKDFParams
	}
	return &SessionService{
		store:  store,
		cfg:    cfg,
		now:    time.Now,
		logger: logger.With(slog.String("component", "session_service")),
	}
}

// SessionKey — ключ записи сессии в store.
func SessionKey(clientIdentity, sessionID string) string {
	return "session:" + clientIdentity + ":" + sessionID
}

// ValidSessionID проверяет идентификатор сессии, присланный клиентом:
// 1..128 символов из [A-Za-z0-9_-].
func ValidSessionID(id string) bool {
	if id == "" || len(id) > maxSessionID {
		return false
	}
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return false
		}
	}
	return true
}

// Issue создаёт сессию и возвращает сырой секрет и соль.
// Повторный handshake с тем же sessionID перезаписывает сессию.
func (s *SessionService) Issue(ctx context.Context, clientIdentity, sessionID string) (*Handshake, error) {
	if !ValidSessionID(sessionID) {
		return nil, validationError(apierrors.CodeValidationError, "Некорректный sessionId")
	}

	secret, err := randomHex(secretBytes)
	if err != nil {
		return nil, storageError("Не удалось сгенерировать ключ сессии", err)
	}
	salt, err := randomHex(saltBytes)
	if err != nil {
		return nil, storageError("Не удалось сгенерировать соль сессии", err)
	}

	now := s.now().UTC()
	rec := &model.SessionRecord{
		Hash:          s.derive(secret, salt),
		Salt:          salt,
		UsageCount:    0,
		LastHeartbeat: now,
		CreatedAt:     now,
	}

	key := SessionKey(clientIdentity, sessionID)
	mu := s.lock(key)
	mu.Lock()
	defer mu.Unlock()

	if err := s.put(ctx, key, rec); err != nil {
		return nil, err
	}

	s.logger.Debug("Сессия создана",
		slog.String("client", clientIdentity),
		slog.String("session_id", sessionID),
	)
	return &Handshake{Key: secret, Salt: salt, ExpiresIn: s.cfg.Inactivity}, nil
}

// Validate проверяет доказательство сессии.
// Не-heartbeat вызов расходует одно использование; вызов, доводящий
// счётчик до лимита, успешен, но удаляет сессию.
func (s *SessionService) Validate(ctx context.Context, clientIdentity, sessionID, secret, salt string, isHeartbeat bool) error {
	if !ValidSessionID(sessionID) || secret == "" || salt == "" {
		return sessionError()
	}

	key := SessionKey(clientIdentity, sessionID)
	mu := s.lock(key)
	mu.Lock()
	defer mu.Unlock()

	data, err := s.store.Get(ctx, key)
	if errors.Is(err, kv.ErrNotFound) {
		return sessionError()
	}
	if err != nil {
		return storageError("Ошибка чтения сессии", err)
	}

	var rec model.SessionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		s.logger.Warn("Повреждённая запись сессии, удаляем",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		s.drop(ctx, key)
		return sessionError()
	}

	now := s.now().UTC()
	if now.Sub(rec.LastHeartbeat) >= s.cfg.Inactivity {
		s.drop(ctx, key)
		return sessionError()
	}

	if subtle.ConstantTimeCompare([]byte(rec.Salt), []byte(salt)) != 1 {
		return sessionError()
	}
	if subtle.ConstantTimeCompare([]byte(rec.Hash), []byte(s.derive(secret, salt))) != 1 {
		return sessionError()
	}

	if !isHeartbeat && rec.UsageCount >= s.cfg.UsageLimit {
		s.drop(ctx, key)
		return sessionError()
	}

	if !isHeartbeat {
		rec.UsageCount++
	}
	rec.LastHeartbeat = now

	if !isHeartbeat && rec.UsageCount >= s.cfg.UsageLimit {
		if _, err := s.store.Delete(ctx, key); err != nil {
			return storageError("Ошибка удаления исчерпанной сессии", err)
		}
		s.logger.Debug("Лимит использований сессии исчерпан",
			slog.String("client", clientIdentity),
			slog.String("session_id", sessionID),
		)
		return nil
	}

	return s.put(ctx, key, &rec)
}

// Heartbeat продлевает сессию без расхода использований.
func (s *SessionService) Heartbeat(ctx context.Context, clientIdentity, sessionID, secret, salt string) error {
	return s.Validate(ctx, clientIdentity, sessionID, secret, salt, true)
}

func (s *SessionService) put(ctx context.Context, key string, rec *model.SessionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return storageError("Ошибка сериализации сессии", err)
	}
	if err := s.store.Put(ctx, key, data, s.cfg.Inactivity); err != nil {
		return storageError("Ошибка записи сессии", err)
	}
	return nil
}

func (s *SessionService) drop(ctx context.Context, key string) {
	if _, err := s.store.Delete(ctx, key); err != nil {
		s.logger.Error("Ошибка удаления сессии",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}
}

func (s *SessionService) derive(secret, salt string) string {
	p := s.cfg.KDF
	return hex.EncodeToString(argon2.IDKey([]byte(secret), []byte(salt), p.Time, p.MemoryKiB, p.Threads, p.KeyLen))
}

func (s *SessionService) lock(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &s.locks[h.Sum32()%lockStripes]
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("crypto/rand: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
