// Пакет mode — режимы работы сервиса.
//
//   - rw — приём новых файлов и скачивание
//   - ro — только скачивание (обслуживание, переполненный диск)
//
// Переход rw → ro свободный, обратный ro → rw требует confirm: true.
// Потокобезопасен через sync.RWMutex.
package mode

import (
	"fmt"
	"sync"
	"time"
)

// ServiceMode — режим работы сервиса.
type ServiceMode string

const (
	// ModeRW — загрузка и скачивание
	ModeRW ServiceMode = "rw"
	// ModeRO — только скачивание
	ModeRO ServiceMode = "ro"
)

// Operation — клиентская операция, разрешённая или запрещённая режимом.
type Operation string

const (
	OpUpload    Operation = "upload"
	OpDownload  Operation = "download"
	OpHandshake Operation = "handshake"
)

// TransitionRecord — запись о переходе между режимами.
type TransitionRecord struct {
	From      ServiceMode `json:"from"`
	To        ServiceMode `json:"to"`
	Subject   string      `json:"subject"`
	Timestamp time.Time   `json:"timestamp"`
}

// StateMachine — конечный автомат режимов.
type StateMachine struct {
	mu      sync.RWMutex
	current ServiceMode
	history []TransitionRecord
	now     func() time.Time
}

var validTransitions = map[ServiceMode]map[ServiceMode]bool{
	ModeRW: {ModeRO: true},
	ModeRO: {ModeRW: true},
}

var allowedOperations = map[ServiceMode]map[Operation]bool{
	ModeRW: {OpUpload: true, OpDownload: true, OpHandshake: true},
	ModeRO: {OpDownload: true},
}

var needsConfirmation = map[ServiceMode]map[ServiceMode]bool{
	ModeRO: {ModeRW: true},
}

// NewStateMachine создаёт автомат с начальным режимом.
func NewStateMachine(initial ServiceMode) (*StateMachine, error) {
	if !isValidMode(initial) {
		return nil, fmt.Errorf("недопустимый начальный режим: %q", initial)
	}
	return &StateMachine{
		current: initial,
		history: make([]TransitionRecord, 0),
		now:     time.Now,
	}, nil
}

// CurrentMode возвращает текущий режим.
func (sm *StateMachine) CurrentMode() ServiceMode {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.current
}

// CanTransitionTo проверяет допустимость перехода без учёта confirm.
func (sm *StateMachine) CanTransitionTo(target ServiceMode) bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return validTransitions[sm.current][target]
}

// TransitionTo выполняет переход в target.
//
// Ошибки:
//   - INVALID_TRANSITION — переход недопустим (в т.ч. в тот же режим)
//   - CONFIRMATION_REQUIRED — для ro → rw нужен confirm
func (sm *StateMachine) TransitionTo(target ServiceMode, confirm bool, subject string) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if !isValidMode(target) {
		return &TransitionError{
			Code:    "INVALID_TRANSITION",
			Message: fmt.Sprintf("недопустимый целевой режим: %q", target),
		}
	}
	if !validTransitions[sm.current][target] {
		return &TransitionError{
			Code:    "INVALID_TRANSITION",
			Message: fmt.Sprintf("переход %s → %s недопустим", sm.current, target),
		}
	}
	if needsConfirmation[sm.current][target] && !confirm {
		return &TransitionError{
			Code: "CONFIRMATION_REQUIRED",
			Message: fmt.Sprintf("обратный переход %s → %s требует подтверждения (confirm: true)",
				sm.current, target),
		}
	}

	sm.history = append(sm.history, TransitionRecord{
		From:      sm.current,
		To:        target,
		Subject:   subject,
		Timestamp: sm.now().UTC(),
	})
	sm.current = target
	return nil
}

// CanPerform проверяет, допустима ли операция в текущем режиме.
func (sm *StateMachine) CanPerform(op Operation) bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return allowedOperations[sm.current][op]
}

// AllowedOperations возвращает операции текущего режима.
func (sm *StateMachine) AllowedOperations() []Operation {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	ops := allowedOperations[sm.current]
	result := make([]Operation, 0, len(ops))
	for _, op := range []Operation{OpUpload, OpDownload, OpHandshake} {
		if ops[op] {
			result = append(result, op)
		}
	}
	return result
}

// History возвращает копию истории переходов.
func (sm *StateMachine) History() []TransitionRecord {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	result := make([]TransitionRecord, len(sm.history))
	copy(result, sm.history)
	return result
}

// TransitionError — ошибка перехода между режимами.
type TransitionError struct {
	Code    string
	Message string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func isValidMode(m ServiceMode) bool {
	return m == ModeRW || m == ModeRO
}

// ParseMode преобразует строку в ServiceMode.
func ParseMode(s string) (ServiceMode, error) {
	m := ServiceMode(s)
	if !isValidMode(m) {
		return "", fmt.Errorf("недопустимый режим: %q, допустимые: rw, ro", s)
	}
	return m, nil
}
