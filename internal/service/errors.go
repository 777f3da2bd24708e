// Пакет service — бизнес-логика tempshare.
// errors.go — классификация ошибок сервисного слоя.
//
// Сервисы возвращают обёрнутые sentinel-ошибки; обработчики HTTP
// сопоставляют их со статусами через errors.Is / errors.As.
package service

import (
	"errors"
	"fmt"

	apierrors "github.com/bigkaa/tempshare/internal/api/errors"
	"github.com/bigkaa/tempshare/internal/domain/policy"
)

var (
	// ErrValidation — некорректный запрос клиента (400 / 413).
	ErrValidation = errors.New("ошибка валидации")
	// ErrSessionInvalid — доказательство сессии не принято (401).
	ErrSessionInvalid = errors.New("сессия недействительна")
	// ErrFileNotFound — файла нет или срок истёк (404).
	ErrFileNotFound = errors.New("файл не найден или срок хранения истёк")
	// ErrStorage — сбой хранилища байтов или metadata store (500).
	ErrStorage = errors.New("ошибка хранилища")
	// ErrModeNotAllowed — операция запрещена текущим режимом (409).
	ErrModeNotAllowed = errors.New("операция недоступна в текущем режиме")
	// ErrReconcileInProgress — сверка уже выполняется (409).
	ErrReconcileInProgress = errors.New("сверка уже выполняется")
)

// FileError — ошибка с машиночитаемым кодом.
// Err — класс ошибки (одна из sentinel выше), по нему выбирается HTTP-статус.
type FileError struct {
	Code    string
	Message string
	Err     error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *FileError) Unwrap() error {
	return e.Err
}

// Дополнительные коды ответа сервиса поверх общих кодов API.
const (
	CodeForbiddenFileType = "FORBIDDEN_FILE_TYPE"
	CodeInvalidExpiration = "INVALID_EXPIRATION"
	CodeNoFiles           = "NO_FILES"
	CodeSessionInvalid    = "SESSION_INVALID"
)

func validationError(code, format string, args ...any) *FileError {
	return &FileError{Code: code, Message: fmt.Sprintf(format, args...), Err: ErrValidation}
}

func storageError(message string, err error) *FileError {
	return &FileError{
		Code:    apierrors.CodeInternalError,
		Message: message,
		Err:     fmt.Errorf("%w: %w", ErrStorage, err),
	}
}

func sessionError() *FileError {
	return &FileError{
		Code:    CodeSessionInvalid,
		Message: "Сессия недействительна, выполните handshake заново",
		Err:     ErrSessionInvalid,
	}
}

// fromPolicy переводит ошибку политики в FileError с нужным кодом.
func fromPolicy(err error) *FileError {
	switch {
	case errors.Is(err, policy.ErrForbiddenType):
		return validationError(CodeForbiddenFileType, "%s", err.Error())
	case errors.Is(err, policy.ErrTooLarge):
		return validationError(apierrors.CodeFileTooLarge, "%s", err.Error())
	case errors.Is(err, policy.ErrInvalidExpiration):
		return validationError(CodeInvalidExpiration, "%s", err.Error())
	default:
		return validationError(apierrors.CodeValidationError, "%s", err.Error())
	}
}

// CodeOf возвращает машиночитаемый код ошибки сервиса.
func CodeOf(err error) string {
	var fe *FileError
	if errors.As(err, &fe) {
		return fe.Code
	}
	switch {
	case errors.Is(err, ErrSessionInvalid):
		return CodeSessionInvalid
	case errors.Is(err, ErrFileNotFound):
		return apierrors.CodeNotFound
	case errors.Is(err, ErrModeNotAllowed):
		return apierrors.CodeModeNotAllowed
	case errors.Is(err, ErrValidation):
		return apierrors.CodeValidationError
	case errors.Is(err, ErrReconcileInProgress):
		return apierrors.CodeReconcileInProgress
	default:
		return apierrors.CodeInternalError
	}
}

// MessageOf возвращает безопасное для клиента сообщение об ошибке.
// Подробности ошибок хранилища клиенту не отдаются.
func MessageOf(err error) string {
	var fe *FileError
	if errors.As(err, &fe) {
		return fe.Message
	}
	switch {
	case errors.Is(err, ErrFileNotFound):
		return "File not found or expired"
	case errors.Is(err, ErrStorage):
		return "Внутренняя ошибка хранилища"
	case errors.Is(err, ErrSessionInvalid), errors.Is(err, ErrModeNotAllowed),
		errors.Is(err, ErrValidation), errors.Is(err, ErrReconcileInProgress):
		return err.Error()
	default:
		return "Внутренняя ошибка"
	}
}
