package storageclient

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/sir_venger/databank/internal/models"
	"github.com/sir_venger/databank/pkg/storageproto"
)

// BlobRecord описывает сохранённый блоб так, как его видит клиент.
type BlobRecord = models.BlobRecord

// Ошибки, которыми сервер отвечает на запросы. Совпадают с ошибками самого хранилища,
// поэтому errors.Is работает одинаково по обе стороны.
var (
	ErrValidation          = models.ErrValidation
	ErrNotFound            = models.ErrNotFound
	ErrTooLarge            = models.ErrTooLarge
	ErrInvalidRange        = models.ErrInvalidRange
	ErrInsufficientStorage = models.ErrInsufficientStorage
	ErrIntegrityMismatch   = models.ErrIntegrityMismatch
)

var (
	// ErrTransient помечает сбои, которые имеет смысл повторить: сеть, 429 и 5xx, кроме 501 и 507.
	ErrTransient    = errors.New("transient failure")
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
)

// StatusError — ответ сервера с кодом ошибки.
type StatusError struct {
	StatusCode int
	Code       string
	Message    string
	RequestID  string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("storage responded %d", e.StatusCode)
	if e.Code != "" {
		msg += " " + e.Code
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.RequestID != "" {
		msg += " (request " + e.RequestID + ")"
	}
	return msg
}

// Unwrap связывает HTTP-статус с ошибками домена, чтобы вызывающие проверяли их через errors.Is.
func (e *StatusError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusBadRequest:
		return ErrValidation
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusRequestEntityTooLarge:
		return ErrTooLarge
	case http.StatusRequestedRangeNotSatisfiable:
		return ErrInvalidRange
	case http.StatusInsufficientStorage:
		return ErrInsufficientStorage
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return ErrTransient
	}
	return nil
}

// IsTransient сообщает, стоит ли повторять операцию.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

func newStatusError(resp *http.Response) *StatusError {
	se := &StatusError{
		StatusCode: resp.StatusCode,
		RequestID:  resp.Header.Get(storageproto.HeaderRequestID),
	}

	var body storageproto.ErrorBody
	if resp.Body != nil {
		if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<10)).Decode(&body); err == nil {
			se.Code = body.Code
			se.Message = body.Message
			if se.RequestID == "" {
				se.RequestID = body.RequestID
			}
		}
	}

	return se
}
