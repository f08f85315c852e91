// Package httperrors переводит ошибки домена в HTTP-статус и JSON-тело {code, message, request_id}.
package httperrors

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/sir_venger/databank/internal/byterange"
	"github.com/sir_venger/databank/internal/models"
	"github.com/sir_venger/databank/pkg/storageproto"
)

// Status возвращает HTTP-статус для ошибки.
func Status(err error) int {
	switch {
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrMalformedRange), errors.Is(err, models.ErrInvalidRange):
		return http.StatusRequestedRangeNotSatisfiable
	case errors.Is(err, models.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, models.ErrInsufficientStorage):
		return http.StatusInsufficientStorage
	case errors.Is(err, models.ErrReclaimed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Write пишет ответ с ошибкой. Для неудовлетворимого диапазона добавляет Content-Range: bytes */N.
// Внутренние ошибки не раскрываются клиенту.
func Write(w http.ResponseWriter, r *http.Request, err error) {
	status := Status(err)

	var rerr *models.RangeError
	if errors.As(err, &rerr) {
		w.Header().Set("Content-Range", byterange.Unsatisfied(rerr.Size))
	}

	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = http.StatusText(status)
	}

	WriteStatus(w, r, status, models.Code(err), msg)
}

// WriteStatus пишет ответ с произвольным кодом.
func WriteStatus(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	w.Header().Del("Content-Length")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if r.Method == http.MethodHead {
		return
	}

	_ = json.NewEncoder(w).Encode(storageproto.ErrorBody{
		Code:      code,
		Message:   msg,
		RequestID: middleware.GetReqID(r.Context()),
	})
}
