package models

import (
	"errors"
	"fmt"
)

var (
	ErrValidation          = errors.New("validation failed")
	ErrNotFound            = errors.New("file not found")
	ErrInvalidRange        = errors.New("range not satisfiable")
	ErrMalformedRange      = errors.New("invalid range")
	ErrInsufficientStorage = errors.New("insufficient storage")
	ErrTooLarge            = errors.New("file too large")
	ErrIntegrityMismatch   = errors.New("integrity mismatch")
	ErrCorrupt             = errors.New("stored blob is corrupt")
	ErrReclaimed           = errors.New("blob reclaimed while upload was committing")
)

// Стабильные машиночитаемые коды ошибок, которые видит клиент.
const (
	CodeBadRequest          = "BAD_REQUEST"
	CodeNotFound            = "NOT_FOUND"
	CodeRangeNotSatisfiable = "RANGE_NOT_SATISFIABLE"
	CodeInvalidRange        = "INVALID_RANGE"
	CodeInsufficientStorage = "INSUFFICIENT_STORAGE"
	CodePayloadTooLarge     = "PAYLOAD_TOO_LARGE"
	CodeIntegrityMismatch   = "INTEGRITY_MISMATCH"
	CodeUnavailable         = "UNAVAILABLE"
	CodeInternal            = "INTERNAL"
)

// RangeError — неудовлетворимый диапазон; хранит полный размер ресурса для Content-Range: bytes */N.
type RangeError struct {
	Size int64
	Err  error
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("%v (size %d)", e.Err, e.Size)
}

func (e *RangeError) Unwrap() error {
	return e.Err
}

// Code возвращает стабильный код для ошибки из таксономии.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return CodeBadRequest
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrMalformedRange):
		return CodeInvalidRange
	case errors.Is(err, ErrInvalidRange):
		return CodeRangeNotSatisfiable
	case errors.Is(err, ErrInsufficientStorage):
		return CodeInsufficientStorage
	case errors.Is(err, ErrTooLarge):
		return CodePayloadTooLarge
	case errors.Is(err, ErrIntegrityMismatch):
		return CodeIntegrityMismatch
	case errors.Is(err, ErrReclaimed):
		return CodeUnavailable
	default:
		return CodeInternal
	}
}
