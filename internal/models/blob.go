package models

import (
	"strings"
	"time"
)

// DefaultContentType подставляется, когда тип содержимого неизвестен (нет sidecar или клиент его не прислал).
const DefaultContentType = "application/octet-stream"

// FileIDLength — длина hex-представления SHA-256.
const FileIDLength = 64

// BlobRecord описывает сохранённый блоб. FileID всегда равен ContentHash.
type BlobRecord struct {
	FileID      string    `json:"file_id"`
	Size        int64     `json:"size"`
	ContentHash string    `json:"sha256"`
	ContentType string    `json:"content_type"`
	CreatedAt   time.Time `json:"created_at"`
}

// OwnershipEntry связывает блоб с пространством имён, которое его загрузило.
type OwnershipEntry struct {
	Namespace string    `json:"namespace"`
	FileID    string    `json:"file_id"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// ValidFileID проверяет, что id состоит ровно из 64 символов нижнего регистра [0-9a-f].
// Это единственная защита от path traversal: ни одна строка не попадает в путь без этой проверки.
func ValidFileID(id string) bool {
	if len(id) != FileIDLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// NormalizeContentType обрезает пробелы и подставляет тип по умолчанию.
func NormalizeContentType(ct string) string {
	ct = strings.TrimSpace(ct)
	if ct == "" {
		return DefaultContentType
	}
	return ct
}
