// Package storageproto описывает HTTP-протокол узла хранения: пути и служебные заголовки.
package storageproto

// Пути Storage API.
const (
	FilesPath        = "/files"
	FilePathFormat   = "%s/files/%s"
	FileInfoFormat   = "%s/files/%s/info"
	HealthzPath      = "/healthz"
	ReadyzPath       = "/readyz"
	MultipartField   = "file"
	DefaultNamespace = "default"
)

// Заголовки.
const (
	HeaderChecksum  = "X-Checksum-Sha256"
	HeaderNamespace = "X-Namespace"
	HeaderRequestID = "X-Request-ID"
)

// FileInfo — тело ответа на загрузку и на GET /files/{id}/info.
type FileInfo struct {
	FileID      string `json:"file_id"`
	Size        int64  `json:"size"`
	Sha256      string `json:"sha256"`
	ContentType string `json:"content_type"`
	CreatedAt   string `json:"created_at"`
}

// ErrorBody — тело любого ответа с ошибкой.
type ErrorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}
