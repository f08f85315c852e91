package filesvc

import (
	"context"
	"io"

	"github.com/rs/zerolog"

	"github.com/sir_venger/databank/internal/byterange"
	"github.com/sir_venger/databank/internal/models"
	"github.com/sir_venger/databank/internal/quota"
	"github.com/sir_venger/databank/pkg/storageproto"
)

// DefaultNamespace используется, когда клиент не указал пространство имён.
const DefaultNamespace = storageproto.DefaultNamespace

type (
	// Object — найденный блоб с разрешённым отрезком; содержимое читается лениво.
	Object interface {
		Record() models.BlobRecord
		Span() byterange.Resolution
		Length() int64
		Open() (io.ReadCloser, error)
		CopyTo(ctx context.Context, w io.Writer) (int64, error)
	}

	// BlobStore — бэкенд хранения. Сейчас это файловая система (adapters/fsstore),
	// вызывающие зависят только от интерфейса.
	BlobStore interface {
		Put(ctx context.Context, r io.Reader, sizeHint int64, contentType string) (models.BlobRecord, error)
		Get(ctx context.Context, fileID, rangeSpec string) (Object, error)
		Head(ctx context.Context, fileID string) (models.BlobRecord, error)
		Delete(ctx context.Context, fileID string, strict bool) (bool, error)
	}

	// Service объединяет операции по загрузке и выдаче файлов.
	Service interface {
		Upload(ctx context.Context, namespace string, r io.Reader, size int64, contentType string) (models.BlobRecord, error)
		Download(ctx context.Context, fileID, rangeSpec string) (Object, error)
		Info(ctx context.Context, fileID string) (models.BlobRecord, error)
		Delete(ctx context.Context, fileID string, strict bool) error
	}
)

type Deps struct {
	Store  BlobStore
	Ledger *quota.Ledger
	Logger zerolog.Logger
}

type Files struct {
	Deps
}

// New конструирует сервис с заданными зависимостями.
func New(deps Deps) *Files {
	return &Files{Deps: deps}
}

var _ Service = (*Files)(nil)
