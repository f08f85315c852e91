// Package repo хранит каталог владения: какое пространство имён загрузило какой блоб.
// Каталог нужен квотам и ретеншну; сами байты живут в blobstore.
package repo

import (
	"context"
	"strings"

	"github.com/sir_venger/databank/internal/models"
)

// MemoryDSN выбирает хранение каталога в памяти процесса.
const MemoryDSN = "memory://"

// Catalog — хранилище записей владения.
type Catalog interface {
	// Add добавляет запись; false, если она уже была.
	Add(ctx context.Context, e models.OwnershipEntry) (bool, error)
	// Remove удаляет запись пары (namespace, file_id).
	Remove(ctx context.Context, namespace, fileID string) (bool, error)
	// Owners возвращает пространства имён, владеющие блобом.
	Owners(ctx context.Context, fileID string) ([]string, error)
	// List возвращает записи пространства имён от старых к новым (created_at, затем file_id).
	List(ctx context.Context, namespace string) ([]models.OwnershipEntry, error)
	Namespaces(ctx context.Context) ([]string, error)
	Close()
}

// Open выбирает реализацию по DSN: memory:// или строка подключения к Postgres.
func Open(ctx context.Context, dsn string) (Catalog, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" || strings.HasPrefix(dsn, MemoryDSN) {
		return NewMemoryStore(), nil
	}

	return NewPGStore(ctx, dsn)
}
