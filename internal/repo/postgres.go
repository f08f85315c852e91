package repo

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sir_venger/databank/internal/models"
)

// PGStore хранит каталог в Postgres. Схему создаёт cmd/migrate.
type PGStore struct {
	pool *pgxpool.Pool
}

var _ Catalog = (*PGStore)(nil)

// NewPGStore создаёт пул подключений и проверяет доступность базы.
func NewPGStore(ctx context.Context, dsn string) (*PGStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("catalog dsn is empty")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping catalog: %w", err)
	}

	return &PGStore{pool: pool}, nil
}

func (s *PGStore) Add(ctx context.Context, e models.OwnershipEntry) (bool, error) {
	sqlStr, args, err := insertOwnerQuery(e)
	if err != nil {
		return false, fmt.Errorf("build insert: %w", err)
	}

	tag, err := s.pool.Exec(ctx, sqlStr, args...)
	if err != nil {
		return false, fmt.Errorf("exec insert: %w", err)
	}

	return tag.RowsAffected() == 1, nil
}

func (s *PGStore) Remove(ctx context.Context, namespace, fileID string) (bool, error) {
	sqlStr, args, err := deleteOwnerQuery(namespace, fileID)
	if err != nil {
		return false, fmt.Errorf("build delete: %w", err)
	}

	tag, err := s.pool.Exec(ctx, sqlStr, args...)
	if err != nil {
		return false, fmt.Errorf("exec delete: %w", err)
	}

	return tag.RowsAffected() > 0, nil
}

func (s *PGStore) Owners(ctx context.Context, fileID string) ([]string, error) {
	sqlStr, args, err := ownersQuery(fileID)
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}

	rows, err := s.pool.Query(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("query owners: %w", err)
	}

	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (s *PGStore) List(ctx context.Context, namespace string) ([]models.OwnershipEntry, error) {
	sqlStr, args, err := listQuery(namespace)
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}

	rows, err := s.pool.Query(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}

	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.OwnershipEntry, error) {
		var e models.OwnershipEntry
		err := row.Scan(&e.Namespace, &e.FileID, &e.Size, &e.CreatedAt)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan entries: %w", err)
	}

	return entries, nil
}

func (s *PGStore) Namespaces(ctx context.Context) ([]string, error) {
	sqlStr, args, err := namespacesQuery()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}

	rows, err := s.pool.Query(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("query namespaces: %w", err)
	}

	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// Close освобождает подключения пула.
func (s *PGStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}
