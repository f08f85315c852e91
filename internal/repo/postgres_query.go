package repo

import (
	sq "github.com/Masterminds/squirrel"

	"github.com/sir_venger/databank/internal/models"
)

const ownersTable = "blob_owners"

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

func insertOwnerQuery(e models.OwnershipEntry) (string, []any, error) {
	return psql.
		Insert(ownersTable).
		Columns("namespace", "file_id", "size_bytes", "created_at").
		Values(e.Namespace, e.FileID, e.Size, e.CreatedAt.UTC()).
		Suffix("ON CONFLICT (namespace, file_id) DO NOTHING").
		ToSql()
}

func deleteOwnerQuery(namespace, fileID string) (string, []any, error) {
	return psql.
		Delete(ownersTable).
		Where(sq.And{sq.Eq{"namespace": namespace}, sq.Eq{"file_id": fileID}}).
		ToSql()
}

func ownersQuery(fileID string) (string, []any, error) {
	return psql.
		Select("namespace").
		From(ownersTable).
		Where(sq.Eq{"file_id": fileID}).
		OrderBy("namespace").
		ToSql()
}

func listQuery(namespace string) (string, []any, error) {
	return psql.
		Select("namespace", "file_id", "size_bytes", "created_at").
		From(ownersTable).
		Where(sq.Eq{"namespace": namespace}).
		OrderBy("created_at", "file_id").
		ToSql()
}

func namespacesQuery() (string, []any, error) {
	return psql.
		Select("DISTINCT namespace").
		From(ownersTable).
		OrderBy("namespace").
		ToSql()
}
