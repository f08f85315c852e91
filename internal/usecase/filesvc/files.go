package filesvc

import (
	"context"
	"fmt"
	"io"

	"github.com/sir_venger/databank/internal/models"
)

const maxNamespaceLen = 64

// Upload сохраняет поток и записывает владение за namespace.
func (s *Files) Upload(ctx context.Context, namespace string, r io.Reader, size int64, contentType string) (models.BlobRecord, error) {
	ns, err := NormalizeNamespace(namespace)
	if err != nil {
		return models.BlobRecord{}, err
	}

	rec, err := s.Store.Put(ctx, r, size, contentType)
	if err != nil {
		return models.BlobRecord{}, err
	}

	if s.Ledger != nil {
		if err := s.Ledger.Commit(ctx, ns, rec, s.present); err != nil {
			s.Logger.Error().Err(err).Str("namespace", ns).Str("file_id", rec.FileID).Msg("ownership not recorded")
			return models.BlobRecord{}, err
		}
	}

	s.Logger.Info().
		Str("namespace", ns).
		Str("file_id", rec.FileID).
		Int64("size", rec.Size).
		Msg("blob stored")

	return rec, nil
}

func (s *Files) Download(ctx context.Context, fileID, rangeSpec string) (Object, error) {
	return s.Store.Get(ctx, fileID, rangeSpec)
}

func (s *Files) Info(ctx context.Context, fileID string) (models.BlobRecord, error) {
	return s.Store.Head(ctx, fileID)
}

func (s *Files) present(ctx context.Context, fileID string) error {
	_, err := s.Store.Head(ctx, fileID)
	return err
}

// Delete удаляет блоб целиком и снимает его со всех пространств имён.
func (s *Files) Delete(ctx context.Context, fileID string, strict bool) error {
	if s.Ledger != nil {
		unlock := s.Ledger.LockBlob(fileID)
		defer unlock()
	}

	existed, err := s.Store.Delete(ctx, fileID, strict)
	if err != nil {
		return err
	}

	if s.Ledger != nil {
		released, err := s.Ledger.Forget(ctx, fileID)
		if err != nil {
			return err
		}
		s.Logger.Info().Str("file_id", fileID).Bool("existed", existed).Strs("released", released).Msg("blob deleted")
	}

	return nil
}

// NormalizeNamespace подставляет DefaultNamespace и проверяет допустимые символы [A-Za-z0-9._-].
func NormalizeNamespace(ns string) (string, error) {
	if ns == "" {
		return DefaultNamespace, nil
	}
	if len(ns) > maxNamespaceLen {
		return "", fmt.Errorf("%w: namespace longer than %d", models.ErrValidation, maxNamespaceLen)
	}
	for i := 0; i < len(ns); i++ {
		c := ns[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '.', c == '_', c == '-':
		default:
			return "", fmt.Errorf("%w: bad namespace %q", models.ErrValidation, ns)
		}
	}

	return ns, nil
}
