// Package fsstore подключает blobstore.Engine к filesvc как реализацию BlobStore.
package fsstore

import (
	"context"

	"github.com/sir_venger/databank/internal/blobstore"
	"github.com/sir_venger/databank/internal/usecase/filesvc"
)

// Store оборачивает Engine; всё, кроме Get, проходит напрямую.
type Store struct {
	*blobstore.Engine
}

func New(e *blobstore.Engine) *Store {
	return &Store{Engine: e}
}

var _ filesvc.BlobStore = (*Store)(nil)

func (s *Store) Get(ctx context.Context, fileID, rangeSpec string) (filesvc.Object, error) {
	obj, err := s.Engine.Get(ctx, fileID, rangeSpec)
	if err != nil {
		return nil, err
	}

	return obj, nil
}
