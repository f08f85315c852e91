package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sir_venger/databank/internal/models"
)

// WalkFunc получает облегчённую запись о блобе: размер из stat, created_at и content_type
// из sidecar'а (или mtime и тип по умолчанию). Вызовы сериализованы.
type WalkFunc func(rec models.BlobRecord) error

// Walk обходит все блобы, параллельно по шардам верхнего уровня.
// Файлы, исчезнувшие во время обхода, пропускаются.
func (e *Engine) Walk(ctx context.Context, fn WalkFunc) error {
	entries, err := os.ReadDir(e.root)
	if err != nil {
		return fmt.Errorf("read data root: %w", err)
	}

	var mu sync.Mutex
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(e.opts.WalkParallelism)

	for _, entry := range entries {
		if !entry.IsDir() || !isHexPair(entry.Name()) {
			continue
		}
		top := filepath.Join(e.root, entry.Name())

		eg.Go(func() error {
			return filepath.WalkDir(top, func(path string, d fs.DirEntry, err error) error {
				if err != nil {
					if errors.Is(err, fs.ErrNotExist) {
						return nil
					}
					return err
				}
				if err := egCtx.Err(); err != nil {
					return err
				}
				if d.IsDir() || !models.ValidFileID(d.Name()) {
					return nil
				}

				rec, ok := e.lightRecord(d)
				if !ok {
					return nil
				}

				mu.Lock()
				defer mu.Unlock()
				return fn(rec)
			})
		})
	}

	return eg.Wait()
}

func (e *Engine) lightRecord(d fs.DirEntry) (models.BlobRecord, bool) {
	fi, err := d.Info()
	if err != nil {
		return models.BlobRecord{}, false
	}
	id := d.Name()

	rec := models.BlobRecord{
		FileID:      id,
		Size:        fi.Size(),
		ContentHash: id,
		ContentType: models.DefaultContentType,
		CreatedAt:   fi.ModTime().UTC(),
	}
	if sc, err := e.readSidecar(id); err == nil {
		rec.ContentType = sc.ContentType
		rec.CreatedAt = sc.CreatedAt
	}

	return rec, true
}

// SweepTemp удаляет брошенные временные файлы загрузок старше olderThan.
func (e *Engine) SweepTemp(ctx context.Context, olderThan time.Duration) (int, error) {
	entries, err := os.ReadDir(e.tmpDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("read temp dir: %w", err)
	}

	cutoff := e.opts.Now().Add(-olderThan)
	removed := 0
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), uploadPrefix) {
			continue
		}

		fi, err := entry.Info()
		if err != nil || fi.ModTime().After(cutoff) {
			continue
		}

		if err := os.Remove(filepath.Join(e.tmpDir, entry.Name())); err == nil {
			removed++
		}
	}

	return removed, nil
}
