package blobstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sir_venger/databank/internal/models"
)

// sidecar лежит рядом с блобом как {file_id}.meta.json. Это кэш, а не источник истины.
type sidecar struct {
	SizeBytes   int64     `json:"size_bytes"`
	ContentType string    `json:"content_type"`
	CreatedAt   time.Time `json:"created_at"`
	Sha256      string    `json:"sha256"`
}

func (e *Engine) writeSidecar(rec models.BlobRecord) error {
	b, err := json.MarshalIndent(sidecar{
		SizeBytes:   rec.Size,
		ContentType: rec.ContentType,
		CreatedAt:   rec.CreatedAt.UTC(),
		Sha256:      rec.ContentHash,
	}, "", "  ")
	if err != nil {
		return err
	}

	return syncedWriteFile(e.sidecarPath(rec.FileID), b, e.opts.FileMode)
}

// readSidecar возвращает запись из sidecar'а. Любая несостыковка с id считается промахом.
func (e *Engine) readSidecar(id string) (models.BlobRecord, error) {
	b, err := os.ReadFile(e.sidecarPath(id))
	if err != nil {
		return models.BlobRecord{}, err
	}

	var sc sidecar
	if err := json.Unmarshal(b, &sc); err != nil {
		return models.BlobRecord{}, fmt.Errorf("decode sidecar: %w", err)
	}
	if sc.Sha256 != id || sc.SizeBytes < 0 {
		return models.BlobRecord{}, fmt.Errorf("sidecar does not describe %s", id)
	}

	return models.BlobRecord{
		FileID:      id,
		Size:        sc.SizeBytes,
		ContentHash: sc.Sha256,
		ContentType: models.NormalizeContentType(sc.ContentType),
		CreatedAt:   sc.CreatedAt,
	}, nil
}

// syncedWriteFile пишет data во временный файл того же каталога, делает fsync и
// переименовывает поверх path, так что читатель видит либо старую, либо новую версию.
func syncedWriteFile(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	success = true

	return nil
}
