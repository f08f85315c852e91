package blobstore

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sir_venger/databank/internal/models"
)

const (
	tmpDirName    = ".tmp"
	uploadPrefix  = "upload_"
	sidecarSuffix = ".meta.json"
)

// shardDir возвращает {root}/{hex[0:2]}/{hex[2:4]}. id должен быть уже проверен.
func (e *Engine) shardDir(id string) string {
	return filepath.Join(e.root, id[0:2], id[2:4])
}

func (e *Engine) blobPath(id string) string {
	return filepath.Join(e.shardDir(id), id)
}

func (e *Engine) sidecarPath(id string) string {
	return filepath.Join(e.shardDir(id), id+sidecarSuffix)
}

// checkID остаётся единственной точкой, через которую строка от клиента попадает в путь.
func checkID(id string) error {
	if !models.ValidFileID(id) {
		return fmt.Errorf("%w: file_id must be %d lowercase hex characters", models.ErrValidation, models.FileIDLength)
	}

	return nil
}

// syncDir делает fsync каталога, чтобы rename пережил падение.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()

	return d.Sync()
}

// cleanupEmptyDirs поднимается от каталога шарда к корню и удаляет пустые каталоги.
func (e *Engine) cleanupEmptyDirs(dir string) {
	for dir != e.root && len(dir) > len(e.root) {
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			return
		}
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

func isHexPair(name string) bool {
	if len(name) != 2 {
		return false
	}
	for i := 0; i < 2; i++ {
		c := name[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}

	return true
}
