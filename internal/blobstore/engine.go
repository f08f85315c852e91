// Package blobstore — контентно-адресуемое хранилище блобов на локальном диске.
//
// Блоб записывается во временный файл {root}/.tmp/upload_<uuid>, по ходу считается SHA-256,
// затем файл синхронизируется и атомарно переименовывается в {root}/{hex[0:2]}/{hex[2:4]}/{file_id}.
// Рядом лежит необязательный {file_id}.meta.json; без него размер и хеш пересчитываются из самого блоба.
package blobstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/sir_venger/databank/internal/admission"
	"github.com/sir_venger/databank/internal/models"
)

// Reclaimer освобождает место, когда запись не прошла контроль свободного места.
type Reclaimer interface {
	Reclaim(ctx context.Context) error
}

// Engine реализует put/get/head/delete поверх каталога root.
type Engine struct {
	root   string
	tmpDir string
	opts   Options
	guard  *admission.Guard

	mu        sync.RWMutex
	reclaimer Reclaimer
}

// New открывает (и при необходимости создаёт) хранилище в root.
func New(root string, opts ...OptionFunc) (*Engine, error) {
	if root == "" {
		return nil, fmt.Errorf("%w: empty data root", models.ErrValidation)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}

	o := defaultOptions()
	for _, fn := range opts {
		fn(&o)
	}

	e := &Engine{
		root:   filepath.Clean(abs),
		tmpDir: filepath.Join(abs, tmpDirName),
		opts:   o,
		guard:  o.Guard,
	}
	if e.guard == nil {
		e.guard = admission.New(e.root, admission.Threshold{}, nil)
	}

	if err := os.MkdirAll(e.tmpDir, o.DirMode); err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}

	return e, nil
}

// Root возвращает абсолютный путь к каталогу данных.
func (e *Engine) Root() string {
	return e.root
}

// SetReclaimer подключает реактивную очистку. nil отключает её.
func (e *Engine) SetReclaimer(r Reclaimer) {
	e.mu.Lock()
	e.reclaimer = r
	e.mu.Unlock()
}

// Put сохраняет поток r. При sizeHint < 0 размер неизвестен.
func (e *Engine) Put(ctx context.Context, r io.Reader, sizeHint int64, contentType string) (models.BlobRecord, error) {
	if limit := e.opts.MaxFileBytes; limit > 0 && sizeHint > limit {
		return models.BlobRecord{}, fmt.Errorf("%w: %d bytes exceeds limit %d", models.ErrTooLarge, sizeHint, limit)
	}

	ticket, err := e.admit(ctx, sizeHint)
	if err != nil {
		return models.BlobRecord{}, err
	}

	tmpPath := filepath.Join(e.tmpDir, uploadPrefix+uuid.NewString())
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, e.opts.FileMode)
	if err != nil {
		return models.BlobRecord{}, fmt.Errorf("create temp file: %w", err)
	}

	committed := false
	defer func() {
		if !committed {
			_ = f.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	h := sha256.New()
	written, err := e.stream(ctx, f, h, r, sizeHint, ticket)
	if err != nil {
		e.opts.Logger.Debug().Err(err).Int64("written", written).Msg("upload aborted")
		return models.BlobRecord{}, err
	}

	if err := f.Sync(); err != nil {
		return models.BlobRecord{}, fmt.Errorf("sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return models.BlobRecord{}, fmt.Errorf("close temp file: %w", err)
	}

	id := hex.EncodeToString(h.Sum(nil))
	rec := models.BlobRecord{
		FileID:      id,
		Size:        written,
		ContentHash: id,
		ContentType: models.NormalizeContentType(contentType),
		CreatedAt:   e.opts.Now().UTC(),
	}

	// Такой блоб уже есть: одинаковый id означает одинаковые байты.
	if _, err := os.Stat(e.blobPath(id)); err == nil {
		committed = true
		_ = os.Remove(tmpPath)
		if existing, err := e.readSidecar(id); err == nil {
			return existing, nil
		}
		e.storeSidecar(rec)
		return rec, nil
	}

	if err := e.promote(tmpPath, id); err != nil {
		return models.BlobRecord{}, err
	}
	committed = true

	e.storeSidecar(rec)

	return rec, nil
}

func (e *Engine) admit(ctx context.Context, sizeHint int64) (*admission.Ticket, error) {
	ticket, err := e.guard.Admit(sizeHint)
	if err == nil || !errors.Is(err, models.ErrInsufficientStorage) {
		return ticket, err
	}

	e.mu.RLock()
	rc := e.reclaimer
	e.mu.RUnlock()
	if rc == nil {
		return nil, err
	}

	e.opts.Logger.Info().Err(err).Int64("size_hint", sizeHint).Msg("admission rejected, reclaiming")
	if rerr := rc.Reclaim(ctx); rerr != nil {
		e.opts.Logger.Warn().Err(rerr).Msg("reclaim failed")
	}

	return e.guard.Admit(sizeHint)
}

// stream копирует r в w и hasher кусками ChunkSize, периодически перепроверяя свободное место.
func (e *Engine) stream(ctx context.Context, w io.Writer, hasher io.Writer, r io.Reader, sizeHint int64, ticket *admission.Ticket) (int64, error) {
	buf := make([]byte, e.opts.ChunkSize)
	var written int64
	nextCheck := e.opts.CheckEvery
	limit := e.opts.MaxFileBytes

	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		n, rerr := r.Read(buf)
		if n > 0 {
			written += int64(n)
			if limit > 0 && written > limit {
				return written, fmt.Errorf("%w: limit %d bytes", models.ErrTooLarge, limit)
			}
			if _, err := w.Write(buf[:n]); err != nil {
				return written, fmt.Errorf("write temp file: %w", err)
			}
			_, _ = hasher.Write(buf[:n])

			// Заявленный размер уже проверен заранее, пока поток в него укладывается.
			if (sizeHint < 0 || written > sizeHint) && written >= nextCheck {
				if err := ticket.Check(written); err != nil {
					return written, err
				}
				nextCheck = written + e.opts.CheckEvery
			}
		}

		if errors.Is(rerr, io.EOF) {
			return written, nil
		}
		if rerr != nil {
			return written, fmt.Errorf("read upload: %w", rerr)
		}
	}
}

// promote переименовывает временный файл в адрес блоба и синхронизирует каталог шарда.
func (e *Engine) promote(tmpPath, id string) error {
	dir := e.shardDir(id)
	final := e.blobPath(id)

	var err error
	// Параллельный Delete мог убрать пустой каталог шарда между MkdirAll и Rename.
	for attempt := 0; attempt < 2; attempt++ {
		if err = os.MkdirAll(dir, e.opts.DirMode); err != nil {
			return fmt.Errorf("create shard dir: %w", err)
		}
		if err = os.Rename(tmpPath, final); err == nil || !errors.Is(err, fs.ErrNotExist) {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("commit blob: %w", err)
	}

	if err := syncDir(dir); err != nil {
		return fmt.Errorf("sync shard dir: %w", err)
	}

	return nil
}

func (e *Engine) storeSidecar(rec models.BlobRecord) {
	if err := e.writeSidecar(rec); err != nil {
		e.opts.Logger.Warn().Err(err).Str("file_id", rec.FileID).Msg("sidecar write failed")
	}
}

// Head возвращает запись о блобе: из sidecar'а, а при его отсутствии пересчитанную по содержимому.
func (e *Engine) Head(ctx context.Context, id string) (models.BlobRecord, error) {
	if err := checkID(id); err != nil {
		return models.BlobRecord{}, err
	}

	fi, err := os.Stat(e.blobPath(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return models.BlobRecord{}, fmt.Errorf("%w: %s", models.ErrNotFound, id)
		}
		return models.BlobRecord{}, fmt.Errorf("stat blob: %w", err)
	}

	rec, err := e.readSidecar(id)
	if err == nil && rec.Size == fi.Size() {
		return rec, nil
	}
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		e.opts.Logger.Warn().Err(err).Str("file_id", id).Msg("sidecar unreadable, recomputing")
	}

	return e.recompute(ctx, id, fi)
}

func (e *Engine) recompute(ctx context.Context, id string, fi fs.FileInfo) (models.BlobRecord, error) {
	f, err := os.Open(e.blobPath(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return models.BlobRecord{}, fmt.Errorf("%w: %s", models.ErrNotFound, id)
		}
		return models.BlobRecord{}, fmt.Errorf("open blob: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.CopyBuffer(h, &ctxReader{ctx: ctx, r: f}, make([]byte, e.opts.ChunkSize))
	if err != nil {
		return models.BlobRecord{}, fmt.Errorf("hash blob: %w", err)
	}

	sum := hex.EncodeToString(h.Sum(nil))
	if sum != id {
		e.opts.Logger.Error().Str("file_id", id).Str("actual", sum).Msg("blob content does not match its address")
		return models.BlobRecord{}, fmt.Errorf("%w: %s hashes to %s", models.ErrCorrupt, id, sum)
	}

	rec := models.BlobRecord{
		FileID:      id,
		Size:        n,
		ContentHash: sum,
		ContentType: models.DefaultContentType,
		CreatedAt:   fi.ModTime().UTC(),
	}
	e.storeSidecar(rec)

	return rec, nil
}

// Delete удаляет блоб и его sidecar. Возвращает, существовал ли блоб.
// Отсутствующий блоб считается ошибкой только при strict.
func (e *Engine) Delete(_ context.Context, id string, strict bool) (bool, error) {
	if err := checkID(id); err != nil {
		return false, err
	}

	err := os.Remove(e.blobPath(id))
	existed := err == nil
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("remove blob: %w", err)
	}

	if err := os.Remove(e.sidecarPath(id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		e.opts.Logger.Warn().Err(err).Str("file_id", id).Msg("sidecar remove failed")
	}

	if !existed {
		if strict {
			return false, fmt.Errorf("%w: %s", models.ErrNotFound, id)
		}
		return false, nil
	}

	e.cleanupEmptyDirs(e.shardDir(id))

	return true, nil
}

// Usage возвращает текущие показания тома с данными.
func (e *Engine) Usage() (admission.Reading, error) {
	return e.guard.Reading()
}

// Ready проверяет, что в каталог можно писать и свободного места выше порога.
func (e *Engine) Ready() error {
	f, err := os.CreateTemp(e.tmpDir, "ready_*")
	if err != nil {
		return fmt.Errorf("data root not writable: %w", err)
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)

	_, ok, err := e.guard.Healthy()
	if err != nil {
		return err
	}
	if !ok {
		return models.ErrInsufficientStorage
	}

	return nil
}

// ctxReader прерывает долгое чтение при отмене контекста.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}

	return c.r.Read(p)
}
