package storageclient

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sir_venger/databank/internal/models"
)

const partialSuffix = ".part"

// Fetch отдаёт путь к проверенной копии блоба в кэше. При попадании в кэш сеть не используется.
// Параллельные вызовы с одним id сводятся к одной загрузке.
// Недокачанный файл <id>.part остаётся в кэше и продолжается следующим вызовом через Range.
func (h *httpClient) Fetch(ctx context.Context, fileID string) (string, error) {
	if !models.ValidFileID(fileID) {
		return "", fmt.Errorf("%w: malformed file id", ErrValidation)
	}
	if path, ok := h.cached(fileID); ok {
		return path, nil
	}

	v, err, _ := h.flights.Do(fileID, func() (any, error) {
		return h.fetch(ctx, fileID)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (h *httpClient) cachePath(fileID string) string {
	return filepath.Join(h.cacheDir, fileID)
}

func (h *httpClient) cached(fileID string) (string, bool) {
	path := h.cachePath(fileID)
	st, err := os.Stat(path)
	if err != nil || !st.Mode().IsRegular() {
		return "", false
	}
	return path, true
}

func (h *httpClient) fetch(ctx context.Context, fileID string) (string, error) {
	if path, ok := h.cached(fileID); ok {
		return path, nil
	}
	if err := os.MkdirAll(h.cacheDir, 0o755); err != nil {
		return "", fmt.Errorf("create cache dir: %w", err)
	}
	ctx = WithRequestID(ctx, requestID(ctx))
	log := h.log.With().Str("file_id", fileID).Logger()

	info, err := h.Head(ctx, fileID)
	if err != nil {
		return "", err
	}

	partial := h.cachePath(fileID) + partialSuffix
	bar := newProgressBar(h.progress, "Fetching "+shortID(fileID), info.Size)

	err = h.retry(ctx, "fetch", func() error {
		return h.resume(ctx, fileID, partial, info.Size, bar)
	})
	if err != nil {
		bar.Fail(err)
		return "", err
	}

	if err := verifyPartial(partial, fileID, info); err != nil {
		_ = os.Remove(partial)
		bar.Fail(err)
		log.Warn().Err(err).Msg("fetched blob failed verification")
		return "", err
	}

	final := h.cachePath(fileID)
	if err := os.Rename(partial, final); err != nil {
		bar.Fail(err)
		return "", fmt.Errorf("promote %s: %w", fileID, err)
	}
	if err := syncDir(h.cacheDir); err != nil {
		log.Warn().Err(err).Msg("sync cache dir")
	}

	bar.Finish()
	log.Debug().Int64("size", info.Size).Msg("blob cached")
	return final, nil
}

// resume дописывает partial до размера expected одним запросом с Range: bytes=<offset>-.
// Обрыв посреди тела возвращается как transient, и следующая попытка продолжит с нового offset.
func (h *httpClient) resume(ctx context.Context, fileID, partial string, expected int64, bar *progressBar) error {
	f, err := os.OpenFile(partial, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("open partial: %w", err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return err
	}
	offset := st.Size()
	if offset > expected {
		if err := f.Truncate(0); err != nil {
			return err
		}
		offset = 0
	}
	if offset == expected {
		bar.Start(offset)
		return nil
	}

	resp, err := h.get(ctx, fileID, offset)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusPartialContent:
		start, ok := contentRangeStart(resp.Header.Get("Content-Range"))
		if !ok || start != offset {
			if err := f.Truncate(0); err != nil {
				return err
			}
			return fmt.Errorf("%w: unexpected Content-Range %q for offset %d", ErrTransient, resp.Header.Get("Content-Range"), offset)
		}
	case http.StatusOK:
		// Сервер отдал объект целиком: начинаем заново.
		if offset > 0 {
			if err := f.Truncate(0); err != nil {
				return err
			}
			offset = 0
		}
	case http.StatusRequestedRangeNotSatisfiable:
		if err := f.Truncate(0); err != nil {
			return err
		}
		return fmt.Errorf("%w: server rejected resume at %d", ErrTransient, offset)
	default:
		return newStatusError(resp)
	}

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return err
	}
	bar.Start(offset)

	n, copyErr := io.Copy(io.MultiWriter(f, bar), resp.Body)
	if err := f.Sync(); err != nil && copyErr == nil {
		copyErr = err
	}
	if copyErr != nil {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		return fmt.Errorf("%w: interrupted at %d: %w", ErrTransient, offset+n, copyErr)
	}
	if offset+n < expected {
		return fmt.Errorf("%w: short body, have %d of %d", ErrTransient, offset+n, expected)
	}
	return nil
}

// verifyPartial сверяет размер и SHA-256 с идентификатором и с тем, что сервер сообщил на HEAD.
func verifyPartial(path, fileID string, info RemoteInfo) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	hasher := sha256.New()
	n, err := io.Copy(hasher, f)
	if err != nil {
		return err
	}
	if n != info.Size {
		return fmt.Errorf("%w: size %d, expected %d", ErrIntegrityMismatch, n, info.Size)
	}

	sum := hex.EncodeToString(hasher.Sum(nil))
	for _, want := range []string{fileID, info.ETag, info.Checksum} {
		if want != "" && want != sum {
			return fmt.Errorf("%w: sha256 %s, expected %s", ErrIntegrityMismatch, sum, want)
		}
	}
	return nil
}

// contentRangeStart достаёт первую позицию из "bytes <start>-<end>/<total>".
func contentRangeStart(v string) (int64, bool) {
	rest, ok := strings.CutPrefix(v, "bytes ")
	if !ok {
		return 0, false
	}
	first, _, ok := strings.Cut(rest, "-")
	if !ok {
		return 0, false
	}
	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil {
		return 0, false
	}
	return start, true
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	if err := d.Sync(); err != nil && !errors.Is(err, os.ErrInvalid) {
		return err
	}
	return nil
}
