// Package storageclient — клиент узла хранения: загрузка, метаданные, удаление
// и Fetch с локальным кэшем, докачкой и проверкой целостности.
package storageclient

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/sir_venger/databank/internal/models"
	"github.com/sir_venger/databank/pkg/storageproto"
)

// RemoteInfo — то, что сервер сообщает на HEAD.
type RemoteInfo struct {
	Size        int64
	ETag        string
	Checksum    string
	ContentType string
}

type Client interface {
	// Upload загружает поток. Повторяется только если r реализует io.Seeker.
	Upload(ctx context.Context, r io.Reader, size int64, contentType string) (BlobRecord, error)
	// Head запрашивает размер и контрольную сумму без тела.
	Head(ctx context.Context, fileID string) (RemoteInfo, error)
	// Info возвращает метаданные блоба.
	Info(ctx context.Context, fileID string) (BlobRecord, error)
	// Delete удаляет блоб.
	Delete(ctx context.Context, fileID string) error
	// Download пишет содержимое начиная с offset в w и возвращает число записанных байт.
	Download(ctx context.Context, fileID string, offset int64, w io.Writer) (int64, error)
	// Fetch гарантирует наличие проверенной копии в локальном кэше и возвращает путь к ней.
	Fetch(ctx context.Context, fileID string) (string, error)
}

type httpClient struct {
	base      string
	c         *http.Client
	namespace string
	cacheDir  string
	attempts  int
	initial   time.Duration
	maxWait   time.Duration
	progress  io.Writer
	log       zerolog.Logger
	flights   singleflight.Group
}

type Option func(*httpClient)

func WithHTTPClient(c *http.Client) Option {
	return func(h *httpClient) {
		if c != nil {
			h.c = c
		}
	}
}

// WithCacheDir задаёт каталог кэша для Fetch.
func WithCacheDir(dir string) Option {
	return func(h *httpClient) { h.cacheDir = dir }
}

// WithRetry задаёт число попыток и начальную паузу экспоненциального backoff.
func WithRetry(attempts int, initial time.Duration) Option {
	return func(h *httpClient) {
		if attempts > 0 {
			h.attempts = attempts
		}
		if initial > 0 {
			h.initial = initial
			if h.maxWait < initial {
				h.maxWait = initial
			}
		}
	}
}

func WithNamespace(ns string) Option {
	return func(h *httpClient) { h.namespace = ns }
}

// WithProgress включает вывод индикатора выполнения в w.
func WithProgress(w io.Writer) Option {
	return func(h *httpClient) { h.progress = w }
}

func WithLogger(l zerolog.Logger) Option {
	return func(h *httpClient) { h.log = l }
}

// New создаёт клиент узла по базовому адресу вида http://host:port.
func New(baseURL string, opts ...Option) Client {
	h := &httpClient{
		base:     strings.TrimRight(baseURL, "/"),
		c:        &http.Client{},
		cacheDir: filepath.Join(os.TempDir(), "databank-cache"),
		attempts: 5,
		initial:  200 * time.Millisecond,
		maxWait:  5 * time.Second,
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type requestIDKey struct{}

// WithRequestID привязывает идентификатор запроса к контексту. Все попытки одной операции
// отправляют один и тот же X-Request-ID.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func requestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok && id != "" {
		return id
	}
	return uuid.NewString()
}

func (h *httpClient) fileURL(id string) string {
	return fmt.Sprintf(storageproto.FilePathFormat, h.base, id)
}

func (h *httpClient) newRequest(ctx context.Context, method, url string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set(storageproto.HeaderRequestID, requestID(ctx))
	if h.namespace != "" {
		req.Header.Set(storageproto.HeaderNamespace, h.namespace)
	}
	return req, nil
}

// send выполняет запрос; сетевые сбои помечаются как transient, отмена контекста — нет.
func (h *httpClient) send(req *http.Request) (*http.Response, error) {
	resp, err := h.c.Do(req)
	if err != nil {
		if cerr := req.Context().Err(); cerr != nil {
			return nil, cerr
		}
		return nil, fmt.Errorf("%w: %w", ErrTransient, err)
	}
	return resp, nil
}

// retry повторяет op с экспоненциальной паузой, пока ошибка transient и попытки не исчерпаны.
func (h *httpClient) retry(ctx context.Context, name string, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = h.initial
	b.MaxInterval = h.maxWait
	b.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(h.attempts-1)), ctx)
	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := op()
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return backoff.Permanent(err)
		}
		h.log.Debug().Err(err).Str("op", name).Int("attempt", attempt).Msg("transient failure")
		return err
	}, policy)
}

func (h *httpClient) Upload(ctx context.Context, r io.Reader, size int64, contentType string) (BlobRecord, error) {
	ctx = WithRequestID(ctx, requestID(ctx))
	seeker, seekable := r.(io.Seeker)

	var rec BlobRecord
	bar := newProgressBar(h.progress, "Uploading", size)
	once := func() error {
		if seekable {
			if _, err := seeker.Seek(0, io.SeekStart); err != nil {
				return fmt.Errorf("rewind upload body: %w", err)
			}
		}
		bar.Start(0)

		hasher := sha256.New()
		body := io.TeeReader(r, io.MultiWriter(hasher, bar))
		req, err := h.newRequest(ctx, http.MethodPost, h.base+storageproto.FilesPath, io.NopCloser(body))
		if err != nil {
			return err
		}
		req.ContentLength = size
		if size < 0 {
			req.ContentLength = -1
		}
		req.Header.Set("Content-Type", models.NormalizeContentType(contentType))

		resp, err := h.send(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
			return newStatusError(resp)
		}
		if rec, err = decodeInfo(resp.Body); err != nil {
			return err
		}
		return checkDigest(hasher, rec.FileID)
	}

	var err error
	if seekable {
		err = h.retry(ctx, "upload", once)
	} else {
		err = once()
	}
	if err != nil {
		bar.Fail(err)
		return BlobRecord{}, err
	}
	bar.Finish()
	return rec, nil
}

// checkDigest сверяет хеш отправленных байтов с идентификатором, который вернул сервер.
func checkDigest(hasher hash.Hash, fileID string) error {
	sum := hex.EncodeToString(hasher.Sum(nil))
	if sum != fileID {
		return fmt.Errorf("%w: sent %s, stored %s", ErrIntegrityMismatch, sum, fileID)
	}
	return nil
}

func (h *httpClient) Head(ctx context.Context, fileID string) (RemoteInfo, error) {
	if !models.ValidFileID(fileID) {
		return RemoteInfo{}, fmt.Errorf("%w: malformed file id", ErrValidation)
	}
	ctx = WithRequestID(ctx, requestID(ctx))

	var info RemoteInfo
	err := h.retry(ctx, "head", func() error {
		var err error
		info, err = h.head(ctx, fileID)
		return err
	})
	return info, err
}

func (h *httpClient) head(ctx context.Context, fileID string) (RemoteInfo, error) {
	req, err := h.newRequest(ctx, http.MethodHead, h.fileURL(fileID), nil)
	if err != nil {
		return RemoteInfo{}, err
	}
	resp, err := h.send(req)
	if err != nil {
		return RemoteInfo{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return RemoteInfo{}, newStatusError(resp)
	}

	size := resp.ContentLength
	if size < 0 {
		if size, err = strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64); err != nil {
			return RemoteInfo{}, fmt.Errorf("head %s: missing Content-Length", fileID)
		}
	}

	return RemoteInfo{
		Size:        size,
		ETag:        strings.Trim(resp.Header.Get("ETag"), `"`),
		Checksum:    resp.Header.Get(storageproto.HeaderChecksum),
		ContentType: resp.Header.Get("Content-Type"),
	}, nil
}

func (h *httpClient) Info(ctx context.Context, fileID string) (BlobRecord, error) {
	if !models.ValidFileID(fileID) {
		return BlobRecord{}, fmt.Errorf("%w: malformed file id", ErrValidation)
	}
	ctx = WithRequestID(ctx, requestID(ctx))

	var rec BlobRecord
	err := h.retry(ctx, "info", func() error {
		req, err := h.newRequest(ctx, http.MethodGet, fmt.Sprintf(storageproto.FileInfoFormat, h.base, fileID), nil)
		if err != nil {
			return err
		}
		resp, err := h.send(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return newStatusError(resp)
		}
		rec, err = decodeInfo(resp.Body)
		return err
	})
	return rec, err
}

func (h *httpClient) Delete(ctx context.Context, fileID string) error {
	if !models.ValidFileID(fileID) {
		return fmt.Errorf("%w: malformed file id", ErrValidation)
	}
	ctx = WithRequestID(ctx, requestID(ctx))

	return h.retry(ctx, "delete", func() error {
		req, err := h.newRequest(ctx, http.MethodDelete, h.fileURL(fileID), nil)
		if err != nil {
			return err
		}
		resp, err := h.send(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
			return newStatusError(resp)
		}
		return nil
	})
}

// Download повторяет только установку соединения: после первого записанного в w байта
// ошибка возвращается как есть, и вызывающий может продолжить с нового offset.
func (h *httpClient) Download(ctx context.Context, fileID string, offset int64, w io.Writer) (int64, error) {
	if !models.ValidFileID(fileID) {
		return 0, fmt.Errorf("%w: malformed file id", ErrValidation)
	}
	if offset < 0 {
		return 0, fmt.Errorf("%w: negative offset", ErrValidation)
	}
	ctx = WithRequestID(ctx, requestID(ctx))

	var resp *http.Response
	err := h.retry(ctx, "download", func() error {
		r, err := h.get(ctx, fileID, offset)
		if err != nil {
			return err
		}
		if r.StatusCode != http.StatusOK && r.StatusCode != http.StatusPartialContent {
			defer r.Body.Close()
			return newStatusError(r)
		}
		if offset > 0 && r.StatusCode == http.StatusOK {
			r.Body.Close()
			return fmt.Errorf("download %s: server ignored range", fileID)
		}
		resp = r
		return nil
	})
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	bar := newProgressBar(h.progress, "Downloading "+shortID(fileID), offset+max(resp.ContentLength, 0))
	bar.Start(offset)
	n, err := io.Copy(w, io.TeeReader(resp.Body, bar))
	if err != nil {
		bar.Fail(err)
		return n, err
	}
	bar.Finish()
	return n, nil
}

func (h *httpClient) get(ctx context.Context, fileID string, offset int64) (*http.Response, error) {
	req, err := h.newRequest(ctx, http.MethodGet, h.fileURL(fileID), nil)
	if err != nil {
		return nil, err
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}
	return h.send(req)
}

func decodeInfo(r io.Reader) (BlobRecord, error) {
	var info storageproto.FileInfo
	if err := json.NewDecoder(r).Decode(&info); err != nil {
		return BlobRecord{}, fmt.Errorf("decode file info: %w", err)
	}
	created, err := time.Parse(time.RFC3339Nano, info.CreatedAt)
	if err != nil {
		return BlobRecord{}, fmt.Errorf("decode file info: created_at: %w", err)
	}
	return BlobRecord{
		FileID:      info.FileID,
		Size:        info.Size,
		ContentHash: info.Sha256,
		ContentType: info.ContentType,
		CreatedAt:   created,
	}, nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
