package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/sir_venger/databank/internal/byterange"
	"github.com/sir_venger/databank/internal/models"
)

// Object — результат Get: запись о блобе и отрезок, который нужно отдать.
// Содержимое открывается лениво и может быть прочитано заново с начала.
type Object struct {
	record    models.BlobRecord
	span      byterange.Resolution
	path      string
	chunkSize int
}

// Get находит блоб и разрешает rangeSpec. Пустой rangeSpec означает весь блоб.
func (e *Engine) Get(ctx context.Context, id, rangeSpec string) (*Object, error) {
	rec, err := e.Head(ctx, id)
	if err != nil {
		return nil, err
	}

	res := byterange.Resolution{Length: rec.Size}
	if rangeSpec != "" {
		res, err = byterange.Resolve(rangeSpec, rec.Size)
		if err != nil {
			return nil, err
		}
	}

	return &Object{
		record:    rec,
		span:      res,
		path:      e.blobPath(id),
		chunkSize: e.opts.ChunkSize,
	}, nil
}

func (o *Object) Record() models.BlobRecord {
	return o.record
}

// Span возвращает разрешённый отрезок. Span().Partial() == false означает весь блоб.
func (o *Object) Span() byterange.Resolution {
	return o.span
}

// Length сообщает, сколько байт вернёт Open.
func (o *Object) Length() int64 {
	return o.span.Length
}

// Open открывает отрезок блоба для чтения. Каждый вызов начинает с начала отрезка.
func (o *Object) Open() (io.ReadCloser, error) {
	f, err := os.Open(o.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", models.ErrNotFound, o.record.FileID)
		}
		return nil, fmt.Errorf("open blob: %w", err)
	}

	return &sectionReadCloser{
		SectionReader: io.NewSectionReader(f, o.span.Offset, o.span.Length),
		f:             f,
	}, nil
}

// CopyTo копирует отрезок в w кусками фиксированного размера.
func (o *Object) CopyTo(ctx context.Context, w io.Writer) (int64, error) {
	rc, err := o.Open()
	if err != nil {
		return 0, err
	}
	defer rc.Close()

	return io.CopyBuffer(w, &ctxReader{ctx: ctx, r: rc}, make([]byte, o.chunkSize))
}

type sectionReadCloser struct {
	*io.SectionReader
	f *os.File
}

func (s *sectionReadCloser) Close() error {
	return s.f.Close()
}
