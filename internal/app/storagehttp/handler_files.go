package storagehttp

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sir_venger/databank/internal/models"
	"github.com/sir_venger/databank/pkg/httperrors"
	"github.com/sir_venger/databank/pkg/storageproto"
)

// upload принимает POST /files: сырое тело или multipart с полем file. Тело не буферизуется.
func (a *Server) upload(w http.ResponseWriter, r *http.Request) {
	body, size, contentType, err := uploadBody(r)
	if err != nil {
		httperrors.Write(w, r, err)
		return
	}

	rec, err := a.Files.Upload(r.Context(), r.Header.Get(storageproto.HeaderNamespace), body, size, contentType)
	if err != nil {
		httperrors.Write(w, r, err)
		return
	}

	w.Header().Set("Location", storageproto.FilesPath+"/"+rec.FileID)
	w.Header().Set("ETag", rec.FileID)
	writeJSON(w, http.StatusCreated, fileInfo(rec))
}

func uploadBody(r *http.Request) (io.Reader, int64, string, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		return r.Body, r.ContentLength, r.Header.Get("Content-Type"), nil
	}

	mr, err := r.MultipartReader()
	if err != nil {
		return nil, 0, "", fmt.Errorf("%w: %v", models.ErrValidation, err)
	}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil, 0, "", fmt.Errorf("%w: multipart body has no %q field", models.ErrValidation, storageproto.MultipartField)
		}
		if err != nil {
			return nil, 0, "", fmt.Errorf("%w: %v", models.ErrValidation, err)
		}
		if part.FormName() == storageproto.MultipartField {
			return part, -1, part.Header.Get("Content-Type"), nil
		}
		_ = part.Close()
	}
}

// download обслуживает GET и HEAD /files/{fileID}.
func (a *Server) download(w http.ResponseWriter, r *http.Request) {
	obj, err := a.Files.Download(r.Context(), chi.URLParam(r, "fileID"), r.Header.Get("Range"))
	if err != nil {
		httperrors.Write(w, r, err)
		return
	}

	rec := obj.Record()
	span := obj.Span()

	h := w.Header()
	h.Set("Accept-Ranges", "bytes")
	h.Set("Content-Type", rec.ContentType)
	h.Set("ETag", rec.FileID)
	h.Set(storageproto.HeaderChecksum, rec.ContentHash)
	h.Set("Last-Modified", rec.CreatedAt.UTC().Format(http.TimeFormat))
	h.Set("Content-Length", strconv.FormatInt(span.Length, 10))

	status := http.StatusOK
	if span.Partial() {
		h.Set("Content-Range", span.ContentRange)
		status = http.StatusPartialContent
	}
	w.WriteHeader(status)

	if r.Method == http.MethodHead {
		return
	}

	// Заголовки уже ушли, остаётся только оборвать соединение.
	if _, err := obj.CopyTo(r.Context(), w); err != nil {
		a.Logger.Debug().Err(err).Str("file_id", rec.FileID).Msg("download interrupted")
	}
}

// info обслуживает GET /files/{fileID}/info.
func (a *Server) info(w http.ResponseWriter, r *http.Request) {
	rec, err := a.Files.Info(r.Context(), chi.URLParam(r, "fileID"))
	if err != nil {
		httperrors.Write(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, fileInfo(rec))
}

// remove обслуживает DELETE /files/{fileID}.
func (a *Server) remove(w http.ResponseWriter, r *http.Request) {
	if err := a.Files.Delete(r.Context(), chi.URLParam(r, "fileID"), a.StrictDelete); err != nil {
		httperrors.Write(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func fileInfo(rec models.BlobRecord) storageproto.FileInfo {
	return storageproto.FileInfo{
		FileID:      rec.FileID,
		Size:        rec.Size,
		Sha256:      rec.ContentHash,
		ContentType: rec.ContentType,
		CreatedAt:   rec.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
