package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sir_venger/databank/internal/admission"
	"github.com/sir_venger/databank/internal/models"
)

const helloID = "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"

func plentyStat(string) (admission.Reading, error) {
	return admission.Reading{Free: 1 << 40, Total: 1 << 41}, nil
}

func newTestEngine(t *testing.T, opts ...OptionFunc) *Engine {
	t.Helper()
	root := t.TempDir()
	all := append([]OptionFunc{WithGuard(admission.New(root, admission.Threshold{}, plentyStat))}, opts...)
	e, err := New(root, all...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func readAll(t *testing.T, obj *Object) []byte {
	t.Helper()
	rc, err := obj.Open()
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	return b
}

func tempEntries(t *testing.T, e *Engine) int {
	t.Helper()
	entries, err := os.ReadDir(e.tmpDir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	return len(entries)
}

func TestHelloScenario(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	rec, err := e.Put(ctx, bytes.NewReader([]byte("hello")), 5, "text/plain")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if rec.FileID != helloID || rec.ContentHash != helloID {
		t.Fatalf("file_id = %s, want %s", rec.FileID, helloID)
	}
	if _, err := os.Stat(filepath.Join(e.root, "2c", "f2", helloID)); err != nil {
		t.Fatalf("blob not at sharded path: %v", err)
	}

	head, err := e.Head(ctx, helloID)
	if err != nil {
		t.Fatalf("Head: %v", err)
	}
	if head.Size != 5 || head.ContentType != "text/plain" {
		t.Fatalf("Head = %+v", head)
	}

	obj, err := e.Get(ctx, helloID, "bytes=1-3")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if obj.Span().ContentRange != "bytes 1-3/5" {
		t.Fatalf("Content-Range = %q", obj.Span().ContentRange)
	}
	if got := readAll(t, obj); string(got) != "ell" {
		t.Fatalf("body = %q", got)
	}
	// Повторное открытие начинает отрезок заново.
	if got := readAll(t, obj); string(got) != "ell" {
		t.Fatalf("second read = %q", got)
	}

	_, err = e.Get(ctx, helloID, "bytes=10-20")
	var rerr *models.RangeError
	if !errors.As(err, &rerr) || rerr.Size != 5 {
		t.Fatalf("expected RangeError with size 5, got %v", err)
	}
}

func TestRoundTripChunked(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, WithChunkSize(7))

	payload := bytes.Repeat([]byte("0123456789abcdef"), 1000)
	sum := sha256.Sum256(payload)

	rec, err := e.Put(ctx, bytes.NewReader(payload), -1, "")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if rec.FileID != hex.EncodeToString(sum[:]) {
		t.Fatalf("file_id mismatch")
	}
	if rec.ContentType != models.DefaultContentType {
		t.Fatalf("content type = %q", rec.ContentType)
	}

	obj, err := e.Get(ctx, rec.FileID, "")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if obj.Span().Partial() {
		t.Fatalf("full read marked partial")
	}
	var buf bytes.Buffer
	if _, err := obj.CopyTo(ctx, &buf); err != nil {
		t.Fatalf("CopyTo: %v", err)
	}
	if !bytes.Equal(buf.Bytes(), payload) {
		t.Fatalf("payload mismatch")
	}
}

func TestPutDeduplicates(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	first, err := e.Put(ctx, bytes.NewReader([]byte("hello")), 5, "text/plain")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	second, err := e.Put(ctx, bytes.NewReader([]byte("hello")), 5, "application/json")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if first.FileID != second.FileID {
		t.Fatalf("ids differ")
	}
	if !second.CreatedAt.Equal(first.CreatedAt) || second.ContentType != "text/plain" {
		t.Fatalf("duplicate put changed the record: %+v vs %+v", second, first)
	}

	entries, err := os.ReadDir(e.shardDir(helloID))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected blob + sidecar, got %d entries", len(entries))
	}
	if n := tempEntries(t, e); n != 0 {
		t.Fatalf("temp dir has %d leftovers", n)
	}
}

func TestConcurrentIdenticalPuts(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	payload := bytes.Repeat([]byte("same"), 50000)

	const workers = 8
	ids := make([]string, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec, err := e.Put(ctx, bytes.NewReader(payload), int64(len(payload)), "")
			ids[i], errs[i] = rec.FileID, err
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		if errs[i] != nil {
			t.Fatalf("put %d: %v", i, errs[i])
		}
		if ids[i] != ids[0] {
			t.Fatalf("put %d returned %s, want %s", i, ids[i], ids[0])
		}
	}

	blobs := 0
	if err := e.Walk(ctx, func(models.BlobRecord) error { blobs++; return nil }); err != nil {
		t.Fatalf("Walk: %v", err)
	}
	if blobs != 1 {
		t.Fatalf("expected exactly one blob, got %d", blobs)
	}
	if n := tempEntries(t, e); n != 0 {
		t.Fatalf("temp dir has %d leftovers", n)
	}
}

type failingReader struct {
	data []byte
	err  error
}

func (f *failingReader) Read(p []byte) (int, error) {
	if len(f.data) == 0 {
		return 0, f.err
	}
	n := copy(p, f.data)
	f.data = f.data[n:]
	return n, nil
}

func TestPutFailureLeavesNothing(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	payload := []byte("interrupted payload")
	sum := sha256.Sum256(payload)
	id := hex.EncodeToString(sum[:])

	_, err := e.Put(ctx, &failingReader{data: payload[:8], err: io.ErrUnexpectedEOF}, -1, "")
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected read error, got %v", err)
	}
	if _, err := os.Stat(e.blobPath(id)); !os.IsNotExist(err) {
		t.Fatalf("partial blob visible: %v", err)
	}
	if n := tempEntries(t, e); n != 0 {
		t.Fatalf("temp dir has %d leftovers", n)
	}

	rec, err := e.Put(ctx, bytes.NewReader(payload), -1, "")
	if err != nil || rec.FileID != id {
		t.Fatalf("retry put = %v, %v", rec.FileID, err)
	}
}

func TestPutCancelled(t *testing.T) {
	e := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := e.Put(ctx, bytes.NewReader([]byte("x")), 1, ""); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if n := tempEntries(t, e); n != 0 {
		t.Fatalf("temp dir has %d leftovers", n)
	}
}

func TestPutTooLarge(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, WithMaxFileBytes(4))

	if _, err := e.Put(ctx, bytes.NewReader([]byte("hello")), 5, ""); !errors.Is(err, models.ErrTooLarge) {
		t.Fatalf("declared size: expected ErrTooLarge, got %v", err)
	}
	if _, err := e.Put(ctx, bytes.NewReader([]byte("hello")), -1, ""); !errors.Is(err, models.ErrTooLarge) {
		t.Fatalf("streamed size: expected ErrTooLarge, got %v", err)
	}
	if _, err := e.Put(ctx, bytes.NewReader([]byte("hell")), -1, ""); err != nil {
		t.Fatalf("exact limit rejected: %v", err)
	}
}

func TestAdmissionRejects(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	stat := func(string) (admission.Reading, error) {
		return admission.Reading{Free: 1000, Total: 10000}, nil
	}
	e, err := New(root,
		WithGuard(admission.New(root, admission.Threshold{MinFreeBytes: 100}, stat)),
		WithChunkSize(10),
		WithCheckEvery(10),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	payload := bytes.Repeat([]byte{1}, 950)
	if _, err := e.Put(ctx, bytes.NewReader(payload), 950, ""); !errors.Is(err, models.ErrInsufficientStorage) {
		t.Fatalf("preflight: expected ErrInsufficientStorage, got %v", err)
	}

	_, err = e.Put(ctx, bytes.NewReader(payload), -1, "")
	if !errors.Is(err, models.ErrInsufficientStorage) {
		t.Fatalf("midstream: expected ErrInsufficientStorage, got %v", err)
	}
	sum := sha256.Sum256(payload)
	if _, err := os.Stat(e.blobPath(hex.EncodeToString(sum[:]))); !os.IsNotExist(err) {
		t.Fatalf("rejected blob visible: %v", err)
	}
	if n := tempEntries(t, e); n != 0 {
		t.Fatalf("temp dir has %d leftovers", n)
	}
}

type reclaimerFunc func(ctx context.Context) error

func (f reclaimerFunc) Reclaim(ctx context.Context) error { return f(ctx) }

func TestAdmissionReclaimsOnce(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	var mu sync.Mutex
	free := int64(10)
	stat := func(string) (admission.Reading, error) {
		mu.Lock()
		defer mu.Unlock()
		return admission.Reading{Free: free, Total: 10000}, nil
	}
	e, err := New(root, WithGuard(admission.New(root, admission.Threshold{MinFreeBytes: 5}, stat)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	calls := 0
	e.SetReclaimer(reclaimerFunc(func(context.Context) error {
		calls++
		mu.Lock()
		free = 1000
		mu.Unlock()
		return nil
	}))

	if _, err := e.Put(ctx, bytes.NewReader([]byte("hello")), 5, ""); err != nil {
		t.Fatalf("Put after reclaim: %v", err)
	}
	if calls != 1 {
		t.Fatalf("reclaimer called %d times", calls)
	}
}

func TestHeadFallsBackWithoutSidecar(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	if _, err := e.Put(ctx, bytes.NewReader([]byte("hello")), 5, "text/plain"); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if err := os.Remove(e.sidecarPath(helloID)); err != nil {
		t.Fatalf("remove sidecar: %v", err)
	}
	rec, err := e.Head(ctx, helloID)
	if err != nil {
		t.Fatalf("Head: %v", err)
	}
	if rec.Size != 5 || rec.ContentHash != helloID || rec.ContentType != models.DefaultContentType {
		t.Fatalf("recomputed record = %+v", rec)
	}
	if _, err := os.Stat(e.sidecarPath(helloID)); err != nil {
		t.Fatalf("sidecar not healed: %v", err)
	}

	if err := os.WriteFile(e.sidecarPath(helloID), []byte("{not json"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if rec, err := e.Head(ctx, helloID); err != nil || rec.Size != 5 {
		t.Fatalf("Head with broken sidecar = %+v, %v", rec, err)
	}
}

func TestHeadDetectsCorruption(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	if _, err := e.Put(ctx, bytes.NewReader([]byte("hello")), 5, ""); err != nil {
		t.Fatalf("Put: %v", err)
	}
	_ = os.Remove(e.sidecarPath(helloID))
	if err := os.WriteFile(e.blobPath(helloID), []byte("jello"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := e.Head(ctx, helloID); !errors.Is(err, models.ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
}

func TestRejectsMalformedIDs(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	for _, id := range []string{
		"",
		"../../etc/passwd",
		"2CF24DBA5FB0A30E26E83B2AC5B9E29E1B161E5C1FA7425E73043362938B9824",
		helloID[:63],
		helloID + "0",
		"../" + helloID[3:],
	} {
		if _, err := e.Get(ctx, id, ""); !errors.Is(err, models.ErrValidation) {
			t.Fatalf("Get(%q): expected ErrValidation, got %v", id, err)
		}
		if _, err := e.Delete(ctx, id, true); !errors.Is(err, models.ErrValidation) {
			t.Fatalf("Delete(%q): expected ErrValidation, got %v", id, err)
		}
	}

	if _, err := e.Head(ctx, helloID); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	if _, err := e.Put(ctx, bytes.NewReader([]byte("hello")), 5, ""); err != nil {
		t.Fatalf("Put: %v", err)
	}

	existed, err := e.Delete(ctx, helloID, true)
	if err != nil || !existed {
		t.Fatalf("Delete = %v, %v", existed, err)
	}
	if _, err := os.Stat(filepath.Join(e.root, "2c")); !os.IsNotExist(err) {
		t.Fatalf("empty shard dirs not pruned: %v", err)
	}

	if _, err := e.Delete(ctx, helloID, true); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("strict delete: expected ErrNotFound, got %v", err)
	}
	if existed, err := e.Delete(ctx, helloID, false); err != nil || existed {
		t.Fatalf("idempotent delete = %v, %v", existed, err)
	}

	// После удаления шарда запись снова работает.
	if _, err := e.Put(ctx, bytes.NewReader([]byte("hello")), 5, ""); err != nil {
		t.Fatalf("Put after delete: %v", err)
	}
}

func TestWalkAndSweepTemp(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	want := map[string]bool{}
	for _, s := range []string{"a", "b", "c"} {
		rec, err := e.Put(ctx, bytes.NewReader([]byte(s)), 1, "text/plain")
		if err != nil {
			t.Fatalf("Put: %v", err)
		}
		want[rec.FileID] = true
	}

	got := map[string]bool{}
	err := e.Walk(ctx, func(rec models.BlobRecord) error {
		if rec.Size != 1 || rec.ContentType != "text/plain" {
			t.Errorf("walk record = %+v", rec)
		}
		got[rec.FileID] = true
		return nil
	})
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("walked %d blobs, want %d", len(got), len(want))
	}
	for id := range want {
		if !got[id] {
			t.Fatalf("blob %s not walked", id)
		}
	}

	stale := filepath.Join(e.tmpDir, uploadPrefix+"stale")
	fresh := filepath.Join(e.tmpDir, uploadPrefix+"fresh")
	for _, p := range []string{stale, fresh} {
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
	}
	old := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(stale, old, old); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}

	removed, err := e.SweepTemp(ctx, time.Hour)
	if err != nil || removed != 1 {
		t.Fatalf("SweepTemp = %d, %v", removed, err)
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Fatalf("fresh temp file removed: %v", err)
	}
}
