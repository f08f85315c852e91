package storagehttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sir_venger/databank/internal/admission"
	"github.com/sir_venger/databank/internal/blobstore"
	"github.com/sir_venger/databank/internal/models"
	"github.com/sir_venger/databank/internal/quota"
	"github.com/sir_venger/databank/internal/repo"
	"github.com/sir_venger/databank/internal/retention"
	"github.com/sir_venger/databank/internal/usecase/filesvc"
	"github.com/sir_venger/databank/internal/usecase/filesvc/adapters/fsstore"
	"github.com/sir_venger/databank/pkg/storageproto"
)

const helloID = "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"

type testNode struct {
	srv    *httptest.Server
	engine *blobstore.Engine
	ledger *quota.Ledger
}

func newTestNode(t *testing.T, strict bool, free int64, opts ...blobstore.OptionFunc) *testNode {
	t.Helper()
	root := t.TempDir()
	stat := func(string) (admission.Reading, error) {
		return admission.Reading{Free: free, Total: 1 << 30}, nil
	}
	guard := admission.New(root, admission.Threshold{MinFreeBytes: 1 << 20}, stat)
	e, err := blobstore.New(root, append([]blobstore.OptionFunc{blobstore.WithGuard(guard)}, opts...)...)
	if err != nil {
		t.Fatalf("blobstore.New: %v", err)
	}
	ledger := quota.NewLedger(repo.NewMemoryStore())

	h := New(Deps{
		Files:        filesvc.New(filesvc.Deps{Store: fsstore.New(e), Ledger: ledger}),
		Readiness:    e,
		Sweeper:      retention.New(e, ledger, retention.Config{}),
		StrictDelete: strict,
	})
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	return &testNode{srv: srv, engine: e, ledger: ledger}
}

func (n *testNode) do(t *testing.T, method, path string, body io.Reader, header map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, n.srv.URL+path, body)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func readBody(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return b
}

func errorCode(t *testing.T, resp *http.Response) string {
	t.Helper()
	var body storageproto.ErrorBody
	if err := json.Unmarshal(readBody(t, resp), &body); err != nil {
		t.Fatalf("error body: %v", err)
	}
	return body.Code
}

func TestUploadAndRangeDownload(t *testing.T) {
	n := newTestNode(t, false, 1<<30)

	resp := n.do(t, http.MethodPost, "/files", strings.NewReader("hello"), map[string]string{"Content-Type": "text/plain", "X-Namespace": "svc"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("upload status %s", resp.Status)
	}
	var info storageproto.FileInfo
	if err := json.Unmarshal(readBody(t, resp), &info); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if info.FileID != helloID || info.Sha256 != helloID || info.Size != 5 || info.ContentType != "text/plain" || info.CreatedAt == "" {
		t.Fatalf("upload response = %+v", info)
	}
	if u := n.ledger.Usage("svc"); u.Files != 1 {
		t.Fatalf("namespace not charged: %+v", u)
	}

	resp = n.do(t, http.MethodGet, "/files/"+helloID, nil, map[string]string{"Range": "bytes=1-3"})
	if resp.StatusCode != http.StatusPartialContent {
		t.Fatalf("range status %s", resp.Status)
	}
	if got := string(readBody(t, resp)); got != "ell" {
		t.Fatalf("range body %q", got)
	}
	if got := resp.Header.Get("Content-Range"); got != "bytes 1-3/5" {
		t.Fatalf("Content-Range %q", got)
	}
	if resp.Header.Get("Accept-Ranges") != "bytes" || resp.Header.Get("ETag") != helloID || resp.Header.Get("Content-Length") != "3" {
		t.Fatalf("headers %v", resp.Header)
	}

	resp = n.do(t, http.MethodGet, "/files/"+helloID, nil, nil)
	if resp.StatusCode != http.StatusOK || string(readBody(t, resp)) != "hello" {
		t.Fatalf("full download failed: %s", resp.Status)
	}

	resp = n.do(t, http.MethodHead, "/files/"+helloID, nil, nil)
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Content-Length") != "5" || resp.Header.Get("Content-Type") != "text/plain" {
		t.Fatalf("head = %s %v", resp.Status, resp.Header)
	}

	resp = n.do(t, http.MethodGet, "/files/"+helloID+"/info", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("info status %s", resp.Status)
	}
	info = storageproto.FileInfo{}
	_ = json.Unmarshal(readBody(t, resp), &info)
	if info.FileID != helloID || info.Size != 5 {
		t.Fatalf("info = %+v", info)
	}
}

func TestRangeErrors(t *testing.T) {
	n := newTestNode(t, false, 1<<30)
	n.do(t, http.MethodPost, "/files", strings.NewReader("hello"), nil)

	resp := n.do(t, http.MethodGet, "/files/"+helloID, nil, map[string]string{"Range": "bytes=10-20"})
	if resp.StatusCode != http.StatusRequestedRangeNotSatisfiable {
		t.Fatalf("status %s", resp.Status)
	}
	if got := resp.Header.Get("Content-Range"); got != "bytes */5" {
		t.Fatalf("Content-Range %q", got)
	}
	if code := errorCode(t, resp); code != models.CodeRangeNotSatisfiable {
		t.Fatalf("code %q", code)
	}

	resp = n.do(t, http.MethodGet, "/files/"+helloID, nil, map[string]string{"Range": "bytes=abc"})
	if resp.StatusCode != http.StatusRequestedRangeNotSatisfiable || errorCode(t, resp) != models.CodeInvalidRange {
		t.Fatalf("malformed range status %s", resp.Status)
	}

	resp = n.do(t, http.MethodGet, "/files/"+helloID, nil, map[string]string{"Range": "bytes=0-1,3-4"})
	if resp.StatusCode != http.StatusRequestedRangeNotSatisfiable {
		t.Fatalf("multi range status %s", resp.Status)
	}

	resp = n.do(t, http.MethodGet, "/files/"+helloID, nil, map[string]string{"Range": "bytes=99999999999999999999-"})
	if resp.StatusCode != http.StatusRequestedRangeNotSatisfiable || resp.Header.Get("Content-Range") != "bytes */5" {
		t.Fatalf("huge start: status %s, Content-Range %q", resp.Status, resp.Header.Get("Content-Range"))
	}
	if code := errorCode(t, resp); code != models.CodeRangeNotSatisfiable {
		t.Fatalf("huge start code %q", code)
	}

	resp = n.do(t, http.MethodGet, "/files/"+helloID, nil, map[string]string{"Range": "bytes=1-99999999999999999999"})
	if resp.StatusCode != http.StatusPartialContent || resp.Header.Get("Content-Range") != "bytes 1-4/5" {
		t.Fatalf("huge end: status %s, Content-Range %q", resp.Status, resp.Header.Get("Content-Range"))
	}
	if body := string(readBody(t, resp)); body != "ello" {
		t.Fatalf("huge end body %q", body)
	}
}

func TestMultipartUpload(t *testing.T) {
	n := newTestNode(t, false, 1<<30)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("comment", "ignored")
	fw, err := mw.CreateFormFile("file", "hello.txt")
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	_, _ = fw.Write([]byte("hello"))
	_ = mw.Close()

	resp := n.do(t, http.MethodPost, "/files", &buf, map[string]string{"Content-Type": mw.FormDataContentType()})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status %s: %s", resp.Status, readBody(t, resp))
	}
	var info storageproto.FileInfo
	_ = json.Unmarshal(readBody(t, resp), &info)
	if info.FileID != helloID {
		t.Fatalf("file_id %s", info.FileID)
	}

	buf.Reset()
	mw = multipart.NewWriter(&buf)
	_ = mw.WriteField("comment", "no file")
	_ = mw.Close()
	resp = n.do(t, http.MethodPost, "/files", &buf, map[string]string{"Content-Type": mw.FormDataContentType()})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing file part status %s", resp.Status)
	}
}

func TestDeleteModes(t *testing.T) {
	lenient := newTestNode(t, false, 1<<30)
	lenient.do(t, http.MethodPost, "/files", strings.NewReader("hello"), nil)

	if resp := lenient.do(t, http.MethodDelete, "/files/"+helloID, nil, nil); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status %s", resp.Status)
	}
	if resp := lenient.do(t, http.MethodGet, "/files/"+helloID, nil, nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get after delete %s", resp.Status)
	}
	if resp := lenient.do(t, http.MethodDelete, "/files/"+helloID, nil, nil); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("idempotent delete %s", resp.Status)
	}

	strict := newTestNode(t, true, 1<<30)
	resp := strict.do(t, http.MethodDelete, "/files/"+helloID, nil, nil)
	if resp.StatusCode != http.StatusNotFound || errorCode(t, resp) != models.CodeNotFound {
		t.Fatalf("strict delete %s", resp.Status)
	}
}

func TestValidationAndRequestID(t *testing.T) {
	n := newTestNode(t, false, 1<<30)

	resp := n.do(t, http.MethodGet, "/files/not-a-digest", nil, map[string]string{"X-Request-ID": "req-42"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %s", resp.Status)
	}
	if got := resp.Header.Get("X-Request-ID"); got != "req-42" {
		t.Fatalf("request id header %q", got)
	}
	var body storageproto.ErrorBody
	_ = json.Unmarshal(readBody(t, resp), &body)
	if body.Code != models.CodeBadRequest || body.RequestID != "req-42" {
		t.Fatalf("body %+v", body)
	}

	resp = n.do(t, http.MethodPost, "/files", strings.NewReader("x"), map[string]string{"X-Namespace": "bad ns"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad namespace status %s", resp.Status)
	}
}

func TestUploadLimits(t *testing.T) {
	small := newTestNode(t, false, 1<<30, blobstore.WithMaxFileBytes(4))
	resp := small.do(t, http.MethodPost, "/files", strings.NewReader("hello"), nil)
	if resp.StatusCode != http.StatusRequestEntityTooLarge || errorCode(t, resp) != models.CodePayloadTooLarge {
		t.Fatalf("too large status %s", resp.Status)
	}

	full := newTestNode(t, false, 1<<20)
	resp = full.do(t, http.MethodPost, "/files", strings.NewReader("hello"), nil)
	if resp.StatusCode != http.StatusInsufficientStorage || errorCode(t, resp) != models.CodeInsufficientStorage {
		t.Fatalf("full disk status %s", resp.Status)
	}
}

func TestHealthEndpoints(t *testing.T) {
	ok := newTestNode(t, false, 1<<30)
	if resp := ok.do(t, http.MethodGet, "/healthz", nil, nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz %s", resp.Status)
	}
	resp := ok.do(t, http.MethodGet, "/readyz", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("readyz %s", resp.Status)
	}
	var stats healthStats
	_ = json.Unmarshal(readBody(t, resp), &stats)
	if stats.Status != "ready" || stats.TotalBytes != 1<<30 {
		t.Fatalf("stats %+v", stats)
	}

	full := newTestNode(t, false, 1<<10)
	if resp := full.do(t, http.MethodGet, "/readyz", nil, nil); resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("readyz on full disk %s", resp.Status)
	}

	resp = ok.do(t, http.MethodPost, "/admin/retention", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("retention %s", resp.Status)
	}
}

type failingReadiness struct{}

func (failingReadiness) Ready() error                      { return errors.New("read-only file system") }
func (failingReadiness) Usage() (admission.Reading, error) { return admission.Reading{}, nil }

func TestReadyzReportsReason(t *testing.T) {
	h := New(Deps{Readiness: failingReadiness{}})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil).WithContext(context.Background()))

	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "read-only") {
		t.Fatalf("readyz = %d %s", rec.Code, rec.Body.String())
	}
}
