package integration

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/sir_venger/databank/internal/app/node"
	"github.com/sir_venger/databank/internal/config"
	"github.com/sir_venger/databank/pkg/storageclient"
)

const helloID = "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"

// harness — узел в памяти процесса за httptest-сервером, с журналом заголовков Range.
type harness struct {
	node *node.Node
	srv  *httptest.Server

	mu     sync.Mutex
	ranges []string
}

func startNode(t *testing.T, tune func(*config.Config)) *harness {
	t.Helper()

	cfg := config.Default()
	cfg.DataRoot = t.TempDir()
	cfg.Retention.Interval = 0
	if tune != nil {
		tune(&cfg)
	}

	n, err := node.Build(context.Background(), &cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("build node: %v", err)
	}
	t.Cleanup(n.Close)

	h := &harness{node: n}
	h.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			h.mu.Lock()
			h.ranges = append(h.ranges, r.Header.Get("Range"))
			h.mu.Unlock()
		}
		n.Handler.ServeHTTP(w, r)
	}))
	t.Cleanup(h.srv.Close)

	return h
}

func (h *harness) client(t *testing.T, opts ...storageclient.Option) storageclient.Client {
	t.Helper()
	opts = append([]storageclient.Option{
		storageclient.WithCacheDir(t.TempDir()),
		storageclient.WithRetry(3, time.Millisecond),
	}, opts...)
	return storageclient.New(h.srv.URL, opts...)
}

func (h *harness) seenRanges() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.ranges...)
}

func digest(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i ^ i>>8)
	}
	return b
}
