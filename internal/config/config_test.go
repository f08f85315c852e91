package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadFileAndEnv(t *testing.T) {
	path := writeConfig(t, `
listen_addr: ":9000"
data_root: /srv/blobs
min_free_gb: 2
max_file_bytes: 1048576
delete_strict_404: true
retention:
  ttl: 72h
  interval: 5m
  default_quota:
    max_bytes: 1000
  quotas:
    billing:
      max_files: 10
log:
  level: debug
`)
	t.Setenv("CONFIG_PATH", path)
	t.Setenv("LISTEN_ADDR", ":9100")
	t.Setenv("MIN_FREE_PERCENT", "5")

	c, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.ListenAddr != ":9100" {
		t.Fatalf("env override lost: %q", c.ListenAddr)
	}
	if c.DataRoot != "/srv/blobs" || !c.DeleteStrict404 || c.MaxFileBytes != 1<<20 {
		t.Fatalf("file values lost: %+v", c)
	}
	if c.Retention.TTL != 72*time.Hour || c.Retention.Interval != 5*time.Minute {
		t.Fatalf("retention = %+v", c.Retention)
	}
	if c.Retention.TempTTL != 24*time.Hour {
		t.Fatalf("default temp_ttl lost: %v", c.Retention.TempTTL)
	}
	if c.Retention.DefaultQuota.MaxBytes != 1000 || c.Retention.Quotas["billing"].MaxFiles != 10 {
		t.Fatalf("quotas = %+v", c.Retention)
	}
	if c.Log.Level != "debug" || c.Log.Format != "json" {
		t.Fatalf("log = %+v", c.Log)
	}

	th := c.Threshold()
	if th.MinFreeBytes != 2<<30 || th.MinFreePercent != 5 {
		t.Fatalf("threshold = %+v", th)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "absent.yaml"))
	if _, err := Load(); err == nil {
		t.Fatalf("explicit missing config must fail")
	}
}

func TestLoadRejectsBadEnv(t *testing.T) {
	t.Setenv("CONFIG_PATH", writeConfig(t, "data_root: /tmp/x\n"))
	t.Setenv("MIN_FREE_BYTES", "lots")
	if _, err := Load(); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestValidate(t *testing.T) {
	c := Default()
	if err := c.Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}

	c.MinFreePercent = 100
	if err := c.Validate(); err == nil {
		t.Fatalf("percent 100 accepted")
	}

	c = Default()
	c.DataRoot = " "
	if err := c.Validate(); err == nil {
		t.Fatalf("empty data root accepted")
	}
}
