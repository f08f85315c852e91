// Команда fetch работает с узлом хранения из командной строки.
//
//	fetch [flags] get <file_id> [dest]
//	fetch [flags] put <path>
//	fetch [flags] info <file_id>
//	fetch [flags] rm <file_id>
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/sir_venger/databank/internal/logger"
	"github.com/sir_venger/databank/pkg/storageclient"
)

func main() {
	_ = godotenv.Load()

	fs := flag.NewFlagSet("fetch", flag.ExitOnError)
	baseURL := fs.String("url", envOr("STORAGE_URL", "http://localhost:8080"), "storage node base URL")
	namespace := fs.String("ns", os.Getenv("STORAGE_NAMESPACE"), "namespace sent as X-Namespace")
	cacheDir := fs.String("cache", envOr("FETCH_CACHE_DIR", defaultCacheDir()), "local cache directory")
	retries := fs.Int("retries", 5, "attempts per operation")
	quiet := fs.Bool("quiet", false, "disable progress output")
	verbose := fs.Bool("v", false, "debug logging")
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), "usage: fetch [flags] get|put|info|rm <arg> [dest]")
		fs.PrintDefaults()
	}
	_ = fs.Parse(os.Args[1:])

	level := "warn"
	if *verbose {
		level = "debug"
	}
	log, err := logger.New(level, "console", os.Stderr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	opts := []storageclient.Option{
		storageclient.WithCacheDir(*cacheDir),
		storageclient.WithRetry(*retries, 200*time.Millisecond),
		storageclient.WithNamespace(*namespace),
		storageclient.WithLogger(log),
	}
	if !*quiet {
		opts = append(opts, storageclient.WithProgress(os.Stderr))
	}
	client := storageclient.New(*baseURL, opts...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, client, fs.Args()); err != nil {
		report(log, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, c storageclient.Client, args []string) error {
	if len(args) < 2 {
		return errors.New("expected a command and an argument, see -h")
	}
	cmd, arg := args[0], args[1]

	switch cmd {
	case "get":
		path, err := c.Fetch(ctx, arg)
		if err != nil {
			return err
		}
		if len(args) > 2 {
			return copyFile(path, args[2])
		}
		fmt.Println(path)
		return nil

	case "put":
		f, err := os.Open(arg)
		if err != nil {
			return err
		}
		defer f.Close()
		st, err := f.Stat()
		if err != nil {
			return err
		}
		rec, err := c.Upload(ctx, f, st.Size(), mime.TypeByExtension(filepath.Ext(arg)))
		if err != nil {
			return err
		}
		return printJSON(rec)

	case "info":
		rec, err := c.Info(ctx, arg)
		if err != nil {
			return err
		}
		return printJSON(rec)

	case "rm":
		return c.Delete(ctx, arg)
	}

	return fmt.Errorf("unknown command %q", cmd)
}

func report(log zerolog.Logger, err error) {
	ev := log.Error().Err(err)
	var se *storageclient.StatusError
	if errors.As(err, &se) {
		ev = ev.Int("status", se.StatusCode).Str("code", se.Code).Str("request_id", se.RequestID)
	}
	ev.Msg("fetch failed")
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func defaultCacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "databank")
	}
	return filepath.Join(os.TempDir(), "databank-cache")
}
