package blobstore

import (
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/sir_venger/databank/internal/admission"
)

const (
	// DefaultChunkSize задаёт буфер чтения/записи; весь блоб никогда не держится в памяти.
	DefaultChunkSize = 1 << 20
	// DefaultCheckEvery: как часто повторять проверку свободного места при неизвестном размере.
	DefaultCheckEvery = 4 << 20
	// DefaultWalkParallelism: сколько шардов верхнего уровня обходится одновременно.
	DefaultWalkParallelism = 4
)

// Options настраивает Engine.
type Options struct {
	FileMode        os.FileMode
	DirMode         os.FileMode
	MaxFileBytes    int64 // 0 — без ограничения
	ChunkSize       int
	CheckEvery      int64
	WalkParallelism int
	Guard           *admission.Guard
	Logger          zerolog.Logger
	Now             func() time.Time
}

// OptionFunc настраивает Options в New.
type OptionFunc func(opts *Options)

// WithMaxFileBytes ограничивает размер одного блоба.
func WithMaxFileBytes(n int64) OptionFunc {
	return func(opts *Options) {
		opts.MaxFileBytes = n
	}
}

// WithGuard подменяет контроль свободного места.
func WithGuard(g *admission.Guard) OptionFunc {
	return func(opts *Options) {
		opts.Guard = g
	}
}

func WithLogger(l zerolog.Logger) OptionFunc {
	return func(opts *Options) {
		opts.Logger = l
	}
}

func WithChunkSize(n int) OptionFunc {
	return func(opts *Options) {
		if n > 0 {
			opts.ChunkSize = n
		}
	}
}

func WithCheckEvery(n int64) OptionFunc {
	return func(opts *Options) {
		if n > 0 {
			opts.CheckEvery = n
		}
	}
}

// WithClock задаёт источник времени для created_at (нужно в тестах ретеншна).
func WithClock(now func() time.Time) OptionFunc {
	return func(opts *Options) {
		if now != nil {
			opts.Now = now
		}
	}
}

func defaultOptions() Options {
	return Options{
		FileMode:        0o644,
		DirMode:         0o755,
		ChunkSize:       DefaultChunkSize,
		CheckEvery:      DefaultCheckEvery,
		WalkParallelism: DefaultWalkParallelism,
		Logger:          zerolog.Nop(),
		Now:             time.Now,
	}
}
