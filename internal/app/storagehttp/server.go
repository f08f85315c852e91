package storagehttp

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/sir_venger/databank/internal/admission"
	"github.com/sir_venger/databank/internal/retention"
	"github.com/sir_venger/databank/internal/usecase/filesvc"
	"github.com/sir_venger/databank/pkg/storageproto"
)

type (
	// Readiness сообщает о состоянии каталога данных.
	Readiness interface {
		Ready() error
		Usage() (admission.Reading, error)
	}

	// Sweeper запускает проход очистки по требованию.
	Sweeper interface {
		Sweep(ctx context.Context) (retention.Stats, error)
	}
)

type Deps struct {
	Files        filesvc.Service
	Readiness    Readiness
	Sweeper      Sweeper
	Logger       zerolog.Logger
	StrictDelete bool
}

// Server serves the storage node HTTP API.
type Server struct {
	Deps
}

// New создаёт HTTP-обработчик хранилища.
func New(deps Deps) http.Handler {
	srv := &Server{Deps: deps}

	return srv.routes()
}

// routes регистрирует обработчики файлов, здоровья и очистки.
func (a *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(echoRequestID)
	r.Use(accessLog(a.Logger))
	r.Use(middleware.Recoverer)

	r.Post("/files", a.upload)
	r.Route("/files/{fileID}", func(fr chi.Router) {
		fr.Get("/", a.download)
		fr.Head("/", a.download)
		fr.Delete("/", a.remove)
		fr.Get("/info", a.info)
	})

	r.Get(storageproto.HealthzPath, a.healthz)
	r.Get(storageproto.ReadyzPath, a.readyz)
	r.Post("/admin/retention", a.sweep)

	return r
}
