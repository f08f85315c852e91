package storagehttp

import (
	"net/http"

	"github.com/sir_venger/databank/internal/models"
	"github.com/sir_venger/databank/pkg/httperrors"
)

// healthStats — payload ответа /readyz.
type healthStats struct {
	Status     string `json:"status"`
	Reason     string `json:"reason,omitempty"`
	FreeBytes  int64  `json:"free_bytes"`
	TotalBytes int64  `json:"total_bytes"`
}

func (a *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// readyz проверяет, что в каталог можно писать и свободного места выше порога.
func (a *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if a.Readiness == nil {
		writeJSON(w, http.StatusOK, healthStats{Status: "ready"})
		return
	}

	var stats healthStats
	if rd, err := a.Readiness.Usage(); err == nil {
		stats.FreeBytes = rd.Free
		stats.TotalBytes = rd.Total
	}

	if err := a.Readiness.Ready(); err != nil {
		stats.Status = "not ready"
		stats.Reason = err.Error()
		writeJSON(w, http.StatusServiceUnavailable, stats)
		return
	}

	stats.Status = "ready"
	writeJSON(w, http.StatusOK, stats)
}

// sweep вручную запускает проход очистки.
func (a *Server) sweep(w http.ResponseWriter, r *http.Request) {
	if a.Sweeper == nil {
		httperrors.WriteStatus(w, r, http.StatusNotImplemented, models.CodeInternal, "retention is not configured")
		return
	}

	st, err := a.Sweeper.Sweep(r.Context())
	if err != nil {
		httperrors.Write(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, st)
}
