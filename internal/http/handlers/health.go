package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/irisanalysis/datalab-gateway/internal/proxy"
)

// healthResponse — ответ /healthz.
type healthResponse struct {
	Status       string                         `json:"status"` // "ok" | "degraded"
	Dependencies map[string]string              `json:"dependencies"`
	Upstreams    map[string]proxy.ServiceHealth `json:"upstreams,omitempty"`
}

// Livez — GET /livez: процесс жив.
func (h *Handlers) Livez(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Healthz — GET /healthz: состояние зависимостей. Всегда отвечает 200,
// деградация отражается в теле; сведения об апстримах справочные и
// форвардинг не блокируют.
func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	deps := map[string]string{
		"postgres": pingStatus(ctx, h.deps.DB),
	}
	if h.deps.Cache != nil {
		deps["redis"] = pingStatus(ctx, h.deps.Cache)
	}

	status := "ok"
	for _, st := range deps {
		if st != "ok" {
			status = "degraded"
			break
		}
	}

	resp := healthResponse{
		Status:       status,
		Dependencies: deps,
	}
	if h.deps.Poller != nil {
		resp.Upstreams = h.deps.Poller.Health()
	}

	writeJSON(w, http.StatusOK, resp)
}

func pingStatus(ctx context.Context, p Pinger) string {
	if p == nil {
		return "unknown"
	}
	if err := p.Ping(ctx); err != nil {
		return "unavailable"
	}
	return "ok"
}
