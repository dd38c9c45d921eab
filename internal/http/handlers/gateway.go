package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/irisanalysis/datalab-gateway/internal/http/httperr"
)

// Gateway — ANY /services/{service}/*: аутентифицированный passthrough
// к нижестоящему сервису. Ответы апстрима (включая 4xx/5xx) передаются
// клиенту дословно; ошибкой шлюза считаются только неизвестный сервис
// и недоступность апстрима.
func (h *Handlers) Gateway(w http.ResponseWriter, r *http.Request) {
	service := chi.URLParam(r, "service")
	rest := chi.URLParam(r, "*")

	if err := h.deps.Proxy.Forward(w, r, service, rest); err != nil {
		httperr.WriteError(w, r, err)
	}
}
