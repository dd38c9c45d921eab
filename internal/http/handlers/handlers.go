package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/irisanalysis/datalab-gateway/internal/audit"
	"github.com/irisanalysis/datalab-gateway/internal/config"
	"github.com/irisanalysis/datalab-gateway/internal/models"
	"github.com/irisanalysis/datalab-gateway/internal/proxy"
	"github.com/irisanalysis/datalab-gateway/internal/service"
)

// Pinger — проверка живости зависимости (postgres/redis) для /healthz.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps — зависимости HTTP-слоя.
type Deps struct {
	Auth    *service.Service
	Proxy   *proxy.Proxy
	Poller  *proxy.HealthPoller
	Audit   *audit.Auditor
	AuthCfg config.AuthConfig

	DB    Pinger
	Cache Pinger // nil, если redis не сконфигурирован
}

// Handlers агрегирует зависимости HTTP-обработчиков.
type Handlers struct {
	deps Deps
}

func New(deps Deps) *Handlers {
	return &Handlers{deps: deps}
}

// writeJSON — единый ответ JSON с нужным Content-Type.
// Ошибки выводим через httperr.WriteError.
func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}

// decodeStrict — строгий JSON-декодер: запрещаем неизвестные поля.
func decodeStrict(r *http.Request, value any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(value)
}

// userView — представление пользователя в ответах API.
type userView struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func toUserView(u *models.User) userView {
	return userView{
		ID:        u.ID.String(),
		Email:     u.Email,
		Active:    u.Active,
		CreatedAt: u.CreatedAt,
		UpdatedAt: u.UpdatedAt,
	}
}

// messageResponse — короткий ответ-подтверждение.
type messageResponse struct {
	Message string `json:"message"`
}
