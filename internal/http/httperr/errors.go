// httperr стандартизирует ответы об ошибках HTTP-слоя.
// На вход принимает доменную ошибку (service/proxy/ratelimit),
// а на выход даёт:
//   - корректный HTTP-статус;
//   - краткое безопасное message без утечки деталей.
//
// Все отказы аутентификации (неверные учётные данные, битый/просроченный/
// отозванный токен) сведены к одному телу 401: клиент не должен отличать
// причины, полная детализация остаётся в логах.
package httperr

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/irisanalysis/datalab-gateway/internal/proxy"
	"github.com/irisanalysis/datalab-gateway/internal/service"
)

// APIError — единый формат для фронта.
// Code — короткий стабильный код для машиночитаемой обработки на FE.
// Message — безопасное человекочитаемое описание.
// RequestID — прокидывается из X-Request-Id, если есть (для трассировки).
type APIError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// ErrorResponse — корневой объект в ответе.
type ErrorResponse struct {
	Error APIError `json:"error"`
}

// ToHTTP конвертирует доменную ошибку в HTTP-статус и унифицированное тело.
//
// Поведение:
//   - err == nil — программная ошибка вызова: 500/internal, чтобы не
//     замаскировать баг ответом "200 OK" с телом ошибки;
//   - ошибки валидации -> 400;
//   - любые отказы аутентификации -> 401 с одинаковым телом;
//   - занятый email -> 409;
//   - неизвестный сервис -> 404;
//   - недоступный апстрим -> 503;
//   - прочее -> 500/internal (без утечки деталей).
func ToHTTP(err error) (int, ErrorResponse) {
	status, code, msg := mapError(err)

	return status, ErrorResponse{
		Error: APIError{
			Code:    code,
			Message: msg,
		},
	}
}

// WriteError — хелпер для HTTP-хендлеров.
// Пишет корректный статус/тело, добавляет request_id из заголовка, если он есть.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	status, resp := ToHTTP(err)

	// Прокидываем request_id для фронта, чтобы он мог репортить баги с привязкой.
	if rid := r.Header.Get("X-Request-Id"); rid != "" {
		resp.Error.RequestID = rid
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

// Unauthorized пишет обобщённый 401 — используется auth-гейтом.
func Unauthorized(w http.ResponseWriter, r *http.Request) {
	WriteError(w, r, service.ErrInvalidToken)
}

// TooManyRequests пишет 429; заголовки Retry-After и X-RateLimit-*
// выставляет вызывающий до записи статуса.
func TooManyRequests(w http.ResponseWriter, r *http.Request) {
	resp := ErrorResponse{
		Error: APIError{
			Code:    "rate_limited",
			Message: "too many requests",
		},
	}
	if rid := r.Header.Get("X-Request-Id"); rid != "" {
		resp.Error.RequestID = rid
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(resp)
}

// mapError — таблица маппинга доменных ошибок.
func mapError(err error) (int, string, string) {
	switch {
	case err == nil:
		return http.StatusInternalServerError, "internal", "internal error"

	// 400 — ошибки валидации входа.
	case errors.Is(err, service.ErrInvalidEmail),
		errors.Is(err, service.ErrWeakPassword),
		errors.Is(err, service.ErrEmptyPassword):
		return http.StatusBadRequest, "invalid_argument", "invalid argument"

	// 401 — единое тело для всех отказов аутентификации.
	case errors.Is(err, service.ErrInvalidCredentials),
		errors.Is(err, service.ErrInvalidToken),
		errors.Is(err, service.ErrTokenExpired),
		errors.Is(err, service.ErrTokenRevoked):
		return http.StatusUnauthorized, "unauthenticated", "authentication required"

	// 409 — конфликт уникальности.
	case errors.Is(err, service.ErrEmailTaken):
		return http.StatusConflict, "already_exists", "already exists"

	// 404 — сервис не зарегистрирован.
	case errors.Is(err, proxy.ErrUnknownService):
		return http.StatusNotFound, "not_found", "not found"

	// 503 — апстрим недоступен или не ответил вовремя.
	case errors.Is(err, proxy.ErrUpstreamUnavailable):
		return http.StatusServiceUnavailable, "unavailable", "service unavailable"

	default:
		return http.StatusInternalServerError, "internal", "internal error"
	}
}
