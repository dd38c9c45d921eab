// audit — журнал событий безопасности (регистрация, вход, ротация,
// отзыв, обнаружение повторного использования токена). События пишутся
// best-effort: сбой эмиссии никогда не прерывает операцию.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/irisanalysis/datalab-gateway/pkg/log"
	"github.com/irisanalysis/datalab-gateway/pkg/redact"
)

// Действия, фиксируемые в журнале.
const (
	ActionRegister    = "register"
	ActionLogin       = "login"
	ActionRefresh     = "refresh"
	ActionReuseDetect = "refresh_reuse_detected"
	ActionLogout      = "logout"
	ActionLogoutAll   = "logout_all"
)

// Event — одно событие аудита.
type Event struct {
	Action    string
	UserID    uuid.UUID
	Email     string // маскируется при записи
	IP        string
	UserAgent string
	RequestID string
	Success   bool
	Reason    string // внутренняя причина отказа; клиенту не возвращается
	At        time.Time
}

// Auditor пишет события аудита в структурированный лог.
type Auditor struct {
	lg *slog.Logger
}

// New создаёт Auditor поверх переданного логгера.
func New(lg *slog.Logger) *Auditor {
	return &Auditor{lg: lg}
}

// Emit записывает событие. Нулевые поля опускаются.
func (a *Auditor) Emit(ctx context.Context, ev Event) {
	if a == nil {
		return
	}

	lg := a.lg
	if lg == nil {
		lg = log.From(ctx)
	}

	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	attrs := []slog.Attr{
		slog.String("action", ev.Action),
		slog.Bool("success", ev.Success),
		slog.Time("at", ev.At),
	}

	if ev.UserID != uuid.Nil {
		attrs = append(attrs, slog.String("user_id", ev.UserID.String()))
	}
	if ev.Email != "" {
		attrs = append(attrs, slog.String("email", redact.Email(ev.Email)))
	}
	if ev.IP != "" {
		attrs = append(attrs, slog.String("ip", ev.IP))
	}
	if ev.UserAgent != "" {
		attrs = append(attrs, slog.String("user_agent", ev.UserAgent))
	}
	if ev.RequestID != "" {
		attrs = append(attrs, slog.String("request_id", ev.RequestID))
	}
	if ev.Reason != "" {
		attrs = append(attrs, slog.String("reason", ev.Reason))
	}

	lg.LogAttrs(ctx, slog.LevelInfo, "audit_event", attrs...)
}
