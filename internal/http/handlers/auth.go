package handlers

import (
	"net/http"
	"time"

	"github.com/irisanalysis/datalab-gateway/internal/audit"
	"github.com/irisanalysis/datalab-gateway/internal/http/httperr"
	"github.com/irisanalysis/datalab-gateway/internal/http/middleware"
	"github.com/irisanalysis/datalab-gateway/internal/models"
	"github.com/irisanalysis/datalab-gateway/internal/service"
)

// RefreshCookieName — cookie с refresh-токеном для браузерных клиентов.
const RefreshCookieName = "refresh_token"

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token,omitempty"`
}

// tokenResponse — ответ login/refresh. Refresh-токен дублируется в теле
// для не-браузерных клиентов; браузеры получают его в HttpOnly cookie.
type tokenResponse struct {
	AccessToken  string    `json:"access_token"`
	TokenType    string    `json:"token_type"`
	ExpiresAt    time.Time `json:"expires_at"`
	RefreshToken string    `json:"refresh_token"`
	User         userView  `json:"user"`
}

// Register — POST /auth/register.
func (h *Handlers) Register(w http.ResponseWriter, r *http.Request) {
	var in credentialsRequest
	if err := decodeStrict(r, &in); err != nil {
		httperr.WriteError(w, r, service.ErrInvalidEmail)
		return
	}

	user, err := h.deps.Auth.RegisterUser(r.Context(), in.Email, in.Password)
	if err != nil {
		h.emitAudit(r, audit.ActionRegister, nil, in.Email, false, err.Error())
		httperr.WriteError(w, r, err)
		return
	}

	h.emitAudit(r, audit.ActionRegister, user, "", true, "")
	writeJSON(w, http.StatusCreated, messageResponse{Message: "registration successful"})
}

// Login — POST /auth/login.
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	var in credentialsRequest
	if err := decodeStrict(r, &in); err != nil {
		httperr.WriteError(w, r, service.ErrInvalidCredentials)
		return
	}

	pair, user, err := h.deps.Auth.LoginUser(r.Context(), in.Email, in.Password, clientMeta(r))
	if err != nil {
		h.emitAudit(r, audit.ActionLogin, nil, in.Email, false, err.Error())
		httperr.WriteError(w, r, err)
		return
	}

	h.setAuthCookies(w, pair)
	h.emitAudit(r, audit.ActionLogin, user, "", true, "")

	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  pair.AccessToken,
		TokenType:    "bearer",
		ExpiresAt:    pair.AccessExpiresAt,
		RefreshToken: pair.RefreshToken,
		User:         toUserView(user),
	})
}

// Refresh — POST /auth/refresh. Токен берётся из cookie или из тела.
func (h *Handlers) Refresh(w http.ResponseWriter, r *http.Request) {
	refreshToken := h.refreshTokenFrom(r)
	if refreshToken == "" {
		httperr.WriteError(w, r, service.ErrInvalidToken)
		return
	}

	pair, user, err := h.deps.Auth.RefreshToken(r.Context(), refreshToken, clientMeta(r))
	if err != nil {
		h.emitAudit(r, audit.ActionRefresh, nil, "", false, err.Error())
		httperr.WriteError(w, r, err)
		return
	}

	h.setAuthCookies(w, pair)
	h.emitAudit(r, audit.ActionRefresh, user, "", true, "")

	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  pair.AccessToken,
		TokenType:    "bearer",
		ExpiresAt:    pair.AccessExpiresAt,
		RefreshToken: pair.RefreshToken,
		User:         toUserView(user),
	})
}

// Logout — POST /auth/logout. Идемпотентен: всегда 200, cookie всегда
// очищаются, отзыв токена best-effort.
func (h *Handlers) Logout(w http.ResponseWriter, r *http.Request) {
	if refreshToken := h.refreshTokenFrom(r); refreshToken != "" {
		// Ошибку не поднимаем: выход должен удаться и при недоступной БД.
		_ = h.deps.Auth.RevokeToken(r.Context(), refreshToken)
	}

	h.clearAuthCookies(w)
	h.emitAudit(r, audit.ActionLogout, nil, "", true, "")

	writeJSON(w, http.StatusOK, messageResponse{Message: "logged out"})
}

// LogoutAll — POST /auth/logout_all. Требует аутентификации.
func (h *Handlers) LogoutAll(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		httperr.Unauthorized(w, r)
		return
	}

	if _, err := h.deps.Auth.RevokeAllUserTokens(r.Context(), identity.UserID); err != nil {
		httperr.WriteError(w, r, err)
		return
	}

	h.clearAuthCookies(w)
	h.emitAudit(r, audit.ActionLogoutAll, &models.User{ID: identity.UserID, Email: identity.Email}, "", true, "")

	writeJSON(w, http.StatusOK, messageResponse{Message: "logged out everywhere"})
}

// Me — GET /me.
func (h *Handlers) Me(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		httperr.Unauthorized(w, r)
		return
	}

	user, err := h.deps.Auth.UserByID(r.Context(), identity.UserID)
	if err != nil {
		httperr.WriteError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toUserView(user))
}

// refreshTokenFrom достаёт refresh-токен: cookie приоритетнее тела.
func (h *Handlers) refreshTokenFrom(r *http.Request) string {
	if c, err := r.Cookie(RefreshCookieName); err == nil && c.Value != "" {
		return c.Value
	}

	var in refreshRequest
	if err := decodeStrict(r, &in); err == nil {
		return in.RefreshToken
	}

	return ""
}

// setAuthCookies выставляет HttpOnly cookie с access- и refresh-токенами.
func (h *Handlers) setAuthCookies(w http.ResponseWriter, pair *models.TokenPair) {
	cfg := h.deps.AuthCfg

	http.SetCookie(w, &http.Cookie{
		Name:     middleware.AccessCookieName,
		Value:    pair.AccessToken,
		Path:     "/",
		Domain:   cfg.CookieDomain,
		MaxAge:   int(cfg.AccessTokenTTL.Seconds()),
		HttpOnly: true,
		Secure:   cfg.CookieSecure,
		SameSite: sameSiteFrom(cfg.CookieSameSite),
	})

	// Refresh-токен виден только auth-эндпоинтам.
	http.SetCookie(w, &http.Cookie{
		Name:     RefreshCookieName,
		Value:    pair.RefreshToken,
		Path:     "/auth",
		Domain:   cfg.CookieDomain,
		MaxAge:   int(cfg.RefreshTokenTTL.Seconds()),
		HttpOnly: true,
		Secure:   cfg.CookieSecure,
		SameSite: sameSiteFrom(cfg.CookieSameSite),
	})
}

// clearAuthCookies сбрасывает обе cookie.
func (h *Handlers) clearAuthCookies(w http.ResponseWriter) {
	cfg := h.deps.AuthCfg

	for _, c := range []struct {
		name string
		path string
	}{
		{middleware.AccessCookieName, "/"},
		{RefreshCookieName, "/auth"},
	} {
		http.SetCookie(w, &http.Cookie{
			Name:     c.name,
			Value:    "",
			Path:     c.path,
			Domain:   cfg.CookieDomain,
			MaxAge:   -1,
			HttpOnly: true,
			Secure:   cfg.CookieSecure,
			SameSite: sameSiteFrom(cfg.CookieSameSite),
		})
	}
}

func sameSiteFrom(s string) http.SameSite {
	switch s {
	case "strict":
		return http.SameSiteStrictMode
	case "none":
		return http.SameSiteNoneMode
	default:
		return http.SameSiteLaxMode
	}
}

// clientMeta собирает метаданные клиента для привязки к refresh-сессии.
func clientMeta(r *http.Request) service.ClientMeta {
	return service.ClientMeta{
		UserAgent: r.UserAgent(),
		IP:        middleware.ClientIP(r),
	}
}

// emitAudit пишет событие аудита best-effort.
func (h *Handlers) emitAudit(r *http.Request, action string, user *models.User, email string, success bool, reason string) {
	ev := audit.Event{
		Action:    action,
		Email:     email,
		IP:        middleware.ClientIP(r),
		UserAgent: r.UserAgent(),
		RequestID: r.Header.Get("X-Request-Id"),
		Success:   success,
		Reason:    reason,
	}
	if user != nil {
		ev.UserID = user.ID
		ev.Email = user.Email
	}

	h.deps.Audit.Emit(r.Context(), ev)
}
