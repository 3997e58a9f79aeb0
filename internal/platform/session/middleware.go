package session

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

const (
	CookieName = "nmcds_session"
	contextKey = "session"
)

// Middleware loads the session named by the session cookie, if any, into the
// echo context. Unknown or expired ids are treated as "no session".
func Middleware(store Store, logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			cookie, err := c.Cookie(CookieName)
			if err != nil || cookie.Value == "" {
				return next(c)
			}

			sess, err := store.Get(c.Request().Context(), cookie.Value)
			switch {
			case err == nil:
				c.Set(contextKey, sess)
			case errors.Is(err, ErrNotFound):
			default:
				logger.Error().Err(err).Msg("load session")
			}
			return next(c)
		}
	}
}

// FromContext returns the session loaded by Middleware, or nil.
func FromContext(c echo.Context) *Session {
	s, _ := c.Get(contextKey).(*Session)
	return s
}

// SetCookie binds the browser to s.
func SetCookie(c echo.Context, s *Session, secure bool) {
	c.SetCookie(&http.Cookie{
		Name:     CookieName,
		Value:    s.ID,
		Path:     "/",
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// ClearCookie expires the session cookie.
func ClearCookie(c echo.Context) {
	c.SetCookie(&http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
}
