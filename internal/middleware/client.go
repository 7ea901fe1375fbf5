package middleware

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

const clientIDKey = "client_id"

// ClientID makes sure every request carries a client id cookie.  The id is
// the key under which the client's reconciler, OAuth flow and Redis side
// channels live; it is not a credential.  Malformed values are replaced.
func ClientID(cookieName string, secure bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id := ""
			if ck, err := c.Cookie(cookieName); err == nil {
				if _, perr := uuid.Parse(ck.Value); perr == nil {
					id = ck.Value
				}
			}
			if id == "" {
				id = uuid.NewString()
				c.SetCookie(&http.Cookie{
					Name:     cookieName,
					Value:    id,
					Path:     "/",
					Expires:  time.Now().Add(365 * 24 * time.Hour),
					HttpOnly: true,
					Secure:   secure,
					SameSite: http.SameSiteLaxMode,
				})
			}
			c.Set(clientIDKey, id)
			return next(c)
		}
	}
}

// ClientIDFrom returns the id set by ClientID, or "anon".
func ClientIDFrom(c echo.Context) string {
	if s, ok := c.Get(clientIDKey).(string); ok && s != "" {
		return s
	}
	return "anon"
}
