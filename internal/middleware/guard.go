package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/debtflow-identity/internal/session"
)

const sessionStateKey = "session_state"

// Reconcilers is the per-client lookup the guard needs.
type Reconcilers interface {
	For(clientID string) (*session.Reconciler, bool)
}

// RequireSession admits only clients with an authenticated reconciled
// session.  A client whose first resolution is still running gets 503 with
// "initializing" instead of 401, so the frontend does not bounce it to the
// login page; a client that was never resolved is resolved inline.
func RequireSession(recs Reconcilers) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			rec, _ := recs.For(ClientIDFrom(c))
			st := rec.Snapshot()
			if st.Initializing {
				if st.Loading {
					c.Response().Header().Set("Retry-After", "1")
					return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "initializing"})
				}
				st = rec.Resolve(c.Request().Context())
			}
			if !st.Authenticated() {
				body := echo.Map{"error": "unauthenticated"}
				if st.Error != "" {
					body["message"] = st.Error
				}
				return c.JSON(http.StatusUnauthorized, body)
			}
			c.Set(sessionStateKey, st)
			return next(c)
		}
	}
}

// SessionFrom returns the state stored by RequireSession.
func SessionFrom(c echo.Context) (session.State, bool) {
	st, ok := c.Get(sessionStateKey).(session.State)
	return st, ok
}
