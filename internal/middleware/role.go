package middleware // middleware provides shared request processing for handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/debtflow-identity/internal/model"
)

// RequireRole returns a middleware function that enforces that the
// authenticated user has one of the specified roles.  The role is taken
// from the reconciled session stored by RequireSession, falling back to the
// "role" claim stored by JWTAuth.  If the role is missing or not allowed,
// the request is aborted with a 403 Forbidden response.
func RequireRole(roles ...model.Role) echo.MiddlewareFunc {
	allowed := make(map[model.Role]bool, len(roles))
	for _, r := range roles {
		allowed[r] = true
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !allowed[currentRole(c)] {
				return c.JSON(http.StatusForbidden, map[string]string{"error": "forbidden"})
			}
			return next(c)
		}
	}
}

func currentRole(c echo.Context) model.Role {
	if st, ok := SessionFrom(c); ok && st.User != nil {
		if st.Profile != nil && st.Profile.Role != "" {
			return st.Profile.Role
		}
		return st.User.Role
	}
	if s, ok := c.Get("role").(string); ok {
		return model.Role(s)
	}
	return ""
}
