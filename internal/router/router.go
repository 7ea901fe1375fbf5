package router // package router defines how HTTP routes are registered for the API

import (
	"log/slog"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"github.com/iliyamo/debtflow-identity/internal/handler"
	"github.com/iliyamo/debtflow-identity/internal/middleware"
	"github.com/iliyamo/debtflow-identity/internal/model"
)

// Use installs the middleware shared by every route: panic recovery,
// tracing and one structured log line per request.
func Use(e *echo.Echo, serviceName string, log *slog.Logger) {
	e.Use(echomw.Recover())
	e.Use(otelecho.Middleware(serviceName))
	e.Use(echomw.RequestLoggerWithConfig(echomw.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRemoteIP:  true,
		LogError:     true,
		HandleError:  true,
		LogValuesFunc: func(c echo.Context, v echomw.RequestLoggerValues) error {
			attrs := []any{
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency_ms", v.Latency.Milliseconds(),
				"remote_ip", v.RemoteIP,
				"client_id", middleware.ClientIDFrom(c),
			}
			ctx := c.Request().Context()
			if v.Error != nil {
				log.ErrorContext(ctx, "request", append(attrs, "error", v.Error.Error())...)
				return nil
			}
			log.InfoContext(ctx, "request", attrs...)
			return nil
		},
	}))
}

// RegisterRoutes registers routes that do not require a client id.
func RegisterRoutes(e *echo.Echo) {
	e.GET("/healthz", handler.Health)
}

// V1 returns the /v1 group.  Every route under it carries a client id
// cookie, the key of the client's reconciler and OAuth flow.
func V1(e *echo.Echo, cookieName string, secureCookie bool) *echo.Group {
	return e.Group("/v1", middleware.ClientID(cookieName, secureCookie))
}

// RegisterSession exposes the reconciled session.  Profile refresh needs a
// signed-in client.
func RegisterSession(g *echo.Group, s *handler.SessionHandler, recs middleware.Reconcilers) {
	g.GET("/session", s.Get)
	g.POST("/session/resolve", s.Resolve)
	g.POST("/profile/refresh", s.RefreshProfile, middleware.RequireSession(recs))
}

// RegisterAuth registers sign-in, signup and OAuth routes under /v1/auth,
// throttled by limiter, plus the bearer-token introspection endpoint.
func RegisterAuth(g *echo.Group, a *handler.AuthHandler, jwtSecret string, limiter echo.MiddlewareFunc) {
	auth := g.Group("/auth", limiter)
	auth.POST("/register", a.Register)
	auth.POST("/login", a.Login)
	auth.POST("/logout", a.Logout)
	auth.POST("/oauth/start", a.OAuthStart)
	auth.GET("/oauth/callback", a.OAuthCallback)

	g.GET("/me", handler.Me, middleware.JWTAuth(jwtSecret))
}

// RegisterCompany registers the company routes for company and god_mode
// users.
func RegisterCompany(g *echo.Group, ch *handler.CompanyHandler, recs middleware.Reconcilers) {
	c := g.Group("/company", middleware.RequireSession(recs), middleware.RequireRole(model.RoleCompany, model.RoleGodMode))
	c.GET("", ch.Get)
	c.POST("", ch.Create)
}
