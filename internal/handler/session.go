package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/debtflow-identity/internal/middleware"
	"github.com/iliyamo/debtflow-identity/internal/session"
)

// SessionHandler exposes the reconciled session of the calling client.
type SessionHandler struct {
	Recs middleware.Reconcilers
}

func NewSessionHandler(recs middleware.Reconcilers) *SessionHandler {
	return &SessionHandler{Recs: recs}
}

// Get returns the current snapshot.  The first request of a client resolves
// inline so the caller never sees a state that was never computed; while
// another request is resolving, the initializing snapshot is returned as is.
func (h *SessionHandler) Get(c echo.Context) error {
	rec := reconciler(h.Recs, c)
	st := rec.Snapshot()
	if st.Initializing && !st.Loading {
		st = rec.Resolve(c.Request().Context())
	}
	return c.JSON(http.StatusOK, st)
}

// Resolve forces a new reconciliation.
func (h *SessionHandler) Resolve(c echo.Context) error {
	rec := reconciler(h.Recs, c)
	return c.JSON(http.StatusOK, rec.Resolve(c.Request().Context()))
}

// RefreshProfile reloads the profile of the signed-in user, e.g. after the
// company row finally appeared.
func (h *SessionHandler) RefreshProfile(c echo.Context) error {
	rec := reconciler(h.Recs, c)
	return c.JSON(http.StatusOK, rec.Refresh(c.Request().Context()))
}

func reconciler(recs middleware.Reconcilers, c echo.Context) *session.Reconciler {
	rec, _ := recs.For(middleware.ClientIDFrom(c))
	return rec
}
