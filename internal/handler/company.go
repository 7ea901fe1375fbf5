package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/debtflow-identity/internal/middleware"
	"github.com/iliyamo/debtflow-identity/internal/queue"
	"github.com/iliyamo/debtflow-identity/internal/repository"
)

// CompanyHandler serves the company of the reconciled session.  Routes are
// guarded by RequireSession and RequireRole(company, god_mode).
type CompanyHandler struct {
	Companies queue.CompanyCreator
	Recs      middleware.Reconcilers
	Log       *slog.Logger
}

func NewCompanyHandler(companies queue.CompanyCreator, recs middleware.Reconcilers, log *slog.Logger) *CompanyHandler {
	return &CompanyHandler{Companies: companies, Recs: recs, Log: log}
}

type companyReq struct {
	Name  string `json:"name"`
	TaxID string `json:"tax_id"`
}

// Get returns the company attached to the reconciled profile.  A missing
// company is reported with company_missing so the frontend can offer the
// remediation form.
func (h *CompanyHandler) Get(c echo.Context) error {
	st, _ := middleware.SessionFrom(c)
	if st.Profile == nil {
		return c.JSON(http.StatusNotFound, echo.Map{"error": "profile not loaded"})
	}
	if st.Profile.Company == nil {
		return c.JSON(http.StatusNotFound, echo.Map{"error": "company not found", "company_missing": st.Profile.CompanyMissing})
	}
	return c.JSON(http.StatusOK, st.Profile.Company)
}

// Create inserts the company row the signup worker never wrote, then
// reloads the profile.
func (h *CompanyHandler) Create(c echo.Context) error {
	var req companyReq
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}
	if strings.TrimSpace(req.Name) == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "name required"})
	}
	st, _ := middleware.SessionFrom(c)
	if st.User == nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthenticated"})
	}
	if st.Profile != nil && st.Profile.Company != nil {
		return c.JSON(http.StatusConflict, echo.Map{"error": "company already exists"})
	}

	ctx := c.Request().Context()
	if err := h.Companies.CreateCompany(ctx, st.User.ID, req.Name, req.TaxID); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return c.JSON(http.StatusConflict, echo.Map{"error": "company already exists"})
		}
		h.Log.ErrorContext(ctx, "create company failed", "identity_id", st.User.ID, "error", err)
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "create company failed"})
	}
	return c.JSON(http.StatusCreated, reconciler(h.Recs, c).Refresh(ctx))
}
