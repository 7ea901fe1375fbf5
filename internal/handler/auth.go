package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/debtflow-identity/internal/credential"
	"github.com/iliyamo/debtflow-identity/internal/middleware"
	"github.com/iliyamo/debtflow-identity/internal/model"
	"github.com/iliyamo/debtflow-identity/internal/oauth"
	"github.com/iliyamo/debtflow-identity/internal/repository"
	"github.com/iliyamo/debtflow-identity/internal/session"
	"github.com/iliyamo/debtflow-identity/internal/signup"
)

// Registrar provisions password identities.
type Registrar interface {
	Register(ctx context.Context, reg model.Registration) (model.Identity, error)
}

// Credentials owns the local session of a client.
type Credentials interface {
	SignIn(ctx context.Context, clientID, email, password string) (model.Identity, *model.Session, error)
	Establish(ctx context.Context, clientID string, id model.Identity) (*model.Session, error)
}

// ProviderSignOut ends the third-party session of a client.
type ProviderSignOut interface {
	SignOut(ctx context.Context, clientID string) error
}

// CallbackFlow is the per-client OAuth state machine.
type CallbackFlow interface {
	Begin(ctx context.Context, pending *model.PendingRegistration) (string, error)
	Complete(ctx context.Context, code, state string) (*oauth.Result, error)
}

// AuthHandler bundles dependencies for auth endpoints.
type AuthHandler struct {
	Signup   Registrar
	Creds    Credentials
	Provider ProviderSignOut
	Recs     middleware.Reconcilers
	Flows    func(clientID string) CallbackFlow
	Log      *slog.Logger
}

func NewAuthHandler(su Registrar, creds Credentials, provider ProviderSignOut, recs middleware.Reconcilers, flows func(string) CallbackFlow, log *slog.Logger) *AuthHandler {
	return &AuthHandler{Signup: su, Creds: creds, Provider: provider, Recs: recs, Flows: flows, Log: log}
}

// ----- DTOs -----

type registerReq struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role"` // debtor | company
	CompanyName string `json:"company_name"`
	TaxID       string `json:"tax_id"`
}
type loginReq struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}
type oauthStartReq struct {
	Role        string `json:"role"`
	DisplayName string `json:"display_name"`
	CompanyName string `json:"company_name"`
	TaxID       string `json:"tax_id"`
}

type tokenPart struct {
	Token   string    `json:"token"`
	Expires time.Time `json:"expires"`
}
type authResp struct {
	Session session.State `json:"session"`
	Access  tokenPart     `json:"access"`
}
type callbackResp struct {
	Session      session.State `json:"session"`
	Created      bool          `json:"created"`
	RedirectHint string        `json:"redirect_hint"`
}

// Register: create identity, sign in locally and reconcile.
func (h *AuthHandler) Register(c echo.Context) error {
	var req registerReq
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "email/password required"})
	}
	clientID := middleware.ClientIDFrom(c)

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	id, err := h.Signup.Register(ctx, model.Registration{
		Email:       req.Email,
		Password:    req.Password,
		DisplayName: strings.TrimSpace(req.DisplayName),
		Role:        model.Role(strings.ToLower(strings.TrimSpace(req.Role))),
		CompanyName: strings.TrimSpace(req.CompanyName),
		TaxID:       strings.TrimSpace(req.TaxID),
	})
	if err != nil {
		switch {
		case errors.Is(err, signup.ErrInvalidRegistration):
			return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
		case errors.Is(err, repository.ErrEmailExists):
			return c.JSON(http.StatusConflict, echo.Map{"error": "email already exists"})
		}
		h.Log.ErrorContext(ctx, "register failed", "error", err)
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "create user failed"})
	}

	h.dropProviderSession(ctx, clientID)
	sess, err := h.Creds.Establish(ctx, clientID, id)
	if err != nil {
		h.Log.ErrorContext(ctx, "establish session failed", "identity_id", id.ID, "error", err)
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "issue session failed"})
	}
	return h.respondSignedIn(c, http.StatusCreated, sess)
}

// Login: verify credentials, replace any provider session and reconcile.
func (h *AuthHandler) Login(c echo.Context) error {
	var req loginReq
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "email/password required"})
	}
	clientID := middleware.ClientIDFrom(c)

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	_, sess, err := h.Creds.SignIn(ctx, clientID, req.Email, req.Password)
	if err != nil {
		if errors.Is(err, credential.ErrInvalidCredentials) {
			return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid credentials"})
		}
		h.Log.ErrorContext(ctx, "login failed", "error", err)
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "query failed"})
	}
	h.dropProviderSession(ctx, clientID)
	return h.respondSignedIn(c, http.StatusOK, sess)
}

// A provider session would win reconciliation over the local session the
// caller just asked for.
func (h *AuthHandler) dropProviderSession(ctx context.Context, clientID string) {
	if h.Provider == nil {
		return
	}
	if err := h.Provider.SignOut(ctx, clientID); err != nil {
		h.Log.WarnContext(ctx, "provider sign out failed", "error", err)
	}
}

func (h *AuthHandler) respondSignedIn(c echo.Context, status int, sess *model.Session) error {
	st := reconciler(h.Recs, c).Resolve(c.Request().Context())
	if !st.Authenticated() {
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "session unavailable", "message": st.Error})
	}
	return c.JSON(status, authResp{
		Session: st,
		Access:  tokenPart{Token: sess.Token, Expires: sess.ExpiresAt},
	})
}

// Logout terminates both session sources.  The client is signed out even
// when one of the stores failed.
func (h *AuthHandler) Logout(c echo.Context) error {
	st, err := reconciler(h.Recs, c).SignOut(c.Request().Context())
	if err != nil {
		h.Log.WarnContext(c.Request().Context(), "logout incomplete", "error", err)
	}
	return c.JSON(http.StatusOK, st)
}

// OAuthStart stashes the signup form (if any) and returns the provider
// redirect URL.  With ?redirect=true the client is redirected directly.
func (h *AuthHandler) OAuthStart(c echo.Context) error {
	var req oauthStartReq
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}
	role := model.Role(strings.ToLower(strings.TrimSpace(req.Role)))
	if role == model.RoleGodMode {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "role not allowed"})
	}
	pending := pendingFrom(role, req)

	url, err := h.Flows(middleware.ClientIDFrom(c)).Begin(c.Request().Context(), pending)
	if err != nil {
		if errors.Is(err, oauth.ErrCallbackInProgress) {
			return c.JSON(http.StatusConflict, echo.Map{"error": "callback in progress"})
		}
		h.Log.ErrorContext(c.Request().Context(), "oauth start failed", "error", err)
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "oauth start failed"})
	}
	if c.QueryParam("redirect") == "true" {
		return c.Redirect(http.StatusFound, url)
	}
	return c.JSON(http.StatusOK, echo.Map{"redirect_url": url})
}

func pendingFrom(role model.Role, req oauthStartReq) *model.PendingRegistration {
	fields := map[string]string{}
	for k, v := range map[string]string{
		model.FieldDisplayName: req.DisplayName,
		model.FieldCompanyName: req.CompanyName,
		model.FieldTaxID:       req.TaxID,
	} {
		if v = strings.TrimSpace(v); v != "" {
			fields[k] = v
		}
	}
	if role == "" && len(fields) == 0 {
		return nil
	}
	if role == "" {
		role = model.RoleDebtor
	}
	return &model.PendingRegistration{Role: model.ParseRole(string(role)), Fields: fields}
}

// OAuthCallback settles the provider redirect.
func (h *AuthHandler) OAuthCallback(c echo.Context) error {
	if reason := c.QueryParam("error"); reason != "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "provider denied sign-in", "reason": reason})
	}
	code, state := c.QueryParam("code"), c.QueryParam("state")
	if code == "" || state == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "code/state required"})
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 15*time.Second)
	defer cancel()

	res, err := h.Flows(middleware.ClientIDFrom(c)).Complete(ctx, code, state)
	if err != nil {
		switch {
		case errors.Is(err, oauth.ErrInvalidState):
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid oauth state"})
		case errors.Is(err, oauth.ErrCallbackInProgress):
			return c.JSON(http.StatusConflict, echo.Map{"error": "callback in progress"})
		case errors.Is(err, oauth.ErrUnverifiedEmail):
			return c.JSON(http.StatusForbidden, echo.Map{"error": "email not verified"})
		}
		return c.JSON(http.StatusBadGateway, echo.Map{"error": "oauth callback failed"})
	}
	return c.JSON(http.StatusOK, callbackResp{
		Session:      res.State,
		Created:      res.Created,
		RedirectHint: res.RedirectHint,
	})
}

// Me returns the claims of the bearer token (protected by JWTAuth).
func Me(c echo.Context) error {
	return c.JSON(http.StatusOK, echo.Map{
		"user_id":    c.Get("user_id"),
		"email":      c.Get("email"),
		"role":       c.Get("role"),
		"session_id": c.Get("session_id"),
	})
}
