package handler

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/smallbiznis/valora-federation/internal/config"
	"github.com/smallbiznis/valora-federation/internal/domain"
	domainoauth "github.com/smallbiznis/valora-federation/internal/domain/oauth"
	"github.com/smallbiznis/valora-federation/internal/http/middleware"
	"github.com/smallbiznis/valora-federation/internal/repository"
	authsvc "github.com/smallbiznis/valora-federation/internal/service/auth"
)

// Pages are the local destinations a finished flow redirects to.
type Pages struct {
	Account string
	Login   string
	Landing string
}

// OIDCHandler serves the connect, login, redirect and signup endpoints.
type OIDCHandler struct {
	Flows      authsvc.FlowService
	Sessions   *middleware.Sessions
	FlashStore repository.FlashStore
	Pages      Pages
	logger     *zap.Logger
}

// NewOIDCHandler creates the handler set.
func NewOIDCHandler(flows authsvc.FlowService, sessions *middleware.Sessions, flashes repository.FlashStore, cfg config.Config, logger *zap.Logger) *OIDCHandler {
	return &OIDCHandler{
		Flows:      flows,
		Sessions:   sessions,
		FlashStore: flashes,
		Pages: Pages{
			Account: cfg.AccountPath,
			Login:   cfg.LoginPath,
			Landing: cfg.LandingPath,
		},
		logger: logger,
	}
}

// Connect starts linking a provider account to the logged-in user.
func (h *OIDCHandler) Connect(c *gin.Context) {
	h.start(c, domainoauth.ActionConnect)
}

// Login starts a provider login from an anonymous session.
func (h *OIDCHandler) Login(c *gin.Context) {
	h.start(c, domainoauth.ActionLogin)
}

func (h *OIDCHandler) start(c *gin.Context, action domainoauth.Action) {
	provider, err := domainoauth.ParseIdentityProvider(c.Param("provider"))
	if err != nil {
		h.fail(c, domainoauth.Flow{Action: action}, err)
		return
	}
	flow := domainoauth.Flow{Provider: provider, Action: action}
	session := middleware.CurrentSession(c)

	authorizeURL, err := h.Flows.Start(c.Request.Context(), authsvc.StartInput{
		Flow:          flow,
		SessionID:     session.ID,
		SessionUserID: session.UserID,
		NextURL:       sameSitePath(c.Query("next")),
	})
	if err != nil {
		h.fail(c, flow, err)
		return
	}
	c.Redirect(http.StatusFound, authorizeURL)
}

// Redirect is the provider callback.
func (h *OIDCHandler) Redirect(c *gin.Context) {
	session := middleware.CurrentSession(c)
	provider, err := domainoauth.ParseIdentityProvider(c.Param("provider"))
	if err != nil {
		h.fail(c, domainoauth.Flow{Action: sessionAction(session)}, err)
		return
	}

	result, err := h.Flows.HandleCallback(c.Request.Context(), authsvc.CallbackInput{
		Provider:         provider,
		SessionID:        session.ID,
		SessionUserID:    session.UserID,
		Code:             c.Query("code"),
		State:            c.Query("state"),
		Error:            c.Query("error"),
		ErrorDescription: c.Query("error_description"),
	})
	if err != nil {
		flow := domainoauth.Flow{Provider: provider, Action: sessionAction(session)}
		if result != nil {
			flow = result.Flow
		}
		h.fail(c, flow, err)
		return
	}

	switch result.Outcome {
	case authsvc.OutcomeConnected:
		h.flash(c, domain.FlashSuccess, fmt.Sprintf("Your %s account is now connected.", provider.DisplayName()))
		c.Redirect(http.StatusSeeOther, h.Pages.Account)
	case authsvc.OutcomeLoggedIn:
		if err := h.Sessions.Login(c, result.User.ID); err != nil {
			h.fail(c, result.Flow, err)
			return
		}
		c.Redirect(http.StatusSeeOther, h.nextOrLanding(result.NextURL))
	case authsvc.OutcomeSignupPending:
		c.Redirect(http.StatusSeeOther, signupPath(provider, result.SignupToken))
	default:
		h.fail(c, result.Flow, fmt.Errorf("unexpected outcome %q", result.Outcome))
	}
}

type signupFormResponse struct {
	Provider     domainoauth.IdentityProvider `json:"provider"`
	ProviderName string                       `json:"provider_name"`
	Email        string                       `json:"email,omitempty"`
	Name         string                       `json:"name,omitempty"`
	GivenName    string                       `json:"given_name,omitempty"`
	FamilyName   string                       `json:"family_name,omitempty"`
	IDInfo       string                       `json:"idinfo"`
}

// SignupForm returns the claims used to pre-fill the signup form.
func (h *OIDCHandler) SignupForm(c *gin.Context) {
	flow := domainoauth.Flow{Action: domainoauth.ActionLogin}
	provider, err := domainoauth.ParseIdentityProvider(c.Param("provider"))
	if err != nil {
		h.fail(c, flow, err)
		return
	}
	flow.Provider = provider
	if middleware.CurrentSession(c).Authenticated() {
		h.fail(c, flow, domainoauth.ErrForbidden)
		return
	}

	token := c.Query("idinfo")
	identity, err := h.Flows.PendingSignup(c.Request.Context(), provider, token)
	if err != nil {
		h.fail(c, flow, err)
		return
	}
	c.JSON(http.StatusOK, signupFormResponse{
		Provider:     provider,
		ProviderName: provider.DisplayName(),
		Email:        identity.Email,
		Name:         identity.DisplayName,
		GivenName:    identity.GivenName,
		FamilyName:   identity.FamilyName,
		IDInfo:       token,
	})
}

// Signup creates the account for a pending identity and logs it in.
func (h *OIDCHandler) Signup(c *gin.Context) {
	flow := domainoauth.Flow{Action: domainoauth.ActionLogin}
	provider, err := domainoauth.ParseIdentityProvider(c.Param("provider"))
	if err != nil {
		h.fail(c, flow, err)
		return
	}
	flow.Provider = provider

	var req struct {
		IDInfo   string `form:"idinfo" json:"idinfo" binding:"required"`
		Username string `form:"username" json:"username"`
		Email    string `form:"email" json:"email"`
		Name     string `form:"name" json:"name"`
		Password string `form:"password" json:"password"`
	}
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "idinfo is required."})
		return
	}

	session := middleware.CurrentSession(c)
	result, err := h.Flows.CompleteSignup(c.Request.Context(), authsvc.SignupInput{
		Provider:      provider,
		SessionID:     session.ID,
		SessionUserID: session.UserID,
		Token:         req.IDInfo,
		Username:      req.Username,
		Email:         req.Email,
		Name:          req.Name,
		Password:      req.Password,
	})
	if err != nil {
		var formErr *authsvc.SignupFormError
		if errors.As(err, &formErr) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "fields": formErr.Fields})
			return
		}
		h.fail(c, flow, err)
		return
	}

	if err := h.Sessions.Login(c, result.User.ID); err != nil {
		h.fail(c, flow, err)
		return
	}
	h.flash(c, domain.FlashSuccess, fmt.Sprintf("Welcome, %s. Your account is linked to %s.", result.User.Username, provider.DisplayName()))
	c.Redirect(http.StatusSeeOther, h.nextOrLanding(result.NextURL))
}

// Flashes pops the queued messages of the current session.
func (h *OIDCHandler) Flashes(c *gin.Context) {
	flashes, err := h.FlashStore.PopFlashes(c.Request.Context(), middleware.CurrentSession(c).ID)
	if err != nil {
		h.log().Error("pop flashes", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error", "error_description": "Internal server error."})
		return
	}
	if flashes == nil {
		flashes = []domain.Flash{}
	}
	c.JSON(http.StatusOK, gin.H{"flashes": flashes})
}

// Logout ends the session.
func (h *OIDCHandler) Logout(c *gin.Context) {
	if err := h.Sessions.Logout(c); err != nil {
		h.log().Error("logout", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error", "error_description": "Internal server error."})
		return
	}
	c.Redirect(http.StatusSeeOther, h.Pages.Login)
}

// Identities lists the provider links of the logged-in user.
func (h *OIDCHandler) Identities(c *gin.Context) {
	identities, err := h.Flows.ListIdentities(c.Request.Context(), middleware.CurrentSession(c).UserID)
	if err != nil {
		if errors.Is(err, domainoauth.ErrForbidden) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "login_required", "error_description": "Sign in to view connected accounts."})
			return
		}
		h.log().Error("list identities", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error", "error_description": "Internal server error."})
		return
	}
	c.JSON(http.StatusOK, gin.H{"identities": identities})
}

// fail maps flow errors: protocol violations are answered directly, fatal errors
// abort with 500 and everything else becomes a flash and a 303 back to the page
// the flow started from.
func (h *OIDCHandler) fail(c *gin.Context, flow domainoauth.Flow, err error) {
	logger := h.log().With(
		zap.String("provider", flow.Provider.String()),
		zap.String("action", string(flow.Action)),
	)
	name := flow.Provider.DisplayName()

	var message string
	switch {
	case errors.Is(err, domainoauth.ErrProviderNotFound):
		logger.Warn("oidc provider not found", zap.Error(err))
		c.JSON(http.StatusNotFound, gin.H{"error": "provider_not_found", "error_description": "Identity provider not configured."})
		return
	case errors.Is(err, domainoauth.ErrForbidden):
		logger.Warn("oidc protocol violation", zap.Error(err))
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "error_description": "This action is not allowed from the current session."})
		return
	case errors.Is(err, domainoauth.ErrMissingSubject), errors.Is(err, domainoauth.ErrMissingIDToken):
		logger.Error("oidc fatal protocol error", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error", "error_description": "Internal server error."})
		return
	case errors.Is(err, domainoauth.ErrAccessDenied):
		logger.Info("oidc access denied", zap.Error(err))
		message = fmt.Sprintf("You declined to share your %s account.", name)
	case errors.Is(err, domainoauth.ErrIdentityConflict):
		logger.Warn("oidc identity conflict", zap.Error(err))
		message = fmt.Sprintf("This %s account is already connected to another user.", name)
	case errors.Is(err, domainoauth.ErrEmailConflict):
		logger.Warn("oidc email conflict", zap.Error(err))
		message = fmt.Sprintf("An account with this email already exists. Sign in and connect %s from your account page.", name)
	case errors.Is(err, domainoauth.ErrExternalRequest):
		// Details were logged where the request failed.
		message = fmt.Sprintf("%s could not be reached. Please try again later.", name)
	case errors.Is(err, domainoauth.ErrTokenInvalid):
		logger.Warn("oidc id token rejected", zap.Error(err))
		message = fmt.Sprintf("The identity returned by %s could not be verified.", name)
	case errors.Is(err, domainoauth.ErrInvalidState), errors.Is(err, domainoauth.ErrInvalidRequest), errors.Is(err, domainoauth.ErrUsernameTaken):
		logger.Warn("oidc invalid request", zap.Error(err))
		message = fmt.Sprintf("Your %s sign-in expired or was already used. Please try again.", name)
	default:
		logger.Error("oidc flow failure", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error", "error_description": "Internal server error."})
		return
	}

	h.flash(c, domain.FlashError, message)
	c.Redirect(http.StatusSeeOther, h.pageFor(flow.Action))
}

func (h *OIDCHandler) flash(c *gin.Context, kind domain.FlashKind, message string) {
	session := middleware.CurrentSession(c)
	if session.ID == "" {
		return
	}
	if err := h.FlashStore.AddFlash(c.Request.Context(), session.ID, domain.Flash{Kind: kind, Message: message}); err != nil {
		h.log().Warn("failed to queue flash", zap.Error(err))
	}
}

func (h *OIDCHandler) pageFor(action domainoauth.Action) string {
	if action == domainoauth.ActionConnect {
		return h.Pages.Account
	}
	return h.Pages.Login
}

func (h *OIDCHandler) nextOrLanding(next string) string {
	if safe := sameSitePath(next); safe != "" {
		return safe
	}
	return h.Pages.Landing
}

func (h *OIDCHandler) log() *zap.Logger {
	if h != nil && h.logger != nil {
		return h.logger
	}
	return zap.L()
}

func sessionAction(session *domain.Session) domainoauth.Action {
	if session.Authenticated() {
		return domainoauth.ActionConnect
	}
	return domainoauth.ActionLogin
}

func signupPath(provider domainoauth.IdentityProvider, token string) string {
	return "/signup/" + url.PathEscape(provider.String()) + "?" + url.Values{"idinfo": {token}}.Encode()
}

// sameSitePath returns raw only when it is a relative path on this site.
func sameSitePath(raw string) string {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "//") || strings.ContainsAny(raw, "\\\r\n") {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "" || u.Host != "" || u.User != nil {
		return ""
	}
	return raw
}
