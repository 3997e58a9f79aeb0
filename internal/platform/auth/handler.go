package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/nmcds/nmcds/internal/platform/fhir"
	"github.com/nmcds/nmcds/internal/platform/session"
)

// Handler serves the launch, callback and logout endpoints. It expects
// session.Middleware to run before it.
type Handler struct {
	client      *SMARTClient
	sessions    session.Store
	defaultBase string
	secure      bool
	logger      zerolog.Logger
	now         func() time.Time
}

func NewHandler(client *SMARTClient, sessions session.Store, defaultBase string, secureCookies bool, logger zerolog.Logger) *Handler {
	return &Handler{
		client:      client,
		sessions:    sessions,
		defaultBase: defaultBase,
		secure:      secureCookies,
		logger:      logger,
		now:         time.Now,
	}
}

func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/", h.Status)
	e.GET("/launch", h.Launch)
	e.GET("/callback", h.Callback)
	e.GET("/logout", h.Logout)
}

// SessionStatus describes the caller's launch state.
type SessionStatus struct {
	Launched    bool       `json:"launched"`
	FHIRBaseURL string     `json:"fhirBaseUrl,omitempty"`
	PatientID   string     `json:"patientId,omitempty"`
	FHIRUser    string     `json:"fhirUser,omitempty"`
	Scope       string     `json:"scope,omitempty"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
}

// Status handles GET /.
func (h *Handler) Status(c echo.Context) error {
	sess := session.FromContext(c)
	if sess.Token(h.now()) == "" {
		return c.JSON(http.StatusOK, SessionStatus{})
	}
	status := SessionStatus{
		Launched:    true,
		FHIRBaseURL: sess.FHIRBaseURL,
		PatientID:   sess.PatientID,
		FHIRUser:    sess.FHIRUser,
		Scope:       sess.Scope,
	}
	if !sess.TokenExpiresAt.IsZero() {
		exp := sess.TokenExpiresAt
		status.ExpiresAt = &exp
	}
	return c.JSON(http.StatusOK, status)
}

// Launch handles GET /launch?iss=&launch=. It starts a fresh session and
// redirects the browser to the authorization endpoint of iss.
func (h *Handler) Launch(c echo.Context) error {
	ctx := c.Request().Context()
	base := strings.TrimRight(c.QueryParam("iss"), "/")
	if base == "" {
		base = strings.TrimRight(h.defaultBase, "/")
	}

	cfg, err := h.client.Discover(ctx, base)
	if err != nil {
		h.logger.Error().Err(err).Str("iss", base).Msg("smart discovery failed")
		return c.JSON(http.StatusBadGateway, fhir.ErrorOutcome("cannot discover SMART endpoints for "+base))
	}

	sess := session.New(h.now())
	sess.FHIRBaseURL = base
	sess.AuthorizeEndpoint = cfg.AuthorizationEndpoint
	sess.TokenEndpoint = cfg.TokenEndpoint
	sess.OAuthState = uuid.NewString()
	sess.Launch = c.QueryParam("launch")

	authURL, err := h.client.AuthorizeURL(cfg, sess.OAuthState, sess.Launch, base)
	if err != nil {
		return c.JSON(http.StatusBadGateway, fhir.ErrorOutcome(err.Error()))
	}
	if err := h.sessions.Save(ctx, sess); err != nil {
		h.logger.Error().Err(err).Msg("save session")
		return c.JSON(http.StatusInternalServerError, fhir.InternalErrorOutcome("cannot persist session"))
	}

	session.SetCookie(c, sess, h.secure)
	return c.Redirect(http.StatusFound, authURL)
}

// Callback handles the authorization server's redirect back to the app.
func (h *Handler) Callback(c echo.Context) error {
	ctx := c.Request().Context()
	sess := session.FromContext(c)
	if sess == nil {
		return c.JSON(http.StatusBadRequest, fhir.ErrorOutcome("no launch in progress"))
	}
	if state := c.QueryParam("state"); state == "" || state != sess.OAuthState {
		return c.JSON(http.StatusBadRequest, fhir.ErrorOutcome("invalid state parameter"))
	}
	if oauthErr := c.QueryParam("error"); oauthErr != "" {
		return c.JSON(http.StatusBadRequest, fhir.ErrorOutcome("authorization failed: "+oauthErr+" "+c.QueryParam("error_description")))
	}
	code := c.QueryParam("code")
	if code == "" {
		return c.JSON(http.StatusBadRequest, fhir.ErrorOutcome("authorization failed: no code"))
	}
	if sess.TokenEndpoint == "" {
		return c.JSON(http.StatusBadRequest, fhir.ErrorOutcome("no token endpoint for this launch"))
	}

	tok, err := h.client.ExchangeCode(ctx, sess.TokenEndpoint, code)
	if err != nil {
		h.logger.Error().Err(err).Str("token_endpoint", sess.TokenEndpoint).Msg("token exchange failed")
		var oerr *OAuthError
		if errors.As(err, &oerr) && oerr.Status >= 400 && oerr.Status < 500 {
			return c.JSON(http.StatusBadRequest, fhir.LoginOutcome(oerr.Error()))
		}
		return c.JSON(http.StatusBadGateway, fhir.ErrorOutcome("token exchange failed"))
	}

	now := h.now()
	sess.AccessToken = tok.AccessToken
	sess.TokenType = tok.TokenType
	sess.Scope = tok.Scope
	sess.PatientID = tok.Patient
	sess.FHIRUser = FHIRUser(tok.IDToken)
	sess.OAuthState = ""
	sess.TokenExpiresAt = time.Time{}
	if tok.ExpiresIn > 0 {
		sess.TokenExpiresAt = now.Add(time.Duration(tok.ExpiresIn) * time.Second)
	}
	if err := h.sessions.Save(ctx, sess); err != nil {
		h.logger.Error().Err(err).Msg("save session")
		return c.JSON(http.StatusInternalServerError, fhir.InternalErrorOutcome("cannot persist session"))
	}

	h.logger.Info().Str("session_id", sess.ID).Str("patient_id", sess.PatientID).Msg("smart launch complete")
	return c.Redirect(http.StatusFound, "/")
}

// Logout handles GET /logout.
func (h *Handler) Logout(c echo.Context) error {
	if sess := session.FromContext(c); sess != nil {
		if err := h.sessions.Delete(c.Request().Context(), sess.ID); err != nil {
			h.logger.Warn().Err(err).Msg("delete session")
		}
	}
	session.ClearCookie(c)
	return c.Redirect(http.StatusFound, "/launch")
}

// BearerToken returns the credential for an API call: the Authorization
// header when it carries a bearer token, else the live token of the session.
func BearerToken(c echo.Context, now time.Time) string {
	header := c.Request().Header.Get(echo.HeaderAuthorization)
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return session.FromContext(c).Token(now)
}

// FHIRBase returns the server the current session launched against, or
// fallback when there is no launched session.
func FHIRBase(c echo.Context, fallback string) string {
	if s := session.FromContext(c); s != nil && s.FHIRBaseURL != "" {
		return s.FHIRBaseURL
	}
	return fallback
}
