package medorder

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/nmcds/nmcds/internal/domain/rules"
	"github.com/nmcds/nmcds/internal/platform/auth"
	"github.com/nmcds/nmcds/internal/platform/fhir"
)

type Handler struct {
	drafter     *Drafter
	dial        fhir.Dialer
	defaultBase string
	now         func() time.Time
}

func NewHandler(drafter *Drafter, dial fhir.Dialer, defaultBase string) *Handler {
	return &Handler{drafter: drafter, dial: dial, defaultBase: defaultBase, now: time.Now}
}

func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.POST("/fhir/MedicationRequest/create", h.CreateDraft)
}

// CreateDraft handles POST /fhir/MedicationRequest/create.
func (h *Handler) CreateDraft(c echo.Context) error {
	token := auth.BearerToken(c, h.now())
	if token == "" {
		return c.JSON(http.StatusUnauthorized, fhir.LoginOutcome("not authorized: launch first"))
	}

	var req DraftRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	base := req.FHIRBaseURL
	if base == "" {
		base = auth.FHIRBase(c, h.defaultBase)
	}
	result, err := h.drafter.Create(c.Request().Context(), h.dial(base, token), req)
	if err != nil {
		var verr *rules.ValidationError
		if errors.As(err, &verr) {
			return c.JSON(http.StatusBadRequest, fhir.ValidationOutcome(verr.Field, verr.Message))
		}
		var uerr *fhir.UpstreamError
		if errors.As(err, &uerr) {
			return c.JSON(http.StatusBadGateway, fhir.ErrorOutcome(err.Error()))
		}
		return c.JSON(http.StatusInternalServerError, fhir.InternalErrorOutcome(err.Error()))
	}
	return c.JSON(http.StatusCreated, result)
}
