package weight

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/nmcds/nmcds/internal/domain/rules"
	"github.com/nmcds/nmcds/internal/platform/auth"
	"github.com/nmcds/nmcds/internal/platform/fhir"
	"github.com/nmcds/nmcds/internal/platform/session"
	"github.com/nmcds/nmcds/pkg/pagination"
)

type Handler struct {
	resolver    *Resolver
	writer      *Writer
	dial        fhir.Dialer
	defaultBase string
	logger      zerolog.Logger
	now         func() time.Time
}

func NewHandler(resolver *Resolver, writer *Writer, dial fhir.Dialer, defaultBase string, logger zerolog.Logger) *Handler {
	return &Handler{
		resolver:    resolver,
		writer:      writer,
		dial:        dial,
		defaultBase: defaultBase,
		logger:      logger,
		now:         time.Now,
	}
}

func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.POST("/fhir/Observation/create-weight", h.CreateWeight)
	e.GET("/api/v1/patients/:id/weights", h.ListWeights)
}

// CreateWeight handles POST /fhir/Observation/create-weight.
func (h *Handler) CreateWeight(c echo.Context) error {
	token := auth.BearerToken(c, h.now())
	if token == "" {
		return c.JSON(http.StatusUnauthorized, fhir.LoginOutcome("not authorized: launch first"))
	}

	var req WriteRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	store := h.dial(auth.FHIRBase(c, h.defaultBase), token)
	result, err := h.writer.Write(c.Request().Context(), store, session.FromContext(c), req)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, result)
}

// WeightList is the ranked view of a patient's eligible weights.
type WeightList struct {
	PatientID    string        `json:"patientId"`
	Selected     *Measurement  `json:"selected"`
	Candidates   []Measurement `json:"candidates"`
	UsedFallback bool          `json:"usedFallback"`
	FromHint     bool          `json:"fromHint"`
	Truncated    bool          `json:"truncated"`
}

// ListWeights handles GET /api/v1/patients/:id/weights.
func (h *Handler) ListWeights(c echo.Context) error {
	token := auth.BearerToken(c, h.now())
	if token == "" {
		return c.JSON(http.StatusUnauthorized, fhir.LoginOutcome("not authorized: launch first"))
	}
	patientID := c.Param("id")
	pg := pagination.FromContext(c)

	store := h.dial(auth.FHIRBase(c, h.defaultBase), token)
	hint := session.FromContext(c).WeightHint(patientID)
	res, err := h.resolver.Latest(c.Request().Context(), store, patientID, hint)
	if err != nil {
		return writeError(c, err)
	}

	list := WeightList{
		PatientID:    patientID,
		Selected:     res.Measurement,
		Candidates:   pagination.Page(res.Candidates, pg),
		UsedFallback: res.UsedFallback,
		FromHint:     res.FromHint,
		Truncated:    res.Truncated,
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(list, len(res.Candidates), pg))
}

func writeError(c echo.Context, err error) error {
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
