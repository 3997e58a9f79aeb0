package recommend

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/nmcds/nmcds/internal/platform/fhir"
	"github.com/nmcds/nmcds/internal/platform/session"
)

// ServiceID is the CDS Hooks id of the dose service.
const ServiceID = "nm-dose"

type Handler struct {
	workflow *Workflow
}

func NewHandler(workflow *Workflow) *Handler {
	return &Handler{workflow: workflow}
}

func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.POST("/cds/nm-dose/recommend", h.Recommend)
}

// Recommend handles POST /cds/nm-dose/recommend.
func (h *Handler) Recommend(c echo.Context) error {
	var req Request
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	sess := requestSession(c, h.workflow.now())
	resp := h.workflow.Run(c.Request().Context(), sess, req)
	return c.JSON(resp.HTTPStatus(), resp)
}

// requestSession returns the cookie session, with the bearer header taking
// precedence over the session's own token. The cookie session is never
// modified.
func requestSession(c echo.Context, now time.Time) *session.Session {
	sess := session.FromContext(c)
	header := c.Request().Header.Get(echo.HeaderAuthorization)
	if len(header) <= 7 || !strings.EqualFold(header[:7], "bearer ") {
		return sess
	}
	cp := sess.Clone()
	if cp == nil {
		cp = &session.Session{}
	}
	cp.AccessToken = strings.TrimSpace(header[7:])
	cp.TokenExpiresAt = time.Time{}
	return cp
}

// Service describes the dose service for CDS Hooks discovery.
func Service() fhir.CDSService {
	return fhir.CDSService{
		Hook:        fhir.HookOrderSelect,
		ID:          ServiceID,
		Title:       "Pediatric nuclear medicine dose",
		Description: "Recommends a weight-based radiopharmaceutical activity for selected nuclear medicine orders.",
	}
}

// RegisterHook adds the dose service to a CDS Hooks handler.
func (h *Handler) RegisterHook(hooks *fhir.CDSHooksHandler) {
	hooks.RegisterService(Service(), h.HandleOrderSelect)
	hooks.RegisterFeedbackHandler(ServiceID, h.HandleFeedback)
}

// HandleFeedback logs what the clinician did with a dose card.
func (h *Handler) HandleFeedback(ctx context.Context, serviceID string, fb fhir.CDSFeedbackRequest) error {
	h.workflow.logger.Info().
		Str("service", serviceID).
		Str("card", fb.Card).
		Str("outcome", fb.Outcome).
		Msg("card feedback")
	return nil
}

// HandleOrderSelect runs the workflow for every selected ServiceRequest and
// returns one card per order.
func (h *Handler) HandleOrderSelect(ctx context.Context, hook fhir.CDSHookRequest) (*fhir.CDSHookResponse, error) {
	oc, err := hook.OrderSelect()
	if err != nil {
		return nil, err
	}
	sess := &session.Session{
		AccessToken: hook.AccessToken(),
		FHIRBaseURL: strings.TrimRight(hook.FHIRServer, "/"),
	}

	out := &fhir.CDSHookResponse{Cards: []fhir.CDSCard{}}
	for _, id := range oc.SelectedServiceRequests() {
		resp := h.workflow.Run(ctx, sess, Request{ServiceRequestID: id, PatientID: oc.PatientID})
		out.Cards = append(out.Cards, Card(id, resp))
	}
	return out, nil
}

// Card renders a response for an EHR.
func Card(orderID string, resp *Response) fhir.CDSCard {
	card := fhir.CDSCard{
		UUID:   uuid.NewString(),
		Source: fhir.CDSSource{Label: resp.Guideline},
	}

	var detail []string
	switch resp.Status {
	case StatusOK:
		rec := resp.Recommendation
		card.Indicator = fhir.IndicatorInfo
		if resp.staleWeight {
			card.Indicator = fhir.IndicatorWarning
		}
		card.Summary = fmt.Sprintf("Recommended activity %.1f MBq", rec.RecommendedMBq)
		if resp.Radiopharmaceutical != nil && resp.Radiopharmaceutical.Display != "" {
			card.Summary += " of " + resp.Radiopharmaceutical.Display
		}
		detail = append(detail,
			fmt.Sprintf("Study %s, weight %g kg, %g MBq/kg.", resp.StudyKey, resp.Inputs.WeightKg, rec.ChosenMBqPerKg),
			fmt.Sprintf("Calculated %.2f MBq, bounds %g-%g MBq, clamp %s.", rec.RawCalculatedMBq, rec.MinMBq, rec.MaxMBq, rec.ClampReason),
		)
	case StatusMissingData:
		card.Indicator = fhir.IndicatorWarning
		card.Summary = "Dose not calculated: missing " + strings.Join(resp.Missing, ", ")
		detail = append(detail, resp.Message)
	case StatusUnsupported:
		card.Indicator = fhir.IndicatorWarning
		card.Summary = "No dosing rule for this order"
		detail = append(detail, resp.Message)
	default:
		card.Indicator = fhir.IndicatorCritical
		card.Summary = "Dose recommendation failed"
		detail = append(detail, resp.Message)
	}
	detail = append(detail, resp.Warnings...)
	detail = append(detail, fmt.Sprintf("ServiceRequest/%s, rule set %s.", orderID, resp.RuleSetVersion))
	card.Detail = strings.Join(detail, "\n\n")

	if utf8.RuneCountInString(card.Summary) > 140 {
		card.Summary = string([]rune(card.Summary)[:137]) + "..."
	}
	return card
}
