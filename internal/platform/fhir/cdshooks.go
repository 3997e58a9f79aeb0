package fhir

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// CDS Hooks 2.0 wire types.

// Card indicators.
const (
	IndicatorInfo     = "info"
	IndicatorWarning  = "warning"
	IndicatorCritical = "critical"
)

// HookOrderSelect fires when a clinician selects orders in the EHR.
const HookOrderSelect = "order-select"

// CDSService describes a single CDS service returned in discovery.
type CDSService struct {
	Hook              string            `json:"hook"`
	Title             string            `json:"title,omitempty"`
	Description       string            `json:"description"`
	ID                string            `json:"id"`
	Prefetch          map[string]string `json:"prefetch,omitempty"`
	UsageRequirements string            `json:"usageRequirements,omitempty"`
}

// CDSHookRequest is the payload POSTed to invoke a hook.
type CDSHookRequest struct {
	Hook         string                     `json:"hook"`
	HookInstance string                     `json:"hookInstance"`
	FHIRServer   string                     `json:"fhirServer,omitempty"`
	FHIRAuth     *CDSFHIRAuth               `json:"fhirAuthorization,omitempty"`
	Context      json.RawMessage            `json:"context"`
	Prefetch     map[string]json.RawMessage `json:"prefetch,omitempty"`
}

// CDSFHIRAuth carries the EHR's access token for the FHIR server.
type CDSFHIRAuth struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
	Scope       string `json:"scope"`
	Subject     string `json:"subject"`
}

// AccessToken returns the bearer token of the request, if any.
func (r *CDSHookRequest) AccessToken() string {
	if r.FHIRAuth == nil {
		return ""
	}
	return r.FHIRAuth.AccessToken
}

// OrderSelectContext is the context of an order-select invocation.
type OrderSelectContext struct {
	UserID      string   `json:"userId"`
	PatientID   string   `json:"patientId"`
	EncounterID string   `json:"encounterId,omitempty"`
	Selections  []string `json:"selections"`
	DraftOrders *Bundle  `json:"draftOrders"`
}

// OrderSelect decodes the request context as order-select.
func (r *CDSHookRequest) OrderSelect() (*OrderSelectContext, error) {
	var oc OrderSelectContext
	if len(r.Context) == 0 {
		return nil, fmt.Errorf("context is required")
	}
	if err := json.Unmarshal(r.Context, &oc); err != nil {
		return nil, fmt.Errorf("invalid order-select context: %w", err)
	}
	if oc.PatientID == "" {
		return nil, fmt.Errorf("context.patientId is required")
	}
	return &oc, nil
}

// SelectedServiceRequests returns the ids of the ServiceRequests in the draft
// orders, restricted to the selections when any are given.
func (oc *OrderSelectContext) SelectedServiceRequests() []string {
	if oc.DraftOrders == nil {
		return nil
	}
	selected := make(map[string]bool, len(oc.Selections))
	for _, s := range oc.Selections {
		selected[s] = true
	}

	var ids []string
	for _, raw := range oc.DraftOrders.Resources() {
		var res Resource
		if err := json.Unmarshal(raw, &res); err != nil {
			continue
		}
		if res.ResourceType != "ServiceRequest" || res.ID == "" {
			continue
		}
		if len(selected) > 0 && !selected["ServiceRequest/"+res.ID] {
			continue
		}
		ids = append(ids, res.ID)
	}
	return ids
}

// CDSCard is a single card in the hook response.
type CDSCard struct {
	UUID        string          `json:"uuid,omitempty"`
	Summary     string          `json:"summary"`
	Detail      string          `json:"detail,omitempty"`
	Indicator   string          `json:"indicator"`
	Source      CDSSource       `json:"source"`
	Suggestions []CDSSuggestion `json:"suggestions,omitempty"`
	Links       []CDSLink       `json:"links,omitempty"`
}

// CDSSource identifies the source of a card.
type CDSSource struct {
	Label string `json:"label"`
	URL   string `json:"url,omitempty"`
}

// CDSSuggestion is a suggested action within a card.
type CDSSuggestion struct {
	Label         string      `json:"label"`
	UUID          string      `json:"uuid,omitempty"`
	IsRecommended bool        `json:"isRecommended,omitempty"`
	Actions       []CDSAction `json:"actions,omitempty"`
}

// CDSAction is an individual action within a suggestion.
type CDSAction struct {
	Type        string      `json:"type"`
	Description string      `json:"description"`
	Resource    interface{} `json:"resource,omitempty"`
}

// CDSLink is an external link within a card.
type CDSLink struct {
	Label string `json:"label"`
	URL   string `json:"url"`
	Type  string `json:"type"`
}

// CDSHookResponse is returned from hook invocation.
type CDSHookResponse struct {
	Cards []CDSCard `json:"cards"`
}

// CDSFeedbackRequest records what the user did with a card.
type CDSFeedbackRequest struct {
	Card             string `json:"card"`
	Outcome          string `json:"outcome"`
	OutcomeTimestamp string `json:"outcomeTimestamp,omitempty"`
}

// ServiceHandler processes a CDS hook request and returns cards.
type ServiceHandler func(ctx context.Context, req CDSHookRequest) (*CDSHookResponse, error)

// FeedbackHandler processes feedback for a service.
type FeedbackHandler func(ctx context.Context, serviceID string, fb CDSFeedbackRequest) error

// CDSHooksHandler serves discovery, invocation and feedback endpoints.
// Services are registered at startup and read-only afterwards.
type CDSHooksHandler struct {
	services         map[string]CDSService
	handlers         map[string]ServiceHandler
	feedbackHandlers map[string]FeedbackHandler
	order            []string
}

func NewCDSHooksHandler() *CDSHooksHandler {
	return &CDSHooksHandler{
		services:         make(map[string]CDSService),
		handlers:         make(map[string]ServiceHandler),
		feedbackHandlers: make(map[string]FeedbackHandler),
	}
}

// RegisterService registers a CDS service and its handler.
func (h *CDSHooksHandler) RegisterService(svc CDSService, handler ServiceHandler) {
	if _, exists := h.services[svc.ID]; !exists {
		h.order = append(h.order, svc.ID)
	}
	h.services[svc.ID] = svc
	h.handlers[svc.ID] = handler
}

// RegisterFeedbackHandler registers an optional feedback handler for a service.
func (h *CDSHooksHandler) RegisterFeedbackHandler(serviceID string, handler FeedbackHandler) {
	h.feedbackHandlers[serviceID] = handler
}

func (h *CDSHooksHandler) RegisterRoutes(e *echo.Echo) {
	e.GET("/cds-services", h.Discovery)
	e.POST("/cds-services/:id", h.HandleHook)
	e.POST("/cds-services/:id/feedback", h.HandleFeedback)
}

// Discovery handles GET /cds-services.
func (h *CDSHooksHandler) Discovery(c echo.Context) error {
	services := make([]CDSService, 0, len(h.order))
	for _, id := range h.order {
		services = append(services, h.services[id])
	}
	return c.JSON(http.StatusOK, map[string][]CDSService{
		"services": services,
	})
}

// HandleHook handles POST /cds-services/:id.
func (h *CDSHooksHandler) HandleHook(c echo.Context) error {
	serviceID := c.Param("id")

	svc, ok := h.services[serviceID]
	if !ok {
		return c.JSON(http.StatusNotFound, NotFoundOutcome("CDS Service", serviceID))
	}

	var req CDSHookRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorOutcome(fmt.Sprintf("invalid request body: %v", err)))
	}

	if req.Hook != svc.Hook {
		return c.JSON(http.StatusBadRequest, ErrorOutcome(
			fmt.Sprintf("hook mismatch: request hook %q does not match service hook %q", req.Hook, svc.Hook),
		))
	}
	if strings.TrimSpace(req.HookInstance) == "" {
		return c.JSON(http.StatusBadRequest, ErrorOutcome("hookInstance is required"))
	}

	resp, err := h.handlers[serviceID](c.Request().Context(), req)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, InternalErrorOutcome(err.Error()))
	}
	if resp.Cards == nil {
		resp.Cards = []CDSCard{}
	}
	return c.JSON(http.StatusOK, resp)
}

// HandleFeedback handles POST /cds-services/:id/feedback. Without a
// registered handler feedback is accepted and dropped.
func (h *CDSHooksHandler) HandleFeedback(c echo.Context) error {
	serviceID := c.Param("id")

	if _, ok := h.services[serviceID]; !ok {
		return c.JSON(http.StatusNotFound, NotFoundOutcome("CDS Service", serviceID))
	}

	var fb CDSFeedbackRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&fb); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorOutcome(fmt.Sprintf("invalid feedback body: %v", err)))
	}

	if handler, ok := h.feedbackHandlers[serviceID]; ok {
		if err := handler(c.Request().Context(), serviceID, fb); err != nil {
			return c.JSON(http.StatusInternalServerError, InternalErrorOutcome(err.Error()))
		}
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}
