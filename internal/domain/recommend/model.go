package recommend

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/nmcds/nmcds/internal/domain/dose"
	"github.com/nmcds/nmcds/internal/domain/rules"
)

// Terminal statuses.
const (
	StatusOK          = "ok"
	StatusMissingData = "missing_data"
	StatusUnsupported = "unsupported"
	StatusError       = "error"
)

// Workflow states, in the order they are reached.
const (
	StateStart            = "START"
	StateOrderLookup      = "ORDER_LOOKUP"
	StateStudyKeyMapped   = "STUDY_KEY_MAPPED"
	StateRuleResolved     = "RULE_RESOLVED"
	StateWeightResolved   = "WEIGHT_RESOLVED"
	StateStalenessChecked = "STALENESS_CHECKED"
	StateDoseComputed     = "DOSE_COMPUTED"
	StateDone             = "DONE"
)

// Request asks for a recommendation for one order.
type Request struct {
	ServiceRequestID string         `json:"serviceRequestId"`
	PatientID        string         `json:"patientId"`
	Protocol         rules.Protocol `json:"protocol"`
	// FHIRBaseURL overrides the session's server when set.
	FHIRBaseURL string `json:"fhirBaseUrl,omitempty"`
}

// Validate rejects malformed input before anything is fetched.
func (r Request) Validate() error {
	if strings.TrimSpace(r.ServiceRequestID) == "" {
		return &rules.ValidationError{Field: "serviceRequestId", Message: "is required"}
	}
	if strings.TrimSpace(r.PatientID) == "" {
		return &rules.ValidationError{Field: "patientId", Message: "is required"}
	}
	if strings.ContainsAny(r.ServiceRequestID, "/?#") {
		return &rules.ValidationError{Field: "serviceRequestId", Message: "must be a plain resource id"}
	}
	if strings.ContainsAny(r.PatientID, "/?#") {
		return &rules.ValidationError{Field: "patientId", Message: "must be a plain resource id"}
	}
	return r.Protocol.Validate()
}

// WeightInfo describes the measurement the dose was computed from.
type WeightInfo struct {
	ObservationID string  `json:"observationId"`
	Value         float64 `json:"value"`
	Unit          string  `json:"unit"`
	Date          string  `json:"date,omitempty"`
	Source        string  `json:"source"`
	FromHint      bool    `json:"fromHint"`
	UsedFallback  bool    `json:"usedFallback"`
	Candidates    int     `json:"candidates"`
	Truncated     bool    `json:"truncated"`
}

// Inputs echoes everything the recommendation was derived from.
type Inputs struct {
	WeightKg           float64          `json:"weightKg"`
	WeightDate         string           `json:"weightDate,omitempty"`
	WeightInfo         *WeightInfo      `json:"weightInfo,omitempty"`
	ServiceRequestCode string           `json:"serviceRequestCode,omitempty"`
	Protocol           rules.Protocol   `json:"protocol"`
	Considerations     []string         `json:"considerations"`
	References         []string         `json:"references"`
	Guideline          *rules.Guideline `json:"guideline,omitempty"`
}

// UpstreamDiagnostics captures a failed FHIR call.
type UpstreamDiagnostics struct {
	Status int    `json:"status"`
	URL    string `json:"url"`
	Body   string `json:"body,omitempty"`
}

// Response is always complete: every failure is expressed as a status with
// a message, never as a missing body.
type Response struct {
	Status              string                     `json:"status"`
	Guideline           string                     `json:"guideline"`
	RuleSetVersion      string                     `json:"ruleSetVersion"`
	StudyKey            string                     `json:"studyKey,omitempty"`
	StudyType           string                     `json:"studyType,omitempty"`
	StudyDescription    string                     `json:"studyDescription,omitempty"`
	Radiopharmaceutical *rules.Radiopharmaceutical `json:"radiopharmaceutical,omitempty"`
	Inputs              *Inputs                    `json:"inputs,omitempty"`
	Recommendation      *dose.Recommendation       `json:"recommendation,omitempty"`
	Warnings            []string                   `json:"warnings"`
	Missing             []string                   `json:"missing"`
	Message             string                     `json:"message,omitempty"`
	Upstream            *UpstreamDiagnostics       `json:"upstream,omitempty"`
	// State is the last state reached.
	State string `json:"state"`

	httpStatus  int
	staleWeight bool
}

// HTTPStatus is the status code the response should be served with.
func (r *Response) HTTPStatus() int {
	if r.httpStatus == 0 {
		return http.StatusOK
	}
	return r.httpStatus
}

// MissingDataError means a required input is absent or unusable.
type MissingDataError struct {
	Fields  []string
	Message string
}

func (e *MissingDataError) Error() string {
	return fmt.Sprintf("missing data %v: %s", e.Fields, e.Message)
}
