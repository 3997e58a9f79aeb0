// Package medorder drafts the radiopharmaceutical MedicationRequest that
// records the activity a clinician accepted or overrode.
package medorder

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/nmcds/nmcds/internal/domain/rules"
	"github.com/nmcds/nmcds/internal/platform/fhir"
	"github.com/nmcds/nmcds/pkg/fhirmodels"
)

const (
	// OverrideReasonURL is the extension that carries the reason a clinician
	// departed from the recommended activity.
	OverrideReasonURL = "http://nmcds.local/fhir/StructureDefinition/dose-override-reason"
	// RadiopharmaceuticalSystem codes the medication of the draft.
	RadiopharmaceuticalSystem = "http://nmcds.local/fhir/CodeSystem/radiopharmaceutical"
)

// DraftRequest is the body of POST /fhir/MedicationRequest/create.
type DraftRequest struct {
	PatientID           string                    `json:"patientId"`
	ServiceRequestID    string                    `json:"serviceRequestId"`
	Radiopharmaceutical rules.Radiopharmaceutical `json:"radiopharmaceutical"`
	DoseMBq             float64                   `json:"doseMBq"`
	OverrideReason      string                    `json:"overrideReason,omitempty"`
	Note                string                    `json:"note,omitempty"`
	FHIRBaseURL         string                    `json:"fhirBaseUrl,omitempty"`
}

func (r *DraftRequest) Validate() error {
	r.PatientID = strings.TrimSpace(r.PatientID)
	r.ServiceRequestID = strings.TrimSpace(r.ServiceRequestID)
	r.OverrideReason = strings.TrimSpace(r.OverrideReason)
	r.Note = strings.TrimSpace(r.Note)

	switch {
	case r.PatientID == "":
		return &rules.ValidationError{Field: "patientId", Message: "is required"}
	case r.ServiceRequestID == "":
		return &rules.ValidationError{Field: "serviceRequestId", Message: "is required"}
	case strings.ContainsAny(r.PatientID, "/?#"):
		return &rules.ValidationError{Field: "patientId", Message: "must be a plain resource id"}
	case strings.ContainsAny(r.ServiceRequestID, "/?#"):
		return &rules.ValidationError{Field: "serviceRequestId", Message: "must be a plain resource id"}
	case r.Radiopharmaceutical.Code == "":
		return &rules.ValidationError{Field: "radiopharmaceutical.code", Message: "is required"}
	case math.IsNaN(r.DoseMBq) || math.IsInf(r.DoseMBq, 0) || r.DoseMBq <= 0:
		return &rules.ValidationError{Field: "doseMBq", Message: "must be greater than 0"}
	}
	return nil
}

// Build returns the draft resource for a validated request.
func Build(req DraftRequest, authoredOn time.Time) fhir.MedicationRequest {
	mr := fhir.MedicationRequest{
		ResourceType: fhirmodels.ResourceMedicationRequest,
		Status:       fhirmodels.MedReqStatusDraft,
		Intent:       fhirmodels.MedReqIntentOrder,
		MedicationCodeableConcept: &fhir.CodeableConcept{
			Coding: []fhir.Coding{{
				System:  RadiopharmaceuticalSystem,
				Code:    req.Radiopharmaceutical.Code,
				Display: req.Radiopharmaceutical.Display,
			}},
			Text: req.Radiopharmaceutical.Display,
		},
		Subject:    &fhir.Reference{Reference: fhirmodels.PatientReference(req.PatientID)},
		BasedOn:    []fhir.Reference{{Reference: fhir.FormatReference(fhirmodels.ResourceServiceRequest, req.ServiceRequestID)}},
		AuthoredOn: authoredOn.UTC().Format(time.RFC3339),
		DosageInstruction: []fhir.Dosage{{
			Text: fmt.Sprintf("%g %s IV once", req.DoseMBq, fhirmodels.UnitMBq),
			DoseAndRate: []fhir.DoseAndRate{{
				DoseQuantity: &fhir.DoseQuantity{
					Value:  req.DoseMBq,
					Unit:   fhirmodels.UnitMBq,
					System: fhirmodels.SystemUCUM,
					Code:   fhirmodels.UnitMBq,
				},
			}},
		}},
	}
	if req.Note != "" {
		mr.Note = append(mr.Note, fhir.Annotation{Text: req.Note})
	}
	if req.OverrideReason != "" {
		mr.Note = append(mr.Note, fhir.Annotation{Text: "Override reason: " + req.OverrideReason})
		mr.Extension = append(mr.Extension, fhir.Extension{URL: OverrideReasonURL, ValueString: req.OverrideReason})
	}
	return mr
}

// DraftResult is returned to the caller after a successful create.
type DraftResult struct {
	OK       bool            `json:"ok"`
	ID       string          `json:"id"`
	Resource json.RawMessage `json:"resource"`
}

type Drafter struct {
	logger zerolog.Logger
	now    func() time.Time
}

func NewDrafter(logger zerolog.Logger) *Drafter {
	return &Drafter{logger: logger, now: time.Now}
}

// Create validates req and writes the draft to store.
func (d *Drafter) Create(ctx context.Context, store fhir.Store, req DraftRequest) (*DraftResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	raw, err := store.Create(ctx, fhirmodels.ResourceMedicationRequest, Build(req, d.now()))
	if err != nil {
		return nil, fmt.Errorf("create medication request: %w", err)
	}
	var created fhir.Resource
	if err := json.Unmarshal(raw, &created); err != nil {
		return nil, fmt.Errorf("decode created medication request: %w", err)
	}

	d.logger.Info().
		Str("medication_request_id", created.ID).
		Str("patient_id", req.PatientID).
		Str("service_request_id", req.ServiceRequestID).
		Float64("dose_mbq", req.DoseMBq).
		Bool("override", req.OverrideReason != "").
		Msg("medication request drafted")
	return &DraftResult{OK: true, ID: created.ID, Resource: raw}, nil
}
