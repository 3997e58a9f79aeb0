package weight

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/nmcds/nmcds/internal/domain/rules"
	"github.com/nmcds/nmcds/internal/platform/fhir"
	"github.com/nmcds/nmcds/internal/platform/session"
	"github.com/nmcds/nmcds/pkg/fhirmodels"
)

// MaxWeightKg bounds accepted input.
const MaxWeightKg = 500

// WriteRequest is a new body weight for a patient.
type WriteRequest struct {
	PatientID         string  `json:"patientId"`
	WeightKg          float64 `json:"weightKg"`
	EffectiveDateTime string  `json:"effectiveDateTime,omitempty"`
}

// WriteResult reports the created Observation and whether the follow-up
// resolution selected it.
type WriteResult struct {
	OK            bool            `json:"ok"`
	ID            string          `json:"id"`
	WeightKg      float64         `json:"weightKg"`
	Effective     string          `json:"effectiveDateTime"`
	Resource      json.RawMessage `json:"resource,omitempty"`
	Verified      bool            `json:"verified"`
	VerifyMessage string          `json:"verifyMessage,omitempty"`
}

// Writer posts body weights and records the reconciliation hint.
type Writer struct {
	resolver    *Resolver
	sessions    session.Store
	settleDelay time.Duration
	logger      zerolog.Logger
	now         func() time.Time
}

func NewWriter(resolver *Resolver, sessions session.Store, settleDelay time.Duration, logger zerolog.Logger) *Writer {
	return &Writer{
		resolver:    resolver,
		sessions:    sessions,
		settleDelay: settleDelay,
		logger:      logger,
		now:         time.Now,
	}
}

// Validate checks the request and normalises its effective time.
func (req *WriteRequest) Validate(now time.Time) error {
	req.PatientID = strings.TrimSpace(req.PatientID)
	if req.PatientID == "" {
		return &rules.ValidationError{Field: "patientId", Message: "is required"}
	}
	if strings.ContainsAny(req.PatientID, "/?#") {
		return &rules.ValidationError{Field: "patientId", Message: "must be a plain resource id"}
	}
	if req.WeightKg <= 0 || req.WeightKg > MaxWeightKg {
		return &rules.ValidationError{Field: "weightKg", Message: fmt.Sprintf("must be in (0, %d]", MaxWeightKg)}
	}
	if req.EffectiveDateTime == "" {
		req.EffectiveDateTime = now.UTC().Format(time.RFC3339)
		return nil
	}
	t, err := fhir.ParseDateTime(req.EffectiveDateTime)
	if err != nil {
		return &rules.ValidationError{Field: "effectiveDateTime", Message: err.Error()}
	}
	req.EffectiveDateTime = t.Format(time.RFC3339)
	return nil
}

// NewObservation builds the vital-signs Observation for a validated request.
func NewObservation(req WriteRequest) fhir.Observation {
	value, _ := json.Marshal(req.WeightKg)
	return fhir.Observation{
		ResourceType: fhirmodels.ResourceObservation,
		Status:       fhirmodels.ObsStatusFinal,
		Category: []fhir.CodeableConcept{{
			Coding: []fhir.Coding{{
				System:  fhirmodels.SystemObservationCategory,
				Code:    fhirmodels.ObsCategoryVitalSigns,
				Display: "Vital Signs",
			}},
		}},
		Code: &fhir.CodeableConcept{
			Coding: []fhir.Coding{{
				System:  fhirmodels.SystemLOINC,
				Code:    fhirmodels.LOINCBodyWeight,
				Display: fhirmodels.LOINCBodyWeightDisplay,
			}},
			Text: fhirmodels.LOINCBodyWeightDisplay,
		},
		Subject:           &fhir.Reference{Reference: fhirmodels.PatientReference(req.PatientID)},
		EffectiveDateTime: req.EffectiveDateTime,
		ValueQuantity: &fhir.Quantity{
			Value:  value,
			Unit:   fhirmodels.UnitKilogram,
			System: fhirmodels.SystemUCUM,
			Code:   fhirmodels.UnitKilogram,
		},
	}
}

// Write creates the Observation, stores its id as the session's hint for the
// patient, waits the settle delay and then checks that resolution picks the
// new weight. A failed check is reported in the result, not as an error.
func (w *Writer) Write(ctx context.Context, store fhir.Store, sess *session.Session, req WriteRequest) (*WriteResult, error) {
	if err := req.Validate(w.now()); err != nil {
		return nil, err
	}

	raw, err := store.Create(ctx, fhirmodels.ResourceObservation, NewObservation(req))
	if err != nil {
		return nil, fmt.Errorf("create weight observation: %w", err)
	}
	var created fhir.Resource
	if err := json.Unmarshal(raw, &created); err != nil || created.ID == "" {
		return nil, fmt.Errorf("create weight observation: server returned no id")
	}

	log := w.logger.With().Str("patient_id", req.PatientID).Str("observation_id", created.ID).Logger()
	log.Info().Float64("weight_kg", req.WeightKg).Msg("weight observation created")

	if sess != nil {
		sess.SetWeightHint(req.PatientID, created.ID)
		if err := w.sessions.Save(ctx, sess); err != nil {
			log.Error().Err(err).Msg("save reconciliation hint")
		}
	}

	result := &WriteResult{
		OK:        true,
		ID:        created.ID,
		WeightKg:  req.WeightKg,
		Effective: req.EffectiveDateTime,
		Resource:  raw,
	}

	if w.settleDelay > 0 {
		timer := time.NewTimer(w.settleDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			result.VerifyMessage = "verification skipped: " + ctx.Err().Error()
			return result, nil
		case <-timer.C:
		}
	}

	res, err := w.resolver.Latest(ctx, store, req.PatientID, created.ID)
	switch {
	case err != nil:
		log.Warn().Err(err).Msg("post-write verification failed")
		result.VerifyMessage = "verification failed: " + err.Error()
	case res.Measurement == nil:
		result.VerifyMessage = "no eligible weight found after write"
	case res.Measurement.ID == created.ID:
		result.Verified = true
	default:
		result.VerifyMessage = fmt.Sprintf("a newer weight %s takes precedence", res.Measurement.ID)
	}
	return result, nil
}
