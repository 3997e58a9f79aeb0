// Package recommend runs one dose recommendation from order lookup to the
// final activity, and serves it over HTTP and CDS Hooks.
package recommend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/nmcds/nmcds/internal/domain/dose"
	"github.com/nmcds/nmcds/internal/domain/rules"
	"github.com/nmcds/nmcds/internal/domain/weight"
	"github.com/nmcds/nmcds/internal/platform/fhir"
	"github.com/nmcds/nmcds/internal/platform/session"
	"github.com/nmcds/nmcds/pkg/fhirmodels"
)

var errNoCredential = errors.New("no access token")

// Observer is told the outcome of every run.
type Observer interface {
	ObserveRecommendation(status, studyKey string)
}

// Deps wires a Workflow.
type Deps struct {
	Rules       *rules.Repository
	Resolver    *weight.Resolver
	Policy      dose.Policy
	Calculator  *dose.Calculator
	Dial        fhir.Dialer
	DefaultBase string
	Observer    Observer
	Logger      zerolog.Logger
}

// Workflow is safe for concurrent use.
type Workflow struct {
	rules       *rules.Repository
	resolver    *weight.Resolver
	policy      dose.Policy
	calc        *dose.Calculator
	dial        fhir.Dialer
	defaultBase string
	observer    Observer
	logger      zerolog.Logger
	now         func() time.Time
}

func NewWorkflow(d Deps) *Workflow {
	calc := d.Calculator
	if calc == nil {
		calc = dose.NewCalculator(nil)
	}
	return &Workflow{
		rules:       d.Rules,
		resolver:    d.Resolver,
		policy:      d.Policy,
		calc:        calc,
		dial:        d.Dial,
		defaultBase: d.DefaultBase,
		observer:    d.Observer,
		logger:      d.Logger,
		now:         time.Now,
	}
}

// orderResult and weightResult are filled concurrently and read only after
// both lookups have returned.
type orderResult struct {
	sr  fhir.ServiceRequest
	err error
}

type weightResult struct {
	res *weight.Resolution
	err error
}

// Run produces a complete response for req. sess carries the credential,
// the FHIR base and the reconciliation hints; it may be nil.
func (w *Workflow) Run(ctx context.Context, sess *session.Session, req Request) *Response {
	resp := &Response{
		Status:         StatusOK,
		Guideline:      w.rules.Guideline(),
		RuleSetVersion: w.rules.Version(),
		Warnings:       []string{},
		Missing:        []string{},
		State:          StateStart,
	}
	start := time.Now()

	err := w.run(ctx, sess, req, resp)
	w.finish(resp, err)

	log := w.logger.With().
		Str("service_request_id", req.ServiceRequestID).
		Str("patient_id", req.PatientID).
		Str("status", resp.Status).
		Str("state", resp.State).
		Str("study_key", resp.StudyKey).
		Dur("elapsed", time.Since(start)).
		Logger()
	switch {
	case resp.Status == StatusError && resp.HTTPStatus() >= http.StatusInternalServerError:
		log.Error().Err(err).Msg("recommendation failed")
	case err != nil:
		log.Info().Str("reason", err.Error()).Msg("recommendation not computed")
	default:
		log.Info().Float64("recommended_mbq", resp.Recommendation.RecommendedMBq).Msg("recommendation computed")
	}

	if w.observer != nil {
		w.observer.ObserveRecommendation(resp.Status, resp.StudyKey)
	}
	return resp
}

func (w *Workflow) run(ctx context.Context, sess *session.Session, req Request, resp *Response) error {
	if err := req.Validate(); err != nil {
		return err
	}
	req.Protocol = req.Protocol.WithDefaults()

	token := sess.Token(w.now())
	if token == "" {
		return errNoCredential
	}
	base := req.FHIRBaseURL
	if base == "" && sess != nil {
		base = sess.FHIRBaseURL
	}
	if base == "" {
		base = w.defaultBase
	}
	store := w.dial(base, token)

	resp.State = StateOrderLookup
	order, wt := w.lookup(ctx, store, req.ServiceRequestID, req.PatientID, sess.WeightHint(req.PatientID))
	if order.err != nil {
		return fmt.Errorf("read ServiceRequest/%s: %w", req.ServiceRequestID, order.err)
	}
	if order.sr.Subject != nil && order.sr.Subject.Reference != "" && !order.sr.Subject.RefersTo(fhirmodels.ResourcePatient, req.PatientID) {
		resp.Warnings = append(resp.Warnings, fmt.Sprintf("ServiceRequest subject %s is not Patient/%s.", order.sr.Subject.Reference, req.PatientID))
	}
	code := order.sr.Code.FirstCode()
	if code == "" {
		return &MissingDataError{
			Fields:  []string{"serviceRequestCode"},
			Message: "ServiceRequest has no code.coding; cannot infer study type.",
		}
	}
	resp.StudyType = code

	resp.State = StateStudyKeyMapped
	key, err := w.rules.StudyKeyFor(code, req.Protocol)
	if err != nil {
		return err
	}
	resp.StudyKey = key

	resp.State = StateRuleResolved
	rule, err := w.rules.RuleFor(key)
	if err != nil {
		return err
	}
	rp := rule.Radiopharmaceutical
	resp.Radiopharmaceutical = &rp
	resp.StudyDescription = rule.StudyType
	guideline := w.rules.GuidelineInfo()
	resp.Inputs = &Inputs{
		ServiceRequestCode: code,
		Protocol:           req.Protocol,
		Considerations:     nonNil(rule.Considerations),
		References:         nonNil(rule.References),
		Guideline:          &guideline,
	}

	resp.State = StateWeightResolved
	if wt.err != nil {
		return wt.err
	}
	m := wt.res.Measurement
	if m == nil {
		return &MissingDataError{
			Fields:  []string{"weightKg"},
			Message: "No body weight Observation found (LOINC 29463-7).",
		}
	}
	if wt.res.Truncated {
		resp.Warnings = append(resp.Warnings, "Not every Observation page was read; a newer weight may exist.")
	}
	info := &WeightInfo{
		ObservationID: m.ID,
		Value:         m.Value,
		Unit:          fhirmodels.UnitKilogram,
		Source:        m.PrimarySource,
		FromHint:      wt.res.FromHint,
		UsedFallback:  wt.res.UsedFallback,
		Candidates:    len(wt.res.Candidates),
		Truncated:     wt.res.Truncated,
	}
	resp.Inputs.WeightKg = m.Value
	resp.Inputs.WeightInfo = info

	resp.State = StateStalenessChecked
	verdict := w.policy.Check(m)
	resp.staleWeight = verdict.Stale
	if verdict.Known {
		info.Date = verdict.Date.Format(time.RFC3339)
		resp.Inputs.WeightDate = info.Date
	}
	if verdict.Missing {
		return &MissingDataError{Fields: []string{"weightKg"}, Message: verdict.Message}
	}
	resp.Warnings = append(resp.Warnings, verdict.Warnings...)

	resp.State = StateDoseComputed
	rec, notes, err := w.calc.Recommend(rule, m.Value, req.Protocol)
	if err != nil {
		var verr *rules.ValidationError
		if errors.As(err, &verr) {
			return &MissingDataError{Fields: []string{"weightKg"}, Message: "Body weight " + verr.Message + "."}
		}
		return err
	}
	resp.Recommendation = &rec
	resp.Warnings = append(resp.Warnings, notes...)

	resp.State = StateDone
	return nil
}

// lookup reads the order and resolves the weight at the same time. A failed
// order read cancels the weight lookup; a failed weight lookup does not
// cancel the order read, so that failures are reported in state order.
func (w *Workflow) lookup(ctx context.Context, store fhir.Store, orderID, patientID, hint string) (orderResult, weightResult) {
	var (
		order orderResult
		wt    weightResult
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		raw, err := store.Read(gctx, fhirmodels.ResourceServiceRequest, orderID)
		if err != nil {
			order.err = err
			return err
		}
		if err := json.Unmarshal(raw, &order.sr); err != nil {
			order.err = fmt.Errorf("decode ServiceRequest: %w", err)
			return order.err
		}
		return nil
	})
	g.Go(func() error {
		wt.res, wt.err = w.resolver.Latest(gctx, store, patientID, hint)
		return nil
	})
	_ = g.Wait()
	return order, wt
}

// finish maps err onto the response status.
func (w *Workflow) finish(resp *Response, err error) {
	if err == nil {
		resp.Status = StatusOK
		resp.httpStatus = http.StatusOK
		return
	}

	var (
		verr     *rules.ValidationError
		missing  *MissingDataError
		unmapped *rules.UnmappedCodeError
		unknown  *rules.UnknownStudyKeyError
		upstream *fhir.UpstreamError
	)
	switch {
	case errors.As(err, &verr):
		resp.Status, resp.httpStatus = StatusError, http.StatusBadRequest
		resp.Message = "Invalid request: " + verr.Error()
	case errors.Is(err, errNoCredential):
		resp.Status, resp.httpStatus = StatusError, http.StatusUnauthorized
		resp.Message = "No access token found. Please ensure you are logged in via SMART on FHIR."
	case errors.As(err, &missing):
		resp.Status, resp.httpStatus = StatusMissingData, http.StatusOK
		resp.Missing = append(resp.Missing, missing.Fields...)
		resp.Message = missing.Message
	case errors.As(err, &unmapped):
		resp.Status, resp.httpStatus = StatusUnsupported, http.StatusUnprocessableEntity
		resp.Message = fmt.Sprintf("Unsupported ServiceRequest.code: %s", unmapped.Code)
	case errors.As(err, &unknown):
		resp.Status, resp.httpStatus = StatusError, http.StatusInternalServerError
		resp.Message = fmt.Sprintf("Rule set %s maps to study key %s but defines no rule for it.", resp.RuleSetVersion, unknown.StudyKey)
	case errors.Is(err, context.DeadlineExceeded):
		resp.Status, resp.httpStatus = StatusError, http.StatusGatewayTimeout
		resp.Message = "FHIR server did not answer in time: " + err.Error()
		if errors.As(err, &upstream) {
			resp.Upstream = &UpstreamDiagnostics{Status: upstream.StatusCode, URL: upstream.URL}
		}
	case errors.As(err, &upstream):
		resp.Status, resp.httpStatus = StatusError, http.StatusBadGateway
		resp.Message = "FHIR request failed: " + err.Error()
		resp.Upstream = &UpstreamDiagnostics{Status: upstream.StatusCode, URL: upstream.URL, Body: upstream.Body}
	case errors.Is(err, context.Canceled):
		resp.Status, resp.httpStatus = StatusError, http.StatusServiceUnavailable
		resp.Message = "Request cancelled."
	default:
		resp.Status, resp.httpStatus = StatusError, http.StatusInternalServerError
		resp.Message = "Internal error: " + err.Error()
	}
	resp.Recommendation = nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
