package weight

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/nmcds/nmcds/internal/platform/fhir"
	"github.com/nmcds/nmcds/pkg/fhirmodels"
)

// Resolution outcomes reported to the Observer.
const (
	OutcomeFound    = "found"
	OutcomeFallback = "fallback"
	OutcomeHint     = "hint"
	OutcomeNone     = "none"
	OutcomeError    = "error"
)

// Observer receives one outcome per resolution.
type Observer interface {
	ObserveWeightResolution(outcome string)
}

// Resolution is the result of one lookup. Measurement is nil when the
// patient has no eligible weight. Callers must not modify Candidates.
type Resolution struct {
	Measurement *Measurement
	// Candidates holds every eligible measurement, newest first.
	Candidates []Measurement
	// UsedFallback is set when the unfiltered search found no body weight
	// and the code-filtered search was used.
	UsedFallback bool
	// FromHint is set when the selected measurement is the hinted one.
	FromHint bool
	// Truncated is set when the search stopped before the last page.
	Truncated bool
}

// Resolver finds the current weight of a patient. It is safe for concurrent
// use; identical concurrent lookups share one set of upstream calls.
type Resolver struct {
	pageSize int
	logger   zerolog.Logger
	observer Observer
	group    singleflight.Group
}

type ResolverOption func(*Resolver)

func WithObserver(o Observer) ResolverOption {
	return func(r *Resolver) { r.observer = o }
}

func NewResolver(pageSize int, logger zerolog.Logger, opts ...ResolverOption) *Resolver {
	if pageSize <= 0 {
		pageSize = 100
	}
	r := &Resolver{pageSize: pageSize, logger: logger}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// identified is implemented by stores that can name their base and
// credential, which makes their lookups eligible for sharing.
type identified interface {
	Identity() string
}

// Latest resolves the current body weight of patientID. hint is the id of
// an Observation this caller recently wrote for the patient, or "".
func (r *Resolver) Latest(ctx context.Context, store fhir.Store, patientID, hint string) (*Resolution, error) {
	id, ok := store.(identified)
	if !ok {
		return r.observe(r.resolve(ctx, store, patientID, hint))
	}

	// The shared call outlives any one caller; each caller stops waiting
	// when its own ctx ends. Upstream calls stay bounded by the client
	// timeout.
	key := id.Identity() + "|" + patientID + "|" + hint
	shared := context.WithoutCancel(ctx)
	ch := r.group.DoChan(key, func() (any, error) {
		return r.resolve(shared, store, patientID, hint)
	})
	select {
	case <-ctx.Done():
		return r.observe(nil, fmt.Errorf("resolve weight: %w", ctx.Err()))
	case out := <-ch:
		if out.Err != nil {
			return r.observe(nil, out.Err)
		}
		res := *out.Val.(*Resolution)
		return r.observe(&res, nil)
	}
}

func (r *Resolver) observe(res *Resolution, err error) (*Resolution, error) {
	if r.observer == nil {
		return res, err
	}
	switch {
	case err != nil:
		r.observer.ObserveWeightResolution(OutcomeError)
	case res.Measurement == nil:
		r.observer.ObserveWeightResolution(OutcomeNone)
	case res.FromHint:
		r.observer.ObserveWeightResolution(OutcomeHint)
	case res.UsedFallback:
		r.observer.ObserveWeightResolution(OutcomeFallback)
	default:
		r.observer.ObserveWeightResolution(OutcomeFound)
	}
	return res, err
}

func (r *Resolver) resolve(ctx context.Context, store fhir.Store, patientID, hint string) (*Resolution, error) {
	log := r.logger.With().Str("patient_id", patientID).Logger()
	res := &Resolution{}

	params := url.Values{
		"patient": {fhirmodels.PatientReference(patientID)},
		"_count":  {strconv.Itoa(r.pageSize)},
	}
	found, err := store.Search(ctx, fhirmodels.ResourceObservation, params)
	if err != nil {
		return nil, fmt.Errorf("search observations: %w", err)
	}
	res.Truncated = found.Truncated
	observations := bodyWeights(found.Resources)

	if len(observations) == 0 {
		log.Debug().Int("resources", len(found.Resources)).Msg("no body weight in unfiltered search, retrying with code filter")
		params.Set("code", fhirmodels.SystemLOINC+"|"+fhirmodels.LOINCBodyWeight)
		found, err = store.Search(ctx, fhirmodels.ResourceObservation, params)
		if err != nil {
			return nil, fmt.Errorf("search observations by code: %w", err)
		}
		res.UsedFallback = true
		res.Truncated = found.Truncated
		observations = bodyWeights(found.Resources)
	}

	if hint != "" && !containsID(observations, hint) {
		if obs, ok := r.fetchHint(ctx, store, patientID, hint, log); ok {
			observations = append(observations, obs)
		}
	}

	for i := range observations {
		if m, ok := FromObservation(&observations[i]); ok {
			res.Candidates = append(res.Candidates, m)
		}
	}
	if len(res.Candidates) == 0 {
		log.Info().Int("observations", len(observations)).Msg("no eligible body weight")
		return res, nil
	}

	Rank(res.Candidates)
	res.Measurement = &res.Candidates[0]
	res.FromHint = hint != "" && res.Measurement.ID == hint
	log.Debug().
		Str("observation_id", res.Measurement.ID).
		Float64("value", res.Measurement.Value).
		Str("source", res.Measurement.PrimarySource).
		Int("candidates", len(res.Candidates)).
		Msg("selected body weight")
	return res, nil
}

// fetchHint reads the hinted Observation directly. Failures are logged and
// ignored.
func (r *Resolver) fetchHint(ctx context.Context, store fhir.Store, patientID, hint string, log zerolog.Logger) (fhir.Observation, bool) {
	raw, err := store.Read(ctx, fhirmodels.ResourceObservation, hint)
	if err != nil {
		log.Warn().Err(err).Str("hint", hint).Msg("cannot read hinted observation")
		return fhir.Observation{}, false
	}
	var obs fhir.Observation
	if err := json.Unmarshal(raw, &obs); err != nil {
		log.Warn().Err(err).Str("hint", hint).Msg("hinted observation is malformed")
		return fhir.Observation{}, false
	}
	if !IsBodyWeight(&obs) || !obs.Subject.RefersTo(fhirmodels.ResourcePatient, patientID) {
		log.Warn().Str("hint", hint).Msg("hinted observation is not a body weight of this patient")
		return fhir.Observation{}, false
	}
	if obs.ID == "" {
		obs.ID = hint
	}
	return obs, true
}

func bodyWeights(raws []json.RawMessage) []fhir.Observation {
	var out []fhir.Observation
	for _, raw := range raws {
		var obs fhir.Observation
		if err := json.Unmarshal(raw, &obs); err != nil {
			continue
		}
		if obs.ResourceType == fhirmodels.ResourceObservation && IsBodyWeight(&obs) {
			out = append(out, obs)
		}
	}
	return out
}

func containsID(observations []fhir.Observation, id string) bool {
	for _, obs := range observations {
		if obs.ID == id {
			return true
		}
	}
	return false
}
