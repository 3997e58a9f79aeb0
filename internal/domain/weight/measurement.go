// Package weight resolves the single current body weight of a patient from a
// FHIR store that may lag behind its own writes, and writes new weights back.
package weight

import (
	"encoding/json"
	"slices"
	"strings"
	"time"

	"github.com/nmcds/nmcds/internal/platform/fhir"
	"github.com/nmcds/nmcds/pkg/fhirmodels"
)

// Timestamp sources, in order of preference.
const (
	SourceEffective   = "effective"
	SourceIssued      = "issued"
	SourceLastUpdated = "lastUpdated"
	SourceNone        = "none"
)

// Measurement is the validated projection of a body weight Observation.
type Measurement struct {
	ID          string  `json:"id"`
	Subject     string  `json:"subject,omitempty"`
	Value       float64 `json:"value"`
	Unit        string  `json:"unit,omitempty"`
	UnitCode    string  `json:"unitCode,omitempty"`
	Effective   string  `json:"effective,omitempty"`
	Issued      string  `json:"issued,omitempty"`
	LastUpdated string  `json:"lastUpdated,omitempty"`

	// Primary is the first parsable of effective, issued, lastUpdated;
	// Secondary is lastUpdated. Either is the zero time when unparsable.
	Primary       time.Time `json:"primary"`
	PrimarySource string    `json:"primarySource"`
	Secondary     time.Time `json:"secondary"`
}

type timestampAccessor struct {
	source string
	get    func(*Measurement) string
}

var primaryAccessors = []timestampAccessor{
	{SourceEffective, func(m *Measurement) string { return m.Effective }},
	{SourceIssued, func(m *Measurement) string { return m.Issued }},
	{SourceLastUpdated, func(m *Measurement) string { return m.LastUpdated }},
}

// clinicalAccessors exclude the store's own bookkeeping time.
var clinicalAccessors = primaryAccessors[:2]

func firstParsed(m *Measurement, accessors []timestampAccessor) (time.Time, string) {
	for _, a := range accessors {
		raw := a.get(m)
		if raw == "" {
			continue
		}
		if t, err := fhir.ParseDateTime(raw); err == nil {
			return t, a.source
		}
	}
	return time.Time{}, SourceNone
}

// ClinicalTime is when the weight was measured (effective, else issued).
func (m *Measurement) ClinicalTime() (time.Time, bool) {
	t, source := firstParsed(m, clinicalAccessors)
	return t, source != SourceNone
}

// IsBodyWeight reports whether obs is coded as LOINC body weight.
func IsBodyWeight(obs *fhir.Observation) bool {
	return obs != nil && obs.Code.HasCoding(fhirmodels.SystemLOINC, fhirmodels.LOINCBodyWeight)
}

// IsKilogram reports whether the unit text contains "kg" or the coded unit
// is "kg", both case-insensitive.
func IsKilogram(q *fhir.Quantity) bool {
	if q == nil {
		return false
	}
	return strings.Contains(strings.ToLower(q.Unit), fhirmodels.UnitKilogram) ||
		strings.EqualFold(q.Code, fhirmodels.UnitKilogram)
}

// FromResource projects a raw Observation. It reports false for anything
// that is not an eligible body weight: malformed JSON, wrong code, missing or
// non-numeric value, or a unit other than kilograms.
func FromResource(raw json.RawMessage) (Measurement, bool) {
	var obs fhir.Observation
	if err := json.Unmarshal(raw, &obs); err != nil {
		return Measurement{}, false
	}
	return FromObservation(&obs)
}

// FromObservation is FromResource for an already decoded Observation.
func FromObservation(obs *fhir.Observation) (Measurement, bool) {
	if !IsBodyWeight(obs) || !IsKilogram(obs.ValueQuantity) {
		return Measurement{}, false
	}
	value, ok := obs.ValueQuantity.Number()
	if !ok || value <= 0 {
		return Measurement{}, false
	}

	m := Measurement{
		ID:       obs.ID,
		Value:    value,
		Unit:     obs.ValueQuantity.Unit,
		UnitCode: obs.ValueQuantity.Code,
		Issued:   obs.Issued,
	}
	if obs.Subject != nil {
		m.Subject = obs.Subject.Reference
	}
	switch {
	case obs.EffectiveDateTime != "":
		m.Effective = obs.EffectiveDateTime
	case obs.EffectiveInstant != "":
		m.Effective = obs.EffectiveInstant
	case obs.EffectivePeriod != nil:
		m.Effective = obs.EffectivePeriod.Start
	}
	if obs.Meta != nil {
		m.LastUpdated = obs.Meta.LastUpdated
	}

	m.Primary, m.PrimarySource = firstParsed(&m, primaryAccessors)
	m.Secondary, _ = firstParsed(&m, primaryAccessors[2:])
	return m, true
}

// compareLatestFirst orders by Primary, then Secondary, newest first. Ties
// fall back to ID so the order never depends on input order.
func compareLatestFirst(a, b Measurement) int {
	if c := b.Primary.Compare(a.Primary); c != 0 {
		return c
	}
	if c := b.Secondary.Compare(a.Secondary); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}

// Rank sorts measurements newest first, in place.
func Rank(ms []Measurement) {
	slices.SortFunc(ms, compareLatestFirst)
}
