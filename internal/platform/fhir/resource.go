package fhir

import (
	"bytes"
	"encoding/json"
	"math"
	"strings"
)

// Resource is the minimal envelope shared by every FHIR resource.
type Resource struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id,omitempty"`
	Meta         *Meta  `json:"meta,omitempty"`
}

// Meta keeps lastUpdated as the raw wire string. Stores disagree on its
// precision and zone, so callers parse it with ParseDateTime.
type Meta struct {
	VersionID   string   `json:"versionId,omitempty"`
	LastUpdated string   `json:"lastUpdated,omitempty"`
	Profile     []string `json:"profile,omitempty"`
}

type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

// HasCoding reports whether the concept carries system|code. An empty system
// matches any system.
func (cc *CodeableConcept) HasCoding(system, code string) bool {
	if cc == nil {
		return false
	}
	for _, c := range cc.Coding {
		if c.Code == code && (system == "" || c.System == system) {
			return true
		}
	}
	return false
}

// FirstCode returns the first non-empty coding code, falling back to text.
func (cc *CodeableConcept) FirstCode() string {
	if cc == nil {
		return ""
	}
	for _, c := range cc.Coding {
		if c.Code != "" {
			return c.Code
		}
	}
	return strings.TrimSpace(cc.Text)
}

type Reference struct {
	Reference string `json:"reference,omitempty"`
	Type      string `json:"type,omitempty"`
	Display   string `json:"display,omitempty"`
}

// RefersTo reports whether the reference points at resourceType/id, either
// as a relative literal or as an absolute URL ending in /resourceType/id.
func (r *Reference) RefersTo(resourceType, id string) bool {
	if r == nil || id == "" {
		return false
	}
	rel := resourceType + "/" + id
	return r.Reference == rel || strings.HasSuffix(r.Reference, "/"+rel)
}

// Quantity keeps value raw so that malformed numbers can be rejected by the
// caller instead of failing the whole document decode.
type Quantity struct {
	Value  json.RawMessage `json:"value,omitempty"`
	Unit   string          `json:"unit,omitempty"`
	System string          `json:"system,omitempty"`
	Code   string          `json:"code,omitempty"`
}

// Number returns the numeric value of the quantity. null and absent values
// are not numbers.
func (q *Quantity) Number() (float64, bool) {
	if q == nil || len(q.Value) == 0 || bytes.Equal(bytes.TrimSpace(q.Value), []byte("null")) {
		return 0, false
	}
	var f float64
	if err := json.Unmarshal(q.Value, &f); err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

type Period struct {
	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`
}

type Annotation struct {
	Text string `json:"text"`
}

type Extension struct {
	URL         string `json:"url"`
	ValueString string `json:"valueString,omitempty"`
	ValueCode   string `json:"valueCode,omitempty"`
}

// Observation is the subset of the R4 Observation read and written by the
// dose engine.
type Observation struct {
	ResourceType      string            `json:"resourceType"`
	ID                string            `json:"id,omitempty"`
	Meta              *Meta             `json:"meta,omitempty"`
	Status            string            `json:"status,omitempty"`
	Category          []CodeableConcept `json:"category,omitempty"`
	Code              *CodeableConcept  `json:"code,omitempty"`
	Subject           *Reference        `json:"subject,omitempty"`
	EffectiveDateTime string            `json:"effectiveDateTime,omitempty"`
	EffectiveInstant  string            `json:"effectiveInstant,omitempty"`
	EffectivePeriod   *Period           `json:"effectivePeriod,omitempty"`
	Issued            string            `json:"issued,omitempty"`
	ValueQuantity     *Quantity         `json:"valueQuantity,omitempty"`
}

// ServiceRequest is the subset of the R4 ServiceRequest needed to map an
// order onto a study rule.
type ServiceRequest struct {
	ResourceType string           `json:"resourceType"`
	ID           string           `json:"id,omitempty"`
	Status       string           `json:"status,omitempty"`
	Intent       string           `json:"intent,omitempty"`
	Code         *CodeableConcept `json:"code,omitempty"`
	Subject      *Reference       `json:"subject,omitempty"`
}

// Dosage holds the single dose quantity of a radiopharmaceutical order.
type Dosage struct {
	Text        string        `json:"text,omitempty"`
	DoseAndRate []DoseAndRate `json:"doseAndRate,omitempty"`
}

type DoseAndRate struct {
	DoseQuantity *DoseQuantity `json:"doseQuantity,omitempty"`
}

// DoseQuantity is a Quantity with a concrete numeric value, used on write.
type DoseQuantity struct {
	Value  float64 `json:"value"`
	Unit   string  `json:"unit,omitempty"`
	System string  `json:"system,omitempty"`
	Code   string  `json:"code,omitempty"`
}

// MedicationRequest is the draft dose order written back to the store.
type MedicationRequest struct {
	ResourceType              string           `json:"resourceType"`
	ID                        string           `json:"id,omitempty"`
	Status                    string           `json:"status"`
	Intent                    string           `json:"intent"`
	MedicationCodeableConcept *CodeableConcept `json:"medicationCodeableConcept,omitempty"`
	Subject                   *Reference       `json:"subject"`
	BasedOn                   []Reference      `json:"basedOn,omitempty"`
	AuthoredOn                string           `json:"authoredOn,omitempty"`
	DosageInstruction         []Dosage         `json:"dosageInstruction,omitempty"`
	Note                      []Annotation     `json:"note,omitempty"`
	Extension                 []Extension      `json:"extension,omitempty"`
}

// FormatReference creates a FHIR reference string.
func FormatReference(resourceType, id string) string {
	return resourceType + "/" + id
}
