package rules

import (
	"encoding/json"
	"fmt"
)

// Region and strategy values accepted in a Protocol.
const (
	RegionBody  = "body"
	RegionBrain = "brain"

	StrategyLow  = "low"
	StrategyMid  = "mid"
	StrategyHigh = "high"
)

// Radiopharmaceutical identifies the agent a rule doses.
type Radiopharmaceutical struct {
	Code    string `json:"code"`
	Display string `json:"display"`
}

// Range is a closed MBq/kg interval, encoded as [low, high].
type Range struct {
	Low  float64
	High float64
}

func (r Range) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]float64{r.Low, r.High})
}

func (r *Range) UnmarshalJSON(data []byte) error {
	var pair []float64
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("mbq_per_kg_range: %w", err)
	}
	if len(pair) != 2 {
		return fmt.Errorf("mbq_per_kg_range: want [low, high], got %d values", len(pair))
	}
	r.Low, r.High = pair[0], pair[1]
	return nil
}

// Rule is one row of the dosing table. Exactly one of MBqPerKg and
// MBqPerKgRange is set.
type Rule struct {
	StudyKey            string              `json:"studyKey"`
	StudyType           string              `json:"studyType,omitempty"`
	Radiopharmaceutical Radiopharmaceutical `json:"radiopharm"`
	MinMBq              float64             `json:"min_mbq"`
	MaxMBq              float64             `json:"max_mbq"`
	MBqPerKg            *float64            `json:"mbq_per_kg,omitempty"`
	MBqPerKgRange       *Range              `json:"mbq_per_kg_range,omitempty"`
	Considerations      []string            `json:"considerations,omitempty"`
	References          []string            `json:"references,omitempty"`
}

// IsRange reports whether the rule doses from a range.
func (r Rule) IsRange() bool { return r.MBqPerKgRange != nil }

func (r Rule) validate() error {
	switch {
	case r.MBqPerKg == nil && r.MBqPerKgRange == nil:
		return fmt.Errorf("study %s: one of mbq_per_kg or mbq_per_kg_range is required", r.StudyKey)
	case r.MBqPerKg != nil && r.MBqPerKgRange != nil:
		return fmt.Errorf("study %s: mbq_per_kg and mbq_per_kg_range are mutually exclusive", r.StudyKey)
	case r.MinMBq < 0 || r.MaxMBq < 0:
		return fmt.Errorf("study %s: bounds must be non-negative", r.StudyKey)
	case r.MinMBq > r.MaxMBq:
		return fmt.Errorf("study %s: min_mbq %.2f exceeds max_mbq %.2f", r.StudyKey, r.MinMBq, r.MaxMBq)
	case r.MBqPerKg != nil && *r.MBqPerKg < 0:
		return fmt.Errorf("study %s: mbq_per_kg must be non-negative", r.StudyKey)
	case r.MBqPerKgRange != nil && (r.MBqPerKgRange.Low < 0 || r.MBqPerKgRange.Low > r.MBqPerKgRange.High):
		return fmt.Errorf("study %s: mbq_per_kg_range must satisfy 0 <= low <= high", r.StudyKey)
	case r.Radiopharmaceutical.Code == "":
		return fmt.Errorf("study %s: radiopharm.code is required", r.StudyKey)
	}
	return nil
}

// Protocol carries the per-request modifiers that select among rule
// variants. The zero value is a body study without flow, low strategy.
type Protocol struct {
	FlowStudy bool   `json:"mag3_with_flow"`
	Region    string `json:"fdg_region,omitempty"`
	Strategy  string `json:"fdg_strategy,omitempty"`
}

// WithDefaults fills an empty region and strategy.
func (p Protocol) WithDefaults() Protocol {
	if p.Region == "" {
		p.Region = RegionBody
	}
	if p.Strategy == "" {
		p.Strategy = StrategyLow
	}
	return p
}

// Validate rejects unknown region or strategy values. Empty values are
// accepted and defaulted by WithDefaults.
func (p Protocol) Validate() error {
	switch p.Region {
	case "", RegionBody, RegionBrain:
	default:
		return &ValidationError{Field: "protocol.fdg_region", Message: fmt.Sprintf("must be %q or %q, got %q", RegionBody, RegionBrain, p.Region)}
	}
	switch p.Strategy {
	case "", StrategyLow, StrategyMid, StrategyHigh:
	default:
		return &ValidationError{Field: "protocol.fdg_strategy", Message: fmt.Sprintf("must be low, mid or high, got %q", p.Strategy)}
	}
	return nil
}

// activation is the CEL view of the protocol.
func (p Protocol) activation() map[string]any {
	p = p.WithDefaults()
	return map[string]any{
		"protocol": map[string]any{
			"flow":     p.FlowStudy,
			"region":   p.Region,
			"strategy": p.Strategy,
		},
	}
}
