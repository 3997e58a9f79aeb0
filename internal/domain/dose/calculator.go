package dose

import (
	"fmt"
	"math"

	"github.com/nmcds/nmcds/internal/domain/rules"
)

// Clamp reasons.
const (
	ClampNone = "none"
	ClampMin  = "min"
	ClampMax  = "max"
)

// Recommendation is the computed activity for one study.
type Recommendation struct {
	RecommendedMBq    float64      `json:"recommendedMBq"`
	RuleMBqPerKg      *float64     `json:"ruleMBqPerKg,omitempty"`
	RuleMBqPerKgRange *rules.Range `json:"ruleMBqPerKgRange,omitempty"`
	ChosenMBqPerKg    float64      `json:"chosenMBqPerKg"`
	Strategy          string       `json:"strategy,omitempty"`
	MinMBq            float64      `json:"minMBq"`
	MaxMBq            float64      `json:"maxMBq"`
	ClampReason       string       `json:"clampReason"`
	RawCalculatedMBq  float64      `json:"rawCalculatedMBq"`
}

// ClampObserver is told which bound, if any, applied.
type ClampObserver interface {
	ObserveClamp(reason string)
}

// Calculator is stateless apart from its observer.
type Calculator struct {
	observer ClampObserver
}

func NewCalculator(observer ClampObserver) *Calculator {
	return &Calculator{observer: observer}
}

// Recommend computes the activity for rule at weightKg. Range rules pick
// their per-kilogram value by p.Strategy and always return a note naming it.
func (c *Calculator) Recommend(rule rules.Rule, weightKg float64, p rules.Protocol) (Recommendation, []string, error) {
	if math.IsNaN(weightKg) || math.IsInf(weightKg, 0) || weightKg <= 0 {
		return Recommendation{}, nil, &rules.ValidationError{Field: "weightKg", Message: fmt.Sprintf("%v is not a usable body weight", weightKg)}
	}

	rec := Recommendation{MinMBq: rule.MinMBq, MaxMBq: rule.MaxMBq}
	var notes []string

	switch {
	case rule.MBqPerKg != nil:
		perKg := *rule.MBqPerKg
		rec.RuleMBqPerKg = &perKg
		rec.ChosenMBqPerKg = perKg
	case rule.MBqPerKgRange != nil:
		p = p.WithDefaults()
		r := *rule.MBqPerKgRange
		rec.RuleMBqPerKgRange = &r
		rec.ChosenMBqPerKg = ChooseFromRange(r, p.Strategy)
		rec.Strategy = p.Strategy
		notes = append(notes, fmt.Sprintf("Strategy '%s' selected within MBq/kg range %g-%g.", p.Strategy, r.Low, r.High))
	default:
		return Recommendation{}, nil, fmt.Errorf("rule %s has no dosing mode", rule.StudyKey)
	}

	raw := weightKg * rec.ChosenMBqPerKg
	clamped, reason := Clamp(raw, rule.MinMBq, rule.MaxMBq)
	rec.ClampReason = reason
	rec.RawCalculatedMBq = Round(raw, 2)
	rec.RecommendedMBq = roundWithin(clamped, rule.MinMBq, rule.MaxMBq)

	if c.observer != nil {
		c.observer.ObserveClamp(reason)
	}
	return rec, notes, nil
}

// ChooseFromRange returns the low or high bound, or their mean for mid.
func ChooseFromRange(r rules.Range, strategy string) float64 {
	switch strategy {
	case rules.StrategyHigh:
		return r.High
	case rules.StrategyMid:
		return (r.Low + r.High) / 2
	default:
		return r.Low
	}
}

// Clamp bounds v into [lo, hi] and names the bound that applied.
func Clamp(v, lo, hi float64) (float64, string) {
	switch {
	case v < lo:
		return lo, ClampMin
	case v > hi:
		return hi, ClampMax
	default:
		return v, ClampNone
	}
}

// Round rounds half away from zero to the given number of decimals.
func Round(v float64, decimals int) float64 {
	scale := math.Pow(10, float64(decimals))
	return math.Round(v*scale) / scale
}

// roundWithin rounds to one decimal without leaving [lo, hi] when a bound
// itself has finer precision.
func roundWithin(v, lo, hi float64) float64 {
	r := Round(v, 1)
	if r > hi {
		r = math.Floor(hi*10) / 10
	}
	if r < lo {
		r = math.Ceil(lo*10) / 10
	}
	return r
}
