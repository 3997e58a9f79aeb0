package dose

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"

	"github.com/nmcds/nmcds/internal/domain/rules"
	"github.com/nmcds/nmcds/internal/domain/weight"
)

func ptr(v float64) *float64 { return &v }

func fixedRule() rules.Rule {
	return rules.Rule{StudyKey: "FIXED", MBqPerKg: ptr(5.0), MinMBq: 37, MaxMBq: 370}
}

func rangeRule() rules.Rule {
	return rules.Rule{StudyKey: "RANGE", MBqPerKgRange: &rules.Range{Low: 2.0, High: 5.0}, MinMBq: 20, MaxMBq: 200}
}

type clampCounter map[string]int

func (c clampCounter) ObserveClamp(reason string) { c[reason]++ }

func TestRecommend_FixedWithinBounds(t *testing.T) {
	counter := clampCounter{}
	rec, notes, err := NewCalculator(counter).Recommend(fixedRule(), 25, rules.Protocol{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := Recommendation{
		RecommendedMBq:   125.0,
		RuleMBqPerKg:     ptr(5.0),
		ChosenMBqPerKg:   5.0,
		MinMBq:           37,
		MaxMBq:           370,
		ClampReason:      ClampNone,
		RawCalculatedMBq: 125.0,
	}
	if diff := cmp.Diff(want, rec); diff != "" {
		t.Errorf("recommendation mismatch (-want +got):\n%s", diff)
	}
	if len(notes) != 0 {
		t.Errorf("fixed rules carry no notes, got %v", notes)
	}
	if counter[ClampNone] != 1 {
		t.Errorf("expected one clamp observation, got %v", counter)
	}
}

func TestRecommend_FixedClampedToMin(t *testing.T) {
	rec, _, err := NewCalculator(nil).Recommend(fixedRule(), 5, rules.Protocol{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.RawCalculatedMBq != 25.0 || rec.RecommendedMBq != 37.0 || rec.ClampReason != ClampMin {
		t.Errorf("expected raw 25 clamped to 37 (min), got %+v", rec)
	}
}

func TestRecommend_FixedClampedToMax(t *testing.T) {
	rec, _, err := NewCalculator(nil).Recommend(fixedRule(), 90, rules.Protocol{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.RawCalculatedMBq != 450.0 || rec.RecommendedMBq != 370.0 || rec.ClampReason != ClampMax {
		t.Errorf("expected raw 450 clamped to 370 (max), got %+v", rec)
	}
}

func TestRecommend_RangeStrategies(t *testing.T) {
	tests := []struct {
		strategy   string
		wantChosen float64
		wantRaw    float64
	}{
		{"", 2.0, 60.0},
		{rules.StrategyLow, 2.0, 60.0},
		{rules.StrategyMid, 3.5, 105.0},
		{rules.StrategyHigh, 5.0, 150.0},
	}
	for _, tt := range tests {
		t.Run("strategy "+tt.strategy, func(t *testing.T) {
			rec, notes, err := NewCalculator(nil).Recommend(rangeRule(), 30, rules.Protocol{Strategy: tt.strategy})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if rec.ChosenMBqPerKg != tt.wantChosen {
				t.Errorf("expected chosen %v, got %v", tt.wantChosen, rec.ChosenMBqPerKg)
			}
			if rec.RawCalculatedMBq != tt.wantRaw || rec.ClampReason != ClampNone {
				t.Errorf("expected raw %v unclamped, got %+v", tt.wantRaw, rec)
			}
			if rec.RuleMBqPerKg != nil || rec.RuleMBqPerKgRange == nil {
				t.Errorf("range rules report the range only: %+v", rec)
			}
			if len(notes) != 1 || !strings.Contains(notes[0], "Strategy") {
				t.Errorf("expected a strategy note, got %v", notes)
			}
		})
	}
}

func TestRecommend_RejectsUnusableWeight(t *testing.T) {
	for _, w := range []float64{0, -4, math.NaN(), math.Inf(1)} {
		_, _, err := NewCalculator(nil).Recommend(fixedRule(), w, rules.Protocol{})
		var verr *rules.ValidationError
		if !errors.As(err, &verr) {
			t.Errorf("weight %v: expected ValidationError, got %v", w, err)
		}
	}
}

func TestRecommend_ClampProperty(t *testing.T) {
	repo, err := rules.Load(context.Background(), "", rules.SourceOptions{}, rules.Options{Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("load rules: %v", err)
	}
	calc := NewCalculator(nil)
	strategies := []string{rules.StrategyLow, rules.StrategyMid, rules.StrategyHigh}

	for _, key := range repo.Keys() {
		rule, _ := repo.RuleFor(key)
		for w := 0.4; w <= 160; w += 0.7 {
			for _, s := range strategies {
				rec, _, err := calc.Recommend(rule, w, rules.Protocol{Strategy: s})
				if err != nil {
					t.Fatalf("%s at %v kg: %v", key, w, err)
				}
				if rec.RecommendedMBq < rule.MinMBq || rec.RecommendedMBq > rule.MaxMBq {
					t.Fatalf("%s at %v kg: %v outside [%v, %v]", key, w, rec.RecommendedMBq, rule.MinMBq, rule.MaxMBq)
				}
				raw := w * rec.ChosenMBqPerKg
				inside := raw >= rule.MinMBq && raw <= rule.MaxMBq
				if inside != (rec.ClampReason == ClampNone) {
					t.Fatalf("%s at %v kg: raw %v, reason %s", key, w, raw, rec.ClampReason)
				}
			}
		}
	}
}

func TestRound(t *testing.T) {
	tests := []struct {
		v        float64
		decimals int
		want     float64
	}{
		{12.25, 1, 12.3},
		{-12.25, 1, -12.3},
		{1.005, 2, 1.0},
		{60, 1, 60},
		{125.125, 2, 125.13},
	}
	for _, tt := range tests {
		if got := Round(tt.v, tt.decimals); got != tt.want {
			t.Errorf("Round(%v, %d) = %v, want %v", tt.v, tt.decimals, got, tt.want)
		}
	}
}

func TestRoundWithin_FinePrecisionBound(t *testing.T) {
	if got := roundWithin(9.25, 1, 9.25); got != 9.2 {
		t.Errorf("expected rounding to stay under max, got %v", got)
	}
	if got := roundWithin(9.25, 9.25, 100); got != 9.3 {
		t.Errorf("expected 9.3, got %v", got)
	}
}

func measurement(t *testing.T, effective, issued string) *weight.Measurement {
	t.Helper()
	o := map[string]any{
		"resourceType":  "Observation",
		"id":            "w",
		"code":          map[string]any{"coding": []map[string]string{{"system": "http://loinc.org", "code": "29463-7"}}},
		"valueQuantity": map[string]any{"value": 20, "unit": "kg"},
		"meta":          map[string]string{"lastUpdated": "2024-11-01T00:00:00Z"},
	}
	if effective != "" {
		o["effectiveDateTime"] = effective
	}
	if issued != "" {
		o["issued"] = issued
	}
	raw, _ := json.Marshal(o)
	m, ok := weight.FromResource(raw)
	if !ok {
		t.Fatal("fixture is not eligible")
	}
	return &m
}

var policyNow = time.Date(2024, 11, 5, 12, 0, 0, 0, time.UTC)

func TestPolicy_IsStale(t *testing.T) {
	tests := []struct {
		name     string
		lookback int
		asOf     time.Time
		want     bool
	}{
		{"fresh", 90, policyNow.AddDate(0, 0, -10), false},
		{"exactly at window", 90, policyNow.AddDate(0, 0, -90), false},
		{"90 days and 23 hours", 90, policyNow.AddDate(0, 0, -90).Add(-23 * time.Hour), false},
		{"91 days", 90, policyNow.AddDate(0, 0, -91), true},
		{"future", 90, policyNow.AddDate(0, 0, 3), false},
		{"zero window same day", 0, policyNow.Add(-6 * time.Hour), false},
		{"zero window one day", 0, policyNow.AddDate(0, 0, -1), true},
		{"zero window 30 days", 0, policyNow.AddDate(0, 0, -30), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Policy{LookbackDays: tt.lookback, Now: func() time.Time { return policyNow }}
			if got := p.IsStale(tt.asOf); got != tt.want {
				t.Errorf("IsStale = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPolicy_Check(t *testing.T) {
	old := policyNow.AddDate(0, 0, -120).Format(time.RFC3339)

	t.Run("stale blocking", func(t *testing.T) {
		p := Policy{LookbackDays: 90, Blocking: true, Now: func() time.Time { return policyNow }}
		v := p.Check(measurement(t, old, ""))
		if !v.Stale || !v.Missing || len(v.Warnings) != 0 {
			t.Errorf("expected blocking staleness, got %+v", v)
		}
		if !strings.Contains(v.Message, "90 days") {
			t.Errorf("unexpected message %q", v.Message)
		}
	})

	t.Run("stale warning", func(t *testing.T) {
		p := Policy{LookbackDays: 90, Now: func() time.Time { return policyNow }}
		v := p.Check(measurement(t, old, ""))
		if !v.Stale || v.Missing || len(v.Warnings) != 1 {
			t.Errorf("expected one warning, got %+v", v)
		}
		if v.AgeDays != 120 {
			t.Errorf("expected age 120, got %d", v.AgeDays)
		}
	})

	t.Run("issued used when no effective", func(t *testing.T) {
		p := Policy{LookbackDays: 90, Now: func() time.Time { return policyNow }}
		v := p.Check(measurement(t, "", old))
		if !v.Known || !v.Stale {
			t.Errorf("expected issued date to be judged, got %+v", v)
		}
	})

	t.Run("unknown date", func(t *testing.T) {
		p := Policy{LookbackDays: 90, Blocking: true, Now: func() time.Time { return policyNow }}
		v := p.Check(measurement(t, "", ""))
		if v.Known || v.Stale || v.Missing || len(v.Warnings) != 1 {
			t.Errorf("expected unknown-date warning only, got %+v", v)
		}
	})

	t.Run("zero window blocks", func(t *testing.T) {
		p := Policy{LookbackDays: 0, Blocking: true, Now: func() time.Time { return policyNow }}
		v := p.Check(measurement(t, policyNow.AddDate(0, 0, -30).Format(time.RFC3339), ""))
		if !v.Stale || !v.Missing || v.AgeDays != 30 {
			t.Errorf("expected a 30 day old weight to block, got %+v", v)
		}
	})
}
