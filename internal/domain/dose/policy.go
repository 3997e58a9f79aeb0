// Package dose turns a study rule and a body weight into a bounded
// radiopharmaceutical activity, and decides whether the weight is recent
// enough to be used.
package dose

import (
	"fmt"
	"math"
	"time"

	"github.com/nmcds/nmcds/internal/domain/weight"
)

// Policy judges weight age. Blocking is a deployment setting: when true a
// stale weight is treated as missing, otherwise it only produces a warning.
type Policy struct {
	LookbackDays int
	Blocking     bool
	Now          func() time.Time
}

func (p Policy) now() time.Time {
	if p.Now != nil {
		return p.Now().UTC()
	}
	return time.Now().UTC()
}

// lookback is the configured window; zero means any weight from an earlier
// day is stale.
func (p Policy) lookback() int {
	return max(p.LookbackDays, 0)
}

// AgeDays is the number of whole days between asOf and now.
func (p Policy) AgeDays(asOf time.Time) int {
	return int(math.Floor(p.now().Sub(asOf.UTC()).Hours() / 24))
}

// IsStale reports whether asOf is strictly older than the lookback window.
func (p Policy) IsStale(asOf time.Time) bool {
	return p.AgeDays(asOf) > p.lookback()
}

// Verdict is the outcome of checking one measurement.
type Verdict struct {
	// Known is false when the measurement carries no clinical date.
	Known   bool
	Date    time.Time
	AgeDays int
	Stale   bool
	// Missing is set when the weight must be treated as absent.
	Missing  bool
	Message  string
	Warnings []string
}

// Check applies the policy to m. A measurement without a clinical date is
// never stale but is flagged with a warning.
func (p Policy) Check(m *weight.Measurement) Verdict {
	at, ok := m.ClinicalTime()
	if !ok {
		return Verdict{Warnings: []string{"Body weight date unknown; verify the weight is current."}}
	}

	v := Verdict{Known: true, Date: at, AgeDays: p.AgeDays(at)}
	if !p.IsStale(at) {
		return v
	}
	v.Stale = true
	day := at.Format(time.DateOnly)
	if p.Blocking {
		v.Missing = true
		v.Message = fmt.Sprintf("Body weight is older than %d days (%s); please update weight.", p.lookback(), day)
		return v
	}
	v.Warnings = []string{fmt.Sprintf("Body weight is older than %d days (%s); consider updating weight.", p.lookback(), day)}
	return v
}
