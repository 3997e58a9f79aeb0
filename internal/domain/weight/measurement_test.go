package weight

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"
)

// obsJSON builds a body weight Observation for patient p1.
func obsJSON(id, value, unit, unitCode, effective, issued, lastUpdated string) string {
	o := map[string]any{
		"resourceType": "Observation",
		"id":           id,
		"status":       "final",
		"code": map[string]any{
			"coding": []map[string]string{{"system": "http://loinc.org", "code": "29463-7"}},
		},
		"subject":       map[string]string{"reference": "Patient/p1"},
		"valueQuantity": json.RawMessage(fmt.Sprintf(`{"value":%s,"unit":%q,"code":%q}`, value, unit, unitCode)),
	}
	if effective != "" {
		o["effectiveDateTime"] = effective
	}
	if issued != "" {
		o["issued"] = issued
	}
	if lastUpdated != "" {
		o["meta"] = map[string]string{"lastUpdated": lastUpdated}
	}
	data, err := json.Marshal(o)
	if err != nil {
		panic(err)
	}
	return string(data)
}

func TestFromResource_Eligibility(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want bool
	}{
		{"kg unit", obsJSON("a", "20", "kg", "kg", "2024-01-01", "", ""), true},
		{"unit text only", obsJSON("a", "20", "Kilograms (KG)", "", "2024-01-01", "", ""), true},
		{"coded unit only", obsJSON("a", "20", "", "KG", "2024-01-01", "", ""), true},
		{"pounds", obsJSON("a", "44", "lb", "[lb_av]", "2024-01-01", "", ""), false},
		{"string value", obsJSON("a", `"twenty"`, "kg", "kg", "2024-01-01", "", ""), false},
		{"null value", obsJSON("a", "null", "kg", "kg", "2024-01-01", "", ""), false},
		{"zero value", obsJSON("a", "0", "kg", "kg", "2024-01-01", "", ""), false},
		{"negative value", obsJSON("a", "-3", "kg", "kg", "2024-01-01", "", ""), false},
		{"no value", `{"resourceType":"Observation","id":"a","code":{"coding":[{"system":"http://loinc.org","code":"29463-7"}]}}`, false},
		{"other code", `{"resourceType":"Observation","id":"a","code":{"coding":[{"system":"http://loinc.org","code":"8302-2"}]},"valueQuantity":{"value":120,"unit":"kg"}}`, false},
		{"malformed", `{"resourceType":"Observation","code":[]}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := FromResource(json.RawMessage(tt.raw))
			if ok != tt.want {
				t.Errorf("expected eligible=%v, got %v", tt.want, ok)
			}
		})
	}
}

func TestFromResource_TimestampSources(t *testing.T) {
	tests := []struct {
		name       string
		raw        string
		wantSource string
		wantTime   string
	}{
		{"effective wins", obsJSON("a", "20", "kg", "kg", "2024-03-01T10:00:00Z", "2024-03-02T00:00:00Z", "2024-03-03T00:00:00Z"), SourceEffective, "2024-03-01T10:00:00Z"},
		{"unparsable effective falls to issued", obsJSON("a", "20", "kg", "kg", "last tuesday", "2024-03-02T00:00:00Z", ""), SourceIssued, "2024-03-02T00:00:00Z"},
		{"lastUpdated only", obsJSON("a", "20", "kg", "kg", "", "", "2024-03-03T00:00:00+02:00"), SourceLastUpdated, "2024-03-02T22:00:00Z"},
		{"none", obsJSON("a", "20", "kg", "kg", "", "", ""), SourceNone, "0001-01-01T00:00:00Z"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, ok := FromResource(json.RawMessage(tt.raw))
			if !ok {
				t.Fatal("expected eligible measurement")
			}
			if m.PrimarySource != tt.wantSource {
				t.Errorf("expected source %q, got %q", tt.wantSource, m.PrimarySource)
			}
			if got := m.Primary.Format(time.RFC3339); got != tt.wantTime {
				t.Errorf("expected primary %s, got %s", tt.wantTime, got)
			}
		})
	}
}

func TestFromResource_EffectivePeriod(t *testing.T) {
	raw := `{"resourceType":"Observation","id":"p","code":{"coding":[{"system":"http://loinc.org","code":"29463-7"}]},
		"effectivePeriod":{"start":"2024-05-01"},"valueQuantity":{"value":18.5,"unit":"kg"}}`
	m, ok := FromResource(json.RawMessage(raw))
	if !ok {
		t.Fatal("expected eligible measurement")
	}
	if m.Effective != "2024-05-01" || m.PrimarySource != SourceEffective {
		t.Errorf("expected period start as effective, got %q (%s)", m.Effective, m.PrimarySource)
	}
	if m.Value != 18.5 {
		t.Errorf("expected 18.5, got %v", m.Value)
	}
}

func TestMeasurement_ClinicalTime(t *testing.T) {
	m, _ := FromResource(json.RawMessage(obsJSON("a", "20", "kg", "kg", "", "2024-02-02", "2024-02-03")))
	got, ok := m.ClinicalTime()
	if !ok || got.Format("2006-01-02") != "2024-02-02" {
		t.Errorf("expected issued date, got %v (%v)", got, ok)
	}

	m, _ = FromResource(json.RawMessage(obsJSON("b", "20", "kg", "kg", "", "", "2024-02-03")))
	if _, ok := m.ClinicalTime(); ok {
		t.Error("lastUpdated must not count as a clinical time")
	}
}

func project(t *testing.T, raws ...string) []Measurement {
	t.Helper()
	var out []Measurement
	for _, raw := range raws {
		m, ok := FromResource(json.RawMessage(raw))
		if !ok {
			t.Fatalf("not eligible: %s", raw)
		}
		out = append(out, m)
	}
	return out
}

func ids(ms []Measurement) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.ID
	}
	return out
}

func TestRank_LatestFirst(t *testing.T) {
	ms := project(t,
		obsJSON("old", "10", "kg", "kg", "2023-01-01", "", ""),
		obsJSON("new", "12", "kg", "kg", "2024-01-01", "", ""),
		obsJSON("issued", "11", "kg", "kg", "", "2023-06-01T00:00:00Z", ""),
	)
	Rank(ms)
	want := []string{"new", "issued", "old"}
	if got := ids(ms); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestRank_LastUpdatedBreaksTies(t *testing.T) {
	ms := project(t,
		obsJSON("first", "10", "kg", "kg", "2024-01-01", "", "2024-01-01T08:00:00Z"),
		obsJSON("second", "11", "kg", "kg", "2024-01-01", "", "2024-01-01T09:00:00Z"),
	)
	Rank(ms)
	if ms[0].ID != "second" {
		t.Errorf("expected the later-updated record first, got %v", ids(ms))
	}
}

func TestRank_MissingTimestampsRankLast(t *testing.T) {
	ms := project(t,
		obsJSON("undated", "30", "kg", "kg", "", "", ""),
		obsJSON("garbage", "31", "kg", "kg", "not a date", "", ""),
		obsJSON("ancient", "5", "kg", "kg", "1999", "", ""),
	)
	Rank(ms)
	if ms[0].ID != "ancient" {
		t.Errorf("expected dated record first, got %v", ids(ms))
	}
}

func TestRank_Deterministic(t *testing.T) {
	raws := []string{
		obsJSON("a", "10", "kg", "kg", "2024-01-01", "", ""),
		obsJSON("b", "11", "kg", "kg", "2024-01-01", "", ""),
		obsJSON("c", "12", "kg", "kg", "", "", ""),
		obsJSON("d", "13", "kg", "kg", "2024-01-02", "", "2024-01-03"),
	}
	perms := [][]int{{0, 1, 2, 3}, {3, 2, 1, 0}, {1, 3, 0, 2}, {2, 0, 3, 1}}

	var want []string
	for _, p := range perms {
		input := make([]string, len(p))
		for i, idx := range p {
			input[i] = raws[idx]
		}
		ms := project(t, input...)
		Rank(ms)
		got := ids(ms)
		if want == nil {
			want = got
			continue
		}
		if fmt.Sprint(got) != fmt.Sprint(want) {
			t.Errorf("order depends on input order: %v vs %v", got, want)
		}
	}
	if want[0] != "d" || want[1] != "a" || want[3] != "c" {
		t.Errorf("unexpected ranking %v", want)
	}
}
