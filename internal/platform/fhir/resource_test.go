package fhir

import (
	"encoding/json"
	"testing"
	"time"
)

func TestParseDateTime(t *testing.T) {
	tests := []struct {
		in   string
		want time.Time
	}{
		{"2024-03-01T10:15:30Z", time.Date(2024, 3, 1, 10, 15, 30, 0, time.UTC)},
		{"2024-03-01T10:15:30.123+02:00", time.Date(2024, 3, 1, 8, 15, 30, 123000000, time.UTC)},
		{"2024-03-01T10:15:30", time.Date(2024, 3, 1, 10, 15, 30, 0, time.UTC)},
		{"2024-03-01T10:15", time.Date(2024, 3, 1, 10, 15, 0, 0, time.UTC)},
		{"2024-03-01", time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)},
		{"2024-03", time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)},
		{"2024", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		got, err := ParseDateTime(tt.in)
		if err != nil {
			t.Errorf("ParseDateTime(%q) error: %v", tt.in, err)
			continue
		}
		if !got.Equal(tt.want) {
			t.Errorf("ParseDateTime(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestParseDateTime_Invalid(t *testing.T) {
	for _, in := range []string{"", "yesterday", "2024-13-45"} {
		if _, err := ParseDateTime(in); err == nil {
			t.Errorf("expected error for %q", in)
		}
	}
}

func TestQuantity_Number(t *testing.T) {
	var q Quantity
	if _, ok := q.Number(); ok {
		t.Error("expected empty quantity to be non-numeric")
	}
	json.Unmarshal([]byte(`{"value":"12.5","unit":"kg"}`), &q)
	if _, ok := q.Number(); ok {
		t.Error("expected string value to be non-numeric")
	}
	q = Quantity{}
	json.Unmarshal([]byte(`{"value":null,"unit":"kg"}`), &q)
	if _, ok := q.Number(); ok {
		t.Error("expected null value to be non-numeric")
	}
	json.Unmarshal([]byte(`{"value":12.5,"unit":"kg"}`), &q)
	if v, ok := q.Number(); !ok || v != 12.5 {
		t.Errorf("expected 12.5, got %v %v", v, ok)
	}
}

func TestReference_RefersTo(t *testing.T) {
	tests := []struct {
		ref  string
		want bool
	}{
		{"Patient/p1", true},
		{"http://fhir.example.org/r4/Patient/p1", true},
		{"Patient/p10", false},
		{"Group/p1", false},
	}
	for _, tt := range tests {
		r := &Reference{Reference: tt.ref}
		if got := r.RefersTo("Patient", "p1"); got != tt.want {
			t.Errorf("RefersTo(%q) = %v, want %v", tt.ref, got, tt.want)
		}
	}
}

func TestCodeableConcept(t *testing.T) {
	cc := &CodeableConcept{Coding: []Coding{{System: "http://loinc.org", Code: "29463-7"}}}
	if !cc.HasCoding("http://loinc.org", "29463-7") {
		t.Error("expected LOINC coding match")
	}
	if cc.HasCoding("http://snomed.info/sct", "29463-7") {
		t.Error("expected system mismatch")
	}
	if !cc.HasCoding("", "29463-7") {
		t.Error("expected empty system to match any")
	}
	if got := (&CodeableConcept{Text: " MAG3 "}).FirstCode(); got != "MAG3" {
		t.Errorf("expected text fallback, got %q", got)
	}
}

func TestBundle_Resources(t *testing.T) {
	var b Bundle
	json.Unmarshal([]byte(`{"resourceType":"Bundle","type":"searchset",
		"link":[{"relation":"self","url":"s"},{"relation":"next","url":"n"}],
		"entry":[
			{"resource":{"resourceType":"Observation","id":"1"},"search":{"mode":"match"}},
			{"resource":{"resourceType":"OperationOutcome"},"search":{"mode":"outcome"}},
			{"resource":{"resourceType":"Observation","id":"2"}}
		]}`), &b)
	if got := len(b.Resources()); got != 2 {
		t.Errorf("expected 2 match resources, got %d", got)
	}
	if b.LinkURL("next") != "n" {
		t.Errorf("expected next link, got %q", b.LinkURL("next"))
	}
	if b.LinkURL("previous") != "" {
		t.Error("expected no previous link")
	}
}

func TestOperationOutcome_Helpers(t *testing.T) {
	o := ValidationOutcome("protocol.fdg_region", "must be body or brain")
	if !o.HasErrors() || o.Issue[0].Expression[0] != "protocol.fdg_region" {
		t.Errorf("unexpected outcome %+v", o)
	}
	if WarningOutcome("w").HasErrors() {
		t.Error("warning outcome must not report errors")
	}
}
