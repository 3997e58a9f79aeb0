package recommend

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/nmcds/nmcds/internal/domain/dose"
	"github.com/nmcds/nmcds/internal/domain/rules"
	"github.com/nmcds/nmcds/internal/platform/fhir"
	"github.com/nmcds/nmcds/internal/platform/session"
)

func newTestServer(t *testing.T, f *fixture) (*echo.Echo, *session.MemoryStore) {
	t.Helper()
	sessions := session.NewMemoryStore(time.Hour)
	h := NewHandler(f.workflow)
	hooks := fhir.NewCDSHooksHandler()
	h.RegisterHook(hooks)

	e := echo.New()
	e.Use(session.Middleware(sessions, zerolog.Nop()))
	h.RegisterRoutes(e)
	hooks.RegisterRoutes(e)
	return e, sessions
}

func post(e *echo.Echo, path, body string, mutate func(*http.Request)) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if mutate != nil {
		mutate(req)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHandler_Recommend(t *testing.T) {
	f := newFixture(t, false)
	f.order("sr1", "FIXED")
	f.weight("w1", 25, testNow)
	e, sessions := newTestServer(t, f)

	sess := launched()
	if err := sessions.Save(t.Context(), sess); err != nil {
		t.Fatal(err)
	}
	rec := post(e, "/cds/nm-dose/recommend", `{"serviceRequestId":"sr1","patientId":"p1","protocol":{"fdg_strategy":"mid"}}`, func(r *http.Request) {
		r.AddCookie(&http.Cookie{Name: session.CookieName, Value: sess.ID})
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != StatusOK || body["state"] != StateDone {
		t.Errorf("unexpected body %v", body)
	}
	recommendation, _ := body["recommendation"].(map[string]any)
	if recommendation["recommendedMBq"] != 125.0 {
		t.Errorf("unexpected recommendation %v", recommendation)
	}
	inputs, _ := body["inputs"].(map[string]any)
	protocol, _ := inputs["protocol"].(map[string]any)
	if protocol["fdg_strategy"] != "mid" || protocol["fdg_region"] != "body" {
		t.Errorf("expected the defaulted protocol to be echoed, got %v", protocol)
	}
	if _, ok := body["httpStatus"]; ok {
		t.Error("internal fields must not be serialised")
	}
}

func TestHandler_RecommendStatusCodes(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		bearer string
		want   int
	}{
		{"no credential", `{"serviceRequestId":"sr1","patientId":"p1"}`, "", http.StatusUnauthorized},
		{"bearer header", `{"serviceRequestId":"sr1","patientId":"p1"}`, "hdr", http.StatusOK},
		{"unmapped", `{"serviceRequestId":"sr2","patientId":"p1"}`, "hdr", http.StatusUnprocessableEntity},
		{"bad protocol", `{"serviceRequestId":"sr1","patientId":"p1","protocol":{"fdg_region":"leg"}}`, "hdr", http.StatusBadRequest},
		{"malformed body", `{"serviceRequestId":`, "hdr", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, false)
			f.order("sr1", "FIXED")
			f.order("sr2", "NOPE")
			f.weight("w1", 25, testNow)
			e, _ := newTestServer(t, f)

			rec := post(e, "/cds/nm-dose/recommend", tt.body, func(r *http.Request) {
				if tt.bearer != "" {
					r.Header.Set(echo.HeaderAuthorization, "Bearer "+tt.bearer)
				}
			})
			if rec.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestHandler_BearerOverridesSessionToken(t *testing.T) {
	f := newFixture(t, false)
	f.order("sr1", "FIXED")
	f.weight("w1", 25, testNow)
	e, sessions := newTestServer(t, f)

	sess := launched()
	sess.TokenExpiresAt = testNow.Add(-time.Hour)
	if err := sessions.Save(t.Context(), sess); err != nil {
		t.Fatal(err)
	}
	rec := post(e, "/cds/nm-dose/recommend", `{"serviceRequestId":"sr1","patientId":"p1"}`, func(r *http.Request) {
		r.AddCookie(&http.Cookie{Name: session.CookieName, Value: sess.ID})
		r.Header.Set(echo.HeaderAuthorization, "Bearer fresh")
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if f.dialed[0] != "http://launched.test/fhir|fresh" {
		t.Errorf("expected the header token on the session server, got %s", f.dialed[0])
	}

	stored, err := sessions.Get(t.Context(), sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.AccessToken != "tok" {
		t.Errorf("the stored session must not change, got %q", stored.AccessToken)
	}
}

func TestHandler_OrderSelectHook(t *testing.T) {
	f := newFixture(t, false)
	f.order("sr1", "FIXED")
	f.order("sr2", "NOPE")
	f.order("sr3", "FIXED")
	f.weight("w1", 25, testNow)
	e, _ := newTestServer(t, f)

	hook := `{
	  "hook": "order-select",
	  "hookInstance": "h-1",
	  "fhirServer": "http://ehr.test/fhir/",
	  "fhirAuthorization": {"access_token": "ehr-token", "token_type": "Bearer"},
	  "context": {
	    "userId": "Practitioner/1",
	    "patientId": "p1",
	    "selections": ["ServiceRequest/sr1", "ServiceRequest/sr2"],
	    "draftOrders": {"resourceType": "Bundle", "type": "collection", "entry": [
	      {"resource": {"resourceType": "ServiceRequest", "id": "sr1"}},
	      {"resource": {"resourceType": "ServiceRequest", "id": "sr2"}},
	      {"resource": {"resourceType": "ServiceRequest", "id": "sr3"}}
	    ]}
	  }
	}`
	rec := post(e, "/cds-services/nm-dose", hook, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp fhir.CDSHookResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Cards) != 2 {
		t.Fatalf("expected a card per selected order, got %d", len(resp.Cards))
	}
	if resp.Cards[0].Indicator != fhir.IndicatorInfo || !strings.Contains(resp.Cards[0].Summary, "125.0 MBq") {
		t.Errorf("unexpected first card %+v", resp.Cards[0])
	}
	if resp.Cards[1].Indicator != fhir.IndicatorWarning || !strings.Contains(resp.Cards[1].Detail, "NOPE") {
		t.Errorf("unexpected second card %+v", resp.Cards[1])
	}
	if f.dialed[0] != "http://ehr.test/fhir|ehr-token" {
		t.Errorf("expected the hook's server and token, got %s", f.dialed[0])
	}
}

func TestHandler_Discovery(t *testing.T) {
	f := newFixture(t, false)
	e, _ := newTestServer(t, f)

	req := httptest.NewRequest(http.MethodGet, "/cds-services", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	var body struct {
		Services []fhir.CDSService `json:"services"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Services) != 1 || body.Services[0].ID != ServiceID || body.Services[0].Hook != fhir.HookOrderSelect {
		t.Errorf("unexpected discovery %+v", body.Services)
	}
}

func TestCard(t *testing.T) {
	ok := &Response{
		Status:              StatusOK,
		Guideline:           "G",
		RuleSetVersion:      "v1",
		StudyKey:            "K",
		Radiopharmaceutical: nil,
		Inputs:              &Inputs{WeightKg: 20},
		Recommendation:      &dose.Recommendation{RecommendedMBq: 100, ChosenMBqPerKg: 5, RawCalculatedMBq: 100, MaxMBq: 200, ClampReason: dose.ClampNone},
	}
	stale := *ok
	stale.staleWeight = true
	stale.Warnings = []string{"Body weight is older than 90 days."}

	tests := []struct {
		name string
		resp *Response
		want string
	}{
		{"ok", ok, fhir.IndicatorInfo},
		{"stale", &stale, fhir.IndicatorWarning},
		{"missing", &Response{Status: StatusMissingData, Missing: []string{"weightKg"}, Message: "m"}, fhir.IndicatorWarning},
		{"unsupported", &Response{Status: StatusUnsupported, Message: "m"}, fhir.IndicatorWarning},
		{"error", &Response{Status: StatusError, Message: "m"}, fhir.IndicatorCritical},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			card := Card("sr1", tt.resp)
			if card.Indicator != tt.want {
				t.Errorf("expected %s, got %s", tt.want, card.Indicator)
			}
			if card.UUID == "" || card.Summary == "" || utf8.RuneCountInString(card.Summary) > 140 {
				t.Errorf("malformed card %+v", card)
			}
			if !strings.Contains(card.Detail, "ServiceRequest/sr1") {
				t.Errorf("detail must name the order, got %q", card.Detail)
			}
		})
	}
	if !strings.Contains(Card("sr1", &stale).Detail, "older than 90 days") {
		t.Error("warnings belong in the detail")
	}
}

func TestCard_LongSummaryKeepsRunes(t *testing.T) {
	resp := &Response{
		Status:              StatusOK,
		Radiopharmaceutical: &rules.Radiopharmaceutical{Code: "X", Display: strings.Repeat("¹⁸F-fluorodésoxyglucose ", 8)},
		Inputs:              &Inputs{WeightKg: 20},
		Recommendation:      &dose.Recommendation{RecommendedMBq: 100, ChosenMBqPerKg: 5, RawCalculatedMBq: 100, MaxMBq: 200},
	}
	card := Card("sr1", resp)
	if !utf8.ValidString(card.Summary) {
		t.Fatalf("summary is not valid UTF-8: %q", card.Summary)
	}
	if n := utf8.RuneCountInString(card.Summary); n != 140 {
		t.Errorf("expected a 140 character summary, got %d", n)
	}
	if !strings.HasSuffix(card.Summary, "...") {
		t.Errorf("expected an ellipsis, got %q", card.Summary)
	}
}

func TestHandler_Feedback(t *testing.T) {
	f := newFixture(t, false)
	e, _ := newTestServer(t, f)

	rec := post(e, "/cds-services/nm-dose/feedback", `{"card":"c-1","outcome":"accepted"}`, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	rec = post(e, "/cds-services/nm-dose/feedback", `{"card":`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for a malformed body, got %d", rec.Code)
	}
}
