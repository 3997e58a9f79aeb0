package db

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

type fakePinger struct{ err error }

func (f fakePinger) Ping(ctx context.Context) error { return f.err }

func TestHealthHandler(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantCode   int
		wantStatus string
	}{
		{"healthy", nil, http.StatusOK, "healthy"},
		{"unhealthy", errors.New("connection refused"), http.StatusServiceUnavailable, "unhealthy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			rec := httptest.NewRecorder()
			c := e.NewContext(httptest.NewRequest(http.MethodGet, "/health/db", nil), rec)

			if err := HealthHandler("sqlite", fakePinger{err: tt.err})(c); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if rec.Code != tt.wantCode {
				t.Errorf("expected %d, got %d", tt.wantCode, rec.Code)
			}
			var body map[string]any
			json.Unmarshal(rec.Body.Bytes(), &body)
			if body["status"] != tt.wantStatus || body["backend"] != "sqlite" {
				t.Errorf("unexpected body %v", body)
			}
			if _, ok := body["pool"]; ok {
				t.Error("expected no pool stats for non-pgx backend")
			}
		})
	}
}

func TestPoolStats_JSONTags(t *testing.T) {
	data, _ := json.Marshal(&PoolStats{TotalConns: 3, MaxConns: 10})
	var m map[string]any
	json.Unmarshal(data, &m)
	if m["total_conns"] != float64(3) || m["max_conns"] != float64(10) {
		t.Errorf("unexpected json %s", data)
	}
}
