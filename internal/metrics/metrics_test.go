package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	dto "github.com/prometheus/client_model/go"
	"github.com/shopspring/decimal"
)

func TestUnits(t *testing.T) {
	if got := Units(decimal.NewFromInt(1_500000), 6); got != 1.5 {
		t.Errorf("expected 1.5, got %v", got)
	}
	if got := Units(decimal.NewFromInt(5), 0); got != 5 {
		t.Errorf("expected 5, got %v", got)
	}
}

func TestMiddlewareLabelsByRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/accounts/{address}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	before := count(t, HTTPRequestsTotal.WithLabelValues("GET", "/accounts/{address}", "418"))
	for _, addr := range []string{"0xa", "0xb"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/accounts/"+addr, nil))
	}
	after := count(t, HTTPRequestsTotal.WithLabelValues("GET", "/accounts/{address}", "418"))
	if after-before != 2 {
		t.Errorf("expected 2 requests under the route pattern, got %v", after-before)
	}
}

func count(t *testing.T, c interface{ Write(*dto.Metric) error }) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("read counter: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestStatusWriterHijack(t *testing.T) {
	sw := &statusWriter{ResponseWriter: httptest.NewRecorder()}
	if _, _, err := sw.Hijack(); err == nil {
		t.Error("recorder cannot be hijacked; expected an error")
	}
}
