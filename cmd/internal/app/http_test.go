package app

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func newOpsMux(t *testing.T, cfg Config, listening bool) (*http.ServeMux, *atomic.Bool) {
	t.Helper()

	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "ops_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Add(3)

	var flag atomic.Bool
	flag.Store(listening)

	mux := http.NewServeMux()
	registerHTTP(mux, opsDeps{
		cfg:       cfg,
		log:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		registry:  reg,
		listening: &flag,
	})
	return mux, &flag
}

func get(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(method, path, nil))
	return rr
}

func TestOpsEndpoints(t *testing.T) {
	t.Parallel()

	mux, listening := newOpsMux(t, DefaultConfig(), true)

	if rr := get(t, mux, http.MethodGet, "/healthz"); rr.Code != http.StatusOK || rr.Body.String() != "ok\n" {
		t.Fatalf("healthz: %d %q", rr.Code, rr.Body.String())
	}
	if rr := get(t, mux, http.MethodPost, "/healthz"); rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("healthz POST: %d", rr.Code)
	}
	if rr := get(t, mux, http.MethodGet, "/readyz"); rr.Code != http.StatusOK {
		t.Fatalf("readyz: %d", rr.Code)
	}

	listening.Store(false)
	if rr := get(t, mux, http.MethodGet, "/readyz"); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz without listener: %d", rr.Code)
	}

	rr := get(t, mux, http.MethodGet, "/metrics")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "ops_test_total 3") {
		t.Fatalf("metrics: %d %q", rr.Code, rr.Body.String())
	}
}

func TestReadyz_RequireDB(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.ReadinessRequireDB = true
	mux, _ := newOpsMux(t, cfg, true)

	rr := get(t, mux, http.MethodGet, "/readyz")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without db, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "db not configured") {
		t.Fatalf("unexpected body %q", rr.Body.String())
	}
}
