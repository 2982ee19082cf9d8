package observability

import (
	"log/slog"
	"os"
	"testing"

	"github.com/jkaninda/vizbox/internal/config"
)

func TestNewNilConfig(t *testing.T) {
	obs, err := New(nil, slog.New(slog.NewTextHandler(os.Stderr, nil)))
	if err != nil {
		t.Fatalf("New(nil): %v", err)
	}
	if obs != nil {
		t.Error("expected nil Observability for nil config")
	}
}

func TestNewMetricsOnly(t *testing.T) {
	cfg := &config.ObservabilityConfig{
		Metrics: &config.MetricsConfig{Enabled: true},
	}
	obs, err := New(cfg, slog.New(slog.NewTextHandler(os.Stderr, nil)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if obs.Metrics == nil {
		t.Fatal("Metrics not initialized")
	}
	if obs.Tracer != nil {
		t.Error("Tracer should be nil when tracing disabled")
	}

	// Metrics must be usable immediately.
	obs.Metrics.ExecutionsTotal.WithLabelValues("completed").Inc()
	obs.Metrics.ActiveExecutions.Inc()
	obs.Metrics.ActiveExecutions.Dec()
}

func TestStatusClass(t *testing.T) {
	tests := map[int]string{200: "2xx", 204: "2xx", 404: "4xx", 500: "5xx"}
	for code, want := range tests {
		if got := statusClass(code); got != want {
			t.Errorf("statusClass(%d) = %q, want %q", code, got, want)
		}
	}
}

func TestTracerSetupDisabled(t *testing.T) {
	ts, err := NewTracerSetup(&config.TracingConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewTracerSetup: %v", err)
	}
	if ts != nil {
		t.Error("expected nil setup when disabled")
	}
	if ts.Tracer() != nil {
		t.Error("nil setup should return nil tracer")
	}
}
