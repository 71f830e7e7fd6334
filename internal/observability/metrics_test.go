package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountFailure_IncrementsStage(t *testing.T) {
	before := testutil.ToFloat64(SideEffectFailures.WithLabelValues("publish"))
	CountFailure("publish")
	CountFailure("publish")
	if got := testutil.ToFloat64(SideEffectFailures.WithLabelValues("publish")); got != before+2 {
		t.Fatalf("publish failures = %v; want %v", got, before+2)
	}
}

func TestDomainCollectors_Registered(t *testing.T) {
	// Registering again must collide with the init registration.
	if err := prometheus.Register(ActiveSessions); err == nil {
		t.Fatalf("expected ActiveSessions to be registered already")
	}
}

func TestTracer_NamespacesComponent(t *testing.T) {
	if Tracer("services/session") == nil {
		t.Fatalf("expected a tracer")
	}
}

