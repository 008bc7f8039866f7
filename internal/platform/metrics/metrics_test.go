package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountersAccumulate(t *testing.T) {
	m := New()
	m.PinAttempt("ok")
	m.PinAttempt("wrong")
	m.PinAttempt("wrong")
	m.RotationRecord("identity_bundle", "succeeded")
	m.SetSessionEntries(3)

	if got := testutil.ToFloat64(m.pinAttempts.WithLabelValues("wrong")); got != 2 {
		t.Fatalf("wrong attempts = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.rotation.WithLabelValues("identity_bundle", "succeeded")); got != 1 {
		t.Fatalf("rotation count = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.sessionEntries); got != 3 {
		t.Fatalf("session entries = %v, want 3", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.PinAttempt("ok")
	m.CryptoFailure("forged")
	m.RecordError("api")
	m.SetSessionEntries(1)
}

func TestRegistriesAreIndependent(t *testing.T) {
	a, b := New(), New()
	a.CryptoFailure("tampered")
	if got := testutil.ToFloat64(b.cryptoFailures.WithLabelValues("tampered")); got != 0 {
		t.Fatalf("registries leaked state: %v", got)
	}
}
