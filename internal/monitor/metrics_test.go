package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsInitialization(t *testing.T) {
	addr := "127.0.0.1:0" // Random port
	srv := InitMetrics(addr)
	defer srv.Shutdown(context.Background())

	// Registering twice must not panic
	Register()

	ExecutorCalls.WithLabelValues("ok").Inc()
	StopAllDuration.Observe(0.5)

	time.Sleep(50 * time.Millisecond)
}

func TestMetricsValues(t *testing.T) {
	before := testutil.ToFloat64(StopAttempts.WithLabelValues("save", "failed"))
	StopAttempts.WithLabelValues("save", "failed").Inc()
	if got := testutil.ToFloat64(StopAttempts.WithLabelValues("save", "failed")); got != before+1 {
		t.Errorf("Expected %v, got %v", before+1, got)
	}

	VetoActive.Set(1)
	if testutil.ToFloat64(VetoActive) != 1 {
		t.Error("Expected veto gauge to be set")
	}
	VetoActive.Set(0)
}
