package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsIsNoop(t *testing.T) {
	t.Parallel()
	var m *Metrics
	m.RateLimitWaited("global", time.Second)
	m.ThrottleDecision("subscribe", false)
	m.JobFinished("send_notification", "ok", time.Millisecond)
	m.SetQueueDepth(3)
}

func TestCounters(t *testing.T) {
	t.Parallel()
	m := New("test")
	m.ThrottleDecision("subscribe", false)
	m.ThrottleDecision("subscribe", false)
	m.ThrottleDecision("subscribe", true)
	m.Delivery("sent")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ThrottleDecisions.WithLabelValues("subscribe", "throttled")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ThrottleDecisions.WithLabelValues("subscribe", "allowed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Deliveries.WithLabelValues("sent")))

	// Two Metrics instances never collide: each owns its registry.
	_ = New("test")
}
