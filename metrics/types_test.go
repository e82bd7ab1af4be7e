package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricName(t *testing.T) {
	assert.Equal(t, "net_udp_frames_total", metricName("net.udp", "frames_total"))
	assert.Equal(t, "plain", metricName("", "plain"))
	assert.Equal(t, "a_b_c", metricName("a-b", "c"))
}

func TestCounters(t *testing.T) {
	IncrCounterWithGroup("test", "plain_total", 1)
	IncrCounterWithGroup("test", "plain_total", 2)
	assert.Equal(t, 3.0, testutil.ToFloat64(counterVec("test", "plain_total", nil)))

	IncrCounterWithDimGroup("test", "dim_total", 1, map[string]string{"kind": "frame"})
	IncrCounterWithDimGroup("test", "dim_total", 1, map[string]string{"kind": "frame"})
	IncrCounterWithDimGroup("test", "dim_total", 1, map[string]string{"kind": "crypto"})

	vec := counterVec("test", "dim_total", []string{"kind"})
	assert.Equal(t, 2.0, testutil.ToFloat64(vec.WithLabelValues("frame")))
	assert.Equal(t, 1.0, testutil.ToFloat64(vec.WithLabelValues("crypto")))
}

func TestGaugeAndStopwatch(t *testing.T) {
	UpdateGaugeWithGroup("test", "sessions", 5)
	AddGaugeWithGroup("test", "sessions", -2)
	assert.Equal(t, 3.0, testutil.ToFloat64(gaugeVec("test", "sessions", nil)))

	RecordStopwatchWithGroup("test", "handle", time.Now().Add(-10*time.Millisecond))
	RecordStopwatchWithDimGroup("test", "handle_dim", time.Now(), map[string]string{"msg": "Ping"})
	assert.Equal(t, 1, testutil.CollectAndCount(histogramVec("test", "handle", nil)))
}

func TestConflictingLabelsDoNotPanic(t *testing.T) {
	IncrCounterWithGroup("test", "conflict_total", 1)
	assert.NotPanics(t, func() {
		IncrCounterWithDimGroup("test", "conflict_total", 1, map[string]string{"x": "y"})
	})
}

func TestHandler(t *testing.T) {
	IncrCounterWithGroup("test", "exported_total", 1)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "gamenet_test_exported_total"))
}
