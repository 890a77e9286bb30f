package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEpochEnd(t *testing.T) {
	m := New(false)
	m.EpochEnd(3, 0.01, 1.5, 2.5, map[string]float64{"f1": 91.2}, 2)
	m.Step()
	m.Step()

	assert.Equal(t, 3.0, testutil.ToFloat64(m.Epoch))
	assert.Equal(t, 0.01, testutil.ToFloat64(m.LearningRate))
	assert.Equal(t, 91.2, testutil.ToFloat64(m.ValidScore.WithLabelValues("f1")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.BatchesTotal))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.StallCount))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.EpochEnd(1, 0, 0, 0, nil, 0)
		m.Step()
		m.Checkpoint("saved")
		m.Request("/v1/tag", "200", time.Millisecond)
		m.Tagged(4)
	})
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New(true)
	m.Request("/v1/tag", "200", 3*time.Millisecond)
	m.Tagged(9)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `seqlabel_http_requests_total{path="/v1/tag",status_code="200"} 1`)
	assert.Contains(t, string(body), "seqlabel_tagger_tokens_total 9")
	assert.Contains(t, string(body), "go_goroutines")
}
