package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveOperation("create", "ok", time.Millisecond)
	m.Transition("pending", "matched")
	m.Settlement("mutual")
	m.LockContended()
	m.SweeperClaim("expired", "ok")
	m.HTTPRequest("GET", 200)
	m.WSClients(3)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCountersAndHandler(t *testing.T) {
	m := New()
	m.ObserveOperation("rate", "ok", 2*time.Millisecond)
	m.ObserveOperation("rate", "precondition_violation", time.Millisecond)
	m.Transition("accepted", "completed")
	m.Transition("pending", "pending")
	m.Settlement("forfeit")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.operations.WithLabelValues("rate", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.transitions.WithLabelValues("accepted", "completed")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.transitions.WithLabelValues("pending", "pending")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.settlements.WithLabelValues("forfeit")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "stakeswap_operations_total"))
}
