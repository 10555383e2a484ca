package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	return New(reg, reg)
}

func TestTenantRecorder_CountsPerTenant(t *testing.T) {
	m := newTestMetrics()
	a := m.ForTenant("school-1")
	b := m.ForTenant("school-2")

	a.CycleCompleted("ok")
	a.CycleCompleted("ok")
	a.CycleCompleted("offline")
	b.CycleCompleted("ok")
	a.EventDelivered("acknowledged")
	a.CacheRequest("hit")
	a.CacheRequest("miss")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.SyncCycles.WithLabelValues("school-1", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SyncCycles.WithLabelValues("school-1", "offline")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SyncCycles.WithLabelValues("school-2", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsDelivered.WithLabelValues("school-1", "acknowledged")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheRequests.WithLabelValues("school-1", "hit")))
}

func TestTenantRecorder_OutboxDepthIsGauge(t *testing.T) {
	m := newTestMetrics()
	r := m.ForTenant("school-1")

	r.OutboxDepth(5, 2)
	r.OutboxDepth(3, 1)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.OutboxPending.WithLabelValues("school-1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConflictsOpen.WithLabelValues("school-1")))
}

func TestForget_DropsTenantSeries(t *testing.T) {
	m := newTestMetrics()
	m.ForTenant("school-1").CycleCompleted("ok")
	m.ForTenant("school-2").CycleCompleted("ok")

	m.Forget("school-1")

	assert.Equal(t, 1, testutil.CollectAndCount(m.SyncCycles))
}

func TestHandler_ServesExposition(t *testing.T) {
	m := newTestMetrics()
	m.ForTenant("school-1").OutboxDepth(4, 0)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), `tether_outbox_pending{tenant="school-1"} 4`))
}
