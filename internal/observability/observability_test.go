package observability

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsHandlerExposesProcdSeries(t *testing.T) {
	RecordDispatchStart("HelloWorld")
	RecordDispatch("HelloWorld", "idle", "ok", 10*time.Millisecond)
	RecordStateTransition("HelloWorld", "terminated")
	RecordHookExecution("process:create", time.Millisecond, true)
	RecordQueueEnqueue("main", 1)

	rec := httptest.NewRecorder()
	MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, "procd_dispatch_total")
	assert.Contains(t, body, "procd_state_transitions_total")
	assert.Contains(t, body, "procd_hook_total")
	assert.Contains(t, body, "procd_queue_size")
}

func TestAuditLoggerRecord(t *testing.T) {
	var buf bytes.Buffer
	prev := GetAuditLogger()
	SetAuditLogger(NewAuditLogger(zerolog.New(&buf)))
	defer SetAuditLogger(prev)

	RecordProcessAudit(context.Background(), "process:create", "HelloWorld/p1", "success", map[string]interface{}{"state": "uninitialized"})

	out := buf.String()
	assert.Contains(t, out, `"type":"process"`)
	assert.Contains(t, out, `"actor":"HelloWorld/p1"`)
	assert.Contains(t, out, `"action":"process:create"`)
	assert.Contains(t, out, `"state":"uninitialized"`)
	assert.NotContains(t, out, "trace_id")
}

func TestInitAuditLoggerWritesFile(t *testing.T) {
	prev := GetAuditLogger()
	defer SetAuditLogger(prev)

	path := filepath.Join(t.TempDir(), "audit.log")
	require.NoError(t, InitAuditLogger(path))
	RecordConfigAudit(context.Background(), "config:load", "procd", nil)
	require.NoError(t, GetAuditLogger().Close())
	require.NoError(t, GetAuditLogger().Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"action":"config:load"`)
}

func TestMetricsOnPrivateRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := newMetrics(reg)

	m.laneDone.WithLabelValues("HelloWorld/p1", resultLabel(true)).Inc()
	m.laneDone.WithLabelValues("HelloWorld/p1", resultLabel(false)).Inc()
	m.laneDone.WithLabelValues("main", resultLabel(true)).Inc()
	m.sweeps.Inc()

	families, err := reg.Gather()
	require.NoError(t, err)
	series := map[string]int{}
	for _, fam := range families {
		series[fam.GetName()] = len(fam.GetMetric())
	}
	assert.Equal(t, 3, series["procd_dequeue_total"])
	assert.Equal(t, 1, series["procd_retention_sweeps_total"])

	assert.Equal(t, 2, m.laneDone.DeletePartialMatch(prometheus.Labels{"lane": "HelloWorld/p1"}))
}
