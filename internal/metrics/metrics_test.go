package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordDispatch(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RecordDispatch("agent.run", "succeeded", 1.2)
	m.RecordDispatch("agent.run", "succeeded", 0.4)
	m.RecordDispatch("connector.action", "failed", 0.1)

	expected := `
		# HELP gateway_dispatches_total Completed workflow dispatches by kind and status
		# TYPE gateway_dispatches_total counter
		gateway_dispatches_total{kind="agent.run",status="succeeded"} 2
		gateway_dispatches_total{kind="connector.action",status="failed"} 1
	`
	require.NoError(t, testutil.CollectAndCompare(m.DispatchCounter, strings.NewReader(expected)))
	assert.Equal(t, 2, testutil.CollectAndCount(m.DispatchDuration))
}

func TestSocketGauge(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.SocketOpened("executor")
	m.SocketOpened("executor")
	m.SocketOpened("client")
	m.SocketClosed("executor")

	assert.Equal(t, float64(1), testutil.ToFloat64(m.Sockets.WithLabelValues("executor")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Sockets.WithLabelValues("client")))
}

func TestRecordErrorSkipsEmptyCode(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RecordError("")
	m.RecordError("ORG_QUOTA_EXCEEDED")

	assert.Equal(t, 1, testutil.CollectAndCount(m.ErrorCounter))
}
