package monitoring

import (
	"context"
	"testing"

	"vms-recorder/metrics"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitorUsage(t *testing.T) {
	logger, _ := test.NewNullLogger()
	m, err := NewMonitor(logger)
	require.NoError(t, err)

	usage, err := m.Usage(context.Background())
	require.NoError(t, err)
	assert.Positive(t, usage.MemoryUsedMB)
	assert.Positive(t, usage.MemoryTotalMB)
	assert.Positive(t, usage.NumGoroutines)

	m.Run(context.Background())
	assert.Positive(t, testutil.ToFloat64(metrics.ProcessRSSBytes))
	assert.Positive(t, testutil.ToFloat64(metrics.Goroutines))
}
