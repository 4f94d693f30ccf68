package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterIsIdempotent(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, Register(reg))
	require.NoError(t, Register(reg))
}

func TestCountersAccumulate(t *testing.T) {
	before := testutil.ToFloat64(ReindexBatches.WithLabelValues("metrics_test", "ok"))
	ReindexBatches.WithLabelValues("metrics_test", "ok").Inc()
	ReindexBatches.WithLabelValues("metrics_test", "ok").Inc()
	assert.Equal(t, before+2, testutil.ToFloat64(ReindexBatches.WithLabelValues("metrics_test", "ok")))
}
