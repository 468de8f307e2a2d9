package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics_RegistersAgainstRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics("test", reg)

	m.TokenRefreshes.WithLabelValues("success").Inc()
	m.CallbacksReceived.WithLabelValues("published").Add(2)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.TokenRefreshes.WithLabelValues("success")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.CallbacksReceived.WithLabelValues("published")))

	families, err := reg.Gather()
	require.NoError(t, err)

	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "test_token_refreshes_total")
	assert.Contains(t, names, "test_callbacks_received_total")
}

func TestNewMetrics_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewMetrics("dup", reg)

	assert.Panics(t, func() { NewMetrics("dup", reg) })
}
