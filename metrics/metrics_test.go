package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersAllMetrics(t *testing.T) {
	m := New()
	m.CommandsDispatched.WithLabelValues("HandleMessage").Inc()
	m.ChainLength.Set(3)

	require.Equal(t, float64(1), testutil.ToFloat64(m.CommandsDispatched.WithLabelValues("HandleMessage")))
	require.Equal(t, float64(3), testutil.ToFloat64(m.ChainLength))

	families, err := m.Registry().Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)
}
