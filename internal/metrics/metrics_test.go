package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestSetRegistrationStatusExclusive(t *testing.T) {
	SetRegistrationStatus("registered")
	require.Equal(t, float64(1), testutil.ToFloat64(RegistrationStatus.WithLabelValues("registered")))
	require.Equal(t, float64(0), testutil.ToFloat64(RegistrationStatus.WithLabelValues("pending")))

	SetRegistrationStatus("pending")
	require.Equal(t, float64(0), testutil.ToFloat64(RegistrationStatus.WithLabelValues("registered")))
	require.Equal(t, float64(1), testutil.ToFloat64(RegistrationStatus.WithLabelValues("pending")))
}
