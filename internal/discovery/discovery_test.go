package discovery

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/careagent/neuron/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDisabledAdvertiserIsNoop(t *testing.T) {
	a := New(config.LocalNetworkConfig{Enabled: false}, "Test Clinic", 3000, "1234567893", testLogger())
	require.NoError(t, a.Init(context.Background()))
	require.NoError(t, a.Health(context.Background()))
	require.NoError(t, a.Shutdown(context.Background()))
}
