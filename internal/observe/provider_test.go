package observe

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitProviderReturnsWorkingShutdown(t *testing.T) {
	// Registers into the process-wide Prometheus registry, so this runs
	// once per test binary.
	shutdown, err := InitProvider(ProviderConfig{
		ServiceName:    "waggle-test",
		ServiceVersion: "0.0.1",
	})
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))
}
