package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/accessprobe/scand/internal/config"
)

func TestInitWithoutProject(t *testing.T) {
	cfg := config.TelemetryConfig{ServiceName: "scand-test", ServiceVersion: "test"}

	tp, mp, err := Init(context.Background(), cfg)
	require.NoError(t, err)
	require.NotNil(t, tp)
	require.NotNil(t, mp)

	// Later calls hand back the providers from the first.
	tp2, mp2, err := Init(context.Background(), cfg)
	require.NoError(t, err)
	require.Same(t, tp, tp2)
	require.Same(t, mp, mp2)

	require.NoError(t, tp.Shutdown(context.Background()))
	require.NoError(t, mp.Shutdown(context.Background()))
}
