package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordHelpersAreNilSafeBeforeInit(t *testing.T) {
	ctx := context.Background()

	// Must not panic when metrics were never initialized.
	RecordHydration(ctx, "posts", "cache", 10*time.Millisecond)
	RecordImageCache(ctx, "stored", 1024)
	RecordCleanup(ctx, 3, time.Second)
	RecordRefresh(ctx, "conversations", nil)
	assert.Nil(t, PrometheusHandler())
}

func TestInitMetrics(t *testing.T) {
	ctx := context.Background()

	shutdown, err := InitMetrics(ctx, MetricsConfig{
		ServiceName:      "hydrate-test",
		EnablePrometheus: true,
	})
	require.NoError(t, err, "service attributes must merge with the SDK default resource")
	require.NotNil(t, shutdown)
	t.Cleanup(func() { _ = shutdown(ctx) })

	require.NotNil(t, PrometheusHandler())

	// Recording with live instruments must not panic either.
	RecordHydration(ctx, "posts", "network", 5*time.Millisecond)
	RecordImageCache(ctx, "hit", 0)
	RecordCleanup(ctx, 0, time.Millisecond)
	RecordRefresh(ctx, "posts", context.Canceled)

	// A second init is a no-op returning the same state.
	_, err = InitMetrics(ctx, MetricsConfig{ServiceName: "other"})
	require.NoError(t, err)
}
