package traces

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestSetupOTelSDK_InstallsProvider(t *testing.T) {
	ctx := context.Background()
	previous := otel.GetTracerProvider()
	defer otel.SetTracerProvider(previous)

	shutdown, err := SetupOTelSDK(ctx, "VSCU", "127.0.0.1:4318")
	require.NoError(t, err)

	_, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider)
	assert.True(t, ok)

	assert.NoError(t, shutdown(ctx))
	// a second call has nothing left to stop
	assert.NoError(t, shutdown(ctx))
}

func TestSetupOTelSDK_AcceptsURL(t *testing.T) {
	ctx := context.Background()
	previous := otel.GetTracerProvider()
	defer otel.SetTracerProvider(previous)

	shutdown, err := SetupOTelSDK(ctx, "VSCU", "http://collector.local:4318/v1/traces")
	require.NoError(t, err)
	assert.NoError(t, shutdown(ctx))
}
