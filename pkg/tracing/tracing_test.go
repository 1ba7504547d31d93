package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_NoEndpointIsNoOp(t *testing.T) {
	p, err := New(context.Background(), Config{})
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Nil(t, p.tracerProvider)
}

func TestStartSpan_NoOpProviderStillReturnsSpan(t *testing.T) {
	p, err := New(context.Background(), Config{})
	require.NoError(t, err)

	ctx, span := p.StartSpan(context.Background(), "test.span")
	require.NotNil(t, span)
	require.NotNil(t, ctx)
	span.End()
}

func TestStartSpan_NilProviderFallsBackToGlobalTracer(t *testing.T) {
	var p *Provider
	_, span := p.StartSpan(context.Background(), "test.span")
	require.NotNil(t, span)
	span.End()
}

func TestShutdown_NilProviderIsSafe(t *testing.T) {
	var p *Provider
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestShutdown_NoOpProviderIsSafe(t *testing.T) {
	p, err := New(context.Background(), Config{})
	require.NoError(t, err)
	assert.NoError(t, p.Shutdown(context.Background()))
}
