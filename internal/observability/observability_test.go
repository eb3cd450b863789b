package observability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitDisabled(t *testing.T) {
	require.NoError(t, Init(Config{ServiceName: "test", Enabled: false}))
	require.NoError(t, Init(Config{ServiceName: "test", Enabled: true, ExporterType: "none"}))
}

func TestInitOTLPRequiresEndpoint(t *testing.T) {
	err := Init(Config{ServiceName: "test", Enabled: true, ExporterType: "otlp"})
	assert.Error(t, err)
}

func TestInitUnknownExporter(t *testing.T) {
	err := Init(Config{ServiceName: "test", Enabled: true, ExporterType: "carrier-pigeon"})
	assert.Error(t, err)
}

func TestStartSpanWithoutInit(t *testing.T) {
	// Must not panic even when Init was never called.
	ctx, span := StartSpanWithOtel(context.Background(), "test.span")
	assert.NotNil(t, ctx)
	assert.NotNil(t, span)
	span.End()
}

func TestShutdownWithoutInit(t *testing.T) {
	assert.NoError(t, Shutdown(context.Background()))
}

func TestParseHeaders(t *testing.T) {
	assert.Nil(t, parseHeaders(""))

	headers := parseHeaders("authorization=Bearer abc,x-tenant=demo")
	assert.Equal(t, "Bearer abc", headers["authorization"])
	assert.Equal(t, "demo", headers["x-tenant"])

	// Malformed pairs are skipped.
	headers = parseHeaders("novalue,key=v")
	assert.Equal(t, map[string]string{"key": "v"}, headers)
}

func TestGetEnv(t *testing.T) {
	t.Setenv("NLIPGO_TEST_ENV_KEY", "set")
	assert.Equal(t, "set", getEnv("NLIPGO_TEST_ENV_KEY", "fallback"))
	assert.Equal(t, "fallback", getEnv("NLIPGO_TEST_ENV_KEY_MISSING", "fallback"))
}
