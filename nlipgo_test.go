package nlipgo

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nlipgo-dev/nlipgo/transport"
)

// fakeFileReader serves config content from memory.
type fakeFileReader struct {
	files map[string][]byte
}

func (f *fakeFileReader) ReadFile(path string) ([]byte, error) {
	data, ok := f.files[path]
	if !ok {
		return nil, fmt.Errorf("file not found: %s", path)
	}
	return data, nil
}

func TestLoadCoordinatorConfig(t *testing.T) {
	fr := &fakeFileReader{files: map[string][]byte{
		"coordinator.yaml": []byte(`
role: coordinator
listen: ":8012"
ops_port: 9012
request_timeout: 30s
transport:
  timeout: 60s
  max_retries: 2
  backoff_base: 200ms
agents:
  - name: workers
    address: http://localhost:8013
    capabilities: [news, stock, weather]
probe:
  enabled: true
  schedule: "@every 30s"
`),
	}}

	config, err := NewConfigLoader(fr).LoadConfig("coordinator.yaml")
	require.NoError(t, err)

	assert.Equal(t, RoleCoordinator, config.Role)
	assert.Equal(t, ":8012", config.Listen)
	assert.Equal(t, 9012, config.OpsPort)
	assert.Equal(t, "30s", config.RequestTimeout)
	require.Len(t, config.Agents, 1)
	assert.Equal(t, []string{"news", "stock", "weather"}, config.Agents[0].Capabilities)
	assert.True(t, config.Probe.Enabled)
}

func TestLoadWorkerConfig(t *testing.T) {
	fr := &fakeFileReader{files: map[string][]byte{
		"worker.yaml": []byte(`
role: worker
listen: ":8013"
capabilities: [stock]
cache:
  addr: localhost:6379
  ttl: 60s
`),
	}}

	config, err := NewConfigLoader(fr).LoadConfig("worker.yaml")
	require.NoError(t, err)

	assert.Equal(t, RoleWorker, config.Role)
	assert.Equal(t, []string{"stock"}, config.Capabilities)
	assert.Equal(t, "localhost:6379", config.Cache.Addr)
}

func TestLoadConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown role", "role: oracle\nlisten: \":1\"\n"},
		{"coordinator without agents", "role: coordinator\nlisten: \":1\"\n"},
		{"worker without capabilities", "role: worker\nlisten: \":1\"\n"},
		{"missing listen", "role: worker\ncapabilities: [news]\n"},
		{"bad duration", "role: worker\nlisten: \":1\"\ncapabilities: [news]\nrequest_timeout: soon\n"},
		{"not yaml", "{{{{"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fr := &fakeFileReader{files: map[string][]byte{"c.yaml": []byte(tt.yaml)}}
			_, err := NewConfigLoader(fr).LoadConfig("c.yaml")
			assert.Error(t, err)
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	fr := &fakeFileReader{files: map[string][]byte{}}
	_, err := NewConfigLoader(fr).LoadConfig("nope.yaml")
	assert.Error(t, err)
}

func TestDuration(t *testing.T) {
	assert.Equal(t, 30*time.Second, duration("", 30*time.Second))
	assert.Equal(t, 5*time.Second, duration("5s", 30*time.Second))
	assert.Equal(t, 30*time.Second, duration("garbage", 30*time.Second))
}

func TestRetryPolicyOverrides(t *testing.T) {
	policy := retryPolicy(TransportConfig{})
	assert.Equal(t, transport.DefaultRetryPolicy(), policy)

	zero := 0
	policy = retryPolicy(TransportConfig{MaxRetries: &zero, BackoffBase: "50ms"})
	assert.Equal(t, 0, policy.MaxRetries)
	assert.Equal(t, 50*time.Millisecond, policy.BackoffBase)
}

func TestBuildAdapters(t *testing.T) {
	t.Setenv("NEWS_API_KEY", "k")

	adapters, err := buildAdapters([]string{"news", "stock", "weather"})
	require.NoError(t, err)
	require.Len(t, adapters, 3)
	assert.Equal(t, "news", adapters[0].Capability())
	assert.Equal(t, "stock", adapters[1].Capability())
	assert.Equal(t, "weather", adapters[2].Capability())
}

func TestBuildAdaptersMissingRequiredKey(t *testing.T) {
	t.Setenv("NEWS_API_KEY", "")

	_, err := buildAdapters([]string{"news"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NEWS_API_KEY")
}

func TestBuildAdaptersUnknownCapability(t *testing.T) {
	_, err := buildAdapters([]string{"astrology"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "astrology")
}
