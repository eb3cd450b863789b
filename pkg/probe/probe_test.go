package probe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nlipgo-dev/nlipgo/registry"
)

func TestProbeAll(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()

	sick := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer sick.Close()

	reg, err := registry.New([]registry.AgentDescriptor{
		{Name: "good", Address: healthy.URL, Capabilities: []string{"news"}},
		{Name: "bad", Address: sick.URL, Capabilities: []string{"stock"}},
	})
	require.NoError(t, err)

	p := New(reg)
	p.ProbeAll(context.Background())

	assert.True(t, p.Up(healthy.URL))
	assert.False(t, p.Up(sick.URL))
}

func TestProbeUnreachableAgent(t *testing.T) {
	gone := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	addr := gone.URL
	gone.Close()

	reg, err := registry.New([]registry.AgentDescriptor{
		{Name: "gone", Address: addr, Capabilities: []string{"weather"}},
	})
	require.NoError(t, err)

	p := New(reg)
	p.ProbeAll(context.Background())
	assert.False(t, p.Up(addr))
}

func TestProbeRecovery(t *testing.T) {
	up := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if up {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	reg, err := registry.New([]registry.AgentDescriptor{
		{Name: "flappy", Address: srv.URL, Capabilities: []string{"news"}},
	})
	require.NoError(t, err)

	p := New(reg)
	p.ProbeAll(context.Background())
	assert.False(t, p.Up(srv.URL))

	up = true
	p.ProbeAll(context.Background())
	assert.True(t, p.Up(srv.URL))
}

func TestStartRejectsBadSchedule(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	reg, err := registry.New([]registry.AgentDescriptor{
		{Name: "a", Address: srv.URL, Capabilities: []string{"news"}},
	})
	require.NoError(t, err)

	p := New(reg, WithSchedule("not a schedule"))
	assert.Error(t, p.Start())
}
