package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nlipgo-dev/nlipgo/envelope"
)

// scriptedTransport fails the first failCalls round trips with err, then
// answers every call with the canned response body.
type scriptedTransport struct {
	mu        sync.Mutex
	calls     int
	failCalls int
	err       error
	body      []byte
}

func (st *scriptedTransport) RoundTrip(_ *http.Request) (*http.Response, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.calls++
	if st.calls <= st.failCalls {
		return nil, st.err
	}
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(bytes.NewReader(st.body)),
	}, nil
}

func (st *scriptedTransport) callCount() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.calls
}

func encodeReply(t *testing.T, text string) []byte {
	t.Helper()
	data, err := envelope.Encode(envelope.NewText(text))
	require.NoError(t, err)
	return data
}

func fastRetryClient(rt http.RoundTripper) *Client {
	return NewClient(
		WithHTTPClient(&http.Client{Transport: rt}),
		WithRetryPolicy(RetryPolicy{MaxRetries: 2, BackoffBase: time.Millisecond}),
	)
}

func TestSendSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, Endpoint, r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		inbound, err := envelope.Decode(mustReadAll(t, r.Body))
		require.NoError(t, err)

		data, err := envelope.Encode(envelope.Reply(inbound, envelope.FormatText, envelope.SubformatEnglish, []byte("pong")))
		require.NoError(t, err)
		_, _ = w.Write(data)
	}))
	defer srv.Close()

	client := NewClient()
	out := envelope.NewText("ping")

	reply, err := client.Send(context.Background(), srv.URL, out)
	require.NoError(t, err)
	assert.Equal(t, "pong", reply.Text())
	assert.Equal(t, out.CorrelationID, reply.CorrelationID)
}

func TestSendRetriesUnreachableThenSucceeds(t *testing.T) {
	st := &scriptedTransport{
		failCalls: 2,
		err:       errors.New("dial tcp: connection refused"),
		body:      encodeReply(t, "eventually"),
	}
	client := fastRetryClient(st)

	reply, err := client.Send(context.Background(), "http://worker.local:9", envelope.NewText("hello"))
	require.NoError(t, err)
	assert.Equal(t, "eventually", reply.Text())
	assert.Equal(t, 3, st.callCount())
}

func TestSendUnreachableExhaustsRetries(t *testing.T) {
	st := &scriptedTransport{
		failCalls: 10,
		err:       errors.New("dial tcp: connection refused"),
	}
	client := fastRetryClient(st)

	_, err := client.Send(context.Background(), "http://worker.local:9", envelope.NewText("hello"))
	require.Error(t, err)

	te, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, Unreachable, te.Kind)
	assert.Equal(t, 3, te.Attempts)
	// 1 initial attempt + MaxRetries, never more.
	assert.Equal(t, 3, st.callCount())
}

func TestSendTimeoutNotRetried(t *testing.T) {
	st := &scriptedTransport{
		failCalls: 10,
		err:       context.DeadlineExceeded,
	}
	client := fastRetryClient(st)

	_, err := client.Send(context.Background(), "http://worker.local:9", envelope.NewText("hello"))
	require.Error(t, err)

	te, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, Timeout, te.Kind)
	assert.Equal(t, 1, st.callCount())
}

func TestSendStatusErrorNotRetried(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		writeError(w, http.StatusTooManyRequests, "rate_limited", "slow down")
	}))
	defer srv.Close()

	client := NewClient(WithRetryPolicy(RetryPolicy{MaxRetries: 2, BackoffBase: time.Millisecond}))

	_, err := client.Send(context.Background(), srv.URL, envelope.NewText("hello"))
	require.Error(t, err)

	se, ok := AsStatusError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusTooManyRequests, se.StatusCode)
	assert.Equal(t, "rate_limited", se.ErrorKind)
	assert.Equal(t, "slow down", se.Message)
	assert.Equal(t, 1, calls)
}

func TestSendNonJSONErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	client := NewClient()

	_, err := client.Send(context.Background(), srv.URL, envelope.NewText("hello"))
	require.Error(t, err)

	se, ok := AsStatusError(err)
	require.True(t, ok)
	assert.Equal(t, "upstream", se.ErrorKind)
	assert.Equal(t, "bad gateway", se.Message)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, Timeout, classify(context.DeadlineExceeded))
	assert.Equal(t, Unreachable, classify(errors.New("connection refused")))
}

func mustReadAll(t *testing.T, r io.Reader) []byte {
	t.Helper()
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	return data
}
