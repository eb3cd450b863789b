package router

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nlipgo-dev/nlipgo/envelope"
	"github.com/nlipgo-dev/nlipgo/registry"
	"github.com/nlipgo-dev/nlipgo/transport"
)

type senderFunc func(ctx context.Context, address string, env *envelope.Envelope) (*envelope.Envelope, error)

func (f senderFunc) Send(ctx context.Context, address string, env *envelope.Envelope) (*envelope.Envelope, error) {
	return f(ctx, address, env)
}

type plannerFunc func(ctx context.Context, env *envelope.Envelope) (*DelegationPlan, error)

func (f plannerFunc) Plan(ctx context.Context, env *envelope.Envelope) (*DelegationPlan, error) {
	return f(ctx, env)
}

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.New([]registry.AgentDescriptor{
		{Name: "stocks", Address: "http://stock.local", Capabilities: []string{"stock"}},
		{Name: "press", Address: "http://news.local", Capabilities: []string{"news"}},
		{Name: "meteo", Address: "http://weather.local", Capabilities: []string{"weather"}},
	})
	require.NoError(t, err)
	return reg
}

// echoSender answers every subtask with a payload naming its address.
func echoSender() Sender {
	return senderFunc(func(_ context.Context, address string, env *envelope.Envelope) (*envelope.Envelope, error) {
		return envelope.Reply(env, envelope.FormatText, envelope.SubformatEnglish, []byte("result from "+address)), nil
	})
}

func TestZeroSubtasksNeverTouchTransport(t *testing.T) {
	sender := senderFunc(func(context.Context, string, *envelope.Envelope) (*envelope.Envelope, error) {
		t.Error("transport must not be invoked for a zero-subtask plan")
		return nil, nil
	})
	r := New(testRegistry(t), WithSender(sender))

	reply, err := r.Handle(context.Background(), envelope.NewText("hello there"))
	require.NoError(t, err)

	assert.Equal(t, StatusOK, reply.Metadata[StatusMetadataKey])
	assert.Equal(t, "received,planned,completed", reply.Metadata[TraceMetadataKey])
	assert.NotEmpty(t, reply.Text())
}

func TestCompoundQueryAllSucceed(t *testing.T) {
	r := New(testRegistry(t), WithSender(echoSender()))
	env := envelope.NewText("Predict NVDA's stock outlook over the next 2 weeks using current price and recent news.")

	reply, err := r.Handle(context.Background(), env)
	require.NoError(t, err)

	assert.Equal(t, StatusOK, reply.Metadata[StatusMetadataKey])
	assert.Equal(t, "received,planned,dispatched,aggregating,completed", reply.Metadata[TraceMetadataKey])
	assert.Equal(t, env.CorrelationID, reply.CorrelationID)

	agg, err := ParseAggregate(reply)
	require.NoError(t, err)
	assert.Equal(t, "result from http://stock.local", agg.Results["stock"])
	assert.Equal(t, "result from http://news.local", agg.Results["news"])
	assert.Empty(t, agg.Failed)
}

func TestPartialFailure(t *testing.T) {
	sender := senderFunc(func(_ context.Context, address string, env *envelope.Envelope) (*envelope.Envelope, error) {
		if address == "http://news.local" {
			return nil, &transport.StatusError{StatusCode: 404, ErrorKind: "no_data", Message: "nothing found"}
		}
		return envelope.Reply(env, envelope.FormatText, envelope.SubformatEnglish, []byte("124.3")), nil
	})
	r := New(testRegistry(t), WithSender(sender))

	reply, err := r.Handle(context.Background(), envelope.NewText("NVDA stock price and news"))
	require.NoError(t, err)

	assert.Equal(t, StatusPartial, reply.Metadata[StatusMetadataKey])

	agg, err := ParseAggregate(reply)
	require.NoError(t, err)
	assert.Equal(t, "124.3", agg.Results["stock"])
	require.Len(t, agg.Failed, 1)
	assert.Equal(t, "news", agg.Failed[0].Capability)
	assert.Equal(t, "no_data", agg.Failed[0].ErrorKind)
}

func TestAllSubtasksFail(t *testing.T) {
	sender := senderFunc(func(context.Context, string, *envelope.Envelope) (*envelope.Envelope, error) {
		return nil, &transport.StatusError{StatusCode: 502, ErrorKind: "upstream", Message: "provider down"}
	})
	r := New(testRegistry(t), WithSender(sender))

	reply, err := r.Handle(context.Background(), envelope.NewText("NVDA stock price and news"))
	require.NoError(t, err)

	assert.Equal(t, StatusError, reply.Metadata[StatusMetadataKey])
	assert.Equal(t, "received,planned,dispatched,aggregating,failed", reply.Metadata[TraceMetadataKey])

	agg, err := ParseAggregate(reply)
	require.NoError(t, err)
	assert.Empty(t, agg.Results)
	assert.Len(t, agg.Failed, 2)
}

func TestUnresolvableCapability(t *testing.T) {
	planner := plannerFunc(func(_ context.Context, env *envelope.Envelope) (*DelegationPlan, error) {
		return &DelegationPlan{Subtasks: []Subtask{
			{Capability: "astrology", Envelope: envelope.Derive(env, []byte("scorpio"))},
		}}, nil
	})
	r := New(testRegistry(t), WithSender(echoSender()), WithPlanner(planner))

	reply, err := r.Handle(context.Background(), envelope.NewText("whatever"))
	require.NoError(t, err)

	assert.Equal(t, StatusError, reply.Metadata[StatusMetadataKey])
	agg, err := ParseAggregate(reply)
	require.NoError(t, err)
	require.Len(t, agg.Failed, 1)
	assert.Equal(t, "not_found", agg.Failed[0].ErrorKind)
}

func TestPlanningFailure(t *testing.T) {
	planner := plannerFunc(func(context.Context, *envelope.Envelope) (*DelegationPlan, error) {
		return nil, fmt.Errorf("planner exploded")
	})
	r := New(testRegistry(t), WithSender(echoSender()), WithPlanner(planner))

	reply, err := r.Handle(context.Background(), envelope.NewText("whatever"))
	require.NoError(t, err)

	assert.Equal(t, StatusError, reply.Metadata[StatusMetadataKey])
	assert.Equal(t, "received,failed", reply.Metadata[TraceMetadataKey])
	assert.Contains(t, reply.Metadata["message"], "planner exploded")
}

func TestRequestDeadlineAbandonsSubtasks(t *testing.T) {
	sender := senderFunc(func(ctx context.Context, address string, env *envelope.Envelope) (*envelope.Envelope, error) {
		if address == "http://news.local" {
			<-ctx.Done()
			return nil, &transport.Error{Kind: transport.Timeout, Addr: address, Attempts: 1, Err: ctx.Err()}
		}
		return envelope.Reply(env, envelope.FormatText, envelope.SubformatEnglish, []byte("fast")), nil
	})
	r := New(testRegistry(t), WithSender(sender), WithRequestTimeout(50*time.Millisecond))

	start := time.Now()
	reply, err := r.Handle(context.Background(), envelope.NewText("NVDA stock price and news"))
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)

	// The fast subtask still contributes; the stuck one degrades.
	assert.Equal(t, StatusPartial, reply.Metadata[StatusMetadataKey])
	agg, err := ParseAggregate(reply)
	require.NoError(t, err)
	assert.Equal(t, "fast", agg.Results["stock"])
	require.Len(t, agg.Failed, 1)
	assert.Equal(t, "timeout", agg.Failed[0].ErrorKind)
}

func TestConcurrentRequestsDoNotCrossContaminate(t *testing.T) {
	// Echo each subtask's correlation ID back as its payload.
	sender := senderFunc(func(_ context.Context, _ string, env *envelope.Envelope) (*envelope.Envelope, error) {
		return envelope.Reply(env, envelope.FormatText, envelope.SubformatEnglish, []byte(env.CorrelationID)), nil
	})
	r := New(testRegistry(t), WithSender(sender))

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			env := envelope.NewText("NVDA stock price and news")
			reply, err := r.Handle(context.Background(), env)
			if err != nil {
				errs <- err
				return
			}
			agg, err := ParseAggregate(reply)
			if err != nil {
				errs <- err
				return
			}
			for capability, payload := range agg.Results {
				if payload != env.CorrelationID {
					errs <- fmt.Errorf("result for %s carries correlation %s, want %s", capability, payload, env.CorrelationID)
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
}

func TestAggregate(t *testing.T) {
	status, agg := aggregate([]subtaskOutcome{
		{capability: "stock", ok: true, payload: "a"},
		{capability: "news", ok: true, payload: "b"},
	})
	assert.Equal(t, StatusOK, status)
	assert.Len(t, agg.Results, 2)

	status, _ = aggregate([]subtaskOutcome{
		{capability: "stock", ok: true, payload: "a"},
		{capability: "news", errorKind: "no_data"},
	})
	assert.Equal(t, StatusPartial, status)

	status, _ = aggregate([]subtaskOutcome{
		{capability: "stock", errorKind: "upstream"},
	})
	assert.Equal(t, StatusError, status)
}
