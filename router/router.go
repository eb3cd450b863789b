// Package router implements the coordinator's delegation logic: plan an
// incoming request into subtasks, dispatch them to workers in parallel,
// and aggregate the results with partial-failure semantics.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/nlipgo-dev/nlipgo/envelope"
	"github.com/nlipgo-dev/nlipgo/internal/observability"
	obsmetrics "github.com/nlipgo-dev/nlipgo/pkg/observability"
	"github.com/nlipgo-dev/nlipgo/registry"
	"github.com/nlipgo-dev/nlipgo/transport"
)

// DefaultRequestTimeout bounds one delegated request end to end,
// independent of per-subtask transport timeouts.
const DefaultRequestTimeout = 30 * time.Second

// Metadata keys on the combined reply envelope.
const (
	StatusMetadataKey = "status"
	TraceMetadataKey  = "trace"
)

// Aggregation statuses.
const (
	StatusOK      = "ok"
	StatusPartial = "partial"
	StatusError   = "error"
)

// Request lifecycle states, recorded in order on the reply's trace metadata.
const (
	stateReceived    = "received"
	statePlanned     = "planned"
	stateDispatched  = "dispatched"
	stateAggregating = "aggregating"
	stateCompleted   = "completed"
	stateFailed      = "failed"
)

// Sender dispatches one envelope to a peer address. Satisfied by the
// transport client.
type Sender interface {
	Send(ctx context.Context, address string, env *envelope.Envelope) (*envelope.Envelope, error)
}

// Aggregate is the JSON content of a combined reply envelope.
type Aggregate struct {
	Results map[string]string `json:"results"`
	Failed  []FailedSubtask   `json:"failed,omitempty"`
}

// FailedSubtask names a capability whose subtask did not produce a result.
type FailedSubtask struct {
	Capability string `json:"capability"`
	ErrorKind  string `json:"error_kind"`
}

// ParseAggregate decodes the combined content of a delegation reply.
func ParseAggregate(env *envelope.Envelope) (*Aggregate, error) {
	if env.Format != envelope.FormatStructured || env.Subformat != envelope.SubformatAggregate {
		return nil, fmt.Errorf("not an aggregate envelope: %s/%s", env.Format, env.Subformat)
	}
	var agg Aggregate
	if err := json.Unmarshal(env.Content, &agg); err != nil {
		return nil, fmt.Errorf("parse aggregate: %w", err)
	}
	return &agg, nil
}

// Router handles one coordinator's inbound requests. All per-request state
// lives on the stack of the handling goroutine; the router itself holds only
// immutable collaborators and is safe for concurrent use.
type Router struct {
	registry *registry.Registry
	planner  Planner
	sender   Sender
	timeout  time.Duration
}

// Option configures a Router.
type Option func(*Router)

// WithPlanner swaps the planning strategy.
func WithPlanner(p Planner) Option {
	return func(r *Router) { r.planner = p }
}

// WithSender substitutes the transport client (useful for testing).
func WithSender(s Sender) Option {
	return func(r *Router) { r.sender = s }
}

// WithRequestTimeout overrides the per-request deadline.
func WithRequestTimeout(d time.Duration) Option {
	return func(r *Router) { r.timeout = d }
}

// New creates a Router resolving capabilities against reg.
func New(reg *registry.Registry, opts ...Option) *Router {
	r := &Router{
		registry: reg,
		planner:  NewKeywordPlanner(),
		sender:   transport.NewClient(),
		timeout:  DefaultRequestTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// subtaskOutcome is the per-subtask slot filled during dispatch.
type subtaskOutcome struct {
	capability string
	payload    string
	errorKind  string
	ok         bool
}

// Handle runs one request through the delegation state machine. It always
// answers with an envelope; delegation failures are reported through the
// reply's status metadata rather than a wire error, so the caller still
// receives whatever partial results were collected.
func (r *Router) Handle(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	ctx, span := observability.StartSpanWithOtel(ctx, "router.handle",
		trace.WithAttributes(
			attribute.String("envelope.correlation_id", env.CorrelationID),
		),
	)
	defer span.End()

	states := []string{stateReceived}

	plan, err := r.planner.Plan(ctx, env)
	if err != nil {
		span.RecordError(err)
		obsmetrics.RecordDelegation(StatusError)
		states = append(states, stateFailed)
		return r.failureReply(env, states, fmt.Sprintf("planning failed: %v", err)), nil
	}
	states = append(states, statePlanned)
	span.SetAttributes(attribute.Int("router.subtasks", len(plan.Subtasks)))

	// Zero subtasks: answer directly, transport never involved.
	if len(plan.Subtasks) == 0 {
		states = append(states, stateCompleted)
		obsmetrics.RecordDelegation(StatusOK)
		reply := envelope.Reply(env, envelope.FormatText, envelope.SubformatEnglish, []byte(plan.DirectAnswer))
		reply.WithMetadata(StatusMetadataKey, StatusOK)
		reply.WithMetadata(TraceMetadataKey, strings.Join(states, ","))
		return reply, nil
	}

	states = append(states, stateDispatched)
	outcomes := r.dispatch(ctx, plan)

	states = append(states, stateAggregating)
	status, agg := aggregate(outcomes)

	if status == StatusError {
		states = append(states, stateFailed)
	} else {
		states = append(states, stateCompleted)
	}
	obsmetrics.RecordDelegation(status)
	log.Printf("[Router] request %s: %d subtask(s), status=%s", env.CorrelationID, len(plan.Subtasks), status)

	content, err := json.Marshal(agg)
	if err != nil {
		return nil, fmt.Errorf("encode aggregate: %w", err)
	}
	reply := envelope.Reply(env, envelope.FormatStructured, envelope.SubformatAggregate, content)
	reply.WithMetadata(StatusMetadataKey, status)
	reply.WithMetadata(TraceMetadataKey, strings.Join(states, ","))
	return reply, nil
}

// dispatch sends every subtask in parallel and collects each outcome. A
// failing subtask fills its slot with an error kind instead of aborting the
// group, so aggregation sees everything that completed.
func (r *Router) dispatch(ctx context.Context, plan *DelegationPlan) []subtaskOutcome {
	outcomes := make([]subtaskOutcome, len(plan.Subtasks))

	g, gctx := errgroup.WithContext(ctx)
	for i, sub := range plan.Subtasks {
		i, sub := i, sub
		g.Go(func() error {
			outcomes[i] = r.runSubtask(gctx, sub)
			return nil
		})
	}
	_ = g.Wait()

	return outcomes
}

func (r *Router) runSubtask(ctx context.Context, sub Subtask) subtaskOutcome {
	out := subtaskOutcome{capability: sub.Capability}

	desc, err := r.registry.Resolve(sub.Capability)
	if err != nil {
		log.Printf("[Router] subtask %s: %v", sub.Capability, err)
		out.errorKind = "not_found"
		obsmetrics.RecordSubtask(sub.Capability, out.errorKind)
		return out
	}

	reply, err := r.sender.Send(ctx, desc.Address, sub.Envelope)
	if err != nil {
		out.errorKind = errorKindFor(err)
		log.Printf("[Router] subtask %s via %s failed: %v", sub.Capability, desc.Address, err)
		obsmetrics.RecordSubtask(sub.Capability, out.errorKind)
		return out
	}

	out.ok = true
	out.payload = reply.Text()
	obsmetrics.RecordSubtask(sub.Capability, "ok")
	return out
}

// errorKindFor maps a failed subtask call onto the wire error taxonomy.
func errorKindFor(err error) string {
	if se, ok := transport.AsStatusError(err); ok && se.ErrorKind != "" {
		return se.ErrorKind
	}
	if te, ok := transport.AsError(err); ok {
		return string(te.Kind)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return string(transport.Timeout)
	}
	return "upstream"
}

// aggregate folds subtask outcomes into a combined result. Status is ok only
// when every subtask succeeded, partial when at least one did, and error when
// none did.
func aggregate(outcomes []subtaskOutcome) (string, *Aggregate) {
	agg := &Aggregate{Results: make(map[string]string)}
	succeeded := 0
	for _, out := range outcomes {
		if out.ok {
			succeeded++
			agg.Results[out.capability] = out.payload
			continue
		}
		agg.Failed = append(agg.Failed, FailedSubtask{Capability: out.capability, ErrorKind: out.errorKind})
	}

	switch {
	case succeeded == len(outcomes):
		return StatusOK, agg
	case succeeded > 0:
		return StatusPartial, agg
	default:
		return StatusError, agg
	}
}

// failureReply reports a request that never reached dispatch.
func (r *Router) failureReply(env *envelope.Envelope, states []string, message string) *envelope.Envelope {
	content, _ := json.Marshal(&Aggregate{
		Results: map[string]string{},
		Failed:  []FailedSubtask{{Capability: "plan", ErrorKind: "upstream"}},
	})
	reply := envelope.Reply(env, envelope.FormatStructured, envelope.SubformatAggregate, content)
	reply.WithMetadata(StatusMetadataKey, StatusError)
	reply.WithMetadata(TraceMetadataKey, strings.Join(states, ","))
	reply.WithMetadata("message", message)
	return reply
}
