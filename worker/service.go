package worker

import (
	"context"
	"fmt"
	"log"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nlipgo-dev/nlipgo/envelope"
	"github.com/nlipgo-dev/nlipgo/internal/observability"
	obsmetrics "github.com/nlipgo-dev/nlipgo/pkg/observability"
)

// CapabilityMetadataKey is the envelope metadata key the coordinator sets to
// name the capability a subtask targets.
const CapabilityMetadataKey = "capability"

// DefaultCacheTTL bounds how long an ok result is served from cache.
const DefaultCacheTTL = 60 * time.Second

// Service multiplexes inbound envelopes onto registered adapters. Its Handle
// method satisfies the transport server's Handler contract.
type Service struct {
	adapters map[string]Adapter
	cache    Cache
	cacheTTL time.Duration
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithCache enables response caching for ok results.
func WithCache(c Cache, ttl time.Duration) ServiceOption {
	return func(s *Service) {
		s.cache = c
		if ttl > 0 {
			s.cacheTTL = ttl
		}
	}
}

// NewService creates a Service hosting the given adapters.
func NewService(adapters []Adapter, opts ...ServiceOption) *Service {
	s := &Service{
		adapters: make(map[string]Adapter, len(adapters)),
		cacheTTL: DefaultCacheTTL,
	}
	for _, a := range adapters {
		s.adapters[a.Capability()] = a
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Capabilities returns the capabilities this service can answer.
func (s *Service) Capabilities() []string {
	caps := make([]string, 0, len(s.adapters))
	for c := range s.adapters {
		caps = append(caps, c)
	}
	return caps
}

// Handle answers one inbound envelope. The target capability comes from the
// envelope metadata; when the service hosts a single adapter, unlabelled
// envelopes fall through to it so raw clients can skip the metadata.
func (s *Service) Handle(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
	adapter, err := s.pick(env)
	if err != nil {
		return nil, err
	}
	capability := adapter.Capability()

	ctx, span := observability.StartSpanWithOtel(ctx, "worker.handle",
		trace.WithAttributes(
			attribute.String("worker.capability", capability),
			attribute.String("envelope.correlation_id", env.CorrelationID),
		),
	)
	defer span.End()

	key := cacheKey(capability, env)
	if s.cache != nil {
		if payload, ok := s.cacheGet(ctx, key); ok {
			obsmetrics.RecordCacheEvent(capability, "hit")
			span.SetAttributes(attribute.Bool("worker.cache_hit", true))
			return s.reply(env, &Result{Status: StatusOK, Payload: payload})
		}
		obsmetrics.RecordCacheEvent(capability, "miss")
	}

	res := adapter.Handle(ctx, env)
	if res == nil {
		res = errResult(Upstream, "adapter produced no result")
	}

	if res.Status == StatusError {
		span.SetAttributes(attribute.String("worker.error_kind", string(res.ErrorKind)))
		return nil, &Error{Kind: res.ErrorKind, Message: res.Message}
	}

	if s.cache != nil && res.Status == StatusOK {
		if err := s.cache.Set(ctx, key, res.Payload, s.cacheTTL); err != nil {
			log.Printf("[Worker] cache set failed for %s: %v", capability, err)
		}
	}

	return s.reply(env, res)
}

func (s *Service) pick(env *envelope.Envelope) (Adapter, error) {
	capability := env.Metadata[CapabilityMetadataKey]
	if capability == "" && len(s.adapters) == 1 {
		for _, a := range s.adapters {
			return a, nil
		}
	}
	a, ok := s.adapters[capability]
	if !ok {
		return nil, &Error{Kind: NoData, Message: fmt.Sprintf("no adapter for capability %q", capability)}
	}
	return a, nil
}

func (s *Service) reply(env *envelope.Envelope, res *Result) (*envelope.Envelope, error) {
	reply := envelope.Reply(env, envelope.FormatText, envelope.SubformatEnglish, []byte(res.Payload))
	if res.Status == StatusPartial {
		reply = reply.WithMetadata("status", string(StatusPartial))
	}
	return reply, nil
}

func (s *Service) cacheGet(ctx context.Context, key string) (string, bool) {
	payload, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		log.Printf("[Worker] cache get failed: %v", err)
		return "", false
	}
	return payload, ok
}

func cacheKey(capability string, env *envelope.Envelope) string {
	return capability + ":" + env.Text()
}
