// Package probe periodically checks worker health from the coordinator.
// Results feed a Prometheus gauge and the log; routing never consults them,
// so a flapping worker degrades requests through normal transport errors
// rather than registry churn.
package probe

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	obsmetrics "github.com/nlipgo-dev/nlipgo/pkg/observability"
	"github.com/nlipgo-dev/nlipgo/registry"
)

// DefaultSchedule probes every worker twice a minute.
const DefaultSchedule = "@every 30s"

// Prober polls each registered agent's health endpoint on a cron schedule.
type Prober struct {
	registry   *registry.Registry
	httpClient *http.Client
	schedule   string
	cron       *cron.Cron

	mu sync.Mutex
	up map[string]bool
}

// Option configures a Prober.
type Option func(*Prober)

// WithSchedule overrides the probe schedule (cron spec or @every syntax).
func WithSchedule(spec string) Option {
	return func(p *Prober) { p.schedule = spec }
}

// WithHTTPClient substitutes the probing HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(p *Prober) { p.httpClient = hc }
}

// New creates a Prober for every agent in reg.
func New(reg *registry.Registry, opts ...Option) *Prober {
	p := &Prober{
		registry:   reg,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		schedule:   DefaultSchedule,
		up:         make(map[string]bool),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start runs one immediate probe round, then begins the periodic schedule.
func (p *Prober) Start() error {
	p.ProbeAll(context.Background())

	c := cron.New()
	if _, err := c.AddFunc(p.schedule, func() {
		p.ProbeAll(context.Background())
	}); err != nil {
		return fmt.Errorf("probe schedule %q: %w", p.schedule, err)
	}
	c.Start()
	p.cron = c
	log.Printf("[Probe] probing %d agent(s) %s", len(p.registry.Agents()), p.schedule)
	return nil
}

// Stop halts the schedule. In-flight probes finish on their own.
func (p *Prober) Stop() {
	if p.cron != nil {
		p.cron.Stop()
	}
}

// Up reports the last probe result for an agent address.
func (p *Prober) Up(address string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.up[address]
}

// ProbeAll checks every registered agent once.
func (p *Prober) ProbeAll(ctx context.Context) {
	for _, agent := range p.registry.Agents() {
		healthy := p.probe(ctx, agent.Address)
		for _, capability := range agent.Capabilities {
			obsmetrics.SetWorkerUp(capability, agent.Address, healthy)
		}

		p.mu.Lock()
		was, known := p.up[agent.Address]
		p.up[agent.Address] = healthy
		p.mu.Unlock()

		if !known || was != healthy {
			state := "up"
			if !healthy {
				state = "down"
			}
			log.Printf("[Probe] %s (%s) is %s", agent.Name, agent.Address, state)
		}
	}
}

func (p *Prober) probe(ctx context.Context, address string) bool {
	u := strings.TrimRight(address, "/") + "/health"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return false
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}
