// Package nlipgo wires coordinator and worker processes together: it loads
// configuration, builds the protocol server, and runs one agent process
// until it is signalled to stop.
package nlipgo

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nlipgo-dev/nlipgo/internal/observability"
	obsmetrics "github.com/nlipgo-dev/nlipgo/pkg/observability"
	"github.com/nlipgo-dev/nlipgo/pkg/probe"
	"github.com/nlipgo-dev/nlipgo/registry"
	"github.com/nlipgo-dev/nlipgo/router"
	"github.com/nlipgo-dev/nlipgo/transport"
	"github.com/nlipgo-dev/nlipgo/worker"
)

// Process roles.
const (
	RoleCoordinator = "coordinator"
	RoleWorker      = "worker"
)

// Config is the top-level configuration of one agent process.
type Config struct {
	// Role selects coordinator or worker behavior.
	Role string `yaml:"role"`

	// Listen is the protocol endpoint address (host:port).
	Listen string `yaml:"listen"`

	// OpsPort serves /metrics and /health endpoints. 0 disables the ops server.
	OpsPort int `yaml:"ops_port,omitempty"`

	// RequestTimeout bounds one delegated request, e.g. "30s".
	RequestTimeout string `yaml:"request_timeout,omitempty"`

	Transport TransportConfig `yaml:"transport,omitempty"`

	// Agents is the static registry (coordinator only).
	Agents []registry.AgentDescriptor `yaml:"agents,omitempty"`

	Probe ProbeConfig `yaml:"probe,omitempty"`

	// Capabilities lists the adapters a worker hosts.
	Capabilities []string `yaml:"capabilities,omitempty"`

	Cache CacheConfig `yaml:"cache,omitempty"`
}

// TransportConfig tunes the coordinator's protocol client.
type TransportConfig struct {
	// Timeout is the per-call deadline, e.g. "60s".
	Timeout string `yaml:"timeout,omitempty"`

	// MaxRetries caps additional attempts toward unreachable peers.
	MaxRetries *int `yaml:"max_retries,omitempty"`

	// BackoffBase is the first retry delay, e.g. "200ms".
	BackoffBase string `yaml:"backoff_base,omitempty"`
}

// ProbeConfig tunes the coordinator's worker health prober.
type ProbeConfig struct {
	// Enabled turns periodic probing on.
	Enabled bool `yaml:"enabled"`

	// Schedule is a cron spec or @every syntax. Default: "@every 30s".
	Schedule string `yaml:"schedule,omitempty"`
}

// CacheConfig enables a worker's Redis response cache when Addr is set.
type CacheConfig struct {
	Addr     string `yaml:"addr,omitempty"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`

	// TTL bounds how long an ok result is reused, e.g. "60s".
	TTL string `yaml:"ttl,omitempty"`
}

// FileReader reads config files; swapped out in tests.
type FileReader interface {
	ReadFile(path string) ([]byte, error)
}

// OSFileReader implements FileReader using os.ReadFile.
type OSFileReader struct{}

func (r *OSFileReader) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path) // #nosec G304 - path comes from the operator's CLI
}

// ConfigLoader loads and validates configuration files.
type ConfigLoader struct {
	fileReader FileReader
}

// NewConfigLoader creates a config loader.
func NewConfigLoader(fr FileReader) *ConfigLoader {
	return &ConfigLoader{fileReader: fr}
}

// LoadConfig loads and parses a config file.
func (cl *ConfigLoader) LoadConfig(configPath string) (*Config, error) {
	data, err := cl.fileReader.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate checks the fields every role requires.
func (c *Config) Validate() error {
	switch c.Role {
	case RoleCoordinator:
		if len(c.Agents) == 0 {
			return fmt.Errorf("coordinator config needs at least one agent")
		}
	case RoleWorker:
		if len(c.Capabilities) == 0 {
			return fmt.Errorf("worker config needs at least one capability")
		}
	default:
		return fmt.Errorf("unknown role %q (want %q or %q)", c.Role, RoleCoordinator, RoleWorker)
	}
	if c.Listen == "" {
		return fmt.Errorf("config needs a listen address")
	}

	for _, field := range []struct{ name, value string }{
		{"request_timeout", c.RequestTimeout},
		{"transport.timeout", c.Transport.Timeout},
		{"transport.backoff_base", c.Transport.BackoffBase},
		{"cache.ttl", c.Cache.TTL},
	} {
		if field.value == "" {
			continue
		}
		if _, err := time.ParseDuration(field.value); err != nil {
			return fmt.Errorf("invalid %s: %w", field.name, err)
		}
	}
	return nil
}

// duration parses an optional duration field with a fallback.
func duration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

// Run starts the agent process described by the config file and blocks
// until SIGINT/SIGTERM.
func Run(configPath string) error {
	loader := NewConfigLoader(&OSFileReader{})
	config, err := loader.LoadConfig(configPath)
	if err != nil {
		return err
	}
	return RunWithConfig(config)
}

// RunWithConfig starts the agent process for an already-loaded config.
func RunWithConfig(config *Config) error {
	if err := observability.InitFromEnv(); err != nil {
		log.Printf("Warning: failed to initialize tracing: %v", err)
	}
	obsmetrics.InitMetrics()

	switch config.Role {
	case RoleCoordinator:
		return runCoordinator(config)
	case RoleWorker:
		return runWorker(config)
	default:
		return fmt.Errorf("unknown role %q", config.Role)
	}
}

func runCoordinator(config *Config) error {
	reg, err := registry.New(config.Agents)
	if err != nil {
		return fmt.Errorf("build registry: %w", err)
	}

	client := transport.NewClient(
		transport.WithTimeout(duration(config.Transport.Timeout, transport.DefaultCallTimeout)),
		transport.WithRetryPolicy(retryPolicy(config.Transport)),
	)
	rtr := router.New(reg,
		router.WithSender(client),
		router.WithRequestTimeout(duration(config.RequestTimeout, router.DefaultRequestTimeout)),
	)

	srv := transport.NewServer(config.Listen, transport.WithHandler(rtr.Handle))

	var prober *probe.Prober
	if config.Probe.Enabled {
		var opts []probe.Option
		if config.Probe.Schedule != "" {
			opts = append(opts, probe.WithSchedule(config.Probe.Schedule))
		}
		prober = probe.New(reg, opts...)
		if err := prober.Start(); err != nil {
			return fmt.Errorf("start prober: %w", err)
		}
		defer prober.Stop()
	}

	obsmetrics.GetHealthChecker().RegisterCheck(obsmetrics.PingCheck())

	log.Printf("[Coordinator] listening on %s with %d capabilit(ies)", config.Listen, len(reg.Capabilities()))
	return serve(srv, config.OpsPort)
}

func runWorker(config *Config) error {
	adapters, err := buildAdapters(config.Capabilities)
	if err != nil {
		return err
	}

	var opts []worker.ServiceOption
	if config.Cache.Addr != "" {
		cache, err := worker.NewRedisCache(context.Background(), worker.RedisCacheConfig{
			Addr:     config.Cache.Addr,
			Password: config.Cache.Password,
			DB:       config.Cache.DB,
		})
		if err != nil {
			return fmt.Errorf("connect cache: %w", err)
		}
		defer func() { _ = cache.Close() }()
		opts = append(opts, worker.WithCache(cache, duration(config.Cache.TTL, worker.DefaultCacheTTL)))
		obsmetrics.GetHealthChecker().RegisterCheck(obsmetrics.CacheCheck(cache.Ping))
	}

	// Each adapter that can test its provider contributes a named check to
	// /health and the nlipgo_health_check_up gauge.
	for _, adapter := range adapters {
		if uc, ok := adapter.(interface {
			CheckUpstream(ctx context.Context) error
		}); ok {
			obsmetrics.GetHealthChecker().RegisterCheck(obsmetrics.UpstreamCheck(adapter.Capability(), uc.CheckUpstream))
		}
	}

	svc := worker.NewService(adapters, opts...)
	srv := transport.NewServer(config.Listen, transport.WithHandler(svc.Handle))

	log.Printf("[Worker] listening on %s serving %v", config.Listen, config.Capabilities)
	return serve(srv, config.OpsPort)
}

// buildAdapters constructs one adapter per configured capability. Provider
// configuration comes from the environment; a missing required key fails
// here, at startup.
func buildAdapters(capabilities []string) ([]worker.Adapter, error) {
	adapters := make([]worker.Adapter, 0, len(capabilities))
	for _, capability := range capabilities {
		switch capability {
		case "news":
			cfg, err := worker.NewsConfigFromEnv()
			if err != nil {
				return nil, err
			}
			adapters = append(adapters, worker.NewNewsAdapter(cfg))
		case "stock":
			cfg, err := worker.StockConfigFromEnv()
			if err != nil {
				return nil, err
			}
			adapters = append(adapters, worker.NewStockAdapter(cfg))
		case "weather":
			cfg, err := worker.WeatherConfigFromEnv()
			if err != nil {
				return nil, err
			}
			adapters = append(adapters, worker.NewWeatherAdapter(cfg))
		default:
			return nil, fmt.Errorf("unknown capability %q", capability)
		}
	}
	return adapters, nil
}

func retryPolicy(cfg TransportConfig) transport.RetryPolicy {
	policy := transport.DefaultRetryPolicy()
	if cfg.MaxRetries != nil {
		policy.MaxRetries = *cfg.MaxRetries
	}
	policy.BackoffBase = duration(cfg.BackoffBase, policy.BackoffBase)
	return policy
}

// serve runs the protocol server (and the ops server when configured) until
// the process is signalled, then shuts both down gracefully.
func serve(srv *transport.Server, opsPort int) error {
	errCh := make(chan error, 2)
	go func() { errCh <- srv.Start() }()

	var ops *obsmetrics.Server
	if opsPort > 0 {
		ops = obsmetrics.NewServer(opsPort)
		go func() {
			if err := ops.Start(); err != nil {
				log.Printf("Warning: ops server: %v", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		log.Printf("Received %s, shutting down...", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if ops != nil {
		if err := ops.Shutdown(ctx); err != nil {
			log.Printf("Warning: ops shutdown: %v", err)
		}
	}
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := observability.Shutdown(ctx); err != nil {
		log.Printf("Warning: tracing shutdown: %v", err)
	}
	return nil
}
