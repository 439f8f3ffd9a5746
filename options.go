package shielded

import (
	"crypto/rand"
	"io"
	"log/slog"
	"time"
)

// ClientOption configures a Client.
type ClientOption func(*clientConfig)

// clientConfig holds configuration for a Client.
type clientConfig struct {
	confirmTimeout time.Duration
	pollInterval   time.Duration
	gasLimit       uint64
	logger         *slog.Logger
	metrics        *Metrics
	entropy        io.Reader
}

// defaultClientConfig returns the default client configuration.
func defaultClientConfig() *clientConfig {
	return &clientConfig{
		confirmTimeout: 2 * time.Minute,
		pollInterval:   time.Second,
		gasLimit:       0,
		logger:         slog.New(slog.DiscardHandler),
		entropy:        rand.Reader,
	}
}

// WithConfirmTimeout bounds how long ShieldedSend waits for inclusion.
// Default is 2 minutes. Non-positive values keep the default.
func WithConfirmTimeout(d time.Duration) ClientOption {
	return func(c *clientConfig) {
		if d > 0 {
			c.confirmTimeout = d
		}
	}
}

// WithPollInterval sets the receipt polling interval.
// Default is 1 second. Non-positive values keep the default.
func WithPollInterval(d time.Duration) ClientOption {
	return func(c *clientConfig) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// WithGasLimit uses a fixed gas limit instead of estimating it.
// Zero restores estimation.
func WithGasLimit(limit uint64) ClientOption {
	return func(c *clientConfig) {
		c.gasLimit = limit
	}
}

// WithLogger sets the structured logger. Default discards all records.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *clientConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics records call outcomes and latencies into m.
func WithMetrics(m *Metrics) ClientOption {
	return func(c *clientConfig) {
		c.metrics = m
	}
}

// WithEntropy sets the randomness source for ephemeral keys and nonces.
// Default is crypto/rand.
func WithEntropy(r io.Reader) ClientOption {
	return func(c *clientConfig) {
		if r != nil {
			c.entropy = r
		}
	}
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithSession binds the registry to an existing session ID, so a durable
// store can resume the address persisted by an earlier run.
func WithSession(id string) RegistryOption {
	return func(r *Registry) {
		if id != "" {
			r.session = id
		}
	}
}

// WithInterface sets the interface descriptor attached to a handle resumed
// from the store.
func WithInterface(c *Contract) RegistryOption {
	return func(r *Registry) {
		r.iface = c
	}
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*orchestratorConfig)

// orchestratorConfig holds the retry policy of an Orchestrator.
type orchestratorConfig struct {
	maxElapsed      time.Duration
	initialInterval time.Duration
	protocolRetries int
	logger          *slog.Logger
}

// defaultOrchestratorConfig returns the default retry policy.
func defaultOrchestratorConfig() *orchestratorConfig {
	return &orchestratorConfig{
		maxElapsed:      30 * time.Second,
		initialInterval: 500 * time.Millisecond,
		protocolRetries: 1,
		logger:          slog.New(slog.DiscardHandler),
	}
}

// WithRetryBudget bounds the total time spent retrying network failures.
// Zero disables network retries.
func WithRetryBudget(d time.Duration) OrchestratorOption {
	return func(c *orchestratorConfig) {
		c.maxElapsed = d
	}
}

// WithInitialBackoff sets the first retry interval. Default is 500ms.
func WithInitialBackoff(d time.Duration) OrchestratorOption {
	return func(c *orchestratorConfig) {
		if d > 0 {
			c.initialInterval = d
		}
	}
}

// WithProtocolRetries sets how many fresh negotiations are attempted after a
// protocol failure. Default is 1; it is capped at 1.
func WithProtocolRetries(n int) OrchestratorOption {
	return func(c *orchestratorConfig) {
		if n < 0 {
			n = 0
		}
		if n > 1 {
			n = 1
		}
		c.protocolRetries = n
	}
}

// WithOrchestratorLogger sets the orchestrator's structured logger.
func WithOrchestratorLogger(logger *slog.Logger) OrchestratorOption {
	return func(c *orchestratorConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}
