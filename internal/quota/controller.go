package quota

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"meshnerd/internal/logging"
)

// =============================================================================
// CONTROLLER - NAMED QUOTAS FOR ONE PROVIDER
// =============================================================================
//
// A Controller owns the set of quotas configured for a single model
// provider. The standard names cover prompt tokens, reply tokens, and
// request count; providers register only the quotas they meter, and
// consumption against an unregistered name can be either an error
// (Consume) or a no-op (ConsumeIfPresent) depending on what the caller
// knows about the provider.

// Names of the standard quotas.
const (
	InputTokens  = "input_tokens"
	OutputTokens = "output_tokens"
	Requests     = "requests"
)

// Provider admission defaults, applied when config leaves a quota unset.
const (
	DefaultWindow = time.Minute

	AnthropicInputTokensPerMin  = 20000
	AnthropicOutputTokensPerMin = 8000
	AnthropicRequestsPerMin     = 50

	GeminiRequestsPerMin = 60
)

// AnthropicDefaults returns the stock quota set for the Anthropic backend.
func AnthropicDefaults() []Config {
	return []Config{
		{Name: InputTokens, Capacity: AnthropicInputTokensPerMin, Window: DefaultWindow},
		{Name: OutputTokens, Capacity: AnthropicOutputTokensPerMin, Window: DefaultWindow},
		{Name: Requests, Capacity: AnthropicRequestsPerMin, Window: DefaultWindow},
	}
}

// GeminiDefaults returns the stock quota set for the Gemini backend.
// Gemini meters requests only; token consumption is unmetered.
func GeminiDefaults() []Config {
	return []Config{
		{Name: Requests, Capacity: GeminiRequestsPerMin, Window: DefaultWindow},
	}
}

// ControllerConfig configures a controller.
type ControllerConfig struct {
	Provider string   // Provider label for logs and metrics
	Quotas   []Config // Quotas to register, in consumption order
}

// Controller is a registry of named quotas.
type Controller struct {
	provider string
	quotas   map[string]*Quota
	order    []string

	// Metrics
	totalAdmissions int64
	totalWaits      int64
	totalWaitTime   int64 // nanoseconds
}

// NewController builds a controller from config.
func NewController(cfg ControllerConfig) (*Controller, error) {
	if cfg.Provider == "" {
		return nil, fmt.Errorf("controller provider required")
	}
	c := &Controller{
		provider: cfg.Provider,
		quotas:   make(map[string]*Quota, len(cfg.Quotas)),
	}
	for _, qc := range cfg.Quotas {
		if _, dup := c.quotas[qc.Name]; dup {
			return nil, fmt.Errorf("duplicate quota %q for provider %s", qc.Name, cfg.Provider)
		}
		q, err := New(qc)
		if err != nil {
			return nil, err
		}
		c.quotas[qc.Name] = q
		c.order = append(c.order, qc.Name)
	}
	logging.Quota("controller %s: registered %d quotas", cfg.Provider, len(cfg.Quotas))
	return c, nil
}

// Provider returns the provider label.
func (c *Controller) Provider() string { return c.provider }

// Has reports whether the named quota is registered.
func (c *Controller) Has(name string) bool {
	_, ok := c.quotas[name]
	return ok
}

// Consume admits amount units against the named quota, blocking while
// saturated. Consuming an unregistered name is an error.
func (c *Controller) Consume(ctx context.Context, name string, amount int64) error {
	q, ok := c.quotas[name]
	if !ok {
		return fmt.Errorf("quota %q not registered for provider %s", name, c.provider)
	}

	start := time.Now()
	if err := q.Consume(ctx, amount); err != nil {
		return err
	}
	waited := time.Since(start)

	atomic.AddInt64(&c.totalAdmissions, 1)
	if waited > 50*time.Millisecond {
		atomic.AddInt64(&c.totalWaits, 1)
		atomic.AddInt64(&c.totalWaitTime, int64(waited))
		logging.Quota("controller %s: %s admission of %d units waited %v",
			c.provider, name, amount, waited)
		logging.Audit().QuotaWait(c.provider, name, amount, waited.Milliseconds())
	}
	return nil
}

// ConsumeIfPresent admits against the named quota when it is registered
// and is a no-op otherwise. Providers that don't meter a dimension
// simply never register it.
func (c *Controller) ConsumeIfPresent(ctx context.Context, name string, amount int64) error {
	if !c.Has(name) {
		return nil
	}
	return c.Consume(ctx, name, amount)
}

// Demand pairs a quota name with an amount for batch admission.
type Demand struct {
	Name   string
	Amount int64
}

// ConsumeAll admits the demands in order against their registered
// quotas, skipping names this provider doesn't meter. Stops at the
// first error.
func (c *Controller) ConsumeAll(ctx context.Context, demands ...Demand) error {
	for _, d := range demands {
		if err := c.ConsumeIfPresent(ctx, d.Name, d.Amount); err != nil {
			return fmt.Errorf("consume %s: %w", d.Name, err)
		}
	}
	return nil
}

// ControllerMetrics provides observability into admission behavior.
type ControllerMetrics struct {
	Provider        string
	Quotas          []Snapshot
	TotalAdmissions int64
	TotalWaits      int64
	TotalWaitTime   time.Duration
}

// String returns a human-readable summary.
func (m ControllerMetrics) String() string {
	avgWait := time.Duration(0)
	if m.TotalWaits > 0 {
		avgWait = m.TotalWaitTime / time.Duration(m.TotalWaits)
	}
	return fmt.Sprintf("provider=%s, admissions=%d, waits=%d, avg_wait=%v, quotas=%d",
		m.Provider, m.TotalAdmissions, m.TotalWaits, avgWait, len(m.Quotas))
}

// Metrics returns current admission metrics with per-quota snapshots
// in registration order.
func (c *Controller) Metrics() ControllerMetrics {
	m := ControllerMetrics{
		Provider:        c.provider,
		TotalAdmissions: atomic.LoadInt64(&c.totalAdmissions),
		TotalWaits:      atomic.LoadInt64(&c.totalWaits),
		TotalWaitTime:   time.Duration(atomic.LoadInt64(&c.totalWaitTime)),
	}
	for _, name := range c.order {
		m.Quotas = append(m.Quotas, c.quotas[name].Snapshot())
	}
	return m
}
