package oracle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/ecotrails/insight-gateway/internal/metrics"
)

const jsonDirective = "Respond with exactly one JSON object and nothing else. " +
	"No prose outside the object, no code fences."

// Config wires a Client.
type Config struct {
	Backends     map[string]Completer
	Fallback     string            // engine used when a request names no usable engine
	Tiers        map[string]string // capability tier → engine
	MaxAttempts  int               // total tries per call, default 3
	InitialDelay time.Duration     // first retry delay, doubled per retry, default 500ms
	MaxTokens    int               // default reply budget, default 1024
}

// Client routes oracle calls to backends and owns the retry policy. One
// client is shared by the streaming and batch pipelines.
type Client struct {
	router       *Router[Completer]
	tiers        map[string]string
	schemas      *schemaSet
	maxAttempts  int
	initialDelay time.Duration
	maxTokens    int
}

// NewClient creates a client over the given backends.
func NewClient(cfg Config) *Client {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = 500 * time.Millisecond
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	return &Client{
		router:       NewRouter(cfg.Backends, cfg.Fallback),
		tiers:        cfg.Tiers,
		schemas:      newSchemaSet(),
		maxAttempts:  cfg.MaxAttempts,
		initialDelay: cfg.InitialDelay,
		maxTokens:    cfg.MaxTokens,
	}
}

// Engines returns the names of all registered backends.
func (c *Client) Engines() []string { return c.router.Engines() }

// Run executes one oracle call. Transient failures and malformed replies are
// retried on a shared budget with doubling delays; fatal failures return
// immediately, and requests with NoRetry set get exactly one attempt. A reply
// only comes back once it has passed schema validation.
func (c *Client) Run(ctx context.Context, req Request) (*Reply, error) {
	engine := req.Engine
	if engine == "" {
		engine = c.tiers[req.Tier]
	}
	name, backend, err := c.router.Resolve(engine)
	if err != nil {
		return nil, fmt.Errorf("oracle %s: %w", req.Stage, err)
	}

	prompt := Prompt{
		System:    req.Instruction,
		User:      req.Context,
		Media:     req.Media,
		Model:     req.Model,
		MaxTokens: c.maxTokens,
		JSON:      req.Schema != "",
	}
	if prompt.JSON {
		prompt.System += "\n\n" + jsonDirective
	}

	start := time.Now()
	attempts := 0

	operation := func() (*Reply, error) {
		attempts++
		if attempts > 1 {
			metrics.OracleRetries.Inc()
		}

		raw, err := backend.Complete(ctx, prompt)
		if err != nil {
			if ClassOf(err) == ClassFatal {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}

		reply := &Reply{Raw: raw, Backend: name, Model: prompt.Model}
		if req.Schema == "" {
			return reply, nil
		}

		payload, derr := decodePayload(raw)
		if derr != nil {
			return nil, Malformed(derr)
		}
		if verr := c.schemas.validate(req.Stage, req.Schema, payload); verr != nil {
			if ClassOf(verr) == ClassFatal {
				return nil, backoff.Permanent(verr)
			}
			return nil, Malformed(verr)
		}
		reply.Payload = payload
		return reply, nil
	}

	tries := c.maxAttempts
	if req.NoRetry {
		tries = 1
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = c.initialDelay
	expo.Multiplier = 2
	expo.RandomizationFactor = 0

	reply, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(uint(tries)),
		backoff.WithNotify(func(err error, delay time.Duration) {
			slog.Warn("oracle retry",
				"stage", req.Stage,
				"backend", name,
				"class", ClassOf(err),
				"next_delay_ms", delay.Milliseconds(),
				"error", err)
		}),
	)

	latency := time.Since(start)
	metrics.OracleDuration.WithLabelValues(req.Stage).Observe(latency.Seconds())

	if err != nil {
		outcome := "exhausted"
		if ClassOf(err) == ClassFatal {
			outcome = "fatal"
		}
		metrics.OracleCalls.WithLabelValues(name, outcome).Inc()
		return nil, fmt.Errorf("oracle %s after %d attempts: %w", req.Stage, attempts, err)
	}

	metrics.OracleCalls.WithLabelValues(name, "ok").Inc()
	reply.Attempts = attempts
	reply.LatencyMs = float64(latency.Milliseconds())
	return reply, nil
}
