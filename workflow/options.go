package workflow

import (
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithClock replaces time.Now, e.g. with a simulated clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithDecider sets the decider used by condition blocks.
func WithDecider(d Decider) Option {
	return func(e *Engine) {
		e.decider = d
	}
}

// WithRenderer replaces the {{path}} renderer used by action blocks.
func WithRenderer(r Renderer) Option {
	return func(e *Engine) {
		if r != nil {
			e.renderer = r
		}
	}
}

// WithContextProvider sets the source of host rendering variables.
func WithContextProvider(p ContextProvider) Option {
	return func(e *Engine) {
		e.contextProvider = p
	}
}

// WithRetry sets the dispatch retry policy: up to maxRetries retries after
// the first attempt, sleeping baseDelay doubled per attempt and capped at maxDelay.
func WithRetry(maxRetries int, baseDelay, maxDelay time.Duration) Option {
	return func(e *Engine) {
		if maxRetries >= 0 {
			e.defaultMaxRetries = maxRetries
		}
		if baseDelay > 0 {
			e.retryBaseDelay = baseDelay
		}
		if maxDelay > 0 {
			e.retryMaxDelay = maxDelay
		}
	}
}

// WithWorkers bounds how many instances a wake sweep activates concurrently.
func WithWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithSweepLimit bounds how many due instances one sweep picks up.
func WithSweepLimit(n int) Option {
	return func(e *Engine) {
		e.sweepLimit = n
	}
}

// WithDispatchLimiter throttles dispatch attempts across all instances.
func WithDispatchLimiter(l *rate.Limiter) Option {
	return func(e *Engine) {
		e.limiter = l
	}
}

// WithTracer sets the tracer used for activation spans.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) {
		if t != nil {
			e.tracer = t
		}
	}
}
