package vision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/sony/gobreaker"

	"github.com/teleforge/teleforge/pkg/config"
	"github.com/teleforge/teleforge/pkg/events"
	"github.com/teleforge/teleforge/pkg/metrics"
)

// retryDelays are the provider retry schedule; each is scaled by full
// jitter before sleeping.
var retryDelays = [...]time.Duration{time.Second, 4 * time.Second, 15 * time.Second}

// GuardedProvider wraps a Provider with a circuit breaker and the retry
// schedule. An open breaker short-circuits straight to the caller's
// fallback path.
type GuardedProvider struct {
	inner   Provider
	breaker *gobreaker.CircuitBreaker
}

// NewGuardedProvider builds the breaker around inner. The breaker opens
// after cfg.FailureThreshold consecutive failures and probes again after
// cfg.RecoverySeconds.
func NewGuardedProvider(inner Provider, cfg config.BreakerConfig) *GuardedProvider {
	settings := gobreaker.Settings{
		Name:    "vision-" + inner.Name(),
		Timeout: cfg.RecoverySeconds,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("Circuit breaker state changed",
				"breaker", name, "from", from.String(), "to", to.String())
			metrics.BreakerState.WithLabelValues(name).Set(breakerStateValue(to))
		},
	}
	return &GuardedProvider{inner: inner, breaker: gobreaker.NewCircuitBreaker(settings)}
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 0.5
	}
	return 0
}

func (g *GuardedProvider) Name() string { return g.inner.Name() }

type analyzeOutcome struct {
	result events.VisionResult
	tokens int64
}

// Analyze retries transient failures per the schedule; breaker-open and
// exhausted retries surface as errors for the caller's OCR fallback.
func (g *GuardedProvider) Analyze(ctx context.Context, data []byte, mime string) (events.VisionResult, int64, error) {
	var lastErr error
	for attempt := 0; attempt <= len(retryDelays); attempt++ {
		if attempt > 0 {
			d := time.Duration(rand.Int64N(int64(retryDelays[attempt-1])) + 1)
			select {
			case <-ctx.Done():
				return events.VisionResult{}, 0, ctx.Err()
			case <-time.After(d):
			}
		}

		out, err := g.breaker.Execute(func() (any, error) {
			result, tokens, err := g.inner.Analyze(ctx, data, mime)
			if err != nil {
				return analyzeOutcome{tokens: tokens}, err
			}
			return analyzeOutcome{result: result, tokens: tokens}, nil
		})
		if err == nil {
			metrics.ProviderCalls.WithLabelValues("vision", "ok").Inc()
			o := out.(analyzeOutcome)
			return o.result, o.tokens, nil
		}

		lastErr = err
		metrics.ProviderCalls.WithLabelValues("vision", "error").Inc()
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			// No point hammering an open breaker.
			return events.VisionResult{}, 0, fmt.Errorf("vision provider unavailable: %w", err)
		}
		if ctx.Err() != nil {
			return events.VisionResult{}, 0, ctx.Err()
		}
	}
	return events.VisionResult{}, 0, fmt.Errorf("vision provider failed after %d attempts: %w",
		len(retryDelays)+1, lastErr)
}
