package crawl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/sony/gobreaker"

	"github.com/teleforge/teleforge/pkg/config"
	"github.com/teleforge/teleforge/pkg/metrics"
)

// FetchResult is one bounded page download.
type FetchResult struct {
	Body        []byte
	ContentType string
	StatusCode  int
	FinalURL    string
	Truncated   bool
}

// Fetcher downloads pages with a timeout, a redirect cap and a response
// size cap, behind a circuit breaker shared across all crawl targets.
type Fetcher struct {
	client   *http.Client
	maxBytes int64
	breaker  *gobreaker.CircuitBreaker
}

// NewFetcher builds the bounded HTTP client.
func NewFetcher(cfg config.CrawlConfig, breakerCfg config.BreakerConfig) *Fetcher {
	maxRedirects := cfg.MaxRedirects
	client := &http.Client{
		Timeout: cfg.FetchTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			return nil
		},
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "crawl-fetch",
		Timeout: breakerCfg.RecoverySeconds,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerCfg.FailureThreshold
		},
		OnStateChange: func(name string, _, to gobreaker.State) {
			metrics.BreakerState.WithLabelValues(name).Set(fetchBreakerValue(to))
		},
	})
	return &Fetcher{client: client, maxBytes: cfg.MaxResponseBytes, breaker: breaker}
}

func fetchBreakerValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 0.5
	}
	return 0
}

// ErrBreakerOpen reports a short-circuited fetch; the caller records a
// skip rather than an error.
var ErrBreakerOpen = errors.New("crawl fetch breaker open")

// Fetch downloads one URL. The body is capped at maxBytes; anything
// beyond is dropped and Truncated is set.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*FetchResult, error) {
	out, err := f.breaker.Execute(func() (any, error) {
		return f.fetch(ctx, rawURL)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, ErrBreakerOpen
		}
		metrics.ProviderCalls.WithLabelValues("crawl", "error").Inc()
		return nil, err
	}
	metrics.ProviderCalls.WithLabelValues("crawl", "ok").Inc()
	return out.(*FetchResult), nil
}

func (f *Fetcher) fetch(ctx context.Context, rawURL string) (*FetchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request for %s: %w", rawURL, err)
	}
	req.Header.Set("User-Agent", "teleforge-crawler/1.0")
	req.Header.Set("Accept", "text/html,application/xhtml+xml,*/*;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	// Read one byte past the cap to detect truncation.
	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body of %s: %w", rawURL, err)
	}
	result := &FetchResult{
		ContentType: resp.Header.Get("Content-Type"),
		StatusCode:  resp.StatusCode,
		FinalURL:    resp.Request.URL.String(),
	}
	if int64(len(body)) > f.maxBytes {
		result.Body = body[:f.maxBytes]
		result.Truncated = true
	} else {
		result.Body = body
	}
	return result, nil
}

// IsTimeout reports whether a fetch error was a deadline, for the error
// taxonomy.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}
