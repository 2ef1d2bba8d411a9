// Package providers guards store and upstream I/O with per-source rate
// limits, bounded retries and circuit breakers, and fans candle loads out
// across sources.
package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/quantrails/signalbench/internal/obs"
)

// GuardConfig bounds one source's request behavior.
type GuardConfig struct {
	RatePerSec    float64
	Burst         int
	TimeoutBudget time.Duration
	MaxAttempts   int
	BackoffBase   time.Duration
	BackoffMax    time.Duration
}

// DefaultGuardConfig is a conservative profile for store-backed sources.
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		RatePerSec:    20,
		Burst:         10,
		TimeoutBudget: 10 * time.Second,
		MaxAttempts:   3,
		BackoffBase:   100 * time.Millisecond,
		BackoffMax:    2 * time.Second,
	}
}

// Breaker settings shared by all guarded sources.
const (
	breakerMinRequests  = 5
	breakerFailureRatio = 0.6
	breakerOpenTimeout  = 30 * time.Second
	breakerHalfOpenMax  = 3
)

// Guard serializes access to one source behind a token bucket, a retry
// policy and a circuit breaker.
type Guard struct {
	name    string
	cfg     GuardConfig
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

// NewGuard builds a guard for the named source.
func NewGuard(name string, cfg GuardConfig) *Guard {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = DefaultGuardConfig().RatePerSec
	}
	if cfg.Burst <= 0 {
		cfg.Burst = DefaultGuardConfig().Burst
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: breakerHalfOpenMax,
		Timeout:     breakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= breakerMinRequests && ratio >= breakerFailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("source", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Provider circuit breaker state change")
		},
	})

	return &Guard{
		name:    name,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
		breaker: breaker,
	}
}

// Do runs op behind the token bucket, breaker and bounded retry. A bucket
// waiter blocks up to the timeout budget, then fails. Only retryable errors
// are retried; backoff doubles per attempt up to BackoffMax.
func (g *Guard) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < g.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			obs.StoreRetries.WithLabelValues(op).Inc()
			if err := sleepCtx(ctx, g.backoff(attempt)); err != nil {
				return err
			}
		}

		waitCtx := ctx
		var cancel context.CancelFunc
		if g.cfg.TimeoutBudget > 0 {
			waitCtx, cancel = context.WithTimeout(ctx, g.cfg.TimeoutBudget)
		}
		err := g.limiter.Wait(waitCtx)
		if cancel != nil {
			cancel()
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%s: rate limit wait exceeded timeout budget: %w", g.name, err)
		}

		_, err = g.breaker.Execute(func() (interface{}, error) {
			return nil, fn(ctx)
		})
		if err == nil {
			return nil
		}
		lastErr = err

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("%s %s: circuit open: %w", g.name, op, err)
		}
		if !IsRetryable(err) {
			return fmt.Errorf("%s %s: %w", g.name, op, err)
		}
		log.Warn().
			Err(err).
			Str("source", g.name).
			Str("op", op).
			Int("attempt", attempt+1).
			Msg("Retryable provider error")
	}
	return fmt.Errorf("%s %s: attempts exhausted: %w", g.name, op, lastErr)
}

func (g *Guard) backoff(attempt int) time.Duration {
	d := g.cfg.BackoffBase << (attempt - 1)
	if g.cfg.BackoffMax > 0 && d > g.cfg.BackoffMax {
		d = g.cfg.BackoffMax
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// retryableStatusFragments match upstream status codes embedded in error
// strings when no typed error is available.
var retryableStatusFragments = []string{
	"429", "408", "409", "425",
	"500", "502", "503", "504",
	"too many requests", "service unavailable",
	"connection refused", "connection reset", "broken pipe",
}

// IsRetryable classifies transient store and transport failures: connect
// errors, timeouts and the retryable upstream status family.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, frag := range retryableStatusFragments {
		if strings.Contains(msg, frag) {
			return true
		}
	}
	return false
}

// GuardSet hands out one guard per source name.
type GuardSet struct {
	mu     sync.Mutex
	cfg    GuardConfig
	guards map[string]*Guard
}

// NewGuardSet builds a set with one shared config.
func NewGuardSet(cfg GuardConfig) *GuardSet {
	return &GuardSet{cfg: cfg, guards: make(map[string]*Guard)}
}

// For returns the guard for a source, creating it on first use.
func (s *GuardSet) For(source string) *Guard {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.guards[source]
	if !ok {
		g = NewGuard(source, s.cfg)
		s.guards[source] = g
	}
	return g
}
