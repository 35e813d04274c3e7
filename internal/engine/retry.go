package engine

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"github.com/lucasnoah/testforge/internal/config"
)

// Sleeper waits between retry attempts. Tests substitute a recording sleeper.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

type realSleeper struct{}

func (realSleeper) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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

// DefaultSleeper is the production sleeper.
var DefaultSleeper Sleeper = realSleeper{}

// BackoffConfig shapes the delay between attempts.
type BackoffConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Factor       float64 // 1 gives a fixed delay
	Jitter       bool
}

// DefaultBackoff is exponential from one second, capped at thirty.
var DefaultBackoff = BackoffConfig{
	InitialDelay: time.Second,
	MaxDelay:     30 * time.Second,
	Factor:       2,
	Jitter:       true,
}

// DelayForAttempt returns the wait after the given failed attempt (1-indexed).
func (bc BackoffConfig) DelayForAttempt(attempt int) time.Duration {
	if bc.InitialDelay <= 0 {
		return 0
	}
	factor := bc.Factor
	if factor < 1 {
		factor = 1
	}
	delay := float64(bc.InitialDelay) * math.Pow(factor, float64(attempt-1))
	if bc.MaxDelay > 0 && delay > float64(bc.MaxDelay) {
		delay = float64(bc.MaxDelay)
	}
	if bc.Jitter {
		// uniform in [0.5, 1.5) of the nominal delay
		delay = delay * (0.5 + rand.Float64())
	}
	return time.Duration(delay)
}

// WithRetryAfter lengthens delay to a server-requested retryAfter, bounded
// by MaxDelay.
func (bc BackoffConfig) WithRetryAfter(delay, retryAfter time.Duration) time.Duration {
	if bc.MaxDelay > 0 && retryAfter > bc.MaxDelay {
		retryAfter = bc.MaxDelay
	}
	if retryAfter > delay {
		return retryAfter
	}
	return delay
}

// BackoffFromConfig builds a BackoffConfig from the YAML settings.
func BackoffFromConfig(b config.Backoff) (BackoffConfig, error) {
	initial, err := time.ParseDuration(orDefault(b.Initial, "1s"))
	if err != nil {
		return BackoffConfig{}, err
	}
	maxDelay, err := time.ParseDuration(orDefault(b.Max, "30s"))
	if err != nil {
		return BackoffConfig{}, err
	}
	bc := BackoffConfig{
		InitialDelay: initial,
		MaxDelay:     maxDelay,
		Factor:       b.Factor,
		Jitter:       b.Jitter == nil || *b.Jitter,
	}
	if b.Strategy == "fixed" || bc.Factor == 0 {
		bc.Factor = 1
	}
	return bc, nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
