// Package retry wraps broker calls with exponential backoff, jitter, and
// transient-error classification. Adapted from the teacher's
// internal/retry/client.go, generalized from its one-off
// ClosePositionWithRetry to any context-taking broker call (spec §5, §7).
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Config bounds the backoff schedule and per-attempt timeout.
type Config struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Timeout        time.Duration
}

// DefaultConfig mirrors spec §5's "per-call deadline (default 10s)".
func DefaultConfig() Config {
	return Config{
		MaxRetries:     3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		Timeout:        10 * time.Second,
	}
}

func (c Config) normalize() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	return c
}

// Client runs a call under the configured retry policy.
type Client struct {
	config Config
	logger *logrus.Logger
}

// New returns a Client with the given config (normalized against
// DefaultConfig's floors).
func New(cfg Config, logger *logrus.Logger) *Client {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Client{config: cfg.normalize(), logger: logger}
}

// Do runs fn, retrying on transient errors with exponential backoff and
// jitter up to MaxRetries times. Each attempt gets its own
// context.WithTimeout derived from ctx. A non-transient error returns
// immediately without retrying. Retries happen inside this one call, so a
// caller that runs Do once per scheduler tick can make up to MaxRetries+1
// attempts within that tick.
func (c *Client) Do(ctx context.Context, label string, fn func(context.Context) error) error {
	var lastErr error
	backoff := c.config.InitialBackoff

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		attemptCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
		err := fn(attemptCtx)
		cancel()

		if err == nil {
			return nil
		}
		lastErr = err

		if !isTransientError(err) {
			return err
		}
		if attempt == c.config.MaxRetries {
			break
		}

		c.logger.WithFields(logrus.Fields{
			"label":   label,
			"attempt": attempt + 1,
			"error":   err,
		}).Warn("retry: transient error, backing off")

		wait := backoff
		if jittered, jerr := addJitter(wait); jerr == nil {
			wait = jittered
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}

		backoff = nextBackoff(backoff, c.config.MaxBackoff)
	}

	return fmt.Errorf("retry: %s failed after %d attempts: %w", label, c.config.MaxRetries+1, lastErr)
}

// nextBackoff applies a 1.5x multiplier, capped at max.
func nextBackoff(current, max time.Duration) time.Duration {
	next := time.Duration(float64(current) * 1.5)
	if next > max {
		return max
	}
	return next
}

// addJitter adds up to 25% random jitter to d using crypto/rand, matching
// the teacher's non-deterministic-but-bounded backoff.
func addJitter(d time.Duration) (time.Duration, error) {
	if d <= 0 {
		return d, nil
	}
	maxJitter := int64(d) / 4
	if maxJitter <= 0 {
		return d, nil
	}
	n, err := rand.Int(rand.Reader, big.NewInt(maxJitter))
	if err != nil {
		return d, err
	}
	return d + time.Duration(n.Int64()), nil
}

// transientPatterns lists substrings identifying errors the caller should
// retry rather than fail the tick on, matching the teacher's
// isTransientError list.
var transientPatterns = []string{
	"timeout", "connection refused", "connection reset", "temporary failure",
	"rate limit", "429", "502", "503", "504", "network", "dns", "tcp",
	"no such host", "deadline exceeded", "tls handshake", "broken pipe", "eof",
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
