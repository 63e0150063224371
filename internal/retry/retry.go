// Package retry runs broker requests with exponential backoff, retrying only
// errors that look transient.
package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sirupsen/logrus"
)

// Config bounds one retried operation.
type Config struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Timeout        time.Duration
}

// DefaultConfig is used when no config is supplied.
var DefaultConfig = Config{
	MaxRetries:     3,
	InitialBackoff: 1 * time.Second,
	MaxBackoff:     30 * time.Second,
	Timeout:        2 * time.Minute,
}

// Retrier runs operations under a Config.
type Retrier struct {
	logger logrus.FieldLogger
	config Config
}

// New creates a Retrier. Zero or negative config fields fall back to DefaultConfig.
func New(logger logrus.FieldLogger, config ...Config) *Retrier {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultConfig.InitialBackoff
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig.Timeout
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Retrier{logger: logger, config: cfg}
}

// Config returns the effective configuration.
func (r *Retrier) Config() Config {
	return r.config
}

func (r *Retrier) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.config.InitialBackoff
	b.MaxInterval = r.config.MaxBackoff
	b.Multiplier = 1.5
	b.RandomizationFactor = 0.25
	return b
}

// Do runs fn until it succeeds, returns a non-transient error, exhausts the
// retries, or the timeout expires.
func Do[T any](ctx context.Context, r *Retrier, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	opCtx, cancel := context.WithTimeout(ctx, r.config.Timeout)
	defer cancel()

	attempt := 0
	operation := func() (T, error) {
		attempt++
		v, err := fn(opCtx)
		if err == nil {
			return v, nil
		}
		if ctx.Err() != nil {
			return v, backoff.Permanent(fmt.Errorf("operation canceled: %w", ctx.Err()))
		}
		if !IsTransient(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}
	notify := func(err error, wait time.Duration) {
		r.logger.WithError(err).WithFields(logrus.Fields{
			"op":      op,
			"attempt": attempt,
			"wait":    wait,
		}).Warn("Transient error, retrying")
	}

	v, err := backoff.Retry(opCtx, operation,
		backoff.WithBackOff(r.backOff()),
		backoff.WithMaxTries(uint(r.config.MaxRetries+1)),
		backoff.WithMaxElapsedTime(r.config.Timeout),
		backoff.WithNotify(notify),
	)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("%s failed after %d attempts: %w", op, attempt, err)
	}
	return v, nil
}

// Run is Do for operations without a result.
func (r *Retrier) Run(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	_, err := Do(ctx, r, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

var transientPatterns = []string{
	"timeout",
	"connection refused",
	"connection reset",
	"temporary failure",
	"server error",
	"rate limit",
	"429", // HTTP 429 Too Many Requests
	"502", // HTTP 502 Bad Gateway
	"503", // HTTP 503 Service Unavailable
	"504", // HTTP 504 Gateway Timeout
	"network",
	"dns",
	"tcp",
	"eof",
	"not connected",
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	errStr := strings.ToLower(err.Error())
	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}
