// Package retry implements the Retry Engine: exponential backoff with
// jitter over a configurable retryable-status allow-list, grounded on the
// teacher's mcp.Proxy.callUpstreamWithRetry and openai_common.go's
// sseRetryDelays/isTransientStatus helpers, generalized into a reusable
// engine rather than one-off per-caller tables.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
)

// Config controls one Retry Engine instance. Per forge_domain/src/retry_config.rs,
// the status-code allow-list is configurable rather than hardwired.
type Config struct {
	InitialDelay time.Duration
	Factor       float64
	MaxAttempts  int
	MaxDelay     time.Duration // 0 means unbounded
	StatusCodes  map[int]bool
}

// DefaultConfig matches the default allow-list named in spec §4.9.
func DefaultConfig() Config {
	return Config{
		InitialDelay: 500 * time.Millisecond,
		Factor:       2.0,
		MaxAttempts:  5,
		MaxDelay:     30 * time.Second,
		StatusCodes:  map[int]bool{429: true, 500: true, 502: true, 503: true, 504: true},
	}
}

// IsRetryableStatus reports whether code is in the configured allow-list.
func (c Config) IsRetryableStatus(code int) bool {
	return c.StatusCodes[code]
}

// ErrExhausted is returned once MaxAttempts is reached without success.
var ErrExhausted = errors.New("retry attempts exhausted")

// NotifyFunc is invoked before each sleep with the triggering error and the
// delay about to be waited.
type NotifyFunc func(cause error, attempt int, delay time.Duration)

var retryAfterRegex = regexp.MustCompile(`(?i)retry-after:\s*(\d+)|try again in (\d+)\s*second`)

// ParseRetryAfter extracts a server-suggested delay from an error message
// (e.g. an HTTP 429 body), capped at 30s. Returns 0 if none found.
func ParseRetryAfter(msg string) time.Duration {
	m := retryAfterRegex.FindStringSubmatch(msg)
	if m == nil {
		return 0
	}
	var raw string
	if m[1] != "" {
		raw = m[1]
	} else {
		raw = m[2]
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	d := time.Duration(n) * time.Second
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	return d
}

// RetryableError wraps a transient failure with an optional server-suggested delay.
type RetryableError struct {
	Err        error
	RetryAfter time.Duration // 0 if unknown
}

func (e *RetryableError) Error() string { return e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// Do runs fn, retrying on a *RetryableError up to cfg.MaxAttempts with
// exponential backoff, jitter (each wait is 50-100% of the backoff delay),
// and a Retry-After override when present. fn must return a *RetryableError
// for a transient failure, or any other error for a fatal one (no retry).
func Do(ctx context.Context, cfg Config, notify NotifyFunc, fn func(ctx context.Context, attempt int) error) error {
	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		var retryable *RetryableError
		if !errors.As(err, &retryable) {
			return err
		}
		lastErr = err
		if attempt == cfg.MaxAttempts-1 {
			break
		}

		delay := backoffDelay(cfg, attempt)
		if retryable.RetryAfter > 0 {
			delay = retryable.RetryAfter
		}
		if notify != nil {
			notify(err, attempt+1, delay)
		}
		log.Warn().Err(err).Int("attempt", attempt+1).Dur("delay", delay).Msg("retrying transient failure")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return errors.Join(ErrExhausted, lastErr)
}

func backoffDelay(cfg Config, attempt int) time.Duration {
	base := float64(cfg.InitialDelay) * math.Pow(cfg.Factor, float64(attempt))
	if cfg.MaxDelay > 0 && base > float64(cfg.MaxDelay) {
		base = float64(cfg.MaxDelay)
	}
	jittered := base * (0.5 + rand.Float64()*0.5)
	return time.Duration(jittered)
}

// ClassifyHTTPStatus wraps a non-2xx HTTP response into a *RetryableError when
// cfg marks the status as retryable, else returns a plain error.
func ClassifyHTTPStatus(cfg Config, statusCode int, body string) error {
	err := errors.New(http.StatusText(statusCode) + ": " + body)
	if cfg.IsRetryableStatus(statusCode) {
		return &RetryableError{Err: err, RetryAfter: ParseRetryAfter(body)}
	}
	return err
}
