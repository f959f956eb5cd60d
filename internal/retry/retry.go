package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	log "github.com/sirupsen/logrus"
)

// Policy bounds an exponential backoff loop.
type Policy struct {
	Name            string
	MaxTries        uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsed      time.Duration
}

func NewPolicy(name string, maxTries int, base time.Duration) Policy {
	if maxTries < 1 {
		maxTries = 1
	}
	return Policy{
		Name:            name,
		MaxTries:        uint(maxTries),
		InitialInterval: base,
		MaxInterval:     base * 8,
		MaxElapsed:      15 * time.Minute,
	}
}

func (p Policy) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	b.Multiplier = 2
	return b
}

// Do runs op until it succeeds, returns a Permanent error, or the policy is exhausted.
func Do[T any](ctx context.Context, p Policy, op backoff.Operation[T]) (T, error) {
	opts := []backoff.RetryOption{
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(p.MaxTries),
		backoff.WithNotify(func(err error, d time.Duration) {
			log.Warnf("%s failed, retry in %s: %v", p.Name, d, err)
		}),
	}
	if p.MaxElapsed > 0 {
		opts = append(opts, backoff.WithMaxElapsedTime(p.MaxElapsed))
	}
	return backoff.Retry(ctx, op, opts...)
}

// Permanent stops Do immediately and surfaces err unwrapped.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// After asks Do to wait d before the next attempt.
func After(d time.Duration) error {
	secs := int(d.Seconds())
	if secs < 1 {
		secs = 1
	}
	return backoff.RetryAfter(secs)
}

func IsRetryAfter(err error) bool {
	var ra *backoff.RetryAfterError
	return errors.As(err, &ra)
}

// Sleep waits d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
