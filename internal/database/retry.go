package database

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// ErrTransactionTimeout is returned when a transaction exceeds its wall-clock budget
var ErrTransactionTimeout = errors.New("transaction exceeded time budget")

// RetryPolicy bounds how lock/busy failures are retried
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// BaseDelay is doubled on every retry.
	BaseDelay time.Duration
	// MaxJitter is the upper bound of the random delay added to each backoff.
	MaxJitter time.Duration
	// Budget is the wall-clock limit across all attempts (0 = unbounded).
	Budget time.Duration
}

// DefaultRetryPolicy returns 5 retries, 100ms doubling backoff, up to 100ms jitter, 30s budget
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 5,
		BaseDelay:  100 * time.Millisecond,
		MaxJitter:  100 * time.Millisecond,
		Budget:     30 * time.Second,
	}
}

// Backoff returns the delay before retry number n (0-based), without jitter
func (p RetryPolicy) Backoff(n int) time.Duration {
	return p.BaseDelay * time.Duration(1<<uint(n))
}

func (p RetryPolicy) delay(n int) time.Duration {
	d := p.Backoff(n)
	if p.MaxJitter > 0 {
		d += time.Duration(rand.Int63n(int64(p.MaxJitter)))
	}
	return d
}

// Do runs fn until it succeeds, fails with a non-busy error, or the retry budget is spent.
// A persistently busy fn is attempted exactly MaxRetries+1 times.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if p.Budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Budget)
		defer cancel()
	}

	var err error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if attempt > 0 {
			if sleepErr := sleepWithContext(ctx, p.delay(attempt-1)); sleepErr != nil {
				return budgetError(sleepErr, err)
			}
		}

		err = fn(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrTransactionTimeout) {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return budgetError(ctxErr, err)
		}
		if !IsBusyError(err) {
			return err
		}
	}

	return fmt.Errorf("database still busy after %d attempts: %w", p.MaxRetries+1, err)
}

func budgetError(ctxErr, last error) error {
	if errors.Is(ctxErr, context.DeadlineExceeded) {
		if last != nil {
			return fmt.Errorf("%w: %v", ErrTransactionTimeout, last)
		}
		return ErrTransactionTimeout
	}
	return ctxErr
}

// IsBusyError reports whether err is SQLite lock contention (SQLITE_BUSY / SQLITE_LOCKED)
func IsBusyError(err error) bool {
	if err == nil {
		return false
	}

	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
	}

	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY")
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
