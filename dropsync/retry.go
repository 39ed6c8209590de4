// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package dropsync

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

const (
	maxTxAttempts = 3
	txRetryDelay  = 50 * time.Millisecond
)

func isRetryablePGTxError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.SQLState() {
	case "40001", // serialization_failure
		"40P01", // deadlock_detected
		"55P03": // lock_not_available (incl. lock_timeout)
		return true
	default:
		return false
	}
}

// withRetry runs fn until it succeeds, fails with a non-retryable error, or the
// attempts are used up; the delay doubles after every retryable failure
func withRetry(ctx context.Context, fn func(attempt int) error) error {
	delay := txRetryDelay
	var err error
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		if err = fn(attempt); err == nil || !isRetryablePGTxError(err) {
			return err
		}
		if attempt == maxTxAttempts {
			break
		}
		if serr := sleepWithContext(ctx, delay); serr != nil {
			return serr
		}
		delay *= 2
	}
	return err
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
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
