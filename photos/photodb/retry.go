// Copyright (C) 2024 Farm Companion Ltd.
// See LICENSE for copying information.

package photodb

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/farmcompanion/farm-photos/photos"
	"github.com/farmcompanion/farm-photos/private/kvstore"
)

// RetryConfig contains the configuration for an exponential backoff strategy
// when retrying transient store failures.
type RetryConfig struct {
	InitialBackoff time.Duration `help:"the duration of the first retry interval" default:"20ms"`
	MaxBackoff     time.Duration `help:"the maximum duration of any retry interval" default:"2s"`
	Multiplier     float64       `help:"the factor by which the retry interval will be multiplied on each iteration" default:"2"`
	MaxAttempts    int64         `help:"the total number of attempts for a store call" default:"3"`
}

// withRetry executes a store call using an exponential backoff strategy for
// retrying in the case of transient failure. Business results such as a
// consumed lease or an exhausted quota are terminal and never retried.
// Exhausting all attempts surfaces ErrStorageUnavailable to the caller.
func (db *DB) withRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	backoff := float64(db.retry.InitialBackoff)
	for attempt := int64(1); ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if terminal(err) {
			return err
		}
		if attempt >= db.retry.MaxAttempts {
			return photos.ErrStorageUnavailable.Wrap(err)
		}

		db.log.Warn("store call failed, retrying",
			zap.String("op", op),
			zap.Int64("attempt", attempt),
			zap.Error(err))

		if !sleep(ctx, time.Duration(backoff)) {
			return photos.ErrStorageUnavailable.Wrap(ctx.Err())
		}
		backoff = math.Min(backoff*db.retry.Multiplier, float64(db.retry.MaxBackoff))
	}
}

// terminal reports whether err is a business result rather than a transient
// store failure.
func terminal(err error) bool {
	return photos.ErrLeaseNotFound.Has(err) ||
		photos.ErrPhotoNotFound.Has(err) ||
		photos.ErrQuotaExceeded.Has(err) ||
		photos.ErrNotPending.Has(err) ||
		kvstore.ErrEmptyKey.Has(err)
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
