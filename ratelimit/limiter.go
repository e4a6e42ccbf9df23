// Copyright (C) 2024 Farm Companion Ltd.
// See LICENSE for copying information.

// Package ratelimit implements a fixed-window rate limiter on the shared
// key/value store, so the limit holds across horizontally scaled instances.
package ratelimit

import (
	"context"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"

	"github.com/farmcompanion/farm-photos/private/kvstore"
)

var (
	// Error is the default ratelimit errs class.
	Error = errs.Class("ratelimit")

	mon = monkit.Package()
)

// Config contains the configuration for the rate limiter.
type Config struct {
	Window time.Duration `help:"length of the fixed rate limit window" default:"1m"`
	Cap    int64         `help:"allowed actions per client per window" default:"5"`
}

// Limiter counts actions per (client, action) pair inside a fixed window.
// The counter's expiry starts on the increment that creates it and never
// slides, so a burst at the end of one window cannot also fill the next.
type Limiter struct {
	store  kvstore.Store
	config Config
}

// NewLimiter returns a new instance of Limiter.
func NewLimiter(store kvstore.Store, config Config) *Limiter {
	return &Limiter{
		store:  store,
		config: config,
	}
}

// Allow records one attempt for the client and action, and reports whether
// it fit the window. The increment and the window expiry are applied in a
// single atomic store operation.
func (limiter *Limiter) Allow(ctx context.Context, clientID, action string) (_ bool, err error) {
	defer mon.Task()(&ctx)(&err)

	count, err := limiter.store.IncrWindow(ctx, counterKey(clientID, action), limiter.config.Window)
	if err != nil {
		return false, Error.Wrap(err)
	}
	return count <= limiter.config.Cap, nil
}

func counterKey(clientID, action string) kvstore.Key {
	return kvstore.Key("ratelimit:" + clientID + ":" + action)
}
