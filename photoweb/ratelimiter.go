// Copyright (C) 2024 Farm Companion Ltd.
// See LICENSE for copying information.

package photoweb

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"
)

// IPLimitConfig defines configuration for the in-process per-IP limiter
// fronting the public routes.
type IPLimitConfig struct {
	Enabled   bool          `help:"whether the per-ip request limiter is enabled" default:"true"`
	RPS       float64       `help:"request rate one client IP may sustain" default:"20"`
	Burst     int           `help:"request burst one client IP may spend at once" default:"40"`
	NumLimits int           `help:"how many client IPs are tracked at once" default:"1000"`
	EntryTTL  time.Duration `help:"how long an idle client IP stays tracked" default:"10m"`
}

// ipLimiter keeps a token bucket per client IP in a bounded expirable cache.
// Eviction only ever forgets a bucket, which refills it, so the limiter is
// defensive rather than exact. The store-backed reservation limiter remains
// the binding one.
type ipLimiter struct {
	mu     sync.Mutex
	limits *expirable.LRU[string, *rate.Limiter]

	limit   rate.Limit
	burst   int
	enabled bool
}

func newIPLimiter(config IPLimitConfig) *ipLimiter {
	return &ipLimiter{
		limits:  expirable.NewLRU[string, *rate.Limiter](config.NumLimits, nil, config.EntryTTL),
		limit:   rate.Limit(config.RPS),
		burst:   config.Burst,
		enabled: config.Enabled,
	}
}

// Allow reports whether the client IP may proceed right now.
func (limiter *ipLimiter) Allow(ip string) bool {
	if !limiter.enabled {
		return true
	}

	limiter.mu.Lock()
	defer limiter.mu.Unlock()

	bucket, ok := limiter.limits.Get(ip)
	if !ok {
		bucket = rate.NewLimiter(limiter.limit, limiter.burst)
		limiter.limits.Add(ip, bucket)
	}
	return bucket.Allow()
}
