// Package ratelimit throttles outbound provider API calls. Limits apply
// per provider per integration, shared by every job touching that
// integration.
package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"github.com/bookpilot/calsync/internal/config"
	"github.com/bookpilot/calsync/internal/database"
)

// Registry hands out one limiter per (provider, integration) pair.
type Registry struct {
	cfg config.RateLimitConfig

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewRegistry creates a limiter registry from configuration.
func NewRegistry(cfg config.RateLimitConfig) *Registry {
	return &Registry{
		cfg:      cfg,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Wait blocks until the integration may make an outbound call to its
// provider, or until the context is done.
func (r *Registry) Wait(ctx context.Context, provider, integrationID string) error {
	return r.limiter(provider, integrationID).Wait(ctx)
}

// Allow reports whether a call may proceed immediately without waiting.
func (r *Registry) Allow(provider, integrationID string) bool {
	return r.limiter(provider, integrationID).Allow()
}

func (r *Registry) limiter(provider, integrationID string) *rate.Limiter {
	key := provider + ":" + integrationID

	r.mu.Lock()
	defer r.mu.Unlock()

	if lim, ok := r.limiters[key]; ok {
		return lim
	}

	pl := r.providerLimit(provider)
	lim := rate.NewLimiter(rate.Limit(float64(pl.RequestsPerMinute)/60.0), pl.Burst)
	r.limiters[key] = lim
	return lim
}

func (r *Registry) providerLimit(provider string) config.ProviderLimit {
	switch provider {
	case database.ProviderGoogle:
		return r.cfg.Google
	case database.ProviderOutlook:
		return r.cfg.Outlook
	case database.ProviderICal:
		return r.cfg.ICal
	default:
		return config.ProviderLimit{RequestsPerMinute: 60, Burst: 10}
	}
}
