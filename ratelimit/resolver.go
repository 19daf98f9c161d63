// Copyright 2025 Suprema
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import "context"

// FallbackConfig is the process-wide policy applied when no database
// policy matches a request.
type FallbackConfig struct {
	Enabled   bool
	WindowSec int
	MaxCalls  int
	BlockSec  int
}

// DefaultFallback returns the standard fallback limits: one call per
// hour with a three hour block.
func DefaultFallback() FallbackConfig {
	return FallbackConfig{Enabled: true, WindowSec: 3600, MaxCalls: 1, BlockSec: 10800}
}

// EffectivePolicy is the limit the decision engine enforces for one
// request: either a matched database policy or the fallback.
type EffectivePolicy struct {
	Enabled   bool
	WindowSec int
	MaxCalls  int
	BlockSec  int
	Source    string
}

// Resolver selects the single effective policy for a request.
type Resolver struct {
	cache    *PolicyCache
	fallback FallbackConfig
}

// NewResolver creates a resolver over a policy cache.
func NewResolver(cache *PolicyCache, fallback FallbackConfig) *Resolver {
	return &Resolver{cache: cache, fallback: fallback}
}

// Resolve iterates the cached policies in priority order and returns the
// first whose scope matches. Ordering is strictly by priority (then
// updated_at); the level itself imposes no implicit hierarchy. When no
// policy matches, the fallback applies with rule source "fallback".
func (r *Resolver) Resolve(ctx context.Context, username, role, endpoint string) EffectivePolicy {
	for _, p := range r.cache.Get(ctx) {
		if p.Matches(username, role, endpoint) {
			return EffectivePolicy{
				Enabled:   true,
				WindowSec: p.WindowSec,
				MaxCalls:  p.MaxCalls,
				BlockSec:  p.BlockSec,
				Source:    p.Source(),
			}
		}
	}
	return EffectivePolicy{
		Enabled:   r.fallback.Enabled,
		WindowSec: r.fallback.WindowSec,
		MaxCalls:  r.fallback.MaxCalls,
		BlockSec:  r.fallback.BlockSec,
		Source:    RuleSourceFallback,
	}
}
