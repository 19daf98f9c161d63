// Copyright 2025 Suprema
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"suprema/gateway/shared/logger"
)

// cacheTTL bounds how stale the policy snapshot may become.
const cacheTTL = 60 * time.Second

// PolicyCache is a single-slot, time-bounded cache of the enabled
// policies sorted by priority. Concurrent refreshes collapse into a
// single in-flight load; callers may briefly observe the previous
// snapshot while a refresh is running. On refresh failure the previous
// snapshot is served and the next call re-attempts.
type PolicyCache struct {
	store PolicyStore
	ttl   time.Duration
	now   func() time.Time
	log   *logger.Logger

	mu       sync.RWMutex
	loadedAt time.Time
	policies []Policy

	group singleflight.Group
}

// NewPolicyCache creates a cache over the given store with the standard
// 60 second staleness bound.
func NewPolicyCache(store PolicyStore) *PolicyCache {
	return &PolicyCache{
		store: store,
		ttl:   cacheTTL,
		now:   time.Now,
		log:   logger.New("policy-cache"),
	}
}

// Get returns the cached snapshot, refreshing it from the store when it
// is older than the staleness bound or empty. The lock is never held
// across the database read.
func (c *PolicyCache) Get(ctx context.Context) []Policy {
	c.mu.RLock()
	snapshot := c.policies
	fresh := !c.loadedAt.IsZero() && c.now().Sub(c.loadedAt) < c.ttl && len(c.policies) > 0
	c.mu.RUnlock()
	if fresh {
		return snapshot
	}

	v, err, _ := c.group.Do("policies", func() (interface{}, error) {
		policies, err := c.store.ListEnabledPolicies(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.policies = policies
		c.loadedAt = c.now()
		c.mu.Unlock()
		return policies, nil
	})
	if err != nil {
		c.log.Warn("", "", "policy refresh failed, serving previous snapshot",
			map[string]interface{}{"error": err.Error()})
		return snapshot
	}
	return v.([]Policy)
}

// Invalidate drops the snapshot so the next Get hits the store.
func (c *PolicyCache) Invalidate() {
	c.mu.Lock()
	c.loadedAt = time.Time{}
	c.policies = nil
	c.mu.Unlock()
}
