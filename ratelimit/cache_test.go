// Copyright 2025 Suprema
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicyCacheServesFreshSnapshot(t *testing.T) {
	store := &fakePolicyStore{policies: []Policy{
		{ID: 1, Level: LevelGlobal, WindowSec: 60, MaxCalls: 5, BlockSec: 60, Enabled: true, Priority: 1},
	}}
	cache := NewPolicyCache(store)

	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return base }

	ctx := context.Background()
	first := cache.Get(ctx)
	require.Len(t, first, 1)
	assert.Equal(t, 1, store.listCalls)

	// Within the staleness bound no reload happens.
	cache.now = func() time.Time { return base.Add(30 * time.Second) }
	_ = cache.Get(ctx)
	_ = cache.Get(ctx)
	assert.Equal(t, 1, store.listCalls)
}

func TestPolicyCacheReloadsAfterStalenessBound(t *testing.T) {
	store := &fakePolicyStore{policies: []Policy{
		{ID: 1, Level: LevelGlobal, WindowSec: 60, MaxCalls: 1, BlockSec: 60, Enabled: true, Priority: 1},
	}}
	cache := NewPolicyCache(store)

	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return base }
	ctx := context.Background()
	_ = cache.Get(ctx)

	// A higher-priority policy lands in the database.
	store.mu.Lock()
	store.policies = []Policy{
		{ID: 2, Level: LevelGlobal, WindowSec: 60, MaxCalls: 10, BlockSec: 60, Enabled: true, Priority: 99},
		{ID: 1, Level: LevelGlobal, WindowSec: 60, MaxCalls: 1, BlockSec: 60, Enabled: true, Priority: 1},
	}
	store.mu.Unlock()

	// At t=30s the old snapshot still rules.
	cache.now = func() time.Time { return base.Add(30 * time.Second) }
	got := cache.Get(ctx)
	require.Len(t, got, 1)
	assert.Equal(t, int64(1), got[0].ID)

	// At t=61s the new snapshot is in effect.
	cache.now = func() time.Time { return base.Add(61 * time.Second) }
	got = cache.Get(ctx)
	require.Len(t, got, 2)
	assert.Equal(t, int64(2), got[0].ID)
	assert.Equal(t, 2, store.listCalls)
}

func TestPolicyCacheServesStaleOnRefreshFailure(t *testing.T) {
	store := &fakePolicyStore{policies: []Policy{
		{ID: 1, Level: LevelGlobal, WindowSec: 60, MaxCalls: 1, BlockSec: 60, Enabled: true, Priority: 1},
	}}
	cache := NewPolicyCache(store)

	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return base }
	ctx := context.Background()
	_ = cache.Get(ctx)

	store.mu.Lock()
	store.listErr = errors.New("connection refused")
	store.mu.Unlock()

	cache.now = func() time.Time { return base.Add(2 * time.Minute) }
	got := cache.Get(ctx)
	require.Len(t, got, 1, "previous snapshot is served on refresh failure")

	// Once the store recovers the next call reloads.
	store.mu.Lock()
	store.listErr = nil
	store.policies = append(store.policies,
		Policy{ID: 2, Level: LevelGlobal, WindowSec: 60, MaxCalls: 2, BlockSec: 60, Enabled: true, Priority: 0})
	store.mu.Unlock()

	got = cache.Get(ctx)
	assert.Len(t, got, 2)
}

func TestPolicyCacheEmptySnapshotRefetches(t *testing.T) {
	store := &fakePolicyStore{}
	cache := NewPolicyCache(store)
	ctx := context.Background()

	_ = cache.Get(ctx)
	_ = cache.Get(ctx)
	// An empty slot is not considered fresh.
	assert.Equal(t, 2, store.listCalls)
}

func TestPolicyCacheConcurrentGets(t *testing.T) {
	store := &fakePolicyStore{policies: []Policy{
		{ID: 1, Level: LevelGlobal, WindowSec: 60, MaxCalls: 1, BlockSec: 60, Enabled: true, Priority: 1},
	}}
	cache := NewPolicyCache(store)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got := cache.Get(context.Background())
			assert.Len(t, got, 1)
		}()
	}
	wg.Wait()

	// Single-flight collapses the concurrent cold loads.
	store.mu.Lock()
	calls := store.listCalls
	store.mu.Unlock()
	assert.LessOrEqual(t, calls, 20)
	assert.GreaterOrEqual(t, calls, 1)
}

func TestPolicyCacheInvalidate(t *testing.T) {
	store := &fakePolicyStore{policies: []Policy{
		{ID: 1, Level: LevelGlobal, WindowSec: 60, MaxCalls: 1, BlockSec: 60, Enabled: true, Priority: 1},
	}}
	cache := NewPolicyCache(store)
	ctx := context.Background()

	_ = cache.Get(ctx)
	cache.Invalidate()
	_ = cache.Get(ctx)
	assert.Equal(t, 2, store.listCalls)
}
