// Copyright 2025 Suprema
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePolicyStore is an in-memory PolicyStore. Policies must be stored
// pre-sorted by priority descending, matching the store contract.
type fakePolicyStore struct {
	mu        sync.Mutex
	policies  []Policy
	block     *ManualBlock
	events    []AuditEvent
	listErr   error
	blockErr  error
	listCalls int
}

func (s *fakePolicyStore) ListEnabledPolicies(ctx context.Context) ([]Policy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listCalls++
	if s.listErr != nil {
		return nil, s.listErr
	}
	return append([]Policy(nil), s.policies...), nil
}

func (s *fakePolicyStore) FindActiveBlock(ctx context.Context, username, endpoint string) (*ManualBlock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.blockErr != nil {
		return nil, s.blockErr
	}
	if s.block != nil && s.block.Username == username && s.block.Endpoint == endpoint {
		return s.block, nil
	}
	return nil, nil
}

func (s *fakePolicyStore) AppendEvent(ctx context.Context, ev AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

// recordSink captures audit events synchronously for assertions.
type recordSink struct {
	mu     sync.Mutex
	events []AuditEvent
}

func (r *recordSink) Enqueue(ev AuditEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordSink) all() []AuditEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]AuditEvent(nil), r.events...)
}

func newTestEngine(t *testing.T, store *fakePolicyStore, cfg Config) (*Engine, *recordSink, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	sink := &recordSink{}
	e := NewEngine(store, NewRedisCounterStoreFromClient(rdb), sink, cfg)
	return e, sink, mr
}

func TestEngineSingleUserCap(t *testing.T) {
	store := &fakePolicyStore{policies: []Policy{
		{ID: 1, Level: LevelUser, Username: "u1", WindowSec: 60, MaxCalls: 2, BlockSec: 120, Enabled: true, Priority: 10},
	}}
	e, _, _ := newTestEngine(t, store, Config{Fallback: DefaultFallback()})

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	for i, want := range []bool{true, true, false} {
		e.now = func() time.Time { return base.Add(time.Duration(i) * time.Second) }
		v, err := e.Check(ctx, "u1", "user", "/carteira-logistica")
		require.NoError(t, err)
		assert.Equal(t, want, v.Allowed, "request %d", i+1)
		if !want {
			assert.Equal(t, RuleSourceKVCounter, v.RuleSource)
			assert.Equal(t, 120, v.RetryAfter)
			assert.Contains(t, v.Reason, "120")
		}
	}

	// A fourth request in the same window hits the block key, not the counter.
	e.now = func() time.Time { return base.Add(3 * time.Second) }
	v, err := e.Check(ctx, "u1", "user", "/carteira-logistica")
	require.NoError(t, err)
	assert.False(t, v.Allowed)
	assert.Equal(t, RuleSourceKVBlock, v.RuleSource)
}

func TestEnginePolicyPrecedence(t *testing.T) {
	// Sorted by priority descending: the user_endpoint policy dominates
	// on /e, the user policy everywhere else.
	store := &fakePolicyStore{policies: []Policy{
		{ID: 2, Level: LevelUserEndpoint, Username: "u1", Endpoint: "/e", WindowSec: 60, MaxCalls: 100, BlockSec: 60, Enabled: true, Priority: 50},
		{ID: 1, Level: LevelUser, Username: "u1", WindowSec: 60, MaxCalls: 1, BlockSec: 60, Enabled: true, Priority: 5},
	}}
	e, _, _ := newTestEngine(t, store, Config{Fallback: DefaultFallback()})
	fixed := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return fixed }
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		v, err := e.Check(ctx, "u1", "user", "/e")
		require.NoError(t, err)
		require.True(t, v.Allowed, "request %d to /e", i+1)
	}

	v, err := e.Check(ctx, "u1", "user", "/other")
	require.NoError(t, err)
	assert.True(t, v.Allowed)
	v, err = e.Check(ctx, "u1", "user", "/other")
	require.NoError(t, err)
	assert.False(t, v.Allowed)
	assert.Equal(t, RuleSourceKVCounter, v.RuleSource)
}

func TestEngineManualBlockDominates(t *testing.T) {
	now := time.Now()
	store := &fakePolicyStore{
		policies: []Policy{
			{ID: 1, Level: LevelGlobal, WindowSec: 60, MaxCalls: 1000, BlockSec: 60, Enabled: true, Priority: 1},
		},
		block: &ManualBlock{ID: 7, Username: "u1", Endpoint: "/e", BlockUntil: now.Add(60 * time.Second)},
	}
	e, sink, _ := newTestEngine(t, store, Config{Fallback: DefaultFallback()})

	v, err := e.Check(context.Background(), "u1", "user", "/e")
	require.NoError(t, err)
	assert.False(t, v.Allowed)
	assert.Equal(t, RuleSourceManualBlock, v.RuleSource)
	assert.InDelta(t, 60, v.RetryAfter, 2)

	events := sink.all()
	require.Len(t, events, 1)
	assert.Equal(t, DecisionBlock, events[0].Decision)
	assert.Equal(t, RuleSourceManualBlock, events[0].RuleSource)
	assert.Contains(t, events[0].Reason, "DB block")
}

func TestEngineFallbackPolicy(t *testing.T) {
	store := &fakePolicyStore{}
	e, sink, mr := newTestEngine(t, store, Config{
		Fallback:      FallbackConfig{Enabled: true, WindowSec: 3600, MaxCalls: 1, BlockSec: 10800},
		EventSampling: 1.0,
	})

	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return base }
	ctx := context.Background()

	v, err := e.Check(ctx, "u1", "user", "/e")
	require.NoError(t, err)
	assert.True(t, v.Allowed)

	v, err = e.Check(ctx, "u1", "user", "/e")
	require.NoError(t, err)
	assert.False(t, v.Allowed)
	assert.Equal(t, RuleSourceKVCounter, v.RuleSource)

	// One window later the block is still in force.
	e.now = func() time.Time { return base.Add(3601 * time.Second) }
	mr.FastForward(3601 * time.Second)
	v, err = e.Check(ctx, "u1", "user", "/e")
	require.NoError(t, err)
	assert.False(t, v.Allowed)
	assert.Equal(t, RuleSourceKVBlock, v.RuleSource)

	for _, ev := range sink.all() {
		if ev.RuleSource == RuleSourceKVCounter && ev.Decision == DecisionAllow {
			require.NotNil(t, ev.Calls)
			assert.Equal(t, int64(1), *ev.Calls)
		}
	}
}

func TestEngineDisabledFallbackAllows(t *testing.T) {
	store := &fakePolicyStore{}
	e, sink, _ := newTestEngine(t, store, Config{
		Fallback:      FallbackConfig{Enabled: false, WindowSec: 3600, MaxCalls: 1, BlockSec: 10800},
		EventSampling: 1.0,
	})

	for i := 0; i < 5; i++ {
		v, err := e.Check(context.Background(), "u1", "user", "/e")
		require.NoError(t, err)
		assert.True(t, v.Allowed)
		assert.Equal(t, "disabled", v.Reason)
	}

	events := sink.all()
	require.NotEmpty(t, events)
	assert.Equal(t, RuleSourceFallback, events[0].RuleSource)
	assert.Equal(t, "disabled", events[0].Reason)
}

func TestEnginePolicyDBFailOpenOnManualBlock(t *testing.T) {
	store := &fakePolicyStore{blockErr: errors.New("connection refused")}
	e, _, _ := newTestEngine(t, store, Config{
		Fallback: FallbackConfig{Enabled: true, WindowSec: 60, MaxCalls: 2, BlockSec: 60},
	})

	// The counter pipeline still runs despite the manual-block failure.
	v, err := e.Check(context.Background(), "u1", "user", "/e")
	require.NoError(t, err)
	assert.True(t, v.Allowed)
	assert.Equal(t, RuleSourceKVCounter, v.RuleSource)
}

func TestEngineDegradedDeny(t *testing.T) {
	store := &fakePolicyStore{}
	e, _, mr := newTestEngine(t, store, Config{Fallback: DefaultFallback(), DegradedMode: DegradedDeny})
	mr.Close()

	_, err := e.Check(context.Background(), "u1", "user", "/e")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrKVUnavailable))
}

func TestEngineDegradedAllow(t *testing.T) {
	store := &fakePolicyStore{}
	e, _, mr := newTestEngine(t, store, Config{Fallback: DefaultFallback(), DegradedMode: DegradedAllow})
	mr.Close()

	v, err := e.Check(context.Background(), "u1", "user", "/e")
	require.NoError(t, err)
	assert.True(t, v.Allowed)
	assert.Equal(t, "degraded", v.RuleSource)
}

func TestEngineSamplingSkipsAllowEvents(t *testing.T) {
	store := &fakePolicyStore{policies: []Policy{
		{ID: 1, Level: LevelGlobal, WindowSec: 60, MaxCalls: 1, BlockSec: 60, Enabled: true, Priority: 1},
	}}
	e, sink, _ := newTestEngine(t, store, Config{Fallback: DefaultFallback(), EventSampling: 0.5})
	e.randFloat = func() float64 { return 0.9 } // always above the sampling rate

	ctx := context.Background()
	v, err := e.Check(ctx, "u1", "user", "/e")
	require.NoError(t, err)
	assert.True(t, v.Allowed)
	assert.Empty(t, sink.all(), "allow event should be sampled out")

	// The first exceeded event bypasses sampling.
	v, err = e.Check(ctx, "u1", "user", "/e")
	require.NoError(t, err)
	assert.False(t, v.Allowed)
	events := sink.all()
	require.Len(t, events, 1)
	assert.Equal(t, "exceeded", events[0].Reason)
}

func TestEngineSamplingZeroSuppressesSampledEvents(t *testing.T) {
	store := &fakePolicyStore{policies: []Policy{
		{ID: 1, Level: LevelGlobal, WindowSec: 60, MaxCalls: 1, BlockSec: 60, Enabled: true, Priority: 1},
	}}
	e, sink, _ := newTestEngine(t, store, Config{Fallback: DefaultFallback(), EventSampling: 0.0})
	e.randFloat = func() float64 { return 0.5 }

	ctx := context.Background()
	v, err := e.Check(ctx, "u1", "user", "/e")
	require.NoError(t, err)
	assert.True(t, v.Allowed)
	assert.Empty(t, sink.all(), "rate 0 drops every sampled event")

	// Events that bypass sampling are still written at rate 0.
	v, err = e.Check(ctx, "u1", "user", "/e")
	require.NoError(t, err)
	assert.False(t, v.Allowed)
	events := sink.all()
	require.Len(t, events, 1)
	assert.Equal(t, "exceeded", events[0].Reason)
}

func TestEngineCounterKeysLayout(t *testing.T) {
	assert.Equal(t, "rl:u1:/e:42", CounterKey("u1", "/e", 42))
	assert.Equal(t, "rl:block:u1:/e", BlockKey("u1", "/e"))
}

func TestEngineConcurrentAtMostN(t *testing.T) {
	store := &fakePolicyStore{policies: []Policy{
		{ID: 1, Level: LevelUser, Username: "u1", WindowSec: 3600, MaxCalls: 10, BlockSec: 60, Enabled: true, Priority: 1},
	}}
	e, _, _ := newTestEngine(t, store, Config{Fallback: DefaultFallback()})

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := e.Check(context.Background(), "u1", "user", "/e")
			if err == nil && v.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, allowed, 10, "at most max_calls requests may be allowed in one window")
}

func TestManualBlockActiveAt(t *testing.T) {
	now := time.Now()
	cleared := now.Add(-time.Minute)
	tests := []struct {
		name  string
		block ManualBlock
		want  bool
	}{
		{"active", ManualBlock{BlockUntil: now.Add(time.Hour)}, true},
		{"expired", ManualBlock{BlockUntil: now.Add(-time.Hour)}, false},
		{"cleared", ManualBlock{BlockUntil: now.Add(time.Hour), ClearedAt: &cleared}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.block.ActiveAt(now))
		})
	}
}

func TestPolicySource(t *testing.T) {
	p := Policy{ID: 12, Level: LevelUserEndpoint}
	assert.Equal(t, fmt.Sprintf("policy:%s:%d", LevelUserEndpoint, 12), p.Source())
}
