// Copyright 2025 Suprema
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"suprema/gateway/shared/logger"
)

// Prometheus metrics
var promDecisionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "gateway_ratelimit_decisions_total",
		Help: "Total number of rate limit decisions by outcome and rule source",
	},
	[]string{"decision", "rule_source"},
)

func init() {
	prometheus.MustRegister(promDecisionsTotal)
}

// DegradedMode selects the engine behaviour when the KV store is
// unreachable.
type DegradedMode string

const (
	DegradedAllow DegradedMode = "allow"
	DegradedDeny  DegradedMode = "deny"
)

// Verdict is the outcome of one decision pipeline run.
type Verdict struct {
	Allowed    bool
	RetryAfter int // seconds until the block lifts; zero when allowed
	RuleSource string
	Reason     string
}

// Config holds the engine's process-wide settings.
type Config struct {
	Fallback      FallbackConfig
	EventSampling float64
	DegradedMode  DegradedMode
}

// Engine orchestrates the decision pipeline: manual-block check, policy
// resolution, KV block check, counter increment, verdict, audit event.
type Engine struct {
	policies PolicyStore
	counters CounterStore
	cache    *PolicyCache
	resolver *Resolver
	audit    AuditSink
	sampling float64
	degraded DegradedMode
	log      *logger.Logger

	// test seams
	now       func() time.Time
	randFloat func() float64
}

// NewEngine wires the decision engine. The audit sink is typically an
// AuditQueue over the same policy store.
func NewEngine(policies PolicyStore, counters CounterStore, audit AuditSink, cfg Config) *Engine {
	cache := NewPolicyCache(policies)
	mode := cfg.DegradedMode
	if mode == "" {
		mode = DegradedDeny
	}
	sampling := cfg.EventSampling
	if sampling < 0 {
		sampling = 0
	} else if sampling > 1 {
		sampling = 1.0
	}
	return &Engine{
		policies:  policies,
		counters:  counters,
		cache:     cache,
		resolver:  NewResolver(cache, cfg.Fallback),
		audit:     audit,
		sampling:  sampling,
		degraded:  mode,
		log:       logger.New("decision-engine"),
		now:       time.Now,
		randFloat: rand.Float64,
	}
}

// Check runs the decision pipeline for one guarded request.
//
// A policy DB failure during the manual-block check fails open: the
// counter pipeline still runs. A KV failure is resolved by the
// configured degraded mode; deny surfaces ErrKVUnavailable.
func (e *Engine) Check(ctx context.Context, username, role, endpoint string) (Verdict, error) {
	now := e.now()

	// 1. Manual block (policy DB).
	blk, err := e.policies.FindActiveBlock(ctx, username, endpoint)
	if err != nil {
		e.log.Warn(username, endpoint, "manual block check failed, continuing with counter pipeline",
			map[string]interface{}{"error": err.Error()})
	} else if blk != nil {
		t := int(math.Ceil(blk.BlockUntil.Sub(now).Seconds()))
		if t < 1 {
			t = 1
		}
		e.emit(AuditEvent{
			Username: username, Role: role, Endpoint: endpoint,
			Decision: DecisionBlock, RuleSource: RuleSourceManualBlock,
			Reason: fmt.Sprintf("DB block %ds", t),
		}, true)
		return e.verdict(Verdict{
			Allowed:    false,
			RetryAfter: t,
			RuleSource: RuleSourceManualBlock,
			Reason:     fmt.Sprintf("blocked by administrator, wait %ds", t),
		}), nil
	}

	// 2-3. Effective policy.
	eff := e.resolver.Resolve(ctx, username, role, endpoint)
	if !eff.Enabled {
		e.emit(AuditEvent{
			Username: username, Role: role, Endpoint: endpoint,
			Decision: DecisionAllow, RuleSource: eff.Source,
			WindowSec: eff.WindowSec, MaxCalls: eff.MaxCalls, BlockSec: eff.BlockSec,
			Reason: "disabled",
		}, false)
		return e.verdict(Verdict{Allowed: true, RuleSource: eff.Source, Reason: "disabled"}), nil
	}

	// 4. Fixed window id.
	windowID := now.Unix() / int64(eff.WindowSec)

	// 5. KV block sentinel.
	ttl, err := e.counters.TTL(ctx, BlockKey(username, endpoint))
	if err != nil {
		return e.degradedVerdict(username, endpoint, err)
	}
	if ttl > 0 {
		e.emit(AuditEvent{
			Username: username, Role: role, Endpoint: endpoint,
			Decision: DecisionBlock, RuleSource: RuleSourceKVBlock,
			WindowSec: eff.WindowSec, MaxCalls: eff.MaxCalls, BlockSec: eff.BlockSec,
			Reason: fmt.Sprintf("TTL %ds", ttl),
		}, false)
		return e.verdict(Verdict{
			Allowed:    false,
			RetryAfter: int(ttl),
			RuleSource: RuleSourceKVBlock,
			Reason:     fmt.Sprintf("blocked, wait %ds", ttl),
		}), nil
	}

	// 6. Atomic increment; the counter TTL covers window + block so it
	// keeps counting while the block key is live.
	counterTTL := time.Duration(eff.WindowSec+eff.BlockSec) * time.Second
	calls, err := e.counters.IncrWithExpiry(ctx, CounterKey(username, endpoint, windowID), counterTTL)
	if err != nil {
		return e.degradedVerdict(username, endpoint, err)
	}

	// 7. Verdict.
	if calls > int64(eff.MaxCalls) {
		blockTTL := time.Duration(eff.BlockSec) * time.Second
		if err := e.counters.SetBlock(ctx, BlockKey(username, endpoint), blockTTL); err != nil {
			e.log.Warn(username, endpoint, "failed to set block key",
				map[string]interface{}{"error": err.Error()})
		}
		e.emit(AuditEvent{
			Username: username, Role: role, Endpoint: endpoint,
			Decision: DecisionBlock, RuleSource: RuleSourceKVCounter,
			WindowSec: eff.WindowSec, MaxCalls: eff.MaxCalls, BlockSec: eff.BlockSec,
			Calls: &calls, Reason: "exceeded",
		}, true)
		return e.verdict(Verdict{
			Allowed:    false,
			RetryAfter: eff.BlockSec,
			RuleSource: RuleSourceKVCounter,
			Reason: fmt.Sprintf("limit exceeded (%d/%ds), blocked for %ds",
				eff.MaxCalls, eff.WindowSec, eff.BlockSec),
		}), nil
	}

	e.emit(AuditEvent{
		Username: username, Role: role, Endpoint: endpoint,
		Decision: DecisionAllow, RuleSource: RuleSourceKVCounter,
		WindowSec: eff.WindowSec, MaxCalls: eff.MaxCalls, BlockSec: eff.BlockSec,
		Calls: &calls,
	}, false)
	return e.verdict(Verdict{Allowed: true, RuleSource: RuleSourceKVCounter}), nil
}

// degradedVerdict applies the configured degraded mode after a KV
// failure. The engine never silently admits or silently blocks.
func (e *Engine) degradedVerdict(username, endpoint string, err error) (Verdict, error) {
	if e.degraded == DegradedAllow {
		e.log.Warn(username, endpoint, "KV unavailable, degraded mode allows request",
			map[string]interface{}{"error": err.Error()})
		return e.verdict(Verdict{Allowed: true, RuleSource: "degraded", Reason: "kv unavailable"}), nil
	}
	e.log.Error(username, endpoint, "KV unavailable, degraded mode denies request",
		map[string]interface{}{"error": err.Error()})
	return Verdict{}, fmt.Errorf("%w: %v", ErrKVUnavailable, err)
}

// emit records an audit event, subject to sampling. Manual-block and
// first-exceeded events bypass sampling.
func (e *Engine) emit(ev AuditEvent, always bool) {
	if !always && e.sampling < 1.0 && e.randFloat() > e.sampling {
		return
	}
	ev.TS = e.now().UTC()
	e.audit.Enqueue(ev)
}

func (e *Engine) verdict(v Verdict) Verdict {
	decision := DecisionAllow
	if !v.Allowed {
		decision = DecisionBlock
	}
	promDecisionsTotal.WithLabelValues(decision, v.RuleSource).Inc()
	return v
}

// InvalidatePolicies drops the cached policy snapshot so the next
// request reloads from the database.
func (e *Engine) InvalidatePolicies() {
	e.cache.Invalidate()
}
