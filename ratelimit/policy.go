// Copyright 2025 Suprema
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"fmt"
	"time"
)

// Level identifies the scope of a rate limit policy.
type Level string

const (
	LevelGlobal       Level = "global"
	LevelRole         Level = "role"
	LevelUser         Level = "user"
	LevelEndpoint     Level = "endpoint"
	LevelUserEndpoint Level = "user_endpoint"
	LevelRoleEndpoint Level = "role_endpoint"
)

// Decision values recorded on audit events.
const (
	DecisionAllow = "allow"
	DecisionBlock = "block"
)

// Rule source tags identifying which branch of the pipeline decided.
const (
	RuleSourceManualBlock = "manual_block"
	RuleSourceKVBlock     = "kv_block"
	RuleSourceKVCounter   = "kv_counter"
	RuleSourceFallback    = "fallback"
)

// Policy is one row of the policy database. Which scope selectors are
// populated depends on Level; selectors not required by the level are
// empty strings.
type Policy struct {
	ID        int64
	Level     Level
	Role      string
	Username  string
	Endpoint  string
	WindowSec int
	MaxCalls  int
	BlockSec  int
	Enabled   bool
	Priority  int
	UpdatedAt time.Time
}

// Matches reports whether the policy's scope covers the given request.
// Administrators assign priorities consistent with specificity; Matches
// only checks the scope selectors for the policy's level.
func (p Policy) Matches(username, role, endpoint string) bool {
	switch p.Level {
	case LevelUserEndpoint:
		return p.Username == username && p.Endpoint == endpoint
	case LevelUser:
		return p.Username == username
	case LevelRoleEndpoint:
		return p.Role == role && p.Endpoint == endpoint
	case LevelRole:
		return p.Role == role
	case LevelEndpoint:
		return p.Endpoint == endpoint
	case LevelGlobal:
		return true
	}
	return false
}

// Source returns the rule source tag for audit events decided by this policy.
func (p Policy) Source() string {
	return fmt.Sprintf("policy:%s:%d", p.Level, p.ID)
}

// ManualBlock is an administrator-placed override stored in the policy DB.
type ManualBlock struct {
	ID         int64
	Username   string
	Endpoint   string
	BlockUntil time.Time
	Reason     string
	ClearedAt  *time.Time
	ClearedBy  string
}

// ActiveAt reports whether the block is in force at the given instant.
func (b ManualBlock) ActiveAt(now time.Time) bool {
	return b.ClearedAt == nil && b.BlockUntil.After(now)
}

// AuditEvent is one allow/block decision, persisted subject to sampling.
// Calls is nil for decisions taken before the counter was consulted.
type AuditEvent struct {
	TS         time.Time
	Username   string
	Role       string
	Endpoint   string
	Decision   string
	RuleSource string
	WindowSec  int
	MaxCalls   int
	BlockSec   int
	Calls      *int64
	Reason     string
}

// CounterKey returns the fixed-window counter key for a user/endpoint pair.
func CounterKey(username, endpoint string, windowID int64) string {
	return fmt.Sprintf("rl:%s:%s:%d", username, endpoint, windowID)
}

// BlockKey returns the block sentinel key for a user/endpoint pair.
func BlockKey(username, endpoint string) string {
	return fmt.Sprintf("rl:block:%s:%s", username, endpoint)
}
