// Copyright 2025 Suprema
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import "errors"

var (
	// ErrPolicyDBUnavailable indicates the policy database could not be
	// reached. Manual-block checks fail open on this error; audit writes
	// fail closed (the event is dropped).
	ErrPolicyDBUnavailable = errors.New("policy database unavailable")

	// ErrKVUnavailable indicates the shared KV store could not be reached.
	// The engine's degraded mode decides whether requests are admitted.
	ErrKVUnavailable = errors.New("rate limit store unavailable")
)
