// Copyright 2025 Suprema
// SPDX-License-Identifier: Apache-2.0

// Package main is the entry point for the Suprema logistics gateway.
//
// The gateway is an authenticated HTTP facade over a read-only tabular
// store that:
// - Authenticates users and issues opaque bearer tokens
// - Enforces hierarchical per-user rate limit policies backed by Redis
// - Serves homologated logistics tables as JSON
// - Writes sampled audit events to the policy database
//
// Usage:
//
//	./gateway
//
// Environment Variables:
//
//	PORT - HTTP server port (default: 8508)
//	DATABASE_URL - data store connection string (PostgreSQL or MySQL)
//	POLICY_DATABASE_URL - PostgreSQL connection string for policies
//	REDIS_URL - Redis connection string for counters
package main

import (
	"fmt"
	"os"

	"suprema/gateway/api"
)

func main() {
	if err := api.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "gateway: %v\n", err)
		os.Exit(1)
	}
}
