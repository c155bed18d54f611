// Copyright 2023 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

// Package config contains the user-visible configuration for running
// an applier against a single master.
package config

import (
	"strings"

	"github.com/cockroachdb/repl-applier/internal/applier/marker"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
)

// Config is the full set of tunables the follower loop and apply
// engine consult.
type Config struct {
	// MasterEndpoint is the base URL of the master's HTTP replication
	// API.
	MasterEndpoint string
	// MasterDatabase selects which of the master's databases to follow.
	MasterDatabase string
	// TargetURL is a pgx-compatible connection string for the
	// Postgres/CockroachDB-backed storage collaborator.
	TargetURL string
	// TargetSchema is the schema the storage collaborator creates and
	// resolves collections within.
	TargetSchema string
	// StateTable names the single-row table used to persist ApplierState
	// across restarts.
	StateTable string

	// InitialTick, when nonzero, overrides the persisted resume point:
	// the follower starts tailing the master's log from this tick
	// instead of its own last-applied watermark. It is supplied by the
	// initial-dump subsystem after a full synchronization.
	InitialTick uint64

	// ChunkSize caps the response body size the master should return
	// per follow-log call, in bytes.
	ChunkSize int
	// IncludeSystem requests that markers on system collections be
	// fetched and applied at all.
	IncludeSystem bool
	// RestrictType is "include", "exclude", or "" (no restriction).
	RestrictType string
	// RestrictCollections is the set RestrictType is interpreted
	// against.
	RestrictCollections []string
	// RequireFromPresent aborts the applier, rather than silently
	// resyncing, when the master cannot serve the requested fromTick.
	RequireFromPresent bool

	// Verbose raises the logger's level to Debug.
	Verbose bool
	// MaxConnectRetries caps how many times a transient connection
	// failure is retried before being promoted to fatal. Zero means
	// unlimited.
	MaxConnectRetries int
	// IgnoreErrors is the per-chunk budget of malformed marker lines and
	// failed marker applies that are skipped rather than failed on.
	IgnoreErrors int
	// AdaptivePolling enables the idle-cycle backoff schedule in the
	// follower loop; disabling it polls at a constant interval, which is
	// useful for deterministic tests.
	AdaptivePolling bool
}

// Bind registers the configuration's flags, grounded in the same
// pflag-based style used throughout the stack.
func (c *Config) Bind(flags *pflag.FlagSet) {
	flags.StringVar(&c.MasterEndpoint, "masterEndpoint", "",
		"the base URL of the master's replication HTTP API")
	flags.StringVar(&c.MasterDatabase, "masterDatabase", "_system",
		"the master database to follow")
	flags.StringVar(&c.TargetURL, "targetURL", "",
		"a connection string for the target Postgres/CockroachDB database")
	flags.StringVar(&c.TargetSchema, "targetSchema", "public",
		"the schema collections are created and resolved within")
	flags.StringVar(&c.StateTable, "stateTable", "_applier_state",
		"the table used to persist applier progress across restarts")

	flags.Uint64Var(&c.InitialTick, "initialTick", 0,
		"the tick to start tailing from, overriding persisted progress; 0 resumes from the last applied tick")
	flags.IntVar(&c.ChunkSize, "chunkSize", 1<<20,
		"the requested response size for each follow-log call, in bytes")
	flags.BoolVar(&c.IncludeSystem, "includeSystem", false,
		"include markers that touch system collections")
	flags.StringVar(&c.RestrictType, "restrictType", "",
		"either 'include' or 'exclude', paired with restrictCollections")
	flags.StringSliceVar(&c.RestrictCollections, "restrictCollections", nil,
		"collection names restrictType applies to")
	flags.BoolVar(&c.RequireFromPresent, "requireFromPresent", true,
		"fail rather than silently resync when the master cannot serve our resume tick")

	flags.BoolVar(&c.Verbose, "verbose", false, "enable debug logging")
	flags.IntVar(&c.MaxConnectRetries, "maxConnectRetries", 10,
		"number of times to retry a transient master connection failure before giving up; 0 means unlimited")
	flags.IntVar(&c.IgnoreErrors, "ignoreErrors", 0,
		"number of malformed marker lines or failed marker applies to skip, per chunk, before failing")
	flags.BoolVar(&c.AdaptivePolling, "adaptivePolling", true,
		"back off polling frequency during idle periods")
}

// Preflight validates the configuration and normalizes
// RestrictCollections into the set form marker.FilterConfig expects.
func (c *Config) Preflight() error {
	if c.MasterEndpoint == "" {
		return errors.New("masterEndpoint unset")
	}
	if c.TargetURL == "" {
		return errors.New("targetURL unset")
	}
	if c.ChunkSize <= 0 {
		return errors.New("chunkSize must be positive")
	}
	switch strings.ToLower(c.RestrictType) {
	case "", "include", "exclude":
	default:
		return errors.Errorf("restrictType must be 'include' or 'exclude', got %q", c.RestrictType)
	}
	if c.RestrictType != "" && len(c.RestrictCollections) == 0 {
		return errors.New("restrictType set without any restrictCollections")
	}
	if c.MaxConnectRetries < 0 {
		return errors.New("maxConnectRetries must not be negative")
	}
	if c.IgnoreErrors < 0 {
		return errors.New("ignoreErrors must not be negative")
	}
	return nil
}

// FilterConfig projects the restriction flags into the shape
// marker.Filter consumes.
func (c *Config) FilterConfig() marker.FilterConfig {
	mode := marker.RestrictNone
	switch strings.ToLower(c.RestrictType) {
	case "include":
		mode = marker.RestrictInclude
	case "exclude":
		mode = marker.RestrictExclude
	}
	set := make(map[string]struct{}, len(c.RestrictCollections))
	for _, name := range c.RestrictCollections {
		set[name] = struct{}{}
	}
	return marker.FilterConfig{
		IncludeSystem:       c.IncludeSystem,
		RestrictMode:        mode,
		RestrictCollections: set,
	}
}
