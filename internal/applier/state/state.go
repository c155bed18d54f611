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

// Package state holds the small, durable record of applier progress:
// the four watermark ticks, counters, and the master identity they're
// relative to.
package state

import (
	"sync"

	"github.com/cockroachdb/repl-applier/internal/applier/marker"
	"github.com/cockroachdb/repl-applier/internal/applier/tick"
)

// Counters track progress for diagnostics; none of them participate in
// correctness.
type Counters struct {
	TotalRequests     uint64
	FailedConnects    uint64
	SkippedOperations uint64
	EventsApplied     uint64
}

// ApplierState is the persisted record of applier progress: the
// master's identity, the four watermark ticks, counters, whether the
// applier is active, and the last fatal error observed.
type ApplierState struct {
	MasterServerID    marker.ServerID
	Uninitialized     bool // true until the first handshake seeds MasterServerID
	Active            bool
	LastAppliedTick   tick.Tick
	LastProcessedTick tick.Tick
	SafeResumeTick    tick.Tick
	LastAvailableTick tick.Tick
	Counters          Counters
	LastError         string
}

// Fresh returns a newly initialized state as returned by Store.Load
// when no record exists yet: all ticks and counters zero, flagged
// uninitialized so the follower loop knows to seed MasterServerID from
// the next handshake.
func Fresh() ApplierState {
	return ApplierState{Uninitialized: true}
}

// Guarded wraps an ApplierState with a lock: short critical sections
// around the persisted state and counters, taken by the follower loop
// and by anything reporting progress concurrently (e.g. a diagnostics
// endpoint).
type Guarded struct {
	mu    sync.Mutex
	state ApplierState

	// progress is the short human-readable description of what the
	// applier is about to do. It is diagnostic only and never
	// persisted.
	progress string
}

// NewGuarded wraps an initial state.
func NewGuarded(initial ApplierState) *Guarded {
	return &Guarded{state: initial}
}

// Reset replaces the tracked state wholesale, used once at load time
// before the follower loop starts.
func (g *Guarded) Reset(s ApplierState) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state = s
}

// Snapshot returns a copy of the current state.
func (g *Guarded) Snapshot() ApplierState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Advance monotonically updates one of the four watermark ticks. A
// non-monotonic update (new value not greater than the current one) is
// silently ignored; the return value reports whether it took effect.
func (g *Guarded) Advance(kind tick.Kind, t tick.Tick) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.advanceLocked(kind, t)
}

func (g *Guarded) advanceLocked(kind tick.Kind, t tick.Tick) bool {
	cur := g.fieldLocked(kind)
	if t <= *cur {
		return false
	}
	*cur = t
	return true
}

func (g *Guarded) fieldLocked(kind tick.Kind) *tick.Tick {
	switch kind {
	case tick.LastProcessed:
		return &g.state.LastProcessedTick
	case tick.LastApplied:
		return &g.state.LastAppliedTick
	case tick.SafeResume:
		return &g.state.SafeResumeTick
	case tick.LastAvailable:
		return &g.state.LastAvailableTick
	default:
		panic("unknown tick kind")
	}
}

// IncSkipped increments the skipped-operation counter for a marker
// that was not applied: dropped by the skip/filter decision, skipped
// under the ignoreErrors budget after a failed apply, or a swallowed
// duplicate on a system collection.
func (g *Guarded) IncSkipped() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state.Counters.SkippedOperations++
}

// IncApplied increments the applied-event counter.
func (g *Guarded) IncApplied() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state.Counters.EventsApplied++
}

// IncFailedConnects increments the failed-connect counter.
func (g *Guarded) IncFailedConnects() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state.Counters.FailedConnects++
}

// IncTotalRequests increments the total-requests counter.
func (g *Guarded) IncTotalRequests() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state.Counters.TotalRequests++
}

// SetError records the last fatal error and marks the applier
// inactive.
func (g *Guarded) SetError(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err == nil {
		g.state.LastError = ""
	} else {
		g.state.LastError = err.Error()
	}
	g.state.Active = false
}

// SetActive sets the active flag.
func (g *Guarded) SetActive(active bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state.Active = active
}

// SetProgress records what the applier is about to do, for operators
// polling its status.
func (g *Guarded) SetProgress(msg string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.progress = msg
}

// Progress returns the most recently recorded progress message.
func (g *Guarded) Progress() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.progress
}

// SetMasterServerID records the master identity on first handshake.
func (g *Guarded) SetMasterServerID(id marker.ServerID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state.MasterServerID = id
	g.state.Uninitialized = false
}
