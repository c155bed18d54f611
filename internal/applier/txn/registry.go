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

// Package txn tracks the master's open transactions as they map to
// local replication transaction handles. It is owned exclusively by
// the follower worker; nothing else touches it concurrently, so its
// own locking exists only to make that assumption cheap to verify
// rather than to support multi-writer access.
package txn

import (
	"context"
	"sort"
	"sync"

	"github.com/cockroachdb/repl-applier/internal/applier/marker"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// ErrNotFound is returned by Commit/Abort when the registry holds no
// entry for the transaction id. Callers distinguish it from a handle's
// own commit/abort failure with errors.Is.
var ErrNotFound = errors.New("transaction not registered")

// Handle is a local transaction, begun to apply one or more markers
// that share a master transaction id.
type Handle interface {
	Commit(ctx context.Context) error
	Abort(ctx context.Context) error
}

// State describes where a transaction id sits in its lifecycle:
// absent, a pre-resume placeholder seeded from open-transactions, or a
// live local handle.
type State int

const (
	// Absent means the registry holds no entry for the id.
	Absent State = iota
	// Placeholder means an entry exists with no local handle: it was
	// seeded by the initial open-transactions fetch and represents a
	// transaction that began before the resume point. Document ops
	// arriving for it are applied standalone (the bridge); only a
	// control marker removes it.
	Placeholder
	// Live means a local transaction handle backs the entry.
	Live
)

type entry struct {
	handle Handle // nil for a Placeholder entry
}

// Registry is the in-memory map from master transaction id to local
// replication transaction handle.
type Registry struct {
	mu      sync.Mutex
	entries map[marker.TransactionID]*entry
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{entries: make(map[marker.TransactionID]*entry)}
}

// SeedPlaceholder records tid as open-before-resume, per the initial
// open-transactions fetch. It is a no-op if an entry already exists.
func (r *Registry) SeedPlaceholder(tid marker.TransactionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[tid]; ok {
		return
	}
	r.entries[tid] = &entry{}
}

// Lookup reports the current state of tid and its handle, if live.
func (r *Registry) Lookup(tid marker.TransactionID) (State, Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[tid]
	if !ok {
		return Absent, nil
	}
	if e.handle == nil {
		return Placeholder, nil
	}
	return Live, e.handle
}

// IsOpen reports whether tid currently has any entry (live or
// placeholder) in the registry. It is the predicate the open-
// transaction bridge (marker.Filter) consults.
func (r *Registry) IsOpen(tid marker.TransactionID) bool {
	state, _ := r.Lookup(tid)
	return state != Absent
}

// IsPlaceholder reports whether tid is currently a pre-resume
// placeholder -- a transaction that began before the resume point and
// whose document ops the follower loop is free to batch and
// deduplicate before applying, since each applies standalone anyway.
func (r *Registry) IsPlaceholder(tid marker.TransactionID) bool {
	state, _ := r.Lookup(tid)
	return state == Placeholder
}

// Start begins a local transaction for tid, associating handle with
// it. If a live entry already exists for tid -- which should not
// happen in practice but is handled defensively -- the existing handle
// is aborted first and replaced.
func (r *Registry) Start(ctx context.Context, tid marker.TransactionID, handle Handle) {
	r.mu.Lock()
	existing, ok := r.entries[tid]
	r.mu.Unlock()

	if ok && existing.handle != nil {
		log.Warnf("transaction %d already live on TxnStart; aborting stale handle", tid)
		if err := existing.handle.Abort(ctx); err != nil {
			log.WithError(err).Warnf("failed to abort stale handle for transaction %d", tid)
		}
	}

	r.mu.Lock()
	r.entries[tid] = &entry{handle: handle}
	r.mu.Unlock()
}

// Commit finalizes tid. A Placeholder entry commits as a no-op --
// its operations already reached the follower as standalone writes via
// the bridge -- while a Live entry's handle is committed. Either way
// the entry is removed. A missing entry is ErrNotFound.
func (r *Registry) Commit(ctx context.Context, tid marker.TransactionID) error {
	return r.finish(ctx, tid, Handle.Commit)
}

// Abort is symmetric to Commit with abort semantics.
func (r *Registry) Abort(ctx context.Context, tid marker.TransactionID) error {
	return r.finish(ctx, tid, Handle.Abort)
}

func (r *Registry) finish(ctx context.Context, tid marker.TransactionID, op func(Handle, context.Context) error) error {
	r.mu.Lock()
	e, ok := r.entries[tid]
	if ok {
		delete(r.entries, tid)
	}
	r.mu.Unlock()

	if !ok {
		return errors.Wrapf(ErrNotFound, "transaction %d", tid)
	}
	if e.handle == nil {
		return nil
	}
	return op(e.handle, ctx)
}

// Empty reports whether the registry currently has no open
// transactions (live or placeholder). The safe-resume watermark may
// only advance while this is true.
func (r *Registry) Empty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries) == 0
}

// OpenIDs returns every transaction id with an entry, live or
// placeholder, in ascending order. The follower loop sends this list
// with each follow-log request so the master keeps bridging the
// operations those transactions emitted before the resume point. The
// result is never nil.
func (r *Registry) OpenIDs() []marker.TransactionID {
	r.mu.Lock()
	ids := make([]marker.TransactionID, 0, len(r.entries))
	for tid := range r.entries {
		ids = append(ids, tid)
	}
	r.mu.Unlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Len returns the number of open transaction entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// AbortAll terminates every live transaction in the registry. It is
// called on applier shutdown.
func (r *Registry) AbortAll(ctx context.Context) {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[marker.TransactionID]*entry)
	r.mu.Unlock()

	for tid, e := range entries {
		if e.handle == nil {
			continue
		}
		if err := e.handle.Abort(ctx); err != nil {
			log.WithError(err).Warnf("failed to abort transaction %d during shutdown", tid)
		}
	}
}
