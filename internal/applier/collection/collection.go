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

// Package collection specifies the transactional collection interface
// the applier requires of its storage collaborator. The physical
// storage engine, write-ahead log, and index implementation all live
// behind this boundary; the package fixes only the contract the apply
// engine consumes, plus one concrete implementation backed by a
// relational target.
package collection

import (
	"context"
	"encoding/json"

	"github.com/cockroachdb/repl-applier/internal/applier/marker"
)

// Descriptor identifies a collection the way the local follower knows
// it. When a local collection exists under the same name as a marker's
// CollectionName but a different id, the local id wins; Resolve is
// where that substitution happens.
type Descriptor struct {
	ID   marker.CollectionID
	Name string
}

// Resolver maps a marker's collection reference to the local
// Descriptor that should be used to apply it.
type Resolver interface {
	// Resolve looks up the collection by master id, name, or both.
	// Implementations should prefer a local collection with a matching
	// name over one with a matching id when the two disagree.
	Resolve(ctx context.Context, id marker.CollectionID, name string) (Descriptor, error)
}

// UniqueConstraintViolatedError is returned by Txn.Upsert when the
// write would violate a uniqueness constraint. The apply engine
// swallows this on system collections (idempotent retry) and
// surfaces it otherwise.
type UniqueConstraintViolatedError struct {
	Collection string
	Key        json.RawMessage
}

func (e *UniqueConstraintViolatedError) Error() string {
	return "unique constraint violated in " + e.Collection + " for key " + string(e.Key)
}

// Txn is a local replication transaction: either a standalone,
// single-marker transaction, or the accumulation of every marker that
// shares a master transaction id. The apply engine begins one before
// applying its first marker and commits or aborts it afterward.
type Txn interface {
	// Upsert inserts or replaces the document identified by key in the
	// given collection -- the "insert or replace" semantics that
	// DocInsert/EdgeInsert markers carry. rev is the master's document
	// revision, stored alongside the data for idempotence checks.
	Upsert(ctx context.Context, coll Descriptor, key json.RawMessage, rev uint64, payload json.RawMessage) error

	// Remove deletes the document identified by key, if present.
	Remove(ctx context.Context, coll Descriptor, key json.RawMessage, rev uint64) error

	// Commit finalizes the transaction's effects durably.
	Commit(ctx context.Context) error

	// Abort discards the transaction's effects.
	Abort(ctx context.Context) error
}

// ChangeableProperties is the subset of collection properties a
// ColChange marker may update on the fly; other fields in the payload
// are ignored.
type ChangeableProperties struct {
	WaitForSync  *bool
	DoCompact    *bool
	MaximalSize  *int64
	IndexBuckets *int
}

// DDL is the data-definition subset of the storage collaborator
// contract: collection and index lifecycle operations that do not
// participate in document transactions.
type DDL interface {
	CreateCollection(ctx context.Context, id marker.CollectionID, name string, params json.RawMessage) error
	DropCollection(ctx context.Context, coll Descriptor) error
	RenameCollection(ctx context.Context, coll Descriptor, newName string) error
	ChangeCollection(ctx context.Context, coll Descriptor, props ChangeableProperties) error
	CreateIndex(ctx context.Context, coll Descriptor, id marker.IndexID, spec json.RawMessage) error
	DropIndex(ctx context.Context, coll Descriptor, id marker.IndexID) error
}

// Collaborator is the full storage-collaborator contract the apply
// engine depends on: it can resolve collections, begin transactions,
// and perform DDL. A single implementation backs both document writes
// and schema changes because, on the master's log, both interleave in
// tick order and must observe each other's effects.
type Collaborator interface {
	Resolver
	DDL

	// Begin starts a new local transaction scoped to whatever markers
	// the caller is about to apply through it: either all the markers
	// sharing one master transaction id, or exactly one standalone
	// marker.
	Begin(ctx context.Context) (Txn, error)
}
