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

// Package testutil holds fakes shared by the applier's own test suites:
// a scriptable wire.Client, a scriptable storage collaborator, and a
// purely in-memory state.Store. None of it talks to a network or a
// database; it exists so the follower loop and apply engine can be
// exercised deterministically.
package testutil

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"

	"github.com/cockroachdb/repl-applier/internal/applier/collection"
	"github.com/cockroachdb/repl-applier/internal/applier/marker"
	"github.com/cockroachdb/repl-applier/internal/applier/state"
	"github.com/cockroachdb/repl-applier/internal/applier/tick"
	"github.com/cockroachdb/repl-applier/internal/applier/wire"
)

// FakeClient is a scriptable wire.Client. Each field, if set, backs the
// corresponding method; an unset field panics if called, so a test
// fails loudly rather than silently exercising zero values.
type FakeClient struct {
	HandshakeFunc        func(ctx context.Context) (wire.MasterInfo, error)
	OpenTransactionsFunc func(ctx context.Context, from, to tick.Tick) (wire.OpenTransactionsResult, error)
	FollowLogFunc        func(ctx context.Context, req wire.FollowLogRequest) (wire.FollowLogResult, error)
}

func (f *FakeClient) Handshake(ctx context.Context) (wire.MasterInfo, error) {
	return f.HandshakeFunc(ctx)
}

func (f *FakeClient) OpenTransactions(ctx context.Context, from, to tick.Tick) (wire.OpenTransactionsResult, error) {
	return f.OpenTransactionsFunc(ctx, from, to)
}

func (f *FakeClient) FollowLog(ctx context.Context, req wire.FollowLogRequest) (wire.FollowLogResult, error) {
	return f.FollowLogFunc(ctx, req)
}

// Body turns a slice of newline-joined marker JSON lines into the
// io.ReadCloser a FollowLogResult carries.
func Body(lines ...string) io.ReadCloser {
	return io.NopCloser(strings.NewReader(strings.Join(lines, "\n") + "\n\n"))
}

// FakeCollaborator is a scriptable collection.Collaborator backed by an
// in-memory map, sufficient for exercising the apply engine and
// follower loop without a real database.
type FakeCollaborator struct {
	mu    sync.Mutex
	Docs  map[string]json.RawMessage // "collection\x00key" -> payload
	Dupes map[string]bool            // keys that should report a unique violation on Upsert

	Upserts, Removes, Begins int
}

// NewFakeCollaborator returns an empty collaborator.
func NewFakeCollaborator() *FakeCollaborator {
	return &FakeCollaborator{
		Docs:  make(map[string]json.RawMessage),
		Dupes: make(map[string]bool),
	}
}

func (f *FakeCollaborator) Resolve(_ context.Context, id marker.CollectionID, name string) (collection.Descriptor, error) {
	return collection.Descriptor{ID: id, Name: name}, nil
}

func (f *FakeCollaborator) CreateCollection(context.Context, marker.CollectionID, string, json.RawMessage) error {
	return nil
}
func (f *FakeCollaborator) DropCollection(context.Context, collection.Descriptor) error { return nil }
func (f *FakeCollaborator) RenameCollection(context.Context, collection.Descriptor, string) error {
	return nil
}
func (f *FakeCollaborator) ChangeCollection(context.Context, collection.Descriptor, collection.ChangeableProperties) error {
	return nil
}
func (f *FakeCollaborator) CreateIndex(context.Context, collection.Descriptor, marker.IndexID, json.RawMessage) error {
	return nil
}
func (f *FakeCollaborator) DropIndex(context.Context, collection.Descriptor, marker.IndexID) error {
	return nil
}

func (f *FakeCollaborator) Begin(context.Context) (collection.Txn, error) {
	f.mu.Lock()
	f.Begins++
	f.mu.Unlock()
	return &fakeTxn{owner: f}, nil
}

type fakeTxn struct {
	owner *FakeCollaborator
}

func (t *fakeTxn) Upsert(_ context.Context, coll collection.Descriptor, key json.RawMessage, _ uint64, payload json.RawMessage) error {
	t.owner.mu.Lock()
	defer t.owner.mu.Unlock()
	k := coll.Name + "\x00" + string(key)
	if t.owner.Dupes[k] {
		return &collection.UniqueConstraintViolatedError{Collection: coll.Name, Key: key}
	}
	t.owner.Docs[k] = payload
	t.owner.Upserts++
	return nil
}

func (t *fakeTxn) Remove(_ context.Context, coll collection.Descriptor, key json.RawMessage, _ uint64) error {
	t.owner.mu.Lock()
	defer t.owner.mu.Unlock()
	delete(t.owner.Docs, coll.Name+"\x00"+string(key))
	t.owner.Removes++
	return nil
}

func (t *fakeTxn) Commit(context.Context) error { return nil }
func (t *fakeTxn) Abort(context.Context) error  { return nil }

// MemoryStore is a state.Store backed purely by an in-memory field; it
// never errors and starts Fresh() until explicitly Seeded.
type MemoryStore struct {
	mu    sync.Mutex
	state state.ApplierState
}

// NewMemoryStore returns a store seeded with state.Fresh().
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: state.Fresh()}
}

// Seed overwrites the persisted state, for tests that want to start
// from a specific resume point.
func (m *MemoryStore) Seed(s state.ApplierState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = s
}

func (m *MemoryStore) Load(context.Context) (state.ApplierState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, nil
}

func (m *MemoryStore) Save(_ context.Context, s state.ApplierState, _ bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = s
	return nil
}
