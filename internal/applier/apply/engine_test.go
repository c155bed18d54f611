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

package apply

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/cockroachdb/repl-applier/internal/applier/collection"
	"github.com/cockroachdb/repl-applier/internal/applier/marker"
	"github.com/cockroachdb/repl-applier/internal/applier/state"
	"github.com/cockroachdb/repl-applier/internal/applier/tick"
	"github.com/cockroachdb/repl-applier/internal/applier/txn"
	"github.com/stretchr/testify/require"
)

type fakeCollab struct {
	upserts int
	removes int
	txns    int

	failUpsertForKey string
	uniqueViolation  bool
}

func (f *fakeCollab) Resolve(_ context.Context, id marker.CollectionID, name string) (collection.Descriptor, error) {
	return collection.Descriptor{ID: id, Name: name}, nil
}

func (f *fakeCollab) CreateCollection(context.Context, marker.CollectionID, string, json.RawMessage) error {
	return nil
}
func (f *fakeCollab) DropCollection(context.Context, collection.Descriptor) error { return nil }
func (f *fakeCollab) RenameCollection(context.Context, collection.Descriptor, string) error {
	return nil
}
func (f *fakeCollab) ChangeCollection(context.Context, collection.Descriptor, collection.ChangeableProperties) error {
	return nil
}
func (f *fakeCollab) CreateIndex(context.Context, collection.Descriptor, marker.IndexID, json.RawMessage) error {
	return nil
}
func (f *fakeCollab) DropIndex(context.Context, collection.Descriptor, marker.IndexID) error {
	return nil
}

func (f *fakeCollab) Begin(context.Context) (collection.Txn, error) {
	f.txns++
	return &fakeTxn{owner: f}, nil
}

type fakeTxn struct {
	owner     *fakeCollab
	committed bool
	aborted   bool
}

func (t *fakeTxn) Upsert(_ context.Context, coll collection.Descriptor, key json.RawMessage, _ uint64, _ json.RawMessage) error {
	if t.owner.uniqueViolation && string(key) == t.owner.failUpsertForKey {
		return &collection.UniqueConstraintViolatedError{Collection: coll.Name, Key: key}
	}
	t.owner.upserts++
	return nil
}

func (t *fakeTxn) Remove(context.Context, collection.Descriptor, json.RawMessage, uint64) error {
	t.owner.removes++
	return nil
}

func (t *fakeTxn) Commit(context.Context) error {
	t.committed = true
	return nil
}

func (t *fakeTxn) Abort(context.Context) error {
	t.aborted = true
	return nil
}

func newTestEngine() (*Engine, *fakeCollab) {
	fc := &fakeCollab{}
	reg := txn.New()
	st := state.NewGuarded(state.Fresh())
	return New(fc, reg, st), fc
}

func TestStandaloneWriteCommitsImmediately(t *testing.T) {
	e, fc := newTestEngine()
	err := e.Apply(context.Background(), marker.Marker{
		Tick: tick.Tick(10), Type: marker.TypeDocInsert,
		CollectionName: "widgets", Key: json.RawMessage(`"a"`),
	})
	require.NoError(t, err)
	require.Equal(t, 1, fc.upserts)
	require.Equal(t, 1, fc.txns)
	require.EqualValues(t, 10, e.State.Snapshot().LastAppliedTick)
}

func TestLiveTransactionDefersCommit(t *testing.T) {
	e, fc := newTestEngine()
	ctx := context.Background()

	require.NoError(t, e.Apply(ctx, marker.Marker{Tick: 1, Type: marker.TypeTxnStart, TransactionID: 5}))
	require.NoError(t, e.Apply(ctx, marker.Marker{
		Tick: 2, Type: marker.TypeDocInsert, TransactionID: 5,
		CollectionName: "widgets", Key: json.RawMessage(`"a"`),
	}))
	require.Equal(t, 1, fc.upserts)
	snap := e.State.Snapshot()
	require.EqualValues(t, 2, snap.LastAppliedTick)
	require.EqualValues(t, 0, snap.SafeResumeTick, "safe resume must hold still while the transaction is open")

	require.NoError(t, e.Apply(ctx, marker.Marker{Tick: 3, Type: marker.TypeTxnCommit, TransactionID: 5}))
	snap = e.State.Snapshot()
	require.EqualValues(t, 3, snap.LastAppliedTick)
	require.EqualValues(t, 3, snap.SafeResumeTick)
	require.True(t, e.Registry.Empty())
}

func TestAbortKeepsSafeResumeBehindLastApplied(t *testing.T) {
	e, _ := newTestEngine()
	ctx := context.Background()

	require.NoError(t, e.Apply(ctx, marker.Marker{
		Tick: 100, Type: marker.TypeDocInsert,
		CollectionName: "widgets", Key: json.RawMessage(`"a"`),
	}))
	require.NoError(t, e.Apply(ctx, marker.Marker{Tick: 101, Type: marker.TypeTxnStart, TransactionID: 5}))
	require.NoError(t, e.Apply(ctx, marker.Marker{Tick: 102, Type: marker.TypeTxnAbort, TransactionID: 5}))

	snap := e.State.Snapshot()
	require.EqualValues(t, 102, snap.LastProcessedTick)
	require.EqualValues(t, 102, snap.LastAppliedTick)
	require.EqualValues(t, 102, snap.SafeResumeTick)
	require.LessOrEqual(t, snap.SafeResumeTick, snap.LastAppliedTick)
}

func TestUnknownTransactionIsFatal(t *testing.T) {
	e, _ := newTestEngine()
	err := e.Apply(context.Background(), marker.Marker{
		Tick: 1, Type: marker.TypeDocInsert, TransactionID: 99,
		CollectionName: "widgets", Key: json.RawMessage(`"a"`),
	})
	require.Error(t, err)
}

func TestUniqueViolationSwallowedOnSystemCollection(t *testing.T) {
	e, fc := newTestEngine()
	fc.uniqueViolation = true
	fc.failUpsertForKey = `"dup"`

	err := e.Apply(context.Background(), marker.Marker{
		Tick: 1, Type: marker.TypeDocInsert, CollectionName: "_users", Key: json.RawMessage(`"dup"`),
	})
	require.NoError(t, err)
	require.EqualValues(t, 1, e.State.Snapshot().Counters.SkippedOperations)
}

func TestUniqueViolationSurfacedOnUserCollection(t *testing.T) {
	e, fc := newTestEngine()
	fc.uniqueViolation = true
	fc.failUpsertForKey = `"dup"`

	err := e.Apply(context.Background(), marker.Marker{
		Tick: 1, Type: marker.TypeDocInsert, CollectionName: "widgets", Key: json.RawMessage(`"dup"`),
	})
	require.Error(t, err)
}

func TestPlaceholderBridgeAppliesStandalone(t *testing.T) {
	e, fc := newTestEngine()
	e.Registry.SeedPlaceholder(7)

	err := e.Apply(context.Background(), marker.Marker{
		Tick: 1, Type: marker.TypeDocInsert, TransactionID: 7,
		CollectionName: "widgets", Key: json.RawMessage(`"a"`),
	})
	require.NoError(t, err)
	require.Equal(t, 1, fc.upserts)
	require.Equal(t, 1, fc.txns)
	require.EqualValues(t, 1, e.State.Snapshot().LastAppliedTick)
}
