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

// Package apply is the per-marker state machine: it resolves a marker's
// collection, routes its write through the right local transaction
// (standalone, bridged, or a genuinely live one), and dispatches DDL
// directly. It is the single place that advances the applied/processed
// watermarks, since only it knows when a marker's effect is durable.
package apply

import (
	"context"
	"encoding/json"

	"github.com/cockroachdb/repl-applier/internal/applier/applyerr"
	"github.com/cockroachdb/repl-applier/internal/applier/collection"
	"github.com/cockroachdb/repl-applier/internal/applier/marker"
	"github.com/cockroachdb/repl-applier/internal/applier/state"
	"github.com/cockroachdb/repl-applier/internal/applier/tick"
	"github.com/cockroachdb/repl-applier/internal/applier/txn"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Engine applies decoded, filtered markers against a storage
// collaborator, using a transaction registry to track which master
// transaction ids map to which local handles.
type Engine struct {
	Collaborator collection.Collaborator
	Registry     *txn.Registry
	State        *state.Guarded
}

// New returns an Engine wired to the given collaborator, registry, and
// state tracker.
func New(collab collection.Collaborator, registry *txn.Registry, st *state.Guarded) *Engine {
	return &Engine{Collaborator: collab, Registry: registry, State: st}
}

// Apply processes one marker to completion: a transaction-control
// marker updates the registry, a document marker writes through the
// right handle, and a DDL marker is dispatched directly to the
// collaborator. It is the caller's responsibility to have already run
// the marker through marker.Filter.
func (e *Engine) Apply(ctx context.Context, m marker.Marker) error {
	switch {
	case m.Type == marker.TypeTxnStart:
		return e.onTxnStart(ctx, m)
	case m.Type == marker.TypeTxnCommit:
		return e.onTxnCommit(ctx, m)
	case m.Type == marker.TypeTxnAbort:
		return e.onTxnAbort(ctx, m)
	case m.Type.IsDocumentOp():
		return e.onDocumentOp(ctx, m)
	case m.Type.IsDDL():
		return e.onDDL(ctx, m)
	default:
		return &applyerr.UnexpectedMarkerError{Type: int(m.Type)}
	}
}

// advanceWatermarks implements the per-marker bookkeeping common to
// every successful apply: lastProcessedTick moves to the marker's
// tick, lastAppliedTick follows lastProcessed, and safeResumeTick
// follows lastProcessed only while the registry holds no open
// transaction -- which includes the case where this very marker just
// emptied it (TxnCommit/TxnAbort removes the entry before this is
// called). lastApplied advances even for markers with no local write
// of their own, such as a TxnAbort; otherwise an abort that empties
// the registry could push safeResume past lastApplied.
func (e *Engine) advanceWatermarks(m marker.Marker) {
	e.State.Advance(tick.LastProcessed, m.Tick)
	e.State.Advance(tick.LastApplied, m.Tick)
	e.State.IncApplied()
	if e.Registry.Empty() {
		e.State.Advance(tick.SafeResume, m.Tick)
	}
}

func (e *Engine) onTxnStart(ctx context.Context, m marker.Marker) error {
	h, err := e.Collaborator.Begin(ctx)
	if err != nil {
		return errors.WithStack(err)
	}
	e.Registry.Start(ctx, m.TransactionID, h)
	e.advanceWatermarks(m)
	return nil
}

func (e *Engine) onTxnCommit(ctx context.Context, m marker.Marker) error {
	if err := e.Registry.Commit(ctx, m.TransactionID); err != nil {
		if errors.Is(err, txn.ErrNotFound) {
			return &applyerr.MissingTransactionError{TransactionID: uint64(m.TransactionID)}
		}
		return errors.WithStack(err)
	}
	e.advanceWatermarks(m)
	return nil
}

func (e *Engine) onTxnAbort(ctx context.Context, m marker.Marker) error {
	if err := e.Registry.Abort(ctx, m.TransactionID); err != nil {
		if errors.Is(err, txn.ErrNotFound) {
			return &applyerr.MissingTransactionError{TransactionID: uint64(m.TransactionID)}
		}
		return errors.WithStack(err)
	}
	e.advanceWatermarks(m)
	return nil
}

// onDocumentOp routes a DocInsert/EdgeInsert/DocRemove marker through
// the right local transaction. Three cases, per the transaction
// registry's lifecycle:
//
//   - No transaction id: a standalone write, applied and committed
//     immediately.
//   - A Placeholder entry: the marker belongs to a transaction that was
//     already open when we resumed (the open-transaction bridge); we
//     cannot reconstruct that transaction's atomicity, so the marker is
//     applied and committed standalone, same as if it had none.
//   - A Live entry: the marker joins the still-open local transaction;
//     it is written but not committed here, since that happens on
//     TxnCommit.
func (e *Engine) onDocumentOp(ctx context.Context, m marker.Marker) error {
	coll, err := e.Collaborator.Resolve(ctx, m.CollectionID, m.CollectionName)
	if err != nil {
		return errors.WithStack(err)
	}

	if !m.HasTransaction() {
		return e.applyStandalone(ctx, coll, m)
	}

	st, handle := e.Registry.Lookup(m.TransactionID)
	switch st {
	case txn.Absent:
		return &applyerr.UnexpectedTransactionError{TransactionID: uint64(m.TransactionID)}
	case txn.Placeholder:
		return e.applyStandalone(ctx, coll, m)
	case txn.Live:
		tx, ok := handle.(collection.Txn)
		if !ok {
			return errors.Errorf("transaction handle for %d does not support document writes", m.TransactionID)
		}
		if err := e.writeDoc(ctx, tx, coll, m); err != nil {
			return err
		}
		e.advanceWatermarks(m)
		return nil
	default:
		return errors.Errorf("unreachable transaction state %d", st)
	}
}

func (e *Engine) applyStandalone(ctx context.Context, coll collection.Descriptor, m marker.Marker) error {
	tx, err := e.Collaborator.Begin(ctx)
	if err != nil {
		return errors.WithStack(err)
	}
	if err := e.writeDoc(ctx, tx, coll, m); err != nil {
		if abortErr := tx.Abort(ctx); abortErr != nil {
			log.WithError(abortErr).Warn("failed to abort standalone transaction after write error")
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return errors.WithStack(err)
	}
	e.advanceWatermarks(m)
	return nil
}

// writeDoc applies a single document marker's effect and swallows a
// UniqueConstraintViolatedError when it occurs on a system collection:
// the master's own bookkeeping collections (e.g. _users, _graphs) replay
// idempotently across a resumed connection, and a duplicate key there
// is expected rather than a sign of corruption. Anywhere else the error
// is surfaced.
func (e *Engine) writeDoc(ctx context.Context, tx collection.Txn, coll collection.Descriptor, m marker.Marker) error {
	var err error
	switch m.Type {
	case marker.TypeDocInsert, marker.TypeEdgeInsert:
		err = tx.Upsert(ctx, coll, m.Key, m.Revision, m.Payload)
	case marker.TypeDocRemove:
		err = tx.Remove(ctx, coll, m.Key, m.Revision)
	default:
		return &applyerr.UnexpectedMarkerError{Type: int(m.Type)}
	}

	var unique *collection.UniqueConstraintViolatedError
	if errors.As(err, &unique) {
		if isSystemCollection(coll.Name) {
			log.WithFields(log.Fields{
				"collection": coll.Name,
				"key":        string(m.Key),
			}).Debug("swallowing unique constraint violation on system collection")
			e.State.IncSkipped()
			return nil
		}
		return err
	}
	return err
}

func isSystemCollection(name string) bool {
	return len(name) > 0 && name[0] == '_'
}

// onDDL dispatches a collection- or index-lifecycle marker directly to
// the collaborator. DDL is not transactional in the master's own model,
// so it is applied and its watermark advanced immediately, independent
// of any open transaction.
func (e *Engine) onDDL(ctx context.Context, m marker.Marker) error {
	var err error
	switch m.Type {
	case marker.TypeColCreate:
		err = e.Collaborator.CreateCollection(ctx, m.CollectionID, m.CollectionName, m.Payload)
	case marker.TypeColDrop:
		coll, rErr := e.Collaborator.Resolve(ctx, m.CollectionID, m.CollectionName)
		if rErr != nil {
			return errors.WithStack(rErr)
		}
		err = e.Collaborator.DropCollection(ctx, coll)
	case marker.TypeColRename:
		coll, rErr := e.Collaborator.Resolve(ctx, m.CollectionID, m.CollectionName)
		if rErr != nil {
			return errors.WithStack(rErr)
		}
		var body struct {
			NewName string `json:"name"`
		}
		if err := json.Unmarshal(m.Payload, &body); err != nil {
			return &applyerr.InvalidResponseError{Reason: "malformed rename payload", Detail: err.Error()}
		}
		err = e.Collaborator.RenameCollection(ctx, coll, body.NewName)
	case marker.TypeColChange:
		coll, rErr := e.Collaborator.Resolve(ctx, m.CollectionID, m.CollectionName)
		if rErr != nil {
			return errors.WithStack(rErr)
		}
		props, pErr := parseChangeableProperties(m.Payload)
		if pErr != nil {
			return pErr
		}
		err = e.Collaborator.ChangeCollection(ctx, coll, props)
	case marker.TypeIdxCreate:
		coll, rErr := e.Collaborator.Resolve(ctx, m.CollectionID, m.CollectionName)
		if rErr != nil {
			return errors.WithStack(rErr)
		}
		var body struct {
			ID marker.IndexID `json:"id,string"`
		}
		if jErr := json.Unmarshal(m.Payload, &body); jErr != nil {
			return &applyerr.InvalidResponseError{Reason: "malformed index payload", Detail: jErr.Error()}
		}
		err = e.Collaborator.CreateIndex(ctx, coll, body.ID, m.Payload)
	case marker.TypeIdxDrop:
		coll, rErr := e.Collaborator.Resolve(ctx, m.CollectionID, m.CollectionName)
		if rErr != nil {
			return errors.WithStack(rErr)
		}
		var body struct {
			ID marker.IndexID `json:"id,string"`
		}
		if jErr := json.Unmarshal(m.Payload, &body); jErr != nil {
			return &applyerr.InvalidResponseError{Reason: "malformed index payload", Detail: jErr.Error()}
		}
		err = e.Collaborator.DropIndex(ctx, coll, body.ID)
	default:
		return &applyerr.UnexpectedMarkerError{Type: int(m.Type)}
	}

	if err != nil {
		return errors.WithStack(err)
	}
	e.advanceWatermarks(m)
	return nil
}

// parseChangeableProperties extracts the fields a ColChange marker is
// allowed to alter; every other key in the payload is ignored.
func parseChangeableProperties(payload json.RawMessage) (collection.ChangeableProperties, error) {
	var body struct {
		WaitForSync  *bool  `json:"waitForSync"`
		DoCompact    *bool  `json:"doCompact"`
		MaximalSize  *int64 `json:"maximalSize"`
		IndexBuckets *int   `json:"indexBuckets"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return collection.ChangeableProperties{}, &applyerr.InvalidResponseError{Reason: "malformed collection properties", Detail: err.Error()}
	}
	return collection.ChangeableProperties{
		WaitForSync:  body.WaitForSync,
		DoCompact:    body.DoCompact,
		MaximalSize:  body.MaximalSize,
		IndexBuckets: body.IndexBuckets,
	}, nil
}
