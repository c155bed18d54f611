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

package state

import (
	"context"
	"fmt"

	"github.com/cockroachdb/repl-applier/internal/applier/marker"
	"github.com/cockroachdb/repl-applier/internal/applier/tick"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Store durably persists one ApplierState record. Load/Save round-trip
// the record exactly; the on-disk representation is otherwise not part
// of the contract.
type Store interface {
	// Load returns the persisted state, or a Fresh() one if no record
	// exists yet.
	Load(ctx context.Context) (ApplierState, error)

	// Save writes state atomically. durable selects whether the caller
	// is willing to wait for a synchronous commit; callers on the hot
	// apply path may pass false to reduce latency. A Save failure is
	// logged by the caller and never promoted to a fatal applier
	// error.
	Save(ctx context.Context, s ApplierState, durable bool) error
}

// schema backs NewPostgresStore's create-if-missing step and keeps the
// row shape next to the queries that read and write it.
const schema = `
CREATE TABLE IF NOT EXISTS %s (
  id                  INT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
  master_server_id    INT8 NOT NULL,
  uninitialized       BOOL NOT NULL,
  active              BOOL NOT NULL,
  last_applied_tick   INT8 NOT NULL,
  last_processed_tick INT8 NOT NULL,
  safe_resume_tick    INT8 NOT NULL,
  last_available_tick INT8 NOT NULL,
  total_requests      INT8 NOT NULL,
  failed_connects     INT8 NOT NULL,
  skipped_operations  INT8 NOT NULL,
  events_applied      INT8 NOT NULL,
  last_error          STRING NOT NULL
)`

const loadTemplate = `
SELECT master_server_id, uninitialized, active, last_applied_tick,
       last_processed_tick, safe_resume_tick, last_available_tick,
       total_requests, failed_connects, skipped_operations,
       events_applied, last_error
  FROM %s WHERE id = 1`

const saveTemplate = `
UPSERT INTO %s (
  id, master_server_id, uninitialized, active, last_applied_tick,
  last_processed_tick, safe_resume_tick, last_available_tick,
  total_requests, failed_connects, skipped_operations, events_applied,
  last_error
) VALUES (1, $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

// pgStore is the default storage-backed Store: the full ApplierState
// record in a single row keyed by a constant id, read with a plain
// SELECT and written with UPSERT.
type pgStore struct {
	pool  *pgxpool.Pool
	table string

	sql struct {
		load string
		save string
	}
}

// NewPostgresStore returns a Store backed by a single-row table. The
// table is created if it does not already exist.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool, table string) (Store, error) {
	if _, err := pool.Exec(ctx, fmt.Sprintf(schema, table)); err != nil {
		return nil, errors.Wrap(err, "creating applier state table")
	}
	s := &pgStore{pool: pool, table: table}
	s.sql.load = fmt.Sprintf(loadTemplate, table)
	s.sql.save = fmt.Sprintf(saveTemplate, table)
	return s, nil
}

// Load implements Store.
func (s *pgStore) Load(ctx context.Context) (ApplierState, error) {
	var st ApplierState
	var masterServerID int64
	var lastApplied, lastProcessed, safeResume, lastAvailable int64
	var totalRequests, failedConnects, skippedOps, eventsApplied int64
	err := s.pool.QueryRow(ctx, s.sql.load).Scan(
		&masterServerID, &st.Uninitialized, &st.Active,
		&lastApplied, &lastProcessed, &safeResume, &lastAvailable,
		&totalRequests, &failedConnects, &skippedOps, &eventsApplied,
		&st.LastError,
	)
	switch {
	case err == nil:
		st.MasterServerID = marker.ServerID(masterServerID)
		st.LastAppliedTick = tick.Tick(lastApplied)
		st.LastProcessedTick = tick.Tick(lastProcessed)
		st.SafeResumeTick = tick.Tick(safeResume)
		st.LastAvailableTick = tick.Tick(lastAvailable)
		st.Counters = Counters{
			TotalRequests:     uint64(totalRequests),
			FailedConnects:    uint64(failedConnects),
			SkippedOperations: uint64(skippedOps),
			EventsApplied:     uint64(eventsApplied),
		}
		return st, nil
	case errors.Is(err, pgx.ErrNoRows):
		return Fresh(), nil
	default:
		return ApplierState{}, errors.WithStack(err)
	}
}

// Save implements Store. A save failure is returned to the caller,
// which logs it and continues; it is never escalated to a fatal
// applier error.
func (s *pgStore) Save(ctx context.Context, st ApplierState, durable bool) error {
	_, err := s.pool.Exec(ctx, s.sql.save,
		int64(st.MasterServerID), st.Uninitialized, st.Active,
		int64(st.LastAppliedTick), int64(st.LastProcessedTick),
		int64(st.SafeResumeTick), int64(st.LastAvailableTick),
		int64(st.Counters.TotalRequests), int64(st.Counters.FailedConnects),
		int64(st.Counters.SkippedOperations), int64(st.Counters.EventsApplied),
		st.LastError,
	)
	if err != nil {
		return errors.WithStack(err)
	}
	_ = durable // durable is a hint to the caller's own fsync policy; pgx commits are always durable.
	return nil
}

// SaveBestEffort calls Save and logs, rather than propagates, any
// error -- the behavior the follower loop's checkpoint step wants.
func SaveBestEffort(ctx context.Context, store Store, st ApplierState) {
	if err := store.Save(ctx, st, true); err != nil {
		log.WithError(err).Warn("failed to persist applier state; continuing")
	}
}
