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

// Package applier wires together one running applier: the wire client
// talking to a master, the Postgres/CockroachDB-backed storage
// collaborator and state store, and the follower loop that drives them.
// The provider chain below is hand-written in the shape wire's own
// generated wire_gen.go files take -- one ProvideX function per
// collaborator, called in dependency order -- since this module's
// dependency graph is small enough not to need the generator itself.
package applier

import (
	"context"

	"github.com/cockroachdb/repl-applier/internal/applier/apply"
	"github.com/cockroachdb/repl-applier/internal/applier/collection"
	"github.com/cockroachdb/repl-applier/internal/applier/config"
	"github.com/cockroachdb/repl-applier/internal/applier/follower"
	"github.com/cockroachdb/repl-applier/internal/applier/state"
	"github.com/cockroachdb/repl-applier/internal/applier/txn"
	"github.com/cockroachdb/repl-applier/internal/applier/wire"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

// Applier bundles the follower loop with the collaborators Run needs to
// tear down on exit.
type Applier struct {
	Loop       *follower.Loop
	TargetPool *pgxpool.Pool
}

// ProvideWireClient constructs the Client that talks to the master.
func ProvideWireClient(cfg *config.Config) wire.Client {
	return wire.NewHTTPClient(cfg.MasterEndpoint, cfg.MasterDatabase)
}

// ProvideTargetPool opens the connection pool backing both the storage
// collaborator and the state store.
func ProvideTargetPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, func(), error) {
	pool, err := pgxpool.New(ctx, cfg.TargetURL)
	if err != nil {
		return nil, nil, errors.Wrap(err, "opening target pool")
	}
	return pool, pool.Close, nil
}

// ProvideCollaborator constructs the storage collaborator.
func ProvideCollaborator(pool *pgxpool.Pool, cfg *config.Config) collection.Collaborator {
	return collection.NewPostgresCollaborator(pool, cfg.TargetSchema)
}

// ProvideStateStore constructs the durable state store, creating its
// backing table if necessary.
func ProvideStateStore(ctx context.Context, pool *pgxpool.Pool, cfg *config.Config) (state.Store, error) {
	store, err := state.NewPostgresStore(ctx, pool, cfg.StateTable)
	return store, errors.Wrap(err, "provisioning applier state store")
}

// ProvideLoop assembles the follower loop from its collaborators.
func ProvideLoop(client wire.Client, collab collection.Collaborator, store state.Store, cfg *config.Config) *follower.Loop {
	registry := txn.New()
	guarded := state.NewGuarded(state.Fresh())
	engine := apply.New(collab, registry, guarded)
	return follower.New(client, engine, registry, store, guarded, cfg)
}

// New constructs a fully wired Applier from cfg, which must have already
// passed Config.Preflight. The returned cleanup function closes the
// target pool; it is always safe to call, even after a construction
// error.
func New(ctx context.Context, cfg *config.Config) (*Applier, func(), error) {
	client := ProvideWireClient(cfg)

	pool, cleanupPool, err := ProvideTargetPool(ctx, cfg)
	if err != nil {
		return nil, func() {}, err
	}

	collab := ProvideCollaborator(pool, cfg)

	store, err := ProvideStateStore(ctx, pool, cfg)
	if err != nil {
		cleanupPool()
		return nil, func() {}, err
	}

	loop := ProvideLoop(client, collab, store, cfg)

	return &Applier{Loop: loop, TargetPool: pool}, cleanupPool, nil
}
