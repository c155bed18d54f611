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

package collection

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/cockroachdb/repl-applier/internal/applier/marker"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

// uniqueViolationCode is the SQLSTATE Postgres/CockroachDB report for a
// unique constraint violation.
const uniqueViolationCode = "23505"

// PostgresCollaborator is the default storage collaborator, a thin
// layer over a target database reachable through pgx. It keeps an
// in-memory name/id map built up as collections are created or
// resolved, rather than querying catalog metadata on every call.
type PostgresCollaborator struct {
	pool   *pgxpool.Pool
	schema string

	mu      sync.RWMutex
	byID    map[marker.CollectionID]string
	idByTbl map[string]marker.CollectionID
}

// NewPostgresCollaborator wraps an existing pool. schema is the target
// database schema that collections are created/resolved within.
func NewPostgresCollaborator(pool *pgxpool.Pool, schema string) *PostgresCollaborator {
	return &PostgresCollaborator{
		pool:    pool,
		schema:  schema,
		byID:    make(map[marker.CollectionID]string),
		idByTbl: make(map[string]marker.CollectionID),
	}
}

func (p *PostgresCollaborator) tableName(name string) string {
	return fmt.Sprintf("%s.%s", p.schema, name)
}

// Resolve implements Resolver. When a local collection already exists
// under the given name but with a different id, the local id wins; we
// track that by always trusting the name-keyed entry over the one
// derived purely from the marker's id.
func (p *PostgresCollaborator) Resolve(_ context.Context, id marker.CollectionID, name string) (Descriptor, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if name != "" {
		if localID, ok := p.idByTbl[name]; ok {
			return Descriptor{ID: localID, Name: name}, nil
		}
		return Descriptor{ID: id, Name: name}, nil
	}
	if existingName, ok := p.byID[id]; ok {
		return Descriptor{ID: id, Name: existingName}, nil
	}
	return Descriptor{}, errors.Errorf("cannot resolve collection %d: no name given and id is unknown", id)
}

func (p *PostgresCollaborator) remember(id marker.CollectionID, name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byID[id] = name
	p.idByTbl[name] = id
}

func (p *PostgresCollaborator) forget(coll Descriptor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.byID, coll.ID)
	delete(p.idByTbl, coll.Name)
}

// CreateCollection implements DDL.
func (p *PostgresCollaborator) CreateCollection(ctx context.Context, id marker.CollectionID, name string, params json.RawMessage) error {
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
  key  JSONB PRIMARY KEY,
  rev  INT8 NOT NULL,
  data JSONB
)`, p.tableName(name))
	if _, err := p.pool.Exec(ctx, stmt); err != nil {
		return errors.WithStack(err)
	}
	p.remember(id, name)
	return nil
}

// DropCollection implements DDL.
func (p *PostgresCollaborator) DropCollection(ctx context.Context, coll Descriptor) error {
	stmt := fmt.Sprintf(`DROP TABLE IF EXISTS %s`, p.tableName(coll.Name))
	if _, err := p.pool.Exec(ctx, stmt); err != nil {
		return errors.WithStack(err)
	}
	p.forget(coll)
	return nil
}

// RenameCollection implements DDL.
func (p *PostgresCollaborator) RenameCollection(ctx context.Context, coll Descriptor, newName string) error {
	stmt := fmt.Sprintf(`ALTER TABLE %s RENAME TO %s`, p.tableName(coll.Name), newName)
	if _, err := p.pool.Exec(ctx, stmt); err != nil {
		return errors.WithStack(err)
	}
	p.forget(coll)
	p.remember(coll.ID, newName)
	return nil
}

// ChangeCollection implements DDL. Only the fields named in
// ChangeableProperties have any local effect; everything else in a
// ColChange marker's payload is ignored.
// A relational target has no on-disk analogue for
// waitForSync/doCompact/maximalSize/indexBuckets, so it only validates
// that the collection is known and otherwise no-ops; a storage engine
// with tunable storage parameters would apply them here.
func (p *PostgresCollaborator) ChangeCollection(ctx context.Context, coll Descriptor, _ ChangeableProperties) error {
	_, err := p.Resolve(ctx, coll.ID, coll.Name)
	return err
}

// CreateIndex implements DDL.
func (p *PostgresCollaborator) CreateIndex(ctx context.Context, coll Descriptor, id marker.IndexID, spec json.RawMessage) error {
	var fields struct {
		Fields []string `json:"fields"`
	}
	if err := json.Unmarshal(spec, &fields); err != nil {
		return errors.Wrap(err, "malformed index spec")
	}
	idxName := fmt.Sprintf("idx_%s_%d", coll.Name, id)
	exprs := make([]string, len(fields.Fields))
	for i, f := range fields.Fields {
		exprs[i] = fmt.Sprintf("(data->>%s)", quoteLiteral(f))
	}
	stmt := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (%s)`,
		idxName, p.tableName(coll.Name), joinComma(exprs))
	_, err := p.pool.Exec(ctx, stmt)
	return errors.WithStack(err)
}

// DropIndex implements DDL.
func (p *PostgresCollaborator) DropIndex(ctx context.Context, coll Descriptor, id marker.IndexID) error {
	idxName := fmt.Sprintf("idx_%s_%d", coll.Name, id)
	_, err := p.pool.Exec(ctx, fmt.Sprintf(`DROP INDEX IF EXISTS %s`, idxName))
	return errors.WithStack(err)
}

// Begin implements Collaborator.
func (p *PostgresCollaborator) Begin(ctx context.Context) (Txn, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &pgTxn{tx: tx, tableOf: p.tableName}, nil
}

type pgTxn struct {
	tx      pgx.Tx
	tableOf func(string) string
}

// Upsert implements Txn.
func (t *pgTxn) Upsert(ctx context.Context, coll Descriptor, key json.RawMessage, rev uint64, payload json.RawMessage) error {
	stmt := fmt.Sprintf(`UPSERT INTO %s (key, rev, data) VALUES ($1, $2, $3)`, t.tableOf(coll.Name))
	_, err := t.tx.Exec(ctx, stmt, []byte(key), int64(rev), []byte(payload))
	if err != nil {
		if isUniqueViolation(err) {
			return &UniqueConstraintViolatedError{Collection: coll.Name, Key: key}
		}
		return errors.WithStack(err)
	}
	return nil
}

// Remove implements Txn.
func (t *pgTxn) Remove(ctx context.Context, coll Descriptor, key json.RawMessage, _ uint64) error {
	stmt := fmt.Sprintf(`DELETE FROM %s WHERE key = $1`, t.tableOf(coll.Name))
	_, err := t.tx.Exec(ctx, stmt, []byte(key))
	return errors.WithStack(err)
}

// Commit implements Txn.
func (t *pgTxn) Commit(ctx context.Context) error {
	return errors.WithStack(t.tx.Commit(ctx))
}

// Abort implements Txn.
func (t *pgTxn) Abort(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return errors.WithStack(err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == uniqueViolationCode
	}
	return false
}

func quoteLiteral(s string) string {
	return "'" + s + "'"
}

func joinComma(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ", "
		}
		out += p
	}
	return out
}
