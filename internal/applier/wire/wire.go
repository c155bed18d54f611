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

// Package wire talks to the master: the handshake that establishes its
// identity and feature level, the open-transactions snapshot used to
// compute a safe resume point, and the log-following request/response
// pair that streams markers.
package wire

import (
	"context"
	"io"

	"github.com/cockroachdb/repl-applier/internal/applier/marker"
	"github.com/cockroachdb/repl-applier/internal/applier/tick"
)

// MasterInfo is the result of the initial handshake: the master's
// identity and feature level, used to pick the request shape for
// FollowLog and to detect identity changes across restarts.
type MasterInfo struct {
	ServerID     marker.ServerID
	MajorVersion int
	MinorVersion int
	Endpoint     string
}

// Supports27 reports whether a master at this feature level accepts the
// PUT-based, open-transaction-aware follow request introduced at 2.7;
// older masters only understand the legacy GET form.
func (m MasterInfo) Supports27() bool {
	return m.MajorVersion > 2 || (m.MajorVersion == 2 && m.MinorVersion >= 7)
}

// OpenTransactionsResult is the response to the open-transactions
// query: the tick log scanning must resume from to see every operation
// of the still-open transactions, whether fromTick itself is still
// present on the master, and the ids open at that point.
type OpenTransactionsResult struct {
	StartTick    tick.Tick
	FromIncluded bool
	IDs          []marker.TransactionID
}

// FollowLogRequest parameterizes one log-following call.
type FollowLogRequest struct {
	// FetchTick is the tick to resume from (exclusive).
	FetchTick tick.Tick
	// FirstRegular, when nonzero, is the lowest tick the skip/filter
	// decision should treat as "not too old"; markers below it are
	// dropped unless bridged by an open transaction.
	FirstRegular tick.Tick
	// IncludeSystem requests that markers touching system collections
	// be included in the response at all (the master otherwise omits
	// them to save bandwidth on pre-2.7 masters).
	IncludeSystem bool
	// OpenTransactionIDs, on a >=2.7 master, is sent so the master can
	// include every marker belonging to a still-open transaction
	// regardless of its own tick, even below FirstRegular. A non-nil
	// slice, even an empty one, selects the PUT request form; nil means
	// the legacy GET form for a master that predates the bridge.
	OpenTransactionIDs []marker.TransactionID
	// ServerID is the master identity learned from the handshake; it is
	// sent so the master can detect a stale resume position itself.
	ServerID marker.ServerID
	// ChunkSize caps the response body size in bytes; the master may
	// return less.
	ChunkSize int
}

// FollowLogResult is the parsed response envelope to a follow-log call,
// independent of the individual markers carried in Body -- those are
// decoded separately, by marker.Decoder, as Body is consumed.
type FollowLogResult struct {
	// CheckMore indicates more data is available past LastIncluded
	// without further waiting.
	CheckMore bool
	// Active reports whether the master's replication logger is
	// currently enabled; false here is not itself an error but the
	// follower loop treats it as reason to back off.
	Active bool
	// FromIncluded reports whether the response actually begins at the
	// requested FetchTick (false means some data was skipped, for
	// example because it aged out of the log).
	FromIncluded bool
	// LastIncluded is the highest tick presented in Body.
	LastIncluded tick.Tick
	// LastTick is the highest tick the master has available at all,
	// which may exceed LastIncluded when the response was truncated by
	// ChunkSize.
	LastTick tick.Tick
	// Body streams newline-delimited marker records; the caller is
	// responsible for closing it.
	Body io.ReadCloser
}

// Client is everything the follower loop needs from the master
// connection.
type Client interface {
	// Handshake identifies the master and its feature level.
	Handshake(ctx context.Context) (MasterInfo, error)

	// OpenTransactions returns, for the interval [from, to], the
	// transactions that had started but not yet committed or aborted at
	// to, plus the tick log scanning must resume from to see all of
	// their operations. It is called once at startup to seed the
	// transaction registry's placeholders and compute a correct
	// fromTick across a restart.
	OpenTransactions(ctx context.Context, from, to tick.Tick) (OpenTransactionsResult, error)

	// FollowLog requests the next chunk of the replication log.
	FollowLog(ctx context.Context, req FollowLogRequest) (FollowLogResult, error)
}
