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

// Package applyerr holds the exhaustive error taxonomy that the
// follower loop classifies into transient, fatal, or clean-shutdown
// behavior. Every fallible call in the applier returns one of these
// kinds (or wraps one with errors.WithStack), rather than mixing
// exceptions and return codes.
package applyerr

import (
	"strconv"

	"github.com/pkg/errors"
)

// Transient wire errors. These are retried by the follower loop up to
// Config.MaxConnectRetries before being promoted to fatal.
var (
	// ErrNoResponse indicates the master could not be reached at all.
	ErrNoResponse = errors.New("no response from master")
	// ErrMasterError indicates the master replied with an HTTP status
	// of 400 or greater.
	ErrMasterError = errors.New("master returned an error response")
)

// ErrStartTickNotPresent is fatal: the master can no longer serve the
// tick the follower wants to resume from. The operator must perform a
// full resync.
var ErrStartTickNotPresent = errors.New("start tick is no longer present on master")

// ErrApplierStopped indicates a clean, user-requested shutdown. It is
// never treated as an error condition by callers.
var ErrApplierStopped = errors.New("applier stopped")

// InvalidResponseError is fatal: the master's response was structurally
// broken, indicating version skew or a buggy master. Detail carries a
// caller-supplied excerpt (callers are responsible for truncating it,
// e.g. to 256 bytes for an offending marker line).
type InvalidResponseError struct {
	Reason string
	Detail string
}

func (e *InvalidResponseError) Error() string {
	if e.Detail == "" {
		return "invalid response: " + e.Reason
	}
	return "invalid response: " + e.Reason + ": " + e.Detail
}

// MasterChangedError is fatal: the persisted master server id does not
// match the one returned by the current handshake.
type MasterChangedError struct {
	Want, Got uint64
}

func (e *MasterChangedError) Error() string {
	return "master server id changed: have " + itoa(e.Want) + ", master reports " + itoa(e.Got)
}

func itoa(v uint64) string {
	return strconv.FormatUint(v, 10)
}

// UnexpectedTransactionError is fatal: a document operation carried a
// transaction id for which the registry holds no entry at all, which
// the bridge rules never predict. (A placeholder entry is not an error:
// its document operations apply standalone.)
type UnexpectedTransactionError struct {
	TransactionID uint64
}

func (e *UnexpectedTransactionError) Error() string {
	return "unexpected transaction id " + itoa(e.TransactionID)
}

// UnexpectedMarkerError is fatal: the marker decoder produced a type
// value the apply engine does not recognize.
type UnexpectedMarkerError struct {
	Type int
}

func (e *UnexpectedMarkerError) Error() string {
	return "unexpected marker type " + itoa(uint64(e.Type))
}

// MissingTransactionError is fatal: a TxnCommit/TxnAbort arrived for a
// transaction id absent from the registry.
type MissingTransactionError struct {
	TransactionID uint64
}

func (e *MissingTransactionError) Error() string {
	return "commit/abort for unknown transaction id " + itoa(e.TransactionID)
}
