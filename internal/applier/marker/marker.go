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

// Package marker decodes the newline-delimited log records the master
// streams in response to a follow-log request into typed Marker
// values, and implements the skip/filter decision that precedes the
// apply engine.
package marker

import (
	"encoding/json"
	"strconv"

	"github.com/cockroachdb/repl-applier/internal/applier/applyerr"
	"github.com/cockroachdb/repl-applier/internal/applier/tick"
)

// ServerID identifies a master database server. It is captured on the
// first successful handshake and must never change silently
// thereafter.
type ServerID uint64

// CollectionID identifies a collection on the master.
type CollectionID uint64

// IndexID identifies an index on the master.
type IndexID uint64

// TransactionID identifies a multi-operation transaction on the
// master.
type TransactionID uint64

// Type is the tagged-variant discriminant for a Marker.
type Type int

// The marker types named in the wire contract. Values are stable; they
// are the integer the master sends on the wire.
const (
	TypeUnknown Type = iota
	TypeDocInsert
	TypeEdgeInsert
	TypeDocRemove
	TypeTxnStart
	TypeTxnCommit
	TypeTxnAbort
	TypeColCreate
	TypeColDrop
	TypeColRename
	TypeColChange
	TypeIdxCreate
	TypeIdxDrop
)

func (t Type) String() string {
	switch t {
	case TypeDocInsert:
		return "DocInsert"
	case TypeEdgeInsert:
		return "EdgeInsert"
	case TypeDocRemove:
		return "DocRemove"
	case TypeTxnStart:
		return "TxnStart"
	case TypeTxnCommit:
		return "TxnCommit"
	case TypeTxnAbort:
		return "TxnAbort"
	case TypeColCreate:
		return "ColCreate"
	case TypeColDrop:
		return "ColDrop"
	case TypeColRename:
		return "ColRename"
	case TypeColChange:
		return "ColChange"
	case TypeIdxCreate:
		return "IdxCreate"
	case TypeIdxDrop:
		return "IdxDrop"
	default:
		return "Unknown"
	}
}

// IsDocumentOp reports whether the marker type is one of the
// document-level operations (insert/edge-insert/remove) that the
// open-transaction bridge and the per-marker apply engine treat
// specially.
func (t Type) IsDocumentOp() bool {
	switch t {
	case TypeDocInsert, TypeEdgeInsert, TypeDocRemove:
		return true
	default:
		return false
	}
}

// IsTransactionControl reports whether the marker type begins, commits,
// or aborts a transaction.
func (t Type) IsTransactionControl() bool {
	switch t {
	case TypeTxnStart, TypeTxnCommit, TypeTxnAbort:
		return true
	default:
		return false
	}
}

// IsDDL reports whether the marker type is a collection- or
// index-lifecycle operation.
func (t Type) IsDDL() bool {
	switch t {
	case TypeColCreate, TypeColDrop, TypeColRename, TypeColChange, TypeIdxCreate, TypeIdxDrop:
		return true
	default:
		return false
	}
}

// A Marker is one parsed log record. Fields not relevant to Type are
// left at their zero value.
type Marker struct {
	Tick           tick.Tick
	Type           Type
	TransactionID  TransactionID // zero means "no enclosing transaction"
	CollectionID   CollectionID
	CollectionName string
	Key            json.RawMessage
	Revision       uint64
	Payload        json.RawMessage // DDL params or document body, depending on Type
}

// HasTransaction reports whether the marker carries a transaction id.
func (m Marker) HasTransaction() bool {
	return m.TransactionID != 0
}

// wireMarker mirrors the on-the-wire JSON shape described in the
// external interfaces section: tick arrives as a decimal string, every
// other field is optional depending on Type.
type wireMarker struct {
	Tick       string          `json:"tick"`
	Type       int             `json:"type"`
	TID        string          `json:"tid,omitempty"`
	CID        string          `json:"cid,omitempty"`
	CName      string          `json:"cname,omitempty"`
	Key        json.RawMessage `json:"key,omitempty"`
	Rev        string          `json:"rev,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	Collection json.RawMessage `json:"collection,omitempty"`
}

// Decode parses a single JSON line into a Marker. Malformed ticks or
// ids are reported as InvalidResponseError; the caller decides, per
// its ignoreErrors budget, whether to skip the line or fail.
func Decode(line []byte) (Marker, error) {
	var w wireMarker
	if err := json.Unmarshal(line, &w); err != nil {
		return Marker{}, &applyerr.InvalidResponseError{Reason: "malformed marker", Detail: err.Error()}
	}

	t, err := tick.Parse(w.Tick)
	if err != nil {
		return Marker{}, &applyerr.InvalidResponseError{Reason: "malformed marker tick", Detail: err.Error()}
	}

	m := Marker{
		Tick:           t,
		Type:           Type(w.Type),
		CollectionName: w.CName,
		Key:            w.Key,
		Payload:        w.Data,
	}
	if len(m.Payload) == 0 && len(w.Collection) > 0 {
		// DDL records carry their parameters under "collection" rather
		// than "data".
		m.Payload = w.Collection
	}

	if w.TID != "" {
		tid, err := parseUint(w.TID)
		if err != nil {
			return Marker{}, &applyerr.InvalidResponseError{Reason: "malformed transaction id", Detail: err.Error()}
		}
		m.TransactionID = TransactionID(tid)
	}
	if w.CID != "" {
		cid, err := parseUint(w.CID)
		if err != nil {
			return Marker{}, &applyerr.InvalidResponseError{Reason: "malformed collection id", Detail: err.Error()}
		}
		m.CollectionID = CollectionID(cid)
	}
	if w.Rev != "" {
		rev, err := parseUint(w.Rev)
		if err != nil {
			return Marker{}, &applyerr.InvalidResponseError{Reason: "malformed revision", Detail: err.Error()}
		}
		m.Revision = rev
	}

	return m, nil
}

// DescribeForError renders a short description of m for use in a
// skip-warning or fatal-error message, truncated the same way an
// offending decode line is.
func DescribeForError(m Marker) string {
	s := m.Type.String() + " tick=" + strconv.FormatUint(uint64(m.Tick), 10)
	if m.CollectionName != "" {
		s += " collection=" + m.CollectionName
	}
	if m.HasTransaction() {
		s += " tid=" + strconv.FormatUint(uint64(m.TransactionID), 10)
	}
	if len(m.Key) > 0 {
		s += " key=" + string(m.Key)
	}
	if len(s) > 256 {
		s = s[:256]
	}
	return s
}

func parseUint(s string) (uint64, error) {
	return strconv.ParseUint(s, 10, 64)
}
