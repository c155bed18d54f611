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

// Package tick defines the monotonic log position used to resume
// replication from a remote master and the small set of checkpoint
// fields an applier advances as it makes progress.
package tick

import (
	"strconv"

	"github.com/pkg/errors"
)

// A Tick is a monotonic ordinal identifying one entry in the master's
// change log. Zero means "none".
type Tick uint64

// None is the zero Tick.
const None Tick = 0

// Parse decodes a tick from the decimal string representation used in
// wire headers and marker bodies. Overflow or non-numeric input is
// reported so that callers can surface InvalidResponse.
func Parse(s string) (Tick, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return None, errors.Wrapf(err, "malformed tick %q", s)
	}
	return Tick(v), nil
}

// String renders the tick in the same decimal form used on the wire.
func (t Tick) String() string {
	return strconv.FormatUint(uint64(t), 10)
}

// Kind identifies which of the four durable watermarks an Advance call
// targets.
type Kind int

const (
	// LastProcessed is the tick of the most recently seen marker,
	// whether or not it was applied.
	LastProcessed Kind = iota
	// LastApplied is the durable watermark: every marker up to and
	// including this tick has been applied or explicitly skipped.
	LastApplied
	// SafeResume is the greatest tick at which no transaction was open;
	// the only tick it is safe to restart from without the
	// open-transaction bridge.
	SafeResume
	// LastAvailable is the highest tick the master reports as present
	// in its log, used only for progress reporting.
	LastAvailable
)

func (k Kind) String() string {
	switch k {
	case LastProcessed:
		return "lastProcessed"
	case LastApplied:
		return "lastApplied"
	case SafeResume:
		return "safeResume"
	case LastAvailable:
		return "lastAvailable"
	default:
		return "unknown"
	}
}
