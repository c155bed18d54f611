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
	"strconv"

	"github.com/cockroachdb/repl-applier/internal/applier/marker"
)

// UniqueByTransactionTarget implements a "last one wins" reduction over
// a batch of markers that share one local transaction: if two document
// markers target the same collection and key, only the one at the
// higher tick survives. Transaction-control and DDL markers are never
// deduplicated against anything, since they carry no (collection, key)
// target to collide on.
//
// The input slice is modified in place; the returned slice is the
// compacted view and should replace the caller's reference to x.
func UniqueByTransactionTarget(x []marker.Marker) []marker.Marker {
	seenIdx := make(map[string]int, len(x))

	dest := len(x)
	for src := len(x) - 1; src >= 0; src-- {
		m := x[src]
		if !m.Type.IsDocumentOp() {
			dest--
			x[dest] = m
			continue
		}

		// A marker without a collection name is identified by its
		// collection id instead, so two unnamed collections never collide.
		target := m.CollectionName
		if target == "" {
			target = "#" + strconv.FormatUint(uint64(m.CollectionID), 10)
		}
		key := target + "\x00" + string(m.Key)
		if curIdx, found := seenIdx[key]; found {
			if m.Tick > x[curIdx].Tick {
				x[curIdx] = m
			}
			continue
		}
		dest--
		seenIdx[key] = dest
		x[dest] = m
	}

	return x[dest:]
}
