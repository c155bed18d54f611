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

package marker

import "github.com/cockroachdb/repl-applier/internal/applier/tick"

// RestrictMode selects how RestrictCollections is interpreted.
type RestrictMode int

const (
	// RestrictNone applies no collection-name restriction.
	RestrictNone RestrictMode = iota
	// RestrictInclude keeps only collections named in the set.
	RestrictInclude
	// RestrictExclude drops collections named in the set.
	RestrictExclude
)

// FilterConfig carries the options the skip/filter decision consults.
type FilterConfig struct {
	IncludeSystem       bool
	RestrictMode        RestrictMode
	RestrictCollections map[string]struct{}
}

// Filter decides whether a marker should be applied, consulting the
// rules in order:
//
//  1. Markers older than firstRegular are dropped unless they
//     participate in a transaction the registry still has open (the
//     open-transaction bridge); isOpenTransaction answers that.
//  2. System collections (name starting with "_") are dropped unless
//     IncludeSystem is set.
//  3. The restrict-collections allow/deny list.
//
// Transaction-control markers (TxnStart/Commit/Abort) and markers
// without a collection name are never dropped by rules 2 or 3; they
// carry no document payload to restrict.
func Filter(m Marker, cfg FilterConfig, firstRegular tick.Tick, isOpenTransaction func(TransactionID) bool) bool {
	if m.Tick < firstRegular {
		bridged := m.HasTransaction() && isOpenTransaction != nil && isOpenTransaction(m.TransactionID)
		if !bridged {
			return false
		}
	}

	if m.CollectionName == "" {
		return true
	}

	if !cfg.IncludeSystem && isSystemCollection(m.CollectionName) {
		return false
	}

	switch cfg.RestrictMode {
	case RestrictInclude:
		if _, ok := cfg.RestrictCollections[m.CollectionName]; !ok {
			return false
		}
	case RestrictExclude:
		if _, ok := cfg.RestrictCollections[m.CollectionName]; ok {
			return false
		}
	}

	return true
}

func isSystemCollection(name string) bool {
	return len(name) > 0 && name[0] == '_'
}
