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

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func alwaysClosed(TransactionID) bool { return false }

func TestFilterDropsMarkersOlderThanFirstRegular(t *testing.T) {
	m := Marker{Tick: 100, Type: TypeDocInsert, CollectionName: "widgets"}
	require.False(t, Filter(m, FilterConfig{}, 200, alwaysClosed))
}

func TestFilterBridgesOldMarkerBelongingToOpenTransaction(t *testing.T) {
	m := Marker{Tick: 100, Type: TypeDocInsert, CollectionName: "widgets", TransactionID: 9}
	require.True(t, Filter(m, FilterConfig{}, 200, func(tid TransactionID) bool { return tid == 9 }))
}

func TestFilterDropsSystemCollectionsByDefault(t *testing.T) {
	m := Marker{Tick: 500, Type: TypeDocInsert, CollectionName: "_users"}
	require.False(t, Filter(m, FilterConfig{}, 0, alwaysClosed))
}

func TestFilterKeepsSystemCollectionsWhenRequested(t *testing.T) {
	m := Marker{Tick: 500, Type: TypeDocInsert, CollectionName: "_users"}
	require.True(t, Filter(m, FilterConfig{IncludeSystem: true}, 0, alwaysClosed))
}

func TestFilterRestrictInclude(t *testing.T) {
	cfg := FilterConfig{RestrictMode: RestrictInclude, RestrictCollections: map[string]struct{}{"widgets": {}}}
	keep := Marker{Tick: 500, Type: TypeDocInsert, CollectionName: "widgets"}
	drop := Marker{Tick: 500, Type: TypeDocInsert, CollectionName: "gadgets"}
	require.True(t, Filter(keep, cfg, 0, alwaysClosed))
	require.False(t, Filter(drop, cfg, 0, alwaysClosed))
}

func TestFilterRestrictExclude(t *testing.T) {
	cfg := FilterConfig{RestrictMode: RestrictExclude, RestrictCollections: map[string]struct{}{"widgets": {}}}
	drop := Marker{Tick: 500, Type: TypeDocInsert, CollectionName: "widgets"}
	keep := Marker{Tick: 500, Type: TypeDocInsert, CollectionName: "gadgets"}
	require.False(t, Filter(drop, cfg, 0, alwaysClosed))
	require.True(t, Filter(keep, cfg, 0, alwaysClosed))
}

func TestFilterNeverDropsTransactionControlMarkersByCollectionRules(t *testing.T) {
	cfg := FilterConfig{RestrictMode: RestrictInclude, RestrictCollections: map[string]struct{}{"widgets": {}}}
	m := Marker{Tick: 1000, Type: TypeTxnCommit, TransactionID: 9}
	require.True(t, Filter(m, cfg, 0, alwaysClosed), "a control marker carries no collection name and must bypass restrict rules")
}
