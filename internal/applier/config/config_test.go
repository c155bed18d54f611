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

package config

import (
	"testing"

	"github.com/cockroachdb/repl-applier/internal/applier/marker"
	"github.com/stretchr/testify/require"
)

func valid() *Config {
	return &Config{
		MasterEndpoint: "http://master:8529",
		TargetURL:      "postgres://localhost/db",
		ChunkSize:      1024,
	}
}

func TestPreflightRequiresEndpoints(t *testing.T) {
	c := valid()
	c.MasterEndpoint = ""
	require.Error(t, c.Preflight())
}

func TestPreflightRejectsBadRestrictType(t *testing.T) {
	c := valid()
	c.RestrictType = "bogus"
	require.Error(t, c.Preflight())
}

func TestPreflightRequiresCollectionsWithRestrictType(t *testing.T) {
	c := valid()
	c.RestrictType = "include"
	require.Error(t, c.Preflight())

	c.RestrictCollections = []string{"widgets"}
	require.NoError(t, c.Preflight())
}

func TestFilterConfigProjectsRestriction(t *testing.T) {
	c := valid()
	c.RestrictType = "exclude"
	c.RestrictCollections = []string{"widgets", "gadgets"}
	require.NoError(t, c.Preflight())

	fc := c.FilterConfig()
	require.Equal(t, marker.RestrictExclude, fc.RestrictMode)
	require.Contains(t, fc.RestrictCollections, "widgets")
	require.Contains(t, fc.RestrictCollections, "gadgets")
}
