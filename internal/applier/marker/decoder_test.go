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
	"io"
	"strings"
	"testing"

	"github.com/cockroachdb/repl-applier/internal/applier/applyerr"
	"github.com/stretchr/testify/require"
)

func TestDecoderStopsAtSentinelLine(t *testing.T) {
	body := `{"tick":"1","type":1,"cid":"7","key":"\"a\"","rev":"1"}
{"tick":"2","type":3,"cid":"7","key":"\"a\"","rev":"2"}

`
	dec := NewDecoder(strings.NewReader(body), 0)

	m1, err := dec.Next()
	require.NoError(t, err)
	require.EqualValues(t, 1, m1.Tick)
	require.Equal(t, TypeDocInsert, m1.Type)

	m2, err := dec.Next()
	require.NoError(t, err)
	require.EqualValues(t, 2, m2.Tick)
	require.Equal(t, TypeDocRemove, m2.Type)

	_, err = dec.Next()
	require.ErrorIs(t, err, io.EOF)
}

func TestDecoderFatalOnMalformedLineWithNoBudget(t *testing.T) {
	dec := NewDecoder(strings.NewReader("not json\n\n"), 0)
	_, err := dec.Next()
	var invalid *applyerr.InvalidResponseError
	require.ErrorAs(t, err, &invalid)
}

func TestDecoderSkipsMalformedLineWithinBudget(t *testing.T) {
	body := "not json\n" + `{"tick":"5","type":1,"cid":"1","key":"\"a\"","rev":"1"}` + "\n\n"
	dec := NewDecoder(strings.NewReader(body), 1)

	m, err := dec.Next()
	require.NoError(t, err)
	require.EqualValues(t, 5, m.Tick)
	require.Equal(t, 0, dec.IgnoreErrors, "the budget should have been spent on the malformed line")
}

func TestDecoderExhaustsBudgetThenFails(t *testing.T) {
	body := "bad one\nbad two\n" + `{"tick":"5","type":1}` + "\n\n"
	dec := NewDecoder(strings.NewReader(body), 1)

	_, err := dec.Next()
	var invalid *applyerr.InvalidResponseError
	require.ErrorAs(t, err, &invalid)
}
