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

package state

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type recordingStore struct {
	saved   ApplierState
	saveErr error
	calls   int
}

func (s *recordingStore) Load(context.Context) (ApplierState, error) {
	return Fresh(), nil
}

func (s *recordingStore) Save(_ context.Context, st ApplierState, _ bool) error {
	s.calls++
	s.saved = st
	return s.saveErr
}

func TestSaveBestEffortPersistsOnSuccess(t *testing.T) {
	store := &recordingStore{}
	st := ApplierState{LastProcessedTick: 42}
	SaveBestEffort(context.Background(), store, st)
	require.Equal(t, 1, store.calls)
	require.EqualValues(t, 42, store.saved.LastProcessedTick)
}

func TestSaveBestEffortSwallowsError(t *testing.T) {
	store := &recordingStore{saveErr: errors.New("connection reset")}
	require.NotPanics(t, func() {
		SaveBestEffort(context.Background(), store, ApplierState{})
	})
	require.Equal(t, 1, store.calls)
}
