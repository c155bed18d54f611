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
	"context"
	"math/rand"

	"github.com/cockroachdb/repl-applier/internal/applier/marker"
	"github.com/pkg/errors"
)

// ErrChaos is the error injected by WithChaos.
var ErrChaos = errors.New("chaos")

// Applier is the subset of Engine that WithChaos wraps, letting tests
// exercise the follower loop's retry and cancellation behavior without
// a real master connection.
type Applier interface {
	Apply(ctx context.Context, m marker.Marker) error
}

// WithChaos returns a wrapper that injects ErrChaos before prob
// fraction of Apply calls. It returns delegate unchanged when prob is
// zero or negative.
func WithChaos(delegate Applier, prob float32) Applier {
	if prob <= 0 {
		return delegate
	}
	return &chaosApplier{delegate: delegate, prob: prob}
}

type chaosApplier struct {
	delegate Applier
	prob     float32
}

func (c *chaosApplier) Apply(ctx context.Context, m marker.Marker) error {
	if rand.Float32() < c.prob {
		return ErrChaos
	}
	return c.delegate.Apply(ctx, m)
}
