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

// Package follower drives the continuous replication loop: it connects
// to the master, computes a correct resume point across restarts,
// streams the replication log, and keeps polling it on a schedule that
// backs off while the master is idle and tightens up the moment there's
// work again. It is the one long-running goroutine in the applier;
// everything else is reused by reference on its behalf.
package follower

import (
	"context"
	"io"
	"time"

	"github.com/cockroachdb/repl-applier/internal/applier/apply"
	"github.com/cockroachdb/repl-applier/internal/applier/applyerr"
	"github.com/cockroachdb/repl-applier/internal/applier/config"
	"github.com/cockroachdb/repl-applier/internal/applier/marker"
	"github.com/cockroachdb/repl-applier/internal/applier/metrics"
	"github.com/cockroachdb/repl-applier/internal/applier/state"
	"github.com/cockroachdb/repl-applier/internal/applier/tick"
	"github.com/cockroachdb/repl-applier/internal/applier/txn"
	"github.com/cockroachdb/repl-applier/internal/applier/wire"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// handshakeRetryWait is how long the loop waits between handshake
// attempts while the master is unreachable at startup.
const handshakeRetryWait = 10 * time.Second

// transientRetryWait is how long the loop waits between retries of a
// transient follow-log failure once steady-state polling has begun.
const transientRetryWait = 30 * time.Second

// activePollInterval is how long the loop waits before asking again
// when the last response was empty but the master's logger is active.
const activePollInterval = 500 * time.Millisecond

// idlePollInterval is the wait when the master's logger is inactive.
const idlePollInterval = 5 * time.Second

// Idle-cycle thresholds for the adaptive polling schedule: past 15
// consecutive empty cycles the interval doubles, past 30 it triples,
// and past 60 it quintuples. The schedule resets the moment there is
// work again.
const (
	idleThreshold2x = 15
	idleThreshold3x = 30
	idleThreshold5x = 60
)

// Loop owns the follower's run loop and all the collaborators it needs.
type Loop struct {
	Client     wire.Client
	Engine     apply.Applier
	Registry   *txn.Registry
	StateStore state.Store
	State      *state.Guarded
	Config     *config.Config

	// sleeper abstracts time.Sleep so tests can substitute a fake clock;
	// it defaults to a context-aware sleep in New.
	sleeper func(ctx context.Context, d time.Duration) error
}

// New wires a Loop from its collaborators.
func New(client wire.Client, engine apply.Applier, registry *txn.Registry, store state.Store, st *state.Guarded, cfg *config.Config) *Loop {
	return &Loop{
		Client:     client,
		Engine:     engine,
		Registry:   registry,
		StateStore: store,
		State:      st,
		Config:     cfg,
		sleeper:    wait,
	}
}

// Run drives the follower loop until ctx is canceled or a fatal error
// occurs. A canceled context returns applyerr.ErrApplierStopped, which
// callers should treat as a clean shutdown rather than a failure. Any
// fatal error is recorded in the state store's LastError before Run
// returns.
func (l *Loop) Run(ctx context.Context) error {
	err := l.run(ctx)
	if err != nil && !errors.Is(err, applyerr.ErrApplierStopped) {
		l.State.SetError(err)
		state.SaveBestEffort(ctx, l.StateStore, l.State.Snapshot())
	}
	return err
}

func (l *Loop) run(ctx context.Context) error {
	if err := l.loadState(ctx); err != nil {
		return err
	}

	l.progress("connecting to master")
	info, err := l.handshakeWithRetry(ctx)
	if err != nil {
		return err
	}
	if err := l.reconcileIdentity(info); err != nil {
		return err
	}

	fetchTick, firstRegular, err := l.computeResumePoint(ctx, info)
	if err != nil {
		return err
	}

	l.State.SetActive(true)
	defer l.State.SetActive(false)
	// On shutdown every transaction still open in the registry is
	// aborted and freed, so a canceled follower leaves no local
	// transaction pinned open.
	defer l.Registry.AbortAll(context.Background())

	retries := 0
	idleCycles := 0

	for {
		select {
		case <-ctx.Done():
			return applyerr.ErrApplierStopped
		default:
		}

		l.State.IncTotalRequests()
		l.progress("fetching master log from tick " + fetchTick.String())
		result, worked, err := l.fetchAndApply(ctx, info, fetchTick, firstRegular)

		switch {
		case err == nil:
			retries = 0
			fetchTick = result.LastTick
			if !result.Active {
				log.Warn("master replication logger is inactive; continuing to poll")
			}
			if worked {
				// More data may already be waiting; go straight back.
				idleCycles = 0
				continue
			}
			if result.CheckMore {
				continue
			}
			interval := idlePollInterval
			if result.Active {
				interval = activePollInterval
			}
			if l.Config != nil && l.Config.AdaptivePolling {
				idleCycles++
				interval *= idleMultiplier(idleCycles)
			}
			l.progress("waiting for new log data")
			if err := l.wait(ctx, interval); err != nil {
				return err
			}

		case errors.Is(err, applyerr.ErrNoResponse), errors.Is(err, applyerr.ErrMasterError):
			l.State.IncFailedConnects()
			metrics.ConnectFailures.Inc()
			retries++
			if l.Config != nil && l.Config.MaxConnectRetries > 0 && retries > l.Config.MaxConnectRetries {
				return errors.Wrap(err, "exceeded maximum connection retries")
			}
			log.WithError(err).Warnf("transient error talking to master, retry %d", retries)
			l.progress("waiting to retry after transient master error")
			if err := l.wait(ctx, transientRetryWait); err != nil {
				return err
			}

		default:
			return err
		}
	}
}

// idleMultiplier implements the idle-cycle backoff schedule.
func idleMultiplier(idleCycles int) time.Duration {
	switch {
	case idleCycles > idleThreshold5x:
		return 5
	case idleCycles > idleThreshold3x:
		return 3
	case idleCycles > idleThreshold2x:
		return 2
	default:
		return 1
	}
}

// progress publishes a short human-readable description of what the
// loop is about to do. It is diagnostic only; when the verbose flag is
// set it is echoed at Info, otherwise it stays at Debug.
func (l *Loop) progress(msg string) {
	l.State.SetProgress(msg)
	if l.Config != nil && l.Config.Verbose {
		log.Info(msg)
		return
	}
	log.Debug(msg)
}

func (l *Loop) loadState(ctx context.Context) error {
	st, err := l.StateStore.Load(ctx)
	if err != nil {
		return errors.Wrap(err, "loading applier state")
	}
	l.State.Reset(st)
	return nil
}

// handshakeWithRetry retries the handshake while the master is
// unreachable, waiting handshakeRetryWait between attempts. It keeps
// its own attempt count, separate from the main loop's, and gives up
// once that count exceeds MaxConnectRetries (zero means unlimited) or
// ctx is canceled.
func (l *Loop) handshakeWithRetry(ctx context.Context) (wire.MasterInfo, error) {
	attempts := 0
	for {
		info, err := l.Client.Handshake(ctx)
		if err == nil {
			return info, nil
		}
		if !errors.Is(err, applyerr.ErrNoResponse) && !errors.Is(err, applyerr.ErrMasterError) {
			return wire.MasterInfo{}, err
		}
		attempts++
		l.State.IncFailedConnects()
		metrics.ConnectFailures.Inc()
		if l.Config != nil && l.Config.MaxConnectRetries > 0 && attempts > l.Config.MaxConnectRetries {
			return wire.MasterInfo{}, errors.Wrap(err, "exceeded maximum connection retries during handshake")
		}
		log.WithError(err).Warnf("master unreachable, handshake retry %d", attempts)
		if err := l.wait(ctx, handshakeRetryWait); err != nil {
			return wire.MasterInfo{}, err
		}
	}
}

// reconcileIdentity enforces that once MasterServerID is known, it
// must never silently change.
func (l *Loop) reconcileIdentity(info wire.MasterInfo) error {
	snap := l.State.Snapshot()
	if snap.Uninitialized {
		l.State.SetMasterServerID(info.ServerID)
		return nil
	}
	if snap.MasterServerID != info.ServerID {
		return &applyerr.MasterChangedError{
			Want: uint64(snap.MasterServerID),
			Got:  uint64(info.ServerID),
		}
	}
	return nil
}

// computeResumePoint determines the tick to resume from and the
// "first regular" boundary the skip/filter decision uses, seeding the
// transaction registry's placeholders from whatever was open at that
// point. An explicitly configured InitialTick (set by the dump
// subsystem after a full sync) overrides the persisted watermark. On a
// fresh applier with neither, it simply starts from whatever the
// master currently has.
func (l *Loop) computeResumePoint(ctx context.Context, info wire.MasterInfo) (fetchTick, firstRegular tick.Tick, err error) {
	snap := l.State.Snapshot()
	fromTick := snap.LastAppliedTick
	if l.Config != nil && l.Config.InitialTick > 0 {
		fromTick = tick.Tick(l.Config.InitialTick)
	}
	if fromTick == tick.None {
		return tick.None, tick.None, nil
	}

	// A legacy master cannot re-send the operations of a transaction
	// that was still open at the resume point, so there is nothing to
	// bridge: resuming mid-transaction against one is best effort. The
	// same short-circuit applies when safeResume has caught up to
	// fromTick, since no transaction was open there by definition.
	safeResume := snap.SafeResumeTick
	if !info.Supports27() || safeResume == tick.None || safeResume >= fromTick {
		return fromTick, fromTick, nil
	}

	l.progress("fetching open transactions")
	open, err := l.Client.OpenTransactions(ctx, safeResume, fromTick)
	if err != nil {
		return 0, 0, err
	}
	if l.Config != nil && l.Config.RequireFromPresent && !open.FromIncluded {
		return 0, 0, applyerr.ErrStartTickNotPresent
	}
	for _, tid := range open.IDs {
		l.Registry.SeedPlaceholder(tid)
	}
	if open.StartTick == tick.None || open.StartTick > fromTick {
		return fromTick, fromTick, nil
	}
	// fetchTick must be low enough that the master re-sends every
	// marker belonging to a transaction still open at open.StartTick;
	// firstRegular stays at fromTick so anything already durable is
	// dropped by the skip/filter decision unless it's bridged by one of
	// the placeholders just seeded above.
	return open.StartTick, fromTick, nil
}

// fetchResult is what one fetchAndApply call reports back to Run.
type fetchResult struct {
	LastTick  tick.Tick
	Active    bool
	CheckMore bool
}

// fetchAndApply issues one follow-log request, decodes and filters its
// body, and applies every marker that passes. worked reports whether
// the master returned anything past fetchTick (LastIncluded >
// fetchTick), whether or not any marker survived the skip/filter
// decision; it feeds the adaptive polling schedule.
func (l *Loop) fetchAndApply(ctx context.Context, info wire.MasterInfo, fetchTick, firstRegular tick.Tick) (fetchResult, bool, error) {
	cfg := l.Config
	chunkSize := 0
	includeSystem := false
	if cfg != nil {
		chunkSize = cfg.ChunkSize
		includeSystem = cfg.IncludeSystem
	}

	// On a >=2.7 master the request body carries the ids of every
	// transaction the registry still has open, so the master keeps
	// bridging their pre-resume operations; OpenIDs is never nil, which
	// selects the PUT request form even when the list is empty. A
	// legacy master gets the plain GET form instead.
	var openIDs []marker.TransactionID
	if info.Supports27() {
		openIDs = l.Registry.OpenIDs()
	}

	start := time.Now()
	resp, err := l.Client.FollowLog(ctx, wire.FollowLogRequest{
		FetchTick:          fetchTick,
		FirstRegular:       firstRegular,
		IncludeSystem:      includeSystem,
		ChunkSize:          chunkSize,
		ServerID:           info.ServerID,
		OpenTransactionIDs: openIDs,
	})
	metrics.FollowLogDurations.Observe(time.Since(start).Seconds())
	if err != nil {
		return fetchResult{}, false, err
	}
	defer resp.Body.Close()

	if cfg != nil && cfg.RequireFromPresent && fetchTick != tick.None && !resp.FromIncluded {
		return fetchResult{}, false, applyerr.ErrStartTickNotPresent
	}

	l.State.Advance(tick.LastAvailable, resp.LastTick)

	// Per the follow-log contract, progress is measured by whether the
	// master actually had anything past fetchTick to hand back, not by
	// whether any marker survived the skip/filter decision: the next
	// poll must resume from LastIncluded (what the body actually
	// covered), not LastTick (what the master has available but may not
	// have sent, e.g. when a response was truncated by chunkSize).
	nextFetchTick := fetchTick
	worked := resp.LastIncluded > fetchTick
	if worked {
		nextFetchTick = resp.LastIncluded
	}

	ignoreErrors := 0
	if cfg != nil {
		ignoreErrors = cfg.IgnoreErrors
	}
	dec := marker.NewDecoder(resp.Body, ignoreErrors)

	filterCfg := marker.FilterConfig{}
	if cfg != nil {
		filterCfg = cfg.FilterConfig()
	}

	// applyOne runs a single marker through the engine and the
	// ignoreErrors budget/fatal decision.
	applyOne := func(m marker.Marker) error {
		applyStart := time.Now()
		applyErr := l.Engine.Apply(ctx, m)
		metrics.ApplyDurations.WithLabelValues(m.Type.String()).Observe(time.Since(applyStart).Seconds())
		if applyErr != nil {
			metrics.ApplyErrors.WithLabelValues(m.Type.String()).Inc()
			if isTransactionProtocolError(applyErr) || dec.IgnoreErrors <= 0 {
				return errors.Wrapf(applyErr, "applying marker %s", marker.DescribeForError(m))
			}
			dec.IgnoreErrors--
			log.WithError(applyErr).Warnf("skipping marker that failed to apply: %s", marker.DescribeForError(m))
			l.State.IncSkipped()
			metrics.MarkersSkipped.Inc()
			return nil
		}
		metrics.LastAppliedTick.Set(float64(l.State.Snapshot().LastAppliedTick))
		return nil
	}

	// bridgeRun accumulates a consecutive stretch of document markers
	// bridged through a Placeholder transaction entry (the
	// open-transaction bridge): every one of these applies as its own
	// standalone write, so a batch that repeatedly touches the same
	// (collection, key) -- common when a long-running pre-resume
	// transaction's replay interleaves with nothing else -- need only
	// apply its last write. Flushing the run the moment a marker that
	// doesn't qualify arrives keeps every other marker's position in
	// tick order exactly as it was; only redundant writes within the
	// run collapse.
	var bridgeRun []marker.Marker
	flushBridgeRun := func() error {
		if len(bridgeRun) == 0 {
			return nil
		}
		deduped := apply.UniqueByTransactionTarget(bridgeRun)
		for _, bm := range deduped {
			if err := applyOne(bm); err != nil {
				bridgeRun = nil
				return err
			}
		}
		bridgeRun = nil
		return nil
	}

	for {
		m, err := dec.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fetchResult{}, worked, &applyerr.InvalidResponseError{Reason: "marker stream", Detail: err.Error()}
		}

		if !marker.Filter(m, filterCfg, firstRegular, l.Registry.IsOpen) {
			l.State.IncSkipped()
			metrics.MarkersSkipped.Inc()
			continue
		}

		if m.Type.IsDocumentOp() && m.HasTransaction() && l.Registry.IsPlaceholder(m.TransactionID) {
			bridgeRun = append(bridgeRun, m)
			continue
		}
		if err := flushBridgeRun(); err != nil {
			return fetchResult{}, worked, err
		}
		if err := applyOne(m); err != nil {
			return fetchResult{}, worked, err
		}
	}
	if err := flushBridgeRun(); err != nil {
		return fetchResult{}, worked, err
	}

	state.SaveBestEffort(ctx, l.StateStore, l.State.Snapshot())

	return fetchResult{
		LastTick:  nextFetchTick,
		Active:    resp.Active,
		CheckMore: resp.CheckMore,
	}, worked, nil
}

// isTransactionProtocolError reports whether err is one of the
// transaction-protocol or decode-protocol error kinds that the
// ignoreErrors budget never covers: they indicate a broken master or a
// logic error in the bridge, not an ordinary storage failure.
func isTransactionProtocolError(err error) bool {
	var unexpectedTxn *applyerr.UnexpectedTransactionError
	var unexpectedMarker *applyerr.UnexpectedMarkerError
	var missingTxn *applyerr.MissingTransactionError
	var invalidResponse *applyerr.InvalidResponseError
	switch {
	case errors.As(err, &unexpectedTxn):
		return true
	case errors.As(err, &unexpectedMarker):
		return true
	case errors.As(err, &missingTxn):
		return true
	case errors.As(err, &invalidResponse):
		return true
	default:
		return false
	}
}

func (l *Loop) wait(ctx context.Context, d time.Duration) error {
	if l.sleeper != nil {
		return l.sleeper(ctx, d)
	}
	return wait(ctx, d)
}

// wait sleeps for d or returns applyerr.ErrApplierStopped the moment
// ctx is canceled, whichever comes first.
func wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return applyerr.ErrApplierStopped
	}
}
