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

package wire

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cockroachdb/repl-applier/internal/applier/applyerr"
	"github.com/cockroachdb/repl-applier/internal/applier/marker"
	"github.com/cockroachdb/repl-applier/internal/applier/tick"
	"github.com/stretchr/testify/require"
)

func TestHandshake(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"server":{"version":"3.9.1","serverId":"12345"}}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "_system")
	info, err := c.Handshake(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 12345, info.ServerID)
	require.Equal(t, 3, info.MajorVersion)
	require.Equal(t, 9, info.MinorVersion)
	require.True(t, info.Supports27())
}

func TestHandshakeMalformedServerID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"server":{"version":"3.9.1","serverId":"not-a-number"}}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "_system")
	_, err := c.Handshake(context.Background())
	require.Error(t, err)
	var invalid *applyerr.InvalidResponseError
	require.ErrorAs(t, err, &invalid)
}

func TestHandshakeServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "_system")
	_, err := c.Handshake(context.Background())
	require.ErrorIs(t, err, applyerr.ErrMasterError)
}

func TestFollowLogMissingHeaderIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("x-arango-replication-checkmore", "false")
		w.Header().Set("x-arango-replication-frompresent", "true")
		w.Header().Set("x-arango-replication-active", "true")
		w.Header().Set("x-arango-replication-lastincluded", "100")
		// lasttick deliberately omitted
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "_system")
	_, err := c.FollowLog(context.Background(), FollowLogRequest{FetchTick: tick.Tick(1)})
	require.Error(t, err)
	var invalid *applyerr.InvalidResponseError
	require.ErrorAs(t, err, &invalid)
}

func TestOpenTransactions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "500", r.URL.Query().Get("from"))
		require.Equal(t, "800", r.URL.Query().Get("to"))
		w.Header().Set("x-arango-replication-lasttick", "510")
		w.Header().Set("x-arango-replication-frompresent", "true")
		_, _ = w.Write([]byte(`["1234","5678"]`))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "_system")
	res, err := c.OpenTransactions(context.Background(), tick.Tick(500), tick.Tick(800))
	require.NoError(t, err)
	require.EqualValues(t, 510, res.StartTick)
	require.True(t, res.FromIncluded)
	require.Len(t, res.IDs, 2)
	require.EqualValues(t, 1234, res.IDs[0])
}

func TestFollowLogRequestForm(t *testing.T) {
	var gotMethod, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		b := make([]byte, 1024)
		n, _ := r.Body.Read(b)
		gotBody = string(b[:n])
		w.Header().Set("x-arango-replication-checkmore", "false")
		w.Header().Set("x-arango-replication-frompresent", "true")
		w.Header().Set("x-arango-replication-active", "true")
		w.Header().Set("x-arango-replication-lastincluded", "0")
		w.Header().Set("x-arango-replication-lasttick", "0")
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "_system")

	// A nil transaction list means the legacy GET form.
	res, err := c.FollowLog(context.Background(), FollowLogRequest{FetchTick: tick.Tick(1)})
	require.NoError(t, err)
	res.Body.Close()
	require.Equal(t, http.MethodGet, gotMethod)

	// A non-nil list, even an empty one, selects the PUT form with the
	// ids as the body.
	res, err = c.FollowLog(context.Background(), FollowLogRequest{
		FetchTick:          tick.Tick(1),
		OpenTransactionIDs: []marker.TransactionID{},
	})
	require.NoError(t, err)
	res.Body.Close()
	require.Equal(t, http.MethodPut, gotMethod)
	require.Equal(t, `[]`, gotBody)

	res, err = c.FollowLog(context.Background(), FollowLogRequest{
		FetchTick:          tick.Tick(1),
		OpenTransactionIDs: []marker.TransactionID{1234},
	})
	require.NoError(t, err)
	res.Body.Close()
	require.Equal(t, `["1234"]`, gotBody)
}

func TestFollowLogHappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("x-arango-replication-checkmore", "true")
		w.Header().Set("x-arango-replication-frompresent", "true")
		w.Header().Set("x-arango-replication-active", "true")
		w.Header().Set("x-arango-replication-lastincluded", "200")
		w.Header().Set("x-arango-replication-lasttick", "250")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"tick":"200","type":2300,"cid":"7","key":"a"}` + "\n"))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "_system")
	res, err := c.FollowLog(context.Background(), FollowLogRequest{FetchTick: tick.Tick(100), ServerID: 12345})
	require.NoError(t, err)
	defer res.Body.Close()
	require.True(t, res.CheckMore)
	require.EqualValues(t, 200, res.LastIncluded)
	require.EqualValues(t, 250, res.LastTick)
}
