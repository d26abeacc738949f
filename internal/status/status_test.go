/*
 *
 * Copyright 2025 gRPC authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

package status

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/markrussinovich/shmhisto/internal/histogram"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
	)
}

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeSource struct {
	hist    histogram.Histogram
	serving atomic.Bool
}

func newFakeSource(syms string) *fakeSource {
	f := &fakeSource{}
	for i := 0; i < len(syms); i++ {
		f.hist.Add(syms[i])
	}
	f.serving.Store(true)
	return f
}

func (f *fakeSource) Snapshot() histogram.Snapshot { return f.hist.Snapshot() }
func (f *fakeSource) Serving() bool                { return f.serving.Load() }

func TestHandler_Healthz(t *testing.T) {
	src := newFakeSource("")
	ts := httptest.NewServer(NewHandler(src, discard))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	src.serving.Store(false)
	resp, err = http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	var body healthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "finalizing", body.Status)
}

func TestHandler_Histogram(t *testing.T) {
	ts := httptest.NewServer(NewHandler(newFakeSource("AAT!"), discard))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/histogram")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var snap histogram.Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	assert.Equal(t, uint64(3), snap.Total)
	assert.Equal(t, uint64(1), snap.Ignored)
	assert.Equal(t, uint64(2), snap.Counts["A"])
	assert.Equal(t, uint64(1), snap.Counts["T"])
	assert.Len(t, snap.Counts, histogram.Size)
}

func TestHandler_UnknownRoute(t *testing.T) {
	ts := httptest.NewServer(NewHandler(newFakeSource(""), discard))
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/histogram", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestServer_DisabledByDefault(t *testing.T) {
	s := NewServer(Config{}, newFakeSource(""), discard)
	assert.False(t, s.Enabled())
	require.NoError(t, s.Listen())
	assert.Empty(t, s.HTTPAddr())
	assert.Empty(t, s.GRPCAddr())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, s.Serve(ctx))
}

func TestServer_ServesBothSurfaces(t *testing.T) {
	src := newFakeSource("BB")
	s := NewServer(Config{HTTPAddr: "127.0.0.1:0", GRPCAddr: "127.0.0.1:0"}, src, discard)
	require.True(t, s.Enabled())
	require.NoError(t, s.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()

	resp, err := http.Get("http://" + s.HTTPAddr() + "/histogram")
	require.NoError(t, err)
	var snap histogram.Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	resp.Body.Close()
	assert.Equal(t, uint64(2), snap.Counts["B"])

	conn, err := grpc.Dial(s.GRPCAddr(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	client := healthpb.NewHealthClient(conn)

	check := func(service string) healthpb.HealthCheckResponse_ServingStatus {
		cctx, ccancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer ccancel()
		r, err := client.Check(cctx, &healthpb.HealthCheckRequest{Service: service})
		require.NoError(t, err)
		return r.GetStatus()
	}
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(""))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(ServiceName))

	s.SetServing(false)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(ServiceName))

	require.NoError(t, conn.Close())
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	http.DefaultClient.CloseIdleConnections()
}
