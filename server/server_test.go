package server_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"github.com/frobware/go-pktcount"
	"github.com/frobware/go-pktcount/client"
	"github.com/frobware/go-pktcount/metrics"
	"github.com/frobware/go-pktcount/server"
)

func testLogger() *slog.Logger {
	if os.Getenv("PKTCOUNT_TEST_VERBOSE") != "" {
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeCounter is a Counter whose value and state tests set directly.
type fakeCounter struct {
	mu       sync.Mutex
	count    uint64
	attached bool
	resets   int
	resetErr error
}

func (f *fakeCounter) Read() (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.attached {
		return 0, &pktcount.ReadError{Err: errors.New("counter is not attached")}
	}
	return f.count, nil
}

func (f *fakeCounter) Reset() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resetErr != nil {
		return f.resetErr
	}
	if !f.attached {
		return &pktcount.ReadError{Err: errors.New("counter is not attached")}
	}
	f.resets++
	f.count = 0
	return nil
}

func (f *fakeCounter) Status() pktcount.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := pktcount.StateUnattached
	var rec pktcount.AttachmentRecord
	if f.attached {
		st = pktcount.StateAttached
		rec = pktcount.AttachmentRecord{
			ID:        "a1",
			Interface: "eth0",
			Ifindex:   2,
			Mode:      pktcount.AttachModeGeneric,
			Backend:   pktcount.BackendLink,
			ProgramID: 10,
			MapID:     11,
		}
	}
	return pktcount.Status{
		State:     st,
		StateName: st.String(),
		Count:     f.count,
		Record:    rec,
		LastRead:  time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC),
	}
}

// dialBufconn serves srv on an in-memory listener and returns a
// client connected to it.
func dialBufconn(t *testing.T, srv *server.Server) *client.Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	go func() { _ = srv.GRPCServer().Serve(lis) }()
	t.Cleanup(srv.GRPCServer().Stop)

	c, err := client.Dial("passthrough:///bufnet",
		client.WithLogger(testLogger()),
		client.WithDialOptions(grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		})))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestGRPCRead(t *testing.T) {
	counter := &fakeCounter{attached: true, count: 1000}
	c := dialBufconn(t, server.New(counter, server.WithLogger(testLogger())))

	got, err := c.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), got)
}

func TestGRPCReadNotAttached(t *testing.T) {
	counter := &fakeCounter{}
	c := dialBufconn(t, server.New(counter, server.WithLogger(testLogger())))

	_, err := c.Read(context.Background())
	assert.ErrorIs(t, err, client.ErrNotAttached)
}

func TestGRPCReset(t *testing.T) {
	counter := &fakeCounter{attached: true, count: 5}
	c := dialBufconn(t, server.New(counter, server.WithLogger(testLogger())))

	require.NoError(t, c.Reset(context.Background()))
	assert.Equal(t, 1, counter.resets)

	got, err := c.Read(context.Background())
	require.NoError(t, err)
	assert.Zero(t, got)
}

func TestGRPCResetInternalError(t *testing.T) {
	counter := &fakeCounter{attached: true, resetErr: errors.New("map update failed")}
	c := dialBufconn(t, server.New(counter, server.WithLogger(testLogger())))

	err := c.Reset(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, client.ErrNotAttached)
	assert.Contains(t, err.Error(), "map update failed")
}

func TestGRPCStatus(t *testing.T) {
	counter := &fakeCounter{attached: true, count: 77}
	c := dialBufconn(t, server.New(counter, server.WithLogger(testLogger())))

	st, err := c.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, pktcount.StateAttached, st.State)
	assert.Equal(t, "attached", st.StateName)
	assert.Equal(t, uint64(77), st.Count)
	assert.Equal(t, "a1", st.Record.ID)
	assert.Equal(t, "eth0", st.Record.Interface)
	assert.Equal(t, 2, st.Record.Ifindex)
	assert.Equal(t, pktcount.AttachModeGeneric, st.Record.Mode)
	assert.Equal(t, uint32(10), st.Record.ProgramID)
	assert.Equal(t, uint32(11), st.Record.MapID)
	assert.True(t, st.LastRead.Equal(time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)))
}

func TestGRPCHealth(t *testing.T) {
	c := dialBufconn(t, server.New(&fakeCounter{}, server.WithLogger(testLogger())))

	ok, err := c.Healthy(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestHTTPRoutes(t *testing.T) {
	counter := &fakeCounter{attached: true, count: 42}
	srv := server.New(counter, server.WithLogger(testLogger()))
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/counter")
	require.NoError(t, err)
	var body struct {
		Interface string `json:"interface"`
		Count     uint64 `json:"count"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Equal(t, uint64(42), body.Count)
	assert.Equal(t, "eth0", body.Interface)

	resp, err = http.Post(ts.URL+"/v1/counter/reset", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, 1, counter.resets)

	resp, err = http.Get(ts.URL + "/v1/status")
	require.NoError(t, err)
	var st pktcount.Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	resp.Body.Close()
	assert.Equal(t, "attached", st.StateName)
	assert.Equal(t, "a1", st.Record.ID)

	resp, err = http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHTTPReadNotAttached(t *testing.T) {
	srv := server.New(&fakeCounter{}, server.WithLogger(testLogger()))
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/counter")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var body struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Contains(t, body.Error, "not attached")
}

func TestHTTPMethodNotAllowed(t *testing.T) {
	counter := &fakeCounter{attached: true}
	srv := server.New(counter, server.WithLogger(testLogger()))
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	tests := []struct {
		method, path string
		want         int
	}{
		{http.MethodGet, "/v1/counter/reset", http.StatusMethodNotAllowed},
		{http.MethodPost, "/v1/counter", http.StatusMethodNotAllowed},
		{http.MethodDelete, "/v1/status", http.StatusMethodNotAllowed},
		{http.MethodGet, "/v1/nope", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.method+tt.path, func(t *testing.T) {
			req, err := http.NewRequest(tt.method, ts.URL+tt.path, nil)
			require.NoError(t, err)
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
	assert.Zero(t, counter.resets)
}

func TestHTTPMetrics(t *testing.T) {
	counter := &fakeCounter{attached: true, count: 9}
	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(metrics.NewCollector(counter, "eth0")))

	srv := server.New(counter, server.WithLogger(testLogger()), server.WithGatherer(reg))
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(data)
	assert.Contains(t, text, `pktcount_packets_total{interface="eth0"} 9`)
	assert.Contains(t, text, `pktcount_attached{interface="eth0"} 1`)
}

func TestHTTPNoMetricsWithoutGatherer(t *testing.T) {
	srv := server.New(&fakeCounter{}, server.WithLogger(testLogger()))
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServeUnixSocket(t *testing.T) {
	counter := &fakeCounter{attached: true, count: 3}
	srv := server.New(counter, server.WithLogger(testLogger()))

	// Keep the path short: unix socket paths are limited to 108 bytes.
	dir, err := os.MkdirTemp("", "pkt")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	socket := filepath.Join(dir, "sock", "pktcount.sock")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, socket, "") }()

	require.Eventually(t, func() bool {
		_, err := os.Stat(socket)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	c, err := client.Dial(socket, client.WithLogger(testLogger()))
	require.NoError(t, err)
	defer c.Close()

	got, err := c.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(3), got)

	cancel()
	require.NoError(t, <-done)
}
