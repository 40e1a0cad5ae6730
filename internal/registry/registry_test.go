package registry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRegistry(t *testing.T, specs []InstanceSpec) *Registry {
	t.Helper()
	return New(specs, Config{
		ReconnectInterval:    50 * time.Millisecond,
		MaxReconnectAttempts: 2,
		ConnectionTimeout:    time.Second,
	}, nil, zerolog.Nop())
}

func TestConnectAllMarksConnectedInstances(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("Ok."))
	}))
	defer srv.Close()

	r := testRegistry(t, []InstanceSpec{{Name: "a", BaseURL: srv.URL}})
	r.ConnectAll(context.Background())

	snap := r.Snapshot()
	require.Len(t, snap, 1)
	assert.True(t, snap[0].Connected)
}

func TestConnectAllMarksFailedLoginDisconnected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("Fails."))
	}))
	defer srv.Close()

	r := testRegistry(t, []InstanceSpec{{Name: "a", BaseURL: srv.URL}})
	r.ConnectAll(context.Background())

	snap := r.Snapshot()
	require.Len(t, snap, 1)
	assert.False(t, snap[0].Connected)
}

func TestStatusTickUpdatesMetricsFromMaindata(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v2/auth/login":
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("Ok."))
		case "/api/v2/sync/maindata":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{
				"server_state": {"up_info_speed": 1024, "dl_info_speed": 2048, "free_space_on_disk": 999},
				"torrents": {"h1": {"state": "downloading", "added_on": 1, "progress": 0.1}}
			}`))
		}
	}))
	defer srv.Close()

	r := testRegistry(t, []InstanceSpec{{Name: "a", BaseURL: srv.URL}})
	r.ConnectAll(context.Background())
	r.StatusTick(context.Background())

	snap := r.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, 1.0, snap[0].UploadKbps)
	assert.Equal(t, 2.0, snap[0].DownloadKbps)
	assert.EqualValues(t, 999, snap[0].FreeSpaceBytes)
	assert.Equal(t, 1, snap[0].ActiveDownloads)
	assert.EqualValues(t, 1, snap[0].SuccessMetricsCount)
}

func TestStatusTickDisconnectsAfterTwoFailures(t *testing.T) {
	loginCalls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v2/auth/login":
			loginCalls++
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("Ok."))
		case "/api/v2/sync/maindata":
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	r := testRegistry(t, []InstanceSpec{{Name: "a", BaseURL: srv.URL}})
	r.cfg.ConnectionTimeout = time.Second
	r.ConnectAll(context.Background())

	// StatusTick retries once after a 5s sleep on failure; use a very
	// short reconnect interval registry but accept the built-in 5s
	// retry sleep is part of the contract being tested here.
	done := make(chan struct{})
	go func() {
		r.StatusTick(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(8 * time.Second):
		t.Fatal("status tick did not complete in time")
	}

	snap := r.Snapshot()
	assert.False(t, snap[0].Connected)
}

func TestResetRoundCounters(t *testing.T) {
	r := testRegistry(t, []InstanceSpec{{Name: "a"}, {Name: "b"}})
	r.WithInstance("a", func(i *Instance) { i.NewTasksThisRound = 3 })
	r.WithInstance("b", func(i *Instance) { i.NewTasksThisRound = 5 })

	r.ResetRoundCounters()

	for _, s := range r.Snapshot() {
		assert.Equal(t, 0, s.NewTasksThisRound)
	}
}

func TestWithInstanceReturnsFalseForUnknownName(t *testing.T) {
	r := testRegistry(t, []InstanceSpec{{Name: "a"}})
	found := r.WithInstance("missing", func(i *Instance) {})
	assert.False(t, found)
}

func TestClientForReturnsNilWhenDisconnected(t *testing.T) {
	r := testRegistry(t, []InstanceSpec{{Name: "a", BaseURL: "http://unreachable.invalid"}})
	assert.Nil(t, r.ClientFor("a"))
}

func TestCheckAndScheduleReconnectsMarksReconnecting(t *testing.T) {
	// The login endpoint holds every request until the test ends, so the
	// background reconnect task is still in flight when the flags are read.
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("Fails."))
	}))
	defer srv.Close()
	defer close(release)

	r := testRegistry(t, []InstanceSpec{{Name: "a", BaseURL: srv.URL}})
	r.WithInstance("a", func(i *Instance) {
		i.Connected = false
		i.LastUpdate = time.Now().Add(-time.Hour)
	})

	r.CheckAndScheduleReconnects(context.Background())

	// CheckAndScheduleReconnects sets Reconnecting before it launches the
	// reconnect task; give that task a moment to start its login.
	time.Sleep(20 * time.Millisecond)
	var reconnecting, connected bool
	found := r.WithInstance("a", func(i *Instance) {
		reconnecting, connected = i.Reconnecting, i.Connected
	})
	assert.True(t, found)
	assert.True(t, reconnecting)
	assert.False(t, connected)
}
