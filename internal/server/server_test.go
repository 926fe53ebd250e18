package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/HMasataka/huddle/internal/config"
	"github.com/HMasataka/huddle/internal/logging"
	"github.com/HMasataka/huddle/pkg/chatclient"
	"github.com/HMasataka/huddle/pkg/domain"
	"github.com/HMasataka/huddle/pkg/history"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T, mutate func(*config.Config)) (*Server, *httptest.Server) {
	t.Helper()

	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}
	require.NoError(t, cfg.Validate())

	ctx := context.Background()
	srv, err := New(ctx, cfg, logging.Discard())
	require.NoError(t, err)
	require.NoError(t, srv.Start(ctx))

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return srv, ts
}

func getJSON(t *testing.T, target string, out any) {
	t.Helper()
	resp, err := http.Get(target)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func TestServer_MemoryModeEndToEnd(t *testing.T) {
	srv, ts := startServer(t, nil)
	assert.Equal(t, history.ModeMemory, srv.StoreMode())

	u, err := url.Parse(ts.URL)
	require.NoError(t, err)
	u.Scheme = "ws"
	u.Path = "/ws"

	messages := make(chan domain.Message, 16)
	client := chatclient.New(*u, chatclient.DefaultOptions())
	client.OnMessage(func(m domain.Message) { messages <- m })
	require.NoError(t, client.Connect(context.Background()))
	defer client.Disconnect()

	require.NoError(t, client.Login(context.Background(), "Ana"))
	select {
	case m := <-messages:
		assert.Equal(t, "Ana joined", m.Text)
	case <-time.After(2 * time.Second):
		t.Fatal("no join announcement")
	}

	var users struct {
		List []string `json:"list"`
	}
	require.Eventually(t, func() bool {
		getJSON(t, ts.URL+"/api/users", &users)
		return len(users.List) == 1
	}, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, []string{"Ana"}, users.List)

	resp, err := http.Post(ts.URL+"/api/messages", "application/json", strings.NewReader(`{"user":"Bot","text":"built"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	select {
	case m := <-messages:
		assert.Equal(t, "Bot", m.User)
		assert.Equal(t, "built", m.Text)
	case <-time.After(2 * time.Second):
		t.Fatal("REST message not broadcast")
	}

	var frames []map[string]any
	getJSON(t, ts.URL+"/api/messages?limit=1", &frames)
	require.Len(t, frames, 1)
	assert.Equal(t, "built", frames[0]["text"])

	var health map[string]any
	getJSON(t, ts.URL+"/api/health", &health)
	assert.Equal(t, "memory", health["store_mode"])
	assert.EqualValues(t, 1, health["connected_clients"])
	assert.EqualValues(t, 1, health["present_users"])
}

func TestServer_SQLiteDurableMode(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")
	srv, _ := startServer(t, func(cfg *config.Config) {
		cfg.Store.Driver = config.DriverSQLite
		cfg.Store.SQLitePath = dbPath
	})
	assert.Equal(t, history.ModeDurable, srv.StoreMode())
}

func TestServer_StaticDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("<h1>huddle</h1>"), 0o600))

	_, ts := startServer(t, func(cfg *config.Config) {
		cfg.Server.StaticDir = dir
	})

	resp, err := http.Get(ts.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_RunStopsOnCancel(t *testing.T) {
	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = freePort(t)

	srv, err := New(context.Background(), cfg, logging.Discard())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + cfg.Server.Addr() + "/api/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	ts := httptest.NewServer(http.NotFoundHandler())
	u, err := url.Parse(ts.URL)
	require.NoError(t, err)
	ts.Close()

	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return port
}
