// ABOUTME: Tests for gateway assembly, driver selection, and the run/shutdown lifecycle
// ABOUTME: Runs against the in-memory and SQLite stores with the local bus

package gateway

import (
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/tenantline/internal/config"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func TestNewWithMemoryStore(t *testing.T) {
	gw, err := New(testConfig(t), testLogger())
	require.NoError(t, err)
	assert.NotNil(t, gw.Handler())
	require.NoError(t, gw.Shutdown(context.Background()))
}

func TestRunServesUntilCanceled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.HTTPAddr = freeAddr(t)
	gw, err := New(cfg, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- gw.Run(ctx) }()

	url := "http://" + cfg.Server.HTTPAddr + "/health"
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return resp.StatusCode == http.StatusOK && string(body) == "OK"
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRunFailsWhenAddressTaken(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	cfg := testConfig(t)
	cfg.Server.HTTPAddr = ln.Addr().String()
	gw, err := New(cfg, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = gw.Shutdown(context.Background()) })

	err = gw.Run(t.Context())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listening on HTTP address")
}

func TestInitStoreSQLite(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t)
	cfg.Database = config.DatabaseConfig{Driver: config.DriverSQLite, Path: filepath.Join(dir, "config.db")}

	t.Run("config path", func(t *testing.T) {
		s, err := initStore(t.Context(), cfg)
		require.NoError(t, err)
		require.NoError(t, s.Ping(t.Context()))
		require.NoError(t, s.Close())
		assert.FileExists(t, cfg.Database.Path)
	})

	t.Run("env override", func(t *testing.T) {
		override := filepath.Join(dir, "override.db")
		t.Setenv("TENANTLINE_DB_PATH", override)
		s, err := initStore(t.Context(), cfg)
		require.NoError(t, err)
		require.NoError(t, s.Close())
		_, err = os.Stat(override)
		assert.NoError(t, err)
	})
}

func TestInitUnknownDrivers(t *testing.T) {
	cfg := testConfig(t)
	cfg.Database.Driver = "cassandra"
	_, err := initStore(t.Context(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown database driver "cassandra"`)

	cfg = testConfig(t)
	cfg.Notify.Driver = "carrier-pigeon"
	_, err = initBus(t.Context(), cfg, testLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown notify driver "carrier-pigeon"`)
}

func TestNewRejectsWeakSecret(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.JWTSecret = "short"
	_, err := New(cfg, testLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "creating JWT verifier")
}

func TestResolveTailscaleAuthKey(t *testing.T) {
	key, err := resolveTailscaleAuthKey("tskey-config")
	require.NoError(t, err)
	assert.Equal(t, "tskey-config", key)

	t.Setenv("TS_AUTHKEY", "tskey-env")
	key, err = resolveTailscaleAuthKey("")
	require.NoError(t, err)
	assert.Equal(t, "tskey-env", key)

	t.Setenv("TS_AUTHKEY", "")
	_, err = resolveTailscaleAuthKey("")
	assert.Error(t, err)
}

func TestResolveTailscaleStateDir(t *testing.T) {
	dir, err := resolveTailscaleStateDir("/var/lib/tenantline/ts")
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/tenantline/ts", dir)

	t.Setenv("HOME", "/home/ops")
	dir, err = resolveTailscaleStateDir("")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/home/ops", ".local", "share", "tenantline", "tailscale"), dir)
}
