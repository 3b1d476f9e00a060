package service

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tinyserve/staticd/internal/config"
	"github.com/tinyserve/staticd/internal/server"
)

var (
	handedOut   = make(map[int]bool)
	handedOutMu sync.Mutex
)

// freePort returns a loopback port that was free a moment ago and has not
// been returned to another test in this process
func freePort(t *testing.T) uint16 {
	t.Helper()
	handedOutMu.Lock()
	defer handedOutMu.Unlock()
	for {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		p := ln.Addr().(*net.TCPAddr).Port
		require.NoError(t, ln.Close())
		if !handedOut[p] {
			handedOut[p] = true
			return uint16(p)
		}
	}
}

func setup(t *testing.T, watch bool) (Config, string) {
	t.Helper()
	dir := t.TempDir()
	static := filepath.Join(dir, "html")
	require.NoError(t, os.Mkdir(static, 0o755))
	for name, body := range map[string]string{
		server.HomePage:     "home",
		server.NotFoundPage: "missing",
		server.ConfigPage:   "config",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(static, name), []byte(body), 0o644))
	}
	cfg := Config{
		SettingsPath:    filepath.Join(dir, "config.yaml"),
		CredentialsPath: filepath.Join(dir, "credentials.txt"),
		ReadTimeout:     2 * time.Second,
		Watch:           watch,
	}
	require.NoError(t, config.Save(cfg.SettingsPath, config.Config{Host: "127.0.0.1", Port: freePort(t), StaticDir: static}))
	require.NoError(t, os.WriteFile(cfg.CredentialsPath, []byte("username:admin\npassword:correct\n"), 0o600))
	return cfg, static
}

func start(t *testing.T, cfg Config) *Service {
	t.Helper()
	svc := New(cfg, zaptest.NewLogger(t))
	require.NoError(t, svc.Initialize(context.Background()))

	done := make(chan error, 1)
	go func() {
		done <- svc.Run(context.Background())
	}()
	select {
	case <-svc.Started():
	case err := <-done:
		t.Fatalf("service exited early: %v", err)
	}
	t.Cleanup(func() {
		svc.Shutdown()
		<-done
	})
	return svc
}

func roundTrip(t *testing.T, addr, request string) string {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(3*time.Second)))
	_, err = io.WriteString(conn, request)
	require.NoError(t, err)
	bs, err := io.ReadAll(conn)
	require.NoError(t, err)
	return string(bs)
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	assert.Eventually(t, cond, 3*time.Second, 20*time.Millisecond)
}

func TestService_Lifecycle(t *testing.T) {
	cfg, _ := setup(t, false)
	svc := New(cfg, zaptest.NewLogger(t))

	assert.Equal(t, StateIdle, svc.State())

	require.NoError(t, svc.Initialize(context.Background()))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- svc.Run(ctx)
	}()
	<-svc.Started()

	assert.Equal(t, StateListening, svc.State())
	assert.Equal(t, svc.Store().Current().Addr(), svc.Addr())

	// Concurrent shutdowns: exactly one of them takes effect
	var initiated atomic.Int32
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if svc.Shutdown() {
				initiated.Add(1)
			}
		}()
	}
	wg.Wait()
	require.NoError(t, <-done)
	assert.Equal(t, int32(1), initiated.Load())
	assert.Equal(t, StateStopped, svc.State())
	assert.False(t, svc.Shutdown())
}

func TestService_ContextCancellation(t *testing.T) {
	cfg, _ := setup(t, false)
	svc := New(cfg, zaptest.NewLogger(t))
	require.NoError(t, svc.Initialize(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- svc.Run(ctx)
	}()
	<-svc.Started()
	cancel()

	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, StateStopped, svc.State())
}

func TestService_RunWithoutInitialize(t *testing.T) {
	cfg, _ := setup(t, false)
	svc := New(cfg, zaptest.NewLogger(t))
	assert.Error(t, svc.Run(context.Background()))
}

func TestService_BindFailure(t *testing.T) {
	cfg, _ := setup(t, false)
	current, err := config.Load(cfg.SettingsPath)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", current.Addr())
	require.NoError(t, err)
	defer ln.Close()

	svc := New(cfg, zaptest.NewLogger(t))
	require.NoError(t, svc.Initialize(context.Background()))
	err = svc.Run(context.Background())
	assert.ErrorContains(t, err, "failed to bind")
	assert.Equal(t, StateIdle, svc.State())
}

func TestService_Serves(t *testing.T) {
	cfg, _ := setup(t, false)
	svc := start(t, cfg)

	assert.Equal(t, "HTTP/1.1 200 OK\r\nContent-Length: 4\r\n\r\nhome", roundTrip(t, svc.Addr(), "GET / HTTP/1.1\r\n\r\n"))
	assert.Equal(t, "HTTP/1.1 200 OK\r\nContent-Length: 6\r\n\r\nconfig", roundTrip(t, svc.Addr(), "GET /config HTTP/1.1\r\n\r\n"))
	assert.Equal(t, "HTTP/1.1 404 NOT FOUND\r\nContent-Length: 7\r\n\r\nmissing", roundTrip(t, svc.Addr(), "GET /nope HTTP/1.1\r\n\r\n"))
}

func TestService_SurvivesConnectionErrors(t *testing.T) {
	cfg, static := setup(t, false)
	svc := start(t, cfg)

	// Client that closes without sending anything
	conn, err := net.Dial("tcp", svc.Addr())
	require.NoError(t, err)
	conn.Close()

	require.NoError(t, os.Remove(filepath.Join(static, server.HomePage)))
	resp := roundTrip(t, svc.Addr(), "GET /home HTTP/1.1\r\n\r\n")
	assert.Equal(t, "HTTP/1.1 500 INTERNAL SERVER ERROR\r\nContent-Length: 0\r\n\r\n", resp)

	assert.True(t, strings.HasPrefix(roundTrip(t, svc.Addr(), "GET /config HTTP/1.1\r\n\r\n"), "HTTP/1.1 200 OK"))
}

func TestService_SlowClientTimesOut(t *testing.T) {
	cfg, _ := setup(t, false)
	cfg.ReadTimeout = 100 * time.Millisecond
	svc := start(t, cfg)

	// Silent client holds its connection open
	slow, err := net.Dial("tcp", svc.Addr())
	require.NoError(t, err)
	defer slow.Close()

	assert.True(t, strings.HasPrefix(roundTrip(t, svc.Addr(), "GET / HTTP/1.1\r\n\r\n"), "HTTP/1.1 200 OK"))
}

func TestService_RebindsAfterUpdate(t *testing.T) {
	cfg, _ := setup(t, false)
	svc := start(t, cfg)
	oldAddr := svc.Addr()

	newPort := freePort(t)
	body := fmt.Sprintf("username=admin&password=correct&port=%d", newPort)
	req := fmt.Sprintf("POST /update_config HTTP/1.1\r\nContent-Length: %d\r\n\r\n%s", len(body), body)
	resp := roundTrip(t, oldAddr, req)
	assert.True(t, strings.HasPrefix(resp, "HTTP/1.1 200 OK"), resp)

	newAddr := net.JoinHostPort("127.0.0.1", fmt.Sprint(newPort))
	eventually(t, func() bool { return svc.Addr() == newAddr })
	eventually(t, func() bool { return svc.State() == StateListening })
	assert.True(t, strings.HasPrefix(roundTrip(t, newAddr, "GET /home HTTP/1.1\r\n\r\n"), "HTTP/1.1 200 OK"))

	_, err := net.DialTimeout("tcp", oldAddr, 200*time.Millisecond)
	assert.Error(t, err, "old address should be released")
}

func TestService_WatcherRebindsOnExternalEdit(t *testing.T) {
	cfg, static := setup(t, true)
	svc := start(t, cfg)

	newPort := freePort(t)
	content := fmt.Sprintf("host: 127.0.0.1\nport: %d\nstatic_dir: %s\n", newPort, static)
	require.NoError(t, os.WriteFile(cfg.SettingsPath, []byte(content), 0o644))

	newAddr := net.JoinHostPort("127.0.0.1", fmt.Sprint(newPort))
	eventually(t, func() bool { return svc.Addr() == newAddr })
	assert.True(t, strings.HasPrefix(roundTrip(t, newAddr, "GET / HTTP/1.1\r\n\r\n"), "HTTP/1.1 200 OK"))
}
