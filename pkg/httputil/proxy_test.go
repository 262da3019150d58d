package httputil

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"session-capture-proxy/pkg/capture"
	"session-capture-proxy/pkg/certs"
	"session-capture-proxy/pkg/config"
	"session-capture-proxy/pkg/types"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func newTestEngine(t *testing.T, events chan capture.Event) *Engine {
	t.Helper()
	authority, err := certs.LoadOrCreate(t.TempDir(), certs.DefaultAuthorityOptions())
	require.NoError(t, err)

	target := config.DefaultTarget()
	target.Host = "127.0.0.1"
	engine, err := NewEngine(&ProxyOptions{
		Addr:            freeAddr(t),
		Target:          target,
		Authority:       authority,
		ShutdownTimeout: time.Second,
		Events:          events,
	})
	require.NoError(t, err)
	t.Cleanup(func() { engine.Stop(context.Background()) })
	return engine
}

func TestEngine_Lifecycle(t *testing.T) {
	engine := newTestEngine(t, nil)
	ctx := context.Background()

	require.NoError(t, engine.Start(ctx))
	assert.True(t, engine.IsRunning())
	assert.NotEmpty(t, engine.Addr())

	err := engine.Start(ctx)
	assert.True(t, errors.Is(err, types.ErrAlreadyRunning), "got %v", err)

	require.NoError(t, engine.Stop(ctx))
	assert.False(t, engine.IsRunning())
	assert.Empty(t, engine.Addr())
	assert.NoError(t, engine.Stop(ctx), "second stop is a no-op")
}

func TestEngine_PortInUse(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	engine := newTestEngine(t, nil)
	engine.opts.Addr = busy.Addr().String()

	err = engine.Start(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrPortInUse), "got %v", err)
	assert.False(t, engine.IsRunning())
}

func TestEngine_CapturesPlainHTTPCredential(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "ok")
	}))
	defer upstream.Close()

	events := make(chan capture.Event, 8)
	engine := newTestEngine(t, events)
	require.NoError(t, engine.Start(context.Background()))

	proxyURL, _ := url.Parse("http://" + engine.Addr())
	client := &http.Client{
		Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		Timeout:   5 * time.Second,
	}
	req, _ := http.NewRequest("GET", upstream.URL+"/mp/profile_ext?action=home&__biz=B&key=K1", nil)
	req.Header.Set("Cookie", "uin=9")
	resp, err := client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	select {
	case ev := <-events:
		require.Equal(t, capture.EventCredential, ev.Kind)
		assert.Equal(t, "uin=9; __biz=B; key=K1", ev.Credential.String())
	case <-time.After(5 * time.Second):
		t.Fatal("no credential event")
	}
}
