package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"session-capture-proxy/pkg/capture"
	"session-capture-proxy/pkg/certs"
	"session-capture-proxy/pkg/config"
	"session-capture-proxy/pkg/interfaces"
	"session-capture-proxy/pkg/sysproxy"
	"session-capture-proxy/pkg/types"
)

// journal records the order of side effects across fakes.
type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(format string, args ...any) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, fmt.Sprintf(format, args...))
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

type fakeEngine struct {
	mu       sync.Mutex
	journal  *journal
	startErr error
	stopErr  error
	running  bool
	starts   int
	stops    int
	events   chan<- capture.Event
}

func (e *fakeEngine) Start(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.starts++
	if e.startErr != nil {
		return e.startErr
	}
	e.running = true
	e.journal.add("engine.start")
	return nil
}

func (e *fakeEngine) Stop(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopErr != nil {
		return e.stopErr
	}
	if !e.running {
		return nil
	}
	e.running = false
	e.stops++
	e.journal.add("engine.stop")
	return nil
}

func (e *fakeEngine) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

func (e *fakeEngine) Addr() string {
	return "127.0.0.1:18899"
}

func (e *fakeEngine) emit(ev capture.Event) {
	e.events <- ev
}

type recordingProxy struct {
	*sysproxy.Memory
	journal *journal
}

func (r recordingProxy) Set(ctx context.Context, s sysproxy.Settings) error {
	err := r.Memory.Set(ctx, s)
	r.journal.add("sysproxy.set enabled=%v server=%s err=%v", s.Enabled, s.Server, err != nil)
	return err
}

type fakeTrustStore struct {
	installed  bool
	installErr error
	installs   int
}

func (f *fakeTrustStore) Install(context.Context, string) error {
	f.installs++
	if f.installErr != nil {
		return f.installErr
	}
	f.installed = true
	return nil
}

func (f *fakeTrustStore) Uninstall(context.Context) error {
	f.installed = false
	return nil
}

func (f *fakeTrustStore) IsInstalled(context.Context) (bool, error) {
	return f.installed, nil
}

type harness struct {
	monitor  *Monitor
	journal  *journal
	engines  []*fakeEngine
	mu       sync.Mutex
	memory   *sysproxy.Memory
	trust    *fakeTrustStore
	creds    chan *types.Credential
	records  chan []types.Record
	errs     chan error
	startErr error
}

var corporateProxy = sysproxy.Settings{Enabled: true, Server: "corp:3128", Bypass: "*.corp"}

func newHarness(t *testing.T, mutate func(cfg *config.Config)) *harness {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.CertDir = t.TempDir()
	cfg.Monitor.RestartDelay = time.Millisecond
	cfg.Monitor.StopGrace = 10 * time.Millisecond
	cfg.Monitor.WaitTimeout = 0
	if mutate != nil {
		mutate(cfg)
	}

	h := &harness{
		journal: &journal{},
		memory:  sysproxy.NewMemory(corporateProxy),
		trust:   &fakeTrustStore{},
		creds:   make(chan *types.Credential, 4),
		records: make(chan []types.Record, 4),
		errs:    make(chan error, 4),
	}
	h.monitor = New(Options{
		Config: cfg,
		NewEngine: func(_ *config.Config, _ *certs.Authority, events chan<- capture.Event) (interfaces.Engine, error) {
			h.mu.Lock()
			defer h.mu.Unlock()
			e := &fakeEngine{journal: h.journal, events: events, startErr: h.startErr}
			h.engines = append(h.engines, e)
			return e, nil
		},
		TrustStore: func(*certs.Authority) certs.TrustStore { return h.trust },
		SysProxy:   recordingProxy{Memory: h.memory, journal: h.journal},
		Listener: ListenerFuncs{
			Credential: func(_ string, c *types.Credential) { h.creds <- c },
			Records:    func(_ string, r []types.Record, _ string) { h.records <- r },
			Error:      func(_ string, err error) { h.errs <- err },
		},
	})
	t.Cleanup(func() { h.monitor.Stop(context.Background()) })
	return h
}

func (h *harness) engine(i int) *fakeEngine {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.engines[i]
}

func waitDone(t *testing.T, m *Monitor) {
	t.Helper()
	select {
	case <-m.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not end")
	}
}

func TestMonitor_StartAndStopOrdering(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) { cfg.Monitor.AutoStop = false })

	id, err := h.monitor.Start(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.True(t, h.monitor.Running())
	assert.Equal(t, 1, h.trust.installs, "CA must be installed when missing")

	current := h.memory.Current()
	assert.True(t, current.Enabled)
	assert.Equal(t, "127.0.0.1:18899", current.Server)

	require.NoError(t, h.monitor.Stop(context.Background()))
	assert.False(t, h.monitor.Running())
	assert.Equal(t, corporateProxy, h.memory.Current(), "original settings restored")

	assert.Equal(t, []string{
		"engine.start",
		"sysproxy.set enabled=true server=127.0.0.1:18899 err=false",
		"sysproxy.set enabled=true server=corp:3128 err=false",
		"engine.stop",
	}, h.journal.list())

	// Stopping again is a no-op.
	require.NoError(t, h.monitor.Stop(context.Background()))
	assert.Len(t, h.journal.list(), 4)
}

func TestMonitor_RollbackWhenSystemProxyFails(t *testing.T) {
	h := newHarness(t, nil)
	h.memory.SetErr = errors.New("registry is read-only")

	_, err := h.monitor.Start(context.Background())
	require.Error(t, err)

	assert.False(t, h.monitor.Running())
	engine := h.engine(0)
	assert.False(t, engine.IsRunning(), "engine must be stopped by the rollback")
	assert.Equal(t, 1, engine.stops)
	assert.Equal(t, corporateProxy, h.memory.Current(), "OS proxy must be left untouched")
	assert.Empty(t, h.memory.History())
}

func TestMonitor_TrustInstallRequiresPrivileges(t *testing.T) {
	h := newHarness(t, nil)
	h.trust.installErr = fmt.Errorf("%w: access is denied", types.ErrPrivilegeRequired)

	_, err := h.monitor.Start(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrPrivilegeRequired))
	assert.True(t, types.IsErrorType(err, types.ErrorTypeTrust))
	assert.Contains(t, types.UserMessage(err), "elevated privileges")

	assert.Empty(t, h.engines, "no engine may be created")
	assert.Empty(t, h.memory.History())
}

func TestMonitor_EngineStartFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.startErr = types.NewNetworkError("failed to bind", types.ErrPortInUse)

	_, err := h.monitor.Start(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrPortInUse))
	assert.False(t, h.monitor.Running())
	assert.Empty(t, h.memory.History())
}

func TestMonitor_SkipsSystemIntegration(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Monitor.SystemProxy = false
		cfg.Monitor.TrustInstall = false
	})

	_, err := h.monitor.Start(context.Background())
	require.NoError(t, err)
	require.NoError(t, h.monitor.Stop(context.Background()))

	assert.Equal(t, 0, h.trust.installs)
	assert.Empty(t, h.memory.History())
}

func TestMonitor_AutoStopAfterCredential(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.monitor.Start(context.Background())
	require.NoError(t, err)

	cred := &types.Credential{Fields: []types.CookieField{{Name: "key", Value: "abc"}}, HasKey: true}
	h.engine(0).emit(capture.Event{Kind: capture.EventCredential, Credential: cred})
	h.engine(0).emit(capture.Event{Kind: capture.EventRecords, Records: []types.Record{{URL: "https://a/1"}}})

	assert.Equal(t, cred, <-h.creds)
	assert.Len(t, <-h.records, 1)

	waitDone(t, h.monitor)
	assert.NoError(t, h.monitor.Err())
	assert.False(t, h.monitor.Running())
	assert.Equal(t, corporateProxy, h.memory.Current())
}

func TestMonitor_Timeout(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) { cfg.Monitor.WaitTimeout = 30 * time.Millisecond })

	_, err := h.monitor.Start(context.Background())
	require.NoError(t, err)

	select {
	case err := <-h.errs:
		assert.True(t, errors.Is(err, types.ErrTimedOut))
	case <-time.After(5 * time.Second):
		t.Fatal("expected timeout error")
	}

	waitDone(t, h.monitor)
	assert.True(t, errors.Is(h.monitor.Err(), types.ErrTimedOut))
	assert.False(t, h.engine(0).IsRunning())
	assert.Equal(t, corporateProxy, h.memory.Current())
}

func TestMonitor_RestartStopsPreviousSession(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) { cfg.Monitor.AutoStop = false })

	first, err := h.monitor.Start(context.Background())
	require.NoError(t, err)
	second, err := h.monitor.Start(context.Background())
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	assert.False(t, h.engine(0).IsRunning())
	assert.True(t, h.engine(1).IsRunning())
	assert.Equal(t, 1, h.trust.installs, "installed CA is not installed again")

	require.NoError(t, h.monitor.Stop(context.Background()))
	assert.Equal(t, corporateProxy, h.memory.Current())
}

func TestMonitor_ListenerCanQueryFromOnError(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.CertDir = t.TempDir()
	cfg.Monitor.WaitTimeout = 20 * time.Millisecond

	errs := make(chan error, 4)
	var m *Monitor
	m = New(Options{
		Config: cfg,
		NewEngine: func(_ *config.Config, _ *certs.Authority, events chan<- capture.Event) (interfaces.Engine, error) {
			return &fakeEngine{journal: &journal{}, events: events, stopErr: errors.New("engine stuck")}, nil
		},
		TrustStore: func(*certs.Authority) certs.TrustStore { return &fakeTrustStore{installed: true} },
		SysProxy:   sysproxy.NewMemory(corporateProxy),
		Listener: ListenerFuncs{Error: func(_ string, err error) {
			// Every accessor takes the monitor lock.
			m.Running()
			m.Addr()
			m.Err()
			errs <- err
		}},
	})

	_, err := m.Start(context.Background())
	require.NoError(t, err)

	// The timeout is reported first, then the failed stop.
	var got error
	for got == nil || errors.Is(got, types.ErrTimedOut) {
		select {
		case got = <-errs:
		case <-time.After(5 * time.Second):
			t.Fatal("listener was not called for the failed stop")
		}
	}
	assert.True(t, types.IsErrorType(got, types.ErrorTypeLifecycle), "got %v", got)
	waitDone(t, m)
	assert.False(t, m.Running())
}
