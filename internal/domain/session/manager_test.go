package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stokehold/stoker/internal/cache"
	"github.com/stokehold/stoker/internal/infrastructure/logging"
	"github.com/stokehold/stoker/internal/kernels"
	"github.com/stokehold/stoker/internal/launch"
)

var errServerDown = errors.New("connection refused")

// fakeProvisioner hands out queued connections and counts launches.
type fakeProvisioner struct {
	mu    sync.Mutex
	queue []kernels.Connection
	err   error
	calls int
}

func (f *fakeProvisioner) Launch(_ context.Context, _ launch.ImageSpec) (kernels.Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++
	if f.err != nil {
		return kernels.Connection{}, f.err
	}
	if len(f.queue) == 0 {
		return kernels.Connection{}, fmt.Errorf("%w: no server available", launch.ErrProvisionFailed)
	}
	conn := f.queue[0]
	if len(f.queue) > 1 {
		f.queue = f.queue[1:]
	}
	return conn, nil
}

func (f *fakeProvisioner) enqueue(conn kernels.Connection) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue = append(f.queue, conn)
}

func (f *fakeProvisioner) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeProvisioner) heal(conn kernels.Connection) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = nil
	f.queue = append(f.queue, conn)
}

func (f *fakeProvisioner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// memStore is an in-memory cache.Store.
type memStore struct {
	mu        sync.Mutex
	entry     *cache.Entry
	malformed bool
	saves     int
}

func (s *memStore) Save(conn kernels.Connection, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.saves++
	// Overwrite semantics: a save heals a corrupted file.
	s.malformed = false
	s.entry = &cache.Entry{SessionID: sessionID, SavedAt: time.Now(), Server: conn}
	return nil
}

func (s *memStore) Load() (cache.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.malformed {
		return cache.Entry{}, cache.ErrMalformed
	}
	if s.entry == nil {
		return cache.Entry{}, cache.ErrNotFound
	}
	return *s.entry, nil
}

func (s *memStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entry = nil
	return nil
}

func (s *memStore) corrupt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.malformed = true
}

func (s *memStore) snapshot() *cache.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entry == nil {
		return nil
	}
	entry := *s.entry
	return &entry
}

// fakeServer stands in for one compute server's session API.
type fakeServer struct {
	mu        sync.Mutex
	kinds     kernels.KindList
	sessions  map[string]kernels.Session
	seq         int
	starts      int
	gets        int
	shutdowns   int
	down        bool
	startErr    error
	shutdownErr error
	lastSpec    kernels.StartSpec
	startGate   chan struct{}
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		kinds: kernels.KindList{
			Default: "javascript",
			Kinds: []kernels.Kind{
				{Name: "javascript", Language: "javascript"},
				{Name: "shell", Language: "bash"},
			},
		},
		sessions: make(map[string]kernels.Session),
	}
}

func (f *fakeServer) ListKinds(context.Context) (*kernels.KindList, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return nil, errServerDown
	}
	kinds := f.kinds
	return &kinds, nil
}

func (f *fakeServer) StartSession(_ context.Context, spec kernels.StartSpec) (*kernels.Session, error) {
	f.mu.Lock()
	gate := f.startGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return nil, errServerDown
	}
	if f.startErr != nil {
		return nil, f.startErr
	}

	f.starts++
	f.seq++
	f.lastSpec = spec
	session := kernels.Session{
		ID:        fmt.Sprintf("sess-%d", f.seq),
		Kind:      kernels.Kind{Name: spec.Kind},
		CreatedAt: time.Now(),
	}
	f.sessions[session.ID] = session
	return &session, nil
}

func (f *fakeServer) GetSession(_ context.Context, id string) (*kernels.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return nil, errServerDown
	}

	f.gets++
	session, ok := f.sessions[id]
	if !ok {
		return nil, kernels.ErrSessionNotFound
	}
	return &session, nil
}

func (f *fakeServer) Shutdown(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return errServerDown
	}
	if f.shutdownErr != nil {
		return f.shutdownErr
	}

	f.shutdowns++
	delete(f.sessions, id)
	return nil
}

// seed plants a pre-existing session, as if a previous process started it.
func (f *fakeServer) seed(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[id] = kernels.Session{ID: id, Kind: kernels.Kind{Name: "javascript"}}
}

// kill removes a session out from under the manager, simulating death.
func (f *fakeServer) kill(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, id)
}

func (f *fakeServer) setDown(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = down
}

func (f *fakeServer) failStarts(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startErr = err
}

func (f *fakeServer) failShutdowns(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdownErr = err
}

// blockStarts makes StartSession wait until the gate closes.
func (f *fakeServer) blockStarts(gate chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startGate = gate
}

func (f *fakeServer) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

func (f *fakeServer) getCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gets
}

func (f *fakeServer) shutdownCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.shutdowns
}

func (f *fakeServer) lastStartSpec() kernels.StartSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastSpec
}

func (f *fakeServer) setKinds(kinds kernels.KindList) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kinds = kinds
}

// fakeRunner counts document executions.
type fakeRunner struct {
	mu      sync.Mutex
	runs    int
	handles []Handle
	err     error
}

func (f *fakeRunner) Run(_ context.Context, handle Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.runs++
	f.handles = append(f.handles, handle)
	return nil
}

func (f *fakeRunner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs
}

// fakeBinder counts widget rebinds and tracks the state it holds, so
// tests can see what a rebind would have replayed into a session.
type fakeBinder struct {
	mu       sync.Mutex
	rebinds  int
	captured []string
	replayed [][]string
}

func (f *fakeBinder) Rebind(context.Context, Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rebinds++
	f.replayed = append(f.replayed, append([]string(nil), f.captured...))
	return nil
}

func (f *fakeBinder) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.captured = nil
}

func (f *fakeBinder) capture(refs ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.captured = append(f.captured, refs...)
}

func (f *fakeBinder) held() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.captured...)
}

func (f *fakeBinder) lastReplay() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.replayed) == 0 {
		return nil
	}
	return f.replayed[len(f.replayed)-1]
}

func (f *fakeBinder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rebinds
}

// rig wires a manager to in-memory fakes. Servers materialize on first
// dial, keyed by base URL.
type rig struct {
	t      *testing.T
	prov   *fakeProvisioner
	store  *memStore
	runner *fakeRunner
	binder *fakeBinder
	mgr    *Manager

	mu      sync.Mutex
	servers map[string]*fakeServer
}

func newRig(t *testing.T, opts Options) *rig {
	t.Helper()

	r := &rig{
		t:       t,
		prov:    &fakeProvisioner{},
		store:   &memStore{},
		runner:  &fakeRunner{},
		binder:  &fakeBinder{},
		servers: make(map[string]*fakeServer),
	}

	dial := func(conn kernels.Connection) API {
		return r.server(conn.BaseURL)
	}
	r.mgr = NewManager(r.prov, r.store, dial, opts).
		WithLogger(logging.NewNop()).
		WithRunner(r.runner).
		WithBinder(r.binder).
		WithOnKill(r.binder.Clear)
	return r
}

func (r *rig) server(baseURL string) *fakeServer {
	r.mu.Lock()
	defer r.mu.Unlock()

	srv, ok := r.servers[baseURL]
	if !ok {
		srv = newFakeServer()
		r.servers[baseURL] = srv
	}
	return srv
}

func mustConn(t *testing.T, rawURL, token string) kernels.Connection {
	t.Helper()
	conn, err := kernels.Derive(rawURL, token)
	require.NoError(t, err)
	return conn
}

func TestGetOrStartSessionProvisionsFresh(t *testing.T) {
	r := newRig(t, Options{ImageSpec: "acme/notebook:1"})
	r.prov.enqueue(mustConn(t, "https://server-a.test", "tok-a"))

	handle, err := r.mgr.GetOrStartSession(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, r.prov.count())
	assert.Equal(t, 1, r.server("https://server-a.test").startCount())
	assert.Equal(t, "sess-1", handle.Model.ID)
	assert.Equal(t, StateLive, r.mgr.State())

	entry := r.store.snapshot()
	require.NotNil(t, entry)
	assert.Equal(t, "sess-1", entry.SessionID)
	assert.Equal(t, "https://server-a.test", entry.Server.BaseURL)
}

func TestGetOrStartSessionReturnsHeldHandle(t *testing.T) {
	r := newRig(t, Options{})
	r.prov.enqueue(mustConn(t, "https://server-a.test", "tok-a"))

	first, err := r.mgr.GetOrStartSession(context.Background())
	require.NoError(t, err)

	second, err := r.mgr.GetOrStartSession(context.Background())
	require.NoError(t, err)

	assert.Equal(t, first.Model.ID, second.Model.ID)
	assert.Equal(t, 1, r.prov.count())
	assert.Equal(t, 1, r.server("https://server-a.test").startCount())
}

func TestGetOrStartSessionReattachesFromCache(t *testing.T) {
	r := newRig(t, Options{})
	conn := mustConn(t, "https://server-a.test", "tok")
	srv := r.server(conn.BaseURL)
	srv.seed("sess-old")
	require.NoError(t, r.store.Save(conn, "sess-old"))

	handle, err := r.mgr.GetOrStartSession(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "sess-old", handle.Model.ID)
	assert.Zero(t, r.prov.count())
	assert.Zero(t, srv.startCount())
	assert.Equal(t, StateLive, r.mgr.State())
}

func TestGetOrStartSessionFallsBackWhenCacheStale(t *testing.T) {
	r := newRig(t, Options{})
	// The cache points at a session the server has since forgotten.
	require.NoError(t, r.store.Save(mustConn(t, "https://server-a.test", "tok-a"), "sess-gone"))
	r.prov.enqueue(mustConn(t, "https://server-b.test", "tok-b"))

	handle, err := r.mgr.GetOrStartSession(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, r.prov.count())
	assert.Equal(t, 1, r.server("https://server-b.test").startCount())

	entry := r.store.snapshot()
	require.NotNil(t, entry)
	assert.Equal(t, handle.Model.ID, entry.SessionID)
	assert.Equal(t, "https://server-b.test", entry.Server.BaseURL)
}

func TestGetOrStartSessionRecoversFromMalformedCache(t *testing.T) {
	r := newRig(t, Options{})
	r.store.corrupt()
	r.prov.enqueue(mustConn(t, "https://server-a.test", "tok"))

	handle, err := r.mgr.GetOrStartSession(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, r.prov.count())
	entry := r.store.snapshot()
	require.NotNil(t, entry)
	assert.Equal(t, handle.Model.ID, entry.SessionID)
}

func TestRunExecutesAndBinds(t *testing.T) {
	r := newRig(t, Options{})
	r.prov.enqueue(mustConn(t, "https://server-a.test", "tok"))

	require.NoError(t, r.mgr.Run(context.Background()))

	assert.Equal(t, 1, r.runner.count())
	assert.Equal(t, 1, r.binder.count())
	assert.Equal(t, StateLive, r.mgr.State())
	assert.False(t, r.mgr.Acquiring())
}

func TestRunTwiceSequentiallyRunsTwice(t *testing.T) {
	r := newRig(t, Options{})
	r.prov.enqueue(mustConn(t, "https://server-a.test", "tok"))

	require.NoError(t, r.mgr.Run(context.Background()))
	require.NoError(t, r.mgr.Run(context.Background()))

	assert.Equal(t, 2, r.runner.count())
	// The second run reuses the held session.
	assert.Equal(t, 1, r.server("https://server-a.test").startCount())
}

func TestRunOverlapDropsTrailingCall(t *testing.T) {
	r := newRig(t, Options{})
	r.prov.enqueue(mustConn(t, "https://server-a.test", "tok"))
	srv := r.server("https://server-a.test")

	gate := make(chan struct{})
	srv.blockStarts(gate)

	errs := make(chan error, 1)
	go func() { errs <- r.mgr.Run(context.Background()) }()
	require.Eventually(t, r.mgr.Acquiring, time.Second, time.Millisecond)

	// The trailing call returns immediately: dropped, not queued.
	require.NoError(t, r.mgr.Run(context.Background()))
	assert.Zero(t, r.runner.count())

	close(gate)
	require.NoError(t, <-errs)

	assert.Equal(t, 1, srv.startCount())
	assert.Equal(t, 1, r.runner.count())
}

func TestRunPropagatesProvisionFailure(t *testing.T) {
	r := newRig(t, Options{})
	r.prov.fail(fmt.Errorf("%w: quota exhausted", launch.ErrProvisionFailed))

	err := r.mgr.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, launch.ErrProvisionFailed)
	assert.Equal(t, StateUnstarted, r.mgr.State())
	assert.False(t, r.mgr.Acquiring())
}

func TestRunPropagatesRunnerFailure(t *testing.T) {
	r := newRig(t, Options{})
	r.prov.enqueue(mustConn(t, "https://server-a.test", "tok"))
	r.runner.err = errors.New("cell 3 exploded")

	err := r.mgr.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cell 3 exploded")
	// The acquisition itself succeeded; only the run failed.
	assert.Equal(t, StateLive, r.mgr.State())
}

func TestRunIfLiveSkipsWithoutSession(t *testing.T) {
	r := newRig(t, Options{})

	require.NoError(t, r.mgr.RunIfLive(context.Background()))

	assert.Zero(t, r.prov.count())
	assert.Zero(t, r.runner.count())
	assert.Equal(t, StateUnstarted, r.mgr.State())
}

func TestRunIfLiveRunsAgainstCachedSession(t *testing.T) {
	r := newRig(t, Options{})
	conn := mustConn(t, "https://server-a.test", "tok")
	r.server(conn.BaseURL).seed("sess-7")
	require.NoError(t, r.store.Save(conn, "sess-7"))

	require.NoError(t, r.mgr.RunIfLive(context.Background()))

	assert.Equal(t, 1, r.runner.count())
	assert.Zero(t, r.prov.count())
}

func TestDirectURLBypassesProvisioner(t *testing.T) {
	r := newRig(t, Options{DirectURL: "http://example.test:8888"})

	require.NoError(t, r.mgr.Run(context.Background()))

	assert.Zero(t, r.prov.count())
	assert.Equal(t, 1, r.server("http://example.test:8888").startCount())

	entry := r.store.snapshot()
	require.NotNil(t, entry)
	assert.Equal(t, "http://example.test:8888", entry.Server.BaseURL)
	assert.Equal(t, "sess-1", entry.SessionID)
}

func TestStartServerPersistsBeforeReturning(t *testing.T) {
	r := newRig(t, Options{})
	r.prov.enqueue(mustConn(t, "https://server-a.test", "tok"))

	conn, err := r.mgr.StartServer(context.Background())
	require.NoError(t, err)

	entry := r.store.snapshot()
	require.NotNil(t, entry)
	assert.Equal(t, conn, entry.Server)
	assert.Empty(t, entry.SessionID)
}

func TestServerCachedBeforeSessionStart(t *testing.T) {
	r := newRig(t, Options{})
	conn := mustConn(t, "https://server-a.test", "tok")
	r.prov.enqueue(conn)
	r.server(conn.BaseURL).failStarts(errors.New("boom"))

	_, err := r.mgr.StartSession(context.Background(), nil)
	require.Error(t, err)

	// The server connection was persisted before the start was
	// attempted, so the failed start never strands a running server.
	entry := r.store.snapshot()
	require.NotNil(t, entry)
	assert.Equal(t, conn.BaseURL, entry.Server.BaseURL)
	assert.Empty(t, entry.SessionID)
}

func TestStartSessionKindSelection(t *testing.T) {
	tests := []struct {
		name  string
		opt   string
		kinds kernels.KindList
		want  string
	}{
		{
			name: "configured kind wins",
			opt:  "shell",
			kinds: kernels.KindList{
				Default: "javascript",
				Kinds:   []kernels.Kind{{Name: "javascript"}, {Name: "shell"}},
			},
			want: "shell",
		},
		{
			name: "server default",
			kinds: kernels.KindList{
				Default: "javascript",
				Kinds:   []kernels.Kind{{Name: "shell"}, {Name: "javascript"}},
			},
			want: "javascript",
		},
		{
			name: "first kind when no default",
			kinds: kernels.KindList{
				Kinds: []kernels.Kind{{Name: "shell"}, {Name: "javascript"}},
			},
			want: "shell",
		},
		{
			name:  "empty inventory lets the server choose",
			kinds: kernels.KindList{},
			want:  "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRig(t, Options{Kind: tt.opt, DirectURL: "http://local.test"})
			srv := r.server("http://local.test")
			srv.setKinds(tt.kinds)

			_, err := r.mgr.StartSession(context.Background(), nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, srv.lastStartSpec().Kind)
		})
	}
}

func TestKillSession(t *testing.T) {
	r := newRig(t, Options{})
	conn := mustConn(t, "https://server-a.test", "tok")
	srv := r.server(conn.BaseURL)
	srv.seed("sess-9")
	require.NoError(t, r.store.Save(conn, "sess-9"))

	require.NoError(t, r.mgr.KillSession(context.Background()))

	assert.Equal(t, 1, srv.shutdownCount())
	assert.Nil(t, r.mgr.Current())
	assert.Equal(t, StateShutDown, r.mgr.State())

	_, err := r.store.Load()
	assert.ErrorIs(t, err, cache.ErrNotFound)
}

func TestKillSessionWithoutSession(t *testing.T) {
	r := newRig(t, Options{})

	err := r.mgr.KillSession(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, cache.ErrNotFound)
}

func TestKillSessionShutdownFailure(t *testing.T) {
	r := newRig(t, Options{})
	conn := mustConn(t, "https://server-a.test", "tok")
	srv := r.server(conn.BaseURL)
	srv.seed("sess-9")
	srv.failShutdowns(errors.New("503 draining"))
	require.NoError(t, r.store.Save(conn, "sess-9"))

	err := r.mgr.KillSession(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shut down session sess-9")

	// Memory is detached, but the cache entry survives: it is the only
	// way back to a session that may still be running.
	assert.Nil(t, r.mgr.Current())
	assert.Equal(t, StateShutDown, r.mgr.State())
	assert.NotNil(t, r.store.snapshot())
}

func TestRunAfterKillStartsClean(t *testing.T) {
	r := newRig(t, Options{})
	conn := mustConn(t, "https://server-a.test", "tok")
	r.prov.enqueue(conn)
	r.prov.enqueue(mustConn(t, "https://server-b.test", "tok-b"))

	ctx := context.Background()
	require.NoError(t, r.mgr.Run(ctx))
	require.NoError(t, r.mgr.KillSession(ctx))
	require.Equal(t, StateShutDown, r.mgr.State())

	require.NoError(t, r.mgr.Run(ctx))

	assert.Equal(t, StateLive, r.mgr.State())
	assert.Equal(t, 2, r.prov.count())
}

func TestKillSessionDropsCapturedWidgetState(t *testing.T) {
	r := newRig(t, Options{})
	r.prov.enqueue(mustConn(t, "https://server-a.test", "tok-a"))
	r.prov.enqueue(mustConn(t, "https://server-b.test", "tok-b"))

	ctx := context.Background()
	require.NoError(t, r.mgr.Run(ctx))
	r.binder.capture("widget-7")

	require.NoError(t, r.mgr.KillSession(ctx))
	assert.Empty(t, r.binder.held())

	// The fresh session never produced widget-7; its rebind must replay
	// nothing from the killed session.
	require.NoError(t, r.mgr.Run(ctx))
	assert.Equal(t, 2, r.binder.count())
	assert.Empty(t, r.binder.lastReplay())
}

func TestGetSessionErrors(t *testing.T) {
	t.Run("nothing cached", func(t *testing.T) {
		r := newRig(t, Options{})
		_, err := r.mgr.GetSession(context.Background())
		assert.ErrorIs(t, err, cache.ErrNotFound)
	})

	t.Run("malformed cache", func(t *testing.T) {
		r := newRig(t, Options{})
		r.store.corrupt()
		_, err := r.mgr.GetSession(context.Background())
		assert.ErrorIs(t, err, cache.ErrMalformed)
	})

	t.Run("server cached without session", func(t *testing.T) {
		r := newRig(t, Options{})
		require.NoError(t, r.store.Save(mustConn(t, "https://server-a.test", "tok"), ""))
		_, err := r.mgr.GetSession(context.Background())
		assert.ErrorIs(t, err, cache.ErrNotFound)
	})

	t.Run("session unknown to server", func(t *testing.T) {
		r := newRig(t, Options{})
		require.NoError(t, r.store.Save(mustConn(t, "https://server-a.test", "tok"), "ghost"))
		_, err := r.mgr.GetSession(context.Background())
		assert.ErrorIs(t, err, kernels.ErrSessionNotFound)
	})
}

func TestStatusRedactsToken(t *testing.T) {
	r := newRig(t, Options{})
	r.prov.enqueue(mustConn(t, "https://server-a.test", "supersecret"))

	require.NoError(t, r.mgr.Run(context.Background()))

	status := r.mgr.Status()
	assert.Equal(t, StateLive, status.State)
	assert.False(t, status.Acquiring)
	require.NotNil(t, status.Session)
	assert.NotContains(t, status.Server, "supersecret")
}

func TestCurrentReturnsCopy(t *testing.T) {
	r := newRig(t, Options{})
	r.prov.enqueue(mustConn(t, "https://server-a.test", "tok"))

	_, err := r.mgr.GetOrStartSession(context.Background())
	require.NoError(t, err)

	first := r.mgr.Current()
	require.NotNil(t, first)
	first.Model.ID = "mutated"

	second := r.mgr.Current()
	require.NotNil(t, second)
	assert.NotEqual(t, "mutated", second.Model.ID)
}
