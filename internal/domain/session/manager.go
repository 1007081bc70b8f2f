package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/stokehold/stoker/internal/cache"
	"github.com/stokehold/stoker/internal/infrastructure/logging"
	"github.com/stokehold/stoker/internal/infrastructure/monitoring"
	"github.com/stokehold/stoker/internal/kernels"
	"github.com/stokehold/stoker/internal/launch"
)

// DefaultHeartbeatInterval is the monitor cadence when none is configured.
const DefaultHeartbeatInterval = 5 * time.Second

// Provisioner acquires fresh compute servers from the launch service.
type Provisioner interface {
	Launch(ctx context.Context, spec launch.ImageSpec) (kernels.Connection, error)
}

// Store persists the last known session across restarts.
type Store interface {
	Save(conn kernels.Connection, sessionID string) error
	Load() (cache.Entry, error)
	Clear() error
}

// API is the slice of the kernel server client the manager drives.
type API interface {
	ListKinds(ctx context.Context) (*kernels.KindList, error)
	StartSession(ctx context.Context, spec kernels.StartSpec) (*kernels.Session, error)
	GetSession(ctx context.Context, sessionID string) (*kernels.Session, error)
	Shutdown(ctx context.Context, sessionID string) error
}

// Dialer builds an API client for a server connection. Production wiring
// passes kernels.NewClient; tests substitute fakes.
type Dialer func(conn kernels.Connection) API

// Runner executes pending document work against a live session.
type Runner interface {
	Run(ctx context.Context, handle Handle) error
}

// Binder re-establishes widget bindings after a session starts or is
// replaced.
type Binder interface {
	Rebind(ctx context.Context, handle Handle) error
}

// Handle pairs a live session with the server hosting it. The manager
// owns at most one at a time; collaborators receive copies.
type Handle struct {
	Model kernels.Session
	Conn  kernels.Connection
}

// Options configures a manager. All fields are optional.
type Options struct {
	// ImageSpec names the image the provisioner builds when a fresh
	// server is needed.
	ImageSpec string

	// DirectURL bypasses the provisioner entirely: the manager treats
	// it as an already-running server. DirectToken authenticates
	// against it, empty for tokenless local servers.
	DirectURL   string
	DirectToken string

	// Kind picks the session kind to start. Empty means the server's
	// default, falling back to the first advertised kind.
	Kind string

	// HeartbeatInterval is the monitor's probe cadence.
	HeartbeatInterval time.Duration

	// StartupTimeout bounds one full acquisition, provisioning included.
	StartupTimeout time.Duration
}

// Manager is the session-lifecycle state machine. It acquires a session
// (held handle, then cache reattach, then fresh provision), runs document
// work against it, and replaces it when the monitor finds it dead.
type Manager struct {
	opts Options

	provisioner Provisioner
	store       Store
	dial        Dialer

	runner Runner
	binder Binder
	onKill func()

	logger  *logging.Logger
	metrics *monitoring.Metrics
	rtt     *monitoring.LatencyTracker

	mu      sync.RWMutex
	state   State   // Protected by mu
	current *Handle // Protected by mu

	// acquiring guards the acquisition path: Run holds it end to end,
	// the monitor holds it during a replacement. Whoever fails the swap
	// backs off instead of queueing.
	acquiring atomic.Bool

	// clients memoizes dialed servers so circuit breaker state survives
	// across probes instead of resetting on every call.
	clientsMu sync.Mutex
	clients   map[kernels.Connection]API

	monitorMu   sync.Mutex
	monitorStop context.CancelFunc // Protected by monitorMu
	monitorDone chan struct{}      // Protected by monitorMu
}

// NewManager creates a manager around its three collaborators. A nil
// dialer wires the real kernel client.
func NewManager(provisioner Provisioner, store Store, dial Dialer, opts Options) *Manager {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}

	m := &Manager{
		opts:        opts,
		provisioner: provisioner,
		store:       store,
		dial:        dial,
		logger:      logging.NewNop(),
		state:       StateUnstarted,
		clients:     make(map[kernels.Connection]API),
	}
	if m.dial == nil {
		m.dial = func(conn kernels.Connection) API {
			return kernels.NewClient(conn, kernels.WithLogger(m.logger))
		}
	}
	return m
}

// WithLogger attaches a logger to the manager.
func (m *Manager) WithLogger(logger *logging.Logger) *Manager {
	m.logger = logger
	return m
}

// WithMetrics adds metrics tracking to the manager.
func (m *Manager) WithMetrics(metrics *monitoring.Metrics) *Manager {
	m.metrics = metrics
	return m
}

// WithLatency adds a round-trip tracker fed by heartbeat probes.
func (m *Manager) WithLatency(tracker *monitoring.LatencyTracker) *Manager {
	m.rtt = tracker
	return m
}

// Heartbeats summarizes recent heartbeat round-trips, zero when no
// tracker is attached or nothing was probed yet.
func (m *Manager) Heartbeats() monitoring.LatencySummary {
	if m.rtt == nil {
		return monitoring.LatencySummary{}
	}
	return m.rtt.Summary()
}

// WithRunner attaches the collaborator that executes document work.
func (m *Manager) WithRunner(runner Runner) *Manager {
	m.runner = runner
	return m
}

// WithBinder attaches the collaborator that rebinds widget models.
func (m *Manager) WithBinder(binder Binder) *Manager {
	m.binder = binder
	return m
}

// WithOnKill registers a hook invoked after a deliberate shutdown
// completes. The binder hangs its state reset here: captured widget
// payloads must not outlive the session they came from, or the next run
// would replay them into a session that never produced them.
func (m *Manager) WithOnKill(fn func()) *Manager {
	m.onKill = fn
	return m
}

// Run ensures a live session exists, executes pending document work
// against it, and re-establishes widget bindings. At most one Run is in
// flight per manager; a call arriving while another runs is dropped and
// returns nil. The leading call wins, trailing calls are not queued.
func (m *Manager) Run(ctx context.Context) error {
	if !m.acquiring.CompareAndSwap(false, true) {
		if m.metrics != nil {
			m.metrics.RecordRunSuppressed()
		}
		m.logger.Debug("run dropped, acquisition already in flight")
		return nil
	}
	defer m.acquiring.Store(false)

	started := time.Now()
	err := m.run(ctx)
	if m.metrics != nil {
		status := "ok"
		if err != nil {
			status = "error"
		}
		m.metrics.RecordRun(status, time.Since(started))
	}
	return err
}

// run does the work of Run; the caller holds the acquiring flag.
func (m *Manager) run(ctx context.Context) error {
	handle, err := m.GetOrStartSession(ctx)
	if err != nil {
		return fmt.Errorf("acquire session: %w", err)
	}

	if m.runner != nil {
		if err := m.runner.Run(ctx, *handle); err != nil {
			return fmt.Errorf("execute document: %w", err)
		}
	}
	if m.binder != nil {
		if err := m.binder.Rebind(ctx, *handle); err != nil {
			return fmt.Errorf("rebind widgets: %w", err)
		}
	}
	return nil
}

// RunIfLive runs only when a reachable session already exists. It never
// provisions: an absent or unreachable session downgrades to a no-op.
func (m *Manager) RunIfLive(ctx context.Context) error {
	if _, err := m.GetSession(ctx); err != nil {
		m.logger.Info("no live session, skipping run", zap.Error(err))
		return nil
	}
	return m.Run(ctx)
}

// GetOrStartSession returns the held session handle, reattaches to the
// cached one, or starts fresh, in that order. The chain is total: it
// returns a handle or the whole call fails; it never leaves the manager
// silently sessionless.
func (m *Manager) GetOrStartSession(ctx context.Context) (*Handle, error) {
	if handle := m.Current(); handle != nil {
		return handle, nil
	}

	handle, err := m.GetSession(ctx)
	if err == nil {
		m.setCurrent(handle)
		if m.metrics != nil {
			m.metrics.RecordSessionStart(originReattach)
			m.metrics.RecordSessionRecovered()
		}
		m.logger.WithSession(handle.Model.ID).WithServer(handle.Conn.Redacted()).
			Info("reattached to cached session")
		return handle, nil
	}

	m.logger.Info("no session to reattach, starting fresh", zap.Error(err))
	return m.startSession(ctx, nil, originFresh)
}

// GetSession resolves the cached connection to a live session handle.
// It fails when nothing is cached, the cache is malformed, or the server
// no longer knows the session; the caller decides how to recover. It
// never mutates the manager, so it doubles as the liveness probe.
func (m *Manager) GetSession(ctx context.Context) (*Handle, error) {
	entry, err := m.store.Load()
	m.observeCacheLoad(err)
	if err != nil {
		return nil, fmt.Errorf("load cached session: %w", err)
	}
	if entry.SessionID == "" {
		return nil, fmt.Errorf("cached server has no session yet: %w", cache.ErrNotFound)
	}

	model, err := m.client(entry.Server).GetSession(ctx, entry.SessionID)
	if err != nil {
		return nil, err
	}
	return &Handle{Model: *model, Conn: entry.Server}, nil
}

// GetSessionModel resolves the cached session to its server-side model.
func (m *Manager) GetSessionModel(ctx context.Context) (*kernels.Session, error) {
	handle, err := m.GetSession(ctx)
	if err != nil {
		return nil, err
	}
	return &handle.Model, nil
}

// StartServer provisions a compute server and persists its connection
// before returning. The persist is part of the operation: a provisioned
// server nobody remembers would leak on the next restart.
func (m *Manager) StartServer(ctx context.Context) (kernels.Connection, error) {
	conn, err := m.provision(ctx)
	if err != nil {
		return kernels.Connection{}, err
	}

	if err := m.store.Save(conn, ""); err != nil {
		return kernels.Connection{}, fmt.Errorf("cache server connection: %w", err)
	}
	if m.metrics != nil {
		m.metrics.IncCacheSaves()
	}

	m.logger.WithServer(conn.Redacted()).Info("server ready")
	return conn, nil
}

// provision resolves a server: the direct URL when configured, otherwise
// a fresh launch.
func (m *Manager) provision(ctx context.Context) (kernels.Connection, error) {
	if m.opts.DirectURL != "" {
		conn, err := kernels.Derive(m.opts.DirectURL, m.opts.DirectToken)
		if err != nil {
			return kernels.Connection{}, fmt.Errorf("direct url: %w", err)
		}
		m.logger.Debug("using direct server", zap.String("server", conn.Redacted()))
		return conn, nil
	}
	return m.provisioner.Launch(ctx, launch.ImageSpec{Image: m.opts.ImageSpec})
}

// StartSession starts a fresh session, provisioning a server first when
// conn is nil. The new session id overwrites the cache before the handle
// is returned.
func (m *Manager) StartSession(ctx context.Context, conn *kernels.Connection) (*Handle, error) {
	return m.startSession(ctx, conn, originFresh)
}

// startSession runs one full session start and adopts the result. Errors
// are logged and returned as they are; recovery belongs to the callers
// that have a fallback, not here.
func (m *Manager) startSession(ctx context.Context, conn *kernels.Connection, origin string) (*Handle, error) {
	m.setState(StateConnecting)

	if m.opts.StartupTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.opts.StartupTimeout)
		defer cancel()
	}

	handle, err := m.startOn(ctx, conn)
	if err != nil {
		m.logger.Error("session start failed",
			zap.String("origin", origin),
			zap.Error(err))
		m.settleState()
		return nil, err
	}

	m.setCurrent(handle)
	if m.metrics != nil {
		m.metrics.RecordSessionStart(origin)
	}
	m.logger.WithSession(handle.Model.ID).Info("session live",
		zap.String("kind", handle.Model.Kind.Name),
		zap.String("origin", origin))
	return handle, nil
}

// startOn starts a session on the given server, provisioning one when
// none is given. The kind listing doubles as the server readiness check.
func (m *Manager) startOn(ctx context.Context, conn *kernels.Connection) (*Handle, error) {
	if conn == nil {
		fresh, err := m.StartServer(ctx)
		if err != nil {
			return nil, err
		}
		conn = &fresh
	}

	client := m.client(*conn)

	kinds, err := client.ListKinds(ctx)
	if err != nil {
		return nil, fmt.Errorf("list kinds: %w", err)
	}

	model, err := client.StartSession(ctx, kernels.StartSpec{Kind: m.pickKind(kinds)})
	if err != nil {
		return nil, err
	}

	if err := m.store.Save(*conn, model.ID); err != nil {
		return nil, fmt.Errorf("cache session: %w", err)
	}
	if m.metrics != nil {
		m.metrics.IncCacheSaves()
	}

	return &Handle{Model: *model, Conn: *conn}, nil
}

// KillSession shuts the current session down and forgets it: the cache
// is cleared so the next acquisition starts clean. This is the only path
// into StateShutDown. A running monitor is not stopped here; that is the
// caller's decision.
func (m *Manager) KillSession(ctx context.Context) error {
	handle, err := m.GetSession(ctx)
	if err != nil {
		return fmt.Errorf("no session to kill: %w", err)
	}

	// Detach before touching the server. A monitor tick that observes
	// the half-shut-down session would otherwise read it as a death and
	// replace it; with nothing held, the tick skips instead.
	m.mu.Lock()
	m.current = nil
	m.state = StateShutDown
	m.mu.Unlock()

	if err := m.client(handle.Conn).Shutdown(ctx, handle.Model.ID); err != nil {
		// Cache is kept: the session may still be alive, and the entry
		// is the only way back to it.
		return fmt.Errorf("shut down session %s: %w", handle.Model.ID, err)
	}

	if err := m.store.Clear(); err != nil {
		m.logger.Warn("cache clear after shutdown failed", zap.Error(err))
	}

	if m.onKill != nil {
		m.onKill()
	}

	if m.metrics != nil {
		m.metrics.RecordSessionKilled()
		m.metrics.SetSessionsLive(0)
	}
	m.logger.WithSession(handle.Model.ID).Info("session shut down")
	return nil
}

// Current returns a copy of the held session handle, nil when none.
func (m *Manager) Current() *Handle {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.current == nil {
		return nil
	}
	handle := *m.current
	return &handle
}

// State reports the lifecycle state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Acquiring reports whether a run or replacement is in flight.
func (m *Manager) Acquiring() bool {
	return m.acquiring.Load()
}

// Status is a point-in-time view of the manager for the status API.
type Status struct {
	State      State            `json:"state"`
	Acquiring  bool             `json:"acquiring"`
	Monitoring bool             `json:"monitoring"`
	Session    *kernels.Session `json:"session,omitempty"`
	Server     string           `json:"server,omitempty"`
}

// Status snapshots the manager. The server URL is redacted: status
// responses must never carry the token.
func (m *Manager) Status() Status {
	watching := m.Monitoring()

	m.mu.RLock()
	defer m.mu.RUnlock()

	status := Status{
		State:      m.state,
		Acquiring:  m.acquiring.Load(),
		Monitoring: watching,
	}
	if m.current != nil {
		model := m.current.Model
		status.Session = &model
		status.Server = m.current.Conn.Redacted()
	}
	return status
}

// setCurrent adopts a handle as the live session. Writes are serialized
// by the manager mutex; when an acquisition and a replacement race, the
// last writer wins.
func (m *Manager) setCurrent(handle *Handle) {
	adopted := *handle
	m.mu.Lock()
	m.current = &adopted
	m.state = StateLive
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.SetSessionsLive(1)
	}
}

func (m *Manager) setState(state State) {
	m.mu.Lock()
	m.state = state
	m.mu.Unlock()
}

// settleState records where a failed acquisition leaves the manager:
// nothing held means unstarted; a held (possibly dead) handle means the
// monitor keeps retrying, so connecting stands.
func (m *Manager) settleState() {
	m.mu.Lock()
	if m.current == nil {
		m.state = StateUnstarted
	}
	m.mu.Unlock()
}

// client returns the memoized API client for a server.
func (m *Manager) client(conn kernels.Connection) API {
	m.clientsMu.Lock()
	defer m.clientsMu.Unlock()

	if client, ok := m.clients[conn]; ok {
		return client
	}
	client := m.dial(conn)
	m.clients[conn] = client
	return client
}

// pickKind chooses the session kind to start: the configured one, the
// server's default, or the first advertised kind.
func (m *Manager) pickKind(kinds *kernels.KindList) string {
	if m.opts.Kind != "" {
		return m.opts.Kind
	}
	if kinds.Default != "" {
		return kinds.Default
	}
	if len(kinds.Kinds) > 0 {
		return kinds.Kinds[0].Name
	}
	return ""
}

func (m *Manager) observeCacheLoad(err error) {
	if m.metrics == nil {
		return
	}
	switch {
	case err == nil:
		m.metrics.RecordCacheLoad("hit")
	case errors.Is(err, cache.ErrMalformed):
		m.metrics.RecordCacheLoad("malformed")
	default:
		m.metrics.RecordCacheLoad("miss")
	}
}
