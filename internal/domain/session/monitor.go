package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ErrMonitorRunning reports a Monitor call while a loop is already
// watching. One monitor per manager, always.
var ErrMonitorRunning = errors.New("session monitor already running")

// Monitor starts the supervising heartbeat loop: every interval it
// resolves the current session model and replaces the session on the
// spot when it no longer resolves. The loop survives repeated deaths and
// failed replacements; it exits only when ctx is cancelled or
// StopMonitor is called. An interval of zero or less falls back to the
// configured heartbeat interval.
func (m *Manager) Monitor(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = m.opts.HeartbeatInterval
	}

	m.monitorMu.Lock()
	defer m.monitorMu.Unlock()

	if m.monitorStop != nil {
		return ErrMonitorRunning
	}

	watchCtx, cancel := context.WithCancel(ctx)
	m.monitorStop = cancel
	m.monitorDone = make(chan struct{})

	go m.watch(watchCtx, interval, m.monitorDone)

	m.logger.Info("monitor started", zap.Duration("interval", interval))
	return nil
}

// StopMonitor cancels the monitor loop and waits for it to exit. Calling
// it with no monitor running is a no-op.
func (m *Manager) StopMonitor() {
	m.monitorMu.Lock()
	stop, done := m.monitorStop, m.monitorDone
	m.monitorMu.Unlock()

	if stop == nil {
		return
	}
	stop()
	<-done
}

// Monitoring reports whether the heartbeat loop is active.
func (m *Manager) Monitoring() bool {
	m.monitorMu.Lock()
	defer m.monitorMu.Unlock()
	return m.monitorStop != nil
}

// watch is the monitor goroutine. Ticks never overlap: the next probe
// waits for the previous tick, replacement included, to finish.
func (m *Manager) watch(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer func() {
		m.monitorMu.Lock()
		m.monitorStop = nil
		m.monitorDone = nil
		m.monitorMu.Unlock()
		close(done)
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("monitor stopped")
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

// tick runs one heartbeat probe. A tick is skipped while an acquisition
// is in flight (probing mid-handshake reports nothing useful) and while
// no session is held (there is nothing to watch yet, and nothing left to
// watch after an explicit kill).
func (m *Manager) tick(ctx context.Context) {
	if m.acquiring.Load() || m.Current() == nil {
		m.observeHeartbeat("skipped", 0)
		return
	}

	started := time.Now()
	_, err := m.GetSessionModel(ctx)
	if err == nil {
		m.observeHeartbeat("alive", time.Since(started))
		return
	}
	if ctx.Err() != nil {
		// Cancelled mid-probe; the loop exits on the next select.
		return
	}

	m.observeHeartbeat("dead", time.Since(started))
	m.logger.Warn("session unreachable, replacing", zap.Error(err))

	if !m.acquiring.CompareAndSwap(false, true) {
		// A run snuck in after the probe; let it finish the acquisition.
		return
	}
	defer m.acquiring.Store(false)

	// Re-check under the flag: a KillSession may have detached between
	// the probe and the swap, and a killed session must stay killed.
	if m.Current() == nil {
		return
	}

	if err := m.replace(ctx); err != nil {
		m.logger.Error("session replacement failed, retrying next tick", zap.Error(err))
	}
}

// replace starts a substitute for a dead session. The server that hosted
// it is tried first: most deaths are idle-culled or crashed sessions on
// a healthy server. Only when that server cannot start a session does
// the manager pay for a fresh provision.
func (m *Manager) replace(ctx context.Context) error {
	cur := m.Current()
	if cur == nil {
		return nil
	}

	handle, err := m.startSession(ctx, &cur.Conn, originReplace)
	if err != nil && ctx.Err() == nil {
		m.logger.WithServer(cur.Conn.Redacted()).
			Warn("restart on current server failed, provisioning fresh", zap.Error(err))
		handle, err = m.startSession(ctx, nil, originReplace)
	}
	if err != nil {
		return err
	}

	if m.metrics != nil {
		m.metrics.RecordSessionReplaced()
	}

	if m.binder != nil {
		if err := m.binder.Rebind(ctx, *handle); err != nil {
			return fmt.Errorf("rebind widgets after replacement: %w", err)
		}
	}

	m.logger.WithSession(handle.Model.ID).Info("session replaced")
	return nil
}

func (m *Manager) observeHeartbeat(outcome string, rtt time.Duration) {
	if m.metrics != nil {
		m.metrics.RecordHeartbeat(outcome, rtt)
	}
	if m.rtt != nil && outcome == "alive" {
		m.rtt.Observe(rtt)
	}
}
