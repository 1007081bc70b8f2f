package localkernel

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stokehold/stoker/internal/kernels"
	"github.com/stokehold/stoker/internal/protocol"
)

// liveSession is one running session inside the local server.
type liveSession struct {
	model  kernels.Session
	engine Engine

	mu       sync.Mutex
	execMu   sync.Mutex // serializes Execute calls
	cancel   context.CancelFunc
	conns    int
	restored []protocol.WidgetPayload // widget state replayed into this session
}

// touch bumps the activity clock.
func (s *liveSession) touch() {
	s.mu.Lock()
	s.model.LastActivity = time.Now().UTC()
	s.mu.Unlock()
}

// snapshot returns the session model with current connection count.
func (s *liveSession) snapshot() kernels.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	model := s.model
	model.Connections = s.conns
	return model
}

// interrupt cancels the in-flight evaluation, if any.
func (s *liveSession) interrupt() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// restore records widget payloads replayed into this session.
func (s *liveSession) restore(payloads []protocol.WidgetPayload) {
	s.mu.Lock()
	s.restored = append(s.restored, payloads...)
	s.mu.Unlock()
}

// Restored returns the widget payloads replayed into the session. Test
// hook: lifecycle tests assert the binder replayed state after a
// replacement.
func (s *liveSession) Restored() []protocol.WidgetPayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.WidgetPayload, len(s.restored))
	copy(out, s.restored)
	return out
}

// sessions tracks the server's live sessions.
type sessions struct {
	mu   sync.RWMutex
	byID map[string]*liveSession
}

func newSessions() *sessions {
	return &sessions{byID: make(map[string]*liveSession)}
}

func (r *sessions) add(engine Engine, name string) *liveSession {
	now := time.Now().UTC()
	s := &liveSession{
		model: kernels.Session{
			ID:           uuid.New().String(),
			Name:         name,
			Kind:         engine.Kind(),
			CreatedAt:    now,
			LastActivity: now,
		},
		engine: engine,
	}

	r.mu.Lock()
	r.byID[s.model.ID] = s
	r.mu.Unlock()
	return s
}

func (r *sessions) get(id string) (*liveSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[id]
	return s, ok
}

func (r *sessions) remove(id string) (*liveSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	if ok {
		delete(r.byID, id)
	}
	return s, ok
}

func (r *sessions) list() []kernels.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]kernels.Session, 0, len(r.byID))
	for _, s := range r.byID {
		out = append(out, s.snapshot())
	}
	return out
}

func (r *sessions) drain() []*liveSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*liveSession, 0, len(r.byID))
	for id, s := range r.byID {
		out = append(out, s)
		delete(r.byID, id)
	}
	return out
}
