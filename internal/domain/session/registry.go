package session

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stokehold/stoker/internal/infrastructure/logging"
)

// Doc is one registered document together with the manager supervising
// its session.
type Doc struct {
	ID         string    `json:"id"`
	Path       string    `json:"path"`
	Title      string    `json:"title,omitempty"`
	Registered time.Time `json:"registered"`

	Manager *Manager `json:"-"`
}

// Registry tracks registered documents by id and by path. One manager per
// document; registering a path twice returns the existing entry, since
// two managers sharing one document's cache would fight over it.
type Registry struct {
	mu     sync.RWMutex
	docs   map[string]*Doc   // Protected by mu
	byPath map[string]string // Protected by mu
	logger *logging.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		docs:   make(map[string]*Doc),
		byPath: make(map[string]string),
		logger: logging.NewNop(),
	}
}

// WithLogger attaches a logger to the registry.
func (r *Registry) WithLogger(logger *logging.Logger) *Registry {
	r.logger = logger
	return r
}

// Register adds a document with its manager and returns the registration.
// An already registered path returns its existing entry unchanged.
func (r *Registry) Register(path, title string, mgr *Manager) *Doc {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.byPath[path]; ok {
		doc := *r.docs[id]
		return &doc
	}

	doc := &Doc{
		ID:         uuid.New().String(),
		Path:       path,
		Title:      title,
		Registered: time.Now(),
		Manager:    mgr,
	}
	r.docs[doc.ID] = doc
	r.byPath[path] = doc.ID

	r.logger.Info("document registered",
		zap.String("doc_id", doc.ID),
		zap.String("path", path))

	copied := *doc
	return &copied
}

// Get retrieves a document by id. Returns a copy to prevent external
// modifications.
func (r *Registry) Get(id string) (*Doc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	doc, ok := r.docs[id]
	if !ok {
		return nil, false
	}
	copied := *doc
	return &copied, true
}

// FindByPath retrieves a document by its root-relative path.
func (r *Registry) FindByPath(path string) (*Doc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byPath[path]
	if !ok {
		return nil, false
	}
	copied := *r.docs[id]
	return &copied, true
}

// List returns all registered documents sorted by path.
func (r *Registry) List() []*Doc {
	r.mu.RLock()
	defer r.mu.RUnlock()

	docs := make([]*Doc, 0, len(r.docs))
	for _, doc := range r.docs {
		copied := *doc
		docs = append(docs, &copied)
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].Path < docs[j].Path })
	return docs
}

// Remove drops a document and stops its monitor. Reports whether the id
// was registered. The session itself is not killed; its cache entry
// allows a later reattach.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	doc, ok := r.docs[id]
	if ok {
		delete(r.docs, id)
		delete(r.byPath, doc.Path)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	doc.Manager.StopMonitor()
	r.logger.Info("document removed", zap.String("doc_id", id))
	return true
}

// Len reports the number of registered documents.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.docs)
}

// Shutdown stops every manager's monitor. Sessions are left running: the
// cache entries reattach them on the next start.
func (r *Registry) Shutdown() {
	for _, doc := range r.List() {
		doc.Manager.StopMonitor()
	}
	r.logger.Info("registry shut down")
}
