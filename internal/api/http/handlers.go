// Package http holds the daemon's REST handlers. Pages drive the
// session lifecycle through these routes; everything streamed lives in
// the websocket relay next door.
package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/stokehold/stoker/internal/cache"
	"github.com/stokehold/stoker/internal/document"
	"github.com/stokehold/stoker/internal/domain/session"
	"github.com/stokehold/stoker/internal/infrastructure/logging"
	"github.com/stokehold/stoker/internal/infrastructure/monitoring"
	"github.com/stokehold/stoker/internal/kernels"
	"github.com/stokehold/stoker/internal/launch"
)

// Version is reported by the root and health endpoints.
const Version = "0.3.0"

// Handlers serves the daemon API.
type Handlers struct {
	registry *session.Registry
	scanner  *document.Scanner
	metrics  *monitoring.Metrics
	logger   *logging.Logger
	started  time.Time
}

// NewHandlers creates the handler set.
func NewHandlers(registry *session.Registry, scanner *document.Scanner, metrics *monitoring.Metrics, logger *logging.Logger) *Handlers {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Handlers{
		registry: registry,
		scanner:  scanner,
		metrics:  metrics,
		logger:   logger,
		started:  time.Now(),
	}
}

// Root reports service identity.
func (h *Handlers) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "stokerd",
		"version": Version,
		"status":  "online",
	})
}

// Health reports daemon health and a snapshot of the registry.
func (h *Handlers) Health(c *gin.Context) {
	resp := gin.H{
		"status":    "healthy",
		"version":   Version,
		"uptime_s":  time.Since(h.started).Seconds(),
		"documents": h.registry.Len(),
	}
	if h.metrics != nil {
		snap := h.metrics.GetSnapshot()
		resp["live_sessions"] = snap.LiveSessions
		resp["relay_clients"] = snap.RelayClients
	}
	c.JSON(http.StatusOK, resp)
}

// docStatus is one document's entry in list and status responses.
type docStatus struct {
	*session.Doc
	Session   session.Status            `json:"session_status"`
	Heartbeat monitoring.LatencySummary `json:"heartbeat"`
}

// ListDocuments returns registered documents with their session states.
func (h *Handlers) ListDocuments(c *gin.Context) {
	docs := h.registry.List()
	out := make([]docStatus, 0, len(docs))
	for _, doc := range docs {
		out = append(out, docStatus{
			Doc:       doc,
			Session:   doc.Manager.Status(),
			Heartbeat: doc.Manager.Heartbeats(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"documents": out})
}

// doc resolves the :id route parameter, replying 404 itself on a miss.
func (h *Handlers) doc(c *gin.Context) (*session.Doc, bool) {
	doc, ok := h.registry.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown document"})
		return nil, false
	}
	return doc, true
}

// Run triggers a document run. An overlapping run is dropped by the
// manager and still reports accepted: the page's intent, "make it live
// and execute", is already being served.
func (h *Handlers) Run(c *gin.Context) {
	doc, ok := h.doc(c)
	if !ok {
		return
	}

	if err := doc.Manager.Run(c.Request.Context()); err != nil {
		h.logger.Error("run failed",
			zap.String("doc_id", doc.ID),
			zap.Error(err))
		c.JSON(runStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "session_status": doc.Manager.Status()})
}

// RunIfLive runs only when a reachable session exists; otherwise a no-op.
func (h *Handlers) RunIfLive(c *gin.Context) {
	doc, ok := h.doc(c)
	if !ok {
		return
	}

	if err := doc.Manager.RunIfLive(c.Request.Context()); err != nil {
		h.logger.Error("run-if-live failed",
			zap.String("doc_id", doc.ID),
			zap.Error(err))
		c.JSON(runStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "session_status": doc.Manager.Status()})
}

// GetSessionStatus reports the document's session, resolving liveness
// against the server when one is cached.
func (h *Handlers) GetSessionStatus(c *gin.Context) {
	doc, ok := h.doc(c)
	if !ok {
		return
	}

	status := doc.Manager.Status()
	resp := gin.H{
		"session_status": status,
		"heartbeat":      doc.Manager.Heartbeats(),
	}

	if model, err := doc.Manager.GetSessionModel(c.Request.Context()); err == nil {
		resp["session"] = model
		resp["reachable"] = true
	} else {
		resp["reachable"] = false
		resp["reason"] = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}

// KillSession shuts the document's session down.
func (h *Handlers) KillSession(c *gin.Context) {
	doc, ok := h.doc(c)
	if !ok {
		return
	}

	if err := doc.Manager.KillSession(c.Request.Context()); err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, cache.ErrNotFound) || errors.Is(err, kernels.ErrSessionNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "shutdown"})
}

// GetCells parses the document and returns its executable cells and
// widget mounts. Parsed on demand so page edits show up immediately.
func (h *Handlers) GetCells(c *gin.Context) {
	doc, ok := h.doc(c)
	if !ok {
		return
	}

	path, err := h.scanner.Resolve(doc.Path)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	parsed, err := document.Load(path)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"path":     doc.Path,
		"title":    parsed.Title,
		"headings": parsed.Headings,
		"cells":    parsed.Cells,
		"widgets":  parsed.Widgets,
	})
}

// ScanDocuments re-walks the content root and returns what is there,
// registered or not.
func (h *Handlers) ScanDocuments(c *gin.Context) {
	refs, err := h.scanner.Scan(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"root": h.scanner.Root(), "documents": refs})
}

// runStatus maps an acquisition failure onto an HTTP status.
func runStatus(err error) int {
	switch {
	case errors.Is(err, launch.ErrProvisionFailed):
		return http.StatusBadGateway
	case errors.Is(err, kernels.ErrStartRejected):
		return http.StatusBadGateway
	case errors.Is(err, kernels.ErrUnauthorized):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
