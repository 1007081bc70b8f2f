// Package localkernel embeds a compute-session server inside the daemon.
// It speaks the same REST and websocket surface as a provisioned remote
// server, so a DirectURL pointing at it exercises the full lifecycle
// machinery with no external service. It doubles as the test harness:
// sessions are killable on demand, which is how lifecycle tests simulate
// death.
package localkernel

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/stokehold/stoker/internal/infrastructure/logging"
	"github.com/stokehold/stoker/internal/kernels"
)

// Config holds local server settings.
type Config struct {
	// Addr to listen on; ":0" picks a free port.
	Addr string

	// Token, when set, is required as "Authorization: token <Token>" on
	// every request. Empty runs the server tokenless, matching local
	// development servers.
	Token string

	// DefaultKind names the kind advertised as default. Empty picks the
	// first registered engine.
	DefaultKind string
}

// Server is the embedded compute-session service.
type Server struct {
	cfg      Config
	logger   *logging.Logger
	engines  map[string]EngineFactory
	order    []string
	sessions *sessions

	http     *http.Server
	listener net.Listener
}

// New creates a server with the standard engines registered.
func New(cfg Config, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.NewNop()
	}
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:0"
	}

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		engines:  make(map[string]EngineFactory),
		sessions: newSessions(),
	}
	s.RegisterEngine("javascript", NewJavaScript())
	s.RegisterEngine("shell", NewShell())
	return s
}

// RegisterEngine adds a session kind. Later registrations with the same
// name replace the earlier factory.
func (s *Server) RegisterEngine(name string, factory EngineFactory) {
	if _, ok := s.engines[name]; !ok {
		s.order = append(s.order, name)
	}
	s.engines[name] = factory
}

// Start binds the listener and serves in the background. The returned
// error covers bind failures only; serve errors after a clean Close are
// swallowed.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.listener = listener

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(s.auth())

	router.GET("/api/kinds", s.handleKinds)
	router.GET("/api/sessions", s.handleList)
	router.POST("/api/sessions", s.handleStart)
	router.GET("/api/sessions/:id", s.handleGet)
	router.DELETE("/api/sessions/:id", s.handleShutdown)
	router.GET("/api/sessions/:id/channels", s.handleChannel)

	s.http = &http.Server{Handler: router}
	go func() {
		if err := s.http.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("local kernel server failed", zap.Error(err))
		}
	}()

	s.logger.Info("local kernel server listening", zap.String("url", s.URL()))
	return nil
}

// URL returns the server's HTTP base URL. Valid after Start.
func (s *Server) URL() string {
	if s.listener == nil {
		return ""
	}
	return "http://" + s.listener.Addr().String()
}

// Token returns the configured auth token.
func (s *Server) Token() string {
	return s.cfg.Token
}

// Close stops the HTTP server and tears down every session.
func (s *Server) Close() error {
	for _, sess := range s.sessions.drain() {
		sess.interrupt()
		_ = sess.engine.Close()
	}
	if s.http == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.http.Shutdown(ctx)
}

// KillSession tears a session down without going through the API, as an
// out-of-band crash would. Reports whether the session existed.
func (s *Server) KillSession(id string) bool {
	sess, ok := s.sessions.remove(id)
	if !ok {
		return false
	}
	sess.interrupt()
	_ = sess.engine.Close()
	s.logger.Info("session killed", zap.String("session_id", id))
	return true
}

// Session exposes a live session record. Test hook.
func (s *Server) Session(id string) (*liveSession, bool) {
	return s.sessions.get(id)
}

// auth enforces the configured token on every route.
func (s *Server) auth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.Token == "" {
			c.Next()
			return
		}
		if c.GetHeader("Authorization") != "token "+s.cfg.Token {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Next()
	}
}

func (s *Server) handleKinds(c *gin.Context) {
	list := kernels.KindList{Default: s.cfg.DefaultKind}
	for _, name := range s.order {
		factory := s.engines[name]
		// Build a throwaway engine only to describe the kind; factories
		// are cheap for both built-in engines.
		engine, err := factory()
		if err != nil {
			continue
		}
		list.Kinds = append(list.Kinds, engine.Kind())
		_ = engine.Close()
	}
	if list.Default == "" && len(list.Kinds) > 0 {
		list.Default = list.Kinds[0].Name
	}
	c.JSON(http.StatusOK, list)
}

func (s *Server) handleList(c *gin.Context) {
	c.JSON(http.StatusOK, s.sessions.list())
}

func (s *Server) handleStart(c *gin.Context) {
	var spec kernels.StartSpec
	if err := c.ShouldBindJSON(&spec); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	name := spec.Kind
	if name == "" {
		name = s.cfg.DefaultKind
	}
	if name == "" && len(s.order) > 0 {
		name = s.order[0]
	}

	factory, ok := s.engines[name]
	if !ok {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "unknown kind: " + name})
		return
	}
	engine, err := factory()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	sess := s.sessions.add(engine, spec.Name)
	s.logger.Info("session started",
		zap.String("session_id", sess.model.ID),
		zap.String("kind", name))
	c.JSON(http.StatusCreated, sess.snapshot())
}

func (s *Server) handleGet(c *gin.Context) {
	sess, ok := s.sessions.get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusOK, sess.snapshot())
}

func (s *Server) handleShutdown(c *gin.Context) {
	id := c.Param("id")
	if !s.KillSession(id) {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.Status(http.StatusNoContent)
}
