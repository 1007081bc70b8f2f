package server

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	apihttp "github.com/stokehold/stoker/internal/api/http"
	"github.com/stokehold/stoker/internal/api/middleware"
	"github.com/stokehold/stoker/internal/api/ws"
	"github.com/stokehold/stoker/internal/cache"
	"github.com/stokehold/stoker/internal/document"
	"github.com/stokehold/stoker/internal/domain/session"
	"github.com/stokehold/stoker/internal/infrastructure/config"
	"github.com/stokehold/stoker/internal/infrastructure/logging"
	"github.com/stokehold/stoker/internal/infrastructure/monitoring"
	"github.com/stokehold/stoker/internal/launch"
	"github.com/stokehold/stoker/internal/localkernel"
	"github.com/stokehold/stoker/internal/runner"
	"github.com/stokehold/stoker/internal/transcript"
	"github.com/stokehold/stoker/internal/widgets"
)

// heartbeatWindow is how many round-trip samples each document keeps for
// its status API summary.
const heartbeatWindow = 256

// Server assembles the daemon: one session manager per document, the
// REST surface in front of them, and the websocket relay next to it.
type Server struct {
	cfg     *config.Config
	logger  *logging.Logger
	metrics *monitoring.Metrics

	router   *gin.Engine
	registry *session.Registry
	scanner  *document.Scanner
	hub      *ws.Hub

	local    *localkernel.Server
	journals []*transcript.Journal

	http *http.Server
}

// NewServer builds the daemon from configuration. Everything that can
// fail fails here; Run only listens.
func NewServer(cfg *config.Config) (*Server, error) {
	logger, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
		OutputPaths: []string{"stdout"},
	})
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	metrics := monitoring.NewMetrics()

	manifest, err := document.LoadManifest(cfg.Docs.Root)
	if err != nil {
		return nil, fmt.Errorf("load manifest: %w", err)
	}
	scanner := document.NewScanner(cfg.Docs.Root, manifest)

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		registry: session.NewRegistry().WithLogger(logger.Named("registry")),
		scanner:  scanner,
		hub:      ws.NewHub(logger.Named("relay"), metrics),
	}

	if err := s.initBackend(); err != nil {
		return nil, err
	}
	if err := s.registerDocuments(); err != nil {
		s.teardown()
		return nil, err
	}
	s.initRouter()

	logger.Info("daemon initialized",
		zap.String("root", cfg.Docs.Root),
		zap.Int("documents", s.registry.Len()),
		zap.Bool("local_kernel", s.local != nil))
	return s, nil
}

// initBackend decides where sessions come from: the embedded local
// kernel server when no launch service is configured, the launch service
// otherwise.
func (s *Server) initBackend() error {
	if s.cfg.Launch.BaseURL != "" || !s.cfg.Local.Enabled {
		return nil
	}

	local := localkernel.New(localkernel.Config{
		Addr: "127.0.0.1:" + s.cfg.Local.Port,
	}, s.logger.Named("localkernel"))
	if err := local.Start(); err != nil {
		return fmt.Errorf("start local kernel server: %w", err)
	}
	s.local = local
	return nil
}

// registerDocuments scans the content root and builds one manager per
// document found.
func (s *Server) registerDocuments() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	refs, err := s.scanner.Scan(ctx)
	if err != nil {
		return fmt.Errorf("scan content root: %w", err)
	}

	cacheDir, err := s.cacheDir()
	if err != nil {
		return err
	}

	var launcher session.Provisioner
	if s.local == nil {
		launcher = launch.NewClient(launch.Config{
			BaseURL:      s.cfg.Launch.BaseURL,
			Provider:     s.cfg.Launch.Provider,
			PollInterval: s.cfg.Launch.PollInterval,
			PollTimeout:  s.cfg.Launch.PollTimeout,
		}, launch.WithLogger(s.logger.Named("launch")), launch.WithMetrics(s.metrics))
	}

	for _, ref := range refs {
		title := ref.Title
		if parsed, err := s.loadDocument(ref.Path); err == nil {
			title = parsed.Title
		}
		s.registerDocument(ref.Path, title, launcher, cacheDir)
	}
	return nil
}

// registerDocument wires one document: durable cache, manager, runner
// with its sink fanout, and widget binder.
func (s *Server) registerDocument(path, title string, launcher session.Provisioner, cacheDir string) {
	manifest := s.scanner.Manifest()

	opts := session.Options{
		ImageSpec:         manifest.Image,
		Kind:              manifest.Kind,
		HeartbeatInterval: s.cfg.Session.HeartbeatInterval,
		StartupTimeout:    s.cfg.Session.StartupTimeout,
	}
	if opts.Kind == "" {
		opts.Kind = s.cfg.Session.Kind
	}
	if s.local != nil {
		opts.DirectURL = s.local.URL()
		opts.DirectToken = s.local.Token()
	}

	store := cache.NewFileStore(filepath.Join(cacheDir, "sessions", pathKey(path)+".toml"))

	mgr := session.NewManager(launcher, store, nil, opts).
		WithLogger(&logging.Logger{Logger: s.logger.Named("session").With(zap.String("doc", path))}).
		WithMetrics(s.metrics).
		WithLatency(monitoring.NewLatencyTracker(heartbeatWindow))

	doc := s.registry.Register(path, title, mgr)

	binder := widgets.New(nil).WithLogger(s.logger.Named("widgets"))

	sinks := runner.Fanout{s.hub.SinkFor(doc.ID), binder}
	if s.cfg.Transcript.Enabled {
		journal := transcript.NewJournal(
			filepath.Join(s.transcriptDir(cacheDir), pathKey(path)),
			s.logger.Named("transcript"))
		s.journals = append(s.journals, journal)
		sinks = append(sinks, journal)
	}

	run := runner.New(func() (*document.Document, error) {
		return s.loadDocument(path)
	}, nil).
		WithLogger(s.logger.Named("runner")).
		WithSink(sinks)

	// A deliberate kill drops the binder's captured state too, or the
	// next run would replay it into a session that never produced it.
	mgr.WithRunner(run).WithBinder(binder).WithOnKill(binder.Clear)
}

func (s *Server) loadDocument(rel string) (*document.Document, error) {
	abs, err := s.scanner.Resolve(rel)
	if err != nil {
		return nil, err
	}
	return document.Load(abs)
}

// initRouter assembles the middleware stack and routes.
func (s *Server) initRouter() {
	if !s.cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(monitoring.Middleware(s.metrics))
	router.Use(middleware.CORS(middleware.DefaultCORSConfig()))
	if s.cfg.RateLimit.Enabled {
		router.Use(middleware.RateLimit(middleware.RateLimitConfig{
			RequestsPerSecond: s.cfg.RateLimit.RequestsPerSecond,
			Burst:             s.cfg.RateLimit.Burst,
		}))
	}

	handlers := apihttp.NewHandlers(s.registry, s.scanner, s.metrics, s.logger.Named("api"))

	router.GET("/", handlers.Root)
	router.GET("/health", handlers.Health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	if s.cfg.Auth.Enabled {
		v1.Use(middleware.BearerAuth(s.cfg.Auth.TokenHash))
	}
	v1.GET("/documents", handlers.ListDocuments)
	v1.GET("/scan", handlers.ScanDocuments)
	v1.POST("/documents/:id/run", handlers.Run)
	v1.POST("/documents/:id/run-if-live", handlers.RunIfLive)
	v1.GET("/documents/:id/session", handlers.GetSessionStatus)
	v1.DELETE("/documents/:id/session", handlers.KillSession)
	v1.GET("/documents/:id/cells", handlers.GetCells)
	v1.GET("/documents/:id/events", s.hub.HandleConnection)

	s.router = router
}

// Run starts every document monitor and serves the API until ctx is
// cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	for _, doc := range s.registry.List() {
		if err := doc.Manager.Monitor(ctx, s.cfg.Session.HeartbeatInterval); err != nil {
			return fmt.Errorf("start monitor for %s: %w", doc.Path, err)
		}
	}

	addr := s.cfg.Server.Host + ":" + s.cfg.Server.Port
	s.http = &http.Server{Addr: addr, Handler: s.router}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("daemon listening", zap.String("addr", addr))
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("http shutdown failed", zap.Error(err))
	}
	return s.Close()
}

// Close releases everything Run started. Sessions are left running:
// their cache entries reattach them on the next start.
func (s *Server) Close() error {
	err := s.teardown()
	_ = s.logger.Sync()
	return err
}

func (s *Server) teardown() error {
	s.registry.Shutdown()
	s.hub.Close()

	var err error
	for _, journal := range s.journals {
		err = multierr.Append(err, journal.Close())
	}
	if s.local != nil {
		err = multierr.Append(err, s.local.Close())
	}
	return err
}

// Router exposes the assembled handler. Test hook.
func (s *Server) Router() http.Handler {
	return s.router
}

// cacheDir resolves where per-document state lives.
func (s *Server) cacheDir() (string, error) {
	if s.cfg.Cache.Path != "" {
		return s.cfg.Cache.Path, nil
	}
	path, err := cache.DefaultPath()
	if err != nil {
		return "", fmt.Errorf("resolve cache dir: %w", err)
	}
	return filepath.Dir(path), nil
}

func (s *Server) transcriptDir(cacheDir string) string {
	if s.cfg.Transcript.Dir != "" {
		return s.cfg.Transcript.Dir
	}
	return filepath.Join(cacheDir, "transcripts")
}

// pathKey turns a root-relative document path into a stable file name
// component, so cache entries survive restarts.
func pathKey(path string) string {
	replacer := strings.NewReplacer("/", "__", "\\", "__", ":", "_", " ", "_")
	return replacer.Replace(strings.TrimSuffix(path, filepath.Ext(path)))
}
