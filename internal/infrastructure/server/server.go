// Package server is the local HTTP front of the emulator. Every request
// that does not hit an /__edgeworker route is forwarded to the running
// script; WebSocket upgrades answered with a pair are bridged to it.
package server

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/edgeworker/internal/api/middleware"
	"github.com/GriffinCanCode/edgeworker/internal/infrastructure/config"
	"github.com/GriffinCanCode/edgeworker/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/edgeworker/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/edgeworker/internal/orchestrator"
	"github.com/GriffinCanCode/edgeworker/internal/protocol"
)

// InternalPrefix holds the emulator's own routes.
const InternalPrefix = "/__edgeworker"

// Backend runs the script. *orchestrator.Orchestrator implements it.
type Backend interface {
	Fetch(ctx context.Context, req *http.Request, opts orchestrator.FetchOptions) (*http.Response, *protocol.WebSocketRef, error)
	BridgeWebSocket(ctx context.Context, ref protocol.WebSocketRef, conn *websocket.Conn) error
	IsolateID() string
}

// Server wraps the HTTP server and dependencies
type Server struct {
	router   *gin.Engine
	backend  Backend
	logger   *zap.Logger
	config   *config.Config
	metrics  *monitoring.Metrics
	upgrader websocket.Upgrader
	started  time.Time
}

// New creates the server. Metrics and tracer may be nil.
func New(cfg *config.Config, backend Backend, logger *zap.Logger, metrics *monitoring.Metrics, tracer *tracing.Tracer) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		router:  gin.New(),
		backend: backend,
		logger:  logger.Named("server"),
		config:  cfg,
		metrics: metrics,
		upgrader: websocket.Upgrader{
			// Any origin may connect to a local development server.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		started: time.Now(),
	}

	router := s.router
	router.Use(gin.Recovery())
	router.Use(tracing.HTTPMiddleware(tracer))
	router.Use(monitoring.Middleware(metrics))
	router.Use(middleware.CORS(middleware.DefaultCORSConfig()))
	if cfg.RateLimit.Enabled {
		s.logger.Info("Rate limiting enabled",
			zap.Int("rps", cfg.RateLimit.RequestsPerSecond),
			zap.Int("burst", cfg.RateLimit.Burst),
		)
		router.Use(middleware.RateLimit(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
		}))
	}

	internal := router.Group(InternalPrefix)
	internal.GET("/health", s.health)
	if cfg.Server.Metrics && metrics != nil {
		internal.GET("/metrics", gin.WrapH(promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{})))
	}
	router.NoRoute(s.forward)
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on the configured address until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) Run(ctx context.Context) error {
	addr := net.JoinHostPort(s.config.Server.Host, s.config.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) health(c *gin.Context) {
	isolate := s.backend.IsolateID()
	status := "ok"
	if isolate == "" {
		status = "no script"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  status,
		"isolate": isolate,
		"uptime":  time.Since(s.started).Round(time.Second).String(),
	})
}

// forward hands the request to the script and writes its response.
func (s *Server) forward(c *gin.Context) {
	opts := orchestrator.FetchOptions{
		ClientIP:         c.ClientIP(),
		HostnameOverride: s.config.Server.HostnameOverride,
	}
	resp, ref, err := s.backend.Fetch(c.Request.Context(), c.Request, opts)
	if err != nil {
		if errors.Is(err, orchestrator.ErrNotRunning) {
			c.String(http.StatusServiceUnavailable, "no script is running")
			return
		}
		_ = c.Error(err)
		c.String(http.StatusInternalServerError, err.Error())
		return
	}
	defer resp.Body.Close()

	if ref != nil {
		if !websocket.IsWebSocketUpgrade(c.Request) {
			_ = c.Error(errors.New("script returned a WebSocket to a request that did not ask to upgrade"))
			c.String(http.StatusInternalServerError, "WebSocket response to a non-upgrade request")
			return
		}
		s.bridge(c, *ref, resp.Header)
		return
	}

	header := c.Writer.Header()
	for k, v := range resp.Header {
		header[k] = v
	}
	c.Status(resp.StatusCode)
	c.Writer.WriteHeaderNow()
	if c.Request.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(c.Writer, resp.Body); err != nil {
		s.logger.Debug("response body copy ended early", zap.String("path", c.Request.URL.Path), zap.Error(err))
	}
}

// bridge upgrades the client connection and relays it to the worker side
// of the pair until either side closes.
func (s *Server) bridge(c *gin.Context, ref protocol.WebSocketRef, scriptHeader http.Header) {
	header := http.Header{}
	for k, v := range scriptHeader {
		switch {
		case strings.EqualFold(k, "Upgrade"), strings.EqualFold(k, "Connection"), strings.EqualFold(k, "Content-Length"):
		case strings.HasPrefix(strings.ToLower(k), "sec-websocket-") && !strings.EqualFold(k, "Sec-WebSocket-Protocol"):
		default:
			header[k] = v
		}
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, header)
	if err != nil {
		// the upgrader has already written an error response
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	if err := s.backend.BridgeWebSocket(c.Request.Context(), ref, conn); err != nil {
		s.logger.Debug("websocket bridge ended", zap.String("isolate", ref.IsolateID), zap.Int64("sequence", ref.SequenceID), zap.Error(err))
	}
}
