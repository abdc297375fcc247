// Package server exposes the proxy over HTTP.
//
// Every WebSocket connection accepted on {prefix}/ws gets its own
// session.Session with its own device link; sessions share nothing but the
// radio stack. The package also serves the adapter listing at
// {prefix}/adapters, a one-shot GATT inspection at {prefix}/inspect, the
// profile env writer at {prefix}/profile/env and a liveness probe at /healthz.
//
// {prefix}/ws is served by a plain http.ServeMux in front of the gin engine:
// the handshake has to hijack the raw connection, which gin's response
// writer refuses once the 101 status has gone through it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/render"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/sirupsen/logrus"
	"github.com/srg/bleproxy/inspector"
	"github.com/srg/bleproxy/internal/bluez"
	"github.com/srg/bleproxy/internal/device"
	"github.com/srg/bleproxy/internal/session"
	"nhooyr.io/websocket"
)

const shutdownTimeout = 5 * time.Second

// AdapterLister enumerates local Bluetooth adapters.
type AdapterLister interface {
	ListAdapters(ctx context.Context) []bluez.AdapterInfo
}

// Options configures a Server.
type Options struct {
	ListenAddr  string
	APIPrefix   string
	Enabled     bool
	CORSOrigins []string
	// InspectTimeout bounds the connection made by {prefix}/inspect.
	InspectTimeout time.Duration
	// ProfileEnvPath is the env file {prefix}/profile/env updates; empty disables it.
	ProfileEnvPath string
	Session        session.Options
}

// client is one live WebSocket session.
type client struct {
	session *session.Session
	conn    *websocket.Conn
}

// Server owns the HTTP listener and the registry of live sessions.
type Server struct {
	opts     Options
	logger   *logrus.Logger
	newStack session.StackFactory
	adapters AdapterLister

	mux     *http.ServeMux
	engine  *gin.Engine
	clients *xsync.MapOf[string, *client]
	wg      sync.WaitGroup

	mu        sync.Mutex
	httpSrv   *http.Server
	boundAddr string
}

func New(opts Options, newStack session.StackFactory, adapters AdapterLister, logger *logrus.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		opts:     opts,
		logger:   logger,
		newStack: newStack,
		adapters: adapters,
		mux:      http.NewServeMux(),
		engine:   gin.New(),
		clients:  xsync.NewMapOf[string, *client](),
	}
	setupMiddleware(s.engine, opts.CORSOrigins, logger)
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.engine.GET("/healthz", s.handleHealth)

	api := s.engine.Group(s.opts.APIPrefix)
	{
		api.GET("/adapters", s.handleAdapters)
		api.GET("/inspect", s.handleInspect)
		api.POST("/profile/env", s.handleProfileEnv)
	}

	s.mux.HandleFunc(s.wsPath(), s.handleWebSocket)
	s.mux.Handle("/", s.engine)
}

func (s *Server) wsPath() string {
	return strings.TrimRight(s.opts.APIPrefix, "/") + "/ws"
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler { return s.mux }

// Sessions returns the number of live sessions.
func (s *Server) Sessions() int { return s.clients.Size() }

// BoundAddr returns the address the listener bound to. Only valid after Serve started.
func (s *Server) BoundAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.boundAddr
}

// ListenAndServe listens on Options.ListenAddr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.opts.ListenAddr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.httpSrv = srv
	s.boundAddr = ln.Addr().String()
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"addr":   s.boundAddr,
		"prefix": s.opts.APIPrefix,
	}).Info("BLE proxy listening")

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

// Shutdown stops accepting requests, closes every live session with
// StatusGoingAway and waits for their cleanup.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpSrv
	s.mu.Unlock()

	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}

	// Closing the socket ends the session's receive loop, which then runs
	// its own cleanup.
	s.clients.Range(func(id string, c *client) bool {
		s.logger.WithField("session", id).Debug("Closing session for shutdown")
		go func() { _ = c.conn.Close(websocket.StatusGoingAway, "server shutting down") }()
		return true
	})

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.clients.Range(func(_ string, c *client) bool {
			c.session.Stop()
			return true
		})
		return errors.Join(err, fmt.Errorf("sessions still running: %w", ctx.Err()))
	}

	s.logger.Info("BLE proxy stopped")
	return err
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"sessions": s.Sessions(),
	})
}

func (s *Server) handleAdapters(c *gin.Context) {
	if s.adapters == nil {
		c.JSON(http.StatusOK, []bluez.AdapterInfo{})
		return
	}
	c.JSON(http.StatusOK, s.adapters.ListAdapters(c.Request.Context()))
}

// handleInspect connects to device_address, reports its GATT layout and disconnects.
func (s *Server) handleInspect(c *gin.Context) {
	if !s.opts.Enabled {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "BLE proxy is disabled"})
		return
	}

	address := strings.TrimSpace(c.Query("device_address"))
	if address == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "device_address is required"})
		return
	}
	adapterName := c.Query("adapter")
	if adapterName == "" {
		adapterName = s.opts.Session.DefaultAdapter
	}

	stack, err := s.newStack()
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error(), "kind": device.ErrorKind(err)})
		return
	}

	report, err := inspector.InspectDevice(c.Request.Context(), stack, address, &inspector.InspectOptions{
		Adapter:        adapterName,
		ConnectTimeout: s.opts.InspectTimeout,
	}, s.logger, inspector.DescribeProfile)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "kind": device.ErrorKind(err)})
		return
	}
	c.JSON(http.StatusOK, report)
}

// writeJSON renders body with gin's JSON renderer outside a gin context.
func writeJSON(w http.ResponseWriter, code int, body any) {
	r := render.JSON{Data: body}
	r.WriteContentType(w)
	w.WriteHeader(code)
	_ = r.Render(w)
}

// handleWebSocket upgrades the request and runs one session until either side
// ends it. It receives the raw ResponseWriter so the handshake can hijack it.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, gin.H{"error": "method not allowed"})
		return
	}
	if !s.opts.Enabled {
		writeJSON(w, http.StatusServiceUnavailable, gin.H{"error": "BLE proxy is disabled"})
		return
	}

	opts := &websocket.AcceptOptions{}
	if allowsAnyOrigin(s.opts.CORSOrigins) {
		opts.InsecureSkipVerify = true
	} else {
		opts.OriginPatterns = originPatterns(s.opts.CORSOrigins)
	}

	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.WithFields(logrus.Fields{
			"client_ip": clientIP(r),
			"error":     err,
		}).Warn("WebSocket accept failed")
		return
	}

	id := uuid.NewString()
	log := s.logger.WithFields(logrus.Fields{
		"session":   id,
		"client_ip": clientIP(r),
	})

	sess := session.New(id, newWSTransport(conn), s.newStack, s.logger, s.opts.Session)
	s.clients.Store(id, &client{session: sess, conn: conn})
	s.wg.Add(1)
	defer func() {
		s.clients.Delete(id)
		s.wg.Done()
	}()

	log.Info("BLE proxy client connected")

	if err := sess.Run(r.Context()); err != nil {
		log.WithField("error", err).Warn("Session ended after a failed send")
	}

	log.Info("BLE proxy client disconnected")
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
