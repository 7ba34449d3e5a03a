// Package server implements the gorelay message relay: the session
// registry, the lifecycle controller, the delivery engine and the TCP and
// WebSocket bindings that feed them.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/NicolasHaas/gorelay/pkg/datastore"
	"github.com/NicolasHaas/gorelay/pkg/protocol"
)

// Dependencies holds external dependencies for the server.
// Server assumes ownership of Store and closes it when Run returns if it
// implements io.Closer.
type Dependencies struct {
	Store         datastore.DataProviderFactory
	Authenticator Authenticator // optional, defaults to StoreAuthenticator
	Logger        *slog.Logger  // optional, defaults to slog.Default()
}

// Server is the gorelay server.
type Server struct {
	cfg      Config
	store    datastore.DataProviderFactory
	ctrl     *Controller
	metrics  *Metrics
	upgrader *websocket.Upgrader
	log      *slog.Logger

	controlLn net.Listener
	httpLn    net.Listener
	httpSrv   *http.Server

	mu     sync.Mutex
	closed bool
	conns  sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a new Server instance.
func New(cfg Config, deps Dependencies) *Server {
	cfg = cfg.withDefaults()
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	metrics := NewMetrics()

	var ds datastore.DataStore
	if deps.Store != nil {
		ds = deps.Store.NonTx()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:   cfg,
		store: deps.Store,
		ctrl: NewController(cfg.controllerConfig(), ControllerDeps{
			Store:         ds,
			Authenticator: deps.Authenticator,
			Metrics:       metrics,
			Logger:        log,
		}),
		metrics:  metrics,
		upgrader: newUpgrader(cfg.WSAllowedOrigins),
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Controller returns the session lifecycle controller.
func (s *Server) Controller() *Controller {
	return s.ctrl
}

// Metrics returns the server metrics.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Listen binds the TCP binding and, when HTTPAddr is set, the HTTP listener.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.cfg.ControlAddr)
	if err != nil {
		return fmt.Errorf("server: listen control: %w", err)
	}
	if s.cfg.TLS {
		tlsCfg, err := loadOrGenerateTLS(s.cfg)
		if err != nil {
			_ = ln.Close()
			return err
		}
		ln = tls.NewListener(ln, tlsCfg)
	}
	s.controlLn = ln

	if s.cfg.HTTPAddr != "" {
		hl, err := net.Listen("tcp", s.cfg.HTTPAddr)
		if err != nil {
			_ = s.controlLn.Close()
			return fmt.Errorf("server: listen http: %w", err)
		}
		s.httpLn = hl
		s.httpSrv = &http.Server{
			Handler:           s.HTTPHandler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
	}
	return nil
}

// ControlAddr returns the bound TCP address, or "" before Listen.
func (s *Server) ControlAddr() string {
	if s.controlLn == nil {
		return ""
	}
	return s.controlLn.Addr().String()
}

// HTTPAddr returns the bound HTTP address, or "" when disabled.
func (s *Server) HTTPAddr() string {
	if s.httpLn == nil {
		return ""
	}
	return s.httpLn.Addr().String()
}

// acceptLoop accepts TCP clients until the listener closes, backing off on
// transient accept errors.
func (s *Server) acceptLoop() error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 5 * time.Millisecond
	bo.MaxInterval = time.Second
	bo.MaxElapsedTime = 0

	for {
		nc, err := s.controlLn.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			delay := bo.NextBackOff()
			s.log.Warn("accept failed, retrying", "err", err, "delay", delay)
			select {
			case <-time.After(delay):
				continue
			case <-s.ctx.Done():
				return nil
			}
		}
		bo.Reset()

		if !s.track() {
			_ = nc.Close()
			return nil
		}
		go func() {
			defer s.conns.Done()
			s.serveConn(newTCPConn(nc, s.cfg.WriteTimeout))
		}()
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	wc, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	if !s.track() {
		_ = wc.Close()
		return
	}
	defer s.conns.Done()
	s.serveConn(newWSConn(wc, r.RemoteAddr, s.cfg.WriteTimeout))
}

// track registers a live connection; it fails once shutdown has begun.
func (s *Server) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns.Add(1)
	return true
}

// serveConn is the read loop shared by both bindings. It returns once the
// session is closed and its writer has flushed.
func (s *Server) serveConn(conn Conn) {
	s.metrics.TotalConnections.Add(1)
	s.metrics.ActiveConnections.Add(1)
	defer s.metrics.ActiveConnections.Add(-1)
	defer s.metrics.TotalDisconnects.Add(1)

	stop := context.AfterFunc(s.ctx, func() { _ = conn.Close() })
	defer stop()

	sess := s.ctrl.OnConnect(conn)
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.AuthTimeout))
	first := true

	var cause error
	for {
		req, err := conn.ReadRequest()
		if first {
			first = false
			_ = conn.SetReadDeadline(time.Time{})
		}
		if err != nil {
			var de *protocol.DecodeError
			if errors.As(err, &de) {
				s.ctrl.OnProtocolError(sess, err)
				continue
			}
			if !errors.Is(err, io.EOF) {
				cause = err
			}
			break
		}
		s.ctrl.OnRequest(sess, req)
	}

	s.ctrl.OnDisconnect(sess, cause)
	<-sess.Done()
}

// Shutdown stops accepting, closes every session and waits for their
// connections to finish.
func (s *Server) Shutdown() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	if s.controlLn != nil {
		_ = s.controlLn.Close()
	}
	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = s.httpSrv.Shutdown(ctx)
		cancel()
	}
	// Authenticated sessions get a flushed close; cancelling the context
	// then closes whatever is still connecting.
	s.ctrl.Shutdown()
	s.cancel()
	s.conns.Wait()
}
