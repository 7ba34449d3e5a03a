package server

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/sync/errgroup"
)

// Run prepares the store, binds both listeners and serves until ctx is
// cancelled. It shuts the server down and closes the store before returning.
func (s *Server) Run(ctx context.Context) error {
	if s.store == nil {
		return fmt.Errorf("server: missing store dependency")
	}
	if c, ok := s.store.(io.Closer); ok {
		defer func() { _ = c.Close() }()
	}

	// Nobody is connected yet, whatever the last run left behind.
	if err := s.store.NonTx().ResetStatuses(); err != nil {
		return fmt.Errorf("server: reset statuses: %w", err)
	}
	if s.cfg.SeedFile != "" {
		if _, err := LoadUsersFromYAML(ctx, s.cfg.SeedFile, s.store); err != nil {
			return err
		}
	}

	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Serve runs the accept loop and HTTP server on listeners bound by Listen
// until ctx is cancelled or a listener fails.
func (s *Server) Serve(ctx context.Context) error {
	s.log.Info("gorelay server running",
		"control", s.ControlAddr(),
		"http", s.HTTPAddr(),
		"tls", s.cfg.TLS,
	)
	s.metrics.StartPeriodicLog(s.cfg.MetricsInterval, s.ctrl.Registry().Count, s.ctx.Done())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(s.acceptLoop)
	if s.httpSrv != nil {
		g.Go(func() error {
			if err := s.httpSrv.Serve(s.httpLn); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("server: http: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-s.ctx.Done():
		}
		s.log.Info("shutting down...")
		s.Shutdown()
		return nil
	})
	return g.Wait()
}
