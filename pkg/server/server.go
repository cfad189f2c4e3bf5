// Package server hosts the daemon's loopback surface: the WebSocket
// endpoint pages connect to, the Prometheus metrics endpoint, the
// idle-exit watchdog and single-instance enforcement.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/cernvm/webapid/pkg/config"
	"github.com/cernvm/webapid/pkg/daemon"
	"github.com/cernvm/webapid/pkg/logger"
)

// Server is the daemon's HTTP/WebSocket front end.
type Server struct {
	cfg  *config.Config
	core *daemon.Core

	ctx    context.Context
	cancel context.CancelFunc

	upgrader websocket.Upgrader

	// connections counts live WebSocket connections for the idle watchdog.
	connections atomic.Int64
}

// New builds a Server for the given core.
func New(cfg *config.Config, core *daemon.Core) *Server {
	s := &Server{
		cfg:  cfg,
		core: core,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Any page may connect; trust is decided per-domain by the
			// signed keystore during requestSession.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	return s
}

// Run serves until the context is cancelled, stopService is received, or
// the daemon has been idle (zero live connections) past the idle timeout.
func (s *Server) Run(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	defer s.cancel()

	// stopService must unblock this loop explicitly.
	s.core.SetShutdown(s.cancel)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.Handle("/metrics", s.core.Metrics().Handler())

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("unable to listen on %s: %w", addr, err)
	}

	httpServer := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Infof("Listening on http://%s", addr)

	group, groupCtx := errgroup.WithContext(s.ctx)

	group.Go(func() error {
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	group.Go(func() error {
		s.idleWatchdog(groupCtx)
		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	err = group.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// idleWatchdog exits the daemon after the configured idle period with zero
// live connections.
func (s *Server) idleWatchdog(ctx context.Context) {
	if s.cfg.IdleTimeout <= 0 {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(s.cfg.IdleTimeout / 4)
	defer ticker.Stop()

	lastActive := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.connections.Load() > 0 {
				lastActive = time.Now()
				continue
			}
			if time.Since(lastActive) > s.cfg.IdleTimeout {
				logger.Infof("Idle for %s with no connections, exiting", s.cfg.IdleTimeout)
				s.cancel()
				return
			}
		}
	}
}
