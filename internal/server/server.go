// Package server runs the room registry together with its discovery
// responder and notification broadcaster.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"mcast-chat/internal/broadcast"
	"mcast-chat/internal/config"
	"mcast-chat/internal/logger"
	"mcast-chat/internal/protocol"
	"mcast-chat/internal/registry"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

type Server struct {
	cfg         *config.Config
	log         *logger.Logger
	registry    *registry.Registry
	responder   *DiscoveryResponder
	broadcaster *Broadcaster
	metrics     *Metrics

	listener *broadcast.Listener
}

func New(cfg *config.Config, log *logger.Logger) *Server {
	return newServer(cfg, log, clock.New())
}

func newServer(cfg *config.Config, log *logger.Logger, clk clock.Clock) *Server {
	s := &Server{
		cfg:     cfg,
		log:     log,
		metrics: NewMetrics(),
	}

	s.broadcaster = NewBroadcaster(cfg.BroadcastAddr(), cfg.NotificationPort, log.With("notify"), s.metrics)
	s.registry = registry.New(registry.Config{
		MessagePort: cfg.MessagePort,
		Quarantine:  cfg.AddressQuarantine,
		Clock:       clk,
	}, registry.EventSinkFunc(s.publish), log.With("registry"))
	s.responder = NewDiscoveryResponder(s.registry, log.With("discovery"), s.metrics)

	return s
}

// publish runs under the registry lock, so it must not call back into the
// registry.
func (s *Server) publish(e protocol.Event) {
	switch e.Action {
	case protocol.ActionAdd:
		s.metrics.Rooms.Inc()
	case protocol.ActionDelete:
		s.metrics.Rooms.Dec()
	}
	s.broadcaster.Publish(e)
}

func (s *Server) ID() uuid.UUID { return s.registry.ServerID() }

func (s *Server) Metrics() *Metrics { return s.metrics }

// Listen binds the discovery port. Run calls it when it has not been called.
func (s *Server) Listen(ctx context.Context) error {
	if s.listener != nil {
		return nil
	}
	l, err := broadcast.Open(ctx, s.cfg.DiscoveryPort, s.log)
	if err != nil {
		return err
	}
	s.listener = l
	return nil
}

// DiscoveryPort reports the bound discovery port, or 0 before Listen.
func (s *Server) DiscoveryPort() uint16 {
	if s.listener == nil {
		return 0
	}
	return s.listener.Port()
}

// Run serves discovery requests, and the metrics endpoint when configured,
// until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Listen(ctx); err != nil {
		return err
	}
	defer s.listener.Close()

	s.log.Info("server %s started (notifications to %s:%d, messages on port %d)",
		s.ID(), s.cfg.BroadcastIP, s.cfg.NotificationPort, s.cfg.MessagePort)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.responder.Serve(ctx, s.listener)
	})

	if s.cfg.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              s.cfg.MetricsAddr,
			Handler:           s.metricsMux(),
			ReadHeaderTimeout: 5 * time.Second,
		}

		g.Go(func() error {
			s.log.Info("serving metrics on %s", s.cfg.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})

		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	err := g.Wait()
	s.log.Info("server %s stopped", s.ID())
	return err
}

func (s *Server) metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.metrics.Handler())
	return mux
}

// AddRoom registers name and broadcasts an add notification.
func (s *Server) AddRoom(name string) (registry.Room, error) {
	return s.registry.Add(name)
}

// DeleteRoom removes name and broadcasts a delete notification.
func (s *Server) DeleteRoom(name string) (registry.Room, error) {
	return s.registry.Delete(name)
}

func (s *Server) Rooms() []registry.Room {
	return s.registry.List()
}
