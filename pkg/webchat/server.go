package webchat

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

// ShutdownHook releases a dependency after the HTTP server stops.
type ShutdownHook struct {
	Name  string
	Close func() error
}

// Server drives the scheduler and HTTP server lifecycle.
type Server struct {
	router  *Router
	httpSrv *http.Server
	hooks   []ShutdownHook
}

func NewServer(router *Router, addr string, hooks ...ShutdownHook) (*Server, error) {
	if router == nil {
		return nil, errors.New("router is nil")
	}
	if addr == "" {
		return nil, errors.New("listen address is empty")
	}
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           router.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	httpSrv.RegisterOnShutdown(router.CloseStreams)
	return &Server{router: router, httpSrv: httpSrv, hooks: hooks}, nil
}

func (s *Server) Router() *Router { return s.router }

func (s *Server) HTTPServer() *http.Server {
	if s == nil {
		return nil
	}
	return s.httpSrv
}

// Run serves until ctx is cancelled or the process gets SIGINT/SIGTERM, then
// shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	if ctx == nil {
		return errors.New("ctx is nil")
	}
	if s == nil || s.router == nil || s.httpSrv == nil {
		return errors.New("server is not initialized")
	}
	eg, egCtx := errgroup.WithContext(ctx)

	if sched := s.router.svc.Scheduler(); sched != nil {
		sched.Start()
	}

	eg.Go(func() error {
		sigCtx, stop := signal.NotifyContext(egCtx, os.Interrupt, syscall.SIGTERM)
		defer stop()
		<-sigCtx.Done()
		log.Info().Msg("shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("server shutdown error")
			return err
		}
		if sched := s.router.svc.Scheduler(); sched != nil {
			sched.Stop()
		}
		for _, h := range s.hooks {
			if err := h.Close(); err != nil {
				log.Error().Err(err).Str("hook", h.Name).Msg("shutdown hook failed")
			}
		}
		log.Info().Msg("server shutdown complete")
		return nil
	})

	eg.Go(func() error {
		log.Info().Str("addr", s.httpSrv.Addr).Msg("starting memoh server")
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server listen error")
			return err
		}
		return nil
	})

	return eg.Wait()
}
