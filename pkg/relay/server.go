package relay

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/chat-relay/pkg/broadcast"
	"github.com/go-go-golems/chat-relay/pkg/transcript"
)

const shutdownTimeout = 30 * time.Second

// Sweeper removes transcripts whose connection went away without a clean close.
type Sweeper interface {
	StartSweepLoop(ctx context.Context, interval, idle time.Duration, live func(id string) bool)
}

var _ Sweeper = &transcript.InMemoryStore{}

type ServerConfig struct {
	Addr   string
	Hub    *Hub
	Router RouterOptions
	// Bus is closed on shutdown after the hub.
	Bus *broadcast.Bus

	Sweeper       Sweeper
	SweepInterval time.Duration
	SweepIdle     time.Duration
}

// Server drives the broadcast consumer, the transcript sweeper and the HTTP server.
type Server struct {
	cfg     ServerConfig
	httpSrv *http.Server
}

func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Hub == nil {
		return nil, errors.New("server hub is nil")
	}
	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           NewRouter(cfg.Hub, cfg.Router),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return &Server{cfg: cfg, httpSrv: httpSrv}, nil
}

func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

// Run listens on the configured address until ctx is done or the process is interrupted.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpSrv.Addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", s.httpSrv.Addr)
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if ctx == nil {
		return errors.New("ctx is nil")
	}
	eg := errgroup.Group{}
	srvCtx, srvCancel := context.WithCancel(ctx)
	defer srvCancel()

	if err := s.cfg.Hub.Start(srvCtx); err != nil {
		_ = ln.Close()
		return err
	}
	if s.cfg.Sweeper != nil && s.cfg.SweepInterval > 0 && s.cfg.SweepIdle > 0 {
		s.cfg.Sweeper.StartSweepLoop(srvCtx, s.cfg.SweepInterval, s.cfg.SweepIdle, s.cfg.Hub.Live)
	}

	eg.Go(func() error {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigChan)
		select {
		case <-sigChan:
			log.Info().Msg("received interrupt signal, shutting down gracefully...")
		case <-srvCtx.Done():
		}
		srvCancel()

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		var shutdownErr error
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("server shutdown error")
			shutdownErr = err
		}
		s.cfg.Hub.Close()
		if err := s.cfg.Bus.Close(); err != nil {
			log.Error().Err(err).Msg("broadcast bus close error")
		}
		log.Info().Msg("server shutdown complete")
		return shutdownErr
	})

	eg.Go(func() error {
		log.Info().Str("addr", ln.Addr().String()).Msg("starting chat relay")
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server listen error")
			srvCancel()
			return err
		}
		return nil
	})

	return eg.Wait()
}
