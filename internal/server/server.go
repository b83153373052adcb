package server

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/teris-io/shortid"
	"go.uber.org/atomic"

	"github.com/andrewdavidsmith/transferase-go/internal/cache"
	"github.com/andrewdavidsmith/transferase-go/internal/errs"
	"github.com/andrewdavidsmith/transferase-go/internal/genomeindex"
	"github.com/andrewdavidsmith/transferase-go/internal/metrics"
	"github.com/andrewdavidsmith/transferase-go/internal/methylome"
	"github.com/andrewdavidsmith/transferase-go/internal/wire"
	"github.com/andrewdavidsmith/transferase-go/internal/xlog"
)

// Config gathers everything Run needs to bind a listener and start
// serving.
type Config struct {
	Hostname     string
	Port         uint16
	IndexDir     string
	MethylomeDir string
	NThreads     int
	MaxResident  int
	Limits       wire.Limits
	CommTimeout  time.Duration
	WorkTimeout  time.Duration
	PIDFile      string
}

// Server is the accept loop plus the shared Handler: a stopping flag
// checked when Accept fails, and a semaphore bounding concurrently
// served connections.
type Server struct {
	cfg      Config
	handler  *Handler
	listener net.Listener
	stopping atomic.Bool
	sem      chan struct{} // bounds concurrent connections to cfg.NThreads
	wg       sync.WaitGroup
}

// New constructs a Server and its Handler (and thus its caches) but
// does not yet bind a listener.
func New(cfg Config, reg *metrics.Registry) (*Server, error) {
	h, err := NewHandler(cfg.IndexDir, cfg.MethylomeDir, cfg.MaxResident, cfg.Limits, reg)
	if err != nil {
		return nil, err
	}
	n := cfg.NThreads
	if n < 1 {
		n = 1
	}
	return &Server{cfg: cfg, handler: h, sem: make(chan struct{}, n)}, nil
}

// Run binds the listener, writes the PID file, installs signal
// handling for SIGINT/SIGTERM/SIGHUP, and blocks accepting connections
// until a shutdown signal arrives or Stop is called.
func (s *Server) Run() error {
	addr := net.JoinHostPort(s.cfg.Hostname, strconv.Itoa(int(s.cfg.Port)))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errs.Wrap(errs.CategoryIO, errs.StatusServerFailure, "listen", err)
	}
	logger := xlog.Module("server")

	if s.cfg.PIDFile != "" {
		if err := writePIDFile(s.cfg.PIDFile); err != nil {
			logger.Warnw("failed to write pid file", "path", s.cfg.PIDFile, "err", err)
		}
		defer removePIDFile(s.cfg.PIDFile)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		sig := <-sigCh
		logger.Infow("shutdown signal received", "signal", sig)
		s.Stop()
	}()

	return s.Serve(ln)
}

// Serve accepts connections on ln until Stop is called. Run delegates
// here after binding; tests and embedders can pass their own listener
// (e.g. bound to an ephemeral port) and read Addr afterwards.
func (s *Server) Serve(ln net.Listener) error {
	s.listener = ln
	xlog.Module("server").Infow("listening", "addr", ln.Addr())
	return s.acceptLoop()
}

// Addr reports the bound listener address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// acceptLoop hands every accepted socket to a fresh goroutine running
// connection.serve, bounded to cfg.NThreads concurrently in flight via
// the semaphore channel.
func (s *Server) acceptLoop() error {
	logger := xlog.Module("server")
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.stopping.Load() {
				s.wg.Wait()
				return nil
			}
			logger.Warnw("accept failed", "err", err)
			continue
		}

		s.sem <- struct{}{}
		s.wg.Add(1)
		// The trace id ties together every log line a connection emits.
		id, err := shortid.Generate()
		if err != nil {
			id = "conn"
		}
		go func(c net.Conn, id string) {
			defer func() {
				<-s.sem
				s.wg.Done()
			}()
			timeouts := Timeouts{Comm: s.cfg.CommTimeout, Work: s.cfg.WorkTimeout}
			conn := newConnection(c, s.handler, timeouts, id)
			conn.serve()
		}(conn, id)
	}
}

// Stop is idempotent: closing the listener unblocks acceptLoop's
// Accept call, and in-flight connections are allowed to finish via
// s.wg (no forced connection reset).
func (s *Server) Stop() {
	if s.stopping.CAS(false, true) {
		if s.listener != nil {
			_ = s.listener.Close()
		}
	}
}

// Indexes exposes the handler's genome-index cache for introspection
// (metrics, admin tooling); the server owns no other cache directly.
func (s *Server) Indexes() *cache.Set[*genomeindex.GenomeIndex] { return s.handler.Indexes }

// Methylomes exposes the handler's methylome cache for introspection.
func (s *Server) Methylomes() *cache.Set[*methylome.Methylome] { return s.handler.Methyl }

func writePIDFile(path string) error {
	return os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644)
}

func removePIDFile(path string) {
	_ = os.Remove(path)
}
