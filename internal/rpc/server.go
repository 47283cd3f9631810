// Package rpc implements the streaming front door (spec §4.I): one
// PipelineService.Stream bidirectional RPC per client session, fed by
// internal/router sessions. It is grounded on internal/relay/
// grpc_server.go's listener shape (internal Unix socket always up,
// optional external TCP listener, unary/stream interceptor pair,
// graceful-stop-with-timeout), generalized from a fixed
// daemon-coordination service to a generic bidi-stream front door
// registered via the runtime's own node registry, node cache, and
// remote-node spawner instead of a daemon registry.
package rpc

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"google.golang.org/grpc"

	"github.com/mediarunner/pipelined/internal/node"
	"github.com/mediarunner/pipelined/internal/nodecache"
	"github.com/mediarunner/pipelined/internal/observability"
	"github.com/mediarunner/pipelined/internal/router"
	pipelinev1 "github.com/mediarunner/pipelined/pkg/pipeline/v1"
)

// Config bundles the server's tunables (spec §4.I, config.ServerConfig
// + config.RouterConfig).
type Config struct {
	InternalSocketPath   string
	ExternalListenAddr   string
	MaxConcurrentSessions int
	SessionTimeout        time.Duration
	SessionSweepInterval  time.Duration

	Router router.Config

	// MetricsIntervalChunks controls how often a Metrics frame is
	// emitted during an active stream (spec §4.I).
	MetricsIntervalChunks int

	// DefaultChunkSize is echoed back in Ready.recommended_chunk_size
	// when a client's InitRequest doesn't suggest one.
	DefaultChunkSize int
	// MaxBufferLatencyHint is reported in Ready.max_buffer_latency_ms:
	// the latency a client should expect a full inbound queue to add
	// (spec §4.I), derived from the router's own backpressure depth.
	MaxBufferLatencyHint time.Duration
}

func (c *Config) applyDefaults() {
	if c.InternalSocketPath == "" {
		c.InternalSocketPath = "/tmp/pipelined/grpc.sock"
	}
	if c.MaxConcurrentSessions <= 0 {
		c.MaxConcurrentSessions = 64
	}
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = 300 * time.Second
	}
	if c.SessionSweepInterval <= 0 {
		c.SessionSweepInterval = 5 * time.Second
	}
	if c.MetricsIntervalChunks <= 0 {
		c.MetricsIntervalChunks = 10
	}
	if c.DefaultChunkSize <= 0 {
		c.DefaultChunkSize = 4096
	}
	if c.MaxBufferLatencyHint <= 0 {
		c.MaxBufferLatencyHint = 2 * time.Second
	}
}

// Dependencies are the process-wide collaborators every session built
// by this server shares.
type Dependencies struct {
	Registry *node.CompositeRegistry
	Cache    *nodecache.Cache
	Spawner  router.RemoteSpawner // nil disables out-of-process nodes
	Metrics  *observability.Metrics
	Logger   *slog.Logger
}

// Server implements pipelinev1.PipelineServiceServer: one Stream call
// per client, a capacity-bounded session registry, and the listener
// plumbing shared with the rest of the admin surface.
type Server struct {
	pipelinev1.UnimplementedPipelineServiceServer

	cfg  Config
	deps Dependencies

	logger *slog.Logger
	server *grpc.Server

	sessions *sessionRegistry
	sem      chan struct{}

	internalListener net.Listener
	externalListener net.Listener
	internalAddr     string

	mu      sync.Mutex
	started bool
}

// NewServer builds a Server; call Start to bind listeners and begin
// serving.
func NewServer(cfg Config, deps Dependencies) *Server {
	cfg.applyDefaults()
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Server{
		cfg:          cfg,
		deps:         deps,
		logger:       deps.Logger,
		sessions:     newSessionRegistry(cfg.SessionTimeout, cfg.SessionSweepInterval, deps.Logger),
		sem:          make(chan struct{}, cfg.MaxConcurrentSessions),
		internalAddr: "unix://" + cfg.InternalSocketPath,
	}
}

// Start binds the internal Unix socket (always) and the optional
// external TCP listener, then begins serving in background goroutines
// (spec §4.I "listener shape", mirroring relay.GRPCServer.Start).
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("rpc: server already started")
	}

	if err := os.MkdirAll(filepath.Dir(s.cfg.InternalSocketPath), 0750); err != nil {
		return fmt.Errorf("rpc: creating socket directory: %w", err)
	}
	if err := os.Remove(s.cfg.InternalSocketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("rpc: removing stale socket: %w", err)
	}

	internalListener, err := net.Listen("unix", s.cfg.InternalSocketPath)
	if err != nil {
		return fmt.Errorf("rpc: creating internal unix socket listener: %w", err)
	}
	s.internalListener = internalListener

	if s.cfg.ExternalListenAddr != "" {
		externalListener, err := net.Listen("tcp", s.cfg.ExternalListenAddr)
		if err != nil {
			_ = s.internalListener.Close()
			return fmt.Errorf("rpc: creating external tcp listener: %w", err)
		}
		s.externalListener = externalListener
	}

	s.server = grpc.NewServer(
		grpc.ChainUnaryInterceptor(requestIDUnaryInterceptor, recoveryUnaryInterceptor(s.logger)),
		grpc.ChainStreamInterceptor(requestIDStreamInterceptor, recoveryStreamInterceptor(s.logger)),
	)
	pipelinev1.RegisterPipelineServiceServer(s.server, s)

	s.started = true

	externalAddr := ""
	if s.externalListener != nil {
		externalAddr = s.cfg.ExternalListenAddr
	}
	s.logger.Info("rpc server started",
		slog.String("internal_socket", s.cfg.InternalSocketPath),
		slog.String("external_addr", externalAddr),
	)

	go func() {
		if err := s.server.Serve(s.internalListener); err != nil {
			s.logger.Error("rpc internal listener stopped", slog.String("error", err.Error()))
		}
	}()
	if s.externalListener != nil {
		go func() {
			if err := s.server.Serve(s.externalListener); err != nil {
				s.logger.Error("rpc external listener stopped", slog.String("error", err.Error()))
			}
		}()
	}

	s.sessions.Start(ctx)
	return nil
}

// Stop gracefully drains in-flight streams, falling back to a hard
// stop once ctx expires (spec §4.I shutdown, mirroring relay.GRPCServer.Stop).
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil
	}

	s.sessions.Stop()

	if s.server != nil {
		done := make(chan struct{})
		go func() {
			s.server.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
			s.logger.Info("rpc server stopped gracefully")
		case <-ctx.Done():
			s.server.Stop()
			s.logger.Warn("rpc server force stopped")
		}
	}

	_ = os.Remove(s.cfg.InternalSocketPath)
	s.started = false
	return nil
}

// InternalAddress returns the gRPC dial address for the internal Unix
// socket, e.g. "unix:///tmp/pipelined/grpc.sock".
func (s *Server) InternalAddress() string { return s.internalAddr }

// ActiveSessions reports the number of currently open streaming
// sessions, for the admin HTTP surface's health endpoint.
func (s *Server) ActiveSessions() int { return s.sessions.count() }

// acquireSlot reserves one of MaxConcurrentSessions session slots,
// returning a release func. It reports SessionLimitExceeded (spec §4.I
// "session limits") when the process is already at capacity.
func (s *Server) acquireSlot() (release func(), ok bool) {
	select {
	case s.sem <- struct{}{}:
		return func() { <-s.sem }, true
	default:
		return nil, false
	}
}
