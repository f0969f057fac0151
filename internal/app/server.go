// Package app serves the agent over WebSocket. Each connection gets its own
// agent, event scope, and lazily started execution session; pipeline events
// stream to the client as they happen.
package app

import (
	"context"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vivym/scimate-agent/internal/agent"
	"github.com/vivym/scimate-agent/internal/config"
	"github.com/vivym/scimate-agent/internal/event"
	"github.com/vivym/scimate-agent/internal/execution"
	"github.com/vivym/scimate-agent/internal/llm"
	"github.com/vivym/scimate-agent/internal/plugins"
)

// Server is the WebSocket front end.
type Server struct {
	cfg      *config.Config
	logger   *zap.Logger
	client   llm.Client
	manager  *execution.Manager
	catalog  *plugins.Catalog
	saver    agent.CheckpointSaver
	registry *event.Registry
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[string]*conn
}

// NewServer wires the front end. saver may be nil to disable persistence.
func NewServer(
	cfg *config.Config,
	logger *zap.Logger,
	client llm.Client,
	manager *execution.Manager,
	catalog *plugins.Catalog,
	saver agent.CheckpointSaver,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:      cfg,
		logger:   logger.Named("app"),
		client:   client,
		manager:  manager,
		catalog:  catalog,
		saver:    saver,
		registry: event.NewRegistry(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		conns: make(map[string]*conn),
	}
}

// Handler returns the HTTP routes: the WebSocket endpoint and a health probe.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.Server.Addr,
		Handler: s.Handler(),
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.closeConns()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func (s *Server) closeConns() {
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	sock, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	id := uuid.NewString()
	emitter := s.registry.Get(id)
	env := s.manager.Environment(id, filepath.Join(s.cfg.Execution.EnvDir, id))
	runner := newSessionRunner(env, s.catalog, s.cfg.Execution.SessionVars, emitter, s.logger)

	ag, err := agent.New(agent.Options{
		SessionID:      id,
		Planner:        llm.NewPlanner(s.client),
		Writer:         llm.NewCodeWriter(s.client),
		Runner:         runner,
		Plugins:        s.catalog,
		Policy:         s.cfg.Policy,
		Events:         emitter,
		Saver:          s.saver,
		Logger:         s.logger,
		MaxCorrections: s.cfg.Agent.MaxCorrections,
		MaxPlannerHops: s.cfg.Agent.MaxPlannerHops,
	})
	if err != nil {
		s.logger.Error("agent construction failed", zap.Error(err))
		sock.Close()
		return
	}

	c := newConn(id, sock, ag, runner, emitter, s.logger)
	s.mu.Lock()
	s.conns[id] = c
	s.mu.Unlock()

	s.logger.Info("client connected", zap.String("session_id", id))
	c.serve(r.Context())

	s.mu.Lock()
	delete(s.conns, id)
	s.mu.Unlock()
	s.registry.Remove(id)
	s.logger.Info("client disconnected", zap.String("session_id", id))
}
