package app

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/vivym/scimate-agent/internal/event"
	"github.com/vivym/scimate-agent/internal/execution"
	"github.com/vivym/scimate-agent/internal/plugins"
)

// sessionEngine is the slice of the execution environment the runner drives.
type sessionEngine interface {
	StartSession(ctx context.Context, sessionID string) (*execution.Session, error)
	UpdateSessionVars(sessionID string, vars map[string]string) error
	LoadPlugin(ctx context.Context, sessionID string, entry *plugins.Entry) error
	ExecuteCode(ctx context.Context, sessionID, execID, code string) (*execution.ExecutionResult, error)
	StopSession(ctx context.Context, sessionID string) error
}

// sessionRunner adapts an execution environment to the agent's runner seam.
// The worker session is started lazily on the first execution, so turns that
// never reach the executor do not spawn a subprocess. Configured session
// variables are seeded and enabled plugins loaded right after the session
// starts.
type sessionRunner struct {
	env     sessionEngine
	catalog interface{ Enabled() []*plugins.Entry }
	vars    map[string]string
	events  *event.Emitter
	logger  *zap.Logger

	mu      sync.Mutex
	started bool
}

func newSessionRunner(env sessionEngine, catalog interface{ Enabled() []*plugins.Entry }, vars map[string]string, events *event.Emitter, logger *zap.Logger) *sessionRunner {
	return &sessionRunner{env: env, catalog: catalog, vars: vars, events: events, logger: logger}
}

func (r *sessionRunner) ensureSession(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return nil
	}

	sess, err := r.env.StartSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("app: start execution session: %w", err)
	}
	r.started = true

	if err := r.events.Emit("code_executor_start", map[string]string{
		"env_id":     sess.EnvID,
		"env_dir":    sess.EnvDir,
		"session_id": sess.ID,
	}); err != nil {
		r.logger.Warn("failed to emit executor start", zap.Error(err))
	}

	if len(r.vars) > 0 {
		if err := r.env.UpdateSessionVars(sessionID, r.vars); err != nil {
			r.logger.Warn("failed to seed session vars", zap.Error(err))
		}
	}

	for _, entry := range r.catalog.Enabled() {
		if err := r.env.LoadPlugin(ctx, sessionID, entry); err != nil {
			// A broken plugin should not take the whole session down.
			r.logger.Warn("failed to load plugin",
				zap.String("plugin", entry.Name),
				zap.Error(err))
		}
	}
	return nil
}

func (r *sessionRunner) ExecuteCode(ctx context.Context, sessionID, execID, code string) (*execution.ExecutionResult, error) {
	if err := r.ensureSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return r.env.ExecuteCode(ctx, sessionID, execID, code)
}

// stop tears down the worker session if one was started.
func (r *sessionRunner) stop(ctx context.Context, sessionID string) {
	r.mu.Lock()
	started := r.started
	r.started = false
	r.mu.Unlock()
	if !started {
		return
	}
	if err := r.env.StopSession(ctx, sessionID); err != nil {
		r.logger.Warn("failed to stop execution session",
			zap.String("session_id", sessionID),
			zap.Error(err))
	}
}
