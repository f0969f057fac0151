package execution

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// envKey identifies one environment instance. Two callers naming the same
// id with different directories get distinct environments.
type envKey struct {
	ID  string
	Dir string
}

// Manager is the process-wide registry of execution environments. All
// lookups and creations go through one mutex so concurrent sessions cannot
// race an environment into existence twice.
type Manager struct {
	mu     sync.Mutex
	envs   map[envKey]*Environment
	cfg    Config
	logger *zap.Logger
}

// NewManager creates the registry.
func NewManager(cfg Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		envs:   make(map[envKey]*Environment),
		cfg:    cfg,
		logger: logger,
	}
}

// Environment returns the environment for (id, dir), creating it on first
// use.
func (m *Manager) Environment(id, dir string) *Environment {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := envKey{ID: id, Dir: dir}
	if env, ok := m.envs[key]; ok {
		return env
	}
	env := NewEnvironment(id, dir, m.cfg, m.logger)
	m.envs[key] = env
	return env
}

// StopAll tears down every session of every environment.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	envs := make([]*Environment, 0, len(m.envs))
	for _, env := range m.envs {
		envs = append(envs, env)
	}
	m.envs = make(map[envKey]*Environment)
	m.mu.Unlock()

	for _, env := range envs {
		if err := env.StopAll(ctx); err != nil {
			m.logger.Warn("environment shutdown", zap.String("env_id", env.ID), zap.Error(err))
		}
	}
}
