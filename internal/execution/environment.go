// Package execution hosts the session engine: it owns worker subprocesses,
// drives the control and user channels of the wire protocol, and normalizes
// raw worker messages into execution results.
package execution

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vivym/scimate-agent/internal/plugins"
	"github.com/vivym/scimate-agent/internal/protocol"
)

var (
	// ErrSessionStartFailed wraps any failure to bring a session worker up.
	ErrSessionStartFailed = errors.New("execution: session start failed")

	// ErrSessionNotFound is returned for operations on unknown sessions.
	ErrSessionNotFound = errors.New("execution: session not found")

	// ErrSessionNotReady is returned when a session is not in a state that
	// can accept the operation.
	ErrSessionNotReady = errors.New("execution: session not ready")

	// ErrControlFailed is returned when the worker reports a failed control
	// command.
	ErrControlFailed = errors.New("execution: control command failed")
)

// SessionStatus is the lifecycle state of an execution session.
type SessionStatus string

const (
	StatusPending SessionStatus = "pending"
	StatusReady   SessionStatus = "ready"
	StatusRunning SessionStatus = "running"
	StatusStopped SessionStatus = "stopped"
	StatusError   SessionStatus = "error"
)

// Session is one live worker plus the state the engine tracks for it.
type Session struct {
	ID     string
	EnvID  string
	EnvDir string
	CWD    string
	Status SessionStatus

	client    *client
	execCount int

	// ready closes when the start attempt settles; startErr holds the
	// failure, if any, for concurrent starters waiting on ready.
	ready    chan struct{}
	startErr error

	// vars holds session variables pending sync to the worker.
	vars      map[string]string
	varsDirty bool

	// loaded maps plugin name to the hashsum last registered with the
	// worker, so unchanged plugins skip re-injection.
	loaded map[string]string
}

// Config tunes the environment.
type Config struct {
	// WorkerBinary is the executable spawned per session. Empty means
	// re-exec the current binary with the worker subcommand.
	WorkerBinary string
	WorkerArgs   []string

	// ReplyTimeout bounds each worker round trip.
	ReplyTimeout time.Duration
}

// Environment owns the sessions of one (env id, env dir) pair.
type Environment struct {
	ID  string
	Dir string

	cfg    Config
	logger *zap.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewEnvironment creates an environment rooted at dir.
func NewEnvironment(id, dir string, cfg Config, logger *zap.Logger) *Environment {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Environment{
		ID:       id,
		Dir:      dir,
		cfg:      cfg,
		logger:   logger.With(zap.String("env_id", id)),
		sessions: make(map[string]*Session),
	}
}

// StartSession spawns a worker for the session and initializes it. The
// session working directory is created under the environment directory.
// Starting an existing session is a no-op that returns the session once it
// is ready; concurrent starters of the same id share one worker.
func (e *Environment) StartSession(ctx context.Context, sessionID string) (*Session, error) {
	sess, existing := e.reserveSession(sessionID)
	if existing {
		return e.awaitSession(ctx, sess)
	}

	if err := os.MkdirAll(sess.CWD, 0o755); err != nil {
		return nil, e.abortStart(sess, err)
	}

	trans, err := startWorkerProcess(ctx, e.cfg.WorkerBinary, e.cfg.WorkerArgs, sess.CWD)
	if err != nil {
		return nil, e.abortStart(sess, err)
	}
	sess.client = newClient(trans, e.cfg.ReplyTimeout, e.logger.With(zap.String("session_id", sessionID)))

	if _, err := e.control(ctx, sess, protocol.DirSessionInit+" "+sessionID+" "+sess.CWD); err != nil {
		_ = sess.client.close()
		return nil, e.abortStart(sess, err)
	}

	sess.Status = StatusReady
	close(sess.ready)
	e.logger.Info("session started", zap.String("session_id", sessionID), zap.String("cwd", sess.CWD))
	return sess, nil
}

// reserveSession inserts a pending session under the lock so only one
// caller spawns the worker. The second return reports whether the id was
// already present.
func (e *Environment) reserveSession(sessionID string) (*Session, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if sess, ok := e.sessions[sessionID]; ok {
		return sess, true
	}
	sess := &Session{
		ID:     sessionID,
		EnvID:  e.ID,
		EnvDir: e.Dir,
		CWD:    filepath.Join(e.Dir, "sessions", sessionID, "cwd"),
		Status: StatusPending,
		vars:   make(map[string]string),
		loaded: make(map[string]string),
		ready:  make(chan struct{}),
	}
	e.sessions[sessionID] = sess
	return sess, false
}

// awaitSession blocks until the owning starter settles the session.
func (e *Environment) awaitSession(ctx context.Context, sess *Session) (*Session, error) {
	select {
	case <-sess.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if sess.startErr != nil {
		return nil, sess.startErr
	}
	return sess, nil
}

// abortStart releases a failed reservation so a later start can retry.
func (e *Environment) abortStart(sess *Session, err error) error {
	sess.startErr = fmt.Errorf("%w: %v", ErrSessionStartFailed, err)
	sess.Status = StatusError
	e.mu.Lock()
	delete(e.sessions, sess.ID)
	e.mu.Unlock()
	close(sess.ready)
	return sess.startErr
}

// attachSession registers an externally transported session, used by tests
// to run against an in-process worker loop.
func (e *Environment) attachSession(ctx context.Context, sessionID string, trans transport) (*Session, error) {
	sess, existing := e.reserveSession(sessionID)
	if existing {
		return e.awaitSession(ctx, sess)
	}
	if err := os.MkdirAll(sess.CWD, 0o755); err != nil {
		return nil, e.abortStart(sess, err)
	}
	sess.client = newClient(trans, e.cfg.ReplyTimeout, e.logger)
	if _, err := e.control(ctx, sess, protocol.DirSessionInit+" "+sessionID+" "+sess.CWD); err != nil {
		_ = sess.client.close()
		return nil, e.abortStart(sess, err)
	}
	sess.Status = StatusReady
	close(sess.ready)
	return sess, nil
}

// Session returns the named session.
func (e *Environment) Session(sessionID string) (*Session, error) {
	e.mu.Lock()
	sess, ok := e.sessions[sessionID]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return sess, nil
}

// UpdateSessionVars stages variables for sync before the next execution.
func (e *Environment) UpdateSessionVars(sessionID string, vars map[string]string) error {
	sess, err := e.Session(sessionID)
	if err != nil {
		return err
	}
	for k, v := range vars {
		sess.vars[k] = v
	}
	sess.varsDirty = true
	return nil
}

// LoadPlugin registers and configures a plugin in the session worker.
// Plugins whose hashsum matches the last registration are skipped.
func (e *Environment) LoadPlugin(ctx context.Context, sessionID string, entry *plugins.Entry) error {
	sess, err := e.Session(sessionID)
	if err != nil {
		return err
	}
	if sess.loaded[entry.Name] == entry.Hashsum() {
		return nil
	}

	pkg, err := entry.Package()
	if err != nil {
		return err
	}
	payload := base64.StdEncoding.EncodeToString(pkg)

	code := fmt.Sprintf("%s %s %s\n%s", protocol.DirRegisterPlugin, entry.Name, entry.Hashsum(), payload)
	if _, err := e.control(ctx, sess, code); err != nil {
		return err
	}

	if len(entry.Spec.Configs) > 0 {
		cfg, err := json.Marshal(entry.Spec.Configs)
		if err != nil {
			return err
		}
		code = fmt.Sprintf("%s %s\n%s", protocol.DirConfigurePlugin, entry.Name, cfg)
		if _, err := e.control(ctx, sess, code); err != nil {
			return err
		}
	}

	sess.loaded[entry.Name] = entry.Hashsum()
	e.logger.Debug("plugin loaded",
		zap.String("session_id", sessionID),
		zap.String("plugin", entry.Name),
		zap.String("hashsum", entry.Hashsum()))
	return nil
}

// TestPlugin runs the plugin's self test in the session worker.
func (e *Environment) TestPlugin(ctx context.Context, sessionID, name string) (string, error) {
	sess, err := e.Session(sessionID)
	if err != nil {
		return "", err
	}
	resp, err := e.control(ctx, sess, protocol.DirTestPlugin+" "+name)
	if err != nil {
		return "", err
	}
	return resp.Message, nil
}

// UnloadPlugin removes the plugin from the session worker's registry.
func (e *Environment) UnloadPlugin(ctx context.Context, sessionID, name string) error {
	sess, err := e.Session(sessionID)
	if err != nil {
		return err
	}
	if _, err := e.control(ctx, sess, protocol.DirUnloadPlugin+" "+name); err != nil {
		return err
	}
	delete(sess.loaded, name)
	return nil
}

// ConvertPath maps engine-side paths into worker-side paths.
func (e *Environment) ConvertPath(ctx context.Context, sessionID string, paths []string) ([]string, error) {
	sess, err := e.Session(sessionID)
	if err != nil {
		return nil, err
	}
	resp, err := e.control(ctx, sess, protocol.DirConvertPath+"\n"+strings.Join(paths, "\n"))
	if err != nil {
		return nil, err
	}
	var data struct {
		Paths []string `json:"paths"`
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		return nil, fmt.Errorf("execution: convert_path response: %w", err)
	}
	return data.Paths, nil
}

// ExecuteCode runs one code cell in the session: pre-check, pending var
// sync, the user-channel execution, then post-check. A failed execution
// still yields a result; only transport-level failures return an error.
func (e *Environment) ExecuteCode(ctx context.Context, sessionID, execID, code string) (*ExecutionResult, error) {
	sess, err := e.Session(sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status != StatusReady {
		return nil, fmt.Errorf("%w: session %s is %s", ErrSessionNotReady, sessionID, sess.Status)
	}

	sess.Status = StatusRunning
	defer func() { sess.Status = StatusReady }()

	execIndex := sess.execCount
	sess.execCount++

	if _, err := e.control(ctx, sess, protocol.DirExecPreCheck+" "+execID+" "+strconv.Itoa(execIndex)); err != nil {
		return nil, err
	}

	if sess.varsDirty {
		vars, err := json.Marshal(sess.vars)
		if err != nil {
			return nil, err
		}
		if _, err := e.control(ctx, sess, protocol.DirUpdateSessionVars+"\n"+string(vars)); err != nil {
			return nil, err
		}
		sess.varsDirty = false
	}

	replies, err := sess.client.roundTrip(ctx, protocol.Request{
		Channel: protocol.ChannelUser,
		Code:    code,
	})
	if err != nil {
		return nil, err
	}

	builder := newResultBuilder(sessionID, execID, code, e.logger)
	for _, msg := range replies {
		builder.consume(msg)
	}
	result := builder.build()

	post, err := e.control(ctx, sess, protocol.DirExecPostCheck)
	if err != nil {
		e.logger.Warn("post-check failed", zap.String("session_id", sessionID), zap.Error(err))
	} else {
		result.mergePostCheck(post.Data)
	}

	e.logger.Info("code executed",
		zap.String("session_id", sessionID),
		zap.String("exec_id", execID),
		zap.Bool("success", result.IsSuccess))
	return &result, nil
}

// StopSession tears the session down: the request stream closes first so
// the worker can exit cleanly, then the process is reaped. Stopping an
// unknown or already-stopped session is a no-op.
func (e *Environment) StopSession(ctx context.Context, sessionID string) error {
	e.mu.Lock()
	sess, ok := e.sessions[sessionID]
	if ok {
		delete(e.sessions, sessionID)
	}
	e.mu.Unlock()
	if !ok || sess.Status == StatusStopped {
		return nil
	}

	var err error
	if sess.client != nil {
		err = sess.client.close()
	}
	sess.Status = StatusStopped
	e.logger.Info("session stopped", zap.String("session_id", sessionID))
	return err
}

// StopAll stops every session in the environment.
func (e *Environment) StopAll(ctx context.Context) error {
	e.mu.Lock()
	ids := make([]string, 0, len(e.sessions))
	for id := range e.sessions {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	var firstErr error
	for _, id := range ids {
		if err := e.StopSession(ctx, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// control sends a control-channel directive and decodes the response
// record. A response with is_success false becomes an ErrControlFailed.
func (e *Environment) control(ctx context.Context, sess *Session, code string) (*protocol.ControlResponse, error) {
	replies, err := sess.client.roundTrip(ctx, protocol.Request{
		Channel: protocol.ChannelControl,
		Code:    code,
	})
	if err != nil {
		return nil, err
	}

	for _, msg := range replies {
		if msg.Kind != protocol.KindExecuteResult {
			continue
		}
		raw, ok := msg.Data["application/json"]
		if !ok {
			continue
		}
		var resp protocol.ControlResponse
		if err := json.Unmarshal([]byte(raw), &resp); err != nil {
			return nil, fmt.Errorf("execution: control response: %w", err)
		}
		if !resp.IsSuccess {
			return &resp, fmt.Errorf("%w: %s", ErrControlFailed, resp.Message)
		}
		return &resp, nil
	}
	return nil, fmt.Errorf("%w: no response record", ErrControlFailed)
}
