// Package worker implements the execution kernel that runs as a child
// process of the session engine. It keeps a persistent yaegi interpreter
// alive across executions so variables survive between code cells, and it
// speaks the JSON-lines protocol on stdio.
package worker

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"sync"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
	"go.uber.org/zap"

	"github.com/vivym/scimate-agent/internal/protocol"
)

// Emit delivers a protocol message back to the engine. The serve loop sets
// the parent id before handing the emitter to the runtime.
type Emit func(msg protocol.Message)

// displayRecord is one display payload produced during an execution.
type displayRecord struct {
	ID   string
	Data map[string]string
}

// artifactRecord is a file the executed code wants surfaced to the caller.
type artifactRecord struct {
	Path string `json:"path"`
	Type string `json:"type,omitempty"`
}

// logRecord is one structured log entry written by plugin code.
type logRecord struct {
	Level   string `json:"level"`
	Tag     string `json:"tag"`
	Message string `json:"message"`
}

// execState is the per-execution scratch reset by the pre-check directive.
type execState struct {
	ExecID    string
	ExecIndex int
	Displays  []displayRecord
	Artifacts []artifactRecord
	Logs      []logRecord
}

// Runtime is the interpreter plus the session state that outlives single
// executions: session vars, registered plugins, and the working directory.
type Runtime struct {
	mu sync.Mutex

	interp *interp.Interpreter
	logger *zap.Logger

	sessionID  string
	cwd        string
	sessionVar map[string]string
	plugins    map[string]*loadedPlugin

	exec execState
	emit Emit

	stdout *streamWriter
	stderr *streamWriter
}

// loadedPlugin is a plugin evaluated into the interpreter. The hashsum lets
// the engine skip re-registration when the payload is unchanged.
type loadedPlugin struct {
	Name    string
	Hashsum string
	Config  map[string]string
}

// NewRuntime builds the interpreter with stdlib symbols plus the host-side
// scimate packages injected.
func NewRuntime(logger *zap.Logger) (*Runtime, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Runtime{
		logger:     logger,
		sessionVar: make(map[string]string),
		plugins:    make(map[string]*loadedPlugin),
	}
	r.stdout = &streamWriter{runtime: r, name: protocol.StreamStdout}
	r.stderr = &streamWriter{runtime: r, name: protocol.StreamStderr}

	i := interp.New(interp.Options{
		Stdout: r.stdout,
		Stderr: r.stderr,
	})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("worker: load stdlib symbols: %w", err)
	}
	if err := i.Use(r.hostSymbols()); err != nil {
		return nil, fmt.Errorf("worker: load host symbols: %w", err)
	}
	r.interp = i

	return r, nil
}

// hostSymbols exposes the scimate/plugin and scimate/display packages to
// interpreted code.
func (r *Runtime) hostSymbols() interp.Exports {
	return interp.Exports{
		"scimate/plugin/plugin": {
			"SessionVar": reflect.ValueOf(r.hostSessionVar),
			"Log":        reflect.ValueOf(r.hostLog),
			"AddArtifact": reflect.ValueOf(func(path, typ string) {
				r.mu.Lock()
				r.exec.Artifacts = append(r.exec.Artifacts, artifactRecord{Path: path, Type: typ})
				r.mu.Unlock()
			}),
		},
		"scimate/display/display": {
			"Show":  reflect.ValueOf(r.hostShow),
			"Text":  reflect.ValueOf(func(s string) { r.hostShow(protocol.MimeTextPlain, s) }),
			"HTML":  reflect.ValueOf(func(s string) { r.hostShow(protocol.MimeHTML, s) }),
			"SVG":   reflect.ValueOf(func(s string) { r.hostShow(protocol.MimeSVG, s) }),
			"Image": reflect.ValueOf(func(b64 string) { r.hostShow(protocol.MimePNG, b64) }),
			"Update": reflect.ValueOf(func(id, mime, data string) {
				r.emitDisplay(id, map[string]string{mime: data}, true)
			}),
		},
	}
}

func (r *Runtime) hostSessionVar(name string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessionVar[name]
}

func (r *Runtime) hostLog(level, tag, msg string) {
	if level == "" {
		level = "info"
	}
	if tag == "" {
		tag = "plugin"
	}
	r.mu.Lock()
	r.exec.Logs = append(r.exec.Logs, logRecord{Level: level, Tag: tag, Message: msg})
	r.mu.Unlock()
}

func (r *Runtime) hostShow(mime, data string) {
	r.mu.Lock()
	id := fmt.Sprintf("%s-display-%d", r.exec.ExecID, len(r.exec.Displays))
	rec := displayRecord{ID: id, Data: map[string]string{mime: data}}
	r.exec.Displays = append(r.exec.Displays, rec)
	r.mu.Unlock()

	r.emitDisplay(id, rec.Data, false)
}

func (r *Runtime) emitDisplay(id string, data map[string]string, update bool) {
	r.mu.Lock()
	emit := r.emit
	r.mu.Unlock()
	if emit == nil {
		return
	}

	kind := protocol.KindDisplayData
	if update {
		kind = protocol.KindUpdateDisplayData
	}
	payload := make(map[string]string, len(data)+1)
	for k, v := range data {
		payload[k] = v
	}
	payload["display_id"] = id
	emit(protocol.Message{Kind: kind, Data: payload})
}

// setEmit installs the message sink for the current request.
func (r *Runtime) setEmit(emit Emit) {
	r.mu.Lock()
	r.emit = emit
	r.mu.Unlock()
}

// streamWriter forwards interpreter output as stream messages. Writes that
// arrive outside a request (interpreter init) go to the process stderr.
type streamWriter struct {
	runtime *Runtime
	name    string
}

func (w *streamWriter) Write(p []byte) (int, error) {
	w.runtime.mu.Lock()
	emit := w.runtime.emit
	w.runtime.mu.Unlock()

	if emit == nil {
		return os.Stderr.Write(p)
	}
	emit(protocol.Message{
		Kind:       protocol.KindStream,
		StreamName: w.name,
		Text:       string(p),
	})
	return len(p), nil
}

// Execute evaluates user code in the persistent interpreter. The returned
// map is the execute_result data: the last expression value rendered as
// text/plain, or empty when the snippet yields no value.
func (r *Runtime) Execute(code string) (map[string]string, error) {
	v, err := r.interp.Eval(code)
	if err != nil {
		return nil, err
	}

	data := map[string]string{}
	if v.IsValid() && v.Kind() != reflect.Invalid {
		if text := renderValue(v); text != "" {
			data[protocol.MimeTextPlain] = text
		}
	}
	return data, nil
}

func renderValue(v reflect.Value) string {
	switch v.Kind() {
	case reflect.Func, reflect.Chan:
		return ""
	case reflect.Ptr, reflect.Interface:
		if v.IsNil() {
			return ""
		}
	}
	if !v.CanInterface() {
		return ""
	}
	return fmt.Sprintf("%v", v.Interface())
}

// InitSession records the session identity and moves the process into the
// session working directory.
func (r *Runtime) InitSession(sessionID, cwd string) error {
	if cwd != "" {
		if err := os.MkdirAll(cwd, 0o755); err != nil {
			return fmt.Errorf("worker: create session dir: %w", err)
		}
		if err := os.Chdir(cwd); err != nil {
			return fmt.Errorf("worker: enter session dir: %w", err)
		}
	}

	r.mu.Lock()
	r.sessionID = sessionID
	r.cwd = cwd
	r.mu.Unlock()

	r.logger.Debug("session initialized", zap.String("session_id", sessionID), zap.String("cwd", cwd))
	return nil
}

// UpdateSessionVars merges the given vars into the session variable table.
func (r *Runtime) UpdateSessionVars(vars map[string]string) {
	r.mu.Lock()
	for k, v := range vars {
		r.sessionVar[k] = v
	}
	r.mu.Unlock()
}

// PreCheck resets per-execution state and stamps the execution identity.
func (r *Runtime) PreCheck(execID string, execIndex int) map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.exec = execState{ExecID: execID, ExecIndex: execIndex}
	return map[string]any{
		"session_id": r.sessionID,
		"exec_id":    execID,
		"exec_index": execIndex,
		"cwd":        r.cwd,
	}
}

// PostCheck reports the artifacts and logs accumulated by the execution.
func (r *Runtime) PostCheck() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()

	artifacts := make([]artifactRecord, len(r.exec.Artifacts))
	copy(artifacts, r.exec.Artifacts)
	logs := make([]logRecord, len(r.exec.Logs))
	copy(logs, r.exec.Logs)
	return map[string]any{
		"artifact_paths": artifacts,
		"log":            logs,
	}
}

// ConvertPath maps engine-side paths into the worker filesystem. Both sides
// share a filesystem here, so conversion is an absolute-path normalization
// relative to the session cwd.
func (r *Runtime) ConvertPath(path string) string {
	if strings.HasPrefix(path, "/") {
		return path
	}
	r.mu.Lock()
	cwd := r.cwd
	r.mu.Unlock()
	if cwd == "" {
		return path
	}
	return cwd + "/" + path
}
