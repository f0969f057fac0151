package execution

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/vivym/scimate-agent/internal/plugins"
	"github.com/vivym/scimate-agent/internal/protocol"
	"github.com/vivym/scimate-agent/internal/worker"
)

// startTestEnv wires an environment session to an in-process worker loop
// over pipes, standing in for the spawned subprocess.
func startTestEnv(t *testing.T, cfg Config) (*Environment, *Session) {
	return startTestEnvWrap(t, cfg, nil)
}

// startTestEnvWrap additionally lets the test intercept the request stream.
func startTestEnvWrap(t *testing.T, cfg Config, wrap func(io.WriteCloser) io.WriteCloser) (*Environment, *Session) {
	t.Helper()

	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		err := worker.Serve(ctx, reqR, respW, nil)
		_ = respW.Close()
		done <- err
	}()

	var w io.WriteCloser = reqW
	if wrap != nil {
		w = wrap(reqW)
	}
	trans := &pipeTransport{
		w: w,
		r: respR,
		wait: func() error {
			select {
			case err := <-done:
				return err
			case <-time.After(5 * time.Second):
				cancel()
				return errors.New("worker loop did not exit")
			}
		},
	}

	env := NewEnvironment("env-test", t.TempDir(), cfg, nil)
	sess, err := env.attachSession(context.Background(), "sess-1", trans)
	if err != nil {
		t.Fatalf("attachSession: %v", err)
	}

	t.Cleanup(func() {
		_ = env.StopAll(context.Background())
		cancel()
		_ = respR.Close()
	})
	return env, sess
}

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestExecuteCodeEndToEnd(t *testing.T) {
	env, sess := startTestEnv(t, Config{})

	if sess.Status != StatusReady {
		t.Fatalf("status = %s, want ready", sess.Status)
	}

	result, err := env.ExecuteCode(context.Background(), "sess-1", "exec-1", "6 * 7")
	if err != nil {
		t.Fatalf("ExecuteCode: %v", err)
	}
	if !result.IsSuccess {
		t.Fatalf("execution failed: %s", result.Error)
	}
	if result.Output != "42" {
		t.Errorf("output = %q, want 42", result.Output)
	}
	if result.ExecutionID != "exec-1" || result.SessionID != "sess-1" {
		t.Errorf("identity = %q/%q", result.ExecutionID, result.SessionID)
	}
}

func TestExecuteCodeSyncsSessionVars(t *testing.T) {
	env, _ := startTestEnv(t, Config{})

	if err := env.UpdateSessionVars("sess-1", map[string]string{"dataset": "iris"}); err != nil {
		t.Fatal(err)
	}

	code := "import \"scimate/plugin\"\nplugin.SessionVar(\"dataset\")"
	result, err := env.ExecuteCode(context.Background(), "sess-1", "exec-1", code)
	if err != nil {
		t.Fatal(err)
	}
	if result.Output != "iris" {
		t.Errorf("output = %q, want iris", result.Output)
	}
}

func TestExecuteCodeEvalFailure(t *testing.T) {
	env, _ := startTestEnv(t, Config{})

	result, err := env.ExecuteCode(context.Background(), "sess-1", "exec-1", "undefinedCall()")
	if err != nil {
		t.Fatalf("transport error: %v", err)
	}
	if result.IsSuccess {
		t.Fatal("expected failed execution")
	}
	if result.Error == "" {
		t.Error("error text missing")
	}

	// The session must accept further executions after a failed cell.
	result, err = env.ExecuteCode(context.Background(), "sess-1", "exec-2", "1 + 1")
	if err != nil {
		t.Fatal(err)
	}
	if !result.IsSuccess || result.Output != "2" {
		t.Errorf("recovery execution = %+v", result)
	}
}

func TestExecuteCodeCollectsDisplays(t *testing.T) {
	env, _ := startTestEnv(t, Config{})

	code := "import \"scimate/display\"\ndisplay.SVG(\"<svg/>\")\ndisplay.Image(\"cGlD\")"
	result, err := env.ExecuteCode(context.Background(), "sess-1", "exec-9", code)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Artifacts) != 2 {
		t.Fatalf("artifacts = %+v", result.Artifacts)
	}
	if result.Artifacts[0].Type != ArtifactSVG || result.Artifacts[0].Name != "exec-9-display-0" {
		t.Errorf("first artifact = %+v", result.Artifacts[0])
	}
	if result.Artifacts[1].Type != ArtifactImage {
		t.Errorf("second artifact = %+v", result.Artifacts[1])
	}
}

func TestExecuteCodeCollectsStructuredLogs(t *testing.T) {
	env, _ := startTestEnv(t, Config{})

	code := "import \"scimate/plugin\"\nplugin.Log(\"info\", \"demo\", \"hello from plugin\")"
	result, err := env.ExecuteCode(context.Background(), "sess-1", "exec-1", code)
	if err != nil {
		t.Fatal(err)
	}

	if len(result.Log) != 1 {
		t.Fatalf("log = %+v", result.Log)
	}
	entry := result.Log[0]
	if entry.Level != "info" || entry.Tag != "demo" || entry.Message != "hello from plugin" {
		t.Errorf("entry = %+v", entry)
	}
	if !strings.Contains(result.Preview(), "[(info) demo] hello from plugin") {
		t.Errorf("preview missing log line:\n%s", result.Preview())
	}
}

func TestConvertPath(t *testing.T) {
	env, sess := startTestEnv(t, Config{})

	paths, err := env.ConvertPath(context.Background(), "sess-1", []string{"report.csv"})
	if err != nil {
		t.Fatal(err)
	}
	if len(paths) != 1 || !strings.HasPrefix(paths[0], sess.CWD) {
		t.Errorf("paths = %v, cwd = %s", paths, sess.CWD)
	}
}

func TestExecuteCodeNotReady(t *testing.T) {
	env, sess := startTestEnv(t, Config{})
	sess.Status = StatusRunning

	if _, err := env.ExecuteCode(context.Background(), "sess-1", "exec-1", "1"); !errors.Is(err, ErrSessionNotReady) {
		t.Errorf("err = %v, want ErrSessionNotReady", err)
	}
	sess.Status = StatusReady
}

func TestRoundTripTimeout(t *testing.T) {
	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()
	defer reqR.Close()
	defer respW.Close()

	trans := &pipeTransport{w: reqW, r: respR}
	c := newClient(trans, 50*time.Millisecond, nil)
	defer func() {
		_ = c.close()
		_ = respW.CloseWithError(io.EOF)
	}()

	// Drain the request so the write does not block, then stay silent.
	go func() {
		dec := protocol.NewDecoder(reqR)
		var req protocol.Request
		_ = dec.Decode(&req)
	}()

	_, err := c.roundTrip(context.Background(), protocol.Request{Channel: protocol.ChannelUser, Code: "1"})
	if !errors.Is(err, ErrProtocolTimeout) {
		t.Fatalf("err = %v, want ErrProtocolTimeout", err)
	}
}

// directiveCounter counts request writes carrying the needle directive.
type directiveCounter struct {
	io.WriteCloser
	needle []byte

	mu sync.Mutex
	n  int
}

func (c *directiveCounter) Write(p []byte) (int, error) {
	c.mu.Lock()
	if bytes.Contains(p, c.needle) {
		c.n++
	}
	c.mu.Unlock()
	return c.WriteCloser.Write(p)
}

func (c *directiveCounter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

func writeTestPlugin(t *testing.T) *plugins.Entry {
	t.Helper()
	dir := t.TempDir()
	spec := "name: echo_tool\nenabled: true\ndescription: echoes\n"
	if err := os.WriteFile(filepath.Join(dir, "spec.yaml"), []byte(spec), 0o644); err != nil {
		t.Fatal(err)
	}
	src := "package plugin\n\nfunc NewPlugin() any { return nil }\n"
	if err := os.WriteFile(filepath.Join(dir, "plugin.go"), []byte(src), 0o644); err != nil {
		t.Fatal(err)
	}
	entry, err := plugins.LoadFromDir(dir)
	if err != nil {
		t.Fatalf("LoadFromDir: %v", err)
	}
	return entry
}

func TestLoadPluginUnchangedHashsumRegistersOnce(t *testing.T) {
	counter := &directiveCounter{needle: []byte(protocol.DirRegisterPlugin)}
	env, _ := startTestEnvWrap(t, Config{}, func(w io.WriteCloser) io.WriteCloser {
		counter.WriteCloser = w
		return counter
	})

	entry := writeTestPlugin(t)
	ctx := context.Background()
	if err := env.LoadPlugin(ctx, "sess-1", entry); err != nil {
		t.Fatalf("first load: %v", err)
	}
	if err := env.LoadPlugin(ctx, "sess-1", entry); err != nil {
		t.Fatalf("second load: %v", err)
	}

	if got := counter.count(); got != 1 {
		t.Errorf("register directives sent = %d, want 1", got)
	}
}

func TestUnloadUnknownPluginIsWarning(t *testing.T) {
	env, _ := startTestEnv(t, Config{})

	if err := env.UnloadPlugin(context.Background(), "sess-1", "ghost"); err != nil {
		t.Errorf("unload of unknown plugin: %v", err)
	}
}

func TestStartSessionExistingIsNoOp(t *testing.T) {
	env, sess := startTestEnv(t, Config{})

	again, err := env.StartSession(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("StartSession on live session: %v", err)
	}
	if again != sess {
		t.Error("restart must return the existing session")
	}
	if again.Status != StatusReady {
		t.Errorf("status = %s, want ready", again.Status)
	}
}

func TestStopSessionIsIdempotent(t *testing.T) {
	env, _ := startTestEnv(t, Config{})

	if err := env.StopSession(context.Background(), "sess-1"); err != nil {
		t.Fatalf("first stop: %v", err)
	}
	if err := env.StopSession(context.Background(), "sess-1"); err != nil {
		t.Errorf("second stop: %v", err)
	}
	if err := env.StopSession(context.Background(), "never-started"); err != nil {
		t.Errorf("stopping unknown session: %v", err)
	}
}

func TestRoundTripTimerResetsPerMessage(t *testing.T) {
	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()
	defer reqR.Close()

	trans := &pipeTransport{w: reqW, r: respR}
	c := newClient(trans, 120*time.Millisecond, nil)
	defer func() {
		_ = c.close()
		_ = respW.Close()
	}()

	// Stream replies 80ms apart for longer than the reply timeout: each gap
	// is under the limit, so the exchange must survive.
	go func() {
		dec := protocol.NewDecoder(reqR)
		var req protocol.Request
		if dec.Decode(&req) != nil {
			return
		}
		enc := protocol.NewEncoder(respW)
		for i := 0; i < 4; i++ {
			time.Sleep(80 * time.Millisecond)
			_ = enc.Encode(protocol.Message{
				ParentID:   req.MsgID,
				Kind:       protocol.KindStream,
				StreamName: protocol.StreamStdout,
				Text:       "tick\n",
			})
		}
		time.Sleep(80 * time.Millisecond)
		_ = enc.Encode(protocol.Message{ParentID: req.MsgID, Kind: protocol.KindStatus, State: protocol.StateIdle})
	}()

	replies, err := c.roundTrip(context.Background(), protocol.Request{Channel: protocol.ChannelUser, Code: "1"})
	if err != nil {
		t.Fatalf("roundTrip: %v", err)
	}
	if len(replies) != 4 {
		t.Errorf("replies = %d, want 4", len(replies))
	}
}

func TestSessionNotFound(t *testing.T) {
	env := NewEnvironment("env-x", t.TempDir(), Config{}, nil)
	if _, err := env.Session("ghost"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("err = %v", err)
	}
}

func TestResultBuilderErrorPrecedence(t *testing.T) {
	b := newResultBuilder("s", "e", "code", nil)
	b.consume(protocol.Message{Kind: protocol.KindStream, StreamName: protocol.StreamStdout, Text: "partial\n"})
	b.consume(protocol.Message{Kind: protocol.KindError, ErrName: "EvalError", ErrValue: "boom"})

	result := b.build()
	if result.IsSuccess {
		t.Fatal("error message must fail the result")
	}
	if !strings.Contains(result.Error, "boom") {
		t.Errorf("error = %q", result.Error)
	}
	if len(result.Stdout) != 1 {
		t.Errorf("stdout lost: %+v", result.Stdout)
	}
}

func TestResultBuilderDuplicateOutputKeepsFirst(t *testing.T) {
	b := newResultBuilder("s", "e", "code", nil)
	b.consume(protocol.Message{
		Kind: protocol.KindExecuteResult,
		Data: map[string]string{protocol.MimeTextPlain: "first"},
	})
	b.consume(protocol.Message{
		Kind: protocol.KindExecuteResult,
		Data: map[string]string{protocol.MimeTextPlain: "second"},
	})

	result := b.build()
	if result.Output != "first" {
		t.Errorf("output = %q, want first", result.Output)
	}
}

func TestResultBuilderUpdateDisplayReplaces(t *testing.T) {
	b := newResultBuilder("s", "e", "code", nil)
	b.consume(protocol.Message{
		Kind: protocol.KindDisplayData,
		Data: map[string]string{"display_id": "d1", protocol.MimeTextPlain: "10%"},
	})
	b.consume(protocol.Message{
		Kind: protocol.KindUpdateDisplayData,
		Data: map[string]string{"display_id": "d1", protocol.MimeTextPlain: "100%"},
	})

	result := b.build()
	if len(result.Artifacts) != 1 {
		t.Fatalf("artifacts = %+v", result.Artifacts)
	}
	if result.Artifacts[0].Content != "100%" {
		t.Errorf("content = %q", result.Artifacts[0].Content)
	}
}

func TestResultBuilderJSONOutput(t *testing.T) {
	b := newResultBuilder("s", "e", "code", nil)
	b.consume(protocol.Message{
		Kind: protocol.KindExecuteResult,
		Data: map[string]string{protocol.MimeTextPlain: `{"rows": 3}`},
	})

	result := b.build()
	if result.OutputJSON == nil {
		t.Fatal("JSON output not recognized")
	}
	var parsed struct {
		Rows int `json:"rows"`
	}
	if err := json.Unmarshal(result.OutputJSON, &parsed); err != nil || parsed.Rows != 3 {
		t.Errorf("parsed = %+v, err = %v", parsed, err)
	}
}

func TestMergePostCheck(t *testing.T) {
	r := ExecutionResult{IsSuccess: true}
	r.mergePostCheck(json.RawMessage(`{"artifact_paths":[{"path":"/tmp/out.csv"}],"log":[{"level":"info","tag":"demo","message":"saved"}]}`))

	if len(r.Log) != 1 || r.Log[0].Message != "saved" || r.Log[0].Tag != "demo" {
		t.Errorf("log = %+v", r.Log)
	}
	if len(r.Artifacts) != 1 || r.Artifacts[0].Type != ArtifactFile || r.Artifacts[0].Name != "out.csv" {
		t.Errorf("artifacts = %+v", r.Artifacts)
	}
}

func TestManagerReusesEnvironments(t *testing.T) {
	m := NewManager(Config{}, nil)

	a := m.Environment("env-1", "/tmp/a")
	b := m.Environment("env-1", "/tmp/a")
	c := m.Environment("env-1", "/tmp/b")

	if a != b {
		t.Error("same key must return the same environment")
	}
	if a == c {
		t.Error("different dir must return a distinct environment")
	}
}
