package agent

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/vivym/scimate-agent/internal/conversation"
	"github.com/vivym/scimate-agent/internal/event"
	"github.com/vivym/scimate-agent/internal/execution"
	"github.com/vivym/scimate-agent/internal/llm"
	"github.com/vivym/scimate-agent/internal/plugins"
	"github.com/vivym/scimate-agent/internal/verifier"
)

type planReply struct {
	plan *llm.Plan
	raw  string
	err  error
}

type scriptedPlanner struct {
	replies []planReply
	calls   int
}

func (p *scriptedPlanner) Generate(context.Context, []conversation.Round, []*plugins.Entry) (*llm.Plan, string, error) {
	if p.calls >= len(p.replies) {
		return nil, "", errors.New("planner script exhausted")
	}
	r := p.replies[p.calls]
	p.calls++
	return r.plan, r.raw, r.err
}

type codeReply struct {
	result *llm.CodeGenerationResult
	raw    string
	err    error
}

type scriptedWriter struct {
	replies []codeReply
	calls   int
}

func (w *scriptedWriter) Generate(context.Context, []conversation.Round, []*plugins.Entry) (*llm.CodeGenerationResult, string, error) {
	if w.calls >= len(w.replies) {
		return nil, "", errors.New("writer script exhausted")
	}
	r := w.replies[w.calls]
	w.calls++
	return r.result, r.raw, r.err
}

type fakeRunner struct {
	results []*execution.ExecutionResult
	errs    []error
	codes   []string
}

func (f *fakeRunner) ExecuteCode(_ context.Context, _, execID, code string) (*execution.ExecutionResult, error) {
	i := len(f.codes)
	f.codes = append(f.codes, code)
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	if i < len(f.results) {
		r := *f.results[i]
		r.ExecutionID = execID
		return &r, nil
	}
	return &execution.ExecutionResult{ExecutionID: execID, Code: code, IsSuccess: true, Output: "ok"}, nil
}

func toUser(message string) planReply {
	return planReply{plan: &llm.Plan{SendTo: conversation.RoleUser, Message: message, Plan: "1. done"}}
}

func toInterpreter(message string) planReply {
	return planReply{plan: &llm.Plan{
		SendTo: conversation.RoleCodeInterpreter, Message: message,
		InitPlan: "1. compute", Plan: "1. compute", CurrentPlanStep: "1. compute",
	}}
}

func goReply(code string) codeReply {
	return codeReply{result: &llm.CodeGenerationResult{Thought: "write it", ReplyType: llm.ReplyTypeCode, ReplyContent: code}}
}

func newTestAgent(t *testing.T, planner *scriptedPlanner, writer *scriptedWriter, runner *fakeRunner, policy verifier.Policy) (*Agent, *event.Emitter) {
	t.Helper()
	events := &event.Emitter{}
	a, err := New(Options{
		SessionID: "sess-1",
		Planner:   planner,
		Writer:    writer,
		Runner:    runner,
		Policy:    policy,
		Events:    events,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a, events
}

func TestRunTurnHappyPath(t *testing.T) {
	planner := &scriptedPlanner{replies: []planReply{
		toInterpreter("count to 42"),
		toUser("The answer is 42."),
	}}
	writer := &scriptedWriter{replies: []codeReply{goReply("x := 42")}}
	runner := &fakeRunner{results: []*execution.ExecutionResult{
		{IsSuccess: true, Output: "42", Artifacts: []execution.Artifact{{Name: "plot", Type: execution.ArtifactSVG}}},
	}}
	a, events := newTestAgent(t, planner, writer, runner, verifier.Policy{})

	var fired []string
	events.On("*", func(name string, _ any) { fired = append(fired, name) })

	rounds, final, err := a.RunTurn(context.Background(), nil, "how many?")
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if final.Message != "The answer is 42." {
		t.Errorf("final = %q", final.Message)
	}
	if len(rounds) != 1 || rounds[0].Status != conversation.RoundFinished {
		t.Fatalf("rounds = %+v", rounds)
	}
	if runner.codes[0] != "x := 42" {
		t.Errorf("executed code = %q", runner.codes[0])
	}

	// The interpreter boundary report must carry the artifact listing.
	var sawArtifacts bool
	for _, post := range rounds[0].Posts {
		if post.SendFrom != conversation.RoleCodeInterpreter {
			continue
		}
		for _, att := range post.Attachments {
			if att.Type == conversation.AttachmentArtifactPaths && strings.Contains(att.Content, "plot") {
				sawArtifacts = true
			}
		}
	}
	if !sawArtifacts {
		t.Error("artifact paths missing from interpreter report")
	}

	for _, want := range []string{"turn.started", "planner.plan", "interpreter.succeeded", "round.finished"} {
		var ok bool
		for _, name := range fired {
			if name == want {
				ok = true
			}
		}
		if !ok {
			t.Errorf("event %q not fired (fired: %v)", want, fired)
		}
	}
}

func TestRunTurnDoesNotMutateInput(t *testing.T) {
	prior := []conversation.Round{conversation.NewRound("earlier question")}
	prior[0].Status = conversation.RoundFinished
	snapshot := conversation.RoundsForRole(prior, "", true)

	planner := &scriptedPlanner{replies: []planReply{toUser("done")}}
	a, _ := newTestAgent(t, planner, &scriptedWriter{}, &fakeRunner{}, verifier.Policy{})

	if _, _, err := a.RunTurn(context.Background(), prior, "next"); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(snapshot, prior); diff != "" {
		t.Errorf("input ledger mutated:\n%s", diff)
	}
}

func TestRunTurnVerificationRevision(t *testing.T) {
	planner := &scriptedPlanner{replies: []planReply{
		toInterpreter("read the file"),
		toUser("done"),
	}}
	writer := &scriptedWriter{replies: []codeReply{
		goReply("import \"os\"\ndata, _ := os.ReadFile(\"x\")\n_ = data"),
		goReply("x := 1"),
	}}
	runner := &fakeRunner{}
	policy := verifier.Policy{BlockedModules: []string{"os"}}
	a, _ := newTestAgent(t, planner, writer, runner, policy)

	rounds, _, err := a.RunTurn(context.Background(), nil, "q")
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if writer.calls != 2 {
		t.Errorf("writer calls = %d, want 2", writer.calls)
	}
	if len(runner.codes) != 1 || runner.codes[0] != "x := 1" {
		t.Errorf("executed = %v", runner.codes)
	}

	var sawRevise bool
	for _, post := range rounds[0].Posts {
		if post.SendFrom == conversation.RoleReviser && post.SendTo == conversation.RoleCodeGenerator {
			sawRevise = true
		}
	}
	if !sawRevise {
		t.Error("no reviser post recorded")
	}
}

func TestRunTurnExecutionRevision(t *testing.T) {
	planner := &scriptedPlanner{replies: []planReply{
		toInterpreter("compute"),
		toUser("done"),
	}}
	writer := &scriptedWriter{replies: []codeReply{goReply("bad()"), goReply("good := 1")}}
	runner := &fakeRunner{results: []*execution.ExecutionResult{
		{IsSuccess: false, Error: "EvalError: bad is undefined"},
		{IsSuccess: true, Output: "1"},
	}}
	a, _ := newTestAgent(t, planner, writer, runner, verifier.Policy{})

	rounds, _, err := a.RunTurn(context.Background(), nil, "q")
	if err != nil {
		t.Fatal(err)
	}
	if len(runner.codes) != 2 {
		t.Fatalf("executions = %d, want 2", len(runner.codes))
	}

	var sawExecFailure bool
	for _, post := range rounds[0].Posts {
		for _, att := range post.Attachments {
			if att.Type == conversation.AttachmentCodeExecutionResult && strings.Contains(att.Content, "bad is undefined") {
				sawExecFailure = true
			}
		}
	}
	if !sawExecFailure {
		t.Error("execution failure not recorded in ledger")
	}
}

func TestRunTurnEmitsExecutionLifecycle(t *testing.T) {
	planner := &scriptedPlanner{replies: []planReply{
		toInterpreter("compute"),
		toUser("done"),
	}}
	writer := &scriptedWriter{replies: []codeReply{goReply("bad()"), goReply("good := 1")}}
	runner := &fakeRunner{results: []*execution.ExecutionResult{
		{IsSuccess: false, Error: "EvalError: bad is undefined"},
		{IsSuccess: true, Output: "1"},
	}}
	a, events := newTestAgent(t, planner, writer, runner, verifier.Policy{})

	var starts []map[string]string
	var results []*execution.ExecutionResult
	events.On("execution_started", func(_ string, data any) {
		if m, ok := data.(map[string]string); ok {
			starts = append(starts, m)
		}
	})
	events.On("execution_result", func(_ string, data any) {
		if r, ok := data.(*execution.ExecutionResult); ok {
			results = append(results, r)
		}
	})

	if _, _, err := a.RunTurn(context.Background(), nil, "q"); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}

	if len(starts) != 2 || len(results) != 2 {
		t.Fatalf("starts = %d, results = %d, want 2/2", len(starts), len(results))
	}
	if starts[0]["code"] != "bad()" || starts[0]["exec_id"] == "" {
		t.Errorf("first start = %+v", starts[0])
	}
	// The result record carries the exec id announced at start.
	if results[0].ExecutionID != starts[0]["exec_id"] {
		t.Errorf("exec id mismatch: %q vs %q", results[0].ExecutionID, starts[0]["exec_id"])
	}
	if results[0].IsSuccess || !results[1].IsSuccess {
		t.Errorf("result success flags = %v/%v", results[0].IsSuccess, results[1].IsSuccess)
	}
}

func TestRunTurnCorrectionBudgetExhausted(t *testing.T) {
	planner := &scriptedPlanner{replies: []planReply{
		toInterpreter("compute"),
		toUser("I could not complete the task."),
	}}
	// Four failing attempts: the first plus three corrections.
	writer := &scriptedWriter{replies: []codeReply{
		goReply("a()"), goReply("b()"), goReply("c()"), goReply("d()"),
	}}
	runner := &fakeRunner{results: []*execution.ExecutionResult{
		{IsSuccess: false, Error: "fail a"},
		{IsSuccess: false, Error: "fail b"},
		{IsSuccess: false, Error: "fail c"},
		{IsSuccess: false, Error: "fail d"},
	}}
	a, _ := newTestAgent(t, planner, writer, runner, verifier.Policy{})

	rounds, final, err := a.RunTurn(context.Background(), nil, "q")
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if writer.calls != 4 {
		t.Errorf("writer calls = %d, want 4", writer.calls)
	}
	if final.Message != "I could not complete the task." {
		t.Errorf("final = %q", final.Message)
	}

	var sawExhaustedReport bool
	for _, post := range rounds[0].Posts {
		if post.SendFrom == conversation.RoleCodeInterpreter &&
			strings.Contains(post.Message, "could not produce a working result") {
			sawExhaustedReport = true
		}
	}
	if !sawExhaustedReport {
		t.Error("exhaustion report missing from ledger")
	}
}

func TestRunTurnPlannerParseRevision(t *testing.T) {
	planner := &scriptedPlanner{replies: []planReply{
		{raw: "garbage", err: errors.New("llm: parse plan: bad json")},
		toUser("recovered"),
	}}
	a, _ := newTestAgent(t, planner, &scriptedWriter{}, &fakeRunner{}, verifier.Policy{})

	rounds, final, err := a.RunTurn(context.Background(), nil, "q")
	if err != nil {
		t.Fatal(err)
	}
	if final.Message != "recovered" {
		t.Errorf("final = %q", final.Message)
	}

	var sawPlannerRevise bool
	for _, post := range rounds[0].Posts {
		if post.SendFrom == conversation.RoleReviser && post.SendTo == conversation.RolePlanner {
			sawPlannerRevise = true
		}
	}
	if !sawPlannerRevise {
		t.Error("planner revision not recorded")
	}
}

func TestRunTurnPlannerBudgetExhaustedFailsRound(t *testing.T) {
	bad := planReply{raw: "garbage", err: errors.New("parse failed")}
	planner := &scriptedPlanner{replies: []planReply{bad, bad, bad, bad, bad}}
	a, _ := newTestAgent(t, planner, &scriptedWriter{}, &fakeRunner{}, verifier.Policy{})

	rounds, _, err := a.RunTurn(context.Background(), nil, "q")
	if err == nil {
		t.Fatal("expected error")
	}
	if len(rounds) != 1 || rounds[0].Status != conversation.RoundFailed {
		t.Errorf("round status = %+v", rounds)
	}
}

func TestRunTurnPolicyConflictRejectedAtConstruction(t *testing.T) {
	_, err := New(Options{
		SessionID: "s",
		Planner:   &scriptedPlanner{},
		Writer:    &scriptedWriter{},
		Runner:    &fakeRunner{},
		Policy: verifier.Policy{
			AllowedModules: []string{"fmt"},
			BlockedModules: []string{"os"},
		},
	})
	if !errors.Is(err, verifier.ErrPolicyConflict) {
		t.Errorf("err = %v", err)
	}
}

func TestRouterRejectsUnknownEdges(t *testing.T) {
	rt := newRouter()
	if err := rt.advance(conversation.NewPost(conversation.RoleUser, conversation.RolePlanner, "q")); err != nil {
		t.Fatalf("entry edge: %v", err)
	}
	err := rt.advance(conversation.NewPost(conversation.RoleUser, conversation.RoleCodeExecutor, "nope"))
	if !errors.Is(err, ErrInvalidRoute) {
		t.Errorf("err = %v", err)
	}

	// A valid edge fired from the wrong state is also invalid.
	err = rt.advance(conversation.NewPost(conversation.RoleCodeVerifier, conversation.RoleCodeExecutor, "skip ahead"))
	if !errors.Is(err, ErrInvalidRoute) {
		t.Errorf("err = %v", err)
	}
}
