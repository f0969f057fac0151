package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vivym/scimate-agent/internal/conversation"
	"github.com/vivym/scimate-agent/internal/execution"
	"github.com/vivym/scimate-agent/internal/llm"
	"github.com/vivym/scimate-agent/internal/verifier"
)

// runInterpreter executes the code interpreter composite for one planner
// instruction: generate, verify, execute, revising on failure until the
// correction budget runs out. Whatever happens inside, the composite posts
// its outcome back to the planner under the CodeInterpreter identity.
func (a *Agent) runInterpreter(ctx context.Context, st *turnState) error {
	entries := a.opts.Plugins.Enabled()

	var lastFailure string
	for {
		gen, raw, err := a.opts.Writer.Generate(ctx, st.rounds, entries)
		if err != nil {
			if raw == "" {
				return err
			}
			lastFailure = "the reply could not be parsed: " + err.Error()
			if done, rerr := a.revise(ctx, st, conversation.RoleCodeGenerator, lastFailure, nil); rerr != nil || done {
				return a.reportFailure(ctx, st, lastFailure, rerr)
			}
			continue
		}

		if gen.ReplyType == llm.ReplyTypeText {
			post := conversation.NewPost(
				conversation.RoleCodeInterpreter, conversation.RolePlanner, gen.ReplyContent,
				conversation.WithAttachments(conversation.Attachment{
					Type:    conversation.AttachmentCodeGenerationResult,
					Content: gen.ReplyContent,
				}),
			)
			st.interpreterFixes = 0
			return a.appendPosts(ctx, st, post)
		}

		code := gen.ReplyContent
		genPost := conversation.NewPost(
			conversation.RoleCodeGenerator, conversation.RoleCodeVerifier, gen.Thought,
			conversation.WithAttachments(conversation.Attachment{
				Type:    conversation.AttachmentCodeGenerationResult,
				Content: code,
			}),
		)
		if err := a.appendPosts(ctx, st, genPost); err != nil {
			return err
		}
		a.emit("interpreter.code_generated", map[string]string{"round_id": st.roundID})

		diags, err := verifier.Verify(code, a.opts.Policy)
		if err != nil {
			return err
		}
		if len(diags) > 0 {
			report := verifier.FormatDiagnostics(diags)
			verifyPost := conversation.NewPost(
				conversation.RoleCodeVerifier, conversation.RoleReviser,
				"The generated code violates the execution policy.",
				conversation.WithAttachments(conversation.Attachment{
					Type:    conversation.AttachmentCodeVerificationResult,
					Content: report,
				}),
			)
			if err := a.appendPosts(ctx, st, verifyPost); err != nil {
				return err
			}
			a.emit("interpreter.verification_failed", map[string]string{"round_id": st.roundID})

			lastFailure = "verification failed:\n" + report
			if done, rerr := a.revise(ctx, st, conversation.RoleCodeGenerator, lastFailure, nil); rerr != nil || done {
				return a.reportFailure(ctx, st, lastFailure, rerr)
			}
			continue
		}

		passPost := conversation.NewPost(
			conversation.RoleCodeVerifier, conversation.RoleCodeExecutor,
			"Verification passed.",
		)
		if err := a.appendPosts(ctx, st, passPost); err != nil {
			return err
		}

		execID := uuid.NewString()
		a.emit("execution_started", map[string]string{
			"round_id": st.roundID,
			"exec_id":  execID,
			"code":     code,
		})
		result, err := a.opts.Runner.ExecuteCode(ctx, a.opts.SessionID, execID, code)
		if result != nil {
			a.emit("execution_result", result)
		}
		if err != nil {
			// Transport-level failures (timeouts included) are fed back as
			// revisions: a hanging snippet is still the snippet's fault.
			a.logger.Warn("execution transport failure", zap.String("exec_id", execID), zap.Error(err))
			lastFailure = "execution failed: " + err.Error()
			if done, rerr := a.reviseFromExecutor(ctx, st, lastFailure, nil); rerr != nil || done {
				return a.reportFailure(ctx, st, lastFailure, rerr)
			}
			continue
		}

		if !result.IsSuccess {
			preview := result.Preview()
			a.emit("interpreter.execution_failed", map[string]string{
				"round_id": st.roundID,
				"exec_id":  execID,
			})
			lastFailure = preview
			execAtt := &conversation.Attachment{
				Type:    conversation.AttachmentCodeExecutionResult,
				Content: preview,
			}
			if done, rerr := a.reviseFromExecutor(ctx, st, lastFailure, execAtt); rerr != nil || done {
				return a.reportFailure(ctx, st, lastFailure, rerr)
			}
			continue
		}

		return a.reportSuccess(ctx, st, code, result.Preview(), artifactPathsJSON(result))
	}
}

// revise posts a Reviser -> target correction and burns one unit of the
// correction budget. done reports budget exhaustion.
func (a *Agent) revise(ctx context.Context, st *turnState, target, reason string, extra *conversation.Attachment) (bool, error) {
	st.interpreterFixes++
	if st.interpreterFixes > a.opts.MaxCorrections {
		return true, nil
	}

	atts := []conversation.Attachment{{
		Type:    conversation.AttachmentReviseMessage,
		Content: reason,
	}}
	if extra != nil {
		atts = append(atts, *extra)
	}
	post := conversation.NewPost(
		conversation.RoleReviser, target,
		"Please revise the code based on the feedback below.",
		conversation.WithAttachments(atts...),
	)
	return false, a.appendPosts(ctx, st, post)
}

// reviseFromExecutor records the executor handoff before the revision so
// the route table stays honest about where the failure came from.
func (a *Agent) reviseFromExecutor(ctx context.Context, st *turnState, reason string, execAtt *conversation.Attachment) (bool, error) {
	var atts []conversation.Attachment
	if execAtt != nil {
		atts = append(atts, *execAtt)
	}
	handoff := conversation.NewPost(
		conversation.RoleCodeExecutor, conversation.RoleReviser,
		"Execution did not succeed.",
		conversation.WithAttachments(atts...),
	)
	if err := a.appendPosts(ctx, st, handoff); err != nil {
		return false, err
	}
	return a.revise(ctx, st, conversation.RoleCodeGenerator, reason, nil)
}

// reportSuccess posts the executor handoff and the interpreter boundary
// report, and resets the correction budget.
func (a *Agent) reportSuccess(ctx context.Context, st *turnState, code, preview, artifacts string) error {
	handoff := conversation.NewPost(
		conversation.RoleCodeExecutor, conversation.RoleCodeInterpreter,
		"Execution succeeded.",
	)
	if err := a.appendPosts(ctx, st, handoff); err != nil {
		return err
	}

	atts := []conversation.Attachment{
		{Type: conversation.AttachmentCodeGenerationResult, Content: code},
		{Type: conversation.AttachmentCodeExecutionResult, Content: preview},
	}
	if artifacts != "" {
		atts = append(atts, conversation.Attachment{
			Type:    conversation.AttachmentArtifactPaths,
			Content: artifacts,
		})
	}
	report := conversation.NewPost(
		conversation.RoleCodeInterpreter, conversation.RolePlanner, preview,
		conversation.WithAttachments(atts...),
	)
	if err := a.appendPosts(ctx, st, report); err != nil {
		return err
	}
	a.emit("interpreter.succeeded", map[string]string{"round_id": st.roundID})
	st.interpreterFixes = 0
	return nil
}

// reportFailure posts the interpreter boundary report after the correction
// budget ran out.
func (a *Agent) reportFailure(ctx context.Context, st *turnState, lastFailure string, err error) error {
	if err != nil {
		return err
	}
	msg := fmt.Sprintf(
		"The code interpreter could not produce a working result after %d corrections. Last failure:\n%s",
		a.opts.MaxCorrections, lastFailure,
	)
	post := conversation.NewPost(conversation.RoleCodeInterpreter, conversation.RolePlanner, msg)
	a.emit("interpreter.exhausted", map[string]string{"round_id": st.roundID})
	return a.appendPosts(ctx, st, post)
}

// artifactPathsJSON serializes the execution artifacts for the ledger.
func artifactPathsJSON(result *execution.ExecutionResult) string {
	if len(result.Artifacts) == 0 {
		return ""
	}
	type entry struct {
		Name string `json:"name"`
		Type string `json:"type"`
		Path string `json:"path,omitempty"`
	}
	entries := make([]entry, 0, len(result.Artifacts))
	for _, a := range result.Artifacts {
		entries = append(entries, entry{Name: a.Name, Type: a.Type, Path: a.Path})
	}
	raw, err := json.Marshal(entries)
	if err != nil {
		return ""
	}
	return string(raw)
}
