package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/vivym/scimate-agent/internal/conversation"
	"github.com/vivym/scimate-agent/internal/plugins"
)

const plannerSystemPrompt = `You are the Planner of SciMate, an agent that solves data analysis
tasks by coordinating with a CodeInterpreter that writes and runs Go code.

For every user request you produce a JSON object with these fields:
- "init_plan": the step-by-step plan with dependency annotations.
- "plan": the refined plan after merging trivially sequential steps.
- "current_plan_step": the step being executed now.
- "review": your review of the previous step outcome, if any.
- "send_to": who acts next, "CodeInterpreter" when code work remains or
  "User" when the task is complete or needs user input.
- "message": the instruction for the CodeInterpreter, or the final answer
  for the User. Describe what to do, never write code yourself.

Respond with the JSON object only.`

const codeSystemPrompt = `You are the CodeGenerator of SciMate. You turn the Planner's
instruction into a single Go snippet that will run inside a persistent
interpreter session. Variables defined in earlier snippets remain available.

Rules:
- Plain statements, no package clause and no func main.
- Import only what the snippet uses.
- To surface rich output, use the scimate/display package
  (display.Text, display.SVG, display.Image, display.HTML).
- Session variables are read with plugin.SessionVar from scimate/plugin.

You produce a JSON object with these fields:
- "thought": your reasoning about the instruction.
- "reply_type": "go" for an executable snippet, "text" when a plain
  answer is enough.
- "reply_content": the snippet or the answer.

Respond with the JSON object only.`

// PlannerPrompt assembles the planner system prompt with the plugin
// descriptions appended.
func PlannerPrompt(entries []*plugins.Entry) string {
	if len(entries) == 0 {
		return plannerSystemPrompt
	}
	var b strings.Builder
	b.WriteString(plannerSystemPrompt)
	b.WriteString("\n\nThe CodeInterpreter has these plugins available:\n")
	for _, e := range entries {
		b.WriteString(e.FormatDescription(0))
		b.WriteString("\n")
	}
	return b.String()
}

// CodePrompt assembles the code generator system prompt with the full
// plugin signatures appended.
func CodePrompt(entries []*plugins.Entry) string {
	if len(entries) == 0 {
		return codeSystemPrompt
	}
	var b strings.Builder
	b.WriteString(codeSystemPrompt)
	b.WriteString("\n\nThese plugin functions are pre-loaded and directly callable:\n\n")
	for _, e := range entries {
		b.WriteString(e.FormatPrompt())
		b.WriteString("\n\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// historyForRoles renders the rounds visible to a role family as chat
// messages. Failed rounds are dropped, posts are kept when either endpoint
// is in the family, and posts sent by a family member become model turns.
func historyForRoles(rounds []conversation.Round, roles ...string) []ChatMessage {
	family := make(map[string]bool, len(roles))
	for _, r := range roles {
		family[r] = true
	}

	var messages []ChatMessage
	for _, round := range rounds {
		if round.Status == conversation.RoundFailed {
			continue
		}
		for _, post := range round.Posts {
			if !family[post.SendFrom] && !family[post.SendTo] {
				continue
			}
			msgRole := "user"
			if family[post.SendFrom] {
				msgRole = "model"
			}
			messages = append(messages, ChatMessage{Role: msgRole, Text: renderPost(post)})
		}
	}
	return messages
}

// renderPost flattens a post into prompt text, inlining the attachments
// that carry feedback the model needs to see.
func renderPost(post conversation.Post) string {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\nTo: %s\nMessage: %s", post.SendFrom, post.SendTo, post.Message)

	for _, att := range post.Attachments {
		switch att.Type {
		case conversation.AttachmentCodeVerificationResult,
			conversation.AttachmentCodeExecutionResult,
			conversation.AttachmentReviseMessage:
			fmt.Fprintf(&b, "\n[%s]\n%s", att.Type, att.Content)
		}
	}
	return b.String()
}

// Planner generates plans from the conversation.
type Planner struct {
	client Client
}

func NewPlanner(client Client) *Planner { return &Planner{client: client} }

// Generate returns the parsed plan and the raw model reply. The raw reply
// is kept even when parsing fails so the failure can be revised.
func (p *Planner) Generate(ctx context.Context, rounds []conversation.Round, entries []*plugins.Entry) (*Plan, string, error) {
	history := historyForRoles(rounds, conversation.RolePlanner)
	raw, err := p.client.Complete(ctx, PlannerPrompt(entries), history)
	if err != nil {
		return nil, "", err
	}
	plan, err := ParsePlan(raw)
	if err != nil {
		return nil, raw, err
	}
	return plan, raw, nil
}

// CodeWriter generates Go snippets from the planner's instructions.
type CodeWriter struct {
	client Client
}

func NewCodeWriter(client Client) *CodeWriter { return &CodeWriter{client: client} }

// Generate returns the parsed generation result and the raw model reply.
func (w *CodeWriter) Generate(ctx context.Context, rounds []conversation.Round, entries []*plugins.Entry) (*CodeGenerationResult, string, error) {
	history := historyForRoles(rounds,
		conversation.RoleCodeInterpreter,
		conversation.RoleCodeGenerator,
		conversation.RoleCodeVerifier,
		conversation.RoleCodeExecutor,
		conversation.RoleReviser,
	)
	raw, err := w.client.Complete(ctx, CodePrompt(entries), history)
	if err != nil {
		return nil, "", err
	}
	result, err := ParseCodeGeneration(raw)
	if err != nil {
		return nil, raw, err
	}
	return result, raw, nil
}
