package llm

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/vivym/scimate-agent/internal/conversation"
)

// cannedClient replays fixed replies and records what it was asked.
type cannedClient struct {
	reply    string
	err      error
	system   string
	messages []ChatMessage
}

func (c *cannedClient) Complete(_ context.Context, system string, messages []ChatMessage) (string, error) {
	c.system = system
	c.messages = messages
	return c.reply, c.err
}

func TestParsePlan(t *testing.T) {
	raw := "Here is the plan:\n```json\n" +
		`{"init_plan":"1. load data","plan":"1. load data","current_plan_step":"1. load data","send_to":"CodeInterpreter","message":"load the CSV"}` +
		"\n```"

	plan, err := ParsePlan(raw)
	if err != nil {
		t.Fatalf("ParsePlan: %v", err)
	}
	if plan.SendTo != conversation.RoleCodeInterpreter {
		t.Errorf("send_to = %q", plan.SendTo)
	}
	if plan.Message != "load the CSV" {
		t.Errorf("message = %q", plan.Message)
	}
}

func TestParsePlanRejectsUnknownRole(t *testing.T) {
	if _, err := ParsePlan(`{"send_to":"Oracle","message":"hi"}`); err == nil {
		t.Fatal("unknown send_to must fail")
	}
	if _, err := ParsePlan(`{"send_to":"User"}`); err == nil {
		t.Fatal("missing message must fail")
	}
	if _, err := ParsePlan("not json at all"); err == nil {
		t.Fatal("non-JSON must fail")
	}
}

func TestParseCodeGeneration(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		wantType string
		wantErr  bool
	}{
		{
			name:     "json code reply",
			raw:      `{"thought":"compute","reply_type":"go","reply_content":"x := 1"}`,
			wantType: ReplyTypeCode,
		},
		{
			name:     "json text reply",
			raw:      `{"thought":"answer","reply_type":"TEXT","reply_content":"done"}`,
			wantType: ReplyTypeText,
		},
		{
			name:     "bare code fence fallback",
			raw:      "Sure:\n```go\nx := 1\n```",
			wantType: ReplyTypeCode,
		},
		{
			name:    "unknown reply type",
			raw:     `{"reply_type":"python","reply_content":"x = 1"}`,
			wantErr: true,
		},
		{
			name:    "nothing usable",
			raw:     "I cannot help with that.",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := ParseCodeGeneration(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", result)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseCodeGeneration: %v", err)
			}
			if result.ReplyType != tt.wantType {
				t.Errorf("reply_type = %q, want %q", result.ReplyType, tt.wantType)
			}
		})
	}
}

func TestPlannerGenerate(t *testing.T) {
	client := &cannedClient{
		reply: `{"init_plan":"1. x","plan":"1. x","current_plan_step":"1. x","send_to":"User","message":"all done"}`,
	}
	planner := NewPlanner(client)

	rounds := []conversation.Round{conversation.NewRound("count the rows")}
	plan, raw, err := planner.Generate(context.Background(), rounds, nil)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if plan.SendTo != conversation.RoleUser {
		t.Errorf("send_to = %q", plan.SendTo)
	}
	if raw != client.reply {
		t.Errorf("raw reply not returned")
	}

	if len(client.messages) == 0 {
		t.Fatal("no history sent")
	}
	if !strings.Contains(client.messages[0].Text, "count the rows") {
		t.Errorf("user query missing from history: %q", client.messages[0].Text)
	}
	if !strings.Contains(client.system, `"send_to"`) {
		t.Error("planner system prompt missing schema")
	}
}

func TestPlannerGenerateParseFailureKeepsRaw(t *testing.T) {
	client := &cannedClient{reply: "garbage"}
	planner := NewPlanner(client)

	rounds := []conversation.Round{conversation.NewRound("q")}
	plan, raw, err := planner.Generate(context.Background(), rounds, nil)
	if err == nil {
		t.Fatalf("expected parse error, got %+v", plan)
	}
	if raw != "garbage" {
		t.Errorf("raw = %q", raw)
	}
}

func TestPlannerGenerateClientError(t *testing.T) {
	wantErr := errors.New("backend down")
	planner := NewPlanner(&cannedClient{err: wantErr})

	rounds := []conversation.Round{conversation.NewRound("q")}
	if _, _, err := planner.Generate(context.Background(), rounds, nil); !errors.Is(err, wantErr) {
		t.Errorf("err = %v", err)
	}
}

func TestCodeWriterSeesRevisions(t *testing.T) {
	client := &cannedClient{
		reply: `{"thought":"retry","reply_type":"go","reply_content":"y := 2"}`,
	}
	writer := NewCodeWriter(client)

	round := conversation.NewRound("plot it")
	round.Posts = append(round.Posts, conversation.NewPost(
		conversation.RolePlanner, conversation.RoleCodeInterpreter, "generate the plot",
	))
	round.Posts = append(round.Posts, conversation.NewPost(
		conversation.RoleReviser, conversation.RoleCodeGenerator, "fix the code",
		conversation.WithAttachments(conversation.Attachment{
			Type:    conversation.AttachmentReviseMessage,
			Content: "undefined variable z",
		}),
	))

	result, _, err := writer.Generate(context.Background(), []conversation.Round{round}, nil)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if result.ReplyContent != "y := 2" {
		t.Errorf("reply = %q", result.ReplyContent)
	}

	var sawRevision bool
	for _, m := range client.messages {
		if strings.Contains(m.Text, "undefined variable z") {
			sawRevision = true
		}
	}
	if !sawRevision {
		t.Error("revise attachment not rendered into history")
	}
}
