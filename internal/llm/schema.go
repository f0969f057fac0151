// Package llm holds the model-facing layer: the chat client abstraction,
// the role prompts, and the parsers for the structured replies the planner
// and code generator are asked to produce.
package llm

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vivym/scimate-agent/internal/conversation"
)

// Plan is the planner's structured reply.
type Plan struct {
	InitPlan        string `json:"init_plan"`
	Plan            string `json:"plan"`
	CurrentPlanStep string `json:"current_plan_step"`
	Review          string `json:"review,omitempty"`
	SendTo          string `json:"send_to"`
	Message         string `json:"message"`
}

// Validate checks the fields the router depends on.
func (p *Plan) Validate() error {
	if p.SendTo == "" {
		return fmt.Errorf("llm: plan missing send_to")
	}
	if !conversation.KnownRole(p.SendTo) {
		return fmt.Errorf("llm: plan send_to %q is not a known role", p.SendTo)
	}
	if p.Message == "" {
		return fmt.Errorf("llm: plan missing message")
	}
	return nil
}

// Reply types the code generator may produce.
const (
	ReplyTypeCode = "go"
	ReplyTypeText = "text"
)

// CodeGenerationResult is the code generator's structured reply: either a Go
// snippet to execute or a plain text answer.
type CodeGenerationResult struct {
	Thought      string `json:"thought"`
	ReplyType    string `json:"reply_type"`
	ReplyContent string `json:"reply_content"`
}

// Validate normalizes and checks the reply type.
func (c *CodeGenerationResult) Validate() error {
	c.ReplyType = strings.ToLower(strings.TrimSpace(c.ReplyType))
	switch c.ReplyType {
	case ReplyTypeCode, ReplyTypeText:
		return nil
	case "":
		return fmt.Errorf("llm: code generation reply missing reply_type")
	default:
		return fmt.Errorf("llm: unknown reply_type %q", c.ReplyType)
	}
}

// ParsePlan extracts the planner reply from raw model output.
func ParsePlan(raw string) (*Plan, error) {
	payload := extractJSON(raw)
	var plan Plan
	if err := json.Unmarshal([]byte(payload), &plan); err != nil {
		return nil, fmt.Errorf("llm: parse plan: %w", err)
	}
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return &plan, nil
}

// ParseCodeGeneration extracts the code generator reply from raw model
// output. A reply that is not valid JSON is treated as a bare Go snippet,
// since models occasionally answer with a naked code fence.
func ParseCodeGeneration(raw string) (*CodeGenerationResult, error) {
	payload := extractJSON(raw)

	var result CodeGenerationResult
	if err := json.Unmarshal([]byte(payload), &result); err != nil {
		if code, ok := extractCodeFence(raw); ok {
			return &CodeGenerationResult{ReplyType: ReplyTypeCode, ReplyContent: code}, nil
		}
		return nil, fmt.Errorf("llm: parse code generation: %w", err)
	}
	if err := result.Validate(); err != nil {
		return nil, err
	}
	return &result, nil
}

// extractJSON strips markdown fences and surrounding prose from a reply,
// keeping the outermost JSON object.
func extractJSON(raw string) string {
	s := strings.TrimSpace(raw)

	if idx := strings.Index(s, "```json"); idx >= 0 {
		s = s[idx+len("```json"):]
		if end := strings.Index(s, "```"); end >= 0 {
			s = s[:end]
		}
		return strings.TrimSpace(s)
	}

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return s
}

// extractCodeFence pulls the first fenced code block out of a reply.
func extractCodeFence(raw string) (string, bool) {
	s := raw
	idx := strings.Index(s, "```go")
	offset := len("```go")
	if idx < 0 {
		idx = strings.Index(s, "```")
		offset = len("```")
	}
	if idx < 0 {
		return "", false
	}
	s = s[idx+offset:]
	end := strings.Index(s, "```")
	if end < 0 {
		return "", false
	}
	return strings.TrimSpace(s[:end]), true
}
