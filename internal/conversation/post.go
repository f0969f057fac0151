// Package conversation defines the message ledger shared by every role in the
// agent pipeline: Posts exchanged between roles, their typed Attachments, the
// per-query Round grouping them, and the pure merge engine that folds
// incremental RoundUpdates into the ledger.
package conversation

import (
	"github.com/google/uuid"
)

// AttachmentType tags the structured payload carried by an Attachment.
type AttachmentType string

const (
	AttachmentInitPlan               AttachmentType = "init_plan"
	AttachmentPlan                   AttachmentType = "plan"
	AttachmentCurrentPlanStep        AttachmentType = "current_plan_step"
	AttachmentReview                 AttachmentType = "review"
	AttachmentPlanEnrichment         AttachmentType = "plan_enrichment"
	AttachmentCodeGenerationResult   AttachmentType = "code_generation_result"
	AttachmentCodeVerificationResult AttachmentType = "code_verification_result"
	AttachmentCodeExecutionResult    AttachmentType = "code_execution_result"
	AttachmentArtifactPaths          AttachmentType = "artifact_paths"
	AttachmentReviseMessage          AttachmentType = "revise_message"
)

// Attachment is a typed side payload of a Post. Content is the human-readable
// rendering; Extra holds the type-dependent structured record (for example the
// full diagnostic list or an execution result).
type Attachment struct {
	ID      string         `json:"id"`
	Type    AttachmentType `json:"type"`
	Content string         `json:"content"`
	Extra   any            `json:"extra,omitempty"`
}

// NewAttachment creates an attachment with a fresh id.
func NewAttachment(typ AttachmentType, content string, extra any) Attachment {
	return Attachment{
		ID:      uuid.NewString(),
		Type:    typ,
		Content: content,
		Extra:   extra,
	}
}

// Post is a single directed message between two roles. Posts are immutable by
// convention once appended to a round: attachments and original messages are
// only ever extended through the merge engine, never replaced or removed.
type Post struct {
	ID       string `json:"id"`
	SendFrom string `json:"send_from"`
	SendTo   string `json:"send_to"`
	Message  string `json:"message"`

	Attachments []Attachment `json:"attachments,omitempty"`

	// OriginalMessages holds the serialized model-conversation turns that
	// produced this post, so the exact model context can be replayed later.
	OriginalMessages []string `json:"original_messages,omitempty"`
}

// PostOption customizes a Post at construction time.
type PostOption func(*Post)

// WithID overrides the generated post id.
func WithID(id string) PostOption {
	return func(p *Post) { p.ID = id }
}

// WithAttachments sets the initial attachment list.
func WithAttachments(attachments ...Attachment) PostOption {
	return func(p *Post) { p.Attachments = attachments }
}

// WithOriginalMessages records the raw model turns behind the post.
func WithOriginalMessages(messages ...string) PostOption {
	return func(p *Post) { p.OriginalMessages = messages }
}

// NewPost creates a post addressed from one role to another.
func NewPost(sendFrom, sendTo, message string, opts ...PostOption) Post {
	p := Post{
		ID:       uuid.NewString(),
		SendFrom: sendFrom,
		SendTo:   sendTo,
		Message:  message,
	}
	for _, opt := range opts {
		opt(&p)
	}
	return p
}

// clone returns a copy of the post with freshly allocated slices, so merges
// never alias previously returned state.
func (p Post) clone() Post {
	out := p
	if p.Attachments != nil {
		out.Attachments = append([]Attachment(nil), p.Attachments...)
	}
	if p.OriginalMessages != nil {
		out.OriginalMessages = append([]string(nil), p.OriginalMessages...)
	}
	return out
}

// PostUpdate is a partial patch to an existing Post, keyed by id. Attachments
// and original messages are concatenated onto the target post; the message
// body is replaced only when non-empty.
type PostUpdate struct {
	ID       string `json:"id"`
	SendFrom string `json:"send_from,omitempty"`
	SendTo   string `json:"send_to,omitempty"`
	Message  string `json:"message,omitempty"`

	Attachments      []Attachment `json:"attachments,omitempty"`
	OriginalMessages []string     `json:"original_messages,omitempty"`
}

// apply merges the update into a copy of the target post.
func (u PostUpdate) apply(p Post) Post {
	out := p.clone()
	if u.SendFrom != "" {
		out.SendFrom = u.SendFrom
	}
	if u.SendTo != "" {
		out.SendTo = u.SendTo
	}
	if u.Message != "" {
		out.Message = u.Message
	}
	out.Attachments = append(out.Attachments, u.Attachments...)
	out.OriginalMessages = append(out.OriginalMessages, u.OriginalMessages...)
	return out
}

// toPost materializes the update as a brand-new post when no post with its id
// exists yet in the round.
func (u PostUpdate) toPost() Post {
	id := u.ID
	if id == "" {
		id = uuid.NewString()
	}
	return Post{
		ID:               id,
		SendFrom:         u.SendFrom,
		SendTo:           u.SendTo,
		Message:          u.Message,
		Attachments:      append([]Attachment(nil), u.Attachments...),
		OriginalMessages: append([]string(nil), u.OriginalMessages...),
	}
}
