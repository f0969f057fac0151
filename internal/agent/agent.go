package agent

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/vivym/scimate-agent/internal/conversation"
	"github.com/vivym/scimate-agent/internal/event"
	"github.com/vivym/scimate-agent/internal/execution"
	"github.com/vivym/scimate-agent/internal/llm"
	"github.com/vivym/scimate-agent/internal/plugins"
	"github.com/vivym/scimate-agent/internal/verifier"
)

// ErrTurnExhausted is returned when a turn hits the planner hop ceiling
// without reaching the user.
var ErrTurnExhausted = errors.New("agent: turn exhausted without reaching the user")

// planGenerator and codeGenerator are the model-facing seams; llm.Planner
// and llm.CodeWriter satisfy them, tests substitute canned generators.
type planGenerator interface {
	Generate(ctx context.Context, rounds []conversation.Round, entries []*plugins.Entry) (*llm.Plan, string, error)
}

type codeGenerator interface {
	Generate(ctx context.Context, rounds []conversation.Round, entries []*plugins.Entry) (*llm.CodeGenerationResult, string, error)
}

// CodeRunner executes verified snippets; execution.Environment satisfies it.
type CodeRunner interface {
	ExecuteCode(ctx context.Context, sessionID, execID, code string) (*execution.ExecutionResult, error)
}

// PluginSource supplies the plugins offered to the models.
type PluginSource interface {
	Enabled() []*plugins.Entry
}

// CheckpointSaver persists round snapshots as the turn progresses.
type CheckpointSaver interface {
	SaveRound(ctx context.Context, sessionID string, round conversation.Round) error
}

// Options configures an Agent.
type Options struct {
	SessionID string

	Planner planGenerator
	Writer  codeGenerator

	Policy   verifier.Policy
	Runner   CodeRunner
	Plugins  PluginSource
	Events   *event.Emitter
	Saver    CheckpointSaver
	Logger   *zap.Logger

	// MaxCorrections bounds self-correction rounds per phase; the first
	// attempt is free, so the pipeline tries MaxCorrections+1 times.
	MaxCorrections int
	// MaxPlannerHops bounds planner iterations per turn.
	MaxPlannerHops int
}

// Agent runs conversation turns for one session.
type Agent struct {
	opts   Options
	logger *zap.Logger
}

// noPlugins is the fallback when no catalog is wired.
type noPlugins struct{}

func (noPlugins) Enabled() []*plugins.Entry { return nil }

// New creates an agent. Planner, Writer, and Runner are required.
func New(opts Options) (*Agent, error) {
	if opts.Planner == nil || opts.Writer == nil {
		return nil, fmt.Errorf("agent: planner and writer generators are required")
	}
	if opts.Runner == nil {
		return nil, fmt.Errorf("agent: code runner is required")
	}
	if opts.Plugins == nil {
		opts.Plugins = noPlugins{}
	}
	if opts.Events == nil {
		opts.Events = &event.Emitter{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.MaxCorrections <= 0 {
		opts.MaxCorrections = 3
	}
	if opts.MaxPlannerHops <= 0 {
		opts.MaxPlannerHops = 10
	}
	if err := opts.Policy.Validate(); err != nil {
		return nil, err
	}
	return &Agent{
		opts:   opts,
		logger: opts.Logger.With(zap.String("session_id", opts.SessionID)),
	}, nil
}

// turnState threads the mutable pieces of one turn: the ledger, the route
// validator, and the self-correction budgets. Budgets reset only when an
// attempt fully succeeds.
type turnState struct {
	rounds  []conversation.Round
	roundID string
	router  *router

	plannerFixes     int
	interpreterFixes int
}

// RunTurn runs one user query to completion. It returns the updated ledger
// and the final post addressed to the user. The input ledger is never
// mutated.
func (a *Agent) RunTurn(ctx context.Context, rounds []conversation.Round, query string) ([]conversation.Round, conversation.Post, error) {
	round := conversation.NewRound(query)
	st := &turnState{roundID: round.ID, router: newRouter()}

	var err error
	st.rounds, err = conversation.Apply(rounds, conversation.RoundUpdate{
		ID:        round.ID,
		UserQuery: round.UserQuery,
		Status:    round.Status,
		Posts:     round.Posts,
	})
	if err != nil {
		return rounds, conversation.Post{}, err
	}
	if err := st.router.advance(round.Posts[0]); err != nil {
		return rounds, conversation.Post{}, err
	}

	a.emit("turn.started", map[string]string{"round_id": round.ID, "query": query})
	a.checkpoint(ctx, st)

	final, err := a.plannerLoop(ctx, st)
	if err != nil {
		if ferr := a.failRound(ctx, st); ferr != nil {
			a.logger.Warn("failed to mark round failed", zap.Error(ferr))
		}
		a.emit("round.failed", map[string]string{"round_id": round.ID, "error": err.Error()})
		return st.rounds, conversation.Post{}, err
	}

	st.rounds, err = conversation.Apply(st.rounds, conversation.RoundUpdate{
		ID:     st.roundID,
		Status: conversation.RoundFinished,
	})
	if err != nil {
		return st.rounds, conversation.Post{}, err
	}
	a.checkpoint(ctx, st)
	a.emit("round.finished", map[string]string{"round_id": round.ID})
	return st.rounds, final, nil
}

// plannerLoop alternates between the planner and the code interpreter until
// the planner addresses the user.
func (a *Agent) plannerLoop(ctx context.Context, st *turnState) (conversation.Post, error) {
	for hop := 0; hop < a.opts.MaxPlannerHops; hop++ {
		entries := a.opts.Plugins.Enabled()

		plan, raw, err := a.opts.Planner.Generate(ctx, st.rounds, entries)
		if err != nil {
			if raw == "" {
				return conversation.Post{}, err
			}
			st.plannerFixes++
			if st.plannerFixes > a.opts.MaxCorrections {
				return conversation.Post{}, fmt.Errorf("agent: planner reply unusable after %d corrections: %w", a.opts.MaxCorrections, err)
			}
			revise := conversation.NewPost(
				conversation.RoleReviser, conversation.RolePlanner,
				"Your reply could not be parsed. Reply with the JSON object only.",
				conversation.WithAttachments(conversation.Attachment{
					Type:    conversation.AttachmentReviseMessage,
					Content: err.Error(),
				}),
			)
			if err := a.appendPosts(ctx, st, revise); err != nil {
				return conversation.Post{}, err
			}
			continue
		}

		post := conversation.NewPost(
			conversation.RolePlanner, plan.SendTo, plan.Message,
			conversation.WithAttachments(planAttachments(plan)...),
		)
		if err := a.appendPosts(ctx, st, post); err != nil {
			return conversation.Post{}, err
		}
		a.emit("planner.plan", map[string]string{
			"round_id": st.roundID,
			"send_to":  plan.SendTo,
			"step":     plan.CurrentPlanStep,
		})

		switch plan.SendTo {
		case conversation.RoleUser:
			return post, nil
		case conversation.RoleCodeInterpreter:
			if err := a.runInterpreter(ctx, st); err != nil {
				return conversation.Post{}, err
			}
		default:
			return conversation.Post{}, fmt.Errorf("%w: planner addressed %s", ErrInvalidRoute, plan.SendTo)
		}
	}
	return conversation.Post{}, ErrTurnExhausted
}

// planAttachments maps the non-empty plan fields onto ledger attachments.
func planAttachments(plan *llm.Plan) []conversation.Attachment {
	var atts []conversation.Attachment
	add := func(typ conversation.AttachmentType, content string) {
		if content != "" {
			atts = append(atts, conversation.Attachment{Type: typ, Content: content})
		}
	}
	add(conversation.AttachmentInitPlan, plan.InitPlan)
	add(conversation.AttachmentPlan, plan.Plan)
	add(conversation.AttachmentCurrentPlanStep, plan.CurrentPlanStep)
	add(conversation.AttachmentReview, plan.Review)
	return atts
}

// appendPosts routes and applies posts to the current round, then
// checkpoints.
func (a *Agent) appendPosts(ctx context.Context, st *turnState, posts ...conversation.Post) error {
	for _, post := range posts {
		if err := st.router.advance(post); err != nil {
			return err
		}
	}
	var err error
	st.rounds, err = conversation.Apply(st.rounds, conversation.RoundUpdate{
		ID:    st.roundID,
		Posts: posts,
	})
	if err != nil {
		return err
	}
	a.checkpoint(ctx, st)
	return nil
}

// failRound marks the current round failed in the ledger.
func (a *Agent) failRound(ctx context.Context, st *turnState) error {
	var err error
	st.rounds, err = conversation.Apply(st.rounds, conversation.RoundUpdate{
		ID:     st.roundID,
		Status: conversation.RoundFailed,
	})
	if err != nil {
		return err
	}
	a.checkpoint(ctx, st)
	return nil
}

func (a *Agent) checkpoint(ctx context.Context, st *turnState) {
	if a.opts.Saver == nil {
		return
	}
	for _, round := range st.rounds {
		if round.ID != st.roundID {
			continue
		}
		if err := a.opts.Saver.SaveRound(ctx, a.opts.SessionID, round); err != nil {
			a.logger.Warn("checkpoint failed", zap.String("round_id", round.ID), zap.Error(err))
		}
	}
}

func (a *Agent) emit(name string, data any) {
	if err := a.opts.Events.Emit(name, data); err != nil {
		a.logger.Warn("event emit failed", zap.String("event", name), zap.Error(err))
	}
}
