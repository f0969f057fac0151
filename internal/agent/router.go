// Package agent drives the multi-role pipeline: the planner decides what
// happens next, the code interpreter turns instructions into verified and
// executed Go, and the reviser feeds failures back for self-correction.
package agent

import (
	"errors"
	"fmt"

	"github.com/vivym/scimate-agent/internal/conversation"
)

// ErrInvalidRoute is returned when a post moves between roles the pipeline
// does not connect, or arrives in a state that cannot accept it.
var ErrInvalidRoute = errors.New("agent: invalid route")

// State is the pipeline position between posts.
type State string

const (
	StateAwaitingPlan         State = "awaiting_plan"
	StateAwaitingCode         State = "awaiting_code"
	StateAwaitingVerification State = "awaiting_verification"
	StateAwaitingExecution    State = "awaiting_execution"
	StateAwaitingUser         State = "awaiting_user"
	StateTerminal             State = "terminal"
)

// route is one directed edge between roles.
type route struct {
	From string
	To   string
}

// transition names the states an edge may fire from and the state it leads
// to. The table is total: an edge absent here is invalid everywhere.
type transition struct {
	from []State
	to   State
}

var transitions = map[route]transition{
	// A user query opens planning; it may arrive at the start of a turn or
	// after a completed one.
	{conversation.RoleUser, conversation.RolePlanner}: {
		from: []State{StateTerminal, StateAwaitingUser},
		to:   StateAwaitingPlan,
	},

	// Planner decisions.
	{conversation.RolePlanner, conversation.RoleCodeInterpreter}: {
		from: []State{StateAwaitingPlan},
		to:   StateAwaitingCode,
	},
	{conversation.RolePlanner, conversation.RoleUser}: {
		from: []State{StateAwaitingPlan},
		to:   StateTerminal,
	},

	// Planner self-correction after a malformed reply.
	{conversation.RoleReviser, conversation.RolePlanner}: {
		from: []State{StateAwaitingPlan},
		to:   StateAwaitingPlan,
	},

	// Inside the code interpreter.
	{conversation.RoleCodeGenerator, conversation.RoleCodeVerifier}: {
		from: []State{StateAwaitingCode},
		to:   StateAwaitingVerification,
	},
	{conversation.RoleCodeVerifier, conversation.RoleCodeExecutor}: {
		from: []State{StateAwaitingVerification},
		to:   StateAwaitingExecution,
	},
	{conversation.RoleCodeVerifier, conversation.RoleReviser}: {
		from: []State{StateAwaitingVerification},
		to:   StateAwaitingCode,
	},
	{conversation.RoleCodeExecutor, conversation.RoleReviser}: {
		from: []State{StateAwaitingExecution},
		to:   StateAwaitingCode,
	},
	{conversation.RoleReviser, conversation.RoleCodeGenerator}: {
		from: []State{StateAwaitingCode},
		to:   StateAwaitingCode,
	},
	{conversation.RoleCodeExecutor, conversation.RoleCodeInterpreter}: {
		from: []State{StateAwaitingExecution},
		to:   StateAwaitingCode,
	},

	// The interpreter boundary: whatever happened inside, the composite
	// reports back to the planner.
	{conversation.RoleCodeInterpreter, conversation.RolePlanner}: {
		from: []State{StateAwaitingCode, StateAwaitingVerification, StateAwaitingExecution},
		to:   StateAwaitingPlan,
	},
}

// router validates post routing against the transition table.
type router struct {
	state State
}

func newRouter() *router {
	return &router{state: StateTerminal}
}

// advance moves the router along the edge the post describes.
func (r *router) advance(post conversation.Post) error {
	tr, ok := transitions[route{post.SendFrom, post.SendTo}]
	if !ok {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidRoute, post.SendFrom, post.SendTo)
	}
	for _, from := range tr.from {
		if r.state == from {
			r.state = tr.to
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s not allowed in state %s", ErrInvalidRoute, post.SendFrom, post.SendTo, r.state)
}
