package conversation

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// RoundStatus is the lifecycle state of a round. Transitions are forward-only:
// created -> finished or created -> failed.
type RoundStatus string

const (
	RoundCreated  RoundStatus = "created"
	RoundFinished RoundStatus = "finished"
	RoundFailed   RoundStatus = "failed"
)

// ErrMalformedUpdate is returned when an update references an unknown round id
// without carrying the user query needed to start a new round.
var ErrMalformedUpdate = errors.New("malformed round update")

// Round is one conversational exchange triggered by one user query. Posts are
// causally ordered: append order is logical order.
type Round struct {
	ID        string      `json:"id"`
	UserQuery string      `json:"user_query"`
	Posts     []Post      `json:"posts"`
	Status    RoundStatus `json:"status"`
}

// NewRound starts a round for a user query, seeded with the User -> Planner
// post that carries the query.
func NewRound(userQuery string, posts ...Post) Round {
	if len(posts) == 0 {
		posts = []Post{NewPost(RoleUser, RolePlanner, userQuery)}
	}
	return Round{
		ID:        uuid.NewString(),
		UserQuery: userQuery,
		Posts:     posts,
		Status:    RoundCreated,
	}
}

// clone returns a copy of the round with a freshly allocated post slice.
func (r Round) clone() Round {
	out := r
	out.Posts = append([]Post(nil), r.Posts...)
	return out
}

// LastPost returns the most recent post of the round.
func (r Round) LastPost() (Post, bool) {
	if len(r.Posts) == 0 {
		return Post{}, false
	}
	return r.Posts[len(r.Posts)-1], true
}

// RoundUpdate is an incremental patch to the round ledger. A nil/empty ID
// creates a new round, in which case UserQuery is required. Posts may be full
// Posts to append or PostUpdates keyed by existing post ids to merge.
type RoundUpdate struct {
	ID        string      `json:"id,omitempty"`
	UserQuery string      `json:"user_query,omitempty"`
	Status    RoundStatus `json:"status,omitempty"`

	Posts       []Post       `json:"posts,omitempty"`
	PostUpdates []PostUpdate `json:"post_updates,omitempty"`
}

// Apply folds updates into the round ledger and returns the merged ledger.
// It is pure: neither rounds nor any previously returned round is mutated.
// Applying the same update twice concatenates attachments twice; exactly-once
// delivery is the caller's responsibility.
func Apply(rounds []Round, updates ...RoundUpdate) ([]Round, error) {
	out := append([]Round(nil), rounds...)

	for _, update := range updates {
		idx := -1
		if update.ID != "" {
			for i, r := range out {
				if r.ID == update.ID {
					idx = i
					break
				}
			}
		}

		if idx < 0 {
			if update.UserQuery == "" {
				return nil, fmt.Errorf("%w: round %q not found and no user_query given", ErrMalformedUpdate, update.ID)
			}
			out = append(out, newRoundFromUpdate(update))
			continue
		}

		merged := out[idx].clone()
		if update.UserQuery != "" {
			merged.UserQuery = update.UserQuery
		}
		if update.Status != "" {
			merged.Status = update.Status
		}
		merged.Posts = mergePosts(merged.Posts, update)
		out[idx] = merged
	}

	return out, nil
}

func newRoundFromUpdate(update RoundUpdate) Round {
	id := update.ID
	if id == "" {
		id = uuid.NewString()
	}
	status := update.Status
	if status == "" {
		status = RoundCreated
	}
	posts := append([]Post(nil), update.Posts...)
	for _, pu := range update.PostUpdates {
		posts = append(posts, pu.toPost())
	}
	return Round{
		ID:        id,
		UserQuery: update.UserQuery,
		Posts:     posts,
		Status:    status,
	}
}

func mergePosts(posts []Post, update RoundUpdate) []Post {
	out := append([]Post(nil), posts...)

	for _, p := range update.Posts {
		out = append(out, p.clone())
	}

	for _, pu := range update.PostUpdates {
		merged := false
		for i, existing := range out {
			if existing.ID == pu.ID {
				out[i] = pu.apply(existing)
				merged = true
				break
			}
		}
		if !merged {
			out = append(out, pu.toPost())
		}
	}

	return out
}

// RoundsForRole returns the rounds visible to a role: failed rounds are
// dropped unless includeFailed is set, and each round's posts are filtered to
// those sent from or to the role. An empty role keeps every post.
func RoundsForRole(rounds []Round, role string, includeFailed bool) []Round {
	out := make([]Round, 0, len(rounds))
	for _, r := range rounds {
		if r.Status == RoundFailed && !includeFailed {
			continue
		}
		view := r.clone()
		if role != "" {
			posts := make([]Post, 0, len(view.Posts))
			for _, p := range view.Posts {
				if p.SendFrom == role || p.SendTo == role {
					posts = append(posts, p)
				}
			}
			view.Posts = posts
		}
		out = append(out, view)
	}
	return out
}
