// Package rank computes FollowRank scores: a numeric estimate of how closely a
// follower is engaged with the profile they follow, together with the
// component breakdown that produced it.
package rank

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotImplemented is returned when no rank variant exists for a network.
var ErrNotImplemented = errors.New("follow rank not implemented for network")

// FollowRank is a computed rank attached to a follow edge. Each network that
// supports ranking provides its own variant; callers only depend on this
// interface and on the flat parameter map it serializes to.
type FollowRank interface {
	// Network is the tag used to pick the variant when decoding params.
	Network() string
	// Value is the final weighted score.
	Value() float64
	// Params flattens the rank and its components for storage.
	Params() Params
}

// Params is the serialized form of a FollowRank.
type Params map[string]any

// Photo is the subset of a followee's photo used for ranking.
type Photo struct {
	ID          string
	CreatedTime time.Time
	TagUIDs     []string
	LikeUIDs    []string
	// CommentUIDs holds the author uid of every comment, one entry per comment.
	CommentUIDs []string
}

// Status is the subset of a followee's status update used for ranking.
type Status struct {
	ID          string
	CreatedTime time.Time
	LikeUIDs    []string
	CommentUIDs []string
}

// Followee is everything the engine needs about the profile being followed.
// Media is fetched by the caller ahead of time; Compute performs no I/O.
type Followee struct {
	UID      string
	Network  string
	Photos   []Photo
	Statuses []Status
}

// Engine computes ranks using immutable configuration supplied at construction.
type Engine struct {
	cfg Config
	now func() time.Time
}

// NewEngine creates an Engine for the given coefficients.
func NewEngine(cfg Config) *Engine {
	return &Engine{cfg: cfg, now: time.Now}
}

// SetClock overrides the time source used for annotation windows.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// Config returns the engine's configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Supports reports whether ranks can be computed for followees on network.
func (e *Engine) Supports(network string) bool {
	return network == NetworkFacebook
}

// Compute scores the follower identified by followerUID against followee.
func (e *Engine) Compute(followee Followee, followerUID string) (FollowRank, error) {
	switch followee.Network {
	case NetworkFacebook:
		return computeFacebook(e.cfg.Facebook, followee, followerUID, e.now()), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrNotImplemented, followee.Network)
	}
}

// FromParams rebuilds a FollowRank from its serialized form.
func FromParams(p Params) (FollowRank, error) {
	network, _ := p[paramNetwork].(string)
	switch network {
	case NetworkFacebook:
		return facebookFromParams(p)
	default:
		return nil, fmt.Errorf("%w: %q", ErrNotImplemented, network)
	}
}

// inWindow reports whether t falls within the trailing window of days ending
// at now. The lower bound is inclusive; zero times never match.
func inWindow(t, now time.Time, days int) bool {
	if t.IsZero() {
		return false
	}
	cutoff := now.Add(-time.Duration(days) * 24 * time.Hour)
	return !t.Before(cutoff)
}

func countUID(uids []string, uid string) int {
	n := 0
	for _, u := range uids {
		if u == uid {
			n++
		}
	}
	return n
}

func containsUID(uids []string, uid string) bool {
	return countUID(uids, uid) > 0
}
