package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/jmerrifield20/profilesync/internal/rank"
)

// Follow is a directed edge: Follower follows Profile. At most one exists per
// (ProfileID, FollowerID).
type Follow struct {
	ID         uuid.UUID       `json:"id"`
	ProfileID  uuid.UUID       `json:"profile_id"`
	FollowerID uuid.UUID       `json:"follower_id"`
	Rank       rank.FollowRank `json:"-"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// RankValue returns the rank score, or zero when the edge is unranked.
func (f *Follow) RankValue() float64 {
	if f.Rank == nil {
		return 0
	}
	return f.Rank.Value()
}

// Invite records that Inviter invited Invitee. At most one exists per pair.
type Invite struct {
	ID        uuid.UUID `json:"id"`
	InviteeID uuid.UUID `json:"invitee_id"`
	InviterID uuid.UUID `json:"inviter_id"`
	CreatedAt time.Time `json:"created_at"`
}
